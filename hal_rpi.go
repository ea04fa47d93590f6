package main

// This file provides the Raspberry Pi board using the periph.io library.
// periph registers no pins on hosts without GPIO drivers, so on a desktop
// the board builds fine but every pin lookup fails.

import (
	"fmt"
	"strconv"
	"sync"

	// Use the new periph module layout.  See https://periph.io/news/2020/a_new_start/
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

func init() {
	RegisterModel(KindBoard, "periph", newPeriphBoard)
}

var (
	periphOnce sync.Once
	periphErr  error
)

// initPeriph initialises periph host state once per process.
func initPeriph() error {
	periphOnce.Do(func() {
		_, periphErr = host.Init()
	})
	return periphErr
}

// periphPinName resolves a configured pin name to a periph name.  Bare
// numbers are physical header positions ("33" becomes "P1_33"); anything else
// ("GPIO13", "P1_33") is passed through.
func periphPinName(name string) string {
	if _, err := strconv.Atoi(name); err == nil {
		return "P1_" + name
	}
	return name
}

type periphBoard struct {
	name string

	mu   sync.Mutex
	pins map[string]gpio.PinIO
}

func newPeriphBoard(cfg ComponentConfig, _ *EventLogger) (Resource, error) {
	if err := decodeAttributes(cfg.Attributes, &struct{}{}); err != nil {
		return nil, err
	}
	if err := initPeriph(); err != nil {
		return nil, fmt.Errorf("board %s: periph init: %w", cfg.Name, err)
	}
	return &periphBoard{name: cfg.Name, pins: make(map[string]gpio.PinIO)}, nil
}

func (b *periphBoard) Name() string { return b.name }

// GPIOPinByName looks the pin up in the periph registry.
func (b *periphBoard) GPIOPinByName(name string) (OutputPin, error) {
	p, err := lookupPeriphPin(name)
	if err != nil {
		return nil, fmt.Errorf("board %s: %w", b.name, err)
	}
	b.mu.Lock()
	b.pins[p.Name()] = p
	b.mu.Unlock()
	return periphPin{p}, nil
}

// Close halts every pin handed out by the board.
func (b *periphBoard) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var firstErr error
	for name, p := range b.pins {
		if err := p.Halt(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("halt %s: %w", name, err)
		}
	}
	b.pins = make(map[string]gpio.PinIO)
	return firstErr
}

func lookupPeriphPin(name string) (gpio.PinIO, error) {
	p := gpioreg.ByName(periphPinName(name))
	if p == nil {
		return nil, fmt.Errorf("no GPIO pin named %q", name)
	}
	return p, nil
}

type periphPin struct {
	p gpio.PinIO
}

func (p periphPin) Set(high bool) error {
	return p.p.Out(gpio.Level(high))
}

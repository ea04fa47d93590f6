package main

// This file defines the hardware abstraction layer.  Controllers only see the
// Board and Sensor capabilities; concrete models are built from configuration
// by the component registry.  The fake models below need no hardware so the
// daemon and its tests run on a desktop machine.

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Resource is a named component built from configuration.
type Resource interface {
	Name() string
	Close() error
}

// OutputPin is a single digital output line.
type OutputPin interface {
	Set(high bool) error
}

// Board exposes digital output pins by name.
type Board interface {
	Resource
	GPIOPinByName(name string) (OutputPin, error)
}

// Sensor returns named readings.  Ranging sensors report "distance" in meters.
type Sensor interface {
	Resource
	Readings(ctx context.Context) (map[string]any, error)
}

func init() {
	RegisterModel(KindBoard, "fake", newFakeBoard)
	RegisterModel(KindSensor, "fake", newFakeSensor)
}

// PinWrite records one write to a fake pin.
type PinWrite struct {
	Pin  string
	High bool
}

// fakeBoard keeps pin levels in memory and records every write.
type fakeBoard struct {
	name    string
	allowed map[string]bool

	mu     sync.Mutex
	levels map[string]bool
	writes []PinWrite
	fail   map[string]error
}

type fakeBoardAttributes struct {
	Pins []string `json:"pins"`
}

func newFakeBoard(cfg ComponentConfig, _ *EventLogger) (Resource, error) {
	var attrs fakeBoardAttributes
	if err := decodeAttributes(cfg.Attributes, &attrs); err != nil {
		return nil, err
	}
	b := &fakeBoard{name: cfg.Name, levels: make(map[string]bool), fail: make(map[string]error)}
	if len(attrs.Pins) > 0 {
		b.allowed = make(map[string]bool, len(attrs.Pins))
		for _, p := range attrs.Pins {
			b.allowed[p] = true
		}
	}
	return b, nil
}

func (b *fakeBoard) Name() string { return b.name }

func (b *fakeBoard) Close() error { return nil }

func (b *fakeBoard) GPIOPinByName(name string) (OutputPin, error) {
	if name == "" || (b.allowed != nil && !b.allowed[name]) {
		return nil, fmt.Errorf("board %s: no pin named %q", b.name, name)
	}
	return &fakePin{board: b, name: name}, nil
}

// Level returns the current level of a pin and whether it was ever written.
func (b *fakeBoard) Level(pin string) (bool, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.levels[pin]
	return l, ok
}

// Writes returns a copy of every write so far.
func (b *fakeBoard) Writes() []PinWrite {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]PinWrite, len(b.writes))
	copy(out, b.writes)
	return out
}

// FailPin makes writes to pin return err.  A nil err clears the failure.
func (b *fakeBoard) FailPin(pin string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.fail, pin)
		return
	}
	b.fail[pin] = err
}

type fakePin struct {
	board *fakeBoard
	name  string
}

func (p *fakePin) Set(high bool) error {
	b := p.board
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.fail[p.name]; err != nil {
		return err
	}
	b.levels[p.name] = high
	b.writes = append(b.writes, PinWrite{Pin: p.name, High: high})
	return nil
}

// fakeSensor replays a fixed list of distances, or a constant distance.
type fakeSensor struct {
	name string

	mu       sync.Mutex
	readings []float64
	next     int
}

type fakeSensorAttributes struct {
	Readings []float64 `json:"readings"`
	Distance *float64  `json:"distance"`
}

func newFakeSensor(cfg ComponentConfig, _ *EventLogger) (Resource, error) {
	var attrs fakeSensorAttributes
	if err := decodeAttributes(cfg.Attributes, &attrs); err != nil {
		return nil, err
	}
	readings := attrs.Readings
	if len(readings) == 0 {
		d := 1.0
		if attrs.Distance != nil {
			d = *attrs.Distance
		}
		readings = []float64{d}
	}
	return &fakeSensor{name: cfg.Name, readings: readings}, nil
}

func (s *fakeSensor) Name() string { return s.name }

func (s *fakeSensor) Close() error { return nil }

func (s *fakeSensor) Readings(ctx context.Context) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.readings) == 0 {
		return nil, errors.New("no readings")
	}
	d := s.readings[s.next%len(s.readings)]
	s.next++
	return map[string]any{"distance": d}, nil
}

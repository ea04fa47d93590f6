package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"periph.io/x/conn/v3/gpio"
)

// speedOfSound is in meters per second at roughly 20°C.
const speedOfSound = 343.0

func init() {
	RegisterModel(KindSensor, "hc-sr04", newHCSR04)
}

// echoPin is the part of gpio.PinIO the ultrasonic sensor needs.
type echoPin interface {
	In(pull gpio.Pull, edge gpio.Edge) error
	Read() gpio.Level
	WaitForEdge(timeout time.Duration) bool
	Halt() error
}

type triggerPin interface {
	Out(l gpio.Level) error
	Halt() error
}

// hcsr04 measures distance with an HC-SR04 ultrasonic ranger: a 10µs trigger
// pulse starts a measurement and the echo line stays high for the round trip
// time of the sound burst.
type hcsr04 struct {
	name    string
	trigger triggerPin
	echo    echoPin
	timeout time.Duration

	mu sync.Mutex // one measurement at a time
}

type hcsr04Attributes struct {
	TriggerPin string  `json:"trigger_pin"`
	EchoPin    string  `json:"echo_pin"`
	Timeout    float64 `json:"timeout"` // seconds to wait for each echo edge
}

func newHCSR04(cfg ComponentConfig, _ *EventLogger) (Resource, error) {
	var attrs hcsr04Attributes
	if err := decodeAttributes(cfg.Attributes, &attrs); err != nil {
		return nil, err
	}
	if attrs.TriggerPin == "" || attrs.EchoPin == "" {
		return nil, &ConfigError{Key: "trigger_pin/echo_pin", Reason: "are required"}
	}
	if err := initPeriph(); err != nil {
		return nil, fmt.Errorf("periph init: %w", err)
	}
	trig, err := lookupPeriphPin(attrs.TriggerPin)
	if err != nil {
		return nil, err
	}
	echo, err := lookupPeriphPin(attrs.EchoPin)
	if err != nil {
		return nil, err
	}
	timeout := 50 * time.Millisecond
	if attrs.Timeout > 0 {
		timeout = seconds(attrs.Timeout)
	}
	return newHCSR04FromPins(cfg.Name, trig, echo, timeout)
}

func newHCSR04FromPins(name string, trig triggerPin, echo echoPin, timeout time.Duration) (*hcsr04, error) {
	if err := trig.Out(gpio.Low); err != nil {
		return nil, fmt.Errorf("trigger pin: %w", err)
	}
	if err := echo.In(gpio.PullDown, gpio.BothEdges); err != nil {
		return nil, fmt.Errorf("echo pin: %w", err)
	}
	return &hcsr04{name: name, trigger: trig, echo: echo, timeout: timeout}, nil
}

func (s *hcsr04) Name() string { return s.name }

func (s *hcsr04) Close() error {
	return errors.Join(s.trigger.Halt(), s.echo.Halt())
}

// Readings triggers one measurement and reports "distance" in meters.
func (s *hcsr04) Readings(ctx context.Context) (map[string]any, error) {
	d, err := s.measure(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"distance": d}, nil
}

func (s *hcsr04) measure(ctx context.Context) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	timeout := s.timeout
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < timeout {
			timeout = left
		}
	}
	if timeout <= 0 {
		return 0, context.DeadlineExceeded
	}

	if err := s.trigger.Out(gpio.High); err != nil {
		return 0, fmt.Errorf("trigger: %w", err)
	}
	time.Sleep(10 * time.Microsecond)
	if err := s.trigger.Out(gpio.Low); err != nil {
		return 0, fmt.Errorf("trigger: %w", err)
	}

	// Rising edge: the burst has been sent.
	if !s.waitLevel(gpio.High, timeout) {
		return 0, errors.New("timed out waiting for echo start")
	}
	start := time.Now()
	// Falling edge: the echo came back.
	if !s.waitLevel(gpio.Low, timeout) {
		return 0, errors.New("timed out waiting for echo end")
	}
	elapsed := time.Since(start)
	return elapsed.Seconds() * speedOfSound / 2, nil
}

// waitLevel waits for an edge that leaves the echo line at level l.
func (s *hcsr04) waitLevel(l gpio.Level, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		left := time.Until(deadline)
		if left <= 0 {
			return false
		}
		if s.echo.WaitForEdge(left) && s.echo.Read() == l {
			return true
		}
	}
}

package main

import (
	"errors"
	"fmt"
	"sync"
)

// Line identifies one of the three indicator outputs.
type Line int

const (
	LineRed Line = iota
	LineGreen
	LineBlue
)

var allLines = [...]Line{LineRed, LineGreen, LineBlue}

func (l Line) String() string {
	switch l {
	case LineRed:
		return "red"
	case LineGreen:
		return "green"
	case LineBlue:
		return "blue"
	default:
		return fmt.Sprintf("line(%d)", int(l))
	}
}

// IndicatorOutput drives the three indicator lines.  SetLine must be safe to
// call repeatedly with the same level.
type IndicatorOutput interface {
	SetLine(line Line, high bool) error
}

// pinIndicator is an IndicatorOutput backed by three board output pins.
type pinIndicator struct {
	pins [3]OutputPin
}

func newPinIndicator(red, green, blue OutputPin) *pinIndicator {
	return &pinIndicator{pins: [3]OutputPin{red, green, blue}}
}

func (p *pinIndicator) SetLine(line Line, high bool) error {
	if line < LineRed || line > LineBlue {
		return fmt.Errorf("unknown indicator line %d", int(line))
	}
	return p.pins[line].Set(high)
}

// levels returns the (red, green, blue) levels for a state.
func levels(state SafetyState) [3]bool {
	switch state {
	case StateSafe:
		return [3]bool{false, true, false}
	case StateUnsafe:
		return [3]bool{true, false, false}
	default:
		return [3]bool{false, false, false}
	}
}

// IndicatorDriver applies safety states to an IndicatorOutput, writing the
// lines only when the state differs from the last one applied successfully.
type IndicatorDriver struct {
	out IndicatorOutput

	mu      sync.Mutex
	applied SafetyState
}

// NewIndicatorDriver returns a driver with no state applied yet.
func NewIndicatorDriver(out IndicatorOutput) *IndicatorDriver {
	return &IndicatorDriver{out: out}
}

// ApplyIfChanged writes the levels for state unless it is already applied.
// All three lines are attempted even when one fails.  The applied state only
// advances when every write succeeded, so a partial write is retried on the
// next call.
func (d *IndicatorDriver) ApplyIfChanged(state SafetyState) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if state == d.applied {
		return false, nil
	}
	if err := d.write(levels(state)); err != nil {
		return false, err
	}
	d.applied = state
	return true, nil
}

// Reset forgets the applied state so the next ApplyIfChanged always writes.
func (d *IndicatorDriver) Reset() {
	d.mu.Lock()
	d.applied = StateUnknown
	d.mu.Unlock()
}

// Off drives every line low and forgets the applied state.
func (d *IndicatorDriver) Off() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.applied = StateUnknown
	return d.write(levels(StateUnknown))
}

// Applied returns the last state written successfully.
func (d *IndicatorDriver) Applied() SafetyState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.applied
}

func (d *IndicatorDriver) write(lv [3]bool) error {
	var errs []error
	for _, line := range allLines {
		if err := d.out.SetLine(line, lv[line]); err != nil {
			errs = append(errs, &OutputWriteError{Line: line, Err: err})
		}
	}
	return errors.Join(errs...)
}

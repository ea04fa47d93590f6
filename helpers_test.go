package main

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

func testLogger() *EventLogger {
	return NewEventLogger("", true)
}

// reading is one scripted sensor result.
type reading struct {
	d   float64
	err error
}

// scriptedSource returns its readings in order, then blocks until the read
// context is done.
type scriptedSource struct {
	mu       sync.Mutex
	readings []reading
	next     int

	reads    atomic.Int64
	inFlight atomic.Int64
	maxInFl  atomic.Int64
}

func newScriptedSource(rs ...reading) *scriptedSource {
	return &scriptedSource{readings: rs}
}

func distances(ds ...float64) []reading {
	out := make([]reading, len(ds))
	for i, d := range ds {
		out[i] = reading{d: d}
	}
	return out
}

func (s *scriptedSource) Distance(ctx context.Context) (float64, error) {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		m := s.maxInFl.Load()
		if n <= m || s.maxInFl.CompareAndSwap(m, n) {
			break
		}
	}

	s.mu.Lock()
	if s.next < len(s.readings) {
		r := s.readings[s.next]
		s.next++
		s.mu.Unlock()
		s.reads.Add(1)
		return r.d, r.err
	}
	s.mu.Unlock()
	<-ctx.Done()
	return 0, ctx.Err()
}

// Consumed reports how many scripted readings were returned.
func (s *scriptedSource) Consumed() int {
	return int(s.reads.Load())
}

// constantSource always returns the same distance.
type constantSource struct {
	d        float64
	reads    atomic.Int64
	inFlight atomic.Int64
	overlap  atomic.Bool
}

func (s *constantSource) Distance(ctx context.Context) (float64, error) {
	if s.inFlight.Add(1) > 1 {
		s.overlap.Store(true)
	}
	defer s.inFlight.Add(-1)
	time.Sleep(time.Millisecond)
	s.reads.Add(1)
	return s.d, nil
}

// stubbornSource ignores its context and takes delay for every read.
type stubbornSource struct {
	d     float64
	delay time.Duration
	reads atomic.Int64
}

func (s *stubbornSource) Distance(context.Context) (float64, error) {
	time.Sleep(s.delay)
	s.reads.Add(1)
	return s.d, nil
}

type lineWrite struct {
	Line Line
	High bool
}

// recordingOutput records every successful line write.
type recordingOutput struct {
	mu     sync.Mutex
	writes []lineWrite
	fail   map[Line]int // remaining failures per line; -1 fails forever
}

func newRecordingOutput() *recordingOutput {
	return &recordingOutput{fail: make(map[Line]int)}
}

var errLineStuck = errors.New("line stuck")

func (o *recordingOutput) SetLine(line Line, high bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if n := o.fail[line]; n != 0 {
		if n > 0 {
			o.fail[line] = n - 1
		}
		return errLineStuck
	}
	o.writes = append(o.writes, lineWrite{line, high})
	return nil
}

func (o *recordingOutput) failLine(line Line, times int) {
	o.mu.Lock()
	o.fail[line] = times
	o.mu.Unlock()
}

func (o *recordingOutput) Writes() []lineWrite {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]lineWrite, len(o.writes))
	copy(out, o.writes)
	return out
}

// states decodes complete groups of three writes back into safety states.
func (o *recordingOutput) states() []SafetyState {
	ws := o.Writes()
	var out []SafetyState
	for i := 0; i+2 < len(ws); i += 3 {
		lv := [3]bool{ws[i].High, ws[i+1].High, ws[i+2].High}
		switch lv {
		case levels(StateSafe):
			out = append(out, StateSafe)
		case levels(StateUnsafe):
			out = append(out, StateUnsafe)
		default:
			out = append(out, StateUnknown)
		}
	}
	return out
}

// transitionLog collects transitions from a supervisor.
type transitionLog struct {
	mu sync.Mutex
	ts []Transition
}

func (l *transitionLog) record(t Transition) {
	l.mu.Lock()
	l.ts = append(l.ts, t)
	l.mu.Unlock()
}

func (l *transitionLog) states() []SafetyState {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]SafetyState, len(l.ts))
	for i, t := range l.ts {
		out[i] = t.State
	}
	return out
}

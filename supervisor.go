package main

import (
	"context"
	"sync"
	"time"
)

// DistanceSource produces one distance measurement in meters.  Implementations
// should return when ctx is done.
type DistanceSource interface {
	Distance(ctx context.Context) (float64, error)
}

// LoopConfig is captured by Start and never changes for the lifetime of a
// loop.
type LoopConfig struct {
	Threshold    float64
	PollInterval time.Duration
	ReadTimeout  time.Duration
	OffOnStop    bool
}

// Transition is emitted whenever the indicator changes color.
type Transition struct {
	Service  string
	State    SafetyState
	Distance float64
	At       time.Time
}

// LoopStats is a snapshot of what the running (or last) loop observed.
type LoopStats struct {
	Running      bool
	LoopID       uint64
	Applied      SafetyState
	LastDistance float64
	LastReadAt   time.Time
	Ticks        uint64
	SensorErrors uint64
	OutputErrors uint64
	LastError    string
}

type loopHandle struct {
	id     uint64
	cancel context.CancelFunc
	done   chan struct{}
}

func (h *loopHandle) live() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Supervisor owns the polling loop for one controller.  Start and Stop may
// be called from any goroutine; at most one loop runs at a time.
//
// Stop cancels the loop and waits for it to exit.  The interval wait is
// interruptible, so Stop returns after at most one in-flight read, which is
// bounded by ReadTimeout for sources that honour their context.
type Supervisor struct {
	name   string
	source DistanceSource
	driver *IndicatorDriver
	cfg    LoopConfig
	logger *EventLogger
	notify func(Transition)

	mu     sync.Mutex // serializes Start and Stop; never taken by the loop
	handle *loopHandle
	nextID uint64

	statMu sync.Mutex
	stats  LoopStats
}

// NewSupervisor returns an idle supervisor.  notify may be nil.
func NewSupervisor(name string, source DistanceSource, driver *IndicatorDriver, cfg LoopConfig, logger *EventLogger, notify func(Transition)) *Supervisor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if notify == nil {
		notify = func(Transition) {}
	}
	return &Supervisor{
		name:   name,
		source: source,
		driver: driver,
		cfg:    cfg,
		logger: logger,
		notify: notify,
	}
}

// Start spawns the loop unless one is already live.
func (s *Supervisor) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle != nil && s.handle.live() {
		return
	}
	s.driver.Reset()
	s.nextID++
	ctx, cancel := context.WithCancel(context.Background())
	h := &loopHandle{id: s.nextID, cancel: cancel, done: make(chan struct{})}
	s.handle = h

	s.statMu.Lock()
	s.stats = LoopStats{Running: true, LoopID: h.id}
	s.statMu.Unlock()

	s.logger.Debugf("%s: starting loop %d (threshold %.3fm, interval %s)", s.name, h.id, s.cfg.Threshold, s.cfg.PollInterval)
	go s.run(ctx, h)
}

// Stop cancels the live loop, if any, and waits for it to exit.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.handle
	if h == nil {
		return
	}
	s.handle = nil
	h.cancel()
	<-h.done
	s.logger.Debugf("%s: loop %d stopped", s.name, h.id)

	if s.cfg.OffOnStop {
		if err := s.driver.Off(); err != nil {
			s.logger.Errorf("%s: turn indicator off: %v", s.name, err)
		}
	}
}

// Running reports whether a loop is live.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle != nil && s.handle.live()
}

// Stats returns a snapshot of the loop counters.
func (s *Supervisor) Stats() LoopStats {
	s.statMu.Lock()
	st := s.stats
	s.statMu.Unlock()
	st.Running = s.Running()
	st.Applied = s.driver.Applied()
	return st
}

func (s *Supervisor) run(ctx context.Context, h *loopHandle) {
	defer close(h.done)

	for {
		s.tick(ctx)

		// Fixed delay: the interval starts after the tick completes.
		wait := time.NewTimer(s.cfg.PollInterval)
		select {
		case <-ctx.Done():
			wait.Stop()
			return
		case <-wait.C:
		}
	}
}

// tick performs one read, classify and drive step.
func (s *Supervisor) tick(ctx context.Context) {
	rctx, cancel := context.WithTimeout(ctx, s.cfg.ReadTimeout)
	distance, err := s.source.Distance(rctx)
	cancel()
	if ctx.Err() != nil {
		// Stopped while reading; the result belongs to a dead loop.
		return
	}
	if err != nil {
		rerr := &SensorReadError{Sensor: s.name, Err: err}
		s.update(func(st *LoopStats) {
			st.Ticks++
			st.SensorErrors++
			st.LastError = rerr.Error()
		})
		s.logger.Errorf("%s: %v", s.name, rerr)
		return
	}

	now := time.Now()
	state := Classify(distance, s.cfg.Threshold)
	changed, err := s.driver.ApplyIfChanged(state)
	s.update(func(st *LoopStats) {
		st.Ticks++
		st.LastDistance = distance
		st.LastReadAt = now
		if err != nil {
			st.OutputErrors++
			st.LastError = err.Error()
		}
	})
	if err != nil {
		s.logger.Errorf("%s: indicator %s: %v", s.name, state, err)
		return
	}
	if changed {
		s.logger.Debugf("%s: distance %.3fm is %s", s.name, distance, state)
		s.notify(Transition{Service: s.name, State: state, Distance: distance, At: now})
	}
}

func (s *Supervisor) update(fn func(*LoopStats)) {
	s.statMu.Lock()
	fn(&s.stats)
	s.statMu.Unlock()
}

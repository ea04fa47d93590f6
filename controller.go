package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

// Controller is one proximity alert service: a sensor, a board with three
// indicator pins and the supervisor polling between them.
type Controller struct {
	name   string
	logger *EventLogger

	alertMu sync.RWMutex
	alerts  []AlertHandler

	mu       sync.Mutex
	settings Settings
	sup      *Supervisor
	closed   bool
}

// NewController validates attrs, resolves its board and sensor from deps and
// starts polling when auto_start is set.  Nothing is started on error.
func NewController(name string, attrs map[string]any, deps Dependencies, logger *EventLogger, alerts []AlertHandler) (*Controller, error) {
	c := &Controller{name: name, logger: logger, alerts: alerts}
	if err := c.Reconfigure(attrs, deps); err != nil {
		return nil, err
	}
	return c, nil
}

// Name returns the service name.
func (c *Controller) Name() string { return c.name }

type preparedController struct {
	settings Settings
	sup      *Supervisor
}

// prepare validates everything a reconfiguration needs without touching the
// running controller.
func (c *Controller) prepare(attrs map[string]any, deps Dependencies) (*preparedController, error) {
	settings, err := ParseSettings(attrs)
	if err != nil {
		return nil, err
	}
	board, err := deps.Board(settings.Board)
	if err != nil {
		return nil, err
	}
	sensor, err := deps.Sensor(settings.Sensor)
	if err != nil {
		return nil, err
	}
	var pins [3]OutputPin
	for i, p := range []struct{ key, name string }{
		{"red_pin", settings.RedPin},
		{"green_pin", settings.GreenPin},
		{"blue_pin", settings.BluePin},
	} {
		pin, err := board.GPIOPinByName(p.name)
		if err != nil {
			return nil, &ConfigError{Key: p.key, Reason: err.Error()}
		}
		pins[i] = pin
	}
	driver := NewIndicatorDriver(newPinIndicator(pins[0], pins[1], pins[2]))
	sup := NewSupervisor(c.name, sensorSource{sensor}, driver, settings.LoopConfig(), c.logger, c.dispatch)
	return &preparedController{settings: settings, sup: sup}, nil
}

// apply replaces the running supervisor.  The old loop is stopped before the
// new one may start, so the pins never have two writers.  The new loop starts
// when auto_start is set, when the old loop was running, or when resume is
// set for a loop that was suspended.
func (c *Controller) apply(p *preparedController, resume bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errControllerClosed
	}
	if c.sup != nil {
		resume = resume || c.sup.Running()
		c.sup.Stop()
	}
	c.settings = p.settings
	c.sup = p.sup
	c.logger.Debugf("%s: configured (board %s, sensor %s, safe distance %.3fm)", c.name, p.settings.Board, p.settings.Sensor, p.settings.SafeDistance)
	if p.settings.AutoStart || resume {
		c.sup.Start()
	}
	return nil
}

var errControllerClosed = errors.New("controller is closed")

// Reconfigure replaces the controller configuration.  On error the current
// configuration and loop are left untouched.  A closed controller stays
// closed.
func (c *Controller) Reconfigure(attrs map[string]any, deps Dependencies) error {
	p, err := c.prepare(attrs, deps)
	if err == nil {
		err = c.apply(p, false)
	}
	if err != nil {
		return fmt.Errorf("configure %s: %w", c.name, err)
	}
	return nil
}

// uses reports whether the controller is wired to any of the named
// components.
func (c *Controller) uses(names map[string]ComponentConfig) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sup == nil {
		return false
	}
	_, board := names[c.settings.Board]
	_, sensor := names[c.settings.Sensor]
	return board || sensor
}

// suspend stops the loop so its components can be released, and reports
// whether it was running.
func (c *Controller) suspend() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sup == nil {
		return false
	}
	running := c.sup.Running()
	c.sup.Stop()
	return running
}

// Start begins polling.  It is a no-op when already running.
func (c *Controller) Start() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.sup == nil {
		return false
	}
	c.sup.Start()
	return true
}

// Stop ends polling and waits for the loop to exit.
func (c *Controller) Stop() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.sup == nil {
		return false
	}
	c.sup.Stop()
	return true
}

// DoCommand runs the "start" and "stop" commands.  Every key of cmd appears in
// the result; unknown commands report false.
func (c *Controller) DoCommand(_ context.Context, cmd map[string]any) map[string]bool {
	result := make(map[string]bool, len(cmd))
	for name := range cmd {
		switch name {
		case "start":
			result[name] = c.Start()
		case "stop":
			result[name] = c.Stop()
		default:
			result[name] = false
		}
	}
	return result
}

// Close stops polling and drops the board and sensor handles.  The host owns
// the components and closes them separately.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sup != nil {
		c.sup.Stop()
		c.sup = nil
	}
	c.closed = true
	return nil
}

// Status is the externally visible state of a controller.
type Status struct {
	Name         string    `json:"name"`
	Running      bool      `json:"running"`
	LoopID       uint64    `json:"loop_id"`
	State        string    `json:"state"`
	SafeDistance float64   `json:"safe_distance"`
	LastDistance float64   `json:"last_distance"`
	LastReadAt   time.Time `json:"last_read_at"`
	Ticks        uint64    `json:"ticks"`
	SensorErrors uint64    `json:"sensor_errors"`
	OutputErrors uint64    `json:"output_errors"`
	LastError    string    `json:"last_error,omitempty"`
}

// Status returns a snapshot of the controller and its loop.
func (c *Controller) Status() Status {
	c.mu.Lock()
	sup, settings := c.sup, c.settings
	c.mu.Unlock()
	st := Status{Name: c.name, SafeDistance: settings.SafeDistance, State: StateUnknown.String()}
	if sup == nil {
		return st
	}
	ls := sup.Stats()
	st.Running = ls.Running
	st.LoopID = ls.LoopID
	st.State = ls.Applied.String()
	st.LastDistance = ls.LastDistance
	st.LastReadAt = ls.LastReadAt
	st.Ticks = ls.Ticks
	st.SensorErrors = ls.SensorErrors
	st.OutputErrors = ls.OutputErrors
	st.LastError = ls.LastError
	return st
}

// SetAlerts replaces the alert handlers used for future transitions.
func (c *Controller) SetAlerts(alerts []AlertHandler) {
	c.alertMu.Lock()
	c.alerts = alerts
	c.alertMu.Unlock()
}

// dispatch fans a transition out to the alert handlers without blocking the
// loop.
func (c *Controller) dispatch(t Transition) {
	c.alertMu.RLock()
	alerts := c.alerts
	c.alertMu.RUnlock()
	if len(alerts) == 0 {
		return
	}
	go func() {
		for _, h := range alerts {
			if !h.Wants(t.State) {
				continue
			}
			if err := h.Send(t, c.logger); err != nil {
				c.logger.Errorf("alert handler %s: %v", h.Name(), err)
			}
		}
	}()
}

// sensorSource adapts a Sensor's readings to a DistanceSource.
type sensorSource struct {
	sensor Sensor
}

var errNoDistance = errors.New(`no "distance" reading`)

func (s sensorSource) Distance(ctx context.Context) (float64, error) {
	readings, err := s.sensor.Readings(ctx)
	if err != nil {
		return 0, err
	}
	v, ok := readings["distance"]
	if !ok {
		return 0, errNoDistance
	}
	var d float64
	switch t := v.(type) {
	case float64:
		d = t
	case float32:
		d = float64(t)
	case int:
		d = float64(t)
	default:
		return 0, fmt.Errorf("distance reading has type %T", v)
	}
	if math.IsNaN(d) || math.IsInf(d, 0) || d < 0 {
		return 0, fmt.Errorf("invalid distance %v", d)
	}
	return d, nil
}

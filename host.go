package main

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
)

// Host owns the components and the controllers built on them.
type Host struct {
	logger *EventLogger

	mu          sync.Mutex
	components  map[string]ComponentConfig
	services    map[string]ServiceConfig
	deps        Dependencies
	controllers map[string]*Controller
}

// NewHost builds everything in cfg.
func NewHost(cfg Config, logger *EventLogger) (*Host, error) {
	h := &Host{
		logger:      logger,
		components:  make(map[string]ComponentConfig),
		services:    make(map[string]ServiceConfig),
		deps:        make(Dependencies),
		controllers: make(map[string]*Controller),
	}
	if err := h.Apply(cfg); err != nil {
		return nil, err
	}
	return h, nil
}

// Apply moves the host to cfg.  Components whose configuration is unchanged
// are kept.  Components that change or go away are released before anything
// new is built, since old and new may drive the same pins; the controllers
// wired to them are suspended meanwhile.  If building or validating fails,
// the released components are rebuilt from their previous configuration and
// the suspended controllers resume on them.
func (h *Host) Apply(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	alerts, err := initAlertHandlers(cfg.Alerts)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	deps := make(Dependencies, len(cfg.Components))
	components := make(map[string]ComponentConfig, len(cfg.Components))
	var fresh []ComponentConfig
	for _, c := range cfg.Components {
		components[c.Name] = c
		if old, ok := h.components[c.Name]; ok && reflect.DeepEqual(old, c) {
			deps[c.Name] = h.deps[c.Name]
			continue
		}
		fresh = append(fresh, c)
	}
	stale := make(map[string]ComponentConfig)
	for name, c := range h.components {
		if _, kept := deps[name]; !kept {
			stale[name] = c
		}
	}
	suspended := h.release(stale)

	built, err := BuildComponents(fresh, h.logger)
	if err != nil {
		return h.rollback(stale, suspended, err)
	}
	for name, r := range built {
		deps[name] = r
	}

	type pending struct {
		c *Controller
		p *preparedController
	}
	var plan []pending
	for _, s := range cfg.Services {
		c, ok := h.controllers[s.Name]
		if !ok {
			c = &Controller{name: s.Name, logger: h.logger}
		}
		p, err := c.prepare(s.Attributes, deps)
		if err != nil {
			if cerr := built.Close(); cerr != nil {
				h.logger.Errorf("discard components: %v", cerr)
			}
			return h.rollback(stale, suspended, fmt.Errorf("configure %s: %w", s.Name, err))
		}
		plan = append(plan, pending{c, p})
	}

	controllers := make(map[string]*Controller, len(plan))
	services := make(map[string]ServiceConfig, len(cfg.Services))
	for _, s := range cfg.Services {
		services[s.Name] = s
	}
	for _, pc := range plan {
		pc.c.SetAlerts(alerts)
		if err := pc.c.apply(pc.p, suspended[pc.c.name]); err != nil {
			h.logger.Errorf("apply %s: %v", pc.c.name, err)
			continue
		}
		controllers[pc.c.name] = pc.c
	}
	for name, c := range h.controllers {
		if _, ok := controllers[name]; !ok {
			c.Close()
			h.logger.Log("removed service %s", name)
		}
	}

	h.components = components
	h.services = services
	h.deps = deps
	h.controllers = controllers
	h.logger.Log("configuration applied: %d components, %d services", len(deps), len(controllers))
	return nil
}

// release suspends every controller wired to a stale component, then closes
// the stale components.  It returns which suspended controllers were running.
func (h *Host) release(stale map[string]ComponentConfig) map[string]bool {
	suspended := make(map[string]bool)
	if len(stale) == 0 {
		return suspended
	}
	for name, c := range h.controllers {
		if c.uses(stale) {
			suspended[name] = c.suspend()
		}
	}
	names := make([]string, 0, len(stale))
	for name := range stale {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := h.deps[name].Close(); err != nil {
			h.logger.Errorf("close %s: %v", name, err)
		}
	}
	return suspended
}

// rollback rebuilds the released components from their previous
// configuration and puts the suspended controllers back on them.  cause is
// always part of the returned error.
func (h *Host) rollback(stale map[string]ComponentConfig, suspended map[string]bool, cause error) error {
	if len(stale) == 0 {
		return cause
	}
	cfgs := make([]ComponentConfig, 0, len(stale))
	for _, c := range stale {
		cfgs = append(cfgs, c)
	}
	sort.Slice(cfgs, func(i, j int) bool { return cfgs[i].Name < cfgs[j].Name })
	rebuilt, err := BuildComponents(cfgs, h.logger)
	if err != nil {
		h.logger.Errorf("restore components: %v", err)
		return errors.Join(cause, fmt.Errorf("restore components: %w", err))
	}
	for name, r := range rebuilt {
		h.deps[name] = r
	}
	errs := []error{cause}
	for name, running := range suspended {
		c := h.controllers[name]
		p, err := c.prepare(h.services[name].Attributes, h.deps)
		if err == nil {
			err = c.apply(p, running)
		}
		if err != nil {
			h.logger.Errorf("restore %s: %v", name, err)
			errs = append(errs, fmt.Errorf("restore %s: %w", name, err))
		}
	}
	if len(errs) == 1 {
		return cause
	}
	return errors.Join(errs...)
}

// Controller returns the named controller.
func (h *Host) Controller(name string) (*Controller, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.controllers[name]
	return c, ok
}

// Statuses returns the status of every controller sorted by name.
func (h *Host) Statuses() []Status {
	h.mu.Lock()
	cs := make([]*Controller, 0, len(h.controllers))
	for _, c := range h.controllers {
		cs = append(cs, c)
	}
	h.mu.Unlock()
	sort.Slice(cs, func(i, j int) bool { return cs[i].name < cs[j].name })
	out := make([]Status, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.Status())
	}
	return out
}

// Close stops every controller, then closes the components.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	var errs []error
	for _, c := range h.controllers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	errs = append(errs, h.deps.Close())
	h.controllers = make(map[string]*Controller)
	h.deps = make(Dependencies)
	h.components = make(map[string]ComponentConfig)
	h.services = make(map[string]ServiceConfig)
	return errors.Join(errs...)
}

package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Component kinds understood by the registry.
const (
	KindBoard  = "board"
	KindSensor = "sensor"
)

// BuildFunc constructs a component from its configuration.
type BuildFunc func(cfg ComponentConfig, logger *EventLogger) (Resource, error)

var (
	muModels sync.RWMutex
	models   = map[string]BuildFunc{}
)

func modelKey(kind, model string) string { return kind + "/" + model }

// RegisterModel installs a builder for a component kind and model.  It panics
// on duplicate registration to catch mistakes at start-up.
func RegisterModel(kind, model string, b BuildFunc) {
	muModels.Lock()
	defer muModels.Unlock()
	if kind == "" || model == "" {
		panic("registry: empty component kind or model")
	}
	key := modelKey(kind, model)
	if _, exists := models[key]; exists {
		panic(fmt.Sprintf("registry: builder already registered for %q", key))
	}
	models[key] = b
}

func findModel(kind, model string) (BuildFunc, bool) {
	muModels.RLock()
	defer muModels.RUnlock()
	b, ok := models[modelKey(kind, model)]
	return b, ok
}

// Dependencies maps component names to built resources.
type Dependencies map[string]Resource

// Board returns the named resource if it is a Board.
func (d Dependencies) Board(name string) (Board, error) {
	b, ok := d[name].(Board)
	if !ok {
		return nil, &DependencyNotFoundError{Name: name, Capability: KindBoard}
	}
	return b, nil
}

// Sensor returns the named resource if it is a Sensor.
func (d Dependencies) Sensor(name string) (Sensor, error) {
	s, ok := d[name].(Sensor)
	if !ok {
		return nil, &DependencyNotFoundError{Name: name, Capability: KindSensor}
	}
	return s, nil
}

// Close closes every resource in name order and returns the joined errors.
func (d Dependencies) Close() error {
	names := make([]string, 0, len(d))
	for name := range d {
		names = append(names, name)
	}
	sort.Strings(names)
	var errs []error
	for _, name := range names {
		if err := d[name].Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// BuildComponents builds every configured component.  On failure the
// components built so far are closed and nothing is returned.
func BuildComponents(cfgs []ComponentConfig, logger *EventLogger) (Dependencies, error) {
	deps := make(Dependencies, len(cfgs))
	for _, c := range cfgs {
		if c.Name == "" {
			deps.Close()
			return nil, &ConfigError{Key: "components.name", Reason: "is required"}
		}
		if _, dup := deps[c.Name]; dup {
			deps.Close()
			return nil, &ConfigError{Key: "components.name", Reason: fmt.Sprintf("%q is defined twice", c.Name)}
		}
		build, ok := findModel(c.Type, c.Model)
		if !ok {
			deps.Close()
			return nil, &ConfigError{Key: "components." + c.Name, Reason: fmt.Sprintf("has unknown %s model %q", c.Type, c.Model)}
		}
		r, err := build(c, logger)
		if err != nil {
			deps.Close()
			return nil, fmt.Errorf("build %s %s: %w", c.Type, c.Name, err)
		}
		deps[c.Name] = r
		logger.Debugf("built %s %s (%s)", c.Type, c.Name, c.Model)
	}
	return deps, nil
}

// decodeAttributes converts a free-form attribute map into a typed struct.
// Unknown attributes are rejected.
func decodeAttributes(attrs map[string]any, v any) error {
	if len(attrs) == 0 {
		return nil
	}
	data, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("encode attributes: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid attributes: %w", err)
	}
	return nil
}

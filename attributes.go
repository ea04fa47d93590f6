package main

import (
	"fmt"
	"math"
	"strconv"
	"time"
)

const (
	defaultSafeDistance = 0.2
	defaultPollInterval = time.Second
	defaultReadTimeout  = time.Second
)

// Settings are the validated attributes of one controller.  They are replaced
// wholesale on reconfiguration.
type Settings struct {
	Board        string
	Sensor       string
	RedPin       string
	GreenPin     string
	BluePin      string
	AutoStart    bool
	SafeDistance float64
	PollInterval time.Duration
	ReadTimeout  time.Duration
	OffOnStop    bool
}

// Dependencies returns the names of the components the controller needs.
func (s Settings) Dependencies() []string {
	return []string{s.Board, s.Sensor}
}

// LoopConfig returns the part of the settings captured by the polling loop.
func (s Settings) LoopConfig() LoopConfig {
	return LoopConfig{
		Threshold:    s.SafeDistance,
		PollInterval: s.PollInterval,
		ReadTimeout:  s.ReadTimeout,
		OffOnStop:    s.OffOnStop,
	}
}

// ParseSettings validates controller attributes and applies defaults.
func ParseSettings(attrs map[string]any) (Settings, error) {
	s := Settings{
		AutoStart:    true,
		SafeDistance: defaultSafeDistance,
		PollInterval: defaultPollInterval,
		ReadTimeout:  defaultReadTimeout,
	}
	required := []struct {
		key string
		dst *string
	}{
		{"board", &s.Board},
		{"sensor", &s.Sensor},
		{"red_pin", &s.RedPin},
		{"green_pin", &s.GreenPin},
		{"blue_pin", &s.BluePin},
	}
	for _, r := range required {
		v, ok := attrs[r.key]
		if !ok {
			return Settings{}, &ConfigError{Key: r.key, Reason: "is required"}
		}
		str, ok := v.(string)
		if !ok || str == "" {
			return Settings{}, &ConfigError{Key: r.key, Reason: "must be a non-empty string"}
		}
		*r.dst = str
	}

	var err error
	if s.AutoStart, err = boolAttr(attrs, "auto_start", s.AutoStart); err != nil {
		return Settings{}, err
	}
	if s.OffOnStop, err = boolAttr(attrs, "off_on_stop", s.OffOnStop); err != nil {
		return Settings{}, err
	}
	if s.SafeDistance, err = positiveAttr(attrs, "safe_distance", s.SafeDistance); err != nil {
		return Settings{}, err
	}
	secs, err := positiveAttr(attrs, "poll_interval", s.PollInterval.Seconds())
	if err != nil {
		return Settings{}, err
	}
	s.PollInterval = seconds(secs)
	if secs, err = positiveAttr(attrs, "read_timeout", s.ReadTimeout.Seconds()); err != nil {
		return Settings{}, err
	}
	s.ReadTimeout = seconds(secs)
	return s, nil
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}

func boolAttr(attrs map[string]any, key string, def bool) (bool, error) {
	v, ok := attrs[key]
	if !ok || v == nil {
		return def, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, &ConfigError{Key: key, Reason: "must be a boolean"}
	}
	return b, nil
}

// positiveAttr accepts a JSON number or a numeric string, as the distance is
// documented as a float string.
func positiveAttr(attrs map[string]any, key string, def float64) (float64, error) {
	v, ok := attrs[key]
	if !ok || v == nil {
		return def, nil
	}
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case int:
		f = float64(t)
	case string:
		parsed, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0, &ConfigError{Key: key, Reason: fmt.Sprintf("must be a number, got %q", t)}
		}
		f = parsed
	default:
		return 0, &ConfigError{Key: key, Reason: fmt.Sprintf("must be a number, got %T", v)}
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f <= 0 {
		return 0, &ConfigError{Key: key, Reason: "must be greater than zero"}
	}
	return f, nil
}

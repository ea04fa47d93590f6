package main

import "fmt"

// ConfigError reports a missing or malformed configuration attribute.  It is
// fatal at construction and reconfiguration time.
type ConfigError struct {
	Key    string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: attribute %q %s", e.Key, e.Reason)
}

// DependencyNotFoundError reports a named dependency that is absent or does
// not provide the capability the controller needs.
type DependencyNotFoundError struct {
	Name       string
	Capability string
}

func (e *DependencyNotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Capability, e.Name)
}

// SensorReadError wraps a failed distance reading.  The loop logs it and keeps
// polling.
type SensorReadError struct {
	Sensor string
	Err    error
}

func (e *SensorReadError) Error() string {
	return fmt.Sprintf("read sensor %s: %v", e.Sensor, e.Err)
}

func (e *SensorReadError) Unwrap() error { return e.Err }

// OutputWriteError wraps a failed write to one indicator line.
type OutputWriteError struct {
	Line Line
	Err  error
}

func (e *OutputWriteError) Error() string {
	return fmt.Sprintf("set %s line: %v", e.Line, e.Err)
}

func (e *OutputWriteError) Unwrap() error { return e.Err }

package main

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

// EventLogger writes timestamped events to a file and mirrors them to the
// standard logger.  It is safe for concurrent use.  With an empty path only
// the standard logger is used.
type EventLogger struct {
	filePath string
	debug    bool
	mu       sync.Mutex
}

// NewEventLogger creates a logger writing to filePath.  Debug messages are
// dropped unless debug is set.
func NewEventLogger(filePath string, debug bool) *EventLogger {
	return &EventLogger{filePath: filePath, debug: debug}
}

// Log writes a single event with timestamp.  Errors are ignored but printed
// to standard error.
func (el *EventLogger) Log(format string, args ...any) {
	el.write("", format, args...)
}

// Configure switches the event file and debug setting, e.g. after a reload.
func (el *EventLogger) Configure(filePath string, debug bool) {
	el.mu.Lock()
	el.filePath, el.debug = filePath, debug
	el.mu.Unlock()
}

// Debugf logs diagnostics that are only interesting while debugging.
func (el *EventLogger) Debugf(format string, args ...any) {
	if el == nil {
		return
	}
	el.mu.Lock()
	debug := el.debug
	el.mu.Unlock()
	if !debug {
		return
	}
	el.write("debug: ", format, args...)
}

// Errorf logs a failure that does not stop the caller.
func (el *EventLogger) Errorf(format string, args ...any) {
	el.write("error: ", format, args...)
}

func (el *EventLogger) write(prefix, format string, args ...any) {
	if el == nil {
		return
	}
	msg := prefix + fmt.Sprintf(format, args...)
	log.Print(msg)
	el.mu.Lock()
	defer el.mu.Unlock()
	if el.filePath == "" {
		return
	}
	ts := time.Now().Format(time.RFC3339)
	line := fmt.Sprintf("%s - %s\n", ts, msg)
	// Open file in append mode, create if not exists
	f, err := os.OpenFile(el.filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "log error: %v\n", err)
		return
	}
	defer f.Close()
	if _, err := f.WriteString(line); err != nil {
		fmt.Fprintf(os.Stderr, "log write error: %v\n", err)
	}
}

// Tail returns at most n of the most recent lines of the event log.
func (el *EventLogger) Tail(n int) ([]string, error) {
	el.mu.Lock()
	defer el.mu.Unlock()
	if el.filePath == "" {
		return nil, os.ErrNotExist
	}
	data, err := os.ReadFile(el.filePath)
	if err != nil {
		return nil, err
	}
	lines := strings.Split(string(data), "\n")
	// Drop empty trailing line
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	if n > 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

func init() {
	RegisterModel(KindSensor, "serial", newSerialRanger)
}

// serialPort is the part of serial.Port the ranger uses.  It enables unit
// testing without real serial hardware.
type serialPort interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
}

// openSerialPort opens a real port; tests replace it.
var openSerialPort = func(path string, mode *serial.Mode) (serialPort, error) {
	return serial.Open(path, mode)
}

// SerialOptions describes the serial connection and frame unit of a
// rangefinder that streams ASCII frames such as "R1234\r".
type SerialOptions struct {
	Port     string `json:"port"`
	BaudRate int    `json:"baud_rate"`
	DataBits int    `json:"data_bits"`
	StopBits int    `json:"stop_bits"`
	Parity   string `json:"parity"`
	Unit     string `json:"unit"` // mm, cm or in
}

// Normalize validates the options and applies defaults for any unset values.
func (o SerialOptions) Normalize() (SerialOptions, error) {
	opts := o
	if opts.Port == "" {
		return opts, &ConfigError{Key: "port", Reason: "is required"}
	}
	if opts.BaudRate <= 0 {
		opts.BaudRate = 9600
	}
	if opts.DataBits == 0 {
		opts.DataBits = 8
	}
	if opts.DataBits < 5 || opts.DataBits > 8 {
		return opts, &ConfigError{Key: "data_bits", Reason: fmt.Sprintf("must be between 5 and 8, got %d", opts.DataBits)}
	}
	if opts.StopBits == 0 {
		opts.StopBits = 1
	}
	if opts.StopBits != 1 && opts.StopBits != 2 {
		return opts, &ConfigError{Key: "stop_bits", Reason: fmt.Sprintf("must be 1 or 2, got %d", opts.StopBits)}
	}
	switch strings.ToUpper(strings.TrimSpace(opts.Parity)) {
	case "", "N", "NONE":
		opts.Parity = "N"
	case "E", "EVEN":
		opts.Parity = "E"
	case "O", "ODD":
		opts.Parity = "O"
	default:
		return opts, &ConfigError{Key: "parity", Reason: fmt.Sprintf("expected N, E or O, got %q", opts.Parity)}
	}
	switch strings.ToLower(opts.Unit) {
	case "":
		opts.Unit = "mm"
	case "mm", "cm", "in":
		opts.Unit = strings.ToLower(opts.Unit)
	default:
		return opts, &ConfigError{Key: "unit", Reason: fmt.Sprintf("expected mm, cm or in, got %q", opts.Unit)}
	}
	return opts, nil
}

// SerialMode converts the options into the mode go.bug.st/serial expects.
func (o SerialOptions) SerialMode() (*serial.Mode, error) {
	opts, err := o.Normalize()
	if err != nil {
		return nil, err
	}
	mode := &serial.Mode{
		BaudRate: opts.BaudRate,
		DataBits: opts.DataBits,
		StopBits: serial.OneStopBit,
	}
	if opts.StopBits == 2 {
		mode.StopBits = serial.TwoStopBits
	}
	switch opts.Parity {
	case "E":
		mode.Parity = serial.EvenParity
	case "O":
		mode.Parity = serial.OddParity
	default:
		mode.Parity = serial.NoParity
	}
	return mode, nil
}

// metersPerUnit converts a frame value to meters.
func (o SerialOptions) metersPerUnit() float64 {
	switch o.Unit {
	case "cm":
		return 0.01
	case "in":
		return 0.0254
	default:
		return 0.001
	}
}

// serialRanger reads the newest frame from a free-running serial rangefinder.
type serialRanger struct {
	name  string
	scale float64

	mu   sync.Mutex
	port serialPort
}

// serialPollStep bounds each blocking read so cancellation is observed.
const serialPollStep = 100 * time.Millisecond

func newSerialRanger(cfg ComponentConfig, _ *EventLogger) (Resource, error) {
	var opts SerialOptions
	if err := decodeAttributes(cfg.Attributes, &opts); err != nil {
		return nil, err
	}
	opts, err := opts.Normalize()
	if err != nil {
		return nil, err
	}
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := openSerialPort(opts.Port, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", opts.Port, err)
	}
	if err := port.SetReadTimeout(serialPollStep); err != nil {
		port.Close()
		return nil, fmt.Errorf("set read timeout on %s: %w", opts.Port, err)
	}
	return &serialRanger{
		name:  cfg.Name,
		scale: opts.metersPerUnit(),
		port:  port,
	}, nil
}

func (s *serialRanger) Name() string { return s.name }

func (s *serialRanger) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port.Close()
}

// Readings discards buffered frames and returns the next complete one as
// "distance" in meters.
func (s *serialRanger) Readings(ctx context.Context) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.port.ResetInputBuffer(); err != nil {
		return nil, fmt.Errorf("reset input: %w", err)
	}

	// The first frame after a reset may be truncated.
	skipped := false
	var line strings.Builder
	buf := make([]byte, 64)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		// A read timeout returns no bytes and no error.
		n, err := s.port.Read(buf)
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("read: %w", err)
		}
		for _, b := range buf[:n] {
			if b != '\r' && b != '\n' {
				line.WriteByte(b)
				continue
			}
			frame := line.String()
			line.Reset()
			if frame == "" {
				continue
			}
			if !skipped {
				skipped = true
				continue
			}
			v, err := parseRangeFrame(frame)
			if err != nil {
				return nil, err
			}
			return map[string]any{"distance": v * s.scale}, nil
		}
	}
}

// parseRangeFrame parses "R1234" into 1234.
func parseRangeFrame(frame string) (float64, error) {
	if !strings.HasPrefix(frame, "R") {
		return 0, fmt.Errorf("unexpected frame %q", frame)
	}
	v, err := strconv.Atoi(strings.TrimSpace(frame[1:]))
	if err != nil {
		return 0, fmt.Errorf("bad range in frame %q: %w", frame, err)
	}
	if v < 0 {
		return 0, fmt.Errorf("negative range in frame %q", frame)
	}
	return float64(v), nil
}

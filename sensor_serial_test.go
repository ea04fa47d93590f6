package main

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
)

// fakePort hands out one chunk per Read and behaves like an expired read
// timeout once the chunks run out.
type fakePort struct {
	mu          sync.Mutex
	chunks      []string
	readTimeout time.Duration
	resets      int
	closed      bool
	readErr     error
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.readErr != nil {
		return 0, p.readErr
	}
	if len(p.chunks) == 0 {
		time.Sleep(time.Millisecond)
		return 0, nil
	}
	n := copy(b, p.chunks[0])
	p.chunks[0] = p.chunks[0][n:]
	if p.chunks[0] == "" {
		p.chunks = p.chunks[1:]
	}
	return n, nil
}

func (p *fakePort) Write(b []byte) (int, error) { return len(b), nil }

func (p *fakePort) Close() error {
	p.closed = true
	return nil
}

func (p *fakePort) SetReadTimeout(t time.Duration) error {
	p.readTimeout = t
	return nil
}

func (p *fakePort) ResetInputBuffer() error {
	p.resets++
	return nil
}

func withFakePort(t *testing.T, port *fakePort) *serial.Mode {
	t.Helper()
	var opened serial.Mode
	orig := openSerialPort
	openSerialPort = func(path string, mode *serial.Mode) (serialPort, error) {
		if path != "/dev/ttyUSB0" {
			return nil, errors.New("no such port")
		}
		opened = *mode
		return port, nil
	}
	t.Cleanup(func() { openSerialPort = orig })
	return &opened
}

func newTestRanger(t *testing.T, attrs map[string]any) Sensor {
	t.Helper()
	r, err := newSerialRanger(ComponentConfig{Name: "lidar", Type: KindSensor, Model: "serial", Attributes: attrs}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r.(Sensor)
}

func TestSerialRanger_SkipsPartialFrame(t *testing.T) {
	port := &fakePort{chunks: []string{"R05", "00\rR04", "00\r"}}
	mode := withFakePort(t, port)
	s := newTestRanger(t, map[string]any{"port": "/dev/ttyUSB0", "unit": "cm"})

	assert.Equal(t, 9600, mode.BaudRate)
	assert.Equal(t, serialPollStep, port.readTimeout)

	r, err := s.Readings(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 4.0, r["distance"], 1e-9)
	assert.Equal(t, 1, port.resets)
}

func TestSerialRanger_DefaultUnitIsMillimetres(t *testing.T) {
	port := &fakePort{chunks: []string{"\r\nR1500\r\n", "R0250\r"}}
	withFakePort(t, port)
	s := newTestRanger(t, map[string]any{"port": "/dev/ttyUSB0"})

	r, err := s.Readings(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 0.25, r["distance"], 1e-9)
}

func TestSerialRanger_BadFrame(t *testing.T) {
	port := &fakePort{chunks: []string{"R1\rXYZ\r"}}
	withFakePort(t, port)
	s := newTestRanger(t, map[string]any{"port": "/dev/ttyUSB0"})
	_, err := s.Readings(context.Background())
	assert.ErrorContains(t, err, `unexpected frame "XYZ"`)
}

func TestSerialRanger_ReadError(t *testing.T) {
	port := &fakePort{readErr: errors.New("unplugged")}
	withFakePort(t, port)
	s := newTestRanger(t, map[string]any{"port": "/dev/ttyUSB0"})
	_, err := s.Readings(context.Background())
	assert.ErrorContains(t, err, "unplugged")
}

func TestSerialRanger_HonoursContext(t *testing.T) {
	withFakePort(t, &fakePort{})
	s := newTestRanger(t, map[string]any{"port": "/dev/ttyUSB0"})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.Readings(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSerialRanger_OpenFailure(t *testing.T) {
	withFakePort(t, &fakePort{})
	_, err := newSerialRanger(ComponentConfig{Name: "lidar", Attributes: map[string]any{"port": "/dev/ttyS9"}}, nil)
	assert.ErrorContains(t, err, "open /dev/ttyS9")
}

func TestSerialRanger_CloseClosesPort(t *testing.T) {
	port := &fakePort{}
	withFakePort(t, port)
	r, err := newSerialRanger(ComponentConfig{Name: "lidar", Attributes: map[string]any{"port": "/dev/ttyUSB0"}}, nil)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.True(t, port.closed)
}

func TestSerialOptions_Normalize(t *testing.T) {
	opts, err := SerialOptions{Port: "/dev/ttyAMA0", Parity: "even", Unit: "IN"}.Normalize()
	require.NoError(t, err)
	assert.Equal(t, SerialOptions{Port: "/dev/ttyAMA0", BaudRate: 9600, DataBits: 8, StopBits: 1, Parity: "E", Unit: "in"}, opts)

	tests := []struct {
		opts SerialOptions
		key  string
	}{
		{SerialOptions{}, "port"},
		{SerialOptions{Port: "p", DataBits: 9}, "data_bits"},
		{SerialOptions{Port: "p", StopBits: 3}, "stop_bits"},
		{SerialOptions{Port: "p", Parity: "mark"}, "parity"},
		{SerialOptions{Port: "p", Unit: "ft"}, "unit"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			_, err := tt.opts.Normalize()
			var cerr *ConfigError
			require.True(t, errors.As(err, &cerr), "got %v", err)
			assert.Equal(t, tt.key, cerr.Key)
		})
	}
}

func TestSerialOptions_SerialMode(t *testing.T) {
	mode, err := SerialOptions{Port: "p", BaudRate: 115200, StopBits: 2, Parity: "O", DataBits: 7}.SerialMode()
	require.NoError(t, err)
	assert.Equal(t, &serial.Mode{BaudRate: 115200, DataBits: 7, StopBits: serial.TwoStopBits, Parity: serial.OddParity}, mode)
}

func TestParseRangeFrame(t *testing.T) {
	v, err := parseRangeFrame("R1234")
	require.NoError(t, err)
	assert.Equal(t, 1234.0, v)

	for _, frame := range []string{"1234", "R", "Rabc", "R-5"} {
		_, err := parseRangeFrame(frame)
		assert.Error(t, err, frame)
	}
}

// SPDX-License-Identifier: MIT

// Package serial owns the USB-serial link to the shade transmitter firmware.
//
// The transport holds the single port; every frame exchange is serialized
// behind one mutex. Frames are opaque here; shade bit patterns live in the
// shades package.
package serial

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/montyhome/homectl/internal/clock"
	xlog "github.com/montyhome/homectl/internal/log"
	"github.com/montyhome/homectl/internal/metrics"
)

var (
	// ErrNoPortFound reports that no device on the allow-list answered the
	// identification probe.
	ErrNoPortFound = errors.New("serial: no transmitter found")
	// ErrNotConnected reports an exchange attempted without an open port.
	ErrNotConnected = errors.New("serial: not connected")
	// ErrAckTimeout reports that the firmware did not answer in time.
	ErrAckTimeout = errors.New("serial: ack timeout")
)

// Port is the minimal surface the transport needs from an open device.
// The production implementation wraps go.bug.st/serial; tests substitute a
// scripted fake.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	SetReadTimeout(d time.Duration) error
}

// Opener opens a candidate device path.
type Opener func(device string) (Port, error)

// Status is the externally visible connection state.
type Status struct {
	Connected   bool       `json:"connected"`
	Port        string     `json:"port,omitempty"`
	LastOKAt    *time.Time `json:"last_ok_at,omitempty"`
	ConnectedAt *time.Time `json:"connected_at,omitempty"`
}

// readPoll is the granularity at which blocked reads re-check cancellation.
const readPoll = 100 * time.Millisecond

// probeWindow bounds the identification handshake per candidate port.
const probeWindow = 3 * time.Second

// Transport owns the serial device.
type Transport struct {
	mu          sync.Mutex
	opener      Opener
	allow       []string // glob patterns of candidate devices
	port        Port
	device      string
	connectedAt time.Time
	lastOK      time.Time
	clock       clock.Clock
	logger      zerolog.Logger
}

// New builds a transport over the given allow-list of device globs.
func New(allow []string, opener Opener, clk clock.Clock) *Transport {
	return &Transport{
		opener: opener,
		allow:  allow,
		clock:  clk,
		logger: xlog.WithComponent("serial"),
	}
}

// LoadAllowList reads candidate device globs, one per line. '#' starts a
// comment. A missing file yields the stock Arduino device patterns.
func LoadAllowList(path string) ([]string, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return []string{"/dev/ttyACM*", "/dev/ttyUSB*", "/dev/serial/by-id/*rduino*"}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("serial: read allow-list %s: %w", path, err)
	}
	var globs []string
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		globs = append(globs, line)
	}
	if len(globs) == 0 {
		return nil, fmt.Errorf("serial: allow-list %s is empty", path)
	}
	return globs, nil
}

// SendFrame writes one frame and waits for an acknowledgement line. Exactly
// one exchange is in flight at a time; cancellation is observed at readPoll
// granularity. Any non-empty reply within the context deadline is success.
func (t *Transport) SendFrame(ctx context.Context, frame []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.port == nil {
		if err := t.connectLocked(ctx); err != nil {
			metrics.IncSerialFrame("error")
			return nil, err
		}
	}

	if _, err := t.port.Write(append(bytes.TrimRight(frame, "\n"), '\n')); err != nil {
		t.dropLocked()
		metrics.IncSerialFrame("error")
		return nil, fmt.Errorf("serial: write: %w", err)
	}

	line, err := t.readLineLocked(ctx)
	if err != nil {
		if errors.Is(err, ErrAckTimeout) || errors.Is(err, context.DeadlineExceeded) {
			metrics.IncSerialFrame("timeout")
			return nil, ErrAckTimeout
		}
		t.dropLocked()
		metrics.IncSerialFrame("error")
		return nil, err
	}

	t.lastOK = t.clock.Now()
	metrics.IncSerialFrame("ok")
	return line, nil
}

// Reconnect drops any existing connection and scans the allow-list again.
func (t *Transport) Reconnect(ctx context.Context) (Status, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.dropLocked()
	if err := t.connectLocked(ctx); err != nil {
		metrics.IncSerialReconnect("error")
		return t.statusLocked(), err
	}
	metrics.IncSerialReconnect("ok")
	return t.statusLocked(), nil
}

// Status reports the connection state.
func (t *Transport) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.statusLocked()
}

// Connected reports whether a transmitter is currently attached.
func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.port != nil
}

// PortName reports the device path of the attached transmitter.
func (t *Transport) PortName() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.device
}

// Close releases the port.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dropLocked()
	return nil
}

func (t *Transport) statusLocked() Status {
	s := Status{Connected: t.port != nil, Port: t.device}
	if !t.lastOK.IsZero() {
		ok := t.lastOK
		s.LastOKAt = &ok
	}
	if !t.connectedAt.IsZero() && t.port != nil {
		at := t.connectedAt
		s.ConnectedAt = &at
	}
	return s
}

func (t *Transport) dropLocked() {
	if t.port != nil {
		if err := t.port.Close(); err != nil {
			t.logger.Debug().Err(err).Msg("close serial port")
		}
	}
	t.port = nil
	t.device = ""
}

// connectLocked scans the allow-list and keeps the first port whose INFO
// reply identifies the shade transmitter.
func (t *Transport) connectLocked(ctx context.Context) error {
	var candidates []string
	for _, pattern := range t.allow {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			continue
		}
		candidates = append(candidates, matches...)
	}
	if len(candidates) == 0 {
		return ErrNoPortFound
	}

	for _, device := range candidates {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		port, err := t.opener(device)
		if err != nil {
			t.logger.Debug().Err(err).Str(xlog.FieldPort, device).Msg("open failed")
			continue
		}
		if t.probe(ctx, port) {
			t.port = port
			t.device = device
			t.connectedAt = t.clock.Now()
			t.logger.Info().
				Str(xlog.FieldEvent, "serial.connected").
				Str(xlog.FieldPort, device).
				Msg("transmitter connected")
			return nil
		}
		_ = port.Close()
	}
	return ErrNoPortFound
}

// probe sends INFO and accepts any reply that mentions the transmitter.
func (t *Transport) probe(ctx context.Context, port Port) bool {
	if _, err := port.Write([]byte("INFO\n")); err != nil {
		return false
	}
	deadline := t.clock.Now().Add(probeWindow)
	buf := make([]byte, 256)
	for t.clock.Now().Before(deadline) {
		if ctx.Err() != nil {
			return false
		}
		if err := port.SetReadTimeout(readPoll); err != nil {
			return false
		}
		n, err := port.Read(buf)
		if err != nil {
			return false
		}
		if n == 0 {
			continue
		}
		reply := strings.ToLower(string(buf[:n]))
		for _, token := range []string{"shade", "tx", "ready", "arduino"} {
			if strings.Contains(reply, token) {
				return true
			}
		}
	}
	return false
}

// readLineLocked reads one acknowledgement line, polling so cancellation and
// deadlines are observed promptly.
func (t *Transport) readLineLocked(ctx context.Context) ([]byte, error) {
	if t.port == nil {
		return nil, ErrNotConnected
	}
	var line []byte
	buf := make([]byte, 256)
	for {
		if err := ctx.Err(); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, ErrAckTimeout
			}
			return nil, err
		}
		if err := t.port.SetReadTimeout(readPoll); err != nil {
			return nil, fmt.Errorf("serial: set read timeout: %w", err)
		}
		n, err := t.port.Read(buf)
		if err != nil {
			return nil, fmt.Errorf("serial: read: %w", err)
		}
		if n == 0 {
			continue // poll timeout, loop to re-check ctx
		}
		line = append(line, buf[:n]...)
		if i := bytes.IndexByte(line, '\n'); i >= 0 {
			return bytes.TrimSpace(line[:i]), nil
		}
	}
}

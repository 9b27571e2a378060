// Package transport owns the serial connection to a GRBL-family
// controller: opening the port, line-framing inbound bytes, and writing
// outbound command and realtime bytes.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.bug.st/serial"

	"github.com/cncstream/grblcore/pkg/logging"
)

// Realtime bytes bypass the flow-control window entirely (spec.md §4.2,
// §6) and may be written at any time.
const (
	RealtimeStatusRequest byte = '?'
	RealtimeFeedHold      byte = '!'
	RealtimeCycleStart    byte = '~'
	RealtimeSoftReset     byte = 0x18
)

// Line is one complete inbound line, stripped of its LF/CRLF terminator.
type Line struct {
	Text string
}

// Port narrows go.bug.st/serial.Port to what Transport needs, so tests can
// substitute an in-memory double.
type Port interface {
	Write(p []byte) (int, error)
	Read(p []byte) (int, error)
	Close() error
}

// Transport opens a named serial port and line-frames its inbound bytes.
// A write failure latches the transport faulted; further writes fail fast
// until a fresh Connect (spec.md §4.1).
type Transport struct {
	log *logging.Logger

	mu      sync.Mutex
	port    Port
	faulted atomic.Bool

	lines        chan Line
	disconnected chan struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a disconnected Transport. Call Attach with an open Port to
// connect it; Connect instead opens a serial device and returns a new,
// already attached Transport.
func New(log *logging.Logger) *Transport {
	if log == nil {
		log = logging.Discard()
	}
	return &Transport{
		log:          log.WithComponent("transport"),
		lines:        make(chan Line, 256),
		disconnected: make(chan struct{}, 1),
	}
}

// Open opens portName at baud and returns the raw Port, without attaching it
// to a Transport. Controller uses this directly so a retried open attempt
// can be wrapped around just the port-opening step, leaving Attach (and the
// read loop it starts) for after a successful open.
func Open(portName string, baud int) (Port, error) {
	mode := &serial.Mode{BaudRate: baud}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", portName, err)
	}
	return port, nil
}

// Connect opens portName at baud and starts the inbound read loop.
func Connect(portName string, baud int, log *logging.Logger) (*Transport, error) {
	port, err := Open(portName, baud)
	if err != nil {
		return nil, err
	}

	t := New(log)
	t.Attach(port)
	return t, nil
}

// Attach wires an already-open Port into the transport and starts its
// inbound read loop. Connect uses this after opening a real serial port;
// tests use it directly with an in-memory Port double.
func (t *Transport) Attach(port Port) {
	t.mu.Lock()
	t.port = port
	t.faulted.Store(false)
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.mu.Unlock()

	t.wg.Add(1)
	go t.readLoop(ctx, port)
}

// Lines returns the channel complete inbound lines arrive on. Welcome
// banners are delivered like any other line; callers distinguish them via
// protocol.Parse, not here (spec.md §4.1: a welcome triggers readiness,
// not a command resolution, and that distinction belongs to the caller
// that understands command correlation).
func (t *Transport) Lines() <-chan Line {
	return t.lines
}

// Disconnected signals once the inbound read loop has terminated, either
// from a read error or an explicit Disconnect.
func (t *Transport) Disconnected() <-chan struct{} {
	return t.disconnected
}

// WriteBytes writes buf to the port. A failure latches the transport
// faulted; subsequent calls fail immediately without touching the port.
func (t *Transport) WriteBytes(buf []byte) error {
	if t.faulted.Load() {
		return fmt.Errorf("%w: transport is faulted, disconnect and reconnect", ErrFaulted)
	}

	t.mu.Lock()
	port := t.port
	t.mu.Unlock()
	if port == nil {
		return fmt.Errorf("%w: not connected", ErrFaulted)
	}

	if _, err := port.Write(buf); err != nil {
		t.faulted.Store(true)
		t.log.WithError(err).Error("write failed, transport faulted")
		return fmt.Errorf("%w: %v", ErrFaulted, err)
	}
	return nil
}

// WriteLine appends a newline to line and writes it through WriteBytes.
func (t *Transport) WriteLine(line string) error {
	return t.WriteBytes(append([]byte(line), '\n'))
}

// WriteRealtime writes a single realtime byte directly, bypassing any
// flow-control accounting.
func (t *Transport) WriteRealtime(b byte) error {
	return t.WriteBytes([]byte{b})
}

// IsFaulted reports whether the last write failed.
func (t *Transport) IsFaulted() bool {
	return t.faulted.Load()
}

// Disconnect closes the port and stops the read loop.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	port := t.port
	cancel := t.cancel
	t.port = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if port != nil {
		err = port.Close()
	}
	t.wg.Wait()
	return err
}

func (t *Transport) readLoop(ctx context.Context, port Port) {
	defer t.wg.Done()
	defer t.signalDisconnected()

	buf := make([]byte, 4096)
	var partial bytes.Buffer

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := port.Read(buf)
		if n > 0 {
			partial.Write(buf[:n])
			t.drainLines(&partial)
		}
		if err != nil {
			t.log.WithError(err).Warn("read loop terminated")
			return
		}
	}
}

// drainLines splits buffered bytes on LF, tolerating a preceding CR, and
// forwards each complete line; a trailing partial line is retained for
// the next read (spec.md §4.1).
func (t *Transport) drainLines(buf *bytes.Buffer) {
	data := buf.Bytes()
	start := 0
	for i := 0; i < len(data); i++ {
		if data[i] != '\n' {
			continue
		}
		end := i
		if end > start && data[end-1] == '\r' {
			end--
		}
		line := string(data[start:end])
		t.pushLine(line)
		start = i + 1
	}
	remainder := append([]byte(nil), data[start:]...)
	buf.Reset()
	buf.Write(remainder)
}

func (t *Transport) pushLine(line string) {
	select {
	case t.lines <- Line{Text: line}:
	default:
		t.log.Warn("inbound line buffer full, dropping oldest")
		select {
		case <-t.lines:
		default:
		}
		select {
		case t.lines <- Line{Text: line}:
		default:
		}
	}
}

func (t *Transport) signalDisconnected() {
	select {
	case t.disconnected <- struct{}{}:
	default:
	}
}

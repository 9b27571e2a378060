// Package command implements the character-count flow-control window
// that governs how many program lines may be in flight to the controller
// at once, and resolves each line's outcome by strict positional
// correlation with incoming ok/error frames.
package command

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/cncstream/grblcore/pkg/logging"
	"github.com/cncstream/grblcore/pkg/transport"
)

// Class is a command's scheduling classification (spec.md §3).
type Class int

const (
	ClassImmediate Class = iota // realtime byte, never queued
	ClassSystem                 // `$...`
	ClassMotion
	ClassStatus // `?`
	ClassProgram
)

// Outcome is how a queued command ultimately resolved.
type Outcome int

const (
	OutcomePending Outcome = iota
	OutcomeOk
	OutcomeError
	OutcomeTimeout
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOk:
		return "Ok"
	case OutcomeError:
		return "Error"
	case OutcomeTimeout:
		return "Timeout"
	case OutcomeCancelled:
		return "Cancelled"
	default:
		return "Pending"
	}
}

// Result is the resolved state of a CommandRecord: Outcome plus, for
// OutcomeError, the controller's error code.
type Result struct {
	Outcome Outcome
	Code    int
	Reason  string
}

// Record is a CommandRecord: the full lifecycle of one line sent to the
// controller (spec.md §3).
type Record struct {
	ID         string
	Line       string
	Class      Class
	ByteLen    int
	EnqueuedAt time.Time
	SentAt     time.Time
	ResolvedAt time.Time

	result chan Result
	once   sync.Once
}

func newRecord(line string, class Class) *Record {
	return &Record{
		ID:         uuid.NewString(),
		Line:       line,
		Class:      class,
		ByteLen:    len(line) + 1, // + terminating '\n'
		EnqueuedAt: time.Now(),
		result:     make(chan Result, 1),
	}
}

// Wait blocks until the record resolves or ctx is cancelled.
func (r *Record) Wait(ctx context.Context) (Result, error) {
	select {
	case res := <-r.result:
		return res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (r *Record) resolve(res Result) {
	r.once.Do(func() {
		r.ResolvedAt = time.Now()
		r.result <- res
	})
}

// Manager is the CommandManager: it owns bytes_in_flight accounting, the
// ordered pending queue, and positional correlation of ok/error frames to
// the oldest unresolved record (spec.md §4.2, §5 — this is the core
// correctness invariant of the flow-control window).
type Manager struct {
	log *logging.Logger
	tx  *transport.Transport

	window int

	mu             sync.Mutex
	bytesInFlight  int
	pending        []*Record
	spaceAvailable chan struct{}

	commandsSent prometheus.Counter
	windowGauge  prometheus.Gauge
}

// NewManager creates a Manager writing through tx with the given window
// size in bytes (spec.md §6 default: 128).
func NewManager(tx *transport.Transport, window int, log *logging.Logger) *Manager {
	if log == nil {
		log = logging.Discard()
	}
	return &Manager{
		log:            log.WithComponent("command"),
		tx:             tx,
		window:         window,
		spaceAvailable: make(chan struct{}, 1),
		commandsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "grblcore_commands_sent_total",
			Help: "Total program/system lines written through the command manager.",
		}),
		windowGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "grblcore_window_bytes_in_flight",
			Help: "Current flow-control window usage in bytes.",
		}),
	}
}

// Collectors returns the manager's prometheus collectors for registration by
// the host.
func (m *Manager) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.commandsSent, m.windowGauge}
}

// Send enqueues line for transmission, blocking (cooperatively, not
// busy-looping) until window space is available or ctx is cancelled, then
// returns a Record whose Wait resolves when the controller acknowledges it.
// class is recorded on the Record only: waiting senders are not ranked by
// class, and whichever one obtains window space first is written first.
func (m *Manager) Send(ctx context.Context, line string, class Class) (*Record, error) {
	rec := newRecord(line, class)

	for {
		m.mu.Lock()
		if m.bytesInFlight+rec.ByteLen <= m.window {
			// Hold the lock across the write itself: concurrent callers
			// must not interleave bytes out of submission order (spec.md
			// §5 — bytes appear in the order CommandManager wrote them).
			m.bytesInFlight += rec.ByteLen
			rec.SentAt = time.Now()
			m.pending = append(m.pending, rec)

			err := m.tx.WriteLine(line)
			if err != nil {
				m.popSpecific(rec)
				m.bytesInFlight -= rec.ByteLen
			}
			m.windowGauge.Set(float64(m.bytesInFlight))
			m.mu.Unlock()

			if err != nil {
				return nil, fmt.Errorf("send line %q: %w", line, err)
			}
			m.commandsSent.Inc()
			return rec, nil
		}
		m.mu.Unlock()

		select {
		case <-m.spaceAvailable:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// SendRealtime writes a realtime byte directly, bypassing the window
// entirely (spec.md §4.2).
func (m *Manager) SendRealtime(b byte) error {
	return m.tx.WriteRealtime(b)
}

// HandleOk pops the oldest pending record and resolves it Ok, freeing its
// window bytes.
func (m *Manager) HandleOk() {
	m.resolveOldest(Result{Outcome: OutcomeOk})
}

// HandleError pops the oldest pending record and resolves it Error{code}.
func (m *Manager) HandleError(code int) {
	m.resolveOldest(Result{Outcome: OutcomeError, Code: code})
}

// HandleAlarm resolves the oldest pending record as Error{alarm:code}, then
// drains and rejects every remaining record as Cancelled{reason: alarm}
// (spec.md §4.2).
func (m *Manager) HandleAlarm(code int) {
	m.mu.Lock()
	var oldest *Record
	if len(m.pending) > 0 {
		oldest = m.pending[0]
		m.bytesInFlight -= oldest.ByteLen
		m.pending = m.pending[1:]
	}
	rest := m.pending
	m.pending = nil
	m.bytesInFlight = 0
	m.windowGauge.Set(0)
	m.mu.Unlock()

	if oldest != nil {
		oldest.resolve(Result{Outcome: OutcomeError, Code: code, Reason: "alarm"})
	}
	for _, rec := range rest {
		rec.resolve(Result{Outcome: OutcomeCancelled, Reason: "alarm"})
	}
	m.signalSpace()
}

func (m *Manager) resolveOldest(res Result) {
	m.mu.Lock()
	if len(m.pending) == 0 {
		m.mu.Unlock()
		m.log.Warn("received acknowledgement with no pending command")
		return
	}
	oldest := m.pending[0]
	m.pending = m.pending[1:]
	m.bytesInFlight -= oldest.ByteLen
	m.windowGauge.Set(float64(m.bytesInFlight))
	m.mu.Unlock()

	oldest.resolve(res)
	m.signalSpace()
}

// CheckTimeouts resolves any pending record older than timeout as
// Timeout, without releasing its window bytes — per spec.md §4.2/§5, a
// timed-out record stays in pending until a real ok/error or a
// disconnect, since the controller may still be processing it. Returns
// true if any record timed out, for callers to emit TransportStalled.
func (m *Manager) CheckTimeouts(timeout time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	stalled := false
	now := time.Now()
	for _, rec := range m.pending {
		if !rec.SentAt.IsZero() && now.Sub(rec.SentAt) > timeout {
			// resolve() is a no-op if this record already resolved (e.g. a
			// prior timeout check already delivered Timeout to the
			// waiter); the record stays in pending either way until a
			// real ok/error frees its window bytes.
			rec.resolve(Result{Outcome: OutcomeTimeout})
			stalled = true
		}
	}
	return stalled
}

// CancelAll rejects every pending record as Cancelled{reason} and clears
// the window, for use on stream stop or disconnect.
func (m *Manager) CancelAll(reason string) {
	m.mu.Lock()
	pending := m.pending
	m.pending = nil
	m.bytesInFlight = 0
	m.windowGauge.Set(0)
	m.mu.Unlock()

	for _, rec := range pending {
		rec.resolve(Result{Outcome: OutcomeCancelled, Reason: reason})
	}
	m.signalSpace()
}

// BytesInFlight reports the current window usage, for tests and metrics.
func (m *Manager) BytesInFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bytesInFlight
}

// PendingCount reports the number of unresolved in-flight records.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

func (m *Manager) popSpecific(target *Record) {
	for i, rec := range m.pending {
		if rec == target {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			return
		}
	}
}

func (m *Manager) signalSpace() {
	select {
	case m.spaceAvailable <- struct{}{}:
	default:
	}
}

// Package recovery implements AlarmRecoveryManager: per-alarm-code
// recovery recipes driven through CommandManager, single-flighted so a
// repeated trigger for the same code joins the in-progress attempt
// rather than starting a second one (spec.md §4.8).
package recovery

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/cncstream/grblcore/pkg/command"
	"github.com/cncstream/grblcore/pkg/events"
	"github.com/cncstream/grblcore/pkg/logging"
	"github.com/cncstream/grblcore/pkg/transport"
)

// DefaultMaxHomingRetries is the spec default for codes 8/9's `$H` retry
// count.
const DefaultMaxHomingRetries = 2

// Sender is the narrow command surface a recipe drives: queued system
// commands and the realtime status-request byte.
type Sender interface {
	Send(ctx context.Context, line string, class command.Class) (*command.Record, error)
	SendRealtime(b byte) error
}

// StreamStopper lets the manager halt an in-progress stream the moment an
// alarm is detected (spec.md §4.8: "halts all streaming").
type StreamStopper interface {
	Stop(reason string)
}

// Manager is the AlarmRecoveryManager.
type Manager struct {
	sender           Sender
	stopper          StreamStopper
	bus              *events.Bus
	log              *logging.Logger
	maxHomingRetries int

	group singleflight.Group

	mu     sync.Mutex
	active bool
	code   int
	cancel context.CancelFunc
}

// NewManager creates a Manager. stopper may be nil if no stream is ever
// in flight (e.g. a jog-only host).
func NewManager(sender Sender, stopper StreamStopper, bus *events.Bus, log *logging.Logger, maxHomingRetries int) *Manager {
	if log == nil {
		log = logging.Discard()
	}
	if maxHomingRetries <= 0 {
		maxHomingRetries = DefaultMaxHomingRetries
	}
	return &Manager{
		sender:           sender,
		stopper:          stopper,
		bus:              bus,
		log:              log.WithComponent("recovery"),
		maxHomingRetries: maxHomingRetries,
	}
}

// HandleAlarm begins recovery for code. A different code arriving while
// a recipe is already running aborts that recipe, emitting
// RecoveryFailed{reason: nested_alarm} for it, before starting fresh
// (spec.md §4.8). The same code arriving again joins the in-progress
// attempt via singleflight instead of running a second, redundant one.
func (m *Manager) HandleAlarm(ctx context.Context, code int) {
	m.mu.Lock()
	nested := m.active && m.code != code
	prevCode := m.code
	prevCancel := m.cancel
	m.mu.Unlock()

	if nested {
		m.publish(events.KindRecoveryFailed, events.RecoveryPayload{Code: prevCode, Reason: "nested_alarm"})
		if prevCancel != nil {
			prevCancel()
		}
	}

	if m.stopper != nil {
		m.stopper.Stop("alarm")
	}
	m.publish(events.KindAlarmDetected, events.AlarmDetectedPayload{Code: code})
	m.publish(events.KindRecoveryStarted, events.RecoveryPayload{Code: code})

	runCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.active = true
	m.code = code
	m.cancel = cancel
	m.mu.Unlock()

	start := time.Now()
	_, err, _ := m.group.Do(strconv.Itoa(code), func() (interface{}, error) {
		return nil, m.runRecipe(runCtx, code)
	})
	cancel()

	m.mu.Lock()
	if m.code == code {
		m.active = false
		m.cancel = nil
	}
	m.mu.Unlock()

	if err != nil {
		m.publish(events.KindRecoveryFailed, events.RecoveryPayload{Code: code, Reason: err.Error(), Duration: time.Since(start)})
		return
	}
	m.publish(events.KindRecoveryCompleted, events.RecoveryPayload{Code: code, Duration: time.Since(start)})
}

// runRecipe dispatches to the per-code recipe table (spec.md §4.8).
func (m *Manager) runRecipe(ctx context.Context, code int) error {
	switch code {
	case 1, 2:
		return m.unlockThenStatus(ctx, code)
	case 3:
		if err := m.unlockThenStatus(ctx, code); err != nil {
			return err
		}
		m.log.WithField("code", code).Warn("position suspect after reset during motion; recommend homing ($H)")
		return nil
	case 8, 9:
		return m.homingRetry(ctx, code)
	default:
		return m.unlockThenStatus(ctx, code)
	}
}

// unlockThenStatus is the `$X` + status-check recipe shared by codes 1,
// 2, 3, and unclassified alarms.
func (m *Manager) unlockThenStatus(ctx context.Context, code int) error {
	if err := m.sendSystem(ctx, code, "$X"); err != nil {
		return err
	}
	m.statusCheck(code)
	return nil
}

// homingRetry is the `$H` retry recipe for codes 8/9 (homing failures).
func (m *Manager) homingRetry(ctx context.Context, code int) error {
	var lastErr error
	for attempt := 1; attempt <= m.maxHomingRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = m.sendSystem(ctx, code, "$H")
		if lastErr == nil {
			return nil
		}
		m.log.WithFields(map[string]interface{}{"code": code, "attempt": attempt}).Warn("homing retry failed")
	}
	return fmt.Errorf("homing failed after %d attempts: %w", m.maxHomingRetries, lastErr)
}

func (m *Manager) sendSystem(ctx context.Context, code int, line string) error {
	rec, err := m.sender.Send(ctx, line, command.ClassSystem)
	var ok bool
	if err == nil {
		var res command.Result
		res, err = rec.Wait(ctx)
		ok = err == nil && res.Outcome == command.OutcomeOk
		if err == nil && !ok {
			err = fmt.Errorf("%s: %s", line, res.Outcome)
		}
	}
	m.publish(events.KindRecoveryStep, events.RecoveryPayload{Code: code, Command: line, OK: ok})
	return err
}

func (m *Manager) statusCheck(code int) {
	ok := m.sender.SendRealtime(transport.RealtimeStatusRequest) == nil
	m.publish(events.KindRecoveryStep, events.RecoveryPayload{Code: code, Command: "?", OK: ok})
}

func (m *Manager) publish(kind events.Kind, payload interface{}) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(events.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}

// Package status implements the adaptive-rate status poller that keeps
// issuing realtime `?` status requests and detects an unresponsive
// controller when reports stop arriving.
package status

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cncstream/grblcore/pkg/events"
	"github.com/cncstream/grblcore/pkg/logging"
	"github.com/cncstream/grblcore/pkg/machinestate"
)

// Config holds the poller's three-speed interval ladder and the
// unresponsiveness threshold, all spec.md §6 defaults.
type Config struct {
	PollInterval     time.Duration
	FastPollInterval time.Duration
	SlowPollInterval time.Duration
	ResponseTimeout  time.Duration
}

// RealtimeSender narrows command.Manager to the one realtime write the
// poller needs, so this package does not depend on command's queueing
// internals.
type RealtimeSender interface {
	SendRealtime(b byte) error
}

// StateReader narrows machinestate.Manager to the current status and its
// last-update time, which the poller uses to choose an interval.
type StateReader interface {
	CurrentStatus() (machinestate.Status, time.Time)
}

// Poller issues `?` at an interval that adapts to machine activity and
// emits ControllerUnresponsive after two consecutive missed reports
// (spec.md §4.4).
type Poller struct {
	config Config
	sender RealtimeSender
	state  StateReader
	bus    *events.Bus
	log    *logging.Logger

	currentInterval  time.Duration
	lastPollAt       time.Time
	lastReportAt     time.Time
	lastActivityAt   time.Time
	consecutiveDrops int

	intervalGauge prometheus.Gauge
}

// NewPoller creates a Poller. config's zero values are replaced with the
// spec defaults.
func NewPoller(config Config, sender RealtimeSender, state StateReader, bus *events.Bus, log *logging.Logger) *Poller {
	if config.PollInterval == 0 {
		config.PollInterval = 250 * time.Millisecond
	}
	if config.FastPollInterval == 0 {
		config.FastPollInterval = 100 * time.Millisecond
	}
	if config.SlowPollInterval == 0 {
		config.SlowPollInterval = 2 * time.Second
	}
	if config.ResponseTimeout == 0 {
		config.ResponseTimeout = 10 * time.Second
	}
	if log == nil {
		log = logging.Discard()
	}

	return &Poller{
		config:          config,
		sender:          sender,
		state:           state,
		bus:             bus,
		log:             log.WithComponent("status"),
		currentInterval: config.PollInterval,
		intervalGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "grblcore_status_poll_interval_seconds",
			Help: "Current adaptive status-poll interval.",
		}),
	}
}

// Collectors returns the poller's prometheus collectors.
func (p *Poller) Collectors() []prometheus.Collector {
	return []prometheus.Collector{p.intervalGauge}
}

// NotifyCommandIssued records that a command was just sent, which favors
// the fast interval for the next two seconds.
func (p *Poller) NotifyCommandIssued() {
	p.lastActivityAt = time.Now()
}

// NotifyStatusReported records that a status report arrived, clearing any
// pending drop count.
func (p *Poller) NotifyStatusReported() {
	p.lastReportAt = time.Now()
	p.consecutiveDrops = 0
}

// Run drives the poll loop until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	timer := time.NewTimer(p.currentInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			p.tick()
			interval := p.nextInterval()
			timer.Reset(interval)
		}
	}
}

func (p *Poller) tick() {
	drops := p.consecutiveDrops
	p.checkDrop()

	if err := p.sender.SendRealtime('?'); err != nil {
		p.log.WithError(err).Warn("failed to send status request")
		return
	}
	// lastPollAt stays on the oldest unanswered poll until a report arrives
	// or a drop is counted, so response_timeout is measured from that poll
	// rather than from the most recent `?`.
	if p.lastPollAt.IsZero() || p.lastReportAt.After(p.lastPollAt) || p.consecutiveDrops != drops {
		p.lastPollAt = time.Now()
	}
}

// checkDrop detects whether the previous poll went unanswered within
// response_timeout; two consecutive drops emit ControllerUnresponsive
// (spec.md §4.4).
func (p *Poller) checkDrop() {
	if p.lastPollAt.IsZero() {
		return
	}
	if p.lastReportAt.After(p.lastPollAt) {
		return
	}
	if time.Since(p.lastPollAt) < p.config.ResponseTimeout {
		return
	}

	p.consecutiveDrops++
	p.log.Warn("status poll dropped")
	if p.consecutiveDrops >= 2 && p.bus != nil {
		p.bus.Publish(events.Event{Kind: events.KindControllerUnresponsive, Timestamp: time.Now()})
	}
}

// nextInterval selects the interval per the fast/base/slow ladder
// (spec.md §4.4) and emits PollIntervalChanged on a transition.
func (p *Poller) nextInterval() time.Duration {
	next, reason := p.computeInterval()

	if next != p.currentInterval && p.bus != nil {
		p.bus.Publish(events.Event{
			Kind:      events.KindPollIntervalChanged,
			Timestamp: time.Now(),
			Payload:   events.PollIntervalChangedPayload{New: next, Reason: reason},
		})
	}
	p.currentInterval = next
	p.intervalGauge.Set(next.Seconds())
	return next
}

func (p *Poller) computeInterval() (time.Duration, string) {
	var (
		st        machinestate.Status
		updatedAt time.Time
	)
	if p.state != nil {
		st, updatedAt = p.state.CurrentStatus()
	}

	switch st {
	case machinestate.StatusRun, machinestate.StatusJog, machinestate.StatusHome:
		return p.config.FastPollInterval, "machine active"
	}
	if !p.lastActivityAt.IsZero() && time.Since(p.lastActivityAt) < 2*time.Second {
		return p.config.FastPollInterval, "recent command"
	}
	if st == machinestate.StatusIdle && !updatedAt.IsZero() && time.Since(updatedAt) > 10*time.Second {
		return p.config.SlowPollInterval, "idle"
	}
	return p.config.PollInterval, "base"
}

// Package events implements the control core's multi-producer,
// multi-consumer event bus. The bus is lossy for slow subscribers: a
// subscriber that falls behind drops its oldest buffered events first and
// never blocks a publisher (spec.md §5).
package events

import (
	"time"

	"github.com/cncstream/grblcore/pkg/protocol"
)

// Kind identifies an event's variant for cheap filtering by subscribers.
type Kind string

const (
	KindStatusReport           Kind = "StatusReport"
	KindStateChange            Kind = "StateChange"
	KindPollIntervalChanged    Kind = "PollIntervalChanged"
	KindControllerUnresponsive Kind = "ControllerUnresponsive"
	KindDiscrepancyDetected    Kind = "DiscrepancyDetected"
	KindStreamProgress         Kind = "StreamProgress"
	KindStreamStopped          Kind = "StreamStopped"
	KindCommandError           Kind = "CommandError"
	KindAlarmDetected          Kind = "AlarmDetected"
	KindRecoveryStarted        Kind = "RecoveryStarted"
	KindRecoveryStep           Kind = "RecoveryStep"
	KindRecoveryCompleted      Kind = "RecoveryCompleted"
	KindRecoveryFailed         Kind = "RecoveryFailed"
	KindTransportStalled       Kind = "TransportStalled"
	KindCancelled              Kind = "Cancelled"
	KindReady                  Kind = "Ready"
)

// Event is the tagged union published on the bus. Payload holds the
// variant-specific fields; subscribers switch on Kind to interpret it.
type Event struct {
	Kind      Kind
	Timestamp time.Time
	Payload   interface{}
}

// StatusReportPayload accompanies KindStatusReport, carrying the raw parsed
// `<...>` frame for subscribers that want more than the StateChange delta.
type StatusReportPayload struct {
	Report *protocol.StatusReport
}

// StateChangePayload accompanies KindStateChange.
type StateChangePayload struct {
	From string
	To   string
}

// PollIntervalChangedPayload accompanies KindPollIntervalChanged.
type PollIntervalChangedPayload struct {
	New    time.Duration
	Reason string
}

// DiscrepancyDetectedPayload accompanies KindDiscrepancyDetected.
type DiscrepancyDetectedPayload struct {
	Field  string
	Local  interface{}
	Remote interface{}
	Delta  float64
}

// StreamProgressPayload accompanies KindStreamProgress.
type StreamProgressPayload struct {
	LineIndex  int
	TotalLines int
	Line       string
}

// StreamStoppedPayload accompanies KindStreamStopped.
type StreamStoppedPayload struct {
	Reason string
}

// CommandErrorPayload accompanies KindCommandError.
type CommandErrorPayload struct {
	Line int
	Code int
}

// AlarmDetectedPayload accompanies KindAlarmDetected.
type AlarmDetectedPayload struct {
	Code int
}

// RecoveryPayload accompanies KindRecoveryStarted/Step/Completed/Failed.
type RecoveryPayload struct {
	Code     int
	Command  string
	OK       bool
	Duration time.Duration
	Reason   string
}

// CancelledPayload accompanies KindCancelled.
type CancelledPayload struct {
	Reason string
}

// ReadyPayload accompanies KindReady, emitted once the controller's welcome
// banner arrives after a fresh connect (spec.md §4.1).
type ReadyPayload struct {
	Version string
}

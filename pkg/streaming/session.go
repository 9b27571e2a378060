// Package streaming implements the StreamingEngine: feeding a G-code
// program to the controller under the command window's look-ahead limit,
// tracking progress, checkpointing for resume, and handling per-line
// errors under a configurable strategy (spec.md §4.7).
package streaming

import (
	"time"

	"github.com/cncstream/grblcore/pkg/command"
)

// State is the StreamingEngine's lifecycle state machine:
// Idle -> Running <-> Paused -> Stopping -> {Stopped, Completed}.
type State int

const (
	StateIdle State = iota
	StateRunning
	StatePaused
	StateStopping
	StateStopped
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "Running"
	case StatePaused:
		return "Paused"
	case StateStopping:
		return "Stopping"
	case StateStopped:
		return "Stopped"
	case StateCompleted:
		return "Completed"
	default:
		return "Idle"
	}
}

// ErrorStrategy controls what the engine does when a line resolves with
// OutcomeError (spec.md §4.7).
type ErrorStrategy int

const (
	// ErrorStrategyStop aborts the stream on the first line error.
	ErrorStrategyStop ErrorStrategy = iota
	// ErrorStrategyContinue counts the error (LinesErrored, plus the
	// CommandError event every line error publishes) and keeps feeding
	// subsequent lines.
	ErrorStrategyContinue
	// ErrorStrategyPrompt pauses the stream and waits for a Resume or Stop
	// call from the host.
	ErrorStrategyPrompt
)

// Options configures a streaming run (spec.md §6 defaults:
// LookAheadLines=15, CheckpointIntervalLines=500).
type Options struct {
	LookAheadLines          int
	CheckpointIntervalLines int
	ErrorStrategy           ErrorStrategy
	DryRun                  bool
	ResponseTimeout         time.Duration
	StartLine               int // resume point; 0 for a fresh run
}

// DefaultOptions returns spec-mandated defaults.
func DefaultOptions() Options {
	return Options{
		LookAheadLines:          15,
		CheckpointIntervalLines: 500,
		ErrorStrategy:           ErrorStrategyStop,
		ResponseTimeout:         10 * time.Second,
	}
}

// LineResult pairs one fed program line with its outcome. The engine
// itself does not produce LineResult values.
type LineResult struct {
	Index  int
	Line   string
	Result command.Result
}

// Stats summarizes a finished or stopped run.
type Stats struct {
	LinesTotal   int
	LinesSent    int
	LinesOK      int
	LinesErrored int
	LinesSkipped int
	StartedAt    time.Time
	FinishedAt   time.Time
	StopReason   string
}

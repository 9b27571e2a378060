package machinestate

import (
	"context"
	"time"

	"github.com/cncstream/grblcore/pkg/events"
	"github.com/cncstream/grblcore/pkg/logging"
)

// DefaultSyncInterval is how often the synchronizer compares tracked
// state against the latest status report (spec.md §4.6).
const DefaultSyncInterval = 2 * time.Second

// DefaultPositionTolerance is the maximum machine-position drift that is
// not reported as a discrepancy (spec.md §4.6, §6).
const DefaultPositionTolerance = 0.01

// checkpointThresholdMM is the drift beyond which a discrepancy also
// requests a stream checkpoint (spec.md §4.6).
const checkpointThresholdMM = 1.0

// CheckpointRequester narrows StreamingEngine to the one call the
// synchronizer needs, avoiding a dependency on the full streaming
// package.
type CheckpointRequester interface {
	RequestCheckpoint(reason string)
}

// Synchronizer periodically compares the last known machine position
// against a reference position (the most recent status report's MPos)
// and reconciles drift beyond position_tolerance (spec.md §4.6).
type Synchronizer struct {
	manager      *Manager
	bus          *events.Bus
	log          *logging.Logger
	interval     time.Duration
	tolerance    float64
	checkpointer CheckpointRequester

	latestReported Position
	haveReport     bool
}

// NewSynchronizer creates a Synchronizer comparing against manager's
// state every interval (DefaultSyncInterval if zero) with the given
// tolerance (DefaultPositionTolerance if zero).
func NewSynchronizer(manager *Manager, bus *events.Bus, interval time.Duration, tolerance float64, checkpointer CheckpointRequester, log *logging.Logger) *Synchronizer {
	if interval == 0 {
		interval = DefaultSyncInterval
	}
	if tolerance == 0 {
		tolerance = DefaultPositionTolerance
	}
	if log == nil {
		log = logging.Discard()
	}
	return &Synchronizer{
		manager:      manager,
		bus:          bus,
		log:          log.WithComponent("machinestate.sync"),
		interval:     interval,
		tolerance:    tolerance,
		checkpointer: checkpointer,
	}
}

// ObserveReportedPosition records the machine position carried by the
// most recent status report, the reference Reconcile compares against.
func (s *Synchronizer) ObserveReportedPosition(p Position) {
	s.latestReported = p
	s.haveReport = true
}

// Run drives periodic reconciliation until ctx is cancelled.
func (s *Synchronizer) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Reconcile()
		}
	}
}

// Reconcile compares the manager's machine position against the position
// in the synchronizer's most recently received report and adopts the
// reported value on drift beyond tolerance.
func (s *Synchronizer) Reconcile() {
	if !s.haveReport {
		return
	}

	local := s.manager.Snapshot().MachinePosition
	remote := s.latestReported
	delta := maxAxisDelta(local, remote)

	if delta <= s.tolerance {
		return
	}

	s.log.WithFields(map[string]interface{}{"delta_mm": delta}).Warn("machine position discrepancy detected")

	if s.bus != nil {
		s.bus.Publish(events.Event{
			Kind:      events.KindDiscrepancyDetected,
			Timestamp: time.Now(),
			Payload: events.DiscrepancyDetectedPayload{
				Field:  "machine_position",
				Local:  local,
				Remote: remote,
				Delta:  delta,
			},
		})
	}

	s.manager.AdoptMachinePosition(remote)

	if delta > checkpointThresholdMM && s.checkpointer != nil {
		s.checkpointer.RequestCheckpoint("position discrepancy")
	}
}

func maxAxisDelta(a, b Position) float64 {
	dx, dy, dz := absf(a.X-b.X), absf(a.Y-b.Y), absf(a.Z-b.Z)
	max := dx
	if dy > max {
		max = dy
	}
	if dz > max {
		max = dz
	}
	return max
}

func absf(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

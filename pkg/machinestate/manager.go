package machinestate

import (
	"context"
	"sync"
	"time"

	"github.com/cncstream/grblcore/pkg/events"
	"github.com/cncstream/grblcore/pkg/logging"
	"github.com/cncstream/grblcore/pkg/protocol"
)

// Store is the host-delegated persistence interface for WCS offsets and
// modal snapshots. The core never mandates an on-disk format (spec.md
// §6); encoding is entirely the host's concern.
type Store interface {
	SaveWCS(ctx context.Context, table WCSTable) error
	LoadWCS(ctx context.Context) (WCSTable, error)
}

// Manager is the StateManager: the sole writer of MachineState. Readers
// obtain immutable snapshots and never block a writer (spec.md §4.5).
type Manager struct {
	mu    sync.RWMutex
	state MachineState
	bus   *events.Bus
	log   *logging.Logger
}

// NewManager creates a Manager with a zeroed state and G54 active, the
// controller's power-on default.
func NewManager(bus *events.Bus, log *logging.Logger) *Manager {
	if log == nil {
		log = logging.Discard()
	}
	return &Manager{
		state: MachineState{WCS: NewWCSTable()},
		bus:   bus,
		log:   log.WithComponent("machinestate"),
	}
}

// Snapshot returns an immutable copy of the current state.
func (m *Manager) Snapshot() MachineState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap := m.state
	snap.WCS.Offsets = make(map[WCSName]Position, len(m.state.WCS.Offsets))
	for name, off := range m.state.WCS.Offsets {
		snap.WCS.Offsets[name] = off
	}
	return snap
}

// CurrentStatus implements status.StateReader.
func (m *Manager) CurrentStatus() (Status, time.Time) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.Status, m.state.UpdatedAt
}

// ApplyStatus updates position, status, feed, and spindle from a parsed
// status report, recomputes work position, and emits StateChange if the
// status transitioned (spec.md §4.5).
func (m *Manager) ApplyStatus(report *protocol.StatusReport) {
	if report == nil {
		return
	}

	newStatus, subState := ParseStatus(report.State)

	m.mu.Lock()
	from := m.state.Status
	m.state.Status = newStatus
	m.state.SubState = subState

	if report.MachinePos != nil {
		m.state.MachinePosition = Position{X: report.MachinePos.X, Y: report.MachinePos.Y, Z: report.MachinePos.Z}
	}
	if report.WorkOffset != nil {
		m.state.WCS.Offsets[m.state.WCS.Active] = Position{X: report.WorkOffset.X, Y: report.WorkOffset.Y, Z: report.WorkOffset.Z}
	}
	if report.WorkPos != nil {
		m.state.WorkPosition = Position{X: report.WorkPos.X, Y: report.WorkPos.Y, Z: report.WorkPos.Z}
	} else {
		m.state.WorkPosition = DeriveWorkPosition(m.state.MachinePosition, m.state.WCS)
	}
	if report.Feed != nil {
		m.state.FeedRate = *report.Feed
	}
	if report.Spindle != nil {
		m.state.SpindleSpeed = *report.Spindle
	}
	m.state.UpdatedAt = time.Now()
	m.mu.Unlock()

	if from != newStatus && m.bus != nil {
		m.bus.Publish(events.Event{
			Kind:      events.KindStateChange,
			Timestamp: time.Now(),
			Payload:   events.StateChangePayload{From: from.String(), To: newStatus.String()},
		})
	}
}

// ApplyModal updates modal state from a `[GC:...]` feedback frame's
// space-separated G/M-code tokens.
func (m *Manager) ApplyModal(gcFeedback string) {
	modal := parseModal(gcFeedback)

	m.mu.Lock()
	mergeModal(&m.state.Modal, modal)
	m.state.UpdatedAt = time.Now()
	m.mu.Unlock()
}

// ApplyAcknowledgedLine optimistically updates modal state from a program
// line the controller has just acknowledged; StateSynchronizer
// reconciles any drift later (spec.md §4.5).
func (m *Manager) ApplyAcknowledgedLine(line string) {
	modal := parseModal(line)

	m.mu.Lock()
	mergeModal(&m.state.Modal, modal)
	m.mu.Unlock()
}

// SetActiveWCS switches the active coordinate system and recomputes work
// position so the invariant work = machine - offset[active] holds before
// this returns.
func (m *Manager) SetActiveWCS(name WCSName) {
	m.mu.Lock()
	m.state.WCS.Active = name
	m.state.WorkPosition = DeriveWorkPosition(m.state.MachinePosition, m.state.WCS)
	m.mu.Unlock()
}

// SetWCSOffset mutates one WCS's offset and recomputes work position if
// it is the active one.
func (m *Manager) SetWCSOffset(name WCSName, offset Position) {
	m.mu.Lock()
	m.state.WCS.Offsets[name] = offset
	if m.state.WCS.Active == name {
		m.state.WorkPosition = DeriveWorkPosition(m.state.MachinePosition, m.state.WCS)
	}
	m.mu.Unlock()
}

// ZeroActiveWCS sets the active WCS's offset so the current machine
// position maps to work position (0, 0, 0).
func (m *Manager) ZeroActiveWCS() {
	m.mu.Lock()
	m.state.WCS.Offsets[m.state.WCS.Active] = m.state.MachinePosition
	m.state.WorkPosition = Position{}
	m.mu.Unlock()
}

// AdoptMachinePosition overwrites the tracked machine position directly,
// used by StateSynchronizer when reconciling a detected discrepancy.
func (m *Manager) AdoptMachinePosition(p Position) {
	m.mu.Lock()
	m.state.MachinePosition = p
	m.state.WorkPosition = DeriveWorkPosition(m.state.MachinePosition, m.state.WCS)
	m.mu.Unlock()
}

// Persist delegates WCS-table serialization to the host store.
func (m *Manager) Persist(ctx context.Context, store Store) error {
	return store.SaveWCS(ctx, m.Snapshot().WCS)
}

// Restore loads the WCS table from the host store.
func (m *Manager) Restore(ctx context.Context, store Store) error {
	table, err := store.LoadWCS(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.state.WCS = table
	m.state.WorkPosition = DeriveWorkPosition(m.state.MachinePosition, m.state.WCS)
	m.mu.Unlock()
	return nil
}

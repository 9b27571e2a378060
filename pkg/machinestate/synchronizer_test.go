package machinestate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cncstream/grblcore/pkg/events"
)

type fakeCheckpointer struct {
	requested []string
}

func (f *fakeCheckpointer) RequestCheckpoint(reason string) {
	f.requested = append(f.requested, reason)
}

func TestSynchronizer_NoDiscrepancyWithinTolerance(t *testing.T) {
	bus := events.NewBus(4)
	sub := bus.Subscribe(nil)
	defer sub.Cancel()

	m := NewManager(nil, nil)
	m.AdoptMachinePosition(Position{X: 1.000, Y: 1.000, Z: 0})

	sync := NewSynchronizer(m, bus, time.Hour, 0.01, nil, nil)
	sync.ObserveReportedPosition(Position{X: 1.005, Y: 1.000, Z: 0})
	sync.Reconcile()

	select {
	case e := <-sub.Events():
		t.Fatalf("unexpected event within tolerance: %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSynchronizer_DiscrepancyBeyondToleranceAdoptsRemote(t *testing.T) {
	bus := events.NewBus(4)
	sub := bus.Subscribe(nil)
	defer sub.Cancel()

	m := NewManager(nil, nil)
	m.AdoptMachinePosition(Position{X: 0, Y: 0, Z: 0})

	sync := NewSynchronizer(m, bus, time.Hour, 0.01, nil, nil)
	sync.ObserveReportedPosition(Position{X: 0.5, Y: 0, Z: 0})
	sync.Reconcile()

	select {
	case e := <-sub.Events():
		require.Equal(t, events.KindDiscrepancyDetected, e.Kind)
	case <-time.After(time.Second):
		t.Fatal("expected DiscrepancyDetected event")
	}

	assert.Equal(t, Position{X: 0.5, Y: 0, Z: 0}, m.Snapshot().MachinePosition)
}

func TestSynchronizer_LargeDiscrepancyRequestsCheckpoint(t *testing.T) {
	m := NewManager(nil, nil)
	m.AdoptMachinePosition(Position{X: 0, Y: 0, Z: 0})

	cp := &fakeCheckpointer{}
	sync := NewSynchronizer(m, nil, time.Hour, 0.01, cp, nil)
	sync.ObserveReportedPosition(Position{X: 2.0, Y: 0, Z: 0})
	sync.Reconcile()

	require.Len(t, cp.requested, 1)
	assert.Equal(t, "position discrepancy", cp.requested[0])
}

func TestSynchronizer_SmallDiscrepancyDoesNotRequestCheckpoint(t *testing.T) {
	m := NewManager(nil, nil)
	m.AdoptMachinePosition(Position{X: 0, Y: 0, Z: 0})

	cp := &fakeCheckpointer{}
	sync := NewSynchronizer(m, nil, time.Hour, 0.01, cp, nil)
	sync.ObserveReportedPosition(Position{X: 0.5, Y: 0, Z: 0})
	sync.Reconcile()

	assert.Empty(t, cp.requested)
}

func TestSynchronizer_NoReportYetIsNoOp(t *testing.T) {
	m := NewManager(nil, nil)
	sync := NewSynchronizer(m, nil, time.Hour, 0.01, nil, nil)
	assert.NotPanics(t, func() { sync.Reconcile() })
}

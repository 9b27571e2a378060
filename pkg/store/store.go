// Package store defines the host-delegated persistence boundary: the
// core never mandates an on-disk format (spec.md §6), only the shape of
// what gets persisted. An in-memory reference implementation is provided
// for tests and the demo CLI; real deployments supply their own.
package store

import (
	"context"
	"sync"
	"time"

	"github.com/cncstream/grblcore/pkg/machinestate"
)

// Checkpoint is a recoverable resumption point: the line index last
// acknowledged, the machine position and modal state at that moment, and
// when it was taken (spec.md §3). ActiveWCS, FeedRate, and SpindleSpeed
// round out the modal state so a resume can replay a full canonicalizing
// preamble (spec.md §4.7), since machinestate.ModalState itself tracks
// only the G/M-code tokens, not the active work offset or numeric rates.
type Checkpoint struct {
	LineIndex    int
	Position     machinestate.Position
	Modal        machinestate.ModalState
	ActiveWCS    machinestate.WCSName
	FeedRate     float64
	SpindleSpeed float64
	Timestamp    time.Time
}

// Store is the full host-facing persistence interface: WCS offsets (via
// machinestate.Store) plus the checkpoint log a stream resumes from.
type Store interface {
	machinestate.Store

	AppendCheckpoint(ctx context.Context, checkpoint Checkpoint) error
	LatestCheckpoint(ctx context.Context) (Checkpoint, bool, error)
}

// Memory is an in-memory Store, suitable for tests and the demo CLI. It
// holds no state across process restarts.
type Memory struct {
	mu          sync.Mutex
	wcs         machinestate.WCSTable
	haveWCS     bool
	checkpoints []Checkpoint
}

// NewMemory creates an empty in-memory Store.
func NewMemory() *Memory {
	return &Memory{}
}

// SaveWCS implements machinestate.Store.
func (m *Memory) SaveWCS(ctx context.Context, table machinestate.WCSTable) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wcs = table
	m.haveWCS = true
	return nil
}

// LoadWCS implements machinestate.Store. It returns a fresh default table
// if nothing has been saved yet.
func (m *Memory) LoadWCS(ctx context.Context) (machinestate.WCSTable, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.haveWCS {
		return machinestate.NewWCSTable(), nil
	}
	return m.wcs, nil
}

// AppendCheckpoint records checkpoint, keeping the full history in
// memory.
func (m *Memory) AppendCheckpoint(ctx context.Context, checkpoint Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints = append(m.checkpoints, checkpoint)
	return nil
}

// LatestCheckpoint returns the most recently appended checkpoint, or
// found=false if none exists yet.
func (m *Memory) LatestCheckpoint(ctx context.Context) (Checkpoint, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.checkpoints) == 0 {
		return Checkpoint{}, false, nil
	}
	return m.checkpoints[len(m.checkpoints)-1], true, nil
}

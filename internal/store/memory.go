package store

import (
	"context"
	"sync"
)

// Memory is an in-memory Store used in tests and when no DSN is configured.
type Memory struct {
	mu    sync.RWMutex
	snaps map[string]*Snapshot
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{snaps: make(map[string]*Snapshot)}
}

// Load returns the latest snapshot for a document.
func (m *Memory) Load(_ context.Context, documentID string) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap, ok := m.snaps[documentID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *snap
	cp.StateVector = snap.StateVector.Copy()
	return &cp, nil
}

// Save persists a snapshot, enforcing monotonically increasing versions.
func (m *Memory) Save(_ context.Context, snap *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.snaps[snap.DocumentID]; ok && snap.Version <= existing.Version {
		return ErrStaleSnapshot
	}
	cp := *snap
	cp.StateVector = snap.StateVector.Copy()
	m.snaps[snap.DocumentID] = &cp
	return nil
}

// Package store provides the narrow persistence interface the sync engine
// uses for compacted document snapshots. The engine owns document state; the
// store is an external collaborator reached only through Load and Save.
package store

import (
	"context"
	"errors"
	"time"

	"tasksync/pkg/crdt"
)

var (
	// ErrNotFound is returned by Load when no snapshot exists for a document.
	ErrNotFound = errors.New("store: snapshot not found")

	// ErrStaleSnapshot is returned by Save when the snapshot's version is not
	// higher than the one already persisted. Versions are monotonically
	// increasing per document; a reader holding a newer version must reject
	// the write and re-read.
	ErrStaleSnapshot = errors.New("store: stale snapshot version")

	// ErrUnavailable wraps transient persistence failures. Sessions keep
	// serving live traffic from memory and retry with backoff.
	ErrUnavailable = errors.New("store: unavailable")
)

// Snapshot is the persisted compaction of a document's operation-log prefix.
// Replaying the remaining log on top of CompactedState reproduces the same
// document as replaying everything from empty.
type Snapshot struct {
	DocumentID     string           `db:"document_id"`
	StateVector    crdt.StateVector `db:"-"`
	CompactedState []byte           `db:"compacted_state"`
	Version        int64            `db:"snapshot_version"`
	CreatedAt      time.Time        `db:"created_at"`
}

// Store is the persistence collaborator for snapshots.
type Store interface {
	// Load returns the latest snapshot for a document, or ErrNotFound.
	Load(ctx context.Context, documentID string) (*Snapshot, error)

	// Save persists a snapshot. It fails with ErrStaleSnapshot unless the
	// version is strictly higher than the persisted one. Writes for the same
	// document are serialized by the owning session, never concurrent.
	Save(ctx context.Context, snap *Snapshot) error
}

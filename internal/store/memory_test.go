package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tasksync/pkg/crdt"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, err := m.Load(ctx, "doc-1")
	assert.ErrorIs(t, err, ErrNotFound)

	snap := &Snapshot{
		DocumentID:     "doc-1",
		StateVector:    crdt.StateVector{"a": 3},
		CompactedState: []byte("blob"),
		Version:        1,
	}
	require.NoError(t, m.Save(ctx, snap))

	got, err := m.Load(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, snap.CompactedState, got.CompactedState)
	assert.Equal(t, int64(1), got.Version)

	// Loaded snapshots are copies; mutating one must not affect the store.
	got.StateVector.Observe(crdt.OpID{Replica: "a", Clock: 99})
	again, err := m.Load(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), again.StateVector.Get("a"))
}

func TestMemoryStoreRejectsStaleVersion(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.Save(ctx, &Snapshot{DocumentID: "doc", Version: 2}))

	assert.ErrorIs(t, m.Save(ctx, &Snapshot{DocumentID: "doc", Version: 2}), ErrStaleSnapshot)
	assert.ErrorIs(t, m.Save(ctx, &Snapshot{DocumentID: "doc", Version: 1}), ErrStaleSnapshot)
	assert.NoError(t, m.Save(ctx, &Snapshot{DocumentID: "doc", Version: 3}))
}

// flaky fails a fixed number of times before succeeding.
type flaky struct {
	*Memory
	failures int
}

func (f *flaky) Save(ctx context.Context, snap *Snapshot) error {
	if f.failures > 0 {
		f.failures--
		return ErrUnavailable
	}
	return f.Memory.Save(ctx, snap)
}

func TestSaveWithRetryRecoversFromTransientFailure(t *testing.T) {
	ctx := context.Background()
	s := &flaky{Memory: NewMemory(), failures: 2}

	err := SaveWithRetry(ctx, s, &Snapshot{DocumentID: "doc", Version: 1}, 5*time.Second)
	require.NoError(t, err)

	got, err := s.Load(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)
}

func TestSaveWithRetryDoesNotRetryStaleVersion(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.Save(ctx, &Snapshot{DocumentID: "doc", Version: 5}))

	start := time.Now()
	err := SaveWithRetry(ctx, m, &Snapshot{DocumentID: "doc", Version: 4}, 5*time.Second)
	assert.ErrorIs(t, err, ErrStaleSnapshot)
	assert.Less(t, time.Since(start), time.Second, "stale writes must fail fast, not back off")
}

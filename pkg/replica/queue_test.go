package replica

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tasksync/pkg/crdt"
)

func openTestQueue(t *testing.T) (*Queue, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "queue.db")
	q, err := OpenQueue(path)
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return q, path
}

func queuedOp(clock uint64, title string) crdt.Operation {
	return crdt.Operation{
		ID:       crdt.OpID{Replica: "r1", Clock: clock},
		Type:     crdt.OpInsert,
		Position: crdt.PositionBetween(nil, nil),
		Fields:   map[string]interface{}{"title": title},
	}
}

func TestQueuePreservesEnqueueOrder(t *testing.T) {
	q, _ := openTestQueue(t)

	require.NoError(t, q.Enqueue(queuedOp(1, "first")))
	require.NoError(t, q.Enqueue(queuedOp(2, "second")))
	require.NoError(t, q.Enqueue(queuedOp(3, "third")))

	pending, err := q.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, uint64(1), pending[0].ID.Clock)
	assert.Equal(t, uint64(2), pending[1].ID.Clock)
	assert.Equal(t, uint64(3), pending[2].ID.Clock)
}

func TestQueueAckRemovesOnlyAcknowledged(t *testing.T) {
	q, _ := openTestQueue(t)

	require.NoError(t, q.Enqueue(queuedOp(1, "a")))
	require.NoError(t, q.Enqueue(queuedOp(2, "b")))
	require.NoError(t, q.Enqueue(queuedOp(3, "c")))

	require.NoError(t, q.Ack(crdt.OpID{Replica: "r1", Clock: 2}))

	pending, err := q.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, uint64(1), pending[0].ID.Clock)
	assert.Equal(t, uint64(3), pending[1].ID.Clock)

	// Repeating an ack, or acking something never queued, changes nothing.
	require.NoError(t, q.Ack(crdt.OpID{Replica: "r1", Clock: 2}))
	require.NoError(t, q.Ack(crdt.OpID{Replica: "other", Clock: 99}))
	n, err := q.Len()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestQueueSurvivesReopen(t *testing.T) {
	q, path := openTestQueue(t)

	require.NoError(t, q.Enqueue(queuedOp(1, "persisted")))
	require.NoError(t, q.Enqueue(queuedOp(2, "also persisted")))
	require.NoError(t, q.Close())

	reopened, err := OpenQueue(path)
	require.NoError(t, err)
	defer reopened.Close()

	pending, err := reopened.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "persisted", pending[0].Fields["title"])

	// Enqueue order continues across the reopen.
	require.NoError(t, reopened.Enqueue(queuedOp(3, "after reopen")))
	pending, err = reopened.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, uint64(3), pending[2].ID.Clock)
}

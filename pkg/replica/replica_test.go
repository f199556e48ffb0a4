package replica

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tasksync/pkg/crdt"
)

func TestLocalEditsApplyOptimistically(t *testing.T) {
	r, err := New("alice", nil)
	require.NoError(t, err)

	first, err := r.InsertTaskAt(0, map[string]interface{}{"title": "walk dog"})
	require.NoError(t, err)
	second, err := r.InsertTaskAt(0, map[string]interface{}{"title": "buy milk"})
	require.NoError(t, err)

	tasks := r.Tasks()
	require.Len(t, tasks, 2)
	assert.Equal(t, second.ID, tasks[0].ID, "index 0 insert lands before the existing task")
	assert.Equal(t, first.ID, tasks[1].ID)

	_, err = r.SetField(first.ID, "done", true)
	require.NoError(t, err)
	done, ok := tasks[1].Field("done")
	require.True(t, ok)
	assert.Equal(t, true, done)

	_, err = r.DeleteTask(second.ID)
	require.NoError(t, err)
	assert.Len(t, r.Tasks(), 1)
}

func TestEditsOnUnknownTargetAreRejected(t *testing.T) {
	r, err := New("alice", nil)
	require.NoError(t, err)

	ghost := crdt.OpID{Replica: "nobody", Clock: 7}
	_, err = r.SetField(ghost, "title", "x")
	assert.ErrorIs(t, err, ErrUnknownTask)
	_, err = r.DeleteTask(ghost)
	assert.ErrorIs(t, err, ErrUnknownTask)
}

func TestInsertIndexOutOfRange(t *testing.T) {
	r, err := New("alice", nil)
	require.NoError(t, err)

	_, err = r.InsertTaskAt(-1, nil)
	assert.Error(t, err)
	_, err = r.InsertTaskAt(1, nil)
	assert.Error(t, err)
}

// Edits made offline and replayed later must land the replica in the same
// state as if they had been submitted live alongside the concurrent edits.
func TestOfflineReplayConvergesWithConcurrentEdits(t *testing.T) {
	q, _ := openTestQueue(t)
	offline, err := New("alice", q)
	require.NoError(t, err)

	// Offline: three local edits, all queued.
	ins, err := offline.InsertTaskAt(0, map[string]interface{}{"title": "offline task"})
	require.NoError(t, err)
	_, err = offline.SetField(ins.ID, "done", true)
	require.NoError(t, err)
	_, err = offline.InsertTaskAt(1, map[string]interface{}{"title": "second offline task"})
	require.NoError(t, err)

	// Meanwhile the coordinator accepted concurrent edits from bob.
	canonical := crdt.NewDocument()
	bobIns := crdt.Operation{
		ID:       crdt.OpID{Replica: "bob", Clock: 1},
		Type:     crdt.OpInsert,
		Position: crdt.PositionBetween(nil, nil),
		Fields:   map[string]interface{}{"title": "bob's task"},
	}
	bobEdit := crdt.Operation{
		ID:     crdt.OpID{Replica: "bob", Clock: 2},
		Type:   crdt.OpSetField,
		Target: bobIns.ID,
		Field:  "title",
		Value:  "bob's renamed task",
	}
	canonical.Apply(bobIns)
	canonical.Apply(bobEdit)

	// Reconnect: merge the delta, replay the queue, trim on acks.
	offline.ApplyRemote([]crdt.Operation{bobIns, bobEdit})
	pending, err := offline.PendingOps()
	require.NoError(t, err)
	require.Len(t, pending, 3)

	acks := make([]crdt.OpID, 0, len(pending))
	for _, op := range pending {
		canonical.Apply(op)
		acks = append(acks, op.ID)
	}
	require.NoError(t, offline.Acknowledge(acks))

	assert.Equal(t, canonical.Fingerprint(), offline.Fingerprint(),
		"replayed replica and coordinator converge")

	n, err := q.Len()
	require.NoError(t, err)
	assert.Zero(t, n, "acknowledged operations leave the queue")
}

// A restart between enqueue and acknowledgement must not lose edits or reuse
// operation IDs.
func TestRestartResumesQueueAndClock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	q, err := OpenQueue(path)
	require.NoError(t, err)

	r, err := New("alice", q)
	require.NoError(t, err)
	ins, err := r.InsertTaskAt(0, map[string]interface{}{"title": "survives restart"})
	require.NoError(t, err)
	_, err = r.SetField(ins.ID, "done", false)
	require.NoError(t, err)

	// Partial replay: only the insert was acknowledged before the crash.
	require.NoError(t, r.Acknowledge([]crdt.OpID{ins.ID}))
	require.NoError(t, q.Close())

	q2, err := OpenQueue(path)
	require.NoError(t, err)
	defer q2.Close()
	restarted, err := New("alice", q2)
	require.NoError(t, err)

	pending, err := restarted.PendingOps()
	require.NoError(t, err)
	require.Len(t, pending, 1, "unacknowledged edit still queued")
	assert.Equal(t, crdt.OpSetField, pending[0].Type)

	// The restored clock continues past every queued op, so new edits never
	// collide with IDs already handed out.
	op, err := restarted.InsertTaskAt(0, map[string]interface{}{"title": "post restart"})
	require.NoError(t, err)
	assert.Greater(t, op.ID.Clock, pending[0].ID.Clock)
}

// A replica restarted between the acknowledgement of one edit and the next
// rebuilds its document from the queue alone, so the vector it reports on
// rejoin must not claim the acked prefix it no longer holds — otherwise the
// coordinator never resends it and the replica diverges for good.
func TestRestartAfterPartialAckConvergesWithCoordinator(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	q, err := OpenQueue(path)
	require.NoError(t, err)

	r, err := New("alice", q)
	require.NoError(t, err)
	ins, err := r.InsertTaskAt(0, map[string]interface{}{"title": "acked before crash"})
	require.NoError(t, err)
	upd, err := r.SetField(ins.ID, "done", true)
	require.NoError(t, err)

	// The coordinator integrated and acknowledged only the insert before the
	// crash.
	coordinator := crdt.NewDocument()
	oplog := crdt.NewLog()
	coordinator.Apply(ins)
	oplog.Append(ins)
	require.NoError(t, r.Acknowledge([]crdt.OpID{ins.ID}))
	require.NoError(t, q.Close())

	q2, err := OpenQueue(path)
	require.NoError(t, err)
	defer q2.Close()
	restarted, err := New("alice", q2)
	require.NoError(t, err)

	reported := restarted.JoinVector()
	assert.False(t, reported.Contains(ins.ID),
		"the rejoin vector cannot cover operations known only through the queue")

	// Rejoin: the coordinator serves the missing prefix, the replica replays
	// its queue, and the coordinator acknowledges.
	delta := oplog.Since(reported)
	require.Len(t, delta, 1, "the acked insert is resent")
	restarted.ApplyRemote(delta)

	pending, err := restarted.PendingOps()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, upd.ID, pending[0].ID)

	acks := make([]crdt.OpID, 0, len(pending))
	for _, op := range pending {
		coordinator.Apply(op)
		oplog.Append(op)
		acks = append(acks, op.ID)
	}
	require.NoError(t, restarted.Acknowledge(acks))

	assert.Equal(t, coordinator.Fingerprint(), restarted.Fingerprint(),
		"restarted replica and coordinator converge")
	tasks := restarted.Tasks()
	require.Len(t, tasks, 1, "the acked insert is visible again after rejoin")
	done, ok := tasks[0].Field("done")
	require.True(t, ok)
	assert.Equal(t, true, done)
}

func TestApplySnapshotFoldsCompactedState(t *testing.T) {
	canonical := crdt.NewDocument()
	canonical.Apply(crdt.Operation{
		ID:       crdt.OpID{Replica: "bob", Clock: 1},
		Type:     crdt.OpInsert,
		Position: crdt.PositionBetween(nil, nil),
		Fields:   map[string]interface{}{"title": "compacted away"},
	})
	blob, err := crdt.EncodeDocument(canonical)
	require.NoError(t, err)

	r, err := New("alice", nil)
	require.NoError(t, err)
	require.NoError(t, r.ApplySnapshot(blob))

	tasks := r.Tasks()
	require.Len(t, tasks, 1)
	title, _ := tasks[0].Field("title")
	assert.Equal(t, "compacted away", title)
	assert.Equal(t, uint64(1), r.StateVector().Get("bob"))
}

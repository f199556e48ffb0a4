// Package replica implements the client side of the sync engine: a local
// optimistic copy of the document, a durable offline operation queue, and the
// websocket client that replays queued edits on reconnect.
package replica

import (
	"errors"
	"fmt"
	"sync"

	"tasksync/pkg/crdt"
)

// ErrUnknownTask is returned for edits that target an item the replica has
// never seen.
var ErrUnknownTask = errors.New("unknown task")

// Replica is one participant's local view of a shared task list. Local edits
// apply to the document immediately (optimistic) and are queued until the
// coordinator acknowledges them. All methods are safe for concurrent use.
type Replica struct {
	id string

	mu    sync.Mutex
	clock uint64
	doc   *crdt.Document
	queue *Queue
}

// New creates a replica backed by the given queue. Operations still queued
// from a previous run are re-applied to the document and the logical clock
// resumes past them, so restarting mid-replay never reuses an operation ID.
// A nil queue gives a purely in-memory replica.
func New(id string, queue *Queue) (*Replica, error) {
	r := &Replica{id: id, doc: crdt.NewDocument(), queue: queue}
	if queue == nil {
		return r, nil
	}
	pending, err := queue.Pending()
	if err != nil {
		return nil, fmt.Errorf("restore replica %s: %w", id, err)
	}
	for _, op := range pending {
		r.doc.Apply(op)
	}
	r.observeClockLocked()
	return r, nil
}

// ID returns the replica's stable identifier.
func (r *Replica) ID() string {
	return r.id
}

// observeClockLocked advances the local clock past everything already
// attributed to this replica, including its own ops folded in from a snapshot.
func (r *Replica) observeClockLocked() {
	if c := r.doc.Vector().Get(r.id); c > r.clock {
		r.clock = c
	}
}

func (r *Replica) nextIDLocked() crdt.OpID {
	r.clock++
	return crdt.OpID{Replica: r.id, Clock: r.clock}
}

// recordLocked durably queues the op, then applies it locally. Queueing first
// keeps the document and the queue consistent if the disk write fails.
func (r *Replica) recordLocked(op crdt.Operation) error {
	if r.queue != nil {
		if err := r.queue.Enqueue(op); err != nil {
			r.clock--
			return err
		}
	}
	r.doc.Apply(op)
	return nil
}

// InsertTaskAt creates a task at the given index of the current live list and
// returns the insert operation.
func (r *Replica) InsertTaskAt(index int, fields map[string]interface{}) (crdt.Operation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	items := r.doc.Items()
	if index < 0 || index > len(items) {
		return crdt.Operation{}, fmt.Errorf("insert index %d out of range [0,%d]", index, len(items))
	}
	var left, right []int
	if index > 0 {
		left = items[index-1].Position
	}
	if index < len(items) {
		right = items[index].Position
	}

	op := crdt.Operation{
		ID:       r.nextIDLocked(),
		Type:     crdt.OpInsert,
		Position: crdt.PositionBetween(left, right),
		Fields:   fields,
	}
	return op, r.recordLocked(op)
}

// SetField updates one field of an existing task.
func (r *Replica) SetField(target crdt.OpID, field string, value interface{}) (crdt.Operation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.doc.Item(target); !ok {
		return crdt.Operation{}, fmt.Errorf("set field on %s: %w", target, ErrUnknownTask)
	}
	op := crdt.Operation{
		ID:     r.nextIDLocked(),
		Type:   crdt.OpSetField,
		Target: target,
		Field:  field,
		Value:  value,
	}
	return op, r.recordLocked(op)
}

// DeleteTask tombstones an existing task.
func (r *Replica) DeleteTask(target crdt.OpID) (crdt.Operation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.doc.Item(target); !ok {
		return crdt.Operation{}, fmt.Errorf("delete %s: %w", target, ErrUnknownTask)
	}
	op := crdt.Operation{
		ID:     r.nextIDLocked(),
		Type:   crdt.OpDelete,
		Target: target,
	}
	return op, r.recordLocked(op)
}

// ApplyRemote merges coordinator-delivered operations and returns how many
// were new. Duplicates, including echoes of this replica's own operations,
// are discarded.
func (r *Replica) ApplyRemote(ops []crdt.Operation) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.doc.Merge(ops)
	r.observeClockLocked()
	return n
}

// ApplySnapshot folds a full compacted document state into the local copy.
// Used when this replica is behind the compaction floor and the coordinator
// can no longer serve an operation delta.
func (r *Replica) ApplySnapshot(blob []byte) error {
	remote, err := crdt.DecodeDocument(blob)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.doc.MergeState(remote)
	r.observeClockLocked()
	return nil
}

// Acknowledge removes acknowledged operations from the durable queue.
func (r *Replica) Acknowledge(ids []crdt.OpID) error {
	if r.queue == nil {
		return nil
	}
	return r.queue.Ack(ids...)
}

// PendingOps returns the operations not yet acknowledged by the coordinator,
// in submission order.
func (r *Replica) PendingOps() ([]crdt.Operation, error) {
	if r.queue == nil {
		return nil, nil
	}
	return r.queue.Pending()
}

// StateVector returns the vector of everything this replica has applied.
func (r *Replica) StateVector() crdt.StateVector {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.Vector()
}

// JoinVector returns the state vector to report when joining: everything
// known from other replicas, with this replica's own entry withheld. Own
// operations are either still queued (replay resubmits them and the
// coordinator deduplicates) or were acknowledged before a restart that
// rebuilt the document from the queue alone — and a vector claiming those
// would stop the coordinator from resending them, losing the acked prefix
// for good.
func (r *Replica) JoinVector() crdt.StateVector {
	r.mu.Lock()
	defer r.mu.Unlock()
	sv := r.doc.Vector()
	delete(sv, r.id)
	return sv
}

// Tasks returns the live tasks in list order.
func (r *Replica) Tasks() []*crdt.Item {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.Items()
}

// Fingerprint returns a digest of the local document state, used to check
// convergence against other replicas.
func (r *Replica) Fingerprint() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.Fingerprint()
}

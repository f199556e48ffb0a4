// Package crdt implements the conflict-free replicated task-list document:
// operations, state vectors, the document merge core, and the per-document
// operation log. Apply and Merge are commutative, associative, and idempotent,
// so replicas converge regardless of delivery order.
package crdt

import (
	"errors"
	"fmt"
)

// OpType represents the type of operation
type OpType string

const (
	OpInsert   OpType = "insert"
	OpDelete   OpType = "delete"
	OpSetField OpType = "set_field"
)

// OpID uniquely identifies an operation, combining the logical clock and the
// ID of the replica that created it. The item created by an insert shares the
// ID of the insert operation.
type OpID struct {
	Replica string `json:"replica" msgpack:"replica"`
	Clock   uint64 `json:"clock" msgpack:"clock"`
}

// Zero reports whether the ID is the zero value (no operation).
func (id OpID) Zero() bool {
	return id.Replica == "" && id.Clock == 0
}

// Less orders IDs by (clock, replica). This is the single tie-break rule for
// concurrent inserts and last-writer-wins field updates; wall-clock time is
// never consulted, so ordering is stable under clock skew.
func (id OpID) Less(other OpID) bool {
	if id.Clock != other.Clock {
		return id.Clock < other.Clock
	}
	return id.Replica < other.Replica
}

func (id OpID) String() string {
	return fmt.Sprintf("%s@%d", id.Replica, id.Clock)
}

// Operation is a single edit. It is immutable once created: it is only ever
// appended to a log, applied, or discarded as a duplicate.
type Operation struct {
	ID       OpID                   `json:"id" msgpack:"id"`
	Type     OpType                 `json:"type" msgpack:"type"`
	Target   OpID                   `json:"target,omitempty" msgpack:"target"`
	Field    string                 `json:"field,omitempty" msgpack:"field"`
	Value    interface{}            `json:"value,omitempty" msgpack:"value"`
	Position []int                  `json:"position,omitempty" msgpack:"position"`
	Fields   map[string]interface{} `json:"fields,omitempty" msgpack:"fields"`
}

// Validate checks the structural shape of an operation before it may touch
// shared state. Semantic conflicts are the merge rules' concern; this only
// rejects frames that could never be applied.
func (op Operation) Validate() error {
	if op.ID.Replica == "" || op.ID.Clock == 0 {
		return errors.New("operation has no id")
	}
	switch op.Type {
	case OpInsert:
		if len(op.Position) == 0 {
			return errors.New("insert without a position")
		}
	case OpDelete:
		if op.Target.Zero() {
			return errors.New("delete without a target")
		}
	case OpSetField:
		if op.Target.Zero() {
			return errors.New("set_field without a target")
		}
		if op.Field == "" {
			return errors.New("set_field without a field name")
		}
	default:
		return fmt.Errorf("unknown operation type %q", op.Type)
	}
	return nil
}

// TargetItem returns the item the operation refers to: the operation's own ID
// for inserts, the explicit target otherwise.
func (op Operation) TargetItem() OpID {
	if op.Type == OpInsert {
		return op.ID
	}
	return op.Target
}

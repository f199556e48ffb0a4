package crdt

// Log is the append-only, per-document record of operations in the order the
// coordinator assigned them. Appends deduplicate by operation ID; Since serves
// the delta a replica's state vector is missing.
type Log struct {
	ops   []Operation
	index map[OpID]struct{}
}

// NewLog creates an empty operation log.
func NewLog() *Log {
	return &Log{index: make(map[OpID]struct{})}
}

// Append adds an operation to the log. It returns false if the operation is
// already present.
func (l *Log) Append(op Operation) bool {
	if _, ok := l.index[op.ID]; ok {
		return false
	}
	l.index[op.ID] = struct{}{}
	l.ops = append(l.ops, op)
	return true
}

// Contains reports whether an operation with the given ID has been appended.
func (l *Log) Contains(id OpID) bool {
	_, ok := l.index[id]
	return ok
}

// Since returns the operations not yet covered by the given state vector, in
// log order.
func (l *Log) Since(sv StateVector) []Operation {
	var out []Operation
	for _, op := range l.ops {
		if !sv.Contains(op.ID) {
			out = append(out, op)
		}
	}
	return out
}

// Len returns the number of operations in the log.
func (l *Log) Len() int {
	return len(l.ops)
}

// All returns the operations in log order. The returned slice is shared;
// callers must not mutate it.
func (l *Log) All() []Operation {
	return l.ops
}

// CompactBefore drops every operation covered by the floor vector and returns
// how many were removed. The caller is responsible for ensuring the floor is
// covered by all connected replicas' acknowledged vectors first.
func (l *Log) CompactBefore(floor StateVector) int {
	kept := l.ops[:0]
	removed := 0
	for _, op := range l.ops {
		if floor.Contains(op.ID) {
			delete(l.index, op.ID)
			removed++
			continue
		}
		kept = append(kept, op)
	}
	l.ops = kept
	return removed
}

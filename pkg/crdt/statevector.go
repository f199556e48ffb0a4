package crdt

// StateVector maps replica ID to the highest clock value known to have been
// delivered from that replica. Entries are monotonically non-decreasing; the
// vector is used to compute the delta a replica is missing.
type StateVector map[string]uint64

// NewStateVector creates an empty state vector.
func NewStateVector() StateVector {
	return make(StateVector)
}

// Get returns the highest known clock for a replica (zero if unknown).
func (sv StateVector) Get(replica string) uint64 {
	return sv[replica]
}

// Contains reports whether the operation identified by id is already covered
// by the vector. This is the duplicate-detection guard.
func (sv StateVector) Contains(id OpID) bool {
	return id.Clock <= sv[id.Replica]
}

// Observe records delivery of the operation identified by id. Entries never
// decrease.
func (sv StateVector) Observe(id OpID) {
	if id.Clock > sv[id.Replica] {
		sv[id.Replica] = id.Clock
	}
}

// Merge folds another vector in, keeping the per-replica maximum.
func (sv StateVector) Merge(other StateVector) {
	for replica, clock := range other {
		if clock > sv[replica] {
			sv[replica] = clock
		}
	}
}

// Dominates reports whether sv covers every entry of other.
func (sv StateVector) Dominates(other StateVector) bool {
	for replica, clock := range other {
		if sv[replica] < clock {
			return false
		}
	}
	return true
}

// Copy returns an independent copy of the vector.
func (sv StateVector) Copy() StateVector {
	out := make(StateVector, len(sv))
	for replica, clock := range sv {
		out[replica] = clock
	}
	return out
}

// Floor returns the per-replica minimum across the given vectors. It is used
// to compute the compaction floor: operations at or below the floor have been
// delivered everywhere and are safe to drop from the log.
func Floor(vectors ...StateVector) StateVector {
	if len(vectors) == 0 {
		return NewStateVector()
	}
	floor := vectors[0].Copy()
	for _, sv := range vectors[1:] {
		for replica, clock := range floor {
			if sv[replica] < clock {
				floor[replica] = sv[replica]
			}
		}
		// A replica missing from floor is already at zero there.
		for replica := range sv {
			if _, ok := floor[replica]; !ok {
				floor[replica] = 0
			}
		}
	}
	return floor
}

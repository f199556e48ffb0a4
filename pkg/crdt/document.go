package crdt

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// FieldValue is the last-writer-wins cell for one item field. At is the ID of
// the operation that wrote the value; higher (clock, replica) wins.
type FieldValue struct {
	Value interface{} `json:"value" msgpack:"value"`
	At    OpID        `json:"at" msgpack:"at"`
}

// Item is one task in the document. Tombstoned items are retained (never
// physically removed) until compaction, so late concurrent operations on a
// deleted item cannot resurrect it.
type Item struct {
	ID        OpID                  `json:"id" msgpack:"id"`
	Position  []int                 `json:"position" msgpack:"position"`
	Fields    map[string]FieldValue `json:"fields" msgpack:"fields"`
	Tombstone bool                  `json:"tombstone" msgpack:"tombstone"`

	// inserted records whether the creating insert has been seen. Delete and
	// set_field operations arriving before their insert create a placeholder
	// so that application order does not matter.
	inserted bool
}

// Field returns the current value of a field on a live item.
func (it *Item) Field(name string) (interface{}, bool) {
	fv, ok := it.Fields[name]
	if !ok {
		return nil, false
	}
	return fv.Value, true
}

// Document is one replica's copy of the shared task list: a map from stable
// item IDs to item state plus the state vector of everything applied so far.
type Document struct {
	items   map[OpID]*Item
	applied map[OpID]struct{}
	vector  StateVector

	// baseline covers operations folded in from a compacted snapshot. A
	// snapshot's vector is causally contiguous (the coordinator applies each
	// origin's operations in clock order), so any ID it contains is a
	// duplicate even though the individual op is no longer in applied.
	baseline StateVector
}

// NewDocument creates an empty document.
func NewDocument() *Document {
	return &Document{
		items:    make(map[OpID]*Item),
		applied:  make(map[OpID]struct{}),
		vector:   NewStateVector(),
		baseline: NewStateVector(),
	}
}

// Vector returns a copy of the document's state vector.
func (d *Document) Vector() StateVector {
	return d.vector.Copy()
}

// Apply integrates one operation into local state. It returns true if the
// operation was new and false for duplicates, which are discarded silently.
// Apply is commutative with concurrent operations and idempotent.
func (d *Document) Apply(op Operation) bool {
	if _, seen := d.applied[op.ID]; seen {
		return false
	}
	if d.baseline.Contains(op.ID) {
		return false
	}
	d.applied[op.ID] = struct{}{}
	d.vector.Observe(op.ID)

	switch op.Type {
	case OpInsert:
		d.applyInsert(op)
	case OpDelete:
		d.item(op.Target).Tombstone = true
	case OpSetField:
		d.setField(d.item(op.Target), op.Field, FieldValue{Value: op.Value, At: op.ID})
	}
	return true
}

// Merge integrates a batch of remote operations in any order.
func (d *Document) Merge(ops []Operation) int {
	n := 0
	for _, op := range ops {
		if d.Apply(op) {
			n++
		}
	}
	return n
}

// item returns the item for id, creating a placeholder if the insert has not
// arrived yet.
func (d *Document) item(id OpID) *Item {
	it, ok := d.items[id]
	if !ok {
		it = &Item{ID: id, Fields: make(map[string]FieldValue)}
		d.items[id] = it
	}
	return it
}

func (d *Document) applyInsert(op Operation) {
	it := d.item(op.ID)
	if it.inserted {
		return
	}
	it.inserted = true
	it.Position = op.Position
	for name, value := range op.Fields {
		d.setField(it, name, FieldValue{Value: value, At: op.ID})
	}
}

func (d *Document) setField(it *Item, name string, fv FieldValue) {
	current, ok := it.Fields[name]
	if !ok || current.At.Less(fv.At) {
		it.Fields[name] = fv
	}
}

// Item returns the item with the given ID, live or tombstoned.
func (d *Document) Item(id OpID) (*Item, bool) {
	it, ok := d.items[id]
	return it, ok
}

// Items returns the live (non-tombstoned) items in list order: position path
// first, then OpID as the deterministic tie-break.
func (d *Document) Items() []*Item {
	out := make([]*Item, 0, len(d.items))
	for _, it := range d.items {
		if it.inserted && !it.Tombstone {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if c := ComparePositions(out[i].Position, out[j].Position); c != 0 {
			return c < 0
		}
		return out[i].ID.Less(out[j].ID)
	})
	return out
}

// Len returns the number of live items.
func (d *Document) Len() int {
	n := 0
	for _, it := range d.items {
		if it.inserted && !it.Tombstone {
			n++
		}
	}
	return n
}

// MergeState folds another document's full state into this one: item union,
// per-field last-writer-wins, tombstones sticky, vectors merged. This is the
// state-based merge used when a replica is behind the compaction floor and a
// pure operation delta can no longer be served.
func (d *Document) MergeState(other *Document) {
	for id, remote := range other.items {
		local := d.item(id)
		if remote.inserted && !local.inserted {
			local.inserted = true
			local.Position = remote.Position
		}
		if remote.Tombstone {
			local.Tombstone = true
		}
		for name, fv := range remote.Fields {
			d.setField(local, name, fv)
		}
	}
	d.vector.Merge(other.vector)
	d.baseline.Merge(other.baseline)
	for id := range other.applied {
		d.applied[id] = struct{}{}
	}
}

// CompactTombstones drops tombstoned items whose ID is covered by the given
// floor vector. Only called during snapshot compaction, when every connected
// replica is known to have seen the delete.
func (d *Document) CompactTombstones(floor StateVector) int {
	n := 0
	for id, it := range d.items {
		if it.Tombstone && floor.Contains(id) {
			delete(d.items, id)
			n++
		}
	}
	return n
}

// fingerprintItem is the canonical serialized form used by Fingerprint.
type fingerprintItem struct {
	ID        OpID                  `json:"id"`
	Position  []int                 `json:"position"`
	Tombstone bool                  `json:"tombstone"`
	Fields    map[string]FieldValue `json:"fields"`
}

// Fingerprint returns a digest of the document's observable state. Two
// replicas that have received the same set of operations produce identical
// fingerprints regardless of delivery order.
func (d *Document) Fingerprint() string {
	ids := make([]OpID, 0, len(d.items))
	for id, it := range d.items {
		if it.inserted || it.Tombstone {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })

	canon := make([]fingerprintItem, 0, len(ids))
	for _, id := range ids {
		it := d.items[id]
		canon = append(canon, fingerprintItem{
			ID:        it.ID,
			Position:  it.Position,
			Tombstone: it.Tombstone,
			Fields:    it.Fields,
		})
	}

	data, err := json.Marshal(canon)
	if err != nil {
		// Marshal of plain maps/slices cannot fail for the value types the
		// engine accepts; treat it as a hard bug if it ever does.
		panic(err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

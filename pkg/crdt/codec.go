package crdt

import (
	"fmt"
	"sort"

	"github.com/vmihailenco/msgpack/v5"
)

// Snapshot codec. A compacted document is serialized to msgpack so the sync
// coordinator can persist it and hand it to replicas that have fallen behind
// the compaction floor.

type documentState struct {
	Items  []itemState       `msgpack:"items"`
	Vector map[string]uint64 `msgpack:"vector"`
}

type itemState struct {
	ID        OpID         `msgpack:"id"`
	Position  []int        `msgpack:"position"`
	Tombstone bool         `msgpack:"tombstone"`
	Inserted  bool         `msgpack:"inserted"`
	Fields    []fieldState `msgpack:"fields"`
}

type fieldState struct {
	Name  string      `msgpack:"name"`
	Value interface{} `msgpack:"value"`
	At    OpID        `msgpack:"at"`
}

// EncodeDocument serializes the full document state, tombstones included.
func EncodeDocument(d *Document) ([]byte, error) {
	state := documentState{Vector: d.vector.Copy()}

	ids := make([]OpID, 0, len(d.items))
	for id := range d.items {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })

	for _, id := range ids {
		it := d.items[id]
		is := itemState{
			ID:        it.ID,
			Position:  it.Position,
			Tombstone: it.Tombstone,
			Inserted:  it.inserted,
		}
		names := make([]string, 0, len(it.Fields))
		for name := range it.Fields {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fv := it.Fields[name]
			is.Fields = append(is.Fields, fieldState{Name: name, Value: fv.Value, At: fv.At})
		}
		state.Items = append(state.Items, is)
	}

	data, err := msgpack.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	return data, nil
}

// DecodeDocument reconstructs a document from its serialized state.
func DecodeDocument(data []byte) (*Document, error) {
	var state documentState
	if err := msgpack.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}

	d := NewDocument()
	for _, is := range state.Items {
		it := d.item(is.ID)
		it.Position = is.Position
		it.Tombstone = is.Tombstone
		it.inserted = is.Inserted
		for _, fs := range is.Fields {
			it.Fields[fs.Name] = FieldValue{Value: fs.Value, At: fs.At}
		}
	}
	for replica, clock := range state.Vector {
		if clock > 0 {
			d.vector[replica] = clock
			d.baseline[replica] = clock
		}
	}
	return d, nil
}

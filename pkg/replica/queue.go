package replica

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"

	"tasksync/pkg/crdt"
)

var pendingBucket = []byte("pending_ops")

// Queue is the durable offline operation queue. Operations are stored in
// enqueue order and removed only when the coordinator acknowledges them, so
// an interrupted replay resumes from where it left off after a restart.
type Queue struct {
	db *bolt.DB
}

// OpenQueue opens (or creates) the queue database at path.
func OpenQueue(path string) (*Queue, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open queue %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(pendingBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init queue %s: %w", path, err)
	}
	return &Queue{db: db}, nil
}

// Close closes the underlying database.
func (q *Queue) Close() error {
	return q.db.Close()
}

// Enqueue appends one operation to the queue.
func (q *Queue) Enqueue(op crdt.Operation) error {
	data, err := msgpack.Marshal(op)
	if err != nil {
		return fmt.Errorf("encode queued op %s: %w", op.ID, err)
	}
	return q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(pendingBucket)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		return b.Put(key, data)
	})
}

// Pending returns every queued operation in enqueue order.
func (q *Queue) Pending() ([]crdt.Operation, error) {
	var ops []crdt.Operation
	err := q.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(pendingBucket).ForEach(func(_, v []byte) error {
			var op crdt.Operation
			if err := msgpack.Unmarshal(v, &op); err != nil {
				return fmt.Errorf("decode queued op: %w", err)
			}
			ops = append(ops, op)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return ops, nil
}

// Ack removes the operations with the given IDs. IDs that are not queued are
// ignored, so repeated acknowledgements are harmless.
func (q *Queue) Ack(ids ...crdt.OpID) error {
	if len(ids) == 0 {
		return nil
	}
	acked := make(map[crdt.OpID]struct{}, len(ids))
	for _, id := range ids {
		acked[id] = struct{}{}
	}
	return q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(pendingBucket)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var op crdt.Operation
			if err := msgpack.Unmarshal(v, &op); err != nil {
				return fmt.Errorf("decode queued op: %w", err)
			}
			if _, ok := acked[op.ID]; ok {
				if err := c.Delete(); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// Len returns the number of queued operations.
func (q *Queue) Len() (int, error) {
	n := 0
	err := q.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(pendingBucket).Stats().KeyN
		return nil
	})
	return n, err
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

const snapshotSchema = `
CREATE TABLE IF NOT EXISTS document_snapshots (
	document_id      TEXT PRIMARY KEY,
	state_vector     JSONB NOT NULL,
	compacted_state  BYTEA NOT NULL,
	snapshot_version BIGINT NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// Postgres persists snapshots in a single table, one row per document.
type Postgres struct {
	db *sqlx.DB
}

// NewPostgres connects to the given DSN and ensures the snapshot table exists.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: connect: %v", ErrUnavailable, err)
	}
	if _, err := db.ExecContext(ctx, snapshotSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: schema: %v", ErrUnavailable, err)
	}
	return &Postgres{db: db}, nil
}

// Close releases the connection pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}

type snapshotRow struct {
	DocumentID     string `db:"document_id"`
	StateVector    []byte `db:"state_vector"`
	CompactedState []byte `db:"compacted_state"`
	Version        int64  `db:"snapshot_version"`
}

// Load returns the latest snapshot for a document.
func (p *Postgres) Load(ctx context.Context, documentID string) (*Snapshot, error) {
	var row snapshotRow
	err := p.db.GetContext(ctx, &row,
		`SELECT document_id, state_vector, compacted_state, snapshot_version
		 FROM document_snapshots WHERE document_id = $1`, documentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load %s: %v", ErrUnavailable, documentID, err)
	}

	snap := &Snapshot{
		DocumentID:     row.DocumentID,
		CompactedState: row.CompactedState,
		Version:        row.Version,
	}
	if err := json.Unmarshal(row.StateVector, &snap.StateVector); err != nil {
		return nil, fmt.Errorf("load %s: corrupt state vector: %w", documentID, err)
	}
	return snap, nil
}

// Save upserts a snapshot. The version guard lives in the statement itself so
// a concurrent writer with an older version loses without a read-modify-write
// race.
func (p *Postgres) Save(ctx context.Context, snap *Snapshot) error {
	vector, err := json.Marshal(snap.StateVector)
	if err != nil {
		return fmt.Errorf("save %s: encode state vector: %w", snap.DocumentID, err)
	}

	res, err := p.db.ExecContext(ctx,
		`INSERT INTO document_snapshots (document_id, state_vector, compacted_state, snapshot_version)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (document_id) DO UPDATE
		 SET state_vector = EXCLUDED.state_vector,
		     compacted_state = EXCLUDED.compacted_state,
		     snapshot_version = EXCLUDED.snapshot_version,
		     created_at = now()
		 WHERE document_snapshots.snapshot_version < EXCLUDED.snapshot_version`,
		snap.DocumentID, vector, snap.CompactedState, snap.Version)
	if err != nil {
		return fmt.Errorf("%w: save %s: %v", ErrUnavailable, snap.DocumentID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: save %s: %v", ErrUnavailable, snap.DocumentID, err)
	}
	if affected == 0 {
		return ErrStaleSnapshot
	}
	return nil
}

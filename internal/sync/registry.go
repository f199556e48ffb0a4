package sync

import (
	"context"
	"errors"
	"log"
	"sync"

	"tasksync/internal/store"
)

// Registry owns the live document sessions: one is created on the first join
// for a document (seeded from the persisted snapshot, if any) and torn down
// after the last replica leaves and the final snapshot is flushed. Session
// lifetime is explicit; there is no process-wide singleton state.
type Registry struct {
	cfg   Config
	store store.Store

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates an empty session registry.
func NewRegistry(cfg Config, st store.Store) *Registry {
	return &Registry{
		cfg:      cfg,
		store:    st,
		sessions: make(map[string]*Session),
	}
}

// GetOrCreate returns the session for a document, creating and starting it on
// first use.
func (r *Registry) GetOrCreate(ctx context.Context, documentID string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sess, ok := r.sessions[documentID]; ok {
		return sess, nil
	}

	snap, err := r.store.Load(ctx, documentID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	sess, err := newSession(documentID, r.cfg, r.store, snap, func() {
		r.remove(documentID)
	})
	if err != nil {
		return nil, err
	}
	go sess.run()
	r.sessions[documentID] = sess

	if snap != nil {
		log.Printf("[REGISTRY] session for doc=%s restored from snapshot v%d", documentID, snap.Version)
	} else {
		log.Printf("[REGISTRY] session for doc=%s created", documentID)
	}
	return sess, nil
}

// Get returns the live session for a document, if one exists.
func (r *Registry) Get(documentID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[documentID]
	return sess, ok
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Registry) remove(documentID string) {
	r.mu.Lock()
	sess, ok := r.sessions[documentID]
	if ok {
		delete(r.sessions, documentID)
	}
	r.mu.Unlock()

	if ok {
		sess.shutdown()
		log.Printf("[REGISTRY] session for doc=%s torn down", documentID)
	}
}

// Shutdown drains every session, flushing final snapshots.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, sess := range sessions {
		sess.Drain(ctx)
	}
}

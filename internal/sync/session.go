package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"tasksync/internal/store"
	"tasksync/pkg/crdt"
)

// SessionState is the lifecycle of a document session.
type SessionState int

const (
	StateUninitialized SessionState = iota
	StateSyncing
	StateLive
	StateDraining
)

func (s SessionState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateSyncing:
		return "syncing"
	case StateLive:
		return "live"
	case StateDraining:
		return "draining"
	default:
		return "unknown"
	}
}

// ErrCausalGapTimeout marks a reorder-buffer entry that waited past the
// bounded interval; the sender is asked to resync instead of being buffered
// indefinitely.
var ErrCausalGapTimeout = errors.New("sync: causal gap timeout")

// ErrSessionDraining rejects work arriving while the session shuts down.
var ErrSessionDraining = errors.New("sync: session draining")

// Config holds the policy knobs for a document session. Compaction cadence is
// policy, not contract: only its correctness is load-bearing.
type Config struct {
	PresenceTTL      time.Duration
	ReorderTimeout   time.Duration
	CompactThreshold int           // compact once the log holds this many ops
	CompactMaxAge    time.Duration // or once the log has gone this long uncompacted
	SnapshotTimeout  time.Duration // retry budget for one snapshot save
	DegradedLogLimit int           // read-only once the log grows past this while degraded
	SendBuffer       int           // per-replica outbound queue
	TickInterval     time.Duration // maintenance loop period
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		PresenceTTL:      30 * time.Second,
		ReorderTimeout:   5 * time.Second,
		CompactThreshold: 512,
		CompactMaxAge:    5 * time.Minute,
		SnapshotTimeout:  30 * time.Second,
		DegradedLogLimit: 8192,
		SendBuffer:       256,
		TickInterval:     time.Second,
	}
}

// sender delivers messages to one connected replica. *Conn is the websocket
// implementation; tests substitute an in-memory fake. send enqueues without
// blocking and returns false when the replica's buffer is full, which the
// session treats as a dead connection.
type sender interface {
	replicaID() string
	send(msg Message) bool
}

type replicaState int

const (
	replicaSyncing replicaState = iota
	replicaLive
)

// replicaHandle is the session's view of one connected replica.
type replicaHandle struct {
	sender sender
	state  replicaState
	// known is the last state vector the replica is known to have received:
	// the vector it reported on join, advanced by every operation delivered
	// to it or accepted from it. The compaction floor is the per-replica
	// minimum over these.
	known crdt.StateVector
}

// pendingOp is a causally premature operation parked in the reorder buffer.
type pendingOp struct {
	op       crdt.Operation
	from     string
	deadline time.Time
}

// Session is the coordinator for one document. It exclusively owns the
// canonical state vector and operation ordering; ingestion, reorder flushes,
// broadcast enqueueing, and compaction bookkeeping are serialized on its
// mutex, so no two operations can race for the same sequence position.
// Sessions for different documents are fully independent.
type Session struct {
	docID string
	cfg   Config
	store store.Store

	mu       sync.Mutex
	state    SessionState
	doc      *crdt.Document
	oplog    *crdt.Log
	vector   crdt.StateVector // canonical; advanced only while holding mu
	base     crdt.StateVector // compaction floor of the last snapshot
	version  int64            // last persisted snapshot version
	replicas map[string]*replicaHandle
	pending  []pendingOp
	presence *Presence

	lastCompaction time.Time
	degraded       bool
	readOnly       bool

	// onEmpty is invoked (outside mu) after the last replica leaves and the
	// final snapshot is flushed.
	onEmpty func()

	stop     chan struct{}
	stopOnce sync.Once
}

// newSession builds a session around previously persisted state, if any.
func newSession(docID string, cfg Config, st store.Store, snap *store.Snapshot, onEmpty func()) (*Session, error) {
	s := &Session{
		docID:          docID,
		cfg:            cfg,
		store:          st,
		state:          StateUninitialized,
		doc:            crdt.NewDocument(),
		oplog:          crdt.NewLog(),
		vector:         crdt.NewStateVector(),
		base:           crdt.NewStateVector(),
		replicas:       make(map[string]*replicaHandle),
		presence:       NewPresence(cfg.PresenceTTL),
		lastCompaction: time.Now(),
		onEmpty:        onEmpty,
		stop:           make(chan struct{}),
	}

	if snap != nil {
		doc, err := crdt.DecodeDocument(snap.CompactedState)
		if err != nil {
			return nil, err
		}
		s.doc = doc
		s.vector = doc.Vector()
		s.base = snap.StateVector.Copy()
		s.version = snap.Version
	}

	s.state = StateSyncing
	return s, nil
}

// DocumentID returns the document this session coordinates.
func (s *Session) DocumentID() string {
	return s.docID
}

// State returns the session lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Degraded reports whether snapshot persistence is currently failing.
func (s *Session) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

// run drives the periodic work: reorder-buffer expiry, presence sweeps,
// age-based compaction, and degraded-mode retries. One goroutine per session;
// it never blocks other documents' sessions.
func (s *Session) run() {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.tick(time.Now())
		case <-s.stop:
			return
		}
	}
}

func (s *Session) shutdown() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Join admits a replica: the session computes the operations the reported
// state vector is missing, sends exactly that delta plus the current presence
// roster, and transitions the replica to live.
func (s *Session) Join(snd sender, reported crdt.StateVector) error {
	s.mu.Lock()
	if s.state == StateDraining {
		s.mu.Unlock()
		return ErrSessionDraining
	}
	if reported == nil {
		reported = crdt.NewStateVector()
	}

	replica := snd.replicaID()
	handle := &replicaHandle{sender: snd, state: replicaSyncing, known: reported.Copy()}
	s.replicas[replica] = handle

	delta := Message{
		Type:        MsgDelta,
		DocumentID:  s.docID,
		StateVector: s.vector.Copy(),
		Presence:    s.presence.Snapshot(),
	}
	if reported.Dominates(s.base) {
		ops := s.oplog.Since(reported)
		delta.Operations = ops
		for _, op := range ops {
			handle.known.Observe(op.ID)
		}
	} else {
		// The replica is behind the compaction floor; the missing prefix no
		// longer exists as operations, so serve the full compacted state.
		blob, err := crdt.EncodeDocument(s.doc)
		if err != nil {
			delete(s.replicas, replica)
			s.mu.Unlock()
			return err
		}
		delta.CompactedState = blob
		handle.known = s.vector.Copy()
	}

	handle.state = replicaLive
	s.state = StateLive
	entry := s.presence.Heartbeat(replica, "", PresencePayload{Status: "online"})

	dead := s.deliverLocked(handle, delta)
	var alsoDead []string
	if !dead {
		alsoDead = s.broadcastLocked(Message{
			Type:       MsgPresenceUpdate,
			DocumentID: s.docID,
			ReplicaID:  replica,
			Presence:   []PresenceEntry{entry},
		}, replica)
	}
	s.mu.Unlock()

	if dead {
		s.dropReplica(replica, "send buffer full during join")
		return nil
	}
	s.dropAll(alsoDead)

	log.Printf("[SESSION] doc=%s replica %s joined state=%s (%d ops in delta)",
		s.docID, replica, s.State(), len(delta.Operations))
	return nil
}

// Submit ingests a batch of operations from a live replica. A malformed
// operation rejects the whole batch with resync_required before anything
// touches shared state. Duplicates are acknowledged but not reapplied;
// causally premature operations wait in the bounded reorder buffer;
// everything integrated is rebroadcast to the other live replicas in the
// order this session assigned.
func (s *Session) Submit(replica string, ops []crdt.Operation) {
	s.mu.Lock()
	if s.state == StateDraining {
		s.mu.Unlock()
		return
	}
	for _, op := range ops {
		if err := op.Validate(); err != nil {
			var dead bool
			if handle, ok := s.replicas[replica]; ok {
				dead = s.deliverLocked(handle, Message{
					Type:       MsgResyncRequired,
					DocumentID: s.docID,
					Reason:     fmt.Sprintf("invalid operation %s: %v", op.ID, err),
				})
			}
			s.mu.Unlock()
			log.Printf("[SESSION] doc=%s rejecting batch from %s: %v", s.docID, replica, err)
			if dead {
				s.dropReplica(replica, "send buffer full")
			}
			return
		}
	}
	if s.readOnly {
		handle := s.replicas[replica]
		if handle != nil {
			s.deliverLocked(handle, Message{
				Type:       MsgResyncRequired,
				DocumentID: s.docID,
				Reason:     "session is read-only: snapshot storage unavailable",
			})
		}
		s.mu.Unlock()
		return
	}

	var acks []crdt.OpID
	var integrated []crdt.Operation
	now := time.Now()

	for _, op := range ops {
		switch {
		case s.vector.Contains(op.ID) || s.oplog.Contains(op.ID):
			// Already reflected locally: acknowledge idempotently.
			acks = append(acks, op.ID)
		case s.causallyReadyLocked(op):
			s.integrateLocked(op)
			acks = append(acks, op.ID)
			integrated = append(integrated, op)
		default:
			s.pending = append(s.pending, pendingOp{
				op:       op,
				from:     replica,
				deadline: now.Add(s.cfg.ReorderTimeout),
			})
		}
	}

	// A newly integrated operation may unblock buffered successors from
	// other replicas.
	flushedAcks, flushedOps := s.flushPendingLocked()
	for from, ids := range flushedAcks {
		if from == replica {
			acks = append(acks, ids...)
			integrated = append(integrated, flushedOps[from]...)
			delete(flushedAcks, from)
			delete(flushedOps, from)
		}
	}

	if handle, ok := s.replicas[replica]; ok {
		for _, id := range acks {
			handle.known.Observe(id)
		}
	}

	var dead []string
	if handle, ok := s.replicas[replica]; ok && len(acks) > 0 {
		if s.deliverLocked(handle, Message{Type: MsgOpAck, DocumentID: s.docID, AckIDs: acks}) {
			dead = append(dead, replica)
		}
	}
	if len(integrated) > 0 {
		dead = append(dead, s.broadcastLocked(Message{
			Type:       MsgOpBroadcast,
			DocumentID: s.docID,
			Operations: integrated,
		}, replica)...)
	}
	for from, flushed := range flushedOps {
		dead = append(dead, s.broadcastLocked(Message{
			Type:       MsgOpBroadcast,
			DocumentID: s.docID,
			Operations: flushed,
		}, from)...)
		if handle, ok := s.replicas[from]; ok {
			if s.deliverLocked(handle, Message{Type: MsgOpAck, DocumentID: s.docID, AckIDs: flushedAcks[from]}) {
				dead = append(dead, from)
			}
		}
	}

	needCompact := s.shouldCompactLocked()
	s.mu.Unlock()

	s.dropAll(dead)
	if needCompact {
		s.Compact(context.Background())
	}
}

// Heartbeat refreshes a replica's presence entry and fans it out to the other
// live replicas. Presence flows beside document operations, never through the
// operation log.
func (s *Session) Heartbeat(replica string, payload PresencePayload) {
	entry := s.presence.Heartbeat(replica, "", payload)

	s.mu.Lock()
	dead := s.broadcastLocked(Message{
		Type:       MsgPresenceUpdate,
		DocumentID: s.docID,
		ReplicaID:  replica,
		Presence:   []PresenceEntry{entry},
	}, replica)
	s.mu.Unlock()

	s.dropAll(dead)
}

// Leave detaches a replica: its reorder-buffer entries are cancelled, its
// presence is dropped, and if it was the last one the session flushes a final
// snapshot and reports itself empty.
func (s *Session) Leave(replica string) {
	s.mu.Lock()
	if _, ok := s.replicas[replica]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.replicas, replica)
	s.cancelPendingLocked(replica)
	s.presence.Remove(replica)
	empty := len(s.replicas) == 0
	dead := s.broadcastLocked(Message{Type: MsgPresenceLeft, DocumentID: s.docID, ReplicaID: replica}, replica)
	s.mu.Unlock()

	s.dropAll(dead)
	log.Printf("[SESSION] doc=%s replica %s left", s.docID, replica)

	if empty {
		s.Compact(context.Background())
		if s.onEmpty != nil {
			s.onEmpty()
		}
	}
}

// tick performs one maintenance pass: expire reorder-buffer entries past
// their deadline (forcing a resync rather than stalling the session), sweep
// expired presence, and run age-based or degraded-retry compaction.
func (s *Session) tick(now time.Time) {
	s.mu.Lock()
	expired := make(map[string]bool)
	kept := s.pending[:0]
	for _, p := range s.pending {
		if now.After(p.deadline) {
			expired[p.from] = true
			continue
		}
		kept = append(kept, p)
	}
	s.pending = kept

	var dead []string
	for from := range expired {
		log.Printf("[SESSION] doc=%s replica %s exceeded reorder timeout, requesting resync", s.docID, from)
		if handle, ok := s.replicas[from]; ok {
			if s.deliverLocked(handle, Message{
				Type:       MsgResyncRequired,
				DocumentID: s.docID,
				Reason:     ErrCausalGapTimeout.Error(),
			}) {
				dead = append(dead, from)
			}
		}
	}

	needCompact := (s.state == StateLive && !s.degraded &&
		s.oplog.Len() > 0 && now.Sub(s.lastCompaction) > s.cfg.CompactMaxAge) || s.degraded
	s.mu.Unlock()

	for _, replica := range s.presence.Sweep(now) {
		log.Printf("[PRESENCE] doc=%s replica %s expired", s.docID, replica)
		s.mu.Lock()
		dead = append(dead, s.broadcastLocked(Message{
			Type:       MsgPresenceLeft,
			DocumentID: s.docID,
			ReplicaID:  replica,
		}, replica)...)
		s.mu.Unlock()
	}

	s.dropAll(dead)
	if needCompact {
		s.Compact(context.Background())
	}
}

// causallyReadyLocked reports whether op's causal dependency (its origin's
// prior clock) is satisfied. Callers hold s.mu.
func (s *Session) causallyReadyLocked(op crdt.Operation) bool {
	return op.ID.Clock == s.vector.Get(op.ID.Replica)+1
}

// integrateLocked appends, applies, and advances the canonical vector.
// Callers hold s.mu.
func (s *Session) integrateLocked(op crdt.Operation) {
	s.oplog.Append(op)
	s.doc.Apply(op)
	s.vector.Observe(op.ID)
}

// flushPendingLocked repeatedly drains the reorder buffer until no more
// progress is possible, returning acks and flushed operations grouped by
// submitting replica. Callers hold s.mu.
func (s *Session) flushPendingLocked() (map[string][]crdt.OpID, map[string][]crdt.Operation) {
	acks := make(map[string][]crdt.OpID)
	flushed := make(map[string][]crdt.Operation)

	for progress := true; progress; {
		progress = false
		kept := s.pending[:0]
		for _, p := range s.pending {
			switch {
			case s.vector.Contains(p.op.ID):
				acks[p.from] = append(acks[p.from], p.op.ID)
				progress = true
			case s.causallyReadyLocked(p.op):
				s.integrateLocked(p.op)
				acks[p.from] = append(acks[p.from], p.op.ID)
				flushed[p.from] = append(flushed[p.from], p.op)
				progress = true
			default:
				kept = append(kept, p)
			}
		}
		s.pending = kept
	}
	return acks, flushed
}

// cancelPendingLocked drops a disconnecting replica's buffered operations.
// Callers hold s.mu.
func (s *Session) cancelPendingLocked(replica string) {
	kept := s.pending[:0]
	for _, p := range s.pending {
		if p.from != replica {
			kept = append(kept, p)
		}
	}
	s.pending = kept
}

// shouldCompactLocked applies the size threshold. Callers hold s.mu.
func (s *Session) shouldCompactLocked() bool {
	return !s.degraded && s.cfg.CompactThreshold > 0 && s.oplog.Len() >= s.cfg.CompactThreshold
}

// deliverLocked enqueues one message and records delivered operations in the
// replica's known vector. It returns true if the replica is dead (buffer
// full). Callers hold s.mu.
func (s *Session) deliverLocked(handle *replicaHandle, msg Message) bool {
	if msg.Type == MsgOpBroadcast || msg.Type == MsgDelta {
		for _, op := range msg.Operations {
			handle.known.Observe(op.ID)
		}
	}
	return !handle.sender.send(msg)
}

// broadcastLocked fans a message out to every live replica except the
// excluded one and returns the IDs of replicas whose buffers were full.
// Enqueueing happens under the session mutex, so every replica observes
// broadcasts in the same relative order. Callers hold s.mu.
func (s *Session) broadcastLocked(msg Message, exclude string) []string {
	var dead []string
	for id, handle := range s.replicas {
		if id == exclude || handle.state != replicaLive {
			continue
		}
		if s.deliverLocked(handle, msg) {
			dead = append(dead, id)
		}
	}
	return dead
}

// dropAll disconnects replicas the session could no longer reach.
func (s *Session) dropAll(replicas []string) {
	for _, replica := range replicas {
		s.dropReplica(replica, "send buffer full")
	}
}

func (s *Session) dropReplica(replica, reason string) {
	log.Printf("[SESSION] doc=%s dropping replica %s: %s", s.docID, replica, reason)
	s.Leave(replica)
}

// Compact persists a snapshot of the current document and trims the log up to
// the floor every connected replica is known to have received, so a delta can
// always still be served to them. The save runs before the trim: a storage
// failure can only delay compaction, never lose operations. On failure the
// session enters degraded mode and keeps serving live traffic from memory,
// going read-only only once the log would otherwise grow unbounded.
func (s *Session) Compact(ctx context.Context) {
	s.mu.Lock()
	if s.oplog.Len() == 0 && !s.degraded {
		s.mu.Unlock()
		return
	}

	vectors := []crdt.StateVector{s.vector}
	for _, handle := range s.replicas {
		vectors = append(vectors, handle.known)
	}
	floor := crdt.Floor(vectors...)

	blob, err := crdt.EncodeDocument(s.doc)
	if err != nil {
		s.mu.Unlock()
		log.Printf("[SESSION] doc=%s snapshot encode failed: %v", s.docID, err)
		return
	}
	snap := &store.Snapshot{
		DocumentID:     s.docID,
		StateVector:    s.vector.Copy(),
		CompactedState: blob,
		Version:        s.version + 1,
		CreatedAt:      time.Now(),
	}
	timeout := s.cfg.SnapshotTimeout
	s.mu.Unlock()

	err = store.SaveWithRetry(ctx, s.store, snap, timeout)

	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case err == nil:
		s.version = snap.Version
		removed := s.oplog.CompactBefore(floor)
		s.doc.CompactTombstones(floor)
		s.base.Merge(floor)
		s.lastCompaction = time.Now()
		if s.degraded {
			log.Printf("[SESSION] doc=%s storage recovered, leaving degraded mode", s.docID)
		}
		s.degraded = false
		s.readOnly = false
		log.Printf("[SESSION] doc=%s compacted snapshot v%d (%d ops trimmed, %d retained)",
			s.docID, snap.Version, removed, s.oplog.Len())
	case errors.Is(err, store.ErrStaleSnapshot):
		// Another writer persisted a newer version; keep the log intact
		// rather than clobbering. The stale-read guard on load reconciles.
		log.Printf("[SESSION] doc=%s snapshot v%d rejected as stale", s.docID, snap.Version)
	default:
		s.degraded = true
		if s.oplog.Len() > s.cfg.DegradedLogLimit {
			s.readOnly = true
			log.Printf("[SESSION] doc=%s storage still unavailable and log at %d ops: entering read-only mode",
				s.docID, s.oplog.Len())
		} else {
			log.Printf("[SESSION] doc=%s snapshot save failed, serving from memory: %v", s.docID, err)
		}
	}
}

// Drain transitions the session to draining, flushes a final snapshot, and
// stops the maintenance loop. New joins and submissions are rejected.
func (s *Session) Drain(ctx context.Context) {
	s.mu.Lock()
	if s.state == StateDraining {
		s.mu.Unlock()
		return
	}
	s.state = StateDraining
	s.mu.Unlock()

	s.Compact(ctx)
	s.shutdown()
	log.Printf("[SESSION] doc=%s drained", s.docID)
}

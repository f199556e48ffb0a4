package sync

import (
	"sort"
	"sync"
	"time"
)

// Presence is the TTL-based registry of replica awareness for one document.
// Entries are created on join, refreshed on heartbeat, and silently expired
// after the TTL with no heartbeat; absence is itself the departure signal.
// Presence is never persisted and is lost on restart by design.
type Presence struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]PresenceEntry
}

// NewPresence creates a registry with the given TTL.
func NewPresence(ttl time.Duration) *Presence {
	return &Presence{
		ttl:     ttl,
		entries: make(map[string]PresenceEntry),
	}
}

// Heartbeat creates or refreshes a replica's entry and returns it.
func (p *Presence) Heartbeat(replicaID, sessionID string, payload PresencePayload) PresenceEntry {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry := PresenceEntry{
		ReplicaID:     replicaID,
		SessionID:     sessionID,
		Status:        payload.Status,
		Cursor:        payload.Cursor,
		LastHeartbeat: time.Now(),
	}
	if entry.Status == "" {
		entry.Status = "online"
	}
	p.entries[replicaID] = entry
	return entry
}

// Remove drops a replica's entry, if present.
func (p *Presence) Remove(replicaID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entries, replicaID)
}

// Snapshot returns the current entries ordered by replica ID.
func (p *Presence) Snapshot() []PresenceEntry {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]PresenceEntry, 0, len(p.entries))
	for _, entry := range p.entries {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReplicaID < out[j].ReplicaID })
	return out
}

// Sweep removes entries whose last heartbeat is older than the TTL as of now,
// returning the departed replica IDs.
func (p *Presence) Sweep(now time.Time) []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	var departed []string
	for id, entry := range p.entries {
		if now.Sub(entry.LastHeartbeat) > p.ttl {
			delete(p.entries, id)
			departed = append(departed, id)
		}
	}
	sort.Strings(departed)
	return departed
}

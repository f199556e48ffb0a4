// Package protocol defines the document-scoped wire contract between
// replicas and the sync coordinator.
package protocol

import (
	"time"

	"tasksync/pkg/crdt"
)

// Message types on the document-scoped channel.
const (
	// Client -> server.
	MsgJoin              = "join"
	MsgOpSubmit          = "op_submit"
	MsgPresenceHeartbeat = "presence_heartbeat"

	// Server -> client.
	MsgDelta          = "delta"
	MsgOpAck          = "op_ack"
	MsgOpBroadcast    = "op_broadcast"
	MsgPresenceUpdate = "presence_update"
	MsgPresenceLeft   = "presence_left"
	MsgResyncRequired = "resync_required"
)

// Message is the envelope for every frame on the sync channel. Fields are
// populated per type; unused fields are omitted on the wire.
type Message struct {
	Type        string           `json:"type"`
	DocumentID  string           `json:"documentId,omitempty"`
	ReplicaID   string           `json:"replicaId,omitempty"`
	StateVector crdt.StateVector `json:"stateVector,omitempty"`
	Operations  []crdt.Operation `json:"operations,omitempty"`
	AckIDs      []crdt.OpID      `json:"ackIds,omitempty"`
	Presence    []PresenceEntry  `json:"presence,omitempty"`
	Payload     *PresencePayload `json:"payload,omitempty"`

	// CompactedState carries a full document snapshot when the joining
	// replica is behind the compaction floor and a pure operation delta can
	// no longer be served.
	CompactedState []byte `json:"compactedState,omitempty"`

	Reason string `json:"reason,omitempty"`
}

// PresencePayload is the client-supplied portion of a heartbeat: awareness
// data only, never merged with document operations.
type PresencePayload struct {
	Status string `json:"status"`
	Cursor string `json:"cursor,omitempty"`
}

// PresenceEntry is one replica's ephemeral awareness state.
type PresenceEntry struct {
	ReplicaID     string    `json:"replicaId"`
	SessionID     string    `json:"sessionId"`
	Status        string    `json:"status"`
	Cursor        string    `json:"cursor,omitempty"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
}

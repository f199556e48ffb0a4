// Package sync implements the per-document synchronization engine: the
// coordinator session that orders and rebroadcasts operations, the TTL-based
// presence registry, the session registry, and the websocket transport.
//
// The wire contract itself lives in pkg/protocol so replica-side code can
// share it; this package aliases the envelope types for convenience.
package sync

import "tasksync/pkg/protocol"

type (
	Message         = protocol.Message
	PresencePayload = protocol.PresencePayload
	PresenceEntry   = protocol.PresenceEntry
)

const (
	MsgJoin              = protocol.MsgJoin
	MsgOpSubmit          = protocol.MsgOpSubmit
	MsgPresenceHeartbeat = protocol.MsgPresenceHeartbeat

	MsgDelta          = protocol.MsgDelta
	MsgOpAck          = protocol.MsgOpAck
	MsgOpBroadcast    = protocol.MsgOpBroadcast
	MsgPresenceUpdate = protocol.MsgPresenceUpdate
	MsgPresenceLeft   = protocol.MsgPresenceLeft
	MsgResyncRequired = protocol.MsgResyncRequired
)

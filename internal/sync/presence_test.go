package sync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPresenceHeartbeatAndSnapshot(t *testing.T) {
	p := NewPresence(30 * time.Second)

	p.Heartbeat("replica-b", "s1", PresencePayload{Status: "away", Cursor: "task-7"})
	p.Heartbeat("replica-a", "s2", PresencePayload{})

	snap := p.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "replica-a", snap[0].ReplicaID, "roster is ordered by replica ID")
	assert.Equal(t, "online", snap[0].Status, "empty status defaults to online")
	assert.Equal(t, "away", snap[1].Status)
	assert.Equal(t, "task-7", snap[1].Cursor)
}

func TestPresenceSweepExpiresOnlySilentReplicas(t *testing.T) {
	p := NewPresence(200 * time.Millisecond)

	p.Heartbeat("quiet", "", PresencePayload{})
	p.Heartbeat("chatty", "", PresencePayload{})

	// Nobody has been silent past the TTL yet.
	assert.Empty(t, p.Sweep(time.Now()))

	// One replica keeps heartbeating; the other goes silent past the TTL.
	time.Sleep(150 * time.Millisecond)
	p.Heartbeat("chatty", "", PresencePayload{})
	time.Sleep(100 * time.Millisecond)

	departed := p.Sweep(time.Now())
	require.Equal(t, []string{"quiet"}, departed)

	snap := p.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "chatty", snap[0].ReplicaID)
}

func TestPresenceRemoveIsSilent(t *testing.T) {
	p := NewPresence(time.Minute)
	p.Heartbeat("r", "", PresencePayload{})
	p.Remove("r")
	p.Remove("r") // absent is fine

	assert.Empty(t, p.Snapshot())
}

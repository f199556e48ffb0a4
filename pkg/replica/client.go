package replica

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"

	"tasksync/pkg/crdt"
	"tasksync/pkg/protocol"
)

// ClientConfig configures a sync client.
type ClientConfig struct {
	// URL is the websocket endpoint, e.g. ws://localhost:8080/ws.
	URL        string
	DocumentID string

	HeartbeatInterval time.Duration
	HandshakeTimeout  time.Duration

	// Optional awareness callbacks, invoked from the read loop.
	OnPresence     func([]protocol.PresenceEntry)
	OnPresenceLeft func(replicaID string)
}

func (cfg *ClientConfig) withDefaults() ClientConfig {
	out := *cfg
	if out.HeartbeatInterval == 0 {
		out.HeartbeatInterval = 10 * time.Second
	}
	if out.HandshakeTimeout == 0 {
		out.HandshakeTimeout = 5 * time.Second
	}
	return out
}

// Client keeps a replica connected to the coordinator. It joins with the
// replica's state vector, merges the returned delta, replays every queued
// operation, and then relays live edits in both directions. Lost connections
// are re-dialed with exponential backoff and the join/replay cycle repeats,
// so edits made offline are never lost.
type Client struct {
	cfg     ClientConfig
	replica *Replica

	mu     sync.Mutex
	ws     *websocket.Conn
	status string
	cursor string
	synced bool
}

// NewClient creates a client for the given replica.
func NewClient(cfg ClientConfig, r *Replica) *Client {
	c := cfg.withDefaults()
	return &Client{cfg: c, replica: r, status: "online"}
}

// Replica returns the replica this client synchronizes.
func (c *Client) Replica() *Replica {
	return c.replica
}

// Synced reports whether the initial delta of the current connection has been
// merged and queued operations replayed.
func (c *Client) Synced() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.synced
}

// Run connects and serves until ctx is cancelled. Dial failures and dropped
// connections are retried with exponential backoff.
func (c *Client) Run(ctx context.Context) error {
	for {
		ws, err := c.dial(ctx)
		if err != nil {
			return err
		}
		err = c.serve(ctx, ws)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Printf("[CLIENT %s] connection lost: %v; reconnecting", c.replica.ID(), err)
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxElapsedTime = 0 // retry until ctx cancels

	var ws *websocket.Conn
	err := backoff.Retry(func() error {
		conn, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
		if err != nil {
			return err
		}
		ws = conn
		return nil
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		return nil, err
	}
	return ws, nil
}

// serve runs one connection: join, merge the delta, replay the queue, then
// pump frames until the connection dies or ctx is cancelled.
func (c *Client) serve(ctx context.Context, ws *websocket.Conn) error {
	c.mu.Lock()
	c.ws = ws
	c.synced = false
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.ws = nil
		c.synced = false
		c.mu.Unlock()
		ws.Close()
	}()

	// Unblock the read loop when the caller gives up.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			ws.Close()
		case <-stop:
		}
	}()

	if err := c.write(protocol.Message{
		Type:        protocol.MsgJoin,
		DocumentID:  c.cfg.DocumentID,
		ReplicaID:   c.replica.ID(),
		StateVector: c.replica.JoinVector(),
	}); err != nil {
		return err
	}

	go c.heartbeatLoop(stop)

	for {
		var msg protocol.Message
		if err := ws.ReadJSON(&msg); err != nil {
			return err
		}
		if err := c.handle(msg); err != nil {
			return err
		}
	}
}

func (c *Client) handle(msg protocol.Message) error {
	switch msg.Type {
	case protocol.MsgDelta:
		if msg.CompactedState != nil {
			if err := c.replica.ApplySnapshot(msg.CompactedState); err != nil {
				return err
			}
		}
		c.replica.ApplyRemote(msg.Operations)
		if c.cfg.OnPresence != nil && len(msg.Presence) > 0 {
			c.cfg.OnPresence(msg.Presence)
		}
		if err := c.replay(); err != nil {
			return err
		}
		c.mu.Lock()
		c.synced = true
		c.mu.Unlock()

	case protocol.MsgOpBroadcast:
		c.replica.ApplyRemote(msg.Operations)

	case protocol.MsgOpAck:
		if err := c.replica.Acknowledge(msg.AckIDs); err != nil {
			return err
		}

	case protocol.MsgPresenceUpdate:
		if c.cfg.OnPresence != nil {
			c.cfg.OnPresence(msg.Presence)
		}

	case protocol.MsgPresenceLeft:
		if c.cfg.OnPresenceLeft != nil {
			c.cfg.OnPresenceLeft(msg.ReplicaID)
		}

	case protocol.MsgResyncRequired:
		// Reconnect and re-join from the current vector; the queue keeps
		// anything not yet acknowledged.
		return errResync{reason: msg.Reason}
	}
	return nil
}

// replay resubmits every operation still waiting for an acknowledgement.
func (c *Client) replay() error {
	pending, err := c.replica.PendingOps()
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}
	log.Printf("[CLIENT %s] replaying %d queued operations", c.replica.ID(), len(pending))
	return c.write(protocol.Message{Type: protocol.MsgOpSubmit, Operations: pending})
}

func (c *Client) heartbeatLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.sendHeartbeat()
		case <-stop:
			return
		}
	}
}

func (c *Client) sendHeartbeat() {
	c.mu.Lock()
	payload := protocol.PresencePayload{Status: c.status, Cursor: c.cursor}
	c.mu.Unlock()
	c.write(protocol.Message{Type: protocol.MsgPresenceHeartbeat, Payload: &payload})
}

// SetPresence updates the awareness payload and pushes it immediately.
func (c *Client) SetPresence(status, cursor string) {
	c.mu.Lock()
	c.status = status
	c.cursor = cursor
	c.mu.Unlock()
	c.sendHeartbeat()
}

// InsertTaskAt records a local insert and submits it if connected. Offline,
// the operation waits in the queue for the next replay.
func (c *Client) InsertTaskAt(index int, fields map[string]interface{}) (crdt.Operation, error) {
	op, err := c.replica.InsertTaskAt(index, fields)
	if err != nil {
		return crdt.Operation{}, err
	}
	c.submit(op)
	return op, nil
}

// SetField records a local field update and submits it if connected.
func (c *Client) SetField(target crdt.OpID, field string, value interface{}) (crdt.Operation, error) {
	op, err := c.replica.SetField(target, field, value)
	if err != nil {
		return crdt.Operation{}, err
	}
	c.submit(op)
	return op, nil
}

// DeleteTask records a local delete and submits it if connected.
func (c *Client) DeleteTask(target crdt.OpID) (crdt.Operation, error) {
	op, err := c.replica.DeleteTask(target)
	if err != nil {
		return crdt.Operation{}, err
	}
	c.submit(op)
	return op, nil
}

// submit pushes one op to the coordinator. Failure is not an error for the
// caller: the op stays queued and the next replay delivers it.
func (c *Client) submit(op crdt.Operation) {
	c.write(protocol.Message{Type: protocol.MsgOpSubmit, Operations: []crdt.Operation{op}})
}

// write serializes frames onto the socket; gorilla permits one writer at a
// time.
func (c *Client) write(msg protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil {
		return websocket.ErrCloseSent
	}
	c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.ws.WriteJSON(msg)
}

type errResync struct{ reason string }

func (e errResync) Error() string {
	return "resync required: " + e.reason
}

package sync

import (
	"encoding/json"
	"log"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024 // 512KB
)

// Conn is one replica's websocket connection. It pumps frames between the
// socket and the owning document session; the session never touches the
// socket directly.
type Conn struct {
	// Connection-scoped session ID, distinct from the stable replica ID the
	// client reports on join.
	id string

	replica string
	ws      *websocket.Conn
	sendCh  chan Message
	service *Service

	// The document session, bound by the first join frame.
	session *Session
}

func newConn(id string, ws *websocket.Conn, service *Service, buffer int) *Conn {
	return &Conn{
		id:      id,
		ws:      ws,
		sendCh:  make(chan Message, buffer),
		service: service,
	}
}

func (c *Conn) replicaID() string {
	return c.replica
}

// send enqueues a message for the write pump. It never blocks; a full buffer
// means the client cannot keep up and reports the connection dead.
func (c *Conn) send(msg Message) bool {
	select {
	case c.sendCh <- msg:
		return true
	default:
		return false
	}
}

// readPump pumps frames from the websocket into the session.
func (c *Conn) readPump() {
	defer func() {
		if c.session != nil && c.replica != "" {
			c.session.Leave(c.replica)
		}
		c.service.connClosed(c)
		c.ws.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[CONN] %s websocket error: %v", c.id, err)
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("[CONN] %s invalid frame: %v", c.id, err)
			c.send(Message{Type: MsgResyncRequired, Reason: "malformed message"})
			continue
		}
		c.processMessage(msg)
	}
}

// writePump pumps messages from the session to the websocket connection.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case msg, ok := <-c.sendCh:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteJSON(msg); err != nil {
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// processMessage routes one inbound frame. A malformed or out-of-contract
// frame is isolated to this connection: the client gets a resync_required and
// the shared document state is never touched.
func (c *Conn) processMessage(msg Message) {
	c.service.recordReceived()

	switch msg.Type {
	case MsgJoin:
		c.handleJoin(msg)

	case MsgOpSubmit:
		if c.session == nil || c.replica == "" {
			c.send(Message{Type: MsgResyncRequired, Reason: "operations submitted before join"})
			return
		}
		c.session.Submit(c.replica, msg.Operations)

	case MsgPresenceHeartbeat:
		if c.session == nil || c.replica == "" {
			return
		}
		payload := PresencePayload{Status: "online"}
		if msg.Payload != nil {
			payload = *msg.Payload
		}
		c.session.Heartbeat(c.replica, payload)

	default:
		log.Printf("[CONN] %s unknown message type: %s", c.id, msg.Type)
		c.send(Message{Type: MsgResyncRequired, Reason: "unknown message type: " + msg.Type})
	}
}

func (c *Conn) handleJoin(msg Message) {
	if msg.DocumentID == "" || msg.ReplicaID == "" {
		c.send(Message{Type: MsgResyncRequired, Reason: "join requires documentId and replicaId"})
		return
	}

	// Re-joining (e.g. after a resync_required) rebinds the connection.
	if c.session != nil && c.replica != "" {
		c.session.Leave(c.replica)
	}

	sess, err := c.service.registry.GetOrCreate(c.service.baseCtx, msg.DocumentID)
	if err != nil {
		log.Printf("[CONN] %s join doc=%s failed: %v", c.id, msg.DocumentID, err)
		c.send(Message{Type: MsgResyncRequired, DocumentID: msg.DocumentID, Reason: "session unavailable"})
		return
	}

	c.replica = msg.ReplicaID
	c.session = sess
	if err := sess.Join(c, msg.StateVector); err != nil {
		log.Printf("[CONN] %s join doc=%s rejected: %v", c.id, msg.DocumentID, err)
		c.send(Message{Type: MsgResyncRequired, DocumentID: msg.DocumentID, Reason: err.Error()})
	}
}

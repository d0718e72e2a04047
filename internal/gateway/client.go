package gateway

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/convo-chat/convo/internal/models"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 64 * 1024

	// Outbound buffer size per connection
	sendBufferSize = 256
)

// Client represents a single authenticated WebSocket connection. It owns the
// transport and never outlives it: an abrupt transport failure runs the same
// cleanup path as an explicit disconnect.
type Client struct {
	gateway *Gateway

	// WebSocket connection
	conn *websocket.Conn

	// Buffered channel of outbound frames
	send chan []byte

	// id is the connection identifier
	id string

	// userID is the authenticated identity, fixed at upgrade time
	userID string

	createdAt time.Time

	// joined flips once join:server has bound the identity room
	joined bool
	joinMu sync.Mutex

	// closed guards the send channel against enqueue-after-close
	closed  bool
	closeMu sync.Mutex

	cleanupOnce sync.Once
}

func newClient(g *Gateway, conn *websocket.Conn, id, userID string) *Client {
	return &Client{
		gateway:   g,
		conn:      conn,
		send:      make(chan []byte, sendBufferSize),
		id:        id,
		userID:    userID,
		createdAt: time.Now().UTC(),
	}
}

// ID identifies the connection for the registry and logs.
func (c *Client) ID() string { return c.id }

// UserID is the authenticated user bound to this connection.
func (c *Client) UserID() string { return c.userID }

// Enqueue hands a frame to the outbound buffer without blocking.
// Returns false when the buffer is full or the connection is closed.
func (c *Client) Enqueue(frame []byte) bool {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Close shuts the outbound path. Idempotent.
func (c *Client) Close() {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// markJoined records the identity-room binding. Returns false if the
// connection was already bound, making join:server idempotent.
func (c *Client) markJoined() bool {
	c.joinMu.Lock()
	defer c.joinMu.Unlock()
	if c.joined {
		return false
	}
	c.joined = true
	return true
}

func (c *Client) hasJoined() bool {
	c.joinMu.Lock()
	defer c.joinMu.Unlock()
	return c.joined
}

// readPump pumps events from the WebSocket connection into the gateway.
// Runs in its own goroutine per client; exiting it converges on the
// disconnect path whether the peer closed cleanly, timed out or vanished.
func (c *Client) readPump() {
	defer func() {
		c.gateway.disconnect(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[Gateway] Read error on connection %s: %v", c.id, err)
			}
			break
		}

		var ev models.Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			log.Printf("[Gateway] Malformed frame on connection %s: %v", c.id, err)
			c.gateway.sendError(c, "bad_event", "malformed event frame")
			continue
		}

		c.gateway.handleEvent(c, ev)
	}
}

// writePump pumps frames from the send buffer to the WebSocket connection.
// Runs in its own goroutine per client and owns all writes, including pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Gateway closed the connection
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			// Each frame is its own WebSocket message so client-side JSON
			// parsing never sees concatenated payloads
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

			// Flush any queued frames as separate messages
			n := len(c.send)
			for i := 0; i < n; i++ {
				if err := c.conn.WriteMessage(websocket.TextMessage, <-c.send); err != nil {
					return
				}
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

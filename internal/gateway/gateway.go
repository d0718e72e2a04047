// Package gateway accepts client WebSocket connections, authenticates them,
// and binds them into the local room registry. Connect, join and disconnect
// follow one contract: no state is created before authentication succeeds,
// and every way a transport can die converges on the same idempotent
// cleanup path.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/convo-chat/convo/internal/auth"
	"github.com/convo-chat/convo/internal/models"
	"github.com/convo-chat/convo/internal/registry"
	"github.com/convo-chat/convo/internal/router"
)

// eventTimeout bounds the handling of a single inbound event.
const eventTimeout = 10 * time.Second

// upgrader upgrades HTTP connections to WebSocket
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Allow connections from any origin (CORS handled by middleware)
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// TokenValidator authenticates a claimed identity before any binding occurs.
type TokenValidator interface {
	ValidateToken(token string) (*auth.Claims, error)
}

// Presence is the slice of the presence store the gateway needs.
type Presence interface {
	Connect(ctx context.Context, userID string) (bool, error)
	Disconnect(ctx context.Context, userID string) (bool, error)
	SetOnline(ctx context.Context, userID string, online bool, at time.Time) error
}

// Dispatcher routes non-binding events and publishes presence transitions.
type Dispatcher interface {
	Dispatch(ctx context.Context, sess router.Session, ev models.Event) error
	PublishPresence(ctx context.Context, p models.PresencePayload) error
}

// ActiveTracker clears a user's active-conversation marker on their last
// disconnect.
type ActiveTracker interface {
	ClearActive(ctx context.Context, userID string) error
}

// Gateway accepts and manages client connections.
type Gateway struct {
	registry   *registry.Registry
	presence   Presence
	dispatcher Dispatcher
	active     ActiveTracker
	tokens     TokenValidator

	// baseCtx parents per-event contexts so in-flight handling stops with
	// the process
	baseCtx context.Context

	// newConnID mints connection identifiers
	newConnID func() string
}

// New creates a Gateway.
func New(baseCtx context.Context, reg *registry.Registry, presence Presence, dispatcher Dispatcher, active ActiveTracker, tokens TokenValidator, newConnID func() string) *Gateway {
	return &Gateway{
		registry:   reg,
		presence:   presence,
		dispatcher: dispatcher,
		active:     active,
		tokens:     tokens,
		baseCtx:    baseCtx,
		newConnID:  newConnID,
	}
}

// ServeWS handles WebSocket upgrade requests at /ws.
// The access token comes from the "token" query param or an Authorization
// bearer header. An invalid token rejects the request before the upgrade:
// a failed connect leaves no state behind.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		header := r.Header.Get("Authorization")
		token = strings.TrimPrefix(header, "Bearer ")
	}
	if token == "" {
		http.Error(w, "access token required", http.StatusUnauthorized)
		return
	}

	claims, err := g.tokens.ValidateToken(token)
	if err != nil {
		http.Error(w, "invalid access token", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Gateway] Upgrade failed: %v", err)
		return
	}

	client := newClient(g, conn, g.newConnID(), claims.UserID)
	log.Printf("[Gateway] New connection %s for user %s", client.id, client.userID)

	// Start read/write pumps in separate goroutines
	go client.writePump()
	go client.readPump()
}

// handleEvent routes one inbound event. Room-binding events are the
// gateway's own contract; everything else goes to the event router.
func (g *Gateway) handleEvent(c *Client, ev models.Event) {
	ctx, cancel := context.WithTimeout(g.baseCtx, eventTimeout)
	defer cancel()

	switch ev.Type {
	case models.EventJoinServer:
		g.joinServer(ctx, c, ev.Payload)
	case models.EventJoinConversation:
		g.joinConversation(c, ev.Payload)
	default:
		sess := router.Session{ConnID: c.id, UserID: c.userID}
		if err := g.dispatcher.Dispatch(ctx, sess, ev); err != nil {
			log.Printf("[Gateway] Event %s from user %s rejected: %v", ev.Type, c.userID, err)
			g.sendError(c, errorCode(err), err.Error())
		}
	}
}

// joinServer binds the connection to its user's identity room and, on the
// user's first live connection anywhere, flips them online and announces it.
func (g *Gateway) joinServer(ctx context.Context, c *Client, payload json.RawMessage) {
	var p models.JoinServerPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		g.sendError(c, "bad_event", "malformed join payload")
		return
	}
	if p.UserID != c.userID {
		// The claimed identity must be the authenticated one
		g.sendError(c, "authentication_error", "claimed user id does not match token")
		return
	}

	g.registry.Join(registry.UserRoom(c.userID), c)

	// Idempotent: a repeated join must not double-count the connection
	if c.hasJoined() {
		return
	}

	first, err := g.presence.Connect(ctx, c.userID)
	if err != nil {
		// Not counted, so it must not be uncounted on disconnect either.
		// The client can retry the join once Redis is back.
		log.Printf("[Gateway] Failed to count connection for %s: %v", c.userID, err)
		return
	}
	// Events on one connection are handled serially, so marking after the
	// count cannot race a second join
	c.markJoined()

	if !first {
		return
	}

	now := time.Now().UTC()
	if err := g.presence.SetOnline(ctx, c.userID, true, now); err != nil {
		log.Printf("[Gateway] Failed to flip %s online: %v", c.userID, err)
	}
	if err := g.dispatcher.PublishPresence(ctx, models.PresencePayload{
		UserID:     c.userID,
		Online:     true,
		LastOnline: now,
	}); err != nil {
		log.Printf("[Gateway] Failed to broadcast presence for %s: %v", c.userID, err)
	}
}

// joinConversation binds the connection to a conversation room so
// conversation-targeted broadcasts reach it. Idempotent.
func (g *Gateway) joinConversation(c *Client, payload json.RawMessage) {
	var p models.JoinConversationPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.ConversationID == "" {
		g.sendError(c, "bad_event", "malformed join payload")
		return
	}
	g.registry.Join(registry.ConversationRoom(p.ConversationID), c)
}

// disconnect tears a connection down: removed from every room, and if it was
// the user's last live connection across all processes, the user goes
// offline. Safe to call multiple times and from any failure path.
func (g *Gateway) disconnect(c *Client) {
	c.cleanupOnce.Do(func() {
		g.registry.Remove(c)
		c.Close()
		log.Printf("[Gateway] Connection %s closed for user %s", c.id, c.userID)

		if !c.hasJoined() {
			return
		}

		// Cleanup must finish even when the process is shutting down
		ctx, cancel := context.WithTimeout(context.WithoutCancel(g.baseCtx), eventTimeout)
		defer cancel()

		last, err := g.presence.Disconnect(ctx, c.userID)
		if err != nil {
			log.Printf("[Gateway] Failed to uncount connection for %s: %v", c.userID, err)
			return
		}
		if !last {
			return
		}

		now := time.Now().UTC()
		if err := g.presence.SetOnline(ctx, c.userID, false, now); err != nil {
			log.Printf("[Gateway] Failed to flip %s offline: %v", c.userID, err)
		}
		if err := g.active.ClearActive(ctx, c.userID); err != nil {
			log.Printf("[Gateway] Failed to clear active conversation for %s: %v", c.userID, err)
		}
		if err := g.dispatcher.PublishPresence(ctx, models.PresencePayload{
			UserID:     c.userID,
			Online:     false,
			LastOnline: now,
		}); err != nil {
			log.Printf("[Gateway] Failed to broadcast presence for %s: %v", c.userID, err)
		}
	})
}

// sendError pushes an error frame to the offending client. The connection
// stays up: a rejected event is terminal to the event only.
func (g *Gateway) sendError(c *Client, code, message string) {
	ev, err := models.NewEvent(models.PushError, models.ErrorPayload{Code: code, Message: message})
	if err != nil {
		return
	}
	frame, err := json.Marshal(ev)
	if err != nil {
		return
	}
	c.Enqueue(frame)
}

// errorCode maps a rejection to its wire-level taxonomy code.
func errorCode(err error) string {
	switch {
	case errors.Is(err, router.ErrNotMember):
		return "authorization_error"
	case errors.Is(err, router.ErrBadEvent):
		return "bad_event"
	default:
		return "internal_error"
	}
}

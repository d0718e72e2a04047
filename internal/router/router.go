// Package router classifies inbound socket events and applies the fan-out,
// persistence and bookkeeping policy for each event kind. Chat messages take
// two independent paths: an immediate broadcast to conversation members and
// an asynchronous submission to the durable log. Typing, call signaling and
// deletion notices are broadcast-only; mark-as-read writes straight to the
// chat store.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/convo-chat/convo/internal/bus"
	"github.com/convo-chat/convo/internal/models"
)

// ErrNotMember rejects an event whose sender is not a member of the target
// conversation. The rejection is terminal to the event, not the connection.
var ErrNotMember = errors.New("sender is not a member of the conversation")

// ErrBadEvent rejects an event whose type is unknown or whose payload does
// not decode.
var ErrBadEvent = errors.New("malformed event")

// produceTimeout bounds the asynchronous durable-log submission, long
// enough to cover every producer retry.
const produceTimeout = 30 * time.Second

// Publisher fans an event out to target connections on every process.
type Publisher interface {
	Publish(ctx context.Context, target bus.Target, event models.Event) error
}

// Store is the slice of the chat-store client the router needs.
type Store interface {
	GetConversation(ctx context.Context, conversationID string) (*models.Conversation, error)
	MarkMessagesRead(ctx context.Context, conversationID, userID string) error
}

// Producer submits envelopes to the durable log.
type Producer interface {
	Produce(ctx context.Context, env *models.MessageEnvelope) error
}

// Unread is the slice of the unread counter the router needs.
type Unread interface {
	Reset(ctx context.Context, conversationID, userID string) error
	SetActive(ctx context.Context, userID, conversationID string) error
}

// Session identifies the authenticated connection an event arrived on.
type Session struct {
	ConnID string
	UserID string
}

// Router dispatches inbound events per kind.
type Router struct {
	bus      Publisher
	store    Store
	producer Producer
	unread   Unread

	// produceWG tracks detached durable-log submissions so shutdown can
	// wait for them instead of silently dropping accepted messages
	produceWG sync.WaitGroup
}

// New creates a Router.
func New(publisher Publisher, store Store, producer Producer, unread Unread) *Router {
	return &Router{
		bus:      publisher,
		store:    store,
		producer: producer,
		unread:   unread,
	}
}

// Dispatch classifies and handles one inbound event. A returned error
// rejects that event only; the connection stays up and the gateway reports
// the rejection back to the client.
func (rt *Router) Dispatch(ctx context.Context, sess Session, ev models.Event) error {
	switch ev.Type {
	case models.EventMessage:
		return rt.handleMessage(ctx, sess, ev.Payload)
	case models.EventTypingStart:
		return rt.handleTyping(ctx, sess, ev.Payload, models.PushTypingStart)
	case models.EventTypingStop:
		return rt.handleTyping(ctx, sess, ev.Payload, models.PushTypingStop)
	case models.EventMarkRead:
		return rt.handleMarkRead(ctx, sess, ev.Payload)
	case models.EventCallStart:
		return rt.handleCall(ctx, sess, ev.Payload, models.PushCallInvite)
	case models.EventCallAccept:
		return rt.handleCall(ctx, sess, ev.Payload, models.PushCallAccepted)
	case models.EventCallReject:
		return rt.handleCall(ctx, sess, ev.Payload, models.PushCallRejected)
	case models.EventCallHangup:
		return rt.handleCall(ctx, sess, ev.Payload, models.PushCallEnded)
	case models.EventCallSignal:
		return rt.handleCall(ctx, sess, ev.Payload, models.PushCallSignal)
	case models.EventDeleteConv:
		return rt.handleDeleteConversation(ctx, sess, ev.Payload)
	default:
		return fmt.Errorf("%w: unknown event type %q", ErrBadEvent, ev.Type)
	}
}

// handleMessage runs the chat-message path: authorize, broadcast
// immediately, then hand off to the durable log without making the sender
// wait on it.
func (rt *Router) handleMessage(ctx context.Context, sess Session, payload json.RawMessage) error {
	var env models.MessageEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return fmt.Errorf("%w: %v", ErrBadEvent, err)
	}
	if env.ConversationID == "" || env.TempID == "" {
		return fmt.Errorf("%w: message requires conversation_id and temp_id", ErrBadEvent)
	}

	// The sender identity comes from the authenticated session, never from
	// the client payload
	env.SenderID = sess.UserID
	if env.Type == "" {
		env.Type = models.MessageTypeText
	}
	env.ReadStatus = models.ReadStatusUnread
	if env.CreatedAt.IsZero() {
		env.CreatedAt = time.Now().UTC()
	}

	conv, err := rt.store.GetConversation(ctx, env.ConversationID)
	if err != nil {
		return fmt.Errorf("failed to resolve conversation %s: %w", env.ConversationID, err)
	}
	if !conv.HasMember(sess.UserID) {
		return fmt.Errorf("%w: user %s, conversation %s", ErrNotMember, sess.UserID, env.ConversationID)
	}

	push, err := models.NewEvent(models.PushMessage, &env)
	if err != nil {
		return err
	}

	// Low-latency path: members see the message now, durability follows.
	// Connections bound to the conversation room are reached through it
	// directly; the identity rooms cover members who never joined the room.
	if err := rt.bus.Publish(ctx, bus.ConversationMembers(env.ConversationID, conv.MemberIDs...), push); err != nil {
		return fmt.Errorf("failed to broadcast message %s: %w", env.TempID, err)
	}

	// Durable path, decoupled from the broadcast. Publish failures are
	// operator-visible only; the sender already got its delivery.
	rt.produceWG.Add(1)
	go func(env models.MessageEnvelope) {
		defer rt.produceWG.Done()
		produceCtx, cancel := context.WithTimeout(context.Background(), produceTimeout)
		defer cancel()
		if err := rt.producer.Produce(produceCtx, &env); err != nil {
			log.Printf("[Router] Message %s delivered live but lost from durable path: %v", env.TempID, err)
		}
	}(env)

	return nil
}

// Wait blocks until every detached durable-log submission has finished.
// Called during graceful shutdown, before the producer flush, so messages
// already broadcast are not silently dropped from the durable path.
func (rt *Router) Wait() {
	rt.produceWG.Wait()
}

// handleTyping relays a typing signal to its targets, excluding the sender.
// Signals are ephemeral: no persistence, no delivery guarantee, duplicate
// starts and stray stops are no-ops on the receiving side.
func (rt *Router) handleTyping(ctx context.Context, sess Session, payload json.RawMessage, pushType string) error {
	var p models.TypingPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("%w: %v", ErrBadEvent, err)
	}
	if p.ConversationID == "" {
		return fmt.Errorf("%w: typing requires conversation_id", ErrBadEvent)
	}
	p.FromUserID = sess.UserID

	targets := make([]string, 0, len(p.ToUserIDs))
	for _, id := range p.ToUserIDs {
		if id != sess.UserID {
			targets = append(targets, id)
		}
	}
	if len(targets) == 0 {
		return nil
	}

	push, err := models.NewEvent(pushType, &p)
	if err != nil {
		return err
	}
	return rt.bus.Publish(ctx, bus.Users(targets...), push)
}

// handleMarkRead flips the conversation's unread messages to read for the
// reader and zeroes their counter. No broadcast: the reader's other clients
// reconcile by re-fetching.
func (rt *Router) handleMarkRead(ctx context.Context, sess Session, payload json.RawMessage) error {
	var p models.MarkReadPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("%w: %v", ErrBadEvent, err)
	}
	if p.ConversationID == "" {
		return fmt.Errorf("%w: mark read requires conversation_id", ErrBadEvent)
	}

	if err := rt.store.MarkMessagesRead(ctx, p.ConversationID, sess.UserID); err != nil {
		return err
	}
	if err := rt.unread.Reset(ctx, p.ConversationID, sess.UserID); err != nil {
		return err
	}
	// Reading a conversation marks it as the one being viewed, so
	// subsequent arrivals don't count as unread
	if err := rt.unread.SetActive(ctx, sess.UserID, p.ConversationID); err != nil {
		log.Printf("[Router] Failed to mark active conversation for %s: %v", sess.UserID, err)
	}
	return nil
}

// handleCall routes a call-signaling envelope to its explicit target users.
// The payload keeps the conversation and participant ids so the receiving
// client can correlate the call; the signaling body itself is opaque.
func (rt *Router) handleCall(ctx context.Context, sess Session, payload json.RawMessage, pushType string) error {
	var p models.CallPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("%w: %v", ErrBadEvent, err)
	}
	if p.ConversationID == "" || len(p.ToUserIDs) == 0 {
		return fmt.Errorf("%w: call signaling requires conversation_id and to_user_ids", ErrBadEvent)
	}
	p.FromUserID = sess.UserID

	push, err := models.NewEvent(pushType, &p)
	if err != nil {
		return err
	}
	return rt.bus.Publish(ctx, bus.Users(p.ToUserIDs...), push)
}

// handleDeleteConversation notifies members that a conversation is gone.
// The deletion itself already happened in the CRUD layer.
func (rt *Router) handleDeleteConversation(ctx context.Context, sess Session, payload json.RawMessage) error {
	var p models.DeleteConversationPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("%w: %v", ErrBadEvent, err)
	}
	if p.ConversationID == "" || len(p.MemberIDs) == 0 {
		return fmt.Errorf("%w: delete notice requires conversation_id and member_ids", ErrBadEvent)
	}

	push, err := models.NewEvent(models.PushDeleteConv, &p)
	if err != nil {
		return err
	}
	return rt.bus.Publish(ctx, bus.Users(p.MemberIDs...), push)
}

// PublishPresence announces an online/offline transition to all connected
// clients, best-effort. Called by the gateway on first-connection and
// last-disconnection transitions.
func (rt *Router) PublishPresence(ctx context.Context, p models.PresencePayload) error {
	push, err := models.NewEvent(models.PushPresenceUpdate, &p)
	if err != nil {
		return err
	}
	return rt.bus.Publish(ctx, bus.Everyone(), push)
}

package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Inbound socket event types, named after the logical operation they carry.
const (
	EventJoinServer       = "join:server"
	EventJoinConversation = "join:conversation"
	EventMessage          = "event:message"
	EventTypingStart      = "typing:start"
	EventTypingStop       = "typing:stop"
	EventMarkRead         = "mark:read"
	EventCallStart        = "call:start"
	EventCallAccept       = "call:accept"
	EventCallReject       = "call:reject"
	EventCallHangup       = "call:hangup"
	EventCallSignal       = "call:signal"
	EventDeleteConv       = "delete:conversation"
)

// Outbound server-to-client push event types.
const (
	PushMessage        = "message"
	PushPresenceUpdate = "presence:update"
	PushTypingStart    = "typing:start"
	PushTypingStop     = "typing:stop"
	PushCallInvite     = "call:invite"
	PushCallAccepted   = "call:accepted"
	PushCallRejected   = "call:rejected"
	PushCallEnded      = "call:ended"
	PushCallSignal     = "call:signal"
	PushDeleteConv     = "delete:conversation"
	PushError          = "error"
)

// Event is the framing for every message exchanged over a socket, in either
// direction: a type tag plus an opaque payload decoded per type.
type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// NewEvent builds an Event with the payload marshaled to JSON.
func NewEvent(eventType string, payload interface{}) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}
	return Event{Type: eventType, Payload: raw}, nil
}

// JoinServerPayload binds a connection to its user's identity room.
// The claimed user id must match the authenticated token subject.
type JoinServerPayload struct {
	UserID string `json:"user_id"`
}

// JoinConversationPayload binds a connection to a conversation room so
// conversation-targeted broadcasts reach it without per-user lookups.
type JoinConversationPayload struct {
	ConversationID string `json:"conversation_id"`
}

// TypingPayload carries a typing start/stop signal. Ephemeral, never persisted.
type TypingPayload struct {
	ConversationID string   `json:"conversation_id"`
	FromUserID     string   `json:"from_user_id"`
	ToUserIDs      []string `json:"to_user_ids"`
}

// MarkReadPayload marks every unread message in a conversation read for the
// requesting user and resets their unread counter.
type MarkReadPayload struct {
	ConversationID string `json:"conversation_id"`
}

// CallPayload is the signaling envelope for call events. The server never
// inspects Signal; it only routes it to the target users with enough context
// for the receiving client to correlate the call.
type CallPayload struct {
	ConversationID string          `json:"conversation_id"`
	FromUserID     string          `json:"from_user_id"`
	ToUserIDs      []string        `json:"to_user_ids"`
	Signal         json.RawMessage `json:"signal,omitempty"`
}

// DeleteConversationPayload notifies members that a conversation was deleted.
// Broadcast-only; the deletion itself happens in the CRUD layer.
type DeleteConversationPayload struct {
	ConversationID string   `json:"conversation_id"`
	MemberIDs      []string `json:"member_ids"`
}

// PresencePayload announces an online/offline transition for a user.
type PresencePayload struct {
	UserID     string    `json:"user_id"`
	Online     bool      `json:"online"`
	LastOnline time.Time `json:"last_online"`
}

// ErrorPayload is pushed to a client whose event was rejected.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

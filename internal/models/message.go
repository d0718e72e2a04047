package models

import "time"

// Message content type tags.
const (
	MessageTypeText      = "text"
	MessageTypeFiles     = "files"
	MessageTypeTextFiles = "text_files"
	MessageTypeAudio     = "audio"
)

// Read-status tags carried on stored messages.
const (
	ReadStatusUnread = "unread"
	ReadStatusRead   = "read"
)

// Attachment references an uploaded file attached to a message.
// Uploads themselves are handled by the CRUD layer; the fan-out core only
// relays the references.
type Attachment struct {
	URL  string `json:"url"`
	Name string `json:"name,omitempty"`
	Size int64  `json:"size,omitempty"`
}

// MessageEnvelope is a chat message as it travels through the real-time
// path: broadcast to members immediately and produced to the durable log.
// TempID is the client-generated optimistic id; it never collides with
// server-assigned ids and is preserved end to end so clients can reconcile
// the optimistic copy with the persisted one.
type MessageEnvelope struct {
	// TempID is the client-side temporary message id
	TempID string `json:"temp_id"`

	// ConversationID is the conversation this message belongs to
	ConversationID string `json:"conversation_id"`

	// SenderID is the authenticated sender
	SenderID string `json:"sender_id"`

	// Content is the message body
	Content string `json:"content"`

	// Attachments are file references, in client order
	Attachments []Attachment `json:"attachments,omitempty"`

	// Type is one of the MessageType tags
	Type string `json:"type"`

	// ReadStatus is the initial read-status tag
	ReadStatus string `json:"read_status"`

	// CreatedAt is the client-side creation time; the authoritative
	// timestamp is assigned by the store on persistence
	CreatedAt time.Time `json:"created_at"`
}

// StoredMessage is a message after persistence: server-assigned id and
// timestamp. History ordering uses CreatedAt, not broadcast arrival order.
type StoredMessage struct {
	ID             string       `json:"id"`
	TempID         string       `json:"temp_id,omitempty"`
	ConversationID string       `json:"conversation_id"`
	SenderID       string       `json:"sender_id"`
	Content        string       `json:"content"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	Type           string       `json:"type"`
	ReadStatus     string       `json:"read_status"`
	CreatedAt      time.Time    `json:"created_at"`
}

package models

import "time"

// Conversation is a read-only membership snapshot owned by the CRUD layer.
// The fan-out core uses it only to compute broadcast target sets and to
// authorize senders. AdminIDs may be empty; the core never depends on it
// being populated.
type Conversation struct {
	ID        string   `json:"id"`
	MemberIDs []string `json:"member_ids"`
	AdminIDs  []string `json:"admin_ids,omitempty"`
}

// HasMember reports whether userID is a current member of the conversation.
func (c *Conversation) HasMember(userID string) bool {
	for _, id := range c.MemberIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// OtherMembers returns every member id except the given one.
func (c *Conversation) OtherMembers(userID string) []string {
	others := make([]string, 0, len(c.MemberIDs))
	for _, id := range c.MemberIDs {
		if id != userID {
			others = append(others, id)
		}
	}
	return others
}

// UserPresence is a user's shared presence record. Online is true iff the
// user has at least one live connection on any process; LastOnline is only
// meaningful while Online is false.
type UserPresence struct {
	UserID     string    `json:"user_id"`
	Online     bool      `json:"online"`
	LastOnline time.Time `json:"last_online"`
}

package services

import (
	"context"
	"fmt"
	"log"

	"github.com/convo-chat/convo/internal/dedupe"
	"github.com/convo-chat/convo/internal/models"
)

// PersistStore is the slice of the chat-store client the persister needs.
type PersistStore interface {
	GetConversation(ctx context.Context, conversationID string) (*models.Conversation, error)
	PersistMessage(ctx context.Context, env *models.MessageEnvelope) (*models.StoredMessage, error)
	UpdateLastMessage(ctx context.Context, conversationID, messageID string) error
}

// Deduper guards against redelivered log entries.
type Deduper interface {
	Claim(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

// UnreadCounter is the slice of the unread counter the persister needs.
type UnreadCounter interface {
	Increment(ctx context.Context, conversationID string, userIDs []string) error
	Active(ctx context.Context, userID string) (string, error)
}

// Persister is the durable-path worker: it takes chat message envelopes off
// the log consumer, persists them and maintains the conversation's
// last-message pointer and the recipients' unread counters. Recipients
// already saw the message over the broadcast path; nothing here is
// latency-sensitive.
type Persister struct {
	store  PersistStore
	dedupe Deduper
	unread UnreadCounter
}

// NewPersister creates a Persister.
func NewPersister(store PersistStore, deduper Deduper, unread UnreadCounter) *Persister {
	return &Persister{
		store:  store,
		dedupe: deduper,
		unread: unread,
	}
}

// HandleEnvelope processes one envelope from the durable log. Safe under
// at-least-once redelivery: the dedupe guard keyed by (conversation, sender,
// temp id) makes the persistence step run once per logical message, and the
// store's monotonic last-message pointer ignores stale updates.
func (p *Persister) HandleEnvelope(ctx context.Context, env *models.MessageEnvelope) error {
	key := dedupe.Key(env.ConversationID, env.SenderID, env.TempID)

	first, err := p.dedupe.Claim(ctx, key)
	if err != nil {
		return fmt.Errorf("dedupe claim failed for %s: %w", key, err)
	}
	if !first {
		log.Printf("[Persister] Skipping redelivered message %s", env.TempID)
		return nil
	}

	stored, err := p.store.PersistMessage(ctx, env)
	if err != nil {
		// Give the claim back so the redelivered copy is not skipped
		if relErr := p.dedupe.Release(ctx, key); relErr != nil {
			log.Printf("[Persister] Failed to release dedupe key %s: %v", key, relErr)
		}
		return fmt.Errorf("persist failed for message %s: %w", env.TempID, err)
	}

	log.Printf("[Persister] Persisted message %s as %s in conversation %s",
		env.TempID, stored.ID, stored.ConversationID)

	// The message is durable; pointer and counter upkeep are best-effort
	// bookkeeping, eventually consistent with the stored read-status rows
	if err := p.store.UpdateLastMessage(ctx, stored.ConversationID, stored.ID); err != nil {
		log.Printf("[Persister] Failed to update last-message pointer for %s: %v", stored.ConversationID, err)
	}

	p.countUnread(ctx, stored)
	return nil
}

// countUnread increments the unread counter of every member who neither
// sent the message nor is actively viewing the conversation.
func (p *Persister) countUnread(ctx context.Context, stored *models.StoredMessage) {
	conv, err := p.store.GetConversation(ctx, stored.ConversationID)
	if err != nil {
		log.Printf("[Persister] Failed to resolve members of %s for unread counting: %v", stored.ConversationID, err)
		return
	}

	recipients := make([]string, 0, len(conv.MemberIDs))
	for _, userID := range conv.OtherMembers(stored.SenderID) {
		active, err := p.unread.Active(ctx, userID)
		if err != nil {
			log.Printf("[Persister] Failed to read active conversation for %s: %v", userID, err)
			active = ""
		}
		if active == stored.ConversationID {
			continue
		}
		recipients = append(recipients, userID)
	}

	if err := p.unread.Increment(ctx, stored.ConversationID, recipients); err != nil {
		log.Printf("[Persister] Failed to increment unread counters for %s: %v", stored.ConversationID, err)
	}
}

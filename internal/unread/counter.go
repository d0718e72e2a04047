// Package unread keeps per-(conversation, user) unread counters and the
// per-user active-conversation marker in Redis. Counters are bookkeeping for
// fast badge rendering; the durable truth remains derivable from read-status
// rows in the chat store, so failures here are logged, not fatal.
package unread

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const (
	counterKeyPrefix = "unread:"
	activeKeyPrefix  = "active:"
)

// Counter mutates unread counters and active-conversation markers.
type Counter struct {
	rdb *redis.Client
}

// NewCounter creates a Counter on the given Redis client.
func NewCounter(rdb *redis.Client) *Counter {
	return &Counter{rdb: rdb}
}

func counterKey(conversationID, userID string) string {
	return counterKeyPrefix + conversationID + ":" + userID
}

// Increment adds one unread message in the conversation for each given user.
func (c *Counter) Increment(ctx context.Context, conversationID string, userIDs []string) error {
	if len(userIDs) == 0 {
		return nil
	}
	pipe := c.rdb.Pipeline()
	for _, userID := range userIDs {
		pipe.Incr(ctx, counterKey(conversationID, userID))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to increment unread for %s: %w", conversationID, err)
	}
	return nil
}

// Reset zeroes the user's unread counter for the conversation, regardless of
// its prior value. Deleting the key keeps the counter from ever going
// negative under concurrent increments.
func (c *Counter) Reset(ctx context.Context, conversationID, userID string) error {
	if err := c.rdb.Del(ctx, counterKey(conversationID, userID)).Err(); err != nil {
		return fmt.Errorf("failed to reset unread for %s/%s: %w", conversationID, userID, err)
	}
	return nil
}

// Get returns the user's unread count for the conversation.
func (c *Counter) Get(ctx context.Context, conversationID, userID string) (int64, error) {
	n, err := c.rdb.Get(ctx, counterKey(conversationID, userID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read unread for %s/%s: %w", conversationID, userID, err)
	}
	return n, nil
}

// SetActive marks the conversation the user is actively viewing. Messages
// arriving in the active conversation do not increment its unread counter.
func (c *Counter) SetActive(ctx context.Context, userID, conversationID string) error {
	if err := c.rdb.Set(ctx, activeKeyPrefix+userID, conversationID, 0).Err(); err != nil {
		return fmt.Errorf("failed to set active conversation for %s: %w", userID, err)
	}
	return nil
}

// ClearActive forgets the user's active conversation, typically on their
// last disconnect.
func (c *Counter) ClearActive(ctx context.Context, userID string) error {
	if err := c.rdb.Del(ctx, activeKeyPrefix+userID).Err(); err != nil {
		return fmt.Errorf("failed to clear active conversation for %s: %w", userID, err)
	}
	return nil
}

// Active returns the conversation the user is actively viewing, or "" when
// none is marked.
func (c *Counter) Active(ctx context.Context, userID string) (string, error) {
	conv, err := c.rdb.Get(ctx, activeKeyPrefix+userID).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read active conversation for %s: %w", userID, err)
	}
	return conv, nil
}

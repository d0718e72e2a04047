// Package dedupe gives the log consumer idempotence under at-least-once
// redelivery. A message is identified by (conversation id, sender id,
// client temp id); the first consumer to claim that key processes the
// message, later redeliveries are skipped.
package dedupe

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "dedupe:msg:"

// Guard records which logical messages have already been persisted.
type Guard struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewGuard creates a Guard whose claims expire after ttl. The TTL only needs
// to outlive the log's redelivery horizon.
func NewGuard(rdb *redis.Client, ttl time.Duration) *Guard {
	return &Guard{rdb: rdb, ttl: ttl}
}

// Key builds the dedupe key for a logical message.
func Key(conversationID, senderID, tempID string) string {
	return conversationID + ":" + senderID + ":" + tempID
}

// Claim atomically claims the key. Returns true for the first delivery of a
// message, false for a redelivery.
func (g *Guard) Claim(ctx context.Context, key string) (bool, error) {
	ok, err := g.rdb.SetNX(ctx, keyPrefix+key, 1, g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim dedupe key %s: %w", key, err)
	}
	return ok, nil
}

// Release gives the key back after a failed persistence attempt, so the
// redelivered copy gets processed instead of silently skipped.
func (g *Guard) Release(ctx context.Context, key string) error {
	if err := g.rdb.Del(ctx, keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("failed to release dedupe key %s: %w", key, err)
	}
	return nil
}

// Package presence tracks user online state in Redis, shared by every
// server process. The store, not any process-local structure, is the single
// source of truth for "is user X online anywhere".
package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/convo-chat/convo/internal/models"
)

const (
	connsKeyPrefix  = "presence:conns:"
	recordKeyPrefix = "presence:user:"
	onlineSetKey    = "presence:online"
)

// decrClamped decrements a connection counter but never below zero.
// Returns -1 when the counter was already at zero, so a duplicate
// disconnect is distinguishable from the last real one.
var decrClamped = redis.NewScript(`
local n = redis.call('DECR', KEYS[1])
if n < 0 then
  redis.call('SET', KEYS[1], '0')
  return -1
end
return n
`)

// Store reads and writes shared presence state.
type Store struct {
	rdb *redis.Client
}

// NewStore creates a presence Store on the given Redis client.
func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// Connect records one more live connection for the user across all
// processes. Returns true when this is the user's first live connection
// anywhere, i.e. the caller should flip the user online.
func (s *Store) Connect(ctx context.Context, userID string) (bool, error) {
	n, err := s.rdb.Incr(ctx, connsKeyPrefix+userID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to count connection for %s: %w", userID, err)
	}
	return n == 1, nil
}

// Disconnect records one less live connection for the user. Returns true
// when this was the user's last connection anywhere, i.e. the caller should
// flip the user offline. A connection close racing an already-zero counter
// reports false: the user is already offline and no transition is owed.
func (s *Store) Disconnect(ctx context.Context, userID string) (bool, error) {
	n, err := decrClamped.Run(ctx, s.rdb, []string{connsKeyPrefix + userID}).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to uncount connection for %s: %w", userID, err)
	}
	return n == 0, nil
}

// ConnectionCount returns the user's live connection count across all
// processes.
func (s *Store) ConnectionCount(ctx context.Context, userID string) (int64, error) {
	n, err := s.rdb.Get(ctx, connsKeyPrefix+userID).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read connection count for %s: %w", userID, err)
	}
	return n, nil
}

// SetOnline writes the user's presence record through to the shared store.
// LastOnline is only updated on the offline transition, keeping it
// monotonically non-decreasing.
func (s *Store) SetOnline(ctx context.Context, userID string, online bool, at time.Time) error {
	key := recordKeyPrefix + userID
	pipe := s.rdb.TxPipeline()
	if online {
		pipe.HSet(ctx, key, "online", 1)
		pipe.SAdd(ctx, onlineSetKey, userID)
	} else {
		pipe.HSet(ctx, key, "online", 0, "last_online", at.UTC().Format(time.RFC3339Nano))
		pipe.SRem(ctx, onlineSetKey, userID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to write presence for %s: %w", userID, err)
	}
	return nil
}

// Get reads the user's presence record. A user with no record is offline.
func (s *Store) Get(ctx context.Context, userID string) (*models.UserPresence, error) {
	fields, err := s.rdb.HGetAll(ctx, recordKeyPrefix+userID).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read presence for %s: %w", userID, err)
	}

	p := &models.UserPresence{UserID: userID}
	p.Online = fields["online"] == "1"
	if raw := fields["last_online"]; raw != "" {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			p.LastOnline = t
		}
	}
	return p, nil
}

// OnlineUsers lists every user currently flagged online in the shared store.
func (s *Store) OnlineUsers(ctx context.Context) ([]string, error) {
	users, err := s.rdb.SMembers(ctx, onlineSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list online users: %w", err)
	}
	return users, nil
}

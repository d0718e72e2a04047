package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convo-chat/convo/internal/models"
)

type fakeReconcilerPresence struct {
	mu      sync.Mutex
	online  []string
	counts  map[string]int64
	flipped []string
}

func (f *fakeReconcilerPresence) OnlineUsers(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.online...), nil
}

func (f *fakeReconcilerPresence) ConnectionCount(_ context.Context, userID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[userID], nil
}

func (f *fakeReconcilerPresence) SetOnline(_ context.Context, userID string, online bool, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !online {
		f.flipped = append(f.flipped, userID)
	}
	return nil
}

type fakePresencePublisher struct {
	mu        sync.Mutex
	published []models.PresencePayload
}

func (f *fakePresencePublisher) PublishPresence(_ context.Context, p models.PresencePayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, p)
	return nil
}

func TestReconciler_FlipsStaleUsersOffline(t *testing.T) {
	ps := &fakeReconcilerPresence{
		online: []string{"alice", "bob"},
		counts: map[string]int64{"alice": 2, "bob": 0},
	}
	pub := &fakePresencePublisher{}
	r := NewReconciler(ps, pub, time.Minute)

	r.sweep(context.Background())

	assert.Equal(t, []string{"bob"}, ps.flipped, "only the user with no live connections is flipped")
	require.Len(t, pub.published, 1)
	assert.Equal(t, "bob", pub.published[0].UserID)
	assert.False(t, pub.published[0].Online)
	assert.False(t, pub.published[0].LastOnline.IsZero())
}

func TestReconciler_NoopWhenAllConsistent(t *testing.T) {
	ps := &fakeReconcilerPresence{
		online: []string{"alice"},
		counts: map[string]int64{"alice": 1},
	}
	pub := &fakePresencePublisher{}
	r := NewReconciler(ps, pub, time.Minute)

	r.sweep(context.Background())

	assert.Empty(t, ps.flipped)
	assert.Empty(t, pub.published)
}

func TestReconciler_RunStopsOnCancel(t *testing.T) {
	ps := &fakeReconcilerPresence{counts: map[string]int64{}}
	r := NewReconciler(ps, &fakePresencePublisher{}, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := r.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

package services

import (
	"context"
	"log"
	"time"

	"github.com/convo-chat/convo/internal/models"
)

// ReconcilerPresence is the slice of the presence store the reconciler needs.
type ReconcilerPresence interface {
	OnlineUsers(ctx context.Context) ([]string, error)
	ConnectionCount(ctx context.Context, userID string) (int64, error)
	SetOnline(ctx context.Context, userID string, online bool, at time.Time) error
}

// PresencePublisher announces presence transitions on the broadcast bus.
type PresencePublisher interface {
	PublishPresence(ctx context.Context, p models.PresencePayload) error
}

// Reconciler heals presence state left behind by crashed processes.
// A process that dies without running its disconnect path leaves users
// flagged online with no live connection anywhere; the reconciler runs as a
// background worker and periodically sweeps for that mismatch.
type Reconciler struct {
	presence  ReconcilerPresence
	publisher PresencePublisher
	interval  time.Duration
}

// NewReconciler creates a reconciler sweeping at the given interval.
func NewReconciler(presence ReconcilerPresence, publisher PresencePublisher, interval time.Duration) *Reconciler {
	return &Reconciler{
		presence:  presence,
		publisher: publisher,
		interval:  interval,
	}
}

// Run sweeps until the context is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	log.Printf("[Presence] Reconciler started (interval: %v)", r.interval)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.sweep(ctx)
		case <-ctx.Done():
			log.Println("[Presence] Reconciler stopped")
			return ctx.Err()
		}
	}
}

// sweep flips every online-flagged user with zero live connections offline
// and announces the transition.
func (r *Reconciler) sweep(ctx context.Context) {
	users, err := r.presence.OnlineUsers(ctx)
	if err != nil {
		log.Printf("[Presence] Reconcile error: failed to list online users: %v", err)
		return
	}

	for _, userID := range users {
		count, err := r.presence.ConnectionCount(ctx, userID)
		if err != nil {
			log.Printf("[Presence] Reconcile error: failed to count connections for %s: %v", userID, err)
			continue
		}
		if count > 0 {
			continue
		}

		now := time.Now().UTC()
		if err := r.presence.SetOnline(ctx, userID, false, now); err != nil {
			log.Printf("[Presence] Reconcile error: failed to flip %s offline: %v", userID, err)
			continue
		}
		log.Printf("[Presence] Reconciled stale presence: %s is offline", userID)

		if err := r.publisher.PublishPresence(ctx, models.PresencePayload{
			UserID:     userID,
			Online:     false,
			LastOnline: now,
		}); err != nil {
			log.Printf("[Presence] Failed to broadcast reconciled presence for %s: %v", userID, err)
		}
	}
}

// Package bus implements the cross-process broadcast bus on Redis pub/sub.
// Every server process publishes fan-out events to one shared channel and
// subscribes to the same channel, republishing received events into its own
// local room registry. Delivery is best-effort and at-most-once per
// connection; chat durability comes from the Kafka path, not from here.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/convo-chat/convo/internal/models"
)

// Target selects the connections an event should reach. ConversationID and
// UserIDs may be combined; the union is delivered at most once per
// connection.
type Target struct {
	// UserIDs targets the identity rooms of specific users
	UserIDs []string `json:"user_ids,omitempty"`

	// ConversationID targets every connection bound to the conversation room
	ConversationID string `json:"conversation_id,omitempty"`

	// Broadcast targets every connection on every process
	Broadcast bool `json:"broadcast,omitempty"`
}

// Users targets the given user ids.
func Users(ids ...string) Target { return Target{UserIDs: ids} }

// Conversation targets every connection bound to the conversation room.
func Conversation(id string) Target { return Target{ConversationID: id} }

// ConversationMembers targets the conversation room plus the members'
// identity rooms. Connections bound to the room get the event without any
// per-user lookup; members who never joined the room are still reached
// through their identity rooms.
func ConversationMembers(conversationID string, memberIDs ...string) Target {
	return Target{ConversationID: conversationID, UserIDs: memberIDs}
}

// Everyone targets all connected clients, best-effort.
func Everyone() Target { return Target{Broadcast: true} }

// Envelope is the wire format carried over the Redis channel.
type Envelope struct {
	Origin string       `json:"origin"`
	Target Target       `json:"target"`
	Event  models.Event `json:"event"`
}

// DeliverFunc hands an event to the local room registry.
type DeliverFunc func(target Target, event models.Event)

// Bus publishes fan-out events across processes and republishes events from
// other processes into the local registry.
type Bus struct {
	rdb     *redis.Client
	channel string

	// origin identifies this process so the subscriber can drop its own
	// publications: local delivery already happened synchronously in Publish
	origin string

	deliver DeliverFunc
}

// New creates a Bus publishing on the given channel. origin must be unique
// per process.
func New(rdb *redis.Client, channel, origin string, deliver DeliverFunc) *Bus {
	return &Bus{
		rdb:     rdb,
		channel: channel,
		origin:  origin,
		deliver: deliver,
	}
}

// Publish delivers the event to locally bound connections immediately, then
// relays it to every other process. The local path never waits on Redis:
// broadcast latency stays independent of the shared channel.
func (b *Bus) Publish(ctx context.Context, target Target, event models.Event) error {
	b.deliver(target, event)

	env := Envelope{Origin: b.origin, Target: target, Event: event}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal bus envelope: %w", err)
	}

	if err := b.rdb.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish to bus channel %s: %w", b.channel, err)
	}
	return nil
}

// Run subscribes to the bus channel and republishes received events into the
// local registry until the context is cancelled. Subscription drops are
// retried with a short backoff; go-redis reconnects the underlying pub/sub
// connection itself.
func (b *Bus) Run(ctx context.Context) error {
	for {
		if err := b.subscribe(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("[Bus] Subscription lost: %v, resubscribing", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (b *Bus) subscribe(ctx context.Context) error {
	pubsub := b.rdb.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	// Fail fast if the subscription could not be established
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", b.channel, err)
	}

	log.Printf("[Bus] Subscribed to channel %s", b.channel)
	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("bus channel %s closed", b.channel)
			}
			b.handle([]byte(msg.Payload))
		}
	}
}

func (b *Bus) handle(payload []byte) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		log.Printf("[Bus] Dropping malformed envelope: %v", err)
		return
	}

	// Our own publication; already delivered locally
	if env.Origin == b.origin {
		return
	}

	b.deliver(env.Target, env.Event)
}

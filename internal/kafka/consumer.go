package kafka

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/convo-chat/convo/internal/models"
)

// consumerMaxRetries bounds how often one envelope is retried before the
// consumer commits past it. A message that keeps failing delays its whole
// partition for the cool-down window each time; past the bound it is
// dropped from the durable path with an operator-visible log line rather
// than wedging the partition forever.
const consumerMaxRetries = 3

// Handler processes one envelope from the durable log. It must be safe to
// call more than once for the same logical message: delivery is
// at-least-once.
type Handler func(ctx context.Context, env *models.MessageEnvelope) error

// messageFetcher is the slice of kafka.Reader the consumer needs.
type messageFetcher interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads chat message envelopes from the durable log and feeds them
// to the persistence handler. Offsets are committed only after the handler
// finishes, so a crash resumes from the last committed offset and redelivers
// anything in flight.
type Consumer struct {
	reader   messageFetcher
	handler  Handler
	cooldown time.Duration
}

// NewConsumer creates a Consumer in the given consumer group.
func NewConsumer(brokers []string, topic, groupID string, cooldown time.Duration, handler Handler) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MaxBytes: 10e6, // 10MB
		Logger:   kafka.LoggerFunc(log.Printf),
	})
	return newConsumer(reader, cooldown, handler)
}

func newConsumer(reader messageFetcher, cooldown time.Duration, handler Handler) *Consumer {
	return &Consumer{
		reader:   reader,
		handler:  handler,
		cooldown: cooldown,
	}
}

// Run consumes until the context is cancelled. Fetch failures are logged and
// retried after a pause; the underlying reader re-establishes its broker
// connection and group membership itself.
func (c *Consumer) Run(ctx context.Context) error {
	log.Printf("[Kafka] Consumer started")

	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Printf("[Kafka] Consumer stopping: %v", ctx.Err())
				return ctx.Err()
			}
			log.Printf("[Kafka] Fetch failed: %v", err)
			if !c.pause(ctx) {
				return ctx.Err()
			}
			continue
		}

		if err := c.process(ctx, m); err != nil {
			// Context cancelled mid-processing: leave the offset
			// uncommitted so the message is redelivered on restart
			return err
		}
	}
}

// process handles one fetched message and commits its offset. Returns an
// error only on context cancellation.
func (c *Consumer) process(ctx context.Context, m kafka.Message) error {
	var env models.MessageEnvelope
	if err := json.Unmarshal(m.Value, &env); err != nil {
		// Malformed payloads can never succeed; pause, then skip
		log.Printf("[Kafka] Dropping malformed envelope at offset %d: %v", m.Offset, err)
		if !c.pause(ctx) {
			return ctx.Err()
		}
		return c.commit(ctx, m)
	}

	for attempt := 1; ; attempt++ {
		err := c.handler(ctx, &env)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		log.Printf("[Kafka] Processing message %s failed (attempt %d/%d): %v",
			env.TempID, attempt, consumerMaxRetries, err)

		if !c.pause(ctx) {
			return ctx.Err()
		}
		if attempt >= consumerMaxRetries {
			log.Printf("[Kafka] Giving up on message %s, skipping past it", env.TempID)
			break
		}
	}

	return c.commit(ctx, m)
}

func (c *Consumer) commit(ctx context.Context, m kafka.Message) error {
	if err := c.reader.CommitMessages(ctx, m); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// The message was processed; at worst the uncommitted offset is
		// redelivered and the dedupe guard skips it
		log.Printf("[Kafka] Commit failed at offset %d: %v", m.Offset, err)
	}
	return nil
}

// pause sleeps for the cool-down window. Returns false if the context was
// cancelled during the pause.
func (c *Consumer) pause(ctx context.Context) bool {
	select {
	case <-time.After(c.cooldown):
		return true
	case <-ctx.Done():
		return false
	}
}

// Close disconnects the consumer from the log, committing its final offsets.
func (c *Consumer) Close() error {
	return c.reader.Close()
}

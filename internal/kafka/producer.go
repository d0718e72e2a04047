package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/convo-chat/convo/internal/models"
)

const (
	producerMaxAttempts  = 5
	producerFirstBackoff = 200 * time.Millisecond
	producerMaxBackoff   = 5 * time.Second
)

// PublishError reports that a message could not be handed to the durable
// log after exhausting retries. The real-time broadcast already happened by
// the time this surfaces; the caller logs it for operators and moves on.
type PublishError struct {
	Attempts int
	Err      error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("durable log publish failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// messageWriter is the slice of kafka.Writer the producer needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer hands chat message envelopes to the durable log.
type Producer struct {
	writer       messageWriter
	maxAttempts  int
	firstBackoff time.Duration
	maxBackoff   time.Duration
}

// NewProducer creates a Producer writing to the given topic. Messages are
// keyed by conversation id so one conversation always lands on one
// partition, which keeps per-conversation consumption ordered and
// single-threaded.
func NewProducer(brokers []string, topic string) *Producer {
	writer := &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.LeastBytes{},
		Logger:   kafka.LoggerFunc(log.Printf),
	}
	return newProducer(writer)
}

func newProducer(writer messageWriter) *Producer {
	return &Producer{
		writer:       writer,
		maxAttempts:  producerMaxAttempts,
		firstBackoff: producerFirstBackoff,
		maxBackoff:   producerMaxBackoff,
	}
}

// Produce submits an envelope to the durable log, retrying transient broker
// failures with capped exponential backoff. Returns a *PublishError once
// retries are exhausted.
func (p *Producer) Produce(ctx context.Context, env *models.MessageEnvelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal message envelope: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(env.ConversationID),
		Value: data,
		Time:  env.CreatedAt,
	}

	backoff := p.firstBackoff
	var lastErr error
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		lastErr = p.writer.WriteMessages(ctx, msg)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("durable log publish cancelled: %w", ctx.Err())
		}

		log.Printf("[Kafka] Publish attempt %d/%d for message %s failed: %v",
			attempt, p.maxAttempts, env.TempID, lastErr)

		if attempt == p.maxAttempts {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return fmt.Errorf("durable log publish cancelled: %w", ctx.Err())
		}
		backoff *= 2
		if backoff > p.maxBackoff {
			backoff = p.maxBackoff
		}
	}

	return &PublishError{Attempts: p.maxAttempts, Err: lastErr}
}

// Close flushes buffered messages and releases the writer. Called during
// graceful shutdown so nothing accepted by Produce is silently dropped.
func (p *Producer) Close() error {
	return p.writer.Close()
}

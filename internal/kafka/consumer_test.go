package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convo-chat/convo/internal/models"
)

// fakeFetcher serves a fixed queue of messages, then cancels the run
// context so Run returns.
type fakeFetcher struct {
	cancel    context.CancelFunc
	mu        sync.Mutex
	queue     []kafkago.Message
	committed []kafkago.Message
}

func (f *fakeFetcher) FetchMessage(ctx context.Context) (kafkago.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		f.cancel()
		return kafkago.Message{}, ctx.Err()
	}
	m := f.queue[0]
	f.queue = f.queue[1:]
	return m, nil
}

func (f *fakeFetcher) CommitMessages(_ context.Context, msgs ...kafkago.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.committed = append(f.committed, msgs...)
	return nil
}

func (f *fakeFetcher) Close() error { return nil }

func (f *fakeFetcher) committedOffsets() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	offsets := make([]int64, 0, len(f.committed))
	for _, m := range f.committed {
		offsets = append(offsets, m.Offset)
	}
	return offsets
}

func envelopeMessage(t *testing.T, offset int64, tempID string) kafkago.Message {
	t.Helper()
	env := models.MessageEnvelope{
		TempID:         tempID,
		ConversationID: "conv-1",
		SenderID:       "alice",
		Content:        "hi",
	}
	data, err := json.Marshal(env)
	require.NoError(t, err)
	return kafkago.Message{Offset: offset, Value: data}
}

func runConsumer(t *testing.T, queue []kafkago.Message, handler Handler) *fakeFetcher {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	fetcher := &fakeFetcher{cancel: cancel, queue: queue}
	c := newConsumer(fetcher, time.Millisecond, handler)

	err := c.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	return fetcher
}

func TestConsumer_ProcessesAndCommits(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	handler := func(_ context.Context, env *models.MessageEnvelope) error {
		mu.Lock()
		seen = append(seen, env.TempID)
		mu.Unlock()
		return nil
	}

	fetcher := runConsumer(t, []kafkago.Message{
		envelopeMessage(t, 1, "t1"),
		envelopeMessage(t, 2, "t2"),
	}, handler)

	assert.Equal(t, []string{"t1", "t2"}, seen)
	assert.Equal(t, []int64{1, 2}, fetcher.committedOffsets(), "offsets committed after processing")
}

func TestConsumer_MalformedEnvelopeSkippedAfterCooldown(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	handler := func(_ context.Context, env *models.MessageEnvelope) error {
		mu.Lock()
		seen = append(seen, env.TempID)
		mu.Unlock()
		return nil
	}

	fetcher := runConsumer(t, []kafkago.Message{
		{Offset: 1, Value: []byte("{not json")},
		envelopeMessage(t, 2, "t2"),
	}, handler)

	assert.Equal(t, []string{"t2"}, seen, "the valid envelope after the poison pill is processed")
	assert.Equal(t, []int64{1, 2}, fetcher.committedOffsets(), "the poison pill is committed past, not redelivered forever")
}

func TestConsumer_RetriesFailingEnvelopeThenSkips(t *testing.T) {
	var mu sync.Mutex
	attempts := map[string]int{}
	handler := func(_ context.Context, env *models.MessageEnvelope) error {
		mu.Lock()
		defer mu.Unlock()
		attempts[env.TempID]++
		if env.TempID == "bad" {
			return errors.New("store down")
		}
		return nil
	}

	fetcher := runConsumer(t, []kafkago.Message{
		envelopeMessage(t, 1, "bad"),
		envelopeMessage(t, 2, "good"),
	}, handler)

	assert.Equal(t, consumerMaxRetries, attempts["bad"], "failing envelope retried a bounded number of times")
	assert.Equal(t, 1, attempts["good"], "consumption resumes after the cool-down")
	assert.Equal(t, []int64{1, 2}, fetcher.committedOffsets())
}

func TestConsumer_TransientFailureRecoversBeforeSkip(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	handler := func(context.Context, *models.MessageEnvelope) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return errors.New("transient")
		}
		return nil
	}

	fetcher := runConsumer(t, []kafkago.Message{envelopeMessage(t, 1, "t1")}, handler)

	assert.Equal(t, 2, calls, "second attempt succeeds after the cool-down")
	assert.Equal(t, []int64{1}, fetcher.committedOffsets())
}

func TestConsumer_StopsWithoutCommittingOnCancelMidProcessing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	fetcher := &fakeFetcher{cancel: cancel, queue: []kafkago.Message{envelopeMessage(t, 1, "t1")}}
	handler := func(context.Context, *models.MessageEnvelope) error {
		cancel()
		return errors.New("interrupted")
	}
	c := newConsumer(fetcher, time.Millisecond, handler)

	err := c.Run(ctx)

	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, fetcher.committedOffsets(), "offset stays uncommitted for redelivery")
}

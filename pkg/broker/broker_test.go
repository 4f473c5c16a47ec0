package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/segmentio/kafka-go"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Energinet-DataHub/opengeh-edi-sub022/config"
)

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func header(m kafka.Message, key string) string {
	for _, h := range m.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func TestKafkaPublisherSetsKeyAndHeaders(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaPublisher{writer: w}

	err := p.Publish(context.Background(), Message{
		ID: "evt-1", Type: "ActorMessageDequeued", Key: "5790000000001/DDM",
		Payload: []byte(`{}`), Headers: map[string]string{"source": "edi"},
	})
	require.NoError(t, err)
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "5790000000001/DDM", string(w.msgs[0].Key))
	assert.Equal(t, "evt-1", header(w.msgs[0], HeaderEventID))
	assert.Equal(t, "ActorMessageDequeued", header(w.msgs[0], HeaderEventType))
	assert.Equal(t, "edi", header(w.msgs[0], "source"))
}

type failingPublisher struct{ calls int }

func (p *failingPublisher) Publish(context.Context, Message) error {
	p.calls++
	return errors.New("connection refused")
}

func (p *failingPublisher) Close() error { return nil }

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	inner := &failingPublisher{}
	p := NewBreakerPublisher(inner, "test", config.BreakerConfig{ConsecutiveFailures: 2, Timeout: time.Minute}, zap.NewNop())

	for i := 0; i < 2; i++ {
		err := p.Publish(context.Background(), Message{ID: "x"})
		assert.ErrorContains(t, err, "connection refused")
	}
	assert.Equal(t, gobreaker.StateOpen, p.State())

	err := p.Publish(context.Background(), Message{ID: "x"})
	assert.ErrorIs(t, err, ErrBrokerUnavailable)
	assert.Equal(t, 2, inner.calls, "open breaker does not reach the broker")
}

type fakeChannel struct {
	exchange, key string
	msg           amqp.Publishing
}

func (c *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	c.exchange, c.key, c.msg = exchange, key, msg
	return nil
}

func (c *fakeChannel) Close() error { return nil }

func TestRabbitPublisherUsesPersistentDelivery(t *testing.T) {
	ch := &fakeChannel{}
	p := &RabbitPublisher{channel: ch, exchange: "edi.integration-events", routingKey: "edi"}

	require.NoError(t, p.Publish(context.Background(), Message{ID: "evt-1", Type: "ActorMessageDequeued", Payload: []byte(`{}`)}))
	assert.Equal(t, "edi.integration-events", ch.exchange)
	assert.Equal(t, "edi.ActorMessageDequeued", ch.key)
	assert.Equal(t, amqp.Persistent, ch.msg.DeliveryMode)
	assert.Equal(t, "evt-1", ch.msg.MessageId)
}

type fakeReader struct {
	mu        sync.Mutex
	pending   []kafka.Message
	committed []int64
	// block waits for cancellation instead of failing once drained
	block bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.pending) == 0 {
		r.mu.Unlock()
		if r.block {
			<-ctx.Done()
			return kafka.Message{}, ctx.Err()
		}
		return kafka.Message{}, io.EOF
	}
	defer r.mu.Unlock()
	m := r.pending[0]
	r.pending = r.pending[1:]
	return m, nil
}

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func inbound(offset int64, id string) kafka.Message {
	return kafka.Message{
		Offset: offset,
		Value:  []byte(`{}`),
		Headers: []kafka.Header{
			{Key: HeaderEventID, Value: []byte(id)},
			{Key: HeaderEventType, Value: []byte("EnergyResultProduced")},
		},
	}
}

func fastConsumer(r messageReader, h Handler) *KafkaConsumer {
	c := newKafkaConsumer(r, h, zap.NewNop())
	c.backoff = func() backoff.BackOff { return backoff.NewConstantBackOff(time.Millisecond) }
	return c
}

func TestKafkaConsumerRetriesTransientFailures(t *testing.T) {
	r := &fakeReader{pending: []kafka.Message{inbound(1, "a"), inbound(2, "b")}}
	attempts := map[string]int{}
	c := fastConsumer(r, func(_ context.Context, msg Message) error {
		attempts[msg.ID]++
		if msg.ID == "a" && attempts[msg.ID] < 3 {
			return errors.New("database is locked")
		}
		return nil
	})

	err := c.Run(context.Background())
	assert.ErrorContains(t, err, "fetch message")
	assert.Equal(t, 3, attempts["a"])
	assert.Equal(t, []int64{1, 2}, r.committed)
}

func TestKafkaConsumerWithoutDeadLetterStopsOnPermanentFailure(t *testing.T) {
	r := &fakeReader{pending: []kafka.Message{inbound(1, "a"), inbound(2, "b")}}
	calls := 0
	c := fastConsumer(r, func(context.Context, Message) error {
		calls++
		return fmt.Errorf("unknown event type: %w", ErrPermanent)
	})

	err := c.Run(context.Background())
	assert.ErrorIs(t, err, ErrPermanent)
	assert.Equal(t, 1, calls)
	assert.Empty(t, r.committed)
}

func TestKafkaConsumerParksPermanentFailures(t *testing.T) {
	r := &fakeReader{pending: []kafka.Message{inbound(1, "a"), inbound(2, "b")}}
	dlq := &fakeWriter{}
	calls := 0
	c := fastConsumer(r, func(_ context.Context, msg Message) error {
		calls++
		if msg.ID == "a" {
			return fmt.Errorf("unknown event type: %w", ErrPermanent)
		}
		return nil
	})
	c.deadLetter = dlq

	err := c.Run(context.Background())
	assert.ErrorContains(t, err, "fetch message")
	assert.Equal(t, 2, calls)
	assert.Equal(t, []int64{1, 2}, r.committed)

	require.Len(t, dlq.msgs, 1)
	assert.Equal(t, "a", header(dlq.msgs[0], HeaderEventID))
	assert.Equal(t, "1", header(dlq.msgs[0], HeaderSourceOffset))
	assert.Contains(t, header(dlq.msgs[0], HeaderError), "unknown event type")
}

func TestKafkaConsumerStopsWhenParkingFails(t *testing.T) {
	r := &fakeReader{pending: []kafka.Message{inbound(1, "a")}}
	c := fastConsumer(r, func(context.Context, Message) error { return ErrPermanent })
	c.deadLetter = &fakeWriter{err: errors.New("leader not available")}

	err := c.Run(context.Background())
	assert.ErrorContains(t, err, "park offset 1")
	assert.Empty(t, r.committed)
}

func TestSupervisorRestartsStoppedConsumer(t *testing.T) {
	readers := []*fakeReader{
		{pending: []kafka.Message{inbound(1, "bad")}},
		{pending: []kafka.Message{inbound(1, "bad"), inbound(2, "good")}, block: true},
	}
	var builds int
	handler := func(_ context.Context, msg Message) error {
		if msg.ID == "bad" && builds == 1 {
			return errors.New("database is locked")
		}
		return nil
	}
	s := NewConsumerSupervisor(func() *KafkaConsumer {
		r := readers[builds]
		builds++
		c := fastConsumer(r, handler)
		c.maxRetries = 2
		return c
	}, 5*time.Millisecond, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return len(readers[1].commits()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.NoError(t, s.Ping(ctx))
	assert.Empty(t, readers[0].commits())

	cancel()
	<-done
	assert.Equal(t, 2, builds)
}

func TestSupervisorReportsStoppedConsumer(t *testing.T) {
	s := NewConsumerSupervisor(func() *KafkaConsumer {
		return fastConsumer(&fakeReader{}, func(context.Context, Message) error { return nil })
	}, time.Hour, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return s.Ping(context.Background()) != nil }, 2*time.Second, 5*time.Millisecond)
	assert.ErrorContains(t, s.Ping(context.Background()), "inbound consumer stopped")

	cancel()
	<-done
}

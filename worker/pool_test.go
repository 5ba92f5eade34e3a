package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConsumer struct {
	mu       sync.Mutex
	channels []chan amqp.Delivery
	tags     []string
	err      error
}

func (f *fakeConsumer) Consume(tag string) (<-chan amqp.Delivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	ch := make(chan amqp.Delivery)
	f.channels = append(f.channels, ch)
	f.tags = append(f.tags, tag)
	return ch, nil
}

type countingHandler struct {
	started atomic.Int32
}

func (h *countingHandler) Run(ctx context.Context, id int, deliveries <-chan amqp.Delivery) {
	h.started.Add(1)
	<-ctx.Done()
}

func TestPool_StartsConfiguredWorkers(t *testing.T) {
	consumer := &fakeConsumer{}
	handler := &countingHandler{}
	pool := NewPool(consumer, handler, Config{Workers: 3, ConsumerTag: "test"})

	require.NoError(t, pool.Start(context.Background()))
	pool.Stop()

	assert.Equal(t, int32(3), handler.started.Load())
	assert.Equal(t, []string{"test-0", "test-1", "test-2"}, consumer.tags)
}

func TestPool_StartFailsWhenConsumerFails(t *testing.T) {
	consumer := &fakeConsumer{err: assert.AnError}
	pool := NewPool(consumer, &countingHandler{}, Config{Workers: 2, ConsumerTag: "test"})

	err := pool.Start(context.Background())
	require.Error(t, err)
}

func TestPool_DefaultsToOneWorker(t *testing.T) {
	consumer := &fakeConsumer{}
	handler := &countingHandler{}
	pool := NewPool(consumer, handler, Config{Workers: 0, ConsumerTag: "test"})

	require.NoError(t, pool.Start(context.Background()))
	pool.Stop()
	assert.Equal(t, int32(1), handler.started.Load())
}

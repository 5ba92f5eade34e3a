// Package worker supervises a pool of chunk-processing goroutines
// consuming from the ingestion task queue.
package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/streadway/amqp"

	"ledgerflow.dev/ingest/common"
)

// Consumer opens a delivery stream from the task queue.
type Consumer interface {
	Consume(consumerTag string) (<-chan amqp.Delivery, error)
}

// Handler processes deliveries until the context is cancelled or the
// channel closes. id identifies the goroutine for logging.
type Handler interface {
	Run(ctx context.Context, id int, deliveries <-chan amqp.Delivery)
}

// Config configures the pool.
type Config struct {
	Workers     int    // concurrent handler goroutines
	ConsumerTag string // base AMQP consumer tag
}

// DefaultConfig returns a pool sized for one-process deployments.
func DefaultConfig() Config {
	return Config{Workers: 4, ConsumerTag: "ingest-worker"}
}

// Pool runs Config.Workers handler goroutines, each reading its own
// consumer stream on the task queue. The broker balances messages across
// the streams.
type Pool struct {
	consumer Consumer
	handler  Handler
	cfg      Config

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool wires a pool to its queue consumer and task handler.
func NewPool(consumer Consumer, handler Handler, cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Pool{consumer: consumer, handler: handler, cfg: cfg}
}

// Start opens one consumer stream per worker and launches the handler
// goroutines. It returns once all workers are running.
func (p *Pool) Start(ctx context.Context) error {
	ctx, p.cancel = context.WithCancel(ctx)
	common.Logger.WithField("workers", p.cfg.Workers).Info("starting worker pool")

	for i := 0; i < p.cfg.Workers; i++ {
		tag := fmt.Sprintf("%s-%d", p.cfg.ConsumerTag, i)
		deliveries, err := p.consumer.Consume(tag)
		if err != nil {
			p.cancel()
			p.wg.Wait()
			return fmt.Errorf("failed to start consumer %s: %w", tag, err)
		}

		p.wg.Add(1)
		id := i
		go func() {
			defer p.wg.Done()
			p.handler.Run(ctx, id, deliveries)
		}()
	}
	return nil
}

// Stop cancels all workers and blocks until they have drained.
func (p *Pool) Stop() {
	common.Logger.Info("stopping worker pool")
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	common.Logger.Info("worker pool stopped")
}

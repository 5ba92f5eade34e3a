// Package queue publishes and consumes the ingestion task queue over
// RabbitMQ. It is the transport the job orchestrator uses to hand a
// committed upload to a chunk worker; the queue's depth is also the
// backpressure signal the orchestrator checks before accepting a new
// job.
package queue

import (
	"encoding/json"
	"fmt"

	"github.com/streadway/amqp"

	"ledgerflow.dev/ingest/common"
)

// MessagePublisher publishes ingestion tasks to the queue. Defined as an
// interface so the orchestrator can be tested without a broker.
type MessagePublisher interface {
	PublishTask(task IngestTask) error
	Close() error
}

// The broker is reached through the three interfaces below instead of
// the amqp types directly, so tests can stand in for a live RabbitMQ.
// Each carries exactly the calls this package makes: declare the task
// queue, publish, consume, inspect depth, and close.

// Dialer opens a broker connection.
type Dialer interface {
	Dial(url string) (Connection, error)
}

// Connection is an open broker connection that can hand out channels.
type Connection interface {
	Channel() (Channel, error)
	Close() error
}

// Channel is one broker channel, scoped to the ingestion queue's needs.
type Channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	QueueInspect(name string) (amqp.Queue, error)
	Close() error
}

// amqpDialer and amqpConnection adapt the streadway types onto the
// interfaces above; *amqp.Channel already satisfies Channel directly.
type amqpDialer struct{}

func (amqpDialer) Dial(url string) (Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return amqpConnection{conn: conn}, nil
}

type amqpConnection struct {
	conn *amqp.Connection
}

func (c amqpConnection) Channel() (Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (c amqpConnection) Close() error { return c.conn.Close() }

var _ Channel = (*amqp.Channel)(nil)

// RabbitMQService is a MessagePublisher backed by a real or injected AMQP
// connection and channel.
type RabbitMQService struct {
	connection Connection
	channel    Channel
	queueName  string
}

// Config carries the RabbitMQ connection parameters.
type Config struct {
	URL       string
	QueueName string
}

// NewRabbitMQService dials url and declares QueueName as a durable queue.
func NewRabbitMQService(cfg Config) (*RabbitMQService, error) {
	return NewRabbitMQServiceWithDialer(cfg, amqpDialer{})
}

// NewRabbitMQServiceWithDialer allows injecting a fake dialer for tests.
func NewRabbitMQServiceWithDialer(cfg Config, dialer Dialer) (*RabbitMQService, error) {
	conn, err := dialer.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	if _, err := ch.QueueDeclare(cfg.QueueName, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	return &RabbitMQService{connection: conn, channel: ch, queueName: cfg.QueueName}, nil
}

// PublishTask marshals task to JSON and publishes it to the ingestion queue.
func (r *RabbitMQService) PublishTask(task IngestTask) error {
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	err = r.channel.Publish("", r.queueName, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish task: %w", err)
	}

	common.Logger.WithField("job_id", task.JobID).Debug("published ingestion task")
	return nil
}

// Consume starts consuming tasks from the ingestion queue. The returned
// channel yields raw deliveries; the caller (the chunk worker) decodes and
// acks/nacks each one.
func (r *RabbitMQService) Consume(consumerTag string) (<-chan amqp.Delivery, error) {
	return r.channel.Consume(r.queueName, consumerTag, false, false, false, false, nil)
}

// Depth inspects the queue and returns its current message count, the
// backpressure signal create-job checks.
func (r *RabbitMQService) Depth() (int, error) {
	q, err := r.channel.QueueInspect(r.queueName)
	if err != nil {
		return 0, fmt.Errorf("failed to inspect queue: %w", err)
	}
	return q.Messages, nil
}

// Close closes the channel and connection.
func (r *RabbitMQService) Close() error {
	if r.channel != nil {
		r.channel.Close()
	}
	if r.connection != nil {
		r.connection.Close()
	}
	return nil
}

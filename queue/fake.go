package queue

import (
	"github.com/streadway/amqp"
)

// FakeDialer, FakeConnection, and FakeChannel form an in-memory broker
// for tests. The channel records what was declared and published and
// replays whatever deliveries a test seeds.

type FakeDialer struct {
	Conn    *FakeConnection
	DialErr error
	LastURL string
}

// NewFakeDialer returns a dialer wired to a fresh connection and channel.
func NewFakeDialer() *FakeDialer {
	return &FakeDialer{Conn: &FakeConnection{Chan: &FakeChannel{}}}
}

func (d *FakeDialer) Dial(url string) (Connection, error) {
	d.LastURL = url
	if d.DialErr != nil {
		return nil, d.DialErr
	}
	return d.Conn, nil
}

// Channel returns the fake's single channel.
func (d *FakeDialer) Channel() *FakeChannel { return d.Conn.Chan }

type FakeConnection struct {
	Chan       *FakeChannel
	ChannelErr error
	Closed     bool
}

func (c *FakeConnection) Channel() (Channel, error) {
	if c.ChannelErr != nil {
		return nil, c.ChannelErr
	}
	return c.Chan, nil
}

func (c *FakeConnection) Close() error {
	c.Closed = true
	return nil
}

type FakeChannel struct {
	DeclaredQueue string
	Published     []amqp.Publishing
	Deliveries    chan amqp.Delivery
	Depth         int

	DeclareErr error
	PublishErr error
	ConsumeErr error
	InspectErr error

	Closed bool
}

func (ch *FakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	if ch.DeclareErr != nil {
		return amqp.Queue{}, ch.DeclareErr
	}
	ch.DeclaredQueue = name
	return amqp.Queue{Name: name}, nil
}

func (ch *FakeChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if ch.PublishErr != nil {
		return ch.PublishErr
	}
	ch.Published = append(ch.Published, msg)
	return nil
}

func (ch *FakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	if ch.ConsumeErr != nil {
		return nil, ch.ConsumeErr
	}
	if ch.Deliveries == nil {
		ch.Deliveries = make(chan amqp.Delivery)
	}
	return ch.Deliveries, nil
}

func (ch *FakeChannel) QueueInspect(name string) (amqp.Queue, error) {
	if ch.InspectErr != nil {
		return amqp.Queue{}, ch.InspectErr
	}
	return amqp.Queue{Name: name, Messages: ch.Depth}, nil
}

func (ch *FakeChannel) Close() error {
	ch.Closed = true
	return nil
}

var (
	_ Dialer     = (*FakeDialer)(nil)
	_ Connection = (*FakeConnection)(nil)
	_ Channel    = (*FakeChannel)(nil)
)

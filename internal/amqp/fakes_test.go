package amqp

import (
	"context"
	"errors"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// recorder keeps the order of calls across connection and channel.
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	copy(out, r.calls)
	return out
}

type declaredQueue struct {
	Name    string
	Durable bool
	Args    amqp.Table
}

type fakeConfirmation struct {
	acked bool
	err   error
}

func (c fakeConfirmation) WaitContext(ctx context.Context) (bool, error) {
	return c.acked, c.err
}

type fakeChannel struct {
	rec        *recorder
	mu         sync.Mutex
	qos        int
	confirms   bool
	declared   []declaredQueue
	published  []amqp.Publishing
	publishErr error
	confirm    Confirmation
	declareErr error
	consumeErr error
	deliveries chan amqp.Delivery
	autoAck    bool
	closeErr   error
}

func (c *fakeChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	c.rec.add("channel.qos")
	c.qos = prefetchCount
	return nil
}

func (c *fakeChannel) Confirm(noWait bool) error {
	c.rec.add("channel.confirm")
	c.confirms = true
	return nil
}

func (c *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	c.rec.add("channel.declare " + name)
	if c.declareErr != nil {
		return amqp.Queue{}, c.declareErr
	}
	c.declared = append(c.declared, declaredQueue{Name: name, Durable: durable, Args: args})
	return amqp.Queue{Name: name}, nil
}

func (c *fakeChannel) Publish(ctx context.Context, exchange, key string, msg amqp.Publishing) (Confirmation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publishErr != nil {
		return nil, c.publishErr
	}
	c.published = append(c.published, msg)
	return c.confirm, nil
}

func (c *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	c.rec.add("channel.consume " + queue)
	if c.consumeErr != nil {
		return nil, c.consumeErr
	}
	c.autoAck = autoAck
	if c.deliveries == nil {
		c.deliveries = make(chan amqp.Delivery)
	}
	return c.deliveries, nil
}

func (c *fakeChannel) Cancel(consumer string, noWait bool) error {
	c.rec.add("channel.cancel " + consumer)
	return nil
}

func (c *fakeChannel) Close() error {
	c.rec.add("channel.close")
	return c.closeErr
}

type fakeConnection struct {
	rec        *recorder
	ch         *fakeChannel
	channelErr error
	notify     chan *amqp.Error
	closeErr   error
}

func (c *fakeConnection) Channel() (Channel, error) {
	c.rec.add("connection.channel")
	if c.channelErr != nil {
		return nil, c.channelErr
	}
	return c.ch, nil
}

func (c *fakeConnection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.notify = receiver
	return receiver
}

func (c *fakeConnection) Close() error {
	c.rec.add("connection.close")
	return c.closeErr
}

// fakeBroker hands out one connection and counts dial attempts.
type fakeBroker struct {
	rec       *recorder
	conn      *fakeConnection
	failDials int
	dials     int
}

func newFakeBroker() *fakeBroker {
	rec := &recorder{}
	ch := &fakeChannel{rec: rec}
	return &fakeBroker{rec: rec, conn: &fakeConnection{rec: rec, ch: ch}}
}

func (b *fakeBroker) dial(url string) (Connection, error) {
	b.dials++
	b.rec.add("dial")
	if b.dials <= b.failDials {
		return nil, errors.New("dial tcp: connection refused")
	}
	return b.conn, nil
}

package amqp

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Connection is the part of *amqp.Connection the session drives.
type Connection interface {
	Channel() (Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
}

// Channel is the part of *amqp.Channel the session drives.
type Channel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	Confirm(noWait bool) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Publish(ctx context.Context, exchange, key string, msg amqp.Publishing) (Confirmation, error)
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	Close() error
}

// Confirmation is a pending publisher confirm.
type Confirmation interface {
	WaitContext(ctx context.Context) (bool, error)
}

// Dialer opens a broker connection.
type Dialer func(url string) (Connection, error)

// Dial connects to a RabbitMQ broker.
func Dial(url string) (Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	return &connection{conn: conn}, nil
}

type connection struct {
	conn *amqp.Connection
}

func (c *connection) Channel() (Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, err
	}
	return &channel{ch: ch}, nil
}

func (c *connection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	return c.conn.NotifyClose(receiver)
}

func (c *connection) Close() error {
	return c.conn.Close()
}

type channel struct {
	ch *amqp.Channel
}

func (c *channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	return c.ch.Qos(prefetchCount, prefetchSize, global)
}

func (c *channel) Confirm(noWait bool) error {
	return c.ch.Confirm(noWait)
}

func (c *channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	return c.ch.QueueDeclare(name, durable, autoDelete, exclusive, noWait, args)
}

// Publish returns a nil Confirmation when the channel is not in confirm mode.
func (c *channel) Publish(ctx context.Context, exchange, key string, msg amqp.Publishing) (Confirmation, error) {
	dc, err := c.ch.PublishWithDeferredConfirmWithContext(ctx, exchange, key, false, false, msg)
	if err != nil {
		return nil, err
	}
	if dc == nil {
		return nil, nil
	}
	return dc, nil
}

func (c *channel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	return c.ch.Consume(queue, consumer, autoAck, exclusive, noLocal, noWait, args)
}

func (c *channel) Cancel(consumer string, noWait bool) error {
	return c.ch.Cancel(consumer, noWait)
}

func (c *channel) Close() error {
	return c.ch.Close()
}

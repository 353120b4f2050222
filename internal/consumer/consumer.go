// Package consumer drains the queue, hands every delivery to the message
// processor and settles it with the broker once the outcome is known.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aanthord/ingest-amqp/internal/business"
	"github.com/aanthord/ingest-amqp/internal/metrics"
	"github.com/aanthord/ingest-amqp/internal/tracing"
	"github.com/aanthord/ingest-amqp/internal/types"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const DefaultTag = "ingest-consumer"

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateSubscribed
	StateDraining
	StateClosed
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Session is the broker handle the consumer receives through.
type Session interface {
	Connect(ctx context.Context) error
	Consume(consumerTag string) (<-chan amqp.Delivery, error)
	Drain() error
	Closed() <-chan *amqp.Error
	Close() error
}

type Processor interface {
	Process(ctx context.Context, body []byte) (business.Result, error)
}

type Config struct {
	Tag string
	// Prefetch bounds the handlers running at once. It must match the
	// channel QoS so the broker never pushes more than can be handled.
	Prefetch        int
	MaxDeliveries   int
	DeadLetter      bool
	ShutdownTimeout time.Duration
	// RequeueDelay holds a failed delivery before it is handed back to the
	// broker, so a poison message does not spin through the queue.
	RequeueDelay time.Duration
}

type Consumer struct {
	cfg       Config
	session   Session
	processor Processor
	logger    *zap.SugaredLogger
	state     atomic.Int32
}

func New(cfg Config, session Session, processor Processor, logger *zap.SugaredLogger) *Consumer {
	if cfg.Tag == "" {
		cfg.Tag = DefaultTag
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}
	return &Consumer{
		cfg:       cfg,
		session:   session,
		processor: processor,
		logger:    logger,
	}
}

func (c *Consumer) State() State {
	return State(c.state.Load())
}

func (c *Consumer) Ready() bool {
	return c.State() == StateSubscribed
}

func (c *Consumer) Status() string {
	return c.State().String()
}

func (c *Consumer) setState(s State) {
	c.state.Store(int32(s))
}

// Run subscribes and handles deliveries until ctx is cancelled, then drains.
// It returns a ConnectionError when the subscription cannot be set up or the
// broker goes away, and the session's close error after a normal shutdown.
func (c *Consumer) Run(ctx context.Context) error {
	c.setState(StateConnecting)
	if err := c.session.Connect(ctx); err != nil {
		c.setState(StateTerminated)
		c.logger.Errorw("Failed to connect consumer", "error", err)
		return err
	}

	deliveries, err := c.session.Consume(c.cfg.Tag)
	if err != nil {
		c.setState(StateTerminated)
		c.logger.Errorw("Failed to subscribe", "error", err)
		_ = c.session.Close()
		return err
	}
	c.setState(StateSubscribed)

	// Handlers outlive ctx so the drain can let them settle.
	handlerCtx, cancelHandlers := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelHandlers()

	sem := semaphore.NewWeighted(int64(c.cfg.Prefetch))
	var wg sync.WaitGroup
	closed := c.session.Closed()

	for {
		select {
		case <-ctx.Done():
			return c.shutdown(&wg, cancelHandlers)

		case amqpErr := <-closed:
			return c.lost(cancelHandlers, fmt.Errorf("connection closed by broker: %v", amqpErr))

		case d, ok := <-deliveries:
			if !ok {
				return c.lost(cancelHandlers, errors.New("delivery channel closed"))
			}
			if err := sem.Acquire(ctx, 1); err != nil {
				// Left unacked; the broker requeues it when the channel closes.
				return c.shutdown(&wg, cancelHandlers)
			}
			wg.Add(1)
			go func(d amqp.Delivery) {
				defer wg.Done()
				defer sem.Release(1)
				c.handle(handlerCtx, d)
			}(d)
		}
	}
}

func (c *Consumer) lost(cancelHandlers context.CancelFunc, cause error) error {
	c.setState(StateTerminated)
	cancelHandlers()
	c.logger.Errorw("Lost connection to RabbitMQ", "error", cause)
	_ = c.session.Close()
	return types.E(types.KindConnection, "consume", cause)
}

// shutdown stops the subscription and gives in-flight handlers up to
// ShutdownTimeout to settle before the session is closed.
func (c *Consumer) shutdown(wg *sync.WaitGroup, cancelHandlers context.CancelFunc) error {
	c.setState(StateDraining)
	c.logger.Info("Shutting down consumer...")

	if err := c.session.Drain(); err != nil {
		c.logger.Warnw("Failed to cancel subscription", "error", err)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	var timeout <-chan time.Time
	if c.cfg.ShutdownTimeout > 0 {
		timer := time.NewTimer(c.cfg.ShutdownTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-done:
	case <-timeout:
		c.logger.Warnw("Shutdown timeout reached, leaving in-flight messages to redelivery", "timeout", c.cfg.ShutdownTimeout)
		cancelHandlers()
	}

	err := c.session.Close()
	c.setState(StateClosed)
	return err
}

func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) {
	metrics.MessagesReceived.Inc()
	metrics.InFlight.Inc()
	defer metrics.InFlight.Dec()

	span, ctx := tracing.StartConsumerSpan(ctx, "Consume", d.Headers)
	defer span.Finish()
	span.SetTag("message_id", d.MessageId)

	c.logger.Debugw("Received message", "message_id", d.MessageId, "delivery_tag", d.DeliveryTag, "redelivered", d.Redelivered)

	res, err := c.processor.Process(ctx, d.Body)
	settlement := Decide(err, d.Headers, c.cfg.DeadLetter, c.cfg.MaxDeliveries)

	if err != nil {
		tracing.MarkError(span, "process_error", err)
		c.logger.Errorw("Failed to process message",
			"message_id", res.ID,
			"delivery_tag", d.DeliveryTag,
			"settlement", settlement,
			"error", err,
		)
	}

	if settlement == Requeue {
		c.holdBeforeRequeue(ctx)
	}

	if err := c.settle(d, settlement); err != nil {
		c.logger.Errorw("Failed to settle message", "message_id", res.ID, "settlement", settlement, "error", err)
		return
	}
	metrics.MessagesSettled.WithLabelValues(settlement.String()).Inc()
}

// holdBeforeRequeue returns early when the drain deadline cancels ctx.
func (c *Consumer) holdBeforeRequeue(ctx context.Context) {
	if c.cfg.RequeueDelay <= 0 {
		return
	}
	timer := time.NewTimer(c.cfg.RequeueDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

func (c *Consumer) settle(d amqp.Delivery, s Settlement) error {
	switch s {
	case Ack:
		return d.Ack(false)
	case DeadLetter:
		return d.Nack(false, false)
	default:
		return d.Nack(false, true)
	}
}

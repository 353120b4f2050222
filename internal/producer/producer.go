// Package producer publishes a freshly generated message to the shared queue
// on every tick of its own timer.
package producer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/aanthord/ingest-amqp/internal/generator"
	"github.com/aanthord/ingest-amqp/internal/metrics"
	"github.com/aanthord/ingest-amqp/internal/models"
	"github.com/aanthord/ingest-amqp/internal/tracing"
	"github.com/aanthord/ingest-amqp/internal/types"
	"github.com/aanthord/ingest-amqp/internal/uuid"
	"github.com/opentracing/opentracing-go"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateReady
	StatePublishing
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
	case StateReady:
		return "ready"
	case StatePublishing:
		return "publishing"
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

// Session is the broker handle a producer publishes through.
type Session interface {
	Connect(ctx context.Context) error
	Publish(ctx context.Context, msg amqp.Publishing) error
	Closed() <-chan *amqp.Error
	Close() error
}

type Config struct {
	Tag            string
	Interval       time.Duration
	PublishTimeout time.Duration
}

type Producer struct {
	cfg     Config
	session Session
	gen     generator.Generator
	ids     uuid.UUIDService
	logger  *zap.SugaredLogger
	now     func() time.Time
	state   atomic.Int32
}

func New(cfg Config, session Session, gen generator.Generator, ids uuid.UUIDService, logger *zap.SugaredLogger) *Producer {
	return &Producer{
		cfg:     cfg,
		session: session,
		gen:     gen,
		ids:     ids,
		logger:  logger.With("producer", cfg.Tag),
		now:     time.Now,
	}
}

func (p *Producer) State() State {
	return State(p.state.Load())
}

// Ready reports whether the producer is connected and ticking.
func (p *Producer) Ready() bool {
	s := p.State()
	return s == StateReady || s == StatePublishing
}

func (p *Producer) Status() string {
	return p.State().String()
}

func (p *Producer) setState(s State) {
	p.state.Store(int32(s))
}

// Run connects, publishes once per interval until ctx is cancelled, and then
// closes the session. A failed connect or a broker-side close ends Run with a
// ConnectionError. Errors closing the session come back as a ShutdownError.
func (p *Producer) Run(ctx context.Context) error {
	p.setState(StateConnecting)
	if err := p.session.Connect(ctx); err != nil {
		p.setState(StateTerminated)
		p.logger.Errorw("Failed to connect producer", "error", err)
		return err
	}
	p.setState(StateReady)
	p.logger.Infow("Producer started", "interval", p.cfg.Interval)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	closed := p.session.Closed()

	for {
		select {
		case <-ctx.Done():
			return p.shutdown()
		case amqpErr := <-closed:
			p.setState(StateTerminated)
			p.logger.Errorw("Broker closed the connection", "error", amqpErr)
			return types.E(types.KindConnection, "run producer", fmt.Errorf("connection closed by broker: %v", amqpErr))
		case <-ticker.C:
			// Failures are logged and counted inside Tick; the loop keeps going.
			_ = p.Tick(ctx)
		}
	}
}

func (p *Producer) shutdown() error {
	p.setState(StateDraining)
	p.logger.Info("Shutting down producer...")
	err := p.session.Close()
	p.setState(StateClosed)
	return err
}

// Tick builds one message and makes exactly one attempt to publish it.
func (p *Producer) Tick(ctx context.Context) error {
	p.setState(StatePublishing)
	defer p.setState(StateReady)

	now := p.now()
	msg := models.NewMessage(p.ids.GenerateUUID(), p.cfg.Tag, p.gen.Generate(), now)

	span, ctx := tracing.StartSpanFromContext(ctx, "Publish", msg.ID)
	defer span.Finish()

	body, err := json.Marshal(msg)
	if err != nil {
		err = types.E(types.KindPublish, "marshal message", err)
		p.fail(msg.ID, span, err)
		return err
	}

	publishing := amqp.Publishing{
		Headers:      tracing.InjectToAMQP(span, nil),
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		AppId:        p.cfg.Tag,
		Timestamp:    now,
		Body:         body,
	}

	if p.cfg.PublishTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.PublishTimeout)
		defer cancel()
	}

	if err := p.session.Publish(ctx, publishing); err != nil {
		p.fail(msg.ID, span, err)
		return err
	}

	metrics.MessagesPublished.WithLabelValues(p.cfg.Tag).Inc()
	p.logger.Infow("Sent message", "message_id", msg.ID, "timestamp", msg.Timestamp)
	return nil
}

func (p *Producer) fail(id string, span opentracing.Span, err error) {
	tracing.MarkError(span, "publish_failed", err)
	metrics.PublishFailures.WithLabelValues(p.cfg.Tag).Inc()
	p.logger.Errorw("Failed to publish message", "message_id", id, "error", err)
}

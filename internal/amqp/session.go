package amqp

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/aanthord/ingest-amqp/internal/types"
	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// State is the lifecycle position of a Session.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateReady
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
	case StateReady:
		return "ready"
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

const (
	QueueTypeClassic = "classic"
	QueueTypeQuorum  = "quorum"
)

// ErrNotReady is returned by Publish and Consume before Connect succeeded or
// after Close.
var ErrNotReady = errors.New("session is not ready")

type Config struct {
	URL             string
	Queue           string
	QueueType       string
	DeadLetterQueue string
	// Prefetch caps unacknowledged deliveries on the channel. Zero leaves the
	// broker default in place, which producers rely on.
	Prefetch       int
	Confirms       bool
	ConnectRetries int
	RetryInterval  time.Duration
}

// Session owns one broker connection and one channel. Agents go through it
// for every broker interaction and never see the raw handles.
type Session struct {
	cfg         Config
	dial        Dialer
	logger      *zap.SugaredLogger
	conn        Connection
	ch          Channel
	closed      chan *amqp.Error
	consumerTag string
	state       atomic.Int32
}

func NewSession(cfg Config, dial Dialer, logger *zap.SugaredLogger) *Session {
	if dial == nil {
		dial = Dial
	}
	if cfg.QueueType == "" {
		cfg.QueueType = QueueTypeClassic
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 500 * time.Millisecond
	}
	return &Session{cfg: cfg, dial: dial, logger: logger}
}

func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// Queue returns the name of the queue the session declared.
func (s *Session) Queue() string {
	return s.cfg.Queue
}

// Closed delivers the broker's error if the connection is lost. It is closed
// without a value when the session is closed on purpose.
func (s *Session) Closed() <-chan *amqp.Error {
	return s.closed
}

// Connect dials the broker, opens a channel and declares the durable queue.
// Dialing is retried with exponential backoff up to ConnectRetries times; any
// failure is a ConnectionError.
func (s *Session) Connect(ctx context.Context) error {
	s.setState(StateConnecting)
	s.logger.Infow("Connecting to RabbitMQ", "queue", s.cfg.Queue)

	var conn Connection
	attempt := 0
	op := func() error {
		attempt++
		c, err := s.dial(s.cfg.URL)
		if err != nil {
			s.logger.Warnw("Failed to connect to RabbitMQ", "attempt", attempt, "error", err)
			return err
		}
		conn = c
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.RetryInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(s.cfg.ConnectRetries)), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		s.setState(StateTerminated)
		return types.E(types.KindConnection, "dial", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		s.setState(StateTerminated)
		return types.E(types.KindConnection, "open channel", errors.Join(err, conn.Close()))
	}

	if err := s.setup(ch); err != nil {
		s.setState(StateTerminated)
		return types.E(types.KindConnection, "setup channel", errors.Join(err, ch.Close(), conn.Close()))
	}

	s.conn = conn
	s.ch = ch
	s.closed = conn.NotifyClose(make(chan *amqp.Error, 1))
	s.setState(StateReady)
	s.logger.Infow("RabbitMQ connected and queue declared", "queue", s.cfg.Queue, "queue_type", s.cfg.QueueType)
	return nil
}

func (s *Session) setup(ch Channel) error {
	if s.cfg.Prefetch > 0 {
		if err := ch.Qos(s.cfg.Prefetch, 0, false); err != nil {
			return fmt.Errorf("failed to set QoS: %w", err)
		}
	}
	if s.cfg.Confirms {
		if err := ch.Confirm(false); err != nil {
			return fmt.Errorf("failed to enable publisher confirms: %w", err)
		}
	}
	if s.cfg.DeadLetterQueue != "" {
		if _, err := ch.QueueDeclare(s.cfg.DeadLetterQueue, true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare dead-letter queue: %w", err)
		}
	}
	if _, err := ch.QueueDeclare(s.cfg.Queue, true, false, false, false, s.queueArgs()); err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}
	return nil
}

// queueArgs must be identical for every agent sharing the queue, otherwise
// the broker rejects the later declaration.
func (s *Session) queueArgs() amqp.Table {
	args := amqp.Table{}
	if s.cfg.QueueType == QueueTypeQuorum {
		args["x-queue-type"] = QueueTypeQuorum
	}
	if s.cfg.DeadLetterQueue != "" {
		args["x-dead-letter-exchange"] = ""
		args["x-dead-letter-routing-key"] = s.cfg.DeadLetterQueue
	}
	if len(args) == 0 {
		return nil
	}
	return args
}

// Publish sends msg to the queue through the default exchange. With confirms
// enabled it returns only after the broker has taken responsibility for it.
func (s *Session) Publish(ctx context.Context, msg amqp.Publishing) error {
	if s.State() != StateReady {
		return types.E(types.KindPublish, "publish", ErrNotReady)
	}

	confirm, err := s.ch.Publish(ctx, "", s.cfg.Queue, msg)
	if err != nil {
		return types.E(types.KindPublish, "publish", err)
	}
	if confirm == nil {
		return nil
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return types.E(types.KindPublish, "wait for confirm", err)
	}
	if !acked {
		return types.E(types.KindPublish, "wait for confirm", errors.New("broker nacked message"))
	}
	return nil
}

// Consume subscribes to the queue in manual acknowledgement mode.
func (s *Session) Consume(consumerTag string) (<-chan amqp.Delivery, error) {
	if s.State() != StateReady {
		return nil, types.E(types.KindConnection, "consume", ErrNotReady)
	}

	deliveries, err := s.ch.Consume(s.cfg.Queue, consumerTag, false, false, false, false, nil)
	if err != nil {
		return nil, types.E(types.KindConnection, "consume", err)
	}

	s.consumerTag = consumerTag
	s.setState(StateSubscribed)
	s.logger.Infow("Waiting for messages", "queue", s.cfg.Queue, "consumer_tag", consumerTag)
	return deliveries, nil
}

// Drain stops new deliveries. Deliveries already handed out may still be
// acknowledged until Close.
func (s *Session) Drain() error {
	prev := s.State()
	if prev != StateReady && prev != StateSubscribed {
		return nil
	}
	s.setState(StateDraining)
	if prev != StateSubscribed {
		return nil
	}
	if err := s.ch.Cancel(s.consumerTag, false); err != nil {
		return types.E(types.KindShutdown, "cancel consumer", err)
	}
	return nil
}

// Close closes the channel and then the connection. It is safe to call more
// than once; only the first call does anything.
func (s *Session) Close() error {
	switch s.State() {
	case StateClosed, StateTerminated, StateDisconnected, StateConnecting:
		return nil
	}
	s.setState(StateDraining)
	s.logger.Info("Closing RabbitMQ connection...")

	var errs []error
	if err := s.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		errs = append(errs, fmt.Errorf("failed to close channel: %w", err))
	}
	if err := s.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		errs = append(errs, fmt.Errorf("failed to close connection: %w", err))
	}
	s.setState(StateClosed)

	if len(errs) > 0 {
		err := types.E(types.KindShutdown, "close", errors.Join(errs...))
		s.logger.Errorw("Error closing RabbitMQ connection", "error", err)
		return err
	}
	s.logger.Info("RabbitMQ connection closed.")
	return nil
}

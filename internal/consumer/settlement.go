package consumer

import (
	"github.com/aanthord/ingest-amqp/internal/metrics"
	"github.com/aanthord/ingest-amqp/internal/types"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Settlement is what the consumer tells the broker about a delivery.
type Settlement int

const (
	Ack Settlement = iota
	Requeue
	DeadLetter
)

func (s Settlement) String() string {
	switch s {
	case Ack:
		return metrics.OutcomeAck
	case DeadLetter:
		return metrics.OutcomeDeadLetter
	default:
		return metrics.OutcomeRequeue
	}
}

// Decide maps a processing result to a settlement. Nothing is dead-lettered
// unless the queue has a dead-letter target. Unparseable bodies go there
// straight away; failed writes only once maxDeliveries attempts are used up.
func Decide(err error, headers amqp.Table, deadLetter bool, maxDeliveries int) Settlement {
	if err == nil {
		return Ack
	}
	if !deadLetter {
		return Requeue
	}
	if types.IsKind(err, types.KindParse) {
		return DeadLetter
	}
	if maxDeliveries > 0 && Attempts(headers) >= maxDeliveries {
		return DeadLetter
	}
	return Requeue
}

// Attempts is the number of times this delivery has been handed out,
// including the current one. Quorum queues count earlier deliveries in the
// x-delivery-count header; classic queues do not, so they always report 1.
func Attempts(headers amqp.Table) int {
	switch n := headers["x-delivery-count"].(type) {
	case int:
		return n + 1
	case int8:
		return int(n) + 1
	case int16:
		return int(n) + 1
	case int32:
		return int(n) + 1
	case int64:
		return int(n) + 1
	case uint8:
		return int(n) + 1
	case uint16:
		return int(n) + 1
	case uint32:
		return int(n) + 1
	case uint64:
		return int(n) + 1
	default:
		return 1
	}
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Settlement outcomes used as the "outcome" label of MessagesSettled.
const (
	OutcomeAck        = "ack"
	OutcomeRequeue    = "requeue"
	OutcomeDeadLetter = "dead_letter"
)

var (
	MessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_published_total",
			Help: "The total number of messages published by producers",
		},
		[]string{"producer"},
	)

	PublishFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "message_publish_failures_total",
			Help: "The total number of producer ticks whose publish failed",
		},
		[]string{"producer"},
	)

	MessagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "messages_received_total",
		Help: "The total number of deliveries received by the consumer",
	})

	MessagesPersisted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "messages_persisted_total",
		Help: "The total number of messages written to the store for the first time",
	})

	DuplicateDeliveries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "messages_duplicate_total",
		Help: "The total number of deliveries whose id was already stored",
	})

	ParseFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "message_parse_failures_total",
		Help: "The total number of deliveries that could not be parsed",
	})

	PersistenceFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "message_persistence_failures_total",
		Help: "The total number of failed store writes",
	})

	MessagesSettled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_settled_total",
			Help: "The total number of deliveries settled, by outcome",
		},
		[]string{"outcome"},
	)

	InFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "messages_in_flight",
		Help: "The number of deliveries currently being processed",
	})

	StoreWriteDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "store_write_duration_seconds",
			Help:    "The duration of store writes in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend"},
	)
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "The total number of ops HTTP requests",
		},
		[]string{"path"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "The duration of ops HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path"},
	)
)

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Sieve action metrics
var (
	SieveActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sieved_actions_total",
			Help: "Total number of executed Sieve actions by verb and result",
		},
		[]string{"verb", "result"},
	)

	SieveExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sieved_script_executions_total",
			Help: "Total number of Sieve script executions",
		},
		[]string{"result"},
	)

	SieveVacationSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sieved_vacation_responses_sent_total",
			Help: "Total number of vacation responses sent",
		},
	)
)

// Duplicate ledger metrics
var (
	LedgerOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sieved_ledger_operations_total",
			Help: "Total number of duplicate ledger operations",
		},
		[]string{"operation", "status"},
	)
)

// Outbound transport metrics
var (
	TransportSends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sieved_transport_sends_total",
			Help: "Total number of outbound submission attempts",
		},
		[]string{"kind", "result"},
	)
)

// Object storage metrics
var (
	StorageOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sieved_storage_operations_total",
			Help: "Total number of S3 storage operations",
		},
		[]string{"operation", "status"},
	)
)

// Delivery metrics
var (
	MessagesDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sieved_messages_delivered_total",
			Help: "Total number of messages delivered to mailboxes",
		},
		[]string{"result"},
	)

	MessageSizeBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sieved_message_size_bytes",
			Help:    "Size of processed messages in bytes",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 8),
		},
	)
)

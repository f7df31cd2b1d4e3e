package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DeliveriesTotal tracks webhook deliveries per family and outcome.
	DeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_deliveries_total",
			Help: "Total number of webhook deliveries",
		},
		[]string{"family", "status"},
	)

	// EventsApplied tracks applied domain events by kind.
	EventsApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_events_applied_total",
			Help: "Total number of domain events applied",
		},
		[]string{"kind"},
	)

	// EventsSkipped tracks skipped events by reason (decode_error,
	// duplicate, orphan, unknown_family).
	EventsSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_events_skipped_total",
			Help: "Total number of events skipped",
		},
		[]string{"reason"},
	)

	// ApplyErrors tracks reducer failures by family.
	ApplyErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_apply_errors_total",
			Help: "Total number of reducer apply failures",
		},
		[]string{"family"},
	)

	// RollbackBlocks tracks reorg blocks rolled back.
	RollbackBlocks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ingest_rollback_blocks_total",
			Help: "Total number of blocks rolled back",
		},
	)

	// RollbackErrors tracks per-block rollback failures.
	RollbackErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ingest_rollback_errors_total",
			Help: "Total number of rollback failures",
		},
	)

	// DeliveryDuration tracks end-to-end delivery processing time.
	DeliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ingest_delivery_duration_seconds",
			Help:    "Webhook delivery processing time in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"family"},
	)

	// LastBlockHeight tracks the highest block height applied.
	LastBlockHeight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ingest_last_block_height",
			Help: "Highest block height applied",
		},
	)

	// RateLimited tracks requests shed by the gateway limiter.
	RateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ingest_rate_limited_total",
			Help: "Total number of rate-limited webhook requests",
		},
	)
)

package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the escrow auditor.
type Metrics struct {
	// --- Replay core ---
	CoreEventsApplied     *prometheus.CounterVec
	CoreEventsRejected    *prometheus.CounterVec
	CoreEventDuration     *prometheus.HistogramVec
	CoreRecordsEmitted    *prometheus.CounterVec
	CoreViolations        *prometheus.CounterVec
	CoreUnhandledTransfer *prometheus.CounterVec
	BlockClockLookups     *prometheus.CounterVec
	ReplayEventsTotal     prometheus.Counter
	ReplayDuration        prometheus.Histogram

	// --- Ingestion ---
	IngestDecodeFailures *prometheus.CounterVec
	IngestDuplicates     *prometheus.CounterVec
	NATSPullLatency      *prometheus.HistogramVec

	// --- Sinks ---
	SinkRowsWritten *prometheus.CounterVec
	SinkErrors      *prometheus.CounterVec
	PersistBatchDur prometheus.Histogram
	PersistRetry    prometheus.Counter

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics on reg. A nil
// registerer means the process-wide default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		// Replay core
		CoreEventsApplied: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_audit_events_applied_total",
			Help: "Events applied by the replay projector",
		}, []string{"event_type"}),

		CoreEventsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_audit_events_rejected_total",
			Help: "Events rejected before dispatch (ordering)",
		}, []string{"event_type", "reason"}),

		CoreEventDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "escrow_audit_event_apply_duration_seconds",
			Help:    "Time to apply a single event",
			Buckets: latencyBuckets,
		}, []string{"event_type"}),

		CoreRecordsEmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_audit_records_emitted_total",
			Help: "Audit records emitted",
		}, []string{"event_type"}),

		CoreViolations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_audit_violations_total",
			Help: "Invariant violations recorded during replay",
		}, []string{"kind"}),

		CoreUnhandledTransfer: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_audit_unhandled_transfers_total",
			Help: "Transfers observed with a type the ledger does not apply",
		}, []string{"transfer_type"}),

		BlockClockLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_audit_block_clock_lookups_total",
			Help: "Block timestamp resolutions (hit/miss/error)",
		}, []string{"result"}),

		ReplayEventsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "escrow_audit_replay_events_total",
			Help: "Events consumed by completed replay sessions",
		}),

		ReplayDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "escrow_audit_replay_duration_seconds",
			Help:    "Wall time of one replay session",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 30.0},
		}),

		// Ingestion
		IngestDecodeFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_audit_decode_failures_total",
			Help: "Raw events discarded at the decoder boundary",
		}, []string{"source", "reason"}),

		IngestDuplicates: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_audit_ingest_duplicates_total",
			Help: "Redelivered events dropped by the position watermark",
		}, []string{"source"}),

		NATSPullLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "escrow_audit_nats_pull_latency_seconds",
			Help:    "NATS pull request latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		}, []string{"subject"}),

		// Sinks
		SinkRowsWritten: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_audit_sink_rows_written_total",
			Help: "Report rows written per sink",
		}, []string{"sink"}),

		SinkErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_audit_sink_errors_total",
			Help: "Sink write errors",
		}, []string{"sink"}),

		PersistBatchDur: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "escrow_audit_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistRetry: factory.NewCounter(prometheus.CounterOpts{
			Name: "escrow_audit_persist_retry_total",
			Help: "Persistence retries",
		}),

		// Query API
		QueryRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_audit_query_requests_total",
			Help: "Report requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "escrow_audit_query_duration_seconds",
			Help:    "Report request latency",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		}, []string{"endpoint"}),
	}
}

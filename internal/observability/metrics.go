package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	CardsExecutedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cards_executed_total",
			Help: "Total number of card executions by card type and outcome",
		},
		[]string{"card_type", "outcome"},
	)
	CardExecutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "card_execution_duration_seconds",
			Help:    "Card execution duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"card_type"},
	)
	GateRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gate_retries_total",
			Help: "Total number of quality-gate retry decisions",
		},
		[]string{"card_type"},
	)
	GateFallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gate_fallbacks_total",
			Help: "Total number of fallback payloads written after budget exhaustion",
		},
		[]string{"card_type"},
	)

	JobsFinalizedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_finalized_total",
			Help: "Total number of jobs finalized by terminal status",
		},
		[]string{"status"},
	)
	CardsInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cards_inflight",
			Help: "Number of cards currently executing",
		},
	)

	EventsAppendedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "job_events_appended_total",
			Help: "Total number of job events appended by type and tier",
		},
		[]string{"event_type", "tier"},
	)
	SSEStreamsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sse_streams_active",
			Help: "Number of active SSE event streams",
		},
	)

	CacheReadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analysis_cache_reads_total",
			Help: "Final-result cache reads by outcome (hit, stale, miss, backup)",
		},
		[]string{"outcome"},
	)
	CacheEvictedBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "analysis_cache_evicted_bytes_total",
			Help: "Bytes removed by the local cache evictor",
		},
	)
	OutboxReplicationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backup_outbox_replications_total",
			Help: "Backup replicator outcomes (replicated, skipped, failed)",
		},
		[]string{"outcome"},
	)
)

// InitMetrics registers all runtime metrics with the default registry.
func InitMetrics() {
	prometheus.MustRegister(CardsExecutedTotal)
	prometheus.MustRegister(CardExecutionDuration)
	prometheus.MustRegister(GateRetriesTotal)
	prometheus.MustRegister(GateFallbacksTotal)
	prometheus.MustRegister(JobsFinalizedTotal)
	prometheus.MustRegister(CardsInflight)
	prometheus.MustRegister(EventsAppendedTotal)
	prometheus.MustRegister(SSEStreamsActive)
	prometheus.MustRegister(CacheReadsTotal)
	prometheus.MustRegister(CacheEvictedBytes)
	prometheus.MustRegister(OutboxReplicationsTotal)
}

// Package metrics holds the Prometheus collectors for the ingestion pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "myvault"

var (
	// InboundEvents counts processed webhook events.
	// Labels: outcome (the reply sent, e.g. greeting, ack, resend)
	InboundEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "inbound",
			Name:      "events_total",
			Help:      "Total number of inbound events by outcome",
		},
		[]string{"outcome"},
	)

	// ArtifactsIngested counts media ingestion results.
	// Labels: result (created, duplicate, error)
	ArtifactsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "artifacts_total",
			Help:      "Total number of media ingestions by result",
		},
		[]string{"result"},
	)

	// ParseAttempts counts calls to the parse service.
	// Labels: result (success, error)
	ParseAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "parse",
			Name:      "attempts_total",
			Help:      "Total number of parse service attempts by result",
		},
		[]string{"result"},
	)

	// ParseDuration tracks parse service call latency.
	ParseDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "parse",
			Name:      "request_duration_seconds",
			Help:      "Duration of parse service requests in seconds",
			Buckets:   []float64{0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60},
		},
	)

	// JobsFinished counts jobs reaching a terminal status.
	// Labels: status (completed, failed)
	JobsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "parse",
			Name:      "jobs_finished_total",
			Help:      "Total number of processing jobs by terminal status",
		},
		[]string{"status"},
	)

	// JobsInFlight is the number of parse runs currently executing.
	JobsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "parse",
			Name:      "jobs_in_flight",
			Help:      "Number of parse runs currently executing",
		},
	)

	// SweeperActions counts sweeper interventions.
	// Labels: action (failed_stale, resubmitted)
	SweeperActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "parse",
			Name:      "sweeper_actions_total",
			Help:      "Total number of stale-job sweeps and re-submissions",
		},
		[]string{"action"},
	)
)

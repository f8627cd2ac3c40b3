package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Run metrics
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promode_runs_total",
			Help: "Total number of pro-mode runs by outcome",
		},
		[]string{"status"},
	)

	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "promode_run_duration_seconds",
			Help:    "End-to-end duration of successful runs",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"mode"},
	)

	RequestedGenerations = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "promode_requested_generations",
			Help:    "Number of generations requested per run",
			Buckets: []float64{1, 5, 10, 20, 30, 50, 75, 100},
		},
	)

	// Fan-out metrics
	CandidateSlots = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promode_candidate_slots_total",
			Help: "Fan-out slots by outcome (ok, empty, failed)",
		},
		[]string{"outcome"},
	)

	WorkersInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "promode_workers_in_flight",
			Help: "Worker slots currently executing a backend call",
		},
		[]string{"stage"},
	)

	// Backend metrics
	BackendAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promode_backend_attempts_total",
			Help: "Backend call attempts by stage and result",
		},
		[]string{"stage", "result"},
	)

	BackendCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "promode_backend_call_duration_seconds",
			Help:    "Duration of single backend attempts",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"stage"},
	)

	// Reduction metrics
	ReductionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promode_reductions_total",
			Help: "Reductions executed by mode",
		},
		[]string{"mode"},
	)

	TournamentGroups = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "promode_tournament_groups",
			Help:    "Number of groups per tournament reduction",
			Buckets: []float64{1, 2, 3, 4, 5, 7, 10},
		},
	)

	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promode_http_requests_total",
			Help: "HTTP requests by path and status code",
		},
		[]string{"path", "code"},
	)

	IdempotentReplays = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "promode_idempotent_replays_total",
			Help: "Responses served from the idempotency cache",
		},
	)

	RunLogWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promode_run_log_writes_total",
			Help: "Run log writes by result",
		},
		[]string{"result"},
	)
)

// Package metrics exposes the coordinator's Prometheus instruments.
// Importing the package registers them on the default registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Completion metrics
	CompletionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "postpilot_completions_total",
			Help: "Total completion requests by model, tier and outcome",
		},
		[]string{"model", "tier", "outcome"},
	)

	CompletionCostUSD = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "postpilot_completion_cost_usd",
			Help:    "Cost in USD per completion",
			Buckets: []float64{0.0001, 0.001, 0.01, 0.1, 1, 10},
		},
	)

	CompletionTokens = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "postpilot_completion_tokens",
			Help:    "Total tokens per completion",
			Buckets: []float64{10, 50, 100, 500, 1000, 5000, 10000, 50000},
		},
	)

	UpstreamErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "postpilot_upstream_errors_total",
			Help: "Upstream provider errors by provider and kind",
		},
		[]string{"provider", "kind"},
	)

	// Cache metrics
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "postpilot_cache_hits_total",
			Help: "Response cache hits",
		},
	)

	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "postpilot_cache_misses_total",
			Help: "Response cache misses",
		},
	)

	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "postpilot_cache_errors_total",
			Help: "Response cache errors by operation",
		},
		[]string{"op"},
	)

	// Ledger metrics
	LedgerEntries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "postpilot_ledger_entries_total",
			Help: "Ledger entries recorded by category",
		},
		[]string{"category"},
	)

	LedgerErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "postpilot_ledger_errors_total",
			Help: "Ledger write failures (best-effort path)",
		},
	)

	BudgetThrottled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "postpilot_budget_throttled_total",
			Help: "Requests rejected by the budget gate",
		},
	)

	BudgetAlerts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "postpilot_budget_alerts_total",
			Help: "Budget alerts emitted by kind",
		},
		[]string{"kind"},
	)

	// Router metrics
	RouteDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "postpilot_route_decisions_total",
			Help: "Routing decisions by tier and reason",
		},
		[]string{"tier", "reason"},
	)

	// Agent metrics
	AgentExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "postpilot_agent_executions_total",
			Help: "Agent task executions by type and status",
		},
		[]string{"agent_type", "status"},
	)

	AgentExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "postpilot_agent_execution_duration_ms",
			Help:    "Agent execution duration in milliseconds",
			Buckets: []float64{100, 500, 1000, 2000, 5000, 10000, 30000},
		},
		[]string{"agent_type"},
	)

	// Workflow metrics
	WorkflowsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "postpilot_workflows_started_total",
			Help: "Collaborative workflows started",
		},
	)

	WorkflowsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "postpilot_workflows_completed_total",
			Help: "Collaborative workflows completed by status",
		},
		[]string{"status"},
	)

	WorkflowDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "postpilot_workflow_duration_seconds",
			Help:    "Collaborative workflow duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Message bus metrics
	BusMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "postpilot_bus_messages_total",
			Help: "Messages sent on the agent bus by kind",
		},
		[]string{"kind"},
	)

	// Scheduler metrics
	JobsScheduled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "postpilot_scheduler_jobs_total",
			Help: "Scheduled jobs by kind and terminal status",
		},
		[]string{"kind", "status"},
	)

	JobRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "postpilot_scheduler_retries_total",
			Help: "Job retry attempts",
		},
	)

	SweepRecovered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "postpilot_scheduler_sweep_recovered_total",
			Help: "Overdue jobs re-enqueued by the periodic sweep",
		},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "postpilot_scheduler_queue_depth",
			Help: "Jobs currently waiting in the delayed queue",
		},
	)

	// Circuit breaker metrics
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "postpilot_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)
)

// Package metrics exposes the gateway's Prometheus instrumentation,
// adapted from the teacher's internal/metrics and internal/policy/metrics.go
// (promauto-registered vectors plus small Record* wrapper functions), scoped
// to this gateway's own domain: policy evaluation, execution, approvals,
// budgets, connector calls, and the audit chain instead of workflow/agent/
// memory metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EvaluationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_policy_evaluations_total",
			Help: "Total number of policy evaluations by outcome and reason",
		},
		[]string{"outcome", "reason"},
	)

	EvaluationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_policy_evaluation_duration_seconds",
			Help:    "Time spent in Evaluate",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
		[]string{"outcome"},
	)

	EvaluationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_policy_evaluation_errors_total",
			Help: "Total number of Evaluate calls that returned a fault",
		},
		[]string{"code"},
	)

	CustomRuleDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_custom_rule_decisions_total",
			Help: "Total number of custom rule evaluations by resulting outcome",
		},
		[]string{"outcome"},
	)

	CustomRuleCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_custom_rule_cache_hits_total",
			Help: "Total number of compiled Rego query cache hits",
		},
	)

	CustomRuleCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_custom_rule_cache_misses_total",
			Help: "Total number of compiled Rego query cache misses",
		},
	)

	ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_executions_total",
			Help: "Total number of Execute calls by action type and result",
		},
		[]string{"action_type", "result"},
	)

	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_execution_duration_seconds",
			Help:    "End-to-end Execute duration (evaluate + connector call + audit append)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"action_type"},
	)

	ConnectorCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_connector_calls_total",
			Help: "Total number of outbound connector calls by tool and status",
		},
		[]string{"tool", "status"},
	)

	ConnectorCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_connector_call_duration_seconds",
			Help:    "Outbound connector call duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tool"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_connector_circuit_state",
			Help: "Per-tool circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"tool"},
	)

	ApprovalsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_approvals_created_total",
			Help: "Total number of new PENDING approvals created",
		},
	)

	ApprovalsDecided = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_approvals_decided_total",
			Help: "Total number of approvals decided by outcome",
		},
		[]string{"decision"},
	)

	ApprovalDecisionLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gateway_approval_decision_latency_seconds",
			Help:    "Time from approval creation to human decision",
			Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 3600, 14400, 86400},
		},
	)

	BudgetChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_budget_checks_total",
			Help: "Total number of budget window checks by window kind and result",
		},
		[]string{"window", "result"},
	)

	AuditAppendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_audit_appends_total",
			Help: "Total number of audit record append attempts by result",
		},
		[]string{"result"},
	)

	AuditChainLength = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_audit_chain_length",
			Help: "Number of records in an (org, uapk) audit chain as of last verification",
		},
		[]string{"org_id"},
	)
)

// RecordEvaluation records one Evaluate call's outcome and the time it took.
func RecordEvaluation(outcome, reason string, durationSeconds float64) {
	EvaluationsTotal.WithLabelValues(outcome, reason).Inc()
	EvaluationDuration.WithLabelValues(outcome).Observe(durationSeconds)
}

// RecordEvaluationError records an Evaluate call that returned a fault
// rather than a decision.
func RecordEvaluationError(code string) {
	EvaluationErrors.WithLabelValues(code).Inc()
}

// RecordCustomRuleDecision records a custom rule evaluation's outcome.
func RecordCustomRuleDecision(outcome string) {
	CustomRuleDecisions.WithLabelValues(outcome).Inc()
}

// RecordCustomRuleCache records a compiled-query cache hit or miss.
func RecordCustomRuleCache(hit bool) {
	if hit {
		CustomRuleCacheHits.Inc()
	} else {
		CustomRuleCacheMisses.Inc()
	}
}

// RecordExecution records one Execute call.
func RecordExecution(actionType, result string, durationSeconds float64) {
	ExecutionsTotal.WithLabelValues(actionType, result).Inc()
	ExecutionDuration.WithLabelValues(actionType).Observe(durationSeconds)
}

// RecordConnectorCall records one outbound connector call.
func RecordConnectorCall(tool, status string, durationSeconds float64) {
	ConnectorCallsTotal.WithLabelValues(tool, status).Inc()
	ConnectorCallDuration.WithLabelValues(tool).Observe(durationSeconds)
}

// RecordCircuitState sets the current circuit breaker state for tool.
func RecordCircuitState(tool string, state int) {
	CircuitBreakerState.WithLabelValues(tool).Set(float64(state))
}

// RecordApprovalCreated records a new PENDING approval.
func RecordApprovalCreated() {
	ApprovalsCreated.Inc()
}

// RecordApprovalDecided records a human decision and, if latencySeconds is
// positive, the decision latency.
func RecordApprovalDecided(decision string, latencySeconds float64) {
	ApprovalsDecided.WithLabelValues(decision).Inc()
	if latencySeconds > 0 {
		ApprovalDecisionLatency.Observe(latencySeconds)
	}
}

// RecordBudgetCheck records one budget window check (hour/day) and whether
// it passed or exceeded the configured cap.
func RecordBudgetCheck(window, result string) {
	BudgetChecksTotal.WithLabelValues(window, result).Inc()
}

// RecordAuditAppend records one audit append attempt.
func RecordAuditAppend(result string) {
	AuditAppendsTotal.WithLabelValues(result).Inc()
}

// RecordAuditChainLength sets the last-observed chain length for orgID.
func RecordAuditChainLength(orgID string, length int) {
	AuditChainLength.WithLabelValues(orgID).Set(float64(length))
}

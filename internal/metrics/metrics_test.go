package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordEvaluationIncrementsCounterAndHistogram(t *testing.T) {
	before := testutil.ToFloat64(EvaluationsTotal.WithLabelValues("ALLOW", "none"))
	RecordEvaluation("ALLOW", "none", 0.002)
	after := testutil.ToFloat64(EvaluationsTotal.WithLabelValues("ALLOW", "none"))
	if after != before+1 {
		t.Fatalf("expected counter to increment by 1, before=%v after=%v", before, after)
	}
}

func TestRecordEvaluationErrorIncrementsCounter(t *testing.T) {
	before := testutil.ToFloat64(EvaluationErrors.WithLabelValues("EVAL_FAULT"))
	RecordEvaluationError("EVAL_FAULT")
	after := testutil.ToFloat64(EvaluationErrors.WithLabelValues("EVAL_FAULT"))
	if after != before+1 {
		t.Fatalf("expected error counter to increment by 1, before=%v after=%v", before, after)
	}
}

func TestRecordCustomRuleCacheTracksHitsAndMisses(t *testing.T) {
	beforeHit := testutil.ToFloat64(CustomRuleCacheHits)
	beforeMiss := testutil.ToFloat64(CustomRuleCacheMisses)

	RecordCustomRuleCache(true)
	RecordCustomRuleCache(false)

	if got := testutil.ToFloat64(CustomRuleCacheHits); got != beforeHit+1 {
		t.Fatalf("expected hit counter +1, got %v", got)
	}
	if got := testutil.ToFloat64(CustomRuleCacheMisses); got != beforeMiss+1 {
		t.Fatalf("expected miss counter +1, got %v", got)
	}
}

func TestRecordApprovalDecidedSkipsLatencyWhenZero(t *testing.T) {
	beforeCount := testutil.CollectAndCount(ApprovalDecisionLatency)
	RecordApprovalDecided("APPROVED", 0)
	afterCount := testutil.CollectAndCount(ApprovalDecisionLatency)
	if afterCount != beforeCount {
		t.Fatalf("expected no histogram observation for zero latency, before=%d after=%d", beforeCount, afterCount)
	}
}

func TestRecordBudgetCheckIncrementsByWindow(t *testing.T) {
	before := testutil.ToFloat64(BudgetChecksTotal.WithLabelValues("hour", "ok"))
	RecordBudgetCheck("hour", "ok")
	after := testutil.ToFloat64(BudgetChecksTotal.WithLabelValues("hour", "ok"))
	if after != before+1 {
		t.Fatalf("expected budget check counter +1, before=%v after=%v", before, after)
	}
}

func TestRecordAuditChainLengthSetsGauge(t *testing.T) {
	RecordAuditChainLength("org-1", 42)
	if got := testutil.ToFloat64(AuditChainLength.WithLabelValues("org-1")); got != 42 {
		t.Fatalf("expected gauge set to 42, got %v", got)
	}
}

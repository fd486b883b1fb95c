// Package policy implements the gateway's core evaluator (spec §4.1):
// Evaluate(Context, Action) -> Decision, a fixed 12-step check order over an
// agent's active manifest, with override-token short-circuiting and
// peek-only budget reads.
package policy

import (
	"github.com/UAPK/gateway-core/internal/gwerr"
)

// Counterparty describes the external party an action targets, if any.
type Counterparty struct {
	ID           string
	Host         string
	Jurisdiction string
}

// Action is the proposed operation submitted for evaluation (spec §3).
type Action struct {
	Type         string
	Tool         string
	Params       map[string]interface{}
	Amount       *float64
	Currency     string
	Counterparty *Counterparty
}

// RequestContext carries the caller identity and tokens for one evaluation
// (spec §3's Context).
type RequestContext struct {
	OrgID           string
	UAPKID          string
	AgentID         string
	UserID          string
	CapabilityToken string
	OverrideToken   string
	RequestID       string
}

// TraceResult is the outcome of one policy_trace entry.
type TraceResult string

const (
	TracePass     TraceResult = "pass"
	TraceFail     TraceResult = "fail"
	TraceEscalate TraceResult = "escalate"
	TraceSkip     TraceResult = "skip"
)

// TraceEntry is one step's contribution to Decision.PolicyTrace.
type TraceEntry struct {
	Check   string                 `json:"check"`
	Result  TraceResult            `json:"result"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// BudgetUsage is the peek-only snapshot of one action type's counters at
// evaluation time.
type BudgetUsage struct {
	Hourly int64 `json:"hourly"`
	Daily  int64 `json:"daily"`
}

// RiskSnapshot summarizes the budget/amount state considered during
// evaluation, carried on Decision for audit/reporting.
type RiskSnapshot struct {
	BudgetsUsed map[string]BudgetUsage `json:"budgets_used,omitempty"`
	AmountLimit *float64               `json:"amount_limit,omitempty"`
}

// Outcome is the three-valued policy result (spec §1).
type Outcome string

const (
	OutcomeAllow    Outcome = "ALLOW"
	OutcomeDeny     Outcome = "DENY"
	OutcomeEscalate Outcome = "ESCALATE"
)

// Decision is the fixed-shape result of Evaluate (spec §3).
type Decision struct {
	Outcome                 Outcome        `json:"outcome"`
	Reasons                 []gwerr.Reason `json:"reasons"`
	PolicyTrace             []TraceEntry   `json:"policy_trace"`
	RiskSnapshot            RiskSnapshot   `json:"risk_snapshot"`
	ApprovalID              string         `json:"approval_id,omitempty"`
	ConsumedOverrideTokenID string         `json:"consumed_override_token_id,omitempty"`
	ActionFingerprint       string         `json:"action_fingerprint"`

	// overrideApprovalID/overrideTokenHash are populated internally when
	// step 5 matches a verified override token, so Execute (spec §4.5)
	// can call ConsumeOverride without recomputing anything.
	overrideApprovalID string
	overrideTokenHash  string
	overrideVerified   bool
}

// OverrideApprovalID returns the approval a recognized-but-not-yet-consumed
// override token was matched to, for the orchestration layer's
// ConsumeOverride call (spec §4.5 step 2). Empty if no override matched.
func (d Decision) OverrideApprovalID() string { return d.overrideApprovalID }

// OverrideTokenHash returns the SHA-256 hash of the override token matched
// in step 5, for ConsumeOverride's conditional update.
func (d Decision) OverrideTokenHash() string { return d.overrideTokenHash }

// OverrideVerified reports whether a syntactically and cryptographically
// valid override token bound to this exact action fingerprint was found,
// regardless of whether it ended up changing the outcome.
func (d Decision) OverrideVerified() bool { return d.overrideVerified }

package policy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/UAPK/gateway-core/internal/approval"
	"github.com/UAPK/gateway-core/internal/approvalstore"
	"github.com/UAPK/gateway-core/internal/canonical"
	"github.com/UAPK/gateway-core/internal/counterstore"
	"github.com/UAPK/gateway-core/internal/gwerr"
	"github.com/UAPK/gateway-core/internal/keys"
	"github.com/UAPK/gateway-core/internal/manifest"
	"github.com/UAPK/gateway-core/internal/manifeststore"
	"github.com/UAPK/gateway-core/internal/metrics"
	"github.com/UAPK/gateway-core/internal/token"
	"github.com/UAPK/gateway-core/internal/tracing"

	"go.uber.org/zap"
)

// DefaultApprovalTTL is how long a created PENDING approval remains live for
// idempotent reuse when EngineConfig.ApprovalTTL is unset (spec §6's
// approval_expiry_seconds default of 86400).
const DefaultApprovalTTL = 24 * time.Hour

// CustomVerdict is one custom-rule outcome (SPEC_FULL §9 supplement): an
// optional Rego-evaluated extra check run after the fixed 12-step core. It
// may only add a DENY or ESCALATE on top of the core result; an ALLOW
// verdict here is a no-op and can never relax a core DENY.
type CustomVerdict struct {
	Outcome Outcome
	Reason  gwerr.Reason
}

// CustomRuleEvaluator is implemented by internal/customrules.Engine. A nil
// Engine.CustomRules means no gateway-wide custom rule support is wired;
// per-manifest opt-in is still governed by Policy.CustomRego being non-empty.
type CustomRuleEvaluator interface {
	Evaluate(ctx context.Context, rego string, action Action, rc RequestContext) (CustomVerdict, error)
}

// EngineConfig constructs an Engine. All store fields are required except
// CustomRules.
type EngineConfig struct {
	Manifests   manifeststore.Store
	Counters    counterstore.Store
	Approvals   approvalstore.Store
	IssuerKeys  keys.IssuerKeyStore
	GatewayKeys *keys.KeyPair
	CustomRules CustomRuleEvaluator
	Logger      *zap.Logger
	ApprovalTTL time.Duration
}

// Engine evaluates actions against manifests per spec §4.1. It is pure over
// its injected stores: reads manifests/counters/approvals and verifies
// tokens, performs no other I/O side effects.
type Engine struct {
	cfg EngineConfig

	// flights collapses concurrent Evaluate calls reaching the escalate
	// path for the same (org, uapk, fingerprint), so two goroutines racing
	// to evaluate the identical action don't both round-trip the approval
	// store's CreateOrGet (which is itself safe under concurrency, but
	// redundant calls are needless store load under contention).
	flights singleflight.Group
}

// NewEngine constructs an Engine from cfg.
func NewEngine(cfg EngineConfig) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.ApprovalTTL <= 0 {
		cfg.ApprovalTTL = DefaultApprovalTTL
	}
	return &Engine{cfg: cfg}
}

// fingerprintDoc is the canonical field set hashed into an action
// fingerprint (spec §3: "SHA-256(canonical({uapk_id, action.type,
// action.tool, amount?, currency?, counterparty.host?}))").
type fingerprintDoc struct {
	UAPKID           string   `json:"uapk_id"`
	Type             string   `json:"type"`
	Tool             string   `json:"tool"`
	Amount           *float64 `json:"amount,omitempty"`
	Currency         string   `json:"currency,omitempty"`
	CounterpartyHost string   `json:"counterparty_host,omitempty"`
}

// Fingerprint computes the action fingerprint binding an override token to
// one exact action.
func Fingerprint(uapkID string, a Action) (string, error) {
	doc := fingerprintDoc{UAPKID: uapkID, Type: a.Type, Tool: a.Tool, Amount: a.Amount, Currency: a.Currency}
	if a.Counterparty != nil {
		doc.CounterpartyHost = a.Counterparty.Host
	}
	digest, err := canonical.HashHex(doc)
	if err != nil {
		return "", fmt.Errorf("policy: compute fingerprint: %w", err)
	}
	return digest, nil
}

// evalState accumulates trace entries and candidate escalate reasons across
// the fixed check order, so the final-assembly step (12) can decide the
// outcome from what the earlier steps observed.
type evalState struct {
	trace            []TraceEntry
	escalateReasons  []gwerr.Reason
	risk             RiskSnapshot
	overrideVerified bool
	overrideApproval *approval.Approval
	overrideHash     string
	overrideJTI      string
}

func (s *evalState) pass(check string, details map[string]interface{}) {
	s.trace = append(s.trace, TraceEntry{Check: check, Result: TracePass, Details: details})
}

func (s *evalState) skip(check string) {
	s.trace = append(s.trace, TraceEntry{Check: check, Result: TraceSkip})
}

func (s *evalState) fail(check string, details map[string]interface{}) {
	s.trace = append(s.trace, TraceEntry{Check: check, Result: TraceFail, Details: details})
}

func (s *evalState) escalate(check string, reason gwerr.Reason) {
	s.trace = append(s.trace, TraceEntry{Check: check, Result: TraceEscalate})
	s.escalateReasons = append(s.escalateReasons, reason)
}

// Evaluate runs the fixed 12-step check order over the active manifest for
// rc.OrgID/rc.UAPKID, returning a Decision value. It never returns a
// non-nil *gwerr.Fault for a policy reason — only for an infrastructure
// fault from its stores or a token signature verification plumbing error.
func (e *Engine) Evaluate(ctx context.Context, rc RequestContext, action Action) (*Decision, *gwerr.Fault) {
	ctx, span := tracing.StartEvaluationSpan(ctx, action.Type, action.Tool)
	defer span.End()

	start := time.Now()
	decision, fault := e.evaluate(ctx, rc, action)
	if fault != nil {
		metrics.RecordEvaluationError(string(fault.Code))
		return decision, fault
	}
	reason := "none"
	if len(decision.Reasons) > 0 {
		reason = string(decision.Reasons[0].Code)
	}
	metrics.RecordEvaluation(string(decision.Outcome), reason, time.Since(start).Seconds())
	return decision, fault
}

func (e *Engine) evaluate(ctx context.Context, rc RequestContext, action Action) (*Decision, *gwerr.Fault) {
	if err := ctx.Err(); err != nil {
		return nil, gwerr.NewFault(gwerr.CodeDeadline, err)
	}

	fp, err := Fingerprint(rc.UAPKID, action)
	if err != nil {
		return nil, gwerr.NewFault(gwerr.CodeEvalFault, err)
	}

	st := &evalState{}

	// Step 1: manifest resolution.
	m, ferr := e.cfg.Manifests.GetActive(ctx, manifest.Key{OrgID: rc.OrgID, UAPKID: rc.UAPKID})
	if errors.Is(ferr, manifeststore.ErrNotFound) {
		st.fail("manifest_resolution", nil)
		return denyDecision(fp, st, gwerr.NewReason(gwerr.CodeManifestNotFound, "no active manifest for this agent")), nil
	}
	if ferr != nil {
		return nil, wrapStoreErr(ferr)
	}
	if m.Status != manifest.StatusActive {
		st.fail("manifest_resolution", map[string]interface{}{"status": string(m.Status)})
		return denyDecision(fp, st, gwerr.NewReason(gwerr.CodeManifestInactive, "active manifest version is not ACTIVE")), nil
	}
	st.pass("manifest_resolution", map[string]interface{}{"version": m.Version})

	// Step 2: tool existence.
	tc, toolExists := m.Tools[action.Tool]
	if !toolExists {
		st.fail("tool_existence", map[string]interface{}{"tool": action.Tool})
		return denyDecision(fp, st, gwerr.NewReason(gwerr.CodeToolNotConfigured, "tool not present in manifest")), nil
	}
	st.pass("tool_existence", nil)

	// Step 3: tool allow/deny lists.
	if contains(m.Policy.ToolDeny, action.Tool) {
		st.fail("tool_allow_deny", map[string]interface{}{"tool": action.Tool})
		return denyDecision(fp, st, gwerr.NewReason(gwerr.CodeToolDenied, "tool is explicitly denied")), nil
	}
	if len(m.Policy.ToolAllow) > 0 && !contains(m.Policy.ToolAllow, action.Tool) {
		st.fail("tool_allow_deny", map[string]interface{}{"tool": action.Tool})
		return denyDecision(fp, st, gwerr.NewReason(gwerr.CodeToolNotAllowed, "tool not present in allow-list")), nil
	}
	st.pass("tool_allow_deny", nil)

	// Step 4: capability token.
	if m.Policy.RequireCapabilityToken || rc.CapabilityToken != "" {
		if rc.CapabilityToken == "" {
			st.fail("capability_token", nil)
			return denyDecision(fp, st, gwerr.NewReason(gwerr.CodeCapabilityMissing, "manifest requires a capability token")), nil
		}
		claims, verr := token.VerifyCapability(rc.CapabilityToken, e.cfg.IssuerKeys, "gateway", rc.AgentID)
		if verr != nil {
			code := gwerr.CodeTokenInvalid
			var fault *gwerr.Fault
			if errors.As(verr, &fault) {
				code = fault.Code
			}
			st.fail("capability_token", map[string]interface{}{"reason": verr.Error()})
			return denyDecision(fp, st, gwerr.NewReason(code, "capability token failed verification")), nil
		}
		if !claims.HasCapability(action.Type, rc.AgentID) {
			st.fail("capability_token", map[string]interface{}{"action_type": action.Type})
			return denyDecision(fp, st, gwerr.NewReason(gwerr.CodeCapabilityMissing, "capability token does not grant this action")), nil
		}
		st.pass("capability_token", nil)
	} else {
		st.skip("capability_token")
	}

	// Step 5: override token. Failures here are recorded in the trace but
	// are not a DENY by themselves; they only matter if step 12 needs an
	// override to resolve a candidate escalation.
	if rc.OverrideToken != "" {
		e.verifyOverride(ctx, rc, fp, st)
	} else {
		st.skip("override_token")
	}

	// Step 6: jurisdiction.
	if action.Counterparty != nil && action.Counterparty.Jurisdiction != "" && len(m.Policy.JurisdictionAllow) > 0 {
		if !contains(m.Policy.JurisdictionAllow, action.Counterparty.Jurisdiction) {
			st.fail("jurisdiction", map[string]interface{}{"jurisdiction": action.Counterparty.Jurisdiction})
			return denyDecision(fp, st, gwerr.NewReason(gwerr.CodeJurisdictionBlocked, "counterparty jurisdiction not allowed")), nil
		}
		st.pass("jurisdiction", nil)
	} else {
		st.skip("jurisdiction")
	}

	// Step 7: counterparty host lists.
	if action.Counterparty != nil && action.Counterparty.Host != "" {
		host := action.Counterparty.Host
		if hostSuffixMatchesAny(host, m.Policy.CounterpartyDeny) {
			st.fail("counterparty", map[string]interface{}{"host": host})
			return denyDecision(fp, st, gwerr.NewReason(gwerr.CodeCounterpartyBlocked, "counterparty host is denied")), nil
		}
		if len(m.Policy.CounterpartyAllow) > 0 && !hostSuffixMatchesAny(host, m.Policy.CounterpartyAllow) {
			st.fail("counterparty", map[string]interface{}{"host": host})
			return denyDecision(fp, st, gwerr.NewReason(gwerr.CodeCounterpartyNotOK, "counterparty host not in allow-list")), nil
		}
		st.pass("counterparty", nil)
	} else {
		st.skip("counterparty")
	}

	// Step 8: amount cap.
	if action.Amount != nil && len(m.Policy.AmountCaps) > 0 {
		cap, ok := m.Policy.AmountCaps[action.Currency]
		if !ok {
			st.fail("amount_cap", map[string]interface{}{"currency": action.Currency})
			return denyDecision(fp, st, gwerr.NewReason(gwerr.CodeCurrencyNotAllowed, "no amount cap configured for currency")), nil
		}
		st.risk.AmountLimit = &cap
		if *action.Amount > cap {
			st.escalate("amount_cap", gwerr.NewReason(gwerr.CodeAmountThreshold, "amount exceeds configured cap"))
		} else {
			st.pass("amount_cap", nil)
		}
	} else {
		st.skip("amount_cap")
	}

	// Step 9: approval thresholds.
	thresholdMatch := false
	for _, th := range m.Policy.ApprovalThresholds {
		if th.Matches(action.Type, action.Tool, action.Amount, action.Currency) {
			thresholdMatch = true
			break
		}
	}
	if thresholdMatch {
		st.escalate("approval_thresholds", gwerr.NewReason(gwerr.CodeRequiresApproval, "action matches an approval threshold"))
	} else {
		st.skip("approval_thresholds")
	}

	// Step 10: manifest require_human_approval.
	if m.Constraints.RequiresHumanApproval(action.Type) {
		st.escalate("require_human_approval", gwerr.NewReason(gwerr.CodeRequiresApproval, "action type requires human approval"))
	} else {
		st.skip("require_human_approval")
	}

	// Step 11: budgets (peek-only; increment happens in Execute).
	denyReason, berr := e.checkBudgets(ctx, rc, action, m, st)
	if berr != nil {
		return nil, berr
	}
	if denyReason != nil {
		return denyDecision(fp, st, *denyReason), nil
	}

	// Step 12: final assembly.
	decision := e.assemble(ctx, rc, action, m, fp, st)

	// Custom rules: an additive, non-bypassing extension (SPEC_FULL §9).
	if m.Policy.CustomRego != "" && e.cfg.CustomRules != nil && decision.Outcome != OutcomeDeny {
		if cerr := e.applyCustomRules(ctx, rc, action, m, st, decision); cerr != nil {
			return nil, cerr
		}
	}

	return decision, nil
}

func (e *Engine) verifyOverride(ctx context.Context, rc RequestContext, fp string, st *evalState) {
	claims, verr := token.VerifyOverride(rc.OverrideToken, e.cfg.GatewayKeys, "")
	if verr != nil {
		code := gwerr.CodeOverrideTokenInvalid
		var fault *gwerr.Fault
		if errors.As(verr, &fault) {
			code = fault.Code
		}
		st.fail("override_token", map[string]interface{}{"reason": verr.Error(), "code": string(code)})
		return
	}
	if claims.ActionFingerprint != fp {
		st.fail("override_token", map[string]interface{}{"code": string(gwerr.CodeOverrideTokenMismatch)})
		return
	}

	appr, gerr := e.cfg.Approvals.Get(ctx, claims.ApprovalID)
	if gerr != nil {
		st.fail("override_token", map[string]interface{}{"code": string(gwerr.CodeOverrideTokenInvalid), "reason": "approval not found"})
		return
	}
	hash := token.HashToken(rc.OverrideToken)
	if appr.Status == approval.StatusConsumed || appr.ConsumedAt != nil {
		st.fail("override_token", map[string]interface{}{"code": string(gwerr.CodeOverrideTokenConsumed)})
		return
	}
	if appr.Status != approval.StatusApproved {
		st.fail("override_token", map[string]interface{}{"code": string(gwerr.CodeOverrideApprovalNotYet)})
		return
	}
	if !token.CompareTokenHash(hash, appr.OverrideTokenHash) {
		st.fail("override_token", map[string]interface{}{"code": string(gwerr.CodeOverrideTokenMismatch)})
		return
	}

	st.pass("override_token", map[string]interface{}{"approval_id": appr.ID})
	st.overrideVerified = true
	st.overrideApproval = appr
	st.overrideHash = hash
	st.overrideJTI = claims.ID
}

func (e *Engine) checkBudgets(ctx context.Context, rc RequestContext, action Action, m *manifest.Manifest, st *evalState) (*gwerr.Reason, *gwerr.Fault) {
	budget, ok := m.Policy.Budgets[action.Type]
	if !ok {
		budget, ok = m.Policy.Budgets[counterstore.GlobalActionType]
	}

	now := time.Now().UTC()
	dayKey := counterstore.Key{OrgID: rc.OrgID, UAPKID: rc.UAPKID, ActionType: action.Type, Kind: counterstore.WindowDay, WindowStart: counterstore.WindowStartFor(now, counterstore.WindowDay)}
	hourKey := counterstore.Key{OrgID: rc.OrgID, UAPKID: rc.UAPKID, ActionType: action.Type, Kind: counterstore.WindowHour, WindowStart: counterstore.WindowStartFor(now, counterstore.WindowHour)}

	dayCount, err := e.cfg.Counters.Peek(ctx, dayKey)
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	hourCount, err := e.cfg.Counters.Peek(ctx, hourKey)
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	if st.risk.BudgetsUsed == nil {
		st.risk.BudgetsUsed = make(map[string]BudgetUsage)
	}
	st.risk.BudgetsUsed[action.Type] = BudgetUsage{Hourly: hourCount, Daily: dayCount}

	if !ok {
		st.skip("budgets")
		return nil, nil
	}
	if budget.Daily != nil && dayCount >= int64(*budget.Daily) {
		st.fail("budgets", map[string]interface{}{"window": "day", "count": dayCount, "limit": *budget.Daily})
		metrics.RecordBudgetCheck("day", "exceeded")
		r := gwerr.NewReason(gwerr.CodeBudgetExceededDay, "daily budget exhausted")
		return &r, nil
	}
	if budget.Hourly != nil && hourCount >= int64(*budget.Hourly) {
		st.fail("budgets", map[string]interface{}{"window": "hour", "count": hourCount, "limit": *budget.Hourly})
		metrics.RecordBudgetCheck("hour", "exceeded")
		r := gwerr.NewReason(gwerr.CodeBudgetExceededHour, "hourly budget exhausted")
		return &r, nil
	}
	metrics.RecordBudgetCheck("day", "ok")
	metrics.RecordBudgetCheck("hour", "ok")
	st.pass("budgets", nil)
	return nil, nil
}

func (e *Engine) assemble(ctx context.Context, rc RequestContext, action Action, m *manifest.Manifest, fp string, st *evalState) *Decision {
	decision := &Decision{
		ActionFingerprint: fp,
		PolicyTrace:       st.trace,
		RiskSnapshot:      st.risk,
		overrideVerified:  st.overrideVerified,
	}
	if st.overrideApproval != nil {
		decision.overrideApprovalID = st.overrideApproval.ID
		decision.overrideTokenHash = st.overrideHash
	}

	switch {
	case st.overrideVerified && len(st.escalateReasons) > 0:
		decision.Outcome = OutcomeAllow
		decision.ConsumedOverrideTokenID = st.overrideJTI
		decision.Reasons = []gwerr.Reason{gwerr.NewReason(gwerr.CodeRequiresApproval, "escalation satisfied by override token")}
	case len(st.escalateReasons) > 0:
		decision.Outcome = OutcomeEscalate
		decision.Reasons = st.escalateReasons
		appr, ferr := e.getOrCreateApproval(ctx, rc, action, fp)
		if ferr != nil {
			// Approval-store faults during escalation are reported as an
			// EVAL_FAULT-shaped reason rather than panicking the assembly
			// step; callers treat an empty ApprovalID with this reason as
			// a retryable infra condition.
			decision.Reasons = append(decision.Reasons, gwerr.NewReason(gwerr.CodeEvalFault, ferr.Error()))
			return decision
		}
		decision.ApprovalID = appr.ID
	default:
		decision.Outcome = OutcomeAllow
	}
	return decision
}

func (e *Engine) getOrCreateApproval(ctx context.Context, rc RequestContext, action Action, fp string) (*approval.Approval, error) {
	key := rc.OrgID + "|" + rc.UAPKID + "|" + fp
	v, err, _ := e.flights.Do(key, func() (interface{}, error) {
		draft := approval.Approval{
			OrgID:             rc.OrgID,
			UAPKID:            rc.UAPKID,
			ActionFingerprint: fp,
			ActionType:        action.Type,
			Tool:              action.Tool,
			ExpiresAt:         time.Now().UTC().Add(e.cfg.ApprovalTTL),
		}
		return e.cfg.Approvals.CreateOrGet(ctx, draft)
	})
	if err != nil {
		return nil, err
	}
	return v.(*approval.Approval), nil
}

func (e *Engine) applyCustomRules(ctx context.Context, rc RequestContext, action Action, m *manifest.Manifest, st *evalState, decision *Decision) *gwerr.Fault {
	verdict, err := e.cfg.CustomRules.Evaluate(ctx, m.Policy.CustomRego, action, rc)
	if err != nil {
		return gwerr.NewFault(gwerr.CodeEvalFault, fmt.Errorf("policy: custom rules: %w", err))
	}

	switch verdict.Outcome {
	case OutcomeDeny:
		st.trace = append(st.trace, TraceEntry{Check: "custom_rules", Result: TraceFail})
		decision.PolicyTrace = st.trace
		decision.Outcome = OutcomeDeny
		decision.Reasons = []gwerr.Reason{verdict.Reason}
		decision.ApprovalID = ""
	case OutcomeEscalate:
		st.trace = append(st.trace, TraceEntry{Check: "custom_rules", Result: TraceEscalate})
		decision.PolicyTrace = st.trace
		decision.Reasons = append(decision.Reasons, verdict.Reason)
		if decision.Outcome == OutcomeAllow {
			decision.Outcome = OutcomeEscalate
			appr, ferr := e.getOrCreateApproval(ctx, rc, action, decision.ActionFingerprint)
			if ferr != nil {
				return gwerr.NewFault(gwerr.CodeEvalFault, ferr)
			}
			decision.ApprovalID = appr.ID
		}
	default:
		st.trace = append(st.trace, TraceEntry{Check: "custom_rules", Result: TracePass})
		decision.PolicyTrace = st.trace
	}
	return nil
}

func denyDecision(fp string, st *evalState, reason gwerr.Reason) *Decision {
	return &Decision{
		Outcome:           OutcomeDeny,
		Reasons:           []gwerr.Reason{reason},
		PolicyTrace:       st.trace,
		RiskSnapshot:      st.risk,
		ActionFingerprint: fp,
	}
}

func wrapStoreErr(err error) *gwerr.Fault {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return gwerr.NewFault(gwerr.CodeDeadline, err)
	}
	return gwerr.NewFault(gwerr.CodeEvalFault, err)
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// hostSuffixMatchesAny reports whether host matches any pattern either
// exactly or as a dot-bounded suffix (spec §3: "host-suffix patterns" for
// counterparty_allow/deny), e.g. pattern "example.com" matches
// "api.example.com" and "example.com" but not "evilexample.com".
func hostSuffixMatchesAny(host string, patterns []string) bool {
	host = strings.ToLower(host)
	for _, p := range patterns {
		p = strings.ToLower(p)
		if host == p || strings.HasSuffix(host, "."+p) {
			return true
		}
	}
	return false
}

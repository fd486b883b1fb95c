// Package gateway orchestrates the end-to-end request lifecycle behind the
// frontend-facing contracts (spec §4.5, §6): re-evaluating and executing an
// action, deciding pending approvals, and verifying/exporting the audit
// chain. It is the thin composition layer wiring internal/policy,
// internal/connector, internal/approvalstore, internal/counterstore,
// internal/auditstore, and internal/evidence together, adapted from the
// teacher's OrchestratorService (internal/server/service.go): one
// injected-dependency struct exposing the system's external operations,
// minus the gRPC/Temporal machinery this gateway has no use for.
package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/UAPK/gateway-core/internal/approvalstore"
	"github.com/UAPK/gateway-core/internal/audit"
	"github.com/UAPK/gateway-core/internal/auditstore"
	"github.com/UAPK/gateway-core/internal/canonical"
	"github.com/UAPK/gateway-core/internal/connector"
	"github.com/UAPK/gateway-core/internal/counterstore"
	"github.com/UAPK/gateway-core/internal/evidence"
	"github.com/UAPK/gateway-core/internal/gwerr"
	"github.com/UAPK/gateway-core/internal/keys"
	"github.com/UAPK/gateway-core/internal/manifest"
	"github.com/UAPK/gateway-core/internal/manifeststore"
	"github.com/UAPK/gateway-core/internal/metrics"
	"github.com/UAPK/gateway-core/internal/policy"
	"github.com/UAPK/gateway-core/internal/secrets"
)

// DefaultIdempotencyWindow bounds how long a request_id is remembered for
// Execute's idempotent replay (spec §4.5: "if the same request_id is seen
// within a configured window ... Execute returns that record without
// re-calling the connector").
const DefaultIdempotencyWindow = 10 * time.Minute

// DefaultApprovalExpiry is used when Config.ApprovalTTL is unset.
const DefaultApprovalExpiry = 24 * time.Hour

// DefaultOverrideTTL is used when Config.OverrideTTL is unset.
const DefaultOverrideTTL = 5 * time.Minute

// maxAppendRetries bounds how many times Execute retries an audit append
// against a racing tail before giving up (spec §4.3: "conflicting append
// retries with the latest tail").
const maxAppendRetries = 8

// Config constructs a Gateway. Every field is required except Evidence,
// which only ExportAuditBundle needs.
type Config struct {
	Policy      *policy.Engine
	Connector   *connector.Connector
	Manifests   manifeststore.Store
	Approvals   approvalstore.Store
	Counters    counterstore.Store
	Audit       auditstore.Store
	Evidence    *evidence.Exporter
	GatewayKeys *keys.KeyPair
	Secrets     secrets.Provider

	// ApprovalTTL is how long a PENDING approval created by CreateApproval
	// remains live for idempotent reuse (spec §6's approval_expiry_seconds).
	ApprovalTTL time.Duration
	// OverrideTTL bounds the single-use override token DecideApproval issues
	// on approve (spec §6's override_token_ttl_seconds, clamped further by
	// token.MaxOverrideTTL).
	OverrideTTL time.Duration
	// IdempotencyWindow bounds Execute's request_id replay cache.
	IdempotencyWindow time.Duration

	Logger *zap.Logger
}

// Gateway orchestrates Execute, approval decisions, and audit
// verification/export over the stores and subsystems in Config.
type Gateway struct {
	cfg  Config
	idem *idempotencyCache
}

// New constructs a Gateway from cfg.
func New(cfg Config) *Gateway {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.ApprovalTTL <= 0 {
		cfg.ApprovalTTL = DefaultApprovalExpiry
	}
	if cfg.OverrideTTL <= 0 {
		cfg.OverrideTTL = DefaultOverrideTTL
	}
	if cfg.IdempotencyWindow <= 0 {
		cfg.IdempotencyWindow = DefaultIdempotencyWindow
	}
	return &Gateway{
		cfg:  cfg,
		idem: newIdempotencyCache(4096, cfg.IdempotencyWindow),
	}
}

// ExecutionOutcome is the result of Execute (spec §6:
// "Execute(ctx, action) → {decision, result?, record_id}").
type ExecutionOutcome struct {
	Decision *policy.Decision
	Result   *connector.Result
	RecordID string
}

// Evaluate exposes the policy engine's read-only decision (spec §4.1)
// without any of Execute's side effects, for callers (internal/httpapi's
// POST /v1/evaluate) that only want to know what would happen.
func (g *Gateway) Evaluate(ctx context.Context, rc policy.RequestContext, action policy.Action) (*policy.Decision, *gwerr.Fault) {
	return g.cfg.Policy.Evaluate(ctx, rc, action)
}

// Execute implements spec §4.5's five-step orchestration: re-evaluate,
// consume any override token backing the ALLOW, atomically increment the
// relevant budget counters, call the connector, and append the interaction
// record, which is authoritative even when the connector call failed.
func (g *Gateway) Execute(ctx context.Context, rc policy.RequestContext, action policy.Action) (*ExecutionOutcome, *gwerr.Fault) {
	if rc.RequestID != "" {
		if cached, ok := g.idem.get(rc.OrgID, rc.UAPKID, rc.RequestID); ok {
			return cached, nil
		}
	}

	start := time.Now()

	decision, fault := g.cfg.Policy.Evaluate(ctx, rc, action)
	if fault != nil {
		return nil, fault
	}

	if decision.Outcome != policy.OutcomeAllow {
		return g.finish(ctx, rc, action, decision, nil, nil, start)
	}

	m, merr := g.cfg.Manifests.GetActive(ctx, manifest.Key{OrgID: rc.OrgID, UAPKID: rc.UAPKID})
	if merr != nil {
		return nil, wrapStoreErr(merr)
	}

	if decision.OverrideVerified() {
		if cerr := g.cfg.Approvals.ConsumeOverride(ctx, decision.OverrideApprovalID(), decision.OverrideTokenHash()); cerr != nil {
			consumed := denyOver(decision, gwerr.NewReason(gwerr.CodeOverrideTokenConsumed, "override token consume failed: already consumed or approval changed"))
			return g.finish(ctx, rc, action, consumed, nil, nil, start)
		}
	}

	if raceReason, ferr := g.incrementBudgets(ctx, rc, action, m); ferr != nil {
		return nil, ferr
	} else if raceReason != nil {
		raced := denyOver(decision, *raceReason)
		return g.finish(ctx, rc, action, raced, nil, nil, start)
	}

	tc := m.Tools[action.Tool]
	result, callFault := g.cfg.Connector.Execute(ctx, action.Tool, tc, action.Params, g.cfg.Secrets)
	return g.finish(ctx, rc, action, decision, result, callFault, start)
}

// finish appends the interaction record for one Execute attempt, records
// metrics, remembers the outcome under rc.RequestID, and returns it.
func (g *Gateway) finish(ctx context.Context, rc policy.RequestContext, action policy.Action, decision *policy.Decision, result *connector.Result, callFault *gwerr.Fault, start time.Time) (*ExecutionOutcome, *gwerr.Fault) {
	// The append must survive the caller's context being cancelled after a
	// connector call landed but before the record is written (spec §5:
	// "cancellation after connector call but before audit append must
	// still append a record to preserve the chain").
	appendCtx := context.WithoutCancel(ctx)

	outcome, ferr := g.appendRecord(appendCtx, rc, action, decision, result, callFault)
	if ferr != nil {
		return nil, ferr
	}

	status := string(decision.Outcome)
	if decision.Outcome == policy.OutcomeAllow {
		status = "ok"
		if callFault != nil {
			status = string(callFault.Code)
		}
	}
	metrics.RecordExecution(action.Type, status, time.Since(start).Seconds())

	if rc.RequestID != "" {
		g.idem.set(rc.OrgID, rc.UAPKID, rc.RequestID, outcome)
	}
	return outcome, nil
}

// incrementBudgets applies spec §4.5 step 3: increment day then hour,
// rolling the day counter back if hour turns out to exceed its cap.
func (g *Gateway) incrementBudgets(ctx context.Context, rc policy.RequestContext, action policy.Action, m *manifest.Manifest) (*gwerr.Reason, *gwerr.Fault) {
	budget, ok := m.Policy.Budgets[action.Type]
	if !ok {
		budget, ok = m.Policy.Budgets[counterstore.GlobalActionType]
	}
	if !ok {
		return nil, nil
	}

	now := time.Now().UTC()
	dayKey := counterstore.Key{OrgID: rc.OrgID, UAPKID: rc.UAPKID, ActionType: action.Type, Kind: counterstore.WindowDay, WindowStart: counterstore.WindowStartFor(now, counterstore.WindowDay)}
	hourKey := counterstore.Key{OrgID: rc.OrgID, UAPKID: rc.UAPKID, ActionType: action.Type, Kind: counterstore.WindowHour, WindowStart: counterstore.WindowStartFor(now, counterstore.WindowHour)}

	var dayLimit, hourLimit int64
	if budget.Daily != nil {
		dayLimit = int64(*budget.Daily)
	}
	if budget.Hourly != nil {
		hourLimit = int64(*budget.Hourly)
	}

	_, dayApplied, err := g.cfg.Counters.CheckAndIncrement(ctx, dayKey, dayLimit)
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	if !dayApplied {
		reason := gwerr.NewReason(gwerr.CodeBudgetExceededRace, "daily budget exhausted on increment")
		return &reason, nil
	}

	_, hourApplied, err := g.cfg.Counters.CheckAndIncrement(ctx, hourKey, hourLimit)
	if err != nil {
		if derr := g.cfg.Counters.Decrement(ctx, dayKey); derr != nil {
			g.cfg.Logger.Warn("failed to roll back day counter after hour increment error", zap.Error(derr))
		}
		return nil, wrapStoreErr(err)
	}
	if !hourApplied {
		if derr := g.cfg.Counters.Decrement(ctx, dayKey); derr != nil {
			g.cfg.Logger.Warn("failed to roll back day counter after hour budget race", zap.Error(derr))
		}
		reason := gwerr.NewReason(gwerr.CodeBudgetExceededRace, "hourly budget exhausted on increment")
		return &reason, nil
	}
	return nil, nil
}

// requestDoc is the canonical field set hashed into an interaction record's
// request_hash (spec §4.3 step 2).
type requestDoc struct {
	RequestID string        `json:"request_id,omitempty"`
	AgentID   string        `json:"agent_id"`
	UserID    string        `json:"user_id,omitempty"`
	Action    policy.Action `json:"action"`
}

// resultDoc is the canonical field set hashed into an interaction record's
// result_hash. A non-nil callFault short-circuits to its code, since a
// connector-level failure has no response body to describe.
type resultDoc struct {
	Status    int         `json:"status,omitempty"`
	Headers   http.Header `json:"headers,omitempty"`
	BodyHash  string      `json:"body_hash,omitempty"`
	Truncated bool        `json:"truncated,omitempty"`
	FaultCode string      `json:"fault_code,omitempty"`
}

func buildResultDoc(result *connector.Result, callFault *gwerr.Fault) resultDoc {
	if callFault != nil {
		return resultDoc{FaultCode: string(callFault.Code)}
	}
	if result == nil {
		return resultDoc{}
	}
	sum := sha256.Sum256(result.Body)
	return resultDoc{
		Status:    result.Status,
		Headers:   result.Headers,
		BodyHash:  hex.EncodeToString(sum[:]),
		Truncated: result.Truncated,
	}
}

// appendRecord builds, signs, and appends one interaction record, retrying
// against the store's current tail if a concurrent append raced ahead
// (spec §4.3: "a failed append must not consume a record id").
func (g *Gateway) appendRecord(ctx context.Context, rc policy.RequestContext, action policy.Action, decision *policy.Decision, result *connector.Result, callFault *gwerr.Fault) (*ExecutionOutcome, *gwerr.Fault) {
	key := auditstore.Key{OrgID: rc.OrgID, UAPKID: rc.UAPKID}

	requestHash, err := canonical.HashHex(requestDoc{RequestID: rc.RequestID, AgentID: rc.AgentID, UserID: rc.UserID, Action: action})
	if err != nil {
		return nil, gwerr.NewFault(gwerr.CodeAuditFault, fmt.Errorf("gateway: hash request: %w", err))
	}
	traceHash, err := canonical.HashHex(decision.PolicyTrace)
	if err != nil {
		return nil, gwerr.NewFault(gwerr.CodeAuditFault, fmt.Errorf("gateway: hash policy trace: %w", err))
	}
	resultHash, err := canonical.HashHex(buildResultDoc(result, callFault))
	if err != nil {
		return nil, gwerr.NewFault(gwerr.CodeAuditFault, fmt.Errorf("gateway: hash result: %w", err))
	}

	reasonCodes := make([]gwerr.Code, 0, len(decision.Reasons))
	for _, r := range decision.Reasons {
		reasonCodes = append(reasonCodes, r.Code)
	}

	for attempt := 0; attempt < maxAppendRetries; attempt++ {
		tail, terr := g.cfg.Audit.Tail(ctx, key)
		if terr != nil {
			return nil, gwerr.NewFault(gwerr.CodeAuditFault, fmt.Errorf("gateway: read tail: %w", terr))
		}

		rec := audit.InteractionRecord{
			RecordID:           audit.NewRecordID(),
			Timestamp:          time.Now().UTC(),
			OrgID:              rc.OrgID,
			UAPKID:             rc.UAPKID,
			AgentID:            rc.AgentID,
			UserID:             rc.UserID,
			ActionType:         action.Type,
			Tool:               action.Tool,
			RequestHash:        requestHash,
			Decision:           string(decision.Outcome),
			ReasonCodes:        reasonCodes,
			PolicyTraceHash:    traceHash,
			ResultHash:         resultHash,
			PreviousRecordHash: tail,
		}
		signed, serr := rec.Sign(g.cfg.GatewayKeys)
		if serr != nil {
			return nil, gwerr.NewFault(gwerr.CodeAuditFault, fmt.Errorf("gateway: sign record: %w", serr))
		}

		if aerr := g.cfg.Audit.AppendRecord(ctx, key, signed); aerr != nil {
			if errors.Is(aerr, auditstore.ErrConflict) {
				continue
			}
			metrics.RecordAuditAppend("error")
			return nil, gwerr.NewFault(gwerr.CodeAuditFault, fmt.Errorf("gateway: append record: %w", aerr))
		}

		metrics.RecordAuditAppend("ok")
		return &ExecutionOutcome{Decision: decision, Result: result, RecordID: signed.RecordID}, nil
	}

	metrics.RecordAuditAppend("conflict")
	return nil, gwerr.NewFault(gwerr.CodeAuditFault, fmt.Errorf("gateway: append record: tail kept advancing past %d retries", maxAppendRetries))
}

// denyOver replaces decision's outcome with a terminal DENY carrying
// reason, preserving its trace/risk snapshot/fingerprint for the audit
// record (used for the override-consume and budget-race failure paths of
// spec §4.5 steps 2-3, both of which discard an in-flight ALLOW).
func denyOver(decision *policy.Decision, reason gwerr.Reason) *policy.Decision {
	return &policy.Decision{
		Outcome:           policy.OutcomeDeny,
		Reasons:           []gwerr.Reason{reason},
		PolicyTrace:       decision.PolicyTrace,
		RiskSnapshot:      decision.RiskSnapshot,
		ActionFingerprint: decision.ActionFingerprint,
	}
}

func wrapStoreErr(err error) *gwerr.Fault {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return gwerr.NewFault(gwerr.CodeDeadline, err)
	}
	return gwerr.NewFault(gwerr.CodeStoreFault, err)
}

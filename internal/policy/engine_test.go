package policy

import (
	"context"
	"testing"
	"time"

	"github.com/UAPK/gateway-core/internal/approval"
	"github.com/UAPK/gateway-core/internal/approvalstore"
	"github.com/UAPK/gateway-core/internal/counterstore"
	"github.com/UAPK/gateway-core/internal/gwerr"
	"github.com/UAPK/gateway-core/internal/keys"
	"github.com/UAPK/gateway-core/internal/manifest"
	"github.com/UAPK/gateway-core/internal/manifeststore"
	"github.com/UAPK/gateway-core/internal/token"
)

func baseManifest(orgID, uapkID string) *manifest.Manifest {
	return &manifest.Manifest{
		Version:               "v1",
		UAPKID:                uapkID,
		OrgID:                 orgID,
		Tools:                 map[string]manifest.ToolConfig{"send_payment": {Kind: manifest.ToolKindMock}},
		CapabilitiesRequested: []string{"payment.send"},
		Status:                manifest.StatusDraft,
	}
}

func newTestEngine(t *testing.T) (*Engine, manifeststore.Store, approvalstore.Store, *keys.KeyPair) {
	t.Helper()
	ms := manifeststore.NewMemStore()
	cs := counterstore.NewMemStore()
	as := approvalstore.NewMemStore()
	gwKeys, err := keys.Generate()
	if err != nil {
		t.Fatalf("generate gateway keys: %v", err)
	}
	eng := NewEngine(EngineConfig{
		Manifests:   ms,
		Counters:    cs,
		Approvals:   as,
		IssuerKeys:  keys.NewStaticIssuerKeyStore(nil),
		GatewayKeys: gwKeys,
		ApprovalTTL: time.Hour,
	})
	return eng, ms, as, gwKeys
}

func activateManifest(t *testing.T, ms manifeststore.Store, m *manifest.Manifest) {
	t.Helper()
	ctx := context.Background()
	if err := ms.Put(ctx, m); err != nil {
		t.Fatalf("put manifest: %v", err)
	}
	if err := ms.Activate(ctx, manifest.Key{OrgID: m.OrgID, UAPKID: m.UAPKID}, m.Version); err != nil {
		t.Fatalf("activate manifest: %v", err)
	}
}

func TestEvaluateDeniesWhenNoActiveManifest(t *testing.T) {
	eng, _, _, _ := newTestEngine(t)

	d, ferr := eng.Evaluate(context.Background(), RequestContext{OrgID: "org1", UAPKID: "uapk1"}, Action{Type: "payment.send", Tool: "send_payment"})
	if ferr != nil {
		t.Fatalf("unexpected fault: %v", ferr)
	}
	if d.Outcome != OutcomeDeny {
		t.Fatalf("expected DENY, got %s", d.Outcome)
	}
	if d.Reasons[0].Code != gwerr.CodeManifestNotFound {
		t.Fatalf("expected MANIFEST_NOT_FOUND, got %s", d.Reasons[0].Code)
	}
}

func TestEvaluateAllowsBaselineAction(t *testing.T) {
	eng, ms, _, _ := newTestEngine(t)
	m := baseManifest("org1", "uapk1")
	activateManifest(t, ms, m)

	d, ferr := eng.Evaluate(context.Background(), RequestContext{OrgID: "org1", UAPKID: "uapk1"}, Action{Type: "payment.send", Tool: "send_payment"})
	if ferr != nil {
		t.Fatalf("unexpected fault: %v", ferr)
	}
	if d.Outcome != OutcomeAllow {
		t.Fatalf("expected ALLOW, got %s: %+v", d.Outcome, d.Reasons)
	}
	if d.ActionFingerprint == "" {
		t.Fatalf("expected non-empty action fingerprint")
	}
}

func TestEvaluateDeniesUnconfiguredTool(t *testing.T) {
	eng, ms, _, _ := newTestEngine(t)
	m := baseManifest("org1", "uapk1")
	activateManifest(t, ms, m)

	d, ferr := eng.Evaluate(context.Background(), RequestContext{OrgID: "org1", UAPKID: "uapk1"}, Action{Type: "payment.send", Tool: "unknown_tool"})
	if ferr != nil {
		t.Fatalf("unexpected fault: %v", ferr)
	}
	if d.Outcome != OutcomeDeny || d.Reasons[0].Code != gwerr.CodeToolNotConfigured {
		t.Fatalf("expected TOOL_NOT_CONFIGURED deny, got %s %+v", d.Outcome, d.Reasons)
	}
}

func TestEvaluateDeniesToolOnDenyList(t *testing.T) {
	eng, ms, _, _ := newTestEngine(t)
	m := baseManifest("org1", "uapk1")
	m.Policy.ToolDeny = []string{"send_payment"}
	activateManifest(t, ms, m)

	d, ferr := eng.Evaluate(context.Background(), RequestContext{OrgID: "org1", UAPKID: "uapk1"}, Action{Type: "payment.send", Tool: "send_payment"})
	if ferr != nil {
		t.Fatalf("unexpected fault: %v", ferr)
	}
	if d.Outcome != OutcomeDeny || d.Reasons[0].Code != gwerr.CodeToolDenied {
		t.Fatalf("expected TOOL_DENIED, got %s %+v", d.Outcome, d.Reasons)
	}
}

func TestEvaluateDeniesJurisdictionNotAllowed(t *testing.T) {
	eng, ms, _, _ := newTestEngine(t)
	m := baseManifest("org1", "uapk1")
	m.Policy.JurisdictionAllow = []string{"US", "CA"}
	activateManifest(t, ms, m)

	action := Action{Type: "payment.send", Tool: "send_payment", Counterparty: &Counterparty{Host: "acme.example", Jurisdiction: "RU"}}
	d, ferr := eng.Evaluate(context.Background(), RequestContext{OrgID: "org1", UAPKID: "uapk1"}, action)
	if ferr != nil {
		t.Fatalf("unexpected fault: %v", ferr)
	}
	if d.Outcome != OutcomeDeny || d.Reasons[0].Code != gwerr.CodeJurisdictionBlocked {
		t.Fatalf("expected JURISDICTION_BLOCKED, got %s %+v", d.Outcome, d.Reasons)
	}
}

func TestEvaluateDeniesCounterpartyOnDenyListBySuffix(t *testing.T) {
	eng, ms, _, _ := newTestEngine(t)
	m := baseManifest("org1", "uapk1")
	m.Policy.CounterpartyDeny = []string{"evil.example"}
	activateManifest(t, ms, m)

	action := Action{Type: "payment.send", Tool: "send_payment", Counterparty: &Counterparty{Host: "sub.evil.example"}}
	d, ferr := eng.Evaluate(context.Background(), RequestContext{OrgID: "org1", UAPKID: "uapk1"}, action)
	if ferr != nil {
		t.Fatalf("unexpected fault: %v", ferr)
	}
	if d.Outcome != OutcomeDeny || d.Reasons[0].Code != gwerr.CodeCounterpartyBlocked {
		t.Fatalf("expected COUNTERPARTY_BLOCKED, got %s %+v", d.Outcome, d.Reasons)
	}
}

func TestEvaluateDeniesCounterpartyNotOnAllowList(t *testing.T) {
	eng, ms, _, _ := newTestEngine(t)
	m := baseManifest("org1", "uapk1")
	m.Policy.CounterpartyAllow = []string{"good.example"}
	activateManifest(t, ms, m)

	action := Action{Type: "payment.send", Tool: "send_payment", Counterparty: &Counterparty{Host: "other.example"}}
	d, ferr := eng.Evaluate(context.Background(), RequestContext{OrgID: "org1", UAPKID: "uapk1"}, action)
	if ferr != nil {
		t.Fatalf("unexpected fault: %v", ferr)
	}
	if d.Outcome != OutcomeDeny || d.Reasons[0].Code != gwerr.CodeCounterpartyNotOK {
		t.Fatalf("expected COUNTERPARTY_NOT_ALLOWED, got %s %+v", d.Outcome, d.Reasons)
	}
}

func TestEvaluateDeniesCurrencyWithoutConfiguredCap(t *testing.T) {
	eng, ms, _, _ := newTestEngine(t)
	m := baseManifest("org1", "uapk1")
	m.Policy.AmountCaps = map[string]float64{"USD": 1000}
	activateManifest(t, ms, m)

	amount := 50.0
	action := Action{Type: "payment.send", Tool: "send_payment", Amount: &amount, Currency: "EUR"}
	d, ferr := eng.Evaluate(context.Background(), RequestContext{OrgID: "org1", UAPKID: "uapk1"}, action)
	if ferr != nil {
		t.Fatalf("unexpected fault: %v", ferr)
	}
	if d.Outcome != OutcomeDeny || d.Reasons[0].Code != gwerr.CodeCurrencyNotAllowed {
		t.Fatalf("expected CURRENCY_NOT_ALLOWED, got %s %+v", d.Outcome, d.Reasons)
	}
}

func TestEvaluateEscalatesOverAmountThreshold(t *testing.T) {
	eng, ms, as, _ := newTestEngine(t)
	m := baseManifest("org1", "uapk1")
	m.Policy.AmountCaps = map[string]float64{"USD": 100}
	activateManifest(t, ms, m)

	amount := 500.0
	action := Action{Type: "payment.send", Tool: "send_payment", Amount: &amount, Currency: "USD"}
	d, ferr := eng.Evaluate(context.Background(), RequestContext{OrgID: "org1", UAPKID: "uapk1"}, action)
	if ferr != nil {
		t.Fatalf("unexpected fault: %v", ferr)
	}
	if d.Outcome != OutcomeEscalate {
		t.Fatalf("expected ESCALATE, got %s %+v", d.Outcome, d.Reasons)
	}
	if d.ApprovalID == "" {
		t.Fatalf("expected a created approval id")
	}
	appr, err := as.Get(context.Background(), d.ApprovalID)
	if err != nil {
		t.Fatalf("get approval: %v", err)
	}
	if appr.Status != approval.StatusPending {
		t.Fatalf("expected PENDING approval, got %s", appr.Status)
	}
}

func TestEvaluateEscalateIsIdempotentOnRepeatedIdenticalAction(t *testing.T) {
	eng, ms, _, _ := newTestEngine(t)
	m := baseManifest("org1", "uapk1")
	m.Policy.AmountCaps = map[string]float64{"USD": 100}
	activateManifest(t, ms, m)

	amount := 500.0
	action := Action{Type: "payment.send", Tool: "send_payment", Amount: &amount, Currency: "USD"}
	rc := RequestContext{OrgID: "org1", UAPKID: "uapk1"}

	first, ferr := eng.Evaluate(context.Background(), rc, action)
	if ferr != nil {
		t.Fatalf("unexpected fault: %v", ferr)
	}
	second, ferr := eng.Evaluate(context.Background(), rc, action)
	if ferr != nil {
		t.Fatalf("unexpected fault: %v", ferr)
	}
	if first.ApprovalID != second.ApprovalID {
		t.Fatalf("expected the same approval id on repeated escalation, got %q and %q", first.ApprovalID, second.ApprovalID)
	}
}

func TestEvaluateAllowsWithValidOverrideTokenForEscalatedAction(t *testing.T) {
	eng, ms, as, gwKeys := newTestEngine(t)
	m := baseManifest("org1", "uapk1")
	m.Policy.AmountCaps = map[string]float64{"USD": 100}
	activateManifest(t, ms, m)

	amount := 500.0
	action := Action{Type: "payment.send", Tool: "send_payment", Amount: &amount, Currency: "USD"}
	rc := RequestContext{OrgID: "org1", UAPKID: "uapk1"}

	escalated, ferr := eng.Evaluate(context.Background(), rc, action)
	if ferr != nil {
		t.Fatalf("unexpected fault: %v", ferr)
	}
	if escalated.Outcome != OutcomeEscalate {
		t.Fatalf("expected ESCALATE first, got %s", escalated.Outcome)
	}

	fp := escalated.ActionFingerprint
	overrideToken, hash, err := token.IssueOverride(gwKeys.Current, "gateway", escalated.ApprovalID, fp, time.Minute)
	if err != nil {
		t.Fatalf("issue override: %v", err)
	}
	if _, err := as.Decide(context.Background(), escalated.ApprovalID, "approver1", true, "looks fine", hash); err != nil {
		t.Fatalf("decide approval: %v", err)
	}

	rc.OverrideToken = overrideToken
	allowed, ferr := eng.Evaluate(context.Background(), rc, action)
	if ferr != nil {
		t.Fatalf("unexpected fault: %v", ferr)
	}
	if allowed.Outcome != OutcomeAllow {
		t.Fatalf("expected ALLOW with valid override, got %s %+v", allowed.Outcome, allowed.Reasons)
	}
	if !allowed.OverrideVerified() {
		t.Fatalf("expected OverrideVerified() true")
	}
	if allowed.OverrideApprovalID() != escalated.ApprovalID {
		t.Fatalf("expected override approval id %q, got %q", escalated.ApprovalID, allowed.OverrideApprovalID())
	}
	if allowed.ConsumedOverrideTokenID == "" {
		t.Fatalf("expected a consumed override token jti")
	}
}

func TestEvaluateOverrideFingerprintMismatchDoesNotGrantAllow(t *testing.T) {
	eng, ms, as, gwKeys := newTestEngine(t)
	m := baseManifest("org1", "uapk1")
	m.Policy.AmountCaps = map[string]float64{"USD": 100}
	activateManifest(t, ms, m)

	amount := 500.0
	action := Action{Type: "payment.send", Tool: "send_payment", Amount: &amount, Currency: "USD"}
	rc := RequestContext{OrgID: "org1", UAPKID: "uapk1"}

	escalated, ferr := eng.Evaluate(context.Background(), rc, action)
	if ferr != nil {
		t.Fatalf("unexpected fault: %v", ferr)
	}

	overrideToken, hash, err := token.IssueOverride(gwKeys.Current, "gateway", escalated.ApprovalID, "some-other-fingerprint", time.Minute)
	if err != nil {
		t.Fatalf("issue override: %v", err)
	}
	if _, err := as.Decide(context.Background(), escalated.ApprovalID, "approver1", true, "looks fine", hash); err != nil {
		t.Fatalf("decide approval: %v", err)
	}

	rc.OverrideToken = overrideToken
	d, ferr := eng.Evaluate(context.Background(), rc, action)
	if ferr != nil {
		t.Fatalf("unexpected fault: %v", ferr)
	}
	if d.Outcome != OutcomeEscalate {
		t.Fatalf("expected still ESCALATE on mismatched override, got %s", d.Outcome)
	}
	if d.OverrideVerified() {
		t.Fatalf("expected OverrideVerified() false on fingerprint mismatch")
	}
}

func TestEvaluateOverrideCannotBeConsumedTwice(t *testing.T) {
	eng, ms, as, gwKeys := newTestEngine(t)
	m := baseManifest("org1", "uapk1")
	m.Policy.AmountCaps = map[string]float64{"USD": 100}
	activateManifest(t, ms, m)

	amount := 500.0
	action := Action{Type: "payment.send", Tool: "send_payment", Amount: &amount, Currency: "USD"}
	rc := RequestContext{OrgID: "org1", UAPKID: "uapk1"}

	escalated, _ := eng.Evaluate(context.Background(), rc, action)
	fp := escalated.ActionFingerprint
	overrideToken, hash, err := token.IssueOverride(gwKeys.Current, "gateway", escalated.ApprovalID, fp, time.Minute)
	if err != nil {
		t.Fatalf("issue override: %v", err)
	}
	if _, err := as.Decide(context.Background(), escalated.ApprovalID, "approver1", true, "ok", hash); err != nil {
		t.Fatalf("decide: %v", err)
	}

	// Simulate the orchestration layer consuming the token after the first
	// successful evaluate+execute, mirroring spec §4.5's ConsumeOverride
	// call; a second Evaluate with the same token must not re-grant ALLOW.
	if err := as.ConsumeOverride(context.Background(), escalated.ApprovalID, hash); err != nil {
		t.Fatalf("consume override: %v", err)
	}

	rc.OverrideToken = overrideToken
	d, ferr := eng.Evaluate(context.Background(), rc, action)
	if ferr != nil {
		t.Fatalf("unexpected fault: %v", ferr)
	}
	if d.Outcome != OutcomeEscalate {
		t.Fatalf("expected ESCALATE after override consumed, got %s", d.Outcome)
	}
	if d.OverrideVerified() {
		t.Fatalf("expected OverrideVerified() false once consumed")
	}
}

func TestEvaluateDeniesDailyBudgetExhausted(t *testing.T) {
	eng, ms, _, _ := newTestEngine(t)
	m := baseManifest("org1", "uapk1")
	daily := 2
	m.Policy.Budgets = map[string]manifest.Budget{"payment.send": {Daily: &daily}}
	activateManifest(t, ms, m)

	rc := RequestContext{OrgID: "org1", UAPKID: "uapk1"}
	action := Action{Type: "payment.send", Tool: "send_payment"}
	window := counterstore.Key{OrgID: "org1", UAPKID: "uapk1", ActionType: "payment.send", Kind: counterstore.WindowDay, WindowStart: counterstore.WindowStartFor(time.Now().UTC(), counterstore.WindowDay)}

	// Pre-load the counter to simulate two prior executions this day.
	for i := 0; i < 2; i++ {
		if _, _, err := func() (int64, bool, error) {
			return eng.cfg.Counters.CheckAndIncrement(context.Background(), window, 0)
		}(); err != nil {
			t.Fatalf("seed counter: %v", err)
		}
	}

	d, ferr := eng.Evaluate(context.Background(), rc, action)
	if ferr != nil {
		t.Fatalf("unexpected fault: %v", ferr)
	}
	if d.Outcome != OutcomeDeny || d.Reasons[0].Code != gwerr.CodeBudgetExceededDay {
		t.Fatalf("expected BUDGET_EXCEEDED_DAY, got %s %+v", d.Outcome, d.Reasons)
	}
}

func TestEvaluateRequireCapabilityTokenDeniesWhenMissing(t *testing.T) {
	eng, ms, _, _ := newTestEngine(t)
	m := baseManifest("org1", "uapk1")
	m.Policy.RequireCapabilityToken = true
	activateManifest(t, ms, m)

	d, ferr := eng.Evaluate(context.Background(), RequestContext{OrgID: "org1", UAPKID: "uapk1"}, Action{Type: "payment.send", Tool: "send_payment"})
	if ferr != nil {
		t.Fatalf("unexpected fault: %v", ferr)
	}
	if d.Outcome != OutcomeDeny || d.Reasons[0].Code != gwerr.CodeCapabilityMissing {
		t.Fatalf("expected CAPABILITY_MISSING, got %s %+v", d.Outcome, d.Reasons)
	}
}

func TestEvaluateRequireHumanApprovalEscalates(t *testing.T) {
	eng, ms, _, _ := newTestEngine(t)
	m := baseManifest("org1", "uapk1")
	m.Constraints.RequireHumanApprove = []string{"payment.send"}
	activateManifest(t, ms, m)

	d, ferr := eng.Evaluate(context.Background(), RequestContext{OrgID: "org1", UAPKID: "uapk1"}, Action{Type: "payment.send", Tool: "send_payment"})
	if ferr != nil {
		t.Fatalf("unexpected fault: %v", ferr)
	}
	if d.Outcome != OutcomeEscalate || d.ApprovalID == "" {
		t.Fatalf("expected ESCALATE with approval id, got %s %+v", d.Outcome, d.Reasons)
	}
}

func TestFingerprintIsStableAndSensitiveToAmount(t *testing.T) {
	a1 := 100.0
	a2 := 200.0
	action1 := Action{Type: "payment.send", Tool: "send_payment", Amount: &a1, Currency: "USD"}
	action2 := Action{Type: "payment.send", Tool: "send_payment", Amount: &a2, Currency: "USD"}

	fp1a, err := Fingerprint("uapk1", action1)
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	fp1b, err := Fingerprint("uapk1", action1)
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	fp2, err := Fingerprint("uapk1", action2)
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	if fp1a != fp1b {
		t.Fatalf("expected stable fingerprint across identical inputs")
	}
	if fp1a == fp2 {
		t.Fatalf("expected distinct fingerprints for distinct amounts")
	}
}

func TestHostSuffixMatchesAnyExactAndSubdomain(t *testing.T) {
	patterns := []string{"example.com"}
	if !hostSuffixMatchesAny("example.com", patterns) {
		t.Fatalf("expected exact match")
	}
	if !hostSuffixMatchesAny("api.example.com", patterns) {
		t.Fatalf("expected subdomain match")
	}
	if hostSuffixMatchesAny("evilexample.com", patterns) {
		t.Fatalf("did not expect a bare-suffix false match")
	}
}

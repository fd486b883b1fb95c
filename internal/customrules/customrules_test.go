package customrules

import (
	"context"
	"testing"

	"github.com/UAPK/gateway-core/internal/gwerr"
	"github.com/UAPK/gateway-core/internal/policy"
)

const denyAboveFiveHundred = `
package gateway.custom

decision = {"outcome": "DENY", "code": "CUSTOM_RULE_DENIED", "message": "over org-specific soft cap"} {
	input.amount > 500
} else = {"outcome": "ALLOW"} {
	true
}
`

const escalateOnTool = `
package gateway.custom

decision = {"outcome": "ESCALATE", "message": "wire transfers always reviewed"} {
	input.tool == "wire_transfer"
} else = {"outcome": "ALLOW"} {
	true
}
`

const bareBooleanDeny = `
package gateway.custom

decision = false { input.tool == "blocked_tool" }
decision = true { input.tool != "blocked_tool" }
`

func TestEvaluateDeniesWhenCustomRuleMatches(t *testing.T) {
	eng := NewEngine(nil)
	amount := 900.0
	action := policy.Action{Type: "payment.send", Tool: "send_payment", Amount: &amount, Currency: "USD"}

	v, err := eng.Evaluate(context.Background(), denyAboveFiveHundred, action, policy.RequestContext{OrgID: "org1"})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if v.Outcome != policy.OutcomeDeny {
		t.Fatalf("expected DENY, got %s", v.Outcome)
	}
	if v.Reason.Code != gwerr.CodeCustomRuleDenied {
		t.Fatalf("expected CUSTOM_RULE_DENIED, got %s", v.Reason.Code)
	}
}

func TestEvaluateAllowsWhenRuleDoesNotMatch(t *testing.T) {
	eng := NewEngine(nil)
	amount := 10.0
	action := policy.Action{Type: "payment.send", Tool: "send_payment", Amount: &amount, Currency: "USD"}

	v, err := eng.Evaluate(context.Background(), denyAboveFiveHundred, action, policy.RequestContext{OrgID: "org1"})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if v.Outcome != policy.OutcomeAllow {
		t.Fatalf("expected ALLOW, got %s", v.Outcome)
	}
}

func TestEvaluateEscalatesOnToolMatch(t *testing.T) {
	eng := NewEngine(nil)
	action := policy.Action{Type: "payment.send", Tool: "wire_transfer"}

	v, err := eng.Evaluate(context.Background(), escalateOnTool, action, policy.RequestContext{OrgID: "org1"})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if v.Outcome != policy.OutcomeEscalate {
		t.Fatalf("expected ESCALATE, got %s", v.Outcome)
	}
	if v.Reason.Code != gwerr.CodeCustomRuleEscalate {
		t.Fatalf("expected CUSTOM_RULE_ESCALATE, got %s", v.Reason.Code)
	}
}

func TestEvaluateSupportsBareBooleanModules(t *testing.T) {
	eng := NewEngine(nil)

	blocked, err := eng.Evaluate(context.Background(), bareBooleanDeny, policy.Action{Tool: "blocked_tool"}, policy.RequestContext{})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if blocked.Outcome != policy.OutcomeDeny {
		t.Fatalf("expected DENY for bare-false module, got %s", blocked.Outcome)
	}

	allowed, err := eng.Evaluate(context.Background(), bareBooleanDeny, policy.Action{Tool: "other_tool"}, policy.RequestContext{})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if allowed.Outcome != policy.OutcomeAllow {
		t.Fatalf("expected ALLOW for bare-true module, got %s", allowed.Outcome)
	}
}

func TestEvaluateCachesCompiledModuleAcrossCalls(t *testing.T) {
	eng := NewEngine(nil)
	action := policy.Action{Tool: "wire_transfer"}
	rc := policy.RequestContext{}

	if _, err := eng.Evaluate(context.Background(), escalateOnTool, action, rc); err != nil {
		t.Fatalf("first evaluate: %v", err)
	}
	if len(eng.cache.m) != 1 {
		t.Fatalf("expected one cached module, got %d", len(eng.cache.m))
	}
	if _, err := eng.Evaluate(context.Background(), escalateOnTool, action, rc); err != nil {
		t.Fatalf("second evaluate: %v", err)
	}
	if len(eng.cache.m) != 1 {
		t.Fatalf("expected cache to stay at one entry for the same module source, got %d", len(eng.cache.m))
	}
}

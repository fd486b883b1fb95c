// Package manifest defines the per-agent policy document (§3) that the
// policy engine evaluates against. Manifests are immutable once created:
// activation swaps which version is ACTIVE, it never mutates a version's
// content.
package manifest

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is the manifest lifecycle state.
type Status string

const (
	StatusDraft     Status = "DRAFT"
	StatusActive    Status = "ACTIVE"
	StatusSuspended Status = "SUSPENDED"
	StatusRevoked   Status = "REVOKED"
)

// ToolKind identifies which connector implementation handles a tool.
type ToolKind string

const (
	ToolKindHTTP    ToolKind = "http"
	ToolKindWebhook ToolKind = "webhook"
	ToolKindMock    ToolKind = "mock"
)

// ToolAuth describes how a connector attaches a credential to outbound
// calls. The secret itself is never stored on the manifest, only a name
// resolved at call time through the injected Secrets provider.
type ToolAuth struct {
	Scheme     string `json:"scheme,omitempty"` // e.g. "bearer", "basic", "hmac"
	SecretName string `json:"secret_name,omitempty"`
}

// ToolConfig is the per-tool configuration under manifest.tools[name].
type ToolConfig struct {
	Kind            ToolKind  `json:"kind"`
	Method          string    `json:"method,omitempty"`
	BaseURL         string    `json:"base_url,omitempty"`
	URL             string    `json:"url,omitempty"`
	AllowedDomains  []string  `json:"allowed_domains,omitempty"`
	Auth            *ToolAuth `json:"auth,omitempty"`
	TimeoutSeconds  int       `json:"timeout_seconds,omitempty"`
	AllowHTTP       bool      `json:"allow_http,omitempty"`
	FollowRedirects bool      `json:"follow_redirects,omitempty"`
}

// EffectiveURL returns the URL/BaseURL a connector should target for this
// tool, preferring URL if set.
func (t ToolConfig) EffectiveURL() string {
	if t.URL != "" {
		return t.URL
	}
	return t.BaseURL
}

// Budget is a per-action-type budget entry under policy.budgets.
type Budget struct {
	Daily  *int `json:"daily,omitempty"`
	Hourly *int `json:"hourly,omitempty"`
}

// ApprovalThreshold is one entry in policy.approval_thresholds: if an
// action matches (action type in ActionTypes, tool in Tools, and amount
// constraint), it becomes a candidate ESCALATE{REQUIRES_APPROVAL}.
type ApprovalThreshold struct {
	ActionTypes []string `json:"action_types,omitempty"`
	Tools       []string `json:"tools,omitempty"`
	Amount      *float64 `json:"amount,omitempty"`
	Currency    string   `json:"currency,omitempty"`
}

// Matches reports whether this threshold applies to the given action
// attributes. An empty ActionTypes/Tools list means "matches any"; Amount,
// when set, requires amount >= threshold amount in the same currency.
func (a ApprovalThreshold) Matches(actionType, tool string, amount *float64, currency string) bool {
	if len(a.ActionTypes) > 0 && !contains(a.ActionTypes, actionType) {
		return false
	}
	if len(a.Tools) > 0 && !contains(a.Tools, tool) {
		return false
	}
	if a.Amount != nil {
		if amount == nil {
			return false
		}
		if a.Currency != "" && a.Currency != currency {
			return false
		}
		if *amount < *a.Amount {
			return false
		}
	}
	return true
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// Policy holds the enforcement rules evaluated by the policy engine.
type Policy struct {
	Budgets                map[string]Budget   `json:"budgets,omitempty"`
	CounterpartyAllow      []string             `json:"counterparty_allow,omitempty"`
	CounterpartyDeny       []string             `json:"counterparty_deny,omitempty"`
	JurisdictionAllow      []string             `json:"jurisdiction_allow,omitempty"`
	ToolAllow              []string             `json:"tool_allow,omitempty"`
	ToolDeny               []string             `json:"tool_deny,omitempty"`
	AmountCaps             map[string]float64   `json:"amount_caps,omitempty"`
	ApprovalThresholds     []ApprovalThreshold  `json:"approval_thresholds,omitempty"`
	RequireCapabilityToken bool                 `json:"require_capability_token,omitempty"`
	// CustomRego is an optional additive extension (see SPEC_FULL §9):
	// an org-supplied Rego module evaluated after the fixed 12-step core.
	// It can only add DENY/ESCALATE trace entries, never relax a core DENY.
	CustomRego string `json:"custom_rego,omitempty"`
}

// Constraints holds the declarative constraints block; max_actions_per_*
// and allowed_hours are declared for documentation/reporting but the
// canonical design enforces budgets solely through Policy.Budgets (see
// DESIGN.md open-question resolution — both hourly and daily budgets are
// enforced, never treated as no-ops).
type Constraints struct {
	MaxActionsPerDay    *int     `json:"max_actions_per_day,omitempty"`
	MaxActionsPerHour   *int     `json:"max_actions_per_hour,omitempty"`
	RequireHumanApprove []string `json:"require_human_approval,omitempty"`
	AllowedHours        []int    `json:"allowed_hours,omitempty"`
}

// RequiresHumanApproval reports whether actionType is listed in
// constraints.require_human_approval.
func (c Constraints) RequiresHumanApproval(actionType string) bool {
	return contains(c.RequireHumanApprove, actionType)
}

// Manifest is the immutable versioned policy document for one
// (org_id, uapk_id) pair.
type Manifest struct {
	Version               string                `json:"version"`
	UAPKID                string                `json:"uapk_id"`
	OrgID                 string                `json:"org_id"`
	Tools                 map[string]ToolConfig `json:"tools"`
	CapabilitiesRequested []string              `json:"capabilities_requested"`
	Constraints           Constraints           `json:"constraints,omitempty"`
	Policy                Policy                `json:"policy,omitempty"`
	Status                Status                `json:"status"`
	CreatedAt             time.Time             `json:"created_at,omitempty"`
	ActivatedAt           *time.Time            `json:"activated_at,omitempty"`
	// Extensions preserves unknown top-level fields for forward-compat,
	// per the DESIGN NOTES guidance on dynamic, dict-shaped documents.
	Extensions map[string]interface{} `json:"extensions,omitempty"`
}

// Key identifies the (org_id, uapk_id) pair a manifest belongs to.
type Key struct {
	OrgID  string
	UAPKID string
}

// Validate checks the required top-level fields and referential sanity of
// a manifest, per §6: "Required top-level: version, uapk_id, org_id,
// tools, capabilities_requested". Validation happens once at load time;
// callers carry the validated value thereafter rather than re-checking.
func Validate(m *Manifest) error {
	if m.Version == "" {
		return fmt.Errorf("manifest: version is required")
	}
	if m.UAPKID == "" {
		return fmt.Errorf("manifest: uapk_id is required")
	}
	if m.OrgID == "" {
		return fmt.Errorf("manifest: org_id is required")
	}
	if m.Tools == nil {
		return fmt.Errorf("manifest: tools is required (may be empty map)")
	}
	if m.CapabilitiesRequested == nil {
		return fmt.Errorf("manifest: capabilities_requested is required (may be empty slice)")
	}
	for name, tc := range m.Tools {
		switch tc.Kind {
		case ToolKindHTTP, ToolKindWebhook, ToolKindMock:
		default:
			return fmt.Errorf("manifest: tool %q has unknown kind %q", name, tc.Kind)
		}
		if tc.Kind != ToolKindMock && tc.EffectiveURL() == "" {
			return fmt.Errorf("manifest: tool %q requires base_url or url", name)
		}
	}
	switch m.Status {
	case "", StatusDraft, StatusActive, StatusSuspended, StatusRevoked:
	default:
		return fmt.Errorf("manifest: unknown status %q", m.Status)
	}
	return nil
}

// ParseJSON decodes a manifest from JSON, preserving unrecognized top-level
// fields under Extensions.
func ParseJSON(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("manifest: decode: %w", err)
	}

	var generic map[string]json.RawMessage
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, fmt.Errorf("manifest: decode generic: %w", err)
	}
	known := map[string]bool{
		"version": true, "uapk_id": true, "org_id": true, "tools": true,
		"capabilities_requested": true, "constraints": true, "policy": true,
		"status": true, "created_at": true, "activated_at": true, "extensions": true,
	}
	for k, raw := range generic {
		if known[k] {
			continue
		}
		if m.Extensions == nil {
			m.Extensions = make(map[string]interface{})
		}
		var v interface{}
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("manifest: decode extension %q: %w", k, err)
		}
		m.Extensions[k] = v
	}

	if err := Validate(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

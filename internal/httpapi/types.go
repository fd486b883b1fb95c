package httpapi

import (
	"github.com/UAPK/gateway-core/internal/policy"
)

// counterpartyRequest mirrors policy.Counterparty with JSON tags, since
// the core type carries none (it's never serialized on its own).
type counterpartyRequest struct {
	ID           string `json:"id,omitempty"`
	Host         string `json:"host,omitempty"`
	Jurisdiction string `json:"jurisdiction,omitempty"`
}

// actionRequest mirrors policy.Action with JSON tags.
type actionRequest struct {
	Type         string                 `json:"type"`
	Tool         string                 `json:"tool"`
	Params       map[string]interface{} `json:"params,omitempty"`
	Amount       *float64               `json:"amount,omitempty"`
	Currency     string                 `json:"currency,omitempty"`
	Counterparty *counterpartyRequest   `json:"counterparty,omitempty"`
}

func (a actionRequest) toAction() policy.Action {
	action := policy.Action{
		Type:     a.Type,
		Tool:     a.Tool,
		Params:   a.Params,
		Amount:   a.Amount,
		Currency: a.Currency,
	}
	if a.Counterparty != nil {
		action.Counterparty = &policy.Counterparty{
			ID:           a.Counterparty.ID,
			Host:         a.Counterparty.Host,
			Jurisdiction: a.Counterparty.Jurisdiction,
		}
	}
	return action
}

// evaluateRequest is the shared body shape for POST /v1/evaluate and
// POST /v1/execute: a RequestContext plus the proposed Action.
type evaluateRequest struct {
	OrgID           string        `json:"org_id"`
	UAPKID          string        `json:"uapk_id"`
	AgentID         string        `json:"agent_id"`
	UserID          string        `json:"user_id,omitempty"`
	CapabilityToken string        `json:"capability_token,omitempty"`
	OverrideToken   string        `json:"override_token,omitempty"`
	RequestID       string        `json:"request_id,omitempty"`
	Action          actionRequest `json:"action"`
}

func (req evaluateRequest) toRequestContext() policy.RequestContext {
	return policy.RequestContext{
		OrgID:           req.OrgID,
		UAPKID:          req.UAPKID,
		AgentID:         req.AgentID,
		UserID:          req.UserID,
		CapabilityToken: req.CapabilityToken,
		OverrideToken:   req.OverrideToken,
		RequestID:       req.RequestID,
	}
}

func (req evaluateRequest) validate() string {
	if req.OrgID == "" || req.UAPKID == "" {
		return "org_id and uapk_id are required"
	}
	if req.AgentID == "" {
		return "agent_id is required"
	}
	if req.Action.Type == "" || req.Action.Tool == "" {
		return "action.type and action.tool are required"
	}
	return ""
}

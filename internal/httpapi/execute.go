package httpapi

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/UAPK/gateway-core/internal/connector"
	"github.com/UAPK/gateway-core/internal/policy"
)

// executeResponse mirrors gateway.ExecutionOutcome with JSON tags (the
// core type carries none, since it's an in-process return value, not a
// wire type).
type executeResponse struct {
	Decision *policy.Decision  `json:"decision"`
	Result   *connector.Result `json:"result,omitempty"`
	RecordID string            `json:"record_id"`
}

// handleExecute serves POST /v1/execute: spec §4.5's five-step
// orchestration (re-evaluate, consume override, increment budgets, call
// the connector, append the interaction record).
func (h *Handler) handleExecute(w http.ResponseWriter, r *http.Request) {
	if !h.checkAuth(w, r) {
		return
	}
	var req evaluateRequest
	if err := decodeStrict(r, &req); err != nil {
		h.logger.Warn("execute decode error", zap.Error(err))
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if msg := req.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	outcome, fault := h.gw.Execute(r.Context(), req.toRequestContext(), req.Action.toAction())
	if fault != nil {
		writeFault(w, h.logger, fault)
		return
	}
	writeJSON(w, http.StatusOK, executeResponse{
		Decision: outcome.Decision,
		Result:   outcome.Result,
		RecordID: outcome.RecordID,
	})
}

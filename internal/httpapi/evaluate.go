package httpapi

import (
	"net/http"

	"go.uber.org/zap"
)

// handleEvaluate serves POST /v1/evaluate: a read-only policy decision
// with none of Execute's side effects (spec §4.1).
func (h *Handler) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	if !h.checkAuth(w, r) {
		return
	}
	var req evaluateRequest
	if err := decodeStrict(r, &req); err != nil {
		h.logger.Warn("evaluate decode error", zap.Error(err))
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if msg := req.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	decision, fault := h.gw.Evaluate(r.Context(), req.toRequestContext(), req.Action.toAction())
	if fault != nil {
		writeFault(w, h.logger, fault)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

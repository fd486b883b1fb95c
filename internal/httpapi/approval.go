package httpapi

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/UAPK/gateway-core/internal/approval"
	"github.com/UAPK/gateway-core/internal/approvalstore"
	"github.com/UAPK/gateway-core/internal/gwerr"
)

// createApprovalRequest is POST /v1/approvals' body: the same
// context/action shape evaluate/execute take, since CreateApproval needs
// an action fingerprint (spec §4.1 step 12's ESCALATE path, taken out of
// band of Execute when a caller wants to raise an approval directly).
type createApprovalRequest = evaluateRequest

func (h *Handler) handleCreateApproval(w http.ResponseWriter, r *http.Request) {
	if !h.checkAuth(w, r) {
		return
	}
	var req createApprovalRequest
	if err := decodeStrict(r, &req); err != nil {
		h.logger.Warn("create approval decode error", zap.Error(err))
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if msg := req.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	appr, fault := h.gw.CreateApproval(r.Context(), req.toRequestContext(), req.Action.toAction())
	if fault != nil {
		writeFault(w, h.logger, fault)
		return
	}
	writeJSON(w, http.StatusOK, appr)
}

func (h *Handler) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	if !h.checkAuth(w, r) {
		return
	}
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	appr, fault := h.gw.GetApproval(r.Context(), id)
	if fault != nil {
		if errors.Is(fault.Cause, approvalstore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "approval not found")
			return
		}
		writeFault(w, h.logger, fault)
		return
	}
	writeJSON(w, http.StatusOK, appr)
}

// decideApprovalRequest is POST /v1/approvals/{id}/decide's body.
type decideApprovalRequest struct {
	Approver string `json:"approver"`
	Approve  bool   `json:"approve"`
	Note     string `json:"note,omitempty"`
}

// decideApprovalResponse carries the decided approval plus the raw
// override token (spec §4.2: issued once, never stored or re-derivable).
type decideApprovalResponse struct {
	Approval      *approval.Approval `json:"approval"`
	OverrideToken string             `json:"override_token,omitempty"`
}

func (h *Handler) handleDecideApproval(w http.ResponseWriter, r *http.Request) {
	if !h.checkAuth(w, r) {
		return
	}
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req decideApprovalRequest
	if err := decodeStrict(r, &req); err != nil {
		h.logger.Warn("decide approval decode error", zap.Error(err))
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Approver == "" {
		writeError(w, http.StatusBadRequest, "approver is required")
		return
	}

	decided, token, fault := h.gw.DecideApproval(r.Context(), req.Approver, id, req.Approve, req.Note)
	if fault != nil {
		switch {
		case errors.Is(fault.Cause, approvalstore.ErrNotFound):
			writeError(w, http.StatusNotFound, "approval not found")
		case errors.Is(fault.Cause, approvalstore.ErrAlreadyDecided):
			writeError(w, http.StatusConflict, "approval already decided")
		case fault.Code == gwerr.CodeEvalFault:
			writeError(w, http.StatusInternalServerError, fault.Error())
		default:
			writeFault(w, h.logger, fault)
		}
		return
	}
	writeJSON(w, http.StatusOK, decideApprovalResponse{Approval: decided, OverrideToken: token})
}

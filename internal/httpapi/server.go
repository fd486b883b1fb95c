// Package httpapi exposes the gateway façade (internal/gateway) over a
// minimal net/http JSON interface, adapted from the teacher's
// internal/httpapi/approval.go: one handler struct per concern, a
// RegisterRoutes method wiring it into a shared *http.ServeMux, JSON
// request/response bodies with DisallowUnknownFields decoding, and a
// StartServer helper that launches ListenAndServe in a goroutine.
package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/UAPK/gateway-core/internal/gateway"
	"github.com/UAPK/gateway-core/internal/gwerr"
)

// Handler serves the gateway's seven frontend-facing routes (spec §6):
// POST /v1/evaluate, POST /v1/execute, POST /v1/approvals,
// GET /v1/approvals/{id}, POST /v1/approvals/{id}/decide,
// GET /v1/audit/verify, GET /v1/audit/export.
type Handler struct {
	gw        *gateway.Gateway
	logger    *zap.Logger
	authToken string
}

// NewHandler builds a Handler. authToken, if non-empty, is required as a
// Bearer token on every request.
func NewHandler(gw *gateway.Gateway, logger *zap.Logger, authToken string) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{gw: gw, logger: logger, authToken: authToken}
}

// RegisterRoutes wires every endpoint into mux using Go 1.22+ method+path
// patterns.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/evaluate", h.handleEvaluate)
	mux.HandleFunc("POST /v1/execute", h.handleExecute)
	mux.HandleFunc("POST /v1/approvals/{id}/decide", h.handleDecideApproval)
	mux.HandleFunc("GET /v1/approvals/{id}", h.handleGetApproval)
	mux.HandleFunc("POST /v1/approvals", h.handleCreateApproval)
	mux.HandleFunc("GET /v1/audit/verify", h.handleVerifyAuditChain)
	mux.HandleFunc("GET /v1/audit/export", h.handleExportAuditBundle)
}

// checkAuth enforces the optional bearer token. Returns false (after
// writing the error response) if the request must be rejected.
func (h *Handler) checkAuth(w http.ResponseWriter, r *http.Request) bool {
	if h.authToken == "" {
		return true
	}
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != h.authToken {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return false
	}
	return true
}

// decodeStrict decodes r's JSON body into dst, rejecting unknown fields.
func decodeStrict(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// writeError writes a {"error": "..."} JSON body with the given status.
func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeJSON writes v as a JSON response body with the given status.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeFault translates a *gwerr.Fault into an HTTP status and JSON error
// body. Faults are infrastructure failures (spec §7), never policy
// outcomes, so they always map to 4xx/5xx rather than a decision value.
func writeFault(w http.ResponseWriter, logger *zap.Logger, fault *gwerr.Fault) {
	status := http.StatusInternalServerError
	switch fault.Code {
	case gwerr.CodeDeadline:
		status = http.StatusGatewayTimeout
	case gwerr.CodeStoreFault, gwerr.CodeAuditFault, gwerr.CodeEvalFault:
		status = http.StatusServiceUnavailable
	}
	logger.Error("gateway fault", zap.String("code", string(fault.Code)), zap.Error(fault))
	writeError(w, status, fault.Error())
}

// StartServer starts an HTTP server on addr serving h, running
// ListenAndServe in a goroutine, and returns the *http.Server. It does not
// shut the server down itself; graceful shutdown is up to the caller
// calling Shutdown on the returned server (mirroring the teacher's
// StartApprovalServer pattern).
func StartServer(addr string, h *Handler, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("starting gateway HTTP API", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("gateway HTTP API failed", zap.Error(err))
		}
	}()
	return srv
}

// pathID extracts the {id} wildcard, rejecting requests where it's empty.
func pathID(r *http.Request) (string, error) {
	id := r.PathValue("id")
	if id == "" {
		return "", fmt.Errorf("missing id path segment")
	}
	return id, nil
}

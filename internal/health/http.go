package health

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// HTTPHandler exposes Manager over /health, /health/ready, /health/live,
// and /health/detailed, adapted from the teacher's health.HTTPHandler
// status-code mapping (healthy/degraded both 200, unhealthy 503).
type HTTPHandler struct {
	manager *Manager
	logger  *zap.Logger
}

// NewHTTPHandler builds an HTTPHandler over manager.
func NewHTTPHandler(manager *Manager, logger *zap.Logger) *HTTPHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPHandler{manager: manager, logger: logger}
}

// RegisterRoutes mounts every health endpoint on mux.
func (h *HTTPHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/health/ready", h.handleReadiness)
	mux.HandleFunc("/health/live", h.handleLiveness)
	mux.HandleFunc("/health/detailed", h.handleDetailed)
}

func (h *HTTPHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	overall := h.manager.GetOverallHealth(r.Context())
	writeJSON(w, statusCode(overall.Status), overall)
}

func (h *HTTPHandler) handleReadiness(w http.ResponseWriter, r *http.Request) {
	ready := h.manager.IsReady(r.Context())
	code := http.StatusOK
	if !ready {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]bool{"ready": ready})
}

func (h *HTTPHandler) handleLiveness(w http.ResponseWriter, r *http.Request) {
	live := h.manager.IsLive(r.Context())
	code := http.StatusOK
	if !live {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]bool{"live": live})
}

func (h *HTTPHandler) handleDetailed(w http.ResponseWriter, r *http.Request) {
	detailed := h.manager.CheckAll(r.Context())
	writeJSON(w, statusCode(detailed.Overall.Status), detailed)
}

func statusCode(s Status) int {
	switch s {
	case StatusUnhealthy:
		return http.StatusServiceUnavailable
	default:
		return http.StatusOK
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// StartHealthServer starts a dedicated HTTP server for health endpoints on
// addr, separate from the main API listener so orchestrators can probe
// liveness/readiness even if the API listener's port is saturated.
func StartHealthServer(manager *Manager, addr string, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	NewHTTPHandler(manager, logger).RegisterRoutes(mux)
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("health server stopped", zap.Error(err))
		}
	}()
	return srv
}

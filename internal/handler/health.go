package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/capitalize-ai/assistant-client/internal/model"
)

// ModelLister is used as a backend reachability probe.
type ModelLister interface {
	ListModels(ctx context.Context) ([]model.ModelInfo, error)
}

// ConnectionChecker reports broker connectivity.
type ConnectionChecker interface {
	IsConnected() bool
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	backend ModelLister
	nats    ConnectionChecker
	timeout time.Duration
}

// NewHealthHandler creates a new health handler. nats may be nil when the
// audit log is disabled.
func NewHealthHandler(backend ModelLister, nats ConnectionChecker) *HealthHandler {
	return &HealthHandler{
		backend: backend,
		nats:    nats,
		timeout: 3 * time.Second,
	}
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

// Ready handles GET /ready
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.nats != nil && !h.nats.IsConnected() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "NATS not connected",
		})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	if _, err := h.backend.ListModels(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "backend unreachable",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}

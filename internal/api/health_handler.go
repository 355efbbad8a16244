package api

import (
	"net/http"
	"time"

	"github.com/argusmon/argus/internal/repository"
)

// HealthHandler handles health check endpoints
type HealthHandler struct {
	repo repository.Repository
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(repo repository.Repository) *HealthHandler {
	return &HealthHandler{repo: repo}
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// Healthz handles GET /healthz (liveness probe)
func (h *HealthHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
	})
}

// Readyz handles GET /readyz (readiness probe, checks the store)
func (h *HealthHandler) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			sendError(w, r, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "Store is unreachable", err.Error())
			return
		}
	}
	sendJSON(w, http.StatusOK, HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
	})
}

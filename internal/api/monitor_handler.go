package api

import (
	"errors"
	"net/http"

	"github.com/argusmon/argus/internal/poller"
	"github.com/argusmon/argus/internal/repository"
)

// MonitorHandler handles on-demand check endpoints
type MonitorHandler struct {
	scheduler Scheduler
}

// NewMonitorHandler creates a new monitor handler
func NewMonitorHandler(s Scheduler) *MonitorHandler {
	return &MonitorHandler{scheduler: s}
}

// ExecuteResponse wraps the outcome of a one-shot evaluation.
type ExecuteResponse struct {
	Result *poller.ExecuteResult `json:"result"`
}

// Execute handles POST /monitors/{id}/execute
func (h *MonitorHandler) Execute(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDParam(w, r, "id")
	if !ok {
		return
	}

	result, err := h.scheduler.ExecuteNow(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, poller.ErrNotRunning):
			sendError(w, r, http.StatusConflict, "NOT_RUNNING", "Scheduler is not running", nil)
		case errors.Is(err, poller.ErrEvaluationInFlight):
			sendError(w, r, http.StatusConflict, "EVALUATION_IN_FLIGHT", "Monitor is already being evaluated", nil)
		case errors.Is(err, poller.ErrMaintenance):
			sendError(w, r, http.StatusConflict, "IN_MAINTENANCE", "Monitor is in a maintenance window", nil)
		case errors.Is(err, repository.ErrNotFound):
			sendError(w, r, http.StatusNotFound, "NOT_FOUND", "Monitor not found", nil)
		default:
			sendError(w, r, http.StatusInternalServerError, "EXECUTE_FAILED", "Evaluation failed", err.Error())
		}
		return
	}

	sendJSON(w, http.StatusOK, ExecuteResponse{Result: result})
}

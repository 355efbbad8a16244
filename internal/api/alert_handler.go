package api

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/argusmon/argus/internal/channels"
	"github.com/argusmon/argus/internal/models"
	"github.com/argusmon/argus/internal/recovery"
	"github.com/argusmon/argus/internal/repository"
)

// AlertHandler handles alert endpoints
type AlertHandler struct {
	repo     repository.Repository
	events   *channels.EventChannels
	recovery RecoveryStarter
	clock    clock.Clock
}

// NewAlertHandler creates a new alert handler
func NewAlertHandler(repo repository.Repository, events *channels.EventChannels, rec RecoveryStarter, clk clock.Clock) *AlertHandler {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &AlertHandler{repo: repo, events: events, recovery: rec, clock: clk}
}

// AlertListResponse is the envelope for GET /alerts.
type AlertListResponse struct {
	Data  []*models.Alert `json:"data"`
	Total int             `json:"total"`
}

// List handles GET /alerts
func (h *AlertHandler) List(w http.ResponseWriter, r *http.Request) {
	filter := repository.AlertFilter{}

	if v := r.URL.Query().Get("status"); v != "" {
		status := models.AlertStatus(v)
		switch status {
		case models.AlertActive, models.AlertInRecovery, models.AlertAcknowledged, models.AlertRecovered:
			filter.Status = &status
		default:
			sendError(w, r, http.StatusBadRequest, "INVALID_STATUS", "Unknown alert status", v)
			return
		}
	}
	if v := r.URL.Query().Get("monitor_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			sendError(w, r, http.StatusBadRequest, "INVALID_ID", "Invalid UUID format", v)
			return
		}
		filter.MonitorID = &id
	}

	alerts, err := h.repo.ListAlerts(r.Context(), filter)
	if handleStoreError(w, r, err, "Alerts") {
		return
	}

	sendJSON(w, http.StatusOK, AlertListResponse{Data: alerts, Total: len(alerts)})
}

// AcknowledgeRequest is the body for POST /alerts/{id}/acknowledge.
type AcknowledgeRequest struct {
	AcknowledgedBy string `json:"acknowledged_by"`
	Note           string `json:"note"`
}

// Acknowledge handles POST /alerts/{id}/acknowledge. Acknowledging an
// already-acknowledged alert is a no-op.
func (h *AlertHandler) Acknowledge(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDParam(w, r, "id")
	if !ok {
		return
	}
	input, ok := decodeJSON[AcknowledgeRequest](w, r)
	if !ok {
		return
	}
	if input.AcknowledgedBy == "" {
		sendError(w, r, http.StatusBadRequest, "MISSING_FIELD", "acknowledged_by is required", nil)
		return
	}

	alert, err := h.repo.GetAlert(r.Context(), id)
	if handleStoreError(w, r, err, "Alert") {
		return
	}
	if alert.Status.Terminal() {
		sendError(w, r, http.StatusConflict, "ALERT_CLOSED", "Alert is already recovered", nil)
		return
	}
	if alert.Acknowledged() {
		sendJSON(w, http.StatusOK, alert)
		return
	}

	now := h.clock.Now().UTC()
	alert.AcknowledgedAt = &now
	alert.AcknowledgedBy = input.AcknowledgedBy
	alert.AcknowledgeNote = input.Note
	// An in-recovery alert keeps its status; the acknowledgement lives
	// in the fields either way.
	if alert.Status == models.AlertActive {
		alert.Status = models.AlertAcknowledged
	}

	if handleStoreError(w, r, h.repo.UpdateAlert(r.Context(), alert), "Alert") {
		return
	}

	if h.events != nil {
		mon, err := h.repo.GetMonitor(r.Context(), alert.MonitorID)
		if err == nil {
			h.events.PublishAlert(r.Context(), channels.AlertSignal{
				Event:   models.EventAcknowledged,
				Monitor: mon,
				Alert:   alert,
			})
		}
	}

	sendJSON(w, http.StatusOK, alert)
}

// RecoverResponse reports the attempt started by POST /alerts/{id}/recover.
type RecoverResponse struct {
	AttemptNumber int `json:"attempt_number"`
}

// Recover handles POST /alerts/{id}/recover
func (h *AlertHandler) Recover(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDParam(w, r, "id")
	if !ok {
		return
	}

	attempt, err := h.recovery.TriggerRecovery(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, recovery.ErrNoAction):
			sendError(w, r, http.StatusBadRequest, "NO_RECOVERY_ACTION", "Monitor has no recovery action", nil)
		case errors.Is(err, recovery.ErrExhausted):
			sendError(w, r, http.StatusBadRequest, "RECOVERY_EXHAUSTED", "Recovery attempt cap reached", nil)
		case errors.Is(err, recovery.ErrInProgress):
			sendError(w, r, http.StatusConflict, "RECOVERY_IN_PROGRESS", "A recovery attempt is already running", nil)
		case errors.Is(err, recovery.ErrAlertClosed):
			sendError(w, r, http.StatusConflict, "ALERT_CLOSED", "Alert is already recovered", nil)
		case errors.Is(err, repository.ErrNotFound):
			sendError(w, r, http.StatusNotFound, "NOT_FOUND", "Alert not found", nil)
		default:
			sendError(w, r, http.StatusInternalServerError, "RECOVERY_FAILED", "Recovery could not be started", err.Error())
		}
		return
	}

	sendJSON(w, http.StatusOK, RecoverResponse{AttemptNumber: attempt})
}

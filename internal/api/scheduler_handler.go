package api

import (
	"errors"
	"net/http"
	"time"

	"k8s.io/utils/clock"

	"github.com/argusmon/argus/internal/poller"
)

// SchedulerHandler handles scheduler lifecycle endpoints
type SchedulerHandler struct {
	scheduler Scheduler
	clock     clock.Clock
}

// NewSchedulerHandler creates a new scheduler handler
func NewSchedulerHandler(s Scheduler, clk clock.Clock) *SchedulerHandler {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &SchedulerHandler{scheduler: s, clock: clk}
}

// SchedulerStateResponse reports the scheduler lifecycle state.
type SchedulerStateResponse struct {
	Running   bool       `json:"running"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	StoppedAt *time.Time `json:"stopped_at,omitempty"`
	CheckedAt *time.Time `json:"checked_at,omitempty"`
}

// Start handles POST /scheduler/start
func (h *SchedulerHandler) Start(w http.ResponseWriter, r *http.Request) {
	if err := h.scheduler.Start(r.Context()); err != nil {
		if errors.Is(err, poller.ErrAlreadyRunning) {
			sendError(w, r, http.StatusBadRequest, "ALREADY_RUNNING", "Scheduler is already running", nil)
			return
		}
		sendError(w, r, http.StatusInternalServerError, "START_FAILED", "Scheduler failed to start", err.Error())
		return
	}

	startedAt := h.scheduler.StartedAt()
	sendJSON(w, http.StatusOK, SchedulerStateResponse{
		Running:   true,
		StartedAt: &startedAt,
	})
}

// Stop handles POST /scheduler/stop
func (h *SchedulerHandler) Stop(w http.ResponseWriter, r *http.Request) {
	if err := h.scheduler.Stop(r.Context()); err != nil {
		if errors.Is(err, poller.ErrNotRunning) {
			sendError(w, r, http.StatusBadRequest, "NOT_RUNNING", "Scheduler is not running", nil)
			return
		}
		sendError(w, r, http.StatusInternalServerError, "STOP_FAILED", "Scheduler failed to stop", err.Error())
		return
	}

	stoppedAt := h.scheduler.StoppedAt()
	sendJSON(w, http.StatusOK, SchedulerStateResponse{
		Running:   false,
		StoppedAt: &stoppedAt,
	})
}

// Status handles GET /scheduler/status
func (h *SchedulerHandler) Status(w http.ResponseWriter, r *http.Request) {
	resp := SchedulerStateResponse{Running: h.scheduler.IsRunning()}

	now := h.clock.Now()
	resp.CheckedAt = &now
	if t := h.scheduler.StartedAt(); !t.IsZero() {
		resp.StartedAt = &t
	}
	if t := h.scheduler.StoppedAt(); !t.IsZero() {
		resp.StoppedAt = &t
	}

	sendJSON(w, http.StatusOK, resp)
}

package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/argusmon/argus/internal/middleware"
	"github.com/argusmon/argus/internal/repository"
)

// sendJSON sends a JSON response
func sendJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// sendError sends a standardized error response
func sendError(w http.ResponseWriter, r *http.Request, status int, code, message string, details interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	response := middleware.ErrorResponse{
		Error: middleware.ErrorDetail{
			Code:      code,
			Message:   message,
			Details:   details,
			RequestID: middleware.GetRequestID(r.Context()),
		},
	}

	json.NewEncoder(w).Encode(response)
}

// parseUUIDParam extracts and validates a UUID from URL params
func parseUUIDParam(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	idStr := chi.URLParam(r, param)
	id, err := uuid.Parse(idStr)
	if err != nil {
		sendError(w, r, http.StatusBadRequest, "INVALID_ID", "Invalid UUID format", idStr)
		return uuid.Nil, false
	}
	return id, true
}

// decodeJSON decodes request body with error handling
func decodeJSON[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var input T
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		sendError(w, r, http.StatusBadRequest, "INVALID_BODY", "Invalid JSON body", err.Error())
		return input, false
	}
	return input, true
}

// handleStoreError sends the appropriate error response for repository
// errors. Returns true when err was non-nil and a response was written.
func handleStoreError(w http.ResponseWriter, r *http.Request, err error, entityName string) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, repository.ErrNotFound):
		sendError(w, r, http.StatusNotFound, "NOT_FOUND", entityName+" not found", nil)
	case errors.Is(err, repository.ErrConflict):
		sendError(w, r, http.StatusConflict, "CONFLICT", entityName+" was modified concurrently", nil)
	case errors.Is(err, repository.ErrUnavailable):
		sendError(w, r, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "Store is unreachable", nil)
	default:
		sendError(w, r, http.StatusInternalServerError, "STORE_ERROR", "Store error", err.Error())
	}
	return true
}

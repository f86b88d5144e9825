package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/maneesh/edushare/internal/logger"
	"github.com/maneesh/edushare/internal/models"
)

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error string `json:"error"`
}

// statusFor maps a service error to its HTTP status. AssemblyFailed is checked first
// because its message may mention the conflict that caused it.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrAssemblyFailed):
		return http.StatusInternalServerError
	case errors.Is(err, models.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, models.ErrStorageIO):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, log *logger.Logger, err error) {
	status := statusFor(err)
	if log != nil {
		if status >= http.StatusInternalServerError {
			log.Error("request failed", "status", status, "error", err)
		} else {
			log.Debug("request rejected", "status", status, "error", err)
		}
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

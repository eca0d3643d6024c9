package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"healthsense/internal/logger"
	"healthsense/internal/models"
)

const (
	statusSuccess = "success"
	statusError   = "error"
)

// ErrorResponse is the uniform failure body
type ErrorResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.WithComponent("handlers").Warn().Err(err).Msg("failed to write response")
	}
}

// WriteError writes {status:"error", message}
func WriteError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Status: statusError, Message: message})
}

// writeFailure maps a service error onto the API contract. Validation
// messages are returned as is.
func writeFailure(w http.ResponseWriter, r *http.Request, err error, notFound, fallback string) {
	log := logger.WithComponent("handlers")

	switch {
	case models.IsValidation(err):
		WriteError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, models.ErrNotFound):
		WriteError(w, http.StatusNotFound, notFound)
	default:
		log.Error().
			Err(err).
			Str("request_id", r.Header.Get("X-Request-ID")).
			Str("path", r.URL.Path).
			Msg("request failed")
		WriteError(w, http.StatusBadRequest, fallback)
	}
}

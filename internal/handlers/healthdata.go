package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"healthsense/internal/logger"
	"healthsense/internal/models"
)

// Ingester runs a raw submission body through the ingestion pipeline
type Ingester interface {
	Ingest(ctx context.Context, source string, body []byte) (models.Bundle, error)
}

// HealthDataHandler handles POST /api/healthdata
type HealthDataHandler struct {
	ingester    Ingester
	maxBodySize int64
}

// NewHealthDataHandler creates the ingestion handler. maxBodySize <= 0
// means 1MB.
func NewHealthDataHandler(ingester Ingester, maxBodySize int64) *HealthDataHandler {
	if maxBodySize <= 0 {
		maxBodySize = 1 << 20
	}
	return &HealthDataHandler{ingester: ingester, maxBodySize: maxBodySize}
}

// IngestResponse is returned for an accepted reading
type IngestResponse struct {
	Status     string              `json:"status"`
	Message    string              `json:"message"`
	Data       models.Reading      `json:"data"`
	Prediction *models.RiskScore   `json:"prediction"`
	Alerts     []models.AlertEvent `json:"alerts"`
}

// ServeHTTP handles the ingest HTTP request
func (h *HealthDataHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	contentType := r.Header.Get("Content-Type")
	if contentType != "" && !strings.HasPrefix(contentType, "application/json") {
		WriteError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		WriteError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	bundle, err := h.ingester.Ingest(r.Context(), "http", body)
	if err != nil {
		if models.IsValidation(err) {
			logger.WithComponent("handlers").Info().
				Err(err).
				Str("request_id", r.Header.Get("X-Request-ID")).
				Msg("rejected health data")
		}
		writeFailure(w, r, err, "not found", "failed to process health data")
		return
	}

	alerts := bundle.Alerts
	if alerts == nil {
		alerts = []models.AlertEvent{}
	}
	writeJSON(w, http.StatusOK, IngestResponse{
		Status:     statusSuccess,
		Message:    "Data received and processed",
		Data:       bundle.Reading,
		Prediction: bundle.Prediction,
		Alerts:     alerts,
	})
}

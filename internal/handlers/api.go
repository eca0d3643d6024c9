package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"healthsense/internal/models"
	"healthsense/internal/query"
)

// Querier answers dashboard reads
type Querier interface {
	Latest(ctx context.Context) (models.Bundle, error)
	History(ctx context.Context, hours float64, limit int) (query.History, error)
	Alerts(ctx context.Context, acknowledged bool) ([]models.AlertEvent, error)
	Acknowledge(ctx context.Context, id string) (models.AlertEvent, error)
}

// API serves the query endpoints under /api
type API struct {
	query Querier
}

// NewAPI creates the query handlers
func NewAPI(q Querier) *API {
	return &API{query: q}
}

// Routes mounts the query endpoints on r
func (a *API) Routes(r chi.Router) {
	r.Get("/latest", a.Latest)
	r.Get("/history", a.History)
	r.Get("/alerts", a.Alerts)
	r.Post("/alerts/{alertID}/acknowledge", a.Acknowledge)
}

type latestResponse struct {
	Status     string              `json:"status"`
	HealthData models.Reading      `json:"health_data"`
	Prediction *models.RiskScore   `json:"prediction"`
	Alerts     []models.AlertEvent `json:"alerts"`
}

// Latest handles GET /api/latest
func (a *API) Latest(w http.ResponseWriter, r *http.Request) {
	b, err := a.query.Latest(r.Context())
	if err != nil {
		writeFailure(w, r, err, "No data available", "failed to load latest data")
		return
	}
	alerts := b.Alerts
	if alerts == nil {
		alerts = []models.AlertEvent{}
	}
	writeJSON(w, http.StatusOK, latestResponse{
		Status:     statusSuccess,
		HealthData: b.Reading,
		Prediction: b.Prediction,
		Alerts:     alerts,
	})
}

type historyResponse struct {
	Status      string                      `json:"status"`
	Data        []models.Reading            `json:"data"`
	Predictions map[string]models.RiskScore `json:"predictions"`
}

// History handles GET /api/history?hours=24&limit=100
func (a *API) History(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	hours := float64(query.DefaultHistoryHours)
	if v := q.Get("hours"); v != "" {
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "hours must be a number")
			return
		}
		hours = parsed
	}

	limit := query.DefaultHistoryLimit
	if v := q.Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		limit = parsed
	}

	h, err := a.query.History(r.Context(), hours, limit)
	if err != nil {
		writeFailure(w, r, err, "No data available", "failed to load history")
		return
	}

	data := h.Readings
	if data == nil {
		data = []models.Reading{}
	}
	preds := h.Predictions
	if preds == nil {
		preds = map[string]models.RiskScore{}
	}
	writeJSON(w, http.StatusOK, historyResponse{Status: statusSuccess, Data: data, Predictions: preds})
}

type alertsResponse struct {
	Status string              `json:"status"`
	Alerts []models.AlertEvent `json:"alerts"`
}

// Alerts handles GET /api/alerts?acknowledged=false
func (a *API) Alerts(w http.ResponseWriter, r *http.Request) {
	acknowledged := strings.EqualFold(strings.TrimSpace(r.URL.Query().Get("acknowledged")), "true")

	alerts, err := a.query.Alerts(r.Context(), acknowledged)
	if err != nil {
		writeFailure(w, r, err, "No alerts available", "failed to load alerts")
		return
	}
	if alerts == nil {
		alerts = []models.AlertEvent{}
	}
	writeJSON(w, http.StatusOK, alertsResponse{Status: statusSuccess, Alerts: alerts})
}

type acknowledgeResponse struct {
	Status  string            `json:"status"`
	Message string            `json:"message"`
	Alert   models.AlertEvent `json:"alert"`
}

// Acknowledge handles POST /api/alerts/{alertID}/acknowledge
func (a *API) Acknowledge(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "alertID")

	alert, err := a.query.Acknowledge(r.Context(), id)
	if err != nil {
		writeFailure(w, r, err, "Alert not found", "failed to acknowledge alert")
		return
	}
	writeJSON(w, http.StatusOK, acknowledgeResponse{
		Status:  statusSuccess,
		Message: "Alert acknowledged",
		Alert:   alert,
	})
}

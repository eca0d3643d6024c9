package query

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"healthsense/internal/cache"
	"healthsense/internal/logger"
	"healthsense/internal/metrics"
	"healthsense/internal/models"
	"healthsense/internal/storage"
)

const (
	DefaultHistoryHours = 24
	DefaultHistoryLimit = 100
	MaxHistoryLimit     = 1000
)

// Service answers read queries from the durable store, falling back to the
// transitional cache when the store fails or has nothing.
type Service struct {
	store storage.Store
	cache *cache.Cache
	now   func() time.Time
}

// New creates a query service
func New(store storage.Store, c *cache.Cache) *Service {
	return &Service{store: store, cache: c, now: time.Now}
}

// History is a time window of readings with their risk scores keyed by reading id
type History struct {
	Readings    []models.Reading
	Predictions map[string]models.RiskScore
}

// Latest returns the newest reading with its score and alerts.
// A missing score is returned as nil.
func (s *Service) Latest(ctx context.Context) (models.Bundle, error) {
	log := logger.WithComponent("query")

	reading, err := s.store.LatestReading(ctx)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			log.Warn().Err(err).Msg("latest reading from store failed, using cache")
		}
		cached, ok := s.cache.LatestReading()
		if !ok {
			if errors.Is(err, models.ErrNotFound) {
				return models.Bundle{}, models.ErrNotFound
			}
			return models.Bundle{}, fmt.Errorf("latest reading: %w", err)
		}
		metrics.CacheFallbacksTotal.WithLabelValues("latest").Inc()
		reading = cached
	}

	bundle := models.Bundle{
		Reading:    reading,
		Prediction: s.prediction(ctx, reading.ID),
		Alerts:     s.alertsFor(ctx, reading.ID),
	}
	return bundle, nil
}

// History returns readings no older than hours, ascending by timestamp and
// truncated to the newest limit entries. limit above MaxHistoryLimit is capped.
func (s *Service) History(ctx context.Context, hours float64, limit int) (History, error) {
	if math.IsNaN(hours) || math.IsInf(hours, 0) || hours < 0 {
		return History{}, &models.ValidationError{Field: "hours", Reason: "must be a non-negative number"}
	}
	if limit < 1 {
		return History{}, &models.ValidationError{Field: "limit", Reason: "must be a positive integer"}
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}

	cutoff := s.now().UTC().Add(-time.Duration(hours * float64(time.Hour)))

	stored, storeErr := s.store.ReadingsSince(ctx, cutoff, limit)
	if storeErr != nil {
		logger.WithComponent("query").Warn().
			Err(storeErr).
			Time("cutoff", cutoff).
			Msg("history from store failed, using cache")
	}
	cached := s.cache.ReadingsSince(cutoff)

	if storeErr != nil {
		if len(cached) == 0 {
			return History{}, fmt.Errorf("history: %w", storeErr)
		}
		metrics.CacheFallbacksTotal.WithLabelValues("history").Inc()
	}

	readings := mergeReadings(stored, cached)
	if len(readings) > limit {
		readings = readings[len(readings)-limit:]
	}

	ids := make([]string, len(readings))
	for i, r := range readings {
		ids[i] = r.ID
	}

	predictions := make(map[string]models.RiskScore, len(readings))
	if storeErr == nil {
		found, err := s.store.PredictionsFor(ctx, ids)
		if err != nil {
			logger.WithComponent("query").Warn().Err(err).Msg("history predictions from store failed, using cache")
		}
		for id, p := range found {
			predictions[id] = p
		}
	}
	for _, id := range ids {
		if _, ok := predictions[id]; ok {
			continue
		}
		if p, ok := s.cache.Prediction(id); ok {
			predictions[id] = p
		}
	}

	return History{Readings: readings, Predictions: predictions}, nil
}

// Alerts lists alerts with the given acknowledged flag, oldest first.
func (s *Service) Alerts(ctx context.Context, acknowledged bool) ([]models.AlertEvent, error) {
	stored, err := s.store.ListAlerts(ctx, acknowledged)
	cached := s.cache.Alerts(acknowledged)

	if err != nil {
		logger.WithComponent("query").Warn().
			Err(err).
			Bool("acknowledged", acknowledged).
			Msg("alert list from store failed, using cache")
		if len(cached) == 0 {
			return nil, fmt.Errorf("list alerts: %w", err)
		}
		metrics.CacheFallbacksTotal.WithLabelValues("alerts").Inc()
	}

	out := mergeAlerts(stored, cached)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

// Acknowledge marks an alert acknowledged in the store and in the cache.
// Acknowledging twice is not an error.
func (s *Service) Acknowledge(ctx context.Context, id string) (models.AlertEvent, error) {
	log := logger.WithComponent("query").With().Str("alert_id", id).Logger()

	alert, err := s.store.AcknowledgeAlert(ctx, id)
	if err == nil {
		// keep the cached copy identical to the stored one
		s.cache.Acknowledge(id)
		metrics.AlertsAcknowledgedTotal.Inc()
		return alert, nil
	}

	if !errors.Is(err, models.ErrNotFound) {
		log.Warn().Err(err).Msg("acknowledge in store failed, trying cache")
	}

	if cached, ok := s.cache.Acknowledge(id); ok {
		metrics.CacheFallbacksTotal.WithLabelValues("acknowledge").Inc()
		metrics.AlertsAcknowledgedTotal.Inc()
		return cached, nil
	}

	if errors.Is(err, models.ErrNotFound) {
		return models.AlertEvent{}, models.ErrNotFound
	}
	return models.AlertEvent{}, fmt.Errorf("acknowledge alert: %w", err)
}

func (s *Service) prediction(ctx context.Context, readingID string) *models.RiskScore {
	p, err := s.store.PredictionFor(ctx, readingID)
	if err == nil {
		return &p
	}
	if cached, ok := s.cache.Prediction(readingID); ok {
		return &cached
	}
	return nil
}

func (s *Service) alertsFor(ctx context.Context, readingID string) []models.AlertEvent {
	stored, err := s.store.AlertsForReading(ctx, readingID)
	if err != nil {
		logger.WithComponent("query").Warn().
			Err(err).
			Str("reading_id", readingID).
			Msg("alerts from store failed, using cache")
	}
	return mergeAlerts(stored, s.cache.AlertsForReading(readingID))
}

// mergeReadings unions both views by id, store entries winning, ascending by timestamp
func mergeReadings(stored, cached []models.Reading) []models.Reading {
	seen := make(map[string]struct{}, len(stored)+len(cached))
	out := make([]models.Reading, 0, len(stored)+len(cached))
	for _, r := range stored {
		seen[r.ID] = struct{}{}
		out = append(out, r)
	}
	for _, r := range cached {
		if _, dup := seen[r.ID]; dup {
			continue
		}
		seen[r.ID] = struct{}{}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// mergeAlerts unions both views by id, store entries winning, keeping store order first
func mergeAlerts(stored, cached []models.AlertEvent) []models.AlertEvent {
	seen := make(map[string]struct{}, len(stored)+len(cached))
	out := make([]models.AlertEvent, 0, len(stored)+len(cached))
	for _, a := range stored {
		seen[a.ID] = struct{}{}
		out = append(out, a)
	}
	for _, a := range cached {
		if _, dup := seen[a.ID]; dup {
			continue
		}
		seen[a.ID] = struct{}{}
		out = append(out, a)
	}
	return out
}

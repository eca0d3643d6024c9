package storage

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"healthsense/internal/models"
)

// memoryStore keeps everything in process memory. Nothing survives a restart.
type memoryStore struct {
	mu          sync.RWMutex
	readings    []models.Reading
	predictions map[string]models.RiskScore // by reading id
	alerts      []models.AlertEvent
	alertIndex  map[string]int
	closed      bool
}

// NewMemory returns an unbounded in-process store
func NewMemory() Store {
	return &memoryStore{
		predictions: make(map[string]models.RiskScore),
		alertIndex:  make(map[string]int),
	}
}

func (s *memoryStore) Init(ctx context.Context) error { return nil }

func (s *memoryStore) SaveBundle(ctx context.Context, b models.Bundle) (err error) {
	defer observe("save_bundle", time.Now(), &err)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return unavailable("save bundle", errStoreClosed)
	}

	s.readings = append(s.readings, b.Reading)
	if b.Prediction != nil {
		s.predictions[b.Reading.ID] = *b.Prediction
	}
	for _, a := range b.Alerts {
		s.alertIndex[a.ID] = len(s.alerts)
		s.alerts = append(s.alerts, a)
	}
	return nil
}

func (s *memoryStore) LatestReading(ctx context.Context) (r models.Reading, err error) {
	defer observe("latest_reading", time.Now(), &err)

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return r, unavailable("latest reading", errStoreClosed)
	}

	found := false
	for i := len(s.readings) - 1; i >= 0; i-- {
		if !found || s.readings[i].Timestamp.After(r.Timestamp) {
			r = s.readings[i]
			found = true
		}
	}
	if !found {
		return r, models.ErrNotFound
	}
	return r, nil
}

func (s *memoryStore) ReadingsSince(ctx context.Context, cutoff time.Time, limit int) (out []models.Reading, err error) {
	defer observe("readings_since", time.Now(), &err)

	if limit <= 0 {
		limit = math.MaxInt32
	}

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, unavailable("readings since", errStoreClosed)
	}
	out = make([]models.Reading, 0)
	for _, r := range s.readings {
		if !r.Timestamp.Before(cutoff) {
			out = append(out, r)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *memoryStore) PredictionFor(ctx context.Context, readingID string) (p models.RiskScore, err error) {
	defer observe("prediction_for", time.Now(), &err)

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return p, unavailable("prediction for", errStoreClosed)
	}
	p, ok := s.predictions[readingID]
	if !ok {
		return p, models.ErrNotFound
	}
	return p, nil
}

func (s *memoryStore) PredictionsFor(ctx context.Context, readingIDs []string) (out map[string]models.RiskScore, err error) {
	defer observe("predictions_for", time.Now(), &err)

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, unavailable("predictions for", errStoreClosed)
	}
	out = make(map[string]models.RiskScore, len(readingIDs))
	for _, id := range readingIDs {
		if p, ok := s.predictions[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (s *memoryStore) AlertsForReading(ctx context.Context, readingID string) (out []models.AlertEvent, err error) {
	defer observe("alerts_for_reading", time.Now(), &err)

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, unavailable("alerts for reading", errStoreClosed)
	}
	out = make([]models.AlertEvent, 0)
	for _, a := range s.alerts {
		if a.HealthDataID == readingID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *memoryStore) ListAlerts(ctx context.Context, acknowledged bool) (out []models.AlertEvent, err error) {
	defer observe("list_alerts", time.Now(), &err)

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, unavailable("list alerts", errStoreClosed)
	}
	out = make([]models.AlertEvent, 0)
	for _, a := range s.alerts {
		if a.Acknowledged == acknowledged {
			out = append(out, a)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

func (s *memoryStore) AcknowledgeAlert(ctx context.Context, id string) (a models.AlertEvent, err error) {
	defer observe("acknowledge_alert", time.Now(), &err)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return a, unavailable("acknowledge alert", errStoreClosed)
	}
	i, ok := s.alertIndex[id]
	if !ok {
		return a, models.ErrNotFound
	}
	s.alerts[i].Acknowledged = true
	return s.alerts[i], nil
}

func (s *memoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return unavailable("ping", errStoreClosed)
	}
	return nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

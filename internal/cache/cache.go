package cache

import (
	"sort"
	"sync"
	"time"

	"healthsense/internal/metrics"
	"healthsense/internal/models"
)

// Cache mirrors recently committed entities in bounded ring buffers.
// All buffers sit behind one lock so a bundle is appended atomically.
// Everything returned is a copy.
type Cache struct {
	mu          sync.RWMutex
	readings    *Ring[models.Reading]
	predictions *Ring[models.RiskScore]
	alerts      *Ring[models.AlertEvent]
}

// New creates a cache with the given per-buffer capacities
func New(readingCap, predictionCap, alertCap int) *Cache {
	return &Cache{
		readings:    NewRing[models.Reading](readingCap),
		predictions: NewRing[models.RiskScore](predictionCap),
		alerts:      NewRing[models.AlertEvent](alertCap),
	}
}

// AddBundle appends a committed reading with its score and alerts.
// Oldest entries are evicted from each full buffer.
func (c *Cache) AddBundle(b models.Bundle) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, evicted := c.readings.Push(b.Reading); evicted {
		metrics.CacheEvictionsTotal.WithLabelValues("readings").Inc()
	}
	if b.Prediction != nil {
		if _, evicted := c.predictions.Push(*b.Prediction); evicted {
			metrics.CacheEvictionsTotal.WithLabelValues("predictions").Inc()
		}
	}
	for _, a := range b.Alerts {
		if _, evicted := c.alerts.Push(a); evicted {
			metrics.CacheEvictionsTotal.WithLabelValues("alerts").Inc()
		}
	}
}

// LatestReading returns the reading with the greatest timestamp.
// On equal timestamps the most recently added wins.
func (c *Cache) LatestReading() (models.Reading, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var (
		latest models.Reading
		found  bool
	)
	c.readings.Descend(func(r *models.Reading) bool {
		if !found || r.Timestamp.After(latest.Timestamp) {
			latest = *r
			found = true
		}
		return true
	})
	return latest, found
}

// Reading looks a reading up by identifier
func (c *Cache) Reading(id string) (models.Reading, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var (
		out   models.Reading
		found bool
	)
	c.readings.Descend(func(r *models.Reading) bool {
		if r.ID == id {
			out, found = *r, true
			return false
		}
		return true
	})
	return out, found
}

// ReadingsSince returns readings with timestamp >= cutoff, ascending by timestamp
func (c *Cache) ReadingsSince(cutoff time.Time) []models.Reading {
	c.mu.RLock()
	out := make([]models.Reading, 0)
	c.readings.Ascend(func(r *models.Reading) bool {
		if !r.Timestamp.Before(cutoff) {
			out = append(out, *r)
		}
		return true
	})
	c.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// Prediction returns the newest risk score linked to readingID
func (c *Cache) Prediction(readingID string) (models.RiskScore, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var (
		out   models.RiskScore
		found bool
	)
	c.predictions.Descend(func(p *models.RiskScore) bool {
		if p.HealthDataID == readingID {
			out, found = *p, true
			return false
		}
		return true
	})
	return out, found
}

// AlertsForReading returns alerts linked to readingID, oldest first
func (c *Cache) AlertsForReading(readingID string) []models.AlertEvent {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]models.AlertEvent, 0)
	c.alerts.Ascend(func(a *models.AlertEvent) bool {
		if a.HealthDataID == readingID {
			out = append(out, *a)
		}
		return true
	})
	return out
}

// Alerts returns alerts whose acknowledged flag matches, oldest first
func (c *Cache) Alerts(acknowledged bool) []models.AlertEvent {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]models.AlertEvent, 0)
	c.alerts.Ascend(func(a *models.AlertEvent) bool {
		if a.Acknowledged == acknowledged {
			out = append(out, *a)
		}
		return true
	})
	return out
}

// Alert looks an alert up by identifier
func (c *Cache) Alert(id string) (models.AlertEvent, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var (
		out   models.AlertEvent
		found bool
	)
	c.alerts.Descend(func(a *models.AlertEvent) bool {
		if a.ID == id {
			out, found = *a, true
			return false
		}
		return true
	})
	return out, found
}

// Acknowledge sets the acknowledged flag on a cached alert. Acknowledging
// twice is not an error.
func (c *Cache) Acknowledge(id string) (models.AlertEvent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var (
		out   models.AlertEvent
		found bool
	)
	c.alerts.Descend(func(a *models.AlertEvent) bool {
		if a.ID == id {
			a.Acknowledged = true
			out, found = *a, true
			return false
		}
		return true
	})
	return out, found
}

// Stats describes buffer occupancy
type Stats struct {
	Readings    int `json:"readings"`
	Predictions int `json:"predictions"`
	Alerts      int `json:"alerts"`
}

// Stats returns current buffer sizes
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{
		Readings:    c.readings.Len(),
		Predictions: c.predictions.Len(),
		Alerts:      c.alerts.Len(),
	}
}

// Readings returns every cached reading, oldest first
func (c *Cache) Readings() []models.Reading {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.readings.Slice()
}

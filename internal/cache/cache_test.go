package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"healthsense/internal/models"
)

var base = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

func bundle(i int, alerts int) models.Bundle {
	id := fmt.Sprintf("r-%d", i)
	b := models.Bundle{
		Reading: models.Reading{
			ID:        id,
			DeviceID:  "HEALTH01",
			Glucose:   float64(100 + i),
			Timestamp: base.Add(time.Duration(i) * time.Second),
		},
		Prediction: &models.RiskScore{ID: "p-" + id, HealthDataID: id, DiabetesRisk: 0.2},
	}
	for j := 0; j < alerts; j++ {
		b.Alerts = append(b.Alerts, models.AlertEvent{
			ID:           fmt.Sprintf("a-%d-%d", i, j),
			HealthDataID: id,
			Condition:    models.ConditionHighGlucose,
			Severity:     models.SeverityMedium,
			Timestamp:    b.Reading.Timestamp,
		})
	}
	return b
}

func TestRingEvictsOldestFirst(t *testing.T) {
	r := NewRing[int](3)
	for i := 1; i <= 3; i++ {
		_, evicted := r.Push(i)
		assert.False(t, evicted)
	}

	old, evicted := r.Push(4)
	assert.True(t, evicted)
	assert.Equal(t, 1, old)
	assert.Equal(t, []int{2, 3, 4}, r.Slice())
	assert.Equal(t, 3, r.Len())
	assert.Equal(t, 3, r.Cap())

	var desc []int
	r.Descend(func(v *int) bool {
		desc = append(desc, *v)
		return true
	})
	assert.Equal(t, []int{4, 3, 2}, desc)
}

func TestReadingEvictionKeepsLast1000(t *testing.T) {
	c := New(1000, 1000, 100)
	for i := 0; i < 1001; i++ {
		c.AddBundle(bundle(i, 0))
	}

	readings := c.Readings()
	require.Len(t, readings, 1000)
	assert.Equal(t, "r-1", readings[0].ID)
	assert.Equal(t, "r-1000", readings[999].ID)

	_, ok := c.Reading("r-0")
	assert.False(t, ok)
	_, ok = c.Prediction("r-0")
	assert.False(t, ok)
	_, ok = c.Prediction("r-1")
	assert.True(t, ok)
}

func TestAlertBufferCappedAt100(t *testing.T) {
	c := New(1000, 1000, 100)
	for i := 0; i < 60; i++ {
		c.AddBundle(bundle(i, 2))
	}

	stats := c.Stats()
	assert.Equal(t, 60, stats.Readings)
	assert.Equal(t, 60, stats.Predictions)
	assert.Equal(t, 100, stats.Alerts)

	alerts := c.Alerts(false)
	require.Len(t, alerts, 100)
	assert.Equal(t, "a-10-0", alerts[0].ID)
	assert.Equal(t, "a-59-1", alerts[99].ID)
}

func TestLatestReadingUsesTimestamp(t *testing.T) {
	c := New(10, 10, 10)
	_, ok := c.LatestReading()
	assert.False(t, ok)

	c.AddBundle(bundle(5, 0))
	c.AddBundle(bundle(2, 0)) // older timestamp, added later

	latest, ok := c.LatestReading()
	require.True(t, ok)
	assert.Equal(t, "r-5", latest.ID)
}

func TestReadingsSince(t *testing.T) {
	c := New(10, 10, 10)
	for _, i := range []int{4, 1, 3, 2} {
		c.AddBundle(bundle(i, 0))
	}

	got := c.ReadingsSince(base.Add(2 * time.Second))
	ids := make([]string, 0, len(got))
	for _, r := range got {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"r-2", "r-3", "r-4"}, ids)
}

func TestAcknowledge(t *testing.T) {
	c := New(10, 10, 10)
	c.AddBundle(bundle(1, 2))

	a, ok := c.Acknowledge("a-1-0")
	require.True(t, ok)
	assert.True(t, a.Acknowledged)

	// idempotent
	a, ok = c.Acknowledge("a-1-0")
	require.True(t, ok)
	assert.True(t, a.Acknowledged)

	_, ok = c.Acknowledge("missing")
	assert.False(t, ok)

	assert.Len(t, c.Alerts(true), 1)
	assert.Len(t, c.Alerts(false), 1)
	assert.Len(t, c.AlertsForReading("r-1"), 2)
}

func TestReturnedValuesAreCopies(t *testing.T) {
	c := New(10, 10, 10)
	c.AddBundle(bundle(1, 1))

	alerts := c.Alerts(false)
	alerts[0].Acknowledged = true
	readings := c.Readings()
	readings[0].Glucose = -1

	a, _ := c.Alert("a-1-0")
	assert.False(t, a.Acknowledged)
	r, _ := c.Reading("r-1")
	assert.Equal(t, 101.0, r.Glucose)
}

func TestConcurrentAddBundle(t *testing.T) {
	c := New(1000, 1000, 100)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				c.AddBundle(bundle(w*1000+i, 1))
				c.LatestReading()
			}
		}(w)
	}
	wg.Wait()

	stats := c.Stats()
	assert.Equal(t, 400, stats.Readings)
	assert.Equal(t, 400, stats.Predictions)
	assert.Equal(t, 100, stats.Alerts)

	seen := make(map[string]bool)
	for _, r := range c.Readings() {
		assert.False(t, seen[r.ID], "duplicate %s", r.ID)
		seen[r.ID] = true
	}
}

package query

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"healthsense/internal/cache"
	"healthsense/internal/models"
	"healthsense/internal/storage"
)

var now = time.Date(2024, 8, 1, 12, 0, 0, 0, time.UTC)

// brokenStore fails every call
type brokenStore struct {
	storage.Store
}

var errDown = fmt.Errorf("dial: %w", models.ErrStoreUnavailable)

func (brokenStore) LatestReading(context.Context) (models.Reading, error) {
	return models.Reading{}, errDown
}
func (brokenStore) ReadingsSince(context.Context, time.Time, int) ([]models.Reading, error) {
	return nil, errDown
}
func (brokenStore) PredictionFor(context.Context, string) (models.RiskScore, error) {
	return models.RiskScore{}, errDown
}
func (brokenStore) PredictionsFor(context.Context, []string) (map[string]models.RiskScore, error) {
	return nil, errDown
}
func (brokenStore) AlertsForReading(context.Context, string) ([]models.AlertEvent, error) {
	return nil, errDown
}
func (brokenStore) ListAlerts(context.Context, bool) ([]models.AlertEvent, error) {
	return nil, errDown
}
func (brokenStore) AcknowledgeAlert(context.Context, string) (models.AlertEvent, error) {
	return models.AlertEvent{}, errDown
}

func bundle(i int, at time.Time, alerts int) models.Bundle {
	id := fmt.Sprintf("r-%02d", i)
	b := models.Bundle{
		Reading:    models.Reading{ID: id, DeviceID: "HEALTH01", Glucose: float64(100 + i), Timestamp: at},
		Prediction: &models.RiskScore{ID: "p-" + id, HealthDataID: id, DiabetesRisk: 0.3, Timestamp: at},
	}
	for j := 0; j < alerts; j++ {
		b.Alerts = append(b.Alerts, models.AlertEvent{
			ID:           fmt.Sprintf("a-%02d-%d", i, j),
			HealthDataID: id,
			Condition:    models.ConditionHighGlucose,
			Severity:     models.SeverityMedium,
			Timestamp:    at,
		})
	}
	return b
}

// commit mirrors what the pipeline does for a successful ingestion
func commit(t *testing.T, s storage.Store, c *cache.Cache, b models.Bundle) {
	t.Helper()
	require.NoError(t, s.SaveBundle(context.Background(), b))
	c.AddBundle(b)
}

func newService(store storage.Store, c *cache.Cache) *Service {
	svc := New(store, c)
	svc.now = func() time.Time { return now }
	return svc
}

func TestLatestEmptyIsNotFound(t *testing.T) {
	svc := newService(storage.NewMemory(), cache.New(10, 10, 10))
	_, err := svc.Latest(context.Background())
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestLatestReturnsFullBundle(t *testing.T) {
	store, c := storage.NewMemory(), cache.New(10, 10, 10)
	svc := newService(store, c)

	commit(t, store, c, bundle(1, now.Add(-time.Hour), 0))
	want := bundle(2, now.Add(-time.Minute), 2)
	commit(t, store, c, want)

	got, err := svc.Latest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestLatestMissingPredictionIsNil(t *testing.T) {
	store, c := storage.NewMemory(), cache.New(10, 10, 10)
	svc := newService(store, c)

	b := bundle(1, now, 0)
	b.Prediction = nil
	commit(t, store, c, b)

	got, err := svc.Latest(context.Background())
	require.NoError(t, err)
	assert.Nil(t, got.Prediction)
	assert.Empty(t, got.Alerts)
}

func TestLatestFallsBackToCache(t *testing.T) {
	c := cache.New(10, 10, 10)
	want := bundle(1, now, 1)
	c.AddBundle(want)

	svc := newService(brokenStore{}, c)
	got, err := svc.Latest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestLatestStoreDownAndCacheEmpty(t *testing.T) {
	svc := newService(brokenStore{}, cache.New(10, 10, 10))
	_, err := svc.Latest(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrStoreUnavailable)
	assert.NotErrorIs(t, err, models.ErrNotFound)
}

func TestHistoryWindowOrderAndLimit(t *testing.T) {
	store, c := storage.NewMemory(), cache.New(100, 100, 100)
	svc := newService(store, c)

	// two hours old, then one reading per 10 minutes inside the last hour
	commit(t, store, c, bundle(0, now.Add(-2*time.Hour), 0))
	for i := 5; i >= 1; i-- {
		commit(t, store, c, bundle(i, now.Add(-time.Duration(i)*10*time.Minute), 0))
	}

	h, err := svc.History(context.Background(), 1, 100)
	require.NoError(t, err)
	require.Len(t, h.Readings, 5)
	for i := 1; i < len(h.Readings); i++ {
		assert.True(t, h.Readings[i-1].Timestamp.Before(h.Readings[i].Timestamp))
	}
	for _, r := range h.Readings {
		assert.False(t, r.Timestamp.Before(now.Add(-time.Hour)))
		assert.Equal(t, "p-"+r.ID, h.Predictions[r.ID].ID)
	}

	h, err = svc.History(context.Background(), 1, 2)
	require.NoError(t, err)
	require.Len(t, h.Readings, 2)
	assert.Equal(t, "r-02", h.Readings[0].ID)
	assert.Equal(t, "r-01", h.Readings[1].ID)
	assert.Len(t, h.Predictions, 2)

	h, err = svc.History(context.Background(), 24, 5000)
	require.NoError(t, err)
	assert.Len(t, h.Readings, 6)
}

func TestHistoryRejectsBadParameters(t *testing.T) {
	svc := newService(storage.NewMemory(), cache.New(10, 10, 10))

	_, err := svc.History(context.Background(), -1, 10)
	assert.True(t, models.IsValidation(err))

	_, err = svc.History(context.Background(), 1, 0)
	assert.True(t, models.IsValidation(err))
}

func TestHistoryFallsBackToCache(t *testing.T) {
	c := cache.New(10, 10, 10)
	c.AddBundle(bundle(1, now.Add(-30*time.Minute), 0))
	c.AddBundle(bundle(2, now.Add(-3*time.Hour), 0))

	svc := newService(brokenStore{}, c)
	h, err := svc.History(context.Background(), 1, 100)
	require.NoError(t, err)
	require.Len(t, h.Readings, 1)
	assert.Equal(t, "r-01", h.Readings[0].ID)
	assert.Equal(t, "p-r-01", h.Predictions["r-01"].ID)

	empty := newService(brokenStore{}, cache.New(10, 10, 10))
	_, err = empty.History(context.Background(), 1, 100)
	assert.ErrorIs(t, err, models.ErrStoreUnavailable)
}

func TestHistoryMergesCacheOnlyEntries(t *testing.T) {
	store, c := storage.NewMemory(), cache.New(10, 10, 10)
	svc := newService(store, c)

	commit(t, store, c, bundle(1, now.Add(-20*time.Minute), 0))
	// present only in the cache, e.g. written by a previous store instance
	c.AddBundle(bundle(2, now.Add(-10*time.Minute), 0))

	h, err := svc.History(context.Background(), 1, 100)
	require.NoError(t, err)
	require.Len(t, h.Readings, 2)
	assert.Equal(t, "r-01", h.Readings[0].ID)
	assert.Equal(t, "r-02", h.Readings[1].ID)
	assert.Contains(t, h.Predictions, "r-02")
}

func TestAlertsFilterAndDedupe(t *testing.T) {
	store, c := storage.NewMemory(), cache.New(10, 10, 10)
	svc := newService(store, c)

	commit(t, store, c, bundle(1, now.Add(-time.Minute), 2))
	commit(t, store, c, bundle(2, now, 1))

	alerts, err := svc.Alerts(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, alerts, 3)

	_, err = svc.Acknowledge(context.Background(), "a-01-1")
	require.NoError(t, err)

	unacked, err := svc.Alerts(context.Background(), false)
	require.NoError(t, err)
	assert.Len(t, unacked, 2)

	acked, err := svc.Alerts(context.Background(), true)
	require.NoError(t, err)
	require.Len(t, acked, 1)
	assert.Equal(t, "a-01-1", acked[0].ID)
	assert.True(t, acked[0].Acknowledged)
}

func TestAcknowledgeIdempotent(t *testing.T) {
	store, c := storage.NewMemory(), cache.New(10, 10, 10)
	svc := newService(store, c)
	commit(t, store, c, bundle(1, now, 1))

	for i := 0; i < 2; i++ {
		a, err := svc.Acknowledge(context.Background(), "a-01-0")
		require.NoError(t, err)
		assert.True(t, a.Acknowledged)
	}

	cached, ok := c.Alert("a-01-0")
	require.True(t, ok)
	assert.True(t, cached.Acknowledged)
}

func TestAcknowledgeUnknownLeavesStateUnchanged(t *testing.T) {
	store, c := storage.NewMemory(), cache.New(10, 10, 10)
	svc := newService(store, c)
	commit(t, store, c, bundle(1, now, 1))

	_, err := svc.Acknowledge(context.Background(), "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)

	unacked, err := store.ListAlerts(context.Background(), false)
	require.NoError(t, err)
	assert.Len(t, unacked, 1)
	acked, err := store.ListAlerts(context.Background(), true)
	require.NoError(t, err)
	assert.Empty(t, acked)
}

func TestAcknowledgeFallsBackToCache(t *testing.T) {
	c := cache.New(10, 10, 10)
	c.AddBundle(bundle(1, now, 1))
	svc := newService(brokenStore{}, c)

	a, err := svc.Acknowledge(context.Background(), "a-01-0")
	require.NoError(t, err)
	assert.True(t, a.Acknowledged)

	_, err = svc.Acknowledge(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrStoreUnavailable))
}

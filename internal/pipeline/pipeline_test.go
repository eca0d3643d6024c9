package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"healthsense/internal/cache"
	"healthsense/internal/models"
	"healthsense/internal/scoring"
	"healthsense/internal/storage"
)

// flakyStore fails SaveBundle while down is set
type flakyStore struct {
	storage.Store
	down atomic.Bool
}

func (f *flakyStore) SaveBundle(ctx context.Context, b models.Bundle) error {
	if f.down.Load() {
		return fmt.Errorf("save bundle: %w", models.ErrStoreUnavailable)
	}
	return f.Store.SaveBundle(ctx, b)
}

type recordingPublisher struct {
	mu   sync.Mutex
	envs []*models.Envelope
}

func (r *recordingPublisher) Publish(env *models.Envelope) {
	r.mu.Lock()
	r.envs = append(r.envs, env)
	r.mu.Unlock()
}

func (r *recordingPublisher) all() []*models.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*models.Envelope(nil), r.envs...)
}

var fixedNow = time.Date(2024, 7, 1, 9, 30, 0, 0, time.UTC)

func newTestPipeline(t *testing.T) (*Pipeline, *flakyStore, *cache.Cache, *recordingPublisher) {
	t.Helper()
	store := &flakyStore{Store: storage.NewMemory()}
	c := cache.New(1000, 1000, 100)
	pub := &recordingPublisher{}

	p := New(Config{
		Store:      store,
		Cache:      c,
		Scorer:     scoring.DefaultEngine(),
		Publishers: []Publisher{pub},
		NodeID:     "node-a",
		Now:        func() time.Time { return fixedNow },
	})
	return p, store, c, pub
}

func TestIngestLinksScoreAndAlerts(t *testing.T) {
	p, store, c, pub := newTestPipeline(t)
	ctx := context.Background()

	body := `{"device_id":"HEALTH01","glucose":300,"bp_systolic":190,"bp_diastolic":100,"spo2":85,"heart_rate":130}`
	b, err := p.Ingest(ctx, "http", []byte(body))
	require.NoError(t, err)

	require.NotEmpty(t, b.Reading.ID)
	assert.Equal(t, "HEALTH01", b.Reading.DeviceID)
	assert.Equal(t, fixedNow, b.Reading.Timestamp)

	require.NotNil(t, b.Prediction)
	assert.Equal(t, b.Reading.ID, b.Prediction.HealthDataID)
	assert.NotEqual(t, b.Reading.ID, b.Prediction.ID)

	require.Len(t, b.Alerts, 4)
	seen := map[string]bool{b.Reading.ID: true, b.Prediction.ID: true}
	for _, a := range b.Alerts {
		assert.Equal(t, b.Reading.ID, a.HealthDataID)
		assert.False(t, a.Acknowledged)
		assert.False(t, seen[a.ID], "identifier reused")
		seen[a.ID] = true
	}

	// store, cache and broadcast all carry the same bundle
	stored, err := store.LatestReading(ctx)
	require.NoError(t, err)
	assert.Equal(t, b.Reading, stored)

	cached, ok := c.Reading(b.Reading.ID)
	require.True(t, ok)
	assert.Equal(t, b.Reading, cached)
	assert.Len(t, c.AlertsForReading(b.Reading.ID), 4)

	envs := pub.all()
	require.Len(t, envs, 1)
	assert.Equal(t, models.EventNewHealthData, envs[0].Event)
	assert.Equal(t, "node-a", envs[0].OriginNode)
	assert.Equal(t, "HEALTH01", envs[0].PartitionKey)
	assert.Equal(t, b, envs[0].Data)
}

func TestIngestDefaults(t *testing.T) {
	p, _, _, _ := newTestPipeline(t)

	b, err := p.Ingest(context.Background(), "http", []byte(`{"glucose":100,"bp_systolic":115,"bp_diastolic":75,"spo2":98,"heart_rate":70}`))
	require.NoError(t, err)
	assert.Equal(t, "unknown", b.Reading.DeviceID)
	assert.Equal(t, fixedNow, b.Reading.Timestamp)
	assert.Empty(t, b.Alerts)
}

func TestIngestKeepsSubmittedTimestamp(t *testing.T) {
	p, _, _, _ := newTestPipeline(t)

	b, err := p.Ingest(context.Background(), "http", []byte(`{"device_id":"d","timestamp":"2024-06-30T08:00:00","glucose":100,"bp_systolic":115,"bp_diastolic":75,"spo2":98,"heart_rate":70}`))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 6, 30, 8, 0, 0, 0, time.UTC), b.Reading.Timestamp)
}

func TestIngestRejectsMalformedWithoutSideEffects(t *testing.T) {
	p, store, c, pub := newTestPipeline(t)

	for _, body := range []string{`not json`, `{"glucose":"high"}`, `{"timestamp":"yesterday"}`, `[]`} {
		_, err := p.Ingest(context.Background(), "http", []byte(body))
		require.Error(t, err, body)
		assert.True(t, models.IsValidation(err), body)
	}

	_, err := store.LatestReading(context.Background())
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.Equal(t, cache.Stats{}, c.Stats())
	assert.Empty(t, pub.all())
}

func TestStoreFailureLeavesCacheUntouched(t *testing.T) {
	p, store, c, pub := newTestPipeline(t)
	store.down.Store(true)

	_, err := p.Ingest(context.Background(), "http", []byte(`{"glucose":300}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrStoreUnavailable)

	assert.Equal(t, cache.Stats{}, c.Stats())
	assert.Empty(t, pub.all())

	store.down.Store(false)
	_, err = p.Ingest(context.Background(), "http", []byte(`{"glucose":300}`))
	require.NoError(t, err)
	assert.Equal(t, 1, c.Stats().Readings)
}

func TestDuplicateSubmissionsCreateDistinctReadings(t *testing.T) {
	p, _, c, _ := newTestPipeline(t)
	body := []byte(`{"device_id":"HEALTH01","glucose":100}`)

	first, err := p.Ingest(context.Background(), "http", body)
	require.NoError(t, err)
	second, err := p.Ingest(context.Background(), "http", body)
	require.NoError(t, err)

	assert.NotEqual(t, first.Reading.ID, second.Reading.ID)
	assert.Equal(t, 2, c.Stats().Readings)
}

func TestConcurrentIngestFromManyDevices(t *testing.T) {
	p, store, c, pub := newTestPipeline(t)
	const devices = 50

	var wg sync.WaitGroup
	ids := make([]string, devices)
	for i := 0; i < devices; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			body := fmt.Sprintf(`{"device_id":"DEV%02d","glucose":%d,"spo2":97,"heart_rate":70}`, i, 90+i)
			b, err := p.Ingest(context.Background(), "http", []byte(body))
			if assert.NoError(t, err) {
				ids[i] = b.Reading.ID
			}
		}(i)
	}
	wg.Wait()

	unique := make(map[string]bool)
	for _, id := range ids {
		require.NotEmpty(t, id)
		unique[id] = true
	}
	assert.Len(t, unique, devices)

	stored, err := store.ReadingsSince(context.Background(), time.Time{}, 1000)
	require.NoError(t, err)
	assert.Len(t, stored, devices)
	assert.Equal(t, devices, c.Stats().Readings)
	assert.Len(t, pub.all(), devices)
}

func TestSameDeviceCommitsInSubmissionOrder(t *testing.T) {
	p, _, c, pub := newTestPipeline(t)

	for i := 0; i < 20; i++ {
		_, err := p.Ingest(context.Background(), "http", []byte(fmt.Sprintf(`{"device_id":"HEALTH01","glucose":%d}`, 100+i)))
		require.NoError(t, err)
	}

	readings := c.Readings()
	require.Len(t, readings, 20)
	for i, r := range readings {
		assert.Equal(t, float64(100+i), r.Glucose)
	}
	envs := pub.all()
	for i, env := range envs {
		assert.Equal(t, float64(100+i), env.Data.Reading.Glucose)
	}
}

func TestReturnedBundleIsACopy(t *testing.T) {
	p, _, c, _ := newTestPipeline(t)

	b, err := p.Ingest(context.Background(), "http", []byte(`{"glucose":300}`))
	require.NoError(t, err)
	require.NotEmpty(t, b.Alerts)
	b.Alerts[0].Acknowledged = true
	b.Prediction.DiabetesRisk = 7

	cached := c.AlertsForReading(b.Reading.ID)
	assert.False(t, cached[0].Acknowledged)
	pred, _ := c.Prediction(b.Reading.ID)
	assert.NotEqual(t, 7.0, pred.DiabetesRisk)
}

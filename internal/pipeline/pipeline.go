package pipeline

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"

	"healthsense/internal/alerts"
	"healthsense/internal/cache"
	"healthsense/internal/logger"
	"healthsense/internal/metrics"
	"healthsense/internal/models"
	"healthsense/internal/storage"
)

// Scorer computes risk probabilities for a reading
type Scorer interface {
	Score(r models.Reading) models.RiskScore
}

// Publisher receives every committed bundle. Publish must not block.
type Publisher interface {
	Publish(env *models.Envelope)
}

// lockStripes bounds the number of per-device mutexes
const lockStripes = 64

// Pipeline validates, scores, evaluates, commits and fans out readings.
type Pipeline struct {
	store         storage.Store
	cache         *cache.Cache
	scorer        Scorer
	publishers    []Publisher
	defaultDevice string
	nodeID        string

	// same-device submissions commit in arrival order
	locks [lockStripes]sync.Mutex

	now   func() time.Time
	newID func() string
}

// Config holds pipeline dependencies
type Config struct {
	Store           storage.Store
	Cache           *cache.Cache
	Scorer          Scorer
	Publishers      []Publisher
	DefaultDeviceID string
	NodeID          string

	// Clock and ID source, overridable in tests
	Now   func() time.Time
	NewID func() string
}

// New creates a pipeline
func New(cfg Config) *Pipeline {
	if cfg.DefaultDeviceID == "" {
		cfg.DefaultDeviceID = models.DefaultDeviceID
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = func() string { return uuid.New().String() }
	}

	return &Pipeline{
		store:         cfg.Store,
		cache:         cfg.Cache,
		scorer:        cfg.Scorer,
		publishers:    cfg.Publishers,
		defaultDevice: cfg.DefaultDeviceID,
		nodeID:        cfg.NodeID,
		now:           cfg.Now,
		newID:         cfg.NewID,
	}
}

// AddPublisher registers another fan-out sink. Not safe to call once
// ingestion has started.
func (p *Pipeline) AddPublisher(pub Publisher) {
	p.publishers = append(p.publishers, pub)
}

// Ingest decodes a JSON submission body and runs it through the pipeline.
// source labels metrics and logs (http, kafka, mqtt).
func (p *Pipeline) Ingest(ctx context.Context, source string, body []byte) (models.Bundle, error) {
	in, err := models.ParseReadingInput(body)
	if err != nil {
		p.rejected(source, err)
		return models.Bundle{}, err
	}
	return p.Submit(ctx, source, in)
}

// Submit runs an already decoded submission through the pipeline. On
// success the bundle is durably stored, cached and published.
func (p *Pipeline) Submit(ctx context.Context, source string, in *models.ReadingInput) (models.Bundle, error) {
	start := time.Now()
	in.Normalize(p.defaultDevice)

	now := p.now().UTC()
	reading, err := in.ToReading(p.newID(), now)
	if err != nil {
		p.rejected(source, err)
		return models.Bundle{}, err
	}

	log := logger.WithDevice("pipeline", reading.DeviceID)

	score := p.scorer.Score(reading)
	score.ID = p.newID()
	score.HealthDataID = reading.ID
	score.Timestamp = now

	events := alerts.Events(reading, alerts.Evaluate(reading), now, p.newID)

	bundle := models.Bundle{
		Reading:    reading,
		Prediction: &score,
		Alerts:     events,
	}

	mu := p.lockFor(reading.DeviceID)
	mu.Lock()
	defer mu.Unlock()

	if err := p.store.SaveBundle(ctx, bundle); err != nil {
		log.Error().
			Err(err).
			Str("source", source).
			Str("reading_id", reading.ID).
			Float64("glucose", reading.Glucose).
			Float64("bp_systolic", reading.BPSystolic).
			Float64("bp_diastolic", reading.BPDiastolic).
			Float64("spo2", reading.SpO2).
			Float64("heart_rate", reading.HeartRate).
			Msg("failed to commit reading")
		metrics.ReadingsIngestedTotal.WithLabelValues(source, "failed").Inc()
		return models.Bundle{}, err
	}

	// cache only after the store accepted the bundle
	p.cache.AddBundle(bundle)

	env := models.NewEnvelope(bundle, p.nodeID)
	for _, pub := range p.publishers {
		pub.Publish(env)
	}

	for _, a := range events {
		metrics.AlertsRaisedTotal.WithLabelValues(string(a.Condition), string(a.Severity)).Inc()
	}
	metrics.ReadingsIngestedTotal.WithLabelValues(source, "accepted").Inc()
	metrics.IngestDuration.Observe(time.Since(start).Seconds())

	log.Debug().
		Str("source", source).
		Str("reading_id", reading.ID).
		Int("alerts", len(events)).
		Msg("reading ingested")

	return bundle.Clone(), nil
}

func (p *Pipeline) lockFor(deviceID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(deviceID))
	return &p.locks[h.Sum32()%lockStripes]
}

func (p *Pipeline) rejected(source string, err error) {
	field := "body"
	var ve *models.ValidationError
	if errors.As(err, &ve) && ve.Field != "" {
		field = ve.Field
	}
	metrics.ReadingsIngestedTotal.WithLabelValues(source, "rejected").Inc()
	metrics.IngestValidationErrors.WithLabelValues(field).Inc()

	logger.WithComponent("pipeline").Warn().
		Err(err).
		Str("source", source).
		Msg("submission rejected")
}

package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"healthsense/internal/config"
	"healthsense/internal/models"
)

func TestGetCompression(t *testing.T) {
	cases := map[string]compress.Compression{
		"gzip":   compress.Gzip,
		"snappy": compress.Snappy,
		"lz4":    compress.Lz4,
		"zstd":   compress.Zstd,
		"":       compress.None,
		"bogus":  compress.None,
	}
	for name, want := range cases {
		assert.Equal(t, want, getCompression(name), name)
	}
}

func TestNewProducerValidation(t *testing.T) {
	_, err := NewProducer(nil, config.ProducerConfig{Topic: "events"})
	assert.Error(t, err)

	_, err = NewProducer([]string{"localhost:9092"}, config.ProducerConfig{})
	assert.Error(t, err)

	_, err = NewProducer([]string{"localhost:9092"}, config.ProducerConfig{Topic: "events", AlertTopic: "events"})
	assert.Error(t, err)

	p, err := NewProducer([]string{"localhost:9092"}, config.ProducerConfig{Topic: "events"})
	require.NoError(t, err)
	assert.Len(t, p.writers, 4)
	require.NoError(t, p.Close())
}

func TestClosedProducerRejectsPublish(t *testing.T) {
	p, err := NewProducer([]string{"localhost:9092"}, config.ProducerConfig{Topic: "events", PoolSize: 1})
	require.NoError(t, err)
	require.NoError(t, p.Close())
	// second close is a no-op
	require.NoError(t, p.Close())

	env := models.NewEnvelope(models.Bundle{Reading: models.Reading{ID: "r1", DeviceID: "HEALTH01"}}, "node-a")
	assert.ErrorIs(t, p.Publish(context.Background(), env), ErrProducerClosed)
	assert.ErrorIs(t, p.PublishBatch(context.Background(), []*models.Envelope{env}), ErrProducerClosed)
	assert.ErrorIs(t, p.HealthCheck(context.Background()), ErrProducerClosed)
}

func TestHealthCheckUnreachableBroker(t *testing.T) {
	p, err := NewProducer([]string{"127.0.0.1:1"}, config.ProducerConfig{Topic: "events", PoolSize: 1})
	require.NoError(t, err)
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.Error(t, p.HealthCheck(ctx))
}

func alertBundle() models.Bundle {
	at := time.Date(2024, 9, 1, 10, 0, 0, 0, time.UTC)
	return models.Bundle{
		Reading: models.Reading{ID: "r1", DeviceID: "HEALTH07", Glucose: 260, SpO2: 88, Timestamp: at},
		Alerts: []models.AlertEvent{
			{ID: "a1", HealthDataID: "r1", Condition: models.ConditionHighGlucose, Severity: models.SeverityHigh, Timestamp: at},
			{ID: "a2", HealthDataID: "r1", Condition: models.ConditionLowOxygen, Severity: models.SeverityHigh, Timestamp: at},
		},
	}
}

func headerMap(msg kafka.Message) map[string]string {
	got := map[string]string{}
	for _, h := range msg.Headers {
		got[h.Key] = string(h.Value)
	}
	return got
}

func TestEncodeRoutesAlertsToAlertTopic(t *testing.T) {
	p, err := NewProducer([]string{"localhost:9092"}, config.ProducerConfig{
		Topic: "events", AlertTopic: "alerts", PoolSize: 1,
	})
	require.NoError(t, err)
	defer p.Close()

	env := models.NewEnvelope(alertBundle(), "node-a")
	msgs, err := p.encode(env)
	require.NoError(t, err)
	require.Len(t, msgs, 3)

	for _, m := range msgs {
		// all of a device's messages share one partition key
		assert.Equal(t, "HEALTH07", string(m.Key))
	}

	assert.Equal(t, "events", msgs[0].Topic)
	assert.Equal(t, map[string]string{
		"event":       models.EventNewHealthData,
		"device_id":   "HEALTH07",
		"reading_id":  "r1",
		"origin_node": "node-a",
		"alert_count": "2",
	}, headerMap(msgs[0]))

	assert.Equal(t, "alerts", msgs[1].Topic)
	h := headerMap(msgs[1])
	assert.Equal(t, EventAlertRaised, h["event"])
	assert.Equal(t, "a1", h["alert_id"])
	assert.Equal(t, string(models.ConditionHighGlucose), h["condition"])
	assert.Equal(t, string(models.SeverityHigh), h["severity"])

	var rec AlertRecord
	require.NoError(t, json.Unmarshal(msgs[2].Value, &rec))
	assert.Equal(t, "a2", rec.Alert.ID)
	assert.Equal(t, "r1", rec.Reading.ID)
	assert.Equal(t, 88.0, rec.Reading.SpO2)
	assert.Equal(t, "node-a", rec.OriginNode)

	readings, alerts := countStreams("events", msgs)
	assert.Equal(t, 1, readings)
	assert.Equal(t, 2, alerts)
}

func TestEncodeWithoutAlertTopic(t *testing.T) {
	p, err := NewProducer([]string{"localhost:9092"}, config.ProducerConfig{Topic: "events", PoolSize: 1})
	require.NoError(t, err)
	defer p.Close()

	msgs, err := p.encode(models.NewEnvelope(alertBundle(), "node-a"))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "events", msgs[0].Topic)
}

func TestNewConsumerValidation(t *testing.T) {
	cfg := config.ConsumerConfig{Topic: "readings", GroupID: "g"}
	_, err := NewConsumer(nil, cfg, &fakeIngester{})
	assert.Error(t, err)

	_, err = NewConsumer([]string{"localhost:9092"}, config.ConsumerConfig{GroupID: "g"}, &fakeIngester{})
	assert.Error(t, err)

	_, err = NewConsumer([]string{"localhost:9092"}, config.ConsumerConfig{Topic: "readings"}, &fakeIngester{})
	assert.Error(t, err)
}

type fakeIngester struct {
	mu     sync.Mutex
	bodies []string
}

func (f *fakeIngester) Ingest(_ context.Context, source string, body []byte) (models.Bundle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if source != "kafka" {
		return models.Bundle{}, errors.New("unexpected source " + source)
	}
	var in map[string]any
	if err := json.Unmarshal(body, &in); err != nil {
		return models.Bundle{}, &models.ValidationError{Field: "body", Reason: "invalid JSON"}
	}
	f.bodies = append(f.bodies, string(body))
	return models.Bundle{Reading: models.Reading{ID: "r", DeviceID: "HEALTH01"}}, nil
}

// fakeReader hands out queued messages, then blocks until ctx ends
type fakeReader struct {
	mu        sync.Mutex
	pending   []kafka.Message
	committed []int64
	closed    bool
}

func (f *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	f.mu.Lock()
	if len(f.pending) > 0 {
		msg := f.pending[0]
		f.pending = f.pending[1:]
		f.mu.Unlock()
		return msg, nil
	}
	f.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (f *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range msgs {
		f.committed = append(f.committed, m.Offset)
	}
	return nil
}

func (f *fakeReader) Close() error {
	f.closed = true
	return nil
}

func (f *fakeReader) commits() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.committed...)
}

func TestConsumerHandle(t *testing.T) {
	ing := &fakeIngester{}
	c := NewConsumerWithReader(&fakeReader{}, ing)

	assert.True(t, c.Handle(context.Background(), kafka.Message{Value: []byte(`{"glucose":120}`)}))
	assert.False(t, c.Handle(context.Background(), kafka.Message{Value: []byte(`not json`)}))
	assert.Equal(t, []string{`{"glucose":120}`}, ing.bodies)
}

func TestConsumerRunCommitsEveryMessage(t *testing.T) {
	reader := &fakeReader{pending: []kafka.Message{
		{Offset: 1, Value: []byte(`{"glucose":120}`)},
		{Offset: 2, Value: []byte(`{`)},
		{Offset: 3, Value: []byte(`{"heart_rate":80}`)},
	}}
	ing := &fakeIngester{}
	c := NewConsumerWithReader(reader, ing)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	assert.Eventually(t, func() bool { return len(reader.commits()) == 3 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, []int64{1, 2, 3}, reader.commits())
	assert.Len(t, ing.bodies, 2)

	require.NoError(t, c.Close())
	assert.True(t, reader.closed)
}

// skipIfNoKafka skips the test if Kafka is not available
func skipIfNoKafka(t *testing.T) {
	if os.Getenv("KAFKA_TEST") != "1" {
		t.Skip("Skipping Kafka integration test. Set KAFKA_TEST=1 to run.")
	}
}

func TestProducerPublishIntegration(t *testing.T) {
	skipIfNoKafka(t)

	cfg := config.Default()
	producer, err := NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Producer)
	require.NoError(t, err)
	defer producer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	envs := []*models.Envelope{
		models.NewEnvelope(models.Bundle{Reading: models.Reading{ID: "it-1", DeviceID: "HEALTH01"}}, "test-node"),
		models.NewEnvelope(alertBundle(), "test-node"),
	}
	require.NoError(t, producer.Publish(ctx, envs[0]))
	require.NoError(t, producer.PublishBatch(ctx, envs))
	require.NoError(t, producer.HealthCheck(ctx))

	stats := producer.Stats()
	assert.Equal(t, uint64(3), stats.ReadingsSent)
	assert.Equal(t, uint64(2), stats.AlertsSent)
	assert.Zero(t, stats.Failed)
}

package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"

	"healthsense/internal/config"
	"healthsense/internal/logger"
	"healthsense/internal/metrics"
	"healthsense/internal/models"
)

// Producer errors
var (
	ErrProducerClosed  = errors.New("producer is closed")
	ErrSerializeFailed = errors.New("failed to serialize message")
)

// Event names carried in the "event" header
const (
	EventAlertRaised = "alert_raised"
)

const (
	streamReadings = "readings"
	streamAlerts   = "alerts"
)

// AlertRecord is the value written to the alert topic. It repeats the
// reading so paging consumers never need to join against the readings topic.
type AlertRecord struct {
	Alert      models.AlertEvent `json:"alert"`
	Reading    models.Reading    `json:"health_data"`
	OriginNode string            `json:"origin_node"`
}

// Producer writes committed ingestion bundles to the event stream. Every
// bundle becomes one reading event on the events topic, and each alert it
// raised is also written to the alert topic when one is configured. All
// messages are keyed by device so a device's events stay on one partition.
type Producer struct {
	cfg        config.ProducerConfig
	brokers    []string
	topic      string
	alertTopic string
	writers    []*kafka.Writer
	pool       chan *kafka.Writer
	dialer     *kafka.Dialer
	closed     atomic.Bool

	readingsSent atomic.Uint64
	alertsSent   atomic.Uint64
	failed       atomic.Uint64
	bytesWritten atomic.Uint64
}

// NewProducer creates a producer for cfg.Topic and cfg.AlertTopic
func NewProducer(brokers []string, cfg config.ProducerConfig) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("topic is required")
	}
	if cfg.AlertTopic == cfg.Topic {
		return nil, errors.New("alert topic must differ from the events topic")
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 4
	}

	p := &Producer{
		cfg:        cfg,
		brokers:    brokers,
		topic:      cfg.Topic,
		alertTopic: cfg.AlertTopic,
		writers:    make([]*kafka.Writer, cfg.PoolSize),
		pool:       make(chan *kafka.Writer, cfg.PoolSize),
		dialer:     &kafka.Dialer{Timeout: 5 * time.Second},
	}

	compression := getCompression(cfg.Compression)
	for i := 0; i < cfg.PoolSize; i++ {
		// no Topic on the writer: each message names its own
		writer := &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Balancer:     &kafka.Hash{},
			BatchSize:    cfg.BatchSize,
			BatchTimeout: cfg.BatchTimeout,
			WriteTimeout: cfg.WriteTimeout,
			RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
			Compression:  compression,
			MaxAttempts:  1,
		}
		p.writers[i] = writer
		p.pool <- writer
	}

	return p, nil
}

// getCompression returns the kafka compression codec
func getCompression(name string) compress.Compression {
	switch name {
	case "gzip":
		return compress.Gzip
	case "snappy":
		return compress.Snappy
	case "lz4":
		return compress.Lz4
	case "zstd":
		return compress.Zstd
	default:
		return compress.None
	}
}

func readingHeaders(env *models.Envelope) []kafka.Header {
	r := env.Data.Reading
	return []kafka.Header{
		{Key: "event", Value: []byte(env.Event)},
		{Key: "device_id", Value: []byte(r.DeviceID)},
		{Key: "reading_id", Value: []byte(r.ID)},
		{Key: "origin_node", Value: []byte(env.OriginNode)},
		{Key: "alert_count", Value: []byte(fmt.Sprint(len(env.Data.Alerts)))},
	}
}

func alertHeaders(env *models.Envelope, a models.AlertEvent) []kafka.Header {
	return []kafka.Header{
		{Key: "event", Value: []byte(EventAlertRaised)},
		{Key: "device_id", Value: []byte(env.Data.Reading.DeviceID)},
		{Key: "reading_id", Value: []byte(a.HealthDataID)},
		{Key: "alert_id", Value: []byte(a.ID)},
		{Key: "condition", Value: []byte(a.Condition)},
		{Key: "severity", Value: []byte(a.Severity)},
	}
}

// encode turns one envelope into its reading message followed by one
// message per alert
func (p *Producer) encode(env *models.Envelope) ([]kafka.Message, error) {
	key := []byte(env.PartitionKey)

	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerializeFailed, err)
	}
	msgs := []kafka.Message{{
		Topic:   p.topic,
		Key:     key,
		Value:   data,
		Headers: readingHeaders(env),
		Time:    env.PublishedAt,
	}}

	if p.alertTopic == "" {
		return msgs, nil
	}
	for _, a := range env.Data.Alerts {
		data, err := json.Marshal(AlertRecord{Alert: a, Reading: env.Data.Reading, OriginNode: env.OriginNode})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSerializeFailed, err)
		}
		msgs = append(msgs, kafka.Message{
			Topic:   p.alertTopic,
			Key:     key,
			Value:   data,
			Headers: alertHeaders(env, a),
			Time:    a.Timestamp,
		})
	}
	return msgs, nil
}

// Publish sends one envelope
func (p *Producer) Publish(ctx context.Context, envelope *models.Envelope) error {
	return p.PublishBatch(ctx, []*models.Envelope{envelope})
}

// PublishBatch sends the reading and alert messages of every envelope in a
// single write
func (p *Producer) PublishBatch(ctx context.Context, envelopes []*models.Envelope) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}
	if len(envelopes) == 0 {
		return nil
	}

	log := logger.WithComponent("kafka_producer")
	start := time.Now()

	var messages []kafka.Message
	for _, env := range envelopes {
		msgs, err := p.encode(env)
		if err != nil {
			log.Error().
				Err(err).
				Str("reading_id", env.Data.Reading.ID).
				Str("device_id", env.Data.Reading.DeviceID).
				Msg("failed to serialize envelope")
			p.failed.Add(1)
			metrics.KafkaPublishTotal.WithLabelValues(streamReadings, "failed").Inc()
			continue
		}
		messages = append(messages, msgs...)
	}
	if len(messages) == 0 {
		return nil
	}
	readings, alerts := countStreams(p.topic, messages)

	var writer *kafka.Writer
	select {
	case writer = <-p.pool:
		defer func() { p.pool <- writer }()
	case <-ctx.Done():
		p.failed.Add(uint64(readings))
		return ctx.Err()
	}

	err := p.write(ctx, writer, messages)
	duration := time.Since(start)
	metrics.KafkaPublishDuration.Observe(duration.Seconds())

	if err != nil {
		log.Error().
			Err(err).
			Int("readings", readings).
			Int("alerts", alerts).
			Dur("duration", duration).
			Msg("failed to publish to kafka")
		p.failed.Add(uint64(readings))
		metrics.KafkaPublishTotal.WithLabelValues(streamReadings, "failed").Add(float64(readings))
		metrics.KafkaPublishTotal.WithLabelValues(streamAlerts, "failed").Add(float64(alerts))
		return err
	}

	var written uint64
	for _, msg := range messages {
		written += uint64(len(msg.Value))
	}
	p.readingsSent.Add(uint64(readings))
	p.alertsSent.Add(uint64(alerts))
	p.bytesWritten.Add(written)
	metrics.KafkaPublishTotal.WithLabelValues(streamReadings, "success").Add(float64(readings))
	metrics.KafkaPublishTotal.WithLabelValues(streamAlerts, "success").Add(float64(alerts))
	metrics.KafkaBytesWritten.Add(float64(written))

	log.Debug().
		Int("readings", readings).
		Int("alerts", alerts).
		Dur("duration", duration).
		Msg("published to kafka")
	return nil
}

func countStreams(readingTopic string, messages []kafka.Message) (readings, alerts int) {
	for _, m := range messages {
		if m.Topic == readingTopic {
			readings++
		} else {
			alerts++
		}
	}
	return readings, alerts
}

// write retries with exponential backoff. Cancellation is not retried.
func (p *Producer) write(ctx context.Context, writer *kafka.Writer, messages []kafka.Message) error {
	log := logger.WithComponent("kafka_producer")
	backoff := p.cfg.RetryBackoff
	var lastErr error

	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			metrics.KafkaPublishRetries.Inc()
			log.Warn().
				Int("attempt", attempt).
				Int("messages", len(messages)).
				Dur("backoff", backoff).
				Msg("retrying kafka publish")
			select {
			case <-time.After(backoff):
				backoff *= 2
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := writer.WriteMessages(ctx, messages...)
		if err == nil {
			return nil
		}
		lastErr = err
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
	}

	return fmt.Errorf("failed after %d attempts: %w", p.cfg.MaxRetries+1, lastErr)
}

// HealthCheck dials the brokers and confirms the configured topics exist
func (p *Producer) HealthCheck(ctx context.Context) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}

	var errs []error
	for _, broker := range p.brokers {
		conn, err := p.dialer.DialContext(ctx, "tcp", broker)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		err = p.checkTopics(ctx, conn)
		_ = conn.Close()
		if err == nil {
			return nil
		}
		errs = append(errs, err)
	}
	return fmt.Errorf("event stream unreachable: %w", errors.Join(errs...))
}

func (p *Producer) checkTopics(ctx context.Context, conn *kafka.Conn) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	topics := []string{p.topic}
	if p.alertTopic != "" {
		topics = append(topics, p.alertTopic)
	}
	partitions, err := conn.ReadPartitions(topics...)
	if err != nil {
		return err
	}
	seen := make(map[string]bool, len(topics))
	for _, part := range partitions {
		seen[part.Topic] = true
	}
	for _, t := range topics {
		if !seen[t] {
			return fmt.Errorf("topic %s has no partitions", t)
		}
	}
	return nil
}

// Close closes all writers in the pool
func (p *Producer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}

	var errs []error
	for _, writer := range p.writers {
		if err := writer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stats returns producer statistics
func (p *Producer) Stats() ProducerStats {
	return ProducerStats{
		ReadingsSent: p.readingsSent.Load(),
		AlertsSent:   p.alertsSent.Load(),
		Failed:       p.failed.Load(),
		BytesWritten: p.bytesWritten.Load(),
	}
}

// ProducerStats holds producer counters. Failed counts envelopes.
type ProducerStats struct {
	ReadingsSent uint64 `json:"readings_sent"`
	AlertsSent   uint64 `json:"alerts_sent"`
	Failed       uint64 `json:"failed"`
	BytesWritten uint64 `json:"bytes_written"`
}

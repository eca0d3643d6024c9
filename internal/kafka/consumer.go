package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"healthsense/internal/config"
	"healthsense/internal/logger"
	"healthsense/internal/metrics"
	"healthsense/internal/models"
)

// Ingester runs a raw reading submission through the pipeline
type Ingester interface {
	Ingest(ctx context.Context, source string, body []byte) (models.Bundle, error)
}

// MessageReader is the subset of *kafka.Reader the consumer needs
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads device submissions from a topic and ingests them. Offsets
// are committed once a message has been handled, including messages that
// were rejected as invalid.
type Consumer struct {
	reader   MessageReader
	ingester Ingester
	backoff  time.Duration
}

// NewConsumer creates a consumer group reader for cfg.Topic
func NewConsumer(brokers []string, cfg config.ConsumerConfig, ingester Ingester) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("topic is required")
	}
	if cfg.GroupID == "" {
		return nil, errors.New("group id is required")
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       cfg.MinBytes,
		MaxBytes:       cfg.MaxBytes,
		CommitInterval: cfg.CommitInterval,
	})
	return NewConsumerWithReader(reader, ingester), nil
}

// NewConsumerWithReader wraps an existing reader
func NewConsumerWithReader(reader MessageReader, ingester Ingester) *Consumer {
	return &Consumer{reader: reader, ingester: ingester, backoff: time.Second}
}

// Run consumes until ctx is cancelled
func (c *Consumer) Run(ctx context.Context) error {
	log := logger.WithComponent("kafka_consumer")
	log.Info().Msg("kafka ingest consumer started")
	defer log.Info().Msg("kafka ingest consumer stopped")

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warn().Err(err).Msg("fetch failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.backoff):
			}
			continue
		}

		c.Handle(ctx, msg)

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warn().Err(err).Int64("offset", msg.Offset).Msg("commit failed")
		}
	}
}

// Handle ingests a single message and reports whether it was accepted
func (c *Consumer) Handle(ctx context.Context, msg kafka.Message) bool {
	bundle, err := c.ingester.Ingest(ctx, "kafka", msg.Value)
	if err != nil {
		status := "failed"
		if models.IsValidation(err) {
			status = "invalid"
		}
		metrics.SourceMessagesTotal.WithLabelValues("kafka", status).Inc()
		logger.WithComponent("kafka_consumer").Warn().
			Err(err).
			Str("topic", msg.Topic).
			Int("partition", msg.Partition).
			Int64("offset", msg.Offset).
			Msg("message rejected")
		return false
	}

	metrics.SourceMessagesTotal.WithLabelValues("kafka", "ok").Inc()
	logger.WithDevice("kafka_consumer", bundle.Reading.DeviceID).Debug().
		Str("reading_id", bundle.Reading.ID).
		Int64("offset", msg.Offset).
		Msg("message ingested")
	return true
}

// Close closes the underlying reader
func (c *Consumer) Close() error {
	if err := c.reader.Close(); err != nil {
		return fmt.Errorf("close reader: %w", err)
	}
	return nil
}

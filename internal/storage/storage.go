package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"healthsense/internal/config"
	"healthsense/internal/metrics"
	"healthsense/internal/models"
)

// Store persists readings, risk scores and alerts. Implementations are safe
// for concurrent use.
type Store interface {
	// Init creates the schema if needed
	Init(ctx context.Context) error

	// SaveBundle writes a reading with its score and alerts as one unit:
	// either everything is visible afterwards or nothing is.
	SaveBundle(ctx context.Context, b models.Bundle) error

	// LatestReading returns the reading with the greatest timestamp, or
	// models.ErrNotFound when the store is empty.
	LatestReading(ctx context.Context) (models.Reading, error)

	// ReadingsSince returns the newest limit readings with timestamp >= cutoff,
	// in ascending timestamp order.
	ReadingsSince(ctx context.Context, cutoff time.Time, limit int) ([]models.Reading, error)

	// PredictionFor returns the risk score linked to a reading, or models.ErrNotFound.
	PredictionFor(ctx context.Context, readingID string) (models.RiskScore, error)

	// PredictionsFor returns the risk scores of several readings keyed by reading id.
	// Readings without a score are absent from the map.
	PredictionsFor(ctx context.Context, readingIDs []string) (map[string]models.RiskScore, error)

	AlertsForReading(ctx context.Context, readingID string) ([]models.AlertEvent, error)

	// ListAlerts returns alerts matching the acknowledged flag, oldest first
	ListAlerts(ctx context.Context, acknowledged bool) ([]models.AlertEvent, error)

	// AcknowledgeAlert marks an alert acknowledged and returns it. Repeating
	// the call is not an error. Unknown ids yield models.ErrNotFound.
	AcknowledgeAlert(ctx context.Context, id string) (models.AlertEvent, error)

	Ping(ctx context.Context) error
	Close() error
}

// New opens the store selected by cfg.Driver
func New(cfg config.StorageConfig) (Store, error) {
	switch cfg.Driver {
	case "memory":
		return NewMemory(), nil
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres":
		return NewPostgres(cfg.DSN, cfg.MaxOpenConns)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

var errStoreClosed = errors.New("store is closed")

// unavailable wraps a driver failure so callers can match models.ErrStoreUnavailable
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, models.ErrStoreUnavailable, err)
}

// observe records latency and failures for one store operation
func observe(op string, start time.Time, err *error) {
	metrics.StoreOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil && *err != nil && !errors.Is(*err, models.ErrNotFound) {
		metrics.StoreErrorsTotal.WithLabelValues(op).Inc()
	}
}

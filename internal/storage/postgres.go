package storage

import (
	"database/sql"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

var postgresDialect = dialect{
	name:     "postgres",
	numbered: true,
	encodeTime: func(t time.Time) any {
		return t.UTC()
	},
	schema: []string{
		`CREATE TABLE IF NOT EXISTS health_data (
			seq BIGSERIAL PRIMARY KEY,
			id TEXT NOT NULL UNIQUE,
			device_id TEXT NOT NULL,
			glucose DOUBLE PRECISION NOT NULL,
			bp_systolic DOUBLE PRECISION NOT NULL,
			bp_diastolic DOUBLE PRECISION NOT NULL,
			spo2 DOUBLE PRECISION NOT NULL,
			heart_rate DOUBLE PRECISION NOT NULL,
			ts TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_health_data_ts ON health_data(ts)`,
		`CREATE TABLE IF NOT EXISTS predictions (
			seq BIGSERIAL PRIMARY KEY,
			id TEXT NOT NULL UNIQUE,
			health_data_id TEXT NOT NULL UNIQUE REFERENCES health_data(id),
			diabetes_risk DOUBLE PRECISION NOT NULL,
			heart_disease_risk DOUBLE PRECISION NOT NULL,
			hypoxia_risk DOUBLE PRECISION NOT NULL,
			ts TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS alerts (
			seq BIGSERIAL PRIMARY KEY,
			id TEXT NOT NULL UNIQUE,
			health_data_id TEXT NOT NULL REFERENCES health_data(id),
			message TEXT NOT NULL,
			condition_tag TEXT NOT NULL,
			severity TEXT NOT NULL,
			ts TIMESTAMPTZ NOT NULL,
			acknowledged BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_health_data ON alerts(health_data_id)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_acknowledged ON alerts(acknowledged, ts)`,
	},
}

// NewPostgres opens a server-backed store through the pgx database/sql driver.
func NewPostgres(dsn string, maxOpenConns int) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/healthsense?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
		db.SetMaxIdleConns(maxOpenConns)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	return newPostgresFromDB(db), nil
}

func newPostgresFromDB(db *sql.DB) *baseStore {
	return &baseStore{db: db, d: postgresDialect}
}

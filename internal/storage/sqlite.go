package storage

import (
	"database/sql"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var sqliteDialect = dialect{
	name: "sqlite",
	encodeTime: func(t time.Time) any {
		return t.UTC().Format(sqliteTimeLayout)
	},
	schema: []string{
		`CREATE TABLE IF NOT EXISTS health_data (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			device_id TEXT NOT NULL,
			glucose REAL NOT NULL,
			bp_systolic REAL NOT NULL,
			bp_diastolic REAL NOT NULL,
			spo2 REAL NOT NULL,
			heart_rate REAL NOT NULL,
			ts TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_health_data_ts ON health_data(ts)`,
		`CREATE TABLE IF NOT EXISTS predictions (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			health_data_id TEXT NOT NULL UNIQUE REFERENCES health_data(id),
			diabetes_risk REAL NOT NULL,
			heart_disease_risk REAL NOT NULL,
			hypoxia_risk REAL NOT NULL,
			ts TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS alerts (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			health_data_id TEXT NOT NULL REFERENCES health_data(id),
			message TEXT NOT NULL,
			condition_tag TEXT NOT NULL,
			severity TEXT NOT NULL,
			ts TEXT NOT NULL,
			acknowledged INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_health_data ON alerts(health_data_id)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_acknowledged ON alerts(acknowledged, ts)`,
	},
}

// NewSQLite opens an embedded store. In-memory databases are pinned to a
// single connection so every query sees the same database.
func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:healthsense.db?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate"
	}
	dsn = withWriteLocking(dsn)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if strings.Contains(dsn, ":memory:") || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
	}
	return &baseStore{db: db, d: sqliteDialect}, nil
}

// withWriteLocking makes transactions take the write lock at BEGIN and gives
// waiting writers a busy timeout, unless the DSN already sets them.
func withWriteLocking(dsn string) string {
	var params []string
	if !strings.Contains(dsn, "_txlock=") {
		params = append(params, "_txlock=immediate")
	}
	if !strings.Contains(dsn, "busy_timeout") {
		params = append(params, "_pragma=busy_timeout(5000)")
	}
	if len(params) == 0 {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join(params, "&")
}

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"healthsense/internal/models"
)

// dialect captures what differs between the SQL backends
type dialect struct {
	name string
	// numbered placeholders ($1, $2...) instead of ?
	numbered   bool
	schema     []string
	encodeTime func(time.Time) any
}

// sqliteTimeLayout is fixed width so TEXT comparison orders chronologically
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

// baseStore implements Store over database/sql for every dialect
type baseStore struct {
	db *sql.DB
	d  dialect
}

const readingColumns = `id, device_id, glucose, bp_systolic, bp_diastolic, spo2, heart_rate, ts`
const predictionColumns = `id, health_data_id, diabetes_risk, heart_disease_risk, hypoxia_risk, ts`
const alertColumns = `id, health_data_id, message, condition_tag, severity, ts, acknowledged`

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// rebind rewrites ? placeholders for dialects with numbered parameters
func (s *baseStore) rebind(query string) string {
	if !s.d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *baseStore) Init(ctx context.Context) error {
	for _, stmt := range s.d.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return unavailable("init "+s.d.name+" schema", err)
		}
	}
	return nil
}

func (s *baseStore) SaveBundle(ctx context.Context, b models.Bundle) (err error) {
	defer observe("save_bundle", time.Now(), &err)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("save bundle", err)
	}

	r := b.Reading
	if _, err := tx.ExecContext(ctx, s.rebind(
		`INSERT INTO health_data (`+readingColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		r.ID, r.DeviceID, r.Glucose, r.BPSystolic, r.BPDiastolic, r.SpO2, r.HeartRate,
		s.d.encodeTime(r.Timestamp),
	); err != nil {
		_ = tx.Rollback()
		return unavailable("insert reading", err)
	}

	if p := b.Prediction; p != nil {
		if _, err := tx.ExecContext(ctx, s.rebind(
			`INSERT INTO predictions (`+predictionColumns+`) VALUES (?, ?, ?, ?, ?, ?)`),
			p.ID, p.HealthDataID, p.DiabetesRisk, p.HeartDiseaseRisk, p.HypoxiaRisk,
			s.d.encodeTime(p.Timestamp),
		); err != nil {
			_ = tx.Rollback()
			return unavailable("insert prediction", err)
		}
	}

	for _, a := range b.Alerts {
		if _, err := tx.ExecContext(ctx, s.rebind(
			`INSERT INTO alerts (`+alertColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`),
			a.ID, a.HealthDataID, a.Message, string(a.Condition), string(a.Severity),
			s.d.encodeTime(a.Timestamp), a.Acknowledged,
		); err != nil {
			_ = tx.Rollback()
			return unavailable("insert alert", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return unavailable("commit bundle", err)
	}
	return nil
}

func (s *baseStore) LatestReading(ctx context.Context) (r models.Reading, err error) {
	defer observe("latest_reading", time.Now(), &err)

	row := s.db.QueryRowContext(ctx,
		`SELECT `+readingColumns+` FROM health_data ORDER BY ts DESC, seq DESC LIMIT 1`)
	r, err = scanReading(row)
	if errors.Is(err, sql.ErrNoRows) {
		return r, models.ErrNotFound
	}
	if err != nil {
		return r, unavailable("latest reading", err)
	}
	return r, nil
}

func (s *baseStore) ReadingsSince(ctx context.Context, cutoff time.Time, limit int) (out []models.Reading, err error) {
	defer observe("readings_since", time.Now(), &err)

	if limit <= 0 {
		limit = math.MaxInt32
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT `+readingColumns+` FROM health_data WHERE ts >= ? ORDER BY ts DESC, seq DESC LIMIT ?`),
		s.d.encodeTime(cutoff), limit)
	if err != nil {
		return nil, unavailable("readings since", err)
	}
	defer rows.Close()

	out = make([]models.Reading, 0)
	for rows.Next() {
		r, err := scanReading(rows)
		if err != nil {
			return nil, unavailable("scan reading", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("readings since", err)
	}

	// newest first from the query, callers want ascending
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *baseStore) PredictionFor(ctx context.Context, readingID string) (p models.RiskScore, err error) {
	defer observe("prediction_for", time.Now(), &err)

	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT `+predictionColumns+` FROM predictions WHERE health_data_id = ?`), readingID)
	p, err = scanPrediction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return p, models.ErrNotFound
	}
	if err != nil {
		return p, unavailable("prediction for", err)
	}
	return p, nil
}

func (s *baseStore) PredictionsFor(ctx context.Context, readingIDs []string) (out map[string]models.RiskScore, err error) {
	defer observe("predictions_for", time.Now(), &err)

	out = make(map[string]models.RiskScore, len(readingIDs))
	if len(readingIDs) == 0 {
		return out, nil
	}

	args := make([]any, len(readingIDs))
	for i, id := range readingIDs {
		args[i] = id
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(readingIDs)), ", ")

	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT `+predictionColumns+` FROM predictions WHERE health_data_id IN (`+placeholders+`)`),
		args...)
	if err != nil {
		return nil, unavailable("predictions for", err)
	}
	defer rows.Close()

	for rows.Next() {
		p, err := scanPrediction(rows)
		if err != nil {
			return nil, unavailable("scan prediction", err)
		}
		out[p.HealthDataID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("predictions for", err)
	}
	return out, nil
}

func (s *baseStore) AlertsForReading(ctx context.Context, readingID string) (out []models.AlertEvent, err error) {
	defer observe("alerts_for_reading", time.Now(), &err)

	out, err = s.queryAlerts(ctx,
		`SELECT `+alertColumns+` FROM alerts WHERE health_data_id = ? ORDER BY seq`, readingID)
	if err != nil {
		return nil, unavailable("alerts for reading", err)
	}
	return out, nil
}

func (s *baseStore) ListAlerts(ctx context.Context, acknowledged bool) (out []models.AlertEvent, err error) {
	defer observe("list_alerts", time.Now(), &err)

	out, err = s.queryAlerts(ctx,
		`SELECT `+alertColumns+` FROM alerts WHERE acknowledged = ? ORDER BY ts, seq`, acknowledged)
	if err != nil {
		return nil, unavailable("list alerts", err)
	}
	return out, nil
}

func (s *baseStore) queryAlerts(ctx context.Context, query string, args ...any) ([]models.AlertEvent, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.AlertEvent, 0)
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// AcknowledgeAlert updates first and reads back afterwards. A single UPDATE
// takes the write lock directly, so concurrent writers wait on the busy
// timeout instead of failing a read-to-write upgrade.
func (s *baseStore) AcknowledgeAlert(ctx context.Context, id string) (a models.AlertEvent, err error) {
	defer observe("acknowledge_alert", time.Now(), &err)

	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE alerts SET acknowledged = ? WHERE id = ?`), true, id)
	if err != nil {
		return a, unavailable("update alert", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return a, unavailable("update alert", err)
	}
	if n == 0 {
		return a, models.ErrNotFound
	}

	a, err = s.alertByID(ctx, s.db, id)
	if errors.Is(err, sql.ErrNoRows) {
		return a, models.ErrNotFound
	}
	if err != nil {
		return a, unavailable("select alert", err)
	}
	return a, nil
}

func (s *baseStore) alertByID(ctx context.Context, q queryer, id string) (models.AlertEvent, error) {
	row := q.QueryRowContext(ctx, s.rebind(`SELECT `+alertColumns+` FROM alerts WHERE id = ?`), id)
	return scanAlert(row)
}

func (s *baseStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (s *baseStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanReading(row scanner) (models.Reading, error) {
	var (
		r  models.Reading
		ts any
	)
	if err := row.Scan(&r.ID, &r.DeviceID, &r.Glucose, &r.BPSystolic, &r.BPDiastolic,
		&r.SpO2, &r.HeartRate, &ts); err != nil {
		return r, err
	}
	t, err := decodeTime(ts)
	if err != nil {
		return r, err
	}
	r.Timestamp = t
	return r, nil
}

func scanPrediction(row scanner) (models.RiskScore, error) {
	var (
		p  models.RiskScore
		ts any
	)
	if err := row.Scan(&p.ID, &p.HealthDataID, &p.DiabetesRisk, &p.HeartDiseaseRisk,
		&p.HypoxiaRisk, &ts); err != nil {
		return p, err
	}
	t, err := decodeTime(ts)
	if err != nil {
		return p, err
	}
	p.Timestamp = t
	return p, nil
}

func scanAlert(row scanner) (models.AlertEvent, error) {
	var (
		a         models.AlertEvent
		condition string
		severity  string
		ts        any
	)
	if err := row.Scan(&a.ID, &a.HealthDataID, &a.Message, &condition, &severity,
		&ts, &a.Acknowledged); err != nil {
		return a, err
	}
	t, err := decodeTime(ts)
	if err != nil {
		return a, err
	}
	a.Condition = models.Condition(condition)
	a.Severity = models.Severity(severity)
	a.Timestamp = t
	return a, nil
}

// decodeTime accepts native timestamps (postgres) and encoded TEXT (sqlite)
func decodeTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case string:
		return parseStoredTime(t)
	case []byte:
		return parseStoredTime(string(t))
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp column type %T", v)
	}
}

func parseStoredTime(s string) (time.Time, error) {
	if t, err := time.Parse(sqliteTimeLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"           // postgres driver
	_ "github.com/mattn/go-sqlite3" // sqlite driver
)

// SQLStore is a sqlx-backed Store for sqlite and postgres.
type SQLStore struct {
	db *sqlx.DB
}

// OpenSQLite opens (and migrates) a sqlite database at path.
// Use ":memory:" for an in-process database.
func OpenSQLite(path string) (*SQLStore, error) {
	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		return nil, &StoreError{Op: "open sqlite", Transient: false, Err: err}
	}
	// sqlite allows a single writer; serialize access through one conn.
	db.SetMaxOpenConns(1)
	return newSQLStore(db)
}

// OpenPostgres opens (and migrates) a postgres database from a DSN.
func OpenPostgres(dsn string) (*SQLStore, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, &StoreError{Op: "open postgres", Transient: true, Err: err}
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return newSQLStore(db)
}

func newSQLStore(db *sqlx.DB) (*SQLStore, error) {
	s := &SQLStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS alerts (
		id TEXT PRIMARY KEY,
		fingerprint TEXT NOT NULL,
		name TEXT NOT NULL,
		severity TEXT NOT NULL,
		status TEXT NOT NULL,
		labels TEXT NOT NULL,
		annotations TEXT NOT NULL,
		source TEXT NOT NULL,
		received_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_fingerprint ON alerts (fingerprint, updated_at)`,
	`CREATE TABLE IF NOT EXISTS workflow_runs (
		id TEXT PRIMARY KEY,
		workflow_name TEXT NOT NULL,
		namespace TEXT NOT NULL,
		alert_id TEXT,
		source_event_id TEXT,
		phase TEXT NOT NULL,
		current_step TEXT,
		input TEXT,
		outputs TEXT,
		error TEXT,
		created_at TIMESTAMP NOT NULL,
		started_at TIMESTAMP,
		finished_at TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_created ON workflow_runs (created_at)`,
	`CREATE TABLE IF NOT EXISTS workflow_steps (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		status TEXT NOT NULL,
		output TEXT,
		error TEXT,
		suspended TEXT,
		started_at TIMESTAMP NOT NULL,
		finished_at TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_steps_run ON workflow_steps (run_id, started_at)`,
	`CREATE TABLE IF NOT EXISTS source_events (
		id TEXT PRIMARY KEY,
		source_name TEXT NOT NULL,
		namespace TEXT NOT NULL,
		alert_id TEXT,
		outcome TEXT NOT NULL,
		detail TEXT,
		received_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sink_outputs (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		sink_name TEXT NOT NULL,
		sink_type TEXT NOT NULL,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL,
		error TEXT,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS resources (
		kind TEXT NOT NULL,
		namespace TEXT NOT NULL,
		name TEXT NOT NULL,
		spec TEXT NOT NULL,
		status TEXT,
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (kind, namespace, name)
	)`,
}

func (s *SQLStore) migrate() error {
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return &StoreError{Op: "migrate", Transient: false, Err: err}
		}
	}
	return nil
}

// alertRow flattens label maps into JSON text columns.
type alertRow struct {
	Alert
	LabelsJSON      string `db:"labels"`
	AnnotationsJSON string `db:"annotations"`
}

func toAlertRow(a *Alert) (*alertRow, error) {
	labels, err := json.Marshal(a.Labels)
	if err != nil {
		return nil, err
	}
	annotations, err := json.Marshal(a.Annotations)
	if err != nil {
		return nil, err
	}
	return &alertRow{Alert: *a, LabelsJSON: string(labels), AnnotationsJSON: string(annotations)}, nil
}

func (r *alertRow) toAlert() (*Alert, error) {
	a := r.Alert
	if r.LabelsJSON != "" {
		if err := json.Unmarshal([]byte(r.LabelsJSON), &a.Labels); err != nil {
			return nil, err
		}
	}
	if r.AnnotationsJSON != "" {
		if err := json.Unmarshal([]byte(r.AnnotationsJSON), &a.Annotations); err != nil {
			return nil, err
		}
	}
	return &a, nil
}

func (s *SQLStore) SaveAlert(ctx context.Context, alert *Alert) error {
	return insertAlert(ctx, s.db, alert)
}

// insertAlert writes one alert row through either the pool or an open
// transaction.
func insertAlert(ctx context.Context, q sqlx.ExtContext, alert *Alert) error {
	row, err := toAlertRow(alert)
	if err != nil {
		return &StoreError{Op: "save alert", Transient: false, Err: err}
	}
	query := q.Rebind(`INSERT INTO alerts
		(id, fingerprint, name, severity, status, labels, annotations, source, received_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = q.ExecContext(ctx, query,
		row.ID, row.Fingerprint, row.Name, row.Severity, row.Status,
		row.LabelsJSON, row.AnnotationsJSON, row.Source, row.ReceivedAt, row.UpdatedAt)
	if err != nil {
		return wrapSQL("save alert", err)
	}
	return nil
}

func (s *SQLStore) GetAlertByFingerprint(ctx context.Context, fingerprint string) (*Alert, error) {
	return getAlertByFingerprint(ctx, s.db, fingerprint)
}

func getAlertByFingerprint(ctx context.Context, q sqlx.ExtContext, fingerprint string) (*Alert, error) {
	var row alertRow
	query := q.Rebind(`SELECT * FROM alerts WHERE fingerprint = ? ORDER BY updated_at DESC LIMIT 1`)
	if err := sqlx.GetContext(ctx, q, &row, query, fingerprint); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, wrapSQL("get alert", err)
	}
	a, err := row.toAlert()
	if err != nil {
		return nil, &StoreError{Op: "get alert", Transient: false, Err: err}
	}
	return a, nil
}

// DeduplicateAlert reads and writes inside one transaction so concurrent
// deliveries of the same fingerprint serialize. Postgres runs with a
// connection pool, so the transaction additionally takes a per-fingerprint
// advisory lock; sqlite is already single-writer.
func (s *SQLStore) DeduplicateAlert(ctx context.Context, alert *Alert, window time.Duration) (DedupOutcome, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return DedupNew, wrapSQL("dedup alert", err)
	}
	defer tx.Rollback()

	if s.db.DriverName() == "postgres" {
		if _, err := tx.ExecContext(ctx,
			`SELECT pg_advisory_xact_lock(hashtext($1))`, alert.Fingerprint); err != nil {
			return DedupNew, wrapSQL("dedup alert", err)
		}
	}

	existing, err := getAlertByFingerprint(ctx, tx, alert.Fingerprint)
	if err != nil && !IsNotFound(err) {
		return DedupNew, err
	}

	now := time.Now().UTC()
	outcome := DedupNew
	switch {
	case existing == nil:
		if err := insertAlert(ctx, tx, alert); err != nil {
			return DedupNew, err
		}
	case existing.Status == AlertStatusFiring && now.Sub(existing.UpdatedAt) < window:
		query := tx.Rebind(`UPDATE alerts SET updated_at = ? WHERE id = ?`)
		if _, err := tx.ExecContext(ctx, query, now, existing.ID); err != nil {
			return DedupDuplicate, wrapSQL("refresh alert", err)
		}
		outcome = DedupDuplicate
	default:
		if err := insertAlert(ctx, tx, alert); err != nil {
			return DedupUpdated, err
		}
		outcome = DedupUpdated
	}

	if err := tx.Commit(); err != nil {
		return outcome, wrapSQL("dedup alert", err)
	}
	return outcome, nil
}

func (s *SQLStore) ResolveAlert(ctx context.Context, id string) error {
	query := s.db.Rebind(`UPDATE alerts SET status = ?, updated_at = ? WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, query, AlertStatusResolved, time.Now().UTC(), id)
	if err != nil {
		return wrapSQL("resolve alert", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) SaveRun(ctx context.Context, run *Run) error {
	query := s.db.Rebind(`INSERT INTO workflow_runs
		(id, workflow_name, namespace, alert_id, source_event_id, phase, current_step, input, outputs, error, created_at, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		run.ID, run.WorkflowName, run.Namespace, run.AlertID, run.SourceEventID,
		run.Phase, run.CurrentStep, nullableJSON(run.Input), nullableJSON(run.Outputs),
		run.Error, run.CreatedAt, run.StartedAt, run.FinishedAt)
	if err != nil {
		return wrapSQL("save run", err)
	}
	return nil
}

func (s *SQLStore) UpdateRunProgress(ctx context.Context, id, phase, currentStep string) error {
	now := time.Now().UTC()
	var query string
	var args []any
	if phase == RunPhaseRunning {
		query = `UPDATE workflow_runs SET phase = ?, current_step = ?,
			started_at = COALESCE(started_at, ?) WHERE id = ?`
		args = []any{phase, currentStep, now, id}
	} else {
		query = `UPDATE workflow_runs SET phase = ?, current_step = ? WHERE id = ?`
		args = []any{phase, currentStep, id}
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return wrapSQL("update run", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) CompleteRun(ctx context.Context, id, phase string, outputs []byte, runErr string) error {
	query := s.db.Rebind(`UPDATE workflow_runs
		SET phase = ?, current_step = '', outputs = ?, error = ?, finished_at = ? WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, query, phase, nullableJSON(outputs), runErr, time.Now().UTC(), id)
	if err != nil {
		return wrapSQL("complete run", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// runRow maps nullable text columns.
type runRow struct {
	Run
	Input   sql.NullString `db:"input"`
	Outputs sql.NullString `db:"outputs"`
}

func (r *runRow) toRun() *Run {
	run := r.Run
	if r.Input.Valid {
		run.Input = json.RawMessage(r.Input.String)
	}
	if r.Outputs.Valid {
		run.Outputs = json.RawMessage(r.Outputs.String)
	}
	return &run
}

func (s *SQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	var row runRow
	query := s.db.Rebind(`SELECT * FROM workflow_runs WHERE id = ?`)
	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, wrapSQL("get run", err)
	}
	return row.toRun(), nil
}

func (s *SQLStore) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []runRow
	query := s.db.Rebind(`SELECT * FROM workflow_runs ORDER BY created_at DESC LIMIT ?`)
	if err := s.db.SelectContext(ctx, &rows, query, limit); err != nil {
		return nil, wrapSQL("list runs", err)
	}
	runs := make([]*Run, len(rows))
	for i := range rows {
		runs[i] = rows[i].toRun()
	}
	return runs, nil
}

func (s *SQLStore) SaveStepRecord(ctx context.Context, rec *StepRecord) error {
	del := s.db.Rebind(`DELETE FROM workflow_steps WHERE id = ?`)
	if _, err := s.db.ExecContext(ctx, del, rec.ID); err != nil {
		return wrapSQL("save step", err)
	}
	query := s.db.Rebind(`INSERT INTO workflow_steps
		(id, run_id, name, type, status, output, error, suspended, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.RunID, rec.Name, rec.Type, rec.Status,
		nullableJSON(rec.Output), rec.Error, nullableJSON(rec.Suspended),
		rec.StartedAt, rec.FinishedAt)
	if err != nil {
		return wrapSQL("save step", err)
	}
	return nil
}

type stepRow struct {
	StepRecord
	Output    sql.NullString `db:"output"`
	Suspended sql.NullString `db:"suspended"`
}

func (s *SQLStore) GetStepRecords(ctx context.Context, runID string) ([]*StepRecord, error) {
	var rows []stepRow
	query := s.db.Rebind(`SELECT * FROM workflow_steps WHERE run_id = ? ORDER BY started_at`)
	if err := s.db.SelectContext(ctx, &rows, query, runID); err != nil {
		return nil, wrapSQL("get steps", err)
	}
	out := make([]*StepRecord, len(rows))
	for i := range rows {
		rec := rows[i].StepRecord
		if rows[i].Output.Valid {
			rec.Output = json.RawMessage(rows[i].Output.String)
		}
		if rows[i].Suspended.Valid {
			rec.Suspended = json.RawMessage(rows[i].Suspended.String)
		}
		out[i] = &rec
	}
	return out, nil
}

func (s *SQLStore) SaveSourceEvent(ctx context.Context, ev *SourceEvent) error {
	query := s.db.Rebind(`INSERT INTO source_events
		(id, source_name, namespace, alert_id, outcome, detail, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		ev.ID, ev.SourceName, ev.Namespace, ev.AlertID, ev.Outcome, ev.Detail, ev.ReceivedAt)
	if err != nil {
		return wrapSQL("save source event", err)
	}
	return nil
}

func (s *SQLStore) SaveSinkOutput(ctx context.Context, out *SinkOutput) error {
	query := s.db.Rebind(`INSERT INTO sink_outputs
		(id, run_id, sink_name, sink_type, status, attempts, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		out.ID, out.RunID, out.SinkName, out.SinkType, out.Status, out.Attempts, out.Error, out.CreatedAt)
	if err != nil {
		return wrapSQL("save sink output", err)
	}
	return nil
}

func (s *SQLStore) SaveResource(ctx context.Context, rec *ResourceRecord) error {
	del := s.db.Rebind(`DELETE FROM resources WHERE kind = ? AND namespace = ? AND name = ?`)
	if _, err := s.db.ExecContext(ctx, del, rec.Kind, rec.Namespace, rec.Name); err != nil {
		return wrapSQL("save resource", err)
	}
	query := s.db.Rebind(`INSERT INTO resources (kind, namespace, name, spec, status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		rec.Kind, rec.Namespace, rec.Name, string(rec.Spec), nullableJSON(rec.Status), rec.UpdatedAt)
	if err != nil {
		return wrapSQL("save resource", err)
	}
	return nil
}

func (s *SQLStore) DeleteResource(ctx context.Context, kind, namespace, name string) error {
	query := s.db.Rebind(`DELETE FROM resources WHERE kind = ? AND namespace = ? AND name = ?`)
	if _, err := s.db.ExecContext(ctx, query, kind, namespace, name); err != nil {
		return wrapSQL("delete resource", err)
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// wrapSQL classifies a database error. Connection-level failures are
// transient; constraint and syntax errors are not.
func wrapSQL(op string, err error) error {
	msg := strings.ToLower(err.Error())
	transient := strings.Contains(msg, "connection") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "locked") ||
		strings.Contains(msg, "busy")
	return &StoreError{Op: op, Transient: transient, Err: err}
}

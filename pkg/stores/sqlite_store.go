package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rs/zerolog"

	"github.com/swarmlite/swarmlite/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore is the append-only state log backed by SQLite.
// It implements engine.StateStore.
type SQLiteStore struct {
	db     *sql.DB
	cfg    Config
	signer *Signer
	logger zerolog.Logger
	now    func() time.Time

	// mu serializes appends so records of one workflow keep their order
	mu sync.Mutex
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg Config, opts ...Option) (*SQLiteStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, engine.NewConfigurationError("database path is required", err)
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = DefaultBusyTimeout
	}

	s := &SQLiteStore{
		cfg:    cfg,
		signer: NewSigner(cfg.SigningSecret),
		logger: zerolog.Nop(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}

	if !s.signer.Enabled() {
		s.logger.Warn().Msg("No signing secret configured, state records will be unsigned")
	}
	return s, nil
}

// Init opens the database connection.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)&_txlock=immediate",
		s.cfg.Path, s.cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return engine.NewPersistenceError("failed to open database", err)
	}

	// A single connection serializes writers and keeps ":memory:" databases
	// shared across queries.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return engine.NewPersistenceError("failed to ping database", err)
	}

	if s.cfg.Path != ":memory:" {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL"); err != nil {
			_ = db.Close()
			return engine.NewPersistenceError("failed to enable WAL mode", err)
		}
	}

	s.db = db
	s.logger.Debug().Str("path", s.cfg.Path).Msg("State store opened")
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate applies the embedded schema migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return engine.NewPersistenceError("database not initialized", nil)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return engine.NewPersistenceError("failed to create migration driver", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return engine.NewPersistenceError("failed to create migration instance", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return engine.NewPersistenceError("failed to run migrations", err)
	}

	return nil
}

// HealthCheck verifies the database is reachable.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return engine.NewPersistenceError("database not initialized", nil)
	}
	if err := s.db.PingContext(ctx); err != nil {
		return engine.NewPersistenceError("database health check failed", err)
	}
	return nil
}

// Signer returns the signer used for new records.
func (s *SQLiteStore) Signer() *Signer {
	return s.signer
}

// PersistWorkflow appends a workflow-level record. When the workflow carries
// an idempotency key, the key is bound to the workflow id in the same
// transaction; a key already bound to another workflow is a conflict.
func (s *SQLiteStore) PersistWorkflow(ctx context.Context, wf *engine.Workflow) error {
	details := map[string]interface{}{
		"tasks":           wf.TaskIDs(),
		"status":          wf.Status,
		"created_at":      wf.CreatedAt,
		"started_at":      wf.StartedAt,
		"completed_at":    wf.CompletedAt,
		"idempotency_key": wf.IdempotencyKey,
	}
	if wf.Error != "" {
		details["error"] = wf.Error
	}
	if len(wf.Metadata) > 0 {
		details["metadata"] = wf.Metadata
	}

	rec := &engine.StateRecord{
		WorkflowID: wf.ID,
		Status:     string(wf.Status),
		Details:    details,
	}

	return s.appendRecord(ctx, rec, func(tx *sql.Tx, now time.Time) error {
		if wf.IdempotencyKey == "" {
			return nil
		}
		return s.bindIdempotencyKey(ctx, tx, wf.IdempotencyKey, wf.ID, now)
	})
}

// PersistTask appends a task-level record.
func (s *SQLiteStore) PersistTask(ctx context.Context, workflowID string, task *engine.Task) error {
	details := map[string]interface{}{
		"type":                task.Type,
		"data_classification": task.DataClassification,
		"started_at":          task.StartedAt,
		"completed_at":        task.CompletedAt,
		"retry_count":         task.RetryCount,
		"attempts":            task.Attempts,
	}
	if task.Error != "" {
		details["error"] = task.Error
	}
	if task.Result != nil {
		details["result"] = task.Result
	}
	if len(task.Metadata) > 0 {
		details["metadata"] = task.Metadata
	}

	return s.Append(ctx, &engine.StateRecord{
		WorkflowID: workflowID,
		TaskID:     task.ID,
		Status:     string(task.Status),
		Details:    details,
	})
}

// Append writes a raw record. The timestamp defaults to now and the record is
// signed when a secret is configured. ID, Timestamp, Signature and SignedAt
// are filled in on success.
func (s *SQLiteStore) Append(ctx context.Context, rec *engine.StateRecord) error {
	return s.appendRecord(ctx, rec, nil)
}

func (s *SQLiteStore) appendRecord(ctx context.Context, rec *engine.StateRecord, extra func(tx *sql.Tx, now time.Time) error) error {
	if s.db == nil {
		return engine.NewPersistenceError("database not initialized", nil)
	}
	if rec.WorkflowID == "" || rec.Status == "" {
		return engine.NewValidationError("state record requires workflow id and status", nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if rec.Timestamp.IsZero() {
		rec.Timestamp = now
	}
	rec.Timestamp = rec.Timestamp.UTC()

	details, err := canonicalDetails(rec.Details)
	if err != nil {
		return engine.NewPersistenceError("failed to serialize details", err).WithWorkflow(rec.WorkflowID)
	}
	if err := s.signer.Sign(rec, now); err != nil {
		return engine.NewPersistenceError("failed to sign record", err).WithWorkflow(rec.WorkflowID)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return engine.NewPersistenceError("failed to begin transaction", err).WithWorkflow(rec.WorkflowID)
	}
	defer func() { _ = tx.Rollback() }()

	if extra != nil {
		if err := extra(tx, now); err != nil {
			return err
		}
	}

	var signedAt *string
	if rec.SignedAt != nil {
		v := FormatTimestamp(*rec.SignedAt)
		signedAt = &v
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO state_records (workflow_id, task_id, status, timestamp, details, signature, signed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		rec.WorkflowID,
		nullString(rec.TaskID),
		rec.Status,
		FormatTimestamp(rec.Timestamp),
		details,
		nullString(rec.Signature),
		signedAt,
	)
	if err != nil {
		return engine.NewPersistenceError("failed to append state record", err).
			WithWorkflow(rec.WorkflowID).WithTask(rec.TaskID)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return engine.NewPersistenceError("failed to get record id", err).WithWorkflow(rec.WorkflowID)
	}

	if err := tx.Commit(); err != nil {
		return engine.NewPersistenceError("failed to commit state record", err).WithWorkflow(rec.WorkflowID)
	}

	rec.ID = id
	s.logger.Debug().
		Int64("record_id", id).
		Str("workflow_id", rec.WorkflowID).
		Str("task_id", rec.TaskID).
		Str("status", rec.Status).
		Bool("signed", rec.Signature != "").
		Msg("State record appended")
	return nil
}

// bindIdempotencyKey records key -> workflow id, enforcing uniqueness.
func (s *SQLiteStore) bindIdempotencyKey(ctx context.Context, tx *sql.Tx, key, workflowID string, now time.Time) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO idempotency_keys (key, workflow_id, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT (key) DO NOTHING
	`, key, workflowID, FormatTimestamp(now)); err != nil {
		return engine.NewPersistenceError("failed to index idempotency key", err).WithWorkflow(workflowID)
	}

	var bound string
	if err := tx.QueryRowContext(ctx,
		`SELECT workflow_id FROM idempotency_keys WHERE key = ?`, key,
	).Scan(&bound); err != nil {
		return engine.NewPersistenceError("failed to read idempotency key", err).WithWorkflow(workflowID)
	}

	if bound != workflowID {
		return engine.NewConflictError(
			fmt.Sprintf("idempotency key already bound to workflow %s", bound), nil,
		).WithWorkflow(workflowID)
	}
	return nil
}

// History returns every record of a workflow ordered by timestamp, then
// insertion order.
func (s *SQLiteStore) History(ctx context.Context, workflowID string) ([]engine.StateRecord, error) {
	if s.db == nil {
		return nil, engine.NewPersistenceError("database not initialized", nil)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workflow_id, task_id, status, timestamp, details, signature, signed_at
		FROM state_records
		WHERE workflow_id = ?
		ORDER BY timestamp ASC, id ASC
	`, workflowID)
	if err != nil {
		return nil, engine.NewPersistenceError("failed to query history", err).WithWorkflow(workflowID)
	}
	defer rows.Close()

	records := make([]engine.StateRecord, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, engine.NewPersistenceError("failed to scan state record", err).WithWorkflow(workflowID)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, engine.NewPersistenceError("failed to iterate history", err).WithWorkflow(workflowID)
	}

	return records, nil
}

// TaskStatus returns the status of the most recent record of a task.
func (s *SQLiteStore) TaskStatus(ctx context.Context, workflowID, taskID string) (string, bool, error) {
	return s.latestStatus(ctx, `
		SELECT status FROM state_records
		WHERE workflow_id = ? AND task_id = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT 1
	`, workflowID, taskID)
}

// LatestTaskRecord returns the most recent record of a task, details decoded.
func (s *SQLiteStore) LatestTaskRecord(ctx context.Context, workflowID, taskID string) (*engine.StateRecord, bool, error) {
	if s.db == nil {
		return nil, false, engine.NewPersistenceError("database not initialized", nil)
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT id, workflow_id, task_id, status, timestamp, details, signature, signed_at
		FROM state_records
		WHERE workflow_id = ? AND task_id = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT 1
	`, workflowID, taskID)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, engine.NewPersistenceError("failed to query task record", err).
			WithWorkflow(workflowID).WithTask(taskID)
	}
	return rec, true, nil
}

// WorkflowStatus returns the status of the most recent workflow-level record.
func (s *SQLiteStore) WorkflowStatus(ctx context.Context, workflowID string) (string, bool, error) {
	return s.latestStatus(ctx, `
		SELECT status FROM state_records
		WHERE workflow_id = ? AND task_id IS NULL
		ORDER BY timestamp DESC, id DESC
		LIMIT 1
	`, workflowID)
}

func (s *SQLiteStore) latestStatus(ctx context.Context, query string, args ...interface{}) (string, bool, error) {
	if s.db == nil {
		return "", false, engine.NewPersistenceError("database not initialized", nil)
	}

	var status string
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, engine.NewPersistenceError("failed to query status", err)
	}
	return status, true, nil
}

// WorkflowByIdempotencyKey returns the workflow id bound to a key.
func (s *SQLiteStore) WorkflowByIdempotencyKey(ctx context.Context, key string) (string, bool, error) {
	if s.db == nil {
		return "", false, engine.NewPersistenceError("database not initialized", nil)
	}

	var workflowID string
	err := s.db.QueryRowContext(ctx,
		`SELECT workflow_id FROM idempotency_keys WHERE key = ?`, key,
	).Scan(&workflowID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, engine.NewPersistenceError("failed to query idempotency key", err)
	}
	return workflowID, true, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*engine.StateRecord, error) {
	var (
		rec       engine.StateRecord
		taskID    sql.NullString
		timestamp string
		details   string
		signature sql.NullString
		signedAt  sql.NullString
	)
	if err := row.Scan(&rec.ID, &rec.WorkflowID, &taskID, &rec.Status, &timestamp, &details, &signature, &signedAt); err != nil {
		return nil, err
	}

	ts, err := time.Parse(TimestampLayout, timestamp)
	if err != nil {
		return nil, fmt.Errorf("failed to parse timestamp: %w", err)
	}
	rec.Timestamp = ts.UTC()
	rec.TaskID = taskID.String
	rec.Signature = signature.String

	if signedAt.Valid {
		t, err := time.Parse(TimestampLayout, signedAt.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse signed_at: %w", err)
		}
		t = t.UTC()
		rec.SignedAt = &t
	}

	if err := json.Unmarshal([]byte(details), &rec.Details); err != nil {
		return nil, fmt.Errorf("failed to decode details: %w", err)
	}
	return &rec, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var _ engine.StateStore = (*SQLiteStore)(nil)

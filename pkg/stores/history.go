package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/tengil/tengil/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// HistoryStore keeps run history in SQLite: runs, action results, drift
// items and an audit log. It implements engine.Recorder.
type HistoryStore struct {
	db  *sql.DB
	cfg HistoryConfig
	now func() time.Time
}

// HistoryConfig holds history database configuration
type HistoryConfig struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewHistoryStore creates a new history store instance
func NewHistoryStore(cfg HistoryConfig) (*HistoryStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: is a separate database.
	if isMemoryPath(cfg.Path) {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &HistoryStore{cfg: cfg, now: time.Now}, nil
}

func isMemoryPath(path string) bool {
	return path == ":memory:" || strings.Contains(path, "mode=memory")
}

// Init opens the database connection and enables WAL mode.
func (s *HistoryStore) Init(ctx context.Context) error {
	sep := "?"
	if strings.Contains(s.cfg.Path, "?") {
		sep = "&"
	}
	dsn := s.cfg.Path + sep +
		"_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *HistoryStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *HistoryStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// OpenHistory creates, opens and migrates a history store in one step.
func OpenHistory(ctx context.Context, path string) (*HistoryStore, error) {
	store, err := NewHistoryStore(HistoryConfig{Path: path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// RunStarted records a run as running. Repeated calls update the row.
func (s *HistoryStore) RunStarted(ctx context.Context, runID string, plan *engine.Plan) error {
	now := s.now().UTC()
	var planID string
	var count int
	if plan != nil {
		planID = plan.ID
		count = len(plan.Actions)
	}

	query := `
		INSERT INTO runs (id, plan_id, status, action_count, started_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			plan_id = excluded.plan_id,
			status = excluded.status,
			action_count = excluded.action_count,
			updated_at = excluded.updated_at
	`
	if _, err := s.db.ExecContext(ctx, query, runID, planID, string(engine.RunStatusRunning), count, now, now, now); err != nil {
		return fmt.Errorf("failed to record run start: %w", err)
	}
	return nil
}

// ActionFinished records the outcome of one action.
func (s *HistoryStore) ActionFinished(ctx context.Context, runID string, result engine.ActionResult) error {
	if err := s.ensureRun(ctx, runID); err != nil {
		return err
	}

	var code, msg string
	if result.Error != nil {
		code = result.Error.Code
		msg = result.Error.Error()
	}

	query := `
		INSERT INTO actions (
			run_id, action_id, kind, resource_type, resource_id, status,
			note, blocked_by, error_code, error, started_at, completed_at, duration_ms
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, action_id) DO UPDATE SET
			status = excluded.status,
			note = excluded.note,
			blocked_by = excluded.blocked_by,
			error_code = excluded.error_code,
			error = excluded.error,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			duration_ms = excluded.duration_ms
	`
	_, err := s.db.ExecContext(ctx, query,
		runID,
		result.ActionID,
		string(result.Kind),
		string(result.Resource.Type),
		result.Resource.ID,
		string(result.Status),
		result.Note,
		result.BlockedBy,
		code,
		msg,
		nullTime(result.StartedAt),
		nullTime(result.CompletedAt),
		result.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("failed to record action result: %w", err)
	}
	return nil
}

// RunFinished records the final outcome of a run.
func (s *HistoryStore) RunFinished(ctx context.Context, result *engine.ApplyResult) error {
	if result == nil {
		return fmt.Errorf("apply result is nil")
	}
	now := s.now().UTC()
	started := result.StartedAt
	if started.IsZero() {
		started = now
	}

	query := `
		INSERT INTO runs (
			id, plan_id, status, dry_run, action_count, succeeded, failed, skipped,
			checkpoint_id, abort_reason, started_at, completed_at, duration_ms, created_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			plan_id = excluded.plan_id,
			status = excluded.status,
			dry_run = excluded.dry_run,
			action_count = MAX(runs.action_count, excluded.action_count),
			succeeded = excluded.succeeded,
			failed = excluded.failed,
			skipped = excluded.skipped,
			checkpoint_id = excluded.checkpoint_id,
			abort_reason = excluded.abort_reason,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			duration_ms = excluded.duration_ms,
			updated_at = excluded.updated_at
	`
	_, err := s.db.ExecContext(ctx, query,
		result.RunID,
		result.PlanID,
		string(result.Status),
		result.DryRun,
		len(result.Results),
		result.Succeeded,
		result.Failed,
		result.Skipped,
		result.CheckpointID,
		result.AbortReason,
		started,
		nullTime(result.CompletedAt),
		result.Duration.Milliseconds(),
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to record run result: %w", err)
	}
	return nil
}

// DriftReported records every item of a drift report against a run.
func (s *HistoryStore) DriftReported(ctx context.Context, runID string, report *engine.DriftReport) error {
	if report.Empty() {
		return nil
	}
	if err := s.ensureRun(ctx, runID); err != nil {
		return err
	}

	detected := report.CurrentScan
	if detected.IsZero() {
		detected = s.now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		INSERT INTO drift_items (
			run_id, item_key, resource_type, resource_id, attribute, change,
			safety, reason, expected, observed, detected_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	for _, item := range report.Items {
		_, err := tx.ExecContext(ctx, query,
			runID,
			item.Key,
			string(item.Resource.Type),
			item.Resource.ID,
			item.Attribute,
			string(item.Change),
			string(item.Safety),
			item.Reason,
			jsonValue(item.Expected),
			jsonValue(item.Observed),
			detected,
		)
		if err != nil {
			return fmt.Errorf("failed to record drift item %s: %w", item.Key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit drift items: %w", err)
	}
	return nil
}

// ensureRun inserts a placeholder row so children can reference the run.
func (s *HistoryStore) ensureRun(ctx context.Context, runID string) error {
	if runID == "" {
		return fmt.Errorf("run id is required")
	}
	now := s.now().UTC()
	query := `
		INSERT INTO runs (id, status, started_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`
	if _, err := s.db.ExecContext(ctx, query, runID, string(engine.RunStatusNotStarted), now, now, now); err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

const runColumns = `id, plan_id, status, dry_run, action_count, succeeded, failed, skipped,
	checkpoint_id, abort_reason, started_at, completed_at, duration_ms, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*RunRecord, error) {
	run := &RunRecord{}
	var durationMS int64
	err := row.Scan(
		&run.ID,
		&run.PlanID,
		&run.Status,
		&run.DryRun,
		&run.ActionCount,
		&run.Succeeded,
		&run.Failed,
		&run.Skipped,
		&run.CheckpointID,
		&run.AbortReason,
		&run.StartedAt,
		&run.CompletedAt,
		&durationMS,
		&run.CreatedAt,
		&run.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	run.Duration = time.Duration(durationMS) * time.Millisecond
	return run, nil
}

// GetRun retrieves a run by ID or unique ID prefix.
func (s *HistoryStore) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = ? OR id LIKE ? ORDER BY id LIMIT 2`

	rows, err := s.db.QueryContext(ctx, query, id, escapeLike(id)+"%")
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	defer rows.Close()

	var found []*RunRecord
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		if run.ID == id {
			return run, nil
		}
		found = append(found, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	switch len(found) {
	case 0:
		return nil, fmt.Errorf("run not found: %s", id)
	case 1:
		return found[0], nil
	default:
		return nil, fmt.Errorf("run id %q is ambiguous", id)
	}
}

// ListRuns lists runs newest first with pagination.
func (s *HistoryStore) ListRuns(ctx context.Context, limit, offset int) ([]*RunRecord, error) {
	query := `SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC, id LIMIT ? OFFSET ?`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*RunRecord{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// ListActions lists the action results of a run in the order they finished.
func (s *HistoryStore) ListActions(ctx context.Context, runID string) ([]*ActionRecord, error) {
	query := `
		SELECT id, run_id, action_id, kind, resource_type, resource_id, status,
			note, blocked_by, error_code, error, started_at, completed_at, duration_ms
		FROM actions
		WHERE run_id = ?
		ORDER BY id
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list actions: %w", err)
	}
	defer rows.Close()

	actions := []*ActionRecord{}
	for rows.Next() {
		a := &ActionRecord{}
		var durationMS int64
		err := rows.Scan(
			&a.ID,
			&a.RunID,
			&a.ActionID,
			&a.Kind,
			&a.ResourceType,
			&a.ResourceID,
			&a.Status,
			&a.Note,
			&a.BlockedBy,
			&a.ErrorCode,
			&a.Error,
			&a.StartedAt,
			&a.CompletedAt,
			&durationMS,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan action: %w", err)
		}
		a.Duration = time.Duration(durationMS) * time.Millisecond
		actions = append(actions, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating actions: %w", err)
	}

	return actions, nil
}

// ListDrift lists the drift items recorded for a run.
func (s *HistoryStore) ListDrift(ctx context.Context, runID string) ([]*DriftRecord, error) {
	query := `
		SELECT id, run_id, item_key, resource_type, resource_id, attribute, change,
			safety, reason, expected, observed, detected_at
		FROM drift_items
		WHERE run_id = ?
		ORDER BY item_key
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list drift items: %w", err)
	}
	defer rows.Close()

	items := []*DriftRecord{}
	for rows.Next() {
		d := &DriftRecord{}
		err := rows.Scan(
			&d.ID,
			&d.RunID,
			&d.Key,
			&d.ResourceType,
			&d.ResourceID,
			&d.Attribute,
			&d.Change,
			&d.Safety,
			&d.Reason,
			&d.Expected,
			&d.Observed,
			&d.DetectedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan drift item: %w", err)
		}
		items = append(items, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating drift items: %w", err)
	}

	return items, nil
}

// DeleteRunsBefore removes runs started before the cutoff together with
// their actions and drift items.
func (s *HistoryStore) DeleteRunsBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete runs: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows, nil
}

// CreateAuditEntry creates a new audit log entry
func (s *HistoryStore) CreateAuditEntry(ctx context.Context, entry *AuditEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now().UTC()
	}

	query := `
		INSERT INTO audit (action, actor, target_id, details, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		entry.Action,
		entry.Actor,
		entry.TargetID,
		entry.Details,
		entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to create audit entry: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get audit entry ID: %w", err)
	}

	entry.ID = id
	return nil
}

// ListAuditEntries lists audit entries newest first, optionally filtered by action.
func (s *HistoryStore) ListAuditEntries(ctx context.Context, action *string, limit, offset int) ([]*AuditEntry, error) {
	query := `
		SELECT id, action, actor, target_id, details, timestamp
		FROM audit
		WHERE (? IS NULL OR action = ?)
		ORDER BY timestamp DESC, id DESC
		LIMIT ? OFFSET ?
	`

	var filter any
	if action != nil {
		filter = *action
	}

	rows, err := s.db.QueryContext(ctx, query, filter, filter, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []*AuditEntry{}
	for rows.Next() {
		entry := &AuditEntry{}
		err := rows.Scan(
			&entry.ID,
			&entry.Action,
			&entry.Actor,
			&entry.TargetID,
			&entry.Details,
			&entry.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}

	return entries, nil
}

// HealthCheck verifies the database connection is healthy
func (s *HistoryStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

// nullTime maps the zero time to NULL.
func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func jsonValue(v any) string {
	if v == nil {
		return ""
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

func escapeLike(s string) string {
	r := strings.NewReplacer("%", "", "_", "")
	return r.Replace(s)
}

package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// SQLiteStore is the SQLite backed Store of runs and ledger entries.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
	now func() time.Time
}

// Config sets the database path and connection pool limits. Zero limits
// take defaults; a MemoryPath database uses a single connection.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore returns an unopened store; call Init and Migrate.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: is a separate database.
	if cfg.Path == MemoryPath {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{
		cfg: cfg,
		now: func() time.Time { return time.Now().UTC() },
	}, nil
}

// OpenLedger creates, initializes and migrates a store in one step.
func OpenLedger(ctx context.Context, path string) (*SQLiteStore, error) {
	store, err := NewSQLiteStore(Config{Path: path})
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

// Init opens the database connection and applies connection pragmas.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.cfg.Path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	if s.cfg.Path != MemoryPath {
		dsn += "&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	}

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

func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
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

const (
	runColumns   = "id, action, environment, manifests, status, started_at, completed_at, error"
	entryColumns = "id, run_id, name, kind, version, environment, checksum, action, recorded_at"
)

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scanner) (*Run, error) {
	r := &Run{}
	err := row.Scan(&r.ID, &r.Action, &r.Environment, &r.Manifests, &r.Status, &r.StartedAt, &r.CompletedAt, &r.Error)
	return r, err
}

func scanEntry(row scanner) (*LedgerEntry, error) {
	e := &LedgerEntry{}
	err := row.Scan(&e.ID, &e.RunID, &e.Name, &e.Kind, &e.Version, &e.Environment, &e.Checksum, &e.Action, &e.RecordedAt)
	return e, err
}

// queryAll runs query and scans every row with scan. what names the rows in
// error messages.
func queryAll[T any](ctx context.Context, db *sql.DB, what string, scan func(scanner) (T, error), query string, args ...interface{}) ([]T, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", what, err)
	}
	defer rows.Close()

	out := []T{}
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", what, err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", what, err)
	}
	return out, nil
}

// CreateRun inserts run. Empty ID, StartedAt and Status default to a UUID,
// the current time and running.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *Run) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = s.now()
	}
	if run.Status == "" {
		run.Status = RunStatusRunning
	}

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO runs ("+runColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		run.ID, run.Action, run.Environment, run.Manifests, run.Status, run.StartedAt, run.CompletedAt, run.Error)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, "SELECT "+runColumns+" FROM runs WHERE id = ?", id))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	case err != nil:
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// FinishRun stores the final status and error of a run and stamps its
// completion time.
func (s *SQLiteStore) FinishRun(ctx context.Context, id string, status RunStatus, errMsg *string) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE runs SET status = ?, error = ?, completed_at = ? WHERE id = ?",
		status, errMsg, s.now(), id)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListRuns lists runs, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*Run, error) {
	return queryAll(ctx, s.db, "runs", scanRun,
		"SELECT "+runColumns+" FROM runs ORDER BY started_at DESC LIMIT ? OFFSET ?", limit, offset)
}

// RecordEntry appends a ledger entry. Entries are never updated; the newest
// entry for a name and environment is the current state.
func (s *SQLiteStore) RecordEntry(ctx context.Context, entry *LedgerEntry) error {
	if entry.Action != LedgerActionApply && entry.Action != LedgerActionDelete {
		return fmt.Errorf("invalid ledger action %q", entry.Action)
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.RecordedAt.IsZero() {
		entry.RecordedAt = s.now()
	}

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO ledger_entries ("+entryColumns+", seq) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, "+
			"(SELECT COALESCE(MAX(seq), 0) + 1 FROM ledger_entries))",
		entry.ID, entry.RunID, entry.Name, entry.Kind, entry.Version,
		entry.Environment, entry.Checksum, entry.Action, entry.RecordedAt)
	if err != nil {
		return fmt.Errorf("failed to record ledger entry: %w", err)
	}
	return nil
}

// LatestEntry returns the newest entry for a manifest in an environment.
func (s *SQLiteStore) LatestEntry(ctx context.Context, name, environment string) (*LedgerEntry, error) {
	entry, err := scanEntry(s.db.QueryRowContext(ctx,
		"SELECT "+entryColumns+" FROM ledger_entries WHERE name = ? AND environment = ? ORDER BY seq DESC LIMIT 1",
		name, environment))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("ledger entry %s/%s: %w", name, environment, ErrNotFound)
	case err != nil:
		return nil, fmt.Errorf("failed to get ledger entry: %w", err)
	}
	return entry, nil
}

// ListEntries lists ledger entries, newest first. A nil name lists all.
func (s *SQLiteStore) ListEntries(ctx context.Context, name *string, limit, offset int) ([]*LedgerEntry, error) {
	return queryAll(ctx, s.db, "ledger entries", scanEntry,
		"SELECT "+entryColumns+" FROM ledger_entries WHERE (? IS NULL OR name = ?) ORDER BY seq DESC LIMIT ? OFFSET ?",
		name, name, limit, offset)
}

// PruneEntries keeps the newest keep entries for a manifest in an
// environment and deletes the rest. It returns the number deleted.
func (s *SQLiteStore) PruneEntries(ctx context.Context, name, environment string, keep int) (int64, error) {
	if keep < 1 {
		return 0, fmt.Errorf("keep must be at least 1, got %d", keep)
	}

	result, err := s.db.ExecContext(ctx, `
		DELETE FROM ledger_entries
		WHERE name = ? AND environment = ?
		  AND seq NOT IN (
			SELECT seq FROM ledger_entries
			WHERE name = ? AND environment = ?
			ORDER BY seq DESC
			LIMIT ?
		  )`, name, environment, name, environment, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune ledger entries: %w", err)
	}
	return result.RowsAffected()
}

// HealthCheck pings the database.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

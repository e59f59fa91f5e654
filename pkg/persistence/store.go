// Package persistence provides SQLite-backed storage for runs, evaluation
// reports, chaos events, replay bundles, and circuit-breaker state.
package persistence

import (
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite" // SQLite driver

	"metabuilder/pkg/logx"
)

// CurrentSchemaVersion defines the schema version for migration support.
const CurrentSchemaVersion = 1

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Store owns the database connection. Construct with Open; no package-level
// singleton.
type Store struct {
	db     *sql.DB
	logger *logx.Logger
}

// Open opens (creating if needed) the SQLite database at path with WAL mode
// and foreign keys enabled, and brings the schema up to date.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_foreign_keys=ON&_journal_mode=WAL&_busy_timeout=5000", path,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := initializeSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	// SQLite supports a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, logger: logx.NewLogger("persistence")}
	store.logger.Info("database initialized: %s", path)
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

func initializeSchema(db *sql.DB) error {
	current, err := schemaVersion(db)
	if err != nil {
		return err
	}
	if current == CurrentSchemaVersion {
		return nil
	}
	if current > CurrentSchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", current, CurrentSchemaVersion)
	}
	return createSchema(db)
}

func schemaVersion(db *sql.DB) (int, error) {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY
	)`); err != nil {
		return 0, fmt.Errorf("failed to ensure schema_version table: %w", err)
	}

	var version int
	err := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}

func createSchema(db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			spec_id TEXT NOT NULL,
			plan_id TEXT,
			status TEXT NOT NULL,
			iteration INTEGER NOT NULL DEFAULT 0,
			max_iterations INTEGER NOT NULL,
			hardened INTEGER NOT NULL DEFAULT 0,
			error_code TEXT,
			error_message TEXT,
			created_at TIMESTAMP NOT NULL,
			started_at TIMESTAMP,
			completed_at TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_tenant ON runs(tenant_id)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
		`CREATE TABLE IF NOT EXISTS evaluation_reports (
			run_id TEXT NOT NULL,
			iteration INTEGER NOT NULL,
			overall_score REAL NOT NULL,
			passed INTEGER NOT NULL,
			tasks_count INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL,
			report TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			PRIMARY KEY (run_id, iteration),
			FOREIGN KEY (run_id) REFERENCES runs(id)
		)`,
		`CREATE TABLE IF NOT EXISTS chaos_events (
			event_id TEXT PRIMARY KEY,
			chaos_type TEXT NOT NULL,
			run_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			injected_at TIMESTAMP NOT NULL,
			resolved_at TIMESTAMP,
			duration_seconds REAL,
			recovery_successful INTEGER,
			metadata TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chaos_run ON chaos_events(run_id)`,
		`CREATE TABLE IF NOT EXISTS replay_bundles (
			bundle_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL UNIQUE,
			frozen INTEGER NOT NULL DEFAULT 0,
			final_state TEXT,
			bundle TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS circuit_breakers (
			failure_class TEXT NOT NULL,
			tenant_id TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL,
			failure_count INTEGER NOT NULL,
			opened_at TIMESTAMP,
			updated_at TIMESTAMP NOT NULL,
			PRIMARY KEY (failure_class, tenant_id)
		)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			iteration INTEGER NOT NULL,
			score REAL NOT NULL,
			passed INTEGER NOT NULL,
			tasks_count INTEGER NOT NULL,
			at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_run ON audit_events(run_id)`,
		`CREATE TABLE IF NOT EXISTS step_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			step_id TEXT,
			iteration INTEGER NOT NULL,
			detail TEXT,
			at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_step_run ON step_events(run_id)`,
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin schema transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range statements {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	if _, err := tx.Exec(`INSERT INTO schema_version (version) VALUES (?)`, CurrentSchemaVersion); err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit schema: %w", err)
	}
	return nil
}

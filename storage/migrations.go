package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
)

// Migration is one forward-only schema change
type Migration struct {
	Version int
	Name    string
	Up      func(*sql.Tx) error
}

// MigrationRunner applies migrations not yet recorded in schema_migrations
type MigrationRunner struct {
	db     *sql.DB
	logger *zap.SugaredLogger
}

// NewMigrationRunner creates a runner over db
func NewMigrationRunner(db *sql.DB, logger *zap.SugaredLogger) *MigrationRunner {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &MigrationRunner{db: db, logger: logger}
}

func (r *MigrationRunner) ensureMigrationsTable(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TEXT NOT NULL,
		duration_ms INTEGER NOT NULL DEFAULT 0
	)`)
	return err
}

// AppliedVersions returns the recorded migration versions in ascending order
func (r *MigrationRunner) AppliedVersions(ctx context.Context) ([]int, error) {
	if err := r.ensureMigrationsTable(ctx); err != nil {
		return nil, fmt.Errorf("failed to create migrations table: %w", err)
	}
	rows, err := r.db.QueryContext(ctx, `SELECT version FROM schema_migrations ORDER BY version ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan migration record: %w", err)
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// Apply runs every pending migration in version order, each in its own transaction
func (r *MigrationRunner) Apply(ctx context.Context, migrations []Migration) error {
	applied, err := r.AppliedVersions(ctx)
	if err != nil {
		return err
	}
	done := make(map[int]bool, len(applied))
	for _, v := range applied {
		done[v] = true
	}

	pending := make([]Migration, 0, len(migrations))
	for _, m := range migrations {
		if !done[m.Version] {
			pending = append(pending, m)
		}
	}
	if len(pending) == 0 {
		r.logger.Debug("No pending migrations")
		return nil
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].Version < pending[j].Version })

	for _, m := range pending {
		if err := r.run(ctx, m); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", m.Version, m.Name, err)
		}
	}
	return nil
}

func (r *MigrationRunner) run(ctx context.Context, m Migration) (err error) {
	start := time.Now()
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			err = fmt.Errorf("migration panicked: %v", p)
		}
	}()

	if err := m.Up(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	duration := time.Since(start).Milliseconds()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, name, applied_at, duration_ms) VALUES (?, ?, ?, ?)`,
		m.Version, m.Name, formatTime(time.Now()), duration); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to record migration: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}
	r.logger.Infof("Migration %d (%s) completed in %dms", m.Version, m.Name, duration)
	return nil
}

func execAll(tx *sql.Tx, statements ...string) error {
	for _, stmt := range statements {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func schemaMigrations() []Migration {
	return []Migration{
		{
			Version: 1,
			Name:    "create_playbooks",
			Up: func(tx *sql.Tx) error {
				return execAll(tx, `
				CREATE TABLE IF NOT EXISTS playbooks (
					id TEXT PRIMARY KEY,
					name TEXT NOT NULL UNIQUE,
					description TEXT,
					status TEXT NOT NULL,
					is_enabled INTEGER NOT NULL DEFAULT 0,
					trigger_type TEXT,
					category TEXT,
					version INTEGER NOT NULL DEFAULT 1,
					definition TEXT NOT NULL,
					created_by TEXT,
					created_at TEXT NOT NULL,
					updated_at TEXT NOT NULL
				)`,
					`CREATE INDEX IF NOT EXISTS idx_playbooks_status ON playbooks(status)`,
					`CREATE INDEX IF NOT EXISTS idx_playbooks_enabled ON playbooks(is_enabled)`)
			},
		},
		{
			Version: 2,
			Name:    "create_playbook_executions",
			Up: func(tx *sql.Tx) error {
				return execAll(tx, `
				CREATE TABLE IF NOT EXISTS playbook_executions (
					id TEXT PRIMARY KEY,
					playbook_id TEXT NOT NULL,
					incident_id TEXT,
					status TEXT NOT NULL,
					current_step INTEGER NOT NULL DEFAULT 0,
					total_steps INTEGER NOT NULL DEFAULT 0,
					started_at TEXT,
					completed_at TEXT,
					input_data TEXT,
					output_data TEXT,
					step_results TEXT,
					error_message TEXT,
					error_step INTEGER,
					triggered_by TEXT,
					trigger_source TEXT,
					attempt INTEGER NOT NULL DEFAULT 1,
					parent_execution_id TEXT,
					created_at TEXT NOT NULL
				)`,
					`CREATE INDEX IF NOT EXISTS idx_executions_playbook ON playbook_executions(playbook_id)`,
					`CREATE INDEX IF NOT EXISTS idx_executions_status ON playbook_executions(status)`,
					`CREATE INDEX IF NOT EXISTS idx_executions_created ON playbook_executions(created_at)`)
			},
		},
	}
}

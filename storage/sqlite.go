package storage

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// SQLite holds separate write and read pools over one database file.
// WAL mode allows concurrent readers next to the single writer.
type SQLite struct {
	WriteDB *sql.DB
	ReadDB  *sql.DB
	Path    string
	Logger  *zap.SugaredLogger
}

// dsn builds a modernc DSN whose pragmas apply to every pooled connection.
// Each in-memory database gets a unique name so instances never share data.
func dsn(dbPath string, readOnly bool) string {
	pragmas := []string{"busy_timeout(5000)", "foreign_keys(1)"}
	var base string
	if dbPath == ":memory:" {
		base = "file:aegis-" + uuid.NewString() + "?mode=memory"
	} else {
		base = "file:" + filepath.ToSlash(dbPath) + "?"
		pragmas = append(pragmas, "journal_mode(WAL)", "synchronous(NORMAL)")
	}
	if readOnly {
		pragmas = append(pragmas, "query_only(1)")
	}
	q := make([]string, 0, len(pragmas))
	for _, p := range pragmas {
		q = append(q, "_pragma="+url.QueryEscape(p))
	}
	sep := "&"
	if strings.HasSuffix(base, "?") {
		sep = ""
	}
	return base + sep + strings.Join(q, "&")
}

// NewSQLite opens (creating if needed) the database at dbPath and applies
// pending migrations. ":memory:" opens a private in-memory database.
func NewSQLite(dbPath string, logger *zap.SugaredLogger) (*SQLite, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if err := validateDatabasePath(dbPath); err != nil {
		return nil, fmt.Errorf("invalid database path: %w", err)
	}
	if dbPath != ":memory:" {
		if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}

	writeDSN := dsn(dbPath, false)
	writeDB, err := sql.Open("sqlite", writeDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite write database: %w", err)
	}
	// Single writer; the connection never expires so an in-memory database
	// survives idle periods.
	writeDB.SetMaxOpenConns(1)
	writeDB.SetMaxIdleConns(1)
	writeDB.SetConnMaxLifetime(0)
	if err := writeDB.Ping(); err != nil {
		_ = writeDB.Close()
		return nil, fmt.Errorf("failed to ping SQLite database: %w", err)
	}

	// An in-memory database lives on the single write connection, so reads
	// share that pool.
	readDB := writeDB
	if dbPath != ":memory:" {
		readDB, err = sql.Open("sqlite", dsn(dbPath, true))
		if err != nil {
			_ = writeDB.Close()
			return nil, fmt.Errorf("failed to open SQLite read database: %w", err)
		}
		readDB.SetMaxOpenConns(10)
		readDB.SetMaxIdleConns(5)
		readDB.SetConnMaxIdleTime(10 * time.Minute)
	}

	s := &SQLite{WriteDB: writeDB, ReadDB: readDB, Path: dbPath, Logger: logger}
	if err := NewMigrationRunner(writeDB, logger).Apply(context.Background(), schemaMigrations()); err != nil {
		_ = s.Close()
		return nil, err
	}
	logger.Infow("SQLite storage ready", "path", dbPath)
	return s, nil
}

// WithTransaction runs fn in a write transaction, rolling back on error or panic
func (s *SQLite) WithTransaction(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.WriteDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("failed to rollback transaction (original error: %w, rollback error: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// HealthCheck verifies both pools are reachable
func (s *SQLite) HealthCheck(ctx context.Context) error {
	if err := s.WriteDB.PingContext(ctx); err != nil {
		return fmt.Errorf("write pool: %w", err)
	}
	if err := s.ReadDB.PingContext(ctx); err != nil {
		return fmt.Errorf("read pool: %w", err)
	}
	return nil
}

// Close closes the read pool, then the write pool
func (s *SQLite) Close() error {
	var readErr, writeErr error
	if s.ReadDB != nil && s.ReadDB != s.WriteDB {
		readErr = s.ReadDB.Close()
	}
	if s.WriteDB != nil {
		writeErr = s.WriteDB.Close()
	}
	if writeErr != nil {
		return fmt.Errorf("failed to close write pool: %w", writeErr)
	}
	if readErr != nil {
		return fmt.Errorf("failed to close read pool: %w", readErr)
	}
	return nil
}

// validateDatabasePath rejects traversal and control characters.
// Absolute paths are accepted: the path comes from operator configuration.
func validateDatabasePath(dbPath string) error {
	switch {
	case dbPath == "":
		return fmt.Errorf("database path cannot be empty")
	case dbPath == ":memory:":
		return nil
	case len(dbPath) > 512:
		return fmt.Errorf("database path exceeds maximum length of 512 characters")
	case strings.Contains(dbPath, "\x00"):
		return fmt.Errorf("null bytes not allowed in path")
	case strings.ContainsAny(dbPath, "?#"):
		return fmt.Errorf("query characters not allowed in path: %s", dbPath)
	}
	for _, part := range strings.Split(filepath.ToSlash(dbPath), "/") {
		if part == ".." {
			return fmt.Errorf("path traversal not allowed (..): %s", dbPath)
		}
	}
	return nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func formatTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

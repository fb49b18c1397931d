package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"aegis/soar"

	"go.uber.org/zap"
)

// SQLitePlaybookStorage persists playbook definitions in SQLite.
// The whole playbook is stored as JSON in the definition column; the
// columns next to it exist for filtering and uniqueness.
type SQLitePlaybookStorage struct {
	db     *SQLite
	logger *zap.SugaredLogger
}

var _ PlaybookStorage = (*SQLitePlaybookStorage)(nil)

// NewSQLitePlaybookStorage creates a playbook store over db
func NewSQLitePlaybookStorage(db *SQLite, logger *zap.SugaredLogger) *SQLitePlaybookStorage {
	if logger == nil {
		logger = db.Logger
	}
	return &SQLitePlaybookStorage{db: db, logger: logger}
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// CreatePlaybook inserts a new playbook, filling defaults and timestamps
func (s *SQLitePlaybookStorage) CreatePlaybook(ctx context.Context, pb *soar.Playbook) error {
	if pb.ID == "" {
		return errors.New("playbook ID cannot be empty")
	}
	pb.ApplyDefaults()
	now := time.Now().UTC()
	pb.CreatedAt = now
	pb.UpdatedAt = now

	definition, err := json.Marshal(pb)
	if err != nil {
		return fmt.Errorf("failed to marshal playbook: %w", err)
	}

	return s.db.WithTransaction(ctx, func(tx *sql.Tx) error {
		var count int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM playbooks WHERE name = ? AND id != ?`, pb.Name, pb.ID).Scan(&count); err != nil {
			return fmt.Errorf("failed to check name uniqueness: %w", err)
		}
		if count > 0 {
			return ErrPlaybookNameExists
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO playbooks (id, name, description, status, is_enabled, trigger_type, category, version, definition, created_by, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			pb.ID, pb.Name, nullIfEmpty(pb.Description), string(pb.Status), pb.IsEnabled,
			string(pb.TriggerType), nullIfEmpty(pb.Category), pb.Version, string(definition),
			nullIfEmpty(pb.CreatedBy), formatTime(pb.CreatedAt), formatTime(pb.UpdatedAt))
		if isUniqueViolation(err) {
			return ErrPlaybookExists
		}
		if err != nil {
			return fmt.Errorf("failed to insert playbook: %w", err)
		}
		s.logger.Infof("Created playbook %s (%s)", pb.Name, pb.ID)
		return nil
	})
}

const playbookColumns = `definition, version, created_at, updated_at`

func scanPlaybook(row interface{ Scan(...interface{}) error }) (*soar.Playbook, error) {
	var definition, createdAt, updatedAt string
	var version int
	if err := row.Scan(&definition, &version, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	var pb soar.Playbook
	if err := json.Unmarshal([]byte(definition), &pb); err != nil {
		return nil, fmt.Errorf("failed to parse playbook definition: %w", err)
	}
	pb.Version = version
	pb.CreatedAt = parseTime(createdAt)
	pb.UpdatedAt = parseTime(updatedAt)
	return &pb, nil
}

// GetPlaybook loads a playbook by id
func (s *SQLitePlaybookStorage) GetPlaybook(ctx context.Context, id string) (*soar.Playbook, error) {
	if id == "" {
		return nil, errors.New("playbook ID cannot be empty")
	}
	pb, err := scanPlaybook(s.db.ReadDB.QueryRowContext(ctx,
		`SELECT `+playbookColumns+` FROM playbooks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPlaybookNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get playbook %s: %w", id, err)
	}
	return pb, nil
}

// UpdatePlaybook replaces a stored definition and bumps its version
func (s *SQLitePlaybookStorage) UpdatePlaybook(ctx context.Context, pb *soar.Playbook) error {
	if pb.ID == "" {
		return errors.New("playbook ID cannot be empty")
	}

	return s.db.WithTransaction(ctx, func(tx *sql.Tx) error {
		var version int
		var createdAt string
		err := tx.QueryRowContext(ctx, `SELECT version, created_at FROM playbooks WHERE id = ?`, pb.ID).Scan(&version, &createdAt)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrPlaybookNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to load playbook: %w", err)
		}

		var count int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM playbooks WHERE name = ? AND id != ?`, pb.Name, pb.ID).Scan(&count); err != nil {
			return fmt.Errorf("failed to check name uniqueness: %w", err)
		}
		if count > 0 {
			return ErrPlaybookNameExists
		}

		pb.ApplyDefaults()
		pb.Version = version + 1
		pb.CreatedAt = parseTime(createdAt)
		pb.UpdatedAt = time.Now().UTC()
		definition, err := json.Marshal(pb)
		if err != nil {
			return fmt.Errorf("failed to marshal playbook: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE playbooks SET name = ?, description = ?, status = ?, is_enabled = ?, trigger_type = ?,
				category = ?, version = ?, definition = ?, updated_at = ?
			WHERE id = ?`,
			pb.Name, nullIfEmpty(pb.Description), string(pb.Status), pb.IsEnabled, string(pb.TriggerType),
			nullIfEmpty(pb.Category), pb.Version, string(definition), formatTime(pb.UpdatedAt), pb.ID)
		if err != nil {
			return fmt.Errorf("failed to update playbook: %w", err)
		}
		s.logger.Infof("Updated playbook %s to version %d", pb.ID, pb.Version)
		return nil
	})
}

// DeletePlaybook removes a playbook. Execution records are kept.
func (s *SQLitePlaybookStorage) DeletePlaybook(ctx context.Context, id string) error {
	res, err := s.db.WriteDB.ExecContext(ctx, `DELETE FROM playbooks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete playbook: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return ErrPlaybookNotFound
	}
	s.logger.Infof("Deleted playbook %s", id)
	return nil
}

// ListPlaybooks returns playbooks ordered by name
func (s *SQLitePlaybookStorage) ListPlaybooks(ctx context.Context, filter PlaybookFilter) ([]*soar.Playbook, error) {
	var where []string
	var args []interface{}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.EnabledOnly {
		where = append(where, "is_enabled = 1")
	}

	query := `SELECT ` + playbookColumns + ` FROM playbooks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY name ASC"
	if filter.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := s.db.ReadDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list playbooks: %w", err)
	}
	defer rows.Close()

	playbooks := make([]*soar.Playbook, 0)
	for rows.Next() {
		pb, err := scanPlaybook(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan playbook: %w", err)
		}
		playbooks = append(playbooks, pb)
	}
	return playbooks, rows.Err()
}

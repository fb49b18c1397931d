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

// SQLiteExecutionStorage persists execution records and supports recovery
// of runs interrupted by a restart
type SQLiteExecutionStorage struct {
	db     *SQLite
	logger *zap.SugaredLogger
}

var _ ExecutionStorage = (*SQLiteExecutionStorage)(nil)

// ExecutionStats aggregates execution counts
type ExecutionStats struct {
	Total         int64                          `json:"total"`
	ByStatus      map[soar.ExecutionStatus]int64 `json:"by_status"`
	AvgDurationMs float64                        `json:"avg_duration_ms"`
}

// NewSQLiteExecutionStorage creates an execution store over db
func NewSQLiteExecutionStorage(db *SQLite, logger *zap.SugaredLogger) *SQLiteExecutionStorage {
	if logger == nil {
		logger = db.Logger
	}
	return &SQLiteExecutionStorage{db: db, logger: logger}
}

func marshalJSON(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

type executionRow struct {
	input, output, results string
	errorStep              interface{}
}

func encodeExecution(exec *soar.Execution) (*executionRow, error) {
	row := &executionRow{input: "{}", output: "{}", results: "[]"}
	if exec.InputData != nil {
		b, err := json.Marshal(exec.InputData)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal input data: %w", err)
		}
		row.input = string(b)
	}
	if exec.OutputData != nil {
		b, err := json.Marshal(exec.OutputData)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal output data: %w", err)
		}
		row.output = string(b)
	}
	if exec.StepResults != nil {
		b, err := json.Marshal(exec.StepResults)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal step results: %w", err)
		}
		row.results = string(b)
	}
	if exec.ErrorStep != nil {
		row.errorStep = *exec.ErrorStep
	}
	return row, nil
}

// CreateExecution inserts a new execution record
func (s *SQLiteExecutionStorage) CreateExecution(ctx context.Context, exec *soar.Execution) error {
	if exec.ID == "" {
		return errors.New("execution ID cannot be empty")
	}
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = time.Now().UTC()
	}
	row, err := encodeExecution(exec)
	if err != nil {
		return err
	}

	_, err = s.db.WriteDB.ExecContext(ctx, `
		INSERT INTO playbook_executions (id, playbook_id, incident_id, status, current_step, total_steps,
			started_at, completed_at, input_data, output_data, step_results, error_message, error_step,
			triggered_by, trigger_source, attempt, parent_execution_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.PlaybookID, nullIfEmpty(exec.IncidentID), string(exec.Status), exec.CurrentStep, exec.TotalSteps,
		formatTimePtr(exec.StartedAt), formatTimePtr(exec.CompletedAt), row.input, row.output, row.results,
		nullIfEmpty(exec.ErrorMessage), row.errorStep, nullIfEmpty(exec.TriggeredBy), nullIfEmpty(exec.TriggerSource),
		exec.Attempt, nullIfEmpty(exec.ParentExecutionID), formatTime(exec.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to create execution record: %w", err)
	}
	s.logger.Debugw("Created execution record",
		"execution_id", exec.ID,
		"playbook_id", exec.PlaybookID)
	return nil
}

// SaveExecution writes back the mutable state of an execution
func (s *SQLiteExecutionStorage) SaveExecution(ctx context.Context, exec *soar.Execution) error {
	row, err := encodeExecution(exec)
	if err != nil {
		return err
	}
	res, err := s.db.WriteDB.ExecContext(ctx, `
		UPDATE playbook_executions SET status = ?, current_step = ?, total_steps = ?, started_at = ?,
			completed_at = ?, output_data = ?, step_results = ?, error_message = ?, error_step = ?
		WHERE id = ?`,
		string(exec.Status), exec.CurrentStep, exec.TotalSteps, formatTimePtr(exec.StartedAt),
		formatTimePtr(exec.CompletedAt), row.output, row.results, nullIfEmpty(exec.ErrorMessage), row.errorStep,
		exec.ID)
	if err != nil {
		return fmt.Errorf("failed to save execution: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return ErrExecutionNotFound
	}
	return nil
}

// ClaimExecution atomically moves a PENDING record to RUNNING so that only one
// worker starts it
func (s *SQLiteExecutionStorage) ClaimExecution(ctx context.Context, id string) error {
	return s.transitionPending(ctx, id, `UPDATE playbook_executions SET status = ? WHERE id = ? AND status = ?`,
		string(soar.ExecutionStatusRunning), id, string(soar.ExecutionStatusPending))
}

// CancelPendingExecution marks a record that never started as CANCELLED
func (s *SQLiteExecutionStorage) CancelPendingExecution(ctx context.Context, id string) error {
	return s.transitionPending(ctx, id,
		`UPDATE playbook_executions SET status = ?, completed_at = ? WHERE id = ? AND status = ?`,
		string(soar.ExecutionStatusCancelled), formatTime(time.Now()), id, string(soar.ExecutionStatusPending))
}

func (s *SQLiteExecutionStorage) transitionPending(ctx context.Context, id, query string, args ...interface{}) error {
	res, err := s.db.WriteDB.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update execution %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}
	if _, err := s.GetExecution(ctx, id); err != nil {
		return err
	}
	return ErrExecutionNotClaimable
}

const executionColumns = `id, playbook_id, incident_id, status, current_step, total_steps, started_at, completed_at,
	input_data, output_data, step_results, error_message, error_step, triggered_by, trigger_source,
	attempt, parent_execution_id, created_at`

func scanExecution(row interface{ Scan(...interface{}) error }) (*soar.Execution, error) {
	var exec soar.Execution
	var status, createdAt string
	var incidentID, startedAt, completedAt, input, output, results, errMsg, triggeredBy, triggerSource, parentID sql.NullString
	var errorStep sql.NullInt64

	if err := row.Scan(&exec.ID, &exec.PlaybookID, &incidentID, &status, &exec.CurrentStep, &exec.TotalSteps,
		&startedAt, &completedAt, &input, &output, &results, &errMsg, &errorStep, &triggeredBy, &triggerSource,
		&exec.Attempt, &parentID, &createdAt); err != nil {
		return nil, err
	}

	exec.Status = soar.ExecutionStatus(status)
	exec.IncidentID = incidentID.String
	exec.StartedAt = parseTimePtr(startedAt)
	exec.CompletedAt = parseTimePtr(completedAt)
	exec.ErrorMessage = errMsg.String
	exec.TriggeredBy = triggeredBy.String
	exec.TriggerSource = triggerSource.String
	exec.ParentExecutionID = parentID.String
	exec.CreatedAt = parseTime(createdAt)
	if errorStep.Valid {
		step := int(errorStep.Int64)
		exec.ErrorStep = &step
	}

	if input.Valid && input.String != "" {
		if err := json.Unmarshal([]byte(input.String), &exec.InputData); err != nil {
			return nil, fmt.Errorf("failed to parse input data: %w", err)
		}
	}
	if output.Valid && output.String != "" {
		if err := json.Unmarshal([]byte(output.String), &exec.OutputData); err != nil {
			return nil, fmt.Errorf("failed to parse output data: %w", err)
		}
	}
	exec.StepResults = []soar.StepResult{}
	if results.Valid && results.String != "" {
		if err := json.Unmarshal([]byte(results.String), &exec.StepResults); err != nil {
			return nil, fmt.Errorf("failed to parse step results: %w", err)
		}
	}
	return &exec, nil
}

// GetExecution loads an execution by id
func (s *SQLiteExecutionStorage) GetExecution(ctx context.Context, id string) (*soar.Execution, error) {
	exec, err := scanExecution(s.db.ReadDB.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM playbook_executions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrExecutionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution %s: %w", id, err)
	}
	return exec, nil
}

func (s *SQLiteExecutionStorage) queryExecutions(ctx context.Context, query string, args ...interface{}) ([]*soar.Execution, error) {
	rows, err := s.db.ReadDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}
	defer rows.Close()

	executions := make([]*soar.Execution, 0)
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		executions = append(executions, exec)
	}
	return executions, rows.Err()
}

// ListExecutions returns matching executions, newest first, and the total
// number of matches ignoring pagination
func (s *SQLiteExecutionStorage) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*soar.Execution, int64, error) {
	var where []string
	var args []interface{}
	if filter.PlaybookID != "" {
		where = append(where, "playbook_id = ?")
		args = append(args, filter.PlaybookID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	whereClause := ""
	if len(where) > 0 {
		whereClause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int64
	if err := s.db.ReadDB.QueryRowContext(ctx, `SELECT COUNT(*) FROM playbook_executions`+whereClause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count executions: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + executionColumns + ` FROM playbook_executions` + whereClause +
		` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	executions, err := s.queryExecutions(ctx, query, append(args, limit, filter.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	return executions, total, nil
}

// GetPendingExecutions returns the oldest PENDING records, up to limit
func (s *SQLiteExecutionStorage) GetPendingExecutions(ctx context.Context, limit int) ([]*soar.Execution, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryExecutions(ctx,
		`SELECT `+executionColumns+` FROM playbook_executions WHERE status = ? ORDER BY created_at ASC LIMIT ?`,
		string(soar.ExecutionStatusPending), limit)
}

// GetRunningExecutions returns records left RUNNING, which after a restart
// means the process died mid-run
func (s *SQLiteExecutionStorage) GetRunningExecutions(ctx context.Context) ([]*soar.Execution, error) {
	return s.queryExecutions(ctx,
		`SELECT `+executionColumns+` FROM playbook_executions WHERE status = ? ORDER BY created_at ASC`,
		string(soar.ExecutionStatusRunning))
}

// GetExecutionStats aggregates counts per status, optionally for one playbook
func (s *SQLiteExecutionStorage) GetExecutionStats(ctx context.Context, playbookID string) (*ExecutionStats, error) {
	stats := &ExecutionStats{ByStatus: make(map[soar.ExecutionStatus]int64)}

	where, args := "", []interface{}{}
	if playbookID != "" {
		where = " WHERE playbook_id = ?"
		args = append(args, playbookID)
	}

	rows, err := s.db.ReadDB.QueryContext(ctx, `SELECT status, COUNT(*) FROM playbook_executions`+where+` GROUP BY status`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query execution stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan execution stats: %w", err)
		}
		stats.ByStatus[soar.ExecutionStatus(status)] = count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Duration is computed in Go since timestamps are stored as text
	finished, err := s.queryExecutions(ctx,
		`SELECT `+executionColumns+` FROM playbook_executions`+andWhere(where, "completed_at IS NOT NULL AND started_at IS NOT NULL"), args...)
	if err != nil {
		return nil, err
	}
	if len(finished) > 0 {
		var totalMs int64
		for _, e := range finished {
			totalMs += e.Duration().Milliseconds()
		}
		stats.AvgDurationMs = float64(totalMs) / float64(len(finished))
	}
	return stats, nil
}

func andWhere(where, cond string) string {
	if where == "" {
		return " WHERE " + cond
	}
	return where + " AND " + cond
}

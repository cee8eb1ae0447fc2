package store

import (
	"database/sql"
	"time"

	"github.com/loomworks/loom/errors"
)

// ExecutionStatus is the lifecycle of one scheduled-task run.
type ExecutionStatus string

const (
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	// ExecutionStatusSkipped records a run this instance did not get
	// the distributed lease for.
	ExecutionStatusSkipped ExecutionStatus = "skipped"
)

// Execution is one scheduled-task run.
type Execution struct {
	ID           string          `json:"id"`
	TaskName     string          `json:"taskName"`
	InstanceID   string          `json:"instanceId"`
	Status       ExecutionStatus `json:"status"`
	StartedAt    time.Time       `json:"startedAt"`
	CompletedAt  *time.Time      `json:"completedAt,omitempty"`
	DurationMs   *int64          `json:"durationMs,omitempty"`
	ErrorMessage *string         `json:"errorMessage,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// ExecutionStore handles persistence of scheduled-task execution history
type ExecutionStore struct {
	db *sql.DB
}

// NewExecutionStore creates a new execution store
func NewExecutionStore(db *sql.DB) *ExecutionStore {
	return &ExecutionStore{db: db}
}

// CreateExecution creates a new execution record
func (s *ExecutionStore) CreateExecution(exec *Execution) error {
	query := `
		INSERT INTO loom_executions (
			id, task_name, instance_id, status,
			started_at, completed_at, duration_ms, error_message,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	var completedAt, durationMs, errorMessage interface{}
	if exec.CompletedAt != nil {
		completedAt = *exec.CompletedAt
	}
	if exec.DurationMs != nil {
		durationMs = *exec.DurationMs
	}
	if exec.ErrorMessage != nil {
		errorMessage = *exec.ErrorMessage
	}

	_, err := s.db.Exec(query,
		exec.ID,
		exec.TaskName,
		exec.InstanceID,
		exec.Status,
		exec.StartedAt,
		completedAt,
		durationMs,
		errorMessage,
		exec.CreatedAt,
		exec.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "failed to create execution")
	}
	return nil
}

// UpdateExecution updates an existing execution record
func (s *ExecutionStore) UpdateExecution(exec *Execution) error {
	query := `
		UPDATE loom_executions
		SET status = ?,
		    completed_at = ?,
		    duration_ms = ?,
		    error_message = ?,
		    updated_at = ?
		WHERE id = ?
	`

	var completedAt, durationMs, errorMessage interface{}
	if exec.CompletedAt != nil {
		completedAt = *exec.CompletedAt
	}
	if exec.DurationMs != nil {
		durationMs = *exec.DurationMs
	}
	if exec.ErrorMessage != nil {
		errorMessage = *exec.ErrorMessage
	}

	result, err := s.db.Exec(query,
		exec.Status,
		completedAt,
		durationMs,
		errorMessage,
		exec.UpdatedAt,
		exec.ID,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update execution")
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to check rows affected")
	}
	if rowsAffected == 0 {
		return errors.Newf("execution not found: %s", exec.ID)
	}
	return nil
}

// GetExecution retrieves an execution by ID
func (s *ExecutionStore) GetExecution(id string) (*Execution, error) {
	query := `
		SELECT id, task_name, instance_id, status,
		       started_at, completed_at, duration_ms, error_message,
		       created_at, updated_at
		FROM loom_executions
		WHERE id = ?
	`

	var exec Execution
	var completedAt sql.NullTime
	var durationMs sql.NullInt64
	var errorMessage sql.NullString

	err := s.db.QueryRow(query, id).Scan(
		&exec.ID,
		&exec.TaskName,
		&exec.InstanceID,
		&exec.Status,
		&exec.StartedAt,
		&completedAt,
		&durationMs,
		&errorMessage,
		&exec.CreatedAt,
		&exec.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.Newf("execution not found: %s", id)
		}
		return nil, errors.Wrap(err, "failed to get execution")
	}

	if completedAt.Valid {
		exec.CompletedAt = &completedAt.Time
	}
	if durationMs.Valid {
		exec.DurationMs = &durationMs.Int64
	}
	if errorMessage.Valid {
		exec.ErrorMessage = &errorMessage.String
	}
	return &exec, nil
}

// ListExecutions retrieves executions for a task with pagination and filtering
func (s *ExecutionStore) ListExecutions(taskName string, limit, offset int, statusFilter string) ([]*Execution, int, error) {
	baseQuery := `
		FROM loom_executions
		WHERE task_name = ?
	`
	args := []interface{}{taskName}

	if statusFilter != "" {
		baseQuery += " AND status = ?"
		args = append(args, statusFilter)
	}

	countQuery := "SELECT COUNT(*)" + baseQuery
	var total int
	if err := s.db.QueryRow(countQuery, args...).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, "failed to count executions")
	}

	query := `
		SELECT id, task_name, instance_id, status,
		       started_at, completed_at, duration_ms, error_message,
		       created_at, updated_at
	` + baseQuery + `
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`
	args = append(args, limit, offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to list executions")
	}
	defer rows.Close()

	var executions []*Execution
	for rows.Next() {
		var exec Execution
		var completedAt sql.NullTime
		var durationMs sql.NullInt64
		var errorMessage sql.NullString

		err := rows.Scan(
			&exec.ID,
			&exec.TaskName,
			&exec.InstanceID,
			&exec.Status,
			&exec.StartedAt,
			&completedAt,
			&durationMs,
			&errorMessage,
			&exec.CreatedAt,
			&exec.UpdatedAt,
		)
		if err != nil {
			return nil, 0, errors.Wrap(err, "failed to scan execution")
		}

		if completedAt.Valid {
			exec.CompletedAt = &completedAt.Time
		}
		if durationMs.Valid {
			exec.DurationMs = &durationMs.Int64
		}
		if errorMessage.Valid {
			exec.ErrorMessage = &errorMessage.String
		}
		executions = append(executions, &exec)
	}
	if err = rows.Err(); err != nil {
		return nil, 0, errors.Wrap(err, "error iterating executions")
	}
	return executions, total, nil
}

// CleanupOldExecutions deletes execution records older than the
// retention period. Returns the number of executions deleted.
func (s *ExecutionStore) CleanupOldExecutions(retentionDays int) (int, error) {
	cutoffTime := time.Now().AddDate(0, 0, -retentionDays)

	query := `
		DELETE FROM loom_executions
		WHERE started_at < ?
	`
	result, err := s.db.Exec(query, cutoffTime)
	if err != nil {
		return 0, errors.Wrap(err, "failed to cleanup old executions")
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	return int(deleted), nil
}

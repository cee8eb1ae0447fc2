package store

import (
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*ExecutionStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewExecutionStore(db), mock
}

func sampleExecution() *Execution {
	now := time.Now()
	return &Execution{
		ID:         "exec-1",
		TaskName:   "cleanup-expired-sessions",
		InstanceID: "instance-a",
		Status:     ExecutionStatusRunning,
		StartedAt:  now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func TestCreateExecution(t *testing.T) {
	s, mock := newMockStore(t)
	exec := sampleExecution()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO loom_executions")).
		WithArgs(
			exec.ID, exec.TaskName, exec.InstanceID, string(exec.Status),
			exec.StartedAt, nil, nil, nil,
			exec.CreatedAt, exec.UpdatedAt,
		).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, s.CreateExecution(exec))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateExecutionSetsCompletion(t *testing.T) {
	s, mock := newMockStore(t)
	exec := sampleExecution()

	completed := exec.StartedAt.Add(2 * time.Second)
	duration := int64(2000)
	exec.Status = ExecutionStatusCompleted
	exec.CompletedAt = &completed
	exec.DurationMs = &duration
	exec.UpdatedAt = completed

	mock.ExpectExec(regexp.QuoteMeta("UPDATE loom_executions")).
		WithArgs(
			string(exec.Status), completed, duration, nil,
			exec.UpdatedAt, exec.ID,
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.UpdateExecution(exec))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateExecutionNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	exec := sampleExecution()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE loom_executions")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.UpdateExecution(exec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "execution not found")
}

func TestGetExecutionConvertsNullColumns(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()
	completed := now.Add(time.Second)

	columns := []string{
		"id", "task_name", "instance_id", "status",
		"started_at", "completed_at", "duration_ms", "error_message",
		"created_at", "updated_at",
	}
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, task_name, instance_id, status")).
		WithArgs("exec-1").
		WillReturnRows(sqlmock.NewRows(columns).AddRow(
			"exec-1", "kv-memory-check", "instance-a", "failed",
			now, completed, int64(1000), "redis unreachable",
			now, completed,
		))

	exec, err := s.GetExecution("exec-1")
	require.NoError(t, err)
	assert.Equal(t, ExecutionStatusFailed, exec.Status)
	require.NotNil(t, exec.CompletedAt)
	require.NotNil(t, exec.DurationMs)
	assert.Equal(t, int64(1000), *exec.DurationMs)
	require.NotNil(t, exec.ErrorMessage)
	assert.Equal(t, "redis unreachable", *exec.ErrorMessage)
}

func TestGetExecutionMissing(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, task_name, instance_id, status")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := s.GetExecution("missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "execution not found")
}

func TestListExecutionsWithStatusFilter(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*)")).
		WithArgs("refresh-analytics-views", "completed").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	columns := []string{
		"id", "task_name", "instance_id", "status",
		"started_at", "completed_at", "duration_ms", "error_message",
		"created_at", "updated_at",
	}
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY started_at DESC")).
		WithArgs("refresh-analytics-views", "completed", 10, 0).
		WillReturnRows(sqlmock.NewRows(columns).AddRow(
			"exec-1", "refresh-analytics-views", "instance-a", "completed",
			now, now, int64(5), nil,
			now, now,
		))

	executions, total, err := s.ListExecutions("refresh-analytics-views", 10, 0, "completed")
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, executions, 1)
	assert.Equal(t, "exec-1", executions[0].ID)
	assert.Nil(t, executions[0].ErrorMessage)
}

func TestCleanupOldExecutions(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM loom_executions")).
		WillReturnResult(sqlmock.NewResult(0, 7))

	deleted, err := s.CleanupOldExecutions(90)
	require.NoError(t, err)
	assert.Equal(t, 7, deleted)
}

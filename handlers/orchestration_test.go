package handlers

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/loomworks/loom/errors"
	"github.com/loomworks/loom/queue"
)

func acquireNotification(t *testing.T, jobs *queue.Manager) notificationPayload {
	t.Helper()
	q, err := jobs.Queue(queue.QueueNotifications)
	require.NoError(t, err)
	job, err := q.Acquire(context.Background(), "worker-test")
	require.NoError(t, err)
	require.NotNil(t, job, "expected a notification job")
	var p notificationPayload
	require.NoError(t, json.Unmarshal(job.Payload, &p))
	return p
}

// orchestrationJob builds a job that sits on the orchestration queue at
// the given attempt number.
func orchestrationJob(t *testing.T, payload string, attemptsMade int) *queue.Job {
	t.Helper()
	job := testJob(t, JobOrchestrate, payload)
	job.Queue = queue.QueueOrchestration
	job.AttemptsMade = attemptsMade
	return job
}

func TestOrchestrationSuccessNotifies(t *testing.T) {
	jobs, _ := newTestManager(t)
	orch := &fakeOrchestrator{result: OrchestrationResult{
		Output: "here is your summary",
		Status: "completed",
	}}
	h := NewOrchestrationHandler(orch, jobs, zap.NewNop().Sugar())

	payload := `{"organizationId":"org-1","userId":"user-1","eventId":"ev-1","channel":"C123","prompt":"summarize","correlationId":"corr-1"}`
	require.NoError(t, h.Execute(context.Background(), testJob(t, JobOrchestrate, payload)))

	assert.Equal(t, "summarize", orch.last.Prompt)
	assert.Equal(t, "org-1", orch.last.OrganizationID)

	p := acquireNotification(t, jobs)
	assert.Equal(t, "ev-1", p.EventID)
	assert.Equal(t, "here is your summary", p.Text)
	assert.Empty(t, p.ErrorText)
	assert.Equal(t, "org-1", p.OrganizationID)
}

func TestOrchestrationTerminalFailureNotifies(t *testing.T) {
	jobs, _ := newTestManager(t)
	orch := &fakeOrchestrator{err: errors.New("model overloaded")}
	h := NewOrchestrationHandler(orch, jobs, zap.NewNop().Sugar())

	payload := `{"organizationId":"org-1","eventId":"ev-2","channel":"C123","prompt":"summarize","correlationId":"corr-2"}`
	job := orchestrationJob(t, payload, 2) // at the attempt cap
	err := h.Execute(context.Background(), job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model overloaded")

	// No retries left, so the user hears about the failure.
	p := acquireNotification(t, jobs)
	assert.Equal(t, "ev-2", p.EventID)
	assert.Equal(t, "model overloaded", p.ErrorText)
	assert.Equal(t, "corr-2", p.CorrelationID)
}

func TestOrchestrationRetryableFailureStaysQuiet(t *testing.T) {
	jobs, _ := newTestManager(t)
	orch := &fakeOrchestrator{err: errors.New("model overloaded")}
	h := NewOrchestrationHandler(orch, jobs, zap.NewNop().Sugar())

	payload := `{"organizationId":"org-1","eventId":"ev-3","channel":"C123","prompt":"summarize","correlationId":"corr-3"}`
	job := orchestrationJob(t, payload, 1) // a retry is still coming
	err := h.Execute(context.Background(), job)
	require.Error(t, err)

	// No error message yet: a later successful attempt must still be
	// able to deliver its output.
	q, err := jobs.Queue(queue.QueueNotifications)
	require.NoError(t, err)
	waiting, err := q.WaitingCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, waiting)
}

func TestOrchestrationNotificationsCollapseByEvent(t *testing.T) {
	jobs, _ := newTestManager(t)
	orch := &fakeOrchestrator{result: OrchestrationResult{Output: "done", Status: "completed"}}
	h := NewOrchestrationHandler(orch, jobs, zap.NewNop().Sugar())

	payload := `{"organizationId":"org-1","eventId":"ev-4","channel":"C123","prompt":"summarize"}`
	require.NoError(t, h.Execute(context.Background(), orchestrationJob(t, payload, 1)))
	require.NoError(t, h.Execute(context.Background(), orchestrationJob(t, payload, 1)))

	q, err := jobs.Queue(queue.QueueNotifications)
	require.NoError(t, err)
	waiting, err := q.WaitingCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, waiting)
}

func TestOrchestrationRejectsMissingEventID(t *testing.T) {
	jobs, _ := newTestManager(t)
	h := NewOrchestrationHandler(&fakeOrchestrator{}, jobs, zap.NewNop().Sugar())

	err := h.Execute(context.Background(), testJob(t, JobOrchestrate, `{"channel":"C123"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid input")
}

package recovery

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/loomworks/loom/kv"
	"github.com/loomworks/loom/progress"
	"github.com/loomworks/loom/queue"
)

type captureNotifier struct {
	messages []string
}

func (c *captureNotifier) NotifyAdmin(_ context.Context, message string) error {
	c.messages = append(c.messages, message)
	return nil
}

func newTestRecovery(t *testing.T) (*Worker, *queue.DeadLetterStore, *queue.Queue, *captureNotifier) {
	t.Helper()
	store := kv.NewMemory()
	log := zap.NewNop().Sugar()

	dlq := queue.NewDeadLetterStore(store, log)
	q := queue.New(queue.Def{
		Name: "webhooks", Concurrency: 10, Attempts: 3,
		LockDuration: 30 * time.Second, StalledInterval: 30 * time.Second,
		MaxStalled: 1, Backoff: time.Second,
	}, store, dlq, log)
	jobs := queue.NewManager(store, progress.NewBus(store, log), log, q)

	notifier := &captureNotifier{}
	w := New(dlq, jobs, notifier, Options{}, log)
	return w, dlq, q, notifier
}

func addEntry(t *testing.T, dlq *queue.DeadLetterStore, jobID, reason string, attempts int) {
	t.Helper()
	require.NoError(t, dlq.Add(context.Background(), &queue.Job{
		ID:             jobID,
		Queue:          "webhooks",
		Name:           "webhook.deliver",
		Payload:        json.RawMessage(`{"organizationId":"org-1"}`),
		State:          queue.StateFailed,
		AttemptsMade:   attempts,
		FailedReason:   reason,
		OrganizationID: "org-1",
	}))
}

func TestProcessBatchRequeuesRetryableOnly(t *testing.T) {
	w, dlq, q, notifier := newTestRecovery(t)
	ctx := context.Background()

	addEntry(t, dlq, "jb-timeout", "context deadline exceeded", 3)
	addEntry(t, dlq, "jb-auth", "401 Unauthorized", 3)

	result, err := w.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Scanned)
	assert.Equal(t, 1, result.Requeued)
	assert.Equal(t, map[string]int{"authentication_error": 1}, result.Skipped)

	// The retryable entry points at its replacement job, which sits
	// delayed in the original queue.
	entries, err := dlq.List(ctx, 0)
	require.NoError(t, err)
	var retried *queue.DeadLetterEntry
	for _, e := range entries {
		if e.JobID == "jb-timeout" {
			retried = e
		}
	}
	require.NotNil(t, retried)
	require.NotEmpty(t, retried.RetriedJobID)

	job, err := q.Get(ctx, retried.RetriedJobID)
	require.NoError(t, err)
	assert.Equal(t, queue.StateDelayed, job.State)
	assert.Equal(t, "webhook.deliver", job.Name)
	assert.Equal(t, "org-1", job.OrganizationID)

	// One aggregate summary, not one message per entry.
	require.Len(t, notifier.messages, 1)
	assert.Contains(t, notifier.messages[0], "2 scanned, 1 requeued")
	assert.Contains(t, notifier.messages[0], "authentication_error=1")
}

func TestProcessBatchSkipsAlreadyRetried(t *testing.T) {
	w, _, _, _ := newTestRecovery(t)
	ctx := context.Background()

	addEntry(t, w.dlq, "jb-timeout", "request timed out", 2)

	first, err := w.ProcessBatch(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, first.Requeued)

	second, err := w.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Scanned)
	assert.Equal(t, 0, second.Requeued)
}

func TestProcessSingleBypassesClassifier(t *testing.T) {
	w, dlq, q, _ := newTestRecovery(t)
	ctx := context.Background()

	// Permanent failure: the sweep would skip it.
	addEntry(t, dlq, "jb-auth", "403 Forbidden", 3)
	entries, err := dlq.List(ctx, 1)
	require.NoError(t, err)

	job, err := w.ProcessSingle(ctx, entries[0].ID)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, queue.StateWaiting, job.State)

	waiting, err := q.WaitingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, waiting)

	// A second deliberate retry of the same entry is rejected.
	_, err = w.ProcessSingle(ctx, entries[0].ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already retried")
}

func TestProcessBatchNRespectsSize(t *testing.T) {
	w, dlq, _, _ := newTestRecovery(t)
	ctx := context.Background()

	addEntry(t, dlq, "jb-1", "request timed out", 1)
	addEntry(t, dlq, "jb-2", "request timed out", 1)
	addEntry(t, dlq, "jb-3", "request timed out", 1)

	result, err := w.ProcessBatchN(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Scanned)
	assert.Equal(t, 2, result.Requeued)
}

func TestRequeueDelayTriplesAndCaps(t *testing.T) {
	assert.Equal(t, 5*time.Minute, RequeueDelay(1))
	assert.Equal(t, 15*time.Minute, RequeueDelay(2))
	assert.Equal(t, 45*time.Minute, RequeueDelay(3))
	assert.Equal(t, 135*time.Minute, RequeueDelay(4))
	assert.Equal(t, 6*time.Hour, RequeueDelay(10))
}

func TestCleanupDelegatesToStore(t *testing.T) {
	w, dlq, _, _ := newTestRecovery(t)
	ctx := context.Background()

	addEntry(t, dlq, "jb-fresh", "timeout", 1)
	removed, err := w.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, removed) // nothing past retention yet
}

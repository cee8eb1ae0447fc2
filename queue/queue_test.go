package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/loomworks/loom/errors"
	"github.com/loomworks/loom/kv"
)

// fakeClock drives both the KV store and the queue in tests.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestQueue(t *testing.T, def Def) (*Queue, *DeadLetterStore, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Now()}
	store := kv.NewMemoryWithClock(clock.Now)
	log := zap.NewNop().Sugar()

	applyDefDefaults(&def)
	dlq := NewDeadLetterStore(store, log)
	dlq.timeNow = clock.Now
	q := New(def, store, dlq, log)
	q.timeNow = clock.Now
	return q, dlq, clock
}

func mustEnqueue(t *testing.T, q *Queue, name string, opts Options) *Job {
	t.Helper()
	job, err := q.Enqueue(context.Background(), name, json.RawMessage(`{"organizationId":"org-1"}`), opts)
	require.NoError(t, err)
	return job
}

func TestEnqueueAndAcquire(t *testing.T) {
	q, _, _ := newTestQueue(t, Def{Name: "test", Attempts: 3})
	ctx := context.Background()

	job := mustEnqueue(t, q, "send", Options{})
	assert.Equal(t, StateWaiting, job.State)
	assert.Equal(t, DefaultPriority, job.Opts.Priority)
	assert.Equal(t, "org-1", job.OrganizationID)

	got, err := q.Acquire(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, StateActive, got.State)
	assert.Equal(t, 1, got.AttemptsMade)

	// Queue drained.
	empty, err := q.Acquire(ctx, "worker-1")
	require.NoError(t, err)
	assert.Nil(t, empty)
}

func TestAcquireServesHigherPriorityFirst(t *testing.T) {
	q, _, _ := newTestQueue(t, Def{Name: "test", Attempts: 3})
	ctx := context.Background()

	low := mustEnqueue(t, q, "low", Options{Priority: 8})
	mid := mustEnqueue(t, q, "mid", Options{Priority: 5})
	high := mustEnqueue(t, q, "high", Options{Priority: 1})

	var order []string
	for {
		job, err := q.Acquire(ctx, "worker-1")
		require.NoError(t, err)
		if job == nil {
			break
		}
		order = append(order, job.ID)
	}
	assert.Equal(t, []string{high.ID, mid.ID, low.ID}, order)
}

func TestAcquireIsFIFOWithinPriority(t *testing.T) {
	q, _, _ := newTestQueue(t, Def{Name: "test", Attempts: 3})
	ctx := context.Background()

	var want []string
	for i := 0; i < 5; i++ {
		job := mustEnqueue(t, q, fmt.Sprintf("job-%d", i), Options{})
		want = append(want, job.ID)
	}

	var got []string
	for {
		job, err := q.Acquire(ctx, "worker-1")
		require.NoError(t, err)
		if job == nil {
			break
		}
		got = append(got, job.ID)
	}
	assert.Equal(t, want, got)
}

func TestDelayedJobPromotedWhenDue(t *testing.T) {
	q, _, clock := newTestQueue(t, Def{Name: "test", Attempts: 3})
	ctx := context.Background()

	job := mustEnqueue(t, q, "later", Options{Delay: time.Minute})
	assert.Equal(t, StateDelayed, job.State)

	early, err := q.Acquire(ctx, "worker-1")
	require.NoError(t, err)
	assert.Nil(t, early)

	clock.Advance(61 * time.Second)
	got, err := q.Acquire(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, job.ID, got.ID)
}

func TestCompleteSettlesJob(t *testing.T) {
	q, _, _ := newTestQueue(t, Def{Name: "test", Attempts: 3})
	ctx := context.Background()

	mustEnqueue(t, q, "send", Options{})
	job, err := q.Acquire(ctx, "worker-1")
	require.NoError(t, err)

	events := q.Subscribe()
	require.NoError(t, q.Complete(ctx, job))

	stored, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, stored.State)
	require.NotNil(t, stored.FinishedAt)

	counts, err := q.GetJobCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, counts[StateActive])
	assert.Equal(t, 1, counts[StateCompleted])

	ev := <-events
	assert.Equal(t, EventCompleted, ev.Type)
	assert.Equal(t, job.ID, ev.Job.ID)
}

func TestFailRetriesWithDoublingBackoff(t *testing.T) {
	q, _, clock := newTestQueue(t, Def{Name: "test", Attempts: 3, Backoff: time.Second})
	ctx := context.Background()

	mustEnqueue(t, q, "flaky", Options{})

	// Attempt 1 fails: retry after 1s.
	job, err := q.Acquire(ctx, "worker-1")
	require.NoError(t, err)
	require.NoError(t, q.Fail(ctx, job, "boom"))

	stored, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateDelayed, stored.State)
	require.NotNil(t, stored.DelayUntil)
	assert.WithinDuration(t, clock.Now().Add(time.Second), *stored.DelayUntil, time.Millisecond)

	// Not due yet.
	early, err := q.Acquire(ctx, "worker-1")
	require.NoError(t, err)
	assert.Nil(t, early)

	// Attempt 2 fails: retry after 2s.
	clock.Advance(1100 * time.Millisecond)
	job, err = q.Acquire(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 2, job.AttemptsMade)
	require.NoError(t, q.Fail(ctx, job, "boom again"))

	stored, err = q.Get(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.DelayUntil)
	assert.WithinDuration(t, clock.Now().Add(2*time.Second), *stored.DelayUntil, time.Millisecond)
}

func TestFailAtAttemptCapDeadLetters(t *testing.T) {
	q, dlq, clock := newTestQueue(t, Def{Name: "test", Attempts: 2, Backoff: time.Second})
	ctx := context.Background()

	mustEnqueue(t, q, "doomed", Options{})
	events := q.Subscribe()

	job, err := q.Acquire(ctx, "worker-1")
	require.NoError(t, err)
	require.NoError(t, q.Fail(ctx, job, "first"))

	clock.Advance(2 * time.Second)
	job, err = q.Acquire(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, job)
	require.NoError(t, q.Fail(ctx, job, "second"))

	stored, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateDeadLettered, stored.State)
	assert.Equal(t, "second", stored.FailedReason)

	entries, err := dlq.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "test", entries[0].OriginalQueue)
	assert.Equal(t, job.ID, entries[0].JobID)
	assert.Equal(t, "second", entries[0].FailedReason)
	assert.Equal(t, 2, entries[0].Attempts)

	// One retrying event for the first attempt, then the terminal.
	ev := <-events
	assert.Equal(t, EventRetrying, ev.Type)
	ev = <-events
	assert.Equal(t, EventFailed, ev.Type)
}

func TestFailBelowAttemptCapEmitsRetrying(t *testing.T) {
	q, _, _ := newTestQueue(t, Def{Name: "test", Attempts: 3, Backoff: time.Second})
	ctx := context.Background()

	mustEnqueue(t, q, "flaky", Options{})
	job, err := q.Acquire(ctx, "worker-1")
	require.NoError(t, err)

	events := q.Subscribe()
	require.NoError(t, q.Fail(ctx, job, "read timeout"))

	ev := <-events
	assert.Equal(t, EventRetrying, ev.Type)
	assert.Equal(t, job.ID, ev.Job.ID)
	assert.Equal(t, "read timeout", ev.Job.FailedReason)
}

func TestSkipDeadLetterQueueFailsWithoutEntry(t *testing.T) {
	q, _, _ := newTestQueue(t, Def{Name: "recovery", Attempts: 1, SkipDeadLetter: true})
	ctx := context.Background()

	mustEnqueue(t, q, "sweep", Options{})
	job, err := q.Acquire(ctx, "worker-1")
	require.NoError(t, err)
	require.NoError(t, q.Fail(ctx, job, "broken"))

	stored, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, stored.State)
}

func TestRenewExtendsLease(t *testing.T) {
	q, _, clock := newTestQueue(t, Def{Name: "test", Attempts: 3, LockDuration: 30 * time.Second})
	ctx := context.Background()

	mustEnqueue(t, q, "long", Options{})
	job, err := q.Acquire(ctx, "worker-1")
	require.NoError(t, err)

	clock.Advance(20 * time.Second)
	require.NoError(t, q.Renew(ctx, job.ID))

	// Lease survives past its original expiry after renewal.
	clock.Advance(20 * time.Second)
	n, err := q.ReclaimStalled(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// Expired lease cannot be renewed.
	clock.Advance(31 * time.Second)
	err = q.Renew(ctx, job.ID)
	require.Error(t, err)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestReclaimStalledRequeuesJob(t *testing.T) {
	q, _, clock := newTestQueue(t, Def{Name: "test", Attempts: 3, LockDuration: 30 * time.Second, MaxStalled: 1})
	ctx := context.Background()

	mustEnqueue(t, q, "stuck", Options{})
	events := q.Subscribe()

	job, err := q.Acquire(ctx, "worker-1")
	require.NoError(t, err)

	clock.Advance(31 * time.Second)
	n, err := q.ReclaimStalled(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateWaiting, stored.State)
	assert.Equal(t, 1, stored.StalledCount)

	ev := <-events
	assert.Equal(t, EventStalled, ev.Type)

	// Reclaimed job can be acquired again.
	got, err := q.Acquire(ctx, "worker-2")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, 2, got.AttemptsMade)
}

func TestReclaimStalledBeyondLimitFailsJob(t *testing.T) {
	q, dlq, clock := newTestQueue(t, Def{Name: "test", Attempts: 5, LockDuration: 30 * time.Second, MaxStalled: 1})
	ctx := context.Background()

	mustEnqueue(t, q, "hopeless", Options{})

	for i := 0; i < 2; i++ {
		job, err := q.Acquire(ctx, "worker-1")
		require.NoError(t, err)
		require.NotNil(t, job)
		clock.Advance(31 * time.Second)
		_, err = q.ReclaimStalled(ctx)
		require.NoError(t, err)
	}

	entries, err := dlq.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "job stalled more than allowable limit", entries[0].FailedReason)
}

func TestRemoveOnlyWaitingOrDelayed(t *testing.T) {
	q, _, _ := newTestQueue(t, Def{Name: "test", Attempts: 3})
	ctx := context.Background()

	waiting := mustEnqueue(t, q, "a", Options{})
	require.NoError(t, q.Remove(ctx, waiting.ID))
	_, err := q.Get(ctx, waiting.ID)
	assert.True(t, errors.Is(err, errors.ErrJobNotFound))

	delayed := mustEnqueue(t, q, "b", Options{Delay: time.Hour})
	require.NoError(t, q.Remove(ctx, delayed.ID))

	mustEnqueue(t, q, "c", Options{})
	active, err := q.Acquire(ctx, "worker-1")
	require.NoError(t, err)
	err = q.Remove(ctx, active.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
}

func TestHistoryListsAreBounded(t *testing.T) {
	q, _, _ := newTestQueue(t, Def{Name: "test", Attempts: 1})
	ctx := context.Background()

	for i := 0; i < retainedJobs+10; i++ {
		mustEnqueue(t, q, "n", Options{})
		job, err := q.Acquire(ctx, "worker-1")
		require.NoError(t, err)
		require.NoError(t, q.Complete(ctx, job))
	}

	counts, err := q.GetJobCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, retainedJobs, counts[StateCompleted])
}

func TestCleanRemovesOldTerminalJobs(t *testing.T) {
	q, _, clock := newTestQueue(t, Def{Name: "test", Attempts: 1})
	ctx := context.Background()

	mustEnqueue(t, q, "old", Options{})
	job, err := q.Acquire(ctx, "worker-1")
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, job))

	clock.Advance(48 * time.Hour)
	removed, err := q.Clean(ctx, 24*time.Hour, StateCompleted)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	counts, err := q.GetJobCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, counts[StateCompleted])
}

func TestRetryBackoffDoublesAndCaps(t *testing.T) {
	assert.Equal(t, time.Second, RetryBackoff(time.Second, 1))
	assert.Equal(t, 2*time.Second, RetryBackoff(time.Second, 2))
	assert.Equal(t, 4*time.Second, RetryBackoff(time.Second, 3))
	assert.Equal(t, maxBackoff, RetryBackoff(time.Second, 60))
	assert.Equal(t, defaultBackoff, RetryBackoff(0, 1))
}

func TestClampPriority(t *testing.T) {
	assert.Equal(t, DefaultPriority, ClampPriority(0))
	assert.Equal(t, PriorityHighest, ClampPriority(-3))
	assert.Equal(t, PriorityLowest, ClampPriority(99))
	assert.Equal(t, 7, ClampPriority(7))
}

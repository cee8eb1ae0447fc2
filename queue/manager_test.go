package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/loomworks/loom/errors"
	"github.com/loomworks/loom/kv"
	"github.com/loomworks/loom/progress"
)

func newTestManager(t *testing.T) (*Manager, *Queue, *fakeClock, *kv.Memory) {
	t.Helper()
	clock := &fakeClock{now: time.Now()}
	store := kv.NewMemoryWithClock(clock.Now)
	log := zap.NewNop().Sugar()

	def := Def{Name: "test", Attempts: 3}
	applyDefDefaults(&def)
	q := New(def, store, NewDeadLetterStore(store, log), log)
	q.timeNow = clock.Now

	bus := progress.NewBus(store, log)
	return NewManager(store, bus, log, q), q, clock, store
}

func TestEnqueueDedupReturnsExistingJob(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	ctx := context.Background()
	payload := json.RawMessage(`{"organizationId":"org-1"}`)

	first, err := m.Enqueue(ctx, "test", "send", payload, Options{DedupKey: "evt-1"})
	require.NoError(t, err)

	second, err := m.Enqueue(ctx, "test", "send", payload, Options{DedupKey: "evt-1"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	q, err := m.Queue("test")
	require.NoError(t, err)
	waiting, err := q.WaitingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, waiting)
}

func TestEnqueueDedupExpiresAfterWindow(t *testing.T) {
	m, _, clock, _ := newTestManager(t)
	ctx := context.Background()

	first, err := m.Enqueue(ctx, "test", "send", nil, Options{DedupKey: "evt-1"})
	require.NoError(t, err)

	clock.Advance(DedupTTL + time.Minute)
	second, err := m.Enqueue(ctx, "test", "send", nil, Options{DedupKey: "evt-1"})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestEnqueueDedupClearsStalePointer(t *testing.T) {
	m, _, _, store := newTestManager(t)
	ctx := context.Background()

	// Pointer to a job whose body no longer exists.
	require.NoError(t, store.Set(ctx, kv.DedupKey("evt-1"), "gone-job", DedupTTL))

	job, err := m.Enqueue(ctx, "test", "send", nil, Options{DedupKey: "evt-1"})
	require.NoError(t, err)
	require.NotNil(t, job)

	// The fresh job now owns the key.
	pointed, err := store.Get(ctx, kv.DedupKey("evt-1"))
	require.NoError(t, err)
	assert.Equal(t, job.ID, pointed)
}

func TestEnqueueWithoutDedupKeyAlwaysCreates(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	ctx := context.Background()

	a, err := m.Enqueue(ctx, "test", "send", nil, Options{})
	require.NoError(t, err)
	b, err := m.Enqueue(ctx, "test", "send", nil, Options{})
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestEnqueueUnknownQueue(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	_, err := m.Enqueue(context.Background(), "nope", "send", nil, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown queue")
}

func TestStatusIncludesProgress(t *testing.T) {
	m, q, _, _ := newTestManager(t)
	ctx := context.Background()

	job, err := m.Enqueue(ctx, "test", "send", json.RawMessage(`{"organizationId":"org-1"}`), Options{})
	require.NoError(t, err)

	acquired, err := q.Acquire(ctx, "worker-1")
	require.NoError(t, err)
	require.NoError(t, m.UpdateProgress(ctx, acquired, progress.StageProcessing, "halfway"))

	status, err := m.Status(ctx, "test", job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateActive, status.State)
	assert.Equal(t, 1, status.AttemptsMade)
	require.NotNil(t, status.Progress)
	assert.Equal(t, progress.StageProcessing, status.Progress.Stage)
	assert.Equal(t, 50, status.Progress.Percent)
	assert.Equal(t, "halfway", status.Progress.Message)
}

func TestStatusUnknownJob(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	_, err := m.Status(context.Background(), "test", "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrJobNotFound))
}

func TestCancelWaitingJob(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	ctx := context.Background()

	job, err := m.Enqueue(ctx, "test", "send", nil, Options{})
	require.NoError(t, err)
	require.NoError(t, m.Cancel(ctx, "test", job.ID))

	_, err = m.Status(ctx, "test", job.ID)
	assert.True(t, errors.Is(err, errors.ErrJobNotFound))
}

func TestCancelActiveJobRejected(t *testing.T) {
	m, q, _, _ := newTestManager(t)
	ctx := context.Background()

	job, err := m.Enqueue(ctx, "test", "send", nil, Options{})
	require.NoError(t, err)
	_, err = q.Acquire(ctx, "worker-1")
	require.NoError(t, err)

	err = m.Cancel(ctx, "test", job.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
}

func TestCountsAcrossQueues(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Enqueue(ctx, "test", "send", nil, Options{})
	require.NoError(t, err)

	counts, err := m.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts["test"][StateWaiting])
}

package worker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/loomworks/loom/kv"
	"github.com/loomworks/loom/progress"
	"github.com/loomworks/loom/queue"
	"github.com/loomworks/loom/tenant"
)

func newTestWorker(t *testing.T, def queue.Def, opts Options, registry *HandlerRegistry) (*Worker, *queue.Queue, *queue.Manager) {
	t.Helper()
	store := kv.NewMemory()
	log := zap.NewNop().Sugar()

	if def.LockDuration == 0 {
		def.LockDuration = 30 * time.Second
	}
	if def.StalledInterval == 0 {
		def.StalledInterval = 30 * time.Second
	}
	if def.MaxStalled == 0 {
		def.MaxStalled = 1
	}
	if def.Backoff == 0 {
		def.Backoff = time.Second
	}
	q := queue.New(def, store, queue.NewDeadLetterStore(store, log), log)
	jobs := queue.NewManager(store, progress.NewBus(store, log), log, q)

	if opts.PollInterval == 0 {
		opts.PollInterval = 10 * time.Millisecond
	}
	w := New(context.Background(), q, registry, jobs, nil, opts, log)
	t.Cleanup(w.Stop)
	return w, q, jobs
}

func waitForState(t *testing.T, q *queue.Queue, jobID string, want queue.State) {
	t.Helper()
	require.Eventually(t, func() bool {
		job, err := q.Get(context.Background(), jobID)
		return err == nil && job.State == want
	}, 5*time.Second, 10*time.Millisecond, "job %s never reached %s", jobID, want)
}

func TestWorkerProcessesJob(t *testing.T) {
	registry := NewHandlerRegistry()
	var got *queue.Job
	var mu sync.Mutex
	registry.Register(HandlerFunc{
		JobName: "greet",
		Fn: func(ctx context.Context, job *queue.Job) error {
			mu.Lock()
			got = job
			mu.Unlock()
			return nil
		},
	})

	w, q, _ := newTestWorker(t, queue.Def{Name: "test", Concurrency: 1, Attempts: 3}, Options{}, registry)
	w.Start()

	job, err := q.Enqueue(context.Background(), "greet", json.RawMessage(`{"organizationId":"org-1"}`), queue.Options{})
	require.NoError(t, err)
	waitForState(t, q, job.ID, queue.StateCompleted)

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, got)
	assert.Equal(t, job.ID, got.ID)
}

func TestWorkerScopesHandlerContextToTenant(t *testing.T) {
	registry := NewHandlerRegistry()
	var tc tenant.Context
	var mu sync.Mutex
	registry.Register(HandlerFunc{
		JobName: "scoped",
		Fn: func(ctx context.Context, job *queue.Job) error {
			mu.Lock()
			tc, _ = tenant.FromContext(ctx)
			mu.Unlock()
			return nil
		},
	})

	w, q, _ := newTestWorker(t, queue.Def{Name: "test", Concurrency: 1, Attempts: 3}, Options{}, registry)
	w.Start()

	job, err := q.Enqueue(context.Background(), "scoped",
		json.RawMessage(`{"organizationId":"org-7","userId":"user-2"}`), queue.Options{})
	require.NoError(t, err)
	waitForState(t, q, job.ID, queue.StateCompleted)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "org-7", tc.OrganizationID)
	assert.Equal(t, "user-2", tc.UserID)
}

func TestWorkerBoundsConcurrency(t *testing.T) {
	const concurrency = 2
	const total = 6

	gate := make(chan struct{})
	started := make(chan struct{}, total)

	registry := NewHandlerRegistry()
	registry.Register(HandlerFunc{
		JobName: "slow",
		Fn: func(ctx context.Context, job *queue.Job) error {
			started <- struct{}{}
			<-gate
			return nil
		},
	})

	w, q, _ := newTestWorker(t,
		queue.Def{Name: "test", Concurrency: concurrency, Attempts: 1}, Options{}, registry)
	w.Start()

	ctx := context.Background()
	ids := make([]string, 0, total)
	for i := 0; i < total; i++ {
		job, err := q.Enqueue(ctx, "slow", nil, queue.Options{})
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}

	// Both slots fill, and no third job starts while they are held.
	for i := 0; i < concurrency; i++ {
		select {
		case <-started:
		case <-time.After(5 * time.Second):
			t.Fatal("slots never filled")
		}
	}
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, concurrency, w.ActiveCount())
	select {
	case <-started:
		t.Fatal("more jobs in flight than slots")
	default:
	}

	close(gate)
	for _, id := range ids {
		waitForState(t, q, id, queue.StateCompleted)
	}
}

func TestWorkerRecoversHandlerPanic(t *testing.T) {
	registry := NewHandlerRegistry()
	registry.Register(HandlerFunc{
		JobName: "explode",
		Fn: func(ctx context.Context, job *queue.Job) error {
			panic("kaboom")
		},
	})

	w, q, _ := newTestWorker(t, queue.Def{Name: "test", Concurrency: 1, Attempts: 1}, Options{}, registry)
	w.Start()

	job, err := q.Enqueue(context.Background(), "explode", nil, queue.Options{})
	require.NoError(t, err)
	waitForState(t, q, job.ID, queue.StateDeadLettered)

	stored, err := q.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Contains(t, stored.FailedReason, "handler crashed")
	assert.Contains(t, stored.FailedReason, "kaboom")
}

func TestWorkerFailsJobWithoutHandler(t *testing.T) {
	w, q, _ := newTestWorker(t,
		queue.Def{Name: "test", Concurrency: 1, Attempts: 1}, Options{}, NewHandlerRegistry())
	w.Start()

	job, err := q.Enqueue(context.Background(), "mystery", nil, queue.Options{})
	require.NoError(t, err)
	waitForState(t, q, job.ID, queue.StateDeadLettered)

	stored, err := q.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Contains(t, stored.FailedReason, "no handler registered")
}

func TestWorkerEnforcesJobTimeout(t *testing.T) {
	registry := NewHandlerRegistry()
	registry.Register(HandlerFunc{
		JobName: "hang",
		Fn: func(ctx context.Context, job *queue.Job) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})

	w, q, _ := newTestWorker(t, queue.Def{Name: "test", Concurrency: 1, Attempts: 1}, Options{}, registry)
	w.Start()

	job, err := q.Enqueue(context.Background(), "hang", nil,
		queue.Options{Timeout: 50 * time.Millisecond})
	require.NoError(t, err)
	waitForState(t, q, job.ID, queue.StateDeadLettered)

	stored, err := q.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Contains(t, stored.FailedReason, "context deadline exceeded")
}

func TestWorkerStopDrainsInFlightJob(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})

	registry := NewHandlerRegistry()
	registry.Register(HandlerFunc{
		JobName: "drain",
		Fn: func(ctx context.Context, job *queue.Job) error {
			close(entered)
			<-release
			return nil
		},
	})

	w, q, _ := newTestWorker(t, queue.Def{Name: "test", Concurrency: 1, Attempts: 3}, Options{}, registry)
	w.Start()

	job, err := q.Enqueue(context.Background(), "drain", nil, queue.Options{})
	require.NoError(t, err)
	<-entered

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(release)
	}()
	w.Stop()

	waitForState(t, q, job.ID, queue.StateCompleted)
}

package alert

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/loomworks/loom/kv"
	"github.com/loomworks/loom/queue"
)

type fakeNotifier struct {
	messages []string
}

func (f *fakeNotifier) NotifyAdmin(_ context.Context, message string) error {
	f.messages = append(f.messages, message)
	return nil
}

func newTestAlerter(opts Options) (*Alerter, *fakeNotifier, *kv.Memory, func(time.Duration)) {
	now := time.Now()
	store := kv.NewMemoryWithClock(func() time.Time { return now })
	notifier := &fakeNotifier{}
	a := New(store, notifier, opts, zap.NewNop().Sugar())
	advance := func(d time.Duration) { now = now.Add(d) }
	return a, notifier, store, advance
}

func record(t *testing.T, a *Alerter, queueName string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, a.RecordFailure(context.Background(), queueName, "boom"))
	}
}

func TestAlertFiresExactlyAtThreshold(t *testing.T) {
	a, notifier, _, _ := newTestAlerter(Options{Window: 5 * time.Minute, MaxFailures: 3})

	record(t, a, "webhooks", 2)
	assert.Empty(t, notifier.messages)

	record(t, a, "webhooks", 1)
	require.Len(t, notifier.messages, 1)
	assert.Contains(t, notifier.messages[0], "webhooks")
	assert.Contains(t, notifier.messages[0], "3 failures")

	// Further failures within the window do not re-alert.
	record(t, a, "webhooks", 5)
	assert.Len(t, notifier.messages, 1)
}

func TestWindowSlidesFromFirstFailure(t *testing.T) {
	a, notifier, _, advance := newTestAlerter(Options{Window: 5 * time.Minute, MaxFailures: 3})

	record(t, a, "webhooks", 2)
	advance(6 * time.Minute) // counter expired

	// Fresh window: these two are not enough on their own.
	record(t, a, "webhooks", 2)
	assert.Empty(t, notifier.messages)

	record(t, a, "webhooks", 1)
	assert.Len(t, notifier.messages, 1)
}

func TestAlertsAgainInNextWindow(t *testing.T) {
	a, notifier, _, advance := newTestAlerter(Options{Window: 5 * time.Minute, MaxFailures: 2})

	record(t, a, "webhooks", 2)
	require.Len(t, notifier.messages, 1)

	advance(6 * time.Minute)
	record(t, a, "webhooks", 2)
	assert.Len(t, notifier.messages, 2)
}

func TestQueuesCountIndependently(t *testing.T) {
	a, notifier, _, _ := newTestAlerter(Options{Window: 5 * time.Minute, MaxFailures: 3})

	record(t, a, "webhooks", 2)
	record(t, a, "notifications", 2)
	assert.Empty(t, notifier.messages)

	record(t, a, "webhooks", 1)
	require.Len(t, notifier.messages, 1)
	assert.Contains(t, notifier.messages[0], "webhooks")
}

func TestWatchCountsEveryFailedAttempt(t *testing.T) {
	store := kv.NewMemory()
	log := zap.NewNop().Sugar()
	notifier := &fakeNotifier{}
	a := New(store, notifier, Options{Window: 5 * time.Minute, MaxFailures: 10}, log)

	q := queue.New(queue.Def{
		Name: "webhooks", Concurrency: 1, Attempts: 3,
		LockDuration: 30 * time.Second, StalledInterval: 30 * time.Second,
		MaxStalled: 1, Backoff: time.Second,
	}, store, nil, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Watch(ctx, q)
	time.Sleep(50 * time.Millisecond) // let the watcher subscribe

	_, err := q.Enqueue(ctx, "webhook.deliver", json.RawMessage(`{"organizationId":"org-1"}`), queue.Options{})
	require.NoError(t, err)
	job, err := q.Acquire(ctx, "worker-webhooks")
	require.NoError(t, err)
	require.NotNil(t, job)
	require.NoError(t, q.Fail(ctx, job, "502 Bad Gateway"))

	// The attempt retries rather than dead-lettering, and it still
	// lands on the failure counter.
	stored, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StateDelayed, stored.State)

	require.Eventually(t, func() bool {
		raw, getErr := store.Get(ctx, kv.ErrorCountKey("webhooks"))
		return getErr == nil && raw == "1"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestPerQueueThresholdOverride(t *testing.T) {
	a, notifier, _, _ := newTestAlerter(Options{
		Window:      5 * time.Minute,
		MaxFailures: 5,
		PerQueue:    map[string]int64{"orchestration": 1},
	})

	record(t, a, "orchestration", 1)
	assert.Len(t, notifier.messages, 1)

	record(t, a, "webhooks", 4)
	assert.Len(t, notifier.messages, 1)
}

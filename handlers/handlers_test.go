package handlers

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/loomworks/loom/kv"
	"github.com/loomworks/loom/progress"
	"github.com/loomworks/loom/queue"
)

type fakeChat struct {
	mu      sync.Mutex
	posts   []string
	updates []string
	err     error
}

func (c *fakeChat) PostMessage(_ context.Context, channel, text string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return "", c.err
	}
	c.posts = append(c.posts, channel+": "+text)
	return "ts-1", nil
}

func (c *fakeChat) UpdateMessage(_ context.Context, channel, messageTS, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.updates = append(c.updates, channel+"/"+messageTS+": "+text)
	return nil
}

type fakeOrchestrator struct {
	result OrchestrationResult
	err    error
	last   OrchestrationRequest
}

func (o *fakeOrchestrator) Orchestrate(_ context.Context, req OrchestrationRequest) (OrchestrationResult, error) {
	o.last = req
	return o.result, o.err
}

// newTestManager builds a manager over the full topology against an
// in-memory coordination store.
func newTestManager(t *testing.T) (*queue.Manager, kv.Client) {
	t.Helper()
	store := kv.NewMemory()
	log := zap.NewNop().Sugar()
	dlq := queue.NewDeadLetterStore(store, log)

	queues := make([]*queue.Queue, 0)
	for _, def := range queue.Topology() {
		queues = append(queues, queue.New(def, store, dlq, log))
	}
	bus := progress.NewBus(store, log)
	return queue.NewManager(store, bus, log, queues...), store
}

func testJob(t *testing.T, name, payload string) *queue.Job {
	t.Helper()
	job, err := queue.NewJob("test", name, []byte(payload), queue.Options{})
	if err != nil {
		t.Fatalf("NewJob: %v", err)
	}
	job.ID = "jb-test-" + name
	job.CreatedAt = time.Now()
	return job
}

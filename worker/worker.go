package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/loomworks/loom/errors"
	"github.com/loomworks/loom/health"
	"github.com/loomworks/loom/progress"
	"github.com/loomworks/loom/queue"
	"github.com/loomworks/loom/tenant"
)

// Options tunes one worker.
type Options struct {
	// Concurrency is the number of poll slots; it bounds in-flight
	// jobs. Zero means the queue definition's concurrency.
	Concurrency int
	// PollInterval between empty-queue checks.
	PollInterval time.Duration
	// ShutdownDeadline bounds the drain on Stop.
	ShutdownDeadline time.Duration
}

// Worker drains one queue with a fixed number of poll slots. Each slot
// acquires at most one job at a time, so in-flight jobs never exceed
// Concurrency.
type Worker struct {
	queue    *queue.Queue
	registry *HandlerRegistry
	jobs     *queue.Manager
	monitor  *health.Monitor
	opts     Options

	name      string
	parentCtx context.Context
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	log       *zap.SugaredLogger

	mu     sync.Mutex
	active int
}

// New creates a worker for a queue. monitor may be nil for tests.
func New(ctx context.Context, q *queue.Queue, registry *HandlerRegistry, jobs *queue.Manager, monitor *health.Monitor, opts Options, log *zap.SugaredLogger) *Worker {
	if opts.Concurrency <= 0 {
		opts.Concurrency = q.Def().Concurrency
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.ShutdownDeadline <= 0 {
		opts.ShutdownDeadline = 30 * time.Second
	}

	workerCtx, cancel := context.WithCancel(ctx)
	return &Worker{
		queue:     q,
		registry:  registry,
		jobs:      jobs,
		monitor:   monitor,
		opts:      opts,
		name:      "worker-" + q.Name(),
		parentCtx: ctx,
		ctx:       workerCtx,
		cancel:    cancel,
		log:       log.Named("worker." + q.Name()),
	}
}

// Name returns the worker's health-registry name.
func (w *Worker) Name() string { return w.name }

// ActiveCount reports jobs currently executing.
func (w *Worker) ActiveCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.active
}

// Start launches the poll slots, the stalled-job reclaimer and the
// heartbeat loop.
func (w *Worker) Start() {
	// Recreate the context if a previous Stop cancelled it.
	select {
	case <-w.ctx.Done():
		w.ctx, w.cancel = context.WithCancel(w.parentCtx)
	default:
	}

	w.log.Infow("Worker starting",
		"queue", w.queue.Name(), "concurrency", w.opts.Concurrency)

	for i := 0; i < w.opts.Concurrency; i++ {
		w.wg.Add(1)
		go w.slot(i)
	}

	w.wg.Add(1)
	go w.reclaimLoop()

	if w.monitor != nil {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.monitor.RunHeartbeat(w.ctx, w.name)
		}()
	}
}

// Stop cancels the poll slots and waits for in-flight jobs to drain,
// up to the shutdown deadline.
func (w *Worker) Stop() {
	w.cancel()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.log.Infow("Worker stopped cleanly", "queue", w.queue.Name())
	case <-time.After(w.opts.ShutdownDeadline):
		w.log.Warnw("Worker stop deadline exceeded, jobs will be reclaimed by lease expiry",
			"queue", w.queue.Name(), "deadline", w.opts.ShutdownDeadline)
	}
}

// slot is one poll loop: acquire, process, repeat.
func (w *Worker) slot(id int) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			job, err := w.queue.Acquire(w.ctx, w.name)
			if err != nil {
				select {
				case <-w.ctx.Done():
					return
				default:
				}
				w.log.Errorw("Failed to acquire job",
					"slot", id, "error", err)
				continue
			}
			if job == nil {
				continue
			}
			w.process(job)
		}
	}
}

// reclaimLoop returns stalled jobs to the wait lists on the queue's
// stalled interval.
func (w *Worker) reclaimLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.queue.Def().StalledInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			n, err := w.queue.ReclaimStalled(w.ctx)
			if err != nil {
				w.log.Errorw("Stalled reclamation failed", "error", err)
				continue
			}
			if n > 0 {
				w.log.Warnw("Reclaimed stalled jobs", "count", n)
			}
		}
	}
}

// process runs one job attempt: tenant scope, optional timeout, lease
// renewal in the background, progress bookends and settlement.
func (w *Worker) process(job *queue.Job) {
	w.mu.Lock()
	w.active++
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.active--
		w.mu.Unlock()
	}()

	jobCtx := tenant.WithTenant(w.ctx, tenant.Context{
		OrganizationID: job.OrganizationID,
		UserID:         job.UserID,
	})
	var cancel context.CancelFunc
	if job.Opts.Timeout > 0 {
		jobCtx, cancel = context.WithTimeout(jobCtx, job.Opts.Timeout)
	} else {
		jobCtx, cancel = context.WithCancel(jobCtx)
	}
	defer cancel()

	renewDone := make(chan struct{})
	go w.renewLoop(jobCtx, job, cancel, renewDone)

	w.publishStage(jobCtx, job, progress.StageStarted, "")
	err := w.execute(jobCtx, job)
	close(renewDone)

	// Settlement uses the worker context: the job context may already
	// be expired, and an expired timeout must still be able to fail
	// the job.
	settleCtx := w.ctx
	if settleCtx.Err() != nil {
		var settleCancel context.CancelFunc
		settleCtx, settleCancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer settleCancel()
	}

	if err != nil {
		if w.ctx.Err() != nil && errors.Is(err, context.Canceled) {
			// Shutdown interrupted the attempt. Leave the job active;
			// the lease expires and reclamation re-queues it without
			// burning an attempt as a real failure.
			w.log.Infow("Job interrupted by shutdown, leaving for reclamation",
				"job_id", job.ID)
			return
		}
		w.publishStage(settleCtx, job, progress.StageFailed, err.Error())
		if failErr := w.queue.Fail(settleCtx, job, err.Error()); failErr != nil {
			w.log.Errorw("Failed to settle failed job",
				"job_id", job.ID, "error", failErr)
			return
		}
		if w.monitor != nil && job.State.Terminal() {
			if recErr := w.monitor.RecordFailure(settleCtx, w.name); recErr != nil {
				w.log.Warnw("Failed to record failure stat", "error", recErr)
			}
		}
		return
	}

	if completeErr := w.queue.Complete(settleCtx, job); completeErr != nil {
		w.log.Errorw("Failed to settle completed job",
			"job_id", job.ID, "error", completeErr)
		return
	}
	w.publishStage(settleCtx, job, progress.StageCompleted, "")
	if w.monitor != nil {
		if recErr := w.monitor.RecordCompletion(settleCtx, w.name, job.Duration()); recErr != nil {
			w.log.Warnw("Failed to record completion stat", "error", recErr)
		}
	}
}

// execute dispatches to the registered handler, converting panics into
// job failures so one bad handler cannot take the slot down.
func (w *Worker) execute(ctx context.Context, job *queue.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("handler crashed: %v", r)
			w.log.Errorw("Handler panicked",
				"job_id", job.ID, "name", job.Name, "panic", r)
		}
	}()

	handler := w.registry.Get(job.Name)
	if handler == nil {
		return errors.Newf("no handler registered for job name: %s", job.Name)
	}
	return handler.Execute(ctx, job)
}

// renewLoop extends the lease at half the lock duration until the job
// settles. A failed renewal cancels the attempt: the job is already
// reclaimable, and racing a second invocation is worse than stopping.
func (w *Worker) renewLoop(ctx context.Context, job *queue.Job, cancel context.CancelFunc, done chan struct{}) {
	interval := w.queue.Def().LockDuration / 2
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.queue.Renew(ctx, job.ID); err != nil {
				w.log.Warnw("Lease renewal failed, cancelling attempt",
					"job_id", job.ID, "error", err)
				cancel()
				return
			}
		}
	}
}

func (w *Worker) publishStage(ctx context.Context, job *queue.Job, stage progress.Stage, message string) {
	if w.jobs == nil {
		return
	}
	if err := w.jobs.UpdateProgress(ctx, job, stage, message); err != nil {
		w.log.Debugw("Failed to publish progress",
			"job_id", job.ID, "stage", stage, "error", err)
	}
}

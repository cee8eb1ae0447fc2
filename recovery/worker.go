package recovery

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/loomworks/loom/errors"
	"github.com/loomworks/loom/queue"
)

const (
	// minRequeueDelay is the floor of the recovery backoff.
	minRequeueDelay = 5 * time.Minute
	// maxRequeueDelay caps the recovery backoff.
	maxRequeueDelay = 6 * time.Hour
	// DefaultBatchSize bounds one sweep.
	DefaultBatchSize = 50
)

// Notifier delivers the per-sweep summary to operators.
type Notifier interface {
	NotifyAdmin(ctx context.Context, message string) error
}

// Options tunes the recovery worker.
type Options struct {
	// BatchSize bounds entries examined per sweep.
	BatchSize int
	// Retention is the dead-letter age past which Cleanup removes
	// entries.
	Retention time.Duration
}

// Result summarizes one sweep.
type Result struct {
	Scanned  int
	Requeued int
	// Skipped counts permanently failed entries per grouped reason.
	Skipped map[string]int
}

// Worker scans the dead-letter store, re-enqueues retryable failures
// into their original queues with a growing delay, and reports the
// rest.
type Worker struct {
	dlq    *queue.DeadLetterStore
	jobs   *queue.Manager
	notify Notifier
	opts   Options
	log    *zap.SugaredLogger
}

// New creates a recovery worker. notify may be nil to skip summaries.
func New(dlq *queue.DeadLetterStore, jobs *queue.Manager, notify Notifier, opts Options, log *zap.SugaredLogger) *Worker {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Retention <= 0 {
		opts.Retention = queue.DeadLetterRetention
	}
	return &Worker{
		dlq:    dlq,
		jobs:   jobs,
		notify: notify,
		opts:   opts,
		log:    log.Named("recovery"),
	}
}

// RequeueDelay computes how long a recovered job waits before its next
// attempt: tripling per original attempt from a five-minute floor,
// capped at six hours.
func RequeueDelay(attempts int) time.Duration {
	d := minRequeueDelay
	for i := 1; i < attempts; i++ {
		d *= 3
		if d >= maxRequeueDelay {
			return maxRequeueDelay
		}
	}
	return d
}

// ProcessBatch sweeps up to the configured batch size of dead-letter
// entries: retryable ones are re-enqueued with a delay, the rest
// counted by reason. One aggregate summary is sent per sweep, never
// one per job.
func (w *Worker) ProcessBatch(ctx context.Context) (Result, error) {
	return w.ProcessBatchN(ctx, 0)
}

// ProcessBatchN sweeps up to n entries; n <= 0 means the configured
// batch size. Used by the operator CLI for sized sweeps.
func (w *Worker) ProcessBatchN(ctx context.Context, n int) (Result, error) {
	if n <= 0 {
		n = w.opts.BatchSize
	}
	result := Result{Skipped: make(map[string]int)}

	entries, err := w.dlq.List(ctx, n)
	if err != nil {
		return result, errors.Wrap(err, "failed to list dead-letter entries")
	}

	for _, entry := range entries {
		if entry.RetriedJobID != "" {
			continue // already recovered, kept for audit
		}
		result.Scanned++

		c := Classify(entry.FailedReason)
		if !c.Retryable {
			result.Skipped[c.Reason]++
			continue
		}

		if err := w.requeue(ctx, entry, RequeueDelay(entry.Attempts)); err != nil {
			w.log.Errorw("Failed to requeue dead-letter entry",
				"entry_id", entry.ID, "queue", entry.OriginalQueue, "error", err)
			continue
		}
		result.Requeued++
	}

	if result.Scanned > 0 {
		w.log.Infow("Recovery sweep finished",
			"scanned", result.Scanned,
			"requeued", result.Requeued,
			"skipped", len(result.Skipped))
		w.sendSummary(ctx, result)
	}
	return result, nil
}

// ProcessSingle re-enqueues one entry immediately, bypassing the
// classifier. Used by the operator CLI for deliberate retries.
func (w *Worker) ProcessSingle(ctx context.Context, entryID string) (*queue.Job, error) {
	entry, err := w.dlq.Get(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if entry.RetriedJobID != "" {
		return nil, errors.Newf("entry %s already retried as job %s", entryID, entry.RetriedJobID)
	}
	if err := w.requeue(ctx, entry, 0); err != nil {
		return nil, err
	}
	q, err := w.jobs.Queue(entry.OriginalQueue)
	if err != nil {
		return nil, err
	}
	return q.Get(ctx, entry.RetriedJobID)
}

// Cleanup removes dead-letter entries older than the retention period.
func (w *Worker) Cleanup(ctx context.Context) (int, error) {
	return w.CleanupOlderThan(ctx, 0)
}

// CleanupOlderThan removes entries older than age; age <= 0 means the
// configured retention.
func (w *Worker) CleanupOlderThan(ctx context.Context, age time.Duration) (int, error) {
	if age <= 0 {
		age = w.opts.Retention
	}
	return w.dlq.Cleanup(ctx, age)
}

func (w *Worker) requeue(ctx context.Context, entry *queue.DeadLetterEntry, delay time.Duration) error {
	job, err := w.jobs.Enqueue(ctx, entry.OriginalQueue, entry.JobName, entry.Payload,
		queue.Options{Delay: delay})
	if err != nil {
		return errors.Wrapf(err, "failed to re-enqueue entry %s on %s",
			entry.ID, entry.OriginalQueue)
	}

	entry.RetriedJobID = job.ID
	if err := w.dlq.Update(ctx, entry); err != nil {
		return errors.Wrapf(err, "failed to record retried job for entry %s", entry.ID)
	}
	w.log.Infow("Dead-letter entry requeued",
		"entry_id", entry.ID, "queue", entry.OriginalQueue,
		"job_id", job.ID, "delay", delay)
	return nil
}

func (w *Worker) sendSummary(ctx context.Context, result Result) {
	if w.notify == nil {
		return
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Dead-letter recovery sweep: %d scanned, %d requeued",
		result.Scanned, result.Requeued)
	if len(result.Skipped) > 0 {
		reasons := make([]string, 0, len(result.Skipped))
		for reason := range result.Skipped {
			reasons = append(reasons, reason)
		}
		sort.Strings(reasons)
		parts := make([]string, 0, len(reasons))
		for _, reason := range reasons {
			parts = append(parts, fmt.Sprintf("%s=%d", reason, result.Skipped[reason]))
		}
		fmt.Fprintf(&sb, ", skipped: %s", strings.Join(parts, " "))
	}

	if err := w.notify.NotifyAdmin(ctx, sb.String()); err != nil {
		w.log.Warnw("Failed to send recovery summary", "error", err)
	}
}

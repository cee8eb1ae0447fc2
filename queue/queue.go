package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/loomworks/loom/errors"
	"github.com/loomworks/loom/kv"
)

const (
	// retainedJobs bounds the completed and failed history lists.
	retainedJobs = 100
	// terminalJobTTL expires terminal job bodies so the store does not
	// accumulate them past the history window.
	terminalJobTTL = 24 * time.Hour
	// maxBackoff caps the doubling retry delay.
	maxBackoff = time.Hour
)

// Broker key layout, all under the loom: prefix:
//
//	loom:job:{id}              → JSON job body
//	loom:{q}:wait:{p}          → list of waiting ids, p = 1..10
//	loom:{q}:delayed           → list of delayed ids
//	loom:{q}:active            → list of leased ids
//	loom:{q}:lease:{id}        → worker id, TTL = lock duration
//	loom:{q}:completed         → list of ids, capped
//	loom:{q}:failed            → list of ids, capped
func jobKey(id string) string        { return "loom:job:" + id }
func waitKey(q string, p int) string { return fmt.Sprintf("loom:%s:wait:%d", q, p) }
func delayedKey(q string) string     { return "loom:" + q + ":delayed" }
func activeKey(q string) string      { return "loom:" + q + ":active" }
func leaseKey(q, id string) string   { return "loom:" + q + ":lease:" + id }
func completedKey(q string) string   { return "loom:" + q + ":completed" }
func failedKey(q string) string      { return "loom:" + q + ":failed" }

// Queue is the façade over one named queue: enqueue, lease-based
// acquire/renew, completion, retry with backoff, stalled reclamation
// and bounded history. Delivery is at-least-once; handlers are
// expected to be idempotent.
//
// List read-modify-write sequences are serialized by a process-local
// mutex. Cross-process safety comes from the lease keys: only the
// lease holder settles a job, and an expired lease makes the job
// reclaimable.
type Queue struct {
	def   Def
	store kv.Client
	dlq   *DeadLetterStore
	log   *zap.SugaredLogger

	mu sync.Mutex

	evMu sync.RWMutex
	subs []chan Event

	timeNow func() time.Time
}

// New creates a queue from its definition. dlq may be nil for queues
// that never dead-letter.
func New(def Def, store kv.Client, dlq *DeadLetterStore, log *zap.SugaredLogger) *Queue {
	if def.SkipDeadLetter {
		dlq = nil
	}
	return &Queue{
		def:     def,
		store:   store,
		dlq:     dlq,
		log:     log.Named("queue." + def.Name),
		timeNow: time.Now,
	}
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.def.Name }

// Def returns the queue definition.
func (q *Queue) Def() Def { return q.def }

// Enqueue adds a job. Delayed jobs park in the delayed list until due.
func (q *Queue) Enqueue(ctx context.Context, jobName string, payload json.RawMessage, opts Options) (*Job, error) {
	job, err := NewJob(q.def.Name, jobName, payload, opts)
	if err != nil {
		return nil, err
	}
	if err := q.saveJob(ctx, job, 0); err != nil {
		return nil, err
	}

	var listKey string
	if job.State == StateDelayed {
		listKey = delayedKey(q.def.Name)
	} else {
		listKey = waitKey(q.def.Name, job.Opts.Priority)
	}
	if _, err := q.store.LPush(ctx, listKey, job.ID); err != nil {
		return nil, errors.Wrapf(err, "failed to enqueue job %s on %s", job.ID, q.def.Name)
	}

	q.log.Debugw("Job enqueued",
		"job_id", job.ID, "name", jobName,
		"priority", job.Opts.Priority, "state", job.State)
	return job, nil
}

// Get loads a job body by id.
func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	raw, err := q.store.Get(ctx, jobKey(id))
	if err != nil {
		if errors.IsNotFoundError(err) {
			return nil, errors.Wrapf(errors.ErrJobNotFound, "job %s", id)
		}
		return nil, errors.Wrapf(err, "failed to load job %s", id)
	}
	return unmarshalJob(raw)
}

// Acquire leases the next waiting job to workerID, scanning priorities
// highest-first so a waiting higher-priority job is always dispatched
// before a lower one. Due delayed jobs are promoted first. Returns
// (nil, nil) when the queue is empty.
func (q *Queue) Acquire(ctx context.Context, workerID string) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.promoteDelayedLocked(ctx); err != nil {
		q.log.Warnw("Failed to promote delayed jobs", "error", err)
	}

	for p := PriorityHighest; p <= PriorityLowest; p++ {
		key := waitKey(q.def.Name, p)
		for {
			tail, err := q.store.LRange(ctx, key, -1, -1)
			if err != nil {
				return nil, errors.Wrapf(err, "failed to read wait list %s", key)
			}
			if len(tail) == 0 {
				break
			}
			id := tail[0]
			if err := q.store.LTrim(ctx, key, 0, -2); err != nil {
				return nil, errors.Wrapf(err, "failed to pop wait list %s", key)
			}

			job, err := q.Get(ctx, id)
			if err != nil {
				// Body expired or corrupt; drop the orphaned id.
				q.log.Warnw("Dropping waiting id without a job body",
					"job_id", id, "error", err)
				continue
			}
			if err := q.leaseLocked(ctx, job, workerID); err != nil {
				return nil, err
			}
			return job, nil
		}
	}
	return nil, nil
}

func (q *Queue) leaseLocked(ctx context.Context, job *Job, workerID string) error {
	job.AttemptsMade++
	job.Start()

	if err := q.store.Set(ctx, leaseKey(q.def.Name, job.ID), workerID, q.def.LockDuration); err != nil {
		return errors.Wrapf(err, "failed to write lease for job %s", job.ID)
	}
	if _, err := q.store.LPush(ctx, activeKey(q.def.Name), job.ID); err != nil {
		return errors.Wrapf(err, "failed to mark job %s active", job.ID)
	}
	return q.saveJob(ctx, job, 0)
}

// Renew extends the lease on an active job by the lock duration.
// Returns an error when the lease is already gone, which means the job
// is subject to reclamation.
func (q *Queue) Renew(ctx context.Context, jobID string) error {
	ok, err := q.store.Expire(ctx, leaseKey(q.def.Name, jobID), q.def.LockDuration)
	if err != nil {
		return errors.Wrapf(err, "failed to renew lease for job %s", jobID)
	}
	if !ok {
		return errors.Wrapf(errors.ErrNotFound, "lease for job %s has expired", jobID)
	}
	return nil
}

// Complete settles a job successfully and records it in the bounded
// completed history.
func (q *Queue) Complete(ctx context.Context, job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.settleLocked(ctx, job); err != nil {
		return err
	}
	job.Complete()
	if err := q.saveJob(ctx, job, terminalJobTTL); err != nil {
		return err
	}
	if err := q.appendHistoryLocked(ctx, completedKey(q.def.Name), job.ID); err != nil {
		return err
	}
	q.emit(Event{Type: EventCompleted, Job: job})
	return nil
}

// Fail settles one failed attempt. Below the attempt cap the job is
// re-queued as delayed with a doubling backoff from the queue's base;
// at the cap it is failed terminally and moved to the dead-letter
// store.
func (q *Queue) Fail(ctx context.Context, job *Job, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.settleLocked(ctx, job); err != nil {
		return err
	}

	if job.AttemptsMade >= job.AttemptCap(q.def.Attempts) {
		return q.failTerminalLocked(ctx, job, reason)
	}

	delay := RetryBackoff(q.def.Backoff, job.AttemptsMade)
	job.Defer(q.timeNow().Add(delay), reason)
	if err := q.saveJob(ctx, job, 0); err != nil {
		return err
	}
	if _, err := q.store.LPush(ctx, delayedKey(q.def.Name), job.ID); err != nil {
		return errors.Wrapf(err, "failed to delay job %s", job.ID)
	}
	q.log.Infow("Job failed, retry scheduled",
		"job_id", job.ID, "attempt", job.AttemptsMade,
		"delay", delay, "reason", reason)
	q.emit(Event{Type: EventRetrying, Job: job})
	return nil
}

func (q *Queue) failTerminalLocked(ctx context.Context, job *Job, reason string) error {
	job.Fail(reason)
	if err := q.appendHistoryLocked(ctx, failedKey(q.def.Name), job.ID); err != nil {
		return err
	}

	if q.dlq != nil {
		if err := q.dlq.Add(ctx, job); err != nil {
			// The failure record stands even if the dead-letter copy
			// could not be written.
			q.log.Errorw("Failed to dead-letter job",
				"job_id", job.ID, "error", err)
		} else {
			job.State = StateDeadLettered
		}
	}
	if err := q.saveJob(ctx, job, terminalJobTTL); err != nil {
		return err
	}
	q.log.Warnw("Job failed terminally",
		"job_id", job.ID, "attempts", job.AttemptsMade,
		"reason", reason, "dead_lettered", job.State == StateDeadLettered)
	q.emit(Event{Type: EventFailed, Job: job})
	return nil
}

// ReclaimStalled scans the active list for jobs whose lease has
// expired. Each is returned to its wait list, or failed outright once
// it has stalled more than the queue's limit. Returns the number of
// jobs touched.
func (q *Queue) ReclaimStalled(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ids, err := q.store.LRange(ctx, activeKey(q.def.Name), 0, -1)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to read active list for %s", q.def.Name)
	}

	reclaimed := 0
	for _, id := range ids {
		if _, err := q.store.Get(ctx, leaseKey(q.def.Name, id)); err == nil {
			continue // lease alive
		} else if !errors.IsNotFoundError(err) {
			return reclaimed, errors.Wrapf(err, "failed to check lease for job %s", id)
		}

		job, err := q.Get(ctx, id)
		if err != nil {
			q.removeFromListLocked(ctx, activeKey(q.def.Name), id)
			continue
		}
		if err := q.removeFromListLocked(ctx, activeKey(q.def.Name), id); err != nil {
			return reclaimed, err
		}

		job.StalledCount++
		if job.StalledCount > q.def.MaxStalled {
			if err := q.failTerminalLocked(ctx, job, "job stalled more than allowable limit"); err != nil {
				return reclaimed, err
			}
		} else {
			job.Requeue()
			if err := q.saveJob(ctx, job, 0); err != nil {
				return reclaimed, err
			}
			if _, err := q.store.LPush(ctx, waitKey(q.def.Name, job.Opts.Priority), job.ID); err != nil {
				return reclaimed, errors.Wrapf(err, "failed to requeue stalled job %s", job.ID)
			}
			q.log.Warnw("Reclaimed stalled job",
				"job_id", job.ID, "stalled_count", job.StalledCount)
			q.emit(Event{Type: EventStalled, Job: job})
		}
		reclaimed++
	}
	return reclaimed, nil
}

// Remove drops a waiting or delayed job. Active and terminal jobs
// cannot be removed.
func (q *Queue) Remove(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, err := q.Get(ctx, id)
	if err != nil {
		return err
	}
	switch job.State {
	case StateWaiting:
		if err := q.removeFromListLocked(ctx, waitKey(q.def.Name, job.Opts.Priority), id); err != nil {
			return err
		}
	case StateDelayed:
		if err := q.removeFromListLocked(ctx, delayedKey(q.def.Name), id); err != nil {
			return err
		}
	default:
		return errors.Wrapf(errors.ErrInvalidRequest,
			"job %s is %s and cannot be removed", id, job.State)
	}
	return q.store.Del(ctx, jobKey(id))
}

// WaitingCount reports queue depth: the number of waiting jobs across
// all priorities, excluding delayed and active ones.
func (q *Queue) WaitingCount(ctx context.Context) (int, error) {
	total := 0
	for p := PriorityHighest; p <= PriorityLowest; p++ {
		ids, err := q.store.LRange(ctx, waitKey(q.def.Name, p), 0, -1)
		if err != nil {
			return 0, errors.Wrapf(err, "failed to read wait list for %s", q.def.Name)
		}
		total += len(ids)
	}
	return total, nil
}

// GetJobCounts reports per-state job counts from the broker lists.
func (q *Queue) GetJobCounts(ctx context.Context) (map[State]int, error) {
	waiting, err := q.WaitingCount(ctx)
	if err != nil {
		return nil, err
	}
	counts := map[State]int{StateWaiting: waiting}
	for state, key := range map[State]string{
		StateDelayed:   delayedKey(q.def.Name),
		StateActive:    activeKey(q.def.Name),
		StateCompleted: completedKey(q.def.Name),
		StateFailed:    failedKey(q.def.Name),
	} {
		ids, err := q.store.LRange(ctx, key, 0, -1)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read %s list for %s", state, q.def.Name)
		}
		counts[state] = len(ids)
	}
	return counts, nil
}

// Clean removes terminal jobs older than age from the given history
// list (completed or failed), deleting their bodies. Returns the
// number removed.
func (q *Queue) Clean(ctx context.Context, age time.Duration, state State) (int, error) {
	var key string
	switch state {
	case StateCompleted:
		key = completedKey(q.def.Name)
	case StateFailed:
		key = failedKey(q.def.Name)
	default:
		return 0, errors.Newf("cannot clean %s jobs", state)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	ids, err := q.store.LRange(ctx, key, 0, -1)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to read %s list", key)
	}

	cutoff := q.timeNow().Add(-age)
	var kept []string
	removed := 0
	for _, id := range ids {
		job, err := q.Get(ctx, id)
		if err != nil {
			removed++ // body already expired
			continue
		}
		if job.FinishedAt != nil && job.FinishedAt.Before(cutoff) {
			if err := q.store.Del(ctx, jobKey(id)); err != nil {
				return removed, errors.Wrapf(err, "failed to delete job %s", id)
			}
			removed++
			continue
		}
		kept = append(kept, id)
	}
	if err := q.rewriteListLocked(ctx, key, kept); err != nil {
		return removed, err
	}
	return removed, nil
}

// RetryBackoff computes the delay before the next attempt: the base
// doubles per completed attempt, capped at one hour.
func RetryBackoff(base time.Duration, attemptsMade int) time.Duration {
	if base <= 0 {
		base = defaultBackoff
	}
	d := base
	for i := 1; i < attemptsMade; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}

// settleLocked releases the lease and active-list slot for a job.
func (q *Queue) settleLocked(ctx context.Context, job *Job) error {
	if err := q.removeFromListLocked(ctx, activeKey(q.def.Name), job.ID); err != nil {
		return err
	}
	return q.store.Del(ctx, leaseKey(q.def.Name, job.ID))
}

func (q *Queue) promoteDelayedLocked(ctx context.Context) error {
	key := delayedKey(q.def.Name)
	ids, err := q.store.LRange(ctx, key, 0, -1)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	now := q.timeNow()
	var remaining []string
	for _, id := range ids {
		job, err := q.Get(ctx, id)
		if err != nil {
			continue // orphaned id, drop
		}
		if job.DelayUntil != nil && job.DelayUntil.After(now) {
			remaining = append(remaining, id)
			continue
		}
		job.Requeue()
		if err := q.saveJob(ctx, job, 0); err != nil {
			return err
		}
		if _, err := q.store.LPush(ctx, waitKey(q.def.Name, job.Opts.Priority), id); err != nil {
			return err
		}
	}
	if len(remaining) == len(ids) {
		return nil
	}
	return q.rewriteListLocked(ctx, key, remaining)
}

func (q *Queue) appendHistoryLocked(ctx context.Context, key, id string) error {
	if _, err := q.store.LPush(ctx, key, id); err != nil {
		return errors.Wrapf(err, "failed to append history %s", key)
	}
	return q.store.LTrim(ctx, key, 0, retainedJobs-1)
}

func (q *Queue) removeFromListLocked(ctx context.Context, key, id string) error {
	ids, err := q.store.LRange(ctx, key, 0, -1)
	if err != nil {
		return errors.Wrapf(err, "failed to read list %s", key)
	}
	var kept []string
	for _, existing := range ids {
		if existing != id {
			kept = append(kept, existing)
		}
	}
	if len(kept) == len(ids) {
		return nil
	}
	return q.rewriteListLocked(ctx, key, kept)
}

// rewriteListLocked replaces a list's contents preserving order.
func (q *Queue) rewriteListLocked(ctx context.Context, key string, items []string) error {
	if err := q.store.Del(ctx, key); err != nil {
		return errors.Wrapf(err, "failed to clear list %s", key)
	}
	if len(items) == 0 {
		return nil
	}
	// LPush prepends, so push in reverse to preserve order.
	reversed := make([]string, len(items))
	for i, item := range items {
		reversed[len(items)-1-i] = item
	}
	_, err := q.store.LPush(ctx, key, reversed...)
	return errors.Wrapf(err, "failed to rewrite list %s", key)
}

func (q *Queue) saveJob(ctx context.Context, job *Job, ttl time.Duration) error {
	data, err := marshalJob(job)
	if err != nil {
		return err
	}
	if err := q.store.Set(ctx, jobKey(job.ID), data, ttl); err != nil {
		return errors.Wrapf(err, "failed to save job %s", job.ID)
	}
	return nil
}

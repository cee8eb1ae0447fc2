package queue

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/loomworks/loom/errors"
	"github.com/loomworks/loom/kv"
	"github.com/loomworks/loom/progress"
)

// DedupTTL is the enqueue-side deduplication window.
const DedupTTL = time.Hour

// Manager is the application-facing enqueue layer across all queues:
// deduplication, progress publication, status reads and cancellation.
type Manager struct {
	queues map[string]*Queue
	store  kv.Client
	bus    *progress.Bus
	log    *zap.SugaredLogger
}

// NewManager creates a manager over the given queues.
func NewManager(store kv.Client, bus *progress.Bus, log *zap.SugaredLogger, queues ...*Queue) *Manager {
	byName := make(map[string]*Queue, len(queues))
	for _, q := range queues {
		byName[q.Name()] = q
	}
	return &Manager{
		queues: byName,
		store:  store,
		bus:    bus,
		log:    log.Named("jobs"),
	}
}

// Queue returns a queue by name.
func (m *Manager) Queue(name string) (*Queue, error) {
	q, ok := m.queues[name]
	if !ok {
		return nil, errors.Newf("unknown queue %q", name)
	}
	return q, nil
}

// Queues returns all managed queues.
func (m *Manager) Queues() []*Queue {
	out := make([]*Queue, 0, len(m.queues))
	for _, q := range m.queues {
		out = append(out, q)
	}
	return out
}

// Enqueue adds a job to the named queue. When opts.DedupKey is set and
// a job was enqueued under the same key within the last hour, that
// existing job is returned instead of creating a duplicate. A dedup
// pointer to a vanished job body is cleared and the enqueue proceeds.
// A coordination-store outage degrades gracefully: the job is enqueued
// without dedup protection and a warning is logged.
func (m *Manager) Enqueue(ctx context.Context, queueName, jobName string, payload json.RawMessage, opts Options) (*Job, error) {
	q, err := m.Queue(queueName)
	if err != nil {
		return nil, err
	}

	if opts.DedupKey != "" {
		if existing := m.dedupHit(ctx, q, opts.DedupKey); existing != nil {
			m.log.Debugw("Duplicate enqueue suppressed",
				"queue", queueName, "dedup_key", opts.DedupKey,
				"job_id", existing.ID)
			return existing, nil
		}
	}

	job, err := q.Enqueue(ctx, jobName, payload, opts)
	if err != nil {
		return nil, err
	}

	if opts.DedupKey != "" {
		if err := m.store.Set(ctx, kv.DedupKey(opts.DedupKey), job.ID, DedupTTL); err != nil {
			m.log.Warnw("Failed to record dedup key, duplicates possible",
				"dedup_key", opts.DedupKey, "error", err)
		}
	}
	return job, nil
}

// dedupHit resolves a dedup key to its live job, clearing stale
// pointers along the way. Returns nil when the enqueue should proceed.
func (m *Manager) dedupHit(ctx context.Context, q *Queue, dedupKey string) *Job {
	jobID, err := m.store.Get(ctx, kv.DedupKey(dedupKey))
	if err != nil {
		if !errors.IsNotFoundError(err) {
			m.log.Warnw("Dedup lookup failed, enqueueing without dedup",
				"dedup_key", dedupKey, "error", err)
		}
		return nil
	}

	job, err := q.Get(ctx, jobID)
	if err != nil {
		// Stale pointer: the job body is gone. Clear it so the fresh
		// enqueue can claim the key.
		if delErr := m.store.Del(ctx, kv.DedupKey(dedupKey)); delErr != nil {
			m.log.Warnw("Failed to clear stale dedup pointer",
				"dedup_key", dedupKey, "error", delErr)
		}
		return nil
	}
	return job
}

// UpdateProgress publishes a stage checkpoint for a job, using the
// conventional percent for the stage.
func (m *Manager) UpdateProgress(ctx context.Context, job *Job, stage progress.Stage, message string) error {
	return m.bus.Publish(ctx, progress.Event{
		JobID:          job.ID,
		OrganizationID: job.OrganizationID,
		Stage:          stage,
		Percent:        progress.StagePercent[stage],
		Message:        message,
	})
}

// JobStatus is the read model returned by Status.
type JobStatus struct {
	JobID        string             `json:"jobId"`
	Queue        string             `json:"queue"`
	Name         string             `json:"name"`
	State        State              `json:"state"`
	AttemptsMade int                `json:"attemptsMade"`
	FailedReason string             `json:"failedReason,omitempty"`
	CreatedAt    time.Time          `json:"createdAt"`
	StartedAt    *time.Time         `json:"startedAt,omitempty"`
	FinishedAt   *time.Time         `json:"finishedAt,omitempty"`
	Progress     *progress.Snapshot `json:"progress,omitempty"`
}

// Status reports a job's state plus its last-known progress snapshot.
func (m *Manager) Status(ctx context.Context, queueName, jobID string) (*JobStatus, error) {
	q, err := m.Queue(queueName)
	if err != nil {
		return nil, err
	}
	job, err := q.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	status := &JobStatus{
		JobID:        job.ID,
		Queue:        job.Queue,
		Name:         job.Name,
		State:        job.State,
		AttemptsMade: job.AttemptsMade,
		FailedReason: job.FailedReason,
		CreatedAt:    job.CreatedAt,
		StartedAt:    job.StartedAt,
		FinishedAt:   job.FinishedAt,
	}

	snap, err := m.bus.LastKnown(ctx, jobID)
	if err != nil {
		m.log.Debugw("Failed to read progress snapshot",
			"job_id", jobID, "error", err)
	} else {
		status.Progress = snap
	}
	return status, nil
}

// Cancel removes a waiting or delayed job. Jobs already running or
// settled cannot be cancelled.
func (m *Manager) Cancel(ctx context.Context, queueName, jobID string) error {
	q, err := m.Queue(queueName)
	if err != nil {
		return err
	}
	if err := q.Remove(ctx, jobID); err != nil {
		return err
	}
	m.log.Infow("Job cancelled", "queue", queueName, "job_id", jobID)
	return nil
}

// Counts aggregates per-state counts across all queues, for the
// operator surface.
func (m *Manager) Counts(ctx context.Context) (map[string]map[State]int, error) {
	out := make(map[string]map[State]int, len(m.queues))
	for name, q := range m.queues {
		counts, err := q.GetJobCounts(ctx)
		if err != nil {
			return nil, err
		}
		out[name] = counts
	}
	return out, nil
}

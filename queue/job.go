// Package queue implements the typed job queues at the heart of the
// platform: the job model and its state machine, the KV-backed queue
// façade with lease-based ownership, the job-manager layer
// (deduplication, priority, timeout, progress, cancellation) and the
// dead-letter store.
package queue

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/errors"
)

// State represents the current state of a job. Transitions are driven
// solely by the queue façade and the worker that holds the lease.
type State string

const (
	StateWaiting      State = "waiting"
	StateDelayed      State = "delayed"
	StateActive       State = "active"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
	StateDeadLettered State = "dead-lettered"
)

// IsValidState returns true if the string is a valid job State.
func IsValidState(s string) bool {
	switch State(s) {
	case StateWaiting, StateDelayed, StateActive,
		StateCompleted, StateFailed, StateDeadLettered:
		return true
	default:
		return false
	}
}

// Terminal reports whether the state admits no further transitions
// besides dead-lettering.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateDeadLettered
}

const (
	// PriorityHighest and PriorityLowest bound the accepted range;
	// 1 is served first.
	PriorityHighest = 1
	PriorityLowest  = 10
	// DefaultPriority applies when the enqueuer does not set one.
	DefaultPriority = 5
)

// Options is the per-job extended options record.
type Options struct {
	// Priority 1-10, 1 = highest. Values outside the range are clamped.
	Priority int `json:"priority,omitempty"`
	// DedupKey suppresses duplicate enqueues for one hour.
	DedupKey string `json:"dedupKey,omitempty"`
	// Timeout bounds one handler invocation. Zero means no deadline.
	Timeout time.Duration `json:"timeout,omitempty"`
	// Delay defers the first dispatch.
	Delay time.Duration `json:"delay,omitempty"`
	// Attempts caps total invocations. Zero means the queue default.
	// Callers thinking in retries pass retries+1.
	Attempts int `json:"attempts,omitempty"`
}

// Job is a unit of work owned by a queue until a worker acquires its
// lease; it is released back on lease expiry or moved to dead-letter on
// terminal failure.
type Job struct {
	ID      string          `json:"id"`
	Queue   string          `json:"queue"`
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Opts    Options         `json:"opts"`

	// Tenant identity carried through to the handler context.
	OrganizationID string `json:"organizationId,omitempty"`
	UserID         string `json:"userId,omitempty"`

	State        State  `json:"state"`
	AttemptsMade int    `json:"attemptsMade"`
	StalledCount int    `json:"stalledCount,omitempty"`
	FailedReason string `json:"failedReason,omitempty"`

	CreatedAt  time.Time  `json:"createdAt"`
	DelayUntil *time.Time `json:"delayUntil,omitempty"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// tenantPayload is the envelope every job payload carries (§ tenant
// context); extraction tolerates payloads without it.
type tenantPayload struct {
	OrganizationID string `json:"organizationId"`
	UserID         string `json:"userId"`
}

// NewJob creates a waiting (or delayed) job for a queue.
func NewJob(queueName, jobName string, payload json.RawMessage, opts Options) (*Job, error) {
	if queueName == "" {
		return nil, errors.New("queue name cannot be empty")
	}
	if jobName == "" {
		return nil, errors.New("job name cannot be empty")
	}
	opts.Priority = ClampPriority(opts.Priority)

	now := time.Now()
	job := &Job{
		ID:        uuid.NewString(),
		Queue:     queueName,
		Name:      jobName,
		Payload:   payload,
		Opts:      opts,
		State:     StateWaiting,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if len(payload) > 0 {
		var tp tenantPayload
		if err := json.Unmarshal(payload, &tp); err == nil {
			job.OrganizationID = tp.OrganizationID
			job.UserID = tp.UserID
		}
	}

	if opts.Delay > 0 {
		until := now.Add(opts.Delay)
		job.State = StateDelayed
		job.DelayUntil = &until
	}
	return job, nil
}

// ClampPriority maps any value into [1, 10], defaulting zero.
func ClampPriority(p int) int {
	if p == 0 {
		return DefaultPriority
	}
	if p < PriorityHighest {
		return PriorityHighest
	}
	if p > PriorityLowest {
		return PriorityLowest
	}
	return p
}

// Start marks the job active for one attempt.
func (j *Job) Start() {
	now := time.Now()
	j.State = StateActive
	j.StartedAt = &now
	j.UpdatedAt = now
	j.DelayUntil = nil
}

// Complete marks the job completed.
func (j *Job) Complete() {
	now := time.Now()
	j.State = StateCompleted
	j.FinishedAt = &now
	j.UpdatedAt = now
}

// Fail marks the job failed with a reason.
func (j *Job) Fail(reason string) {
	now := time.Now()
	j.State = StateFailed
	j.FailedReason = reason
	j.FinishedAt = &now
	j.UpdatedAt = now
}

// Defer schedules a retry after the backoff elapses.
func (j *Job) Defer(until time.Time, reason string) {
	j.State = StateDelayed
	j.DelayUntil = &until
	j.FailedReason = reason
	j.StartedAt = nil
	j.UpdatedAt = time.Now()
}

// Requeue returns a reclaimed job to the waiting state.
func (j *Job) Requeue() {
	j.State = StateWaiting
	j.StartedAt = nil
	j.DelayUntil = nil
	j.UpdatedAt = time.Now()
}

// AttemptCap resolves the effective attempt limit against the queue
// default.
func (j *Job) AttemptCap(queueDefault int) int {
	if j.Opts.Attempts > 0 {
		return j.Opts.Attempts
	}
	if queueDefault > 0 {
		return queueDefault
	}
	return 1
}

// Duration reports wall-clock processing time for finished jobs.
func (j *Job) Duration() time.Duration {
	if j.StartedAt == nil || j.FinishedAt == nil {
		return 0
	}
	return j.FinishedAt.Sub(*j.StartedAt)
}

func marshalJob(j *Job) (string, error) {
	data, err := json.Marshal(j)
	if err != nil {
		return "", errors.Wrapf(err, "failed to marshal job %s", j.ID)
	}
	return string(data), nil
}

func unmarshalJob(data string) (*Job, error) {
	var j Job
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal job")
	}
	return &j, nil
}

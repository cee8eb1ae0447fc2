package handlers

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/loomworks/loom/errors"
	"github.com/loomworks/loom/queue"
)

// JobScheduledTask is the job name served by the scheduled-task
// handler.
const JobScheduledTask = "scheduled.task"

type scheduledTaskPayload struct {
	OrganizationID string          `json:"organizationId"`
	Task           string          `json:"task"`
	Args           json.RawMessage `json:"args,omitempty"`
}

// ScheduledTaskFunc is one named unit of deferred maintenance work.
type ScheduledTaskFunc func(ctx context.Context, args json.RawMessage) error

// ScheduledTaskHandler dispatches queued maintenance work by task name.
// The scheduler enqueues these instead of running heavy work inside its
// own tick, so long tasks compete for worker slots like everything
// else.
type ScheduledTaskHandler struct {
	tasks map[string]ScheduledTaskFunc
	log   *zap.SugaredLogger
}

// NewScheduledTaskHandler creates the handler over a fixed task table.
func NewScheduledTaskHandler(tasks map[string]ScheduledTaskFunc, log *zap.SugaredLogger) *ScheduledTaskHandler {
	if tasks == nil {
		tasks = make(map[string]ScheduledTaskFunc)
	}
	return &ScheduledTaskHandler{tasks: tasks, log: log.Named("scheduled")}
}

func (h *ScheduledTaskHandler) Name() string { return JobScheduledTask }

func (h *ScheduledTaskHandler) Execute(ctx context.Context, job *queue.Job) error {
	var p scheduledTaskPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return errors.Wrap(err, "invalid input: malformed scheduled task payload")
	}
	fn, ok := h.tasks[p.Task]
	if !ok {
		return errors.Newf("invalid input: unknown scheduled task %q", p.Task)
	}

	h.log.Infow("Scheduled task running", "task", p.Task, "job_id", job.ID)
	if err := fn(ctx, p.Args); err != nil {
		return errors.Wrapf(err, "scheduled task %s failed", p.Task)
	}
	return nil
}

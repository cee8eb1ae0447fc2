package handlers

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/loomworks/loom/errors"
	"github.com/loomworks/loom/progress"
	"github.com/loomworks/loom/queue"
)

// JobOrchestrate is the job name served by the orchestration handler.
const JobOrchestrate = "orchestration.run"

type orchestrationPayload struct {
	OrchestrationRequest
	EventID string `json:"eventId"`
}

// OrchestrationHandler drives one agent session and hands the outcome
// to the notifications queue. Success always notifies; failure
// notifies only on the final attempt, so a retry that later succeeds
// still delivers its output instead of hiding behind an earlier error
// message's sent marker.
type OrchestrationHandler struct {
	orch Orchestrator
	jobs *queue.Manager
	log  *zap.SugaredLogger
}

// NewOrchestrationHandler creates the orchestration handler.
func NewOrchestrationHandler(orch Orchestrator, jobs *queue.Manager, log *zap.SugaredLogger) *OrchestrationHandler {
	return &OrchestrationHandler{orch: orch, jobs: jobs, log: log.Named("orchestration")}
}

func (h *OrchestrationHandler) Name() string { return JobOrchestrate }

func (h *OrchestrationHandler) Execute(ctx context.Context, job *queue.Job) error {
	var p orchestrationPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return errors.Wrap(err, "invalid input: malformed orchestration payload")
	}
	if p.EventID == "" {
		return errors.New("invalid input: orchestration requires an eventId")
	}

	if err := h.jobs.UpdateProgress(ctx, job, progress.StageProcessing, "agent session running"); err != nil {
		h.log.Debugw("Failed to publish progress", "job_id", job.ID, "error", err)
	}

	result, runErr := h.orch.Orchestrate(ctx, p.OrchestrationRequest)
	if runErr != nil {
		if !h.finalAttempt(job) {
			return errors.Wrapf(runErr, "orchestration failed for event %s", p.EventID)
		}
		h.notify(ctx, job, notificationPayload{
			OrganizationID: p.OrganizationID,
			UserID:         p.UserID,
			EventID:        p.EventID,
			Channel:        p.Channel,
			ErrorText:      runErr.Error(),
			CorrelationID:  p.CorrelationID,
		})
		return errors.Wrapf(runErr, "orchestration failed for event %s", p.EventID)
	}

	h.log.Infow("Orchestration finished",
		"event_id", p.EventID,
		"organization_id", p.OrganizationID,
		"category", result.Metadata.Category,
		"model", result.Metadata.Model)

	h.notify(ctx, job, notificationPayload{
		OrganizationID: p.OrganizationID,
		UserID:         p.UserID,
		EventID:        p.EventID,
		Channel:        p.Channel,
		Text:           result.Output,
		CorrelationID:  p.CorrelationID,
	})
	return nil
}

// notify enqueues the outcome message. The enqueue is best-effort: a
// notification that cannot be queued must not fail an otherwise
// finished run, and on the failure path the original error already
// carries the diagnosis.
func (h *OrchestrationHandler) notify(ctx context.Context, job *queue.Job, p notificationPayload) {
	data, err := json.Marshal(p)
	if err != nil {
		h.log.Errorw("Failed to marshal notification payload",
			"event_id", p.EventID, "error", err)
		return
	}
	opts := queue.Options{DedupKey: "notification:" + p.EventID}
	if _, err := h.jobs.Enqueue(ctx, queue.QueueNotifications, JobNotificationSend, data, opts); err != nil {
		h.log.Errorw("Failed to enqueue notification",
			"event_id", p.EventID, "job_id", job.ID, "error", err)
	}
}

// finalAttempt reports whether this attempt exhausts the job's budget.
// An unknown queue reads as final so the error still reaches the user.
func (h *OrchestrationHandler) finalAttempt(job *queue.Job) bool {
	q, err := h.jobs.Queue(job.Queue)
	if err != nil {
		return true
	}
	return job.AttemptsMade >= job.AttemptCap(q.Def().Attempts)
}

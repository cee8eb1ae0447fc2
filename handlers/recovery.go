package handlers

import (
	"context"

	"go.uber.org/zap"

	"github.com/loomworks/loom/errors"
	"github.com/loomworks/loom/queue"
	"github.com/loomworks/loom/recovery"
)

// JobDLQRecoverySweep is the job name served by the recovery-sweep
// handler.
const JobDLQRecoverySweep = "dlq.recovery-sweep"

// RecoverySweepHandler runs one dead-letter recovery sweep. The sweep
// itself is queued work on the single-slot recovery queue, so two
// instances never sweep concurrently.
type RecoverySweepHandler struct {
	recovery *recovery.Worker
	log      *zap.SugaredLogger
}

// NewRecoverySweepHandler creates the sweep handler.
func NewRecoverySweepHandler(w *recovery.Worker, log *zap.SugaredLogger) *RecoverySweepHandler {
	return &RecoverySweepHandler{recovery: w, log: log.Named("recovery")}
}

func (h *RecoverySweepHandler) Name() string { return JobDLQRecoverySweep }

func (h *RecoverySweepHandler) Execute(ctx context.Context, job *queue.Job) error {
	result, err := h.recovery.ProcessBatch(ctx)
	if err != nil {
		return errors.Wrap(err, "recovery sweep failed")
	}
	h.log.Infow("Recovery sweep finished",
		"scanned", result.Scanned,
		"requeued", result.Requeued,
		"skipped", len(result.Skipped),
		"job_id", job.ID)
	return nil
}

package handlers

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/loomworks/loom/errors"
	"github.com/loomworks/loom/progress"
	"github.com/loomworks/loom/queue"
	"github.com/loomworks/loom/store"
)

// JobInstallationSync is the job name served by the installation
// handler.
const JobInstallationSync = "installation.sync"

type installationPayload struct {
	OrganizationID string `json:"organizationId"`
	UserID         string `json:"userId"`
	InstallationID string `json:"installationId"`
}

// InstallationHandler reconciles one external installation. Runs are
// long and low-concurrency; each leaves a durable execution record so
// operators can audit install history after the queue's terminal-job
// TTL has passed.
type InstallationHandler struct {
	svc        InstallationService
	executions *store.ExecutionStore
	jobs       *queue.Manager
	log        *zap.SugaredLogger
}

var timeNow = time.Now

// NewInstallationHandler creates the installation handler. executions
// may be nil to skip the durable record (tests).
func NewInstallationHandler(svc InstallationService, executions *store.ExecutionStore, jobs *queue.Manager, log *zap.SugaredLogger) *InstallationHandler {
	return &InstallationHandler{
		svc:        svc,
		executions: executions,
		jobs:       jobs,
		log:        log.Named("installations"),
	}
}

func (h *InstallationHandler) Name() string { return JobInstallationSync }

func (h *InstallationHandler) Execute(ctx context.Context, job *queue.Job) error {
	var p installationPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return errors.Wrap(err, "invalid input: malformed installation payload")
	}
	if p.InstallationID == "" {
		return errors.New("invalid input: installation sync requires installationId")
	}

	execID := h.recordStart(p.InstallationID, job.ID)

	if err := h.jobs.UpdateProgress(ctx, job, progress.StageProcessing, "syncing installation"); err != nil {
		h.log.Debugw("Failed to publish progress", "job_id", job.ID, "error", err)
	}

	err := h.svc.Sync(ctx, p.InstallationID)
	h.recordFinish(execID, err)
	if err != nil {
		return errors.Wrapf(err, "installation sync failed for %s", p.InstallationID)
	}
	h.log.Infow("Installation synced",
		"installation_id", p.InstallationID, "organization_id", p.OrganizationID)
	return nil
}

func (h *InstallationHandler) recordStart(installationID, jobID string) string {
	if h.executions == nil {
		return ""
	}
	now := timeNow()
	exec := &store.Execution{
		ID:         uuid.NewString(),
		TaskName:   "installation:" + installationID,
		InstanceID: jobID,
		Status:     store.ExecutionStatusRunning,
		StartedAt:  now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := h.executions.CreateExecution(exec); err != nil {
		h.log.Warnw("Failed to record installation start",
			"installation_id", installationID, "error", err)
		return ""
	}
	return exec.ID
}

func (h *InstallationHandler) recordFinish(execID string, runErr error) {
	if h.executions == nil || execID == "" {
		return
	}
	now := timeNow()
	exec := &store.Execution{
		ID:          execID,
		Status:      store.ExecutionStatusCompleted,
		CompletedAt: &now,
		UpdatedAt:   now,
	}
	if runErr != nil {
		exec.Status = store.ExecutionStatusFailed
		msg := runErr.Error()
		exec.ErrorMessage = &msg
	}
	if err := h.executions.UpdateExecution(exec); err != nil {
		h.log.Warnw("Failed to record installation finish",
			"execution_id", execID, "error", err)
	}
}

package runtime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/loomworks/loom/cron"
	"github.com/loomworks/loom/errors"
	"github.com/loomworks/loom/handlers"
	"github.com/loomworks/loom/queue"
)

// Built-in scheduled task names.
const (
	taskRefreshAnalytics = "refresh-analytics-views"
	taskCleanupSessions  = "cleanup-expired-sessions"
	taskKVCheck          = "kv-memory-check"
	taskRecoverySweep    = "dlq-recovery-sweep"
	taskRetention        = "dead-letter-retention"
)

// registerCronTasks installs the standing maintenance schedule. Heavy
// work is enqueued onto the scheduled-tasks queue rather than run in
// the cron tick, so it competes for worker slots and shows up in queue
// metrics like everything else.
func (r *Runtime) registerCronTasks() error {
	tasks := []cron.Task{
		{
			Name:     taskRefreshAnalytics,
			Schedule: "0 * * * *",
			Run:      r.enqueueScheduledTask(taskRefreshAnalytics),
		},
		{
			Name:     taskCleanupSessions,
			Schedule: "0 3 * * *",
			Run:      r.enqueueScheduledTask(taskCleanupSessions),
		},
		{
			Name:     taskKVCheck,
			Schedule: "*/15 * * * *",
			Run:      r.checkKV,
		},
		{
			Name:     taskRecoverySweep,
			Schedule: "*/30 * * * *",
			Run:      r.enqueueRecoverySweep,
		},
		{
			Name:     taskRetention,
			Schedule: "0 4 * * *",
			Run:      r.runRetention,
		},
	}
	for _, task := range tasks {
		if err := r.scheduler.AddTask(task); err != nil {
			return err
		}
	}
	return nil
}

// enqueueScheduledTask defers a named maintenance task to the
// scheduled-tasks queue.
func (r *Runtime) enqueueScheduledTask(name string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		payload, err := json.Marshal(map[string]string{
			"organizationId": r.cfg.Admin.OrganizationID,
			"task":           name,
		})
		if err != nil {
			return errors.Wrapf(err, "failed to marshal payload for task %s", name)
		}
		_, err = r.jobs.Enqueue(ctx, queue.QueueScheduledTasks, handlers.JobScheduledTask, payload, queue.Options{})
		return err
	}
}

// enqueueRecoverySweep queues one dead-letter sweep. The single-slot
// recovery queue serializes sweeps even if schedules overlap.
func (r *Runtime) enqueueRecoverySweep(ctx context.Context) error {
	_, err := r.jobs.Enqueue(ctx, queue.QueueDLQRecovery, handlers.JobDLQRecoverySweep, json.RawMessage(`{}`), queue.Options{})
	return err
}

// checkKV round-trips a probe key through the coordination store.
func (r *Runtime) checkKV(ctx context.Context) error {
	const probe = "loom:probe"
	value := time.Now().UTC().Format(time.RFC3339Nano)
	if err := r.kvStore.Set(ctx, probe, value, time.Minute); err != nil {
		return errors.Wrap(err, "coordination store write failed")
	}
	got, err := r.kvStore.Get(ctx, probe)
	if err != nil {
		return errors.Wrap(err, "coordination store read failed")
	}
	if got != value {
		return errors.Newf("coordination store probe mismatch: wrote %q, read %q", value, got)
	}
	return nil
}

// runRetention ages out dead-letter entries and old execution rows.
func (r *Runtime) runRetention(ctx context.Context) error {
	removed, err := r.recovery.Cleanup(ctx)
	if err != nil {
		return err
	}
	deleted := 0
	if r.executions != nil && r.cfg.Scheduler.RetentionDays > 0 {
		deleted, err = r.executions.CleanupOldExecutions(r.cfg.Scheduler.RetentionDays)
		if err != nil {
			return err
		}
	}
	r.log.Infow("Retention pass finished",
		"dead_letters_removed", removed, "executions_deleted", deleted)
	return nil
}

// Package cron runs scheduled tasks across multiple instances. A
// coordination-store lease (set-if-absent with TTL, compare-and-delete
// release) guarantees each tick runs on exactly one instance; the
// others record a skip and move on.
package cron

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	robfig "github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/loomworks/loom/errors"
	"github.com/loomworks/loom/kv"
	"github.com/loomworks/loom/store"
)

// Task is one scheduled unit of work.
type Task struct {
	// Name identifies the task in locks, history and the CLI.
	Name string
	// Schedule is a standard five-field cron expression, evaluated in
	// UTC.
	Schedule string
	// Run does the work. It must tolerate running on any instance.
	Run func(ctx context.Context) error
}

// Options tunes the scheduler.
type Options struct {
	// LockTTL bounds how long a crashed instance can hold a task lease.
	LockTTL time.Duration
	// HistoryLimit bounds the per-task KV history list.
	HistoryLimit int
	// HistoryTTL expires the per-task KV history.
	HistoryTTL time.Duration
}

// HistoryEntry is one run record in the bounded KV history.
type HistoryEntry struct {
	Task       string    `json:"task"`
	InstanceID string    `json:"instanceId"`
	Status     string    `json:"status"`
	StartedAt  time.Time `json:"startedAt"`
	DurationMs int64     `json:"durationMs"`
	Error      string    `json:"error,omitempty"`
}

// TaskStatus is the operator read model for one task.
type TaskStatus struct {
	Name     string        `json:"name"`
	Schedule string        `json:"schedule"`
	Enabled  bool          `json:"enabled"`
	NextRun  time.Time     `json:"nextRun,omitempty"`
	LastRun  *HistoryEntry `json:"lastRun,omitempty"`
}

type taskState struct {
	task    Task
	entryID robfig.EntryID
	enabled bool
}

// Scheduler owns the cron runner and the task lease protocol.
type Scheduler struct {
	cron       *robfig.Cron
	kvStore    kv.Client
	executions *store.ExecutionStore
	instanceID string
	opts       Options
	log        *zap.SugaredLogger

	mu    sync.Mutex
	tasks map[string]*taskState

	timeNow func() time.Time
}

// New creates a scheduler. executions may be nil to skip the durable
// relational record (tests).
func New(kvStore kv.Client, executions *store.ExecutionStore, opts Options, log *zap.SugaredLogger) *Scheduler {
	if opts.LockTTL <= 0 {
		opts.LockTTL = time.Hour
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 100
	}
	if opts.HistoryTTL <= 0 {
		opts.HistoryTTL = 168 * time.Hour
	}
	return &Scheduler{
		cron:       robfig.New(robfig.WithLocation(time.UTC)),
		kvStore:    kvStore,
		executions: executions,
		instanceID: uuid.NewString(),
		opts:       opts,
		log:        log.Named("cron"),
		tasks:      make(map[string]*taskState),
		timeNow:    time.Now,
	}
}

// InstanceID identifies this scheduler in task leases.
func (s *Scheduler) InstanceID() string { return s.instanceID }

// AddTask registers a task with the cron runner.
func (s *Scheduler) AddTask(task Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[task.Name]; exists {
		return errors.Newf("task %s already registered", task.Name)
	}

	st := &taskState{task: task, enabled: true}
	entryID, err := s.cron.AddFunc(task.Schedule, func() {
		s.runTask(context.Background(), task.Name)
	})
	if err != nil {
		return errors.Wrapf(err, "invalid schedule %q for task %s", task.Schedule, task.Name)
	}
	st.entryID = entryID
	s.tasks[task.Name] = st
	return nil
}

// Start begins firing schedules.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Infow("Scheduler started",
		"instance_id", s.instanceID, "tasks", len(s.tasks))
}

// Stop halts schedules and waits for running tasks.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info("Scheduler stopped")
}

// Enable re-enables a disabled task.
func (s *Scheduler) Enable(name string) error { return s.setEnabled(name, true) }

// Disable stops a task from running on this instance. The schedule
// still fires, but the run is a no-op.
func (s *Scheduler) Disable(name string) error { return s.setEnabled(name, false) }

func (s *Scheduler) setEnabled(name string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.tasks[name]
	if !ok {
		return errors.Newf("unknown task %s", name)
	}
	st.enabled = enabled
	s.log.Infow("Task toggled", "task", name, "enabled", enabled)
	return nil
}

// RunTaskNow fires a task out of schedule. The lease protocol still
// applies, so a concurrently running instance wins and this call
// reports a skip.
func (s *Scheduler) RunTaskNow(ctx context.Context, name string) error {
	s.mu.Lock()
	_, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return errors.Newf("unknown task %s", name)
	}
	return s.runTask(ctx, name)
}

// runTask acquires the task lease, runs the task and records the
// outcome. Returns nil on skip: not winning the lease is normal.
func (s *Scheduler) runTask(ctx context.Context, name string) error {
	s.mu.Lock()
	st, ok := s.tasks[name]
	enabled := ok && st.enabled
	s.mu.Unlock()
	if !ok {
		return errors.Newf("unknown task %s", name)
	}
	if !enabled {
		return nil
	}

	lockKey := kv.CronLockKey(name)
	won, err := s.kvStore.SetNX(ctx, lockKey, s.instanceID, s.opts.LockTTL)
	if err != nil {
		return errors.Wrapf(err, "failed to acquire lease for task %s", name)
	}
	if !won {
		s.log.Debugw("Task lease held elsewhere, skipping",
			"task", name, "instance_id", s.instanceID)
		s.recordSkip(name)
		return nil
	}
	defer func() {
		// Release only our own lease; a TTL-expired lease may already
		// belong to another instance.
		released, err := s.kvStore.CompareAndDelete(ctx, lockKey, s.instanceID)
		if err != nil {
			s.log.Warnw("Failed to release task lease", "task", name, "error", err)
		} else if !released {
			s.log.Warnw("Task lease no longer ours at release",
				"task", name, "instance_id", s.instanceID)
		}
	}()

	started := s.timeNow()
	execID := s.recordStart(name, started)
	s.log.Infow("Task starting", "task", name, "instance_id", s.instanceID)

	runErr := s.safeRun(ctx, st.task)
	duration := s.timeNow().Sub(started)

	entry := HistoryEntry{
		Task:       name,
		InstanceID: s.instanceID,
		Status:     string(store.ExecutionStatusCompleted),
		StartedAt:  started,
		DurationMs: duration.Milliseconds(),
	}
	if runErr != nil {
		entry.Status = string(store.ExecutionStatusFailed)
		entry.Error = runErr.Error()
		s.log.Errorw("Task failed",
			"task", name, "duration", duration, "error", runErr)
	} else {
		s.log.Infow("Task finished", "task", name, "duration", duration)
	}

	s.appendHistory(ctx, entry)
	s.recordFinish(execID, entry, started)
	return runErr
}

// safeRun converts a panicking task into an error.
func (s *Scheduler) safeRun(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("task crashed: %v", r)
		}
	}()
	return task.Run(ctx)
}

// History reads the bounded KV run history for a task, newest first.
func (s *Scheduler) History(ctx context.Context, name string, limit int) ([]HistoryEntry, error) {
	stop := int64(s.opts.HistoryLimit - 1)
	if limit > 0 && limit < s.opts.HistoryLimit {
		stop = int64(limit) - 1
	}
	raws, err := s.kvStore.LRange(ctx, kv.CronExecutionsKey(name), 0, stop)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read history for task %s", name)
	}

	out := make([]HistoryEntry, 0, len(raws))
	for _, raw := range raws {
		var entry HistoryEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

// Status reports every registered task with its next fire time and
// last recorded run.
func (s *Scheduler) Status(ctx context.Context) ([]TaskStatus, error) {
	s.mu.Lock()
	states := make([]*taskState, 0, len(s.tasks))
	for _, st := range s.tasks {
		states = append(states, st)
	}
	s.mu.Unlock()

	out := make([]TaskStatus, 0, len(states))
	for _, st := range states {
		ts := TaskStatus{
			Name:     st.task.Name,
			Schedule: st.task.Schedule,
			Enabled:  st.enabled,
		}
		if entry := s.cron.Entry(st.entryID); entry.ID == st.entryID {
			ts.NextRun = entry.Next
		}
		history, err := s.History(ctx, st.task.Name, 1)
		if err != nil {
			return nil, err
		}
		if len(history) > 0 {
			ts.LastRun = &history[0]
		}
		out = append(out, ts)
	}
	return out, nil
}

func (s *Scheduler) appendHistory(ctx context.Context, entry HistoryEntry) {
	data, err := json.Marshal(entry)
	if err != nil {
		s.log.Warnw("Failed to marshal history entry", "task", entry.Task, "error", err)
		return
	}
	key := kv.CronExecutionsKey(entry.Task)
	if _, err := s.kvStore.LPush(ctx, key, string(data)); err != nil {
		s.log.Warnw("Failed to append task history", "task", entry.Task, "error", err)
		return
	}
	if err := s.kvStore.LTrim(ctx, key, 0, int64(s.opts.HistoryLimit-1)); err != nil {
		s.log.Warnw("Failed to trim task history", "task", entry.Task, "error", err)
	}
	if _, err := s.kvStore.Expire(ctx, key, s.opts.HistoryTTL); err != nil {
		s.log.Warnw("Failed to expire task history", "task", entry.Task, "error", err)
	}
}

// recordStart inserts the durable running row, returning its id.
func (s *Scheduler) recordStart(name string, started time.Time) string {
	if s.executions == nil {
		return ""
	}
	exec := &store.Execution{
		ID:         uuid.NewString(),
		TaskName:   name,
		InstanceID: s.instanceID,
		Status:     store.ExecutionStatusRunning,
		StartedAt:  started,
		CreatedAt:  started,
		UpdatedAt:  started,
	}
	if err := s.executions.CreateExecution(exec); err != nil {
		s.log.Warnw("Failed to record execution start", "task", name, "error", err)
		return ""
	}
	return exec.ID
}

func (s *Scheduler) recordFinish(execID string, entry HistoryEntry, started time.Time) {
	if s.executions == nil || execID == "" {
		return
	}
	finished := started.Add(time.Duration(entry.DurationMs) * time.Millisecond)
	exec := &store.Execution{
		ID:          execID,
		Status:      store.ExecutionStatus(entry.Status),
		CompletedAt: &finished,
		DurationMs:  &entry.DurationMs,
		UpdatedAt:   finished,
	}
	if entry.Error != "" {
		exec.ErrorMessage = &entry.Error
	}
	if err := s.executions.UpdateExecution(exec); err != nil {
		s.log.Warnw("Failed to record execution finish",
			"task", entry.Task, "error", err)
	}
}

func (s *Scheduler) recordSkip(name string) {
	if s.executions == nil {
		return
	}
	now := s.timeNow()
	exec := &store.Execution{
		ID:         uuid.NewString(),
		TaskName:   name,
		InstanceID: s.instanceID,
		Status:     store.ExecutionStatusSkipped,
		StartedAt:  now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.executions.CreateExecution(exec); err != nil {
		s.log.Warnw("Failed to record skipped execution", "task", name, "error", err)
	}
}

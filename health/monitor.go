// Package health tracks worker liveness through coordination-store
// heartbeats and per-worker processing counters.
package health

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/loomworks/loom/errors"
	"github.com/loomworks/loom/kv"
)

// Status classifies a worker's liveness.
type Status string

const (
	// StatusHealthy means a heartbeat landed within the stall cutoff.
	StatusHealthy Status = "healthy"
	// StatusStalled means the worker is expected to run but its last
	// heartbeat is too old or gone.
	StatusStalled Status = "stalled"
	// StatusStopped means the worker deregistered cleanly.
	StatusStopped Status = "stopped"
)

// Options tunes heartbeat cadence and stall detection.
type Options struct {
	// Interval between heartbeats.
	Interval time.Duration
	// TTL on the heartbeat key; a dead worker's key vanishes after it.
	TTL time.Duration
	// StalledAfter is the heartbeat age past which a worker counts as
	// stalled.
	StalledAfter time.Duration
}

// stats hash fields.
const (
	fieldCompleted  = "completed"
	fieldFailed     = "failed"
	fieldDurationMS = "total_duration_ms"
)

// Monitor writes and reads worker heartbeats and lifetime counters.
type Monitor struct {
	store kv.Client
	opts  Options
	log   *zap.SugaredLogger

	mu      sync.Mutex
	running map[string]bool

	timeNow func() time.Time
}

// NewMonitor creates a monitor. Zero option fields get the
// conventional 15s/60s/45s values.
func NewMonitor(store kv.Client, opts Options, log *zap.SugaredLogger) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = 15 * time.Second
	}
	if opts.TTL <= 0 {
		opts.TTL = 60 * time.Second
	}
	if opts.StalledAfter <= 0 {
		opts.StalledAfter = 45 * time.Second
	}
	return &Monitor{
		store:   store,
		opts:    opts,
		log:     log.Named("health"),
		running: make(map[string]bool),
		timeNow: time.Now,
	}
}

// Track adds workers to the overview without marking them as running
// in this process. Heartbeats are read from the coordination store, so
// a monitor that hosts no workers can still observe the fleet; a
// tracked worker with no heartbeat reads as stopped.
func (m *Monitor) Track(names ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, name := range names {
		if _, known := m.running[name]; !known {
			m.running[name] = false
		}
	}
}

// Register marks a worker as expected to be running and writes its
// first heartbeat.
func (m *Monitor) Register(ctx context.Context, name string) error {
	m.mu.Lock()
	m.running[name] = true
	m.mu.Unlock()
	return m.Beat(ctx, name)
}

// Deregister removes the heartbeat on clean shutdown so the worker
// reads as stopped rather than stalled.
func (m *Monitor) Deregister(ctx context.Context, name string) error {
	m.mu.Lock()
	m.running[name] = false
	m.mu.Unlock()
	return m.store.Del(ctx, kv.WorkerHealthKey(name))
}

// Beat writes one heartbeat: current epoch milliseconds under the
// worker's health key with the configured TTL.
func (m *Monitor) Beat(ctx context.Context, name string) error {
	ms := strconv.FormatInt(m.timeNow().UnixMilli(), 10)
	if err := m.store.Set(ctx, kv.WorkerHealthKey(name), ms, m.opts.TTL); err != nil {
		return errors.Wrapf(err, "failed to write heartbeat for %s", name)
	}
	return nil
}

// RunHeartbeat beats on the configured interval until the context is
// cancelled, then deregisters. Run as a goroutine per worker.
func (m *Monitor) RunHeartbeat(ctx context.Context, name string) {
	if err := m.Register(ctx, name); err != nil {
		m.log.Warnw("Failed to register worker heartbeat",
			"worker", name, "error", err)
	}

	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			// Fresh context: the caller's is already cancelled.
			cleanup, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := m.Deregister(cleanup, name); err != nil {
				m.log.Warnw("Failed to deregister worker",
					"worker", name, "error", err)
			}
			cancel()
			return
		case <-ticker.C:
			if err := m.Beat(ctx, name); err != nil {
				m.log.Warnw("Heartbeat write failed",
					"worker", name, "error", err)
			}
		}
	}
}

// RecordCompletion counts one successful job and its processing time.
func (m *Monitor) RecordCompletion(ctx context.Context, name string, duration time.Duration) error {
	key := kv.WorkerStatsKey(name)
	if _, err := m.store.HIncrBy(ctx, key, fieldCompleted, 1); err != nil {
		return errors.Wrapf(err, "failed to count completion for %s", name)
	}
	if _, err := m.store.HIncrBy(ctx, key, fieldDurationMS, duration.Milliseconds()); err != nil {
		return errors.Wrapf(err, "failed to record duration for %s", name)
	}
	return nil
}

// RecordFailure counts one terminally failed job.
func (m *Monitor) RecordFailure(ctx context.Context, name string) error {
	if _, err := m.store.HIncrBy(ctx, kv.WorkerStatsKey(name), fieldFailed, 1); err != nil {
		return errors.Wrapf(err, "failed to count failure for %s", name)
	}
	return nil
}

// Stats is the lifetime counter read model for one worker.
type Stats struct {
	Completed      int64         `json:"completed"`
	Failed         int64         `json:"failed"`
	MeanProcessing time.Duration `json:"meanProcessing"`
}

// WorkerHealth is the liveness read model for one worker.
type WorkerHealth struct {
	Name     string    `json:"name"`
	Status   Status    `json:"status"`
	LastBeat time.Time `json:"lastBeat,omitempty"`
	Stats    Stats     `json:"stats"`
}

// Check reports one worker's health.
func (m *Monitor) Check(ctx context.Context, name string) (WorkerHealth, error) {
	wh := WorkerHealth{Name: name}

	raw, err := m.store.Get(ctx, kv.WorkerHealthKey(name))
	switch {
	case err == nil:
		ms, perr := strconv.ParseInt(raw, 10, 64)
		if perr != nil {
			return wh, errors.Wrapf(perr, "corrupt heartbeat for %s", name)
		}
		wh.LastBeat = time.UnixMilli(ms)
		if m.timeNow().Sub(wh.LastBeat) > m.opts.StalledAfter {
			wh.Status = StatusStalled
		} else {
			wh.Status = StatusHealthy
		}
	case errors.IsNotFoundError(err):
		m.mu.Lock()
		expected := m.running[name]
		m.mu.Unlock()
		if expected {
			wh.Status = StatusStalled
		} else {
			wh.Status = StatusStopped
		}
	default:
		return wh, errors.Wrapf(err, "failed to read heartbeat for %s", name)
	}

	stats, err := m.readStats(ctx, name)
	if err != nil {
		return wh, err
	}
	wh.Stats = stats
	return wh, nil
}

// Overview reports health for every worker registered or tracked on
// this monitor instance, reading heartbeats from the store.
func (m *Monitor) Overview(ctx context.Context) ([]WorkerHealth, error) {
	m.mu.Lock()
	names := make([]string, 0, len(m.running))
	for name := range m.running {
		names = append(names, name)
	}
	m.mu.Unlock()

	out := make([]WorkerHealth, 0, len(names))
	for _, name := range names {
		wh, err := m.Check(ctx, name)
		if err != nil {
			return nil, err
		}
		out = append(out, wh)
	}
	return out, nil
}

func (m *Monitor) readStats(ctx context.Context, name string) (Stats, error) {
	fields, err := m.store.HGetAll(ctx, kv.WorkerStatsKey(name))
	if err != nil {
		return Stats{}, errors.Wrapf(err, "failed to read stats for %s", name)
	}
	var s Stats
	s.Completed, _ = strconv.ParseInt(fields[fieldCompleted], 10, 64)
	s.Failed, _ = strconv.ParseInt(fields[fieldFailed], 10, 64)
	if totalMS, _ := strconv.ParseInt(fields[fieldDurationMS], 10, 64); s.Completed > 0 {
		s.MeanProcessing = time.Duration(totalMS/s.Completed) * time.Millisecond
	}
	return s, nil
}

// Package alert watches queue failures and notifies operators when a
// queue's failure count crosses a threshold within a sliding window.
package alert

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/loomworks/loom/errors"
	"github.com/loomworks/loom/kv"
	"github.com/loomworks/loom/queue"
)

// Notifier delivers an operator-facing alert. The chat-backed
// implementation lives with the handlers; tests use a fake.
type Notifier interface {
	NotifyAdmin(ctx context.Context, message string) error
}

// Options tunes the alerter.
type Options struct {
	// Window is the sliding failure-count window.
	Window time.Duration
	// MaxFailures is the default per-queue threshold.
	MaxFailures int64
	// PerQueue overrides the threshold for specific queues.
	PerQueue map[string]int64
}

// Alerter counts failed attempts per queue in the coordination store
// and dispatches one alert per window when a threshold is crossed.
//
// The counter's TTL is set only when the counter is created, so the
// window slides from the first failure, not the most recent one. The
// count keeps rising past the threshold without re-alerting; expiry of
// the counter opens a fresh window.
type Alerter struct {
	store  kv.Client
	notify Notifier
	log    *zap.SugaredLogger

	mu   sync.RWMutex
	opts Options
}

// New creates an alerter.
func New(store kv.Client, notify Notifier, opts Options, log *zap.SugaredLogger) *Alerter {
	if opts.Window <= 0 {
		opts.Window = 5 * time.Minute
	}
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = 5
	}
	return &Alerter{
		store:  store,
		notify: notify,
		opts:   opts,
		log:    log.Named("alert"),
	}
}

// Threshold returns the effective failure threshold for a queue.
func (a *Alerter) Threshold(queueName string) int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if t, ok := a.opts.PerQueue[queueName]; ok && t > 0 {
		return t
	}
	return a.opts.MaxFailures
}

// SetThresholds updates the failure thresholds for future counts. The
// window is fixed at construction; counters already running keep their
// TTL. Used by config hot-reload.
func (a *Alerter) SetThresholds(maxFailures int64, perQueue map[string]int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if maxFailures > 0 {
		a.opts.MaxFailures = maxFailures
	}
	a.opts.PerQueue = perQueue
	a.log.Infow("Alert thresholds updated",
		"max_failures", a.opts.MaxFailures, "overrides", len(perQueue))
}

func (a *Alerter) window() time.Duration {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.opts.Window
}

// RecordFailure counts one failed attempt for a queue, alerting
// exactly when the count reaches the threshold.
func (a *Alerter) RecordFailure(ctx context.Context, queueName, reason string) error {
	key := kv.ErrorCountKey(queueName)
	count, err := a.store.Incr(ctx, key)
	if err != nil {
		return errors.Wrapf(err, "failed to count failure for %s", queueName)
	}
	window := a.window()
	if count == 1 {
		if _, err := a.store.Expire(ctx, key, window); err != nil {
			a.log.Warnw("Failed to set failure-window TTL",
				"queue", queueName, "error", err)
		}
	}

	threshold := a.Threshold(queueName)
	if count != threshold {
		return nil
	}

	msg := fmt.Sprintf("Queue %s hit %d failures within %s (last: %s)",
		queueName, count, window, reason)
	a.log.Warnw("Failure threshold crossed",
		"queue", queueName, "count", count, "window", window)
	if err := a.notify.NotifyAdmin(ctx, msg); err != nil {
		return errors.Wrapf(err, "failed to dispatch alert for %s", queueName)
	}
	return nil
}

// Watch consumes a queue's lifecycle events until the context is
// cancelled, counting every failed attempt: retries count as well as
// terminal failures. Run one goroutine per queue.
func (a *Alerter) Watch(ctx context.Context, q *queue.Queue) {
	ch := q.Subscribe()
	defer q.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-ch:
			if ev.Type != queue.EventFailed && ev.Type != queue.EventRetrying {
				continue
			}
			if err := a.RecordFailure(ctx, q.Name(), ev.Job.FailedReason); err != nil {
				a.log.Errorw("Failed to record queue failure",
					"queue", q.Name(), "error", err)
			}
		}
	}
}

// Package scale sizes worker pools from queue depth. The autoscaler
// only decides: it records target concurrency per queue and leaves
// applying the target to the pool owner.
package scale

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/loomworks/loom/errors"
	"github.com/loomworks/loom/kv"
	"github.com/loomworks/loom/queue"
)

// Action labels the outcome of one evaluation.
type Action string

const (
	ActionUp     Action = "scale-up"
	ActionDown   Action = "scale-down"
	ActionNone   Action = "none"
	ActionSteady Action = "steady"
)

// Decision is one evaluation outcome. Up, down and cooldown-blocked
// outcomes are persisted to the bounded per-queue history; steady
// outcomes are not.
type Decision struct {
	Queue     string    `json:"queue"`
	Action    Action    `json:"action"`
	Depth     int       `json:"depth"`
	From      int       `json:"from"`
	To        int       `json:"to"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Options tunes the autoscaler.
type Options struct {
	// Interval between evaluations.
	Interval time.Duration
	// MinWorkers and MaxWorkers clamp the target.
	MinWorkers int
	MaxWorkers int
	// ScaleUpThreshold is the queue depth at or above which the target
	// grows by Step; ScaleDownThreshold the depth at or below which it
	// shrinks.
	ScaleUpThreshold   int
	ScaleDownThreshold int
	// Cooldown is the minimum time between target changes per queue.
	Cooldown time.Duration
	// Step is the per-decision change in workers.
	Step int
}

const (
	historyLimit = 100
	historyTTL   = 24 * time.Hour
)

// Autoscaler evaluates queue depth on an interval and maintains a
// desired worker count per queue.
type Autoscaler struct {
	store  kv.Client
	queues []*queue.Queue
	opts   Options
	log    *zap.SugaredLogger

	mu         sync.Mutex
	desired    map[string]int
	lastScaled map[string]time.Time

	timeNow func() time.Time
}

// New creates an autoscaler over the given queues, starting every
// queue at the minimum worker count.
func New(store kv.Client, queues []*queue.Queue, opts Options, log *zap.SugaredLogger) *Autoscaler {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.MinWorkers <= 0 {
		opts.MinWorkers = 1
	}
	if opts.MaxWorkers < opts.MinWorkers {
		opts.MaxWorkers = opts.MinWorkers
	}
	if opts.Step <= 0 {
		opts.Step = 1
	}

	desired := make(map[string]int, len(queues))
	for _, q := range queues {
		desired[q.Name()] = opts.MinWorkers
	}
	return &Autoscaler{
		store:      store,
		queues:     queues,
		opts:       opts,
		log:        log.Named("scale"),
		desired:    desired,
		lastScaled: make(map[string]time.Time),
		timeNow:    time.Now,
	}
}

// Desired returns the current target worker count for a queue.
func (a *Autoscaler) Desired(queueName string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n, ok := a.desired[queueName]; ok {
		return n
	}
	return a.opts.MinWorkers
}

// SetBounds applies new limits and thresholds to future evaluations.
// Interval changes still require a restart. Used by config hot-reload.
func (a *Autoscaler) SetBounds(opts Options) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if opts.MinWorkers > 0 {
		a.opts.MinWorkers = opts.MinWorkers
	}
	if opts.MaxWorkers > 0 {
		a.opts.MaxWorkers = opts.MaxWorkers
	}
	if opts.ScaleUpThreshold > 0 {
		a.opts.ScaleUpThreshold = opts.ScaleUpThreshold
	}
	if opts.ScaleDownThreshold >= 0 {
		a.opts.ScaleDownThreshold = opts.ScaleDownThreshold
	}
	if opts.Cooldown > 0 {
		a.opts.Cooldown = opts.Cooldown
	}
	if opts.Step > 0 {
		a.opts.Step = opts.Step
	}
	a.log.Infow("Autoscaler bounds updated",
		"min", a.opts.MinWorkers, "max", a.opts.MaxWorkers,
		"up", a.opts.ScaleUpThreshold, "down", a.opts.ScaleDownThreshold)
}

// Run evaluates all queues on the interval until the context is
// cancelled.
func (a *Autoscaler) Run(ctx context.Context) {
	a.log.Infow("Autoscaler started",
		"interval", a.opts.Interval,
		"min", a.opts.MinWorkers, "max", a.opts.MaxWorkers)

	ticker := time.NewTicker(a.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			a.log.Info("Autoscaler stopped")
			return
		case <-ticker.C:
			for _, q := range a.queues {
				if _, err := a.Evaluate(ctx, q); err != nil {
					a.log.Errorw("Autoscaler evaluation failed",
						"queue", q.Name(), "error", err)
				}
			}
		}
	}
}

// Evaluate inspects one queue's depth and moves its target by one
// step when a threshold is met and the cooldown has elapsed.
func (a *Autoscaler) Evaluate(ctx context.Context, q *queue.Queue) (Decision, error) {
	depth, err := q.WaitingCount(ctx)
	if err != nil {
		return Decision{}, errors.Wrapf(err, "failed to measure depth of %s", q.Name())
	}

	a.mu.Lock()
	opts := a.opts
	current := a.desired[q.Name()]
	if current == 0 {
		current = opts.MinWorkers
	}
	last := a.lastScaled[q.Name()]
	a.mu.Unlock()

	now := a.timeNow()
	d := Decision{
		Queue:     q.Name(),
		Action:    ActionSteady,
		Depth:     depth,
		From:      current,
		To:        current,
		Timestamp: now,
	}

	switch {
	case depth >= opts.ScaleUpThreshold && current < opts.MaxWorkers:
		d.Action = ActionUp
		d.To = min(current+opts.Step, opts.MaxWorkers)
		d.Reason = "queue depth at or above scale-up threshold"
	case depth <= opts.ScaleDownThreshold && current > opts.MinWorkers:
		d.Action = ActionDown
		d.To = max(current-opts.Step, opts.MinWorkers)
		d.Reason = "queue depth at or below scale-down threshold"
	default:
		return d, nil
	}

	if !last.IsZero() && now.Sub(last) < opts.Cooldown {
		d.Action = ActionNone
		d.To = current
		d.Reason = "cooldown active"
		if err := a.record(ctx, d); err != nil {
			a.log.Warnw("Failed to record scaling decision",
				"queue", q.Name(), "error", err)
		}
		return d, nil
	}

	a.mu.Lock()
	a.desired[q.Name()] = d.To
	a.lastScaled[q.Name()] = now
	a.mu.Unlock()

	a.log.Infow("Scaling decision",
		"queue", q.Name(), "action", d.Action,
		"depth", depth, "from", d.From, "to", d.To)
	if err := a.record(ctx, d); err != nil {
		a.log.Warnw("Failed to record scaling decision",
			"queue", q.Name(), "error", err)
	}
	return d, nil
}

// History reads the persisted decisions for a queue, newest first.
func (a *Autoscaler) History(ctx context.Context, queueName string, limit int) ([]Decision, error) {
	stop := int64(historyLimit - 1)
	if limit > 0 && limit < historyLimit {
		stop = int64(limit) - 1
	}
	raws, err := a.store.LRange(ctx, kv.ScalerHistoryKey(queueName), 0, stop)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read scaling history for %s", queueName)
	}

	out := make([]Decision, 0, len(raws))
	for _, raw := range raws {
		var d Decision
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			continue // skip corrupt rows
		}
		out = append(out, d)
	}
	return out, nil
}

func (a *Autoscaler) record(ctx context.Context, d Decision) error {
	data, err := json.Marshal(d)
	if err != nil {
		return errors.Wrap(err, "failed to marshal scaling decision")
	}
	key := kv.ScalerHistoryKey(d.Queue)
	if _, err := a.store.LPush(ctx, key, string(data)); err != nil {
		return errors.Wrapf(err, "failed to append scaling history for %s", d.Queue)
	}
	if err := a.store.LTrim(ctx, key, 0, historyLimit-1); err != nil {
		return errors.Wrapf(err, "failed to trim scaling history for %s", d.Queue)
	}
	if _, err := a.store.Expire(ctx, key, historyTTL); err != nil {
		return errors.Wrapf(err, "failed to expire scaling history for %s", d.Queue)
	}
	return nil
}

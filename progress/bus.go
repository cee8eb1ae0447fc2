// Package progress multiplexes per-job progress notifications to
// listeners: per-job subscribers, a tenant-wide fan-out for UI
// consumers, and a short-TTL KV snapshot so late subscribers can read
// the last-known value.
package progress

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/loomworks/loom/errors"
	"github.com/loomworks/loom/kv"
)

// Stage is a coarse progress label emitted once per worker checkpoint.
type Stage string

const (
	StageStarted    Stage = "started"
	StageValidated  Stage = "validated"
	StageProcessing Stage = "processing"
	StageFinalizing Stage = "finalizing"
	StageCompleted  Stage = "completed"
	StageFailed     Stage = "failed"
)

// StagePercent maps each conventional stage to its percent.
var StagePercent = map[Stage]int{
	StageStarted:    5,
	StageValidated:  20,
	StageProcessing: 50,
	StageFinalizing: 80,
	StageCompleted:  100,
	StageFailed:     0,
}

// stageOrder backs prefix validation: the stages emitted for one job
// must form a prefix of started..finalizing followed by one terminal.
var stageOrder = map[Stage]int{
	StageStarted:    0,
	StageValidated:  1,
	StageProcessing: 2,
	StageFinalizing: 3,
	StageCompleted:  4,
	StageFailed:     4,
}

// Event is one progress notification.
type Event struct {
	JobID          string                 `json:"jobId"`
	OrganizationID string                 `json:"organizationId"`
	Stage          Stage                  `json:"stage"`
	Percent        int                    `json:"percent"`
	Message        string                 `json:"message,omitempty"`
	Timestamp      time.Time              `json:"timestamp"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// Snapshot is the persisted last-known progress for a job.
type Snapshot struct {
	Stage   Stage     `json:"stage"`
	Percent int       `json:"percent"`
	Message string    `json:"message,omitempty"`
	Time    time.Time `json:"time"`
}

const (
	// SnapshotTTL keeps the last-known value readable for late subscribers.
	SnapshotTTL = 2 * time.Hour
	// subscriberBuffer is the channel buffer per subscriber; slow
	// subscribers drop events rather than stall publishers.
	subscriberBuffer = 100
	// terminalMarkTTL keeps a job's terminal stage on record so a
	// contradictory second terminal is rejected instead of validated
	// against a forgotten job.
	terminalMarkTTL = 5 * time.Minute
)

type subKey struct {
	org   string
	jobID string // empty = tenant-wide
}

// Bus is the process-local publish-subscribe for progress events.
type Bus struct {
	store kv.Client
	log   *zap.SugaredLogger

	mu   sync.RWMutex
	subs map[subKey][]chan Event

	// lastStage holds the highest stage order seen per job. Terminal
	// marks linger for terminalMarkTTL before being pruned.
	lastStage map[string]stageMark
}

type stageMark struct {
	order      int
	terminalAt time.Time // zero until a terminal stage lands
	retryable  bool      // terminal was a failure, so a new attempt may restart
}

// NewBus creates a progress bus backed by the given KV client.
func NewBus(store kv.Client, log *zap.SugaredLogger) *Bus {
	return &Bus{
		store:     store,
		log:       log.Named("progress"),
		subs:      make(map[subKey][]chan Event),
		lastStage: make(map[string]stageMark),
	}
}

// Subscribe returns a buffered channel of events for one job.
func (b *Bus) Subscribe(organizationID, jobID string) chan Event {
	return b.subscribe(subKey{org: organizationID, jobID: jobID})
}

// SubscribeTenant returns a buffered channel of all events for a tenant.
func (b *Bus) SubscribeTenant(organizationID string) chan Event {
	return b.subscribe(subKey{org: organizationID})
}

func (b *Bus) subscribe(key subKey) chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	b.subs[key] = append(b.subs[key], ch)
	return ch
}

// Unsubscribe removes a channel and closes it. The close happens under
// the write lock, and Publish sends under the read lock, so no send
// can race the close. Callers must not close the channel themselves.
func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for key, subs := range b.subs {
		for i, sub := range subs {
			if sub == ch {
				b.subs[key] = append(subs[:i], subs[i+1:]...)
				if len(b.subs[key]) == 0 {
					delete(b.subs, key)
				}
				close(ch)
				return
			}
		}
	}
}

// Publish fans the event out to job and tenant subscribers and
// overwrites the KV snapshot. Out-of-order stages are dropped so the
// emitted sequence for a job stays a prefix of the conventional order.
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	ev.Percent = clampPercent(ev.Percent)

	if ord, known := stageOrder[ev.Stage]; known {
		b.mu.Lock()
		prev, seen := b.lastStage[ev.JobID]
		switch {
		case seen && !prev.terminalAt.IsZero():
			// A retry restarts the sequence after a failure; nothing
			// follows a completion, and a second terminal never
			// contradicts the first.
			if !(prev.retryable && ev.Stage == StageStarted) {
				b.mu.Unlock()
				b.log.Debugw("Dropping progress stage after terminal",
					"job_id", ev.JobID, "stage", ev.Stage)
				return nil
			}
		case seen && ord < prev.order:
			b.mu.Unlock()
			b.log.Debugw("Dropping out-of-order progress stage",
				"job_id", ev.JobID, "stage", ev.Stage)
			return nil
		}
		mark := stageMark{order: ord}
		if ord == stageOrder[StageCompleted] {
			mark.terminalAt = time.Now()
			mark.retryable = ev.Stage == StageFailed
			b.pruneTerminalsLocked()
		}
		b.lastStage[ev.JobID] = mark
		b.mu.Unlock()
	}

	if err := b.writeSnapshot(ctx, ev); err != nil {
		// Snapshot loss degrades late-subscriber reads only; live
		// subscribers still get the event.
		b.log.Warnw("Failed to persist progress snapshot",
			"job_id", ev.JobID, "error", err)
	}

	// Sends happen under the read lock so Unsubscribe cannot close a
	// channel mid-fanout. Sends never block, so holding it is cheap.
	b.mu.RLock()
	for _, key := range []subKey{
		{org: ev.OrganizationID, jobID: ev.JobID},
		{org: ev.OrganizationID},
	} {
		for _, ch := range b.subs[key] {
			select {
			case ch <- ev:
			default:
				// Subscriber full - skip rather than block the worker.
			}
		}
	}
	b.mu.RUnlock()
	return nil
}

// pruneTerminalsLocked drops terminal marks past their TTL so the map
// stays bounded by in-flight jobs plus a short tail.
func (b *Bus) pruneTerminalsLocked() {
	cutoff := time.Now().Add(-terminalMarkTTL)
	for id, mark := range b.lastStage {
		if !mark.terminalAt.IsZero() && mark.terminalAt.Before(cutoff) {
			delete(b.lastStage, id)
		}
	}
}

// LastKnown reads the persisted snapshot for a job.
func (b *Bus) LastKnown(ctx context.Context, jobID string) (*Snapshot, error) {
	raw, err := b.store.Get(ctx, kv.ProgressKey(jobID))
	if err != nil {
		if errors.IsNotFoundError(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "failed to read progress snapshot for %s", jobID)
	}
	var snap Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return nil, errors.Wrapf(err, "corrupt progress snapshot for %s", jobID)
	}
	return &snap, nil
}

func (b *Bus) writeSnapshot(ctx context.Context, ev Event) error {
	snap := Snapshot{
		Stage:   ev.Stage,
		Percent: ev.Percent,
		Message: ev.Message,
		Time:    ev.Timestamp,
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return errors.Wrap(err, "failed to marshal progress snapshot")
	}
	return b.store.Set(ctx, kv.ProgressKey(ev.JobID), string(data), SnapshotTTL)
}

func clampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

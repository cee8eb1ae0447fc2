package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/loomworks/loom/errors"
	"github.com/loomworks/loom/kv"
)

const (
	deadLetterListKey   = "loom:deadletter"
	deadLetterEntryPref = "loom:deadletter:entry:"
	// DeadLetterRetention is how long entries are kept before the
	// retention sweep removes them.
	DeadLetterRetention = 168 * time.Hour
)

func deadLetterEntryKey(id string) string { return deadLetterEntryPref + id }

// DeadLetterEntry is a terminal-failure record. It carries everything
// needed to re-enqueue the original work.
type DeadLetterEntry struct {
	ID             string          `json:"id"`
	OriginalQueue  string          `json:"originalQueue"`
	JobID          string          `json:"jobId"`
	JobName        string          `json:"jobName"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	FailedReason   string          `json:"failedReason"`
	Attempts       int             `json:"attempts"`
	StalledCount   int             `json:"stalledCount,omitempty"`
	OrganizationID string          `json:"organizationId,omitempty"`
	UserID         string          `json:"userId,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
	// RetriedJobID is set by the recovery worker once the entry has
	// been re-enqueued.
	RetriedJobID string `json:"retriedJobId,omitempty"`
}

// DeadLetterStore holds terminal-failure records in the coordination
// store: a list of entry ids plus one JSON body per entry.
type DeadLetterStore struct {
	store kv.Client
	log   *zap.SugaredLogger

	timeNow func() time.Time
}

// NewDeadLetterStore creates the store.
func NewDeadLetterStore(store kv.Client, log *zap.SugaredLogger) *DeadLetterStore {
	return &DeadLetterStore{
		store:   store,
		log:     log.Named("deadletter"),
		timeNow: time.Now,
	}
}

// Add records a terminally failed job.
func (s *DeadLetterStore) Add(ctx context.Context, job *Job) error {
	entry := &DeadLetterEntry{
		ID:             uuid.NewString(),
		OriginalQueue:  job.Queue,
		JobID:          job.ID,
		JobName:        job.Name,
		Payload:        job.Payload,
		FailedReason:   job.FailedReason,
		Attempts:       job.AttemptsMade,
		StalledCount:   job.StalledCount,
		OrganizationID: job.OrganizationID,
		UserID:         job.UserID,
		Timestamp:      s.timeNow(),
	}
	if err := s.save(ctx, entry); err != nil {
		return err
	}
	if _, err := s.store.LPush(ctx, deadLetterListKey, entry.ID); err != nil {
		return errors.Wrapf(err, "failed to index dead-letter entry %s", entry.ID)
	}
	return nil
}

// Get loads one entry by id.
func (s *DeadLetterStore) Get(ctx context.Context, id string) (*DeadLetterEntry, error) {
	raw, err := s.store.Get(ctx, deadLetterEntryKey(id))
	if err != nil {
		if errors.IsNotFoundError(err) {
			return nil, errors.Wrapf(errors.ErrNotFound, "dead-letter entry %s", id)
		}
		return nil, errors.Wrapf(err, "failed to load dead-letter entry %s", id)
	}
	var entry DeadLetterEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, errors.Wrapf(err, "corrupt dead-letter entry %s", id)
	}
	return &entry, nil
}

// List returns up to limit entries, newest first. limit <= 0 returns
// everything. Orphaned ids are skipped.
func (s *DeadLetterStore) List(ctx context.Context, limit int) ([]*DeadLetterEntry, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	ids, err := s.store.LRange(ctx, deadLetterListKey, 0, stop)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read dead-letter index")
	}

	entries := make([]*DeadLetterEntry, 0, len(ids))
	for _, id := range ids {
		entry, err := s.Get(ctx, id)
		if err != nil {
			if errors.IsNotFoundError(err) {
				continue
			}
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Update rewrites an existing entry, for recording the retried job id.
func (s *DeadLetterStore) Update(ctx context.Context, entry *DeadLetterEntry) error {
	return s.save(ctx, entry)
}

// Remove deletes an entry and its index slot.
func (s *DeadLetterStore) Remove(ctx context.Context, id string) error {
	if err := s.removeFromIndex(ctx, map[string]bool{id: true}); err != nil {
		return err
	}
	return s.store.Del(ctx, deadLetterEntryKey(id))
}

// Count reports the number of indexed entries.
func (s *DeadLetterStore) Count(ctx context.Context) (int, error) {
	ids, err := s.store.LRange(ctx, deadLetterListKey, 0, -1)
	if err != nil {
		return 0, errors.Wrap(err, "failed to read dead-letter index")
	}
	return len(ids), nil
}

// Cleanup removes entries older than maxAge. Returns the number
// removed.
func (s *DeadLetterStore) Cleanup(ctx context.Context, maxAge time.Duration) (int, error) {
	entries, err := s.List(ctx, 0)
	if err != nil {
		return 0, err
	}

	cutoff := s.timeNow().Add(-maxAge)
	expired := make(map[string]bool)
	for _, entry := range entries {
		if entry.Timestamp.Before(cutoff) {
			expired[entry.ID] = true
		}
	}
	if len(expired) == 0 {
		return 0, nil
	}

	if err := s.removeFromIndex(ctx, expired); err != nil {
		return 0, err
	}
	for id := range expired {
		if err := s.store.Del(ctx, deadLetterEntryKey(id)); err != nil {
			return 0, errors.Wrapf(err, "failed to delete dead-letter entry %s", id)
		}
	}
	s.log.Infow("Dead-letter retention sweep finished",
		"removed", len(expired), "max_age", maxAge)
	return len(expired), nil
}

func (s *DeadLetterStore) save(ctx context.Context, entry *DeadLetterEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrapf(err, "failed to marshal dead-letter entry %s", entry.ID)
	}
	if err := s.store.Set(ctx, deadLetterEntryKey(entry.ID), string(data), 0); err != nil {
		return errors.Wrapf(err, "failed to save dead-letter entry %s", entry.ID)
	}
	return nil
}

func (s *DeadLetterStore) removeFromIndex(ctx context.Context, drop map[string]bool) error {
	ids, err := s.store.LRange(ctx, deadLetterListKey, 0, -1)
	if err != nil {
		return errors.Wrap(err, "failed to read dead-letter index")
	}
	var kept []string
	for _, id := range ids {
		if !drop[id] {
			kept = append(kept, id)
		}
	}
	if len(kept) == len(ids) {
		return nil
	}
	if err := s.store.Del(ctx, deadLetterListKey); err != nil {
		return errors.Wrap(err, "failed to clear dead-letter index")
	}
	if len(kept) == 0 {
		return nil
	}
	reversed := make([]string, len(kept))
	for i, id := range kept {
		reversed[len(kept)-1-i] = id
	}
	_, err = s.store.LPush(ctx, deadLetterListKey, reversed...)
	return errors.Wrap(err, "failed to rewrite dead-letter index")
}

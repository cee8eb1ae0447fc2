package queue

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Well-known queue names. The topology is fixed at startup; arbitrary
// queue creation at runtime is not supported.
const (
	QueueChatEvents     = "chat-events"
	QueueOrchestration  = "orchestration"
	QueueNotifications  = "notifications"
	QueueWebhooks       = "webhooks"
	QueueScheduledTasks = "scheduled-tasks"
	QueueIndexing       = "indexing"
	QueueInstallations  = "installations"
	QueueDLQRecovery    = "dlq-recovery"
)

// Def is the static definition of one queue: its concurrency, retry
// policy and lease parameters.
type Def struct {
	Name        string
	Concurrency int
	// Attempts caps total invocations per job (retries + 1).
	Attempts int
	// LockDuration is the lease TTL granted on acquire; workers renew
	// at half this interval.
	LockDuration time.Duration
	// StalledInterval is how often stalled jobs are reclaimed.
	StalledInterval time.Duration
	// MaxStalled bounds reclaims before the job is failed outright.
	MaxStalled int
	// Backoff is the initial retry delay; it doubles per attempt.
	Backoff time.Duration
	// SkipDeadLetter disables the terminal-failure move to dead-letter.
	// Set for the recovery queue so its own failures cannot recurse.
	SkipDeadLetter bool
}

const (
	defaultLockDuration    = 30 * time.Second
	defaultStalledInterval = 30 * time.Second
	defaultMaxStalled      = 1
	defaultBackoff         = time.Second
)

// Topology returns the fixed queue set. Concurrency values may be
// overridden per queue via QUEUE_<NAME>_CONCURRENCY (dashes become
// underscores) or the queues.concurrency config map.
func Topology() []Def {
	defs := []Def{
		{Name: QueueChatEvents, Concurrency: 5, Attempts: 3},
		{Name: QueueOrchestration, Concurrency: 3, Attempts: 2, LockDuration: 5 * time.Minute},
		{Name: QueueNotifications, Concurrency: 10, Attempts: 3},
		{Name: QueueWebhooks, Concurrency: 10, Attempts: 3},
		{Name: QueueScheduledTasks, Concurrency: 5, Attempts: 3},
		{Name: QueueIndexing, Concurrency: 5, Attempts: 3, LockDuration: 10 * time.Minute},
		{Name: QueueInstallations, Concurrency: 2, Attempts: 3},
		{Name: QueueDLQRecovery, Concurrency: 1, Attempts: 1, SkipDeadLetter: true},
	}
	for i := range defs {
		applyDefDefaults(&defs[i])
		applyConcurrencyEnv(&defs[i])
	}
	return defs
}

func applyDefDefaults(d *Def) {
	if d.LockDuration == 0 {
		d.LockDuration = defaultLockDuration
	}
	if d.StalledInterval == 0 {
		d.StalledInterval = defaultStalledInterval
	}
	if d.MaxStalled == 0 {
		d.MaxStalled = defaultMaxStalled
	}
	if d.Backoff == 0 {
		d.Backoff = defaultBackoff
	}
}

func applyConcurrencyEnv(d *Def) {
	envName := fmt.Sprintf("QUEUE_%s_CONCURRENCY",
		strings.ToUpper(strings.ReplaceAll(d.Name, "-", "_")))
	if raw := os.Getenv(envName); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			d.Concurrency = n
		}
	}
}

// LookupDef finds a queue definition by name.
func LookupDef(name string) (Def, bool) {
	for _, d := range Topology() {
		if d.Name == name {
			return d, true
		}
	}
	return Def{}, false
}

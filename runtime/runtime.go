// Package runtime assembles the whole job backbone from configuration:
// coordination store, queues, workers, scheduler, autoscaler, health
// monitor, alerter, recovery worker and the progress stream endpoint.
package runtime

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/loomworks/loom/alert"
	"github.com/loomworks/loom/config"
	"github.com/loomworks/loom/cron"
	"github.com/loomworks/loom/errors"
	"github.com/loomworks/loom/handlers"
	"github.com/loomworks/loom/health"
	"github.com/loomworks/loom/kv"
	"github.com/loomworks/loom/progress"
	"github.com/loomworks/loom/queue"
	"github.com/loomworks/loom/recovery"
	"github.com/loomworks/loom/scale"
	"github.com/loomworks/loom/store"
	"github.com/loomworks/loom/worker"
)

// Runtime is the composed system. Build it with New, bring it up with
// Start and tear it down with Shutdown; everything in between reaches
// components through the accessors.
type Runtime struct {
	cfg *config.Config
	log *zap.SugaredLogger

	kvStore    kv.Client
	db         *sql.DB
	executions *store.ExecutionStore
	dlq        *queue.DeadLetterStore
	queues     []*queue.Queue
	jobs       *queue.Manager
	bus        *progress.Bus
	hub        *progress.StreamHub
	handlers   *worker.HandlerRegistry
	workers    *worker.Registry
	monitor    *health.Monitor
	alerter    *alert.Alerter
	scaler     *scale.Autoscaler
	recovery   *recovery.Worker
	scheduler  *cron.Scheduler
	server     *http.Server
	watcher    *config.Watcher

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds the runtime. It connects to Redis and opens the SQLite
// store but starts nothing; call Start for that.
func New(ctx context.Context, cfg *config.Config, collab Collaborators, log *zap.SugaredLogger) (*Runtime, error) {
	log = log.Named("runtime")
	collab.applyDefaults(log)

	kvStore, err := openKV(ctx, cfg.Redis.URL, log)
	if err != nil {
		return nil, err
	}

	dbPath := cfg.Database.Path
	if dbPath == "" {
		dbPath = "loom.db"
	}
	db, err := store.Open(dbPath)
	if err != nil {
		kvStore.Close()
		return nil, errors.Wrapf(err, "failed to open execution store at %s", dbPath)
	}
	executions := store.NewExecutionStore(db)

	r := &Runtime{
		cfg:        cfg,
		log:        log,
		kvStore:    kvStore,
		db:         db,
		executions: executions,
	}

	r.dlq = queue.NewDeadLetterStore(kvStore, log)
	for _, def := range queue.Topology() {
		if n := cfg.Queues.Concurrency[def.Name]; n > 0 {
			def.Concurrency = n
		}
		r.queues = append(r.queues, queue.New(def, kvStore, r.dlq, log))
	}

	r.bus = progress.NewBus(kvStore, log)
	r.hub = progress.NewStreamHub(r.bus, cfg.Server.AllowedOrigins, log)
	r.jobs = queue.NewManager(kvStore, r.bus, log, r.queues...)

	r.monitor = health.NewMonitor(kvStore, health.Options{
		Interval: time.Duration(cfg.Workers.HeartbeatSeconds) * time.Second,
	}, log)

	notifier := handlers.NewAdminNotifier(collab.Chat, cfg.Admin.NotificationChannel)
	r.alerter = alert.New(kvStore, notifier, alert.Options{
		Window:      time.Duration(cfg.Alerter.WindowSeconds) * time.Second,
		MaxFailures: int64(cfg.Alerter.MaxFailures),
		PerQueue:    perQueueThresholds(cfg.Alerter.PerQueue),
	}, log)
	r.recovery = recovery.New(r.dlq, r.jobs, notifier, recovery.Options{
		BatchSize: cfg.Recovery.BatchSize,
		Retention: time.Duration(cfg.Recovery.RetentionHours) * time.Hour,
	}, log)

	r.handlers = worker.NewHandlerRegistry()
	r.registerHandlers(collab)

	r.workers = worker.NewRegistry(log)
	shutdownDeadline := time.Duration(cfg.Workers.ShutdownDeadlineSeconds) * time.Second
	for _, q := range r.queues {
		wk := worker.New(ctx, q, r.handlers, r.jobs, r.monitor, worker.Options{
			ShutdownDeadline: shutdownDeadline,
		}, log)
		r.workers.Add(wk)
		// Tracking lets a runtime that never starts workers (the
		// operator CLI) read the fleet's heartbeats from the store.
		r.monitor.Track(wk.Name())
	}

	r.scaler = scale.New(kvStore, r.queues, scale.Options{
		Interval:           time.Duration(cfg.Scaler.EvaluateIntervalSeconds) * time.Second,
		MinWorkers:         cfg.Scaler.MinWorkers,
		MaxWorkers:         cfg.Scaler.MaxWorkers,
		ScaleUpThreshold:   cfg.Scaler.ScaleUpThreshold,
		ScaleDownThreshold: cfg.Scaler.ScaleDownThreshold,
		Cooldown:           time.Duration(cfg.Scaler.CooldownSeconds) * time.Second,
		Step:               cfg.Scaler.Step,
	}, log)

	cronExecutions := executions
	if !cfg.Scheduler.ExecutionRecords {
		cronExecutions = nil
	}
	r.scheduler = cron.New(kvStore, cronExecutions, cron.Options{
		LockTTL:      time.Duration(cfg.Scheduler.LockTTLSeconds) * time.Second,
		HistoryLimit: cfg.Scheduler.HistoryLimit,
		HistoryTTL:   time.Duration(cfg.Scheduler.HistoryTTLHours) * time.Hour,
	}, log)
	if err := r.registerCronTasks(); err != nil {
		kvStore.Close()
		db.Close()
		return nil, err
	}
	return r, nil
}

// openKV connects to the coordination store. An empty or "memory://"
// URL yields the in-process store, which only makes sense for a single
// instance.
func openKV(ctx context.Context, url string, log *zap.SugaredLogger) (kv.Client, error) {
	if url == "" || url == "memory://" {
		log.Warn("No Redis URL configured, using in-memory coordination store")
		return kv.NewMemory(), nil
	}
	client, err := kv.NewRedis(ctx, url)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to redis at %s", url)
	}
	return client, nil
}

func perQueueThresholds(overrides map[string]int) map[string]int64 {
	if len(overrides) == 0 {
		return nil
	}
	out := make(map[string]int64, len(overrides))
	for name, n := range overrides {
		out[name] = int64(n)
	}
	return out
}

func (r *Runtime) registerHandlers(collab Collaborators) {
	r.handlers.Register(handlers.NewChatEventHandler(r.jobs, handlers.IngressOptions{}, r.log))
	r.handlers.Register(handlers.NewOrchestrationHandler(collab.Orchestrator, r.jobs, r.log))
	r.handlers.Register(handlers.NewNotificationHandler(collab.Chat, r.kvStore, r.log))
	r.handlers.Register(handlers.NewWebhookHandler(nil, r.log))
	r.handlers.Register(handlers.NewScheduledTaskHandler(collab.ScheduledTasks, r.log))
	r.handlers.Register(handlers.NewIndexingHandler(collab.Embedder, collab.VectorIndex, r.jobs, r.log))
	r.handlers.Register(handlers.NewInstallationHandler(collab.Installations, r.executions, r.jobs, r.log))
	r.handlers.Register(handlers.NewRecoverySweepHandler(r.recovery, r.log))
}

// Start brings the system up: workers first so queued work drains,
// then the scheduler, the autoscaler loop, the alert watchers and the
// progress stream endpoint.
func (r *Runtime) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return errors.New("runtime already started")
	}
	r.started = true

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	r.workers.StartAll()
	r.scheduler.Start()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.scaler.Run(ctx)
	}()

	for _, q := range r.queues {
		q := q
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.alerter.Watch(ctx, q)
		}()
	}

	r.watchConfig()

	if port := r.cfg.Server.Port; port > 0 {
		mux := http.NewServeMux()
		mux.Handle("/v1/progress/stream", r.hub)
		r.server = &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				r.log.Errorw("Progress stream server failed", "error", err)
			}
		}()
	}

	r.log.Infow("Runtime started",
		"queues", len(r.queues), "handlers", len(r.handlers.Names()))
	return nil
}

// watchConfig hot-reloads autoscaler bounds and alerter thresholds
// when the config file changes. Topology and connections stay fixed
// until restart.
func (r *Runtime) watchConfig() {
	path := config.Path()
	if path == "" {
		return
	}
	w, err := config.NewWatcher(path, r.log)
	if err != nil {
		r.log.Warnw("Config hot-reload unavailable", "path", path, "error", err)
		return
	}
	w.OnReload(func(cfg *config.Config) error {
		r.scaler.SetBounds(scale.Options{
			MinWorkers:         cfg.Scaler.MinWorkers,
			MaxWorkers:         cfg.Scaler.MaxWorkers,
			ScaleUpThreshold:   cfg.Scaler.ScaleUpThreshold,
			ScaleDownThreshold: cfg.Scaler.ScaleDownThreshold,
			Cooldown:           time.Duration(cfg.Scaler.CooldownSeconds) * time.Second,
			Step:               cfg.Scaler.Step,
		})
		r.alerter.SetThresholds(int64(cfg.Alerter.MaxFailures), perQueueThresholds(cfg.Alerter.PerQueue))
		return nil
	})
	w.Start()
	r.watcher = w
}

// Shutdown stops everything in reverse order of Start, bounded by ctx.
// On a runtime that was never started it just closes the stores.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		r.started = false
		if r.watcher != nil {
			r.watcher.Stop()
		}
		r.scheduler.Stop()
		if r.server != nil {
			if err := r.server.Shutdown(ctx); err != nil {
				r.log.Warnw("Progress stream server shutdown failed", "error", err)
			}
		}
		r.cancel()
		r.workers.StopAll()
		r.wg.Wait()
	}

	if r.closed {
		return nil
	}
	r.closed = true
	if err := r.db.Close(); err != nil {
		r.log.Warnw("Failed to close execution store", "error", err)
	}
	if err := r.kvStore.Close(); err != nil {
		r.log.Warnw("Failed to close coordination store", "error", err)
	}
	r.log.Info("Runtime stopped")
	return nil
}

// Jobs is the enqueue/status surface.
func (r *Runtime) Jobs() *queue.Manager { return r.jobs }

// Queues lists the fixed topology.
func (r *Runtime) Queues() []*queue.Queue { return r.queues }

// Scheduler is the distributed cron scheduler.
func (r *Runtime) Scheduler() *cron.Scheduler { return r.scheduler }

// Recovery is the dead-letter recovery worker.
func (r *Runtime) Recovery() *recovery.Worker { return r.recovery }

// Scaler is the autoscaler.
func (r *Runtime) Scaler() *scale.Autoscaler { return r.scaler }

// Monitor is the worker-health monitor.
func (r *Runtime) Monitor() *health.Monitor { return r.monitor }

// DeadLetters is the dead-letter store.
func (r *Runtime) DeadLetters() *queue.DeadLetterStore { return r.dlq }

// Executions is the durable execution-record store.
func (r *Runtime) Executions() *store.ExecutionStore { return r.executions }

// StreamHub serves per-tenant progress websockets.
func (r *Runtime) StreamHub() *progress.StreamHub { return r.hub }

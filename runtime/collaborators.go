package runtime

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/loomworks/loom/errors"
	"github.com/loomworks/loom/handlers"
)

// Collaborators are the external systems the handlers call. Any nil
// field gets a development default: chat goes to the log, and the
// remaining collaborators fail with a descriptive error so a
// misconfigured deployment surfaces in the dead-letter queue instead
// of silently dropping work.
type Collaborators struct {
	Chat           handlers.ChatClient
	Orchestrator   handlers.Orchestrator
	Embedder       handlers.Embedder
	VectorIndex    handlers.VectorIndex
	Installations  handlers.InstallationService
	ScheduledTasks map[string]handlers.ScheduledTaskFunc
}

func (c *Collaborators) applyDefaults(log *zap.SugaredLogger) {
	if c.Chat == nil {
		c.Chat = &logChat{log: log.Named("chat")}
	}
	if c.Orchestrator == nil {
		c.Orchestrator = unconfiguredOrchestrator{}
	}
	if c.Embedder == nil {
		c.Embedder = unconfiguredEmbedder{}
	}
	if c.VectorIndex == nil {
		c.VectorIndex = unconfiguredIndex{}
	}
	if c.Installations == nil {
		c.Installations = unconfiguredInstaller{}
	}
	if c.ScheduledTasks == nil {
		c.ScheduledTasks = make(map[string]handlers.ScheduledTaskFunc)
	}
	for _, name := range []string{taskRefreshAnalytics, taskCleanupSessions} {
		if _, ok := c.ScheduledTasks[name]; !ok {
			c.ScheduledTasks[name] = logOnlyTask(name, log)
		}
	}
}

// logChat writes chat messages to the log. Development default.
type logChat struct {
	log *zap.SugaredLogger
}

func (c *logChat) PostMessage(_ context.Context, channel, text string) (string, error) {
	c.log.Infow("Chat message (no client configured)", "channel", channel, "text", text)
	return "log-0", nil
}

func (c *logChat) UpdateMessage(_ context.Context, channel, messageTS, text string) error {
	c.log.Infow("Chat update (no client configured)",
		"channel", channel, "message_ts", messageTS, "text", text)
	return nil
}

type unconfiguredOrchestrator struct{}

func (unconfiguredOrchestrator) Orchestrate(context.Context, handlers.OrchestrationRequest) (handlers.OrchestrationResult, error) {
	return handlers.OrchestrationResult{}, errors.New("invalid input: no orchestrator configured")
}

type unconfiguredEmbedder struct{}

func (unconfiguredEmbedder) Embed(context.Context, []string) ([][]float32, error) {
	return nil, errors.New("invalid input: no embedder configured")
}

type unconfiguredIndex struct{}

func (unconfiguredIndex) Upsert(context.Context, string, string, [][]float32) error {
	return errors.New("invalid input: no vector index configured")
}

type unconfiguredInstaller struct{}

func (unconfiguredInstaller) Sync(context.Context, string) error {
	return errors.New("invalid input: no installation service configured")
}

func logOnlyTask(name string, log *zap.SugaredLogger) handlers.ScheduledTaskFunc {
	return func(_ context.Context, args json.RawMessage) error {
		log.Infow("Scheduled task has no implementation configured",
			"task", name, "args", string(args))
		return nil
	}
}

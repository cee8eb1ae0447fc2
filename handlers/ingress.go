package handlers

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/loomworks/loom/errors"
	"github.com/loomworks/loom/queue"
)

// JobChatEvent is the job name served by the ingress handler.
const JobChatEvent = "chat.event"

type chatEventPayload struct {
	OrganizationID string `json:"organizationId"`
	UserID         string `json:"userId"`
	EventID        string `json:"eventId"`
	Channel        string `json:"channel"`
	Text           string `json:"text"`
	CorrelationID  string `json:"correlationId"`
}

// IngressOptions tunes the per-organization admission limiter.
type IngressOptions struct {
	// EventsPerSecond is the sustained per-organization rate. Default 5.
	EventsPerSecond float64
	// Burst is the per-organization burst allowance. Default 10.
	Burst int
}

// ChatEventHandler validates inbound chat events and fans them into the
// orchestration queue. Admission is rate limited per organization so a
// noisy tenant cannot starve the agent runtime.
type ChatEventHandler struct {
	jobs *queue.Manager
	opts IngressOptions
	log  *zap.SugaredLogger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewChatEventHandler creates the ingress handler.
func NewChatEventHandler(jobs *queue.Manager, opts IngressOptions, log *zap.SugaredLogger) *ChatEventHandler {
	if opts.EventsPerSecond <= 0 {
		opts.EventsPerSecond = 5
	}
	if opts.Burst <= 0 {
		opts.Burst = 10
	}
	return &ChatEventHandler{
		jobs:     jobs,
		opts:     opts,
		log:      log.Named("ingress"),
		limiters: make(map[string]*rate.Limiter),
	}
}

func (h *ChatEventHandler) Name() string { return JobChatEvent }

// Execute admits one chat event: decode, validate, rate-check, then
// enqueue the orchestration job keyed on the event id so replayed
// deliveries collapse into one run.
func (h *ChatEventHandler) Execute(ctx context.Context, job *queue.Job) error {
	var event chatEventPayload
	if err := json.Unmarshal(job.Payload, &event); err != nil {
		return errors.Wrap(err, "invalid input: malformed chat event payload")
	}
	if event.EventID == "" || event.Channel == "" || event.Text == "" {
		return errors.New("invalid input: chat event requires eventId, channel and text")
	}

	if !h.limiter(event.OrganizationID).Allow() {
		// Retryable by message: the retry backoff is the throttle.
		return errors.Newf("rate limit exceeded for organization %s", event.OrganizationID)
	}

	req := OrchestrationRequest{
		OrganizationID: event.OrganizationID,
		UserID:         event.UserID,
		Channel:        event.Channel,
		Prompt:         event.Text,
		CorrelationID:  event.CorrelationID,
	}
	payload, err := json.Marshal(orchestrationPayload{
		OrchestrationRequest: req,
		EventID:              event.EventID,
	})
	if err != nil {
		return errors.Wrap(err, "failed to marshal orchestration payload")
	}

	_, err = h.jobs.Enqueue(ctx, queue.QueueOrchestration, JobOrchestrate, payload, queue.Options{
		DedupKey: "orchestration:" + event.EventID,
	})
	if err != nil {
		return errors.Wrapf(err, "failed to enqueue orchestration for event %s", event.EventID)
	}
	h.log.Debugw("Chat event admitted",
		"event_id", event.EventID, "organization_id", event.OrganizationID)
	return nil
}

func (h *ChatEventHandler) limiter(organizationID string) *rate.Limiter {
	h.mu.Lock()
	defer h.mu.Unlock()
	lim, ok := h.limiters[organizationID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(h.opts.EventsPerSecond), h.opts.Burst)
		h.limiters[organizationID] = lim
	}
	return lim
}

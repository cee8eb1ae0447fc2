package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/loomworks/loom/errors"
	"github.com/loomworks/loom/queue"
)

// JobWebhookDeliver is the job name served by the webhook handler.
const JobWebhookDeliver = "webhook.deliver"

type webhookPayload struct {
	OrganizationID string            `json:"organizationId"`
	UserID         string            `json:"userId"`
	URL            string            `json:"url"`
	Method         string            `json:"method,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	Body           json.RawMessage   `json:"body,omitempty"`
}

// WebhookHandler delivers outbound webhook calls. Transient upstream
// failures surface as errors whose text the recovery classifier
// recognizes, so a dead-lettered delivery against a flapping endpoint
// gets swept back.
type WebhookHandler struct {
	client *http.Client
	log    *zap.SugaredLogger
}

// NewWebhookHandler creates the webhook handler. client may be nil for
// a default with a 30 s timeout.
func NewWebhookHandler(client *http.Client, log *zap.SugaredLogger) *WebhookHandler {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &WebhookHandler{client: client, log: log.Named("webhooks")}
}

func (h *WebhookHandler) Name() string { return JobWebhookDeliver }

func (h *WebhookHandler) Execute(ctx context.Context, job *queue.Job) error {
	var p webhookPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return errors.Wrap(err, "invalid input: malformed webhook payload")
	}
	if p.URL == "" {
		return errors.New("invalid input: webhook requires a url")
	}
	method := p.Method
	if method == "" {
		method = http.MethodPost
	}

	req, err := http.NewRequestWithContext(ctx, method, p.URL, bytes.NewReader(p.Body))
	if err != nil {
		return errors.Wrapf(err, "invalid input: bad webhook request for %s", p.URL)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range p.Headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "webhook network error for %s", p.URL)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		h.log.Debugw("Webhook delivered",
			"url", p.URL, "status", resp.StatusCode, "job_id", job.ID)
		return nil
	}
	// The status line in the message drives retryability downstream:
	// 429/5xx read as transient, 4xx as permanent.
	return errors.Newf("webhook delivery failed: %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
}

package handlers

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/loomworks/loom/errors"
	"github.com/loomworks/loom/kv"
	"github.com/loomworks/loom/queue"
)

// JobNotificationSend is the job name served by the notification
// handler.
const JobNotificationSend = "notification.send"

// notificationSentTTL bounds the send-side idempotence marker. Retries
// of the same event inside the window are collapsed; after it, a replay
// would send again, which at-least-once delivery already permits.
const notificationSentTTL = 5 * time.Minute

type notificationPayload struct {
	OrganizationID string `json:"organizationId"`
	UserID         string `json:"userId"`
	EventID        string `json:"eventId"`
	Channel        string `json:"channel"`
	// MessageTS, when set, targets an existing message for in-place
	// update instead of posting a new one.
	MessageTS     string `json:"messageTs,omitempty"`
	Text          string `json:"text,omitempty"`
	ErrorText     string `json:"errorText,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// NotificationHandler delivers one chat message per event id. A
// set-if-absent marker in the coordination store makes redelivered jobs
// no-ops, so a retried orchestration cannot double-post.
type NotificationHandler struct {
	chat    ChatClient
	kvStore kv.Client
	log     *zap.SugaredLogger
}

// NewNotificationHandler creates the notification handler.
func NewNotificationHandler(chat ChatClient, kvStore kv.Client, log *zap.SugaredLogger) *NotificationHandler {
	return &NotificationHandler{chat: chat, kvStore: kvStore, log: log.Named("notifications")}
}

func (h *NotificationHandler) Name() string { return JobNotificationSend }

func (h *NotificationHandler) Execute(ctx context.Context, job *queue.Job) error {
	var p notificationPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return errors.Wrap(err, "invalid input: malformed notification payload")
	}
	if p.EventID == "" || p.Channel == "" {
		return errors.New("invalid input: notification requires eventId and channel")
	}

	markerKey := kv.NotificationSentKey(p.EventID)
	won, err := h.kvStore.SetNX(ctx, markerKey, job.ID, notificationSentTTL)
	if err != nil {
		return errors.Wrapf(err, "failed to check sent marker for event %s", p.EventID)
	}
	if !won {
		h.log.Debugw("Notification already sent, skipping",
			"event_id", p.EventID, "job_id", job.ID)
		return nil
	}

	if err := h.send(ctx, p); err != nil {
		// Release the marker so the retry can actually send.
		if _, delErr := h.kvStore.CompareAndDelete(ctx, markerKey, job.ID); delErr != nil {
			h.log.Warnw("Failed to release sent marker",
				"event_id", p.EventID, "error", delErr)
		}
		return errors.Wrapf(err, "failed to deliver notification for event %s", p.EventID)
	}
	return nil
}

func (h *NotificationHandler) send(ctx context.Context, p notificationPayload) error {
	text := p.Text
	if p.ErrorText != "" {
		// Users get a compact line; the correlation id ties it back to
		// the full error in the logs.
		text = "Something went wrong while handling your request (ref: " + p.CorrelationID + ")"
	}

	if p.MessageTS != "" {
		return h.chat.UpdateMessage(ctx, p.Channel, p.MessageTS, text)
	}
	_, err := h.chat.PostMessage(ctx, p.Channel, text)
	return err
}

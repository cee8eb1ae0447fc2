package handlers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/loomworks/loom/errors"
	"github.com/loomworks/loom/kv"
)

func newNotificationHandler(chat *fakeChat) (*NotificationHandler, kv.Client) {
	store := kv.NewMemory()
	return NewNotificationHandler(chat, store, zap.NewNop().Sugar()), store
}

func TestNotificationSendsOncePerEvent(t *testing.T) {
	chat := &fakeChat{}
	h, _ := newNotificationHandler(chat)
	ctx := context.Background()

	payload := `{"eventId":"ev-1","channel":"C123","text":"done"}`
	require.NoError(t, h.Execute(ctx, testJob(t, JobNotificationSend, payload)))

	// A redelivered job with the same event id is a no-op.
	require.NoError(t, h.Execute(ctx, testJob(t, JobNotificationSend, payload)))

	require.Len(t, chat.posts, 1)
	assert.Equal(t, "C123: done", chat.posts[0])
}

func TestNotificationUpdatesInPlace(t *testing.T) {
	chat := &fakeChat{}
	h, _ := newNotificationHandler(chat)

	payload := `{"eventId":"ev-2","channel":"C123","messageTs":"171.001","text":"finished"}`
	require.NoError(t, h.Execute(context.Background(), testJob(t, JobNotificationSend, payload)))

	assert.Empty(t, chat.posts)
	require.Len(t, chat.updates, 1)
	assert.Equal(t, "C123/171.001: finished", chat.updates[0])
}

func TestNotificationFailureIsCompactWithReference(t *testing.T) {
	chat := &fakeChat{}
	h, _ := newNotificationHandler(chat)

	payload := `{"eventId":"ev-3","channel":"C123","errorText":"model overloaded: 529","correlationId":"corr-77"}`
	require.NoError(t, h.Execute(context.Background(), testJob(t, JobNotificationSend, payload)))

	require.Len(t, chat.posts, 1)
	assert.Contains(t, chat.posts[0], "ref: corr-77")
	assert.NotContains(t, chat.posts[0], "model overloaded")
}

func TestNotificationReleasesMarkerOnSendFailure(t *testing.T) {
	chat := &fakeChat{err: errors.New("503 Service Unavailable")}
	h, _ := newNotificationHandler(chat)
	ctx := context.Background()

	payload := `{"eventId":"ev-4","channel":"C123","text":"hello"}`
	err := h.Execute(ctx, testJob(t, JobNotificationSend, payload))
	require.Error(t, err)

	// The retry can still send: the marker was released.
	chat.err = nil
	require.NoError(t, h.Execute(ctx, testJob(t, JobNotificationSend, payload)))
	assert.Len(t, chat.posts, 1)
}

func TestNotificationRejectsIncompletePayload(t *testing.T) {
	chat := &fakeChat{}
	h, _ := newNotificationHandler(chat)

	err := h.Execute(context.Background(), testJob(t, JobNotificationSend, `{"text":"no target"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid input")
}

package handlers

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/loomworks/loom/recovery"
)

func webhookServer(t *testing.T, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestWebhookDeliverySucceeds(t *testing.T) {
	var got *http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	h := NewWebhookHandler(srv.Client(), zap.NewNop().Sugar())
	payload := fmt.Sprintf(`{"url":%q,"headers":{"X-Signature":"abc"},"body":{"hello":"world"}}`, srv.URL)
	require.NoError(t, h.Execute(context.Background(), testJob(t, JobWebhookDeliver, payload)))

	require.NotNil(t, got)
	assert.Equal(t, http.MethodPost, got.Method)
	assert.Equal(t, "abc", got.Header.Get("X-Signature"))
}

func TestWebhookUpstreamErrorIsRetryable(t *testing.T) {
	srv := webhookServer(t, http.StatusServiceUnavailable)
	h := NewWebhookHandler(srv.Client(), zap.NewNop().Sugar())

	err := h.Execute(context.Background(), testJob(t, JobWebhookDeliver, fmt.Sprintf(`{"url":%q}`, srv.URL)))
	require.Error(t, err)
	assert.True(t, recovery.Classify(err.Error()).Retryable)
}

func TestWebhookClientErrorIsPermanent(t *testing.T) {
	srv := webhookServer(t, http.StatusBadRequest)
	h := NewWebhookHandler(srv.Client(), zap.NewNop().Sugar())

	err := h.Execute(context.Background(), testJob(t, JobWebhookDeliver, fmt.Sprintf(`{"url":%q}`, srv.URL)))
	require.Error(t, err)
	assert.False(t, recovery.Classify(err.Error()).Retryable)
}

func TestWebhookRequiresURL(t *testing.T) {
	h := NewWebhookHandler(nil, zap.NewNop().Sugar())
	err := h.Execute(context.Background(), testJob(t, JobWebhookDeliver, `{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid input")
}

// Package handlers implements the job handlers behind each queue. The
// handlers own payload schemas and idempotency; external systems are
// reached through the narrow collaborator interfaces defined here so
// the handlers stay testable.
package handlers

import (
	"context"
)

// ChatClient posts and edits messages in the chat surface users see.
type ChatClient interface {
	// PostMessage sends text to a channel, returning the message
	// timestamp used for later in-place updates.
	PostMessage(ctx context.Context, channel, text string) (messageTS string, err error)
	// UpdateMessage edits a previously posted message in place.
	UpdateMessage(ctx context.Context, channel, messageTS, text string) error
}

// OrchestrationRequest is the work handed to the agent runtime.
type OrchestrationRequest struct {
	OrganizationID string `json:"organizationId"`
	UserID         string `json:"userId"`
	Channel        string `json:"channel"`
	Prompt         string `json:"prompt"`
	CorrelationID  string `json:"correlationId"`
}

// OrchestrationMetadata describes how the agent runtime handled a
// request.
type OrchestrationMetadata struct {
	Category string   `json:"category,omitempty"`
	Skills   []string `json:"skills,omitempty"`
	Model    string   `json:"model,omitempty"`
}

// OrchestrationResult is what the agent runtime produced.
type OrchestrationResult struct {
	Output   string                `json:"output"`
	Status   string                `json:"status"`
	Metadata OrchestrationMetadata `json:"metadata"`
}

// Orchestrator runs one agent session to completion.
type Orchestrator interface {
	Orchestrate(ctx context.Context, req OrchestrationRequest) (OrchestrationResult, error)
}

// Embedder turns document chunks into vectors for the search index.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// VectorIndex persists embeddings for retrieval.
type VectorIndex interface {
	Upsert(ctx context.Context, organizationID, documentID string, vectors [][]float32) error
}

// InstallationService reconciles one external installation's state.
type InstallationService interface {
	Sync(ctx context.Context, installationID string) error
}

// AdminNotifier posts operator alerts to the configured admin channel.
// It satisfies the notifier interfaces of the alerter and the
// dead-letter recovery worker.
type AdminNotifier struct {
	chat    ChatClient
	channel string
}

// NewAdminNotifier creates a chat-backed admin notifier.
func NewAdminNotifier(chat ChatClient, channel string) *AdminNotifier {
	return &AdminNotifier{chat: chat, channel: channel}
}

// NotifyAdmin posts one message to the admin channel.
func (n *AdminNotifier) NotifyAdmin(ctx context.Context, message string) error {
	_, err := n.chat.PostMessage(ctx, n.channel, message)
	return err
}

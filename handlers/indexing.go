package handlers

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/loomworks/loom/errors"
	"github.com/loomworks/loom/progress"
	"github.com/loomworks/loom/queue"
)

// JobIndexDocument is the job name served by the indexing handler.
const JobIndexDocument = "index.document"

// embedBatchSize bounds one embedding call. Large documents take
// several calls under the queue's long lock rather than one huge
// request.
const embedBatchSize = 64

type indexPayload struct {
	OrganizationID string   `json:"organizationId"`
	UserID         string   `json:"userId"`
	DocumentID     string   `json:"documentId"`
	Chunks         []string `json:"chunks"`
}

// IndexingHandler embeds document chunks and writes the vectors to the
// search index. Re-runs overwrite: upserting the same document twice is
// harmless, which keeps the handler safe under at-least-once delivery.
type IndexingHandler struct {
	embedder Embedder
	index    VectorIndex
	jobs     *queue.Manager
	log      *zap.SugaredLogger
}

// NewIndexingHandler creates the indexing handler.
func NewIndexingHandler(embedder Embedder, index VectorIndex, jobs *queue.Manager, log *zap.SugaredLogger) *IndexingHandler {
	return &IndexingHandler{embedder: embedder, index: index, jobs: jobs, log: log.Named("indexing")}
}

func (h *IndexingHandler) Name() string { return JobIndexDocument }

func (h *IndexingHandler) Execute(ctx context.Context, job *queue.Job) error {
	var p indexPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return errors.Wrap(err, "invalid input: malformed index payload")
	}
	if p.DocumentID == "" || len(p.Chunks) == 0 {
		return errors.New("invalid input: indexing requires documentId and chunks")
	}

	if err := h.jobs.UpdateProgress(ctx, job, progress.StageValidated, "document accepted"); err != nil {
		h.log.Debugw("Failed to publish progress", "job_id", job.ID, "error", err)
	}

	vectors := make([][]float32, 0, len(p.Chunks))
	for start := 0; start < len(p.Chunks); start += embedBatchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(start+embedBatchSize, len(p.Chunks))
		batch, err := h.embedder.Embed(ctx, p.Chunks[start:end])
		if err != nil {
			return errors.Wrapf(err, "embedding failed for document %s", p.DocumentID)
		}
		if len(batch) != end-start {
			return errors.Newf("embedder returned %d vectors for %d chunks", len(batch), end-start)
		}
		vectors = append(vectors, batch...)
	}

	if err := h.jobs.UpdateProgress(ctx, job, progress.StageFinalizing, "writing vectors"); err != nil {
		h.log.Debugw("Failed to publish progress", "job_id", job.ID, "error", err)
	}

	if err := h.index.Upsert(ctx, p.OrganizationID, p.DocumentID, vectors); err != nil {
		return errors.Wrapf(err, "failed to upsert vectors for document %s", p.DocumentID)
	}
	h.log.Infow("Document indexed",
		"document_id", p.DocumentID,
		"organization_id", p.OrganizationID,
		"chunks", len(p.Chunks))
	return nil
}

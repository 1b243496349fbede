// Package ingest turns source files into indexed passages: chunk, embed,
// persist, and rebuild the sparse index. It is also the resume target
// for crash recovery.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/docpilot/docpilot/internal/embed"
	"github.com/docpilot/docpilot/internal/store"
)

// progressEmbedder is implemented by embedders that report batch
// progress through a channel.
type progressEmbedder interface {
	EmbedBatchProgress(ctx context.Context, texts []string, progress chan<- float64) ([][]float32, error)
}

// Pipeline drives one document through chunking, embedding and both
// indexes. Safe for concurrent documents; the stores serialize writes.
type Pipeline struct {
	embedder embed.Embedder
	sparse   store.SparseIndex
	vector   store.VectorStore
	docs     store.DocumentStore
	logger   *slog.Logger
}

// NewPipeline creates an ingestion pipeline over the shared stores.
func NewPipeline(embedder embed.Embedder, sparse store.SparseIndex, vector store.VectorStore, docs store.DocumentStore) (*Pipeline, error) {
	if embedder == nil || sparse == nil || vector == nil || docs == nil {
		return nil, fmt.Errorf("all pipeline dependencies are required")
	}
	return &Pipeline{
		embedder: embedder,
		sparse:   sparse,
		vector:   vector,
		docs:     docs,
		logger:   slog.Default().With("component", "ingest"),
	}, nil
}

// Ingest processes the record's source file end to end and leaves the
// record in a terminal state. Progress moves with embedding batches.
func (p *Pipeline) Ingest(ctx context.Context, rec *store.IngestionRecord) error {
	if err := p.docs.UpdateStatus(ctx, rec.ID, store.StatusProcessing, 0, ""); err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}

	if err := p.ingest(ctx, rec.ID, rec.SourcePath, rec.ChunkSize); err != nil {
		if updateErr := p.docs.UpdateStatus(ctx, rec.ID, store.StatusFailed, 0, err.Error()); updateErr != nil {
			p.logger.Warn("status_update_failed", "document_id", rec.ID, "error", updateErr)
		}
		return err
	}

	return p.docs.UpdateStatus(ctx, rec.ID, store.StatusCompleted, 100, "")
}

// Resume re-drives an interrupted document. Any passages from the
// aborted attempt are superseded first so repeated resumes converge.
func (p *Pipeline) Resume(ctx context.Context, documentID, sourcePath string, chunkSize int) error {
	existing, err := p.docs.GetPassagesByDocument(ctx, documentID)
	if err != nil {
		return fmt.Errorf("load existing passages: %w", err)
	}
	if len(existing) > 0 {
		ids := make([]string, len(existing))
		for i, psg := range existing {
			ids[i] = psg.ID
		}
		if err := p.vector.Delete(ctx, ids); err != nil {
			p.logger.Warn("vector_delete_failed", "document_id", documentID, "error", err)
		}
		if err := p.docs.DeletePassagesByDocument(ctx, documentID); err != nil {
			return fmt.Errorf("delete superseded passages: %w", err)
		}
	}

	return p.ingest(ctx, documentID, sourcePath, chunkSize)
}

func (p *Pipeline) ingest(ctx context.Context, documentID, sourcePath string, chunkSize int) error {
	raw, err := os.ReadFile(sourcePath)
	if err != nil {
		return fmt.Errorf("read source: %w", err)
	}

	chunks := ChunkText(string(raw), chunkSize)
	if len(chunks) == 0 {
		return fmt.Errorf("source has no indexable text: %s", sourcePath)
	}

	vectors, err := p.embedChunks(ctx, documentID, chunks)
	if err != nil {
		return fmt.Errorf("embed passages: %w", err)
	}

	now := time.Now().UTC()
	passages := make([]*store.Passage, len(chunks))
	for i, text := range chunks {
		passages[i] = &store.Passage{
			ID:         uuid.NewString(),
			DocumentID: documentID,
			Text:       text,
			Vector:     vectors[i],
			CreatedAt:  now,
		}
	}

	if err := p.docs.SavePassages(ctx, passages); err != nil {
		return fmt.Errorf("save passages: %w", err)
	}

	var ids []string
	var vecs [][]float32
	for _, psg := range passages {
		if psg.Vector == nil {
			// Could not embed; keyword retrieval still covers it.
			continue
		}
		ids = append(ids, psg.ID)
		vecs = append(vecs, psg.Vector)
	}
	if len(ids) > 0 {
		if err := p.vector.Add(ctx, ids, vecs); err != nil {
			return fmt.Errorf("add vectors: %w", err)
		}
	}

	// Full rebuild keeps scoring consistent within any one search.
	all, err := p.docs.AllPassages(ctx)
	if err != nil {
		return fmt.Errorf("load corpus: %w", err)
	}
	if err := p.sparse.Index(ctx, all); err != nil {
		return fmt.Errorf("rebuild sparse index: %w", err)
	}

	p.logger.Info("document_ingested",
		"document_id", documentID,
		"passages", len(passages),
		"embedded", len(ids))
	return nil
}

// embedChunks embeds the chunks, mirroring batch progress into the
// record's progress column when the embedder reports it.
func (p *Pipeline) embedChunks(ctx context.Context, documentID string, chunks []string) ([][]float32, error) {
	pe, ok := p.embedder.(progressEmbedder)
	if !ok {
		return p.embedder.EmbedBatch(ctx, chunks)
	}

	progress := make(chan float64, 8)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for frac := range progress {
			pct := int(frac * 90)
			if err := p.docs.UpdateStatus(ctx, documentID, store.StatusProcessing, pct, ""); err != nil {
				p.logger.Debug("progress_update_failed", "document_id", documentID, "error", err)
			}
		}
	}()

	vectors, err := pe.EmbedBatchProgress(ctx, chunks, progress)
	close(progress)
	<-done
	return vectors, err
}

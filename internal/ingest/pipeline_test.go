package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docpilot/docpilot/internal/store"
)

const testDims = 4

// hashEmbedder produces deterministic unit vectors from text length.
type hashEmbedder struct {
	calls   atomic.Int64
	failAll bool
}

func (f *hashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if f.failAll {
		return nil, nil
	}
	f.calls.Add(1)
	v := make([]float32, testDims)
	v[len(text)%testDims] = 1
	return v, nil
}

func (f *hashEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return f.embedAll(ctx, texts)
}

func (f *hashEmbedder) EmbedBatchProgress(ctx context.Context, texts []string, progress chan<- float64) ([][]float32, error) {
	out, err := f.embedAll(ctx, texts)
	if progress != nil {
		for i := range texts {
			select {
			case progress <- float64(i+1) / float64(len(texts)):
			default:
			}
		}
	}
	return out, err
}

func (f *hashEmbedder) embedAll(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := f.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (f *hashEmbedder) Dimensions() int                  { return testDims }
func (f *hashEmbedder) ModelName() string                { return "hash-test" }
func (f *hashEmbedder) Available(_ context.Context) bool { return true }
func (f *hashEmbedder) Close() error                     { return nil }

type pipelineFixture struct {
	pipeline *Pipeline
	embedder *hashEmbedder
	sparse   *store.MemoryBM25
	vector   *store.HNSWStore
	docs     store.DocumentStore
}

func newPipelineFixture(t *testing.T) *pipelineFixture {
	t.Helper()

	embedder := &hashEmbedder{}
	sparse := store.NewMemoryBM25(store.DefaultBM25Config())
	vector, err := store.NewHNSWStore(store.DefaultVectorStoreConfig(testDims))
	require.NoError(t, err)
	docs, err := store.NewSQLiteStore("")
	require.NoError(t, err)
	t.Cleanup(func() { docs.Close() })

	p, err := NewPipeline(embedder, sparse, vector, docs)
	require.NoError(t, err)

	return &pipelineFixture{pipeline: p, embedder: embedder, sparse: sparse, vector: vector, docs: docs}
}

func writeSource(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "doc.txt")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func seedRecord(t *testing.T, docs store.DocumentStore, sourcePath string) *store.IngestionRecord {
	t.Helper()
	rec := &store.IngestionRecord{
		ID:         "doc-1",
		OwnerID:    "owner-1",
		Title:      "Test Document",
		SourcePath: sourcePath,
		Status:     store.StatusPending,
		ChunkSize:  64,
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, docs.SaveRecord(context.Background(), rec))
	return rec
}

func TestNewPipeline_RequiresDependencies(t *testing.T) {
	_, err := NewPipeline(nil, nil, nil, nil)
	assert.Error(t, err)
}

func TestPipeline_Ingest_EndToEnd(t *testing.T) {
	ctx := context.Background()
	fx := newPipelineFixture(t)

	source := writeSource(t, "Forcite runs molecular dynamics.\n\nDMol3 computes electronic structure.")
	rec := seedRecord(t, fx.docs, source)

	require.NoError(t, fx.pipeline.Ingest(ctx, rec))

	saved, err := fx.docs.GetRecord(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, saved.Status)
	assert.Equal(t, 100, saved.Progress)
	assert.Empty(t, saved.Error)

	passages, err := fx.docs.GetPassagesByDocument(ctx, rec.ID)
	require.NoError(t, err)
	require.NotEmpty(t, passages)
	for _, psg := range passages {
		assert.NotEmpty(t, psg.ID)
		assert.Equal(t, rec.ID, psg.DocumentID)
		assert.Len(t, psg.Vector, testDims)
	}

	hits, err := fx.sparse.Search(ctx, "molecular dynamics", 5, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, hits)

	assert.Equal(t, len(passages), fx.vector.Count())
}

func TestPipeline_Ingest_MissingSourceFails(t *testing.T) {
	ctx := context.Background()
	fx := newPipelineFixture(t)

	rec := seedRecord(t, fx.docs, filepath.Join(t.TempDir(), "gone.txt"))

	err := fx.pipeline.Ingest(ctx, rec)
	require.Error(t, err)

	saved, err := fx.docs.GetRecord(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, saved.Status)
	assert.Contains(t, saved.Error, "read source")
}

func TestPipeline_Ingest_EmptySourceFails(t *testing.T) {
	ctx := context.Background()
	fx := newPipelineFixture(t)

	rec := seedRecord(t, fx.docs, writeSource(t, "   \n\n  "))

	err := fx.pipeline.Ingest(ctx, rec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no indexable text")
}

func TestPipeline_Ingest_FailedEmbeddingsKeepSparse(t *testing.T) {
	ctx := context.Background()
	fx := newPipelineFixture(t)
	fx.embedder.failAll = true

	rec := seedRecord(t, fx.docs, writeSource(t, "Keyword retrieval still works without vectors."))

	require.NoError(t, fx.pipeline.Ingest(ctx, rec))

	passages, err := fx.docs.GetPassagesByDocument(ctx, rec.ID)
	require.NoError(t, err)
	require.NotEmpty(t, passages)
	assert.Nil(t, passages[0].Vector)

	assert.Zero(t, fx.vector.Count())

	hits, err := fx.sparse.Search(ctx, "keyword retrieval", 5, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, hits)
}

func TestPipeline_Ingest_ReportsProgress(t *testing.T) {
	ctx := context.Background()
	fx := newPipelineFixture(t)

	var body string
	for i := 0; i < 6; i++ {
		body += fmt.Sprintf("Paragraph number %d with some content.\n\n", i)
	}
	rec := seedRecord(t, fx.docs, writeSource(t, body))

	require.NoError(t, fx.pipeline.Ingest(ctx, rec))

	saved, err := fx.docs.GetRecord(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, saved.Status)
	assert.Equal(t, 100, saved.Progress)
}

func TestPipeline_Resume_ReplacesPriorPassages(t *testing.T) {
	ctx := context.Background()
	fx := newPipelineFixture(t)

	source := writeSource(t, "Original content for the first attempt.\n\nMore original content.")
	rec := seedRecord(t, fx.docs, source)
	require.NoError(t, fx.pipeline.Ingest(ctx, rec))

	first, err := fx.docs.GetPassagesByDocument(ctx, rec.ID)
	require.NoError(t, err)
	firstIDs := make(map[string]bool, len(first))
	for _, psg := range first {
		firstIDs[psg.ID] = true
	}

	require.NoError(t, fx.pipeline.Resume(ctx, rec.ID, source, rec.ChunkSize))

	second, err := fx.docs.GetPassagesByDocument(ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, second, len(first))
	for _, psg := range second {
		assert.False(t, firstIDs[psg.ID], "resume must mint fresh passage IDs")
	}

	assert.Equal(t, len(second), fx.vector.Count())
}

func TestPipeline_Resume_FreshDocument(t *testing.T) {
	ctx := context.Background()
	fx := newPipelineFixture(t)

	source := writeSource(t, "A document that was never partially indexed.")
	require.NoError(t, fx.pipeline.Resume(ctx, "doc-fresh", source, 64))

	passages, err := fx.docs.GetPassagesByDocument(ctx, "doc-fresh")
	require.NoError(t, err)
	assert.NotEmpty(t, passages)
}

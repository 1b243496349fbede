// Package store provides the persistence layer for docpilot: the BM25
// keyword index (in-memory snapshot scorer plus a Bleve backend), the HNSW
// vector store, and the SQLite document/ingestion-record store.
package store

import (
	"context"
	"fmt"
	"time"
)

// Passage is a retrievable unit of document text. Passages are immutable
// once indexed; re-embedding a document supersedes its passages rather
// than mutating them.
type Passage struct {
	ID         string    // Unique passage ID
	DocumentID string    // Owning document ID
	Text       string    // Raw passage text
	Section    string    // Optional section path ("2.1 Methods")
	Page       int       // Optional page number (0 = unknown)
	Vector     []float32 // Precomputed dense embedding (unit-normalized), nil if not embedded
	CreatedAt  time.Time
}

// BM25Result is a single sparse search hit.
type BM25Result struct {
	PassageID    string
	Score        float64
	MatchedTerms []string
}

// IndexStats provides statistics about a sparse index.
type IndexStats struct {
	PassageCount int
	TermCount    int
	AvgDocLength float64
}

// SparseIndex provides BM25 keyword search over a corpus snapshot.
// Index rebuilds the scorer wholesale from the given passages; there is no
// incremental mutation, so concurrent readers always score against a
// consistent snapshot.
type SparseIndex interface {
	// Index rebuilds the index from a corpus snapshot and swaps it in.
	Index(ctx context.Context, passages []*Passage) error

	// Search returns up to topK passages scored by BM25, descending.
	// Hits below minScore are dropped. An empty index or blank query
	// returns an empty list, never an error.
	Search(ctx context.Context, query string, topK int, minScore float64) ([]*BM25Result, error)

	// Stats returns index statistics.
	Stats() *IndexStats

	// Save persists the index so a restart can skip re-tokenizing the corpus.
	Save(path string) error

	// Load restores a persisted index. Rankings after Load are identical
	// to rankings before Save for the same queries.
	Load(path string) error

	Close() error
}

// BM25Config tunes the BM25 scoring function.
type BM25Config struct {
	// K1 controls term-frequency saturation (default: 1.5).
	K1 float64

	// B controls document-length normalization (default: 0.75).
	B float64

	// Epsilon floors negative IDF values at Epsilon * averageIDF
	// (default: 0.25). Keeps very common terms from subtracting score.
	Epsilon float64
}

// DefaultBM25Config returns the default BM25 parameters.
func DefaultBM25Config() BM25Config {
	return BM25Config{
		K1:      1.5,
		B:       0.75,
		Epsilon: 0.25,
	}
}

// VectorResult is a single dense search hit.
type VectorResult struct {
	PassageID string
	Distance  float32 // Cosine distance (0-2), lower is closer
	Score     float32 // Normalized similarity (0-1)
}

// VectorStoreConfig configures the HNSW vector store.
type VectorStoreConfig struct {
	// Dimensions is the embedding dimension (e.g. 1024).
	Dimensions int

	// Metric is the distance metric: "cos" (default) or "l2".
	Metric string

	// M is HNSW max connections per layer (default: 16).
	M int

	// EfSearch is HNSW query-time search width (default: 20).
	EfSearch int
}

// DefaultVectorStoreConfig returns sensible HNSW defaults.
func DefaultVectorStoreConfig(dimensions int) VectorStoreConfig {
	return VectorStoreConfig{
		Dimensions: dimensions,
		Metric:     "cos",
		M:          16,
		EfSearch:   20,
	}
}

// VectorStore provides approximate nearest-neighbor search over passage
// embeddings.
type VectorStore interface {
	// Add inserts vectors with their IDs. Existing IDs are replaced.
	Add(ctx context.Context, ids []string, vectors [][]float32) error

	// Search finds the k nearest neighbors to the query vector.
	Search(ctx context.Context, query []float32, k int) ([]*VectorResult, error)

	// Delete removes vectors by ID.
	Delete(ctx context.Context, ids []string) error

	// Count returns the number of vectors.
	Count() int

	Save(path string) error
	Load(path string) error
	Close() error
}

// IngestionStatus is the lifecycle state of a document's ingestion.
type IngestionStatus string

const (
	StatusPending    IngestionStatus = "pending"
	StatusProcessing IngestionStatus = "processing"
	StatusCompleted  IngestionStatus = "completed"
	StatusFailed     IngestionStatus = "failed"
	StatusDeleted    IngestionStatus = "deleted"
)

// IngestionRecord tracks one document's progress through the ingestion
// pipeline. The recovery service reads and mutates status/progress/error
// but does not own the rest of the document's metadata.
type IngestionRecord struct {
	ID         string
	OwnerID    string
	Title      string
	SourcePath string
	Status     IngestionStatus
	Progress   int // 0-100
	Error      string
	ChunkSize  int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// DocumentStore persists passages and ingestion records.
type DocumentStore interface {
	// Passage operations
	SavePassages(ctx context.Context, passages []*Passage) error
	GetPassages(ctx context.Context, ids []string) ([]*Passage, error)
	GetPassagesByDocument(ctx context.Context, documentID string) ([]*Passage, error)
	AllPassages(ctx context.Context) ([]*Passage, error)
	DeletePassagesByDocument(ctx context.Context, documentID string) error

	// Ingestion record operations
	SaveRecord(ctx context.Context, rec *IngestionRecord) error
	GetRecord(ctx context.Context, id string) (*IngestionRecord, error)
	ListRecords(ctx context.Context) ([]*IngestionRecord, error)
	GetStuck(ctx context.Context, statuses []IngestionStatus, olderThan time.Time) ([]*IngestionRecord, error)
	GetStuckByOwner(ctx context.Context, ownerID string, statuses []IngestionStatus, olderThan time.Time) ([]*IngestionRecord, error)
	UpdateStatus(ctx context.Context, id string, status IngestionStatus, progress int, errMsg string) error

	Close() error
}

// ErrDimensionMismatch indicates a vector dimension mismatch.
type ErrDimensionMismatch struct {
	Expected int
	Got      int
}

func (e ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Got)
}

package store

import (
	"context"
	"encoding/gob"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// bm25SnapshotVersion tags persisted snapshots so incompatible layouts are
// rejected on load instead of producing silently wrong rankings.
const bm25SnapshotVersion = 1

// Posting records one document occurrence of a term.
type Posting struct {
	Doc int // Index into the snapshot's passage list (insertion order)
	TF  int // Term frequency within that passage
}

// bm25Snapshot is an immutable scoring structure built from one corpus
// snapshot. It is replaced wholesale on reindex, never mutated, so
// concurrent readers always score against a consistent corpus.
type bm25Snapshot struct {
	Version  int
	Config   BM25Config
	IDs      []string             // Passage IDs in corpus insertion order
	DocLens  []int                // Token count per passage
	AvgLen   float64              // Average passage length
	Postings map[string][]Posting // term -> occurrences, docs ascending
	IDF      map[string]float64   // Precomputed per-term IDF (epsilon-floored)
}

// MemoryBM25 scores passages with BM25 over an in-memory inverted index.
// Index rebuilds the snapshot and swaps it atomically; Search never
// observes a partially built index.
type MemoryBM25 struct {
	mu     sync.RWMutex
	snap   *bm25Snapshot
	config BM25Config
	closed bool
}

// Verify interface implementation at compile time.
var _ SparseIndex = (*MemoryBM25)(nil)

// NewMemoryBM25 creates an empty in-memory BM25 index.
func NewMemoryBM25(cfg BM25Config) *MemoryBM25 {
	if cfg.K1 <= 0 {
		cfg.K1 = DefaultBM25Config().K1
	}
	if cfg.B <= 0 {
		cfg.B = DefaultBM25Config().B
	}
	if cfg.Epsilon <= 0 {
		cfg.Epsilon = DefaultBM25Config().Epsilon
	}
	return &MemoryBM25{config: cfg}
}

// Index rebuilds the scorer from a corpus snapshot.
func (m *MemoryBM25) Index(ctx context.Context, passages []*Passage) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return fmt.Errorf("index is closed")
	}
	m.mu.RUnlock()

	snap := buildSnapshot(passages, m.config)

	m.mu.Lock()
	m.snap = snap
	m.mu.Unlock()

	slog.Debug("bm25_index_swapped",
		slog.Int("passages", len(snap.IDs)),
		slog.Int("terms", len(snap.Postings)))
	return nil
}

// buildSnapshot tokenizes the corpus and precomputes postings and IDF.
func buildSnapshot(passages []*Passage, cfg BM25Config) *bm25Snapshot {
	snap := &bm25Snapshot{
		Version:  bm25SnapshotVersion,
		Config:   cfg,
		IDs:      make([]string, 0, len(passages)),
		DocLens:  make([]int, 0, len(passages)),
		Postings: make(map[string][]Posting),
		IDF:      make(map[string]float64),
	}

	totalLen := 0
	for i, p := range passages {
		tokens := Tokenize(p.Text)
		snap.IDs = append(snap.IDs, p.ID)
		snap.DocLens = append(snap.DocLens, len(tokens))
		totalLen += len(tokens)

		tf := make(map[string]int, len(tokens))
		for _, t := range tokens {
			tf[t]++
		}
		for term, freq := range tf {
			snap.Postings[term] = append(snap.Postings[term], Posting{Doc: i, TF: freq})
		}
	}

	if len(snap.IDs) > 0 {
		snap.AvgLen = float64(totalLen) / float64(len(snap.IDs))
	}

	// IDF with epsilon floor: terms in more than half the corpus get a
	// negative raw IDF, which would subtract score. Those are floored at
	// epsilon times the average of the positive IDFs, so common terms
	// still contribute a small positive amount. When no term has a
	// positive IDF (tiny or uniform corpora) the floor is epsilon itself.
	n := float64(len(snap.IDs))
	var posSum float64
	posCount := 0
	var negative []string
	for term, postings := range snap.Postings {
		df := float64(len(postings))
		idf := math.Log((n - df + 0.5) / (df + 0.5))
		snap.IDF[term] = idf
		if idf > 0 {
			posSum += idf
			posCount++
		} else {
			negative = append(negative, term)
		}
	}
	if len(negative) > 0 {
		floor := cfg.Epsilon
		if posCount > 0 {
			floor = cfg.Epsilon * (posSum / float64(posCount))
		}
		for _, term := range negative {
			snap.IDF[term] = floor
		}
	}

	return snap
}

// Search scores the query against the current snapshot.
func (m *MemoryBM25) Search(ctx context.Context, query string, topK int, minScore float64) ([]*BM25Result, error) {
	m.mu.RLock()
	snap := m.snap
	closed := m.closed
	m.mu.RUnlock()

	if closed {
		return nil, fmt.Errorf("index is closed")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if snap == nil || len(snap.IDs) == 0 || strings.TrimSpace(query) == "" {
		return []*BM25Result{}, nil
	}

	terms := Tokenize(query)
	scores := make(map[int]float64)
	matched := make(map[int][]string)
	seen := make(map[string]bool, len(terms))

	for _, term := range terms {
		if seen[term] {
			continue
		}
		seen[term] = true

		postings, ok := snap.Postings[term]
		if !ok {
			continue
		}
		idf := snap.IDF[term]
		for _, p := range postings {
			tf := float64(p.TF)
			dl := float64(snap.DocLens[p.Doc])
			norm := snap.Config.K1 * (1 - snap.Config.B + snap.Config.B*dl/snap.AvgLen)
			scores[p.Doc] += idf * tf * (snap.Config.K1 + 1) / (tf + norm)
			matched[p.Doc] = append(matched[p.Doc], term)
		}
	}

	results := make([]*BM25Result, 0, len(scores))
	for doc, score := range scores {
		if score < minScore {
			continue
		}
		results = append(results, &BM25Result{
			PassageID:    snap.IDs[doc],
			Score:        score,
			MatchedTerms: matched[doc],
		})
	}

	// Equal scores preserve corpus insertion order; the snapshot's ID list
	// is in insertion order, so the doc index is the tie-break.
	docIndex := make(map[string]int, len(results))
	for doc := range scores {
		docIndex[snap.IDs[doc]] = doc
	}
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return docIndex[results[i].PassageID] < docIndex[results[j].PassageID]
	})

	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// Stats returns index statistics.
func (m *MemoryBM25) Stats() *IndexStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.snap == nil {
		return &IndexStats{}
	}
	return &IndexStats{
		PassageCount: len(m.snap.IDs),
		TermCount:    len(m.snap.Postings),
		AvgDocLength: m.snap.AvgLen,
	}
}

// Save persists the snapshot with gob (temp file + atomic rename).
func (m *MemoryBM25) Save(path string) error {
	m.mu.RLock()
	snap := m.snap
	m.mu.RUnlock()

	if snap == nil {
		snap = buildSnapshot(nil, m.config)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create index directory: %w", err)
	}

	tmpPath := path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create snapshot file: %w", err)
	}

	if err := gob.NewEncoder(file).Encode(snap); err != nil {
		_ = file.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close snapshot file: %w", err)
	}

	return os.Rename(tmpPath, path)
}

// Load restores a persisted snapshot. A corrupt or incompatible file fails
// this load only; the current in-memory snapshot stays untouched.
func (m *MemoryBM25) Load(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open snapshot file: %w", err)
	}
	defer func() { _ = file.Close() }()

	var snap bm25Snapshot
	if err := gob.NewDecoder(file).Decode(&snap); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	if snap.Version != bm25SnapshotVersion {
		return fmt.Errorf("unsupported snapshot version %d (want %d)", snap.Version, bm25SnapshotVersion)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("index is closed")
	}
	m.snap = &snap
	m.config = snap.Config

	slog.Debug("bm25_snapshot_loaded",
		slog.String("path", path),
		slog.Int("passages", len(snap.IDs)))
	return nil
}

// Close marks the index closed.
func (m *MemoryBM25) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.snap = nil
	return nil
}

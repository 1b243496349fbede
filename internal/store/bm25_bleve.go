package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/custom"
	"github.com/blevesearch/bleve/v2/analysis/token/lowercase"
	"github.com/blevesearch/bleve/v2/analysis/tokenizer/whitespace"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search"
)

// TextAnalyzerName is the name of the lowercase whitespace analyzer used
// for passage text. It mirrors the scorer's own tokenization rules.
const TextAnalyzerName = "passage_text"

// BleveBM25 wraps Bleve v2 as an alternative sparse backend. Unlike
// MemoryBM25 it persists incrementally to disk, which suits corpora too
// large to re-tokenize on startup.
type BleveBM25 struct {
	mu     sync.RWMutex
	index  bleve.Index
	path   string
	closed bool
}

// Verify interface implementation at compile time.
var _ SparseIndex = (*BleveBM25)(nil)

// blevePassage is the document structure for Bleve indexing.
type blevePassage struct {
	Text string `json:"text"`
}

// NewBleveBM25 creates a Bleve-backed sparse index.
// If path is empty, an in-memory index is created (used in tests).
func NewBleveBM25(path string) (*BleveBM25, error) {
	indexMapping, err := createIndexMapping()
	if err != nil {
		return nil, fmt.Errorf("create index mapping: %w", err)
	}

	var idx bleve.Index
	if path == "" {
		idx, err = bleve.NewMemOnly(indexMapping)
	} else {
		if mkErr := os.MkdirAll(filepath.Dir(path), 0o755); mkErr != nil {
			return nil, fmt.Errorf("create index directory: %w", mkErr)
		}
		idx, err = bleve.Open(path)
		if err == bleve.ErrorIndexPathDoesNotExist {
			idx, err = bleve.New(path, indexMapping)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("create/open bleve index: %w", err)
	}

	return &BleveBM25{index: idx, path: path}, nil
}

// createIndexMapping builds a mapping with the lowercase whitespace analyzer.
func createIndexMapping() (*mapping.IndexMappingImpl, error) {
	indexMapping := bleve.NewIndexMapping()
	err := indexMapping.AddCustomAnalyzer(TextAnalyzerName, map[string]interface{}{
		"type":          custom.Name,
		"tokenizer":     whitespace.Name,
		"token_filters": []string{lowercase.Name},
	})
	if err != nil {
		return nil, fmt.Errorf("add custom analyzer: %w", err)
	}
	indexMapping.DefaultAnalyzer = TextAnalyzerName
	return indexMapping, nil
}

// Index rebuilds the index from a corpus snapshot: all previous documents
// are dropped and the snapshot is indexed in a single batch under the
// write lock, so readers never observe a partial corpus.
func (b *BleveBM25) Index(ctx context.Context, passages []*Passage) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fmt.Errorf("index is closed")
	}

	// Drop the previous snapshot.
	existing, err := b.allIDsLocked()
	if err != nil {
		return fmt.Errorf("list existing documents: %w", err)
	}
	batch := b.index.NewBatch()
	for _, id := range existing {
		batch.Delete(id)
	}
	for _, p := range passages {
		if err := batch.Index(p.ID, blevePassage{Text: p.Text}); err != nil {
			return fmt.Errorf("index passage %s: %w", p.ID, err)
		}
	}
	if err := b.index.Batch(batch); err != nil {
		return fmt.Errorf("execute batch: %w", err)
	}

	slog.Debug("bleve_index_rebuilt", slog.Int("passages", len(passages)))
	return nil
}

// Search returns passages matching the query, scored by Bleve's BM25.
func (b *BleveBM25) Search(ctx context.Context, query string, topK int, minScore float64) ([]*BM25Result, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, fmt.Errorf("index is closed")
	}
	if strings.TrimSpace(query) == "" {
		return []*BM25Result{}, nil
	}

	matchQuery := bleve.NewMatchQuery(query)
	matchQuery.SetField("text")

	req := bleve.NewSearchRequest(matchQuery)
	if topK > 0 {
		req.Size = topK
	}
	req.IncludeLocations = true

	result, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("bleve search: %w", err)
	}

	results := make([]*BM25Result, 0, len(result.Hits))
	for _, hit := range result.Hits {
		if hit.Score < minScore {
			continue
		}
		results = append(results, &BM25Result{
			PassageID:    hit.ID,
			Score:        hit.Score,
			MatchedTerms: extractMatchedTerms(hit),
		})
	}
	return results, nil
}

// Stats returns index statistics.
func (b *BleveBM25) Stats() *IndexStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return &IndexStats{}
	}
	count, _ := b.index.DocCount()
	return &IndexStats{PassageCount: int(count)}
}

// Save is a no-op: a disk-backed Bleve index persists automatically.
func (b *BleveBM25) Save(path string) error {
	return nil
}

// Load opens an existing index from disk.
func (b *BleveBM25) Load(path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.index != nil && !b.closed {
		_ = b.index.Close()
	}

	idx, err := bleve.Open(path)
	if err != nil {
		return fmt.Errorf("open bleve index: %w", err)
	}
	b.index = idx
	b.path = path
	b.closed = false
	return nil
}

// Close closes the index.
func (b *BleveBM25) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	if b.index != nil {
		return b.index.Close()
	}
	return nil
}

// allIDsLocked returns every document ID. Caller holds the lock.
func (b *BleveBM25) allIDsLocked() ([]string, error) {
	count, _ := b.index.DocCount()
	if count == 0 {
		return nil, nil
	}

	req := bleve.NewSearchRequest(bleve.NewMatchAllQuery())
	req.Size = int(count)
	req.Fields = []string{}

	result, err := b.index.Search(req)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(result.Hits))
	for i, hit := range result.Hits {
		ids[i] = hit.ID
	}
	return ids, nil
}

// extractMatchedTerms pulls the matched terms out of a search hit.
func extractMatchedTerms(hit *search.DocumentMatch) []string {
	terms := make(map[string]struct{})
	for field, locations := range hit.Locations {
		if field == "text" {
			for term := range locations {
				terms[term] = struct{}{}
			}
		}
	}
	result := make([]string, 0, len(terms))
	for term := range terms {
		result = append(result, term)
	}
	return result
}

// Package search composes dense, sparse, expanded and web retrieval into
// a single ranked result list per query, with per-stage toggles and
// failure isolation.
package search

import (
	"errors"
	"time"

	"github.com/docpilot/docpilot/internal/store"
)

// Provenance tags record which retrieval dimension produced a candidate.
const (
	ProvenanceVector  = "vector"
	ProvenanceKeyword = "keyword"
	ProvenanceWeb     = "web"
)

// Retrieval method labels reported in PipelineInfo.
const (
	MethodHybrid = "hybrid"
	MethodDense  = "dense"
	MethodSparse = "sparse"
)

// ErrNilDependency is returned when a required dependency is nil.
var ErrNilDependency = errors.New("nil dependency")

// ErrUnknownTemplate is returned for template names outside the closed set.
var ErrUnknownTemplate = errors.New("unknown prompt template")

// SearchOptions configures a single search call. Each Use* flag toggles
// one pipeline stage; a disabled or failed stage degrades to the next.
type SearchOptions struct {
	// TopK is the maximum number of results to return (default: 10, max: 100).
	TopK int

	// MinSimilarity filters dense hits below this cosine similarity.
	MinSimilarity float64

	// MaxExpansions caps LLM-generated paraphrases (the original query
	// is not counted; default: 3).
	MaxExpansions int

	// UseExpansion enables LLM query expansion.
	UseExpansion bool

	// UseHybrid enables sparse keyword retrieval alongside dense.
	UseHybrid bool

	// UseReranker enables cross-encoder reranking of merged candidates.
	UseReranker bool

	// UseCorrective enables the web fallback when local evidence is weak.
	// With this false no web call is ever issued.
	UseCorrective bool

	// PreferSparse orders by sparse score when no rerank ran and a
	// candidate has both local scores. Default prefers dense.
	PreferSparse bool
}

// DefaultSearchOptions enables the full local pipeline with web
// fallback off.
func DefaultSearchOptions() SearchOptions {
	return SearchOptions{
		TopK:          10,
		MaxExpansions: 3,
		UseExpansion:  true,
		UseHybrid:     true,
		UseReranker:   true,
		UseCorrective: false,
	}
}

// ScoredCandidate is one passage with its per-dimension scores. The same
// passage surfacing from multiple expansions or sources merges into a
// single candidate keeping the best score per dimension.
type ScoredCandidate struct {
	// Passage is the full passage, or a synthesized one for web hits.
	Passage *store.Passage

	// DenseScore is the best cosine similarity across expansions (0 if
	// dense retrieval never saw this passage).
	DenseScore float64

	// SparseScore is the best BM25 score across expansions.
	SparseScore float64

	// RerankScore is the cross-encoder score; valid only when Reranked.
	RerankScore float64
	Reranked    bool

	// Score is the final ordering score: RerankScore when reranking ran,
	// otherwise the preferred local score.
	Score float64

	// Provenance is the union of dimensions that produced this candidate,
	// in first-seen order.
	Provenance []string

	// MatchedTerms are the BM25 query terms that hit this passage.
	MatchedTerms []string
}

// HasProvenance reports whether tag is among the candidate's sources.
func (c *ScoredCandidate) HasProvenance(tag string) bool {
	for _, p := range c.Provenance {
		if p == tag {
			return true
		}
	}
	return false
}

// PipelineInfo records which stages actually executed for one call.
// Stage skipping is data-dependent, so callers and tests read this
// rather than inferring from results.
type PipelineInfo struct {
	ExpansionUsed bool
	Expansions    []string

	HybridUsed    bool
	RerankerUsed  bool
	WebUsed       bool
	CorrectiveHit bool

	// RetrievalMethod is "hybrid", "dense" or "sparse" depending on
	// which local dimensions contributed.
	RetrievalMethod string

	// SkippedStages lists stages that were enabled but failed, with a
	// short reason ("rerank: service unavailable").
	SkippedStages []string
}

// SearchResult is the ordered output of one search call.
type SearchResult struct {
	Query      string
	Candidates []*ScoredCandidate
	Pipeline   PipelineInfo
	Took       time.Duration
}

// EngineConfig configures the orchestrator.
type EngineConfig struct {
	// DefaultTopK is the result count when SearchOptions.TopK is unset.
	DefaultTopK int

	// MaxTopK caps SearchOptions.TopK.
	MaxTopK int

	// CandidateMultiplier widens per-dimension retrieval so merge and
	// rerank see more than TopK candidates.
	CandidateMultiplier int

	// MaxParallel bounds concurrent retrieval tasks across expansions.
	MaxParallel int

	// CorrectiveThreshold is the best-local-score floor below which the
	// web fallback fires.
	CorrectiveThreshold float64

	// WebMaxResults caps web fallback hits folded into the result.
	WebMaxResults int

	// SearchTimeout bounds one whole search call.
	SearchTimeout time.Duration
}

// DefaultEngineConfig returns sensible defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		DefaultTopK:         10,
		MaxTopK:             100,
		CandidateMultiplier: 2,
		MaxParallel:         4,
		CorrectiveThreshold: 0.5,
		WebMaxResults:       3,
		SearchTimeout:       30 * time.Second,
	}
}

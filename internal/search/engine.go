package search

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/docpilot/docpilot/internal/embed"
	"github.com/docpilot/docpilot/internal/store"
	"github.com/docpilot/docpilot/internal/web"
)

// Engine is the hybrid search orchestrator. Per call it runs
// expand? -> retrieve(dense, sparse) in parallel -> merge/dedupe ->
// rerank? -> corrective-check -> web-fallback? -> finalize. Every stage
// is toggleable and every stage failure degrades to the next one.
type Engine struct {
	embedder embed.Embedder
	sparse   store.SparseIndex
	vector   store.VectorStore
	docs     store.DocumentStore

	expander *QueryExpander
	reranker Reranker
	web      web.Searcher

	config EngineConfig
	logger *slog.Logger
}

// EngineOption configures optional pipeline stages.
type EngineOption func(*Engine)

// WithExpander enables LLM query expansion.
func WithExpander(x *QueryExpander) EngineOption {
	return func(e *Engine) { e.expander = x }
}

// WithReranker enables cross-encoder reranking.
func WithReranker(r Reranker) EngineOption {
	return func(e *Engine) { e.reranker = r }
}

// WithWebSearcher enables the corrective web fallback. A nil searcher
// leaves web retrieval disabled regardless of SearchOptions.
func WithWebSearcher(s web.Searcher) EngineOption {
	return func(e *Engine) { e.web = s }
}

// NewEngine creates the orchestrator. The four local retrieval
// dependencies are required; expansion, reranking and web fallback are
// optional stages added through options.
func NewEngine(
	embedder embed.Embedder,
	sparse store.SparseIndex,
	vector store.VectorStore,
	docs store.DocumentStore,
	config EngineConfig,
	opts ...EngineOption,
) (*Engine, error) {
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder is required", ErrNilDependency)
	}
	if sparse == nil {
		return nil, fmt.Errorf("%w: sparse index is required", ErrNilDependency)
	}
	if vector == nil {
		return nil, fmt.Errorf("%w: vector store is required", ErrNilDependency)
	}
	if docs == nil {
		return nil, fmt.Errorf("%w: document store is required", ErrNilDependency)
	}
	if config.DefaultTopK <= 0 {
		config = DefaultEngineConfig()
	}

	e := &Engine{
		embedder: embedder,
		sparse:   sparse,
		vector:   vector,
		docs:     docs,
		config:   config,
		logger:   slog.Default().With("component", "search"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Search is the single public entry point. It always returns a result
// object; an empty or whitespace query returns an empty result, and
// stage failures shrink the result instead of erroring.
func (e *Engine) Search(ctx context.Context, query string, opts SearchOptions) (*SearchResult, error) {
	start := time.Now()

	query = strings.TrimSpace(query)
	result := &SearchResult{Query: query, Candidates: []*ScoredCandidate{}}
	if query == "" {
		result.Took = time.Since(start)
		return result, nil
	}

	ctx, cancel := context.WithTimeout(ctx, e.config.SearchTimeout)
	defer cancel()

	opts = e.applyDefaults(opts)
	info := &result.Pipeline

	expansions := e.expandStage(ctx, query, opts, info)
	candidates := e.retrieveStage(ctx, expansions, opts, info)

	// Pre-rerank order: best local score descending, merge order on ties.
	for _, c := range candidates {
		c.Score = bestLocalScore(c, opts.PreferSparse)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})

	candidates = e.rerankStage(ctx, query, candidates, opts, info)
	candidates = e.correctiveStage(ctx, query, candidates, opts, info)

	if len(candidates) > opts.TopK {
		candidates = candidates[:opts.TopK]
	}
	result.Candidates = candidates
	result.Took = time.Since(start)

	e.logger.Debug("search_completed",
		"query", query,
		"results", len(candidates),
		"method", info.RetrievalMethod,
		"took_ms", result.Took.Milliseconds())
	return result, nil
}

func (e *Engine) applyDefaults(opts SearchOptions) SearchOptions {
	if opts.TopK <= 0 {
		opts.TopK = e.config.DefaultTopK
	}
	if opts.TopK > e.config.MaxTopK {
		opts.TopK = e.config.MaxTopK
	}
	if opts.MaxExpansions <= 0 {
		opts.MaxExpansions = DefaultExpansions
	}
	return opts
}

// expandStage returns the ordered expansion set, original query first.
func (e *Engine) expandStage(ctx context.Context, query string, opts SearchOptions, info *PipelineInfo) []string {
	expansions := []string{query}
	if opts.UseExpansion && e.expander != nil {
		expansions = e.expander.Expand(ctx, query, opts.MaxExpansions, "")
		if len(expansions) > 1 {
			info.ExpansionUsed = true
		} else {
			info.SkippedStages = append(info.SkippedStages, "expansion: no usable paraphrases")
		}
	}
	info.Expansions = expansions
	return expansions
}

// retrievalSlot holds one expansion's per-dimension results so the
// merge is deterministic regardless of task completion order.
type retrievalSlot struct {
	dense     []*store.VectorResult
	denseErr  error
	sparse    []*store.BM25Result
	sparseErr error
}

// retrieveStage runs dense and (optionally) sparse retrieval for every
// expansion on a bounded worker pool, then merges by passage id keeping
// the best score per dimension and the union of provenance tags.
func (e *Engine) retrieveStage(ctx context.Context, expansions []string, opts SearchOptions, info *PipelineInfo) []*ScoredCandidate {
	limit := opts.TopK * e.config.CandidateMultiplier
	slots := make([]retrievalSlot, len(expansions))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.config.MaxParallel)

	for i, q := range expansions {
		i, q := i, q
		g.Go(func() error {
			vec, err := e.embedder.Embed(gctx, q)
			if err != nil {
				slots[i].denseErr = err
				return nil
			}
			if vec == nil {
				slots[i].denseErr = fmt.Errorf("query could not be embedded")
				return nil
			}
			slots[i].dense, slots[i].denseErr = e.vector.Search(gctx, vec, limit)
			return nil
		})

		if opts.UseHybrid {
			g.Go(func() error {
				slots[i].sparse, slots[i].sparseErr = e.sparse.Search(gctx, q, limit, 0)
				return nil
			})
		}
	}
	// Tasks never return errors; degradation is per-slot.
	_ = g.Wait()

	merged := make(map[string]*ScoredCandidate)
	var order []string
	denseHits, sparseHits := 0, 0

	for i := range slots {
		for _, r := range slots[i].dense {
			score := float64(r.Score)
			if score < opts.MinSimilarity {
				continue
			}
			denseHits++
			c, ok := merged[r.PassageID]
			if !ok {
				c = &ScoredCandidate{}
				merged[r.PassageID] = c
				order = append(order, r.PassageID)
			}
			if score > c.DenseScore || !c.HasProvenance(ProvenanceVector) {
				c.DenseScore = score
			}
			if !c.HasProvenance(ProvenanceVector) {
				c.Provenance = append(c.Provenance, ProvenanceVector)
			}
		}
		for _, r := range slots[i].sparse {
			sparseHits++
			c, ok := merged[r.PassageID]
			if !ok {
				c = &ScoredCandidate{}
				merged[r.PassageID] = c
				order = append(order, r.PassageID)
			}
			if r.Score > c.SparseScore || !c.HasProvenance(ProvenanceKeyword) {
				c.SparseScore = r.Score
			}
			if !c.HasProvenance(ProvenanceKeyword) {
				c.Provenance = append(c.Provenance, ProvenanceKeyword)
			}
			c.MatchedTerms = unionTerms(c.MatchedTerms, r.MatchedTerms)
		}
	}

	e.recordRetrievalOutcome(slots, opts, info, denseHits, sparseHits)

	if len(order) == 0 {
		return nil
	}

	passages, err := e.docs.GetPassages(ctx, order)
	if err != nil {
		info.SkippedStages = append(info.SkippedStages, "retrieval: passage lookup failed: "+err.Error())
		return nil
	}
	byID := make(map[string]*store.Passage, len(passages))
	for _, p := range passages {
		byID[p.ID] = p
	}

	candidates := make([]*ScoredCandidate, 0, len(order))
	for _, id := range order {
		p, ok := byID[id]
		if !ok {
			// Index orphan, skip.
			continue
		}
		c := merged[id]
		c.Passage = p
		candidates = append(candidates, c)
	}
	return candidates
}

func (e *Engine) recordRetrievalOutcome(slots []retrievalSlot, opts SearchOptions, info *PipelineInfo, denseHits, sparseHits int) {
	denseFailed := len(slots) > 0
	var denseErr error
	for i := range slots {
		if slots[i].denseErr == nil {
			denseFailed = false
			break
		}
		if denseErr == nil {
			denseErr = slots[i].denseErr
		}
	}
	if denseFailed {
		info.SkippedStages = append(info.SkippedStages, "dense: "+denseErr.Error())
	}

	if opts.UseHybrid {
		sparseFailed := len(slots) > 0
		var sparseErr error
		for i := range slots {
			if slots[i].sparseErr == nil {
				sparseFailed = false
				break
			}
			if sparseErr == nil {
				sparseErr = slots[i].sparseErr
			}
		}
		if sparseFailed {
			info.SkippedStages = append(info.SkippedStages, "sparse: "+sparseErr.Error())
		}
		info.HybridUsed = !sparseFailed && !denseFailed
	}

	switch {
	case denseHits > 0 && sparseHits > 0:
		info.RetrievalMethod = MethodHybrid
	case denseHits > 0:
		info.RetrievalMethod = MethodDense
	case sparseHits > 0:
		info.RetrievalMethod = MethodSparse
	}
}

// rerankStage applies the cross-encoder to the merged pool. Candidates
// the reranker did not score keep their position after the scored ones;
// equal rerank scores keep pre-rerank order.
func (e *Engine) rerankStage(ctx context.Context, query string, candidates []*ScoredCandidate, opts SearchOptions, info *PipelineInfo) []*ScoredCandidate {
	if !opts.UseReranker || e.reranker == nil || len(candidates) == 0 {
		return candidates
	}
	if !e.reranker.Available(ctx) {
		info.SkippedStages = append(info.SkippedStages, "rerank: service unavailable")
		return candidates
	}

	documents := make([]string, len(candidates))
	for i, c := range candidates {
		documents[i] = c.Passage.Text
	}

	scored, err := e.reranker.Rerank(ctx, query, documents, 0)
	if err != nil {
		info.SkippedStages = append(info.SkippedStages, "rerank: "+err.Error())
		return candidates
	}

	for _, r := range scored {
		if r.Index < 0 || r.Index >= len(candidates) {
			continue
		}
		candidates[r.Index].RerankScore = r.Score
		candidates[r.Index].Reranked = true
		candidates[r.Index].Score = r.Score
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Reranked != candidates[j].Reranked {
			return candidates[i].Reranked
		}
		return candidates[i].Score > candidates[j].Score
	})

	info.RerankerUsed = true
	return candidates
}

// correctiveStage fires the web fallback only when enabled, configured
// and the best local score is under the threshold. Web hits are folded
// in as provenance-tagged candidates after all local evidence.
func (e *Engine) correctiveStage(ctx context.Context, query string, candidates []*ScoredCandidate, opts SearchOptions, info *PipelineInfo) []*ScoredCandidate {
	if !opts.UseCorrective || e.web == nil {
		return candidates
	}

	// Reranking may have reordered candidates, so the local best is not
	// necessarily at the front.
	best := 0.0
	for _, c := range candidates {
		if s := bestLocalScore(c, opts.PreferSparse); s > best {
			best = s
		}
	}
	if !ShouldFallback(best, len(candidates) > 0, e.config.CorrectiveThreshold) {
		return candidates
	}
	info.CorrectiveHit = true

	hits, err := e.web.Search(ctx, query, e.config.WebMaxResults)
	if err != nil {
		info.SkippedStages = append(info.SkippedStages, "web: "+err.Error())
		return candidates
	}
	info.WebUsed = true

	// Make room so the web evidence survives the topK cut instead of
	// being truncated behind a full set of weak local candidates.
	if keep := opts.TopK - len(hits); keep < len(candidates) {
		if keep < 0 {
			keep = 0
		}
		candidates = candidates[:keep]
	}

	for _, h := range hits {
		text := h.Title
		if h.Snippet != "" {
			text += "\n" + h.Snippet
		}
		candidates = append(candidates, &ScoredCandidate{
			Passage: &store.Passage{
				ID:      "web:" + h.Link,
				Text:    text,
				Section: h.Source,
			},
			Provenance: []string{ProvenanceWeb},
		})
	}
	return candidates
}

func unionTerms(existing, incoming []string) []string {
	if len(incoming) == 0 {
		return existing
	}
	seen := make(map[string]bool, len(existing))
	for _, t := range existing {
		seen[t] = true
	}
	for _, t := range incoming {
		if !seen[t] {
			seen[t] = true
			existing = append(existing, t)
		}
	}
	return existing
}

package search

import (
	"context"
	"fmt"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docpilot/docpilot/internal/store"
	"github.com/docpilot/docpilot/internal/web"
)

// fakeEmbedder maps text onto a fixed vocabulary so cosine similarity
// reflects term overlap deterministically.
type fakeEmbedder struct {
	fail bool
}

var embedVocab = []string{
	"forcite", "dmol3", "molecular", "dynamics", "optimization",
	"dft", "electronic", "energy", "md",
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if f.fail {
		return nil, fmt.Errorf("model unavailable")
	}
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	vec := make([]float32, len(embedVocab))
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		tok = strings.Trim(tok, ".,;:")
		for i, v := range embedVocab {
			if tok == v {
				vec[i]++
			}
		}
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		vec[0] = 1
		norm = 1
	}
	mag := float32(math.Sqrt(norm))
	for i := range vec {
		vec[i] /= mag
	}
	return vec, nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
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

func (f *fakeEmbedder) Dimensions() int                  { return len(embedVocab) }
func (f *fakeEmbedder) ModelName() string                { return "fake" }
func (f *fakeEmbedder) Available(_ context.Context) bool { return !f.fail }
func (f *fakeEmbedder) Close() error                     { return nil }

// fakeReranker scores documents by substring markers.
type fakeReranker struct {
	scores map[string]float64 // substring -> score
	err    error
}

func (f *fakeReranker) Rerank(_ context.Context, _ string, documents []string, topK int) ([]RerankResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	results := make([]RerankResult, len(documents))
	for i, doc := range documents {
		score := 0.0
		for marker, s := range f.scores {
			if strings.Contains(doc, marker) {
				score = s
			}
		}
		results[i] = RerankResult{Index: i, Score: score}
	}
	return results, nil
}

func (f *fakeReranker) Available(_ context.Context) bool { return true }
func (f *fakeReranker) Close() error                     { return nil }

// fakeWeb counts calls and serves canned results.
type fakeWeb struct {
	calls   int
	results []web.Result
}

func (f *fakeWeb) Search(_ context.Context, _ string, _ int) ([]web.Result, error) {
	f.calls++
	return f.results, nil
}

func (f *fakeWeb) SearchNews(_ context.Context, _ string, _ int) ([]web.Result, error) {
	f.calls++
	return f.results, nil
}

func corpusPassages() []*store.Passage {
	return []*store.Passage{
		{
			ID:         "p1",
			DocumentID: "doc-forcite",
			Text:       "Forcite supports molecular dynamics simulations and geometry optimization with classical forcefields.",
			Section:    "Forcite/MD",
			Page:       12,
		},
		{
			ID:         "p2",
			DocumentID: "doc-dmol3",
			Text:       "DMol3 performs DFT electronic structure calculations to compute total energy.",
			Section:    "DMol3/DFT",
			Page:       44,
		},
		{
			ID:         "p3",
			DocumentID: "doc-forcite",
			Text:       "Forcite energy calculations require a forcefield assignment before the run.",
			Section:    "Forcite/Energy",
			Page:       15,
		},
	}
}

func buildTestEngine(t *testing.T, embedder *fakeEmbedder, opts ...EngineOption) *Engine {
	t.Helper()
	ctx := context.Background()

	passages := corpusPassages()

	sparse := store.NewMemoryBM25(store.DefaultBM25Config())
	require.NoError(t, sparse.Index(ctx, passages))

	vector, err := store.NewHNSWStore(store.DefaultVectorStoreConfig(embedder.Dimensions()))
	require.NoError(t, err)

	docs, err := store.NewSQLiteStore("")
	require.NoError(t, err)
	require.NoError(t, docs.SavePassages(ctx, passages))

	for _, p := range passages {
		vec, embErr := (&fakeEmbedder{}).Embed(ctx, p.Text)
		require.NoError(t, embErr)
		require.NoError(t, vector.Add(ctx, []string{p.ID}, [][]float32{vec}))
	}

	engine, err := NewEngine(embedder, sparse, vector, docs, DefaultEngineConfig(), opts...)
	require.NoError(t, err)
	return engine
}

func localOnlyOptions() SearchOptions {
	return SearchOptions{
		TopK:          10,
		UseHybrid:     true,
		UseCorrective: false,
	}
}

func TestNewEngineNilDependency(t *testing.T) {
	_, err := NewEngine(nil, nil, nil, nil, DefaultEngineConfig())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNilDependency)
}

func TestSearchEmptyQueryReturnsEmptyResult(t *testing.T) {
	engine := buildTestEngine(t, &fakeEmbedder{})

	result, err := engine.Search(context.Background(), "   ", localOnlyOptions())
	require.NoError(t, err)
	assert.Empty(t, result.Candidates)
}

func TestSearchRanksTermOverlap(t *testing.T) {
	engine := buildTestEngine(t, &fakeEmbedder{})

	result, err := engine.Search(context.Background(), "Forcite molecular dynamics optimization", localOnlyOptions())
	require.NoError(t, err)
	require.NotEmpty(t, result.Candidates)

	// The passage covering MD and optimization outranks the DFT-only one.
	assert.Equal(t, "p1", result.Candidates[0].Passage.ID)
	for i, c := range result.Candidates {
		if c.Passage.ID == "p2" {
			assert.Greater(t, i, 0)
		}
	}
	assert.Equal(t, MethodHybrid, result.Pipeline.RetrievalMethod)
}

func TestSearchScoresNonIncreasingAndBounded(t *testing.T) {
	engine := buildTestEngine(t, &fakeEmbedder{})

	opts := localOnlyOptions()
	opts.TopK = 2
	result, err := engine.Search(context.Background(), "forcite energy optimization", opts)
	require.NoError(t, err)
	require.LessOrEqual(t, len(result.Candidates), 2)

	for i := 1; i < len(result.Candidates); i++ {
		assert.GreaterOrEqual(t, result.Candidates[i-1].Score, result.Candidates[i].Score)
	}
}

func TestSearchMergesDuplicatePassages(t *testing.T) {
	engine := buildTestEngine(t, &fakeEmbedder{})

	result, err := engine.Search(context.Background(), "forcite molecular dynamics", localOnlyOptions())
	require.NoError(t, err)

	seen := map[string]int{}
	for _, c := range result.Candidates {
		seen[c.Passage.ID]++
	}
	for id, count := range seen {
		assert.Equal(t, 1, count, "passage %s duplicated after merge", id)
	}

	// p1 matches both dense and sparse: both provenance tags, both scores.
	top := result.Candidates[0]
	require.Equal(t, "p1", top.Passage.ID)
	assert.True(t, top.HasProvenance(ProvenanceVector))
	assert.True(t, top.HasProvenance(ProvenanceKeyword))
	assert.Greater(t, top.DenseScore, 0.0)
	assert.Greater(t, top.SparseScore, 0.0)
}

func TestSearchDegradesToSparseWhenEmbedderFails(t *testing.T) {
	engine := buildTestEngine(t, &fakeEmbedder{fail: true})

	result, err := engine.Search(context.Background(), "forcite dynamics", localOnlyOptions())
	require.NoError(t, err)
	require.NotEmpty(t, result.Candidates)

	assert.Equal(t, MethodSparse, result.Pipeline.RetrievalMethod)
	require.NotEmpty(t, result.Pipeline.SkippedStages)
	assert.Contains(t, result.Pipeline.SkippedStages[0], "dense")
	for _, c := range result.Candidates {
		assert.False(t, c.HasProvenance(ProvenanceVector))
	}
}

func TestSearchRerankerReorders(t *testing.T) {
	// Dense/sparse put the MD passage (A) ahead; the cross-encoder says
	// the DFT passage (B) is more relevant, so final order flips.
	reranker := &fakeReranker{scores: map[string]float64{
		"molecular dynamics": 0.4,
		"DFT":                0.95,
	}}
	engine := buildTestEngine(t, &fakeEmbedder{}, WithReranker(reranker))

	opts := localOnlyOptions()
	opts.UseReranker = true
	result, err := engine.Search(context.Background(), "forcite molecular dynamics", opts)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(result.Candidates), 2)

	assert.True(t, result.Pipeline.RerankerUsed)
	assert.Equal(t, "p2", result.Candidates[0].Passage.ID)
	assert.True(t, result.Candidates[0].Reranked)
	assert.InDelta(t, 0.95, result.Candidates[0].RerankScore, 1e-9)
}

func TestSearchRerankerFailureDegrades(t *testing.T) {
	reranker := &fakeReranker{err: fmt.Errorf("connection refused")}
	engine := buildTestEngine(t, &fakeEmbedder{}, WithReranker(reranker))

	opts := localOnlyOptions()
	opts.UseReranker = true
	result, err := engine.Search(context.Background(), "forcite molecular dynamics", opts)
	require.NoError(t, err)
	require.NotEmpty(t, result.Candidates)

	assert.False(t, result.Pipeline.RerankerUsed)
	found := false
	for _, s := range result.Pipeline.SkippedStages {
		if strings.HasPrefix(s, "rerank:") {
			found = true
		}
	}
	assert.True(t, found)
}

func TestSearchMinSimilarityFiltersDenseHits(t *testing.T) {
	engine := buildTestEngine(t, &fakeEmbedder{})

	opts := localOnlyOptions()
	opts.UseHybrid = false
	opts.MinSimilarity = 0.95
	result, err := engine.Search(context.Background(), "forcite molecular dynamics", opts)
	require.NoError(t, err)
	assert.Empty(t, result.Candidates)

	opts.MinSimilarity = 0
	result, err = engine.Search(context.Background(), "forcite molecular dynamics", opts)
	require.NoError(t, err)
	assert.NotEmpty(t, result.Candidates)
}

func TestSearchCorrectiveDisabledNeverCallsWeb(t *testing.T) {
	webClient := &fakeWeb{}
	engine := buildTestEngine(t, &fakeEmbedder{fail: true}, WithWebSearcher(webClient))

	// Dense fails and the sparse match is weak, but corrective is off.
	opts := localOnlyOptions()
	opts.UseCorrective = false
	_, err := engine.Search(context.Background(), "completely unrelated query terms", opts)
	require.NoError(t, err)
	assert.Equal(t, 0, webClient.calls)
}

func TestSearchCorrectiveFiresOnWeakEvidence(t *testing.T) {
	webClient := &fakeWeb{results: []web.Result{
		{Title: "External doc", Snippet: "web evidence", Link: "https://example.com/a", SourceType: web.SourceTypeWeb},
	}}
	engine := buildTestEngine(t, &fakeEmbedder{fail: true}, WithWebSearcher(webClient))

	opts := localOnlyOptions()
	opts.UseCorrective = true
	result, err := engine.Search(context.Background(), "zzz unknown topic qqq", opts)
	require.NoError(t, err)

	assert.Equal(t, 1, webClient.calls)
	assert.True(t, result.Pipeline.CorrectiveHit)
	assert.True(t, result.Pipeline.WebUsed)

	var webHits int
	for _, c := range result.Candidates {
		if c.HasProvenance(ProvenanceWeb) {
			webHits++
			assert.Contains(t, c.Passage.ID, "web:")
		}
	}
	assert.Equal(t, 1, webHits)
}

func TestSearchCorrectiveSkippedOnStrongEvidence(t *testing.T) {
	webClient := &fakeWeb{}
	engine := buildTestEngine(t, &fakeEmbedder{}, WithWebSearcher(webClient))

	opts := localOnlyOptions()
	opts.UseCorrective = true
	result, err := engine.Search(context.Background(), "Forcite molecular dynamics optimization", opts)
	require.NoError(t, err)
	require.NotEmpty(t, result.Candidates)

	assert.Equal(t, 0, webClient.calls)
	assert.False(t, result.Pipeline.CorrectiveHit)
}

func TestSearchCorrectiveSeesLocalBestAfterRerank(t *testing.T) {
	// The reranker promotes the DFT passage, whose local similarity is
	// weak. The fallback decision must still see the strong local score
	// the MD passage earned, not whatever sits at position zero.
	reranker := &fakeReranker{scores: map[string]float64{
		"molecular dynamics": 0.4,
		"DFT":                0.95,
	}}
	webClient := &fakeWeb{}
	engine := buildTestEngine(t, &fakeEmbedder{}, WithReranker(reranker), WithWebSearcher(webClient))
	engine.config.CorrectiveThreshold = 0.6

	opts := localOnlyOptions()
	opts.UseReranker = true
	opts.UseCorrective = true
	result, err := engine.Search(context.Background(), "forcite molecular dynamics", opts)
	require.NoError(t, err)
	require.NotEmpty(t, result.Candidates)

	assert.Equal(t, "p2", result.Candidates[0].Passage.ID)
	assert.Equal(t, 0, webClient.calls)
	assert.False(t, result.Pipeline.CorrectiveHit)
}

func TestSearchWebEvidenceSurvivesTopK(t *testing.T) {
	// When the fallback fires on a full result page, its hits displace
	// the weakest locals instead of falling off the end.
	webClient := &fakeWeb{results: []web.Result{
		{Title: "External doc", Snippet: "web evidence", Link: "https://example.com/a", SourceType: web.SourceTypeWeb},
	}}
	engine := buildTestEngine(t, &fakeEmbedder{}, WithWebSearcher(webClient))
	engine.config.CorrectiveThreshold = 0.99

	opts := localOnlyOptions()
	opts.TopK = 3
	opts.UseCorrective = true
	result, err := engine.Search(context.Background(), "forcite molecular dynamics", opts)
	require.NoError(t, err)

	assert.True(t, result.Pipeline.WebUsed)
	require.Len(t, result.Candidates, 3)

	var webHits int
	for _, c := range result.Candidates {
		if c.HasProvenance(ProvenanceWeb) {
			webHits++
		}
	}
	assert.Equal(t, 1, webHits)
}

func TestSearchExpansionRecordedInPipeline(t *testing.T) {
	expander := &QueryExpander{
		client: stubCompletion{content: "forcite MD simulation setup\ngeometry optimization with forcefields"},
		config: DefaultExpanderConfig(),
		logger: discardLogger(),
	}
	engine := buildTestEngine(t, &fakeEmbedder{}, WithExpander(expander))

	opts := localOnlyOptions()
	opts.UseExpansion = true
	result, err := engine.Search(context.Background(), "forcite dynamics", opts)
	require.NoError(t, err)

	assert.True(t, result.Pipeline.ExpansionUsed)
	require.GreaterOrEqual(t, len(result.Pipeline.Expansions), 2)
	assert.Equal(t, "forcite dynamics", result.Pipeline.Expansions[0])
}

func TestSearchTimeoutBounded(t *testing.T) {
	engine := buildTestEngine(t, &fakeEmbedder{})
	engine.config.SearchTimeout = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result, err := engine.Search(ctx, "forcite", localOnlyOptions())
	require.NoError(t, err)
	assert.Empty(t, result.Candidates)
}

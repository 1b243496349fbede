package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/docpilot/docpilot/internal/config"
	"github.com/docpilot/docpilot/internal/embed"
	"github.com/docpilot/docpilot/internal/ingest"
	"github.com/docpilot/docpilot/internal/search"
	"github.com/docpilot/docpilot/internal/store"
	"github.com/docpilot/docpilot/internal/web"
)

// app bundles the wired stores and services for one command invocation.
type app struct {
	cfg      *config.Config
	docs     store.DocumentStore
	sparse   store.SparseIndex
	vector   store.VectorStore
	embedder embed.Embedder

	cleanups []func() error
}

// openApp opens the stores under the data directory and builds the
// embedder. Index snapshots from previous runs are loaded when present.
func openApp(ctx context.Context, cfg *config.Config) (*app, error) {
	dataDir := cfg.Data.Dir
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	a := &app{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			_ = a.close()
		}
	}()

	docs, err := store.NewSQLiteStore(filepath.Join(dataDir, "docpilot.db"))
	if err != nil {
		return nil, fmt.Errorf("open document store: %w", err)
	}
	a.docs = docs
	a.cleanups = append(a.cleanups, docs.Close)

	bm25Cfg := store.BM25Config{
		K1:      cfg.Search.K1,
		B:       cfg.Search.B,
		Epsilon: cfg.Search.Epsilon,
	}
	sparse, err := store.NewSparseIndex(filepath.Join(dataDir, "bm25"), bm25Cfg, cfg.Data.SparseBackend)
	if err != nil {
		return nil, fmt.Errorf("open sparse index: %w", err)
	}
	a.sparse = sparse
	a.cleanups = append(a.cleanups, sparse.Close)

	sparsePath := store.SparseIndexPath(dataDir, cfg.Data.SparseBackend)
	if _, err := os.Stat(sparsePath); err == nil {
		if err := sparse.Load(sparsePath); err != nil {
			slog.Warn("sparse_snapshot_load_failed", "path", sparsePath, "error", err)
		}
	}

	inner, err := embed.NewOllamaEmbedder(ctx, embed.OllamaConfig{
		Host:       cfg.Embeddings.OllamaHost,
		Model:      cfg.Embeddings.Model,
		Dimensions: cfg.Embeddings.Dimensions,
		BatchSize:  cfg.Embeddings.BatchSize,
		Timeout:    cfg.Embeddings.Timeout.Std(),
	})
	if err != nil {
		return nil, fmt.Errorf("connect embedder: %w", err)
	}
	a.embedder = embed.NewCachedEmbedder(inner, cfg.Embeddings.CacheSize)
	a.cleanups = append(a.cleanups, a.embedder.Close)

	vector, err := store.NewHNSWStore(store.DefaultVectorStoreConfig(inner.Dimensions()))
	if err != nil {
		return nil, fmt.Errorf("open vector store: %w", err)
	}
	a.vector = vector
	a.cleanups = append(a.cleanups, vector.Close)

	if _, err := os.Stat(a.vectorPath()); err == nil {
		if err := vector.Load(a.vectorPath()); err != nil {
			slog.Warn("vector_snapshot_load_failed", "path", a.vectorPath(), "error", err)
		}
	}

	ok = true
	return a, nil
}

func (a *app) vectorPath() string {
	return filepath.Join(a.cfg.Data.Dir, "vectors.hnsw")
}

// saveSnapshots persists both indexes for the next run. The memory BM25
// backend needs this; Bleve persists itself.
func (a *app) saveSnapshots() error {
	sparsePath := store.SparseIndexPath(a.cfg.Data.Dir, a.cfg.Data.SparseBackend)
	if err := a.sparse.Save(sparsePath); err != nil {
		return fmt.Errorf("save sparse index: %w", err)
	}
	if err := a.vector.Save(a.vectorPath()); err != nil {
		return fmt.Errorf("save vector index: %w", err)
	}
	return nil
}

// newEngine builds the search orchestrator with the optional stages the
// configuration enables. Optional stage setup failures degrade with a
// warning rather than aborting the command.
func (a *app) newEngine(ctx context.Context) (*search.Engine, error) {
	cfg := a.cfg
	engineCfg := search.DefaultEngineConfig()
	engineCfg.DefaultTopK = cfg.Search.TopK
	engineCfg.MaxParallel = cfg.Search.MaxParallel
	engineCfg.CorrectiveThreshold = cfg.Search.CorrectiveThreshold
	engineCfg.WebMaxResults = cfg.Web.MaxResults

	var opts []search.EngineOption

	if cfg.Search.UseExpansion {
		expander := search.NewQueryExpander(search.ExpanderConfig{
			BaseURL:     cfg.Expander.BaseURL,
			APIKey:      cfg.Expander.APIKey,
			Model:       cfg.Expander.Model,
			Temperature: cfg.Expander.Temperature,
			MaxTokens:   cfg.Expander.MaxTokens,
		})
		opts = append(opts, search.WithExpander(expander))
	}

	if cfg.Search.UseReranker {
		reranker, err := search.NewHTTPReranker(ctx, search.RerankerConfig{
			Endpoint: cfg.Reranker.Endpoint,
			Model:    cfg.Reranker.Model,
			Timeout:  cfg.Reranker.Timeout.Std(),
		})
		if err != nil {
			slog.Warn("reranker_unavailable", "endpoint", cfg.Reranker.Endpoint, "error", err)
		} else {
			opts = append(opts, search.WithReranker(reranker))
		}
	}

	if cfg.Web.Enabled && cfg.Web.APIKey != "" {
		brave, err := web.NewBraveClient(web.BraveConfig{
			BaseURL:    cfg.Web.BaseURL,
			APIKey:     cfg.Web.APIKey,
			Timeout:    cfg.Web.Timeout.Std(),
			MaxResults: cfg.Web.MaxResults,
		})
		if err != nil {
			slog.Warn("web_search_unavailable", "error", err)
		} else {
			opts = append(opts, search.WithWebSearcher(brave))
		}
	}

	return search.NewEngine(a.embedder, a.sparse, a.vector, a.docs, engineCfg, opts...)
}

// newPipeline builds the ingestion pipeline over the app's stores.
func (a *app) newPipeline() (*ingest.Pipeline, error) {
	return ingest.NewPipeline(a.embedder, a.sparse, a.vector, a.docs)
}

func (a *app) close() error {
	var errs []error
	for i := len(a.cleanups) - 1; i >= 0; i-- {
		errs = append(errs, a.cleanups[i]())
	}
	return errors.Join(errs...)
}

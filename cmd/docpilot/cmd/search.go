package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/docpilot/docpilot/internal/search"
)

// searchOptions holds CLI flags for search.
type searchOptions struct {
	topK       int
	format     string // "text", "json"
	template   string // prompt template name, empty for raw results
	corrective bool
	noRerank   bool
	noExpand   bool
	sparseOnly bool
}

func newSearchCmd() *cobra.Command {
	var opts searchOptions

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search the indexed documentation",
		Long: `Search the indexed documentation with the hybrid pipeline.

Keyword (BM25) and semantic retrieval run in parallel over the original
query and its LLM-generated paraphrases; merged candidates are reranked
by a cross-encoder when one is configured.

Examples:
  docpilot search "forcite geometry optimization"
  docpilot search "dmol3 basis sets" --top-k 5 --format json
  docpilot search "thermal conductivity" --corrective
  docpilot search "analysis workflow" --template chain_of_thought`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args, " ")
			return runSearch(cmd.Context(), cmd, query, opts)
		},
	}

	cmd.Flags().IntVarP(&opts.topK, "top-k", "n", 0, "Maximum number of results (default: from config)")
	cmd.Flags().StringVarP(&opts.format, "format", "f", "text", "Output format: text, json")
	cmd.Flags().StringVarP(&opts.template, "template", "t", "", "Prompt template: "+strings.Join(search.TemplateNames(), ", "))
	cmd.Flags().BoolVar(&opts.corrective, "corrective", false, "Fall back to web search when local evidence is weak")
	cmd.Flags().BoolVar(&opts.noRerank, "no-rerank", false, "Skip cross-encoder reranking")
	cmd.Flags().BoolVar(&opts.noExpand, "no-expand", false, "Skip LLM query expansion")
	cmd.Flags().BoolVar(&opts.sparseOnly, "sparse-only", false, "Rank by keyword score when both scores exist")

	return cmd
}

func runSearch(ctx context.Context, cmd *cobra.Command, query string, opts searchOptions) error {
	slog.Info("search_started", slog.String("query", query), slog.Int("top_k", opts.topK))

	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = a.close() }()

	engine, err := a.newEngine(ctx)
	if err != nil {
		return fmt.Errorf("build search engine: %w", err)
	}

	searchOpts := search.SearchOptions{
		TopK:          opts.topK,
		MinSimilarity: cfg.Search.MinSimilarity,
		MaxExpansions: cfg.Search.MaxExpansions,
		UseExpansion:  cfg.Search.UseExpansion && !opts.noExpand,
		UseHybrid:     cfg.Search.UseHybrid,
		UseReranker:   cfg.Search.UseReranker && !opts.noRerank,
		UseCorrective: cfg.Search.UseCorrective || opts.corrective,
		PreferSparse:  opts.sparseOnly,
	}
	if searchOpts.TopK <= 0 {
		searchOpts.TopK = cfg.Search.TopK
	}

	if opts.template != "" {
		templated, err := engine.SearchWithTemplate(ctx, query, opts.template, searchOpts.TopK)
		if err != nil {
			return err
		}
		return printTemplated(cmd, templated, opts.format)
	}

	result, err := engine.Search(ctx, query, searchOpts)
	if err != nil {
		return err
	}

	slog.Info("search_complete",
		slog.Int("results", len(result.Candidates)),
		slog.String("method", result.Pipeline.RetrievalMethod),
		slog.Duration("took", result.Took))

	return printResult(cmd, result, opts.format)
}

func printResult(cmd *cobra.Command, result *search.SearchResult, format string) error {
	out := cmd.OutOrStdout()

	if format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	if len(result.Candidates) == 0 {
		fmt.Fprintf(out, "No results for %q\n", result.Query)
		return nil
	}

	fmt.Fprintf(out, "Results for %q (%s, %s)\n\n",
		result.Query, result.Pipeline.RetrievalMethod, result.Took.Round(time.Millisecond))

	for i, c := range result.Candidates {
		fmt.Fprintf(out, "%2d. [%.3f] %s\n", i+1, c.Score, describePassage(c))
		fmt.Fprintf(out, "    %s\n\n", snippet(c.Passage.Text, 200))
	}

	if len(result.Pipeline.SkippedStages) > 0 {
		fmt.Fprintf(out, "Skipped stages: %s\n", strings.Join(result.Pipeline.SkippedStages, "; "))
	}
	return nil
}

func printTemplated(cmd *cobra.Command, templated *search.TemplatedResult, format string) error {
	out := cmd.OutOrStdout()

	if format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(templated)
	}

	fmt.Fprintln(out, templated.Prompt)
	return nil
}

func describePassage(c *search.ScoredCandidate) string {
	var parts []string
	if c.Passage.Section != "" {
		parts = append(parts, c.Passage.Section)
	}
	if c.Passage.Page > 0 {
		parts = append(parts, fmt.Sprintf("p. %d", c.Passage.Page))
	}
	parts = append(parts, strings.Join(c.Provenance, "+"))
	return c.Passage.ID + " (" + strings.Join(parts, ", ") + ")"
}

func snippet(text string, max int) string {
	text = strings.Join(strings.Fields(text), " ")
	if len(text) <= max {
		return text
	}
	if cut := strings.LastIndexByte(text[:max], ' '); cut > 0 {
		text = text[:cut]
	} else {
		text = text[:max]
	}
	return text + "..."
}

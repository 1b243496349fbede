package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/docpilot/docpilot/internal/ingest"
	"github.com/docpilot/docpilot/internal/output"
	"github.com/docpilot/docpilot/internal/store"
)

// indexOptions holds CLI flags for index.
type indexOptions struct {
	owner     string
	chunkSize int
}

func newIndexCmd() *cobra.Command {
	var opts indexOptions

	cmd := &cobra.Command{
		Use:   "index <file>...",
		Short: "Ingest documents into the local indexes",
		Long: `Ingest one or more text documents: chunk into passages, embed them,
and add them to the keyword and vector indexes.

Each document gets an ingestion record that tracks progress; records
interrupted mid-ingestion are picked up by 'docpilot recover'.

Examples:
  docpilot index manual.txt
  docpilot index docs/*.txt --owner research-team --chunk-size 800`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIndex(cmd.Context(), cmd, args, opts)
		},
	}

	cmd.Flags().StringVar(&opts.owner, "owner", "", "Owner ID recorded on the ingested documents")
	cmd.Flags().IntVar(&opts.chunkSize, "chunk-size", ingest.DefaultChunkSize, "Target passage size in characters")

	return cmd
}

func runIndex(ctx context.Context, cmd *cobra.Command, paths []string, opts indexOptions) error {
	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = a.close() }()

	pipeline, err := a.newPipeline()
	if err != nil {
		return err
	}

	out := output.New(cmd.OutOrStdout())
	var failed []string

	for _, path := range paths {
		abs, err := filepath.Abs(path)
		if err != nil {
			abs = path
		}

		rec := &store.IngestionRecord{
			ID:         uuid.NewString(),
			OwnerID:    opts.owner,
			Title:      filepath.Base(path),
			SourcePath: abs,
			Status:     store.StatusPending,
			ChunkSize:  opts.chunkSize,
			CreatedAt:  time.Now().UTC(),
		}
		if err := a.docs.SaveRecord(ctx, rec); err != nil {
			return fmt.Errorf("save ingestion record for %s: %w", path, err)
		}

		slog.Info("index_started", slog.String("document_id", rec.ID), slog.String("path", abs))
		if err := pipeline.Ingest(ctx, rec); err != nil {
			slog.Error("index_failed", slog.String("document_id", rec.ID), slog.String("error", err.Error()))
			out.Errorf("%s: %v", path, err)
			failed = append(failed, path)
			continue
		}
		out.Successf("indexed %s (%s)", path, rec.ID)
	}

	if err := a.saveSnapshots(); err != nil {
		return err
	}

	if len(failed) > 0 {
		return fmt.Errorf("failed to index %d of %d documents: %s",
			len(failed), len(paths), strings.Join(failed, ", "))
	}
	return nil
}

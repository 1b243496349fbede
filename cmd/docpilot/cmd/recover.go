package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/docpilot/docpilot/internal/output"
	"github.com/docpilot/docpilot/internal/recovery"
)

// recoverOptions holds CLI flags for recover.
type recoverOptions struct {
	owner         string
	thresholdMin  int
	maxConcurrent int
}

func newRecoverCmd() *cobra.Command {
	var opts recoverOptions

	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Resume documents stuck mid-ingestion",
		Long: `Find ingestion records left pending or processing longer than the
staleness threshold and run them through the pipeline again. Partial
passages from the interrupted attempt are replaced, so recovery is safe
to repeat.

Only one recovery run per data directory proceeds at a time; a second
invocation exits with an error while the first holds the lock.

Examples:
  docpilot recover
  docpilot recover --owner research-team
  docpilot recover --threshold 10 --max-concurrent 5`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRecover(cmd.Context(), cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.owner, "owner", "", "Recover only this owner's documents")
	cmd.Flags().IntVar(&opts.thresholdMin, "threshold", 0, "Staleness threshold in minutes (default: from config)")
	cmd.Flags().IntVar(&opts.maxConcurrent, "max-concurrent", 0, "Documents recovered in parallel (default: from config)")

	return cmd
}

func runRecover(ctx context.Context, cmd *cobra.Command, opts recoverOptions) error {
	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = a.close() }()

	pipeline, err := a.newPipeline()
	if err != nil {
		return err
	}

	svc, err := recovery.NewService(a.docs, pipeline, recovery.Config{
		Threshold:     time.Duration(cfg.Recovery.ThresholdMinutes) * time.Minute,
		MaxConcurrent: cfg.Recovery.MaxConcurrent,
		DataDir:       cfg.Data.Dir,
	})
	if err != nil {
		return err
	}

	threshold := time.Duration(opts.thresholdMin) * time.Minute
	out := output.New(cmd.OutOrStdout())

	if opts.owner != "" {
		recovered, titles, err := svc.RecoverForOwner(ctx, opts.owner, threshold)
		if err != nil {
			return recoverError(err)
		}
		out.Successf("recovered %d document(s) for %s", recovered, opts.owner)
		for _, title := range titles {
			out.Status("", title)
		}
		return a.saveSnapshots()
	}

	recovered, err := svc.RecoverAllStuck(ctx, threshold, opts.maxConcurrent)
	if err != nil {
		return recoverError(err)
	}

	slog.Info("recovery_run_complete", slog.Int("recovered", recovered))
	out.Successf("recovered %d document(s)", recovered)
	return a.saveSnapshots()
}

func recoverError(err error) error {
	if errors.Is(err, recovery.ErrAlreadyRunning) {
		return fmt.Errorf("another recovery run holds the lock; try again later")
	}
	return err
}

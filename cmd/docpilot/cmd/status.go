package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show ingestion records and index statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd.Context(), cmd, jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runStatus(ctx context.Context, cmd *cobra.Command, jsonOutput bool) error {
	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = a.close() }()

	records, err := a.docs.ListRecords(ctx)
	if err != nil {
		return err
	}
	stats := a.sparse.Stats()

	out := cmd.OutOrStdout()

	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"documents":    records,
			"sparse_index": stats,
			"vectors":      a.vector.Count(),
		})
	}

	fmt.Fprintf(out, "data dir:  %s\n", cfg.Data.Dir)
	fmt.Fprintf(out, "passages:  %d indexed (bm25), %d embedded\n", stats.PassageCount, a.vector.Count())
	fmt.Fprintf(out, "documents: %d\n\n", len(records))

	if len(records) == 0 {
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tOWNER\tSTATUS\tPROGRESS\tUPDATED")
	for _, rec := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d%%\t%s\n",
			rec.ID, rec.Title, rec.OwnerID, rec.Status, rec.Progress,
			rec.UpdatedAt.Local().Format(time.DateTime))
	}
	return w.Flush()
}

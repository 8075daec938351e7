package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/instrument-index/internal/model"
	"github.com/sells-group/instrument-index/internal/pipeline"
)

var precomputeCmd = &cobra.Command{
	Use:   "precompute",
	Short: "Fill missing translations, enrichments and embeddings",
	Long: `Scans the instrument registry and resolves every record with a missing or
failed translation, enrichment or embedding. Valid stored values are never
overwritten. With --force every record is considered.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "precompute")
		if err != nil {
			return err
		}
		defer env.Close()

		batchSize, _ := cmd.Flags().GetInt("batch-size")
		force, _ := cmd.Flags().GetBool("force")
		workers, _ := cmd.Flags().GetInt("workers")
		skip, _ := cmd.Flags().GetBool("skip-enrichment")

		params := withJobDefaults(model.RunParams{
			BatchSize:      batchSize,
			Force:          force,
			MaxWorkers:     workers,
			SkipEnrichment: skip,
		})

		out := cmd.OutOrStdout()
		errOut := cmd.ErrOrStderr()
		opts := pipeline.ParamsOptions(params)
		opts.OnInfo = func(msg string) {
			zap.L().Debug(msg)
			_, _ = fmt.Fprintln(out, msg)
		}
		opts.OnError = func(msg string) {
			zap.L().Warn(msg)
			_, _ = fmt.Fprintln(errOut, msg)
		}

		summary, err := env.runJob(ctx, opts)
		if err != nil {
			return err
		}
		formatSummary(out, summary)
		return nil
	},
}

func init() {
	precomputeCmd.Flags().Int("batch-size", 0, "records per batch (default from config)")
	precomputeCmd.Flags().Bool("force", false, "reprocess every record, not only incomplete ones")
	precomputeCmd.Flags().Int("workers", 0, "parallel batch workers (default from config)")
	precomputeCmd.Flags().Bool("skip-enrichment", false, "translate and embed only, leave enrichment untouched")
	rootCmd.AddCommand(precomputeCmd)
}

// formatSummary writes a job summary to w.
func formatSummary(out io.Writer, s *model.Summary) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Processed:\t%d\n", s.ProcessedCount)
	_, _ = fmt.Fprintf(w, "Successful:\t%d\n", s.Successful)
	_, _ = fmt.Fprintf(w, "Failed:\t%d\n", s.Failed)
	_, _ = fmt.Fprintf(w, "Updated:\t%d\n", s.Updated)
	_, _ = fmt.Fprintf(w, "Batches:\t%d (%d failed)\n", s.Batches, s.FailedBatches)
	_, _ = fmt.Fprintf(w, "Cache size:\t%d\n", s.CacheSize)
	_, _ = fmt.Fprintf(w, "Duration:\t%s\n", (time.Duration(s.DurationMs) * time.Millisecond).Round(time.Millisecond))
	_ = w.Flush()
}


package cli

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/eshaffer321/lodgetix-reconcile/internal/application/pending"
)

func newPendingCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "Work with registrations waiting on their payment",
	}
	cmd.AddCommand(newPendingProcessCmd(g), newPendingStatsCmd(g), newPendingFailedCmd(g))
	return cmd
}

func newPendingProcessCmd(g *globalFlags) *cobra.Command {
	var maxRetries, batchSize int
	cmd := &cobra.Command{
		Use:   "process",
		Short: "Check pending imports for their payment",
		Args:  cobra.NoArgs,
		RunE: g.withApp(func(app *App, cmd *cobra.Command, args []string) error {
			opts := pending.OptionsFrom(app.Config.Pending)
			if cmd.Flags().Changed("max-retries") {
				opts.MaxRetries = maxRetries
			}
			if cmd.Flags().Changed("batch-size") {
				opts.BatchSize = batchSize
			}

			result, err := app.Resolver.ProcessPending(cmd.Context(), opts)
			if err != nil {
				return err
			}
			return g.render(cmd, result, func(w io.Writer) {
				rule(w)
				fmt.Fprintf(w, "Pending: Checked=%d Resolved=%d StillPending=%d Failed=%d Errors=%d\n",
					result.Checked, result.Resolved, result.StillPending, result.Failed, result.Errors)
			})
		}),
	}
	cmd.Flags().IntVar(&maxRetries, "max-retries", 5, "Checks before a pending import fails")
	cmd.Flags().IntVar(&batchSize, "batch-size", 50, "Pending imports per run (0 = all)")
	return cmd
}

func newPendingStatsCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Summarize the pending queue",
		Args:  cobra.NoArgs,
		RunE: g.withApp(func(app *App, cmd *cobra.Command, args []string) error {
			stats, err := app.Resolver.Statistics(cmd.Context())
			if err != nil {
				return err
			}
			return g.render(cmd, stats, func(w io.Writer) {
				fmt.Fprintf(w, "Pending imports: %d\n", stats.TotalPending)
				counts := make([]int, 0, len(stats.ByCheckCount))
				for c := range stats.ByCheckCount {
					counts = append(counts, c)
				}
				sort.Ints(counts)
				for _, c := range counts {
					fmt.Fprintf(w, "  %d check(s): %d\n", c, stats.ByCheckCount[c])
				}
				if stats.OldestSince != nil {
					fmt.Fprintf(w, "Oldest: %s (pending since %s)\n", stats.OldestID, stats.OldestSince.Format(time.RFC3339))
				}
			})
		}),
	}
}

func newPendingFailedCmd(g *globalFlags) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "failed",
		Short: "List registrations whose payment never arrived",
		Args:  cobra.NoArgs,
		RunE: g.withApp(func(app *App, cmd *cobra.Command, args []string) error {
			failed, err := app.Resolver.ListFailed(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return g.render(cmd, failed, func(w io.Writer) {
				for _, f := range failed {
					fmt.Fprintf(w, "%s  %s  %s\n", f.ID, f.FailedAt.Format(time.RFC3339), f.FailureReason)
				}
				fmt.Fprintf(w, "%d failed registration(s)\n", len(failed))
			})
		}),
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum rows")
	return cmd
}

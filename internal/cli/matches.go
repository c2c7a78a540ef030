package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/eshaffer321/lodgetix-reconcile/internal/application/matching"
	"github.com/eshaffer321/lodgetix-reconcile/internal/domain/matcher"
)

func printMatch(w io.Writer, paymentID string, result *matcher.MatchResult, persisted bool) {
	if !result.IsMatch {
		fmt.Fprintf(w, "Payment %s: no match\n", paymentID)
		return
	}
	fmt.Fprintf(w, "Payment %s -> registration %s (method=%s confidence=%d)\n",
		paymentID, result.Registration.ID, result.MatchMethod, result.MatchConfidence)
	for _, d := range result.MatchDetails {
		fmt.Fprintf(w, "  %s: %s = %s\n", d.FieldName, d.PaymentValue, d.RegistrationValue)
	}
	if persisted {
		fmt.Fprintln(w, "Match saved.")
	}
}

type matchResultOutput struct {
	PaymentID string `json:"paymentId"`
	Persisted bool   `json:"persisted"`
	*matcher.MatchResult
}

func newMatchCmd(g *globalFlags) *cobra.Command {
	var persist bool
	cmd := &cobra.Command{
		Use:   "match <paymentId>",
		Short: "Find the registration a payment belongs to",
		Long: `Runs the identifier matcher for one stored payment.
Nothing is written unless --persist is given.`,
		Args: cobra.ExactArgs(1),
		RunE: g.withApp(func(app *App, cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			payment, result, err := app.Matching.FindMatchByID(ctx, args[0])
			if err != nil {
				return err
			}
			out := matchResultOutput{PaymentID: payment.ID, MatchResult: result}
			if persist && result.IsMatch {
				if err := app.Matching.PersistMatch(ctx, payment.ID, result); err != nil {
					return err
				}
				out.Persisted = true
			}
			return g.render(cmd, out, func(w io.Writer) {
				printMatch(w, payment.ID, result, out.Persisted)
			})
		}),
	}
	cmd.Flags().BoolVar(&persist, "persist", false, "Save the match when one is found")
	return cmd
}

func newManualMatchCmd(g *globalFlags) *cobra.Command {
	var confidence int
	cmd := &cobra.Command{
		Use:   "manual-match <paymentId> <registrationId>",
		Short: "Associate a payment with a registration by hand",
		Args:  cobra.ExactArgs(2),
		RunE: g.withApp(func(app *App, cmd *cobra.Command, args []string) error {
			result, err := app.Matching.SetManualMatch(cmd.Context(), matching.ManualMatchRequest{
				PaymentID:      args[0],
				RegistrationID: args[1],
				Confidence:     confidence,
			})
			if err != nil {
				return err
			}
			return g.render(cmd, matchResultOutput{PaymentID: args[0], Persisted: true, MatchResult: result}, func(w io.Writer) {
				printMatch(w, args[0], result, true)
			})
		}),
	}
	cmd.Flags().IntVar(&confidence, "confidence", 100, "Confidence to record (0-100)")
	return cmd
}

func newUnmatchCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "unmatch <paymentId>",
		Short: "Clear a payment's match",
		Args:  cobra.ExactArgs(1),
		RunE: g.withApp(func(app *App, cmd *cobra.Command, args []string) error {
			if err := app.Matching.RemoveMatch(cmd.Context(), args[0]); err != nil {
				return err
			}
			return g.render(cmd, map[string]string{"paymentId": args[0], "status": "unmatched"}, func(w io.Writer) {
				fmt.Fprintf(w, "Payment %s unmatched\n", args[0])
			})
		}),
	}
}

func newReprocessCmd(g *globalFlags) *cobra.Command {
	var filter matching.ReprocessFilter
	cmd := &cobra.Command{
		Use:   "reprocess",
		Short: "Re-run matching over unmatched and low-confidence payments",
		Args:  cobra.NoArgs,
		RunE: g.withApp(func(app *App, cmd *cobra.Command, args []string) error {
			result, err := app.Matching.ReprocessUnmatched(cmd.Context(), filter)
			if err != nil {
				return err
			}
			return g.render(cmd, result, func(w io.Writer) {
				rule(w)
				fmt.Fprintf(w, "Reprocess %s: Processed=%d Matched=%d Failed=%d (%dms)\n",
					result.RunID, result.Processed, result.Matched, result.Failed, result.DurationMs)
			})
		}),
	}
	cmd.Flags().IntVar(&filter.Limit, "limit", 0, "Maximum payments to visit (0 = configured batch limit)")
	cmd.Flags().IntVar(&filter.Offset, "offset", 0, "Payments to skip")
	cmd.Flags().IntVar(&filter.Workers, "workers", 0, "Parallel workers (0 = configured)")
	cmd.Flags().IntVar(&filter.MaxConfidence, "max-confidence", 0, "Visit payments below this confidence (0 = configured threshold)")
	return cmd
}

func newBatchCmd(g *globalFlags) *cobra.Command {
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Preview matches for candidate payments without saving",
		Args:  cobra.NoArgs,
		RunE: g.withApp(func(app *App, cmd *cobra.Command, args []string) error {
			items, err := app.Matching.BatchPreview(cmd.Context(), limit, offset)
			if err != nil {
				return err
			}
			return g.render(cmd, items, func(w io.Writer) {
				for _, item := range items {
					if item.Error != "" {
						fmt.Fprintf(w, "Payment %s: error: %s\n", item.PaymentID, item.Error)
						continue
					}
					printMatch(w, item.PaymentID, item.Result, false)
				}
				fmt.Fprintf(w, "%d payment(s) previewed\n", len(items))
			})
		}),
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum payments (0 = configured batch limit)")
	cmd.Flags().IntVar(&offset, "offset", 0, "Payments to skip")
	return cmd
}

func newStatsCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show match statistics",
		Args:  cobra.NoArgs,
		RunE: g.withApp(func(app *App, cmd *cobra.Command, args []string) error {
			stats, err := app.Matching.GetStatistics(cmd.Context())
			if err != nil {
				return err
			}
			return g.render(cmd, stats, func(w io.Writer) {
				fmt.Fprintf(w, "Payments: Total=%d Matched=%d Unmatched=%d\n", stats.Total, stats.Matched, stats.Unmatched)
				fmt.Fprintf(w, "By method: paymentId=%d transactionId=%d manual=%d\n",
					stats.ByMethod.PaymentID, stats.ByMethod.TransactionID, stats.ByMethod.Manual)
				fmt.Fprintf(w, "By confidence: high=%d medium=%d low=%d\n",
					stats.ByConfidence.High, stats.ByConfidence.Medium, stats.ByConfidence.Low)
			})
		}),
	}
}

func newAuditCmd(g *globalFlags) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Re-verify automatic matches and clear false ones",
		Args:  cobra.NoArgs,
		RunE: g.withApp(func(app *App, cmd *cobra.Command, args []string) error {
			result, err := app.Matching.AuditMatches(cmd.Context(), matching.AuditOptions{DryRun: dryRun})
			if err != nil {
				return err
			}
			return g.render(cmd, result, func(w io.Writer) {
				for _, fm := range result.FalseMatches {
					fmt.Fprintf(w, "  %s -> %s: %s\n", fm.PaymentID, fm.RegistrationID, fm.Reason)
				}
				rule(w)
				fmt.Fprintf(w, "Audit: Checked=%d Valid=%d Cleared=%d Failed=%d", result.Checked, result.Valid, result.Cleared, result.Failed)
				if result.DryRun {
					fmt.Fprint(w, " (dry run)")
				}
				fmt.Fprintln(w)
			})
		}),
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report false matches without clearing them")
	return cmd
}

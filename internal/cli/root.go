// Package cli implements the reconcile command line.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/eshaffer321/lodgetix-reconcile/internal/infrastructure/config"
	"github.com/eshaffer321/lodgetix-reconcile/internal/infrastructure/logging"
)

// globalFlags are the persistent flags shared by every command
type globalFlags struct {
	configPath string
	dbPath     string
	verbose    bool
	jsonOut    bool
}

// NewRootCommand builds the reconcile command tree
func NewRootCommand() *cobra.Command {
	g := &globalFlags{}

	root := &cobra.Command{
		Use:   "reconcile",
		Short: "Match LodgeTix payments to registrations",
		Long: `reconcile links provider payments (Square, Stripe) to event
registrations by payment identifier, re-runs matching over unmatched
payments and resolves registrations waiting on their payment.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&g.configPath, "config", "config.yaml", "Path to config file (falls back to environment)")
	root.PersistentFlags().StringVar(&g.dbPath, "db", "", "SQLite database path (selects the sqlite driver)")
	root.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "Debug logging")
	root.PersistentFlags().BoolVar(&g.jsonOut, "json", false, "Print results as JSON")

	root.AddCommand(
		newMatchCmd(g),
		newManualMatchCmd(g),
		newUnmatchCmd(g),
		newReprocessCmd(g),
		newBatchCmd(g),
		newStatsCmd(g),
		newAuditCmd(g),
		newPendingCmd(g),
		newServeCmd(g),
		newTokenCmd(g),
	)
	return root
}

// Execute runs the root command
func Execute() error {
	return NewRootCommand().Execute()
}

// loadConfig reads config and applies flag overrides
func (g *globalFlags) loadConfig() (*config.Config, error) {
	config.LoadDotEnv()
	cfg := config.LoadOrEnvWithPath(g.configPath)

	if g.dbPath != "" {
		cfg.Storage.Driver = config.DriverSQLite
		cfg.Storage.DatabasePath = g.dbPath
	}
	if g.verbose {
		cfg.Observability.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

type runFunc func(app *App, cmd *cobra.Command, args []string) error

// withApp wraps a command with config loading and App bootstrap. Logs go
// to stderr so stdout stays parseable.
func (g *globalFlags) withApp(fn runFunc) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := g.loadConfig()
		if err != nil {
			return err
		}
		logger := logging.NewLoggerTo(cmd.ErrOrStderr(), cfg.Observability.Logging)

		app, err := Bootstrap(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer app.Close()

		return fn(app, cmd, args)
	}
}

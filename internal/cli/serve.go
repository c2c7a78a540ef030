package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/eshaffer321/lodgetix-reconcile/internal/api"
)

func newServeCmd(g *globalFlags) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: g.withApp(func(app *App, cmd *cobra.Command, args []string) error {
			apiCfg := api.ConfigFrom(app.Config)
			if port > 0 {
				apiCfg.Port = port
			}
			return RunServe(app, apiCfg)
		}),
	}
	cmd.Flags().IntVar(&port, "port", 0, "Port to listen on (0 = configured)")
	return cmd
}

// RunServe runs the API server until SIGINT or SIGTERM.
func RunServe(app *App, apiCfg api.Config) error {
	logger := app.Logger.With("system", "api")
	server := api.NewServer(apiCfg, app.Matching, app.Resolver, logger)

	// Handle graceful shutdown
	done := make(chan struct{})
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	go func() {
		<-quit
		logger.Info("received shutdown signal")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("server shutdown error", slog.Any("error", err))
		}
		close(done)
	}()

	// Start server (blocks until shutdown)
	if err := server.Start(); err != nil {
		return err
	}

	<-done
	logger.Info("server stopped")
	return nil
}

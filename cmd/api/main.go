package main

import (
	"context"
	"flag"
	"log/slog"
	"os"

	"github.com/gin-gonic/gin"

	"github.com/eshaffer321/lodgetix-reconcile/internal/api"
	"github.com/eshaffer321/lodgetix-reconcile/internal/cli"
	"github.com/eshaffer321/lodgetix-reconcile/internal/infrastructure/config"
	"github.com/eshaffer321/lodgetix-reconcile/internal/infrastructure/logging"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	port := flag.Int("port", 0, "Port to listen on (overrides config)")
	flag.Parse()

	config.LoadDotEnv()
	cfg := config.LoadOrEnvWithPath(*configPath)
	logger := logging.NewLogger(cfg.Observability.Logging)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}

	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	app, err := cli.Bootstrap(context.Background(), cfg, logger)
	if err != nil {
		logger.Error("failed to initialize", slog.Any("error", err))
		os.Exit(1)
	}
	defer app.Close()

	apiCfg := api.ConfigFrom(cfg)
	if *port > 0 {
		apiCfg.Port = *port
	}

	if err := cli.RunServe(app, apiCfg); err != nil {
		logger.Error("server error", slog.Any("error", err))
		app.Close()
		os.Exit(1)
	}
}

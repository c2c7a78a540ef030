package cli

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/eshaffer321/lodgetix-reconcile/internal/application/matching"
	"github.com/eshaffer321/lodgetix-reconcile/internal/application/pending"
	"github.com/eshaffer321/lodgetix-reconcile/internal/infrastructure/cache"
	"github.com/eshaffer321/lodgetix-reconcile/internal/infrastructure/config"
	"github.com/eshaffer321/lodgetix-reconcile/internal/infrastructure/events"
	"github.com/eshaffer321/lodgetix-reconcile/internal/infrastructure/storage"
)

// App holds the services a command runs against.
type App struct {
	Config    *config.Config
	Logger    *slog.Logger
	Store     storage.Repository
	Publisher events.Publisher
	Matching  *matching.Service
	Resolver  *pending.Resolver

	closers []func() error
}

// Bootstrap opens the store and the optional cache and event publisher,
// then builds the services over them. The caller must Close the App.
func Bootstrap(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	app := &App{Config: cfg, Logger: logger, Publisher: events.NopPublisher{}}

	store, err := storage.Open(ctx, cfg.Storage, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	app.Store = store
	app.closers = append(app.closers, store.Close)

	opts := []matching.Option{}

	if cfg.Redis.Enabled {
		client, err := cache.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		app.closers = append(app.closers, client.Close)
		ttl := time.Duration(cfg.Redis.TTLSeconds) * time.Second
		opts = append(opts, matching.WithCache(cache.NewRedisCache(client, "reconcile", ttl)))
	}

	if cfg.RabbitMQ.Enabled {
		publisher, err := events.NewAMQPPublisher(cfg.RabbitMQ, logger)
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
		}
		app.Publisher = publisher
		app.closers = append(app.closers, publisher.Close)
	}
	opts = append(opts, matching.WithPublisher(app.Publisher))

	app.Matching = matching.NewService(store, matching.ConfigFrom(cfg.Matching), logger.With("system", "matching"), opts...)
	app.Resolver = pending.NewResolver(store, logger.With("system", "pending"), pending.WithPublisher(app.Publisher))
	return app, nil
}

// Close releases everything Bootstrap opened, newest first.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.Logger.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
}

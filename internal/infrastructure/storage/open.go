package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/eshaffer321/lodgetix-reconcile/internal/infrastructure/config"
)

// Open returns the Repository selected by cfg.Driver. The caller owns it
// and must Close it.
func Open(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (Repository, error) {
	switch cfg.Driver {
	case config.DriverMongo:
		store, err := NewMongoStore(ctx, cfg.MongoURI, cfg.Database, logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.DriverSQLite, "":
		store, err := NewStorage(cfg.DatabasePath, logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
	return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
}

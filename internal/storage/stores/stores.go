// Package stores opens the storage driver named by the process configuration.
package stores

import (
	"context"
	"fmt"

	configpkg "github.com/drblury/creditflow/internal/runtime/config"
	"github.com/drblury/creditflow/internal/storage"
	"github.com/drblury/creditflow/internal/storage/memory"
	"github.com/drblury/creditflow/internal/storage/redis"
	"github.com/drblury/creditflow/internal/storage/sqlite"
)

// Open returns the driver selected by cfg.Store.
func Open(ctx context.Context, cfg *configpkg.Config) (storage.Driver, error) {
	if cfg == nil {
		return nil, fmt.Errorf("stores: config is required")
	}
	switch cfg.Store {
	case configpkg.StoreMemory, "":
		return memory.New(), nil
	case configpkg.StoreSQLite:
		d, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("stores: %w", err)
		}
		return d, nil
	case configpkg.StoreRedis:
		d, err := redis.Open(ctx, redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			return nil, fmt.Errorf("stores: %w", err)
		}
		return d, nil
	default:
		return nil, fmt.Errorf("stores: unsupported driver %q", cfg.Store)
	}
}

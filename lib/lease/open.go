// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package lease

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/redis/go-redis/v9"

	"github.com/bureau-foundation/switchboard/lib/clock"
	"github.com/bureau-foundation/switchboard/lib/config"
	"github.com/bureau-foundation/switchboard/lib/sqlitepool"
)

// Open connects to the store the configuration names. The returned
// close function releases the connection.
func Open(ctx context.Context, cfg config.LeaseStoreConfig, c clock.Clock, logger *slog.Logger) (Store, func() error, error) {
	switch cfg.Backend {
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("lease: connecting to redis at %s: %w", cfg.Redis.Addr, err)
		}
		return NewRedisStore(client), client.Close, nil

	case config.BackendSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
			return nil, nil, fmt.Errorf("lease: %w", err)
		}
		pool, err := sqlitepool.Open(sqlitepool.Config{Path: cfg.SQLitePath, Logger: logger})
		if err != nil {
			return nil, nil, err
		}
		store, err := NewSQLiteStore(ctx, pool, c)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		return store, pool.Close, nil
	}
	return nil, nil, fmt.Errorf("lease: unknown backend %q", cfg.Backend)
}

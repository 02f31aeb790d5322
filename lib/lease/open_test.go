// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package lease

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/bureau-foundation/switchboard/lib/clock"
	"github.com/bureau-foundation/switchboard/lib/config"
	"github.com/bureau-foundation/switchboard/lib/testutil"
)

func TestOpenBackends(t *testing.T) {
	t.Parallel()
	server := miniredis.RunT(t)
	for name, cfg := range map[string]config.LeaseStoreConfig{
		"redis":  {Backend: config.BackendRedis, Redis: config.RedisConfig{Addr: server.Addr()}},
		"sqlite": {Backend: config.BackendSQLite, SQLitePath: filepath.Join(t.TempDir(), "state", "leases.db")},
	} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store, closeStore, err := Open(ctx, cfg, clock.Fake(epoch), nil)
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			defer closeStore()

			key := OwnerKey(testutil.UniqueID("room"))
			acquired, err := store.Acquire(ctx, key, "token-a", time.Minute)
			if err != nil || !acquired {
				t.Fatalf("Acquire = %v, %v", acquired, err)
			}
			value, found, err := store.Read(ctx, key)
			if err != nil || !found || value != "token-a" {
				t.Fatalf("Read = %q, %v, %v", value, found, err)
			}
		})
	}
}

func TestOpenFailures(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	if _, _, err := Open(ctx, config.LeaseStoreConfig{Backend: "etcd"}, clock.Real(), nil); err == nil {
		t.Error("unknown backend accepted")
	}
	server := miniredis.RunT(t)
	addr := server.Addr()
	server.Close()
	if _, _, err := Open(ctx, config.LeaseStoreConfig{Backend: config.BackendRedis, Redis: config.RedisConfig{Addr: addr}}, clock.Real(), nil); err == nil {
		t.Error("unreachable redis accepted")
	}
}

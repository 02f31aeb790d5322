// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package lease

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/bureau-foundation/switchboard/lib/clock"
	"github.com/bureau-foundation/switchboard/lib/sqlitepool"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// storeFixture is a Store plus a way to age its entries.
type storeFixture struct {
	store   Store
	advance func(time.Duration)
}

func storeBackends() map[string]func(t *testing.T) storeFixture {
	return map[string]func(t *testing.T) storeFixture{
		"memory": func(t *testing.T) storeFixture {
			fake := clock.Fake(epoch)
			return storeFixture{store: NewMemoryStore(fake), advance: fake.Advance}
		},
		"redis": func(t *testing.T) storeFixture {
			server := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: server.Addr()})
			t.Cleanup(func() { client.Close() })
			return storeFixture{store: NewRedisStore(client), advance: server.FastForward}
		},
		"sqlite": func(t *testing.T) storeFixture {
			pool, err := sqlitepool.Open(sqlitepool.Config{Path: filepath.Join(t.TempDir(), "leases.db")})
			if err != nil {
				t.Fatalf("sqlitepool.Open: %v", err)
			}
			t.Cleanup(func() { pool.Close() })
			fake := clock.Fake(epoch)
			store, err := NewSQLiteStore(context.Background(), pool, fake)
			if err != nil {
				t.Fatalf("NewSQLiteStore: %v", err)
			}
			return storeFixture{store: store, advance: fake.Advance}
		},
	}
}

func forEachStore(t *testing.T, test func(t *testing.T, fixture storeFixture)) {
	for name, build := range storeBackends() {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			test(t, build(t))
		})
	}
}

func TestStoreConcurrentAcquireHasOneWinner(t *testing.T) {
	t.Parallel()
	forEachStore(t, func(t *testing.T, fixture storeFixture) {
		const contenders = 16
		key := OwnerKey("room1-a")

		var (
			mu      sync.Mutex
			winners []string
			wg      sync.WaitGroup
			start   = make(chan struct{})
		)
		for i := range contenders {
			token := fmt.Sprintf("worker-%d", i)
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				acquired, err := fixture.store.Acquire(context.Background(), key, token, time.Minute)
				if err != nil {
					t.Errorf("Acquire(%s): %v", token, err)
					return
				}
				if acquired {
					mu.Lock()
					winners = append(winners, token)
					mu.Unlock()
				}
			}()
		}
		close(start)
		wg.Wait()

		if len(winners) != 1 {
			t.Fatalf("winners = %q, want exactly one", winners)
		}
		value, found, err := fixture.store.Read(context.Background(), key)
		if err != nil || !found || value != winners[0] {
			t.Fatalf("Read = %q, %v, %v; want %q", value, found, err, winners[0])
		}
	})
}

func TestStoreAcquireIsExclusive(t *testing.T) {
	t.Parallel()
	forEachStore(t, func(t *testing.T, fixture storeFixture) {
		ctx := context.Background()
		store := fixture.store

		ok, err := store.Acquire(ctx, "owner:room1-a", "alpha", time.Minute)
		if err != nil || !ok {
			t.Fatalf("first Acquire = %v, %v; want true", ok, err)
		}
		ok, err = store.Acquire(ctx, "owner:room1-a", "beta", time.Minute)
		if err != nil || ok {
			t.Fatalf("competing Acquire = %v, %v; want false", ok, err)
		}
		ok, err = store.Acquire(ctx, "owner:room1-a", "alpha", time.Minute)
		if err != nil || !ok {
			t.Fatalf("re-Acquire by holder = %v, %v; want true", ok, err)
		}

		value, found, err := store.Read(ctx, "owner:room1-a")
		if err != nil || !found || value != "alpha" {
			t.Fatalf("Read = %q, %v, %v; want alpha", value, found, err)
		}
	})
}

func TestStoreExpiryFreesKey(t *testing.T) {
	t.Parallel()
	forEachStore(t, func(t *testing.T, fixture storeFixture) {
		ctx := context.Background()
		store := fixture.store

		if ok, err := store.Acquire(ctx, "launch:room1-a", "alpha", 15*time.Second); err != nil || !ok {
			t.Fatalf("Acquire = %v, %v", ok, err)
		}
		fixture.advance(16 * time.Second)

		if _, found, err := store.Read(ctx, "launch:room1-a"); err != nil || found {
			t.Fatalf("Read after expiry found=%v err=%v; want absent", found, err)
		}
		if ok, err := store.Acquire(ctx, "launch:room1-a", "beta", 15*time.Second); err != nil || !ok {
			t.Fatalf("Acquire after expiry = %v, %v; want true", ok, err)
		}
	})
}

func TestStoreRenewRequiresToken(t *testing.T) {
	t.Parallel()
	forEachStore(t, func(t *testing.T, fixture storeFixture) {
		ctx := context.Background()
		store := fixture.store

		if ok, err := store.Acquire(ctx, "speaker:room1-a", "alpha", 10*time.Second); err != nil || !ok {
			t.Fatalf("Acquire = %v, %v", ok, err)
		}
		if ok, err := store.Renew(ctx, "speaker:room1-a", "beta", time.Minute); err != nil || ok {
			t.Fatalf("Renew by stranger = %v, %v; want false", ok, err)
		}

		fixture.advance(8 * time.Second)
		if ok, err := store.Renew(ctx, "speaker:room1-a", "alpha", 10*time.Second); err != nil || !ok {
			t.Fatalf("Renew by holder = %v, %v; want true", ok, err)
		}
		// Past the original deadline but inside the renewed one.
		fixture.advance(8 * time.Second)
		if value, found, err := store.Read(ctx, "speaker:room1-a"); err != nil || !found || value != "alpha" {
			t.Fatalf("Read after renew = %q, %v, %v; want alpha", value, found, err)
		}
	})
}

func TestStoreReleaseRequiresToken(t *testing.T) {
	t.Parallel()
	forEachStore(t, func(t *testing.T, fixture storeFixture) {
		ctx := context.Background()
		store := fixture.store

		if ok, err := store.Acquire(ctx, "speaking:room1-a", "alpha", 10*time.Second); err != nil || !ok {
			t.Fatalf("Acquire = %v, %v", ok, err)
		}
		if ok, err := store.Release(ctx, "speaking:room1-a", "beta"); err != nil || ok {
			t.Fatalf("Release by stranger = %v, %v; want false", ok, err)
		}
		if ok, err := store.Release(ctx, "speaking:room1-a", "alpha"); err != nil || !ok {
			t.Fatalf("Release by holder = %v, %v; want true", ok, err)
		}
		if _, found, err := store.Read(ctx, "speaking:room1-a"); err != nil || found {
			t.Fatalf("Read after release found=%v err=%v", found, err)
		}
	})
}

func TestStorePutOverwrites(t *testing.T) {
	t.Parallel()
	forEachStore(t, func(t *testing.T, fixture storeFixture) {
		ctx := context.Background()
		store := fixture.store

		if err := store.Put(ctx, "room_member:room1-a", "10.0.0.5:5060:4000", 0); err != nil {
			t.Fatalf("Put: %v", err)
		}
		if err := store.Put(ctx, "room_member:room1-a", "10.0.0.6:5060:4000", 0); err != nil {
			t.Fatalf("Put: %v", err)
		}
		fixture.advance(24 * time.Hour)
		value, found, err := store.Read(ctx, "room_member:room1-a")
		if err != nil || !found || value != "10.0.0.6:5060:4000" {
			t.Fatalf("Read = %q, %v, %v", value, found, err)
		}
	})
}

func TestKeyNames(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		LaunchKey("room1-a"):    "launch:room1-a",
		OwnerKey("room1-a"):     "owner:room1-a",
		SpeakerKey("room1-a"):   "speaker:room1-a",
		SpeakingKey("room1-a"):  "speaking:room1-a",
		MailboxKey("room1-a"):   "room_member:room1-a",
		DeliveredKey("room1-a"): "delivered:room1-a",
	}
	for got, want := range cases {
		if got != want {
			t.Errorf("key = %q, want %q", got, want)
		}
	}
}

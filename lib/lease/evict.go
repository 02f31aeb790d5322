// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package lease

import (
	"context"
	"fmt"
	"log/slog"
)

// EvictDead frees key when its holder is a process on host that no
// longer exists, using compare-and-delete so a holder that changed in
// the meantime is left alone. It reports whether the key is free
// afterwards. Holders on other hosts, live holders and unparseable
// tokens are never evicted.
func EvictDead(ctx context.Context, store Store, key, host string, alive func(pid int) bool, logger *slog.Logger) (bool, error) {
	holder, found, err := store.Read(ctx, key)
	if err != nil {
		return false, fmt.Errorf("reading %s: %w", key, err)
	}
	if !found {
		return true, nil
	}
	token, err := ParseToken(holder)
	if err != nil {
		logger.Warn("lease holds an unrecognised token", "key", key, "holder", holder)
		return false, nil
	}
	if token.Host != host || alive(token.PID) {
		return false, nil
	}
	released, err := store.Release(ctx, key, holder)
	if err != nil {
		return false, fmt.Errorf("evicting dead holder of %s: %w", key, err)
	}
	if released {
		logger.Info("evicted lease of dead process", "key", key, "pid", token.PID)
	}
	return true, nil
}

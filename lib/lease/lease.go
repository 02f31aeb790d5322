// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bureau-foundation/switchboard/lib/clock"
)

// Config describes one lease.
type Config struct {
	Key   string
	Token string
	TTL   time.Duration

	// RenewInterval defaults to TTL/3. It must not exceed TTL/2 so a
	// single missed renewal never lets the lease lapse.
	RenewInterval time.Duration

	// Reclaim makes Run re-acquire the key when it has vanished (for
	// example after a store restart) instead of treating that as loss.
	// A key held by another token is always loss.
	Reclaim bool

	Clock  clock.Clock
	Logger *slog.Logger
}

func (c *Config) normalize() error {
	if c.Key == "" || c.Token == "" {
		return errors.New("lease: key and token are required")
	}
	if c.TTL <= 0 {
		return fmt.Errorf("lease: %s: TTL must be positive", c.Key)
	}
	if c.RenewInterval == 0 {
		c.RenewInterval = c.TTL / 3
	}
	if err := CheckRenewInterval(c.TTL, c.RenewInterval); err != nil {
		return fmt.Errorf("lease: %s: %w", c.Key, err)
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	return nil
}

// CheckRenewInterval rejects intervals that cannot survive one missed
// renewal.
func CheckRenewInterval(ttl, interval time.Duration) error {
	if interval <= 0 || interval > ttl/2 {
		return fmt.Errorf("renew interval %v must be positive and at most half of TTL %v", interval, ttl)
	}
	return nil
}

// Lease is a held lease. Run keeps it alive; Lost is closed once it is
// gone for good.
type Lease struct {
	store Store
	cfg   Config

	lost     chan struct{}
	lostOnce sync.Once
}

// Acquire claims the lease once. It returns ErrHeld when another live
// token owns the key.
func Acquire(ctx context.Context, store Store, cfg Config) (*Lease, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	acquired, err := store.Acquire(ctx, cfg.Key, cfg.Token, cfg.TTL)
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, ErrHeld
	}
	return &Lease{store: store, cfg: cfg, lost: make(chan struct{})}, nil
}

// Key returns the lease key.
func (l *Lease) Key() string { return l.cfg.Key }

// Token returns the owner token stored under the key.
func (l *Lease) Token() string { return l.cfg.Token }

// Lost is closed when Run concludes the lease belongs to someone else.
func (l *Lease) Lost() <-chan struct{} { return l.lost }

func (l *Lease) markLost() {
	l.lostOnce.Do(func() { close(l.lost) })
}

// Run renews the lease every RenewInterval until ctx is cancelled
// (returns nil) or ownership is lost (returns ErrLost). Store errors are
// tolerated until a full TTL has passed without a successful renewal,
// since by then the key may have expired and been taken.
func (l *Lease) Run(ctx context.Context) error {
	logger := l.cfg.Logger.With("key", l.cfg.Key)
	lastRenewed := l.cfg.Clock.Now()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-l.cfg.Clock.After(l.cfg.RenewInterval):
		}

		renewed, err := l.renewOnce(ctx, logger)
		if ctx.Err() != nil {
			return nil
		}
		switch {
		case err == nil && renewed:
			lastRenewed = l.cfg.Clock.Now()
		case errors.Is(err, ErrLost):
			l.markLost()
			return ErrLost
		case err != nil:
			logger.Warn("lease renewal failed", "error", err)
			if l.cfg.Clock.Now().Sub(lastRenewed) >= l.cfg.TTL {
				logger.Error("lease unrenewed for a full TTL, giving it up", "ttl", l.cfg.TTL)
				l.markLost()
				return ErrLost
			}
		}
	}
}

// renewOnce extends the lease, reclaiming a vanished key when allowed.
func (l *Lease) renewOnce(ctx context.Context, logger *slog.Logger) (bool, error) {
	renewed, err := l.store.Renew(ctx, l.cfg.Key, l.cfg.Token, l.cfg.TTL)
	if err != nil || renewed {
		return renewed, err
	}

	holder, found, err := l.store.Read(ctx, l.cfg.Key)
	if err != nil {
		return false, err
	}
	if found && holder != l.cfg.Token {
		logger.Warn("lease taken over", "holder", holder)
		return false, ErrLost
	}
	if found {
		return true, nil
	}
	if !l.cfg.Reclaim {
		logger.Warn("lease expired")
		return false, ErrLost
	}

	acquired, err := l.store.Acquire(ctx, l.cfg.Key, l.cfg.Token, l.cfg.TTL)
	if err != nil {
		return false, err
	}
	if !acquired {
		return false, ErrLost
	}
	logger.Info("reclaimed vanished lease")
	return true, nil
}

// Held re-reads the key and reports whether it still carries this
// lease's token. Call it immediately before any action that must only
// happen under the lease.
func (l *Lease) Held(ctx context.Context) (bool, error) {
	value, found, err := l.store.Read(ctx, l.cfg.Key)
	if err != nil {
		return false, err
	}
	return found && value == l.cfg.Token, nil
}

// Release deletes the key if this lease still owns it.
func (l *Lease) Release(ctx context.Context) error {
	released, err := l.store.Release(ctx, l.cfg.Key, l.cfg.Token)
	if err != nil {
		return err
	}
	if !released {
		l.cfg.Logger.Debug("lease already gone at release", "key", l.cfg.Key)
	}
	return nil
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package speaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/switchboard/lib/clock"
	"github.com/bureau-foundation/switchboard/lib/lease"
	"github.com/bureau-foundation/switchboard/lib/process"
)

// Output produces audio for the caller.
type Output interface {
	Say(ctx context.Context, text string) error
}

// Config describes the coordinator of one worker.
type Config struct {
	Room  string
	Token string
	Store lease.Store
	Out   Output

	// TTL and RenewInterval govern the speaker lease.
	TTL           time.Duration
	RenewInterval time.Duration

	// SpeakingTTL bounds one utterance's hold on the speaking lock and
	// the time its output may take.
	SpeakingTTL time.Duration

	// WakePhrases let a caller address the agent in silent mode. The
	// agent name is usually one of them.
	WakePhrases []string

	// Hostname and Alive decide whether a holder token belongs to a
	// dead process. They default to os.Hostname and process.Alive.
	Hostname string
	Alive    func(pid int) bool

	Clock  clock.Clock
	Logger *slog.Logger
}

// Coordinator gates a worker's speech on the speaker lease and the
// speaking lock.
type Coordinator struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	leader *lease.Lease
	caller string

	silent     atomic.Bool
	utterances atomic.Uint64
}

// New validates cfg and returns a follower; call Elect to compete for
// the speaker role.
func New(cfg Config) (*Coordinator, error) {
	var errs []error
	if cfg.Room == "" || cfg.Token == "" {
		errs = append(errs, errors.New("room and token are required"))
	}
	if cfg.Store == nil || cfg.Out == nil {
		errs = append(errs, errors.New("store and output are required"))
	}
	if cfg.TTL <= 0 || cfg.SpeakingTTL <= 0 {
		errs = append(errs, errors.New("speaker and speaking TTLs must be positive"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("speaker: %w", err)
	}
	if cfg.Hostname == "" {
		cfg.Hostname, _ = os.Hostname()
	}
	if cfg.Alive == nil {
		cfg.Alive = process.Alive
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	phrases := make([]string, 0, len(cfg.WakePhrases))
	for _, phrase := range cfg.WakePhrases {
		if phrase = strings.ToLower(strings.TrimSpace(phrase)); phrase != "" {
			phrases = append(phrases, phrase)
		}
	}
	cfg.WakePhrases = phrases
	return &Coordinator{cfg: cfg, logger: cfg.Logger.With("room", cfg.Room)}, nil
}

func (c *Coordinator) leaseConfig() lease.Config {
	return lease.Config{
		Key:           lease.SpeakerKey(c.cfg.Room),
		Token:         c.cfg.Token,
		TTL:           c.cfg.TTL,
		RenewInterval: c.cfg.RenewInterval,
		Reclaim:       true,
		Clock:         c.cfg.Clock,
		Logger:        c.cfg.Logger,
	}
}

// Elect tries once to become the room's designated speaker. A holder
// that is provably dead is evicted and the attempt repeated.
func (c *Coordinator) Elect(ctx context.Context) (bool, error) {
	held, err := lease.Acquire(ctx, c.cfg.Store, c.leaseConfig())
	if errors.Is(err, lease.ErrHeld) {
		evicted, evictErr := lease.EvictDead(ctx, c.cfg.Store, lease.SpeakerKey(c.cfg.Room), c.cfg.Hostname, c.cfg.Alive, c.logger)
		if evictErr != nil {
			return false, evictErr
		}
		if !evicted {
			c.logger.Info("another worker is the speaker, following")
			return false, nil
		}
		held, err = lease.Acquire(ctx, c.cfg.Store, c.leaseConfig())
	}
	if errors.Is(err, lease.ErrHeld) {
		c.logger.Info("speaker lease taken during eviction, following")
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("electing speaker: %w", err)
	}

	c.mu.Lock()
	c.leader = held
	c.mu.Unlock()
	c.logger.Info("elected speaker")
	return true, nil
}

// Leader reports whether this worker currently holds the speaker role.
func (c *Coordinator) Leader() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.leader != nil
}

func (c *Coordinator) currentLease() *lease.Lease {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.leader
}

// demote drops the speaker role if held is still the current lease.
func (c *Coordinator) demote(held *lease.Lease) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.leader == held {
		c.leader = nil
	}
}

// Run renews the speaker lease until ctx is done. Losing the lease
// demotes this worker to follower; it is not an error. A follower's
// Run just waits for ctx.
func (c *Coordinator) Run(ctx context.Context) error {
	held := c.currentLease()
	if held != nil {
		if err := held.Run(ctx); errors.Is(err, lease.ErrLost) {
			c.logger.Warn("speaker lease lost, following")
			c.demote(held)
		}
	}
	<-ctx.Done()
	return nil
}

// SpeakOption modifies a single Speak call.
type SpeakOption func(*speakOptions)

type speakOptions struct {
	announcement bool
}

// Announcement lets an utterance through silent mode.
func Announcement() SpeakOption {
	return func(o *speakOptions) { o.announcement = true }
}

// SetSilent switches silent mode.
func (c *Coordinator) SetSilent(silent bool) { c.silent.Store(silent) }

// Silent reports whether silent mode is on.
func (c *Coordinator) Silent() bool { return c.silent.Load() }

// ObserveCaller records the caller's latest utterance for the silent
// mode wake check.
func (c *Coordinator) ObserveCaller(text string) {
	c.mu.Lock()
	c.caller = strings.ToLower(text)
	c.mu.Unlock()
}

func (c *Coordinator) woken() bool {
	c.mu.Lock()
	caller := c.caller
	c.mu.Unlock()
	for _, phrase := range c.cfg.WakePhrases {
		if strings.Contains(caller, phrase) {
			return true
		}
	}
	return false
}

// Speak says text if this worker may speak now. It returns false
// without error when the utterance is withheld: silent mode without a
// wake phrase, not the speaker, or the speaking lock is busy.
func (c *Coordinator) Speak(ctx context.Context, text string, opts ...SpeakOption) (bool, error) {
	var options speakOptions
	for _, opt := range opts {
		opt(&options)
	}
	if c.silent.Load() && !options.announcement && !c.woken() {
		c.logger.Debug("silent mode, withholding utterance")
		return false, nil
	}
	held := c.currentLease()
	if held == nil {
		return false, nil
	}

	key := lease.SpeakingKey(c.cfg.Room)
	utterance := fmt.Sprintf("%s/%d", c.cfg.Token, c.utterances.Add(1))
	acquired, err := c.cfg.Store.Acquire(ctx, key, utterance, c.cfg.SpeakingTTL)
	if err != nil {
		return false, fmt.Errorf("acquiring speaking lock: %w", err)
	}
	if !acquired {
		c.logger.Debug("speaking lock held elsewhere")
		return false, nil
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.SpeakingTTL)
		defer cancel()
		if _, err := c.cfg.Store.Release(releaseCtx, key, utterance); err != nil {
			c.logger.Warn("cannot release speaking lock", "error", err)
		}
	}()

	still, err := held.Held(ctx)
	if err != nil {
		return false, fmt.Errorf("checking speaker lease: %w", err)
	}
	if !still {
		c.logger.Warn("no longer the speaker, withholding utterance")
		c.demote(held)
		return false, nil
	}

	// The lock expires after SpeakingTTL, so the utterance must not
	// outlive it.
	sayCtx, cancel := context.WithTimeout(ctx, c.cfg.SpeakingTTL)
	defer cancel()
	if err := c.cfg.Out.Say(sayCtx, text); err != nil {
		return false, fmt.Errorf("speaking: %w", err)
	}
	return true, nil
}

// Resign releases the speaker lease if held.
func (c *Coordinator) Resign(ctx context.Context) error {
	c.mu.Lock()
	held := c.leader
	c.leader = nil
	c.mu.Unlock()
	if held == nil {
		return nil
	}
	return held.Release(ctx)
}

// Voice adapts the coordinator to callers that only say plain lines.
// Utterances spoken through it are subject to silent mode.
type Voice struct{ *Coordinator }

func (v Voice) Say(ctx context.Context, text string) (bool, error) {
	return v.Speak(ctx, text)
}

// Announcer speaks every line as an Announcement.
type Announcer struct{ *Coordinator }

func (a Announcer) Say(ctx context.Context, text string) (bool, error) {
	return a.Speak(ctx, text, Announcement())
}

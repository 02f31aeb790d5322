// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/switchboard/lib/clock"
	"github.com/bureau-foundation/switchboard/lib/config"
	"github.com/bureau-foundation/switchboard/lib/lease"
	"github.com/bureau-foundation/switchboard/lib/process"
)

type roomLister interface {
	ListActiveRooms(ctx context.Context) ([]string, error)
}

type processTable interface {
	Workers(binary string) ([]process.Entry, error)
}

// worker is a launched worker process; *process.Group in production.
type worker interface {
	PID() int
	Exited() bool
	ExitCode() int
	Terminate(ctx context.Context, grace time.Duration) error
}

type supervisorConfig struct {
	Settings config.SupervisorConfig

	// Binary is the resolved worker binary. Process scans match its
	// base name.
	Binary string

	// Token identifies this supervisor as launch lock holder.
	Token    string
	Hostname string

	Store lease.Store
	Rooms roomLister
	Table processTable
	Start func(room string) (worker, error)

	Signal func(pid int, sig unix.Signal) error
	Alive  func(pid int) bool

	Metrics *metrics
	Clock   clock.Clock
	Logger  *slog.Logger
}

// supervisor tracks one worker per room. poll and reapOrphans run on a
// single goroutine; nothing here is safe for concurrent use.
type supervisor struct {
	cfg        supervisorConfig
	binaryName string
	logger     *slog.Logger

	workers map[string]worker
	missing map[string]time.Time
}

func newSupervisor(cfg supervisorConfig) *supervisor {
	return &supervisor{
		cfg:        cfg,
		binaryName: filepath.Base(cfg.Binary),
		logger:     cfg.Logger,
		workers:    make(map[string]worker),
		missing:    make(map[string]time.Time),
	}
}

// run polls until ctx is cancelled.
func (s *supervisor) run(ctx context.Context) {
	s.reapOrphans(ctx)
	s.poll(ctx)

	pollTicker := s.cfg.Clock.NewTicker(s.cfg.Settings.PollInterval)
	defer pollTicker.Stop()
	orphanTicker := s.cfg.Clock.NewTicker(s.cfg.Settings.OrphanScanInterval)
	defer orphanTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pollTicker.C:
			s.poll(ctx)
		case <-orphanTicker.C:
			s.reapOrphans(ctx)
		}
	}
}

// poll reconciles tracked workers with the live room list.
func (s *supervisor) poll(ctx context.Context) {
	rooms, err := s.cfg.Rooms.ListActiveRooms(ctx)
	if err != nil {
		s.cfg.Metrics.listFailures.Inc()
		s.logger.Warn("cannot list rooms, retrying next poll", "error", err)
		return
	}

	active := make(map[string]bool, len(rooms))
	for _, room := range rooms {
		active[room] = true
		delete(s.missing, room)
		if w, tracked := s.workers[room]; tracked {
			if !w.Exited() {
				continue
			}
			s.forget(room, w)
		}
		s.launch(ctx, room)
	}

	now := s.cfg.Clock.Now()
	for room, w := range s.workers {
		if active[room] {
			continue
		}
		if w.Exited() {
			s.forget(room, w)
			delete(s.missing, room)
			continue
		}
		since, scheduled := s.missing[room]
		if !scheduled {
			s.missing[room] = now
			s.logger.Info("room gone, scheduling worker removal", "room", room, "grace", s.cfg.Settings.RemovalGrace)
			continue
		}
		if now.Sub(since) >= s.cfg.Settings.RemovalGrace {
			s.terminate(ctx, room, w, "room_gone")
			delete(s.missing, room)
		}
	}
	for room := range s.missing {
		if _, tracked := s.workers[room]; !tracked {
			delete(s.missing, room)
		}
	}

	s.cfg.Metrics.workers.Set(float64(len(s.workers)))
	if len(s.workers) > s.cfg.Settings.CapacityWarning {
		s.logger.Warn("worker count above capacity warning", "workers", len(s.workers), "threshold", s.cfg.Settings.CapacityWarning)
	}
}

// forget drops a worker that exited on its own.
func (s *supervisor) forget(room string, w worker) {
	code := w.ExitCode()
	s.logger.Info("worker exited", "room", room, "pid", w.PID(), "exit_code", code)
	s.cfg.Metrics.exits.WithLabelValues(strconv.Itoa(code)).Inc()
	delete(s.workers, room)
}

// launch starts a worker for room under its launch lock.
func (s *supervisor) launch(ctx context.Context, room string) {
	logger := s.logger.With("room", room)
	settings := s.cfg.Settings

	held, err := lease.Acquire(ctx, s.cfg.Store, lease.Config{
		Key:           lease.LaunchKey(room),
		Token:         s.cfg.Token,
		TTL:           settings.LaunchLock.TTL,
		RenewInterval: settings.LaunchLock.RenewInterval,
		Clock:         s.cfg.Clock,
		Logger:        logger,
	})
	if errors.Is(err, lease.ErrHeld) {
		logger.Debug("launch lock held elsewhere")
		s.cfg.Metrics.launches.WithLabelValues("lock_held").Inc()
		return
	}
	if err != nil {
		logger.Warn("cannot acquire launch lock", "error", err)
		s.cfg.Metrics.launches.WithLabelValues("failed").Inc()
		return
	}

	renewCtx, stopRenew := context.WithCancel(ctx)
	renewDone := make(chan struct{})
	go func() {
		defer close(renewDone)
		if err := held.Run(renewCtx); err != nil {
			logger.Warn("launch lock lost while launching", "error", err)
		}
	}()
	defer func() {
		stopRenew()
		<-renewDone
		if err := held.Release(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("cannot release launch lock", "error", err)
		}
	}()

	free, err := lease.EvictDead(ctx, s.cfg.Store, lease.OwnerKey(room), s.cfg.Hostname, s.cfg.Alive, logger)
	if err != nil {
		logger.Warn("cannot check room owner", "error", err)
		s.cfg.Metrics.launches.WithLabelValues("failed").Inc()
		return
	}
	if !free {
		logger.Debug("room owned by a running worker")
		s.cfg.Metrics.launches.WithLabelValues("owned").Inc()
		return
	}

	s.killStrays(ctx, room, logger)

	select {
	case <-held.Lost():
		s.cfg.Metrics.launches.WithLabelValues("lock_held").Inc()
		return
	default:
	}

	w, err := s.cfg.Start(room)
	if err != nil {
		logger.Error("cannot start worker", "error", err)
		s.cfg.Metrics.launches.WithLabelValues("failed").Inc()
		return
	}
	s.workers[room] = w
	s.cfg.Metrics.launches.WithLabelValues("started").Inc()
	logger.Info("launched worker", "pid", w.PID())
}

// killStrays signals every worker still tagged with room and waits for
// them to go away.
func (s *supervisor) killStrays(ctx context.Context, room string, logger *slog.Logger) {
	entries, err := s.cfg.Table.Workers(s.binaryName)
	if err != nil {
		logger.Warn("cannot scan for stray workers", "error", err)
		return
	}
	var strays []int
	for _, entry := range process.ForRoom(entries, room) {
		strays = append(strays, entry.PID)
	}
	if len(strays) == 0 {
		return
	}
	logger.Warn("killing stray workers", "pids", strays)
	s.cfg.Metrics.strays.Add(float64(len(strays)))

	settings := s.cfg.Settings
	err = clock.Poll(ctx, s.cfg.Clock, settings.StrayKillInterval, settings.StrayKillAttempts, func(_ context.Context, attempt int) (bool, error) {
		remaining := s.living(strays)
		if len(remaining) == 0 {
			return true, nil
		}
		signal := unix.SIGTERM
		if attempt > 0 {
			signal = unix.SIGKILL
		}
		for _, pid := range remaining {
			if err := s.cfg.Signal(pid, signal); err != nil {
				logger.Warn("cannot signal stray worker", "pid", pid, "error", err)
			}
		}
		return len(s.living(remaining)) == 0, nil
	})
	if err == nil {
		return
	}

	checks := max(1, int(settings.StrayWait/settings.StrayCheckInterval))
	err = clock.Poll(ctx, s.cfg.Clock, settings.StrayCheckInterval, checks, func(context.Context, int) (bool, error) {
		return len(s.living(strays)) == 0, nil
	})
	if err != nil {
		logger.Warn("stray workers survived, launching anyway", "pids", s.living(strays), "error", err)
	}
}

func (s *supervisor) living(pids []int) []int {
	var alive []int
	for _, pid := range pids {
		if s.cfg.Alive(pid) {
			alive = append(alive, pid)
		}
	}
	return alive
}

// reapOrphans kills worker processes that carry no room tag.
func (s *supervisor) reapOrphans(_ context.Context) {
	entries, err := s.cfg.Table.Workers(s.binaryName)
	if err != nil {
		s.logger.Warn("cannot scan for orphaned workers", "error", err)
		return
	}
	for _, orphan := range process.Orphans(entries) {
		s.logger.Warn("killing orphaned worker", "pid", orphan.PID, "cmdline", orphan.Cmdline)
		if err := s.cfg.Signal(orphan.PID, unix.SIGKILL); err != nil {
			s.logger.Warn("cannot kill orphaned worker", "pid", orphan.PID, "error", err)
			continue
		}
		s.cfg.Metrics.orphans.Inc()
	}
}

// terminate stops one worker's process group.
func (s *supervisor) terminate(ctx context.Context, room string, w worker, reason string) {
	s.logger.Info("terminating worker", "room", room, "pid", w.PID(), "reason", reason)
	if err := w.Terminate(ctx, s.cfg.Settings.TerminateGrace); err != nil {
		s.logger.Warn("cannot terminate worker", "room", room, "pid", w.PID(), "error", err)
	}
	s.cfg.Metrics.terminations.WithLabelValues(reason).Inc()
	delete(s.workers, room)
}

// shutdown terminates every tracked worker concurrently.
func (s *supervisor) shutdown(ctx context.Context) {
	var wg sync.WaitGroup
	for room, w := range s.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.logger.Info("terminating worker", "room", room, "pid", w.PID(), "reason", "shutdown")
			if err := w.Terminate(ctx, s.cfg.Settings.TerminateGrace); err != nil {
				s.logger.Warn("cannot terminate worker", "room", room, "pid", w.PID(), "error", err)
			}
		}()
	}
	wg.Wait()
	s.cfg.Metrics.terminations.WithLabelValues("shutdown").Add(float64(len(s.workers)))
	clear(s.workers)
	s.cfg.Metrics.workers.Set(0)
}

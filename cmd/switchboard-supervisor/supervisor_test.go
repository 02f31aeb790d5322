// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/switchboard/lib/clock"
	"github.com/bureau-foundation/switchboard/lib/config"
	"github.com/bureau-foundation/switchboard/lib/lease"
	"github.com/bureau-foundation/switchboard/lib/process"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeRooms struct {
	rooms []string
	err   error
}

func (f *fakeRooms) ListActiveRooms(context.Context) ([]string, error) {
	return slices.Clone(f.rooms), f.err
}

// fakeOS is the process table, signal delivery and liveness check of a
// simulated host. A signalled pid dies unless it is stubborn.
type fakeOS struct {
	mu       sync.Mutex
	entries  []process.Entry
	alive    map[int]bool
	stubborn map[int]bool
	signals  []signalled
}

type signalled struct {
	pid int
	sig unix.Signal
}

func newFakeOS() *fakeOS {
	return &fakeOS{alive: make(map[int]bool), stubborn: make(map[int]bool)}
}

func (f *fakeOS) add(entry process.Entry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, entry)
	f.alive[entry.PID] = true
}

func (f *fakeOS) Workers(string) ([]process.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var live []process.Entry
	for _, entry := range f.entries {
		if f.alive[entry.PID] {
			live = append(live, entry)
		}
	}
	return live, nil
}

func (f *fakeOS) Signal(pid int, sig unix.Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals = append(f.signals, signalled{pid, sig})
	if !f.stubborn[pid] {
		f.alive[pid] = false
	}
	return nil
}

func (f *fakeOS) Alive(pid int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive[pid]
}

func (f *fakeOS) signalsTo(pid int) []unix.Signal {
	f.mu.Lock()
	defer f.mu.Unlock()
	var sigs []unix.Signal
	for _, s := range f.signals {
		if s.pid == pid {
			sigs = append(sigs, s.sig)
		}
	}
	return sigs
}

type fakeWorker struct {
	pid        int
	exited     bool
	code       int
	terminated int
}

func (w *fakeWorker) PID() int      { return w.pid }
func (w *fakeWorker) Exited() bool  { return w.exited }
func (w *fakeWorker) ExitCode() int { return w.code }

func (w *fakeWorker) Terminate(context.Context, time.Duration) error {
	w.terminated++
	w.exited = true
	return nil
}

type harness struct {
	sup      *supervisor
	rooms    *fakeRooms
	os       *fakeOS
	store    *lease.MemoryStore
	clock    *clock.FakeClock
	metrics  *metrics
	started  []*fakeWorker
	names    []string
	startErr error
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		rooms:   &fakeRooms{},
		os:      newFakeOS(),
		clock:   clock.Fake(epoch),
		metrics: newMetrics(prometheus.NewRegistry()),
	}
	h.store = lease.NewMemoryStore(h.clock)
	settings := config.Default().Supervisor
	h.sup = newSupervisor(supervisorConfig{
		Settings: settings,
		Binary:   "/usr/local/bin/switchboard-worker",
		Token:    "supervisor-a",
		Hostname: "edge-1",
		Store:    h.store,
		Rooms:    h.rooms,
		Table:    h.os,
		Start: func(room string) (worker, error) {
			if h.startErr != nil {
				return nil, h.startErr
			}
			w := &fakeWorker{pid: 1000 + len(h.started)}
			h.started = append(h.started, w)
			h.names = append(h.names, room)
			return w, nil
		},
		Signal:  h.os.Signal,
		Alive:   h.os.Alive,
		Metrics: h.metrics,
		Clock:   h.clock,
		Logger:  slog.New(slog.DiscardHandler),
	})
	return h
}

func TestLaunchesOneWorkerPerRoom(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.rooms.rooms = []string{"room1-a", "room1-b"}
	ctx := context.Background()

	h.sup.poll(ctx)
	h.sup.poll(ctx)

	if !slices.Equal(h.names, []string{"room1-a", "room1-b"}) {
		t.Fatalf("launched %v", h.names)
	}
	if got := testutil.ToFloat64(h.metrics.workers); got != 2 {
		t.Errorf("workers gauge = %v, want 2", got)
	}
	if got := testutil.ToFloat64(h.metrics.launches.WithLabelValues("started")); got != 2 {
		t.Errorf("started launches = %v, want 2", got)
	}
	for _, room := range []string{"room1-a", "room1-b"} {
		if _, held, _ := h.store.Read(ctx, lease.LaunchKey(room)); held {
			t.Errorf("launch lock for %s not released", room)
		}
	}
}

func TestLaunchLockHeldElsewhere(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.store.Acquire(ctx, lease.LaunchKey("room1-a"), "supervisor-b", time.Minute); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	h.rooms.rooms = []string{"room1-a"}

	h.sup.poll(ctx)
	if len(h.started) != 0 {
		t.Fatal("launched although another supervisor holds the launch lock")
	}
	if value, _, _ := h.store.Read(ctx, lease.LaunchKey("room1-a")); value != "supervisor-b" {
		t.Fatalf("launch lock = %q, released another supervisor's lock", value)
	}
}

func TestSkipsRoomOwnedByLiveWorker(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	owner := lease.Token{PID: 77, Host: "edge-2", Started: epoch, ID: lease.NewToken(epoch).ID}.String()
	if _, err := h.store.Acquire(ctx, lease.OwnerKey("room1-a"), owner, time.Minute); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	h.rooms.rooms = []string{"room1-a"}

	h.sup.poll(ctx)
	if len(h.started) != 0 {
		t.Fatal("launched a second worker for an owned room")
	}
	if got := testutil.ToFloat64(h.metrics.launches.WithLabelValues("owned")); got != 1 {
		t.Errorf("owned launches = %v, want 1", got)
	}
}

func TestEvictsDeadLocalOwner(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	owner := lease.Token{PID: 77, Host: "edge-1", Started: epoch, ID: lease.NewToken(epoch).ID}.String()
	if _, err := h.store.Acquire(ctx, lease.OwnerKey("room1-a"), owner, time.Minute); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	h.rooms.rooms = []string{"room1-a"}

	h.sup.poll(ctx)
	if len(h.started) != 1 {
		t.Fatalf("started %d workers, want 1 after evicting the dead owner", len(h.started))
	}
}

func TestRelaunchesExitedWorker(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.rooms.rooms = []string{"room1-a"}
	ctx := context.Background()

	h.sup.poll(ctx)
	h.started[0].exited, h.started[0].code = true, 0
	h.sup.poll(ctx)

	if len(h.started) != 2 {
		t.Fatalf("started %d workers, want a relaunch", len(h.started))
	}
	if got := testutil.ToFloat64(h.metrics.exits.WithLabelValues("0")); got != 1 {
		t.Errorf("exit count = %v, want 1", got)
	}
}

func TestKillsStraysBeforeLaunch(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.os.add(process.Entry{PID: 500, Room: "room1-a", HasRoom: true})
	h.os.add(process.Entry{PID: 501, Room: "room1-b", HasRoom: true})
	h.rooms.rooms = []string{"room1-a"}

	h.sup.poll(context.Background())

	if sigs := h.os.signalsTo(500); !slices.Equal(sigs, []unix.Signal{unix.SIGTERM}) {
		t.Fatalf("signals to stray = %v, want one SIGTERM", sigs)
	}
	if sigs := h.os.signalsTo(501); len(sigs) != 0 {
		t.Fatalf("signalled another room's worker: %v", sigs)
	}
	if len(h.started) != 1 {
		t.Fatalf("started %d workers, want 1", len(h.started))
	}
}

func TestStubbornStrayEscalates(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.os.add(process.Entry{PID: 500, Room: "room1-a", HasRoom: true})
	h.os.stubborn[500] = true
	h.rooms.rooms = []string{"room1-a"}

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.sup.poll(context.Background())
	}()

	// Drive the clock until the launch finishes; the launch lock
	// renewal keeps one timer pending throughout.
	for {
		select {
		case <-done:
			sigs := h.os.signalsTo(500)
			if len(sigs) != config.Default().Supervisor.StrayKillAttempts {
				t.Fatalf("signalled %d times, want %d", len(sigs), config.Default().Supervisor.StrayKillAttempts)
			}
			if sigs[0] != unix.SIGTERM || sigs[1] != unix.SIGKILL {
				t.Fatalf("signals = %v, want SIGTERM then SIGKILL", sigs)
			}
			if len(h.started) != 1 {
				t.Fatal("did not launch after giving up on the stray")
			}
			return
		default:
		}
		if h.clock.PendingCount() >= 2 {
			h.clock.Advance(100 * time.Millisecond)
		} else {
			time.Sleep(time.Millisecond)
		}
	}
}

func TestRemovalGrace(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.rooms.rooms = []string{"room1-a"}
	ctx := context.Background()
	h.sup.poll(ctx)
	w := h.started[0]

	h.rooms.rooms = nil
	h.sup.poll(ctx)
	h.clock.Advance(4 * time.Second)
	h.sup.poll(ctx)
	if w.terminated != 0 {
		t.Fatal("terminated before the grace period")
	}

	// A flapping room cancels the removal.
	h.rooms.rooms = []string{"room1-a"}
	h.sup.poll(ctx)
	h.rooms.rooms = nil
	h.sup.poll(ctx)
	h.clock.Advance(4 * time.Second)
	h.sup.poll(ctx)
	if w.terminated != 0 {
		t.Fatal("grace period not restarted after the room came back")
	}

	h.clock.Advance(4 * time.Second)
	h.sup.poll(ctx)
	if w.terminated != 1 {
		t.Fatalf("terminated %d times, want 1", w.terminated)
	}
	if _, tracked := h.sup.workers["room1-a"]; tracked {
		t.Fatal("terminated worker still tracked")
	}
	if got := testutil.ToFloat64(h.metrics.terminations.WithLabelValues("room_gone")); got != 1 {
		t.Errorf("room_gone terminations = %v", got)
	}
}

func TestListFailureKeepsWorkers(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.rooms.rooms = []string{"room1-a"}
	ctx := context.Background()
	h.sup.poll(ctx)

	h.rooms.err = errors.New("livekit unavailable")
	h.clock.Advance(time.Minute)
	h.sup.poll(ctx)

	if h.started[0].terminated != 0 || len(h.sup.workers) != 1 {
		t.Fatal("listing failure disturbed tracked workers")
	}
	if got := testutil.ToFloat64(h.metrics.listFailures); got != 1 {
		t.Errorf("list failures = %v", got)
	}
}

func TestStartFailureRetriesNextPoll(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.rooms.rooms = []string{"room1-a"}
	ctx := context.Background()

	h.startErr = errors.New("exec format error")
	h.sup.poll(ctx)
	if len(h.sup.workers) != 0 {
		t.Fatal("failed launch was tracked")
	}
	h.startErr = nil
	h.sup.poll(ctx)
	if len(h.started) != 1 {
		t.Fatal("launch not retried")
	}
}

func TestReapOrphans(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.os.add(process.Entry{PID: 600})
	h.os.add(process.Entry{PID: 601, Room: "room1-a", HasRoom: true})
	h.os.add(process.Entry{PID: 602, EnvironUnreadable: true})

	h.sup.reapOrphans(context.Background())

	if sigs := h.os.signalsTo(600); !slices.Equal(sigs, []unix.Signal{unix.SIGKILL}) {
		t.Fatalf("orphan signals = %v", sigs)
	}
	if sigs := h.os.signalsTo(601); len(sigs) != 0 {
		t.Fatalf("tagged worker signalled: %v", sigs)
	}
	if sigs := h.os.signalsTo(602); len(sigs) != 0 {
		t.Fatalf("unreadable worker signalled: %v", sigs)
	}
	if got := testutil.ToFloat64(h.metrics.orphans); got != 1 {
		t.Errorf("orphans = %v", got)
	}
}

func TestShutdownTerminatesAll(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.rooms.rooms = []string{"room1-a", "room1-b", "room1-c"}
	h.sup.poll(context.Background())

	h.sup.shutdown(context.Background())
	for _, w := range h.started {
		if w.terminated != 1 {
			t.Errorf("worker %d terminated %d times", w.pid, w.terminated)
		}
	}
	if len(h.sup.workers) != 0 {
		t.Fatal("workers still tracked after shutdown")
	}
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/switchboard/lib/clock"
)

// RoomEnv carries the room a worker serves.
const RoomEnv = "SWITCHBOARD_ROOM"

// Options describe a worker launch.
type Options struct {
	Binary string
	Args   []string
	Room   string

	// Env is appended to the supervisor's own environment.
	Env []string

	Stdout io.Writer
	Stderr io.Writer
	Clock  clock.Clock
}

// Group is a running worker and its process group.
type Group struct {
	cmd   *exec.Cmd
	clock clock.Clock
	done  chan struct{}
	err   error
}

// Start launches a worker as the leader of a new process group.
func Start(opts Options) (*Group, error) {
	if opts.Binary == "" {
		return nil, errors.New("process: binary is required")
	}
	if opts.Room == "" {
		return nil, errors.New("process: room is required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}

	cmd := exec.Command(opts.Binary, opts.Args...)
	cmd.Env = append(os.Environ(), opts.Env...)
	cmd.Env = append(cmd.Env, RoomEnv+"="+opts.Room)
	cmd.Stdout = opts.Stdout
	cmd.Stderr = opts.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("process: starting %s for room %s: %w", opts.Binary, opts.Room, err)
	}

	group := &Group{cmd: cmd, clock: opts.Clock, done: make(chan struct{})}
	go func() {
		group.err = cmd.Wait()
		close(group.done)
	}()
	return group, nil
}

// PID is the worker's pid, which is also its process group id.
func (g *Group) PID() int { return g.cmd.Process.Pid }

// Done is closed once the worker has exited and been reaped.
func (g *Group) Done() <-chan struct{} { return g.done }

// Exited reports whether the worker has exited.
func (g *Group) Exited() bool {
	select {
	case <-g.done:
		return true
	default:
		return false
	}
}

// ExitCode is the worker's exit status, or -1 while it runs or when it
// was killed by a signal.
func (g *Group) ExitCode() int {
	if !g.Exited() {
		return -1
	}
	return g.cmd.ProcessState.ExitCode()
}

// Terminate sends SIGTERM to the whole group and escalates to SIGKILL
// when the leader has not exited within grace. It returns once the
// leader is reaped or ctx ends.
func (g *Group) Terminate(ctx context.Context, grace time.Duration) error {
	if g.Exited() {
		return nil
	}
	pgid := -g.PID()
	if err := unix.Kill(pgid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("process: SIGTERM group %d: %w", g.PID(), err)
	}

	select {
	case <-g.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-g.clock.After(grace):
	}

	if err := unix.Kill(pgid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("process: SIGKILL group %d: %w", g.PID(), err)
	}
	select {
	case <-g.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Alive reports whether pid exists. A process owned by another user
// still counts as alive.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// Kill sends sig to pid. A process that is already gone is not an
// error.
func Kill(pid int, sig unix.Signal) error {
	if err := unix.Kill(pid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("process: signal %v to %d: %w", sig, pid, err)
	}
	return nil
}

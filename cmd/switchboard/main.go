// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/switchboard/lib/clock"
	"github.com/bureau-foundation/switchboard/lib/config"
	"github.com/bureau-foundation/switchboard/lib/lease"
	"github.com/bureau-foundation/switchboard/lib/process"
	"github.com/bureau-foundation/switchboard/lib/sipmsg"
	"github.com/bureau-foundation/switchboard/lib/version"
)

func main() {
	if err := run(); err != nil {
		var coder interface{ ExitCode() int }
		if errors.As(err, &coder) {
			os.Exit(coder.ExitCode())
		}
		process.Fatal(err)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	env := defaultEnvironment(ctx)
	return newRoot(env).execute(os.Args[1:], env.stderr)
}

// messageSender delivers one SIP MESSAGE body.
type messageSender interface {
	Send(ctx context.Context, host string, port int, user, body string) error
	Close() error
}

// environment is everything commands touch outside the process, so
// tests can substitute it.
type environment struct {
	ctx    context.Context
	stdout io.Writer
	stderr io.Writer

	loadConfig func(path string) (*config.Config, error)
	openStore  func(ctx context.Context, cfg *config.Config) (lease.Store, func() error, error)
	newSender  func(cfg config.SIPConfig) (messageSender, error)

	hostname string
	alive    func(pid int) bool
}

func defaultEnvironment(ctx context.Context) *environment {
	hostname, _ := os.Hostname()
	return &environment{
		ctx:        ctx,
		stdout:     os.Stdout,
		stderr:     os.Stderr,
		loadConfig: loadConfig,
		openStore: func(ctx context.Context, cfg *config.Config) (lease.Store, func() error, error) {
			logger := cfg.Log.NewLogger(os.Stderr)
			return lease.Open(ctx, cfg.LeaseStore, clock.Real(), logger)
		},
		newSender: func(cfg config.SIPConfig) (messageSender, error) {
			return sipmsg.New(sipmsg.Config{
				FromUser:  cfg.FromUser,
				ChunkSize: cfg.ChunkSize,
				Timeout:   cfg.Timeout,
				Logger:    slog.New(slog.DiscardHandler),
			})
		},
		hostname: hostname,
		alive:    process.Alive,
	}
}

func loadConfig(path string) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path != "" {
		cfg, err = config.LoadFile(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// withStore loads the configuration, opens the lease store and hands
// both to fn.
func (env *environment) withStore(configPath string, fn func(cfg *config.Config, store lease.Store) error) error {
	cfg, err := env.loadConfig(configPath)
	if err != nil {
		return err
	}
	store, closeStore, err := env.openStore(env.ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()
	return fn(cfg, store)
}

func configFlag(flagSet *pflag.FlagSet, path *string) {
	flagSet.StringVar(path, "config", "", "path to switchboard.yaml (default $SWITCHBOARD_CONFIG)")
}

func newRoot(env *environment) *command {
	return &command{
		Name:    "switchboard",
		Summary: "Operate switchboard call rooms: inspect leases, register operators, send SIP messages and check rules.",
		Subcommands: []*command{
			sendMessageCommand(env),
			leaseCommand(env),
			registerCommand(env),
			rulesCommand(env),
			versionCommand(env),
		},
	}
}

func versionCommand(env *environment) *command {
	return &command{
		Name:    "version",
		Summary: "Print version information",
		Run: func([]string) error {
			fmt.Fprintf(env.stdout, "switchboard %s\n", version.Full())
			return nil
		},
	}
}

// defaultMailboxTTL matches the longest an operator registration is
// useful: the handoff poll window plus a wide margin.
const defaultMailboxTTL = 10 * time.Minute

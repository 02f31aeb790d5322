// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/bureau-foundation/switchboard/lib/clock"
	"github.com/bureau-foundation/switchboard/lib/config"
	"github.com/bureau-foundation/switchboard/lib/lease"
	"github.com/bureau-foundation/switchboard/lib/process"
	"github.com/bureau-foundation/switchboard/lib/roomservice"
	"github.com/bureau-foundation/switchboard/lib/version"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		configPath  string
		metricsAddr string
		showVersion bool
	)
	flags := pflag.NewFlagSet("switchboard-supervisor", pflag.ContinueOnError)
	flags.StringVar(&configPath, "config", "", "path to switchboard.yaml (default $SWITCHBOARD_CONFIG)")
	flags.StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (overrides supervisor.metrics_addr)")
	flags.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if showVersion {
		fmt.Printf("switchboard-supervisor %s\n", version.Info())
		return nil
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if metricsAddr != "" {
		cfg.Supervisor.MetricsAddr = metricsAddr
	}
	binary, err := cfg.WorkerBinaryPath()
	if err != nil {
		return fmt.Errorf("resolving worker binary: %w", err)
	}

	logger := cfg.Log.NewLogger(os.Stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	realClock := clock.Real()
	store, closeStore, err := lease.Open(ctx, cfg.LeaseStore, realClock, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := newMetrics(registry)
	if cfg.Supervisor.MetricsAddr != "" {
		server := serveMetrics(cfg.Supervisor.MetricsAddr, registry, logger)
		defer server.Shutdown(context.Background())
	}

	hostname, err := os.Hostname()
	if err != nil {
		return fmt.Errorf("reading hostname: %w", err)
	}
	token := lease.NewToken(realClock.Now()).String()
	workerArgs := cfg.Supervisor.WorkerArgs
	if configPath != "" {
		workerArgs = append([]string{"--config", configPath}, workerArgs...)
	}

	sup := newSupervisor(supervisorConfig{
		Settings: cfg.Supervisor,
		Binary:   binary,
		Token:    token,
		Hostname: hostname,
		Store:    store,
		Rooms: roomservice.NewDirectory(cfg.LiveKit.URL, cfg.LiveKit.APIKey, cfg.LiveKit.APISecret,
			cfg.LiveKit.RoomPrefix, cfg.LiveKit.ListTimeout),
		Table: process.Table{},
		Start: func(room string) (worker, error) {
			return process.Start(process.Options{
				Binary: binary,
				Args:   workerArgs,
				Room:   room,
				Stdout: os.Stdout,
				Stderr: os.Stderr,
				Clock:  realClock,
			})
		},
		Signal:  process.Kill,
		Alive:   process.Alive,
		Metrics: m,
		Clock:   realClock,
		Logger:  logger,
	})

	logger.Info("supervisor started",
		"version", version.Info(),
		"room_prefix", cfg.LiveKit.RoomPrefix,
		"worker_binary", binary,
		"lease_backend", cfg.LeaseStore.Backend,
	)
	sup.run(ctx)

	logger.Info("supervisor shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Supervisor.TerminateGrace+5*time.Second)
	defer cancel()
	sup.shutdown(shutdownCtx)
	return nil
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

func serveMetrics(addr string, registry *prometheus.Registry, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", addr)
	return server
}

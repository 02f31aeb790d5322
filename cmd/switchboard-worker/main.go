// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/bureau-foundation/switchboard/lib/callsession"
	"github.com/bureau-foundation/switchboard/lib/clock"
	"github.com/bureau-foundation/switchboard/lib/config"
	"github.com/bureau-foundation/switchboard/lib/handoff"
	"github.com/bureau-foundation/switchboard/lib/intake"
	"github.com/bureau-foundation/switchboard/lib/lease"
	"github.com/bureau-foundation/switchboard/lib/llm"
	"github.com/bureau-foundation/switchboard/lib/process"
	"github.com/bureau-foundation/switchboard/lib/rag"
	"github.com/bureau-foundation/switchboard/lib/roomservice"
	"github.com/bureau-foundation/switchboard/lib/rules"
	"github.com/bureau-foundation/switchboard/lib/sipmsg"
	"github.com/bureau-foundation/switchboard/lib/speaker"
	"github.com/bureau-foundation/switchboard/lib/transcript"
	"github.com/bureau-foundation/switchboard/lib/version"
	"github.com/bureau-foundation/switchboard/lib/voicebridge"
)

// roomCheckInterval paces the worker's own check that its room still
// exists.
const roomCheckInterval = 15 * time.Second

// releaseTimeout bounds lease releases and record flushes on exit.
const releaseTimeout = 5 * time.Second

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		configPath  string
		room        string
		showVersion bool
	)
	flags := pflag.NewFlagSet("switchboard-worker", pflag.ContinueOnError)
	flags.StringVar(&configPath, "config", "", "path to switchboard.yaml (default $SWITCHBOARD_CONFIG)")
	flags.StringVar(&room, "room", os.Getenv(process.RoomEnv), "room to handle (default $"+process.RoomEnv+")")
	flags.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if showVersion {
		fmt.Printf("switchboard-worker %s\n", version.Info())
		return nil
	}
	if room == "" {
		return fmt.Errorf("no room: pass --room or set %s", process.RoomEnv)
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := cfg.Log.NewLogger(os.Stderr).With("room", room)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	realClock := clock.Real()
	store, closeStore, err := lease.Open(ctx, cfg.LeaseStore, realClock, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	hostname, err := os.Hostname()
	if err != nil {
		return fmt.Errorf("reading hostname: %w", err)
	}
	token := lease.NewToken(realClock.Now()).String()
	settings := cfg.Worker

	owner, err := claimRoom(ctx, store, room, token, hostname, settings.Owner, realClock, logger)
	if errors.Is(err, lease.ErrHeld) {
		logger.Info("room owned by another worker, exiting")
		return nil
	}
	if err != nil {
		return err
	}
	defer releaseOnExit(ctx, "room owner lease", owner.Release, logger)
	logger.Info("acquired room owner lease", "token", token)

	bridge, err := dialPipeline(ctx, cfg.Bridge, room, realClock, logger)
	if err != nil {
		return err
	}
	defer bridge.Close()

	coordinator, err := speaker.New(speaker.Config{
		Room:          room,
		Token:         token,
		Store:         store,
		Out:           bridge,
		TTL:           settings.Speaker.TTL,
		RenewInterval: settings.Speaker.RenewInterval,
		SpeakingTTL:   settings.SpeakingLockTTL,
		WakePhrases:   append([]string{settings.AgentName}, settings.WakePhrases...),
		Hostname:      hostname,
		Alive:         process.Alive,
		Clock:         realClock,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	if _, err := coordinator.Elect(ctx); err != nil {
		logger.Warn("speaker election failed, following", "error", err)
	}
	defer releaseOnExit(ctx, "speaker lease", coordinator.Resign, logger)

	completer, err := llm.New(llm.Config{
		BaseURL: cfg.LLM.BaseURL,
		APIKey:  cfg.LLM.APIKey,
		Model:   cfg.LLM.Model,
		Timeout: cfg.LLM.Timeout,
	})
	if err != nil {
		return err
	}

	recorder, closeRecorder, err := openRecorder(ctx, cfg.Transcripts, logger)
	if err != nil {
		return err
	}
	defer closeRecorder()

	conversationID := uuid.NewString()
	session := callsession.New(callsession.Config{
		ConversationID: conversationID,
		AgentName:      settings.AgentName,
		WakePhrases:    settings.WakePhrases,
		Silence: callsession.SilencePolicy{
			Intervals: cfg.Silence.Intervals,
			Prompts:   cfg.Silence.Prompts,
		},
		ReadyFallback: settings.ReadyFallback,
		Start:         realClock.Now(),
	})
	var spam callsession.Classifier
	if cfg.Rules.VerifySpam {
		spam = intake.SpamClassifier(completer)
	}
	calls, err := callsession.NewEngine(callsession.EngineConfig{
		Session:     session,
		Extractor:   intake.NewExtractor(completer, settings.AgentName),
		Summarizer:  intake.NewSummarizer(completer),
		Emergency:   intake.EmergencyClassifier(completer),
		Spam:        spam,
		Rules:       rules.Open(cfg.Rules.Path, logger),
		Voice:       speaker.Voice{Coordinator: coordinator},
		Recorder:    recorder,
		CallTimeout: settings.CallTimeout,
		Clock:       realClock,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("building call engine: %w", err)
	}

	transfers := &transferFactory{
		cfg:            cfg,
		conversationID: conversationID,
		store:          store,
		voice:          speaker.Announcer{Coordinator: coordinator},
		recorder:       recorder,
		clock:          realClock,
		logger:         logger,
	}
	defer transfers.close()

	var retrieval retriever
	if cfg.RAG.URL != "" {
		client, err := rag.New(rag.Config{BaseURL: cfg.RAG.URL, Timeout: cfg.RAG.Timeout})
		if err != nil {
			return err
		}
		retrieval = client
	}

	_, handedOff, err := store.Read(ctx, lease.DeliveredKey(room))
	if err != nil {
		logger.Warn("cannot read delivered marker", "error", err)
	}

	w := newWorker(workerConfig{
		Room:       room,
		Owner:      owner,
		Speaker:    coordinator,
		Session:    session,
		Engine:     calls,
		Pipeline:   bridge,
		Handoff:    transfers.build,
		Retriever:  retrieval,
		Collection: cfg.RAG.Collection,
		TopK:       cfg.RAG.TopK,
		Rooms: roomservice.NewDirectory(cfg.LiveKit.URL, cfg.LiveKit.APIKey, cfg.LiveKit.APISecret,
			cfg.LiveKit.RoomPrefix, cfg.LiveKit.ListTimeout),
		RoomCheckInterval: roomCheckInterval,
		CycleInterval:     settings.CycleInterval,
		FlushTimeout:      releaseTimeout,
		HandedOff:         handedOff,
		Clock:             realClock,
		Logger:            logger,
	})

	logger.Info("worker started",
		"version", version.Info(),
		"conversation_id", conversationID,
		"speaker", coordinator.Leader(),
	)
	res := w.run(ctx)
	switch {
	case res.Stopped != nil:
		logger.Info("worker exiting", "reason", res.Stopped)
	case res.Handoff != nil:
		logger.Info("worker exiting", "decision", res.Outcome.Decision, "handoff", res.Handoff.Outcome)
	default:
		logger.Info("worker exiting", "decision", res.Outcome.Decision, "reason", res.Outcome.Reason)
	}
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

// claimRoom takes the room owner lease, first clearing a lease left by
// a dead worker on this host.
func claimRoom(ctx context.Context, store lease.Store, room, token, hostname string, timing config.LeaseTiming, c clock.Clock, logger *slog.Logger) (*lease.Lease, error) {
	key := lease.OwnerKey(room)
	if _, err := lease.EvictDead(ctx, store, key, hostname, process.Alive, logger); err != nil {
		logger.Warn("cannot check previous room owner", "error", err)
	}
	return lease.Acquire(ctx, store, lease.Config{
		Key:           key,
		Token:         token,
		TTL:           timing.TTL,
		RenewInterval: timing.RenewInterval,
		Reclaim:       true,
		Clock:         c,
		Logger:        logger,
	})
}

func releaseOnExit(ctx context.Context, what string, release func(context.Context) error, logger *slog.Logger) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := release(releaseCtx); err != nil {
		logger.Warn("cannot release "+what, "error", err)
	}
}

// dialPipeline connects to the speech pipeline for room. A "{room}"
// placeholder in the configured URL is replaced with the room name.
func dialPipeline(ctx context.Context, cfg config.BridgeConfig, room string, c clock.Clock, logger *slog.Logger) (*voicebridge.Bridge, error) {
	dialCtx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
	defer cancel()
	bridge, err := voicebridge.Dial(dialCtx, voicebridge.Config{
		URL:    strings.ReplaceAll(cfg.URL, "{room}", url.PathEscape(room)),
		Room:   room,
		Clock:  c,
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	return bridge, nil
}

// openRecorder builds the transcript store from whichever sinks are
// configured. With none, records are dropped.
func openRecorder(ctx context.Context, cfg config.TranscriptsConfig, logger *slog.Logger) (transcript.Fanout, func(), error) {
	var (
		sinks  transcript.Fanout
		closer = func() {}
	)
	if cfg.Mongo.URI != "" {
		connectCtx, cancel := context.WithTimeout(ctx, cfg.Mongo.Timeout)
		defer cancel()
		mongoStore, err := transcript.NewMongoStore(connectCtx, cfg.Mongo.URI, cfg.Mongo.Database, cfg.Mongo.Collection)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, mongoStore)
		closer = func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
			defer cancel()
			if err := mongoStore.Close(closeCtx); err != nil {
				logger.Warn("cannot disconnect transcript store", "error", err)
			}
		}
	}
	if cfg.Spool.Dir != "" {
		spool, err := transcript.NewSpool(cfg.Spool.Dir, cfg.Spool.AgeRecipients)
		if err != nil {
			closer()
			return nil, nil, err
		}
		sinks = append(sinks, spool)
	}
	if len(sinks) == 0 {
		logger.Warn("no transcript store configured, records are not persisted")
	}
	return sinks, closer, nil
}

// transferFactory builds the handoff protocol on the first transfer.
// The SIP user agent and the LiveKit SIP client exist only for calls
// that are actually handed off.
type transferFactory struct {
	cfg            *config.Config
	conversationID string
	store          lease.Store
	voice          handoff.Voice
	recorder       transcript.Store
	clock          clock.Clock
	logger         *slog.Logger

	sender *sipmsg.Sender
}

func (f *transferFactory) build() (handoffRunner, error) {
	sender, err := sipmsg.New(sipmsg.Config{
		FromUser:  f.cfg.SIP.FromUser,
		ChunkSize: f.cfg.SIP.ChunkSize,
		Timeout:   f.cfg.SIP.Timeout,
		Logger:    f.logger,
	})
	if err != nil {
		return nil, err
	}
	f.sender = sender

	livekit := f.cfg.LiveKit
	sipClient := roomservice.NewSIPClient(livekit.URL, livekit.APIKey, livekit.APISecret)
	trunks := roomservice.NewTrunkResolver(sipClient, roomservice.Trunk{
		Address:  livekit.Trunk.Address,
		Numbers:  livekit.Trunk.Numbers,
		Username: livekit.Trunk.Username,
		Password: livekit.Trunk.Password,
	}, f.logger)

	settings := f.cfg.Handoff
	return handoff.New(handoff.Config{
		ConversationID:    f.conversationID,
		Store:             f.store,
		Dialer:            roomservice.NewDialer(sipClient, trunks),
		Sender:            sender,
		Voice:             f.voice,
		Recorder:          f.recorder,
		OperatorExtension: settings.OperatorExtension,
		AnnouncePause:     settings.AnnouncePause,
		DialTimeout:       settings.DialTimeout,
		PollInterval:      settings.PollInterval,
		PollAttempts:      settings.PollAttempts,
		HoldEvery:         settings.HoldEvery,
		HoldMessages:      settings.HoldMessages,
		Settle:            settings.Settle,
		DeliveryAttempts:  settings.DeliveryAttempts,
		DeliveryBackoff:   settings.DeliveryBackoff,
		Clock:             f.clock,
		Logger:            f.logger,
	})
}

func (f *transferFactory) close() {
	if f.sender == nil {
		return
	}
	if err := f.sender.Close(); err != nil {
		f.logger.Warn("cannot close SIP user agent", "error", err)
	}
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/bureau-foundation/switchboard/lib/callsession"
	"github.com/bureau-foundation/switchboard/lib/clock"
	"github.com/bureau-foundation/switchboard/lib/handoff"
	"github.com/bureau-foundation/switchboard/lib/lease"
	"github.com/bureau-foundation/switchboard/lib/llm"
	"github.com/bureau-foundation/switchboard/lib/rag"
	"github.com/bureau-foundation/switchboard/lib/voicebridge"
)

// Reasons a worker stops. Every one of them is an orderly exit.
var (
	errOwnershipLost = errors.New("room ownership lost")
	errDisconnected  = errors.New("caller disconnected")
	errRoomGone      = errors.New("room disappeared")
)

type ownerLease interface {
	Run(ctx context.Context) error
}

type speakerRole interface {
	Run(ctx context.Context) error
	SetSilent(silent bool)
	ObserveCaller(text string)
}

type pipeline interface {
	Events() <-chan voicebridge.Event
	PushContext(ctx context.Context, text string) error
	Silence(ctx context.Context, wakePhrases []string) error
	Hangup(ctx context.Context) error
}

type engine interface {
	Greet(ctx context.Context)
	Cycle(ctx context.Context) (callsession.Outcome, error)
	Flush(ctx context.Context)
}

type retriever interface {
	Search(ctx context.Context, collection, query string, topK int) ([]string, error)
}

type roomLister interface {
	ListActiveRooms(ctx context.Context) ([]string, error)
}

type handoffRunner interface {
	Run(ctx context.Context, room, summary string) handoff.Record
}

type workerConfig struct {
	Room string

	Owner    ownerLease
	Speaker  speakerRole
	Session  *callsession.Session
	Engine   engine
	Pipeline pipeline

	// Handoff builds the transfer protocol the first time a call is
	// transferred.
	Handoff func() (handoffRunner, error)

	// Retriever, when set, looks up each caller utterance and pushes
	// the passages to the pipeline as context.
	Retriever  retriever
	Collection string
	TopK       int

	// Rooms, when set, is polled every RoomCheckInterval; the worker
	// stops once its room is no longer listed.
	Rooms             roomLister
	RoomCheckInterval time.Duration

	CycleInterval time.Duration
	FlushTimeout  time.Duration

	// HandedOff marks a room whose call was already delivered to an
	// operator by an earlier worker. The worker then only holds the
	// room, silently, until it goes away.
	HandedOff bool

	Clock  clock.Clock
	Logger *slog.Logger
}

// result describes how a worker's call ended.
type result struct {
	Outcome callsession.Outcome
	Handoff *handoff.Record

	// Stopped is set when the call ended for a reason outside the
	// session: lost ownership, disconnect, room gone or shutdown.
	Stopped error
}

type worker struct {
	cfg    workerConfig
	logger *slog.Logger

	// lookups carries caller utterances to the retrieval task.
	lookups chan string
}

func newWorker(cfg workerConfig) *worker {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.TopK <= 0 {
		cfg.TopK = rag.DefaultTopK
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 10 * time.Second
	}
	return &worker{
		cfg:     cfg,
		logger:  cfg.Logger.With("room", cfg.Room, "conversation_id", cfg.Session.ID()),
		lookups: make(chan string, 8),
	}
}

// run handles the call until it reaches a terminal decision or a task
// stops it. Background tasks share one context and are all finished by
// the time run returns.
func (w *worker) run(ctx context.Context) result {
	ctx, cancel := context.WithCancelCause(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel(nil)
		wg.Wait()
	}()

	spawn := func(name string, task func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := task(ctx); err != nil {
				w.logger.Debug("task stopped", "task", name, "reason", err)
				cancel(err)
			}
		}()
	}

	spawn("owner_lease", w.holdOwnership)
	spawn("speaker", w.cfg.Speaker.Run)
	spawn("events", w.pumpEvents)
	if w.cfg.Retriever != nil {
		spawn("retrieval", w.augment)
	}
	if w.cfg.Rooms != nil && w.cfg.RoomCheckInterval > 0 {
		spawn("room_check", w.watchRoom)
	}

	if w.cfg.HandedOff {
		w.cfg.Session.BeginTransfer()
		w.cfg.Session.CompleteTransfer()
		w.silence(ctx)
		w.logger.Info("call already handed off, staying silent")
		<-ctx.Done()
		return result{Stopped: context.Cause(ctx)}
	}

	outcome, err := w.converse(ctx)
	if err != nil {
		stopped := context.Cause(ctx)
		if stopped == nil {
			stopped = err
		}
		w.logger.Info("call stopped", "reason", stopped)
		if errors.Is(stopped, errDisconnected) {
			w.flush(ctx)
		}
		return result{Stopped: stopped}
	}

	res := result{Outcome: outcome}
	if outcome.Decision == callsession.DecisionTransfer {
		record := w.transfer(ctx)
		res.Handoff = &record
	}

	// A task may have stopped the worker during the handoff. The room
	// is then no longer ours to hang up.
	if stopped := context.Cause(ctx); stopped != nil {
		w.logger.Info("call stopped before hangup", "reason", stopped)
		if errors.Is(stopped, errDisconnected) {
			w.flush(ctx)
		}
		res.Stopped = stopped
		return res
	}

	if res.Handoff != nil && res.Handoff.Outcome == handoff.OutcomeDelivered {
		w.cfg.Session.CompleteTransfer()
		w.cfg.Session.Finish()
		w.logger.Info("caller handed to operator, leaving the call up")
		return res
	}
	if err := w.cfg.Pipeline.Hangup(ctx); err != nil {
		w.logger.Warn("cannot hang up", "error", err)
	}
	w.cfg.Session.Finish()
	return res
}

// converse greets the caller and runs evaluation cycles until the
// session reaches a terminal decision.
func (w *worker) converse(ctx context.Context) (callsession.Outcome, error) {
	w.cfg.Engine.Greet(ctx)

	ticker := w.cfg.Clock.NewTicker(w.cfg.CycleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return callsession.Outcome{}, ctx.Err()
		case <-ticker.C:
		}
		outcome, err := w.cfg.Engine.Cycle(ctx)
		if err != nil {
			return callsession.Outcome{}, err
		}
		if outcome.Decision.Terminal() {
			w.logger.Info("call resolved", "decision", outcome.Decision, "reason", outcome.Reason)
			return outcome, nil
		}
	}
}

func (w *worker) transfer(ctx context.Context) handoff.Record {
	w.silence(ctx)
	protocol, err := w.cfg.Handoff()
	if err != nil {
		w.logger.Error("cannot start handoff", "error", err)
		return handoff.Record{Room: w.cfg.Room, Outcome: handoff.OutcomeDialFailed, Err: err}
	}
	return protocol.Run(ctx, w.cfg.Room, w.cfg.Session.OperatorSummary())
}

// silence stops both our own lines and the pipeline model's replies
// unless the caller uses a wake phrase.
func (w *worker) silence(ctx context.Context) {
	w.cfg.Speaker.SetSilent(true)
	if err := w.cfg.Pipeline.Silence(ctx, w.cfg.Session.WakePhrases()); err != nil {
		w.logger.Warn("cannot put pipeline in silent mode", "error", err)
	}
}

// flush writes the final record after the caller hung up. The task
// context is already cancelled by then.
func (w *worker) flush(ctx context.Context) {
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.FlushTimeout)
	defer cancel()
	w.cfg.Engine.Flush(flushCtx)
}

func (w *worker) holdOwnership(ctx context.Context) error {
	if err := w.cfg.Owner.Run(ctx); errors.Is(err, lease.ErrLost) {
		w.logger.Warn("room owner lease lost, stopping")
		return errOwnershipLost
	}
	return nil
}

// pumpEvents feeds pipeline transcripts into the session. It only
// queues; the evaluation loop owns session state.
func (w *worker) pumpEvents(ctx context.Context) error {
	events := w.cfg.Pipeline.Events()
	for {
		var event voicebridge.Event
		var open bool
		select {
		case <-ctx.Done():
			return nil
		case event, open = <-events:
		}
		if !open {
			return errDisconnected
		}
		w.cfg.Session.ObserveUtterance(callsession.Utterance{Role: event.Role, Text: event.Text, At: event.At})
		if event.Role != llm.RoleUser {
			continue
		}
		w.cfg.Speaker.ObserveCaller(event.Text)
		if w.cfg.Retriever == nil {
			continue
		}
		if w.cfg.Session.Silent() && !w.cfg.Session.Wakes(event.Text) {
			continue
		}
		select {
		case w.lookups <- event.Text:
		default:
			w.logger.Debug("retrieval backlog full, skipping utterance")
		}
	}
}

func (w *worker) augment(ctx context.Context) error {
	for {
		var query string
		select {
		case <-ctx.Done():
			return nil
		case query = <-w.lookups:
		}
		passages, err := w.cfg.Retriever.Search(ctx, w.cfg.Collection, query, w.cfg.TopK)
		if err != nil {
			if ctx.Err() == nil {
				w.logger.Warn("document search failed", "error", err)
			}
			continue
		}
		if err := w.cfg.Pipeline.PushContext(ctx, rag.FormatContext(query, passages)); err != nil {
			w.logger.Warn("cannot push retrieval context", "error", err)
		}
	}
}

func (w *worker) watchRoom(ctx context.Context) error {
	ticker := w.cfg.Clock.NewTicker(w.cfg.RoomCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		rooms, err := w.cfg.Rooms.ListActiveRooms(ctx)
		if err != nil {
			w.logger.Warn("cannot list rooms", "error", err)
			continue
		}
		if !slices.Contains(rooms, w.cfg.Room) {
			return errRoomGone
		}
	}
}

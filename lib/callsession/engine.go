// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package callsession

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/bureau-foundation/switchboard/lib/clock"
	"github.com/bureau-foundation/switchboard/lib/llm"
	"github.com/bureau-foundation/switchboard/lib/rules"
	"github.com/bureau-foundation/switchboard/lib/transcript"
)

// Lines spoken by the engine.
const (
	Greeting              = "Hello! Thank you for calling. How may I assist you today?"
	ConfirmedLine         = "Thank you for confirming. I'll now connect you to our team to complete your request. Please hold on a moment."
	NotReadyLine          = "Sorry, I still need some information before I can transfer your call."
	EndCallLine           = "We have your number and will be in contact shortly. Thank you for calling. Goodbye."
	SpamLine              = "Thank you for calling. Goodbye."
	EmergencyLine         = "I've detected an emergency. Connecting you to an operator right away."
	EmergencyFallbackLine = "Connecting you to an operator for assistance."
)

const (
	summaryWindow = 2000
	spamWindow    = 1000
)

// Extractor pulls caller details out of the conversation.
type Extractor interface {
	Extract(ctx context.Context, history []llm.Message) (Extraction, error)
}

// Summarizer condenses a rendered transcript into a few sentences.
type Summarizer interface {
	Summarize(ctx context.Context, conversation string) (string, error)
}

// Classifier confirms a keyword hit (emergency or spam).
type Classifier interface {
	Classify(ctx context.Context, text string) (bool, error)
}

// Rules evaluates the rule set for a stage.
type Rules interface {
	Evaluate(data map[string]string, stage string) (string, bool)
}

// Voice speaks to the caller. It reports false when the utterance was
// withheld, which is not an error.
type Voice interface {
	Say(ctx context.Context, text string) (bool, error)
}

// Recorder persists transcript documents.
type Recorder interface {
	Upsert(ctx context.Context, id string, update transcript.Update) error
}

// Outcome is the result of one evaluation cycle.
type Outcome struct {
	Decision Decision

	// Reason names what produced a terminal decision: routing, ready,
	// fallback, emergency, spam_check or silence.
	Reason string
}

// EngineConfig wires an Engine to its session and collaborators.
// Spam may be nil, in which case a spam rule hit alone ends the call.
type EngineConfig struct {
	Session    *Session
	Extractor  Extractor
	Summarizer Summarizer
	Emergency  Classifier
	Spam       Classifier
	Rules      Rules
	Voice      Voice
	Recorder   Recorder

	// CallTimeout bounds each collaborator call. Zero means no bound
	// beyond the cycle context.
	CallTimeout time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// Engine runs evaluation cycles for one session. Cycles must not
// overlap.
type Engine struct {
	cfg     EngineConfig
	session *Session
	clock   clock.Clock
	logger  *slog.Logger

	extractedTurns int
}

// NewEngine validates cfg and returns an Engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	var errs []error
	if cfg.Session == nil {
		errs = append(errs, errors.New("session is required"))
	}
	if cfg.Extractor == nil {
		errs = append(errs, errors.New("extractor is required"))
	}
	if cfg.Summarizer == nil {
		errs = append(errs, errors.New("summarizer is required"))
	}
	if cfg.Emergency == nil {
		errs = append(errs, errors.New("emergency classifier is required"))
	}
	if cfg.Rules == nil {
		errs = append(errs, errors.New("rules are required"))
	}
	if cfg.Voice == nil {
		errs = append(errs, errors.New("voice is required"))
	}
	if cfg.Recorder == nil {
		errs = append(errs, errors.New("recorder is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Engine{
		cfg:     cfg,
		session: cfg.Session,
		clock:   cfg.Clock,
		logger:  cfg.Logger.With("conversation_id", cfg.Session.ID()),
	}, nil
}

// Session returns the session the engine drives.
func (e *Engine) Session() *Session { return e.session }

// Greet opens the call.
func (e *Engine) Greet(ctx context.Context) {
	e.say(ctx, Greeting)
}

// Cycle runs one evaluation pass: absorb new utterances, extract
// fields, run the emergency and spam checks, prompt for what is
// missing, apply the silence policy and route a complete call. The
// returned error is only ever the context's.
func (e *Engine) Cycle(ctx context.Context) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}
	s := e.session
	if s.decision.Terminal() {
		return Outcome{Decision: s.decision}, nil
	}
	s.drain()
	now := e.clock.Now()

	e.process(ctx, false)
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}

	if s.readyRequested {
		e.confirmReady(ctx)
	}

	if outcome, done := e.checkEmergency(ctx); done {
		return outcome, nil
	}
	if outcome, done := e.checkSpam(ctx); done {
		return outcome, nil
	}

	if requirement, ok := s.NextPrompt(); ok {
		if e.say(ctx, requirement.Prompt) {
			s.markPrompted(requirement.Field)
		}
	}

	if prompt, final, due := s.CheckSilence(now); due {
		e.logger.Info("caller silent", "prompts", s.SilenceCount())
		e.say(ctx, prompt)
		if final {
			s.Resolve(DecisionEndCall)
			e.record(ctx, transcript.ActionEndCall, transcript.Bool(false))
			return Outcome{Decision: DecisionEndCall, Reason: "silence"}, nil
		}
	}

	return e.route(ctx, now), nil
}

// Flush absorbs pending utterances, extracts once more and writes the
// full record. Called when the caller disconnects.
func (e *Engine) Flush(ctx context.Context) {
	e.session.drain()
	e.process(ctx, true)
	e.record(ctx, "", nil)
}

// process runs the extractor when the conversation has grown since the
// last pass, and records newly filled fields.
func (e *Engine) process(ctx context.Context, force bool) {
	s := e.session
	if s.callerTurns == 0 {
		return
	}
	if !force && len(s.history) == e.extractedTurns {
		return
	}
	callCtx, cancel := e.bounded(ctx)
	extraction, err := e.cfg.Extractor.Extract(callCtx, s.History())
	cancel()
	if err != nil {
		e.logger.Warn("field extraction failed", "error", err)
		return
	}
	e.extractedTurns = len(s.history)

	changed := s.merge(extraction)
	if len(changed) == 0 {
		return
	}
	e.logger.Info("collected caller details", "fields", changed, "complete", s.fields.Complete())
	e.summarize(ctx)
	e.record(ctx, transcript.ActionNone, nil)
}

func (e *Engine) summarize(ctx context.Context) {
	callCtx, cancel := e.bounded(ctx)
	defer cancel()
	summary, err := e.cfg.Summarizer.Summarize(callCtx, tail(e.session.Transcript(), summaryWindow))
	if err != nil {
		e.logger.Warn("summary failed", "error", err)
		return
	}
	e.session.summary = summary
}

// confirmReady answers the caller's confirmation of their details.
func (e *Engine) confirmReady(ctx context.Context) {
	s := e.session
	s.readyRequested = false
	if !s.fields.Complete() {
		missing, _ := s.fields.Missing()
		e.logger.Info("ready signal before details complete", "missing", missing.Field)
		e.say(ctx, NotReadyLine)
		return
	}
	e.say(ctx, ConfirmedLine)
	s.ready = true
	e.logger.Info("caller confirmed details")
}

func (e *Engine) checkEmergency(ctx context.Context) (Outcome, bool) {
	s := e.session
	if s.callerTurns == 0 || s.TransferInitiated() || s.emergencyChecked == s.callerTurns {
		return Outcome{}, false
	}
	s.emergencyChecked = s.callerTurns

	action, matched := e.cfg.Rules.Evaluate(e.ruleData(), rules.StageEmergency)
	if !matched || action != rules.ActionTransfer {
		return Outcome{}, false
	}

	callCtx, cancel := e.bounded(ctx)
	confirmed, err := e.cfg.Emergency.Classify(callCtx, s.lastCallerText())
	cancel()
	line := EmergencyLine
	switch {
	case err != nil:
		e.logger.Warn("emergency classification failed, transferring", "error", err)
		line = EmergencyFallbackLine
	case !confirmed:
		e.logger.Info("emergency keyword not confirmed")
		return Outcome{}, false
	default:
		e.logger.Warn("emergency confirmed")
	}

	e.say(ctx, line)
	if !s.BeginTransfer() {
		return Outcome{}, false
	}
	s.Resolve(DecisionTransfer)
	e.record(ctx, transcript.ActionTransfer, transcript.Bool(true))
	return Outcome{Decision: DecisionTransfer, Reason: "emergency"}, true
}

func (e *Engine) checkSpam(ctx context.Context) (Outcome, bool) {
	s := e.session
	if s.callerTurns == 0 || s.TransferInitiated() || s.spamChecked == s.callerTurns {
		return Outcome{}, false
	}
	s.spamChecked = s.callerTurns

	action, matched := e.cfg.Rules.Evaluate(e.ruleData(), rules.StageSpam)
	if !matched || action != rules.ActionSpam {
		return Outcome{}, false
	}
	if e.cfg.Spam != nil {
		callCtx, cancel := e.bounded(ctx)
		spam, err := e.cfg.Spam.Classify(callCtx, tail(s.Transcript(), spamWindow))
		cancel()
		if err != nil {
			e.logger.Warn("spam classification failed, continuing call", "error", err)
			return Outcome{}, false
		}
		if !spam {
			e.logger.Info("spam keyword not confirmed")
			return Outcome{}, false
		}
	}
	return e.endAsSpam(ctx, "spam_check"), true
}

func (e *Engine) endAsSpam(ctx context.Context, reason string) Outcome {
	e.session.Resolve(DecisionSpam)
	e.logger.Info("ending spam call", "reason", reason)
	e.record(ctx, transcript.ActionSpam, transcript.Bool(false))
	e.say(ctx, SpamLine)
	return Outcome{Decision: DecisionSpam, Reason: reason}
}

// route evaluates the routing rules for a complete call.
func (e *Engine) route(ctx context.Context, now time.Time) Outcome {
	s := e.session
	if !s.trackCompleteness(now) {
		return Outcome{Decision: DecisionContinue}
	}

	action, _ := e.cfg.Rules.Evaluate(e.ruleData(), rules.StageRouting)
	switch action {
	case rules.ActionEndCall:
		s.Resolve(DecisionEndCall)
		e.logger.Info("routing ended call")
		e.record(ctx, transcript.ActionEndCall, transcript.Bool(false))
		e.say(ctx, EndCallLine)
		return Outcome{Decision: DecisionEndCall, Reason: "routing"}

	case rules.ActionSpam:
		return e.endAsSpam(ctx, "routing")

	case rules.ActionTransfer:
		confirmed := s.ready
		if !s.ShouldTransfer(now, action) {
			return Outcome{Decision: DecisionContinue}
		}
		reason := "fallback"
		if confirmed {
			reason = "ready"
		}
		s.Resolve(DecisionTransfer)
		e.logger.Info("transferring call", "reason", reason)
		e.record(ctx, transcript.ActionTransfer, transcript.Bool(true))
		return Outcome{Decision: DecisionTransfer, Reason: reason}

	case rules.ActionNone:
	default:
		e.logger.Warn("unknown routing action, continuing", "action", action)
	}
	s.state = StateGathering
	return Outcome{Decision: DecisionContinue}
}

func (e *Engine) ruleData() map[string]string {
	return e.session.fields.RuleData(e.session.summary, e.session.Transcript())
}

func (e *Engine) record(ctx context.Context, action string, transfered *bool) {
	update := e.session.Record()
	update.CallAction = action
	update.Transfered = transfered
	update = update.Stamp(e.clock.Now())

	callCtx, cancel := e.bounded(ctx)
	defer cancel()
	if err := e.cfg.Recorder.Upsert(callCtx, e.session.ID(), update); err != nil {
		e.logger.Warn("cannot record transcript", "error", err)
	}
}

func (e *Engine) say(ctx context.Context, text string) bool {
	spoke, err := e.cfg.Voice.Say(ctx, text)
	if err != nil {
		e.logger.Warn("cannot speak", "error", err)
		return false
	}
	if !spoke {
		e.logger.Debug("utterance withheld", "text", text)
	}
	return spoke
}

func (e *Engine) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.cfg.CallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.cfg.CallTimeout)
}

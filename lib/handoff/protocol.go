// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package handoff

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/bureau-foundation/switchboard/lib/clock"
	"github.com/bureau-foundation/switchboard/lib/lease"
	"github.com/bureau-foundation/switchboard/lib/transcript"
)

var tracer = otel.Tracer("github.com/bureau-foundation/switchboard/lib/handoff")

// ErrDialFailed wraps the dialer's error when the operator leg could
// not be placed.
var ErrDialFailed = errors.New("handoff: dial failed")

// Outcomes.
const (
	OutcomeDelivered      = "delivered"
	OutcomeDeliveryFailed = "delivery_failed"
	OutcomeNoOperator     = "no_operator"
	OutcomeDialFailed     = "dial_failed"
	OutcomeCancelled      = "cancelled"
)

// Lines spoken to the caller.
const (
	AnnounceLine       = "Connecting to our executive."
	DialFailedLine     = "I apologize, but I'm unable to connect you to our executive at this time. Please try calling back in a few minutes."
	NoOperatorLine     = "Could not confirm executive connection, exiting."
	DeliveryFailedLine = DialFailedLine
)

// DefaultHoldMessages rotate while the protocol waits for an operator.
var DefaultHoldMessages = []string{
	"We are connecting you now, please hold.",
	"Trying to reach an executive for you.",
	"Thank you for your patience, we're connecting your call.",
	"Please stay on the line, we're finding someone for you.",
}

// markerTTL keeps the delivered marker well past any call's lifetime.
const markerTTL = 24 * time.Hour

// Voice speaks to the caller. Handoff lines are announcements and must
// not be gated by silent mode.
type Voice interface {
	Say(ctx context.Context, text string) (bool, error)
}

// Dialer places the outbound leg to the operator extension.
type Dialer interface {
	Dial(ctx context.Context, room, extension string) error
}

// Sender delivers a text message to a SIP user agent.
type Sender interface {
	Send(ctx context.Context, host string, port int, user, body string) error
}

// Config wires a Protocol.
type Config struct {
	ConversationID string

	Store    lease.Store
	Dialer   Dialer
	Sender   Sender
	Voice    Voice
	Recorder transcript.Store

	OperatorExtension string
	AnnouncePause     time.Duration
	DialTimeout       time.Duration
	PollInterval      time.Duration
	PollAttempts      int
	HoldEvery         int
	HoldMessages      []string
	Settle            time.Duration
	DeliveryAttempts  int
	DeliveryBackoff   time.Duration

	// Random picks hold messages; it defaults to math/rand/v2.IntN.
	Random func(n int) int

	Clock  clock.Clock
	Logger *slog.Logger
}

// Record is the terminal result of one protocol run.
type Record struct {
	Room     string
	Outcome  string
	Operator Address

	// DialAttempts counts operator legs placed by this run; a Protocol
	// dials at most once over all its runs. PollAttempts counts mailbox
	// reads and DeliveryAttempts counts sends.
	DialAttempts     int
	PollAttempts     int
	DeliveryAttempts int

	// Duplicate is set when the summary had already been delivered by
	// an earlier run.
	Duplicate bool

	Digest   string
	Started  time.Time
	Finished time.Time
	Err      error
}

// Protocol runs the handoff for one session.
type Protocol struct {
	cfg    Config
	logger *slog.Logger

	dialOnce sync.Once
	dialErr  error

	lastHold int
}

// New validates cfg and returns a Protocol.
func New(cfg Config) (*Protocol, error) {
	var errs []error
	if cfg.Store == nil || cfg.Dialer == nil || cfg.Sender == nil || cfg.Voice == nil {
		errs = append(errs, errors.New("store, dialer, sender and voice are required"))
	}
	if cfg.OperatorExtension == "" {
		errs = append(errs, errors.New("operator extension is required"))
	}
	if cfg.PollInterval <= 0 || cfg.PollAttempts <= 0 {
		errs = append(errs, errors.New("poll interval and attempts must be positive"))
	}
	if cfg.DeliveryAttempts <= 0 {
		errs = append(errs, errors.New("delivery attempts must be positive"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("handoff: %w", err)
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 30 * time.Second
	}
	if cfg.HoldEvery <= 0 {
		cfg.HoldEvery = 4
	}
	if len(cfg.HoldMessages) == 0 {
		cfg.HoldMessages = DefaultHoldMessages
	}
	if cfg.Random == nil {
		cfg.Random = rand.IntN
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Protocol{cfg: cfg, logger: cfg.Logger, lastHold: -1}, nil
}

// Run performs the handoff for room and returns its terminal record.
// It never dials more than once per Protocol and never delivers the
// same summary twice.
func (p *Protocol) Run(ctx context.Context, room, summary string) Record {
	ctx, span := tracer.Start(ctx, "handoff.run")
	defer span.End()

	record := Record{Room: room, Digest: Digest(summary), Started: p.cfg.Clock.Now()}
	logger := p.logger.With("room", room)

	finish := func(outcome string, err error) Record {
		record.Outcome, record.Err = outcome, err
		record.Finished = p.cfg.Clock.Now()
		span.SetAttributes(
			attribute.String("handoff.outcome", outcome),
			attribute.Int("handoff.dial_attempts", record.DialAttempts),
			attribute.Int("handoff.poll_attempts", record.PollAttempts),
			attribute.Int("handoff.delivery_attempts", record.DeliveryAttempts),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, outcome)
		}
		logger.Info("handoff finished", "outcome", outcome, "duplicate", record.Duplicate,
			"dial_attempts", record.DialAttempts, "poll_attempts", record.PollAttempts,
			"delivery_attempts", record.DeliveryAttempts, "duration", record.Finished.Sub(record.Started))
		p.recordOutcome(ctx, outcome)
		return record
	}

	if delivered, err := p.delivered(ctx, room, record.Digest); err != nil {
		logger.Warn("cannot read delivered marker", "error", err)
	} else if delivered {
		record.Duplicate = true
		return finish(OutcomeDelivered, nil)
	}

	p.say(ctx, AnnounceLine)
	if err := p.sleep(ctx, p.cfg.AnnouncePause); err != nil {
		return finish(OutcomeCancelled, err)
	}

	p.dialOnce.Do(func() {
		record.DialAttempts++
		dialCtx, cancel := context.WithTimeout(ctx, p.cfg.DialTimeout)
		defer cancel()
		if err := p.cfg.Dialer.Dial(dialCtx, room, p.cfg.OperatorExtension); err != nil {
			p.dialErr = fmt.Errorf("%w: %w", ErrDialFailed, err)
		}
	})
	if p.dialErr != nil && ctx.Err() != nil {
		return finish(OutcomeCancelled, p.dialErr)
	}
	if p.dialErr != nil {
		logger.Error("cannot dial operator", "extension", p.cfg.OperatorExtension, "error", p.dialErr)
		p.say(ctx, DialFailedLine)
		return finish(OutcomeDialFailed, p.dialErr)
	}
	logger.Info("dialed operator", "extension", p.cfg.OperatorExtension)

	operator, err := p.awaitOperator(ctx, room, &record)
	switch {
	case errors.Is(err, clock.ErrPollExhausted):
		p.say(ctx, NoOperatorLine)
		return finish(OutcomeNoOperator, err)
	case err != nil:
		return finish(OutcomeCancelled, err)
	}
	record.Operator = operator
	logger.Info("operator registered", "address", operator.String())
	p.recordOperator(ctx, operator)

	if err := p.sleep(ctx, p.cfg.Settle); err != nil {
		return finish(OutcomeCancelled, err)
	}

	if err := p.deliver(ctx, operator, summary, &record, logger); err != nil {
		if ctx.Err() != nil {
			return finish(OutcomeCancelled, err)
		}
		p.say(ctx, DeliveryFailedLine)
		return finish(OutcomeDeliveryFailed, err)
	}
	if err := p.cfg.Store.Put(ctx, lease.DeliveredKey(room), record.Digest, markerTTL); err != nil {
		logger.Warn("cannot write delivered marker", "error", err)
	}
	return finish(OutcomeDelivered, nil)
}

func (p *Protocol) delivered(ctx context.Context, room, digest string) (bool, error) {
	value, found, err := p.cfg.Store.Read(ctx, lease.DeliveredKey(room))
	if err != nil {
		return false, err
	}
	return found && value == digest, nil
}

// awaitOperator polls the mailbox, speaking a hold message every
// HoldEvery attempts after the first.
func (p *Protocol) awaitOperator(ctx context.Context, room string, record *Record) (Address, error) {
	var operator Address
	err := clock.Poll(ctx, p.cfg.Clock, p.cfg.PollInterval, p.cfg.PollAttempts, func(ctx context.Context, attempt int) (bool, error) {
		record.PollAttempts++
		value, found, err := p.cfg.Store.Read(ctx, lease.MailboxKey(room))
		switch {
		case err != nil:
			p.logger.Warn("cannot read operator mailbox", "room", room, "attempt", attempt, "error", err)
		case found:
			address, parseErr := ParseAddress(value)
			if parseErr == nil {
				operator = address
				return true, nil
			}
			p.logger.Warn("ignoring malformed operator registration", "room", room, "value", value, "error", parseErr)
		}
		if attempt > 0 && attempt%p.cfg.HoldEvery == 0 {
			p.say(ctx, p.nextHoldMessage())
		}
		return false, nil
	})
	return operator, err
}

// nextHoldMessage picks a random hold message other than the previous
// one.
func (p *Protocol) nextHoldMessage() string {
	messages := p.cfg.HoldMessages
	index := p.cfg.Random(len(messages))
	if index == p.lastHold && len(messages) > 1 {
		index = (index + 1) % len(messages)
	}
	p.lastHold = index
	return messages[index]
}

func (p *Protocol) deliver(ctx context.Context, operator Address, summary string, record *Record, logger *slog.Logger) error {
	var lastErr error
	for attempt := 1; attempt <= p.cfg.DeliveryAttempts; attempt++ {
		if attempt > 1 {
			if err := p.sleep(ctx, p.cfg.DeliveryBackoff); err != nil {
				return err
			}
		}
		record.DeliveryAttempts = attempt
		err := p.cfg.Sender.Send(ctx, operator.IP, operator.Port, operator.Extension, summary)
		if err == nil {
			logger.Info("delivered summary to operator", "attempt", attempt)
			return nil
		}
		lastErr = err
		logger.Warn("summary delivery failed", "attempt", attempt, "error", err)
	}
	return fmt.Errorf("delivering summary after %d attempts: %w", p.cfg.DeliveryAttempts, lastErr)
}

func (p *Protocol) recordOperator(ctx context.Context, operator Address) {
	if p.cfg.Recorder == nil {
		return
	}
	update := transcript.Update{
		SIPInfo:    &transcript.SIPInfo{IP: operator.IP, Port: operator.Port, Extension: operator.Extension},
		Transfered: transcript.Bool(true),
	}.Stamp(p.cfg.Clock.Now())
	if err := p.cfg.Recorder.Upsert(ctx, p.cfg.ConversationID, update); err != nil {
		p.logger.Warn("cannot record operator address", "error", err)
	}
}

func (p *Protocol) recordOutcome(ctx context.Context, outcome string) {
	if p.cfg.Recorder == nil {
		return
	}
	update := transcript.Update{HandoffOutcome: outcome}.Stamp(p.cfg.Clock.Now())
	if err := p.cfg.Recorder.Upsert(context.WithoutCancel(ctx), p.cfg.ConversationID, update); err != nil {
		p.logger.Warn("cannot record handoff outcome", "error", err)
	}
}

func (p *Protocol) say(ctx context.Context, text string) {
	if _, err := p.cfg.Voice.Say(ctx, text); err != nil {
		p.logger.Warn("cannot speak", "error", err)
	}
}

func (p *Protocol) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.cfg.Clock.After(d):
		return nil
	}
}

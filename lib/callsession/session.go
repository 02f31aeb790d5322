// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package callsession

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"

	"github.com/bureau-foundation/switchboard/lib/llm"
	"github.com/bureau-foundation/switchboard/lib/rules"
)

// State is the position of a session in the call lifecycle.
type State int

const (
	StateGathering State = iota
	StateRoutingEval
	StateTransferring
	StateEnding
	StateComplete
)

func (s State) String() string {
	switch s {
	case StateGathering:
		return "gathering"
	case StateRoutingEval:
		return "routing_eval"
	case StateTransferring:
		return "transferring"
	case StateEnding:
		return "ending"
	case StateComplete:
		return "complete"
	}
	return "unknown"
}

// Decision is the routing decision of a session. Every value except
// DecisionContinue is terminal.
type Decision string

const (
	DecisionContinue Decision = "continue"
	DecisionTransfer Decision = "transfer"
	DecisionEndCall  Decision = "end_call"
	DecisionSpam     Decision = "spam"
)

// Terminal reports whether d ends the gathering phase.
func (d Decision) Terminal() bool { return d != DecisionContinue && d != "" }

// Utterance is one transcript item from the speech pipeline.
type Utterance struct {
	Role llm.Role
	Text string
	At   time.Time
}

// SilencePolicy is the escalating check-in schedule for a quiet caller.
// Prompts[i] is spoken once Intervals[i] has passed without speech; the
// last interval repeats. The session ends after len(Intervals) prompts.
type SilencePolicy struct {
	Intervals []time.Duration
	Prompts   []string
}

// Config describes a new session.
type Config struct {
	ConversationID string
	AgentName      string
	WakePhrases    []string
	Silence        SilencePolicy
	ReadyFallback  time.Duration

	// Start seeds the silence timer.
	Start time.Time
}

const (
	readyQuestion = "is everything accurate"
	readyAnnounce = "now connect you to our team to complete your request please hold on a moment"
)

var readyAnswers = map[string]bool{
	"yes":          true,
	"correct":      true,
	"that's right": true,
	"yep":          true,
	"yeah":         true,
}

// Session is the state of one call. Utterances may be observed from any
// goroutine; everything else belongs to the goroutine running the
// Engine.
type Session struct {
	id            string
	agentName     string
	wakePhrases   []string
	silence       SilencePolicy
	readyFallback time.Duration

	pendingMu sync.Mutex
	pending   []Utterance

	transferInitiated atomic.Bool
	transferComplete  atomic.Bool
	silent            atomic.Bool

	history      []llm.Message
	fields       Fields
	summary      string
	waitingFor   Field
	state        State
	decision     Decision
	lastSpeech   time.Time
	silenceCount int

	completeSince  time.Time
	readyRequested bool
	ready          bool

	callerTurns      int
	emergencyChecked int
	spamChecked      int
}

// New returns a session in StateGathering.
func New(cfg Config) *Session {
	phrases := make([]string, 0, len(cfg.WakePhrases)+1)
	if cfg.AgentName != "" {
		phrases = append(phrases, strings.ToLower(cfg.AgentName))
	}
	for _, phrase := range cfg.WakePhrases {
		if phrase = strings.ToLower(strings.TrimSpace(phrase)); phrase != "" {
			phrases = append(phrases, phrase)
		}
	}
	return &Session{
		id:            cfg.ConversationID,
		agentName:     cfg.AgentName,
		wakePhrases:   phrases,
		silence:       cfg.Silence,
		readyFallback: cfg.ReadyFallback,
		state:         StateGathering,
		decision:      DecisionContinue,
		lastSpeech:    cfg.Start,
	}
}

func (s *Session) ID() string { return s.id }
func (s *Session) AgentName() string { return s.agentName }
func (s *Session) Fields() Fields { return s.fields }
func (s *Session) Summary() string { return s.summary }
func (s *Session) State() State { return s.state }
func (s *Session) Decision() Decision { return s.decision }
func (s *Session) WaitingFor() Field { return s.waitingFor }
func (s *Session) Ready() bool { return s.ready }
func (s *Session) Silent() bool { return s.silent.Load() }
func (s *Session) SilenceCount() int { return s.silenceCount }
func (s *Session) Complete() bool { return s.fields.Complete() }
func (s *Session) TransferInitiated() bool {
	return s.transferInitiated.Load()
}
func (s *Session) TransferComplete() bool { return s.transferComplete.Load() }

// WakePhrases returns the lower-cased phrases that address the agent.
func (s *Session) WakePhrases() []string {
	return append([]string(nil), s.wakePhrases...)
}

// History returns a copy of the conversation so far.
func (s *Session) History() []llm.Message {
	return append([]llm.Message(nil), s.history...)
}

// ObserveUtterance queues a transcript item for the next cycle. Safe
// for concurrent use.
func (s *Session) ObserveUtterance(u Utterance) {
	if strings.TrimSpace(u.Text) == "" || !u.Role.Valid() {
		return
	}
	s.pendingMu.Lock()
	s.pending = append(s.pending, u)
	s.pendingMu.Unlock()
}

// drain moves queued utterances into the history and returns how many
// were accepted.
func (s *Session) drain() int {
	s.pendingMu.Lock()
	queued := s.pending
	s.pending = nil
	s.pendingMu.Unlock()

	accepted := 0
	for _, u := range queued {
		message := llm.Message{Role: u.Role, Content: strings.TrimSpace(u.Text)}
		if n := len(s.history); n > 0 && s.history[n-1] == message {
			continue
		}
		s.history = append(s.history, message)
		accepted++

		if !u.At.IsZero() && u.At.After(s.lastSpeech) {
			s.lastSpeech = u.At
		}
		s.silenceCount = 0

		switch u.Role {
		case llm.RoleUser:
			s.callerTurns++
			if !s.ready && readyAnswers[normalizeAnswer(message.Content)] && s.askedToConfirm() {
				s.readyRequested = true
			}
		case llm.RoleAssistant:
			if !s.ready && strings.Contains(normalizeSentence(message.Content), readyAnnounce) {
				s.readyRequested = true
			}
		}
	}
	return accepted
}

// askedToConfirm reports whether the agent has asked the caller to
// confirm the collected details before the latest message.
func (s *Session) askedToConfirm() bool {
	for i := len(s.history) - 2; i >= 0; i-- {
		m := s.history[i]
		if m.Role == llm.RoleAssistant && strings.Contains(strings.ToLower(m.Content), readyQuestion) {
			return true
		}
	}
	return false
}

func normalizeAnswer(text string) string {
	return strings.TrimRight(strings.ToLower(strings.TrimSpace(text)), ".!,")
}

// normalizeSentence lower-cases text, drops punctuation and collapses
// whitespace.
func normalizeSentence(text string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'':
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// lastCallerText returns the most recent caller utterance.
func (s *Session) lastCallerText() string {
	for i := len(s.history) - 1; i >= 0; i-- {
		if s.history[i].Role == llm.RoleUser {
			return s.history[i].Content
		}
	}
	return ""
}

// Wakes reports whether text addresses the agent by name or wake
// phrase.
func (s *Session) Wakes(text string) bool {
	text = strings.ToLower(text)
	for _, phrase := range s.wakePhrases {
		if strings.Contains(text, phrase) {
			return true
		}
	}
	return false
}

// BeginTransfer flips the transfer-initiated flag. It returns true for
// exactly one caller over the life of the session, and puts the session
// in silent mode.
func (s *Session) BeginTransfer() bool {
	if !s.transferInitiated.CompareAndSwap(false, true) {
		return false
	}
	s.silent.Store(true)
	return true
}

// CompleteTransfer marks the caller's details as delivered to an
// operator. It has no effect before BeginTransfer.
func (s *Session) CompleteTransfer() bool {
	if !s.transferInitiated.Load() {
		return false
	}
	s.transferComplete.Store(true)
	return true
}

// Resolve records a routing decision. A terminal decision is final:
// later calls with a different decision are ignored and return false.
func (s *Session) Resolve(decision Decision) bool {
	if s.decision.Terminal() {
		return s.decision == decision
	}
	s.decision = decision
	switch decision {
	case DecisionTransfer:
		s.state = StateTransferring
	case DecisionEndCall, DecisionSpam:
		s.state = StateEnding
	}
	return true
}

// Finish moves a resolved session to StateComplete.
func (s *Session) Finish() {
	if s.decision.Terminal() {
		s.state = StateComplete
	}
}

// NextPrompt returns the requirement to ask the caller about now. It
// returns false when nothing is missing or the caller was already asked
// for the first missing requirement.
func (s *Session) NextPrompt() (Requirement, bool) {
	requirement, missing := s.fields.Missing()
	if !missing {
		s.waitingFor = ""
		return Requirement{}, false
	}
	if s.waitingFor == requirement.Field {
		return Requirement{}, false
	}
	return requirement, true
}

// markPrompted records that the caller was asked for field.
func (s *Session) markPrompted(field Field) { s.waitingFor = field }

// merge applies an extraction and clears the waiting marker once the
// awaited field is filled.
func (s *Session) merge(extraction Extraction) []Field {
	changed := s.fields.Merge(extraction)
	if s.waitingFor != "" && s.fields.Filled(s.waitingFor) {
		s.waitingFor = ""
	}
	return changed
}

// trackCompleteness maintains the time completeness was first reached
// and the gathering/routing state.
func (s *Session) trackCompleteness(now time.Time) bool {
	if s.decision.Terminal() {
		return s.fields.Complete()
	}
	if !s.fields.Complete() {
		s.completeSince = time.Time{}
		s.state = StateGathering
		return false
	}
	if s.completeSince.IsZero() {
		s.completeSince = now
	}
	s.state = StateRoutingEval
	return true
}

// ShouldTransfer reports whether a call routed to action should now be
// transferred: the fields are complete, the action is a transfer, and
// either the caller confirmed or the ready fallback has passed since
// completeness. A true result claims the transfer, so it is returned at
// most once per session.
func (s *Session) ShouldTransfer(now time.Time, action string) bool {
	if action != rules.ActionTransfer || !s.trackCompleteness(now) {
		return false
	}
	if !s.ready && now.Sub(s.completeSince) < s.readyFallback {
		return false
	}
	return s.BeginTransfer()
}

// CheckSilence advances the silence policy. It returns the check-in
// prompt to speak when one is due, and whether it was the last one. It
// never fires in silent mode.
func (s *Session) CheckSilence(now time.Time) (prompt string, final, due bool) {
	if s.silent.Load() || len(s.silence.Intervals) == 0 {
		return "", false, false
	}
	index := min(s.silenceCount, len(s.silence.Intervals)-1)
	if now.Sub(s.lastSpeech) <= s.silence.Intervals[index] {
		return "", false, false
	}
	s.lastSpeech = now
	s.silenceCount++
	return s.silence.Prompts[index], s.silenceCount >= len(s.silence.Intervals), true
}

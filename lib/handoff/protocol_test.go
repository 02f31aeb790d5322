// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package handoff

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/switchboard/lib/clock"
	"github.com/bureau-foundation/switchboard/lib/lease"
	"github.com/bureau-foundation/switchboard/lib/transcript"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const (
	room    = "room1-a"
	summary = "Caller: Dana\nPhone: 5551234567"
)

type fakeDialer struct {
	mu    sync.Mutex
	calls int
	err   error

	// hang makes Dial wait for its context.
	hang bool
}

func (d *fakeDialer) Dial(ctx context.Context, room, extension string) error {
	d.mu.Lock()
	d.calls++
	hang, err := d.hang, d.err
	d.mu.Unlock()
	if hang {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

type fakeSender struct {
	mu     sync.Mutex
	fail   int
	always bool
	sent   []string
}

func (s *fakeSender) Send(_ context.Context, host string, port int, user, body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.always || s.fail > 0 {
		s.fail--
		return errors.New("no response")
	}
	s.sent = append(s.sent, host+"|"+user+"|"+body)
	return nil
}

type fakeVoice struct {
	mu   sync.Mutex
	said []string
}

func (v *fakeVoice) Say(_ context.Context, text string) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.said = append(v.said, text)
	return true, nil
}

type fakeRecorder struct {
	mu      sync.Mutex
	updates []transcript.Update
}

func (r *fakeRecorder) Upsert(_ context.Context, id string, update transcript.Update) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, update)
	return nil
}

// lateMailbox hides the operator registration until the mailbox has
// been read a number of times.
type lateMailbox struct {
	lease.Store
	mu    sync.Mutex
	after int
	reads int
}

func (m *lateMailbox) Read(ctx context.Context, key string) (string, bool, error) {
	if key != lease.MailboxKey(room) {
		return m.Store.Read(ctx, key)
	}
	m.mu.Lock()
	m.reads++
	hidden := m.reads <= m.after
	m.mu.Unlock()
	if hidden {
		return "", false, nil
	}
	return m.Store.Read(ctx, key)
}

type harness struct {
	clock    *clock.FakeClock
	store    *lease.MemoryStore
	dialer   *fakeDialer
	sender   *fakeSender
	voice    *fakeVoice
	recorder *fakeRecorder
	protocol *Protocol
}

func newHarness(t *testing.T, wrap func(lease.Store) lease.Store) *harness {
	t.Helper()
	fake := clock.Fake(epoch)
	h := &harness{
		clock:    fake,
		store:    lease.NewMemoryStore(fake),
		dialer:   &fakeDialer{},
		sender:   &fakeSender{},
		voice:    &fakeVoice{},
		recorder: &fakeRecorder{},
	}
	var store lease.Store = h.store
	if wrap != nil {
		store = wrap(store)
	}
	protocol, err := New(Config{
		ConversationID:    "conv-1",
		Store:             store,
		Dialer:            h.dialer,
		Sender:            h.sender,
		Voice:             h.voice,
		Recorder:          h.recorder,
		OperatorExtension: "4000",
		AnnouncePause:     2 * time.Second,
		DialTimeout:       100 * time.Millisecond,
		PollInterval:      2 * time.Second,
		PollAttempts:      15,
		HoldEvery:         4,
		Settle:            3 * time.Second,
		DeliveryAttempts:  3,
		DeliveryBackoff:   2 * time.Second,
		Random:            func(int) int { return 0 },
		Clock:             fake,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.protocol = protocol
	return h
}

func (h *harness) register(t *testing.T, value string) {
	t.Helper()
	if err := h.store.Put(context.Background(), lease.MailboxKey(room), value, time.Minute); err != nil {
		t.Fatalf("Put: %v", err)
	}
}

// run drives the fake clock until Run returns.
func (h *harness) run(t *testing.T, ctx context.Context) Record {
	t.Helper()
	done := make(chan Record, 1)
	go func() { done <- h.protocol.Run(ctx, room, summary) }()

	deadline := time.Now().Add(10 * time.Second)
	for {
		select {
		case record := <-done:
			return record
		default:
		}
		if time.Now().After(deadline) {
			t.Fatal("handoff did not finish")
		}
		if h.clock.PendingCount() > 0 {
			h.clock.Advance(time.Second)
		} else {
			time.Sleep(time.Millisecond)
		}
	}
}

func (h *harness) lines() []string {
	h.voice.mu.Lock()
	defer h.voice.mu.Unlock()
	return append([]string(nil), h.voice.said...)
}

func TestDeliveredToRegisteredOperator(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.register(t, "10.0.0.5:5060:4000")

	record := h.run(t, context.Background())
	if record.Outcome != OutcomeDelivered || record.Err != nil || record.Duplicate {
		t.Fatalf("record = %+v", record)
	}
	if record.Operator != (Address{IP: "10.0.0.5", Port: 5060, Extension: "4000"}) {
		t.Fatalf("Operator = %+v", record.Operator)
	}
	if record.DialAttempts != 1 || record.PollAttempts != 1 || record.DeliveryAttempts != 1 {
		t.Fatalf("attempts = %d dials, %d polls, %d deliveries",
			record.DialAttempts, record.PollAttempts, record.DeliveryAttempts)
	}
	if !slices.Equal(h.sender.sent, []string{"10.0.0.5|4000|" + summary}) {
		t.Fatalf("sent %q", h.sender.sent)
	}
	if !slices.Equal(h.lines(), []string{AnnounceLine}) {
		t.Fatalf("said %q", h.lines())
	}
	if record.Finished.Sub(record.Started) < 5*time.Second {
		t.Fatalf("run took %v, want the announce pause and settle", record.Finished.Sub(record.Started))
	}

	marker, found, _ := h.store.Read(context.Background(), lease.DeliveredKey(room))
	if !found || marker != Digest(summary) {
		t.Fatalf("delivered marker = %q, %v", marker, found)
	}

	var sawOperator, sawOutcome bool
	for _, update := range h.recorder.updates {
		if update.SIPInfo != nil && update.SIPInfo.Port == 5060 && update.Transfered != nil && *update.Transfered {
			sawOperator = true
		}
		if update.HandoffOutcome == OutcomeDelivered {
			sawOutcome = true
		}
	}
	if !sawOperator || !sawOutcome {
		t.Fatalf("recorded %+v", h.recorder.updates)
	}
}

func TestHoldMessagesWhileWaiting(t *testing.T) {
	t.Parallel()
	mailbox := &lateMailbox{after: 9}
	h := newHarness(t, func(store lease.Store) lease.Store {
		mailbox.Store = store
		return mailbox
	})
	h.register(t, "10.0.0.5:5060:4000")

	record := h.run(t, context.Background())
	if record.Outcome != OutcomeDelivered || record.PollAttempts != 10 {
		t.Fatalf("record = %+v", record)
	}
	// Holds at attempts 4 and 8, never the same message twice running.
	want := []string{AnnounceLine, DefaultHoldMessages[0], DefaultHoldMessages[1]}
	if !slices.Equal(h.lines(), want) {
		t.Fatalf("said %q, want %q", h.lines(), want)
	}
}

func TestNoOperator(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	record := h.run(t, context.Background())
	if record.Outcome != OutcomeNoOperator || !errors.Is(record.Err, clock.ErrPollExhausted) {
		t.Fatalf("record = %+v", record)
	}
	if record.PollAttempts != 15 || len(h.sender.sent) != 0 {
		t.Fatalf("polls = %d, sent = %q", record.PollAttempts, h.sender.sent)
	}
	lines := h.lines()
	if len(lines) != 5 || lines[len(lines)-1] != NoOperatorLine {
		t.Fatalf("said %q, want announce, three holds and the no-operator line", lines)
	}
	for i := 2; i < 4; i++ {
		if lines[i] == lines[i-1] {
			t.Fatalf("hold message repeated: %q", lines)
		}
	}
}

func TestDeliveryRetries(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name         string
		sender       fakeSender
		wantOutcome  string
		wantAttempts int
	}{
		{"succeeds on the last attempt", fakeSender{fail: 2}, OutcomeDelivered, 3},
		{"exhausted", fakeSender{always: true}, OutcomeDeliveryFailed, 3},
	}
	for i := range tests {
		test := &tests[i]
		t.Run(test.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.sender.fail, h.sender.always = test.sender.fail, test.sender.always
			h.register(t, "10.0.0.5:5060:4000")

			record := h.run(t, context.Background())
			if record.Outcome != test.wantOutcome || record.DeliveryAttempts != test.wantAttempts {
				t.Fatalf("record = %+v", record)
			}
			_, marked, _ := h.store.Read(context.Background(), lease.DeliveredKey(room))
			if marked != (test.wantOutcome == OutcomeDelivered) {
				t.Fatalf("delivered marker present = %v", marked)
			}
			if test.wantOutcome == OutcomeDeliveryFailed {
				lines := h.lines()
				if lines[len(lines)-1] != DeliveryFailedLine {
					t.Fatalf("said %q", lines)
				}
			}
		})
	}
}

func TestDialFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.dialer.err = errors.New("trunk unavailable")
	h.register(t, "10.0.0.5:5060:4000")

	record := h.run(t, context.Background())
	if record.Outcome != OutcomeDialFailed || !errors.Is(record.Err, ErrDialFailed) {
		t.Fatalf("record = %+v", record)
	}
	if record.PollAttempts != 0 || len(h.sender.sent) != 0 {
		t.Fatal("protocol continued after the dial failed")
	}
	if !slices.Equal(h.lines(), []string{AnnounceLine, DialFailedLine}) {
		t.Fatalf("said %q", h.lines())
	}
}

func TestDialTimeout(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.dialer.hang = true
	h.register(t, "10.0.0.5:5060:4000")

	record := h.run(t, context.Background())
	if record.Outcome != OutcomeDialFailed || !errors.Is(record.Err, context.DeadlineExceeded) {
		t.Fatalf("record = %+v", record)
	}
	if record.DialAttempts != 1 || record.PollAttempts != 0 {
		t.Fatalf("attempts = %d dials, %d polls", record.DialAttempts, record.PollAttempts)
	}
	if !slices.Equal(h.lines(), []string{AnnounceLine, DialFailedLine}) {
		t.Fatalf("said %q", h.lines())
	}
}

func TestReentryDialsOnceAndDeliversOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	if record := h.run(t, context.Background()); record.Outcome != OutcomeNoOperator || record.DialAttempts != 1 {
		t.Fatalf("first run = %+v", record)
	}
	h.register(t, "10.0.0.5:5060:4000")
	if record := h.run(t, context.Background()); record.Outcome != OutcomeDelivered || record.DialAttempts != 0 {
		t.Fatalf("second run = %+v", record)
	}
	record := h.run(t, context.Background())
	if record.Outcome != OutcomeDelivered || !record.Duplicate {
		t.Fatalf("third run = %+v, want a duplicate delivery", record)
	}
	if h.dialer.calls != 1 {
		t.Fatalf("dialed %d times", h.dialer.calls)
	}
	if len(h.sender.sent) != 1 {
		t.Fatalf("sent %d summaries", len(h.sender.sent))
	}
}

func TestRunCancelled(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	record := h.run(t, ctx)
	if record.Outcome != OutcomeCancelled || !errors.Is(record.Err, context.Canceled) {
		t.Fatalf("record = %+v", record)
	}
	if h.dialer.calls != 0 {
		t.Fatal("dialed after cancellation")
	}
}

func TestParseAddress(t *testing.T) {
	t.Parallel()
	tests := []struct {
		input   string
		want    Address
		wantErr bool
	}{
		{input: "10.0.0.5:5060:4000", want: Address{IP: "10.0.0.5", Port: 5060, Extension: "4000"}},
		{input: " 192.168.1.2:5080:ops \n", want: Address{IP: "192.168.1.2", Port: 5080, Extension: "ops"}},
		{input: "[fe80::1]:5060:4000", want: Address{IP: "fe80::1", Port: 5060, Extension: "4000"}},
		{input: "10.0.0.5:5060", wantErr: true},
		{input: "10.0.0.5:port:4000", wantErr: true},
		{input: "10.0.0.5:70000:4000", wantErr: true},
		{input: "operator.example:5060:4000", wantErr: true},
		{input: "10.0.0.5:5060:", wantErr: true},
	}
	for _, test := range tests {
		got, err := ParseAddress(test.input)
		if test.wantErr {
			if err == nil {
				t.Errorf("ParseAddress(%q) = %+v, want error", test.input, got)
			}
			continue
		}
		if err != nil || got != test.want {
			t.Errorf("ParseAddress(%q) = %+v, %v; want %+v", test.input, got, err, test.want)
			continue
		}
		if again, err := ParseAddress(got.String()); err != nil || again != got {
			t.Errorf("String round trip of %+v = %+v, %v", got, again, err)
		}
	}
}

func TestDigest(t *testing.T) {
	t.Parallel()
	if Digest(summary) != Digest(summary) {
		t.Fatal("digest is not deterministic")
	}
	if Digest(summary) == Digest(summary+" ") {
		t.Fatal("different summaries share a digest")
	}
	if len(Digest(summary)) != 64 {
		t.Fatalf("digest length = %d", len(Digest(summary)))
	}
}

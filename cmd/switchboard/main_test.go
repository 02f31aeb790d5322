// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/switchboard/lib/clock"
	"github.com/bureau-foundation/switchboard/lib/config"
	"github.com/bureau-foundation/switchboard/lib/lease"
)

type sentMessage struct {
	host string
	port int
	user string
	body string
}

type fakeSender struct {
	sent   []sentMessage
	closed bool
}

func (s *fakeSender) Send(_ context.Context, host string, port int, user, body string) error {
	s.sent = append(s.sent, sentMessage{host, port, user, body})
	return nil
}

func (s *fakeSender) Close() error {
	s.closed = true
	return nil
}

type testEnv struct {
	*environment
	out    *bytes.Buffer
	store  *lease.MemoryStore
	sender *fakeSender
	clock  *clock.FakeClock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	fake := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	env := &testEnv{
		out:    &bytes.Buffer{},
		store:  lease.NewMemoryStore(fake),
		sender: &fakeSender{},
		clock:  fake,
	}
	env.environment = &environment{
		ctx:    context.Background(),
		stdout: env.out,
		stderr: &bytes.Buffer{},
		loadConfig: func(string) (*config.Config, error) {
			return config.Default(), nil
		},
		openStore: func(context.Context, *config.Config) (lease.Store, func() error, error) {
			return env.store, func() error { return nil }, nil
		},
		newSender: func(config.SIPConfig) (messageSender, error) {
			return env.sender, nil
		},
		hostname: "edge-1",
		alive:    func(pid int) bool { return pid == 42 },
	}
	return env
}

func (env *testEnv) run(args ...string) error {
	return newRoot(env.environment).execute(args, env.stderr)
}

func TestRegisterWritesMailbox(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	if err := env.run("register", "--room", "room1-a", "--address", "10.0.0.7:5060:4000"); err != nil {
		t.Fatalf("register: %v", err)
	}
	value, found, err := env.store.Read(context.Background(), lease.MailboxKey("room1-a"))
	if err != nil || !found || value != "10.0.0.7:5060:4000" {
		t.Fatalf("mailbox = %q, %v, %v", value, found, err)
	}

	env.clock.Advance(defaultMailboxTTL + time.Second)
	if _, found, _ := env.store.Read(context.Background(), lease.MailboxKey("room1-a")); found {
		t.Fatal("registration outlived its TTL")
	}
}

func TestRegisterRejectsBadAddress(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	for _, address := range []string{"operator:5060:4000", "10.0.0.7:99999:4000", "10.0.0.7:5060"} {
		if err := env.run("register", "--room", "room1-a", "--address", address); err == nil {
			t.Errorf("register accepted %q", address)
		}
	}
}

func TestLeaseGetDescribesHolders(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	started := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	alive := lease.Token{PID: 42, Host: "edge-1", Started: started, ID: lease.NewToken(started).ID}
	dead := lease.Token{PID: 43, Host: "edge-1", Started: started, ID: lease.NewToken(started).ID}
	env.store.Acquire(ctx, lease.OwnerKey("room1-a"), alive.String(), time.Minute)
	env.store.Acquire(ctx, lease.SpeakerKey("room1-a"), dead.String(), time.Minute)

	if err := env.run("lease", "get", "--room", "room1-a", "--kind", "owner,speaker,launch"); err != nil {
		t.Fatalf("lease get: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(env.out.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("output:\n%s", env.out)
	}
	if !strings.HasPrefix(lines[0], "owner:room1-a") || !strings.Contains(lines[0], "pid 42 on edge-1") || !strings.HasSuffix(lines[0], "(alive)") {
		t.Errorf("owner line = %q", lines[0])
	}
	if !strings.HasSuffix(lines[1], "(dead)") {
		t.Errorf("speaker line = %q", lines[1])
	}
	if !strings.Contains(lines[2], "(free)") {
		t.Errorf("launch line = %q", lines[2])
	}
}

func TestLeaseGetFreeKeyExitsNonZero(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	err := env.run("lease", "get", "owner:room1-z")
	var exit *exitError
	if !errors.As(err, &exit) || exit.Code != 1 {
		t.Fatalf("err = %v, want exit code 1", err)
	}
	if !strings.Contains(env.out.String(), "(free)") {
		t.Fatalf("output = %q", env.out)
	}
}

func TestLeaseGetRejectsUnknownKind(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	if err := env.run("lease", "get", "--room", "room1-a", "--kind", "owners"); err == nil {
		t.Fatal("unknown kind accepted")
	}
}

func TestSendMessage(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	if err := env.run("send-message", "--to", "10.0.0.7:5060:4000", "tow", "needed"); err != nil {
		t.Fatalf("send-message: %v", err)
	}
	want := sentMessage{host: "10.0.0.7", port: 5060, user: "4000", body: "tow needed"}
	if len(env.sender.sent) != 1 || env.sender.sent[0] != want {
		t.Fatalf("sent %+v, want %+v", env.sender.sent, want)
	}
	if !env.sender.closed {
		t.Error("sender not closed")
	}
}

func TestSendMessageRequiresText(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	if err := env.run("send-message", "--to", "10.0.0.7:5060:4000"); err == nil {
		t.Fatal("empty message accepted")
	}
}

func TestRulesCheck(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	path := filepath.Join(t.TempDir(), "rules.jsonc")
	document := `{
		// heavy equipment goes to voicemail
		"rules": [
			{"stage": "routing", "field": "service", "operator": "contains_any", "value": ["crane"], "action": "end_call"},
			{"stage": "spam_check", "field": "full_transcript", "operator": "contains_any", "value": ["extended warranty"], "action": "spam"}
		],
		"default_action": "transfer"
	}`
	if err := os.WriteFile(path, []byte(document), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if err := env.run("rules", "check", path, "--set", "service=Crane lift"); err != nil {
		t.Fatalf("rules check: %v", err)
	}
	out := env.out.String()
	for _, want := range []string{"2 rules, default action transfer", "routing: end_call", "spam_check: (no match)"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestRulesCheckReportsSkippedRules(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	path := filepath.Join(t.TempDir(), "rules.json")
	document := `{"rules": [{"stage": "routing", "field": "service", "operator": "regex", "value": "x", "action": "end_call"}]}`
	if err := os.WriteFile(path, []byte(document), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	err := env.run("rules", "check", path)
	var exit *exitError
	if !errors.As(err, &exit) {
		t.Fatalf("err = %v, want exit error", err)
	}
	if !strings.Contains(env.out.String(), "skipped:") {
		t.Fatalf("output = %q", env.out)
	}
}

func TestUnknownCommandSuggests(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	err := env.run("registr")
	if err == nil || !strings.Contains(err.Error(), `did you mean "register"`) {
		t.Fatalf("err = %v", err)
	}
}

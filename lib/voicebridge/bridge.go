// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package voicebridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bureau-foundation/switchboard/lib/clock"
	"github.com/bureau-foundation/switchboard/lib/llm"
)

// ErrClosed is returned by operations on a closed bridge.
var ErrClosed = errors.New("voicebridge: closed")

const writeTimeout = 5 * time.Second

// Event is one transcript item from the pipeline.
type Event struct {
	Role llm.Role
	Text string
	At   time.Time
}

// Config configures Dial.
type Config struct {
	URL    string
	Room   string
	Header http.Header

	// Buffer is the capacity of the Events channel.
	Buffer int

	Clock  clock.Clock
	Logger *slog.Logger
}

type frame struct {
	Type   string   `json:"type"`
	Room   string   `json:"room,omitempty"`
	ID     uint64   `json:"id,omitempty"`
	Role   llm.Role `json:"role,omitempty"`
	Text   string   `json:"text,omitempty"`
	Error  string   `json:"error,omitempty"`
	Reason string   `json:"reason,omitempty"`
	Wake   []string `json:"wake,omitempty"`
}

// Bridge is a connected pipeline link.
type Bridge struct {
	conn   *websocket.Conn
	clock  clock.Clock
	logger *slog.Logger

	events chan Event
	done   chan struct{}

	writeMu sync.Mutex
	closing chan struct{}
	once    sync.Once

	nextID    atomic.Uint64
	pendingMu sync.Mutex
	pending   map[uint64]chan error

	errMu sync.Mutex
	err   error
}

// Dial connects to the pipeline and announces the room.
func Dial(ctx context.Context, cfg Config) (*Bridge, error) {
	if cfg.URL == "" || cfg.Room == "" {
		return nil, errors.New("voicebridge: URL and room are required")
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 64
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, cfg.URL, cfg.Header)
	if err != nil {
		return nil, fmt.Errorf("voicebridge: dialing %s: %w", cfg.URL, err)
	}
	b := &Bridge{
		conn:    conn,
		clock:   cfg.Clock,
		logger:  cfg.Logger.With("room", cfg.Room),
		events:  make(chan Event, cfg.Buffer),
		done:    make(chan struct{}),
		closing: make(chan struct{}),
		pending: make(map[uint64]chan error),
	}
	if err := b.send(frame{Type: "hello", Room: cfg.Room}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("voicebridge: hello: %w", err)
	}
	go b.readLoop()
	return b, nil
}

// Events yields caller and agent transcript items. It is closed when
// the pipeline disconnects or the bridge is closed.
func (b *Bridge) Events() <-chan Event { return b.events }

// Done is closed once the connection is gone.
func (b *Bridge) Done() <-chan struct{} { return b.done }

// Say asks the pipeline to speak text and waits until it has.
func (b *Bridge) Say(ctx context.Context, text string) error {
	id := b.nextID.Add(1)
	result := make(chan error, 1)
	b.pendingMu.Lock()
	b.pending[id] = result
	b.pendingMu.Unlock()
	defer func() {
		b.pendingMu.Lock()
		delete(b.pending, id)
		b.pendingMu.Unlock()
	}()

	if err := b.send(frame{Type: "say", ID: id, Text: text}); err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-b.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PushContext hands retrieved passages to the pipeline's model.
func (b *Bridge) PushContext(_ context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	return b.send(frame{Type: "context", Text: text})
}

// Silence stops the pipeline's model from replying on its own. Caller
// utterances containing one of wakePhrases still get an answer.
// Explicit say requests are unaffected.
func (b *Bridge) Silence(_ context.Context, wakePhrases []string) error {
	return b.send(frame{Type: "silent", Wake: wakePhrases})
}

// Hangup asks the pipeline to end the call. The pipeline closes the
// connection in response.
func (b *Bridge) Hangup(_ context.Context) error {
	return b.send(frame{Type: "hangup"})
}

// Close tears the connection down and waits for the read loop.
func (b *Bridge) Close() error {
	b.once.Do(func() {
		close(b.closing)
		b.writeMu.Lock()
		_ = b.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		b.writeMu.Unlock()
		_ = b.conn.Close()
	})
	<-b.done
	return nil
}

// Err returns why the connection ended, or nil for an orderly close.
func (b *Bridge) Err() error {
	b.errMu.Lock()
	defer b.errMu.Unlock()
	return b.err
}

func (b *Bridge) setErr(err error) {
	b.errMu.Lock()
	defer b.errMu.Unlock()
	if b.err == nil {
		b.err = err
	}
}

func (b *Bridge) send(f frame) error {
	select {
	case <-b.closing:
		return ErrClosed
	case <-b.done:
		return ErrClosed
	default:
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if err := b.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return fmt.Errorf("voicebridge: %w", err)
	}
	if err := b.conn.WriteJSON(f); err != nil {
		return fmt.Errorf("voicebridge: sending %s: %w", f.Type, err)
	}
	return nil
}

func (b *Bridge) readLoop() {
	defer close(b.done)
	defer close(b.events)

	for {
		var f frame
		if err := b.conn.ReadJSON(&f); err != nil {
			select {
			case <-b.closing:
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					b.setErr(err)
				}
			}
			return
		}

		switch f.Type {
		case "transcript":
			if !f.Role.Valid() || strings.TrimSpace(f.Text) == "" {
				continue
			}
			select {
			case b.events <- Event{Role: f.Role, Text: f.Text, At: b.clock.Now()}:
			case <-b.closing:
				return
			}
		case "said":
			b.pendingMu.Lock()
			result, ok := b.pending[f.ID]
			b.pendingMu.Unlock()
			if !ok {
				continue
			}
			var err error
			if f.Error != "" {
				err = fmt.Errorf("voicebridge: pipeline could not speak: %s", f.Error)
			}
			select {
			case result <- err:
			default:
			}
		case "closed":
			b.logger.Info("pipeline closed the call", "reason", f.Reason)
			return
		default:
			b.logger.Debug("ignoring pipeline message", "type", f.Type)
		}
	}
}

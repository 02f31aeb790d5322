// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sipmsg sends plain-text SIP MESSAGE requests, which is how
// the operator's phone receives the summary of a transferred call.
package sipmsg

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
)

// Defaults.
const (
	DefaultFromUser  = "1000"
	DefaultChunkSize = 400
	DefaultTimeout   = 5 * time.Second
)

// requester is the part of *sipgo.Client the sender uses.
type requester interface {
	Do(ctx context.Context, req *sip.Request, opts ...sipgo.ClientRequestOption) (*sip.Response, error)
}

// Config describes a Sender.
type Config struct {
	// FromUser is the user part of the From header.
	FromUser string

	// ChunkSize is the largest body sent in one MESSAGE, in bytes.
	// Longer bodies are split on rune boundaries and sent in order.
	ChunkSize int

	// Timeout bounds each request's wait for a final response.
	Timeout time.Duration

	Logger *slog.Logger
}

// Sender delivers text to SIP user agents.
type Sender struct {
	cfg    Config
	ua     *sipgo.UserAgent
	client requester
}

// New starts a SIP user agent for sending.
func New(cfg Config) (*Sender, error) {
	cfg = withDefaults(cfg)
	ua, err := sipgo.NewUA(sipgo.WithUserAgent(cfg.FromUser))
	if err != nil {
		return nil, fmt.Errorf("sipmsg: creating user agent: %w", err)
	}
	client, err := sipgo.NewClient(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("sipmsg: creating client: %w", err)
	}
	return &Sender{cfg: cfg, ua: ua, client: client}, nil
}

func withDefaults(cfg Config) Config {
	if cfg.FromUser == "" {
		cfg.FromUser = DefaultFromUser
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return cfg
}

// Close stops the user agent.
func (s *Sender) Close() error {
	if s.ua == nil {
		return nil
	}
	return s.ua.Close()
}

// Send delivers body to sip:user@host:port. It succeeds only when every
// chunk received a 2xx response.
func (s *Sender) Send(ctx context.Context, host string, port int, user, body string) error {
	if host == "" || port <= 0 {
		return errors.New("sipmsg: host and port are required")
	}
	chunks := Split(body, s.cfg.ChunkSize)
	for i, chunk := range chunks {
		if err := s.sendOne(ctx, host, port, user, chunk); err != nil {
			return fmt.Errorf("sipmsg: chunk %d of %d to %s@%s:%d: %w", i+1, len(chunks), user, host, port, err)
		}
	}
	s.cfg.Logger.Debug("sent sip message", "host", host, "port", port, "user", user, "chunks", len(chunks))
	return nil
}

func (s *Sender) sendOne(ctx context.Context, host string, port int, user, text string) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	req := sip.NewRequest(sip.MESSAGE, sip.Uri{User: user, Host: host, Port: port})
	contentType := sip.ContentTypeHeader("text/plain")
	req.AppendHeader(&contentType)
	req.SetBody([]byte(text))

	res, err := s.client.Do(ctx, req)
	if err != nil {
		return err
	}
	if !res.IsSuccess() {
		return fmt.Errorf("status %d %s", res.StatusCode, res.Reason)
	}
	return nil
}

// Split cuts text into pieces of at most size bytes without splitting
// a UTF-8 sequence. An empty text is one empty piece.
func Split(text string, size int) []string {
	if len(text) <= size {
		return []string{text}
	}
	var chunks []string
	for len(text) > size {
		cut := size
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		if cut == 0 {
			_, width := utf8.DecodeRuneInString(text)
			cut = width
		}
		chunks = append(chunks, text[:cut])
		text = text[cut:]
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}

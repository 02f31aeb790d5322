// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package lease

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Token identifies one process instance as a lease owner. Its string
// form is <pid>-<hostname>-<unixnano>-<uuid>, which lets another process
// on the same host check whether the owner is still running.
type Token struct {
	PID     int
	Host    string
	Started time.Time
	ID      uuid.UUID
}

// NewToken builds a token for the calling process.
func NewToken(now time.Time) Token {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return Token{
		PID:     os.Getpid(),
		Host:    host,
		Started: now,
		ID:      uuid.New(),
	}
}

// String renders the stored form.
func (t Token) String() string {
	return fmt.Sprintf("%d-%s-%d-%s", t.PID, t.Host, t.Started.UnixNano(), t.ID)
}

// ParseToken is the inverse of Token.String. Host names may themselves
// contain dashes; the pid is the first field and the uuid and timestamp
// are taken from the end.
func ParseToken(s string) (Token, error) {
	const idLength = 36
	if len(s) < idLength+6 || s[len(s)-idLength-1] != '-' {
		return Token{}, fmt.Errorf("lease: malformed token %q", s)
	}
	id, err := uuid.Parse(s[len(s)-idLength:])
	if err != nil {
		return Token{}, fmt.Errorf("lease: token %q: %w", s, err)
	}
	rest := s[:len(s)-idLength-1]

	pidText, rest, ok := strings.Cut(rest, "-")
	if !ok {
		return Token{}, fmt.Errorf("lease: token %q has no host", s)
	}
	pid, err := strconv.Atoi(pidText)
	if err != nil || pid <= 0 {
		return Token{}, fmt.Errorf("lease: token %q has bad pid", s)
	}
	split := strings.LastIndex(rest, "-")
	if split <= 0 {
		return Token{}, fmt.Errorf("lease: token %q has no timestamp", s)
	}
	nanos, err := strconv.ParseInt(rest[split+1:], 10, 64)
	if err != nil {
		return Token{}, fmt.Errorf("lease: token %q has bad timestamp", s)
	}
	return Token{
		PID:     pid,
		Host:    rest[:split],
		Started: time.Unix(0, nanos),
		ID:      id,
	}, nil
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package lease

import (
	"context"
	"sync"
	"time"

	"github.com/bureau-foundation/switchboard/lib/clock"
)

// MemoryStore is a process-local Store. Expiry follows the injected
// clock, so tests can age leases with clock.FakeClock.Advance.
type MemoryStore struct {
	clock   clock.Clock
	mu      sync.Mutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	value   string
	expires time.Time // zero means no expiry
}

// NewMemoryStore returns an empty store.
func NewMemoryStore(c clock.Clock) *MemoryStore {
	return &MemoryStore{clock: c, entries: make(map[string]memoryEntry)}
}

// liveLocked returns the unexpired entry for key, dropping it if stale.
func (s *MemoryStore) liveLocked(key string) (memoryEntry, bool) {
	entry, ok := s.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if !entry.expires.IsZero() && !s.clock.Now().Before(entry.expires) {
		delete(s.entries, key)
		return memoryEntry{}, false
	}
	return entry, true
}

func (s *MemoryStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.clock.Now().Add(ttl)
}

func (s *MemoryStore) Acquire(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.liveLocked(key); ok && entry.value != token {
		return false, nil
	}
	s.entries[key] = memoryEntry{value: token, expires: s.expiry(ttl)}
	return true, nil
}

func (s *MemoryStore) Renew(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.liveLocked(key)
	if !ok || entry.value != token {
		return false, nil
	}
	entry.expires = s.expiry(ttl)
	s.entries[key] = entry
	return true, nil
}

func (s *MemoryStore) Release(_ context.Context, key, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.liveLocked(key)
	if !ok || entry.value != token {
		return false, nil
	}
	delete(s.entries, key)
	return true, nil
}

func (s *MemoryStore) Read(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.liveLocked(key)
	return entry.value, ok, nil
}

func (s *MemoryStore) Put(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memoryEntry{value: value, expires: s.expiry(ttl)}
	return nil
}

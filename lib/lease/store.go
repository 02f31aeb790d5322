// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package lease

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrHeld reports that another live token holds the key. It is
	// contention, not a failure.
	ErrHeld = errors.New("lease: held by another owner")

	// ErrLost reports that a lease this process held now belongs to
	// someone else or could not be renewed within its TTL.
	ErrLost = errors.New("lease: ownership lost")
)

// Store is the shared key-value store that leases live in. All methods
// are atomic with respect to other callers of the same store.
type Store interface {
	// Acquire sets key to token with the given TTL when the key is
	// absent, expired, or already holds token. It reports whether the
	// caller owns the key afterwards.
	Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error)

	// Renew extends the TTL only if the key currently holds token.
	Renew(ctx context.Context, key, token string, ttl time.Duration) (bool, error)

	// Release deletes the key only if it currently holds token.
	Release(ctx context.Context, key, token string) (bool, error)

	// Read returns the live value of key.
	Read(ctx context.Context, key string) (value string, found bool, err error)

	// Put unconditionally writes value. A zero ttl means no expiry.
	Put(ctx context.Context, key, value string, ttl time.Duration) error
}

// LaunchKey guards the supervisor's launch critical section for a room.
func LaunchKey(room string) string { return "launch:" + room }

// OwnerKey names the worker that owns a room.
func OwnerKey(room string) string { return "owner:" + room }

// SpeakerKey names the designated speaker of a room.
func SpeakerKey(room string) string { return "speaker:" + room }

// SpeakingKey serializes individual utterances in a room.
func SpeakingKey(room string) string { return "speaking:" + room }

// MailboxKey is where the operator side registers its address
// (ip:port:extension) once it has joined the room.
func MailboxKey(room string) string { return "room_member:" + room }

// DeliveredKey records that the handoff summary was delivered.
func DeliveredKey(room string) string { return "delivered:" + room }

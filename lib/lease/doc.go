// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package lease implements time-bounded ownership records in a shared
// key-value store.
//
// A lease is a key whose value is the owner's token. Acquire succeeds
// only when the key is absent, expired, or already carries the caller's
// token. Renew and Release compare the stored token before touching the
// key, so a process that has lost a lease can never extend or delete
// its successor's. Every coordination primitive in switchboard (launch
// lock, room owner, designated speaker, speaking lock) is a lease with a
// different key prefix and TTL.
//
// Three Store backends exist: Redis for multi-host deployments, SQLite
// for a single host, and an in-memory store driven by a clock.Clock for
// tests. The same store doubles as the operator registration mailbox
// through Put and Read.
package lease

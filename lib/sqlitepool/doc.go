// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool opens SQLite databases shared by the supervisor and
// its workers on one host.
//
// Several processes open the same file, so every connection is set up
// for cross-process use: WAL journaling (readers never block the
// writer), synchronous=NORMAL, and a busy timeout long enough that an
// IMMEDIATE transaction in one process waits out another's instead of
// failing. Connections are not safe for concurrent use; Take one per
// goroutine and Put it back.
package sqlitepool

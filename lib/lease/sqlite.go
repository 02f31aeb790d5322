// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package lease

import (
	"context"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/switchboard/lib/clock"
	"github.com/bureau-foundation/switchboard/lib/sqlitepool"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS leases (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	expires_at INTEGER NOT NULL
);
`

// SQLiteStore keeps leases in a SQLite database shared by every process
// on one host. expires_at is unix milliseconds; zero means no expiry.
// Writes use IMMEDIATE transactions so the read-compare-write sequence
// is serialized across processes.
type SQLiteStore struct {
	pool  *sqlitepool.Pool
	clock clock.Clock
}

// NewSQLiteStore creates the schema if needed.
func NewSQLiteStore(ctx context.Context, pool *sqlitepool.Pool, c clock.Clock) (*SQLiteStore, error) {
	conn, err := pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer pool.Put(conn)
	if err := sqlitex.ExecuteScript(conn, sqliteSchema, nil); err != nil {
		return nil, fmt.Errorf("lease: creating schema: %w", err)
	}
	return &SQLiteStore{pool: pool, clock: c}, nil
}

func (s *SQLiteStore) nowMillis() int64 { return s.clock.Now().UnixMilli() }

func (s *SQLiteStore) expiresAt(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return s.clock.Now().Add(ttl).UnixMilli()
}

func (s *SQLiteStore) Acquire(ctx context.Context, key, token string, ttl time.Duration) (acquired bool, err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return false, err
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return false, fmt.Errorf("lease: begin: %w", err)
	}
	defer endTransaction(&err)

	current, found, err := readLive(conn, key, s.nowMillis())
	if err != nil {
		return false, err
	}
	if found && current != token {
		return false, nil
	}
	err = sqlitex.Execute(conn,
		`INSERT INTO leases (key, value, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		&sqlitex.ExecOptions{Args: []any{key, token, s.expiresAt(ttl)}})
	if err != nil {
		return false, fmt.Errorf("lease: writing %s: %w", key, err)
	}
	return true, nil
}

func (s *SQLiteStore) Renew(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	return s.changeOwned(ctx, key,
		`UPDATE leases SET expires_at = ? WHERE key = ? AND value = ? AND (expires_at = 0 OR expires_at > ?)`,
		s.expiresAt(ttl), key, token, s.nowMillis())
}

func (s *SQLiteStore) Release(ctx context.Context, key, token string) (bool, error) {
	return s.changeOwned(ctx, key,
		`DELETE FROM leases WHERE key = ? AND value = ? AND (expires_at = 0 OR expires_at > ?)`,
		key, token, s.nowMillis())
}

// changeOwned runs a single conditional statement and reports whether
// it touched a row.
func (s *SQLiteStore) changeOwned(ctx context.Context, key, query string, args ...any) (bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return false, err
	}
	defer s.pool.Put(conn)
	if err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{Args: args}); err != nil {
		return false, fmt.Errorf("lease: updating %s: %w", key, err)
	}
	return conn.Changes() > 0, nil
}

func (s *SQLiteStore) Read(ctx context.Context, key string) (string, bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return "", false, err
	}
	defer s.pool.Put(conn)
	return readLive(conn, key, s.nowMillis())
}

func (s *SQLiteStore) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)
	err = sqlitex.Execute(conn,
		`INSERT INTO leases (key, value, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		&sqlitex.ExecOptions{Args: []any{key, value, s.expiresAt(ttl)}})
	if err != nil {
		return fmt.Errorf("lease: writing %s: %w", key, err)
	}
	return nil
}

func readLive(conn *sqlite.Conn, key string, now int64) (value string, found bool, err error) {
	err = sqlitex.Execute(conn,
		`SELECT value FROM leases WHERE key = ? AND (expires_at = 0 OR expires_at > ?)`,
		&sqlitex.ExecOptions{
			Args: []any{key, now},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				value = stmt.ColumnText(0)
				found = true
				return nil
			},
		})
	if err != nil {
		return "", false, fmt.Errorf("lease: reading %s: %w", key, err)
	}
	return value, found, nil
}

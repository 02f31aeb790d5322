// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Compare-then-act runs server side so no other client can interleave
// between the GET and the write.
var (
	acquireScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if not current then
	redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
	return 1
end
if current == ARGV[1] then
	redis.call("PEXPIRE", KEYS[1], ARGV[2])
	return 1
end
return 0
`)

	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)
)

// RedisStore keeps leases in Redis.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore wraps an existing client. The caller owns the client
// and closes it.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) run(ctx context.Context, script *redis.Script, key string, args ...any) (bool, error) {
	result, err := script.Run(ctx, s.client, []string{key}, args...).Int()
	if err != nil {
		return false, fmt.Errorf("lease: redis script on %s: %w", key, err)
	}
	return result == 1, nil
}

func (s *RedisStore) Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	return s.run(ctx, acquireScript, key, token, ttl.Milliseconds())
}

func (s *RedisStore) Renew(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	return s.run(ctx, renewScript, key, token, ttl.Milliseconds())
}

func (s *RedisStore) Release(ctx context.Context, key, token string) (bool, error) {
	return s.run(ctx, releaseScript, key, token)
}

func (s *RedisStore) Read(ctx context.Context, key string) (string, bool, error) {
	value, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lease: redis get %s: %w", key, err)
	}
	return value, true, nil
}

func (s *RedisStore) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("lease: redis set %s: %w", key, err)
	}
	return nil
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bureau-foundation/switchboard/lib/testutil"
)

func TestPollStopsWhenDone(t *testing.T) {
	t.Parallel()
	c := Fake(epoch)
	result := make(chan error, 1)
	calls := 0
	go func() {
		result <- Poll(context.Background(), c, 2*time.Second, 15, func(context.Context, int) (bool, error) {
			calls++
			return calls == 3, nil
		})
	}()

	for i := 0; i < 2; i++ {
		c.WaitForTimers(1)
		c.Advance(2 * time.Second)
	}
	if err := testutil.RequireReceive(t, result, 5*time.Second, "poll result"); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
	if got, want := c.Now(), epoch.Add(4*time.Second); !got.Equal(want) {
		t.Fatalf("virtual time = %v, want %v", got, want)
	}
}

func TestPollExhausted(t *testing.T) {
	t.Parallel()
	c := Fake(epoch)
	result := make(chan error, 1)
	var seen []int
	go func() {
		result <- Poll(context.Background(), c, time.Second, 3, func(_ context.Context, attempt int) (bool, error) {
			seen = append(seen, attempt)
			return false, nil
		})
	}()

	for i := 0; i < 2; i++ {
		c.WaitForTimers(1)
		c.Advance(time.Second)
	}
	err := testutil.RequireReceive(t, result, 5*time.Second, "poll result")
	if !errors.Is(err, ErrPollExhausted) {
		t.Fatalf("Poll error = %v, want ErrPollExhausted", err)
	}
	if len(seen) != 3 || seen[0] != 0 || seen[2] != 2 {
		t.Fatalf("attempts = %v, want [0 1 2]", seen)
	}
}

func TestPollPropagatesError(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	err := Poll(context.Background(), Fake(epoch), time.Second, 5, func(context.Context, int) (bool, error) {
		return false, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Poll error = %v, want %v", err, boom)
	}
}

func TestPollCancelled(t *testing.T) {
	t.Parallel()
	c := Fake(epoch)
	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() {
		result <- Poll(ctx, c, time.Minute, 10, func(context.Context, int) (bool, error) {
			return false, nil
		})
	}()
	c.WaitForTimers(1)
	cancel()
	if err := testutil.RequireReceive(t, result, 5*time.Second, "poll result"); !errors.Is(err, context.Canceled) {
		t.Fatalf("Poll error = %v, want context.Canceled", err)
	}
}

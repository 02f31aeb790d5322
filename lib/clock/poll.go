// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"context"
	"errors"
	"time"
)

// ErrPollExhausted is returned by Poll when every attempt ran without
// the condition being met.
var ErrPollExhausted = errors.New("clock: poll attempts exhausted")

// PollFunc is one attempt of a Poll. attempt counts from zero. Returning
// done=true ends the poll successfully; a non-nil error ends it with
// that error.
type PollFunc func(ctx context.Context, attempt int) (done bool, err error)

// Poll runs fn up to attempts times, waiting interval between calls. The
// first call happens immediately, so the total wait is bounded by
// (attempts-1)*interval plus the time spent inside fn.
func Poll(ctx context.Context, c Clock, interval time.Duration, attempts int, fn PollFunc) error {
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.After(interval):
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		done, err := fn(ctx, attempt)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
	return ErrPollExhausted
}

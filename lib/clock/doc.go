// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock lets timing-dependent code run against virtual time.
//
// Components hold a Clock instead of calling the time package. Binaries
// pass Real(); tests pass Fake() and drive it explicitly:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	go loop(ctx, c)
//	c.WaitForTimers(1)        // loop is parked on a timer
//	c.Advance(4 * time.Second) // fire it
//
// Poll is the bounded wait used wherever a caller would otherwise write a
// sleep loop: a fixed number of attempts separated by a fixed interval.
package clock

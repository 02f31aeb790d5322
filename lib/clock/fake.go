// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"slices"
	"sync"
	"time"
)

// FakeClock is a Clock whose time only moves when Advance is called.
// It is safe for concurrent use.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	timers  []*fakeTimer
	changed *sync.Cond
}

type fakeTimer struct {
	due      time.Time
	ch       chan time.Time
	period   time.Duration // zero for one-shot timers
	canceled bool
}

// Fake returns a FakeClock reading initial.
func Fake(initial time.Time) *FakeClock {
	c := &FakeClock{now: initial}
	c.changed = sync.NewCond(&c.mu)
	return c
}

// Now returns the virtual time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// After registers a one-shot timer due d from now.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	c.mu.Lock()
	defer c.mu.Unlock()
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.addLocked(&fakeTimer{due: c.now.Add(d), ch: ch})
	return ch
}

// NewTicker registers a periodic timer.
func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: NewTicker requires a positive interval")
	}
	ch := make(chan time.Time, 1)
	c.mu.Lock()
	timer := &fakeTimer{due: c.now.Add(d), ch: ch, period: d}
	c.addLocked(timer)
	c.mu.Unlock()
	return &Ticker{C: ch, stop: func() {
		c.mu.Lock()
		timer.canceled = true
		c.mu.Unlock()
	}}
}

// Sleep blocks until the clock has been advanced by at least d.
func (c *FakeClock) Sleep(d time.Duration) {
	if d > 0 {
		<-c.After(d)
	}
}

func (c *FakeClock) addLocked(timer *fakeTimer) {
	c.timers = append(c.timers, timer)
	c.changed.Broadcast()
}

// Advance moves time forward by d and fires every timer that falls due,
// earliest first. A ticker spanning several periods fires once per
// period; ticks that find the buffer full are dropped.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	target := c.now
	c.mu.Unlock()

	for {
		due := c.takeDue(target)
		if len(due) == 0 {
			return
		}
		for _, timer := range due {
			select {
			case timer.ch <- target:
			default:
			}
		}
	}
}

// takeDue removes due one-shot timers, reschedules due tickers and
// returns everything that should fire in this round.
func (c *FakeClock) takeDue(target time.Time) []*fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()

	var due, pending []*fakeTimer
	for _, timer := range c.timers {
		switch {
		case timer.canceled:
		case timer.due.After(target):
			pending = append(pending, timer)
		default:
			due = append(due, timer)
		}
	}
	slices.SortStableFunc(due, func(a, b *fakeTimer) int { return a.due.Compare(b.due) })
	for _, timer := range due {
		if timer.period > 0 {
			timer.due = timer.due.Add(timer.period)
			pending = append(pending, timer)
		}
	}
	c.timers = pending
	return due
}

// WaitForTimers blocks until at least n timers are pending. Call it
// before Advance so the goroutine under test has parked on its timer.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.pendingLocked() < n {
		c.changed.Wait()
	}
}

// PendingCount reports how many timers are waiting to fire.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingLocked()
}

func (c *FakeClock) pendingLocked() int {
	count := 0
	for _, timer := range c.timers {
		if !timer.canceled {
			count++
		}
	}
	return count
}

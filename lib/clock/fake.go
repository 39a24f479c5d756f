// Copyright 2026 The Terminus Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake returns a deterministic Clock frozen at initial. Time moves only
// when Advance is called; every pending After and Ticker whose deadline
// falls inside the advance fires, in deadline order.
//
// Fake is safe for concurrent use.
func Fake(initial time.Time) *FakeClock {
	fake := &FakeClock{current: initial}
	fake.changed = sync.NewCond(&fake.mu)
	return fake
}

// FakeClock implements Clock with manually advanced time.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
	waiters []*waiter
	changed *sync.Cond
}

type waiter struct {
	deadline time.Time
	channel  chan time.Time
	interval time.Duration // non-zero for tickers; rescheduled on fire
	stopped  bool
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// After registers a one-shot waiter. A non-positive duration fires
// immediately.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	channel := make(chan time.Time, 1)
	if d <= 0 {
		channel <- c.current
		return channel
	}
	c.waiters = append(c.waiters, &waiter{deadline: c.current.Add(d), channel: channel})
	c.changed.Broadcast()
	return channel
}

// NewTicker registers a repeating waiter. Panics if d <= 0.
func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	channel := make(chan time.Time, 1)
	w := &waiter{deadline: c.current.Add(d), channel: channel, interval: d}
	c.waiters = append(c.waiters, w)
	c.changed.Broadcast()

	return &Ticker{
		C: channel,
		stop: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			w.stopped = true
		},
	}
}

// Advance moves the clock forward by d, firing expired waiters in
// deadline order. Ticker sends are non-blocking: ticks that would
// overflow the channel are dropped, matching time.Ticker.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.current = c.current.Add(d)
	target := c.current
	c.mu.Unlock()

	for {
		expired := c.collectExpired(target)
		if len(expired) == 0 {
			return
		}
		sort.Slice(expired, func(i, j int) bool {
			return expired[i].deadline.Before(expired[j].deadline)
		})
		for _, w := range expired {
			select {
			case w.channel <- target:
			default:
			}
		}
	}
}

// collectExpired removes expired waiters, rescheduling tickers for
// their next interval.
func (c *FakeClock) collectExpired(target time.Time) []*waiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expired, remaining []*waiter
	for _, w := range c.waiters {
		switch {
		case w.stopped:
		case !w.deadline.After(target):
			expired = append(expired, w)
			if w.interval > 0 {
				w.deadline = w.deadline.Add(w.interval)
				remaining = append(remaining, w)
			}
		default:
			remaining = append(remaining, w)
		}
	}
	c.waiters = remaining
	return expired
}

// WaitForWaiters blocks until at least n waiters are registered. This
// removes the race between a goroutine arming a timer and the test
// advancing the clock past it.
func (c *FakeClock) WaitForWaiters(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.activeLocked() < n {
		c.changed.Wait()
	}
}

func (c *FakeClock) activeLocked() int {
	count := 0
	for _, w := range c.waiters {
		if !w.stopped {
			count++
		}
	}
	return count
}

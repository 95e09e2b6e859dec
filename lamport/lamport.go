// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package lamport implements a logical clock that stays ahead of every
// timestamp it has observed.
//
// Peers stamp each command with [Clock.Now] and feed the stamps of received
// commands to [Clock.Observe], so that stamps issued after a receive are
// strictly later than the stamp received, even if the peers' wall clocks
// disagree.
package lamport

import (
	"sync"
	"time"
)

// A Clock is a Lamport clock anchored to wall-clock time. A zero Clock is
// ready for use and reads the system clock. A Clock is safe for concurrent
// use by multiple goroutines.
type Clock struct {
	// Wall, if set, supplies the current wall-clock time.
	Wall func() time.Time

	μ    sync.Mutex
	last time.Time
}

// Default is a process-wide clock.
var Default = new(Clock)

func (c *Clock) wall() time.Time {
	if c.Wall != nil {
		return c.Wall()
	}
	return time.Now()
}

// Now returns the current logical time: the wall-clock time, unless that
// is not later than the last time issued or observed, in which case it is
// one nanosecond past that time.
func (c *Clock) Now() time.Time {
	c.μ.Lock()
	defer c.μ.Unlock()
	now := c.wall().Round(0)
	if !now.After(c.last) {
		now = c.last.Add(time.Nanosecond)
	}
	c.last = now
	return now
}

// Observe records a timestamp received from a peer, so that subsequent
// calls to Now return later times. It reports whether t advanced the clock.
func (c *Clock) Observe(t time.Time) bool {
	c.μ.Lock()
	defer c.μ.Unlock()
	if t.After(c.last) {
		c.last = t.Round(0)
		return true
	}
	return false
}

// Last returns the latest time issued or observed by c.
func (c *Clock) Last() time.Time {
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.last
}

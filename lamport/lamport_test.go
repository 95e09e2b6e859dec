// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package lamport_test

import (
	"sync"
	"testing"
	"time"

	"github.com/creachadair/brickwire/lamport"
)

func TestClock(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	wall := base
	c := &lamport.Clock{Wall: func() time.Time { return wall }}

	if got := c.Now(); !got.Equal(base) {
		t.Errorf("Now: got %v, want %v", got, base)
	}

	// A stalled wall clock still yields increasing times.
	if got, want := c.Now(), base.Add(time.Nanosecond); !got.Equal(want) {
		t.Errorf("Now (stalled): got %v, want %v", got, want)
	}

	// An observed time from the future pushes the clock forward.
	future := base.Add(time.Hour)
	if !c.Observe(future) {
		t.Error("Observe(future) did not advance the clock")
	}
	if got, want := c.Now(), future.Add(time.Nanosecond); !got.Equal(want) {
		t.Errorf("Now after Observe: got %v, want %v", got, want)
	}

	// An observed time from the past does not.
	if c.Observe(base) {
		t.Error("Observe(past) advanced the clock")
	}

	// The wall clock catching up takes over again.
	wall = base.Add(2 * time.Hour)
	if got := c.Now(); !got.Equal(wall) {
		t.Errorf("Now after catch-up: got %v, want %v", got, wall)
	}
	if got := c.Last(); !got.Equal(wall) {
		t.Errorf("Last: got %v, want %v", got, wall)
	}
}

func TestConcurrent(t *testing.T) {
	var c lamport.Clock
	const workers, rounds = 8, 200

	var μ sync.Mutex
	seen := make(map[time.Time]bool)
	var wg sync.WaitGroup
	for range workers {
		wg.Go(func() {
			for range rounds {
				ts := c.Now()
				μ.Lock()
				if seen[ts] {
					t.Errorf("Duplicate timestamp %v", ts)
				}
				seen[ts] = true
				μ.Unlock()
			}
		})
	}
	wg.Wait()
	if len(seen) != workers*rounds {
		t.Errorf("Got %d distinct times, want %d", len(seen), workers*rounds)
	}
}

package testutil

import (
	"strconv"
	"sync"
	"time"
)

// Epoch is the default starting time of a Clock.
var Epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// Clock is a manually driven time source. Pass clock.Now wherever a
// component accepts a func() time.Time.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a Clock at start, or at Epoch when start is omitted.
func NewClock(start ...time.Time) *Clock {
	c := &Clock{now: Epoch}
	if len(start) > 0 {
		c.now = start[0]
	}
	return c
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d and returns the new time.
func (c *Clock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// IDSequence returns a generator yielding prefix-1, prefix-2, ... for
// options such as fleet.WithIDGenerator.
func IDSequence(prefix string) func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return prefix + "-" + strconv.Itoa(n)
	}
}

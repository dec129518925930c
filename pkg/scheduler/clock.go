package scheduler

import (
	"sync"
	"time"
)

// FrameClock is the host's per-frame scheduling primitive. Request arranges
// for fn to be called once, at the next frame, and returns a function that
// cancels the request if it has not fired yet.
type FrameClock interface {
	Request(fn func(now time.Time)) (cancel func())
}

// IntervalClock fires requests on a fixed frame interval. The delay is
// measured from the previous fire, so a slow tick shortens the next wait
// instead of accumulating drift.
type IntervalClock struct {
	Interval time.Duration

	mu   sync.Mutex
	last time.Time
}

// NewIntervalClock returns a clock targeting fps frames per second.
func NewIntervalClock(fps int) *IntervalClock {
	if fps <= 0 {
		fps = 30
	}
	return &IntervalClock{Interval: time.Second / time.Duration(fps)}
}

// Request schedules fn on a timer goroutine.
func (c *IntervalClock) Request(fn func(time.Time)) func() {
	c.mu.Lock()
	delay := c.Interval
	if !c.last.IsZero() {
		delay = max(0, time.Until(c.last.Add(c.Interval)))
	}
	c.mu.Unlock()

	t := time.AfterFunc(delay, func() {
		now := time.Now()
		c.mu.Lock()
		c.last = now
		c.mu.Unlock()
		fn(now)
	})
	return func() { t.Stop() }
}

// ManualClock fires requests only when Step is called. For tests.
type ManualClock struct {
	mu      sync.Mutex
	now     time.Time
	pending []*manualRequest
}

type manualRequest struct {
	fn        func(time.Time)
	cancelled bool
}

// NewManualClock returns a clock starting at start.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

// Request queues fn until the next Step.
func (c *ManualClock) Request(fn func(time.Time)) func() {
	r := &manualRequest{fn: fn}
	c.mu.Lock()
	c.pending = append(c.pending, r)
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		r.cancelled = true
		c.mu.Unlock()
	}
}

// Step advances the clock by d and fires every request queued before the
// call. Requests made while firing wait for the next Step. It returns the
// number of callbacks fired.
func (c *ManualClock) Step(d time.Duration) int {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	batch := c.pending
	c.pending = nil
	c.mu.Unlock()

	fired := 0
	for _, r := range batch {
		c.mu.Lock()
		skip := r.cancelled
		c.mu.Unlock()
		if skip {
			continue
		}
		r.fn(now)
		fired++
	}
	return fired
}

// Pending returns the number of live requests.
func (c *ManualClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, r := range c.pending {
		if !r.cancelled {
			n++
		}
	}
	return n
}

// Now returns the clock's current time.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

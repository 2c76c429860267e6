package mcpgateway

import (
	"sync/atomic"
	"time"
)

// ActivityClock records the last non-health request seen by the gateway.
// While any request is in flight the gateway is not idle.
type ActivityClock struct {
	last     atomic.Int64
	inFlight atomic.Int64
	now      func() time.Time
}

// NewActivityClock returns a clock that starts out freshly touched. A nil now
// uses time.Now.
func NewActivityClock(now func() time.Time) *ActivityClock {
	if now == nil {
		now = time.Now
	}
	c := &ActivityClock{now: now}
	c.Touch()
	return c
}

// Touch marks the current time as the last activity.
func (c *ActivityClock) Touch() { c.last.Store(c.now().UnixNano()) }

// Begin marks the start of a request. Every Begin must be paired with End.
func (c *ActivityClock) Begin() {
	c.inFlight.Add(1)
	c.Touch()
}

// End marks the completion of a request started with Begin.
func (c *ActivityClock) End() {
	c.Touch()
	c.inFlight.Add(-1)
}

// InFlight reports how many requests are between Begin and End.
func (c *ActivityClock) InFlight() int { return int(c.inFlight.Load()) }

// LastActivity returns the time of the most recent Touch.
func (c *ActivityClock) LastActivity() time.Time { return time.Unix(0, c.last.Load()) }

// Idle reports how long ago the last activity was, or zero while a request
// is in flight.
func (c *ActivityClock) Idle() time.Duration {
	if c.inFlight.Load() > 0 {
		return 0
	}
	return c.now().Sub(c.LastActivity())
}

// TimeUntil reports how long remains before timeout elapses without
// activity. It never goes below zero; a non-positive timeout yields -1.
func (c *ActivityClock) TimeUntil(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return -1
	}
	remaining := timeout - c.Idle()
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Expired reports whether timeout has elapsed since the last activity.
func (c *ActivityClock) Expired(timeout time.Duration) bool {
	return timeout > 0 && c.Idle() >= timeout
}

package chain

import (
	"sync"
	"time"
)

// Clock acts as a thin wrapper around wall time that can be pinned in tests.
// It is safe for concurrent use.
type Clock struct {
	mu    sync.RWMutex
	faked bool
	time  time.Time
}

// Set pins the clock at t.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.faked = true
	c.time = t
}

// Advance moves a pinned clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.faked {
		c.time = c.time.Add(d)
	}
}

// Sync releases the clock back to wall time.
func (c *Clock) Sync() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.faked = false
}

// Time returns the time on this clock.
func (c *Clock) Time() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.faked {
		return c.time
	}
	return time.Now()
}

// Unix returns the clock in unix seconds.
func (c *Clock) Unix() int64 {
	return c.Time().Unix()
}

// UnixMilli returns the clock in unix milliseconds.
func (c *Clock) UnixMilli() int64 {
	return c.Time().UnixMilli()
}

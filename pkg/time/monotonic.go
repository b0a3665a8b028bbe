package time

import (
	"sync"
	"time"
)

// clock provides the current time to lease expiry checks
// time.Now carries a monotonic reading, so comparisons between two Now values
// taken in the same process are immune to wall clock steps
type Clock interface {
	Now() time.Time
}

// real clock anchored at process start
type RealClock struct {
	startTime time.Time
}

func NewClock() *RealClock {
	return &RealClock{
		startTime: time.Now(),
	}
}

// current time, monotonic within this process
func (c *RealClock) Now() time.Time {
	return time.Now()
}

// duration since the clock was created
// this duration is monotonic and always moves forward
func (c *RealClock) Elapsed() time.Duration {
	return time.Since(c.startTime)
}

// manual clock only moves when told to, used to step through TTLs in tests
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// moves the clock forward, negative durations are ignored
func (c *ManualClock) Advance(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

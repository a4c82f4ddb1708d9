package mqtt

import (
	"sync"
	"time"
)

// DailyCounter counts events since local midnight.
type DailyCounter struct {
	mu    sync.Mutex
	n     int64
	day   int
	year  int
	loc   *time.Location
	now   func() time.Time
	last  time.Time
	label string
}

// NewDailyCounter creates a counter that rolls over at midnight in loc.
// A nil loc means [time.Local].
func NewDailyCounter(loc *time.Location) *DailyCounter {
	if loc == nil {
		loc = time.Local
	}
	c := &DailyCounter{loc: loc, now: time.Now}
	c.rollover(c.now())
	return c
}

// Record counts one event tagged with label.
func (c *DailyCounter) Record(label string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.rollover(now)
	c.n++
	c.last = now
	c.label = label
}

// Snapshot returns today's count and the most recent event. The last
// event survives rollover.
func (c *DailyCounter) Snapshot() (count int64, last time.Time, label string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rollover(c.now())
	return c.n, c.last, c.label
}

// rollover zeroes the count on a new local day. c.mu must be held.
func (c *DailyCounter) rollover(now time.Time) {
	local := now.In(c.loc)
	if local.YearDay() != c.day || local.Year() != c.year {
		c.n = 0
		c.day = local.YearDay()
		c.year = local.Year()
	}
}

package ratelimit

import (
	"sync"
	"time"
)

// Throttle admits at most Burst events per Interval and counts the events it
// rejects. It is used to keep per-packet warnings (failed socket writes, for
// example) from flooding the log when a peer goes away.
//
// Tokens are refilled in whole intervals: after each full Interval the bucket
// is topped back up to Burst.
type Throttle struct {
	mu sync.Mutex

	clock    Clock
	burst    int
	interval time.Duration

	tokens     int
	windowEnds time.Time
	suppressed uint64
}

func NewThrottle(clock Clock, burst int, interval time.Duration) *Throttle {
	if clock == nil {
		clock = RealClock{}
	}
	if burst < 1 {
		burst = 1
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Throttle{
		clock:      clock,
		burst:      burst,
		interval:   interval,
		tokens:     burst,
		windowEnds: clock.Now().Add(interval),
	}
}

// Allow reports whether the event should be emitted. When it returns true,
// suppressed is the number of events rejected since the previous admitted one.
func (t *Throttle) Allow() (ok bool, suppressed uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	if now.Before(t.windowEnds.Add(-t.interval)) {
		// Clock went backwards; restart the window from here.
		t.windowEnds = now.Add(t.interval)
	}
	if !now.Before(t.windowEnds) {
		t.tokens = t.burst
		elapsed := now.Sub(t.windowEnds)
		t.windowEnds = t.windowEnds.Add((elapsed/t.interval + 1) * t.interval)
	}

	if t.tokens == 0 {
		t.suppressed++
		return false, 0
	}
	t.tokens--
	suppressed = t.suppressed
	t.suppressed = 0
	return true, suppressed
}

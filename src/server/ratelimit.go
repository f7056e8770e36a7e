package server

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// windowLimiter counts hits per key in fixed windows that start with the
// first hit, the way a counter with an expiry would.
type windowLimiter struct {
	clock  clockwork.Clock
	limit  int
	window time.Duration

	mu      sync.Mutex
	windows map[string]*hitWindow
}

type hitWindow struct {
	start time.Time
	hits  int
}

const limiterSweepSize = 1024

func newWindowLimiter(clock clockwork.Clock, limit int, window time.Duration) *windowLimiter {
	if limit <= 0 || window <= 0 {
		return nil
	}
	return &windowLimiter{clock: clock, limit: limit, window: window, windows: make(map[string]*hitWindow)}
}

// Allow records a hit for key and reports whether it is within the limit.
func (l *windowLimiter) Allow(key string) bool {
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.windows) >= limiterSweepSize {
		for k, w := range l.windows {
			if now.Sub(w.start) >= l.window {
				delete(l.windows, k)
			}
		}
	}
	w, ok := l.windows[key]
	if !ok || now.Sub(w.start) >= l.window {
		w = &hitWindow{start: now}
		l.windows[key] = w
	}
	w.hits++
	return w.hits <= l.limit
}

package connectors

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// windowLimiter serializes a connector's outbound budget: at most `budget`
// requests per `window`. When the budget is spent, acquire blocks on the
// injected clock until the window resets, with the total wait bounded by
// maxWait so constrained environments never stall indefinitely.
type windowLimiter struct {
	mu          sync.Mutex
	clock       clockwork.Clock
	budget      int
	window      time.Duration
	maxWait     time.Duration
	requests    int
	windowStart time.Time
}

func newWindowLimiter(budget int, window, maxWait time.Duration, clock clockwork.Clock) *windowLimiter {
	if budget <= 0 {
		budget = 1
	}
	if maxWait <= 0 {
		maxWait = window
	}
	return &windowLimiter{
		clock:   clock,
		budget:  budget,
		window:  window,
		maxWait: maxWait,
	}
}

// acquire reserves one request slot, waiting for the window to reset when the
// budget is exhausted. It fails when ctx is done or the bounded wait elapses.
func (l *windowLimiter) acquire(ctx context.Context) error {
	var waited time.Duration

	for {
		l.mu.Lock()
		now := l.clock.Now()
		if l.windowStart.IsZero() || now.Sub(l.windowStart) >= l.window {
			l.windowStart = now
			l.requests = 0
		}
		if l.requests < l.budget {
			l.requests++
			l.mu.Unlock()
			return nil
		}
		wait := l.window - now.Sub(l.windowStart)
		l.mu.Unlock()

		if wait <= 0 {
			continue
		}
		if remaining := l.maxWait - waited; wait > remaining {
			return fmt.Errorf("rate limit wait exceeded %v", l.maxWait)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.clock.After(wait):
			waited += wait
		}
	}
}

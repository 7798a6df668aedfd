// Package breaker implements the CLOSED/OPEN/HALF_OPEN circuit breaker
// gate described in spec section 4.6, guarding calls to a single
// remote endpoint.
package breaker

import (
	"sync"
	"time"
)

// State enumerates the breaker's three states.
type State string

const (
	Closed   State = "CLOSED"
	Open     State = "OPEN"
	HalfOpen State = "HALF_OPEN"
)

// Config holds the breaker's tunables, per spec section 3.
type Config struct {
	Window           time.Duration
	FailureThreshold int
	OpenDuration     time.Duration
}

// Breaker is a single mutex-guarded gate. It is process-global to the
// clearing endpoint it fronts (one Breaker per remote), not per-call.
type Breaker struct {
	cfg Config
	now func() time.Time

	mu            sync.Mutex
	state         State
	failureCount  int
	windowStart   time.Time
	openedAt      time.Time
	halfOpenTrial bool
}

// New constructs a Breaker in the CLOSED state.
func New(cfg Config) *Breaker {
	return &Breaker{cfg: cfg, now: time.Now, state: Closed}
}

// SetClock overrides the breaker's time source; exposed for deterministic
// tests of window/open-duration expiry.
func (b *Breaker) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// Allow reports whether a call may proceed. When it returns false, the
// caller must not attempt the remote and should count it as a
// short-circuit. When the breaker is OPEN and open_seconds have
// elapsed, Allow transitions to HALF_OPEN and admits exactly one trial
// call; concurrent callers during that trial are still short-circuited
// until the trial resolves via RecordSuccess/RecordFailure.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	var now = b.now()
	switch b.state {
	case Closed:
		return true

	case Open:
		if now.Sub(b.openedAt) < b.cfg.OpenDuration {
			return false
		}
		b.state = HalfOpen
		b.halfOpenTrial = false
		return true

	case HalfOpen:
		if b.halfOpenTrial {
			b.halfOpenTrial = false
			return true
		}
		return false
	}
	return false
}

// RecordSuccess reports a successful call. In HALF_OPEN, this closes
// the breaker and resets its counters.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = Closed
	b.failureCount = 0
	b.windowStart = time.Time{}
}

// RecordFailure reports a failed call. In CLOSED, failures are tallied
// within a rolling window; reaching the threshold opens the breaker.
// In HALF_OPEN, any failure reopens it immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	var now = b.now()

	if b.state == HalfOpen {
		b.open(now)
		return
	}

	if b.windowStart.IsZero() || now.Sub(b.windowStart) >= b.cfg.Window {
		b.windowStart = now
		b.failureCount = 0
	}
	b.failureCount++
	if b.failureCount >= b.cfg.FailureThreshold {
		b.open(now)
	}
}

func (b *Breaker) open(now time.Time) {
	b.state = Open
	b.openedAt = now
	b.halfOpenTrial = false
}

// StateNow returns the breaker's current state, for diagnostics.
func (b *Breaker) StateNow() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

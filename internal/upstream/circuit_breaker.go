package upstream

import (
	"sync"
	"time"
)

type breakerState uint8

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case stateClosed:
		return "closed"
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// circuitBreaker fails fast while the backend keeps erroring. After the
// cool-down one trial at a time is let through. Enough consecutive trial
// successes close it again and any trial failure reopens it. A trial that
// never reports back stops blocking others after another cool-down.
type circuitBreaker struct {
	tripAfter  int
	closeAfter int
	coolDown   time.Duration
	now        func() time.Time

	mu          sync.Mutex
	state       breakerState
	streak      int // consecutive failures when closed, successes when half-open
	openUntil   time.Time
	trialActive bool
}

func newCircuitBreaker(tripAfter, closeAfter int, coolDown time.Duration) *circuitBreaker {
	return &circuitBreaker{
		tripAfter:  max(tripAfter, 1),
		closeAfter: max(closeAfter, 1),
		coolDown:   coolDown,
		now:        time.Now,
	}
}

// Allow reports whether a request may go out now.
func (b *circuitBreaker) Allow() bool {
	ok, _ := b.acquire()
	return ok
}

// acquire is Allow that also reports whether the caller holds the
// half-open trial slot.
func (b *circuitBreaker) acquire() (ok, trial bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateOpen:
		if b.now().Before(b.openUntil) {
			return false, false
		}
		b.state, b.streak = stateHalfOpen, 0
	case stateHalfOpen:
		if b.trialActive && b.now().Before(b.openUntil) {
			return false, false
		}
	default:
		return true, false
	}
	b.trialActive = true
	b.openUntil = b.now().Add(b.coolDown)
	return true, true
}

// ReleaseTrial frees the trial slot without counting an outcome, for a trial
// whose answer says nothing about backend health.
func (b *circuitBreaker) ReleaseTrial() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trialActive = false
}

func (b *circuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.trialActive = false
	switch b.state {
	case stateClosed:
		b.streak = 0
	case stateHalfOpen:
		if b.streak++; b.streak >= b.closeAfter {
			b.state, b.streak = stateClosed, 0
		}
	}
}

func (b *circuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.trialActive = false
	switch b.state {
	case stateClosed:
		if b.streak++; b.streak >= b.tripAfter {
			b.trip()
		}
	case stateHalfOpen:
		b.trip()
	case stateOpen:
		b.openUntil = b.now().Add(b.coolDown)
	}
}

func (b *circuitBreaker) trip() {
	b.state, b.streak = stateOpen, 0
	b.openUntil = b.now().Add(b.coolDown)
}

func (b *circuitBreaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.String()
}

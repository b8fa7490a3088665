// Package backoff schedules capped exponential reconnect attempts.
package backoff

import (
	"sync"
	"time"
)

// Policy describes a reconnect schedule: the n-th retry (0-based) waits
// min(Initial * 2^n, Max), and at most MaxAttempts retries run between
// successful connections.
type Policy struct {
	Initial     time.Duration
	Max         time.Duration
	MaxAttempts int
}

// DefaultPolicy doubles from 1s up to 30s and gives up after 5 attempts.
var DefaultPolicy = Policy{Initial: time.Second, Max: 30 * time.Second, MaxAttempts: 5}

// maxShift keeps Initial<<n from overflowing time.Duration.
const maxShift = 30

// Delay returns the wait before retry number attempt.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > maxShift {
		attempt = maxShift
	}
	d := p.Initial << attempt
	if p.Max > 0 && (d > p.Max || d <= 0) {
		return p.Max
	}
	return d
}

// Retrier tracks consecutive attempts under a Policy and owns the pending
// retry timer.
type Retrier struct {
	policy Policy

	mu       sync.Mutex
	attempts int
	timer    *time.Timer
	stopped  bool
}

// NewRetrier creates a Retrier for p.
func NewRetrier(p Policy) *Retrier {
	return &Retrier{policy: p}
}

// Schedule arranges for fn to run after the next backoff delay. It returns
// false, scheduling nothing, once MaxAttempts retries have been used or the
// Retrier is stopped. A previously scheduled retry is replaced.
func (r *Retrier) Schedule(fn func()) (time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped || r.attempts >= r.policy.MaxAttempts {
		return 0, false
	}
	delay := r.policy.Delay(r.attempts)
	r.attempts++
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = time.AfterFunc(delay, fn)
	return delay, true
}

// Attempts returns the retries used since the last Reset.
func (r *Retrier) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

// Reset clears the attempt counter after a successful connection.
func (r *Retrier) Reset() {
	r.mu.Lock()
	r.attempts = 0
	r.mu.Unlock()
}

// Stop cancels any pending retry and refuses future ones.
func (r *Retrier) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

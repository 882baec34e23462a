// Package retry provides the single attempt/ceiling/deadline policy
// shared by segment retries and mode-control retries.
package retry

import "time"

// Policy bounds one retried operation : up to MaxAttempts tries, each
// waiting at most Timeout for its outcome.
type Policy struct {
	MaxAttempts int
	Timeout     time.Duration
}

// Start begins a fresh attempt sequence
func (p Policy) Start() *Attempt {
	return &Attempt{policy: p}
}

// Attempt tracks consecutive tries of one operation
type Attempt struct {
	policy Policy
	count  int
}

// Next consumes one attempt. It returns false once the ceiling is
// exhausted.
func (a *Attempt) Next() bool {
	if a.count >= a.policy.MaxAttempts {
		return false
	}
	a.count++
	return true
}

// Count returns the number of attempts consumed so far
func (a *Attempt) Count() int {
	return a.count
}

// Reset clears the consecutive counter, called after a success so the
// full ceiling applies to the next operation.
func (a *Attempt) Reset() {
	a.count = 0
}

// Deadline returns the cutoff for the outcome of the current attempt
func (a *Attempt) Deadline() time.Time {
	return time.Now().Add(a.policy.Timeout)
}

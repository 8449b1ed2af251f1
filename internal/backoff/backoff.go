// Package backoff provides the shared retry delay schedule used by both
// per-recipient message retries and session reconnection. It is a pure
// function of the attempt index: no timers, no I/O.
package backoff

import "time"

// MaxAttempts is the hard ceiling on delivery and reconnect attempts.
const MaxAttempts = 10

// schedule is the delay table; attempt indices beyond it reuse the last entry.
var schedule = [...]time.Duration{
	3 * time.Second,
	10 * time.Second,
	30 * time.Second,
	60 * time.Second,
	120 * time.Second,
	300 * time.Second,
}

// Delay returns the wait before retrying after the given number of prior
// failed attempts.
func Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(schedule) {
		return schedule[len(schedule)-1]
	}
	return schedule[attempt]
}

// Exhausted reports whether the attempt budget is spent.
func Exhausted(attempt int) bool {
	return attempt >= MaxAttempts
}

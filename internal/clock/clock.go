// Package clock provides the time source injected into every component that
// reasons about elapsed time (cooldowns, token buckets, timestamps).
package clock

import "time"

// Clock abstracts the current time so that tests can control it.
type Clock interface {
	// Now returns the current time according to this clock.
	Now() time.Time
}

// Real implements Clock using the system time.
type Real struct{}

// Now returns the current system time.
func (Real) Now() time.Time {
	return time.Now()
}

// OrReal returns c, or Real when c is nil.
func OrReal(c Clock) Clock {
	if c == nil {
		return Real{}
	}
	return c
}

// Package clock supplies the time source used for response timestamps and
// rate-limit windows.
package clock

import "time"

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// System implements Clock using time.Now, normalized to UTC.
type System struct{}

// New creates a System clock.
func New() System {
	return System{}
}

// Now returns the current UTC time.
func (System) Now() time.Time {
	return time.Now().UTC()
}

// Func adapts a function to the Clock interface.
type Func func() time.Time

// Now calls f.
func (f Func) Now() time.Time {
	return f()
}

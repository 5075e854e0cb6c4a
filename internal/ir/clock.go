package ir

import "time"

// Clock supplies wall-clock time. Components take a Clock so tests can
// drive time explicitly.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the real time in UTC.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() time.Time { return time.Now().UTC() }

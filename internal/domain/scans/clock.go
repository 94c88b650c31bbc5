package scans

import "time"

// TimeProvider is an interface that provides a Now method to get the current time.
type TimeProvider interface {
	Now() time.Time
}

// RealTimeProvider returns the wall clock in UTC.
type RealTimeProvider struct{}

// Now returns the current time.
func (RealTimeProvider) Now() time.Time { return time.Now().UTC() }

package throttle

import "time"

// Clock provides the current time and timers. It can be mocked for testing.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// SystemClock implements Clock using the system time.
type SystemClock struct{}

// Now returns the current system time.
func (SystemClock) Now() time.Time {
	return time.Now()
}

// After waits for the duration to elapse and then sends the current time.
func (SystemClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// Every converts a minimum time interval between calls to a rate in calls
// per second, suitable for Config.MaxPerSecond.
func Every(interval time.Duration) float64 {
	if interval <= 0 {
		return 0
	}
	return float64(time.Second) / float64(interval)
}

// intervalFor converts a rate in calls per second to the minimum spacing
// between calls, rounded up to the nanosecond.
func intervalFor(maxPerSecond float64) time.Duration {
	ns := float64(time.Second) / maxPerSecond
	d := time.Duration(ns)
	if float64(d) < ns {
		d++
	}
	return d
}

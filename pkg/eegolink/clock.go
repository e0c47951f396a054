package eegolink

import "time"

// Clock returns the current time in seconds on the clock shared with stream consumers.
type Clock func() float64

var epoch = time.Now()

// LocalClock counts seconds since process start on the monotonic clock.
func LocalClock() float64 {
	return time.Since(epoch).Seconds()
}

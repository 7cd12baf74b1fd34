//go:build !linux

package clock

import "time"

var processStart = time.Now()

// raw is process-local where CLOCK_MONOTONIC is not available; bases are not
// portable between processes there.
func raw() time.Duration {
	return time.Since(processStart)
}

// Package window implements fixed-window counters. The first hit opens a
// window of the given length; every hit inside it increments one counter;
// the counter resets once the window has elapsed.
package window

import "time"

// Clock abstracts time for testability.
type Clock func() time.Time

func result(count int64, limit int, resetAt, now time.Time) (allowed bool, remaining int, retryAfter time.Duration) {
	allowed = count <= int64(limit)
	remaining = limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	if !allowed {
		retryAfter = resetAt.Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
	}
	return allowed, remaining, retryAfter
}

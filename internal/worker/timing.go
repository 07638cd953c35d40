package worker

import "time"

// NextSendAfter decides whether a ready episode notification may be held back
// for more episodes. It returns the new delay gate, never later than
// created+maxWait, and false once the ceiling has been reached.
func NextSendAfter(now, created time.Time, step, maxWait time.Duration) (time.Time, bool) {
	ceiling := created.Add(maxWait)
	if step <= 0 || !now.Before(ceiling) {
		return time.Time{}, false
	}
	next := now.Add(step)
	if next.After(ceiling) {
		next = ceiling
	}
	return next, true
}

var retryDelays = []time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	1 * time.Hour,
}

// RetryDelay is the backoff after the given failed attempt (1-based) when a
// retry limit is configured.
func RetryDelay(attempt int) time.Duration {
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(retryDelays) {
		idx = len(retryDelays) - 1
	}
	return retryDelays[idx]
}

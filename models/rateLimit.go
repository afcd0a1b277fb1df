package models

import "time"

// RateLimitBucket is one fixed window of the in-process limiter.
type RateLimitBucket struct {
	Count   int
	ResetAt time.Time
}

// Expired reports whether the window has closed at now.
func (b RateLimitBucket) Expired(now time.Time) bool {
	return !now.Before(b.ResetAt)
}

// FailedAttemptRecord tracks admin authentication failures for one client IP.
type FailedAttemptRecord struct {
	Count        int
	WindowEnds   time.Time
	BlockedUntil time.Time
}

func (r FailedAttemptRecord) Blocked(now time.Time) bool {
	return now.Before(r.BlockedUntil)
}

package models

import "time"

type RateLimitAction string

const (
	RateLimitActionSessionCreation RateLimitAction = "session_creation"
	RateLimitActionMobileChallenge RateLimitAction = "mobile_challenge"
	RateLimitActionWrongAnswer     RateLimitAction = "wrong_answer"
)

// AllRateLimitActions lists every action guarded by a counter.
var AllRateLimitActions = []RateLimitAction{
	RateLimitActionSessionCreation,
	RateLimitActionMobileChallenge,
	RateLimitActionWrongAnswer,
}

// RateLimitCounter for rate_limit_counters table, keyed by (Identity, Action).
type RateLimitCounter struct {
	Identity      string
	Action        RateLimitAction
	AttemptCount  int
	WindowStart   time.Time
	LastAttemptAt time.Time
	ExpiresAt     time.Time // window end, used by the sweep
}

// WindowElapsed reports whether now is outside [WindowStart, WindowStart+window).
func (c *RateLimitCounter) WindowElapsed(now time.Time, window time.Duration) bool {
	return !now.Before(c.WindowStart.Add(window))
}

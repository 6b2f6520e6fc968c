// Package ratelimit shares upstream rate-limit state between client instances
// through Redis. Once the upstream answers "rate limited", every client that
// consults the tracker fails fast until the advertised reset instead of adding
// pressure.
package ratelimit

import (
	"time"
)

// RedisKeyThrottleState is the Redis key holding the JSON encoded ThrottleState.
const RedisKeyThrottleState = "quote:throttle:state"

const (
	// DefaultBlockDuration applies when a rate-limited response carries no Retry-After.
	DefaultBlockDuration = 60 * time.Second

	// RemainingWarning logs a warning when the remaining quota falls below this value.
	RemainingWarning = 5

	// unknownRemaining marks a state never updated from headers.
	unknownRemaining = -1
)

// ThrottleState is the upstream quota as last reported.
type ThrottleState struct {
	// Remaining is the request quota left in the current window, -1 when unknown.
	// Extracted from the X-RateLimit-Remaining header.
	Remaining int `json:"remaining"`

	// ResetAt is when the quota window resets (X-RateLimit-Reset, seconds from now).
	ResetAt time.Time `json:"reset_at"`

	// BlockedUntil is set from Retry-After when the upstream rate limited a call.
	BlockedUntil time.Time `json:"blocked_until"`

	// LastUpdate is when this state was last written.
	LastUpdate time.Time `json:"last_update"`
}

// defaultState is returned when Redis holds no state.
func defaultState() *ThrottleState {
	return &ThrottleState{Remaining: unknownRemaining}
}

// IsStale returns true if the state is older than maxAge.
func (s *ThrottleState) IsStale(maxAge time.Duration) bool {
	return time.Since(s.LastUpdate) > maxAge
}

// BlockedAt reports whether calls must fail fast at now, and until when.
func (s *ThrottleState) BlockedAt(now time.Time) (bool, time.Time) {
	if s.BlockedUntil.After(now) {
		return true, s.BlockedUntil
	}
	if s.Remaining == 0 && s.ResetAt.After(now) {
		return true, s.ResetAt
	}
	return false, time.Time{}
}

// NeedsWarning reports a known quota close to exhaustion.
func (s *ThrottleState) NeedsWarning() bool {
	return s.Remaining != unknownRemaining && s.Remaining < RemainingWarning
}

// TimeUntilReset returns the duration until the quota window resets, or 0.
func (s *ThrottleState) TimeUntilReset() time.Duration {
	duration := time.Until(s.ResetAt)
	if duration < 0 {
		return 0
	}
	return duration
}

// expiry is how long the state is worth keeping in Redis.
func (s *ThrottleState) expiry(now time.Time) time.Duration {
	latest := s.ResetAt
	if s.BlockedUntil.After(latest) {
		latest = s.BlockedUntil
	}
	ttl := latest.Sub(now)
	if ttl < 0 {
		ttl = 0
	}
	return ttl + time.Minute
}

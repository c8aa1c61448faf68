package domain

import "time"

// ClassLimit is the per-account budget for one action class. Zero window
// limits mean unlimited; Parallel 0 means unbounded concurrency.
type ClassLimit struct {
	Per15m     int
	PerHour    int
	PerDay     int
	MinSpacing time.Duration
	Parallel   int
}

// DefaultClassLimits returns the built-in per-account rate-limit table.
// The post class budget is shared across reply, quote and create_post.
func DefaultClassLimits() map[ActionClass]ClassLimit {
	return map[ActionClass]ClassLimit{
		ClassLike:          {Per15m: 1, PerHour: 4, PerDay: 96, MinSpacing: 900 * time.Second, Parallel: 1},
		ClassRetweet:       {Per15m: 1, PerHour: 4, PerDay: 96, MinSpacing: 900 * time.Second, Parallel: 1},
		ClassPost:          {Per15m: 1, PerHour: 4, PerDay: 16, MinSpacing: 900 * time.Second, Parallel: 1},
		ClassFollow:        {Per15m: 1, PerHour: 4, PerDay: 50, MinSpacing: 900 * time.Second, Parallel: 1},
		ClassDM:            {Per15m: 1, PerHour: 4, PerDay: 1000, MinSpacing: 900 * time.Second, Parallel: 1},
		ClassProfileUpdate: {Per15m: 4, PerHour: 16, PerDay: 100, MinSpacing: 300 * time.Second, Parallel: 1},
		ClassRead:          {Per15m: 900, PerDay: 100000},
	}
}

// RateLimitInfo carries rate-limit metadata reported by the platform on an
// attempt. When present, the limiter uses the later of its computed reset and
// ResetAt.
type RateLimitInfo struct {
	Limit     int       `json:"limit,omitempty"`
	Remaining int       `json:"remaining,omitempty"`
	ResetAt   time.Time `json:"reset_at,omitempty"`
}

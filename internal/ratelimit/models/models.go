// Package models holds the rate limiter's value types.
package models

import "time"

// Operations that are limited per client.
const (
	OpLogin = "login"
	OpToken = "token"
)

// Result is the outcome of one counted attempt.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration // zero when allowed
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, at least 1 when denied.
func (r *Result) RetryAfterSeconds() int {
	if r.Allowed {
		return 0
	}
	secs := int((r.RetryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// ExceededResponse is the JSON body returned with 429.
type ExceededResponse struct {
	Error      string `json:"error"`
	Message    string `json:"error_description"`
	RetryAfter int    `json:"retry_after"`
}

package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKey(t *testing.T) {
	assert.Equal(t, "login:203.0.113.9", Key(OpLogin, "203.0.113.9"))
	assert.Equal(t, "login:__1_", Key(OpLogin, "::1:"), "client cannot add segments")
}

func TestRetryAfterSeconds(t *testing.T) {
	assert.Equal(t, 0, (&Result{Allowed: true, RetryAfter: time.Minute}).RetryAfterSeconds())
	assert.Equal(t, 1, (&Result{RetryAfter: 0}).RetryAfterSeconds())
	assert.Equal(t, 2, (&Result{RetryAfter: 1100 * time.Millisecond}).RetryAfterSeconds())
	assert.Equal(t, 900, (&Result{RetryAfter: 15 * time.Minute}).RetryAfterSeconds())
}

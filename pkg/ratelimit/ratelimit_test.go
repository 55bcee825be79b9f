package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLimiterAllow(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l := NewLimiter(time.Minute, 2)
	l.now = func() time.Time { return now }

	assert.True(t, l.Allow("ctx-1"))
	assert.True(t, l.Allow("ctx-1"))
	assert.False(t, l.Allow("ctx-1"), "third hit inside the window must be rejected")
	assert.True(t, l.Allow("ctx-2"), "keys are independent")
	assert.Equal(t, 0, l.Remaining("ctx-1"))

	now = now.Add(61 * time.Second)
	assert.Equal(t, 2, l.Remaining("ctx-1"))
	assert.True(t, l.Allow("ctx-1"))
}

func TestLimiterReset(t *testing.T) {
	l := NewLimiter(time.Hour, 1)

	assert.True(t, l.Allow("k"))
	assert.False(t, l.Allow("k"))

	l.Reset("k")
	assert.True(t, l.Allow("k"))
}

func TestLimiterDisabled(t *testing.T) {
	l := NewLimiter(time.Minute, 0)
	for i := 0; i < 100; i++ {
		assert.True(t, l.Allow("k"))
	}
	assert.Equal(t, -1, l.Remaining("k"))
}

func TestLimiterRetryAfter(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l := NewLimiter(time.Minute, 2)
	l.now = func() time.Time { return now }

	assert.Equal(t, time.Duration(0), l.RetryAfter("k"))

	l.Allow("k")
	now = now.Add(10 * time.Second)
	l.Allow("k")
	now = now.Add(5 * time.Second)

	assert.Equal(t, 45*time.Second, l.RetryAfter("k"), "oldest hit leaves the window first")

	now = now.Add(45 * time.Second)
	assert.Equal(t, time.Duration(0), l.RetryAfter("k"))
	assert.True(t, l.Allow("k"))
	assert.Equal(t, time.Duration(0), NewLimiter(time.Minute, 0).RetryAfter("k"))
}

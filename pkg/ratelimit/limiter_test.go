package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock - управляемое время для детерминированных тестов
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestAllowBurstThenRefill(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	rl := newRateLimiter(1, 3, clock.Now)

	for i := 0; i < 3; i++ {
		assert.True(t, rl.Allow(), "attempt %d within burst", i)
	}
	assert.False(t, rl.Allow(), "bucket should be empty")
	assert.Equal(t, time.Second, rl.RetryAfter())

	clock.Advance(time.Second)
	assert.True(t, rl.Allow())
	assert.False(t, rl.Allow())

	// ведро не переполняется
	clock.Advance(time.Hour)
	for i := 0; i < 3; i++ {
		assert.True(t, rl.Allow())
	}
	assert.False(t, rl.Allow())
}

func TestReset(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	rl := newRateLimiter(0.01, 2, clock.Now)

	require.True(t, rl.Allow())
	require.True(t, rl.Allow())
	require.False(t, rl.Allow())

	rl.Reset()
	assert.True(t, rl.Allow())
}

func TestDefaultsClamped(t *testing.T) {
	rl := NewRateLimiter(0, 0)
	assert.True(t, rl.Allow())
	assert.False(t, rl.Allow())
}

func TestApprovalBudget(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	rl := newRateLimiter(0.5, 5, clock.Now)

	for i := 0; i < 5; i++ {
		require.True(t, rl.Allow(), "failure %d within budget", i)
	}
	assert.Equal(t, 2*time.Second, rl.RetryAfter())

	clock.Advance(time.Second)
	assert.Equal(t, time.Second, rl.RetryAfter())

	clock.Advance(time.Second)
	assert.Zero(t, rl.RetryAfter())
}

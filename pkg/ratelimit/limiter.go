// Package ratelimit - token bucket для ограничения неудачных попыток
// подтверждения восстановления.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

// RateLimiter - token bucket. Каждая неудачная попытка забирает токен
// (Allow), пустое ведро означает блокировку на RetryAfter.
//
//	rl := NewRateLimiter(5.0/60, 5) // 5 неудач в минуту
type RateLimiter struct {
	mu         sync.Mutex
	rate       float64 // токенов в секунду
	burst      float64
	tokens     float64
	lastRefill time.Time
	now        func() time.Time
}

// NewRateLimiter создаёт limiter с полным ведром.
// rate <= 0 заменяется на 1, burst < 1 - на 1.
func NewRateLimiter(rate, burst float64) *RateLimiter {
	return newRateLimiter(rate, burst, time.Now)
}

func newRateLimiter(rate, burst float64, now func() time.Time) *RateLimiter {
	if rate <= 0 {
		rate = 1
	}
	burst = math.Max(burst, 1)
	return &RateLimiter{
		rate:       rate,
		burst:      burst,
		tokens:     burst,
		lastRefill: now(),
		now:        now,
	}
}

// refillLocked пополняет ведро по прошедшему времени
func (rl *RateLimiter) refillLocked() {
	now := rl.now()
	if elapsed := now.Sub(rl.lastRefill).Seconds(); elapsed > 0 {
		rl.tokens = math.Min(rl.burst, rl.tokens+elapsed*rl.rate)
	}
	rl.lastRefill = now
}

// Allow забирает токен; false - ведро пусто
func (rl *RateLimiter) Allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.refillLocked()
	if rl.tokens < 1 {
		return false
	}
	rl.tokens--
	return true
}

// RetryAfter - через сколько появится следующий токен (0 - уже есть)
func (rl *RateLimiter) RetryAfter() time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.refillLocked()
	if rl.tokens >= 1 {
		return 0
	}
	return time.Duration((1 - rl.tokens) / rl.rate * float64(time.Second))
}

// Reset заполняет ведро (после принятого кода)
func (rl *RateLimiter) Reset() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.tokens = rl.burst
	rl.lastRefill = rl.now()
}

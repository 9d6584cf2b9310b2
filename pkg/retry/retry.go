// Package retry - повтор операций ввода-вывода выключателя: запись файла
// состояния и зеркалирование журнала аудита во внешнюю БД.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Config - экспоненциальный backoff с jitter:
// delay = min(InitialDelay * Multiplier^attempt, MaxDelay) +- jitter
type Config struct {
	MaxRetries   int // число попыток, включая первую; 0 = без ограничения
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	JitterFactor float64 // 0.0 - 1.0

	// RetryIf решает, повторять ли ошибку. nil = повторять все.
	RetryIf func(error) bool

	// OnRetry вызывается перед каждым ожиданием
	OnRetry func(attempt int, err error, delay time.Duration)
}

// MirrorConfig - зеркало аудита. Журнал на диске к этому моменту уже
// записан, поэтому ждём недолго.
func MirrorConfig() Config {
	return Config{
		MaxRetries:   3,
		InitialDelay: 250 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.2,
		RetryIf:      IsRetryable,
	}
}

// PersistConfig - файл состояния. Вызывающий держит блокировку ядра,
// задержки короткие и без jitter.
func PersistConfig() Config {
	return Config{
		MaxRetries:   3,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     100 * time.Millisecond,
		Multiplier:   2.0,
		RetryIf:      IsRetryable,
	}
}

func (c *Config) normalize() {
	if c.InitialDelay <= 0 {
		c.InitialDelay = 10 * time.Millisecond
	}
	if c.MaxDelay < c.InitialDelay {
		c.MaxDelay = c.InitialDelay
	}
	if c.Multiplier < 1 {
		c.Multiplier = 2.0
	}
	c.JitterFactor = math.Max(0, math.Min(1, c.JitterFactor))
}

func (c *Config) delay(attempt int) time.Duration {
	d := math.Min(float64(c.InitialDelay)*math.Pow(c.Multiplier, float64(attempt)), float64(c.MaxDelay))
	if c.JitterFactor > 0 {
		d += d * c.JitterFactor * (rand.Float64()*2 - 1)
	}
	return time.Duration(math.Max(0, d))
}

// Do выполняет операцию, пока она не удастся, попытки не кончатся
// или ctx не будет отменён. Возвращает последнюю ошибку операции;
// ошибку контекста - только если операция ни разу не вызывалась.
func Do(ctx context.Context, operation func() error, cfg Config) error {
	cfg.normalize()

	var lastErr error
	for attempt := 0; cfg.MaxRetries <= 0 || attempt < cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		lastErr = operation()
		if lastErr == nil {
			return nil
		}
		if cfg.RetryIf != nil && !cfg.RetryIf(lastErr) {
			return lastErr
		}
		if cfg.MaxRetries > 0 && attempt == cfg.MaxRetries-1 {
			break
		}

		wait := cfg.delay(attempt)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, lastErr, wait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return lastErr
		}
	}
	return lastErr
}

// ============================================================
// Классификация ошибок
// ============================================================

// IsRetryable: Permanent и ошибки контекста не повторяются, остальные - да
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var perm *PermanentError
	if errors.As(err, &perm) {
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// PermanentError - ошибка, которую повторять бессмысленно
// (битая запись, нарушение схемы БД)
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent помечает ошибку как неповторяемую
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

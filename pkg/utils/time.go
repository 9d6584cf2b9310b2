package utils

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// time.go - утилиты для работы со временем
//
// Используются журналом аудита (суточная ротация, возраст файлов)
// и триггерами (разбор временных меток из контекста).

// DayKeyLayout - формат ключа суток в именах файлов аудита
const DayKeyLayout = "2006-01-02"

// GetDayStartFrom возвращает начало дня для указанного времени в UTC
func GetDayStartFrom(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// DayKey возвращает ключ суток (YYYY-MM-DD, UTC)
func DayKey(t time.Time) string {
	return t.UTC().Format(DayKeyLayout)
}

// ParseDayKey разбирает ключ суток, возвращая начало дня в UTC
func ParseDayKey(key string) (time.Time, error) {
	return time.ParseInLocation(DayKeyLayout, key, time.UTC)
}

// ParseTimestamp приводит значение из контекста к time.Time
//
// Поддерживаются:
//   - time.Time
//   - числа: Unix секунды (дробная часть - доли секунды)
//   - строки: RFC3339 / RFC3339Nano или Unix секунды
func ParseTimestamp(v interface{}) (time.Time, error) {
	switch val := v.(type) {
	case time.Time:
		return val, nil
	case *time.Time:
		if val == nil {
			return time.Time{}, fmt.Errorf("nil timestamp")
		}
		return *val, nil
	case int:
		return time.Unix(int64(val), 0), nil
	case int64:
		return time.Unix(val, 0), nil
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return time.Time{}, fmt.Errorf("invalid unix timestamp %v", val)
		}
		sec, frac := math.Modf(val)
		return time.Unix(int64(sec), int64(frac*1e9)), nil
	case string:
		s := strings.TrimSpace(val)
		if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return ts, nil
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return ParseTimestamp(f)
		}
		return time.Time{}, fmt.Errorf("unsupported timestamp format %q", val)
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp type %T", v)
	}
}

// FormatDuration - длительность с точностью до секунды без нулевых хвостов:
// "45s", "5m", "5m30s", "2h15m". От суток и больше - только часы ("72h").
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = -d
	}
	d = d.Truncate(time.Second)

	h := int64(d / time.Hour)
	m := int64(d % time.Hour / time.Minute)
	sec := int64(d % time.Minute / time.Second)

	switch {
	case h >= 24 || (h > 0 && m == 0):
		return fmt.Sprintf("%dh", h)
	case h > 0:
		return fmt.Sprintf("%dh%dm", h, m)
	case m > 0 && sec == 0:
		return fmt.Sprintf("%dm", m)
	case m > 0:
		return fmt.Sprintf("%dm%ds", m, sec)
	default:
		return fmt.Sprintf("%ds", sec)
	}
}

// ParseSince разбирает границу интервала: RFC3339 или длительность назад
// от now ("1h", "30m"; знак игнорируется). Пустая строка - нулевое время.
func ParseSince(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("expected RFC3339 timestamp or duration like 1h, got %q", s)
	}
	if d < 0 {
		d = -d
	}
	return now.Add(-d), nil
}

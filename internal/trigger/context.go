package trigger

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"killswitch/pkg/utils"
)

// KeyNow - ключ контекста с временем оценки. Если он задан, триггеры,
// зависящие от времени, используют его вместо часов процесса.
const KeyNow = "now"

// Context - снимок метрик, который вызывающий код передаёт на оценку.
// Значения приходят как есть (в том числе из JSON), поэтому доступ
// только через типизированные методы, различающие "нет поля" и "поле испорчено".
type Context map[string]interface{}

// Has возвращает true если поле задано и не nil
func (c Context) Has(key string) bool {
	if c == nil {
		return false
	}
	v, ok := c[key]
	return ok && v != nil
}

// Float читает числовое поле
//
// Возвращает:
//   - present=false, err=nil: поля нет
//   - err != nil: поле есть, но это не число (или NaN/Inf)
func (c Context) Float(key string) (value float64, present bool, err error) {
	if !c.Has(key) {
		return 0, false, nil
	}

	switch v := c[key].(type) {
	case float64:
		value = v
	case float32:
		value = float64(v)
	case int:
		value = float64(v)
	case int32:
		value = float64(v)
	case int64:
		value = float64(v)
	case uint:
		value = float64(v)
	case uint32:
		value = float64(v)
	case uint64:
		value = float64(v)
	case json.Number:
		value, err = v.Float64()
		if err != nil {
			return 0, true, fmt.Errorf("field %s: %w", key, err)
		}
	default:
		return 0, true, fmt.Errorf("field %s: expected number, got %T", key, v)
	}

	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, true, fmt.Errorf("field %s: non-finite value %v", key, value)
	}
	return value, true, nil
}

// Bool читает логическое поле
func (c Context) Bool(key string) (value bool, present bool, err error) {
	if !c.Has(key) {
		return false, false, nil
	}
	v, ok := c[key].(bool)
	if !ok {
		return false, true, fmt.Errorf("field %s: expected bool, got %T", key, c[key])
	}
	return v, true, nil
}

// Time читает временную метку (time.Time, Unix секунды или RFC3339)
func (c Context) Time(key string) (value time.Time, present bool, err error) {
	if !c.Has(key) {
		return time.Time{}, false, nil
	}
	ts, err := utils.ParseTimestamp(c[key])
	if err != nil {
		return time.Time{}, true, fmt.Errorf("field %s: %w", key, err)
	}
	return ts, true, nil
}

// BoolMap читает отображение имя -> bool (например, статусы бирж)
func (c Context) BoolMap(key string) (value map[string]bool, present bool, err error) {
	if !c.Has(key) {
		return nil, false, nil
	}

	switch v := c[key].(type) {
	case map[string]bool:
		out := make(map[string]bool, len(v))
		for k, b := range v {
			out[k] = b
		}
		return out, true, nil
	case map[string]interface{}:
		out := make(map[string]bool, len(v))
		for k, raw := range v {
			b, ok := raw.(bool)
			if !ok {
				return nil, true, fmt.Errorf("field %s.%s: expected bool, got %T", key, k, raw)
			}
			out[k] = b
		}
		return out, true, nil
	default:
		return nil, true, fmt.Errorf("field %s: expected map of bool, got %T", key, v)
	}
}

// Now возвращает время оценки: поле "now" или fallback
func (c Context) Now(fallback func() time.Time) (time.Time, error) {
	ts, present, err := c.Time(KeyNow)
	if err != nil {
		return time.Time{}, err
	}
	if present {
		return ts, nil
	}
	if fallback == nil {
		return time.Now(), nil
	}
	return fallback(), nil
}

// Age вычисляет возраст в секундах: либо из готового поля ageKey,
// либо как now - timestampKey. Поле ageKey имеет приоритет.
func (c Context) Age(timestampKey, ageKey string, clock func() time.Time) (age float64, present bool, err error) {
	if age, present, err = c.Float(ageKey); present || err != nil {
		return age, present, err
	}

	ts, present, err := c.Time(timestampKey)
	if !present || err != nil {
		return 0, present, err
	}

	now, err := c.Now(clock)
	if err != nil {
		return 0, true, err
	}
	return now.Sub(ts).Seconds(), true, nil
}

// Clone возвращает поверхностную копию
func (c Context) Clone() Context {
	if c == nil {
		return nil
	}
	out := make(Context, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

package trigger

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"killswitch/internal/models"
)

// Trigger - правило, решающее по снимку контекста, нужно ли остановить торговлю.
//
// Evaluate не имеет побочных эффектов и детерминирован для одного и того же
// контекста. Отсутствующее поле означает "не срабатывать", испорченное поле -
// результат с заполненным Error.
type Trigger interface {
	ID() string
	Kind() models.TriggerKind
	Evaluate(ctx Context) models.TriggerResult
}

// Direction - направление сравнения метрики с порогом
type Direction string

// Направления сравнения
const (
	LessOrEqual    Direction = "lte"
	Less           Direction = "lt"
	GreaterOrEqual Direction = "gte"
	Greater        Direction = "gt"
)

// ParseDirection разбирает строку конфигурации; пустая строка = lte
func ParseDirection(s string) (Direction, error) {
	switch d := Direction(strings.ToLower(strings.TrimSpace(s))); d {
	case "":
		return LessOrEqual, nil
	case LessOrEqual, Less, GreaterOrEqual, Greater:
		return d, nil
	default:
		return "", fmt.Errorf("unknown direction %q", s)
	}
}

// Breached сравнивает значение с порогом
func (d Direction) Breached(value, bound float64) bool {
	switch d {
	case Less:
		return value < bound
	case GreaterOrEqual:
		return value >= bound
	case Greater:
		return value > bound
	default:
		return value <= bound
	}
}

// Symbol - оператор сравнения для сообщений
func (d Direction) Symbol() string {
	switch d {
	case Less:
		return "<"
	case GreaterOrEqual:
		return ">="
	case Greater:
		return ">"
	default:
		return "<="
	}
}

func result(id string, kind models.TriggerKind) models.TriggerResult {
	return models.TriggerResult{TriggerID: id, Kind: kind}
}

func failed(id string, kind models.TriggerKind, err error) models.TriggerResult {
	r := result(id, kind)
	r.Error = err.Error()
	r.Reason = "evaluation failed: " + err.Error()
	return r
}

// ============================================================
// Threshold
// ============================================================

// ThresholdTrigger сравнивает числовое поле контекста с порогом
type ThresholdTrigger struct {
	id        string
	field     string
	threshold float64
	direction Direction
}

// NewThresholdTrigger создаёт пороговый триггер
func NewThresholdTrigger(id, field string, threshold float64, direction Direction) *ThresholdTrigger {
	if direction == "" {
		direction = LessOrEqual
	}
	return &ThresholdTrigger{id: id, field: field, threshold: threshold, direction: direction}
}

// NewDrawdownTrigger - просадка (доля, отрицательная) <= порога
func NewDrawdownTrigger(id string, threshold float64) *ThresholdTrigger {
	return NewThresholdTrigger(id, "drawdown", threshold, LessOrEqual)
}

// NewDailyPnLTrigger - дневной PnL <= порога
func NewDailyPnLTrigger(id string, threshold float64) *ThresholdTrigger {
	return NewThresholdTrigger(id, "daily_pnl", threshold, LessOrEqual)
}

// NewVolatilityTrigger - волатильность >= порога
func NewVolatilityTrigger(id string, threshold float64) *ThresholdTrigger {
	return NewThresholdTrigger(id, "volatility", threshold, GreaterOrEqual)
}

func (t *ThresholdTrigger) ID() string { return t.id }
func (t *ThresholdTrigger) Kind() models.TriggerKind { return models.TriggerKindThreshold }
func (t *ThresholdTrigger) Field() string { return t.field }

// Evaluate проверяет порог
func (t *ThresholdTrigger) Evaluate(ctx Context) models.TriggerResult {
	value, present, err := ctx.Float(t.field)
	if err != nil {
		return failed(t.id, t.Kind(), err)
	}

	r := result(t.id, t.Kind())
	if !present {
		r.Reason = fmt.Sprintf("metric %s absent from context", t.field)
		return r
	}

	r.Metrics = map[string]interface{}{
		t.field:     value,
		"threshold": t.threshold,
	}

	if t.direction.Breached(value, t.threshold) {
		r.ShouldTrigger = true
		r.Reason = fmt.Sprintf("%s %g %s threshold %g", t.field, value, t.direction.Symbol(), t.threshold)
	} else {
		r.Reason = fmt.Sprintf("%s %g within threshold %g", t.field, value, t.threshold)
	}
	return r
}

// ============================================================
// Manual
// ============================================================

// ManualTrigger срабатывает только по действию оператора
type ManualTrigger struct {
	id string
}

// NewManualTrigger создаёт ручной триггер
func NewManualTrigger(id string) *ManualTrigger {
	return &ManualTrigger{id: id}
}

func (t *ManualTrigger) ID() string { return t.id }
func (t *ManualTrigger) Kind() models.TriggerKind { return models.TriggerKindManual }

// Evaluate никогда не срабатывает при периодической оценке
func (t *ManualTrigger) Evaluate(Context) models.TriggerResult {
	r := result(t.id, t.Kind())
	r.Reason = "manual trigger fires only on operator action"
	return r
}

// Activate формирует срабатывание по команде оператора
func (t *ManualTrigger) Activate(reason, operator string) models.TriggerResult {
	r := result(t.id, t.Kind())
	r.ShouldTrigger = true
	r.Reason = reason
	r.Metrics = map[string]interface{}{"operator": operator}
	return r
}

// ============================================================
// Watchdog
// ============================================================

// WatchdogLimits - пороги здоровья процесса. Нулевое значение отключает проверку.
type WatchdogLimits struct {
	MaxHeartbeatAge time.Duration
	MaxMemoryMB     float64
	MaxCPUPercent   float64
}

// WatchdogTrigger проверяет heartbeat, память и CPU из контекста.
//
// Поля контекста: last_heartbeat | heartbeat_age_seconds, memory_mb, cpu_percent.
type WatchdogTrigger struct {
	id     string
	limits WatchdogLimits
	clock  func() time.Time
}

// NewWatchdogTrigger создаёт watchdog; clock используется, если в контексте нет "now"
func NewWatchdogTrigger(id string, limits WatchdogLimits, clock func() time.Time) *WatchdogTrigger {
	if clock == nil {
		clock = time.Now
	}
	return &WatchdogTrigger{id: id, limits: limits, clock: clock}
}

func (t *WatchdogTrigger) ID() string { return t.id }
func (t *WatchdogTrigger) Kind() models.TriggerKind { return models.TriggerKindWatchdog }

// Evaluate проверяет все заданные лимиты и перечисляет все нарушения
func (t *WatchdogTrigger) Evaluate(ctx Context) models.TriggerResult {
	var breaches []string
	metrics := make(map[string]interface{})

	if t.limits.MaxHeartbeatAge > 0 {
		age, present, err := ctx.Age("last_heartbeat", "heartbeat_age_seconds", t.clock)
		if err != nil {
			return failed(t.id, t.Kind(), err)
		}
		if present {
			metrics["heartbeat_age_seconds"] = age
			if limit := t.limits.MaxHeartbeatAge.Seconds(); age > limit {
				breaches = append(breaches, fmt.Sprintf("heartbeat stale: %.1fs > %.1fs", age, limit))
			}
		}
	}

	if t.limits.MaxMemoryMB > 0 {
		mem, present, err := ctx.Float("memory_mb")
		if err != nil {
			return failed(t.id, t.Kind(), err)
		}
		if present {
			metrics["memory_mb"] = mem
			if mem > t.limits.MaxMemoryMB {
				breaches = append(breaches, fmt.Sprintf("memory %.0fMB > %.0fMB", mem, t.limits.MaxMemoryMB))
			}
		}
	}

	if t.limits.MaxCPUPercent > 0 {
		cpu, present, err := ctx.Float("cpu_percent")
		if err != nil {
			return failed(t.id, t.Kind(), err)
		}
		if present {
			metrics["cpu_percent"] = cpu
			if cpu > t.limits.MaxCPUPercent {
				breaches = append(breaches, fmt.Sprintf("cpu %.1f%% > %.1f%%", cpu, t.limits.MaxCPUPercent))
			}
		}
	}

	r := result(t.id, t.Kind())
	if len(metrics) > 0 {
		r.Metrics = metrics
	}

	switch {
	case len(breaches) > 0:
		r.ShouldTrigger = true
		r.Reason = "watchdog: " + strings.Join(breaches, "; ")
	case len(metrics) == 0:
		r.Reason = "no watchdog metrics in context"
	default:
		r.Reason = "process healthy"
	}
	return r
}

// ============================================================
// External
// ============================================================

// ExternalTrigger проверяет внешние сигналы: связь с биржами и свежесть цен.
//
// Поля контекста: exchange_connected | exchanges (имя -> bool),
// last_price_update | price_update_age_seconds.
type ExternalTrigger struct {
	id           string
	maxStaleness time.Duration
	clock        func() time.Time
}

// NewExternalTrigger создаёт триггер; maxStaleness = 0 отключает проверку свежести
func NewExternalTrigger(id string, maxStaleness time.Duration, clock func() time.Time) *ExternalTrigger {
	if clock == nil {
		clock = time.Now
	}
	return &ExternalTrigger{id: id, maxStaleness: maxStaleness, clock: clock}
}

func (t *ExternalTrigger) ID() string { return t.id }
func (t *ExternalTrigger) Kind() models.TriggerKind { return models.TriggerKindExternal }

// Evaluate проверяет подключение и свежесть цен
func (t *ExternalTrigger) Evaluate(ctx Context) models.TriggerResult {
	var breaches []string
	metrics := make(map[string]interface{})

	connected, present, err := ctx.Bool("exchange_connected")
	if err != nil {
		return failed(t.id, t.Kind(), err)
	}
	if present {
		metrics["exchange_connected"] = connected
		if !connected {
			breaches = append(breaches, "exchange disconnected")
		}
	}

	exchanges, present, err := ctx.BoolMap("exchanges")
	if err != nil {
		return failed(t.id, t.Kind(), err)
	}
	if present {
		var down []string
		for name, ok := range exchanges {
			if !ok {
				down = append(down, name)
			}
		}
		sort.Strings(down)
		metrics["exchanges_down"] = len(down)
		if len(down) > 0 {
			breaches = append(breaches, "exchanges disconnected: "+strings.Join(down, ","))
		}
	}

	if t.maxStaleness > 0 {
		age, present, err := ctx.Age("last_price_update", "price_update_age_seconds", t.clock)
		if err != nil {
			return failed(t.id, t.Kind(), err)
		}
		if present {
			metrics["price_update_age_seconds"] = age
			if limit := t.maxStaleness.Seconds(); age > limit {
				breaches = append(breaches, fmt.Sprintf("prices stale: %.1fs > %.1fs", age, limit))
			}
		}
	}

	r := result(t.id, t.Kind())
	if len(metrics) > 0 {
		r.Metrics = metrics
	}

	switch {
	case len(breaches) > 0:
		r.ShouldTrigger = true
		r.Reason = "external: " + strings.Join(breaches, "; ")
	case len(metrics) == 0:
		r.Reason = "no external signals in context"
	default:
		r.Reason = "external signals healthy"
	}
	return r
}

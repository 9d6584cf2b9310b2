package models

// TriggerKind - тип триггера
type TriggerKind string

// Типы триггеров
const (
	TriggerKindThreshold TriggerKind = "threshold" // сравнение метрики с порогом
	TriggerKindManual    TriggerKind = "manual"    // только действие оператора
	TriggerKindWatchdog  TriggerKind = "watchdog"  // здоровье процесса
	TriggerKindExternal  TriggerKind = "external"  // связность с биржей, свежесть цен
)

// TriggerResult - результат одной оценки триггера. Не сохраняется.
type TriggerResult struct {
	TriggerID     string                 `json:"trigger_id"`
	Kind          TriggerKind            `json:"kind"`
	ShouldTrigger bool                   `json:"should_trigger"`
	Reason        string                 `json:"reason"`
	Metrics       map[string]interface{} `json:"metrics,omitempty"`
	Error         string                 `json:"error,omitempty"` // оценка не удалась
}

// Failed возвращает true если оценка завершилась ошибкой
func (r TriggerResult) Failed() bool {
	return r.Error != ""
}

package models

import "time"

// KillSwitchState - состояние аварийного выключателя
type KillSwitchState string

// Состояния kill switch (state machine)
const (
	StateActive     KillSwitchState = "ACTIVE"     // торговля разрешена
	StateKilled     KillSwitchState = "KILLED"     // торговля остановлена
	StateRecovering KillSwitchState = "RECOVERING" // поэтапный перезапуск
)

// AllStates возвращает все известные состояния в фиксированном порядке
func AllStates() []KillSwitchState {
	return []KillSwitchState{StateActive, StateKilled, StateRecovering}
}

// Valid проверяет что значение является известным состоянием
func (s KillSwitchState) Valid() bool {
	switch s {
	case StateActive, StateKilled, StateRecovering:
		return true
	default:
		return false
	}
}

func (s KillSwitchState) String() string {
	return string(s)
}

// KillSwitchEvent - неизменяемая запись о переходе состояния.
// Создаётся на каждый переход и больше никогда не изменяется.
type KillSwitchEvent struct {
	EventID     string                 `json:"event_id"`
	Timestamp   time.Time              `json:"timestamp"`
	FromState   KillSwitchState        `json:"from_state"`
	ToState     KillSwitchState        `json:"to_state"`
	Reason      string                 `json:"reason"`
	TriggeredBy string                 `json:"triggered_by"`
	TriggerID   string                 `json:"trigger_id,omitempty"`
	Metrics     map[string]interface{} `json:"metrics,omitempty"`
}

// IsLogical возвращает true если событие меняет состояние
// (KILLED → KILLED логическим переходом не считается)
func (e KillSwitchEvent) IsLogical() bool {
	return e.FromState != e.ToState
}

// PersistedStateVersion - текущая версия схемы файла состояния
const PersistedStateVersion = 1

// PersistedState - снимок состояния на диске
type PersistedState struct {
	Version             int             `json:"version"`
	State               KillSwitchState `json:"state"`
	LastEventID         string          `json:"last_event_id"`
	UpdatedAt           time.Time       `json:"updated_at"`
	PositionLimitFactor float64         `json:"position_limit_factor"`
	LastReason          string          `json:"last_reason,omitempty"`
	TriggeredBy         string          `json:"triggered_by,omitempty"`
	EventCount          int             `json:"event_count"`
}

// Equal сравнивает снимки по всем полям (время - через time.Equal)
func (p PersistedState) Equal(other PersistedState) bool {
	return p.Version == other.Version &&
		p.State == other.State &&
		p.LastEventID == other.LastEventID &&
		p.UpdatedAt.Equal(other.UpdatedAt) &&
		p.PositionLimitFactor == other.PositionLimitFactor &&
		p.LastReason == other.LastReason &&
		p.TriggeredBy == other.TriggeredBy &&
		p.EventCount == other.EventCount
}

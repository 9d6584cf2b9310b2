package killswitch

import (
	"time"

	"killswitch/internal/models"
)

// ValidTransitions определяет допустимые переходы между состояниями
var ValidTransitions = map[models.KillSwitchState][]models.KillSwitchState{
	models.StateActive:     {models.StateKilled},
	models.StateKilled:     {models.StateKilled, models.StateRecovering}, // KILLED -> KILLED: повторный trigger
	models.StateRecovering: {models.StateActive, models.StateKilled},     // KILLED при срыве восстановления
}

// CanTransition проверяет допустимость перехода
func CanTransition(from, to models.KillSwitchState) bool {
	allowed, ok := ValidTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// ValidateTransition возвращает *InvalidTransitionError для недопустимого перехода
func ValidateTransition(from, to models.KillSwitchState) error {
	if !CanTransition(from, to) {
		return &InvalidTransitionError{From: from, To: to}
	}
	return nil
}

// TransitionRequest - входные данные перехода. Идентификатор и время
// передаются снаружи, поэтому Apply остаётся чистой функцией.
type TransitionRequest struct {
	From        models.KillSwitchState
	To          models.KillSwitchState
	EventID     string
	Timestamp   time.Time
	Reason      string
	TriggeredBy string
	TriggerID   string
	Metrics     map[string]interface{}
}

// Apply проверяет переход и строит событие
func Apply(req TransitionRequest) (models.KillSwitchEvent, error) {
	if err := ValidateTransition(req.From, req.To); err != nil {
		return models.KillSwitchEvent{}, err
	}

	var metrics map[string]interface{}
	if len(req.Metrics) > 0 {
		metrics = make(map[string]interface{}, len(req.Metrics))
		for k, v := range req.Metrics {
			metrics[k] = v
		}
	}

	return models.KillSwitchEvent{
		EventID:     req.EventID,
		Timestamp:   req.Timestamp,
		FromState:   req.From,
		ToState:     req.To,
		Reason:      req.Reason,
		TriggeredBy: req.TriggeredBy,
		TriggerID:   req.TriggerID,
		Metrics:     metrics,
	}, nil
}

// ReplayResult - итог воспроизведения журнала событий
type ReplayResult struct {
	State       models.KillSwitchState
	LastEventID string
	Logical     int // логические переходы (KILLED -> KILLED не считается)
	Retriggers  int
}

// Replay воспроизводит последовательность событий начиная с ACTIVE.
// Событие, чей FromState не совпадает с текущим состоянием, или недопустимый
// переход останавливают воспроизведение с ошибкой.
func Replay(events []models.KillSwitchEvent) (ReplayResult, error) {
	res := ReplayResult{State: models.StateActive}

	for _, ev := range events {
		if ev.FromState != res.State {
			return res, &InvalidTransitionError{From: res.State, To: ev.ToState}
		}
		if err := ValidateTransition(ev.FromState, ev.ToState); err != nil {
			return res, err
		}

		res.State = ev.ToState
		res.LastEventID = ev.EventID
		if ev.IsLogical() {
			res.Logical++
		} else {
			res.Retriggers++
		}
	}

	return res, nil
}

// StateInfo возвращает описание состояния для оператора
func StateInfo(s models.KillSwitchState) string {
	switch s {
	case models.StateActive:
		return "Торговля разрешена"
	case models.StateKilled:
		return "Торговля остановлена аварийным выключателем"
	case models.StateRecovering:
		return "Поэтапный перезапуск (ограниченный объём позиций)"
	default:
		return "Неизвестное состояние"
	}
}

// IsTradingAllowed - разрешена ли торговля в состоянии без учёта factor
func IsTradingAllowed(s models.KillSwitchState) bool {
	return s == models.StateActive || s == models.StateRecovering
}

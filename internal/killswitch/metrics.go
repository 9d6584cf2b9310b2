package killswitch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"killswitch/internal/models"
)

// ============================================================
// Prometheus метрики аварийного выключателя
// ============================================================

// ============ Метрики состояния ============

// CurrentState - 1 для текущего состояния, 0 для остальных
var CurrentState = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "killswitch",
		Subsystem: "core",
		Name:      "state",
		Help:      "Current kill switch state (1 for the active label)",
	},
	[]string{"state"},
)

// PositionLimitFactor - текущий множитель объёма позиций
var PositionLimitFactor = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "killswitch",
		Subsystem: "recovery",
		Name:      "position_limit_factor",
		Help:      "Current position limit factor (0..1)",
	},
)

// ============ Счётчики событий ============

// TransitionsTotal - логические переходы состояния
var TransitionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "killswitch",
		Subsystem: "core",
		Name:      "transitions_total",
		Help:      "Total number of logical state transitions",
	},
	[]string{"from", "to"},
)

// RetriggersTotal - повторные trigger в состоянии KILLED
var RetriggersTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "killswitch",
		Subsystem: "core",
		Name:      "retriggers_total",
		Help:      "Trigger calls received while already KILLED",
	},
)

// TriggerEvaluations - результаты оценки триггеров
var TriggerEvaluations = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "killswitch",
		Subsystem: "triggers",
		Name:      "evaluations_total",
		Help:      "Trigger evaluations by result",
	},
	[]string{"trigger", "result"}, // result: clear, fired, error
)

// FailClosedTotal - CheckAndBlock вернул blocked из-за неоднозначности
var FailClosedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "killswitch",
		Subsystem: "core",
		Name:      "fail_closed_total",
		Help:      "CheckAndBlock calls that failed closed",
	},
	[]string{"cause"}, // trigger_error, panic, persist_error
)

// PersistFailures - ошибки записи файла состояния
var PersistFailures = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "killswitch",
		Subsystem: "persistence",
		Name:      "failures_total",
		Help:      "State file write failures",
	},
)

// AuditFailures - ошибки записи журнала аудита
var AuditFailures = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "killswitch",
		Subsystem: "audit",
		Name:      "write_failures_total",
		Help:      "Audit append failures (logged, never surfaced)",
	},
)

// CallbackPanics - паники в пользовательских callback'ах
var CallbackPanics = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "killswitch",
		Subsystem: "core",
		Name:      "callback_panics_total",
		Help:      "Panics recovered from kill/recover callbacks",
	},
	[]string{"callback"},
)

// ApprovalAttempts - попытки подтверждения восстановления
var ApprovalAttempts = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "killswitch",
		Subsystem: "recovery",
		Name:      "approval_attempts_total",
		Help:      "Recovery approval attempts by result",
	},
	[]string{"result"}, // accepted, rejected, throttled
)

// HealthChecks - прогоны проверок здоровья
var HealthChecks = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "killswitch",
		Subsystem: "recovery",
		Name:      "health_checks_total",
		Help:      "Recovery health check runs by result",
	},
	[]string{"result"}, // passed, failed
)

// ============ Латентность ============

// CheckLatency - время CheckAndBlock (горячий путь)
var CheckLatency = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "killswitch",
		Subsystem: "core",
		Name:      "check_latency_ms",
		Help:      "CheckAndBlock latency in milliseconds",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 5, 25, 100},
	},
)

// ============ Вспомогательные функции ============

// RecordState выставляет gauge текущего состояния
func RecordState(state models.KillSwitchState, factor float64) {
	for _, s := range models.AllStates() {
		v := 0.0
		if s == state {
			v = 1
		}
		CurrentState.WithLabelValues(string(s)).Set(v)
	}
	PositionLimitFactor.Set(factor)
}

// RecordTransition учитывает событие перехода
func RecordTransition(ev models.KillSwitchEvent) {
	if ev.IsLogical() {
		TransitionsTotal.WithLabelValues(string(ev.FromState), string(ev.ToState)).Inc()
		return
	}
	RetriggersTotal.Inc()
}

// RecordTriggerResults учитывает результаты одной оценки
func RecordTriggerResults(results []models.TriggerResult) {
	for _, r := range results {
		label := "clear"
		switch {
		case r.Failed():
			label = "error"
		case r.ShouldTrigger:
			label = "fired"
		}
		TriggerEvaluations.WithLabelValues(r.TriggerID, label).Inc()
	}
}

// RecordFailClosed учитывает срабатывание fail-closed
func RecordFailClosed(cause string) {
	FailClosedTotal.WithLabelValues(cause).Inc()
}

package trigger

import (
	"fmt"
	"time"

	"killswitch/internal/config"
	"killswitch/internal/models"
	"killswitch/pkg/utils"
)

// Registry хранит включённые триггеры в порядке конфигурации.
// Набор фиксируется при создании и дальше не меняется.
type Registry struct {
	triggers []Trigger
	manual   *ManualTrigger
	logger   *utils.Logger
}

// NewRegistry создаёт реестр из готовых триггеров
func NewRegistry(logger *utils.Logger, triggers ...Trigger) *Registry {
	if logger == nil {
		logger = utils.NewNopLogger()
	}

	r := &Registry{
		triggers: make([]Trigger, 0, len(triggers)),
		logger:   logger.WithComponent("triggers"),
	}
	for _, t := range triggers {
		if m, ok := t.(*ManualTrigger); ok && r.manual == nil {
			r.manual = m
		}
		r.triggers = append(r.triggers, t)
	}
	return r
}

// NewRegistryFromConfig строит реестр из конфигурации. Выключенные триггеры пропускаются.
func NewRegistryFromConfig(cfgs []config.TriggerConfig, clock func() time.Time, logger *utils.Logger) (*Registry, error) {
	if clock == nil {
		clock = time.Now
	}

	triggers := make([]Trigger, 0, len(cfgs))
	for _, tc := range cfgs {
		if !tc.IsEnabled() {
			continue
		}
		t, err := Build(tc, clock)
		if err != nil {
			return nil, err
		}
		triggers = append(triggers, t)
	}

	return NewRegistry(logger, triggers...), nil
}

// Build создаёт один триггер по его описанию
func Build(tc config.TriggerConfig, clock func() time.Time) (Trigger, error) {
	switch tc.Type {
	case config.TriggerThreshold:
		dir, err := ParseDirection(tc.Direction)
		if err != nil {
			return nil, fmt.Errorf("trigger %q: %w", tc.ID, err)
		}
		return NewThresholdTrigger(tc.ID, tc.Field, tc.Threshold, dir), nil

	case config.TriggerManual:
		return NewManualTrigger(tc.ID), nil

	case config.TriggerWatchdog:
		return NewWatchdogTrigger(tc.ID, WatchdogLimits{
			MaxHeartbeatAge: seconds(tc.MaxHeartbeatAgeSeconds),
			MaxMemoryMB:     tc.MaxMemoryMB,
			MaxCPUPercent:   tc.MaxCPUPercent,
		}, clock), nil

	case config.TriggerExternal:
		return NewExternalTrigger(tc.ID, seconds(tc.MaxPriceStalenessSeconds), clock), nil

	default:
		return nil, fmt.Errorf("trigger %q: unknown type %q", tc.ID, tc.Type)
	}
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// Evaluate оценивает все триггеры по порядку и возвращает все результаты.
// Паника одного триггера превращается в результат с ошибкой и не мешает остальным.
func (r *Registry) Evaluate(ctx Context) []models.TriggerResult {
	if r == nil {
		return nil
	}

	results := make([]models.TriggerResult, 0, len(r.triggers))
	for _, t := range r.triggers {
		results = append(results, r.evaluateOne(t, ctx))
	}
	return results
}

func (r *Registry) evaluateOne(t Trigger, ctx Context) (res models.TriggerResult) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("trigger panicked",
				utils.TriggerID(t.ID()),
				utils.Any("panic", rec),
			)
			res = failed(t.ID(), t.Kind(), fmt.Errorf("panic: %v", rec))
		}
	}()

	res = t.Evaluate(ctx)
	if res.TriggerID == "" {
		res.TriggerID = t.ID()
	}
	if res.Failed() {
		r.logger.Warn("trigger evaluation failed",
			utils.TriggerID(t.ID()),
			utils.String("error", res.Error),
		)
	}
	return res
}

// Triggers возвращает копию списка триггеров
func (r *Registry) Triggers() []Trigger {
	out := make([]Trigger, len(r.triggers))
	copy(out, r.triggers)
	return out
}

// Len - число включённых триггеров
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.triggers)
}

// Manual возвращает первый ручной триггер (или nil)
func (r *Registry) Manual() *ManualTrigger {
	if r == nil {
		return nil
	}
	return r.manual
}

// FirstFiring возвращает первый сработавший результат в порядке оценки
func FirstFiring(results []models.TriggerResult) (models.TriggerResult, bool) {
	for _, res := range results {
		if res.ShouldTrigger && !res.Failed() {
			return res, true
		}
	}
	return models.TriggerResult{}, false
}

// AnyFailed возвращает первый результат с ошибкой оценки
func AnyFailed(results []models.TriggerResult) (models.TriggerResult, bool) {
	for _, res := range results {
		if res.Failed() {
			return res, true
		}
	}
	return models.TriggerResult{}, false
}

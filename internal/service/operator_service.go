package service

import (
	"fmt"
	"strings"
	"time"

	"killswitch/internal/killswitch"
	"killswitch/internal/models"
	"killswitch/internal/trigger"
	"killswitch/pkg/utils"
)

// OperatorService - операции оператора над аварийным выключателем.
//
// Общий слой для CLI и HTTP API: обе поверхности вызывают одни и те же
// методы и одинаково сопоставляют ошибки с итогами (см. Classify).
//
// Отвечает за:
// - Статус и сверку состояния с журналом аудита
// - Ручной kill
// - Восстановление (запрос -> подтверждение -> проверки -> перезапуск)
// - Проверки здоровья и чтение журнала
// - Приём торгового контекста для триггеров
type OperatorService struct {
	core     KillSwitch
	recovery Recovery
	health   killswitch.HealthRunner
	audit    AuditReader
	cache    *killswitch.ContextCache
	clock    func() time.Time
	logger   *utils.Logger
}

// NewOperatorService создает сервис.
// cache хранит последний контекст, переданный через SubmitContext;
// он же используется проверками здоровья.
func NewOperatorService(
	core KillSwitch,
	recovery Recovery,
	health killswitch.HealthRunner,
	auditReader AuditReader,
	cache *killswitch.ContextCache,
	logger *utils.Logger,
) *OperatorService {
	if cache == nil {
		cache = &killswitch.ContextCache{}
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	return &OperatorService{
		core:     core,
		recovery: recovery,
		health:   health,
		audit:    auditReader,
		cache:    cache,
		clock:    time.Now,
		logger:   logger.WithComponent("operator"),
	}
}

// ============================================================
// Статус
// ============================================================

// StatusReport - ответ команды status
type StatusReport struct {
	Status   killswitch.Status       `json:"status"`
	Recovery killswitch.RecoveryInfo `json:"recovery"`
	Verify   *VerifyReport           `json:"verify,omitempty"`
}

// VerifyReport - сверка текущего состояния с воспроизведением журнала
type VerifyReport struct {
	Consistent  bool                   `json:"consistent"`
	Replayed    int                    `json:"replayed"`
	Logical     int                    `json:"logical"`
	State       models.KillSwitchState `json:"replayed_state"`
	LastEventID string                 `json:"replayed_last_event_id"`
	Error       string                 `json:"error,omitempty"`
}

// Status возвращает текущий статус. Всегда успешен.
func (s *OperatorService) Status() StatusReport {
	report := StatusReport{Status: s.core.GetStatus()}
	if s.recovery != nil {
		report.Recovery = s.recovery.Status()
	}
	return report
}

// StatusWithVerify - статус плюс сверка с журналом аудита.
// Расхождение не является ошибкой команды: оно отражается в отчёте.
func (s *OperatorService) StatusWithVerify() StatusReport {
	report := s.Status()
	v := s.Verify(report.Status)
	report.Verify = &v
	return report
}

// Verify воспроизводит события журнала и сравнивает итог со статусом.
func (s *OperatorService) Verify(status killswitch.Status) VerifyReport {
	if s.audit == nil {
		return VerifyReport{Error: "audit trail not available"}
	}

	events, err := s.audit.Events()
	if err != nil {
		return VerifyReport{Error: fmt.Sprintf("read audit trail: %v", err)}
	}

	res, err := killswitch.Replay(events)
	report := VerifyReport{
		Replayed: len(events),
		Logical:  res.Logical,
		State:    res.State,
	}
	if err != nil {
		report.Error = err.Error()
		return report
	}

	// повторный kill не меняет LastEventID ядра, сверяем по логическим
	for _, ev := range events {
		if ev.IsLogical() {
			report.LastEventID = ev.EventID
		}
	}

	report.Consistent = res.State == status.State && report.LastEventID == status.LastEventID
	if !report.Consistent {
		report.Error = fmt.Sprintf("replayed %s (%s), current %s (%s)",
			res.State, report.LastEventID, status.State, status.LastEventID)
		s.logger.Warn("audit replay does not match current state",
			utils.State(string(res.State)),
			utils.String("current_state", string(status.State)),
		)
	}
	return report
}

// ============================================================
// Kill
// ============================================================

// Trigger выполняет ручной kill.
//
// Возвращает:
// - событие (при повторном kill - событие KILLED -> KILLED)
// - ErrAlreadyKilled, если логического перехода не было
// - ошибку ядра (PersistenceError), если переход не сохранён
func (s *OperatorService) Trigger(reason, operator string) (models.KillSwitchEvent, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return models.KillSwitchEvent{}, fmt.Errorf("%w: reason is required", ErrInvalidInput)
	}

	ev, err := s.core.Trigger(reason, strings.TrimSpace(operator))
	if err != nil {
		s.logger.Error("manual trigger failed", utils.Reason(reason), utils.Err(err))
		return ev, err
	}
	if !ev.IsLogical() {
		return ev, ErrAlreadyKilled
	}

	s.logger.Warn("kill switch triggered by operator",
		utils.Reason(reason),
		utils.Actor(ev.TriggeredBy),
		utils.EventID(ev.EventID),
	)
	return ev, nil
}

// ============================================================
// Восстановление
// ============================================================

// RecoverInput - параметры команды recover
type RecoverInput struct {
	RequestedBy  string `json:"requested_by"`
	ApprovalCode string `json:"approval_code"`
	Reason       string `json:"reason"`
}

// RecoverResult - итог команды recover
type RecoverResult struct {
	Event    models.KillSwitchEvent  `json:"event"`
	Recovery killswitch.RecoveryInfo `json:"recovery"`
}

// Recover запускает восстановление на последнем известном контексте.
// Отказ подтверждения или проверок здоровья - ожидаемый отказ (OutcomeFailure).
func (s *OperatorService) Recover(in RecoverInput) (*RecoverResult, error) {
	if s.recovery == nil {
		return nil, fmt.Errorf("recovery manager not configured")
	}
	if strings.TrimSpace(in.ApprovalCode) == "" {
		return nil, fmt.Errorf("%w: approval code is required", ErrInvalidInput)
	}

	hctx := s.cache.Get()
	if hctx == nil {
		hctx = trigger.Context{}
	}

	ev, err := s.recovery.Recover(strings.TrimSpace(in.RequestedBy), in.ApprovalCode, in.Reason, hctx)
	result := &RecoverResult{Event: ev, Recovery: s.recovery.Status()}
	if err != nil {
		s.logger.Warn("recovery refused",
			utils.Actor(in.RequestedBy),
			utils.Err(err),
		)
		return result, err
	}

	s.logger.Info("recovery initiated",
		utils.Actor(in.RequestedBy),
		utils.EventID(ev.EventID),
		utils.Factor(result.Recovery.PositionLimitFactor),
	)
	return result, nil
}

// RecoveryStatus - текущая фаза восстановления
func (s *OperatorService) RecoveryStatus() killswitch.RecoveryInfo {
	if s.recovery == nil {
		return killswitch.RecoveryInfo{Phase: models.PhaseIdle}
	}
	return s.recovery.Status()
}

// ============================================================
// Проверки здоровья и контекст
// ============================================================

// Health выполняет проверки здоровья на последнем известном контексте.
// ErrUnhealthy, если хотя бы одна проверка не пройдена.
func (s *OperatorService) Health() (models.HealthCheckResult, error) {
	if s.health == nil {
		return models.HealthCheckResult{}, fmt.Errorf("health checker not configured")
	}

	hctx := s.cache.Get()
	if hctx == nil {
		hctx = trigger.Context{}
	}

	res := s.health.Run(hctx)
	if !res.IsHealthy {
		return res, fmt.Errorf("%w: %s", ErrUnhealthy, strings.Join(res.FailedChecks, ", "))
	}
	return res, nil
}

// ContextResult - ответ на приём контекста
type ContextResult struct {
	Blocked bool              `json:"blocked"`
	Status  killswitch.Status `json:"status"`
}

// SubmitContext объединяет контекст с кэшем и прогоняет CheckAndBlock.
// Проверяется полный объединённый контекст, а не только новые поля.
func (s *OperatorService) SubmitContext(ctx trigger.Context) ContextResult {
	s.cache.Merge(ctx, s.clock())
	full := s.cache.Get()

	blocked := s.core.CheckAndBlock(full)
	return ContextResult{Blocked: blocked, Status: s.core.GetStatus()}
}

// ============================================================
// Журнал аудита
// ============================================================

// Audit возвращает записи журнала в интервале, не больше limit последних
// (limit <= 0 - без ограничения).
func (s *OperatorService) Audit(since, until time.Time, limit int) ([]models.AuditEntry, error) {
	if s.audit == nil {
		return nil, fmt.Errorf("audit trail not available")
	}
	if !since.IsZero() && !until.IsZero() && until.Before(since) {
		return nil, fmt.Errorf("%w: until is before since", ErrInvalidInput)
	}

	entries, err := s.audit.Query(since, until)
	if err != nil {
		return nil, fmt.Errorf("query audit trail: %w", err)
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	if entries == nil {
		entries = []models.AuditEntry{}
	}
	return entries, nil
}

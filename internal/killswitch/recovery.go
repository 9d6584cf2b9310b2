package killswitch

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"killswitch/internal/models"
	"killswitch/internal/trigger"
	"killswitch/pkg/crypto"
	"killswitch/pkg/ratelimit"
	"killswitch/pkg/utils"
)

// recovery.go - выход из KILLED
//
// Последовательность: RequestRecovery -> Approve -> RunHealthChecks ->
// StartGradualRestart. Каждый шаг проверяет, что предыдущий пройден,
// и пишет запись в журнал аудита. Пропустить шаг нельзя.
//
// Поля RecoveryManager защищены mutex ядра: менеджер и ядро - одна
// критическая секция. bcrypt и проверки здоровья выполняются вне неё.

// HealthRunner выполняет проверки перед восстановлением
type HealthRunner interface {
	Run(ctx trigger.Context) models.HealthCheckResult
}

// RecoveryInfo - состояние процесса восстановления для оператора
type RecoveryInfo struct {
	Phase               models.RecoveryPhase      `json:"phase"`
	Request             *models.RecoveryRequest   `json:"request,omitempty"`
	HealthPassed        bool                      `json:"health_passed"`
	LastHealth          *models.HealthCheckResult `json:"last_health,omitempty"`
	PositionLimitFactor float64                   `json:"position_limit_factor"`
	Restart             *RestartStatus            `json:"restart,omitempty"`
}

// RecoveryManager управляет подтверждением и поэтапным перезапуском
type RecoveryManager struct {
	core       *Core
	health     HealthRunner
	secretHash string
	hashCost   int
	limiter    *ratelimit.RateLimiter
	logger     *utils.Logger

	// защищены core.mu
	phase        models.RecoveryPhase
	request      *models.RecoveryRequest
	healthPassed bool
	lastHealth   *models.HealthCheckResult
}

// NewRecoveryManager привязывает менеджер к ядру.
// Секрет подтверждения берётся из конфигурации ядра (только bcrypt хеш).
func NewRecoveryManager(core *Core, health HealthRunner, logger *utils.Logger) *RecoveryManager {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	cfg := core.Config()

	perMinute := cfg.Recovery.MaxFailedApprovalsPerMinute
	if perMinute <= 0 {
		perMinute = 5
	}

	rm := &RecoveryManager{
		core:       core,
		health:     health,
		secretHash: cfg.Security.ApprovalCodeHash,
		hashCost:   cfg.Recovery.ApprovalHashCost,
		limiter:    ratelimit.NewRateLimiter(float64(perMinute)/60.0, float64(perMinute)),
		logger:     logger.WithComponent("recovery"),
		phase:      models.PhaseIdle,
	}

	core.mu.Lock()
	core.recovery = rm
	if core.state == models.StateRecovering {
		rm.phase = models.PhaseCooldown
	}
	core.mu.Unlock()

	switch {
	case rm.secretHash == "":
		rm.logger.Warn("approval secret is not configured, recovery approval will always fail")
	case crypto.NeedsRehash(rm.secretHash, rm.hashCost):
		rm.logger.Warn("approval secret hash is weaker than recovery.approval_hash_cost, regenerate it",
			utils.Int("hash_cost", rm.hashCost))
	}

	return rm
}

// RequestRecovery создаёт запрос на восстановление. Новый запрос заменяет
// ожидающий. Код сохраняется только в виде bcrypt хеша.
func (rm *RecoveryManager) RequestRecovery(requestedBy, code, reason string) (*models.RecoveryRequest, error) {
	if requestedBy == "" {
		requestedBy = "unknown"
	}

	hash, err := crypto.HashCodeWithCost(code, rm.hashCost)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRecoveryApprovalFailed, err)
	}

	c := rm.core
	c.mu.Lock()
	defer c.unlockAndNotify()

	now := c.clock()
	c.advanceLocked(now)

	if c.state != models.StateKilled {
		return nil, fmt.Errorf("%w: current state %s", ErrNotKilled, c.state)
	}

	if prev := rm.request; prev != nil && prev.Status == models.RecoveryPending {
		rm.decideLocked(prev, models.RecoveryRejected, "superseded by new request", now)
		c.auditLocked(models.AuditEntry{
			Type:      models.AuditApprovalRejected,
			RequestID: prev.RequestID,
			Actor:     requestedBy,
			Reason:    "superseded by new request",
		})
	}

	req := &models.RecoveryRequest{
		RequestID:        c.newID(),
		RequestedBy:      requestedBy,
		ApprovalCodeHash: hash,
		Reason:           reason,
		RequestedAt:      now,
		Status:           models.RecoveryPending,
		EventID:          c.lastEventID,
	}
	rm.request = req
	rm.phase = models.PhasePendingApproval
	rm.healthPassed = false
	rm.lastHealth = nil

	c.auditLocked(models.AuditEntry{
		Type:      models.AuditRecoveryRequested,
		RequestID: req.RequestID,
		Actor:     requestedBy,
		Reason:    reason,
		Details:   map[string]interface{}{"event_id": req.EventID},
	})

	rm.logger.Info("recovery requested",
		utils.RequestID(req.RequestID),
		utils.Actor(requestedBy),
		utils.EventID(req.EventID),
	)

	out := *req
	return &out, nil
}

// ValidateApproval сверяет код с секретом и с кодом запроса
func (rm *RecoveryManager) ValidateApproval(code string) bool {
	return rm.Approve(code) == nil
}

// Approve - ValidateApproval с причиной отказа
func (rm *RecoveryManager) Approve(code string) error {
	c := rm.core

	c.mu.Lock()
	req := rm.request
	if req == nil || req.Status != models.RecoveryPending {
		c.mu.Unlock()
		return ErrNoPendingRequest
	}
	if c.state != models.StateKilled {
		c.mu.Unlock()
		return fmt.Errorf("%w: current state %s", ErrNotKilled, c.state)
	}
	requestID, requestHash := req.RequestID, req.ApprovalCodeHash
	c.mu.Unlock()

	var verdict error
	if rm.limiter.RetryAfter() > 0 {
		verdict = ErrApprovalThrottled
	} else {
		// обе проверки выполняются всегда, без короткого замыкания
		secretOK := rm.secretHash != "" && crypto.CodeMatches(code, rm.secretHash)
		requestOK := crypto.CodeMatches(code, requestHash)
		if !secretOK || !requestOK {
			verdict = ErrRecoveryApprovalFailed
			rm.limiter.Allow()
		}
	}

	c.mu.Lock()
	defer c.unlockAndNotify()

	req = rm.request
	if req == nil || req.RequestID != requestID || req.Status != models.RecoveryPending {
		return ErrNoPendingRequest
	}
	now := c.clock()

	if verdict != nil {
		result := "rejected"
		if errors.Is(verdict, ErrApprovalThrottled) {
			result = "throttled"
		}
		ApprovalAttempts.WithLabelValues(result).Inc()

		rm.decideLocked(req, models.RecoveryRejected, verdict.Error(), now)
		rm.phase = models.PhaseIdle
		c.auditLocked(models.AuditEntry{
			Type:      models.AuditApprovalRejected,
			RequestID: req.RequestID,
			Actor:     req.RequestedBy,
			Reason:    verdict.Error(),
		})
		rm.logger.Warn("recovery approval rejected",
			utils.RequestID(req.RequestID),
			utils.Actor(req.RequestedBy),
			utils.Err(verdict),
		)
		return verdict
	}

	ApprovalAttempts.WithLabelValues("accepted").Inc()
	rm.limiter.Reset()
	rm.decideLocked(req, models.RecoveryApproved, "approval code accepted", now)
	rm.phase = models.PhaseHealthCheck
	c.auditLocked(models.AuditEntry{
		Type:      models.AuditApprovalAccepted,
		RequestID: req.RequestID,
		Actor:     req.RequestedBy,
	})
	rm.logger.Info("recovery approved", utils.RequestID(req.RequestID), utils.Actor(req.RequestedBy))
	return nil
}

// RunHealthChecks выполняет проверки для подтверждённого запроса.
// Провал очищает запрос: восстановление начинается заново.
func (rm *RecoveryManager) RunHealthChecks(hctx trigger.Context) (models.HealthCheckResult, error) {
	c := rm.core

	c.mu.Lock()
	req := rm.request
	if err := rm.requireApprovedLocked(req); err != nil {
		c.mu.Unlock()
		return models.HealthCheckResult{}, err
	}
	requestID := req.RequestID
	c.mu.Unlock()

	var res models.HealthCheckResult
	if rm.health == nil {
		res = models.HealthCheckResult{
			FailedChecks: []string{"configuration"},
			Checks:       []models.CheckOutcome{{Name: "configuration", Message: "no health checker configured"}},
			CheckedAt:    c.clock(),
		}
	} else {
		res = rm.health.Run(hctx)
	}

	c.mu.Lock()
	defer c.unlockAndNotify()

	req = rm.request
	if req == nil || req.RequestID != requestID || req.Status != models.RecoveryApproved {
		return res, ErrNoPendingRequest
	}
	rm.lastHealth = &res

	if !res.IsHealthy {
		HealthChecks.WithLabelValues("failed").Inc()
		c.auditLocked(models.AuditEntry{
			Type:      models.AuditHealthFailed,
			RequestID: requestID,
			Actor:     req.RequestedBy,
			Reason:    healthFailureReason(res),
			Details:   map[string]interface{}{"failed_checks": res.FailedChecks},
		})
		rm.request = nil
		rm.healthPassed = false
		rm.phase = models.PhaseIdle

		rm.logger.Warn("recovery health checks failed",
			utils.RequestID(requestID),
			utils.Any("failed_checks", res.FailedChecks),
		)
		return res, &HealthCheckFailedError{Result: res}
	}

	HealthChecks.WithLabelValues("passed").Inc()
	rm.healthPassed = true
	c.auditLocked(models.AuditEntry{
		Type:      models.AuditHealthPassed,
		RequestID: requestID,
		Actor:     req.RequestedBy,
		Details:   map[string]interface{}{"checks": len(res.Checks)},
	})
	rm.logger.Info("recovery health checks passed", utils.RequestID(requestID))
	return res, nil
}

// StartGradualRestart фиксирует KILLED -> RECOVERING
func (rm *RecoveryManager) StartGradualRestart() (models.KillSwitchEvent, error) {
	c := rm.core
	c.mu.Lock()
	defer c.unlockAndNotify()

	c.advanceLocked(c.clock())

	req := rm.request
	if err := rm.requireApprovedLocked(req); err != nil {
		return models.KillSwitchEvent{}, err
	}
	if !rm.healthPassed {
		return models.KillSwitchEvent{}, fmt.Errorf("%w: health checks have not passed", ErrHealthCheckFailed)
	}

	reason := "recovery approved"
	if req.Reason != "" {
		reason = "recovery approved: " + req.Reason
	}
	ev, err := c.commitLocked(models.StateRecovering, reason, req.RequestedBy, "",
		map[string]interface{}{"request_id": req.RequestID})
	if err != nil {
		return models.KillSwitchEvent{}, err
	}

	// при нулевом cooldown первая ступень наступает сразу
	c.advanceLocked(c.clock())
	return ev, nil
}

// Recover проходит всю последовательность за один вызов
func (rm *RecoveryManager) Recover(requestedBy, code, reason string, hctx trigger.Context) (models.KillSwitchEvent, error) {
	if _, err := rm.RequestRecovery(requestedBy, code, reason); err != nil {
		return models.KillSwitchEvent{}, err
	}
	if err := rm.Approve(code); err != nil {
		return models.KillSwitchEvent{}, err
	}
	if _, err := rm.RunHealthChecks(hctx); err != nil {
		return models.KillSwitchEvent{}, err
	}
	return rm.StartGradualRestart()
}

// PositionLimitFactor - множитель объёма позиций (см. Core.PositionLimitFactor)
func (rm *RecoveryManager) PositionLimitFactor() float64 {
	return rm.core.PositionLimitFactor()
}

// Status возвращает фазу, запрос (без хеша кода) и ход перезапуска
func (rm *RecoveryManager) Status() RecoveryInfo {
	c := rm.core
	c.mu.Lock()
	defer c.unlockAndNotify()

	c.advanceLocked(c.clock())

	info := RecoveryInfo{
		Phase:               rm.phase,
		HealthPassed:        rm.healthPassed,
		PositionLimitFactor: c.factor,
	}
	if rm.phase == models.PhaseCooldown && c.stage >= 0 {
		info.Phase = models.PhaseGradualRestart
	}
	if rm.request != nil {
		req := *rm.request
		req.ApprovalCodeHash = ""
		info.Request = &req
	}
	if rm.lastHealth != nil {
		h := *rm.lastHealth
		info.LastHealth = &h
	}
	if c.state == models.StateRecovering && c.restart != nil {
		info.Restart = c.restart.status(c.stage)
	}
	return info
}

// Phase - текущая фаза восстановления
func (rm *RecoveryManager) Phase() models.RecoveryPhase {
	return rm.Status().Phase
}

// requireApprovedLocked: ядро в KILLED и запрос подтверждён
func (rm *RecoveryManager) requireApprovedLocked(req *models.RecoveryRequest) error {
	if rm.core.state != models.StateKilled {
		return fmt.Errorf("%w: current state %s", ErrNotKilled, rm.core.state)
	}
	if req == nil {
		return ErrNoPendingRequest
	}
	if req.Status != models.RecoveryApproved {
		return fmt.Errorf("%w: request %s is %s", ErrRecoveryApprovalFailed, req.RequestID, req.Status)
	}
	return nil
}

func (rm *RecoveryManager) decideLocked(req *models.RecoveryRequest, status models.RecoveryStatus, reason string, at time.Time) {
	req.Status = status
	req.DecidedAt = &at
	req.DecisionReason = reason
}

// onTransitionLocked вызывается ядром после каждого логического перехода
func (rm *RecoveryManager) onTransitionLocked(ev models.KillSwitchEvent) {
	switch {
	case ev.ToState == models.StateRecovering:
		rm.phase = models.PhaseCooldown

	case ev.ToState == models.StateActive:
		rm.phase = models.PhaseComplete
		rm.request = nil
		rm.healthPassed = false

	case ev.FromState == models.StateRecovering && ev.ToState == models.StateKilled:
		rm.phase = models.PhaseAborted
		requestID := ""
		if rm.request != nil {
			requestID = rm.request.RequestID
		}
		rm.request = nil
		rm.healthPassed = false

		rm.core.auditLocked(models.AuditEntry{
			Type:      models.AuditRecoveryAborted,
			RequestID: requestID,
			Actor:     ev.TriggeredBy,
			Reason:    ev.Reason,
			Details:   map[string]interface{}{"event_id": ev.EventID},
		})
		rm.logger.Warn("gradual restart aborted", utils.Reason(ev.Reason), utils.EventID(ev.EventID))

	case ev.ToState == models.StateKilled:
		rm.phase = models.PhaseIdle
		rm.request = nil
		rm.healthPassed = false
		rm.lastHealth = nil
	}
}

// healthFailureReason - "check: message; ..." по непройденным проверкам
func healthFailureReason(res models.HealthCheckResult) string {
	var parts []string
	for _, ch := range res.Checks {
		if ch.Passed {
			continue
		}
		if ch.Message == "" {
			parts = append(parts, ch.Name)
			continue
		}
		parts = append(parts, ch.Name+": "+ch.Message)
	}
	if len(parts) == 0 {
		parts = res.FailedChecks
	}
	if len(parts) == 0 {
		return "health checks failed"
	}
	return strings.Join(parts, "; ")
}

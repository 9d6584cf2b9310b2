package service

import (
	"time"

	"killswitch/internal/audit"
	"killswitch/internal/killswitch"
	"killswitch/internal/models"
	"killswitch/internal/trigger"
)

// KillSwitch - то, что сервису нужно от ядра
type KillSwitch interface {
	CheckAndBlock(ctx trigger.Context) bool
	Trigger(reason, triggeredBy string) (models.KillSwitchEvent, error)
	GetStatus() killswitch.Status
}

// Recovery - то, что сервису нужно от менеджера восстановления
type Recovery interface {
	Recover(requestedBy, code, reason string, hctx trigger.Context) (models.KillSwitchEvent, error)
	Status() killswitch.RecoveryInfo
}

// AuditReader - чтение журнала аудита
type AuditReader interface {
	Query(since, until time.Time) ([]models.AuditEntry, error)
	Events() ([]models.KillSwitchEvent, error)
}

// Проверяем, что реальные компоненты реализуют интерфейсы
var _ KillSwitch = (*killswitch.Core)(nil)
var _ Recovery = (*killswitch.RecoveryManager)(nil)
var _ AuditReader = (*audit.Trail)(nil)

// ============ Интерфейс сервиса для Dependency Injection ============

// OperatorServiceInterface определяет интерфейс операторского сервиса
type OperatorServiceInterface interface {
	Status() StatusReport
	StatusWithVerify() StatusReport
	Trigger(reason, operator string) (models.KillSwitchEvent, error)
	Recover(in RecoverInput) (*RecoverResult, error)
	RecoveryStatus() killswitch.RecoveryInfo
	Health() (models.HealthCheckResult, error)
	SubmitContext(ctx trigger.Context) ContextResult
	Audit(since, until time.Time, limit int) ([]models.AuditEntry, error)
}

var _ OperatorServiceInterface = (*OperatorService)(nil)

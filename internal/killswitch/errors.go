package killswitch

import (
	"errors"
	"fmt"
	"strings"

	"killswitch/internal/models"
)

// Sentinel ошибки для errors.Is
var (
	ErrTradingBlocked         = errors.New("trading blocked by kill switch")
	ErrRecoveryApprovalFailed = errors.New("recovery approval failed")
	ErrHealthCheckFailed      = errors.New("health check failed")
	ErrPersistenceFailure     = errors.New("state persistence failed")
	ErrInvalidTransition      = errors.New("invalid state transition")
	ErrNotKilled              = errors.New("kill switch is not in KILLED state")
	ErrNoPendingRequest       = errors.New("no pending recovery request")
	ErrApprovalThrottled      = errors.New("too many failed approval attempts")
)

// InvalidTransitionError - попытка недопустимого перехода. Ошибка программиста,
// никогда не подавляется.
type InvalidTransitionError struct {
	From models.KillSwitchState
	To   models.KillSwitchState
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition %s -> %s", e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// TradingBlockedError возвращается gate, когда исполнение запрещено
type TradingBlockedError struct {
	State  models.KillSwitchState
	Reason string
	Factor float64
}

func (e *TradingBlockedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("trading blocked: state %s", e.State)
	}
	return fmt.Sprintf("trading blocked: state %s: %s", e.State, e.Reason)
}

func (e *TradingBlockedError) Is(target error) bool {
	return target == ErrTradingBlocked
}

// HealthCheckFailedError - проверки здоровья не пройдены, восстановление прервано
type HealthCheckFailedError struct {
	Result models.HealthCheckResult
}

func (e *HealthCheckFailedError) Error() string {
	return fmt.Sprintf("health check failed: %s", strings.Join(e.Result.FailedChecks, ", "))
}

func (e *HealthCheckFailedError) Is(target error) bool {
	return target == ErrHealthCheckFailed
}

// PersistenceError - сбой записи файла состояния. Переход отклонён.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("state persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

func (e *PersistenceError) Is(target error) bool {
	return target == ErrPersistenceFailure
}

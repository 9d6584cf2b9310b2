package service

import (
	"errors"

	"killswitch/internal/killswitch"
)

// Outcome - итог операторской команды, он же код выхода CLI
type Outcome int

const (
	OutcomeSuccess  Outcome = 0 // операция выполнена
	OutcomeFailure  Outcome = 1 // ожидаемый отказ (неверный код, нездоров, уже KILLED)
	OutcomeInternal Outcome = 2 // внутренняя ошибка (диск, конфигурация)
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	default:
		return "internal_error"
	}
}

// Ошибки сервиса
var (
	ErrAlreadyKilled = errors.New("kill switch already killed")
	ErrUnhealthy     = errors.New("system is not healthy")
	ErrInvalidInput  = errors.New("invalid input")
)

// expected - ошибки, которые являются нормальным отказом, а не сбоем
var expected = []error{
	ErrAlreadyKilled,
	ErrUnhealthy,
	ErrInvalidInput,
	killswitch.ErrRecoveryApprovalFailed,
	killswitch.ErrApprovalThrottled,
	killswitch.ErrHealthCheckFailed,
	killswitch.ErrNotKilled,
	killswitch.ErrNoPendingRequest,
	killswitch.ErrTradingBlocked,
	killswitch.ErrInvalidTransition,
}

// Classify сопоставляет ошибку с итогом
func Classify(err error) Outcome {
	if err == nil {
		return OutcomeSuccess
	}
	for _, target := range expected {
		if errors.Is(err, target) {
			return OutcomeFailure
		}
	}
	return OutcomeInternal
}

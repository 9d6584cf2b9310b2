package main

import (
	"context"
	"fmt"
	"time"

	"killswitch/internal/client"
	"killswitch/internal/models"
	"killswitch/internal/service"
	"killswitch/internal/trigger"
)

// operator - операции командной строки. Две реализации: HTTP клиент
// работающего демона (по умолчанию) и локальный сервис (--local).
type operator interface {
	Status(ctx context.Context, verify bool) (service.StatusReport, error)
	Trigger(ctx context.Context, reason, operator string) (models.KillSwitchEvent, error)
	SubmitContext(ctx context.Context, tctx trigger.Context) (service.ContextResult, error)
	Recover(ctx context.Context, in service.RecoverInput) (*service.RecoverResult, error)
	Health(ctx context.Context) (models.HealthCheckResult, error)
	Audit(ctx context.Context, since, until time.Time, limit int) ([]models.AuditEntry, error)
}

var _ operator = (*client.Client)(nil)
var _ operator = (*localOperator)(nil)

// localOperator выполняет команды в процессе CLI на тех же файлах
// состояния и журнала. Только когда демон не запущен.
type localOperator struct {
	app *app
}

func (l *localOperator) Status(_ context.Context, verify bool) (service.StatusReport, error) {
	if verify {
		return l.app.svc.StatusWithVerify(), nil
	}
	return l.app.svc.Status(), nil
}

func (l *localOperator) Trigger(_ context.Context, reason, operator string) (models.KillSwitchEvent, error) {
	return l.app.svc.Trigger(reason, operator)
}

func (l *localOperator) SubmitContext(_ context.Context, tctx trigger.Context) (service.ContextResult, error) {
	return l.app.svc.SubmitContext(tctx), nil
}

// Recover без демона бессмысленен: RECOVERING после выхода процесса
// восстанавливается как KILLED, а эскалацию двигает только опрос демона.
func (l *localOperator) Recover(context.Context, service.RecoverInput) (*service.RecoverResult, error) {
	return nil, fmt.Errorf("%w: recover needs a running daemon, drop --local", service.ErrInvalidInput)
}

func (l *localOperator) Health(context.Context) (models.HealthCheckResult, error) {
	return l.app.svc.Health()
}

func (l *localOperator) Audit(_ context.Context, since, until time.Time, limit int) ([]models.AuditEntry, error) {
	return l.app.svc.Audit(since, until, limit)
}

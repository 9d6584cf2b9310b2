package handlers

import (
	"sync"
	"time"

	"killswitch/internal/killswitch"
	"killswitch/internal/models"
	"killswitch/internal/service"
	"killswitch/internal/trigger"
)

// ============ Mock Operator Service ============

// MockOperatorService мок для service.OperatorServiceInterface
type MockOperatorService struct {
	mu sync.Mutex

	status     killswitch.Status
	recovery   killswitch.RecoveryInfo
	health     models.HealthCheckResult
	healthErr  error
	triggerErr error
	recoverErr error
	auditErr   error
	entries    []models.AuditEntry

	lastContext  trigger.Context
	lastRecover  service.RecoverInput
	lastOperator string
	auditSince   time.Time
	auditUntil   time.Time
	auditLimit   int
}

// NewMockOperatorService создает мок в состоянии ACTIVE
func NewMockOperatorService() *MockOperatorService {
	return &MockOperatorService{
		status:   killswitch.Status{State: models.StateActive, PositionLimitFactor: 1},
		recovery: killswitch.RecoveryInfo{Phase: models.PhaseIdle},
	}
}

func (m *MockOperatorService) Status() service.StatusReport {
	m.mu.Lock()
	defer m.mu.Unlock()
	return service.StatusReport{Status: m.status, Recovery: m.recovery}
}

func (m *MockOperatorService) StatusWithVerify() service.StatusReport {
	report := m.Status()
	report.Verify = &service.VerifyReport{Consistent: true, State: report.Status.State}
	return report
}

func (m *MockOperatorService) Trigger(reason, operator string) (models.KillSwitchEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastOperator = operator
	if m.triggerErr != nil {
		return models.KillSwitchEvent{}, m.triggerErr
	}
	ev := models.KillSwitchEvent{
		EventID:     "ev-001",
		FromState:   m.status.State,
		ToState:     models.StateKilled,
		Reason:      reason,
		TriggeredBy: operator,
	}
	m.status.State = models.StateKilled
	m.status.LastEventID = ev.EventID
	return ev, nil
}

func (m *MockOperatorService) Recover(in service.RecoverInput) (*service.RecoverResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastRecover = in
	if m.recoverErr != nil {
		return nil, m.recoverErr
	}
	m.recovery.Phase = models.PhaseCooldown
	return &service.RecoverResult{
		Event:    models.KillSwitchEvent{EventID: "ev-002", FromState: models.StateKilled, ToState: models.StateRecovering},
		Recovery: m.recovery,
	}, nil
}

func (m *MockOperatorService) RecoveryStatus() killswitch.RecoveryInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recovery
}

func (m *MockOperatorService) Health() (models.HealthCheckResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.health, m.healthErr
}

func (m *MockOperatorService) SubmitContext(ctx trigger.Context) service.ContextResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastContext = ctx
	return service.ContextResult{Blocked: m.status.State == models.StateKilled, Status: m.status}
}

func (m *MockOperatorService) Audit(since, until time.Time, limit int) ([]models.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.auditSince, m.auditUntil, m.auditLimit = since, until, limit
	if m.auditErr != nil {
		return nil, m.auditErr
	}
	return m.entries, nil
}

var _ service.OperatorServiceInterface = (*MockOperatorService)(nil)

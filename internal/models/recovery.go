package models

import "time"

// RecoveryStatus - статус запроса на восстановление
type RecoveryStatus string

// Статусы запроса
const (
	RecoveryPending  RecoveryStatus = "PENDING"
	RecoveryApproved RecoveryStatus = "APPROVED"
	RecoveryRejected RecoveryStatus = "REJECTED"
)

// RecoveryRequest - запрос оператора на выход из KILLED.
// Код подтверждения хранится только в виде bcrypt хеша.
type RecoveryRequest struct {
	RequestID        string         `json:"request_id"`
	RequestedBy      string         `json:"requested_by"`
	ApprovalCodeHash string         `json:"approval_code_hash"`
	Reason           string         `json:"reason"`
	RequestedAt      time.Time      `json:"requested_at"`
	Status           RecoveryStatus `json:"status"`
	EventID          string         `json:"event_id"` // событие KILLED, которое снимает запрос
	DecidedAt        *time.Time     `json:"decided_at,omitempty"`
	DecisionReason   string         `json:"decision_reason,omitempty"`
}

// RecoveryPhase - фаза процесса восстановления
type RecoveryPhase string

// Фазы восстановления
const (
	PhaseIdle            RecoveryPhase = "IDLE"
	PhasePendingApproval RecoveryPhase = "PENDING_APPROVAL"
	PhaseHealthCheck     RecoveryPhase = "HEALTH_CHECK"
	PhaseCooldown        RecoveryPhase = "COOLDOWN"
	PhaseGradualRestart  RecoveryPhase = "GRADUAL_RESTART"
	PhaseComplete        RecoveryPhase = "COMPLETE"
	PhaseAborted         RecoveryPhase = "ABORTED"
)

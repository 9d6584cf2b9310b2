package models

import "time"

// AuditEntryType - тип записи журнала аудита
type AuditEntryType string

// Типы записей аудита
const (
	AuditTransition        AuditEntryType = "TRANSITION"          // логический переход состояния
	AuditRetrigger         AuditEntryType = "RETRIGGER"           // повторный trigger в KILLED
	AuditRecoveryRequested AuditEntryType = "RECOVERY_REQUESTED"  // создан запрос на восстановление
	AuditApprovalAccepted  AuditEntryType = "APPROVAL_ACCEPTED"   // код подтверждения принят
	AuditApprovalRejected  AuditEntryType = "APPROVAL_REJECTED"   // код подтверждения отклонён
	AuditHealthPassed      AuditEntryType = "HEALTH_CHECK_PASSED" // проверки здоровья пройдены
	AuditHealthFailed      AuditEntryType = "HEALTH_CHECK_FAILED" // проверки здоровья не пройдены
	AuditEscalation        AuditEntryType = "ESCALATION"          // повышение position limit factor
	AuditRecoveryAborted   AuditEntryType = "RECOVERY_ABORTED"    // восстановление прервано
)

// AuditEntry - одна строка журнала аудита (JSON объект).
// Удаляется только политикой хранения.
type AuditEntry struct {
	Seq       uint64                 `json:"seq"`
	Timestamp time.Time              `json:"timestamp"`
	Type      AuditEntryType         `json:"type"`
	Event     *KillSwitchEvent       `json:"event,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
	Actor     string                 `json:"actor,omitempty"`
	Reason    string                 `json:"reason,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// EntryReason возвращает причину записи: из события или из поля Reason
func (e AuditEntry) EntryReason() string {
	if e.Reason != "" {
		return e.Reason
	}
	if e.Event != nil {
		return e.Event.Reason
	}
	return ""
}

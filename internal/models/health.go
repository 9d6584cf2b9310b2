package models

import "time"

// CheckOutcome - результат одной проверки здоровья
type CheckOutcome struct {
	Name    string `json:"name"`
	Passed  bool   `json:"passed"`
	Message string `json:"message"`
}

// HealthCheckResult - агрегированный результат проверок перед восстановлением
type HealthCheckResult struct {
	IsHealthy    bool           `json:"is_healthy"`
	FailedChecks []string       `json:"failed_checks"`
	Checks       []CheckOutcome `json:"checks"`
	CheckedAt    time.Time      `json:"checked_at"`
}

package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"killswitch/internal/killswitch"
	"killswitch/internal/models"
	"killswitch/internal/service"
	"killswitch/internal/trigger"
	"killswitch/pkg/utils"
)

// OperatorHeader - заголовок с именем оператора, если в теле оно не указано
const OperatorHeader = "X-Operator"

// KillSwitchHandler - HTTP интерфейс оператора
//
// Функции:
// - Статус и сверка с журналом (GET /api/v1/status)
// - Ручной kill (POST /api/v1/trigger)
// - Приём торгового контекста (POST /api/v1/context)
// - Восстановление (POST /api/v1/recover, GET /api/v1/recovery)
// - Журнал аудита (GET /api/v1/audit)
// - Проверки здоровья (GET /api/v1/health)
//
// Итоги сервиса отображаются на HTTP статусы так же, как на коды выхода CLI:
// успех - 2xx, ожидаемый отказ - 4xx/503, внутренняя ошибка - 500.
type KillSwitchHandler struct {
	svc   service.OperatorServiceInterface
	clock func() time.Time
}

// NewKillSwitchHandler создает handler
func NewKillSwitchHandler(svc service.OperatorServiceInterface) *KillSwitchHandler {
	return &KillSwitchHandler{svc: svc, clock: time.Now}
}

// TriggerRequest - тело POST /api/v1/trigger
type TriggerRequest struct {
	Reason   string `json:"reason"`
	Operator string `json:"operator"`
}

// TriggerResponse - ответ на успешный kill
type TriggerResponse struct {
	Event        models.KillSwitchEvent `json:"event"`
	Transitioned bool                   `json:"transitioned"`
}

// AuditResponse - ответ GET /api/v1/audit
type AuditResponse struct {
	Entries []models.AuditEntry `json:"entries"`
	Total   int                 `json:"total"`
}

// GetStatus возвращает статус
// GET /api/v1/status?verify=true
func (h *KillSwitchHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	verify, _ := strconv.ParseBool(r.URL.Query().Get("verify"))
	if verify {
		respondWithJSON(w, http.StatusOK, h.svc.StatusWithVerify())
		return
	}
	respondWithJSON(w, http.StatusOK, h.svc.Status())
}

// Trigger выполняет ручной kill
// POST /api/v1/trigger
//
// Ответы:
// - 200 OK: переход в KILLED выполнен
// - 400 Bad Request: нет причины
// - 409 Conflict: уже KILLED (причина обновлена)
// - 500: переход не сохранён, состояние не изменилось
func (h *KillSwitchHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	var req TriggerRequest
	if err := decodeBody(w, r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid_body", "Invalid request body", err.Error())
		return
	}
	if req.Operator == "" {
		req.Operator = r.Header.Get(OperatorHeader)
	}

	ev, err := h.svc.Trigger(req.Reason, req.Operator)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, TriggerResponse{Event: ev, Transitioned: true})
}

// SubmitContext принимает торговый контекст и прогоняет триггеры
// POST /api/v1/context
//
// Тело - JSON объект с полями контекста (drawdown, daily_pnl, last_heartbeat, ...)
func (h *KillSwitchHandler) SubmitContext(w http.ResponseWriter, r *http.Request) {
	var ctx trigger.Context
	if err := decodeBody(w, r, &ctx); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid_body", "Invalid request body", err.Error())
		return
	}
	if len(ctx) == 0 {
		respondWithError(w, http.StatusBadRequest, "invalid_input", "Context must not be empty", "")
		return
	}

	respondWithJSON(w, http.StatusOK, h.svc.SubmitContext(ctx))
}

// Recover запускает восстановление
// POST /api/v1/recover
//
// Ответы:
// - 200 OK: перезапуск начат (RECOVERING)
// - 403 Forbidden: код подтверждения не принят
// - 409 Conflict: выключатель не в KILLED
// - 429 Too Many Requests: слишком много неудачных попыток
// - 503 Service Unavailable: проверки здоровья не пройдены
func (h *KillSwitchHandler) Recover(w http.ResponseWriter, r *http.Request) {
	var req service.RecoverInput
	if err := decodeBody(w, r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid_body", "Invalid request body", err.Error())
		return
	}
	if req.RequestedBy == "" {
		req.RequestedBy = r.Header.Get(OperatorHeader)
	}

	res, err := h.svc.Recover(req)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, res)
}

// GetRecovery возвращает фазу восстановления
// GET /api/v1/recovery
func (h *KillSwitchHandler) GetRecovery(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, h.svc.RecoveryStatus())
}

// GetHealth выполняет проверки здоровья
// GET /api/v1/health
//
// 200 - все проверки пройдены, 503 - есть проваленные (тело то же)
func (h *KillSwitchHandler) GetHealth(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Health()
	switch {
	case err == nil:
		respondWithJSON(w, http.StatusOK, res)
	case errors.Is(err, service.ErrUnhealthy):
		respondWithJSON(w, http.StatusServiceUnavailable, res)
	default:
		h.handleServiceError(w, err)
	}
}

// GetAudit возвращает записи журнала
// GET /api/v1/audit?since=&until=&limit=
//
// since/until: RFC3339 или длительность назад от текущего времени ("1h", "30m")
func (h *KillSwitchHandler) GetAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	now := h.clock()

	since, err := utils.ParseSince(q.Get("since"), now)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid_since", "Invalid since parameter", err.Error())
		return
	}
	until, err := utils.ParseSince(q.Get("until"), now)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid_until", "Invalid until parameter", err.Error())
		return
	}

	limit := 0
	if s := q.Get("limit"); s != "" {
		limit, err = strconv.Atoi(s)
		if err != nil || limit < 0 {
			respondWithError(w, http.StatusBadRequest, "invalid_limit", "Limit must be a non-negative integer", "")
			return
		}
	}

	entries, err := h.svc.Audit(since, until, limit)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, AuditResponse{Entries: entries, Total: len(entries)})
}

// handleServiceError обрабатывает ошибки от сервиса и возвращает соответствующий HTTP статус
func (h *KillSwitchHandler) handleServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		respondWithError(w, http.StatusBadRequest, "invalid_input", "Invalid input", err.Error())

	case errors.Is(err, service.ErrAlreadyKilled):
		respondWithError(w, http.StatusConflict, "already_killed", "Kill switch is already KILLED", "")

	case errors.Is(err, killswitch.ErrApprovalThrottled):
		respondWithError(w, http.StatusTooManyRequests, "approval_throttled", "Too many failed approval attempts", "")

	case errors.Is(err, killswitch.ErrRecoveryApprovalFailed):
		respondWithError(w, http.StatusForbidden, "approval_failed", "Recovery approval failed", "")

	case errors.Is(err, killswitch.ErrHealthCheckFailed), errors.Is(err, service.ErrUnhealthy):
		respondWithError(w, http.StatusServiceUnavailable, "health_check_failed", "Health checks failed", err.Error())

	case errors.Is(err, killswitch.ErrNotKilled):
		respondWithError(w, http.StatusConflict, "not_killed", "Kill switch is not KILLED", err.Error())

	case errors.Is(err, killswitch.ErrInvalidTransition):
		respondWithError(w, http.StatusConflict, "invalid_transition", "State transition not allowed", err.Error())

	case errors.Is(err, killswitch.ErrNoPendingRequest):
		respondWithError(w, http.StatusConflict, "no_pending_request", "No pending recovery request", "")

	case errors.Is(err, killswitch.ErrPersistenceFailure):
		respondWithError(w, http.StatusInternalServerError, "persistence_failure", "State could not be persisted, nothing changed", err.Error())

	default:
		respondWithError(w, http.StatusInternalServerError, "internal_error", "Internal server error", err.Error())
	}
}

package killswitch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"killswitch/internal/config"
	"killswitch/internal/models"
	"killswitch/internal/trigger"
	"killswitch/pkg/retry"
	"killswitch/pkg/utils"
)

// StateStore - хранилище снимка состояния (файл состояния)
type StateStore interface {
	Save(state models.PersistedState) error
	// Load возвращает nil, nil если сохранённого состояния нет
	Load() (*models.PersistedState, error)
}

// AuditSink - журнал аудита. Номер записи назначает сам журнал.
type AuditSink interface {
	Append(entry models.AuditEntry) error
}

// TriggerEvaluator - набор триггеров (обычно *trigger.Registry)
type TriggerEvaluator interface {
	Evaluate(ctx trigger.Context) []models.TriggerResult
}

// manualSource - реестр, знающий свой ручной триггер
type manualSource interface {
	Manual() *trigger.ManualTrigger
}

// Callback вызывается после перехода, вне критической секции
type Callback func(event models.KillSwitchEvent)

// StatusObserver получает снимок после каждого изменения
type StatusObserver func(status Status)

// Status - согласованный снимок состояния ядра
type Status struct {
	State               models.KillSwitchState `json:"state"`
	Description         string                 `json:"description"`
	Enabled             bool                   `json:"enabled"`
	Mode                string                 `json:"mode"`
	LastEventID         string                 `json:"last_event_id"`
	LastReason          string                 `json:"last_reason"`
	TriggeredBy         string                 `json:"triggered_by"`
	EventCount          int                    `json:"event_count"`
	UpdatedAt           time.Time              `json:"updated_at"`
	PositionLimitFactor float64                `json:"position_limit_factor"`
	Restart             *RestartStatus         `json:"restart,omitempty"`
}

// Blocked - запрещено ли исполнение в этом снимке
func (s Status) Blocked() bool {
	return s.State == models.StateKilled ||
		(s.State == models.StateRecovering && s.PositionLimitFactor <= 0)
}

// RestartStatus - ход поэтапного перезапуска
type RestartStatus struct {
	StartedAt        time.Time  `json:"started_at"`
	CooldownEndsAt   time.Time  `json:"cooldown_ends_at"`
	Stage            int        `json:"stage"` // -1 = cooldown
	Stages           int        `json:"stages"`
	NextEscalationAt *time.Time `json:"next_escalation_at,omitempty"`
}

// notification - отложенное уведомление, доставляется после снятия блокировки
type notification struct {
	event  *models.KillSwitchEvent
	status Status
}

// Option - функциональная опция Core
type Option func(*Core)

// WithClock подменяет источник времени
func WithClock(clock func() time.Time) Option {
	return func(c *Core) { c.clock = clock }
}

// WithIDGenerator подменяет генератор идентификаторов событий
func WithIDGenerator(fn func() string) Option {
	return func(c *Core) { c.newID = fn }
}

// WithLogger задаёт логгер
func WithLogger(l *utils.Logger) Option {
	return func(c *Core) { c.logger = l }
}

// Core - аварийный выключатель.
//
// Все изменяющие последовательности (проверка -> применение -> запись -> аудит)
// выполняются под одним mutex. Методы с суффиксом Locked предполагают, что
// mutex уже захвачен, и вызываются друг из друга вместо повторного захвата.
// Callback'и вызываются после снятия блокировки.
type Core struct {
	cfg      *config.Config
	registry TriggerEvaluator
	store    StateStore
	audit    AuditSink
	logger   *utils.Logger
	clock    func() time.Time
	newID    func() string

	mu          sync.Mutex
	state       models.KillSwitchState
	factor      float64
	lastEventID string
	lastReason  string
	triggeredBy string
	eventCount  int
	updatedAt   time.Time
	restart     *restartSchedule
	stage       int
	recovery    *RecoveryManager
	pending     []notification

	snapshot atomic.Pointer[Status]

	cbMu      sync.RWMutex
	onKill    []Callback
	onRecover []Callback
	onEvent   []Callback
	onStatus  []StatusObserver
}

// NewCore создаёт ядро и восстанавливает состояние из store.
//
// Отсутствие файла - ACTIVE. Нечитаемый файл без пригодной резервной копии -
// KILLED. Сохранённое RECOVERING - KILLED (расписание перезапуска не
// переживает рестарт процесса).
func NewCore(cfg *config.Config, registry TriggerEvaluator, store StateStore, audit AuditSink, opts ...Option) *Core {
	if cfg == nil {
		cfg = config.Default()
	}

	c := &Core{
		cfg:      cfg,
		registry: registry,
		store:    store,
		audit:    audit,
		clock:    time.Now,
		newID:    uuid.NewString,
		state:    models.StateActive,
		factor:   1.0,
		stage:    -1,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = utils.NewNopLogger()
	}
	c.logger = c.logger.WithComponent("killswitch")

	c.mu.Lock()
	c.restoreLocked()
	c.mu.Unlock()
	// уведомления восстановления никому не адресованы: подписчиков ещё нет
	c.pending = nil

	return c
}

// restoreLocked загружает сохранённое состояние
func (c *Core) restoreLocked() {
	now := c.clock()
	c.updatedAt = now

	if c.store == nil {
		c.publishLocked(nil)
		return
	}

	st, err := c.store.Load()
	switch {
	case err != nil:
		c.logger.Error("state file unreadable, starting KILLED", utils.Err(err))
		c.forceKilledLocked("state file unreadable", err)
		return

	case st == nil:
		c.logger.Info("no saved state, starting ACTIVE")
		c.publishLocked(nil)
		return

	case !st.State.Valid():
		c.logger.Error("saved state is invalid, starting KILLED", utils.State(string(st.State)))
		c.forceKilledLocked("state file unreadable", nil)
		return
	}

	c.state = st.State
	c.lastEventID = st.LastEventID
	c.lastReason = st.LastReason
	c.triggeredBy = st.TriggeredBy
	c.eventCount = st.EventCount
	c.updatedAt = st.UpdatedAt
	c.factor = factorFor(st.State, st.PositionLimitFactor)

	c.logger.Info("state restored",
		utils.State(string(c.state)),
		utils.EventID(c.lastEventID),
		utils.Int("event_count", c.eventCount),
	)

	if c.state == models.StateRecovering {
		if _, err := c.commitLocked(models.StateKilled, "restart interrupted by process restart", "system", "", nil); err != nil {
			c.forceKilledLocked("restart interrupted by process restart", err)
			return
		}
	}
	c.publishLocked(nil)
}

// forceKilledLocked переводит ядро в KILLED при старте. Если запись возможна,
// переход фиксируется обычным образом; иначе состояние KILLED держится в памяти.
func (c *Core) forceKilledLocked(reason string, cause error) {
	if c.state == models.StateKilled {
		c.publishLocked(nil)
		return
	}

	if c.state == models.StateActive || c.state == models.StateRecovering {
		if _, err := c.commitLocked(models.StateKilled, reason, "system", "", nil); err == nil {
			return
		}
	}

	c.state = models.StateKilled
	c.factor = 0
	c.restart = nil
	c.stage = -1
	c.lastReason = reason
	c.triggeredBy = "system"
	c.updatedAt = c.clock()

	details := map[string]interface{}{"persisted": false}
	if cause != nil {
		details["error"] = cause.Error()
	}
	c.auditLocked(models.AuditEntry{
		Type:    models.AuditTransition,
		Actor:   "system",
		Reason:  reason,
		Details: details,
	})
	c.publishLocked(nil)
}

// ============================================================
// Публичные операции
// ============================================================

// CheckAndBlock - горячий путь перед каждым ордером.
//
// Без контекста только проверяет состояние (и продвигает эскалацию).
// С контекстом оценивает триггеры и при срабатывании фиксирует KILLED.
// Никогда не паникует; при любой неоднозначности возвращает true.
func (c *Core) CheckAndBlock(ctx trigger.Context) (blocked bool) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("panic in CheckAndBlock, failing closed", utils.Any("panic", r))
			RecordFailClosed("panic")
			blocked = true
		}
		CheckLatency.Observe(float64(time.Since(start).Microseconds()) / 1000)
	}()

	c.mu.Lock()
	defer c.unlockAndNotify()

	return c.checkLocked(ctx)
}

func (c *Core) checkLocked(ctx trigger.Context) bool {
	c.advanceLocked(c.clock())

	if c.state == models.StateKilled {
		return true
	}
	if ctx == nil || c.registry == nil || !c.cfg.AutomaticTriggersEnabled() {
		return c.blockedLocked()
	}

	results := c.registry.Evaluate(ctx)
	RecordTriggerResults(results)

	if fired, ok := trigger.FirstFiring(results); ok {
		_, err := c.commitLocked(models.StateKilled, fired.Reason, "trigger", fired.TriggerID, fired.Metrics)
		if err != nil {
			c.logger.Error("failed to commit kill, failing closed",
				utils.TriggerID(fired.TriggerID),
				utils.Err(err),
			)
			RecordFailClosed("persist_error")
		}
		return true
	}

	if bad, ok := trigger.AnyFailed(results); ok {
		c.logger.Warn("trigger evaluation failed, failing closed",
			utils.TriggerID(bad.TriggerID),
			utils.String("error", bad.Error),
		)
		RecordFailClosed("trigger_error")
		return true
	}

	return c.blockedLocked()
}

// Trigger переводит ядро в KILLED.
//
// В состоянии KILLED вызов идемпотентен: причина обновляется, в аудит пишется
// RETRIGGER, новый логический переход не создаётся.
func (c *Core) Trigger(reason, triggeredBy string) (models.KillSwitchEvent, error) {
	if reason == "" {
		reason = "manual trigger"
	}
	if triggeredBy == "" {
		triggeredBy = "operator"
	}

	c.mu.Lock()
	defer c.unlockAndNotify()

	c.advanceLocked(c.clock())

	var triggerID string
	var metrics map[string]interface{}
	if src, ok := c.registry.(manualSource); ok && src.Manual() != nil {
		res := src.Manual().Activate(reason, triggeredBy)
		triggerID = res.TriggerID
		metrics = res.Metrics
	}

	return c.commitLocked(models.StateKilled, reason, triggeredBy, triggerID, metrics)
}

// IsKilled читает опубликованный снимок без блокировки
func (c *Core) IsKilled() bool {
	st := c.snapshot.Load()
	return st == nil || st.State == models.StateKilled
}

// GetStatus возвращает согласованный снимок (с продвижением эскалации)
func (c *Core) GetStatus() Status {
	c.mu.Lock()
	defer c.unlockAndNotify()

	c.advanceLocked(c.clock())
	return c.statusLocked()
}

// PositionLimitFactor - текущий множитель: 1 в ACTIVE, 0 в KILLED,
// значение текущей ступени в RECOVERING
func (c *Core) PositionLimitFactor() float64 {
	c.mu.Lock()
	defer c.unlockAndNotify()

	c.advanceLocked(c.clock())
	return c.factor
}

// OnKill регистрирует callback на логический переход в KILLED
func (c *Core) OnKill(cb Callback) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.onKill = append(c.onKill, cb)
}

// OnRecover регистрирует callback на возврат в ACTIVE
func (c *Core) OnRecover(cb Callback) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.onRecover = append(c.onRecover, cb)
}

// OnEvent регистрирует callback на каждое событие (включая RETRIGGER)
func (c *Core) OnEvent(cb Callback) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.onEvent = append(c.onEvent, cb)
}

// OnStatus регистрирует наблюдателя снимков (переходы и эскалация)
func (c *Core) OnStatus(obs StatusObserver) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.onStatus = append(c.onStatus, obs)
}

// Config возвращает конфигурацию ядра
func (c *Core) Config() *config.Config {
	return c.cfg
}

// ============================================================
// Критическая секция
// ============================================================

// commitLocked выполняет переход: проверка -> запись -> применение -> аудит.
// Ошибка записи отменяет переход; ошибка аудита только логируется.
func (c *Core) commitLocked(to models.KillSwitchState, reason, triggeredBy, triggerID string, metrics map[string]interface{}) (models.KillSwitchEvent, error) {
	now := c.clock()

	ev, err := Apply(TransitionRequest{
		From:        c.state,
		To:          to,
		EventID:     c.newID(),
		Timestamp:   now,
		Reason:      reason,
		TriggeredBy: triggeredBy,
		TriggerID:   triggerID,
		Metrics:     metrics,
	})
	if err != nil {
		c.logger.Error("rejected state transition",
			utils.FromState(string(c.state)),
			utils.ToState(string(to)),
			utils.Err(err),
		)
		return models.KillSwitchEvent{}, err
	}

	if !ev.IsLogical() {
		return c.retriggerLocked(ev), nil
	}

	var restart *restartSchedule
	factor := factorFor(to, 0)
	if to == models.StateRecovering {
		restart = newRestartSchedule(now, c.cfg.RecoveryCooldown(), c.cfg.Recovery)
		factor = restart.initial
	}

	snap := models.PersistedState{
		Version:             models.PersistedStateVersion,
		State:               to,
		LastEventID:         ev.EventID,
		UpdatedAt:           now,
		PositionLimitFactor: factor,
		LastReason:          reason,
		TriggeredBy:         triggeredBy,
		EventCount:          c.eventCount + 1,
	}
	if err := c.saveLocked(snap); err != nil {
		c.logger.Error("state transition aborted: persistence failed",
			utils.FromState(string(ev.FromState)),
			utils.ToState(string(to)),
			utils.Err(err),
		)
		return models.KillSwitchEvent{}, err
	}

	from := c.state
	c.state = to
	c.factor = factor
	c.restart = restart
	c.stage = -1
	c.lastEventID = ev.EventID
	c.lastReason = reason
	c.triggeredBy = triggeredBy
	c.eventCount++
	c.updatedAt = now

	c.auditLocked(models.AuditEntry{
		Type:   models.AuditTransition,
		Event:  &ev,
		Actor:  triggeredBy,
		Reason: reason,
	})

	if c.recovery != nil {
		c.recovery.onTransitionLocked(ev)
	}

	RecordTransition(ev)
	c.publishLocked(&ev)

	c.logger.Warn("kill switch state changed",
		utils.FromState(string(from)),
		utils.ToState(string(to)),
		utils.EventID(ev.EventID),
		utils.Reason(reason),
		utils.Actor(triggeredBy),
	)

	return ev, nil
}

// retriggerLocked - KILLED -> KILLED: обновить причину, записать в аудит
func (c *Core) retriggerLocked(ev models.KillSwitchEvent) models.KillSwitchEvent {
	c.lastReason = ev.Reason
	c.triggeredBy = ev.TriggeredBy

	c.auditLocked(models.AuditEntry{
		Type:   models.AuditRetrigger,
		Event:  &ev,
		Actor:  ev.TriggeredBy,
		Reason: ev.Reason,
	})

	RecordTransition(ev)
	c.publishLocked(&ev)

	c.logger.Info("kill switch re-triggered while KILLED",
		utils.EventID(ev.EventID),
		utils.Reason(ev.Reason),
		utils.Actor(ev.TriggeredBy),
	)
	return ev
}

// advanceLocked продвигает ступени перезапуска по времени
func (c *Core) advanceLocked(now time.Time) {
	if c.state != models.StateRecovering || c.restart == nil {
		return
	}

	target := c.restart.stageAt(now)
	for c.stage < target {
		next := c.stage + 1
		factor := c.restart.factor(next)

		if factor >= 1.0 {
			if _, err := c.commitLocked(models.StateActive, "gradual restart complete", "recovery", "", nil); err != nil {
				c.logger.Error("failed to complete gradual restart", utils.Err(err))
			}
			return
		}

		snap := c.persistedLocked()
		snap.PositionLimitFactor = factor
		snap.UpdatedAt = now
		if err := c.saveLocked(snap); err != nil {
			c.logger.Error("escalation postponed: persistence failed", utils.Err(err))
			return
		}

		prev := c.factor
		c.factor = factor
		c.stage = next
		c.updatedAt = now

		c.auditLocked(models.AuditEntry{
			Type:   models.AuditEscalation,
			Actor:  "recovery",
			Reason: "position limit factor raised",
			Details: map[string]interface{}{
				"stage":       next,
				"from_factor": prev,
				"to_factor":   factor,
			},
		})
		c.publishLocked(nil)

		c.logger.Info("gradual restart escalated",
			utils.Int("stage", next),
			utils.Factor(factor),
		)
	}
}

// saveLocked пишет снимок с короткими повторами
func (c *Core) saveLocked(snap models.PersistedState) error {
	if c.store == nil {
		return nil
	}
	err := retry.Do(context.Background(), func() error {
		return c.store.Save(snap)
	}, retry.PersistConfig())
	if err != nil {
		PersistFailures.Inc()
		return &PersistenceError{Op: "save", Err: err}
	}
	return nil
}

// auditLocked пишет запись аудита; ошибка не прерывает операцию
func (c *Core) auditLocked(entry models.AuditEntry) {
	if c.audit == nil {
		return
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = c.clock()
	}
	if err := c.audit.Append(entry); err != nil {
		AuditFailures.Inc()
		c.logger.Error("audit write failed",
			utils.String("type", string(entry.Type)),
			utils.Err(err),
		)
	}
}

func (c *Core) persistedLocked() models.PersistedState {
	return models.PersistedState{
		Version:             models.PersistedStateVersion,
		State:               c.state,
		LastEventID:         c.lastEventID,
		UpdatedAt:           c.updatedAt,
		PositionLimitFactor: c.factor,
		LastReason:          c.lastReason,
		TriggeredBy:         c.triggeredBy,
		EventCount:          c.eventCount,
	}
}

func (c *Core) blockedLocked() bool {
	return !IsTradingAllowed(c.state) ||
		(c.state == models.StateRecovering && c.factor <= 0)
}

func (c *Core) statusLocked() Status {
	st := Status{
		State:               c.state,
		Description:         StateInfo(c.state),
		Enabled:             c.cfg.Enabled,
		Mode:                c.cfg.Mode,
		LastEventID:         c.lastEventID,
		LastReason:          c.lastReason,
		TriggeredBy:         c.triggeredBy,
		EventCount:          c.eventCount,
		UpdatedAt:           c.updatedAt,
		PositionLimitFactor: c.factor,
	}
	if c.state == models.StateRecovering && c.restart != nil {
		st.Restart = c.restart.status(c.stage)
	}
	return st
}

// publishLocked публикует снимок для IsKilled и ставит уведомление в очередь
func (c *Core) publishLocked(ev *models.KillSwitchEvent) {
	st := c.statusLocked()
	c.snapshot.Store(&st)
	RecordState(st.State, st.PositionLimitFactor)
	c.pending = append(c.pending, notification{event: ev, status: st})
}

// unlockAndNotify снимает блокировку и доставляет накопленные уведомления
func (c *Core) unlockAndNotify() {
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, n := range pending {
		c.dispatch(n)
	}
}

func (c *Core) dispatch(n notification) {
	c.cbMu.RLock()
	onKill := append([]Callback(nil), c.onKill...)
	onRecover := append([]Callback(nil), c.onRecover...)
	onEvent := append([]Callback(nil), c.onEvent...)
	onStatus := append([]StatusObserver(nil), c.onStatus...)
	c.cbMu.RUnlock()

	if ev := n.event; ev != nil {
		if ev.IsLogical() && ev.ToState == models.StateKilled {
			for _, cb := range onKill {
				c.safeCall("on_kill", func() { cb(*ev) })
			}
		}
		if ev.ToState == models.StateActive {
			for _, cb := range onRecover {
				c.safeCall("on_recover", func() { cb(*ev) })
			}
		}
		for _, cb := range onEvent {
			c.safeCall("on_event", func() { cb(*ev) })
		}
	}

	for _, obs := range onStatus {
		c.safeCall("on_status", func() { obs(n.status) })
	}
}

func (c *Core) safeCall(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			CallbackPanics.WithLabelValues(name).Inc()
			c.logger.Error("callback panicked",
				utils.String("callback", name),
				utils.Any("panic", r),
			)
		}
	}()
	fn()
}

// factorFor - множитель для состояния вне перезапуска
func factorFor(state models.KillSwitchState, recovering float64) float64 {
	switch state {
	case models.StateActive:
		return 1.0
	case models.StateRecovering:
		return recovering
	default:
		return 0
	}
}

// ============================================================
// Расписание перезапуска
// ============================================================

type escalationStep struct {
	at     time.Time
	factor float64
}

// restartSchedule: во время cooldown действует initial; по окончании
// cooldown - factors[0]; ступень i+1 начинается через intervals[i] после ступени i.
type restartSchedule struct {
	startedAt time.Time
	initial   float64
	steps     []escalationStep
}

func newRestartSchedule(start time.Time, cooldown time.Duration, rc config.RecoveryConfig) *restartSchedule {
	s := &restartSchedule{startedAt: start, initial: rc.InitialPositionLimitFactor}
	at := start.Add(cooldown)

	if !rc.GradualRestartEnabled || len(rc.EscalationFactors) == 0 {
		s.steps = []escalationStep{{at: at, factor: 1.0}}
		return s
	}

	intervals := rc.Intervals()
	for i, f := range rc.EscalationFactors {
		s.steps = append(s.steps, escalationStep{at: at, factor: f})
		if i < len(intervals) {
			at = at.Add(intervals[i])
		}
	}
	return s
}

// stageAt возвращает индекс последней достигнутой ступени (-1 = cooldown)
func (s *restartSchedule) stageAt(now time.Time) int {
	stage := -1
	for i, st := range s.steps {
		if now.Before(st.at) {
			break
		}
		stage = i
	}
	return stage
}

func (s *restartSchedule) factor(stage int) float64 {
	if stage < 0 {
		return s.initial
	}
	return s.steps[stage].factor
}

func (s *restartSchedule) status(stage int) *RestartStatus {
	rs := &RestartStatus{
		StartedAt:      s.startedAt,
		CooldownEndsAt: s.steps[0].at,
		Stage:          stage,
		Stages:         len(s.steps),
	}
	if stage+1 < len(s.steps) {
		next := s.steps[stage+1].at
		rs.NextEscalationAt = &next
	}
	return rs
}

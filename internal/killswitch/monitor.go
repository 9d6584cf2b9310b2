package killswitch

import (
	"context"
	"sync"
	"time"

	"killswitch/internal/trigger"
	"killswitch/pkg/utils"
)

// ============================================================
// ContextCache - последний контекст, присланный торговым процессом
// ============================================================

// ContextCache хранит последний контекст оценки триггеров.
// Монитор переоценивает его на каждом тике, поэтому триггеры по возрасту
// (heartbeat, свежесть цен) срабатывают и когда процесс перестал писать.
type ContextCache struct {
	mu        sync.RWMutex
	ctx       trigger.Context
	updatedAt time.Time
}

// Set заменяет контекст (копия)
func (cc *ContextCache) Set(ctx trigger.Context, at time.Time) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.ctx = ctx.Clone()
	cc.updatedAt = at
}

// Merge дополняет контекст новыми полями
func (cc *ContextCache) Merge(ctx trigger.Context, at time.Time) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	if cc.ctx == nil {
		cc.ctx = trigger.Context{}
	}
	for k, v := range ctx {
		cc.ctx[k] = v
	}
	cc.updatedAt = at
}

// Get возвращает копию контекста (nil если ещё не задан)
func (cc *ContextCache) Get() trigger.Context {
	cc.mu.RLock()
	defer cc.mu.RUnlock()
	if cc.ctx == nil {
		return nil
	}
	return cc.ctx.Clone()
}

// UpdatedAt - время последнего обновления
func (cc *ContextCache) UpdatedAt() time.Time {
	cc.mu.RLock()
	defer cc.mu.RUnlock()
	return cc.updatedAt
}

// ============================================================
// Monitor - периодический опрос ядра
// ============================================================

// MaintenanceFunc - периодическая задача обслуживания (сжатие аудита и т.п.)
type MaintenanceFunc func(ctx context.Context) error

// Monitor на каждом тике вызывает CheckAndBlock с текущим контекстом
// (это же продвигает эскалацию перезапуска) и с периодом maintenance
// запускает задачи обслуживания.
type Monitor struct {
	core        *Core
	provider    func() trigger.Context
	interval    time.Duration
	maintPeriod time.Duration
	logger      *utils.Logger

	mu    sync.Mutex
	tasks map[string]MaintenanceFunc

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewMonitor создаёт монитор. provider может вернуть nil: тогда
// проверяется только состояние и эскалация.
func NewMonitor(core *Core, provider func() trigger.Context, logger *utils.Logger) *Monitor {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	cfg := core.Config()
	return &Monitor{
		core:        core,
		provider:    provider,
		interval:    cfg.Monitor.Interval(),
		maintPeriod: cfg.Monitor.MaintenancePeriod(),
		logger:      logger.WithComponent("monitor"),
		tasks:       make(map[string]MaintenanceFunc),
		stopCh:      make(chan struct{}),
	}
}

// AddMaintenance регистрирует задачу обслуживания
func (m *Monitor) AddMaintenance(name string, fn MaintenanceFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[name] = fn
}

// Start блокирует до отмены ctx или Stop
func (m *Monitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	maint := time.NewTicker(m.maintPeriod)
	defer maint.Stop()

	m.logger.Info("monitor started",
		utils.Float64("interval_sec", m.interval.Seconds()),
		utils.Float64("maintenance_sec", m.maintPeriod.Seconds()),
	)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.CheckOnce()
		case <-maint.C:
			m.RunMaintenance(ctx)
		}
	}
}

// Stop останавливает монитор (повторный вызов безопасен)
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// CheckOnce - один тик: оценка текущего контекста
func (m *Monitor) CheckOnce() bool {
	var tctx trigger.Context
	if m.provider != nil {
		tctx = m.provider()
	}
	return m.core.CheckAndBlock(tctx)
}

// RunMaintenance выполняет все задачи обслуживания; ошибки логируются
func (m *Monitor) RunMaintenance(ctx context.Context) {
	m.mu.Lock()
	tasks := make(map[string]MaintenanceFunc, len(m.tasks))
	for name, fn := range m.tasks {
		tasks[name] = fn
	}
	m.mu.Unlock()

	for name, fn := range tasks {
		if err := fn(ctx); err != nil {
			m.logger.Error("maintenance task failed", utils.String("task", name), utils.Err(err))
		}
	}
}

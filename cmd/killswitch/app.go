package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"killswitch/internal/audit"
	"killswitch/internal/config"
	"killswitch/internal/health"
	"killswitch/internal/killswitch"
	"killswitch/internal/persistence"
	"killswitch/internal/repository"
	"killswitch/internal/service"
	"killswitch/internal/trigger"
	"killswitch/internal/watcher"
	"killswitch/pkg/utils"
)

// app - собранные компоненты выключателя
type app struct {
	cfg      *config.Config
	logger   *utils.Logger
	trail    *audit.Trail
	db       *sql.DB
	core     *killswitch.Core
	checker  *health.Checker
	recovery *killswitch.RecoveryManager
	cache    *killswitch.ContextCache
	svc      *service.OperatorService
}

// buildApp собирает компоненты в порядке зависимостей.
// withMirror подключает зеркало аудита в PostgreSQL (только serve).
func buildApp(ctx context.Context, cfg *config.Config, logger *utils.Logger, withMirror bool) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	store, err := persistence.NewFileStore(cfg.Persistence, logger)
	if err != nil {
		return nil, fmt.Errorf("state store: %w", err)
	}

	var trailOpts []audit.Option
	var repo *repository.AuditRepository
	if withMirror && cfg.Database.Enabled {
		repo = a.openMirror(ctx)
		if repo != nil {
			sink := audit.NewAsyncSink("postgres", repo, cfg.Audit.MirrorQueueSize, logger)
			trailOpts = append(trailOpts, audit.WithSink(sink))
		}
	}

	a.trail, err = audit.NewTrail(cfg.Audit, logger, trailOpts...)
	if err != nil {
		a.closeDB()
		return nil, fmt.Errorf("audit trail: %w", err)
	}

	if repo != nil {
		a.backfill(ctx, repo)
	}

	registry, err := trigger.NewRegistryFromConfig(cfg.Triggers, time.Now, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("triggers: %w", err)
	}

	a.core = killswitch.NewCore(cfg, registry, store, a.trail, killswitch.WithLogger(logger))

	a.checker = health.NewCheckerFromConfig(cfg.Health, registry, time.Now, logger)
	if cfg.KillFile != "" {
		a.checker.Add(watcher.AbsentCheck(cfg.KillFile))
	}

	backups, err := store.Backups()
	if err != nil {
		logger.Warn("state backups unreadable", utils.Err(err))
	}
	logger.Info("components ready",
		utils.Int("triggers", registry.Len()),
		utils.Any("health_checks", a.checker.Names()),
		utils.Int("state_backups", len(backups)),
	)

	a.recovery = killswitch.NewRecoveryManager(a.core, a.checker, logger)
	a.cache = &killswitch.ContextCache{}
	a.svc = service.NewOperatorService(a.core, a.recovery, a.checker, a.trail, a.cache, logger)

	return a, nil
}

// openMirror подключается к PostgreSQL. Зеркало необязательно: при
// недоступной БД демон работает с журналом на диске.
func (a *app) openMirror(ctx context.Context) *repository.AuditRepository {
	log := a.logger.With(utils.String("dsn", a.cfg.Database.DSNWithoutPassword()))

	db, err := repository.Open(ctx, a.cfg.Database)
	if err != nil {
		log.Error("audit mirror disabled: database unavailable", utils.Err(err))
		return nil
	}

	repo := repository.NewAuditRepository(db)
	if err := repo.EnsureSchema(ctx); err != nil {
		log.Error("audit mirror disabled: schema", utils.Err(err))
		db.Close()
		return nil
	}

	a.db = db
	log.Info("audit mirror connected")
	return repo
}

// backfill догоняет зеркало записями, сделанными пока БД была недоступна
func (a *app) backfill(ctx context.Context, repo *repository.AuditRepository) {
	last, err := repo.LastSeq(ctx)
	if err != nil {
		a.logger.Warn("audit mirror backfill skipped", utils.Err(err))
		return
	}
	if _, err := a.trail.Backfill(ctx, repo, last); err != nil {
		a.logger.Warn("audit mirror backfill incomplete", utils.Err(err))
	}
}

// Close закрывает журнал (с зеркалами) и БД
func (a *app) Close() {
	if a.trail != nil {
		if err := a.trail.Close(); err != nil {
			a.logger.Error("close audit trail", utils.Err(err))
		}
	}
	a.closeDB()
}

func (a *app) closeDB() {
	if a.db != nil {
		a.db.Close()
		a.db = nil
	}
}

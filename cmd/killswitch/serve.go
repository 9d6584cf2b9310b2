package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"killswitch/internal/api"
	"killswitch/internal/killswitch"
	"killswitch/internal/watcher"
	"killswitch/internal/websocket"
	"killswitch/pkg/utils"
)

const shutdownTimeout = 30 * time.Second

func (c *cli) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the kill switch daemon (API, event stream, monitor, kill file)",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if c.local {
				return errArgs("serve always owns the local state, --local is meaningless here")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return c.serve(ctx)
		},
	}
}

// serve запускает демон и блокирует до сигнала завершения
func (c *cli) serve(ctx context.Context) error {
	cfg, logger := c.cfg, c.logger

	logger.Info("starting kill switch daemon",
		utils.String("mode", cfg.Mode),
		utils.String("addr", cfg.Server.Addr()),
		utils.Bool("enabled", cfg.Enabled),
	)

	a, err := buildApp(ctx, cfg, logger, true)
	if err != nil {
		return err
	}
	defer a.Close()

	st := a.core.GetStatus()
	logger.Info("state restored",
		utils.State(string(st.State)),
		utils.EventID(st.LastEventID),
		utils.Factor(st.PositionLimitFactor),
	)

	// ============ Монитор ============
	monitor := killswitch.NewMonitor(a.core, a.cache.Get, logger)
	monitor.AddMaintenance("audit", func(ctx context.Context) error {
		report, err := a.trail.Maintain(ctx)
		if len(report.Compressed) > 0 || len(report.Deleted) > 0 {
			logger.Info("audit maintenance",
				utils.Int("compressed", len(report.Compressed)),
				utils.Int("deleted", len(report.Deleted)),
			)
		}
		return err
	})
	go monitor.Start(ctx)

	// ============ Поток событий ============
	hub := websocket.NewHub(logger)
	hub.SetAllowedOrigins(cfg.Server.AllowedOrigins)
	hub.Attach(a.core)
	go hub.Run()

	// ============ Kill файл ============
	var kw *watcher.KillFileWatcher
	if cfg.KillFile != "" {
		kw, err = watcher.NewKillFileWatcher(cfg.KillFile, a.core, logger)
		if err != nil {
			monitor.Stop()
			hub.Stop()
			return err
		}
		go kw.Run(ctx)
	}

	// ============ HTTP ============
	router := api.SetupRoutes(&api.Dependencies{
		Operator:       a.svc,
		Hub:            hub,
		Logger:         logger,
		APIToken:       cfg.Server.APIToken,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", utils.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err, ok := <-serveErr:
		if ok {
			logger.Error("http server failed", utils.Err(err))
			runErr = err
		}
	}

	// ============ Graceful shutdown ============
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", utils.Err(err))
	}
	monitor.Stop()
	hub.Stop()
	if kw != nil {
		if err := kw.Stop(); err != nil {
			logger.Warn("kill file watcher stop", utils.Err(err))
		}
	}

	logger.Info("kill switch daemon stopped",
		utils.State(string(a.core.GetStatus().State)),
		utils.Int64("stream_dropped_messages", hub.DroppedMessages()),
	)
	return runErr
}

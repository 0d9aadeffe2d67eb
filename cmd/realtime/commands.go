package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"sudooom.im.realtime/internal/auth"
	"sudooom.im.realtime/internal/backend/pgdoc"
	"sudooom.im.realtime/internal/clock"
	"sudooom.im.realtime/internal/health"
	"sudooom.im.realtime/internal/metrics"
	"sudooom.im.realtime/internal/relationship"
	"sudooom.im.realtime/internal/server"
	"sudooom.im.realtime/internal/session"
	"sudooom.im.realtime/internal/snowflake"
	"sudooom.im.realtime/internal/task"
	"sudooom.im.realtime/internal/typing"
)

const shutdownTimeout = 10 * time.Second

func buildServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and live WebSocket endpoint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func buildMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create PostgreSQL document tables",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMigrate(cmd.Context())
		},
	}
}

func buildReconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Repair accepted friend requests missing friendships or conversations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runReconcile(cmd.Context(), cmd)
		},
	}
}

func runServe(ctx context.Context) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	logger.Info("Starting realtime service",
		"name", cfg.App.Name,
		"nodeId", cfg.App.NodeID,
		"documents", cfg.Backend.Documents,
		"blobs", cfg.Backend.Blobs)

	// 后端的生命周期由下方的关闭流程控制，不随信号取消
	b, err := openBackends(context.Background(), cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	if b.pg != nil {
		if err := pgdoc.New(b.pg).Migrate(ctx); err != nil {
			return fmt.Errorf("migrate postgres: %w", err)
		}
	}

	ids, err := snowflake.NewNode(cfg.App.NodeID)
	if err != nil {
		return err
	}
	m := metrics.Default()
	clk := clock.New()
	pool := task.NewPool(cfg.Workers.Size, cfg.Workers.QueueSize, logger)

	deps := session.Deps{
		Store:    b.store,
		Blobs:    b.blobs,
		IDs:      ids,
		Clock:    clk,
		Metrics:  m,
		Executor: pool,
		Typing: typing.Config{
			IdleTimeout: cfg.Typing.IdleTimeout,
			StaleAfter:  cfg.Typing.StaleAfter,
		},
		ActiveWindow: cfg.Presence.ActiveWindow,
	}.WithDefaults()

	authService := auth.NewService(b.store, auth.NewTokens(cfg.JWT.SecretKey, cfg.JWT.AccessExpire, cfg.JWT.RefreshExpire), clk)
	registry := session.NewRegistry()
	checker := health.NewChecker(cfg.App.Name, cfg.Backend.Documents, append(b.health, health.WithSessions(registry))...)

	router := server.SetupRouter(server.RouterConfig{
		Mode:           cfg.Server.Mode,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Auth:           authService,
		Handler:        server.NewHandler(deps, authService, registry),
		Live: server.NewLive(deps, registry, server.LiveOptions{
			AllowedOrigins: cfg.Server.AllowedOrigins,
			WriteTimeout:   cfg.Server.WriteTimeout,
			PingInterval:   cfg.Server.PingInterval,
			SendBuffer:     cfg.Server.SendBuffer,
		}),
		Health:   checker,
		Metrics:  m,
		Gatherer: prometheus.DefaultGatherer,
		Files:    b.files,
	})
	srv := server.New(cfg.Server.Port, router)

	var scheduler *cron.Cron
	if cfg.Reconcile.Enabled {
		scheduler = cron.New()
		reconciler := relationship.NewReconciler(b.store, clk, m)
		_, err := scheduler.AddFunc(cfg.Reconcile.Schedule, func() {
			runCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			res, err := reconciler.Reconcile(runCtx)
			if err != nil {
				logger.Error("Scheduled reconcile failed", "error", err)
				return
			}
			logger.Info("Scheduled reconcile finished", "scanned", res.Scanned, "repaired", res.Repaired, "failed", res.Failed)
		})
		if err != nil {
			return fmt.Errorf("invalid reconcile schedule %q: %w", cfg.Reconcile.Schedule, err)
		}
		scheduler.Start()
		logger.Info("Reconcile scheduled", "schedule", cfg.Reconcile.Schedule)
	}

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case <-sigCtx.Done():
		logger.Info("Shutting down...")
	case err = <-errCh:
		if err != nil {
			logger.Error("HTTP server failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if scheduler != nil {
		<-scheduler.Stop().Done()
	}
	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.Error("HTTP server shutdown failed", "error", shutdownErr)
	}
	// Shutdown 不会关闭已升级的 WebSocket 连接
	registry.CloseAll(shutdownCtx)
	pool.Shutdown()

	logger.Info("Realtime service stopped")
	return err
}

func runMigrate(ctx context.Context) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Backend.Documents != "postgres" {
		return errors.New("migrate requires backend.documents = postgres")
	}

	pool, err := openPostgres(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := pgdoc.New(pool).Migrate(ctx); err != nil {
		return err
	}
	logger.Info("Migration completed", "host", cfg.Database.Host, "db", cfg.Database.Name)
	return nil
}

func runReconcile(ctx context.Context, cmd *cobra.Command) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	b, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	res, err := relationship.NewReconciler(b.store, clock.New(), nil).Reconcile(ctx)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

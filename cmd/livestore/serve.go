package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/devrev/livestore/internal/config"
	"github.com/devrev/livestore/internal/handler"
	"github.com/devrev/livestore/internal/health"
	"github.com/devrev/livestore/internal/logging"
	"github.com/devrev/livestore/internal/metrics"
	"github.com/devrev/livestore/internal/server"
	"github.com/devrev/livestore/internal/storage/diskmanager"
	"github.com/devrev/livestore/pkg/livestore"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Open the store and serve its HTTP API",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("Configuration loaded",
		zap.String("store", cfg.Name),
		zap.String("commit_log", cfg.CommitLog.Backend),
		zap.Int("classes", len(cfg.Schema)))

	if cfg.CommitLog.Backend != "none" {
		if err := os.MkdirAll(cfg.CommitLog.Dir, 0755); err != nil {
			return fmt.Errorf("failed to create commit log directory: %w", err)
		}
	}

	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(cfg.Name, reg)
	opts, err := livestore.OptionsFromConfig(cfg, logger, m)
	if err != nil {
		return err
	}

	var guard *diskmanager.Guard
	if cfg.CommitLog.Backend != "none" {
		dc := diskmanager.DefaultConfig(cfg.CommitLog.Dir)
		if cfg.CommitLog.MaxDiskUsage > 0 {
			dc.RejectAt = cfg.CommitLog.MaxDiskUsage
		}
		if guard, err = diskmanager.NewGuard(dc, logger); err != nil {
			return err
		}
		opts.CommitLog.Guard = guard
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := livestore.Open(ctx, opts)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	logger.Info("Store opened", zap.Uint64("version", store.Version()))

	checker := health.NewHealthChecker(&health.HealthCheckConfig{
		Name:              cfg.Name,
		DataDir:           cfg.CommitLog.Dir,
		MaxActiveVersions: cfg.Store.MaxActiveVersions,
		Disk:              guard,
	}, store, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		checker.Start(gctx, 0)
		return nil
	})
	g.Go(func() error {
		return config.Watch(gctx, configPath, logger, func(next *config.Config) {
			if err := logging.SetLevelName(next.Logging.Level); err != nil {
				logger.Warn("Ignoring log level change", zap.Error(err))
				return
			}
			logger.Info("Log level changed", zap.String("level", next.Logging.Level))
		})
	})

	if cfg.Metrics.Enabled {
		ms := server.NewMetricsServer(&server.MetricsServerConfig{
			Port: cfg.Metrics.Port,
			Path: cfg.Metrics.Path,
		}, m, reg, checker, logger)
		g.Go(ms.ListenAndServe)
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			return ms.Stop(sctx)
		})
	}

	if cfg.Server.Enabled {
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		api := &http.Server{
			Addr:         addr,
			Handler:      handler.NewStoreHandler(store, logger).Routes(),
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			BaseContext:  func(net.Listener) context.Context { return gctx },
		}
		g.Go(func() error {
			logger.Info("Store API starting", zap.String("address", addr))
			if err := api.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("store API failed: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			return api.Shutdown(sctx)
		})
	}

	<-gctx.Done()
	logger.Info("Shutting down gracefully...")
	checker.SetReadiness(false)
	runErr := g.Wait()

	if err := store.Close(); err != nil {
		logger.Error("Failed to close store", zap.Error(err))
		if runErr == nil {
			runErr = err
		}
	}
	return runErr
}

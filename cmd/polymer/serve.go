package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/antchoi/Polymer/internal/api"
	"github.com/antchoi/Polymer/internal/config"
	"github.com/antchoi/Polymer/internal/detection"
	"github.com/antchoi/Polymer/internal/engine"
	"github.com/antchoi/Polymer/internal/kernel"
	"github.com/antchoi/Polymer/internal/pool"
	"github.com/antchoi/Polymer/internal/store"
	"github.com/antchoi/Polymer/internal/superres"
)

func printConfig(w io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	return cfg.Print(w)
}

func serve() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	logger.Info("polymer: starting",
		"listen_addr", cfg.ListenAddr,
		"base_path", cfg.BasePath,
		"db_path", cfg.DBPath,
		"devices", len(cfg.Devices),
		"workers", cfg.WorkerNum,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	process := kernel.ProcessConfig{InitTimeout: cfg.KernelInitTimeout}

	srManager, err := pool.NewManager(poolConfig(cfg, superres.Capability, logger), superres.NewFactory(superres.Config{
		Command: cfg.SRKernelCmd,
		Scale:   cfg.SRScale,
		Process: process,
		Logger:  logger.With("capability", superres.Capability),
	}))
	if err != nil {
		return fmt.Errorf("create %s pool: %w", superres.Capability, err)
	}

	detManager, err := pool.NewManager(poolConfig(cfg, detection.Capability, logger), detection.NewFactory(detection.Config{
		Command:   cfg.DetectionKernelCmd,
		BatchSize: cfg.BatchSize,
		Process:   process,
		Logger:    logger.With("capability", detection.Capability),
	}))
	if err != nil {
		srManager.Stop()
		return fmt.Errorf("create %s pool: %w", detection.Capability, err)
	}

	opts := engine.Options{Recorder: db, AwaitTimeout: cfg.AwaitTimeout}
	srEngine := engine.NewEngine(srManager, opts, logger)
	detEngine := engine.NewEngine(detManager, opts, logger)

	registry := engine.NewRegistry()
	registry.Register(srEngine)
	registry.Register(detEngine)

	go logReadiness(srEngine, logger)
	go logReadiness(detEngine, logger)

	srv := api.NewServer(api.Options{
		Addr:      cfg.ListenAddr,
		BasePath:  cfg.BasePath,
		Store:     db,
		Registry:  registry,
		SuperRes:  srEngine,
		Detection: detEngine,
		Logger:    logger,
	})
	return srv.Run()
}

func poolConfig(cfg config.Config, capability string, logger *slog.Logger) pool.Config {
	return pool.Config{
		Capability:   capability,
		Workers:      cfg.WorkerNum,
		Devices:      cfg.Devices,
		QueueSize:    cfg.QueueSize,
		PollInterval: cfg.PollInterval,
		Logger:       logger,
	}
}

// logReadiness reports when every worker of h has loaded its model, or why
// one could not.
func logReadiness(h interface {
	Name() string
	WaitReady(ctx context.Context) error
}, logger *slog.Logger) {
	if err := h.WaitReady(context.Background()); err != nil {
		logger.Error("capability unavailable", "capability", h.Name(), "error", err)
		return
	}
	logger.Info("capability ready", "capability", h.Name())
}

package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/syntrixbase/feedrelay/internal/config"
	"github.com/syntrixbase/feedrelay/internal/logging"
	"github.com/syntrixbase/feedrelay/internal/services"
)

func main() {
	configDir := flag.String("config", "config", "Directory holding config.yml and config.local.yml")
	flag.Parse()

	// 1. Load Configuration
	cfg, err := config.LoadConfig(*configDir)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// 2. Initialize Logging
	logger, err := logging.Initialize(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}
	defer func() {
		if err := logging.Shutdown(); err != nil {
			log.Printf("Failed to close log files: %v", err)
		}
	}()

	if err := run(cfg, logger); err != nil {
		logger.Error("Relay stopped with error", "error", err)
		_ = logging.Shutdown()
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. Initialize Services
	mgr := services.NewManager(cfg, logger)
	initCtx, initCancel := context.WithTimeout(ctx, cfg.Store.Mongo.ConnectTimeout+cfg.Server.ShutdownTimeout)
	err := mgr.Init(initCtx)
	initCancel()
	if err != nil {
		return err
	}

	// 4. Serve until a signal arrives or the server fails
	logger.Info("Starting feedrelay", "host", cfg.Server.Host, "port", cfg.Server.HTTPPort, "store", cfg.Store.Backend)
	startErr := mgr.Start(ctx)
	if startErr == nil {
		logger.Info("Shutting down...")
	}

	// 5. Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := mgr.Shutdown(shutdownCtx); err != nil && startErr == nil {
		return err
	}

	logger.Info("Feedrelay stopped")
	return startErr
}

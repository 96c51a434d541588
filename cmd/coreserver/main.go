// Command coreserver runs the coordination plane: Node Registry, P2P
// Presence, Task Scheduler, and Escrow state machine, wired together by
// internal/core. Flag-parse/config-load/logger-init/signal-wait shape
// follows reference-runtime-v1/cmd/runtime/main.go.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/aidenlippert/zerostate/internal/config"
	"github.com/aidenlippert/zerostate/internal/core"
)

func main() {
	configPath := flag.String("config", "", "Path to coordination plane YAML config")
	nodeID := flag.String("node-id", "", "This node's identity (required)")
	address := flag.String("address", "", "This node's advertised network address (ip:port)")
	flag.Parse()

	logger, level, err := initLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if *nodeID == "" {
		logger.Fatal("node-id is required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("failed to load configuration", zap.String("path", *configPath), zap.Error(err))
	}
	if err := level.UnmarshalText([]byte(cfg.Logging.Level)); err != nil {
		logger.Warn("invalid logging level, keeping info", zap.String("level", cfg.Logging.Level), zap.Error(err))
	}

	logger.Info("starting coreserver",
		zap.String("node_id", *nodeID),
		zap.String("store_path", cfg.Store.Path),
		zap.Int("listen_port", cfg.P2P.ListenPort),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	services, err := core.New(ctx, cfg, *nodeID, *address, logger)
	if err != nil {
		logger.Fatal("failed to construct services", zap.Error(err))
	}

	runErrCh := make(chan error, 1)
	go func() {
		runErrCh <- services.Run(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info("received interrupt signal, shutting down gracefully")
	case err := <-runErrCh:
		if err != nil {
			logger.Error("services run loop exited with error", zap.Error(err))
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Chain.RPCTimeout)
	defer shutdownCancel()
	if err := services.Shutdown(shutdownCtx); err != nil {
		logger.Error("error during shutdown", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("coreserver stopped successfully")
}

func initLogger() (*zap.Logger, zap.AtomicLevel, error) {
	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	logger, err := zapCfg.Build()
	return logger, zapCfg.Level, err
}

package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sftpflow/internal/daemon"
	"sftpflow/pkg/config"
	"sftpflow/pkg/logger"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "/etc/sftpflow/config.toml", "path to config file")
	flag.Parse()

	config, err := config.LoadFromFile(configPath)
	if err != nil {
		logger.Fatal("failed to load config", map[string]any{
			"config_path": configPath,
			"error":       err.Error(),
		})
	}

	daemon, err := daemon.NewDaemonService(config)
	if err != nil {
		logger.Fatal("failed to create daemon", map[string]any{
			"error": err.Error(),
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)

	errChan := make(chan error, 1)
	go func() {
		logger.Info("starting sftpflow daemon", nil)
		errChan <- daemon.Start(ctx)
	}()

	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", map[string]any{
			"signal": sig,
		})
	case err := <-errChan:
		if err != nil {
			logger.Error("daemon stopped unexpectedly", err, nil)
		}
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := daemon.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", err, nil)
		os.Exit(1)
	}

	logger.Info("daemon stopped successfully", nil)
}

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"scanbox/internal/config"
	"scanbox/internal/logging"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scanner with its HTTP, websocket and gRPC health endpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd)
		},
	}
	config.BindFlags(cmd.Flags())
	cmd.Flags().Bool("watch", true, "Reload the configuration file when it changes")
	return cmd
}

func runServe(cmd *cobra.Command) error {
	cfg, path, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger, level, err := logging.NewWithLevel(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	defer logging.Sync(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger, level)
	if err != nil {
		logger.Error("Failed to initialize", zap.Error(err))
		return err
	}
	defer a.Close()

	if err := a.Start(ctx); err != nil {
		logger.Error("Failed to start capture", zap.Error(err))
		return err
	}

	if watch, _ := cmd.Flags().GetBool("watch"); watch {
		w := config.NewWatcher(path, func(p string) (*config.Config, error) {
			return loadConfigFile(cmd, p)
		}, logger)
		w.OnReload(func(next *config.Config) { a.applyConfig(ctx, next) })
		if err := w.Start(); err != nil {
			logger.Warn("Config hot reload disabled", zap.String("path", path), zap.Error(err))
		} else {
			defer w.Stop()
		}
	}

	errc := make(chan error, 2)
	var wg sync.WaitGroup
	runHTTPServer(ctx, cfg.Server.HTTPAddr, a.handler(), logger, &wg, errc)
	if cfg.Server.GRPCAddr != "" {
		if err := runGRPCServer(ctx, cfg.Server.GRPCAddr, a.health, logger, &wg, errc); err != nil {
			stop()
			wg.Wait()
			return fmt.Errorf("gRPC listen: %w", err)
		}
	}

	logger.Info("Scanbox running",
		zap.String("scanner", cfg.Scanner.ID),
		zap.String("source", a.scanner.Source().Name()),
		zap.String("http", cfg.Server.HTTPAddr),
		zap.String("grpc", cfg.Server.GRPCAddr))

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown requested")
	case <-a.scanner.Done():
		logger.Info("Scanner stopped, shutting down")
	case runErr = <-errc:
		logger.Error("Server failed", zap.Error(runErr))
	}

	stop()
	a.Close()
	wg.Wait()
	logger.Info("Exited")

	if errors.Is(runErr, context.Canceled) {
		return nil
	}
	return runErr
}

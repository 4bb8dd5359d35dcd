// Command iggy-server runs the broker: it loads configuration, opens
// the System (streams, topics, users, state log), and serves the TCP
// command transport alongside the admin HTTP surface until signaled to
// shut down.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/iggy-run/iggy/internal/adminapi"
	"github.com/iggy-run/iggy/internal/config"
	"github.com/iggy-run/iggy/internal/logging"
	"github.com/iggy-run/iggy/internal/retention"
	"github.com/iggy-run/iggy/internal/system"
	"github.com/iggy-run/iggy/internal/tcpserver"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (optional, env vars always apply)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		zap.L().Fatal("failed to load config", zap.Error(err))
	}

	logger, err := logging.New(logging.Config{Level: cfg.Server.LogLevel, Format: logging.FormatJSON})
	if err != nil {
		zap.L().Fatal("failed to build logger", zap.Error(err))
	}
	defer func() { _ = logger.Sync() }()

	rootPassword := os.Getenv("IGGY_ROOT_PASSWORD")
	if rootPassword == "" {
		rootPassword = "iggy"
	}

	sys, err := system.New(cfg, logger, rootPassword)
	if err != nil {
		logger.Fatal("failed to initialize system", zap.Error(err))
	}
	defer func() {
		if err := sys.Close(); err != nil {
			logger.Error("error closing system", zap.Error(err))
		}
	}()

	admin := adminapi.NewServer(adminapi.Config{Address: cfg.Server.AdminAddress, DataDir: cfg.Server.DataDir}, logger, sys)
	tcp := tcpserver.New(tcpserver.Config{
		Address:              cfg.Server.TCPAddress,
		MaxConnectionsPerSec: 50,
		MaxConnections:       cfg.Security.MaxConnectionsPerIP * 64,
	}, logger, sys)

	ctx, cancel := context.WithCancel(context.Background())

	sweeper := retention.New(time.Hour, func(sweepCtx context.Context, now time.Time) (int, int) {
		return sys.SweepRetention(now)
	}, logger)
	go sweeper.Run(ctx)

	errCh := make(chan error, 2)
	go func() { errCh <- tcp.ListenAndServe(ctx) }()
	go func() {
		if err := admin.Start(); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("iggy-server started",
		zap.String("tcp_address", cfg.Server.TCPAddress),
		zap.String("admin_address", cfg.Server.AdminAddress),
		zap.String("data_dir", cfg.Server.DataDir),
	)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		logger.Error("server error, shutting down", zap.Error(err))
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := admin.Shutdown(shutdownCtx); err != nil {
		logger.Error("admin server shutdown error", zap.Error(err))
	}
	if err := tcp.Close(); err != nil {
		logger.Error("tcp server shutdown error", zap.Error(err))
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		cfg := config.Default()
		config.LoadFromEnv(cfg)
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return config.Load(path)
}

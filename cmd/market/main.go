package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/RWTH-EBC/PHOENAIX/internal/config"
	"github.com/RWTH-EBC/PHOENAIX/internal/version"
)

func main() {
	configPath := pflag.StringP("config", "c", "configs/market.yaml", "path to config file")
	envFile := pflag.String("env-file", ".env", "dotenv file loaded before the config")
	roles := pflag.StringSlice("roles", nil, "override instance.roles (controller,coordinator,agents)")
	instanceID := pflag.String("id", "", "override instance.id")
	showVersion := pflag.BoolP("version", "v", false, "print version and exit")
	pflag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load %s: %v\n", *envFile, err)
		os.Exit(1)
	}

	cfg, err := config.LoadWithDefaults(*configPath)
	if err == nil {
		if len(*roles) > 0 {
			cfg.Instance.Roles = *roles
		}
		if *instanceID != "" {
			cfg.Instance.ID = *instanceID
		}
		err = cfg.Validate()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	logger.Info("starting market",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
		"instance_id", cfg.Instance.ID,
		"roles", strings.Join(cfg.Instance.Roles, ","),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to build market", "error", err)
		os.Exit(1)
	}

	if err := a.Start(ctx); err != nil {
		logger.Error("failed to start market", "error", err)
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		_ = a.Stop(shutdownCtx)
		shutdownCancel()
		os.Exit(1)
	}

	var healthServer *http.Server
	if cfg.Health.Port > 0 {
		healthServer = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Health.Port),
			Handler:           a.healthHandler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("starting health server", "port", cfg.Health.Port)
			if err := healthServer.ListenAndServe(); err != http.ErrServerClosed {
				logger.Error("health server error", "error", err)
			}
		}()
	}

	logger.Info("market running", "instance_id", cfg.Instance.ID)

	select {
	case <-ctx.Done():
	case <-a.Done():
		logger.Info("round limit reached", "rounds", cfg.Market.MaxRounds)
	}

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if healthServer != nil {
		_ = healthServer.Shutdown(shutdownCtx)
	}
	if err := a.Stop(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	logger.Info("market stopped")
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

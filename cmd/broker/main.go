package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/RWTH-EBC/PHOENAIX/internal/broker"
	"github.com/RWTH-EBC/PHOENAIX/internal/version"
)

func main() {
	addr := pflag.StringP("addr", "a", ":8883", "listen address")
	readTimeout := pflag.Duration("read-timeout", 60*time.Second, "drop sessions silent for this long")
	writeTimeout := pflag.Duration("write-timeout", 5*time.Second, "write deadline per frame")
	debug := pflag.Bool("debug", false, "enable debug logging")
	pflag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	logger.Info("starting broker",
		"version", version.Version,
		"commit", version.Commit,
		"addr", *addr,
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

	srv := broker.New(broker.Config{
		Addr:         *addr,
		ReadTimeout:  *readTimeout,
		WriteTimeout: *writeTimeout,
	}, logger)
	if err := srv.Start(ctx); err != nil {
		logger.Error("failed to start broker", "error", err)
		os.Exit(1)
	}

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}

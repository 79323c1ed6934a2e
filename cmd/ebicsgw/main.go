package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"ebicsgw/config"
	"ebicsgw/observability/logging"
	telemetry "ebicsgw/observability/otel"
	"ebicsgw/payments"
	"ebicsgw/server"
	"ebicsgw/storage"
)

func main() {
	configFile := flag.String("config", "./ebicsgw.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("EBICSGW_ENV"))

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.Setup("ebicsgw", env, logging.Options{
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		Level:      logLevel(cfg.Log.Level),
	})

	shutdownTelemetry, err := telemetry.Setup(context.Background(), "ebicsgw", env)
	if err != nil {
		logger.Error("init telemetry", "err", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Error("shutdown telemetry", "err", err)
		}
	}()

	db, err := storage.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		logger.Error("open database", "err", err)
		os.Exit(1)
	}
	archive, err := storage.OpenArchive(cfg.ArchivePath)
	if err != nil {
		logger.Error("open archive", "err", err)
		os.Exit(1)
	}
	defer archive.Close()

	secret, err := cfg.AuthSecret()
	if err != nil {
		logger.Error("resolve auth secret", "err", err)
		os.Exit(1)
	}
	auth, err := server.NewAuthenticator(server.AuthOptions{
		Secret:   secret,
		Issuer:   cfg.Auth.Issuer,
		Audience: cfg.Auth.Audience,
	})
	if err != nil {
		logger.Error("build authenticator", "err", err)
		os.Exit(1)
	}

	factory := payments.NewClientFactory(logger, nil)
	submitter := payments.NewSubmitter(db, logger, nil)
	ingestor := payments.NewIngestor(db, archive, logger, nil)
	scheduler := payments.NewScheduler(db, factory, submitter, ingestor, payments.SchedulerConfig{
		Interval:   cfg.Scheduler.Interval.Std(),
		MaxBackoff: cfg.Scheduler.MaxBackoff.Std(),
		Logger:     logger,
	})

	srv, err := server.New(server.Config{
		DB:        db,
		Factory:   factory,
		Scheduler: scheduler,
		Auth:      auth,
		Logger:    logger,
	})
	if err != nil {
		logger.Error("build server", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("scheduler stopped", "err", err)
		}
	}()

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown", "err", err)
		}
	}()

	logger.Info("gateway listening", "addr", cfg.ListenAddress)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("serve", "err", err)
		os.Exit(1)
	}
}

func logLevel(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

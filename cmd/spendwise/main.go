package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"spendwise/internal/auth"
	"spendwise/internal/backend"
	"spendwise/internal/config"
	apphttp "spendwise/internal/http"
	"spendwise/internal/log"
	"spendwise/internal/session"
)

func main() {
	// Load .env file for local development (ignore errors in production/docker)
	_ = godotenv.Load()

	cfg := config.Load()

	level, err := log.ParseLevel(cfg.LogLevel)
	logger := log.New(log.Config{
		Level:     level,
		Format:    cfg.LogFormat,
		Component: log.ComponentApp,
		Output:    os.Stdout,
	})
	log.SetDefault(logger)
	if err != nil {
		logger.Warn("Unknown log level, using info", "log_level", cfg.LogLevel)
	}

	if err := cfg.Validate(); err != nil {
		logger.Error("Configuration validation failed", log.FieldError, err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("Server stopped with error", log.FieldError, err)
		os.Exit(1)
	}
	logger.Info("Server stopped gracefully")
}

func run(cfg *config.Config, logger *log.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backendCfg, err := backend.FromAppConfig(cfg)
	if err != nil {
		return err
	}
	result, err := backend.NewFactory(logger).CreateBackend(ctx, backendCfg)
	if err != nil {
		return err
	}

	authn := auth.NewLocal()
	identities, unwatch := authn.Watch()
	sess := session.New(result.Store, identities, logger)

	defer func() {
		_ = sess.Close()
		unwatch()
		if err := result.Cleanup(); err != nil {
			logger.Error("Backend cleanup failed", log.FieldError, err)
		}
	}()

	srv := apphttp.NewServer(cfg.Addr(), sess, authn, logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(ctx)
	})
	if result.Run != nil {
		g.Go(func() error {
			if err := result.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	logger.Info("Starting spendwise server",
		"addr", cfg.Addr(),
		log.FieldBackend, cfg.DataBackend,
		log.FieldOperation, log.OpStartup,
	)
	return g.Wait()
}

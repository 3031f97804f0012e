package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"lora-orchestrator/cmd/internal/bootstrap"
	"lora-orchestrator/config"
	"lora-orchestrator/core/logging"
	"lora-orchestrator/core/notify"

	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()
	logger = logger.With(zap.String("role", cfg.WorkerRole))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var publisher notify.Publisher = notify.LogPublisher{Logger: logger}
	if cfg.RedisAddr != "" {
		relay, err := notify.NewRedisRelay(ctx, cfg.RedisAddr, cfg.RedisChannel, logger)
		if err != nil {
			logger.Fatal("failed to connect to redis", zap.Error(err))
		}
		defer relay.Close()
		publisher = relay
	}

	app, err := bootstrap.New(ctx, cfg, bootstrap.Options{Publisher: publisher}, logger)
	if err != nil {
		logger.Fatal("failed to initialize", zap.Error(err))
	}
	defer app.Close()

	poller, err := app.Poller(cfg.WorkerRole)
	if err != nil {
		logger.Fatal("failed to create poller", zap.Error(err))
	}

	logger.Info("worker started")
	if err := poller.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("poller stopped", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("worker exited")
}

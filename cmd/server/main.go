package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"lora-orchestrator/api/rest/handlers"
	"lora-orchestrator/api/rest/routes"
	"lora-orchestrator/cmd/internal/bootstrap"
	"lora-orchestrator/config"
	"lora-orchestrator/core/logging"
	"lora-orchestrator/core/notify"

	"github.com/gorilla/mux"
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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := notify.NewHub(logger, notify.DefaultBuffer)

	app, err := bootstrap.New(ctx, cfg, bootstrap.Options{Publisher: hub, Drops: hub}, logger)
	if err != nil {
		logger.Fatal("failed to initialize", zap.Error(err))
	}
	defer app.Close()

	logger.Info("database connected")

	// Worker processes publish through Redis; forward their events to local subscribers
	if cfg.RedisAddr != "" {
		relay, err := notify.NewRedisRelay(ctx, cfg.RedisAddr, cfg.RedisChannel, logger)
		if err != nil {
			logger.Fatal("failed to connect to redis", zap.Error(err))
		}
		defer relay.Close()
		if err := relay.Forward(ctx, hub); err != nil {
			logger.Fatal("failed to subscribe to relay", zap.Error(err))
		}
	}

	var background sync.WaitGroup

	if cfg.RunTaskPoller {
		poller, err := app.Poller(bootstrap.RoleTasks)
		if err != nil {
			logger.Fatal("failed to create task poller", zap.Error(err))
		}
		background.Add(1)
		go func() {
			defer background.Done()
			if err := poller.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("task poller stopped", zap.Error(err))
			}
		}()
	}

	if cfg.RunMonitor {
		monitor := app.RunMonitor()
		background.Add(1)
		go func() {
			defer background.Done()
			monitor.Start(ctx)
		}()
	}

	r := mux.NewRouter()
	routes.SetupRoutes(r, routes.Handlers{
		Runs:   handlers.NewRunHandler(app.Machine, app.Runs, app.Ledger, logger),
		Events: handlers.NewEventsHandler(hub),
		Health: handlers.NewHealthHandler(app.DB, app.Metrics),
	}, logger)

	// Start server
	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	go func() {
		logger.Info("starting server", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed to start", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")

	// Ends open event streams so Shutdown does not wait on them
	hub.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	cancel()
	background.Wait()
	logger.Info("server exited")
}

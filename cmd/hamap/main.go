package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/MaxMinsk/HaMapAddon/internal/app"
	"github.com/MaxMinsk/HaMapAddon/internal/capacity"
	"github.com/MaxMinsk/HaMapAddon/internal/config"
	"github.com/MaxMinsk/HaMapAddon/internal/handlers"
	"github.com/MaxMinsk/HaMapAddon/internal/health"
	"github.com/MaxMinsk/HaMapAddon/internal/jobs"
	"github.com/MaxMinsk/HaMapAddon/internal/logging"
	"github.com/MaxMinsk/HaMapAddon/internal/middleware"
)

// Version of the application
var Version = "1.0.0"

const capacityInterval = 15 * time.Minute

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		logging.Errorf("HaMap stopped with error: %v", err)
		os.Exit(1)
	}
}

func run(cfg *config.AppConfig) error {
	services, err := app.Build(cfg)
	if err != nil {
		return err
	}
	logging.Debugf("Services built: data_dir=%s photos_dir=%s redis=%t", cfg.Storage.DataDir, cfg.Sync.PhotosDir, cfg.Redis.Enabled)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := services.Close(ctx); err != nil {
			logging.Warnf("Shutdown cleanup failed: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		rdb      *redis.Client
		enqueuer handlers.SyncEnqueuer
		worker   *asynq.Server
		mux      *asynq.ServeMux
	)
	if cfg.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()

		redisOpt := jobs.RedisOpt(cfg.Redis)
		e := jobs.NewEnqueuer(asynq.NewClient(redisOpt))
		defer e.Close()
		enqueuer = e

		worker, mux = jobs.NewWorker(redisOpt, jobs.NewSyncTaskHandler(services.Sync, services.Logger))
	}

	diskMonitor := capacity.NewDiskMonitor(services.Metrics)

	httpMetrics := middleware.NewHTTPMetrics(services.Registry)
	server := fiber.New(fiber.Config{
		AppName:               "HaMap v" + Version,
		ReadTimeout:           cfg.Server.ReadTimeout,
		WriteTimeout:          cfg.Server.WriteTimeout,
		DisableStartupMessage: true,
	})
	server.Use(recover.New())
	server.Use(services.Logger.FiberLoggerMiddleware())
	server.Use(httpMetrics.Handler())

	handlers.RegisterRoutes(server, handlers.Deps{
		Sync:      handlers.NewSyncHandler(services.Sync, enqueuer),
		Device:    handlers.NewDeviceHandler(services.DeviceFlow),
		History:   handlers.NewHistoryHandler(services.History),
		Health:    health.NewChecker(services.Repository, rdb, diskMonitor, cfg.Sync.PhotosDir, services.Metrics),
		Gatherer:  services.Registry,
		PhotosDir: cfg.Sync.PhotosDir,
		Limits:    middleware.DefaultRateLimiterConfig(),
	})

	if err := os.MkdirAll(cfg.Sync.PhotosDir, 0o755); err != nil {
		return fmt.Errorf("failed to create photos directory: %w", err)
	}

	var wg sync.WaitGroup

	if cfg.Sync.Enabled {
		scheduler := jobs.NewScheduler(services.Sync, cfg.Sync.Interval, cfg.Sync.RunOnStartup)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := scheduler.Run(ctx); err != nil {
				logging.Errorf("Sync scheduler failed: %v", err)
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		diskMonitor.Monitor(ctx, cfg.Sync.PhotosDir, capacityInterval)
	}()

	if worker != nil {
		if err := worker.Start(mux); err != nil {
			return fmt.Errorf("failed to start job worker: %w", err)
		}
		defer worker.Shutdown()
	}

	go func() {
		<-ctx.Done()
		logging.Infof("Shutting down gracefully...")
		if err := server.ShutdownWithTimeout(30 * time.Second); err != nil {
			logging.Errorf("Error during shutdown: %v", err)
		}
	}()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	logging.Infof("Starting server on %s", addr)
	listenErr := server.Listen(addr)

	stop()
	wg.Wait()

	if listenErr != nil {
		return fmt.Errorf("http server: %w", listenErr)
	}
	return nil
}

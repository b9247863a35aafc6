// Package app builds the services shared by the add-on server and the one-shot CLI.
package app

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/MaxMinsk/HaMapAddon/internal/auth"
	"github.com/MaxMinsk/HaMapAddon/internal/config"
	"github.com/MaxMinsk/HaMapAddon/internal/database"
	"github.com/MaxMinsk/HaMapAddon/internal/drive"
	"github.com/MaxMinsk/HaMapAddon/internal/history"
	"github.com/MaxMinsk/HaMapAddon/internal/logging"
	"github.com/MaxMinsk/HaMapAddon/internal/metrics"
	"github.com/MaxMinsk/HaMapAddon/internal/photos"
	"github.com/MaxMinsk/HaMapAddon/internal/store"
	"github.com/MaxMinsk/HaMapAddon/internal/tokenstore"
	"github.com/MaxMinsk/HaMapAddon/internal/tracing"
	"github.com/MaxMinsk/HaMapAddon/internal/workflow"
)

// Services is the wired object graph
type Services struct {
	Config     *config.AppConfig
	Logger     *logging.Logger
	Registry   *prometheus.Registry
	Metrics    *metrics.Metrics
	DB         *database.DatabaseManager
	Repository *store.Repository
	Tokens     *tokenstore.FileStore
	Broker     *auth.Broker
	DeviceFlow *auth.DeviceFlow
	Drive      *drive.Client
	Pipeline   *photos.Pipeline
	Sync       *workflow.SyncJobService
	History    *history.Service

	tracer *tracing.Tracer
}

// Build initialises logging and tracing and wires every service from cfg
func Build(cfg *config.AppConfig) (*Services, error) {
	logger := logging.InitGlobalLogger(logging.LogLevel(cfg.Logging.Level), cfg.Logging.Format, cfg.Logging.Output)

	s := &Services{Config: cfg, Logger: logger}

	if cfg.Tracing.Enabled {
		tracer, err := tracing.NewTracer(tracing.ServiceName, cfg.Tracing.OTLPEndpoint, cfg.Tracing.OTLPEndpoint != "")
		if err != nil {
			return nil, fmt.Errorf("failed to initialise tracing: %w", err)
		}
		s.tracer = tracer
	}

	s.Registry = prometheus.NewRegistry()
	s.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	s.Metrics = metrics.NewMetrics(s.Registry)

	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := database.NewDatabaseManager(&cfg.Database, cfg.Storage.DataDir, logging.WithModule("database"))
	if err != nil {
		return nil, err
	}
	s.DB = db
	if err := database.NewMigrationManager(db.GetGormDB(), logging.WithModule("database")).Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	s.Repository = store.NewRepository(db.GetGormDB())

	tokenClient := &http.Client{Timeout: cfg.OneDrive.TokenTimeout}
	graphClient := &http.Client{Timeout: cfg.OneDrive.GraphTimeout}

	authCfg := auth.ConfigFromApp(cfg.OneDrive)
	s.Tokens = tokenstore.NewFileStore(cfg.Storage.CredentialPath())
	s.Broker = auth.NewBroker(authCfg, s.Tokens, tokenClient, s.Metrics)
	s.DeviceFlow = auth.NewDeviceFlow(authCfg, s.Tokens, tokenClient)
	s.DeviceFlow.OnConnected(s.Broker.Invalidate)

	s.Drive = drive.NewClient(drive.ConfigFromApp(cfg.OneDrive), graphClient, s.Metrics)
	s.Pipeline = photos.NewPipeline(photos.ProcessingConfigFromApp(cfg.Sync), s.Drive, s.Repository, s.Metrics)
	s.Sync = workflow.NewSyncJobService(
		workflow.SyncJobConfigFromApp(cfg.Sync),
		s.Broker, s.Drive, s.Pipeline, s.Repository, s.Metrics,
		workflow.NewLoggerAdapter(logger),
	)

	s.History = history.NewService(history.NewClientFromConfig(cfg.History), cfg.History, s.Metrics)

	return s, nil
}

// Close releases the database and flushes traces
func (s *Services) Close(ctx context.Context) error {
	var firstErr error
	if s.tracer != nil {
		if err := s.tracer.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if s.DB != nil {
		if err := s.DB.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Package workflow runs sync cycles: resolve a token, walk the drive and feed every file through the photo pipeline.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/MaxMinsk/HaMapAddon/internal/config"
	"github.com/MaxMinsk/HaMapAddon/internal/drive"
	"github.com/MaxMinsk/HaMapAddon/internal/logging"
	"github.com/MaxMinsk/HaMapAddon/internal/metrics"
	"github.com/MaxMinsk/HaMapAddon/internal/models"
	"github.com/MaxMinsk/HaMapAddon/internal/photos"
	"github.com/MaxMinsk/HaMapAddon/internal/store"
	"github.com/MaxMinsk/HaMapAddon/internal/tracing"
)

// Run reasons
const (
	ReasonManual   = "manual"
	ReasonSchedule = "schedule"
	ReasonStartup  = "startup"
	ReasonQueued   = "queued"
	ReasonCLI      = "cli"
)

const maxExceptionMessage = 200

// SyncJobConfig holds the knobs for sync runs
type SyncJobConfig struct {
	Enabled            bool
	MaxDownloadsPerRun int
}

// SyncJobConfigFromApp maps the sync config section
func SyncJobConfigFromApp(c config.SyncConfig) SyncJobConfig {
	return SyncJobConfig{
		Enabled:            c.Enabled,
		MaxDownloadsPerRun: c.MaxDownloadsPerRun,
	}
}

// TokenSource hands out bearer tokens for the drive
type TokenSource interface {
	HasClientID() bool
	HasRefreshToken() bool
	GetAccessToken(ctx context.Context) (string, error)
	Invalidate()
}

// Crawler walks and browses the drive
type Crawler interface {
	Walk(ctx context.Context, accessToken string, visit func(context.Context, models.RemoteFile) error) error
	ListFolders(ctx context.Context, accessToken, path string) ([]models.FolderEntry, error)
}

// FileProcessor runs one remote file through the photo pipeline
type FileProcessor interface {
	Process(ctx context.Context, file models.RemoteFile) (photos.Outcome, error)
}

// Records is the part of the record store the sync service uses
type Records interface {
	SetSetting(ctx context.Context, key, value string) error
	QueryPhotos(ctx context.Context, q store.PhotoQuery) ([]models.PhotoIndexRecord, int64, error)
}

// Logger interface to allow different logging implementations
type Logger interface {
	Info(args ...interface{})
	Infof(format string, args ...interface{})
	Warn(args ...interface{})
	Warnf(format string, args ...interface{})
	Error(args ...interface{})
	Errorf(format string, args ...interface{})
	Debug(args ...interface{})
	Debugf(format string, args ...interface{})
}

// LoggerAdapter adapts the global logger to the workflow logger interface
type LoggerAdapter struct {
	logger *logging.Logger
}

// NewLoggerAdapter creates a new logger adapter
func NewLoggerAdapter(logger *logging.Logger) *LoggerAdapter {
	return &LoggerAdapter{
		logger: logger,
	}
}

func (la *LoggerAdapter) Info(args ...interface{}) {
	la.logger.Info(fmt.Sprint(args...))
}

func (la *LoggerAdapter) Infof(format string, args ...interface{}) {
	la.logger.Info(fmt.Sprintf(format, args...))
}

func (la *LoggerAdapter) Warn(args ...interface{}) {
	la.logger.Warn(fmt.Sprint(args...))
}

func (la *LoggerAdapter) Warnf(format string, args ...interface{}) {
	la.logger.Warn(fmt.Sprintf(format, args...))
}

func (la *LoggerAdapter) Error(args ...interface{}) {
	la.logger.Error(fmt.Sprint(args...))
}

func (la *LoggerAdapter) Errorf(format string, args ...interface{}) {
	la.logger.Error(fmt.Sprintf(format, args...))
}

func (la *LoggerAdapter) Debug(args ...interface{}) {
	la.logger.Debug(fmt.Sprint(args...))
}

func (la *LoggerAdapter) Debugf(format string, args ...interface{}) {
	la.logger.Debug(fmt.Sprintf(format, args...))
}

// SyncJobService owns the run lock and the last result
type SyncJobService struct {
	cfg       SyncJobConfig
	tokens    TokenSource
	crawler   Crawler
	processor FileProcessor
	records   Records
	metrics   *metrics.Metrics
	logger    Logger
	runLogger *logging.Logger
	now       func() time.Time

	runMu sync.Mutex

	lastMu sync.RWMutex
	last   *models.SyncResult
}

// NewSyncJobService creates a new sync job service
func NewSyncJobService(cfg SyncJobConfig, tokens TokenSource, crawler Crawler, processor FileProcessor, records Records, m *metrics.Metrics, logger Logger) *SyncJobService {
	if logger == nil {
		logger = NewLoggerAdapter(logging.GetGlobalLogger())
	}
	return &SyncJobService{
		cfg:       cfg,
		tokens:    tokens,
		crawler:   crawler,
		processor: processor,
		records:   records,
		metrics:   m,
		logger:    logger,
		runLogger: logging.GetGlobalLogger(),
		now:       time.Now,
	}
}

// RunOnce performs one sync run. It never blocks on another run: a concurrent call gets busy.
// The result is also kept as the last result, whatever its status.
func (s *SyncJobService) RunOnce(ctx context.Context, reason string) models.SyncResult {
	result := models.SyncResult{
		RunID:     uuid.NewString(),
		Reason:    reason,
		StartedAt: s.now().UTC(),
	}

	switch {
	case !s.cfg.Enabled:
		return s.finish(ctx, result, models.Ok(models.StatusSkipped, "sync is disabled"))
	case !s.tokens.HasClientID():
		return s.finish(ctx, result, models.Fail(models.StatusInvalidConfig, "onedrive client id is not configured"))
	case !s.tokens.HasRefreshToken():
		return s.finish(ctx, result, models.Fail(models.StatusInvalidConfig, "onedrive is not connected; run the device login first"))
	}

	if !s.runMu.TryLock() {
		busy := models.Fail(models.StatusBusy, "a sync run is already in progress")
		result.Result = busy
		result.FinishedAt = s.now().UTC()
		s.metrics.ObserveSyncRun(busy.Status, 0)
		s.runLogger.LogSyncRun(result)
		return result
	}
	defer s.runMu.Unlock()

	ctx, span := tracing.Start(ctx, tracing.SpanSyncRun, tracing.SyncRunAttrs(result.RunID, reason)...)
	defer span.End()

	s.logger.Infof("Starting sync run %s (reason=%s)", result.RunID, reason)
	outcome := s.run(ctx, &result)
	if !outcome.Success {
		tracing.SetSpanError(ctx, errors.New(outcome.Message))
	}
	return s.finish(ctx, result, outcome)
}

// run does the walk under the run lock; counters are written into result as it goes
func (s *SyncJobService) run(ctx context.Context, result *models.SyncResult) (outcome models.Result) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorf("Sync run %s panicked: %v", result.RunID, r)
			outcome = models.Fail(models.StatusException, truncate(fmt.Sprintf("unexpected error: %v", r)))
		}
	}()

	token, err := s.tokens.GetAccessToken(ctx)
	if err != nil {
		s.logger.Warnf("Sync run %s could not get an access token: %v", result.RunID, err)
		return models.Fail(models.StatusAuthError, fmt.Sprintf("failed to get access token: %v", err))
	}
	if token == "" {
		return models.Fail(models.StatusAuthError, "identity provider returned an empty access token")
	}

	limit := s.cfg.MaxDownloadsPerRun
	capped := false

	err = s.crawler.Walk(ctx, token, func(ctx context.Context, file models.RemoteFile) error {
		result.Examined++
		outcome, err := s.processor.Process(ctx, file)
		if err != nil {
			s.logger.Warnf("Skipping %s (%s): %v", file.ItemID, file.FileName, err)
		}
		if outcome.Downloaded() {
			result.Downloaded++
		} else {
			result.Skipped++
		}

		if err := ctx.Err(); err != nil {
			return err
		}
		if limit > 0 && result.Downloaded >= limit {
			capped = true
			return drive.ErrStopWalk
		}
		return nil
	})

	var graphErr *drive.GraphError
	switch {
	case err == nil:
	case errors.As(err, &graphErr):
		if graphErr.StatusCode == 401 {
			s.tokens.Invalidate()
		}
		s.logger.Warnf("Sync run %s aborted by Graph error: %v", result.RunID, err)
		return models.Fail(models.StatusGraphError, graphErr.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		s.logger.Warnf("Sync run %s cancelled: %v", result.RunID, err)
		return models.Fail(models.StatusException, truncate(fmt.Sprintf("sync cancelled: %v", err)))
	default:
		s.logger.Errorf("Sync run %s failed: %v", result.RunID, err)
		return models.Fail(models.StatusException, truncate(fmt.Sprintf("unexpected error: %v", err)))
	}

	msg := fmt.Sprintf("examined %d, downloaded %d, skipped %d", result.Examined, result.Downloaded, result.Skipped)
	if capped {
		msg += fmt.Sprintf(" (stopped at the limit of %d downloads)", limit)
	}
	return models.Ok(models.StatusCompleted, msg)
}

// finish stamps the result, records markers and metrics, and remembers it
func (s *SyncJobService) finish(ctx context.Context, result models.SyncResult, outcome models.Result) models.SyncResult {
	result.Result = outcome
	result.FinishedAt = s.now().UTC()
	result.Duration = result.FinishedAt.Sub(result.StartedAt)

	s.writeMarkers(ctx, result)

	s.metrics.ObserveSyncRun(result.Status, result.Duration)
	s.runLogger.LogSyncRun(result)

	s.lastMu.Lock()
	last := result
	s.last = &last
	s.lastMu.Unlock()

	return result
}

func (s *SyncJobService) writeMarkers(ctx context.Context, result models.SyncResult) {
	if s.records == nil {
		return
	}
	// markers must land even when the run was cancelled
	ctx = context.WithoutCancel(ctx)
	if err := s.records.SetSetting(ctx, store.KeyLastSyncUTC, result.FinishedAt.Format(time.RFC3339)); err != nil {
		s.logger.Warnf("Failed to store last sync marker: %v", err)
	}
	if err := s.records.SetSetting(ctx, store.KeyLastSyncStatus, result.Status); err != nil {
		s.logger.Warnf("Failed to store last sync status: %v", err)
	}
}

// GetLastResult returns the most recent run result, or nil before the first run
func (s *SyncJobService) GetLastResult() *models.SyncResult {
	s.lastMu.RLock()
	defer s.lastMu.RUnlock()
	if s.last == nil {
		return nil
	}
	last := *s.last
	return &last
}

// ListFolders returns the direct child folders of path on the drive
func (s *SyncJobService) ListFolders(ctx context.Context, path string) models.FolderListResult {
	result := models.FolderListResult{Path: path, Folders: []models.FolderEntry{}}

	if !s.tokens.HasClientID() {
		result.Result = models.Fail(models.StatusInvalidConfig, "onedrive client id is not configured")
		return result
	}
	if !s.tokens.HasRefreshToken() {
		result.Result = models.Fail(models.StatusInvalidConfig, "onedrive is not connected; run the device login first")
		return result
	}

	token, err := s.tokens.GetAccessToken(ctx)
	if err != nil || token == "" {
		result.Result = models.Fail(models.StatusAuthError, fmt.Sprintf("failed to get access token: %v", err))
		return result
	}

	folders, err := s.crawler.ListFolders(ctx, token, path)
	if err != nil {
		var graphErr *drive.GraphError
		if errors.As(err, &graphErr) {
			if graphErr.StatusCode == 401 {
				s.tokens.Invalidate()
			}
			result.Result = models.Fail(models.StatusGraphError, graphErr.Error())
			return result
		}
		s.logger.Errorf("Folder listing for %q failed: %v", path, err)
		result.Result = models.Fail(models.StatusException, truncate(fmt.Sprintf("unexpected error: %v", err)))
		return result
	}

	result.Folders = folders
	result.Result = models.Ok(models.StatusCompleted, fmt.Sprintf("%d folders", len(folders)))
	return result
}

// QueryPhotos runs the photo index range query
func (s *SyncJobService) QueryPhotos(ctx context.Context, q store.PhotoQuery) models.PhotoQueryResult {
	result := models.PhotoQueryResult{Photos: []models.PhotoIndexRecord{}}

	if q.BBox != nil && !q.BBox.Valid() {
		result.Result = models.Fail(models.StatusInvalidRequest, "bounding box is invalid")
		return result
	}
	if !q.From.IsZero() && !q.To.IsZero() && q.To.Before(q.From) {
		result.Result = models.Fail(models.StatusInvalidRequest, "from must not be after to")
		return result
	}

	found, total, err := s.records.QueryPhotos(ctx, q)
	if err != nil {
		s.logger.Errorf("Photo query failed: %v", err)
		result.Result = models.Fail(models.StatusException, truncate(fmt.Sprintf("photo query failed: %v", err)))
		return result
	}

	result.Photos = found
	result.TotalCount = total
	result.Result = models.Ok(models.StatusCompleted, fmt.Sprintf("%d of %d photos", len(found), total))
	return result
}

func truncate(msg string) string {
	if len(msg) <= maxExceptionMessage {
		return msg
	}
	cut := maxExceptionMessage
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}

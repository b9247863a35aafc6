// Package photos decides, downloads and indexes one drive file at a time.
package photos

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/MaxMinsk/HaMapAddon/internal/config"
	"github.com/MaxMinsk/HaMapAddon/internal/logging"
	"github.com/MaxMinsk/HaMapAddon/internal/metrics"
	"github.com/MaxMinsk/HaMapAddon/internal/models"
	"github.com/MaxMinsk/HaMapAddon/internal/store"
	"github.com/MaxMinsk/HaMapAddon/internal/tracing"
)

// Outcome is the per-file result of Process
type Outcome string

const (
	OutcomeDownloaded        Outcome = "downloaded"
	OutcomeUnchanged         Outcome = "unchanged"
	OutcomeFilteredExtension Outcome = "filtered_extension"
	OutcomeFilteredAge       Outcome = "filtered_age"
	OutcomeFailed            Outcome = "failed"
)

// Downloaded reports whether the outcome counts as a download
func (o Outcome) Downloaded() bool {
	return o == OutcomeDownloaded
}

// ProcessingConfig holds configuration for the photo pipeline
type ProcessingConfig struct {
	Extensions       []string `mapstructure:"extensions"`
	LookbackDays     int      `mapstructure:"lookback_days"`
	MaxSide          int      `mapstructure:"max_side"`
	ThumbnailMaxSide int      `mapstructure:"thumbnail_max_side"`
	ThumbnailPrefix  string   `mapstructure:"thumbnail_prefix"`
	PhotosDir        string   `mapstructure:"photos_dir"`
	JPEGQuality      int      `mapstructure:"jpeg_quality"`
}

// DefaultProcessingConfig returns the default configuration
func DefaultProcessingConfig() *ProcessingConfig {
	return &ProcessingConfig{
		Extensions:       []string{".jpg", ".jpeg", ".png", ".webp", ".tif", ".tiff"},
		LookbackDays:     3650,
		MaxSide:          2500,
		ThumbnailMaxSide: 320,
		ThumbnailPrefix:  "thumb_",
		PhotosDir:        "/data/photos",
		JPEGQuality:      85,
	}
}

// ProcessingConfigFromApp maps the sync config section
func ProcessingConfigFromApp(c config.SyncConfig) *ProcessingConfig {
	return &ProcessingConfig{
		Extensions:       c.Extensions,
		LookbackDays:     c.LookbackDays,
		MaxSide:          c.MaxSide,
		ThumbnailMaxSide: c.ThumbnailMaxSide,
		ThumbnailPrefix:  c.ThumbnailPrefix,
		PhotosDir:        c.PhotosDir,
		JPEGQuality:      c.JPEGQuality,
	}
}

// Downloader fetches a pre-authenticated download URL
type Downloader interface {
	Download(ctx context.Context, downloadURL string, w io.Writer) (int64, error)
}

// Records is the part of the record store the pipeline uses
type Records interface {
	GetDownloadedFile(ctx context.Context, itemID string) (*models.DownloadedFileRecord, error)
	UpsertDownloadedFile(ctx context.Context, record *models.DownloadedFileRecord) error
	GetPhoto(ctx context.Context, itemID string) (*models.PhotoIndexRecord, error)
	UpsertPhoto(ctx context.Context, record *models.PhotoIndexRecord) error
}

// Pipeline applies the per-file steps
type Pipeline struct {
	config     *ProcessingConfig
	extensions map[string]struct{}
	downloader Downloader
	records    Records
	metrics    *metrics.Metrics
	logger     *zerolog.Logger
	now        func() time.Time
}

// NewPipeline creates a pipeline; a nil config uses the defaults
func NewPipeline(cfg *ProcessingConfig, downloader Downloader, records Records, m *metrics.Metrics) *Pipeline {
	if cfg == nil {
		cfg = DefaultProcessingConfig()
	}

	extensions := make(map[string]struct{}, len(cfg.Extensions))
	for _, ext := range cfg.Extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext != "" && !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		extensions[ext] = struct{}{}
	}

	return &Pipeline{
		config:     cfg,
		extensions: extensions,
		downloader: downloader,
		records:    records,
		metrics:    m,
		logger:     logging.WithModule("photos"),
		now:        time.Now,
	}
}

// Process runs one file through the pipeline. Only OutcomeFailed comes with an error;
// resize, thumbnail and index problems are logged and do not fail the file.
func (p *Pipeline) Process(ctx context.Context, file models.RemoteFile) (Outcome, error) {
	ctx, span := tracing.Start(ctx, tracing.SpanPhotosProcess, tracing.ItemAttrs(file.ItemID, file.FileName)...)
	defer span.End()

	outcome, err := p.process(ctx, file)
	if err != nil {
		tracing.SetSpanError(ctx, err)
	}
	p.metrics.IncFile(string(outcome))
	return outcome, err
}

func (p *Pipeline) process(ctx context.Context, file models.RemoteFile) (Outcome, error) {
	log := p.logger.With().Str("item_id", file.ItemID).Str("file_name", file.FileName).Logger()

	// 1. Extension filter
	if !p.SupportedExtension(file.FileName) {
		return OutcomeFilteredExtension, nil
	}

	// 2. Recency filter
	if p.TooOld(file.LastModifiedUTC) {
		return OutcomeFilteredAge, nil
	}

	// 3. Change detection
	record, err := p.records.GetDownloadedFile(ctx, file.ItemID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Warn().Err(err).Msg("Failed to load download record, downloading again")
		record = nil
	}
	if record != nil && unchanged(record, file) && fileExists(record.LocalPath) {
		p.refreshExisting(ctx, &log, file, record.LocalPath)
		return OutcomeUnchanged, nil
	}

	// 4. Download to a temp file, read metadata and resize, then move into place
	finalPath := p.LocalPath(file)
	meta, err := p.download(ctx, &log, file, finalPath)
	if err != nil {
		log.Warn().Err(err).Msg("Download failed")
		return OutcomeFailed, err
	}

	// 5. Download record
	err = p.records.UpsertDownloadedFile(ctx, &models.DownloadedFileRecord{
		ItemID:          file.ItemID,
		ETag:            file.ETag,
		SizeBytes:       file.SizeBytes,
		LastModifiedUTC: file.LastModifiedUTC,
		LocalPath:       finalPath,
		DownloadedAt:    p.now().UTC(),
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to store download record")
	}

	// 6. Thumbnail
	thumbPath := p.ensureThumbnail(&log, file, finalPath, true)

	// 7. Index
	p.index(ctx, &log, file, finalPath, thumbPath, meta)

	return OutcomeDownloaded, nil
}

// SupportedExtension reports whether the file name carries a configured image extension
func (p *Pipeline) SupportedExtension(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		return false
	}
	_, ok := p.extensions[ext]
	return ok
}

// TooOld reports whether a modification time falls before the lookback window
func (p *Pipeline) TooOld(modified time.Time) bool {
	if p.config.LookbackDays <= 0 {
		return false
	}
	cutoff := p.now().UTC().AddDate(0, 0, -p.config.LookbackDays)
	return modified.Before(cutoff)
}

// LocalPath is <photos_dir>/<item id>_<file name>, both sanitized
func (p *Pipeline) LocalPath(file models.RemoteFile) string {
	return filepath.Join(p.config.PhotosDir, sanitize(file.ItemID)+"_"+sanitize(file.FileName))
}

// ThumbnailPath is <photos_dir>/<prefix><local base without extension>.jpg
func (p *Pipeline) ThumbnailPath(localPath string) string {
	base := filepath.Base(localPath)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(filepath.Dir(localPath), p.config.ThumbnailPrefix+base+".jpg")
}

// unchanged compares eTags, falling back to size and modification time when the drive sent no eTag
func unchanged(record *models.DownloadedFileRecord, file models.RemoteFile) bool {
	if file.ETag != "" {
		return record.ETag == file.ETag
	}
	if !record.LastModifiedUTC.Equal(file.LastModifiedUTC) {
		return false
	}
	if record.SizeBytes == nil || file.SizeBytes == nil {
		return record.SizeBytes == nil && file.SizeBytes == nil
	}
	return *record.SizeBytes == *file.SizeBytes
}

// refreshExisting brings an already downloaded file in line with the current size and index policy
func (p *Pipeline) refreshExisting(ctx context.Context, log *zerolog.Logger, file models.RemoteFile, localPath string) {
	resized, err := ResizeFile(localPath, p.config.MaxSide, p.config.JPEGQuality)
	switch {
	case errors.Is(err, ErrUnsupportedFormat):
		log.Debug().Err(err).Msg("Existing file cannot be re-encoded, keeping original")
	case err != nil:
		log.Warn().Err(err).Msg("Resize of existing file failed, keeping original")
	}

	thumbPath := p.ensureThumbnail(log, file, localPath, resized)

	existing, err := p.records.GetPhoto(ctx, file.ItemID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Warn().Err(err).Msg("Failed to load photo index entry")
	}
	if existing != nil && !resized && !indexStale(existing, file, localPath, thumbPath) {
		return
	}

	meta, err := ReadMetadata(localPath)
	if err != nil {
		log.Debug().Err(err).Msg("EXIF unreadable")
	}
	p.index(ctx, log, file, localPath, thumbPath, meta)
}

func indexStale(existing *models.PhotoIndexRecord, file models.RemoteFile, localPath string, thumbPath *string) bool {
	if existing.ETag != file.ETag || existing.LocalPath != localPath {
		return true
	}
	if !existing.SourceLastModifiedUTC.Equal(file.LastModifiedUTC) {
		return true
	}
	if (existing.ThumbnailPath == nil) != (thumbPath == nil) {
		return true
	}
	return existing.ThumbnailPath != nil && *existing.ThumbnailPath != *thumbPath
}

func (p *Pipeline) download(ctx context.Context, log *zerolog.Logger, file models.RemoteFile, finalPath string) (Metadata, error) {
	if err := os.MkdirAll(p.config.PhotosDir, 0o755); err != nil {
		return Metadata{}, fmt.Errorf("failed to create photos directory: %w", err)
	}

	tmpPath := filepath.Join(p.config.PhotosDir, ".download-"+uuid.NewString()+".tmp")
	defer os.Remove(tmpPath)

	tmp, err := os.Create(tmpPath)
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := p.downloader.Download(ctx, file.DownloadURL, tmp); err != nil {
		tmp.Close()
		return Metadata{}, err
	}
	if err := tmp.Close(); err != nil {
		return Metadata{}, fmt.Errorf("failed to close temp file: %w", err)
	}

	meta, err := ReadMetadata(tmpPath)
	if err != nil {
		log.Debug().Err(err).Msg("EXIF unreadable")
	}

	if _, err := ResizeFile(tmpPath, p.config.MaxSide, p.config.JPEGQuality); err != nil {
		log.Warn().Err(err).Msg("Resize failed, keeping original")
	}

	if err := ctx.Err(); err != nil {
		return Metadata{}, err
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return Metadata{}, fmt.Errorf("failed to move download into place: %w", err)
	}
	return meta, nil
}

// ensureThumbnail returns the thumbnail path, or nil when none could be made.
// force regenerates an existing thumbnail.
func (p *Pipeline) ensureThumbnail(log *zerolog.Logger, file models.RemoteFile, localPath string, force bool) *string {
	prefix := p.config.ThumbnailPrefix
	if prefix != "" && (strings.HasPrefix(file.FileName, prefix) || strings.HasPrefix(filepath.Base(localPath), prefix)) {
		return nil
	}

	thumbPath := p.ThumbnailPath(localPath)
	if !force && fileExists(thumbPath) {
		return &thumbPath
	}

	if err := WriteThumbnail(localPath, thumbPath, p.config.ThumbnailMaxSide, p.config.JPEGQuality); err != nil {
		log.Warn().Err(err).Msg("Thumbnail generation failed")
		if fileExists(thumbPath) {
			return &thumbPath
		}
		return nil
	}
	return &thumbPath
}

func (p *Pipeline) index(ctx context.Context, log *zerolog.Logger, file models.RemoteFile, localPath string, thumbPath *string, meta Metadata) {
	width, height, _, err := Dimensions(localPath)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to read image dimensions")
	}

	capture := file.LastModifiedUTC.UTC()
	if meta.CaptureUTC != nil {
		capture = *meta.CaptureUTC
	}

	record := &models.PhotoIndexRecord{
		ItemID:                file.ItemID,
		ETag:                  file.ETag,
		LocalPath:             localPath,
		ThumbnailPath:         thumbPath,
		CaptureUTC:            capture,
		Latitude:              meta.Latitude,
		Longitude:             meta.Longitude,
		WidthPx:               width,
		HeightPx:              height,
		SourceLastModifiedUTC: file.LastModifiedUTC.UTC(),
		IndexedAtUTC:          p.now().UTC(),
	}
	record.SyncGPSFlag()

	if err := p.records.UpsertPhoto(ctx, record); err != nil {
		log.Error().Err(err).Msg("Failed to update photo index")
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// sanitize keeps letters, digits, dot, dash and underscore
func sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := strings.Trim(b.String(), ".")
	if out == "" {
		return "_"
	}
	return out
}

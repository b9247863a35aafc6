// Package store is the record store for download records, the photo index and small settings.
package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MaxMinsk/HaMapAddon/internal/geo"
	"github.com/MaxMinsk/HaMapAddon/internal/models"
)

// Setting keys
const (
	KeyLastSyncUTC    = "sync.last_run_utc"
	KeyLastSyncStatus = "sync.last_status"
)

const (
	DefaultPageSize = 100
	MaxPageSize     = 500
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("record not found")

// PhotoQuery filters the photo index. Zero From/To leave that end open.
type PhotoQuery struct {
	From     time.Time
	To       time.Time
	BBox     *geo.BoundingBox
	HasGPS   *bool
	Page     int
	PageSize int
}

// Repository reads and writes records with gorm
type Repository struct {
	db *gorm.DB
}

// NewRepository creates a new repository
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// GetDownloadedFile returns the download record for an item
func (r *Repository) GetDownloadedFile(ctx context.Context, itemID string) (*models.DownloadedFileRecord, error) {
	var record models.DownloadedFileRecord
	err := r.db.WithContext(ctx).Where("item_id = ?", itemID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load download record %s", itemID)
	}
	return &record, nil
}

// UpsertDownloadedFile creates or overwrites the download record for an item
func (r *Repository) UpsertDownloadedFile(ctx context.Context, record *models.DownloadedFileRecord) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "item_id"}},
			UpdateAll: true,
		}).
		Create(record).Error
	return errors.Wrapf(err, "failed to upsert download record %s", record.ItemID)
}

// GetPhoto returns the index entry for an item
func (r *Repository) GetPhoto(ctx context.Context, itemID string) (*models.PhotoIndexRecord, error) {
	var record models.PhotoIndexRecord
	err := r.db.WithContext(ctx).Where("item_id = ?", itemID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load photo %s", itemID)
	}
	return &record, nil
}

// UpsertPhoto creates or overwrites the index entry for an item
func (r *Repository) UpsertPhoto(ctx context.Context, record *models.PhotoIndexRecord) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "item_id"}},
			UpdateAll: true,
		}).
		Create(record).Error
	return errors.Wrapf(err, "failed to upsert photo %s", record.ItemID)
}

// QueryPhotos returns one page of index entries ordered by capture time, plus the total match count
func (r *Repository) QueryPhotos(ctx context.Context, q PhotoQuery) ([]models.PhotoIndexRecord, int64, error) {
	query := r.db.WithContext(ctx).Model(&models.PhotoIndexRecord{})

	if !q.From.IsZero() {
		query = query.Where("capture_utc >= ?", q.From.UTC())
	}
	if !q.To.IsZero() {
		query = query.Where("capture_utc <= ?", q.To.UTC())
	}
	if q.HasGPS != nil {
		query = query.Where("has_gps = ?", *q.HasGPS)
	}
	if q.BBox != nil {
		query = query.Where("has_gps = ?", true).
			Where("latitude BETWEEN ? AND ?", q.BBox.MinLat, q.BBox.MaxLat).
			Where("longitude BETWEEN ? AND ?", q.BBox.MinLon, q.BBox.MaxLon)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, errors.Wrap(err, "failed to count photos")
	}

	page, pageSize := normalizePage(q.Page, q.PageSize)

	var photos []models.PhotoIndexRecord
	err := query.
		Order("capture_utc ASC").
		Order("item_id ASC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&photos).Error
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to query photos")
	}

	return photos, total, nil
}

func normalizePage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	return page, pageSize
}

// GetSetting returns a stored value
func (r *Repository) GetSetting(ctx context.Context, key string) (string, error) {
	var kv models.KeyValue
	err := r.db.WithContext(ctx).Where("key = ?", key).Take(&kv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", errors.Wrapf(err, "failed to load setting %s", key)
	}
	return kv.Value, nil
}

// SetSetting creates or overwrites a stored value
func (r *Repository) SetSetting(ctx context.Context, key, value string) error {
	kv := models.KeyValue{Key: key, Value: value, UpdatedAt: time.Now().UTC()}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		}).
		Create(&kv).Error
	return errors.Wrapf(err, "failed to store setting %s", key)
}

// Ping verifies the connection
func (r *Repository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return errors.Wrap(err, "failed to get sql.DB")
	}
	return sqlDB.PingContext(ctx)
}

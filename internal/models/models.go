package models

import (
	"time"

	"gorm.io/gorm"
)

// Operation statuses shared by every structured result
const (
	StatusCompleted       = "completed"
	StatusSkipped         = "skipped"
	StatusInvalidConfig   = "invalid_config"
	StatusInvalidRequest  = "invalid_request"
	StatusBusy            = "busy"
	StatusAuthError       = "auth_error"
	StatusGraphError      = "graph_error"
	StatusHistoryError    = "history_error"
	StatusException       = "exception"
	StatusPending         = "pending"
	StatusConnected       = "connected"
	StatusExpired         = "expired"
	StatusNoSession       = "no_session"
	StatusRequestFailed   = "request_failed"
	StatusInvalidResponse = "invalid_response"
	StatusIdle            = "idle"
	StatusAwaitingUser    = "awaiting_user"
	StatusDenied          = "denied"
)

// RemoteFile is one drive item as seen during a crawl. It is rebuilt every page and never stored.
type RemoteFile struct {
	ItemID          string    `json:"item_id"`
	FileName        string    `json:"file_name"`
	DownloadURL     string    `json:"-"`
	ETag            string    `json:"etag,omitempty"`
	SizeBytes       *int64    `json:"size_bytes,omitempty"`
	LastModifiedUTC time.Time `json:"last_modified_utc"`
	ParentPath      string    `json:"parent_path,omitempty"`
}

// DownloadedFileRecord represents the downloaded_files table
type DownloadedFileRecord struct {
	ItemID          string    `gorm:"primaryKey;size:255" json:"item_id"`
	ETag            string    `gorm:"size:255" json:"etag"`
	SizeBytes       *int64    `json:"size_bytes,omitempty"`
	LastModifiedUTC time.Time `json:"last_modified_utc"`
	LocalPath       string    `gorm:"not null" json:"local_path"`
	DownloadedAt    time.Time `json:"downloaded_at"`
}

func (DownloadedFileRecord) TableName() string {
	return "downloaded_files"
}

// PhotoIndexRecord represents the photo_index table.
// HasGPS is kept in sync with the coordinate pair by BeforeSave.
type PhotoIndexRecord struct {
	ItemID                string    `gorm:"primaryKey;size:255" json:"item_id"`
	ETag                  string    `gorm:"size:255" json:"etag"`
	LocalPath             string    `gorm:"not null" json:"local_path"`
	ThumbnailPath         *string   `json:"thumbnail_path,omitempty"`
	CaptureUTC            time.Time `gorm:"index:idx_photo_capture" json:"capture_utc"`
	Latitude              *float64  `gorm:"index:idx_photo_lat_lon,priority:1" json:"latitude,omitempty"`
	Longitude             *float64  `gorm:"index:idx_photo_lat_lon,priority:2" json:"longitude,omitempty"`
	WidthPx               int       `json:"width_px"`
	HeightPx              int       `json:"height_px"`
	HasGPS                bool      `gorm:"index" json:"has_gps"`
	SourceLastModifiedUTC time.Time `json:"source_last_modified_utc"`
	IndexedAtUTC          time.Time `json:"indexed_at_utc"`
}

func (PhotoIndexRecord) TableName() string {
	return "photo_index"
}

// SyncGPSFlag derives HasGPS from the coordinate pair and clears a half-present pair
func (p *PhotoIndexRecord) SyncGPSFlag() {
	if p.Latitude == nil || p.Longitude == nil {
		p.Latitude = nil
		p.Longitude = nil
		p.HasGPS = false
		return
	}
	p.HasGPS = true
}

// BeforeSave keeps HasGPS consistent on every write
func (p *PhotoIndexRecord) BeforeSave(tx *gorm.DB) error {
	p.SyncGPSFlag()
	return nil
}

// KeyValue represents the settings table used for small durable markers
type KeyValue struct {
	Key       string    `gorm:"primaryKey;size:255" json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (KeyValue) TableName() string {
	return "settings"
}

// Credential is the single long-lived refresh token slot
type Credential struct {
	RefreshToken string    `yaml:"refresh_token" json:"-"`
	UpdatedAtUTC time.Time `yaml:"updated_at_utc" json:"updated_at_utc"`
}

// DeviceAuthSession is the in-memory state of a pending device-code login
type DeviceAuthSession struct {
	DeviceCode      string    `json:"-"`
	UserCode        string    `json:"user_code"`
	VerificationURI string    `json:"verification_uri"`
	ExpiresAtUTC    time.Time `json:"expires_at_utc"`
	IntervalSeconds int       `json:"interval_seconds"`
	CreatedAtUTC    time.Time `json:"created_at_utc"`
}

// Expired reports whether the session is past its absolute expiry
func (s *DeviceAuthSession) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAtUTC)
}

// TrackPoint is one simplified location sample
type TrackPoint struct {
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	Timestamp time.Time `json:"timestamp"`
	Accuracy  *float64  `json:"accuracy,omitempty"`
	State     string    `json:"state,omitempty"`
}

// EntityTrack is the simplified track for one tracked entity
type EntityTrack struct {
	EntityID string       `json:"entity_id"`
	Points   []TrackPoint `json:"points"`
}

// FolderEntry is a direct child folder returned by folder browsing
type FolderEntry struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Path       string `json:"path"`
	ChildCount int    `json:"child_count"`
}

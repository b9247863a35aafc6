package database

import (
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MaxMinsk/HaMapAddon/internal/models"
)

// SchemaVersion is bumped whenever a record table changes shape
const SchemaVersion = 1

// KeySchemaVersion is the settings key holding the applied schema version
const KeySchemaVersion = "schema.version"

// MigrationManager brings the record tables up to SchemaVersion
type MigrationManager struct {
	db     *gorm.DB
	logger *zerolog.Logger
}

func NewMigrationManager(db *gorm.DB, logger *zerolog.Logger) *MigrationManager {
	return &MigrationManager{db: db, logger: logger}
}

// Migrate creates or updates the downloaded file, photo index and settings tables,
// then records the schema version. Running it twice is a no-op.
func (m *MigrationManager) Migrate() error {
	if err := m.db.AutoMigrate(
		&models.DownloadedFileRecord{},
		&models.PhotoIndexRecord{},
		&models.KeyValue{},
	); err != nil {
		return fmt.Errorf("failed to auto-migrate record tables: %w", err)
	}

	previous, err := m.AppliedVersion()
	if err != nil {
		return err
	}
	if previous > SchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", previous, SchemaVersion)
	}

	marker := models.KeyValue{Key: KeySchemaVersion, Value: strconv.Itoa(SchemaVersion), UpdatedAt: time.Now().UTC()}
	if err := m.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&marker).Error; err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}

	if m.logger != nil {
		m.logger.Info().Int("from", previous).Int("to", SchemaVersion).Msg("Database migrations completed")
	}
	return nil
}

// AppliedVersion returns the recorded schema version, 0 for a fresh database
func (m *MigrationManager) AppliedVersion() (int, error) {
	var kv models.KeyValue
	err := m.db.Where("key = ?", KeySchemaVersion).Limit(1).Find(&kv).Error
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	if kv.Key == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(kv.Value)
	if err != nil {
		return 0, fmt.Errorf("invalid schema version %q: %w", kv.Value, err)
	}
	return v, nil
}

package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"

	"github.com/MaxMinsk/HaMapAddon/internal/config"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	sqliteFileName = "hamap.db"
)

// DatabaseManager manages the record store connection
type DatabaseManager struct {
	config *config.DatabaseConfig
	gormDB *gorm.DB
	sqlDB  *sql.DB
	logger *zerolog.Logger
}

// BuildDSN creates a PostgreSQL DSN from configuration
func BuildDSN(config *config.DatabaseConfig) string {
	if config.DSN != "" {
		return config.DSN
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.DBName, config.SSLMode)
}

// SQLiteDSN returns the embedded database location, defaulting to <dataDir>/hamap.db
func SQLiteDSN(config *config.DatabaseConfig, dataDir string) string {
	if config.DSN != "" {
		return config.DSN
	}
	return fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", filepath.Join(dataDir, sqliteFileName))
}

// GORMConfig is shared by both drivers
var GORMConfig = &gorm.Config{
	Logger:                 logger.Default.LogMode(logger.Silent),
	SkipDefaultTransaction: true,
	PrepareStmt:            true,
	NamingStrategy: schema.NamingStrategy{
		SingularTable: false,
	},
	NowFunc: func() time.Time {
		return time.Now().UTC()
	},
}

// Open returns the gorm dialector for the configured driver
func Open(config *config.DatabaseConfig, dataDir string) (gorm.Dialector, error) {
	switch config.Driver {
	case "", DriverSQLite:
		if config.DSN == "" {
			if err := os.MkdirAll(dataDir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create data directory: %w", err)
			}
		}
		return sqlite.Open(SQLiteDSN(config, dataDir)), nil
	case DriverPostgres:
		return postgres.Open(BuildDSN(config)), nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", config.Driver)
	}
}

// NewDatabaseManager connects, applies pool settings and verifies the connection
func NewDatabaseManager(config *config.DatabaseConfig, dataDir string, logger *zerolog.Logger) (*DatabaseManager, error) {
	dialector, err := Open(config, dataDir)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, GORMConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	if config.Driver == DriverPostgres {
		sqlDB.SetMaxOpenConns(config.MaxOpenConns)
		sqlDB.SetMaxIdleConns(config.MaxIdleConns)
		sqlDB.SetConnMaxLifetime(config.ConnMaxLifetime)
	} else {
		// one writer keeps sqlite free of "database is locked" errors
		sqlDB.SetMaxOpenConns(1)
	}

	if err := runHealthCheck(db); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("database health check failed: %w", err)
	}

	if logger != nil {
		logger.Info().Str("driver", config.Driver).Msg("Database connected")
	}

	return &DatabaseManager{
		config: config,
		gormDB: db,
		sqlDB:  sqlDB,
		logger: logger,
	}, nil
}

// runHealthCheck performs a basic query to verify database connectivity
func runHealthCheck(db *gorm.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var result int
	return db.WithContext(ctx).Raw("SELECT 1").Scan(&result).Error
}

// GetGormDB returns the GORM database instance
func (d *DatabaseManager) GetGormDB() *gorm.DB {
	return d.gormDB
}

// Close closes the database connection
func (d *DatabaseManager) Close() error {
	return d.sqlDB.Close()
}


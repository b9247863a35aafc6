package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// AppConfig represents the main application configuration
type AppConfig struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	OneDrive OneDriveConfig `mapstructure:"onedrive"`
	Sync     SyncConfig     `mapstructure:"sync"`
	History  HistoryConfig  `mapstructure:"history"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	Host         string        `mapstructure:"host"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig represents the record store connection
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig represents Redis configuration for the optional job queue
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// OneDriveConfig holds identity and drive API settings
type OneDriveConfig struct {
	ClientID          string        `mapstructure:"client_id"`
	ClientSecret      string        `mapstructure:"client_secret"`
	Tenant            string        `mapstructure:"tenant"`
	RefreshToken      string        `mapstructure:"refresh_token"`
	Scope             string        `mapstructure:"scope"`
	RootPath          string        `mapstructure:"root_path"`
	RootItemID        string        `mapstructure:"root_item_id"`
	GraphBaseURL      string        `mapstructure:"graph_base_url"`
	AuthorityURL      string        `mapstructure:"authority_url"`
	GraphTimeout      time.Duration `mapstructure:"graph_timeout"`
	TokenTimeout      time.Duration `mapstructure:"token_timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
}

// SyncConfig controls the sync run and the photo pipeline
type SyncConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	Interval           time.Duration `mapstructure:"interval"`
	RunOnStartup       bool          `mapstructure:"run_on_startup"`
	MaxDownloadsPerRun int           `mapstructure:"max_downloads_per_run"`
	LookbackDays       int           `mapstructure:"lookback_days"`
	Extensions         []string      `mapstructure:"extensions"`
	MaxSide            int           `mapstructure:"max_side"`
	ThumbnailMaxSide   int           `mapstructure:"thumbnail_max_side"`
	ThumbnailPrefix    string        `mapstructure:"thumbnail_prefix"`
	PhotosDir          string        `mapstructure:"photos_dir"`
	JPEGQuality        int           `mapstructure:"jpeg_quality"`
}

// HistoryConfig points at the Home Assistant history API
type HistoryConfig struct {
	BaseURL            string        `mapstructure:"base_url"`
	Token              string        `mapstructure:"token"`
	Timeout            time.Duration `mapstructure:"timeout"`
	DefaultMaxPoints   int           `mapstructure:"default_max_points"`
	DefaultMinDistance float64       `mapstructure:"default_min_distance"`
}

// StorageConfig locates durable local state
type StorageConfig struct {
	DataDir        string `mapstructure:"data_dir"`
	CredentialFile string `mapstructure:"credential_file"`
}

// LoggingConfig selects log level and format
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	// Output is stdout or stderr
	Output string `mapstructure:"output"`
}

// TracingConfig enables OpenTelemetry export
type TracingConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

// CredentialPath returns the absolute credential file location
func (c StorageConfig) CredentialPath() string {
	if filepath.IsAbs(c.CredentialFile) {
		return c.CredentialFile
	}
	return filepath.Join(c.DataDir, c.CredentialFile)
}

// HasClientID reports whether the identity client is configured
func (c OneDriveConfig) HasClientID() bool {
	return strings.TrimSpace(c.ClientID) != ""
}

// ConfigLoader wraps a private viper instance
type ConfigLoader struct {
	viper   *viper.Viper
	envFile string
}

// NewConfigLoader creates a loader with every default registered
func NewConfigLoader() *ConfigLoader {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/data")

	v.SetEnvPrefix("HAMAP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	return &ConfigLoader{viper: v, envFile: ".env"}
}

// WithConfigFile reads path instead of searching for config.yaml. A missing file is an error.
func (l *ConfigLoader) WithConfigFile(path string) *ConfigLoader {
	if path != "" {
		l.viper.SetConfigFile(path)
	}
	return l
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8099)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 5*time.Minute)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbname", "hamap")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 30*time.Minute)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("onedrive.client_id", "")
	v.SetDefault("onedrive.client_secret", "")
	v.SetDefault("onedrive.tenant", "common")
	v.SetDefault("onedrive.refresh_token", "")
	v.SetDefault("onedrive.scope", "offline_access Files.Read")
	v.SetDefault("onedrive.root_path", "")
	v.SetDefault("onedrive.root_item_id", "")
	v.SetDefault("onedrive.graph_base_url", "https://graph.microsoft.com/v1.0")
	v.SetDefault("onedrive.authority_url", "https://login.microsoftonline.com")
	v.SetDefault("onedrive.graph_timeout", 120*time.Second)
	v.SetDefault("onedrive.token_timeout", 30*time.Second)
	v.SetDefault("onedrive.requests_per_second", 8.0)

	v.SetDefault("sync.enabled", true)
	v.SetDefault("sync.interval", 6*time.Hour)
	v.SetDefault("sync.run_on_startup", true)
	v.SetDefault("sync.max_downloads_per_run", 200)
	v.SetDefault("sync.lookback_days", 3650)
	v.SetDefault("sync.extensions", []string{".jpg", ".jpeg", ".png", ".webp", ".tif", ".tiff"})
	v.SetDefault("sync.max_side", 2500)
	v.SetDefault("sync.thumbnail_max_side", 320)
	v.SetDefault("sync.thumbnail_prefix", "thumb_")
	v.SetDefault("sync.photos_dir", "/data/photos")
	v.SetDefault("sync.jpeg_quality", 85)

	v.SetDefault("history.base_url", "http://supervisor/core")
	v.SetDefault("history.token", "")
	v.SetDefault("history.timeout", 30*time.Second)
	v.SetDefault("history.default_max_points", 2000)
	v.SetDefault("history.default_min_distance", 0.0)

	v.SetDefault("storage.data_dir", "/data")
	v.SetDefault("storage.credential_file", "credential.yaml")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.otlp_endpoint", "localhost:4317")
}

// Load reads .env, the config file and the environment, then validates the result
func (l *ConfigLoader) Load() (*AppConfig, error) {
	if l.envFile != "" {
		if err := godotenv.Load(l.envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("error reading env file: %w", err)
		}
	}

	if err := l.viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config AppConfig
	if err := l.viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if config.History.Token == "" {
		config.History.Token = os.Getenv("SUPERVISOR_TOKEN")
	}
	config.Sync.Extensions = normalizeExtensions(config.Sync.Extensions)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

// LoadConfig loads configuration with the default loader
func LoadConfig() (*AppConfig, error) {
	return NewConfigLoader().Load()
}

// normalizeExtensions lowercases entries and adds a leading dot where missing.
// Env values arrive as one comma separated string.
func normalizeExtensions(in []string) []string {
	var out []string
	for _, raw := range in {
		for _, ext := range strings.Split(raw, ",") {
			ext = strings.ToLower(strings.TrimSpace(ext))
			if ext == "" {
				continue
			}
			if !strings.HasPrefix(ext, ".") {
				ext = "." + ext
			}
			out = append(out, ext)
		}
	}
	return out
}

// validateConfig validates the configuration values. Missing drive credentials are not
// an error here; the sync run reports them as invalid_config.
func validateConfig(config *AppConfig) error {
	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535")
	}

	switch config.Database.Driver {
	case "sqlite":
	case "postgres":
		if config.Database.DSN == "" && config.Database.Host == "" {
			return fmt.Errorf("postgres requires database.dsn or database.host")
		}
	default:
		return fmt.Errorf("unsupported database driver: %s", config.Database.Driver)
	}

	if config.Sync.Interval <= 0 {
		return fmt.Errorf("sync interval must be positive")
	}
	if config.Sync.MaxDownloadsPerRun <= 0 {
		return fmt.Errorf("sync max_downloads_per_run must be positive")
	}
	if config.Sync.LookbackDays <= 0 {
		return fmt.Errorf("sync lookback_days must be positive")
	}
	if config.Sync.MaxSide <= 0 || config.Sync.ThumbnailMaxSide <= 0 {
		return fmt.Errorf("sync max_side and thumbnail_max_side must be positive")
	}
	if config.Sync.ThumbnailPrefix == "" {
		return fmt.Errorf("sync thumbnail_prefix cannot be empty")
	}
	if config.Sync.JPEGQuality < 1 || config.Sync.JPEGQuality > 100 {
		return fmt.Errorf("sync jpeg_quality must be between 1 and 100")
	}
	if len(config.Sync.Extensions) == 0 {
		return fmt.Errorf("sync extensions cannot be empty")
	}
	if config.Sync.PhotosDir == "" {
		return fmt.Errorf("sync photos_dir cannot be empty")
	}

	if config.OneDrive.RootPath != "" && config.OneDrive.RootItemID != "" {
		return fmt.Errorf("onedrive root_path and root_item_id are mutually exclusive")
	}
	if config.OneDrive.GraphTimeout <= 0 || config.OneDrive.TokenTimeout <= 0 {
		return fmt.Errorf("onedrive timeouts must be positive")
	}
	if config.OneDrive.RequestsPerSecond < 0 {
		return fmt.Errorf("onedrive requests_per_second cannot be negative")
	}

	if config.History.DefaultMinDistance < 0 {
		return fmt.Errorf("history default_min_distance cannot be negative")
	}

	if config.Storage.DataDir == "" {
		return fmt.Errorf("storage data_dir cannot be empty")
	}

	return nil
}

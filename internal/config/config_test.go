package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func newTestLoader(path string) *ConfigLoader {
	loader := NewConfigLoader()
	loader.envFile = ""
	if path != "" {
		loader.viper.SetConfigFile(path)
	}
	return loader
}

func TestConfigLoader_Defaults(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 8099\n")

	config, err := newTestLoader(path).Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", config.Database.Driver)
	assert.Equal(t, 6*time.Hour, config.Sync.Interval)
	assert.True(t, config.Sync.RunOnStartup)
	assert.Equal(t, 3650, config.Sync.LookbackDays)
	assert.Equal(t, 2500, config.Sync.MaxSide)
	assert.Equal(t, 320, config.Sync.ThumbnailMaxSide)
	assert.Equal(t, "thumb_", config.Sync.ThumbnailPrefix)
	assert.Equal(t, []string{".jpg", ".jpeg", ".png", ".webp", ".tif", ".tiff"}, config.Sync.Extensions)
	assert.Equal(t, "common", config.OneDrive.Tenant)
	assert.Equal(t, "offline_access Files.Read", config.OneDrive.Scope)
	assert.Equal(t, 120*time.Second, config.OneDrive.GraphTimeout)
	assert.Equal(t, 30*time.Second, config.OneDrive.TokenTimeout)
	assert.Equal(t, "http://supervisor/core", config.History.BaseURL)
}

func TestConfigLoader_Load(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
onedrive:
  client_id: "abc"
  root_path: "/Pictures/Camera Roll"
sync:
  max_downloads_per_run: 25
  extensions: ["JPG", "heic"]
storage:
  data_dir: "/tmp/hamap"
`)

	config, err := newTestLoader(path).Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, config.Server.Port)
	assert.Equal(t, "abc", config.OneDrive.ClientID)
	assert.True(t, config.OneDrive.HasClientID())
	assert.Equal(t, "/Pictures/Camera Roll", config.OneDrive.RootPath)
	assert.Equal(t, 25, config.Sync.MaxDownloadsPerRun)
	assert.Equal(t, []string{".jpg", ".heic"}, config.Sync.Extensions)
	assert.Equal(t, "/tmp/hamap/credential.yaml", config.Storage.CredentialPath())
}

func TestConfigLoader_EnvironmentOverride(t *testing.T) {
	path := writeConfig(t, "onedrive:\n  client_id: \"from-file\"\n")

	t.Setenv("HAMAP_ONEDRIVE_CLIENT_ID", "from-env")
	t.Setenv("HAMAP_SYNC_INTERVAL", "30m")

	config, err := newTestLoader(path).Load()
	require.NoError(t, err)

	assert.Equal(t, "from-env", config.OneDrive.ClientID)
	assert.Equal(t, 30*time.Minute, config.Sync.Interval)
}

func TestConfigLoader_SupervisorTokenFallback(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 8099\n")
	t.Setenv("SUPERVISOR_TOKEN", "supervisor-secret")

	config, err := newTestLoader(path).Load()
	require.NoError(t, err)
	assert.Equal(t, "supervisor-secret", config.History.Token)
}

func TestConfigLoader_DotEnv(t *testing.T) {
	envPath := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("HAMAP_SYNC_LOOKBACK_DAYS=30\n"), 0644))
	t.Cleanup(func() { os.Unsetenv("HAMAP_SYNC_LOOKBACK_DAYS") })

	loader := newTestLoader(writeConfig(t, "server:\n  port: 8099\n"))
	loader.envFile = envPath

	config, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, 30, config.Sync.LookbackDays)
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"bad driver", "database:\n  driver: mysql\n", "unsupported database driver"},
		{"zero interval", "sync:\n  interval: 0s\n", "sync interval must be positive"},
		{"root exclusive", "onedrive:\n  root_path: /a\n  root_item_id: X\n", "mutually exclusive"},
		{"bad quality", "sync:\n  jpeg_quality: 0\n", "jpeg_quality"},
		{"negative distance", "history:\n  default_min_distance: -1\n", "default_min_distance"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newTestLoader(writeConfig(t, tt.content)).Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNormalizeExtensions(t *testing.T) {
	assert.Equal(t, []string{".jpg", ".png", ".tif"}, normalizeExtensions([]string{"JPG, .png", " tif "}))
	assert.Nil(t, normalizeExtensions([]string{" , "}))
}

package test

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/MaxMinsk/HaMapAddon/internal/database"
)

// GetTestDB returns a migrated in-memory sqlite database private to the calling test
func GetTestDB(t *testing.T) (*gorm.DB, func()) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Silent),
		SkipDefaultTransaction: true,
		NowFunc:                func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, database.NewMigrationManager(db, nil).Migrate())

	tearDown := func() {
		sqlDB.Close()
	}
	return db, tearDown
}

// WriteJPEG writes a solid-colour JPEG of the given size and returns its path
func WriteJPEG(t *testing.T, dir, name string, width, height int) string {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	fill := color.RGBA{R: 200, G: 120, B: 40, A: 255}
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, fill)
		}
	}

	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, jpeg.Encode(f, img, &jpeg.Options{Quality: 80}))
	return path
}

// JPEGBytes returns an encoded solid-colour JPEG
func JPEGBytes(t *testing.T, width, height int) []byte {
	t.Helper()
	path := WriteJPEG(t, t.TempDir(), "img.jpg", width, height)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return data
}

// WaitForCondition waits for a condition to be true with timeout
func WaitForCondition(condition func() bool, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		if condition() {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}

	return timeoutError{}
}

type timeoutError struct{}

func (timeoutError) Error() string {
	return "timeout waiting for condition"
}

// Package capacity reports disk usage of the photos directory.
package capacity

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/MaxMinsk/HaMapAddon/internal/logging"
	"github.com/MaxMinsk/HaMapAddon/internal/metrics"
)

// Statuses
const (
	StatusOK      = "ok"
	StatusWarning = "warning"
	StatusAlert   = "alert"
	StatusUnknown = "unknown"
)

// UsageReader reports usage for a path
type UsageReader interface {
	GetUsage(path string) (UsageInfo, error)
}

// UsageInfo holds information about disk usage
type UsageInfo struct {
	Path        string     `json:"path"`
	Total       uint64     `json:"total_bytes"`
	Used        uint64     `json:"used_bytes"`
	Free        uint64     `json:"free_bytes"`
	UsedPercent float64    `json:"used_percent"`
	Thresholds  Thresholds `json:"thresholds"`
	Status      string     `json:"status"`
	Timestamp   time.Time  `json:"timestamp"`
}

// Thresholds defines warning and alert thresholds
type Thresholds struct {
	WarnPercent  float64 `json:"warn_percent"`
	AlertPercent float64 `json:"alert_percent"`
}

// DefaultThresholds warns at 80% and alerts at 90%
func DefaultThresholds() Thresholds {
	return Thresholds{
		WarnPercent:  80.0,
		AlertPercent: 90.0,
	}
}

// Evaluate maps a usage percentage to a status
func (t Thresholds) Evaluate(usedPercent float64) string {
	switch {
	case usedPercent >= t.AlertPercent:
		return StatusAlert
	case usedPercent >= t.WarnPercent:
		return StatusWarning
	}
	return StatusOK
}

// DiskMonitor reads usage with gopsutil
type DiskMonitor struct {
	thresholds Thresholds
	metrics    *metrics.Metrics
	usage      func(path string) (*disk.UsageStat, error)
}

// NewDiskMonitor creates a monitor with the default thresholds
func NewDiskMonitor(m *metrics.Metrics) *DiskMonitor {
	return &DiskMonitor{
		thresholds: DefaultThresholds(),
		metrics:    m,
		usage:      disk.Usage,
	}
}

// GetUsage returns usage for the filesystem holding path. A path that does not
// exist yet is measured at its nearest existing parent.
func (p *DiskMonitor) GetUsage(path string) (UsageInfo, error) {
	if path == "" {
		return UsageInfo{Path: path, Status: StatusUnknown}, errors.New("path cannot be empty")
	}

	target := existingAncestor(path)
	stat, err := p.usage(target)
	if err != nil {
		return UsageInfo{Path: path, Status: StatusUnknown, Timestamp: time.Now()},
			fmt.Errorf("failed to get disk usage for path %s: %w", path, err)
	}

	info := UsageInfo{
		Path:        path,
		Total:       stat.Total,
		Used:        stat.Used,
		Free:        stat.Free,
		UsedPercent: stat.UsedPercent,
		Thresholds:  p.thresholds,
		Status:      p.thresholds.Evaluate(stat.UsedPercent),
		Timestamp:   time.Now(),
	}
	p.metrics.SetStorageUsed(path, stat.UsedPercent)
	return info, nil
}

// Monitor checks path every interval until ctx is done
func (p *DiskMonitor) Monitor(ctx context.Context, path string, interval time.Duration) {
	logger := logging.GetGlobalLogger()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		usage, err := p.GetUsage(path)
		if err != nil {
			logging.WithModule("capacity").Warn().Err(err).Msg("Capacity check failed")
		} else {
			logger.LogCapacityCheck(path, usage.UsedPercent, p.thresholds.AlertPercent, usage.Status)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func existingAncestor(path string) string {
	current := filepath.Clean(path)
	for {
		if _, err := os.Stat(current); err == nil {
			return current
		}
		parent := filepath.Dir(current)
		if parent == current {
			return current
		}
		current = parent
	}
}

// Package health reports the state of the add-on's dependencies on /healthz.
package health

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/MaxMinsk/HaMapAddon/internal/capacity"
	"github.com/MaxMinsk/HaMapAddon/internal/metrics"
)

// Dependency statuses
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusDown     = "down"
	StatusDisabled = "disabled"
)

const (
	dbDegradedAfter    = 200 * time.Millisecond
	redisDegradedAfter = 100 * time.Millisecond
	checkTimeout       = 5 * time.Second
)

// HealthResponse represents the health check response structure
type HealthResponse struct {
	Status  string             `json:"status"`
	DB      DependencyStatus   `json:"db"`
	Redis   DependencyStatus   `json:"redis"`
	Storage *capacity.UsageInfo `json:"storage,omitempty"`
}

// DependencyStatus represents the status of a dependency
type DependencyStatus struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// Pinger is anything that can check its connection
type Pinger interface {
	Ping(ctx context.Context) error
}

// Checker runs the dependency checks
type Checker struct {
	db        Pinger
	redis     *redis.Client
	usage     capacity.UsageReader
	photosDir string
	metrics   *metrics.Metrics
}

// NewChecker creates a checker. A nil redis client reports redis as disabled;
// a nil usage reader skips the storage check.
func NewChecker(db Pinger, rdb *redis.Client, usage capacity.UsageReader, photosDir string, m *metrics.Metrics) *Checker {
	return &Checker{db: db, redis: rdb, usage: usage, photosDir: photosDir, metrics: m}
}

// Check runs every dependency check
func (h *Checker) Check(ctx context.Context) HealthResponse {
	resp := HealthResponse{
		DB:    h.checkDB(ctx),
		Redis: h.checkRedis(ctx),
	}

	storageStatus := capacity.StatusOK
	if h.usage != nil {
		usage, err := h.usage.GetUsage(h.photosDir)
		if err == nil {
			resp.Storage = &usage
			storageStatus = usage.Status
		} else {
			storageStatus = capacity.StatusUnknown
		}
	}

	h.metrics.SetHealth("db", resp.DB.Status != StatusDown)
	if resp.Redis.Status != StatusDisabled {
		h.metrics.SetHealth("redis", resp.Redis.Status != StatusDown)
	}

	switch {
	case resp.DB.Status == StatusDown || resp.Redis.Status == StatusDown:
		resp.Status = StatusDown
	case resp.DB.Status == StatusDegraded || resp.Redis.Status == StatusDegraded,
		storageStatus == capacity.StatusAlert, storageStatus == capacity.StatusUnknown:
		resp.Status = StatusDegraded
	default:
		resp.Status = StatusOK
	}
	return resp
}

// RegisterHealthRoutes registers the health check routes
func RegisterHealthRoutes(app fiber.Router, checker *Checker) {
	app.Get("/healthz", func(c *fiber.Ctx) error {
		resp := checker.Check(c.UserContext())

		if resp.Status == StatusDown {
			c.Status(fiber.StatusServiceUnavailable)
		} else {
			c.Status(fiber.StatusOK)
		}
		c.Set("Cache-Control", "no-store")
		return c.JSON(resp)
	})
}

func (h *Checker) checkDB(ctx context.Context) DependencyStatus {
	if h.db == nil {
		return DependencyStatus{Status: StatusDown, Error: "database not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	start := time.Now()
	err := h.db.Ping(ctx)
	return dependencyStatus(time.Since(start), dbDegradedAfter, err)
}

func (h *Checker) checkRedis(ctx context.Context) DependencyStatus {
	if h.redis == nil {
		return DependencyStatus{Status: StatusDisabled}
	}
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	start := time.Now()
	err := h.redis.Ping(ctx).Err()
	return dependencyStatus(time.Since(start), redisDegradedAfter, err)
}

func dependencyStatus(latency, degradedAfter time.Duration, err error) DependencyStatus {
	status := DependencyStatus{LatencyMs: latency.Milliseconds()}
	switch {
	case err != nil:
		status.Status = StatusDown
		status.Error = err.Error()
	case latency > degradedAfter:
		status.Status = StatusDegraded
	default:
		status.Status = StatusOK
	}
	return status
}

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all application metrics
type Metrics struct {
	// Sync metrics
	SyncRunsTotal       *prometheus.CounterVec
	SyncFilesTotal      *prometheus.CounterVec
	SyncDurationSeconds prometheus.Histogram

	// Remote API metrics
	GraphRequestsTotal  *prometheus.CounterVec
	TokenRefreshTotal   *prometheus.CounterVec
	HistoryQueriesTotal *prometheus.CounterVec

	// Storage and health metrics
	StorageUsedPercent *prometheus.GaugeVec
	HealthStatus       *prometheus.GaugeVec
}

// NewMetrics creates a Metrics instance registered on reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SyncRunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hamap_sync_runs_total",
				Help: "Total number of sync runs by final status",
			},
			[]string{"status"},
		),
		SyncFilesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hamap_sync_files_total",
				Help: "Files handled by the photo pipeline by outcome",
			},
			[]string{"outcome"},
		),
		SyncDurationSeconds: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "hamap_sync_duration_seconds",
				Help:    "Duration of sync runs in seconds",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
			},
		),

		GraphRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hamap_graph_requests_total",
				Help: "Total drive API requests by result",
			},
			[]string{"status"},
		),
		TokenRefreshTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hamap_token_refresh_total",
				Help: "Total access token refresh attempts by result",
			},
			[]string{"status"},
		),
		HistoryQueriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hamap_history_queries_total",
				Help: "Total history track queries by result",
			},
			[]string{"status"},
		),

		StorageUsedPercent: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "hamap_storage_used_percent",
				Help: "Used percentage of the filesystem holding a path",
			},
			[]string{"path"},
		),
		HealthStatus: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "hamap_health_status",
				Help: "Health status of dependencies (1=ok, 0=down)",
			},
			[]string{"dependency"},
		),
	}
}

// ObserveSyncRun records the outcome of one sync run
func (m *Metrics) ObserveSyncRun(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.SyncRunsTotal.WithLabelValues(status).Inc()
	m.SyncDurationSeconds.Observe(duration.Seconds())
}

// IncFile counts one file handled by the photo pipeline
func (m *Metrics) IncFile(outcome string) {
	if m == nil {
		return
	}
	m.SyncFilesTotal.WithLabelValues(outcome).Inc()
}

// IncGraphRequest counts one drive API request
func (m *Metrics) IncGraphRequest(status string) {
	if m == nil {
		return
	}
	m.GraphRequestsTotal.WithLabelValues(status).Inc()
}

// IncTokenRefresh counts one access token refresh
func (m *Metrics) IncTokenRefresh(status string) {
	if m == nil {
		return
	}
	m.TokenRefreshTotal.WithLabelValues(status).Inc()
}

// IncHistoryQuery counts one history query
func (m *Metrics) IncHistoryQuery(status string) {
	if m == nil {
		return
	}
	m.HistoryQueriesTotal.WithLabelValues(status).Inc()
}

// SetStorageUsed records disk usage for a path
func (m *Metrics) SetStorageUsed(path string, usedPercent float64) {
	if m == nil {
		return
	}
	m.StorageUsedPercent.WithLabelValues(path).Set(usedPercent)
}

// SetHealth records 1 for a healthy dependency and 0 otherwise
func (m *Metrics) SetHealth(dependency string, ok bool) {
	if m == nil {
		return
	}
	value := 0.0
	if ok {
		value = 1
	}
	m.HealthStatus.WithLabelValues(dependency).Set(value)
}

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNewMetrics_IsolatedRegistries(t *testing.T) {
	a := NewMetrics(prometheus.NewRegistry())
	b := NewMetrics(prometheus.NewRegistry())

	a.IncFile("downloaded")
	a.IncFile("downloaded")
	b.IncFile("downloaded")

	assert.Equal(t, 2.0, testutil.ToFloat64(a.SyncFilesTotal.WithLabelValues("downloaded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(b.SyncFilesTotal.WithLabelValues("downloaded")))
}

func TestObserveSyncRun(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.ObserveSyncRun("completed", 3*time.Second)
	m.ObserveSyncRun("busy", 0)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.SyncRunsTotal.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SyncRunsTotal.WithLabelValues("busy")))
}

func TestSetHealth(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.SetHealth("db", true)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HealthStatus.WithLabelValues("db")))

	m.SetHealth("db", false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.HealthStatus.WithLabelValues("db")))
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.IncFile("skipped")
		m.IncGraphRequest("ok")
		m.IncTokenRefresh("ok")
		m.IncHistoryQuery("ok")
		m.SetStorageUsed("/data", 10)
		m.SetHealth("db", true)
		m.ObserveSyncRun("completed", time.Second)
	})
}

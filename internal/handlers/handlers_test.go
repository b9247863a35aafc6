package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/MaxMinsk/HaMapAddon/internal/health"
	"github.com/MaxMinsk/HaMapAddon/internal/history"
	"github.com/MaxMinsk/HaMapAddon/internal/jobs"
	"github.com/MaxMinsk/HaMapAddon/internal/middleware"
	"github.com/MaxMinsk/HaMapAddon/internal/models"
	"github.com/MaxMinsk/HaMapAddon/internal/store"
)

// MockSyncService is a mock implementation of SyncService
type MockSyncService struct {
	mock.Mock
}

func (m *MockSyncService) RunOnce(ctx context.Context, reason string) models.SyncResult {
	return m.Called(reason).Get(0).(models.SyncResult)
}

func (m *MockSyncService) GetLastResult() *models.SyncResult {
	last, _ := m.Called().Get(0).(*models.SyncResult)
	return last
}

func (m *MockSyncService) ListFolders(ctx context.Context, path string) models.FolderListResult {
	return m.Called(path).Get(0).(models.FolderListResult)
}

func (m *MockSyncService) QueryPhotos(ctx context.Context, q store.PhotoQuery) models.PhotoQueryResult {
	return m.Called(q).Get(0).(models.PhotoQueryResult)
}

// MockEnqueuer is a mock implementation of SyncEnqueuer
type MockEnqueuer struct {
	mock.Mock
}

func (m *MockEnqueuer) EnqueueSyncRun(ctx context.Context, reason string) (string, error) {
	args := m.Called(reason)
	return args.String(0), args.Error(1)
}

// MockDeviceFlow is a mock implementation of DeviceFlow
type MockDeviceFlow struct {
	mock.Mock
}

func (m *MockDeviceFlow) Start(ctx context.Context) models.DeviceFlowResult {
	return m.Called().Get(0).(models.DeviceFlowResult)
}

func (m *MockDeviceFlow) Poll(ctx context.Context) models.DeviceFlowResult {
	return m.Called().Get(0).(models.DeviceFlowResult)
}

func (m *MockDeviceFlow) GetStatus() models.DeviceFlowResult {
	return m.Called().Get(0).(models.DeviceFlowResult)
}

func (m *MockDeviceFlow) Disconnect() models.DeviceFlowResult {
	return m.Called().Get(0).(models.DeviceFlowResult)
}

// MockTrackService is a mock implementation of TrackService
type MockTrackService struct {
	mock.Mock
}

func (m *MockTrackService) QueryTracks(ctx context.Context, q history.TrackQuery) models.TracksQueryResult {
	return m.Called(q).Get(0).(models.TracksQueryResult)
}

type okPinger struct{}

func (okPinger) Ping(ctx context.Context) error { return nil }

type fixture struct {
	app      *fiber.App
	sync     *MockSyncService
	enqueuer *MockEnqueuer
	device   *MockDeviceFlow
	tracks   *MockTrackService
	photos   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		app:      fiber.New(),
		sync:     new(MockSyncService),
		enqueuer: new(MockEnqueuer),
		device:   new(MockDeviceFlow),
		tracks:   new(MockTrackService),
		photos:   t.TempDir(),
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "hamap_test_total", Help: "test"}))

	RegisterRoutes(f.app, Deps{
		Sync:      NewSyncHandler(f.sync, f.enqueuer),
		Device:    NewDeviceHandler(f.device),
		History:   NewHistoryHandler(f.tracks),
		Health:    health.NewChecker(okPinger{}, nil, nil, "", nil),
		Gatherer:  reg,
		PhotosDir: f.photos,
		Limits:    middleware.DefaultRateLimiterConfig(),
	})
	return f
}

func (f *fixture) do(t *testing.T, method, target string) (int, map[string]interface{}) {
	t.Helper()
	resp, err := f.app.Test(httptest.NewRequest(method, target, nil), -1)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var decoded map[string]interface{}
	if len(body) > 0 && body[0] == '{' {
		require.NoError(t, json.Unmarshal(body, &decoded))
	}
	return resp.StatusCode, decoded
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		success bool
		status  string
		want    int
	}{
		{true, models.StatusCompleted, 200},
		{true, models.StatusSkipped, 200},
		{true, models.StatusPending, 200},
		{false, models.StatusInvalidConfig, 400},
		{false, models.StatusNoSession, 400},
		{false, models.StatusBusy, 409},
		{false, models.StatusAuthError, 502},
		{false, models.StatusGraphError, 502},
		{false, models.StatusHistoryError, 502},
		{false, models.StatusExpired, 410},
		{false, models.StatusException, 500},
		{false, models.StatusDenied, 400},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, HTTPStatus(tt.success, tt.status), tt.status)
	}
}

func TestRunSync(t *testing.T) {
	f := newFixture(t)
	f.sync.On("RunOnce", "manual").Return(models.SyncResult{
		Result:     models.Ok(models.StatusCompleted, "ok"),
		Examined:   5,
		Downloaded: 2,
	})

	code, body := f.do(t, "POST", "/api/sync/run")
	assert.Equal(t, 200, code)
	assert.Equal(t, "completed", body["status"])
	assert.Equal(t, 5.0, body["examined"])
}

func TestRunSync_BusyIsConflict(t *testing.T) {
	f := newFixture(t)
	f.sync.On("RunOnce", "manual").Return(models.SyncResult{Result: models.Fail(models.StatusBusy, "running")})

	code, body := f.do(t, "POST", "/api/sync/run")
	assert.Equal(t, 409, code)
	assert.Equal(t, false, body["success"])
}

func TestRunSync_Queued(t *testing.T) {
	f := newFixture(t)
	f.enqueuer.On("EnqueueSyncRun", "queued").Return("sync:run", nil).Once()
	f.enqueuer.On("EnqueueSyncRun", "queued").Return("", jobs.ErrAlreadyQueued).Once()

	code, body := f.do(t, "POST", "/api/sync/run?queue=true")
	assert.Equal(t, 202, code)
	assert.Equal(t, "sync:run", body["task_id"])

	code, body = f.do(t, "POST", "/api/sync/run?queue=true")
	assert.Equal(t, 409, code)
	assert.Equal(t, models.StatusBusy, body["status"])
	f.sync.AssertNotCalled(t, "RunOnce", mock.Anything)
}

func TestRunSync_QueueWithoutEnqueuer(t *testing.T) {
	app := fiber.New()
	h := NewSyncHandler(new(MockSyncService), nil)
	app.Post("/run", h.RunSync)

	resp, err := app.Test(httptest.NewRequest("POST", "/run?queue=true", nil))
	require.NoError(t, err)
	assert.Equal(t, 400, resp.StatusCode)
}

func TestSyncStatus(t *testing.T) {
	f := newFixture(t)
	f.sync.On("GetLastResult").Return((*models.SyncResult)(nil)).Once()
	f.sync.On("GetLastResult").Return(&models.SyncResult{Result: models.Fail(models.StatusAuthError, "x"), RunID: "r1"}).Once()

	code, body := f.do(t, "GET", "/api/sync/status")
	assert.Equal(t, 200, code)
	assert.Equal(t, models.StatusIdle, body["status"])

	code, body = f.do(t, "GET", "/api/sync/status")
	assert.Equal(t, 200, code)
	assert.Equal(t, "r1", body["run_id"])
}

func TestListFolders(t *testing.T) {
	f := newFixture(t)
	f.sync.On("ListFolders", "/Pictures").Return(models.FolderListResult{
		Result:  models.Ok(models.StatusCompleted, "1 folders"),
		Path:    "/Pictures",
		Folders: []models.FolderEntry{{ID: "1", Name: "Camera", Path: "/Pictures/Camera"}},
	})

	code, body := f.do(t, "GET", "/api/onedrive/folders?path=/Pictures")
	assert.Equal(t, 200, code)
	folders := body["folders"].([]interface{})
	assert.Len(t, folders, 1)
}

func TestQueryPhotos_ParsesFilters(t *testing.T) {
	f := newFixture(t)
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f.sync.On("QueryPhotos", mock.MatchedBy(func(q store.PhotoQuery) bool {
		return q.From.Equal(from) && q.To.IsZero() &&
			q.BBox != nil && q.BBox.MinLat == 53 && q.BBox.MaxLon == 28 &&
			q.HasGPS != nil && *q.HasGPS &&
			q.Page == 2 && q.PageSize == 10
	})).Return(models.PhotoQueryResult{Result: models.Ok(models.StatusCompleted, ""), TotalCount: 25})

	code, body := f.do(t, "GET", "/api/photos?from=2026-01-01T00:00:00Z&bbox=53,27,54,28&has_gps=true&page=2&page_size=10")
	assert.Equal(t, 200, code)
	meta := body["pagination"].(map[string]interface{})
	assert.Equal(t, 3.0, meta["total_pages"])
	assert.Equal(t, true, meta["has_next"])
}

func TestQueryPhotos_RejectsBadInput(t *testing.T) {
	f := newFixture(t)
	for _, target := range []string{
		"/api/photos?from=yesterday",
		"/api/photos?bbox=1,2,3",
		"/api/photos?bbox=54,27,53,28",
		"/api/photos?has_gps=maybe",
	} {
		code, body := f.do(t, "GET", target)
		assert.Equal(t, 400, code, target)
		assert.Equal(t, models.StatusInvalidRequest, body["status"], target)
	}
	f.sync.AssertNotCalled(t, "QueryPhotos", mock.Anything)
}

func TestDeviceRoutes(t *testing.T) {
	f := newFixture(t)
	f.device.On("Start").Return(models.DeviceFlowResult{Result: models.Ok(models.StatusAwaitingUser, "go to"), UserCode: "ABCD"})
	f.device.On("Poll").Return(models.DeviceFlowResult{Result: models.Fail(models.StatusNoSession, "none")})
	f.device.On("GetStatus").Return(models.DeviceFlowResult{Result: models.Ok(models.StatusIdle, "")})

	code, body := f.do(t, "POST", "/api/onedrive/device/start")
	assert.Equal(t, 200, code)
	assert.Equal(t, "ABCD", body["user_code"])

	code, _ = f.do(t, "POST", "/api/onedrive/device/poll")
	assert.Equal(t, 400, code)

	code, body = f.do(t, "GET", "/api/onedrive/device/status")
	assert.Equal(t, 200, code)
	assert.Equal(t, models.StatusIdle, body["status"])
}

func TestDeviceDisconnect(t *testing.T) {
	f := newFixture(t)
	f.device.On("Disconnect").Return(models.DeviceFlowResult{Result: models.Ok(models.StatusIdle, "drive credential cleared")})

	code, body := f.do(t, "DELETE", "/api/onedrive/device")
	assert.Equal(t, 200, code)
	assert.Equal(t, models.StatusIdle, body["status"])
	f.device.AssertCalled(t, "Disconnect")
}

func TestHistoryTracks(t *testing.T) {
	f := newFixture(t)
	f.tracks.On("QueryTracks", mock.MatchedBy(func(q history.TrackQuery) bool {
		return len(q.EntityIDs) == 2 && q.MaxPoints == 50 && q.MinDistanceMeters == -1
	})).Return(models.TracksQueryResult{Result: models.Fail(models.StatusHistoryError, "status 401")})

	code, body := f.do(t, "GET", "/api/history/tracks?entities=device_tracker.a,device_tracker.b&from=2026-05-01T00:00:00Z&to=2026-05-02T00:00:00Z&max_points=50")
	assert.Equal(t, 502, code)
	assert.Equal(t, models.StatusHistoryError, body["status"])
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, "GET", "/healthz")
	assert.Equal(t, 200, code)
	assert.Equal(t, "ok", body["status"])

	resp, err := f.app.Test(httptest.NewRequest("GET", "/metrics", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	text, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(text), "hamap_test_total")
}

func TestMediaServesPhotos(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.WriteFile(filepath.Join(f.photos, "thumb_1_a.jpg"), []byte("jpegdata"), 0o644))

	resp, err := f.app.Test(httptest.NewRequest("GET", "/media/thumb_1_a.jpg", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "jpegdata", string(data))

	resp, err = f.app.Test(httptest.NewRequest("GET", "/media/missing.jpg", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, 404, resp.StatusCode)
}

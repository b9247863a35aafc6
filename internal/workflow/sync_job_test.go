package workflow

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/MaxMinsk/HaMapAddon/internal/drive"
	"github.com/MaxMinsk/HaMapAddon/internal/models"
	"github.com/MaxMinsk/HaMapAddon/internal/photos"
	"github.com/MaxMinsk/HaMapAddon/internal/store"
	"github.com/MaxMinsk/HaMapAddon/internal/test"
)

// MockLogger implements the Logger interface for testing
type MockLogger struct {
	mock.Mock
}

func (m *MockLogger) Info(args ...interface{}) {
	m.Called(args)
}

func (m *MockLogger) Infof(format string, args ...interface{}) {
	m.Called(format, args)
}

func (m *MockLogger) Warn(args ...interface{}) {
	m.Called(args)
}

func (m *MockLogger) Warnf(format string, args ...interface{}) {
	m.Called(format, args)
}

func (m *MockLogger) Error(args ...interface{}) {
	m.Called(args)
}

func (m *MockLogger) Errorf(format string, args ...interface{}) {
	m.Called(format, args)
}

func (m *MockLogger) Debug(args ...interface{}) {
	m.Called(args)
}

func (m *MockLogger) Debugf(format string, args ...interface{}) {
	m.Called(format, args)
}

func quietLogger() *MockLogger {
	l := &MockLogger{}
	for _, method := range []string{"Infof", "Warnf", "Errorf", "Debugf"} {
		l.On(method, mock.Anything, mock.Anything).Maybe()
	}
	for _, method := range []string{"Info", "Warn", "Error", "Debug"} {
		l.On(method, mock.Anything).Maybe()
	}
	return l
}

// MockTokens is a mock implementation of TokenSource
type MockTokens struct {
	mock.Mock
}

func (m *MockTokens) HasClientID() bool {
	return m.Called().Bool(0)
}

func (m *MockTokens) HasRefreshToken() bool {
	return m.Called().Bool(0)
}

func (m *MockTokens) GetAccessToken(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockTokens) Invalidate() {
	m.Called()
}

func connectedTokens() *MockTokens {
	tokens := &MockTokens{}
	tokens.On("HasClientID").Return(true)
	tokens.On("HasRefreshToken").Return(true)
	tokens.On("GetAccessToken", mock.Anything).Return("access", nil)
	return tokens
}

// fakeCrawler yields a fixed list of files, or fails with err
type fakeCrawler struct {
	files   []models.RemoteFile
	err     error
	folders []models.FolderEntry
	visited int
}

func (c *fakeCrawler) Walk(ctx context.Context, accessToken string, visit func(context.Context, models.RemoteFile) error) error {
	for _, f := range c.files {
		c.visited++
		err := visit(ctx, f)
		if errors.Is(err, drive.ErrStopWalk) {
			return nil
		}
		if err != nil {
			return err
		}
	}
	return c.err
}

func (c *fakeCrawler) ListFolders(ctx context.Context, accessToken, path string) ([]models.FolderEntry, error) {
	return c.folders, c.err
}

// scriptedProcessor returns outcomes by item id; unknown items are downloaded
type scriptedProcessor struct {
	mu       sync.Mutex
	outcomes map[string]photos.Outcome
	block    chan struct{}
	started  chan struct{}
	panicOn  string
}

func (p *scriptedProcessor) Process(ctx context.Context, file models.RemoteFile) (photos.Outcome, error) {
	if p.started != nil {
		close(p.started)
		p.started = nil
	}
	if p.block != nil {
		<-p.block
	}
	if file.ItemID == p.panicOn {
		panic("decoder exploded")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if outcome, ok := p.outcomes[file.ItemID]; ok {
		if outcome == photos.OutcomeFailed {
			return outcome, errors.New("download failed")
		}
		return outcome, nil
	}
	return photos.OutcomeDownloaded, nil
}

func files(ids ...string) []models.RemoteFile {
	out := make([]models.RemoteFile, 0, len(ids))
	for _, id := range ids {
		out = append(out, models.RemoteFile{ItemID: id, FileName: id + ".jpg"})
	}
	return out
}

func newService(t *testing.T, cfg SyncJobConfig, tokens TokenSource, crawler Crawler, processor FileProcessor) (*SyncJobService, *store.Repository) {
	t.Helper()
	db, tearDown := test.GetTestDB(t)
	t.Cleanup(tearDown)
	repo := store.NewRepository(db)
	return NewSyncJobService(cfg, tokens, crawler, processor, repo, nil, quietLogger()), repo
}

var enabled = SyncJobConfig{Enabled: true, MaxDownloadsPerRun: 100}

func TestRunOnce_DisabledIsSkipped(t *testing.T) {
	tokens := &MockTokens{}
	svc, _ := newService(t, SyncJobConfig{}, tokens, &fakeCrawler{}, &scriptedProcessor{})

	result := svc.RunOnce(context.Background(), ReasonManual)
	assert.True(t, result.Success)
	assert.Equal(t, models.StatusSkipped, result.Status)
	tokens.AssertNotCalled(t, "GetAccessToken", mock.Anything)
}

func TestRunOnce_InvalidConfig(t *testing.T) {
	noClient := &MockTokens{}
	noClient.On("HasClientID").Return(false)
	svc, _ := newService(t, enabled, noClient, &fakeCrawler{}, &scriptedProcessor{})
	result := svc.RunOnce(context.Background(), ReasonManual)
	assert.Equal(t, models.StatusInvalidConfig, result.Status)
	assert.False(t, result.Success)

	noToken := &MockTokens{}
	noToken.On("HasClientID").Return(true)
	noToken.On("HasRefreshToken").Return(false)
	svc, _ = newService(t, enabled, noToken, &fakeCrawler{}, &scriptedProcessor{})
	result = svc.RunOnce(context.Background(), ReasonManual)
	assert.Equal(t, models.StatusInvalidConfig, result.Status)
	noToken.AssertNotCalled(t, "GetAccessToken", mock.Anything)
}

func TestRunOnce_AuthError(t *testing.T) {
	tokens := &MockTokens{}
	tokens.On("HasClientID").Return(true)
	tokens.On("HasRefreshToken").Return(true)
	tokens.On("GetAccessToken", mock.Anything).Return("", errors.New("invalid_grant"))
	crawler := &fakeCrawler{files: files("a")}
	svc, _ := newService(t, enabled, tokens, crawler, &scriptedProcessor{})

	result := svc.RunOnce(context.Background(), ReasonManual)
	assert.Equal(t, models.StatusAuthError, result.Status)
	assert.Contains(t, result.Message, "invalid_grant")
	assert.Zero(t, crawler.visited)
}

func TestRunOnce_CountsOutcomes(t *testing.T) {
	processor := &scriptedProcessor{outcomes: map[string]photos.Outcome{
		"b": photos.OutcomeUnchanged,
		"c": photos.OutcomeFilteredExtension,
		"d": photos.OutcomeFailed,
	}}
	svc, repo := newService(t, enabled, connectedTokens(), &fakeCrawler{files: files("a", "b", "c", "d", "e")}, processor)

	result := svc.RunOnce(context.Background(), ReasonSchedule)
	require.True(t, result.Success, result.Message)
	assert.Equal(t, models.StatusCompleted, result.Status)
	assert.Equal(t, 5, result.Examined)
	assert.Equal(t, 2, result.Downloaded)
	assert.Equal(t, 3, result.Skipped)
	assert.Equal(t, ReasonSchedule, result.Reason)
	assert.NotEmpty(t, result.RunID)

	status, err := repo.GetSetting(context.Background(), store.KeyLastSyncStatus)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, status)
	stamp, err := repo.GetSetting(context.Background(), store.KeyLastSyncUTC)
	require.NoError(t, err)
	_, err = time.Parse(time.RFC3339, stamp)
	assert.NoError(t, err)
}

func TestRunOnce_StopsAtDownloadCap(t *testing.T) {
	crawler := &fakeCrawler{files: files("a", "b", "c", "d", "e")}
	svc, _ := newService(t, SyncJobConfig{Enabled: true, MaxDownloadsPerRun: 2}, connectedTokens(), crawler, &scriptedProcessor{})

	result := svc.RunOnce(context.Background(), ReasonManual)
	require.True(t, result.Success)
	assert.Equal(t, 2, result.Downloaded)
	assert.Equal(t, 2, result.Examined)
	assert.Equal(t, 2, crawler.visited)
	assert.Contains(t, result.Message, "limit of 2")
}

func TestRunOnce_GraphErrorInvalidatesOn401(t *testing.T) {
	tokens := connectedTokens()
	tokens.On("Invalidate").Return()
	crawler := &fakeCrawler{files: files("a"), err: &drive.GraphError{StatusCode: 401, Code: "InvalidAuthenticationToken", Message: "expired"}}
	svc, _ := newService(t, enabled, tokens, crawler, &scriptedProcessor{})

	result := svc.RunOnce(context.Background(), ReasonManual)
	assert.False(t, result.Success)
	assert.Equal(t, models.StatusGraphError, result.Status)
	assert.Contains(t, result.Message, "401")
	assert.Equal(t, 1, result.Examined, "counters up to the failure are kept")
	tokens.AssertCalled(t, "Invalidate")
}

func TestRunOnce_PanicIsException(t *testing.T) {
	svc, _ := newService(t, enabled, connectedTokens(), &fakeCrawler{files: files("a", "boom")}, &scriptedProcessor{panicOn: "boom"})

	result := svc.RunOnce(context.Background(), ReasonManual)
	assert.Equal(t, models.StatusException, result.Status)
	assert.Contains(t, result.Message, "decoder exploded")

	// the lock is released after a panic
	again := svc.RunOnce(context.Background(), ReasonManual)
	assert.NotEqual(t, models.StatusBusy, again.Status)
}

func TestRunOnce_ExceptionMessageIsTruncated(t *testing.T) {
	crawler := &fakeCrawler{err: errors.New(strings.Repeat("x", 500))}
	svc, _ := newService(t, enabled, connectedTokens(), crawler, &scriptedProcessor{})

	result := svc.RunOnce(context.Background(), ReasonManual)
	assert.Equal(t, models.StatusException, result.Status)
	assert.Len(t, result.Message, maxExceptionMessage)
}

func TestRunOnce_ConcurrentCallIsBusy(t *testing.T) {
	processor := &scriptedProcessor{block: make(chan struct{}), started: make(chan struct{})}
	started := processor.started
	svc, _ := newService(t, enabled, connectedTokens(), &fakeCrawler{files: files("a")}, processor)

	done := make(chan models.SyncResult)
	go func() {
		done <- svc.RunOnce(context.Background(), ReasonSchedule)
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("first run did not start")
	}

	busy := svc.RunOnce(context.Background(), ReasonManual)
	assert.False(t, busy.Success)
	assert.Equal(t, models.StatusBusy, busy.Status)

	close(processor.block)
	first := <-done
	assert.Equal(t, models.StatusCompleted, first.Status)

	last := svc.GetLastResult()
	require.NotNil(t, last)
	assert.Equal(t, first.RunID, last.RunID)
}

func TestGetLastResult(t *testing.T) {
	svc, _ := newService(t, SyncJobConfig{}, &MockTokens{}, &fakeCrawler{}, &scriptedProcessor{})
	assert.Nil(t, svc.GetLastResult())

	result := svc.RunOnce(context.Background(), ReasonStartup)
	last := svc.GetLastResult()
	require.NotNil(t, last)
	assert.Equal(t, result.RunID, last.RunID)
	assert.Equal(t, ReasonStartup, last.Reason)
}

func TestListFolders(t *testing.T) {
	crawler := &fakeCrawler{folders: []models.FolderEntry{{ID: "1", Name: "Camera", Path: "/Pictures/Camera"}}}
	svc, _ := newService(t, enabled, connectedTokens(), crawler, &scriptedProcessor{})

	result := svc.ListFolders(context.Background(), "/Pictures")
	require.True(t, result.Success)
	assert.Equal(t, "/Pictures", result.Path)
	require.Len(t, result.Folders, 1)
	assert.Equal(t, "Camera", result.Folders[0].Name)
}

func TestListFolders_GraphError(t *testing.T) {
	crawler := &fakeCrawler{err: &drive.GraphError{StatusCode: 404, Code: "itemNotFound", Message: "not found"}}
	svc, _ := newService(t, enabled, connectedTokens(), crawler, &scriptedProcessor{})

	result := svc.ListFolders(context.Background(), "/missing")
	assert.Equal(t, models.StatusGraphError, result.Status)
	assert.Empty(t, result.Folders)
}

func TestQueryPhotos_RejectsReversedWindow(t *testing.T) {
	svc, _ := newService(t, enabled, connectedTokens(), &fakeCrawler{}, &scriptedProcessor{})
	now := time.Now()

	result := svc.QueryPhotos(context.Background(), store.PhotoQuery{From: now, To: now.Add(-time.Hour)})
	assert.Equal(t, models.StatusInvalidRequest, result.Status)
}

// staticDownloader serves one JPEG for every URL
type staticDownloader struct {
	data  []byte
	calls int
}

func (d *staticDownloader) Download(ctx context.Context, url string, w io.Writer) (int64, error) {
	d.calls++
	n, err := w.Write(d.data)
	return int64(n), err
}

func TestRunOnce_SecondRunIsIdempotent(t *testing.T) {
	db, tearDown := test.GetTestDB(t)
	defer tearDown()
	repo := store.NewRepository(db)

	cfg := photos.DefaultProcessingConfig()
	cfg.PhotosDir = filepath.Join(t.TempDir(), "photos")
	cfg.MaxSide = 64
	cfg.ThumbnailMaxSide = 16

	downloader := &staticDownloader{data: test.JPEGBytes(t, 80, 60)}
	pipeline := photos.NewPipeline(cfg, downloader, repo, nil)

	modified := time.Now().UTC().Add(-time.Hour)
	remote := []models.RemoteFile{
		{ItemID: "1", FileName: "a.jpg", ETag: "e1", DownloadURL: "u1", LastModifiedUTC: modified},
		{ItemID: "2", FileName: "b.png", ETag: "e2", DownloadURL: "u2", LastModifiedUTC: modified},
		{ItemID: "3", FileName: "c.mov", ETag: "e3", DownloadURL: "u3", LastModifiedUTC: modified},
	}

	svc := NewSyncJobService(enabled, connectedTokens(), &fakeCrawler{files: remote}, pipeline, repo, nil, quietLogger())

	first := svc.RunOnce(context.Background(), ReasonManual)
	require.True(t, first.Success, first.Message)
	assert.Equal(t, 2, first.Downloaded)
	assert.Equal(t, 1, first.Skipped)

	second := svc.RunOnce(context.Background(), ReasonManual)
	require.True(t, second.Success, second.Message)
	assert.Equal(t, 0, second.Downloaded)
	assert.Equal(t, second.Examined, second.Skipped)
	assert.Equal(t, 2, downloader.calls)

	found, total, err := repo.QueryPhotos(context.Background(), store.PhotoQuery{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Len(t, found, 2)
}

func TestTruncate_KeepsRuneBoundary(t *testing.T) {
	short := "unexpected error: boom"
	assert.Equal(t, short, truncate(short))

	msg := "x" + strings.Repeat("é", 150)
	require.Greater(t, len(msg), maxExceptionMessage)

	got := truncate(msg)
	assert.True(t, utf8.ValidString(got))
	assert.LessOrEqual(t, len(got), maxExceptionMessage)
	assert.Equal(t, maxExceptionMessage-1, len(got))
	assert.True(t, strings.HasPrefix(msg, got))
}

package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MaxMinsk/HaMapAddon/internal/models"
	"github.com/MaxMinsk/HaMapAddon/internal/test"
	"github.com/MaxMinsk/HaMapAddon/internal/workflow"
)

// recordingRunner records reasons and can panic on demand
type recordingRunner struct {
	mu      sync.Mutex
	reasons []string
	panics  int
	result  models.SyncResult
}

func (r *recordingRunner) RunOnce(ctx context.Context, reason string) models.SyncResult {
	r.mu.Lock()
	r.reasons = append(r.reasons, reason)
	shouldPanic := r.panics > 0
	if shouldPanic {
		r.panics--
	}
	r.mu.Unlock()

	if shouldPanic {
		panic("run blew up")
	}
	result := r.result
	result.Reason = reason
	return result
}

func (r *recordingRunner) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.reasons...)
}

func TestScheduler_StartupRunAndCancel(t *testing.T) {
	runner := &recordingRunner{}
	s := NewScheduler(runner, time.Hour, true)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- s.Run(ctx) }()

	require.NoError(t, test.WaitForCondition(func() bool { return len(runner.calls()) == 1 }, 5*time.Second))
	assert.Equal(t, []string{workflow.ReasonStartup}, runner.calls())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop after cancellation")
	}
}

func TestScheduler_IntervalSurvivesPanics(t *testing.T) {
	runner := &recordingRunner{panics: 1}
	s := NewScheduler(runner, time.Second, false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	require.NoError(t, test.WaitForCondition(func() bool { return len(runner.calls()) >= 2 }, 10*time.Second))
	for _, reason := range runner.calls() {
		assert.Equal(t, workflow.ReasonSchedule, reason)
	}
}

func TestScheduler_Spec(t *testing.T) {
	s := NewScheduler(&recordingRunner{}, 6*time.Hour, false)
	assert.Equal(t, "@every 6h0m0s", s.Spec())
}

func TestNewSyncRunTask(t *testing.T) {
	at := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	task, err := NewSyncRunTask("", at)
	require.NoError(t, err)
	assert.Equal(t, TypeSyncRun, task.Type())

	var p SyncRunPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &p))
	assert.Equal(t, workflow.ReasonQueued, p.Reason)
	assert.True(t, at.Equal(p.RequestedAt))
}

func TestSyncTaskHandler_RunsWithPayloadReason(t *testing.T) {
	runner := &recordingRunner{result: models.SyncResult{Result: models.Ok(models.StatusCompleted, "done")}}
	handler := NewSyncTaskHandler(runner, nil)

	task, err := NewSyncRunTask(workflow.ReasonManual, time.Now())
	require.NoError(t, err)

	require.NoError(t, handler.ProcessTask(context.Background(), task))
	assert.Equal(t, []string{workflow.ReasonManual}, runner.calls())
}

func TestSyncTaskHandler_FailedRunIsNotRetried(t *testing.T) {
	runner := &recordingRunner{result: models.SyncResult{Result: models.Fail(models.StatusBusy, "busy")}}
	handler := NewSyncTaskHandler(runner, nil)

	task, err := NewSyncRunTask(workflow.ReasonQueued, time.Now())
	require.NoError(t, err)
	assert.NoError(t, handler.ProcessTask(context.Background(), task))
}

func TestSyncTaskHandler_BadPayloadSkipsRetry(t *testing.T) {
	runner := &recordingRunner{}
	handler := NewSyncTaskHandler(runner, nil)

	err := handler.ProcessTask(context.Background(), asynq.NewTask(TypeSyncRun, []byte("{not json")))
	require.Error(t, err)
	assert.True(t, errors.Is(err, asynq.SkipRetry))
	assert.Empty(t, runner.calls())
}

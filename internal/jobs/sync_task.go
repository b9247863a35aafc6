package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/MaxMinsk/HaMapAddon/internal/config"
	"github.com/MaxMinsk/HaMapAddon/internal/logging"
	"github.com/MaxMinsk/HaMapAddon/internal/models"
	"github.com/MaxMinsk/HaMapAddon/internal/workflow"
)

// Task types
const (
	TypeSyncRun = "sync:run"
)

// QueueDefault is the only queue the worker listens on
const QueueDefault = "default"

const syncTaskTimeout = 2 * time.Hour

// ErrAlreadyQueued is returned when a sync task is already waiting in the queue
var ErrAlreadyQueued = errors.New("a sync run is already queued")

// SyncRunPayload represents the payload for queued sync runs
type SyncRunPayload struct {
	Reason      string    `json:"reason"`
	RequestedAt time.Time `json:"requested_at"`
}

// NewSyncRunTask builds a sync:run task
func NewSyncRunTask(reason string, requestedAt time.Time) (*asynq.Task, error) {
	if reason == "" {
		reason = workflow.ReasonQueued
	}
	payload, err := json.Marshal(SyncRunPayload{Reason: reason, RequestedAt: requestedAt.UTC()})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal sync run payload: %w", err)
	}
	return asynq.NewTask(TypeSyncRun, payload), nil
}

// RedisOpt maps the redis config section
func RedisOpt(c config.RedisConfig) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: c.Addr, Password: c.Password, DB: c.DB}
}

// Enqueuer puts sync runs on the queue
type Enqueuer struct {
	client *asynq.Client
}

// NewEnqueuer wraps an asynq client
func NewEnqueuer(client *asynq.Client) *Enqueuer {
	return &Enqueuer{client: client}
}

// EnqueueSyncRun queues one sync run. At most one run waits in the queue at a time.
func (e *Enqueuer) EnqueueSyncRun(ctx context.Context, reason string) (string, error) {
	task, err := NewSyncRunTask(reason, time.Now())
	if err != nil {
		return "", err
	}

	info, err := e.client.EnqueueContext(ctx, task,
		asynq.Queue(QueueDefault),
		asynq.TaskID(TypeSyncRun),
		asynq.MaxRetry(0),
		asynq.Timeout(syncTaskTimeout),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return "", ErrAlreadyQueued
	}
	if err != nil {
		return "", fmt.Errorf("failed to enqueue sync run: %w", err)
	}
	return info.ID, nil
}

// Close releases the client connection
func (e *Enqueuer) Close() error {
	return e.client.Close()
}

// SyncTaskHandler runs queued sync tasks
type SyncTaskHandler struct {
	runner Runner
	logger *logging.Logger
}

// NewSyncTaskHandler creates a handler for sync:run
func NewSyncTaskHandler(runner Runner, logger *logging.Logger) *SyncTaskHandler {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &SyncTaskHandler{runner: runner, logger: logger}
}

// ProcessTask implements asynq.Handler. Run failures are reported in the result, not retried.
func (h *SyncTaskHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	start := time.Now()

	var p SyncRunPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		h.logger.LogJobProcessing(QueueDefault, t.Type(), 1, time.Since(start), false, err.Error())
		return fmt.Errorf("failed to unmarshal sync run payload: %v: %w", err, asynq.SkipRetry)
	}
	if p.Reason == "" {
		p.Reason = workflow.ReasonQueued
	}

	result := h.runner.RunOnce(ctx, p.Reason)
	ok := result.Success || result.Status == models.StatusBusy
	errMsg := ""
	if !result.Success {
		errMsg = result.Message
	}
	h.logger.LogJobProcessing(QueueDefault, t.Type(), 1, time.Since(start), ok, errMsg)
	return nil
}

// NewWorker builds an asynq server that processes sync tasks one at a time
func NewWorker(opt asynq.RedisClientOpt, handler *SyncTaskHandler) (*asynq.Server, *asynq.ServeMux) {
	srv := asynq.NewServer(opt, asynq.Config{
		Concurrency: 1,
		Queues: map[string]int{
			QueueDefault: 1,
		},
		Logger:   asynqLogger{},
		LogLevel: asynq.WarnLevel,
	})

	mux := asynq.NewServeMux()
	mux.Handle(TypeSyncRun, handler)
	return srv, mux
}

// asynqLogger routes asynq's logs into the global zerolog logger
type asynqLogger struct{}

func (asynqLogger) Debug(args ...interface{}) { logging.WithModule("asynq").Debug().Msg(fmt.Sprint(args...)) }
func (asynqLogger) Info(args ...interface{})  { logging.WithModule("asynq").Info().Msg(fmt.Sprint(args...)) }
func (asynqLogger) Warn(args ...interface{})  { logging.WithModule("asynq").Warn().Msg(fmt.Sprint(args...)) }
func (asynqLogger) Error(args ...interface{}) { logging.WithModule("asynq").Error().Msg(fmt.Sprint(args...)) }
func (asynqLogger) Fatal(args ...interface{}) { logging.WithModule("asynq").Fatal().Msg(fmt.Sprint(args...)) }

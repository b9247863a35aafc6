package handlers

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/MaxMinsk/HaMapAddon/internal/geo"
	"github.com/MaxMinsk/HaMapAddon/internal/jobs"
	"github.com/MaxMinsk/HaMapAddon/internal/models"
	"github.com/MaxMinsk/HaMapAddon/internal/pagination"
	"github.com/MaxMinsk/HaMapAddon/internal/store"
	"github.com/MaxMinsk/HaMapAddon/internal/workflow"
)

// SyncService is the orchestrator as seen by the API
type SyncService interface {
	RunOnce(ctx context.Context, reason string) models.SyncResult
	GetLastResult() *models.SyncResult
	ListFolders(ctx context.Context, path string) models.FolderListResult
	QueryPhotos(ctx context.Context, q store.PhotoQuery) models.PhotoQueryResult
}

// SyncEnqueuer puts sync runs on the job queue
type SyncEnqueuer interface {
	EnqueueSyncRun(ctx context.Context, reason string) (string, error)
}

// SyncHandler handles sync, folder browsing and photo index requests
type SyncHandler struct {
	svc      SyncService
	enqueuer SyncEnqueuer
}

// NewSyncHandler creates a new sync handler. enqueuer may be nil when no queue is configured.
func NewSyncHandler(svc SyncService, enqueuer SyncEnqueuer) *SyncHandler {
	return &SyncHandler{svc: svc, enqueuer: enqueuer}
}

// PhotoPage is one page of the photo index
type PhotoPage struct {
	models.PhotoQueryResult
	Pagination pagination.Metadata `json:"pagination"`
}

// RunSync starts a run and waits for it, or queues it with ?queue=true
// POST /api/sync/run
func (h *SyncHandler) RunSync(c *fiber.Ctx) error {
	if c.QueryBool("queue", false) {
		if h.enqueuer == nil {
			return sendInvalid(c, "job queue is not enabled")
		}
		taskID, err := h.enqueuer.EnqueueSyncRun(c.UserContext(), workflow.ReasonQueued)
		if errors.Is(err, jobs.ErrAlreadyQueued) {
			result := models.Fail(models.StatusBusy, err.Error())
			return sendResult(c, result, result)
		}
		if err != nil {
			result := models.Fail(models.StatusException, "failed to queue sync run")
			return sendResult(c, result, result)
		}
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
			"success": true,
			"status":  "queued",
			"message": "sync run queued",
			"task_id": taskID,
		})
	}

	result := h.svc.RunOnce(c.UserContext(), workflow.ReasonManual)
	return sendResult(c, result.Result, result)
}

// SyncStatus returns the last run result
// GET /api/sync/status
func (h *SyncHandler) SyncStatus(c *fiber.Ctx) error {
	last := h.svc.GetLastResult()
	if last == nil {
		return c.JSON(models.Ok(models.StatusIdle, "no sync has run yet"))
	}
	return c.JSON(last)
}

// ListFolders lists the child folders of ?path=
// GET /api/onedrive/folders
func (h *SyncHandler) ListFolders(c *fiber.Ctx) error {
	result := h.svc.ListFolders(c.UserContext(), c.Query("path", "/"))
	return sendResult(c, result.Result, result)
}

// QueryPhotos returns a page of indexed photos
// GET /api/photos
func (h *SyncHandler) QueryPhotos(c *fiber.Ctx) error {
	var q store.PhotoQuery
	var err error

	if q.From, err = parseTime(c.Query("from")); err != nil {
		return sendInvalid(c, "from must be an RFC 3339 timestamp")
	}
	if q.To, err = parseTime(c.Query("to")); err != nil {
		return sendInvalid(c, "to must be an RFC 3339 timestamp")
	}
	if raw := c.Query("bbox"); raw != "" {
		box, err := parseBBox(raw)
		if err != nil {
			return sendInvalid(c, err.Error())
		}
		q.BBox = &box
	}
	if raw := c.Query("has_gps"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return sendInvalid(c, "has_gps must be true or false")
		}
		q.HasGPS = &v
	}
	q.Page, q.PageSize = pagination.GetPaginationParams(c, store.DefaultPageSize, store.MaxPageSize)

	result := h.svc.QueryPhotos(c.UserContext(), q)
	return sendResult(c, result.Result, PhotoPage{
		PhotoQueryResult: result,
		Pagination:       pagination.Calculate(result.TotalCount, q.Page, q.PageSize),
	})
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}

// parseBBox reads minLat,minLon,maxLat,maxLon
func parseBBox(raw string) (geo.BoundingBox, error) {
	parts := strings.Split(raw, ",")
	if len(parts) != 4 {
		return geo.BoundingBox{}, errors.New("bbox must be minLat,minLon,maxLat,maxLon")
	}

	values := make([]float64, 4)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return geo.BoundingBox{}, errors.New("bbox values must be numbers")
		}
		values[i] = v
	}

	box := geo.BoundingBox{MinLat: values[0], MinLon: values[1], MaxLat: values[2], MaxLon: values[3]}
	if !box.Valid() {
		return geo.BoundingBox{}, errors.New("bbox is out of range or inverted")
	}
	return box, nil
}

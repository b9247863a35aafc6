package handlers

import (
	"context"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/MaxMinsk/HaMapAddon/internal/history"
	"github.com/MaxMinsk/HaMapAddon/internal/models"
)

// TrackService answers track queries
type TrackService interface {
	QueryTracks(ctx context.Context, q history.TrackQuery) models.TracksQueryResult
}

// HistoryHandler handles location history requests
type HistoryHandler struct {
	svc TrackService
}

// NewHistoryHandler creates a new history handler
func NewHistoryHandler(svc TrackService) *HistoryHandler {
	return &HistoryHandler{svc: svc}
}

// Tracks returns simplified tracks for ?entities=a,b between ?from and ?to
// GET /api/history/tracks
func (h *HistoryHandler) Tracks(c *fiber.Ctx) error {
	from, err := parseTime(c.Query("from"))
	if err != nil {
		return sendInvalid(c, "from must be an RFC 3339 timestamp")
	}
	to, err := parseTime(c.Query("to"))
	if err != nil {
		return sendInvalid(c, "to must be an RFC 3339 timestamp")
	}

	q := history.TrackQuery{
		EntityIDs:         strings.Split(c.Query("entities"), ","),
		From:              from,
		To:                to,
		MaxPoints:         c.QueryInt("max_points", 0),
		MinDistanceMeters: c.QueryFloat("min_distance", -1),
	}

	result := h.svc.QueryTracks(c.UserContext(), q)
	return sendResult(c, result.Result, result)
}

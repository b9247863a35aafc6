package history

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/MaxMinsk/HaMapAddon/internal/config"
	"github.com/MaxMinsk/HaMapAddon/internal/logging"
	"github.com/MaxMinsk/HaMapAddon/internal/metrics"
	"github.com/MaxMinsk/HaMapAddon/internal/models"
	"github.com/MaxMinsk/HaMapAddon/internal/tracing"
)

// TrackQuery selects the entities and window of a track query
type TrackQuery struct {
	EntityIDs         []string
	From              time.Time
	To                time.Time
	MaxPoints         int
	MinDistanceMeters float64
}

// Service answers track queries
type Service struct {
	source             Source
	defaultMaxPoints   int
	defaultMinDistance float64
	metrics            *metrics.Metrics
}

// NewService creates a track service over source
func NewService(source Source, cfg config.HistoryConfig, m *metrics.Metrics) *Service {
	return &Service{
		source:             source,
		defaultMaxPoints:   cfg.DefaultMaxPoints,
		defaultMinDistance: cfg.DefaultMinDistance,
		metrics:            m,
	}
}

// QueryTracks returns one simplified track per entity that has points in the window.
// A zero MaxPoints or negative MinDistanceMeters falls back to the configured defaults.
func (s *Service) QueryTracks(ctx context.Context, q TrackQuery) models.TracksQueryResult {
	result := models.TracksQueryResult{From: q.From.UTC(), To: q.To.UTC(), Tracks: []models.EntityTrack{}}

	entityIDs := cleanEntityIDs(q.EntityIDs)
	switch {
	case len(entityIDs) == 0:
		result.Result = models.Fail(models.StatusInvalidRequest, "at least one entity id is required")
		return result
	case q.From.IsZero() || q.To.IsZero():
		result.Result = models.Fail(models.StatusInvalidRequest, "from and to are required")
		return result
	case !q.From.Before(q.To):
		result.Result = models.Fail(models.StatusInvalidRequest, "from must be before to")
		return result
	case q.MaxPoints < 0:
		result.Result = models.Fail(models.StatusInvalidRequest, "max points must not be negative")
		return result
	}

	maxPoints := q.MaxPoints
	if maxPoints == 0 {
		maxPoints = s.defaultMaxPoints
	}
	minDistance := q.MinDistanceMeters
	if minDistance < 0 {
		minDistance = s.defaultMinDistance
	}

	ctx, span := tracing.Start(ctx, tracing.SpanHistoryQuery,
		attribute.StringSlice("history.entities", entityIDs),
		attribute.Int("history.max_points", maxPoints),
	)
	defer span.End()

	samples, err := s.source.Samples(ctx, entityIDs, q.From, q.To)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		s.metrics.IncHistoryQuery(models.StatusHistoryError)
		logging.WithContext(ctx).Warn().Str("module", "history").Err(err).Strs("entities", entityIDs).Msg("History query failed")

		var herr *Error
		if errors.As(err, &herr) {
			result.Result = models.Fail(models.StatusHistoryError, herr.Error())
		} else {
			result.Result = models.Fail(models.StatusHistoryError, fmt.Sprintf("history request failed: %v", err))
		}
		return result
	}

	total := 0
	for _, id := range entityIDs {
		points := Simplify(samples[id], maxPoints, minDistance)
		if len(points) == 0 {
			continue
		}
		total += len(points)
		result.Tracks = append(result.Tracks, models.EntityTrack{EntityID: id, Points: points})
	}

	tracing.AddAttributes(ctx, attribute.Int("history.points", total))
	s.metrics.IncHistoryQuery(models.StatusCompleted)
	result.Result = models.Ok(models.StatusCompleted,
		fmt.Sprintf("%d tracks, %d points", len(result.Tracks), total))
	return result
}

// cleanEntityIDs trims, drops empties and removes duplicates keeping order
func cleanEntityIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

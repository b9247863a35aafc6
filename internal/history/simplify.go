package history

import (
	"math"
	"sort"
	"time"

	"github.com/MaxMinsk/HaMapAddon/internal/geo"
	"github.com/MaxMinsk/HaMapAddon/internal/models"
)

const (
	duplicateDistanceMeters = 0.5
	duplicateWindow         = time.Second
)

// Simplify runs the dedup pass and then the downsample pass.
// samples must be sorted ascending by time.
func Simplify(samples []Sample, maxPoints int, minDistanceMeters float64) []models.TrackPoint {
	return Downsample(Dedup(samples, minDistanceMeters), maxPoints)
}

// Dedup drops samples that repeat the last kept one, and samples closer than
// minDistanceMeters to it. A zero minDistanceMeters keeps every distinct sample.
func Dedup(samples []Sample, minDistanceMeters float64) []models.TrackPoint {
	points := make([]models.TrackPoint, 0, len(samples))
	var last *Sample

	for i := range samples {
		s := samples[i]
		if last != nil {
			d := geo.Haversine(last.Lat, last.Lon, s.Lat, s.Lon)
			dt := s.Timestamp.Sub(last.Timestamp)
			if dt < 0 {
				dt = -dt
			}
			if d < duplicateDistanceMeters && dt <= duplicateWindow {
				continue
			}
			if minDistanceMeters > 0 && d < minDistanceMeters {
				continue
			}
		}

		points = append(points, models.TrackPoint{
			Lat:       s.Lat,
			Lon:       s.Lon,
			Timestamp: s.Timestamp,
			Accuracy:  s.Accuracy,
			State:     s.State,
		})
		last = &samples[i]
	}
	return points
}

// Downsample picks maxPoints evenly spaced points and always keeps the last one.
// maxPoints <= 1 leaves the input untouched.
func Downsample(points []models.TrackPoint, maxPoints int) []models.TrackPoint {
	n := len(points)
	if maxPoints <= 1 || n <= maxPoints {
		return points
	}

	step := float64(n-1) / float64(maxPoints-1)
	seen := make(map[int]struct{}, maxPoints)
	out := make([]models.TrackPoint, 0, maxPoints)

	for i := 0; i < maxPoints; i++ {
		idx := int(math.Round(float64(i) * step))
		idx = min(max(idx, 0), n-1)
		if _, ok := seen[idx]; ok {
			continue
		}
		seen[idx] = struct{}{}
		out = append(out, points[idx])
	}
	if _, ok := seen[n-1]; !ok {
		out = append(out, points[n-1])
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

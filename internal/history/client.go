// Package history reads device tracker history from Home Assistant and simplifies it into tracks.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/MaxMinsk/HaMapAddon/internal/config"
)

// DefaultBaseURL is the core API as seen from inside a supervised add-on
const DefaultBaseURL = "http://supervisor/core"

// Error is a non-2xx reply from the history API
type Error struct {
	StatusCode int
	Message    string
	Body       string
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("history request failed with status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("history request failed with status %d", e.StatusCode)
}

// Sample is one raw position sample of an entity
type Sample struct {
	EntityID  string
	Lat       float64
	Lon       float64
	Accuracy  *float64
	State     string
	Timestamp time.Time
}

// Source returns raw samples per entity for a time window
type Source interface {
	Samples(ctx context.Context, entityIDs []string, from, to time.Time) (map[string][]Sample, error)
}

// Client calls GET /api/history/period
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a history client. A nil httpClient gets a 30s timeout.
func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: httpClient,
	}
}

// NewClientFromConfig builds a client from the history config section
func NewClientFromConfig(cfg config.HistoryConfig) *Client {
	var httpClient *http.Client
	if cfg.Timeout > 0 {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return NewClient(cfg.BaseURL, cfg.Token, httpClient)
}

type stateSnapshot struct {
	EntityID    string          `json:"entity_id"`
	State       string          `json:"state"`
	Attributes  stateAttributes `json:"attributes"`
	LastChanged string          `json:"last_changed"`
	LastUpdated string          `json:"last_updated"`
}

type stateAttributes struct {
	Latitude    *float64 `json:"latitude"`
	Longitude   *float64 `json:"longitude"`
	GPSAccuracy *float64 `json:"gps_accuracy"`
}

// Samples fetches the history of entityIDs between from and to.
// Snapshots without coordinates or without a parseable timestamp are dropped.
// Each entity's samples are sorted ascending by time.
func (c *Client) Samples(ctx context.Context, entityIDs []string, from, to time.Time) (map[string][]Sample, error) {
	query := url.Values{}
	query.Set("end_time", to.UTC().Format(time.RFC3339))
	query.Set("filter_entity_id", strings.Join(entityIDs, ","))
	query.Set("significant_changes_only", "0")

	endpoint := fmt.Sprintf("%s/api/history/period/%s?%s",
		c.baseURL, url.PathEscape(from.UTC().Format(time.RFC3339)), query.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build history request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("history request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read history response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, decodeError(resp.StatusCode, body)
	}

	var groups [][]stateSnapshot
	if err := json.Unmarshal(body, &groups); err != nil {
		return nil, fmt.Errorf("failed to decode history response: %w", err)
	}

	samples := make(map[string][]Sample)
	for _, group := range groups {
		for _, snap := range group {
			sample, ok := toSample(snap)
			if !ok {
				continue
			}
			samples[sample.EntityID] = append(samples[sample.EntityID], sample)
		}
	}
	for id := range samples {
		points := samples[id]
		sort.SliceStable(points, func(i, j int) bool {
			return points[i].Timestamp.Before(points[j].Timestamp)
		})
	}
	return samples, nil
}

func toSample(snap stateSnapshot) (Sample, bool) {
	if snap.EntityID == "" || snap.Attributes.Latitude == nil || snap.Attributes.Longitude == nil {
		return Sample{}, false
	}

	stamp := snap.LastUpdated
	if stamp == "" {
		stamp = snap.LastChanged
	}
	ts, err := time.Parse(time.RFC3339Nano, stamp)
	if err != nil {
		return Sample{}, false
	}

	return Sample{
		EntityID:  snap.EntityID,
		Lat:       *snap.Attributes.Latitude,
		Lon:       *snap.Attributes.Longitude,
		Accuracy:  snap.Attributes.GPSAccuracy,
		State:     snap.State,
		Timestamp: ts.UTC(),
	}, true
}

func decodeError(status int, body []byte) *Error {
	herr := &Error{StatusCode: status, Body: string(body)}

	var envelope struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Message != "" {
		herr.Message = envelope.Message
	} else {
		herr.Message = strings.TrimSpace(string(body))
		if len(herr.Message) > 200 {
			herr.Message = herr.Message[:200]
		}
	}
	return herr
}

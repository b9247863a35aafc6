// Package drive is a small Microsoft Graph client for walking a OneDrive subtree.
package drive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/MaxMinsk/HaMapAddon/internal/config"
	"github.com/MaxMinsk/HaMapAddon/internal/logging"
	"github.com/MaxMinsk/HaMapAddon/internal/metrics"
	"github.com/MaxMinsk/HaMapAddon/internal/models"
	"github.com/MaxMinsk/HaMapAddon/internal/tracing"
)

const (
	DefaultBaseURL = "https://graph.microsoft.com/v1.0"

	// ListFoldersPageLimit bounds pagination while browsing one folder
	ListFoldersPageLimit = 20

	defaultPageSize = 200
	maxErrorBody    = 64 * 1024
)

// ErrStopWalk is returned by a visit callback to end the walk without an error.
// Pages still queued are discarded.
var ErrStopWalk = errors.New("stop walk")

// Config selects the Graph endpoint and the subtree to walk
type Config struct {
	BaseURL           string
	RootPath          string
	RootItemID        string
	RequestsPerSecond float64
	PageSize          int
}

// ConfigFromApp maps the onedrive config section
func ConfigFromApp(c config.OneDriveConfig) Config {
	return Config{
		BaseURL:           c.GraphBaseURL,
		RootPath:          c.RootPath,
		RootItemID:        c.RootItemID,
		RequestsPerSecond: c.RequestsPerSecond,
	}
}

// GraphError is a non-2xx Graph response
type GraphError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *GraphError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("graph request failed with status %d: %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("graph request failed with status %d: %s", e.StatusCode, e.Body)
}

type graphErrorEnvelope struct {
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type driveItem struct {
	ID                   string    `json:"id"`
	Name                 string    `json:"name"`
	ETag                 string    `json:"eTag"`
	Size                 *int64    `json:"size"`
	LastModifiedDateTime time.Time `json:"lastModifiedDateTime"`
	DownloadURL          string    `json:"@microsoft.graph.downloadUrl"`
	File                 *struct {
		MimeType string `json:"mimeType"`
	} `json:"file"`
	Folder *struct {
		ChildCount int `json:"childCount"`
	} `json:"folder"`
	Deleted *struct {
		State string `json:"state"`
	} `json:"deleted"`
	ParentReference *struct {
		ID   string `json:"id"`
		Path string `json:"path"`
	} `json:"parentReference"`
}

type childrenPage struct {
	Value    []driveItem `json:"value"`
	NextLink string      `json:"@odata.nextLink"`
}

// Client performs Graph requests. Listing pages share one rate limiter.
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
	metrics    *metrics.Metrics
	logger     *zerolog.Logger
}

// NewClient creates a Graph client. A nil httpClient gets a 120s timeout client.
func NewClient(cfg Config, httpClient *http.Client, m *metrics.Metrics) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 120 * time.Second}
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(limit, 1),
		metrics:    m,
		logger:     logging.WithModule("drive"),
	}
}

// rootChildrenURL is the children endpoint of the configured root
func (c *Client) rootChildrenURL() string {
	if c.cfg.RootItemID != "" {
		return c.itemChildrenURL(c.cfg.RootItemID)
	}
	return c.pathChildrenURL(c.cfg.RootPath)
}

// pathChildrenURL is the children endpoint for a path relative to the drive root
func (c *Client) pathChildrenURL(p string) string {
	clean := strings.Trim(path.Clean("/"+p), "/")
	var u string
	if clean == "" {
		u = c.cfg.BaseURL + "/me/drive/root/children"
	} else {
		segments := strings.Split(clean, "/")
		for i, s := range segments {
			segments[i] = url.PathEscape(s)
		}
		u = c.cfg.BaseURL + "/me/drive/root:/" + strings.Join(segments, "/") + ":/children"
	}
	return c.withPageSize(u)
}

func (c *Client) itemChildrenURL(id string) string {
	return c.withPageSize(c.cfg.BaseURL + "/me/drive/items/" + url.PathEscape(id) + "/children")
}

func (c *Client) withPageSize(u string) string {
	return fmt.Sprintf("%s?$top=%d", u, c.cfg.PageSize)
}

// Walk visits every file below the configured root, breadth first.
// Folders are queued once by id; deleted items are ignored. A visit error other than
// ErrStopWalk aborts the walk and is returned.
func (c *Client) Walk(ctx context.Context, accessToken string, visit func(context.Context, models.RemoteFile) error) error {
	queue := []string{c.rootChildrenURL()}
	seen := make(map[string]struct{})
	pages := 0

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}

		pageURL := queue[0]
		queue = queue[1:]

		page, err := c.fetchPage(ctx, accessToken, pageURL)
		if err != nil {
			return err
		}
		pages++

		if page.NextLink != "" {
			queue = append(queue, page.NextLink)
		}

		for _, item := range page.Value {
			if item.Deleted != nil {
				continue
			}

			switch {
			case item.Folder != nil:
				if item.ID == "" {
					continue
				}
				if _, ok := seen[item.ID]; ok {
					continue
				}
				seen[item.ID] = struct{}{}
				queue = append(queue, c.itemChildrenURL(item.ID))

			case item.File != nil:
				err := visit(ctx, toRemoteFile(item))
				if errors.Is(err, ErrStopWalk) {
					c.logger.Debug().Int("pages", pages).Int("queued", len(queue)).Msg("Walk stopped by caller")
					return nil
				}
				if err != nil {
					return err
				}
			}
		}
	}

	c.logger.Debug().Int("pages", pages).Int("folders", len(seen)).Msg("Walk finished")
	return nil
}

// ListFolders returns the direct child folders of p. Pagination stops after ListFoldersPageLimit pages.
func (c *Client) ListFolders(ctx context.Context, accessToken, p string) ([]models.FolderEntry, error) {
	parent := "/" + strings.Trim(path.Clean("/"+p), "/")
	next := c.pathChildrenURL(parent)
	folders := []models.FolderEntry{}

	for pages := 0; next != ""; pages++ {
		if pages >= ListFoldersPageLimit {
			c.logger.Warn().Str("path", parent).Int("pages", pages).Msg("Folder listing truncated at page limit")
			break
		}

		page, err := c.fetchPage(ctx, accessToken, next)
		if err != nil {
			return nil, err
		}
		next = page.NextLink

		for _, item := range page.Value {
			if item.Folder == nil || item.Deleted != nil {
				continue
			}
			folders = append(folders, models.FolderEntry{
				ID:         item.ID,
				Name:       item.Name,
				Path:       path.Join(parent, item.Name),
				ChildCount: item.Folder.ChildCount,
			})
		}
	}

	return folders, nil
}

// Download streams a pre-authenticated download URL into w
func (c *Client) Download(ctx context.Context, downloadURL string, w io.Writer) (int64, error) {
	if downloadURL == "" {
		return 0, errors.New("item has no download url")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to build download request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("download failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, decodeGraphError(resp)
	}

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("download interrupted after %d bytes: %w", n, err)
	}
	if resp.ContentLength >= 0 && n != resp.ContentLength {
		return n, fmt.Errorf("download truncated: got %d of %d bytes", n, resp.ContentLength)
	}
	return n, nil
}

func (c *Client) fetchPage(ctx context.Context, accessToken, pageURL string) (*childrenPage, error) {
	ctx, span := tracing.Start(ctx, tracing.SpanDrivePage)
	defer span.End()

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build graph request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.IncGraphRequest("error")
		tracing.SetSpanError(ctx, err)
		return nil, fmt.Errorf("graph request failed: %w", err)
	}
	defer resp.Body.Close()

	tracing.AddAttributes(ctx, attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.metrics.IncGraphRequest("error")
		graphErr := decodeGraphError(resp)
		tracing.SetSpanError(ctx, graphErr)
		return nil, graphErr
	}

	var page childrenPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		c.metrics.IncGraphRequest("error")
		return nil, fmt.Errorf("failed to decode children page: %w", err)
	}
	c.metrics.IncGraphRequest("ok")
	tracing.AddAttributes(ctx, attribute.Int("drive.items", len(page.Value)))

	return &page, nil
}

func decodeGraphError(resp *http.Response) *GraphError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	graphErr := &GraphError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}

	var envelope graphErrorEnvelope
	if json.Unmarshal(body, &envelope) == nil && envelope.Error != nil {
		graphErr.Code = envelope.Error.Code
		graphErr.Message = envelope.Error.Message
	}
	return graphErr
}

func toRemoteFile(item driveItem) models.RemoteFile {
	file := models.RemoteFile{
		ItemID:          item.ID,
		FileName:        item.Name,
		DownloadURL:     item.DownloadURL,
		ETag:            item.ETag,
		SizeBytes:       item.Size,
		LastModifiedUTC: item.LastModifiedDateTime.UTC(),
	}
	if item.ParentReference != nil {
		file.ParentPath = parentPath(item.ParentReference.Path)
	}
	return file
}

// parentPath turns "/drive/root:/Pictures/2024" into "/Pictures/2024"
func parentPath(graphPath string) string {
	if i := strings.Index(graphPath, "root:"); i >= 0 {
		p := graphPath[i+len("root:"):]
		if p == "" {
			return "/"
		}
		if unescaped, err := url.PathUnescape(p); err == nil {
			return unescaped
		}
		return p
	}
	return graphPath
}

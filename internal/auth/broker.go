package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/MaxMinsk/HaMapAddon/internal/logging"
	"github.com/MaxMinsk/HaMapAddon/internal/metrics"
	"github.com/MaxMinsk/HaMapAddon/internal/tokenstore"
	"github.com/MaxMinsk/HaMapAddon/internal/tracing"
)

// expirySkew is subtracted from expires_in before a cached access token is reused
const expirySkew = 60 * time.Second

// Broker exchanges the refresh token for short-lived bearer tokens
type Broker struct {
	cfg        Config
	oauth      *oauth2.Config
	store      tokenstore.Store
	httpClient *http.Client
	metrics    *metrics.Metrics
	logger     *zerolog.Logger
	now        func() time.Time

	// refreshMu serialises exchanges. cacheMu guards the cached token and is never
	// held across a network call, so Invalidate does not wait on a refresh.
	refreshMu  sync.Mutex
	cacheMu    sync.Mutex
	cached     string
	expiresAt  time.Time
	generation uint64
}

// NewBroker creates a broker. A nil httpClient gets a 30s timeout client.
func NewBroker(cfg Config, store tokenstore.Store, httpClient *http.Client, m *metrics.Metrics) *Broker {
	return &Broker{
		cfg:        cfg,
		oauth:      cfg.oauthConfig(),
		store:      store,
		httpClient: newHTTPClient(httpClient),
		metrics:    m,
		logger:     logging.WithModule("auth"),
		now:        time.Now,
	}
}

// HasClientID reports whether a client identifier is configured
func (b *Broker) HasClientID() bool {
	return b.cfg.ClientID != ""
}

// HasRefreshToken reports whether a refresh token is available from config or the store
func (b *Broker) HasRefreshToken() bool {
	token, err := b.refreshToken()
	return err == nil && token != ""
}

// Invalidate drops the cached access token. A refresh already in flight is not cached.
func (b *Broker) Invalidate() {
	b.cacheMu.Lock()
	b.cached = ""
	b.expiresAt = time.Time{}
	b.generation++
	b.cacheMu.Unlock()
}

func (b *Broker) refreshToken() (string, error) {
	if b.cfg.RefreshToken != "" {
		return b.cfg.RefreshToken, nil
	}
	if b.store == nil {
		return "", nil
	}
	return b.store.RefreshToken()
}

// cachedToken returns the cached token when still fresh, and the current generation
func (b *Broker) cachedToken() (string, uint64) {
	b.cacheMu.Lock()
	defer b.cacheMu.Unlock()
	if b.cached != "" && b.now().Before(b.expiresAt) {
		return b.cached, b.generation
	}
	return "", b.generation
}

// GetAccessToken returns a bearer token, refreshing it when the cached one is stale.
// A rotated refresh token is persisted before the access token is handed out.
func (b *Broker) GetAccessToken(ctx context.Context) (string, error) {
	if token, _ := b.cachedToken(); token != "" {
		return token, nil
	}

	b.refreshMu.Lock()
	defer b.refreshMu.Unlock()

	token, generation := b.cachedToken()
	if token != "" {
		return token, nil
	}

	if b.cfg.ClientID == "" {
		return "", ErrNoClientID
	}

	current, err := b.refreshToken()
	if err != nil {
		return "", fmt.Errorf("failed to read refresh token: %w", err)
	}
	if current == "" {
		return "", ErrNoRefreshToken
	}

	ctx, span := tracing.Start(ctx, tracing.SpanAuthRefresh)
	defer span.End()

	issued, err := b.exchange(ctx, current)
	if err != nil {
		b.metrics.IncTokenRefresh("error")
		tracing.SetSpanError(ctx, err)
		return "", err
	}
	b.metrics.IncTokenRefresh("ok")

	b.cacheMu.Lock()
	if generation == b.generation && !issued.Expiry.IsZero() {
		if lifetime := time.Until(issued.Expiry); lifetime > expirySkew {
			b.cached = issued.AccessToken
			b.expiresAt = b.now().Add(lifetime - expirySkew)
		}
	}
	b.cacheMu.Unlock()

	return issued.AccessToken, nil
}

func (b *Broker) exchange(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	token, err := b.oauth.Exchange(withClient(ctx, b.httpClient), "",
		oauth2.SetAuthURLParam("grant_type", grantTypeRefreshToken),
		oauth2.SetAuthURLParam("refresh_token", refreshToken),
		oauth2.SetAuthURLParam("scope", b.cfg.scope()),
	)
	if err != nil {
		if rejected := providerError(err); rejected != nil {
			b.logger.Warn().
				Int("status", statusOf(rejected)).
				Str("error_code", rejected.ErrorCode).
				Msg("Token refresh rejected")
			return nil, rejected
		}
		return nil, fmt.Errorf("token refresh request failed: %w", err)
	}

	if rotated := strings.TrimSpace(token.RefreshToken); rotated != "" && rotated != refreshToken && b.store != nil {
		if err := b.store.SaveRefreshToken(rotated); err != nil {
			return nil, fmt.Errorf("failed to persist rotated refresh token: %w", err)
		}
		b.logger.Info().Msg("Refresh token rotated")
	}

	return token, nil
}

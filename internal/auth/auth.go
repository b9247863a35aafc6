// Package auth talks to the identity provider: refresh-token exchange for bearer tokens and
// the device-code login that produces the refresh token in the first place.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/MaxMinsk/HaMapAddon/internal/config"
)

const (
	DefaultAuthorityURL = "https://login.microsoftonline.com"
	DefaultTenant       = "common"
	DefaultScope        = "offline_access Files.Read"

	grantTypeRefreshToken = "refresh_token"
	grantTypeDeviceCode   = "urn:ietf:params:oauth:grant-type:device_code"
)

var (
	// ErrNoClientID is returned when no client identifier is configured
	ErrNoClientID = errors.New("onedrive client_id is not configured")
	// ErrNoRefreshToken is returned when neither config nor the token store has a refresh token
	ErrNoRefreshToken = errors.New("no refresh token available")
)

// Config identifies the application against the identity provider
type Config struct {
	ClientID     string
	ClientSecret string
	Tenant       string
	RefreshToken string
	Scope        string
	AuthorityURL string
}

// ConfigFromApp maps the onedrive config section
func ConfigFromApp(c config.OneDriveConfig) Config {
	return Config{
		ClientID:     strings.TrimSpace(c.ClientID),
		ClientSecret: c.ClientSecret,
		Tenant:       c.Tenant,
		RefreshToken: strings.TrimSpace(c.RefreshToken),
		Scope:        c.Scope,
		AuthorityURL: c.AuthorityURL,
	}
}

func (c Config) tenant() string {
	if strings.TrimSpace(c.Tenant) == "" {
		return DefaultTenant
	}
	return c.Tenant
}

func (c Config) scope() string {
	if strings.TrimSpace(c.Scope) == "" {
		return DefaultScope
	}
	return c.Scope
}

func (c Config) endpoint(name string) string {
	authority := strings.TrimRight(c.AuthorityURL, "/")
	if authority == "" {
		authority = DefaultAuthorityURL
	}
	return fmt.Sprintf("%s/%s/oauth2/v2.0/%s", authority, url.PathEscape(c.tenant()), name)
}

// TokenURL is the token endpoint for both grants
func (c Config) TokenURL() string {
	return c.endpoint("token")
}

// DeviceCodeURL is the device authorization endpoint
func (c Config) DeviceCodeURL() string {
	return c.endpoint("devicecode")
}

// oauthConfig builds the client description used for both grants. Credentials travel in
// the form body so the identity provider sees client_id and the optional client_secret.
func (c Config) oauthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		Scopes:       strings.Fields(c.scope()),
		Endpoint: oauth2.Endpoint{
			TokenURL:      c.TokenURL(),
			DeviceAuthURL: c.DeviceCodeURL(),
			AuthStyle:     oauth2.AuthStyleInParams,
		},
	}
}

func newHTTPClient(client *http.Client) *http.Client {
	if client != nil {
		return client
	}
	return &http.Client{Timeout: 30 * time.Second}
}

// withClient makes the oauth2 calls go through client
func withClient(ctx context.Context, client *http.Client) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, client)
}

// providerError returns the identity provider's rejection, nil for transport and decode failures
func providerError(err error) *oauth2.RetrieveError {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return retrieveErr
	}
	return nil
}

// isTransportError reports whether err never reached a response
func isTransportError(err error) bool {
	var urlErr *url.Error
	return errors.As(err, &urlErr) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// statusOf is the HTTP status behind a provider rejection
func statusOf(retrieveErr *oauth2.RetrieveError) int {
	if retrieveErr == nil || retrieveErr.Response == nil {
		return 0
	}
	return retrieveErr.Response.StatusCode
}

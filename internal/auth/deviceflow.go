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
	"github.com/MaxMinsk/HaMapAddon/internal/models"
	"github.com/MaxMinsk/HaMapAddon/internal/tokenstore"
)

const (
	defaultDeviceInterval  = 5
	defaultDeviceExpiresIn = 900
	slowDownIncrement      = 5
)

// DeviceFlow drives the device-code login. It never polls on its own;
// callers invoke Poll on their own schedule.
type DeviceFlow struct {
	cfg         Config
	oauth       *oauth2.Config
	store       tokenstore.Store
	httpClient  *http.Client
	logger      *zerolog.Logger
	now         func() time.Time
	onConnected func()

	mu      sync.Mutex
	session *models.DeviceAuthSession
}

// NewDeviceFlow creates an idle device flow
func NewDeviceFlow(cfg Config, store tokenstore.Store, httpClient *http.Client) *DeviceFlow {
	return &DeviceFlow{
		cfg:        cfg,
		oauth:      cfg.oauthConfig(),
		store:      store,
		httpClient: newHTTPClient(httpClient),
		logger:     logging.WithModule("device_flow"),
		now:        time.Now,
	}
}

// OnConnected registers a callback run whenever the stored refresh token changes
func (f *DeviceFlow) OnConnected(fn func()) {
	f.onConnected = fn
}

// Start requests a new device/user code pair. A pending session is discarded.
func (f *DeviceFlow) Start(ctx context.Context) models.DeviceFlowResult {
	if f.cfg.ClientID == "" {
		return models.DeviceFlowResult{Result: models.Fail(models.StatusInvalidConfig, ErrNoClientID.Error())}
	}

	issued, err := f.oauth.DeviceAuth(withClient(ctx, f.httpClient))
	if err != nil {
		if rejected := providerError(err); rejected != nil {
			f.logger.Warn().Int("status", statusOf(rejected)).Str("error_code", rejected.ErrorCode).Msg("Device code request rejected")
			return models.DeviceFlowResult{Result: models.Fail(models.StatusRequestFailed, rejected.Error())}
		}
		if isTransportError(err) {
			f.logger.Warn().Err(err).Msg("Device code request failed")
			return models.DeviceFlowResult{Result: models.Fail(models.StatusRequestFailed, fmt.Sprintf("device code request failed: %v", err))}
		}
		return models.DeviceFlowResult{Result: models.Fail(models.StatusInvalidResponse, "device code response is not valid JSON")}
	}
	if issued.DeviceCode == "" || issued.UserCode == "" || issued.VerificationURI == "" {
		return models.DeviceFlowResult{Result: models.Fail(models.StatusInvalidResponse, "device code response is missing required fields")}
	}

	interval := int(issued.Interval)
	if interval <= 0 {
		interval = defaultDeviceInterval
	}
	lifetime := time.Duration(defaultDeviceExpiresIn) * time.Second
	if !issued.Expiry.IsZero() {
		if remaining := time.Until(issued.Expiry); remaining > 0 {
			lifetime = remaining
		}
	}

	now := f.now().UTC()
	session := &models.DeviceAuthSession{
		DeviceCode:      issued.DeviceCode,
		UserCode:        issued.UserCode,
		VerificationURI: issued.VerificationURI,
		ExpiresAtUTC:    now.Add(lifetime),
		IntervalSeconds: interval,
		CreatedAtUTC:    now,
	}

	f.mu.Lock()
	if f.session != nil {
		f.logger.Info().Msg("Discarding pending device login session")
	}
	f.session = session
	f.mu.Unlock()

	f.logger.Info().Time("expires_at", session.ExpiresAtUTC).Msg("Device login started")

	message := fmt.Sprintf("Open %s and enter code %s", session.VerificationURI, session.UserCode)
	return sessionResult(models.Ok(models.StatusAwaitingUser, message), session)
}

// Poll exchanges the device code for tokens once
func (f *DeviceFlow) Poll(ctx context.Context) models.DeviceFlowResult {
	f.mu.Lock()
	session := f.session
	if session == nil {
		f.mu.Unlock()
		return models.DeviceFlowResult{Result: models.Fail(models.StatusNoSession, "no device login in progress")}
	}
	if session.Expired(f.now()) {
		f.session = nil
		f.mu.Unlock()
		return models.DeviceFlowResult{Result: models.Fail(models.StatusExpired, "device code expired, start again")}
	}
	snapshot := *session
	f.mu.Unlock()

	token, err := f.oauth.Exchange(withClient(ctx, f.httpClient), "",
		oauth2.SetAuthURLParam("grant_type", grantTypeDeviceCode),
		oauth2.SetAuthURLParam("device_code", snapshot.DeviceCode),
	)
	if err != nil {
		if rejected := providerError(err); rejected != nil {
			if rejected.ErrorCode == "" {
				return sessionResult(models.Fail(models.StatusRequestFailed, rejected.Error()), &snapshot)
			}
			return f.handlePollError(&snapshot, rejected.ErrorCode, rejected.ErrorDescription)
		}
		if isTransportError(err) {
			return sessionResult(models.Fail(models.StatusRequestFailed, fmt.Sprintf("token request failed: %v", err)), &snapshot)
		}
		return sessionResult(models.Fail(models.StatusInvalidResponse, fmt.Sprintf("unusable token response: %v", err)), &snapshot)
	}

	refresh := strings.TrimSpace(token.RefreshToken)
	if refresh == "" {
		return sessionResult(models.Fail(models.StatusInvalidResponse, "token response did not contain a refresh_token"), &snapshot)
	}
	if err := f.store.SaveRefreshToken(refresh); err != nil {
		f.logger.Error().Err(err).Msg("Failed to persist refresh token")
		return sessionResult(models.Fail(models.StatusException, "failed to store refresh token"), &snapshot)
	}

	f.clearIfCurrent(snapshot.DeviceCode)
	if f.onConnected != nil {
		f.onConnected()
	}
	f.logger.Info().Msg("Device login completed")

	return models.DeviceFlowResult{Result: models.Ok(models.StatusConnected, "drive access granted")}
}

// Disconnect forgets the stored refresh token and any pending login
func (f *DeviceFlow) Disconnect() models.DeviceFlowResult {
	f.mu.Lock()
	f.session = nil
	f.mu.Unlock()

	if f.store != nil {
		if err := f.store.Clear(); err != nil {
			f.logger.Error().Err(err).Msg("Failed to clear credential")
			return models.DeviceFlowResult{Result: models.Fail(models.StatusException, "failed to clear credential")}
		}
	}
	if f.onConnected != nil {
		f.onConnected()
	}
	f.logger.Info().Msg("Drive credential cleared")

	if f.cfg.RefreshToken != "" {
		return models.DeviceFlowResult{Result: models.Ok(models.StatusConnected, "stored credential cleared, the configured refresh token is still in use")}
	}
	return models.DeviceFlowResult{Result: models.Ok(models.StatusIdle, "drive credential cleared")}
}

func (f *DeviceFlow) handlePollError(snapshot *models.DeviceAuthSession, code, description string) models.DeviceFlowResult {
	switch code {
	case "authorization_pending":
		return sessionResult(models.Ok(models.StatusPending, "waiting for the user to enter the code"), snapshot)
	case "slow_down":
		f.mu.Lock()
		if f.session != nil && f.session.DeviceCode == snapshot.DeviceCode {
			f.session.IntervalSeconds += slowDownIncrement
			snapshot.IntervalSeconds = f.session.IntervalSeconds
		}
		f.mu.Unlock()
		return sessionResult(models.Ok(models.StatusPending, "polling too fast, slowing down"), snapshot)
	case "expired_token":
		f.clearIfCurrent(snapshot.DeviceCode)
		return models.DeviceFlowResult{Result: models.Fail(models.StatusExpired, "device code expired, start again")}
	}

	f.clearIfCurrent(snapshot.DeviceCode)
	status := models.StatusAuthError
	if code == "authorization_declined" || code == "access_denied" {
		status = models.StatusDenied
	}
	message := description
	if message == "" {
		message = code
	}
	f.logger.Warn().Str("error_code", code).Msg("Device login failed")
	return models.DeviceFlowResult{Result: models.Fail(status, message)}
}

// GetStatus reports the flow state without network calls
func (f *DeviceFlow) GetStatus() models.DeviceFlowResult {
	f.mu.Lock()
	if f.session != nil && f.session.Expired(f.now()) {
		f.session = nil
	}
	var snapshot *models.DeviceAuthSession
	if f.session != nil {
		copied := *f.session
		snapshot = &copied
	}
	f.mu.Unlock()

	if snapshot != nil {
		return sessionResult(models.Ok(models.StatusAwaitingUser, "waiting for the user to enter the code"), snapshot)
	}

	connected := f.cfg.RefreshToken != ""
	if !connected && f.store != nil {
		token, err := f.store.RefreshToken()
		if err != nil {
			return models.DeviceFlowResult{Result: models.Fail(models.StatusException, "failed to read credential")}
		}
		connected = token != ""
	}
	if connected {
		return models.DeviceFlowResult{Result: models.Ok(models.StatusConnected, "drive access configured")}
	}
	return models.DeviceFlowResult{Result: models.Ok(models.StatusIdle, "no drive credential, start a device login")}
}

func (f *DeviceFlow) clearIfCurrent(deviceCode string) {
	f.mu.Lock()
	if f.session != nil && f.session.DeviceCode == deviceCode {
		f.session = nil
	}
	f.mu.Unlock()
}

func sessionResult(result models.Result, session *models.DeviceAuthSession) models.DeviceFlowResult {
	expires := session.ExpiresAtUTC
	return models.DeviceFlowResult{
		Result:          result,
		UserCode:        session.UserCode,
		VerificationURI: session.VerificationURI,
		ExpiresAtUTC:    &expires,
		IntervalSeconds: session.IntervalSeconds,
	}
}

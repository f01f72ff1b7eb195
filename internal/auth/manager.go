// Package auth owns the access/refresh token lifecycle. Refresh is
// single-flight: concurrent callers observing an expired token share one
// refresh request, because racing refreshes can invalidate the refresh
// token on the relay side. Login and refresh talk to the relay directly
// over plain HTTP rather than through the transport client, which would
// otherwise recurse into refresh on its own 401 handling.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"github.com/syncflowapp/syncflow-go/internal/errs"
	"github.com/syncflowapp/syncflow-go/internal/store"
)

const authTimeout = 30 * time.Second

type loginRequest struct {
	Email      string `json:"email"`
	Password   string `json:"password"`
	DeviceName string `json:"device_name"`
}

type loginResponse struct {
	UserID       string `json:"user_id"`
	DeviceID     string `json:"device_id"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// statusError is a non-2xx auth endpoint response.
type statusError struct {
	endpoint string
	status   int
	body     string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%s returned status %d: %s", e.endpoint, e.status, e.body)
}

// refreshRejected reports whether the relay explicitly refused the
// refresh token, as opposed to being unreachable or broken.
func refreshRejected(err error) bool {
	var se *statusError
	if !errors.As(err, &se) {
		return false
	}

	return se.status == http.StatusUnauthorized || se.status == http.StatusForbidden
}

type refreshResponse struct {
	AccessToken string `json:"access_token"`
}

// Manager is the token lifecycle manager. All token reads and writes go
// through it so readers never observe a stale token after a refresh
// completes.
type Manager struct {
	httpClient *http.Client
	baseURL    string
	deviceName string
	store      *store.Store
	logger     *slog.Logger

	mu      sync.RWMutex
	session *store.Session

	refreshGroup singleflight.Group
}

// NewManager creates a token manager backed by the given store. The
// stored session, if any, is loaded eagerly so AccessToken works before
// the first network call.
func NewManager(baseURL, deviceName string, st *store.Store, logger *slog.Logger) (*Manager, error) {
	sess, err := st.Session()
	if err != nil {
		return nil, err
	}

	return &Manager{
		httpClient: &http.Client{Timeout: authTimeout},
		baseURL:    baseURL,
		deviceName: deviceName,
		store:      st,
		logger:     logger,
		session:    sess,
	}, nil
}

// Authenticate logs in with account credentials and persists the
// resulting session. Exactly one session is active per client instance;
// a prior session is overwritten.
func (m *Manager) Authenticate(ctx context.Context, email, password string) (*store.Session, error) {
	var resp loginResponse
	err := m.post(ctx, "/v1/auth/login", loginRequest{
		Email:      email,
		Password:   password,
		DeviceName: m.deviceName,
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("authenticating: %w", err)
	}

	sess := store.Session{
		UserID:       resp.UserID,
		DeviceID:     resp.DeviceID,
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
	}

	if err := m.store.SetSession(sess); err != nil {
		return nil, fmt.Errorf("persisting session: %w", err)
	}

	m.mu.Lock()
	m.session = &sess
	m.mu.Unlock()

	m.logger.Info("authenticated",
		slog.String("user_id", sess.UserID),
		slog.String("device_id", sess.DeviceID),
	)

	return &sess, nil
}

// Refresh exchanges the refresh token for a new access token. Concurrent
// callers are collapsed into a single request; every waiter receives the
// same result. The new token is persisted before being returned.
func (m *Manager) Refresh(ctx context.Context) (string, error) {
	v, err, _ := m.refreshGroup.Do("refresh", func() (any, error) {
		return m.doRefresh(ctx)
	})
	if err != nil {
		return "", err
	}

	return v.(string), nil
}

func (m *Manager) doRefresh(ctx context.Context) (string, error) {
	m.mu.RLock()
	sess := m.session
	m.mu.RUnlock()

	if sess == nil || sess.RefreshToken == "" {
		return "", errs.ErrAuthRequired
	}

	var resp refreshResponse
	err := m.post(ctx, "/v1/auth/refresh", refreshRequest{RefreshToken: sess.RefreshToken}, &resp)
	if err != nil {
		// Only an explicit rejection of the refresh token forces the
		// re-login flow. Network failures and relay 5xx are transient;
		// the caller retries on its own schedule.
		if refreshRejected(err) {
			m.logger.Warn("token refresh rejected", slog.String("error", err.Error()))
			return "", fmt.Errorf("%w: %s", errs.ErrAuthRequired, err)
		}

		m.logger.Warn("token refresh failed", slog.String("error", err.Error()))

		return "", fmt.Errorf("refreshing token: %w", err)
	}

	// Persist before returning so a crash between refresh and next use
	// cannot leave the stored token behind the relay's view.
	if err := m.store.UpdateAccessToken(resp.AccessToken); err != nil {
		return "", fmt.Errorf("persisting refreshed token: %w", err)
	}

	m.mu.Lock()
	if m.session != nil {
		m.session.AccessToken = resp.AccessToken
	}
	m.mu.Unlock()

	m.logger.Debug("access token refreshed")

	return resp.AccessToken, nil
}

// AccessToken returns the current access token, or empty string when no
// session exists.
func (m *Manager) AccessToken() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.session == nil {
		return ""
	}

	return m.session.AccessToken
}

// Session returns a copy of the current session, or nil.
func (m *Manager) Session() *store.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.session == nil {
		return nil
	}

	sess := *m.session

	return &sess
}

// DeviceID returns the current device id, or empty string.
func (m *Manager) DeviceID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.session == nil {
		return ""
	}

	return m.session.DeviceID
}

// TokenExpiringSoon reports whether the access token's exp claim falls
// within the given leeway. The claim is read without signature
// verification; only the relay verifies tokens, the client just wants to
// refresh ahead of a guaranteed 401. Opaque tokens report false and rely
// on the 401-retry path instead.
func (m *Manager) TokenExpiringSoon(leeway time.Duration) bool {
	token := m.AccessToken()
	if token == "" {
		return false
	}

	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return false
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}

	return time.Until(exp.Time) < leeway
}

// Logout invalidates the session on the relay (best effort) and wipes
// local credentials.
func (m *Manager) Logout(ctx context.Context) error {
	m.mu.RLock()
	sess := m.session
	m.mu.RUnlock()

	if sess == nil {
		return errs.ErrNoSession
	}

	if err := m.post(ctx, "/v1/auth/logout", refreshRequest{RefreshToken: sess.RefreshToken}, nil); err != nil {
		m.logger.Warn("remote logout failed", slog.String("error", err.Error()))
	}

	return m.ClearSession()
}

// ClearSession wipes local credentials without contacting the relay.
// Called directly when the relay reports this device was removed.
func (m *Manager) ClearSession() error {
	if err := m.store.ClearSession(); err != nil {
		return fmt.Errorf("clearing session: %w", err)
	}

	m.mu.Lock()
	m.session = nil
	m.mu.Unlock()

	return nil
}

// post sends a JSON POST request and decodes the response into result.
func (m *Manager) post(ctx context.Context, endpoint string, body, result any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshalling request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request to %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response from %s: %w", endpoint, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &statusError{endpoint: endpoint, status: resp.StatusCode, body: string(respBody)}
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decoding response from %s: %w", endpoint, err)
		}
	}

	return nil
}

package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/areahq/area-pipeline/internal/domain/credential"
	"github.com/areahq/area-pipeline/internal/logger"
)

// RefreshBuffer is how long before expiry a token is considered stale and
// refreshed proactively.
const RefreshBuffer = 5 * time.Minute

// Metrics defines the counters the manager reports.
type Metrics interface {
	IncTokenRefreshSuccess(ctx context.Context, provider string)
	IncTokenRefreshFailure(ctx context.Context, provider string)
}

// Cipher is the subset of the token cipher the manager needs.
type Cipher interface {
	Encrypt(ctx context.Context, plaintext string) (string, error)
	Decrypt(ctx context.Context, ciphertext string) (string, error)
}

// SessionTokens maintains the TTL-backed token lookup keys alongside
// credential updates. Rotation is delete-then-put; stale mappings expire on
// their own.
type SessionTokens interface {
	RotateAccessToken(ctx context.Context, token, userID string, ttl time.Duration) error
	RotateRefreshToken(ctx context.Context, userID, token string, ttl time.Duration) error
}

// Lookup lifetimes for session token mappings. Access token mappings follow
// the provider's expires_in when it is usable; refresh token mappings get a
// fixed generous window since providers do not report their lifetime.
const (
	defaultAccessTokenTTL = time.Hour
	refreshLookupTTL      = 30 * 24 * time.Hour
)

// ClientCredentials carries the OAuth client identity for one provider.
type ClientCredentials struct {
	ClientID     string
	ClientSecret string
}

// Manager refreshes expiring access tokens. Refresh attempts for the same
// user and provider are serialized so concurrent callers cannot race the
// provider's single-use refresh tokens.
type Manager struct {
	store    credential.Store
	cipher   Cipher
	client   *http.Client
	sessions SessionTokens
	logger   *logger.Logger
	metrics  Metrics

	clients map[string]ClientCredentials

	// endpointOverrides points providers at test servers.
	endpointOverrides map[string]string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) { m.client = c }
}

// WithEndpointOverride points a provider's token endpoint somewhere else.
func WithEndpointOverride(provider, endpoint string) Option {
	return func(m *Manager) { m.endpointOverrides[strings.ToLower(provider)] = endpoint }
}

// WithSessionTokens enables maintenance of the session token lookup keys on
// every successful refresh.
func WithSessionTokens(s SessionTokens) Option {
	return func(m *Manager) { m.sessions = s }
}

// NewManager creates a token refresh manager.
func NewManager(
	store credential.Store,
	cipher Cipher,
	clients map[string]ClientCredentials,
	log *logger.Logger,
	metrics Metrics,
	opts ...Option,
) (*Manager, error) {
	if metrics == nil {
		return nil, fmt.Errorf("metrics are required for oauth manager")
	}

	m := &Manager{
		store:             store,
		cipher:            cipher,
		client:            &http.Client{Timeout: 30 * time.Second},
		logger:            log.With("component", "oauth_manager"),
		metrics:           metrics,
		clients:           clients,
		endpointOverrides: make(map[string]string),
		locks:             make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func (m *Manager) lockFor(userID, provider string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := userID + "/" + provider
	lock, ok := m.locks[key]
	if !ok {
		lock = new(sync.Mutex)
		m.locks[key] = lock
	}
	return lock
}

// NeedsRefresh reports whether the credential's access token is expired or
// expires within the refresh buffer. Credentials without a recorded expiry
// never need a proactive refresh.
func (m *Manager) NeedsRefresh(cred *credential.ServiceCredential) bool {
	if cred.ExpiresAt == nil {
		return false
	}
	return time.Until(*cred.ExpiresAt) < RefreshBuffer
}

// Refresh performs the refresh-token grant for the credential and persists
// the rotated token material. It reports whether the credential now holds a
// fresh access token; every failure path returns false without partial
// writes.
func (m *Manager) Refresh(ctx context.Context, cred *credential.ServiceCredential) bool {
	lock := m.lockFor(cred.UserID, cred.Provider)
	lock.Lock()
	defer lock.Unlock()

	if cred.Revoked() {
		m.logger.Warn(ctx, "refusing to refresh revoked credential",
			"user_id", cred.UserID, "provider", cred.Provider)
		return false
	}
	if strings.TrimSpace(cred.RefreshTokenEnc) == "" {
		m.logger.Warn(ctx, "credential has no refresh token",
			"user_id", cred.UserID, "provider", cred.Provider)
		m.metrics.IncTokenRefreshFailure(ctx, cred.Provider)
		return false
	}

	provider, ok := LookupProvider(cred.Provider)
	if !ok {
		m.logger.Error(ctx, "unknown provider", "provider", cred.Provider)
		m.metrics.IncTokenRefreshFailure(ctx, cred.Provider)
		return false
	}
	clientCreds, ok := m.clients[provider.Name]
	if !ok {
		m.logger.Error(ctx, "no client credentials configured", "provider", cred.Provider)
		m.metrics.IncTokenRefreshFailure(ctx, cred.Provider)
		return false
	}

	refreshToken, err := m.cipher.Decrypt(ctx, cred.RefreshTokenEnc)
	if err != nil {
		m.logger.Error(ctx, "failed to decrypt refresh token",
			"user_id", cred.UserID, "provider", cred.Provider, "error", err)
		m.metrics.IncTokenRefreshFailure(ctx, cred.Provider)
		return false
	}

	resp, err := m.requestRefresh(ctx, provider, clientCreds, refreshToken)
	if err != nil {
		m.logger.Error(ctx, "token refresh request failed",
			"user_id", cred.UserID, "provider", cred.Provider, "error", err)
		m.metrics.IncTokenRefreshFailure(ctx, cred.Provider)
		return false
	}

	if err := m.applyResponse(ctx, cred, resp); err != nil {
		m.logger.Error(ctx, "failed to apply refreshed tokens",
			"user_id", cred.UserID, "provider", cred.Provider, "error", err)
		m.metrics.IncTokenRefreshFailure(ctx, cred.Provider)
		return false
	}

	m.metrics.IncTokenRefreshSuccess(ctx, cred.Provider)
	m.logger.Info(ctx, "refreshed access token",
		"user_id", cred.UserID, "provider", cred.Provider, "token_version", cred.TokenVersion)
	return true
}

// tokenResponse models the token endpoint reply. ExpiresIn arrives as a JSON
// number from most providers but as a numeric string from some.
type tokenResponse struct {
	AccessToken  string          `json:"access_token"`
	RefreshToken string          `json:"refresh_token"`
	ExpiresIn    json.RawMessage `json:"expires_in"`
}

// expiresIn returns the parsed lifetime and whether it was usable.
func (r tokenResponse) expiresIn() (time.Duration, bool) {
	if len(r.ExpiresIn) == 0 {
		return 0, false
	}

	var n int64
	if err := json.Unmarshal(r.ExpiresIn, &n); err == nil {
		return time.Duration(n) * time.Second, true
	}
	var s string
	if err := json.Unmarshal(r.ExpiresIn, &s); err == nil {
		if n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			return time.Duration(n) * time.Second, true
		}
	}
	return 0, false
}

func (m *Manager) endpoint(p Provider) string {
	if override, ok := m.endpointOverrides[p.Name]; ok {
		return override
	}
	return p.TokenEndpoint
}

func (m *Manager) requestRefresh(
	ctx context.Context,
	p Provider,
	clientCreds ClientCredentials,
	refreshToken string,
) (*tokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	if p.AuthStyle == AuthStyleBody {
		form.Set("client_id", clientCreds.ClientID)
		form.Set("client_secret", clientCreds.ClientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint(p), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("building token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if p.AuthStyle == AuthStyleBasic {
		req.SetBasicAuth(clientCreds.ClientID, clientCreds.ClientSecret)
	}

	httpResp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling token endpoint: %w", err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading token response: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token endpoint returned %d", httpResp.StatusCode)
	}

	var resp tokenResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decoding token response: %w", err)
	}
	if strings.TrimSpace(resp.AccessToken) == "" {
		return nil, fmt.Errorf("token response missing access_token")
	}
	return &resp, nil
}

// applyResponse encrypts and persists the rotated tokens. The refresh token
// is only replaced when the provider sent a new one; an unparsable expires_in
// leaves the recorded expiry unchanged.
func (m *Manager) applyResponse(ctx context.Context, cred *credential.ServiceCredential, resp *tokenResponse) error {
	accessEnc, err := m.cipher.Encrypt(ctx, resp.AccessToken)
	if err != nil {
		return fmt.Errorf("encrypting access token: %w", err)
	}
	cred.AccessTokenEnc = accessEnc

	if strings.TrimSpace(resp.RefreshToken) != "" {
		refreshEnc, err := m.cipher.Encrypt(ctx, resp.RefreshToken)
		if err != nil {
			return fmt.Errorf("encrypting refresh token: %w", err)
		}
		cred.RefreshTokenEnc = refreshEnc
	}

	if lifetime, ok := resp.expiresIn(); ok {
		expiresAt := time.Now().UTC().Add(lifetime)
		cred.ExpiresAt = &expiresAt
	}

	cred.TokenVersion++
	cred.UpdatedAt = time.Now().UTC()

	if err := m.store.Save(ctx, cred); err != nil {
		return fmt.Errorf("saving credential: %w", err)
	}

	m.maintainSessionLookups(ctx, cred, resp)
	return nil
}

// maintainSessionLookups rotates the session token mappings after a
// successful refresh. The credential is already saved at this point, so a
// lookup failure is logged rather than failing the refresh; the stale mapping
// expires on its own TTL.
func (m *Manager) maintainSessionLookups(ctx context.Context, cred *credential.ServiceCredential, resp *tokenResponse) {
	if m.sessions == nil {
		return
	}

	accessTTL := defaultAccessTokenTTL
	if lifetime, ok := resp.expiresIn(); ok {
		accessTTL = lifetime
	}
	if err := m.sessions.RotateAccessToken(ctx, resp.AccessToken, cred.UserID, accessTTL); err != nil {
		m.logger.Warn(ctx, "failed to rotate access token lookup",
			"user_id", cred.UserID, "provider", cred.Provider, "error", err)
	}

	if strings.TrimSpace(resp.RefreshToken) != "" {
		if err := m.sessions.RotateRefreshToken(ctx, cred.UserID, resp.RefreshToken, refreshLookupTTL); err != nil {
			m.logger.Warn(ctx, "failed to rotate refresh token lookup",
				"user_id", cred.UserID, "provider", cred.Provider, "error", err)
		}
	}
}

// AccessToken returns a decrypted access token for the user and provider,
// refreshing it first when it is stale. Callers must not retain the returned
// plaintext beyond the request that needs it.
func (m *Manager) AccessToken(ctx context.Context, userID, provider string) (string, error) {
	cred, err := m.store.GetByUserProvider(ctx, userID, provider)
	if err != nil {
		return "", err
	}
	if cred.Revoked() {
		return "", credential.ErrRevoked
	}

	if m.NeedsRefresh(cred) && !m.Refresh(ctx, cred) {
		return "", fmt.Errorf("access token for %s/%s is stale and refresh failed", userID, provider)
	}

	token, err := m.cipher.Decrypt(ctx, cred.AccessTokenEnc)
	if err != nil {
		return "", fmt.Errorf("decrypting access token: %w", err)
	}
	return token, nil
}

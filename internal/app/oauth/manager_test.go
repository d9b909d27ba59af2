package oauth

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/areahq/area-pipeline/internal/domain/credential"
	credmemory "github.com/areahq/area-pipeline/internal/infra/storage/credential/memory"
	"github.com/areahq/area-pipeline/internal/logger"
)

type fakeCipher struct{}

func (fakeCipher) Encrypt(_ context.Context, plaintext string) (string, error) {
	return "enc:" + plaintext, nil
}

func (fakeCipher) Decrypt(_ context.Context, ciphertext string) (string, error) {
	return strings.TrimPrefix(ciphertext, "enc:"), nil
}

type refreshMetricsStub struct {
	successes, failures atomic.Int64
}

func (m *refreshMetricsStub) IncTokenRefreshSuccess(context.Context, string) {
	m.successes.Add(1)
}

func (m *refreshMetricsStub) IncTokenRefreshFailure(context.Context, string) {
	m.failures.Add(1)
}

func testLogger() *logger.Logger {
	return logger.New(io.Discard, logger.LevelError, "test", nil)
}

func newTestManager(t *testing.T, opts ...Option) (*Manager, *credmemory.Store, *refreshMetricsStub) {
	t.Helper()

	store := credmemory.NewStore()
	metrics := new(refreshMetricsStub)
	clients := map[string]ClientCredentials{
		"google":  {ClientID: "google-client", ClientSecret: "google-secret"},
		"spotify": {ClientID: "spotify-client", ClientSecret: "spotify-secret"},
	}

	m, err := NewManager(store, fakeCipher{}, clients, testLogger(), metrics, opts...)
	require.NoError(t, err)
	return m, store, metrics
}

func seedCredential(t *testing.T, store *credmemory.Store, provider string, expiresAt *time.Time) *credential.ServiceCredential {
	t.Helper()

	cred := &credential.ServiceCredential{
		UserID:          "user-1",
		Provider:        provider,
		AccessTokenEnc:  "enc:old-access",
		RefreshTokenEnc: "enc:old-refresh",
		ExpiresAt:       expiresAt,
		TokenVersion:    3,
	}
	require.NoError(t, store.Save(context.Background(), cred))
	return cred
}

func timePtr(t time.Time) *time.Time { return &t }

func TestNeedsRefresh(t *testing.T) {
	t.Parallel()

	m, _, _ := newTestManager(t)

	tests := []struct {
		name      string
		expiresAt *time.Time
		want      bool
	}{
		{name: "no expiry recorded", expiresAt: nil, want: false},
		{name: "already expired", expiresAt: timePtr(time.Now().Add(-time.Minute)), want: true},
		{name: "inside buffer", expiresAt: timePtr(time.Now().Add(4*time.Minute + 59*time.Second)), want: true},
		{name: "outside buffer", expiresAt: timePtr(time.Now().Add(5*time.Minute + time.Second)), want: false},
		{name: "far future", expiresAt: timePtr(time.Now().Add(24 * time.Hour)), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cred := &credential.ServiceCredential{ExpiresAt: tt.expiresAt}
			assert.Equal(t, tt.want, m.NeedsRefresh(cred))
		})
	}
}

func TestRefreshWithoutRefreshTokenMakesNoCall(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	m, store, metrics := newTestManager(t, WithEndpointOverride("google", srv.URL))
	cred := seedCredential(t, store, "google", nil)
	cred.RefreshTokenEnc = ""

	assert.False(t, m.Refresh(context.Background(), cred))
	assert.Zero(t, calls.Load())
	assert.Equal(t, int64(1), metrics.failures.Load())
}

func TestRefreshSuccessRotatesTokens(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		assert.Equal(t, "old-refresh", r.PostForm.Get("refresh_token"))
		assert.Equal(t, "google-client", r.PostForm.Get("client_id"))
		assert.Equal(t, "google-secret", r.PostForm.Get("client_secret"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"new-access","refresh_token":"new-refresh","expires_in":3600}`))
	}))
	defer srv.Close()

	m, store, metrics := newTestManager(t, WithEndpointOverride("google", srv.URL))
	cred := seedCredential(t, store, "google", timePtr(time.Now().Add(time.Minute)))

	require.True(t, m.Refresh(context.Background(), cred))

	assert.Equal(t, "enc:new-access", cred.AccessTokenEnc)
	assert.Equal(t, "enc:new-refresh", cred.RefreshTokenEnc)
	assert.Equal(t, int64(4), cred.TokenVersion)
	require.NotNil(t, cred.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(time.Hour), *cred.ExpiresAt, 10*time.Second)
	assert.Equal(t, int64(1), metrics.successes.Load())

	saved, err := store.GetByUserProvider(context.Background(), "user-1", "google")
	require.NoError(t, err)
	assert.Equal(t, "enc:new-access", saved.AccessTokenEnc)
}

type sessionCall struct {
	key, value string
	ttl        time.Duration
}

type sessionTokensStub struct {
	accessCalls, refreshCalls []sessionCall
}

func (s *sessionTokensStub) RotateAccessToken(_ context.Context, token, userID string, ttl time.Duration) error {
	s.accessCalls = append(s.accessCalls, sessionCall{key: token, value: userID, ttl: ttl})
	return nil
}

func (s *sessionTokensStub) RotateRefreshToken(_ context.Context, userID, token string, ttl time.Duration) error {
	s.refreshCalls = append(s.refreshCalls, sessionCall{key: userID, value: token, ttl: ttl})
	return nil
}

func TestRefreshMaintainsSessionLookups(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"new-access","refresh_token":"new-refresh","expires_in":3600}`))
	}))
	defer srv.Close()

	sessions := new(sessionTokensStub)
	m, store, _ := newTestManager(t,
		WithEndpointOverride("google", srv.URL),
		WithSessionTokens(sessions),
	)
	cred := seedCredential(t, store, "google", timePtr(time.Now().Add(time.Minute)))

	require.True(t, m.Refresh(context.Background(), cred))

	require.Len(t, sessions.accessCalls, 1)
	assert.Equal(t, "new-access", sessions.accessCalls[0].key)
	assert.Equal(t, "user-1", sessions.accessCalls[0].value)
	assert.Equal(t, time.Hour, sessions.accessCalls[0].ttl)

	require.Len(t, sessions.refreshCalls, 1)
	assert.Equal(t, "user-1", sessions.refreshCalls[0].key)
	assert.Equal(t, "new-refresh", sessions.refreshCalls[0].value)
}

func TestRefreshWithoutNewRefreshTokenKeepsLookup(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"new-access","expires_in":3600}`))
	}))
	defer srv.Close()

	sessions := new(sessionTokensStub)
	m, store, _ := newTestManager(t,
		WithEndpointOverride("google", srv.URL),
		WithSessionTokens(sessions),
	)
	cred := seedCredential(t, store, "google", timePtr(time.Now().Add(time.Minute)))

	require.True(t, m.Refresh(context.Background(), cred))

	require.Len(t, sessions.accessCalls, 1)
	assert.Empty(t, sessions.refreshCalls)
}

func TestRefreshKeepsOldRefreshTokenWhenAbsent(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"new-access","expires_in":3600}`))
	}))
	defer srv.Close()

	m, store, _ := newTestManager(t, WithEndpointOverride("google", srv.URL))
	cred := seedCredential(t, store, "google", nil)

	require.True(t, m.Refresh(context.Background(), cred))
	assert.Equal(t, "enc:old-refresh", cred.RefreshTokenEnc)
}

func TestRefreshExpiresInVariants(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		body       string
		wantUpdate bool
	}{
		{name: "numeric", body: `{"access_token":"a","expires_in":1800}`, wantUpdate: true},
		{name: "numeric string", body: `{"access_token":"a","expires_in":"1800"}`, wantUpdate: true},
		{name: "unparsable string", body: `{"access_token":"a","expires_in":"soon"}`, wantUpdate: false},
		{name: "absent", body: `{"access_token":"a"}`, wantUpdate: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			m, store, _ := newTestManager(t, WithEndpointOverride("google", srv.URL))
			original := time.Now().Add(time.Minute).UTC()
			cred := seedCredential(t, store, "google", timePtr(original))

			require.True(t, m.Refresh(context.Background(), cred))

			require.NotNil(t, cred.ExpiresAt)
			if tt.wantUpdate {
				assert.WithinDuration(t, time.Now().Add(30*time.Minute), *cred.ExpiresAt, 10*time.Second)
			} else {
				assert.Equal(t, original, *cred.ExpiresAt)
			}
		})
	}
}

func TestRefreshSpotifyUsesBasicAuth(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "spotify-client", user)
		assert.Equal(t, "spotify-secret", pass)

		require.NoError(t, r.ParseForm())
		assert.Empty(t, r.PostForm.Get("client_id"), "basic auth providers must not repeat credentials in the body")

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"new-access","expires_in":3600}`))
	}))
	defer srv.Close()

	m, store, _ := newTestManager(t, WithEndpointOverride("spotify", srv.URL))
	cred := seedCredential(t, store, "spotify", nil)

	assert.True(t, m.Refresh(context.Background(), cred))
}

func TestRefreshFailurePaths(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "endpoint error status",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
			},
		},
		{
			name: "missing access token",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{"expires_in":3600}`))
			},
		},
		{
			name: "garbage body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte("not json"))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			m, store, metrics := newTestManager(t, WithEndpointOverride("google", srv.URL))
			cred := seedCredential(t, store, "google", nil)

			assert.False(t, m.Refresh(context.Background(), cred))
			assert.Equal(t, "enc:old-access", cred.AccessTokenEnc, "failed refresh must not touch stored tokens")
			assert.Equal(t, int64(3), cred.TokenVersion)
			assert.Equal(t, int64(1), metrics.failures.Load())
		})
	}
}

func TestRefreshRevokedCredential(t *testing.T) {
	t.Parallel()

	m, store, _ := newTestManager(t)
	cred := seedCredential(t, store, "google", nil)
	cred.Revoke()

	assert.False(t, m.Refresh(context.Background(), cred))
}

func TestAccessTokenRefreshesStaleCredential(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"access_token":"fresh-access","expires_in":3600}`))
	}))
	defer srv.Close()

	m, store, _ := newTestManager(t, WithEndpointOverride("google", srv.URL))
	seedCredential(t, store, "google", timePtr(time.Now().Add(time.Minute)))

	token, err := m.AccessToken(context.Background(), "user-1", "google")
	require.NoError(t, err)
	assert.Equal(t, "fresh-access", token)
}

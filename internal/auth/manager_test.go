package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAuthenticator struct {
	refreshCalls atomic.Int32
	loginCalls   atomic.Int32
	refreshDelay time.Duration
	refreshErr   error
	loginErr     error
	issued       Token
}

func (f *fakeAuthenticator) Login(ctx context.Context, email, password string) (Token, error) {
	f.loginCalls.Add(1)
	if f.loginErr != nil {
		return Token{}, f.loginErr
	}
	return f.issued, nil
}

func (f *fakeAuthenticator) Refresh(ctx context.Context, refreshToken string) (Token, error) {
	f.refreshCalls.Add(1)
	if f.refreshDelay > 0 {
		time.Sleep(f.refreshDelay)
	}
	if f.refreshErr != nil {
		return Token{}, f.refreshErr
	}
	return f.issued, nil
}

var baseNow = time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

func writeTokenFile(t *testing.T, tok Token) TokenFile {
	t.Helper()
	file := TokenFile{Path: filepath.Join(t.TempDir(), "token.json")}
	require.NoError(t, file.Save(tok))
	return file
}

func newTestManager(t *testing.T, fa Authenticator, opts Options) *Manager {
	t.Helper()
	m, err := NewManager(fa, opts, nil)
	require.NoError(t, err)
	m.now = func() time.Time { return baseNow }
	return m
}

func TestToken_ValidTokenNoRefresh(t *testing.T) {
	fa := &fakeAuthenticator{}
	file := writeTokenFile(t, Token{
		AccessToken:          "live",
		RefreshToken:         "r1",
		AccessTokenExpiresAt: time.Now().Add(time.Hour),
	})
	m := newTestManager(t, fa, Options{File: file})
	m.token.AccessTokenExpiresAt = baseNow.Add(10 * time.Minute)

	tok, err := m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "live", tok)
	assert.Zero(t, fa.refreshCalls.Load())
}

func TestToken_ExpiringSoonTriggersExactlyOneRefresh(t *testing.T) {
	fa := &fakeAuthenticator{
		refreshDelay: 50 * time.Millisecond,
		issued: Token{
			AccessToken:          "fresh",
			AccessTokenExpiresAt: baseNow.Add(time.Hour),
		},
	}
	file := TokenFile{Path: filepath.Join(t.TempDir(), "token.json")}
	m := newTestManager(t, fa, Options{File: file})
	m.token = Token{
		AccessToken:           "stale",
		RefreshToken:          "r1",
		AccessTokenExpiresAt:  baseNow.Add(30 * time.Second),
		RefreshTokenExpiresAt: baseNow.Add(24 * time.Hour),
	}

	var wg sync.WaitGroup
	results := make([]string, 8)
	errs := make([]error, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = m.Token(context.Background())
		}(i)
	}
	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, "fresh", results[i])
	}
	assert.EqualValues(t, 1, fa.refreshCalls.Load())
	assert.Zero(t, fa.loginCalls.Load())

	// 刷新响应未携带刷新令牌时沿用旧值
	persisted, ok, err := file.Load()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "fresh", persisted.AccessToken)
	assert.Equal(t, "r1", persisted.RefreshToken)
}

func TestToken_RefreshFailureFallsBackToLogin(t *testing.T) {
	fa := &fakeAuthenticator{
		refreshErr: errors.New("refresh rejected"),
		issued:     Token{AccessToken: "relogged", AccessTokenExpiresAt: baseNow.Add(time.Hour)},
	}
	m := newTestManager(t, fa, Options{Email: "ops@example.com", Password: "secret"})
	m.token = Token{AccessToken: "old", RefreshToken: "r1", AccessTokenExpiresAt: baseNow.Add(-time.Minute)}

	tok, err := m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "relogged", tok)
	assert.EqualValues(t, 1, fa.refreshCalls.Load())
	assert.EqualValues(t, 1, fa.loginCalls.Load())
}

func TestToken_ExpiredRefreshTokenSkipsRefresh(t *testing.T) {
	fa := &fakeAuthenticator{
		issued: Token{AccessToken: "relogged", AccessTokenExpiresAt: baseNow.Add(time.Hour)},
	}
	m := newTestManager(t, fa, Options{Email: "ops@example.com", Password: "secret"})
	m.token = Token{
		AccessToken:           "old",
		RefreshToken:          "r1",
		AccessTokenExpiresAt:  baseNow.Add(-time.Minute),
		RefreshTokenExpiresAt: baseNow.Add(-time.Second),
	}

	_, err := m.Token(context.Background())
	require.NoError(t, err)
	assert.Zero(t, fa.refreshCalls.Load())
	assert.EqualValues(t, 1, fa.loginCalls.Load())
}

func TestToken_LoginFailureIsAuthError(t *testing.T) {
	fa := &fakeAuthenticator{loginErr: errors.New("bad password")}
	m := newTestManager(t, fa, Options{Email: "ops@example.com", Password: "wrong"})

	_, err := m.Token(context.Background())
	require.Error(t, err)
	assert.True(t, IsAuthError(err))
	assert.Contains(t, err.Error(), "bad password")
}

func TestToken_NoCredentialSourceIsAuthError(t *testing.T) {
	m := newTestManager(t, &fakeAuthenticator{}, Options{})

	_, err := m.Token(context.Background())
	require.Error(t, err)
	assert.True(t, IsAuthError(err))
	assert.ErrorIs(t, err, ErrNoCredentials)
}

func TestNewManager_StaticTokenAssumedTTL(t *testing.T) {
	m, err := NewManager(nil, Options{StaticToken: "env-token", StaticTokenTTL: 5 * time.Minute}, nil)
	require.NoError(t, err)

	tok, err := m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "env-token", tok)

	m.Invalidate("env-token")
	_, err = m.Token(context.Background())
	assert.True(t, IsAuthError(err))
}

func TestTokenFile_HighPrecisionTimestamps(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"accessToken": "a",
		"refreshToken": "r",
		"accessTokenExpiresAt": "2026-01-22T20:30:13.6607010+00:00",
		"refreshTokenExpiresAt": ""
	}`), 0o600))

	tok, ok, err := TokenFile{Path: path}.Load()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2026, tok.AccessTokenExpiresAt.Year())
	assert.Equal(t, 660701000, tok.AccessTokenExpiresAt.Nanosecond())
	assert.True(t, tok.RefreshTokenExpiresAt.IsZero())
}

func TestHTTPAuthenticator_LoginAndRefresh(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)

		switch r.URL.Path {
		case loginPath:
			if body["password"] != "secret" {
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"title":"invalid credentials"}`))
				return
			}
			_, _ = w.Write([]byte(`{"accessToken":"a1","refreshToken":"r1",
				"accessTokenExpiresAt":"2026-10-18T13:00:00Z","refreshTokenExpiresAt":"2026-10-25T12:00:00Z"}`))
		case refreshPath:
			assert.Equal(t, "r1", body["refreshToken"])
			_, _ = w.Write([]byte(`{"accessToken":"a2","accessTokenExpiresAt":"2026-10-18T14:00:00Z"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)

	a := NewHTTPAuthenticator(srv.URL+"/", time.Second)

	tok, err := a.Login(context.Background(), "ops@example.com", "secret")
	require.NoError(t, err)
	assert.Equal(t, "a1", tok.AccessToken)
	assert.Equal(t, "r1", tok.RefreshToken)

	tok, err = a.Refresh(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, "a2", tok.AccessToken)

	_, err = a.Login(context.Background(), "ops@example.com", "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"volt-migrate/internal/auth"
	"volt-migrate/internal/config"
	"volt-migrate/internal/entity"
)

type stubTokens struct {
	mu          sync.Mutex
	tokens      []string
	invalidated []string
	err         error
}

func (s *stubTokens) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	return s.tokens[0], nil
}

func (s *stubTokens) Invalidate(accessToken string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidated = append(s.invalidated, accessToken)
	if len(s.tokens) > 1 && s.tokens[0] == accessToken {
		s.tokens = s.tokens[1:]
	}
}

func newTestClient(t *testing.T, baseURL string, tokens TokenSource) (*Client, *[]time.Duration) {
	t.Helper()
	c := NewClient(config.APIConfig{
		BaseURL: baseURL,
		Timeout: 5 * time.Second,
		Retry: config.RetryConfig{
			MaxRetries: 3,
			BaseDelay:  100 * time.Millisecond,
			MaxDelay:   10 * time.Second,
			Jitter:     0.2,
		},
	}, tokens, nil)

	var delays []time.Duration
	c.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	c.rand = func() float64 { return 0.5 }
	return c, &delays
}

func TestSend_BackoffOnServerErrorsThenSuccess(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(srv.Close)

	c, delays := newTestClient(t, srv.URL, &stubTokens{tokens: []string{"t1"}})

	resp, err := c.Send(context.Background(), http.MethodGet, "/api/v1/symbols", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.EqualValues(t, 4, hits.Load())

	require.Len(t, *delays, 3)
	assert.Equal(t, []time.Duration{110 * time.Millisecond, 220 * time.Millisecond, 440 * time.Millisecond}, *delays)
	for i := 1; i < len(*delays); i++ {
		assert.Greater(t, (*delays)[i], (*delays)[i-1])
	}
}

func TestSend_RateLimitExhausted(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	t.Cleanup(srv.Close)

	c, delays := newTestClient(t, srv.URL, &stubTokens{tokens: []string{"t1"}})

	_, err := c.Send(context.Background(), http.MethodGet, "/api/v1/symbols", nil)
	require.Error(t, err)

	var tErr *Error
	require.ErrorAs(t, err, &tErr)
	assert.Equal(t, RateLimited, tErr.Kind)
	assert.Equal(t, 4, tErr.Attempts)
	assert.EqualValues(t, 4, hits.Load())
	assert.Len(t, *delays, 3)
}

func TestSend_ClientErrorNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"title":"One or more validation errors occurred.","detail":"symbolsGroupId is required"}`))
	}))
	t.Cleanup(srv.Close)

	c, delays := newTestClient(t, srv.URL, &stubTokens{tokens: []string{"t1"}})

	_, err := c.Send(context.Background(), http.MethodPost, "/api/v1/symbols", map[string]any{"name": "EURUSD"})
	require.Error(t, err)

	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, ClientError, kind)
	assert.Contains(t, err.Error(), "symbolsGroupId is required")
	assert.EqualValues(t, 1, hits.Load())
	assert.Empty(t, *delays)
}

func TestSend_InjectsBearerToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer t1", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)

	c, _ := newTestClient(t, srv.URL, &stubTokens{tokens: []string{"t1"}})

	resp, err := c.Send(context.Background(), http.MethodPost, "/api/v1/deals", map[string]any{"volume": 1})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.Status)
}

func TestSend_UnauthorizedRenewsTokenOnce(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("Authorization") != "Bearer t2" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`[]`))
	}))
	t.Cleanup(srv.Close)

	tokens := &stubTokens{tokens: []string{"t1", "t2"}}
	c, delays := newTestClient(t, srv.URL, tokens)

	_, err := c.Send(context.Background(), http.MethodGet, "/api/v1/traders", nil)
	require.NoError(t, err)
	assert.EqualValues(t, 2, hits.Load())
	assert.Equal(t, []string{"t1"}, tokens.invalidated)
	assert.Empty(t, *delays)
}

func TestSend_RepeatedUnauthorizedIsAuthError(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	tokens := &stubTokens{tokens: []string{"t1", "t2"}}
	c, delays := newTestClient(t, srv.URL, tokens)

	_, err := c.Send(context.Background(), http.MethodGet, "/api/v1/traders", nil)
	require.Error(t, err)
	assert.True(t, auth.IsAuthError(err))
	var tErr *Error
	require.ErrorAs(t, err, &tErr)
	assert.Equal(t, http.StatusUnauthorized, tErr.Status)
	assert.EqualValues(t, 2, hits.Load())
	assert.Equal(t, []string{"t1"}, tokens.invalidated)
	assert.Empty(t, *delays)
}

func TestSend_TokenErrorPropagates(t *testing.T) {
	authErr := errors.New("no credentials")
	c, _ := newTestClient(t, "http://127.0.0.1:1", &stubTokens{err: authErr})

	_, err := c.Send(context.Background(), http.MethodGet, "/api/v1/traders", nil)
	assert.ErrorIs(t, err, authErr)
	_, isTransport := KindOf(err)
	assert.False(t, isTransport)
}

func TestSend_HonorsRetryAfter(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.Header().Set("Retry-After", "2")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	t.Cleanup(srv.Close)

	c, delays := newTestClient(t, srv.URL, &stubTokens{tokens: []string{"t1"}})

	_, err := c.Send(context.Background(), http.MethodGet, "/api/v1/orders", nil)
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{2 * time.Second}, *delays)
}

func TestSend_NetworkErrorRetried(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c, delays := newTestClient(t, url, &stubTokens{tokens: []string{"t1"}})

	_, err := c.Send(context.Background(), http.MethodGet, "/api/v1/orders", nil)
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, NetworkError, kind)
	assert.Len(t, *delays, 3)
}

func TestRetryPolicy_DelayCapped(t *testing.T) {
	p := RetryPolicy{BaseDelay: time.Second, MaxDelay: 5 * time.Second}
	assert.Equal(t, time.Second, p.Delay(0, 0))
	assert.Equal(t, 4*time.Second, p.Delay(2, 0))
	assert.Equal(t, 5*time.Second, p.Delay(5, 0))
}

func TestCreate_SendsIdempotencyKeyAndReturnsID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/deals", r.URL.Path)
		assert.Equal(t, "deal-abc", r.Header.Get(IdempotencyHeader))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"transactionId":90071992547409931,"volume":1}`))
	}))
	t.Cleanup(srv.Close)

	c, _ := newTestClient(t, srv.URL, &stubTokens{tokens: []string{"t1"}})

	id, obj, err := c.Create(context.Background(), entity.KindDeal, "deal-abc", map[string]any{"volume": 1})
	require.NoError(t, err)
	assert.Equal(t, "90071992547409931", id)
	assert.Equal(t, "1", FormatID(obj["volume"]))
}

func TestGetAndDelete_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	c, _ := newTestClient(t, srv.URL, &stubTokens{tokens: []string{"t1"}})

	_, err := c.Get(context.Background(), entity.KindSymbol, "missing")
	assert.True(t, IsNotFound(err))
	assert.True(t, IsNotFound(c.Delete(context.Background(), entity.KindSymbol, "missing")))
}

func TestList_Shapes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/symbols":
			_, _ = w.Write([]byte(`[{"id":"s1","name":"EURUSD"}]`))
		case "/api/v1/traders":
			_, _ = w.Write([]byte(`{"items":[{"id":"t1"},{"id":"t2"}]}`))
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	t.Cleanup(srv.Close)

	c, _ := newTestClient(t, srv.URL, &stubTokens{tokens: []string{"t1"}})
	ctx := context.Background()

	symbols, err := c.List(ctx, entity.KindSymbol, nil)
	require.NoError(t, err)
	require.Len(t, symbols, 1)
	assert.Equal(t, "s1", symbols[0].ID())

	traders, err := c.List(ctx, entity.KindTrader, nil)
	require.NoError(t, err)
	assert.Len(t, traders, 2)

	deals, err := c.List(ctx, entity.KindDeal, nil)
	require.NoError(t, err)
	assert.Empty(t, deals)
}

package discover

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"volt-migrate/internal/auth"
	"volt-migrate/internal/config"
	"volt-migrate/internal/entity"
	"volt-migrate/internal/plan"
	"volt-migrate/internal/transport"
)

type staticToken string

func (s staticToken) Token(context.Context) (string, error) { return string(s), nil }

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/v1/symbols-groups":
			_, _ = w.Write([]byte(`[{"id":"g-1","name":"MIG_TEST_20261018_demo"},{"id":"g-2","name":"real"}]`))
		case "/api/v1/symbols":
			_, _ = w.Write([]byte(`{"items":[{"id":"s-1","name":"EURUSD","digits":5}]}`))
		case "/api/v1/traders":
			_, _ = w.Write([]byte(`[{"id":"t-1","login":555962}]`))
		case "/api/v1/orders":
			w.WriteHeader(http.StatusNoContent)
		case "/api/v1/positions":
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"title":"unsupported"}`))
		default:
			_, _ = w.Write([]byte(`[]`))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newClient(baseURL string) *transport.Client {
	return transport.NewClient(config.APIConfig{
		BaseURL:           baseURL,
		Timeout:           5 * time.Second,
		RequestsPerSecond: 100,
		Retry:             config.RetryConfig{MaxRetries: 0, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
	}, staticToken("tok"), nil)
}

func TestDiscover_ListsEveryKindAndRecordsFailures(t *testing.T) {
	srv := newServer(t)
	svc := NewService(newClient(srv.URL), nil, nil)

	snap, err := svc.Discover(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.Summary.Endpoints, len(entity.Kinds))

	byKind := make(map[entity.Kind]EndpointResult)
	for _, r := range snap.Summary.Endpoints {
		byKind[r.Kind] = r
	}
	assert.Equal(t, StatusOK, byKind[entity.KindSymbolGroup].Status)
	assert.Equal(t, 2, byKind[entity.KindSymbolGroup].Count)
	assert.Equal(t, []string{"digits", "id", "name"}, byKind[entity.KindSymbol].SampleKeys)
	assert.Equal(t, StatusEmpty, byKind[entity.KindOrder].Status)
	assert.Equal(t, StatusError, byKind[entity.KindPosition].Status)
	assert.Contains(t, byKind[entity.KindPosition].Error, "unsupported")

	assert.Equal(t, 4, snap.Summary.Total)
	assert.Equal(t, 1, snap.Summary.TestPrefixed[entity.KindSymbolGroup])
}

func TestDiscover_SaveAndReload(t *testing.T) {
	srv := newServer(t)
	dir := t.TempDir()

	snap, err := NewService(newClient(srv.URL), nil, nil).Discover(context.Background())
	require.NoError(t, err)
	require.NoError(t, snap.Save(dir))

	for _, kind := range entity.Kinds {
		assert.FileExists(t, filepath.Join(dir, kind.Endpoint()+".json"))
	}

	raw, err := os.ReadFile(filepath.Join(dir, ResultsFile))
	require.NoError(t, err)
	var summary map[string]any
	require.NoError(t, json.Unmarshal(raw, &summary))
	assert.EqualValues(t, 4, summary["total"])
	assert.NotContains(t, string(raw), `"data"`)

	loaded, err := LoadSnapshot(dir)
	require.NoError(t, err)
	idx := NewIndex(loaded, nil)
	id, ok := idx.Lookup(entity.KindTrader, "555962")
	require.True(t, ok)
	assert.Equal(t, "t-1", id)
}

type failingLister struct{ err error }

func (f failingLister) List(context.Context, entity.Kind, url.Values) ([]transport.Object, error) {
	return nil, f.err
}

func TestDiscover_AuthFailureAborts(t *testing.T) {
	svc := NewService(failingLister{err: &auth.Error{Op: "login", Err: errors.New("401")}}, nil, nil)
	_, err := svc.Discover(context.Background(), entity.KindSymbolGroup)
	require.Error(t, err)
	assert.True(t, auth.IsAuthError(err))
}

func TestIndex_AdoptAndConflicts(t *testing.T) {
	snap := &Snapshot{Objects: map[entity.Kind][]transport.Object{
		entity.KindSymbolGroup: {{"id": "g-1", "name": "demo"}},
		entity.KindSymbol:      {{"id": "s-9", "name": "EURUSD"}},
	}}
	idx := NewIndex(snap, nil)

	records := []entity.Record{
		{Kind: entity.KindSymbolGroup, SourceKey: "demo", Fields: map[string]any{"name": "demo"}},
		{
			Kind: entity.KindSymbol, SourceKey: "EURUSD",
			Fields:     map[string]any{"name": "EURUSD"},
			References: map[string]entity.Ref{"symbolsGroupId": {Kind: entity.KindSymbolGroup, SourceKey: "demo"}},
		},
	}

	adopting, err := plan.NewPlanner(nil, plan.Options{}, nil).WithDiscovery(idx).Build(records)
	require.NoError(t, err)
	assert.Equal(t, "g-1", adopting.Steps[0].AdoptRemoteID)
	assert.Equal(t, "s-9", adopting.Steps[1].AdoptRemoteID)
	assert.Empty(t, idx.Conflicts(adopting))

	// 未启用接管时，远端已存在的自然键报告为冲突
	plain, err := plan.NewPlanner(nil, plan.Options{}, nil).Build(records)
	require.NoError(t, err)
	conflicts := idx.Conflicts(plain)
	require.Len(t, conflicts, 2)
	assert.Equal(t, Conflict{Kind: entity.KindSymbolGroup, SourceKey: "demo", Field: "name", NaturalKey: "demo", RemoteID: "g-1"}, conflicts[0])
}

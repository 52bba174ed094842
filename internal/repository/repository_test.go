package repository

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"volt-migrate/internal/config"
	"volt-migrate/internal/entity"
	"volt-migrate/internal/store"
)

func openStore(t *testing.T, path string) *store.Store {
	t.Helper()
	st, err := store.NewSQLite(config.DatabaseConfig{Path: path, MaxOpenConns: 1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestRepository_UpsertSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "migration.db")

	st := openStore(t, path)
	repo, err := New(ctx, st.DB(), nil)
	require.NoError(t, err)

	require.NoError(t, repo.Upsert(ctx, entity.MappingEntry{
		Kind: entity.KindSymbolGroup, SourceKey: "demo", ExternalID: "symbolgroup-1", Status: entity.StatusPlanned,
	}))
	require.NoError(t, repo.Upsert(ctx, entity.MappingEntry{
		Kind: entity.KindSymbolGroup, SourceKey: "demo", ExternalID: "symbolgroup-1", RemoteID: "g-1", Status: entity.StatusVerified,
	}))
	require.NoError(t, st.Close())

	reopened, err := New(ctx, openStore(t, path).DB(), nil)
	require.NoError(t, err)

	e, ok := reopened.Get(entity.KindSymbolGroup, "demo")
	require.True(t, ok)
	assert.True(t, e.Verified())
	assert.Equal(t, "g-1", e.RemoteID)
	assert.False(t, e.UpdatedAt.IsZero())
	assert.Equal(t, 1, reopened.Len())
}

func TestRepository_AllPreservesInsertionOrder(t *testing.T) {
	ctx := context.Background()
	repo, err := New(ctx, openStore(t, filepath.Join(t.TempDir(), "m.db")).DB(), nil)
	require.NoError(t, err)

	for _, key := range []string{"EURUSD", "AUDCAD", "XAUUSD"} {
		require.NoError(t, repo.Upsert(ctx, entity.MappingEntry{Kind: entity.KindSymbol, SourceKey: key, Status: entity.StatusPlanned}))
	}
	require.NoError(t, repo.Upsert(ctx, entity.MappingEntry{Kind: entity.KindSymbol, SourceKey: "AUDCAD", Status: entity.StatusVerified, RemoteID: "s2"}))

	var keys []string
	for _, e := range repo.All(entity.KindSymbol) {
		keys = append(keys, e.SourceKey)
	}
	assert.Equal(t, []string{"EURUSD", "AUDCAD", "XAUUSD"}, keys)
	assert.Empty(t, repo.All(entity.KindTrader))

	require.NoError(t, repo.Delete(ctx, entity.KindSymbol, "AUDCAD"))
	_, ok := repo.Get(entity.KindSymbol, "AUDCAD")
	assert.False(t, ok)
	assert.Len(t, repo.All(entity.KindSymbol), 2)
}

func TestRepository_RejectsInvalidKey(t *testing.T) {
	repo, err := New(context.Background(), openStore(t, filepath.Join(t.TempDir(), "m.db")).DB(), nil)
	require.NoError(t, err)

	assert.Error(t, repo.Upsert(context.Background(), entity.MappingEntry{Kind: "Widget", SourceKey: "x"}))
	assert.Error(t, repo.Upsert(context.Background(), entity.MappingEntry{Kind: entity.KindTrader}))
}

func TestRepository_ExportImport(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	repo, err := New(ctx, openStore(t, filepath.Join(dir, "a.db")).DB(), nil)
	require.NoError(t, err)

	require.NoError(t, repo.Upsert(ctx, entity.MappingEntry{Kind: entity.KindTrader, SourceKey: "555962", ExternalID: "trader-x", RemoteID: "t-9", Status: entity.StatusVerified}))
	require.NoError(t, repo.Upsert(ctx, entity.MappingEntry{Kind: entity.KindSymbolGroup, SourceKey: "demo", ExternalID: "sg-x", RemoteID: "g-1", Status: entity.StatusVerified}))

	out := filepath.Join(dir, "out", "mappings.json")
	require.NoError(t, repo.Export(out))

	raw, err := os.ReadFile(out)
	require.NoError(t, err)
	var exported []map[string]any
	require.NoError(t, json.Unmarshal(raw, &exported))
	require.Len(t, exported, 2)
	// 依赖顺序优先
	assert.Equal(t, "SymbolGroup", exported[0]["kind"])
	assert.Equal(t, "trader-x", exported[1]["externalIdentity"])

	other, err := New(ctx, openStore(t, filepath.Join(dir, "b.db")).DB(), nil)
	require.NoError(t, err)
	n, err := other.Import(ctx, out)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	e, ok := other.Get(entity.KindTrader, "555962")
	require.True(t, ok)
	assert.Equal(t, "t-9", e.RemoteID)
}

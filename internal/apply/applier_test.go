package apply

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"volt-migrate/internal/auth"
	"volt-migrate/internal/config"
	"volt-migrate/internal/entity"
	"volt-migrate/internal/ledger"
	"volt-migrate/internal/plan"
	"volt-migrate/internal/repository"
	"volt-migrate/internal/store"
	"volt-migrate/internal/transport"
)

// fakeRemote 在内存中模拟远端平台，按类型分配递增标识。
type fakeRemote struct {
	mu        sync.Mutex
	seq       int
	objects   map[entity.Kind]map[string]transport.Object
	creates   []entity.Kind
	createErr map[entity.Kind]error
	onCreate  func(kind entity.Kind)
	mutate    func(kind entity.Kind, obj transport.Object)
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		objects:   make(map[entity.Kind]map[string]transport.Object),
		createErr: make(map[entity.Kind]error),
	}
}

func (f *fakeRemote) Create(_ context.Context, kind entity.Kind, externalID string, payload map[string]any) (string, transport.Object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates = append(f.creates, kind)
	if err := f.createErr[kind]; err != nil {
		return "", nil, err
	}
	f.seq++
	id := fmt.Sprintf("%s-%d", kind.Endpoint(), f.seq)
	obj := transport.Object{"id": id, "externalIdentity": externalID}
	for k, v := range payload {
		obj[k] = v
	}
	if f.mutate != nil {
		f.mutate(kind, obj)
	}
	f.put(kind, id, obj)
	if f.onCreate != nil {
		f.onCreate(kind)
	}
	return id, obj, nil
}

func (f *fakeRemote) Get(_ context.Context, kind entity.Kind, id string) (transport.Object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[kind][id]
	if !ok {
		return nil, &transport.Error{Kind: transport.ClientError, Method: http.MethodGet, Path: kind.Endpoint() + "/" + id, Status: http.StatusNotFound}
	}
	return obj, nil
}

func (f *fakeRemote) put(kind entity.Kind, id string, obj transport.Object) {
	if f.objects[kind] == nil {
		f.objects[kind] = make(map[string]transport.Object)
	}
	f.objects[kind][id] = obj
}

func (f *fakeRemote) createCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.creates)
}

type harness struct {
	repo   *repository.Repository
	ledger *ledger.Ledger
	remote *fakeRemote
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := store.NewSQLite(config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "migration.db"), MaxOpenConns: 1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	repo, err := repository.New(context.Background(), st.DB(), nil)
	require.NoError(t, err)
	l, err := ledger.New(st.DB(), nil)
	require.NoError(t, err)
	return &harness{repo: repo, ledger: l, remote: newFakeRemote()}
}

func (h *harness) plan(t *testing.T, records []entity.Record) *plan.Plan {
	t.Helper()
	p, err := plan.NewPlanner(h.repo, plan.Options{}, nil).Build(records)
	require.NoError(t, err)
	return p
}

func (h *harness) applier() *Applier {
	return NewApplier(h.remote, h.repo, h.ledger, nil)
}

func scenario() []entity.Record {
	return []entity.Record{
		{
			Kind: entity.KindSymbolGroup, SourceKey: "demo",
			Fields: map[string]any{"name": "demo"},
		},
		{
			Kind: entity.KindSymbol, SourceKey: "EURUSD",
			Fields:     map[string]any{"name": "EURUSD", "digits": json.Number("5")},
			References: map[string]entity.Ref{"symbolsGroupId": {Kind: entity.KindSymbolGroup, SourceKey: "demo"}},
		},
		{
			Kind: entity.KindTrader, SourceKey: "555962",
			Fields:     map[string]any{"login": json.Number("555962"), "firstName": "Ana"},
			References: map[string]entity.Ref{"tradersGroupId": {Kind: entity.KindSymbolGroup, SourceKey: "demo"}},
		},
	}
}

func TestApply_CreatesVerifiesAndResolvesReferences(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	a := h.applier()

	result, err := a.Apply(ctx, h.plan(t, scenario()))
	require.NoError(t, err)
	assert.False(t, result.HasFailures())
	assert.Equal(t, 3, result.Totals.Created)
	require.Len(t, result.Steps, 3)

	group, ok := h.repo.Get(entity.KindSymbolGroup, "demo")
	require.True(t, ok)
	assert.True(t, group.Verified())

	trader, ok := h.repo.Get(entity.KindTrader, "555962")
	require.True(t, ok)
	assert.True(t, trader.Verified())

	obj, err := h.remote.Get(ctx, entity.KindTrader, trader.RemoteID)
	require.NoError(t, err)
	assert.Equal(t, group.RemoteID, obj["tradersGroupId"])

	symbol, ok := h.repo.Get(entity.KindSymbol, "EURUSD")
	require.True(t, ok)
	symObj, err := h.remote.Get(ctx, entity.KindSymbol, symbol.RemoteID)
	require.NoError(t, err)
	assert.Equal(t, group.RemoteID, symObj["symbolsGroupId"])

	stats, err := h.ledger.Stats(ctx, a.RunID())
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Totals.Created)
	assert.Equal(t, 3, stats.Totals.Verified)

	// 台账中每个实体的 Created 先于 Verified
	events, err := h.ledger.Events(ctx, a.RunID(), 0)
	require.NoError(t, err)
	require.Len(t, events, 6)
	assert.Equal(t, ledger.TransitionCreated, events[0].Transition)
	assert.Equal(t, ledger.TransitionVerified, events[1].Transition)
}

func TestApply_RerunSkipsEverything(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.applier().Apply(ctx, h.plan(t, scenario()))
	require.NoError(t, err)
	created := h.remote.createCount()

	second := h.applier()
	result, err := second.Apply(ctx, h.plan(t, scenario()))
	require.NoError(t, err)
	assert.Equal(t, 3, result.Totals.Skipped)
	assert.Equal(t, 0, result.Totals.Created)
	assert.Equal(t, created, h.remote.createCount())

	stats, err := h.ledger.Stats(ctx, second.RunID())
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Totals.Skipped)
}

func TestApply_VerificationMismatchFailsStep(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.remote.mutate = func(kind entity.Kind, obj transport.Object) {
		if kind == entity.KindTrader {
			obj["login"] = json.Number("1")
		}
	}

	result, err := h.applier().Apply(ctx, h.plan(t, scenario()))
	require.NoError(t, err)
	assert.True(t, result.HasFailures())
	assert.Equal(t, 1, result.Totals.Failed)

	last := result.Steps[2]
	assert.Equal(t, OutcomeFailed, last.Outcome)
	assert.Equal(t, "VerificationError", last.ErrorKind)
	assert.Contains(t, last.Message, "login")

	// 已写入的实体保留远端标识，下次运行只回读不重建
	entry, ok := h.repo.Get(entity.KindTrader, "555962")
	require.True(t, ok)
	assert.Equal(t, entity.StatusFailed, entry.Status)
	assert.NotEmpty(t, entry.RemoteID)
}

func TestApply_UpstreamFailureLeavesDependentsUnresolved(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.remote.createErr[entity.KindSymbolGroup] = &transport.Error{Kind: transport.ClientError, Status: http.StatusUnprocessableEntity, Body: "invalid"}

	result, err := h.applier().Apply(ctx, h.plan(t, scenario()))
	require.NoError(t, err)
	require.Len(t, result.Steps, 3)
	assert.Equal(t, 3, result.Totals.Failed)

	assert.Equal(t, string(transport.ClientError), result.Steps[0].ErrorKind)
	for _, s := range result.Steps[1:] {
		assert.Equal(t, "UnresolvedDependencyError", s.ErrorKind)
		assert.Equal(t, StateFailed, s.State)
	}
	// 依赖失败的步骤不会发起远端写入
	assert.Equal(t, 1, h.remote.createCount())
}

func TestApply_CancellationStopsBetweenSteps(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.remote.onCreate = func(kind entity.Kind) {
		if kind == entity.KindSymbolGroup {
			cancel()
		}
	}

	result, err := h.applier().Apply(ctx, h.plan(t, scenario()))
	require.NoError(t, err)
	assert.True(t, result.Cancelled)
	assert.True(t, result.HasFailures())

	// 进行中的步骤完成写入与确认
	assert.Equal(t, OutcomeCreated, result.Steps[0].Outcome)
	group, ok := h.repo.Get(entity.KindSymbolGroup, "demo")
	require.True(t, ok)
	assert.True(t, group.Verified())

	assert.Equal(t, 2, result.Totals.NotRun)
	assert.Equal(t, 1, h.remote.createCount())
}

func TestApply_AuthFailureAbortsRun(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.remote.createErr[entity.KindSymbol] = &auth.Error{Op: "refresh", Err: errors.New("401")}

	result, err := h.applier().Apply(ctx, h.plan(t, scenario()))
	require.Error(t, err)
	assert.True(t, auth.IsAuthError(err))
	require.Len(t, result.Steps, 3)
	assert.Equal(t, "AuthError", result.Steps[1].ErrorKind)
	assert.Equal(t, OutcomeNotRun, result.Steps[2].Outcome)
	assert.Equal(t, 1, result.Totals.NotRun)

	_, ok := h.repo.Get(entity.KindTrader, "555962")
	assert.False(t, ok)
}

func TestApply_AdoptsDiscoveredEntity(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.remote.put(entity.KindSymbolGroup, "g-legacy", transport.Object{"id": "g-legacy", "name": "demo"})

	p, err := plan.NewPlanner(h.repo, plan.Options{}, nil).
		WithDiscovery(staticIndex{entity.KindSymbolGroup: {"demo": "g-legacy"}}).
		Build(scenario()[:2])
	require.NoError(t, err)
	require.Equal(t, "g-legacy", p.Steps[0].AdoptRemoteID)

	result, err := h.applier().Apply(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Totals.Adopted)
	assert.Equal(t, 1, result.Totals.Created)

	symbol, ok := h.repo.Get(entity.KindSymbol, "EURUSD")
	require.True(t, ok)
	obj, err := h.remote.Get(ctx, entity.KindSymbol, symbol.RemoteID)
	require.NoError(t, err)
	assert.Equal(t, "g-legacy", obj["symbolsGroupId"])
}

func TestApply_ReverifiesCreatedEntryWithoutRecreating(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.remote.put(entity.KindSymbolGroup, "g-9", transport.Object{"id": "g-9", "name": "demo"})

	p := h.plan(t, scenario()[:1])
	require.NoError(t, h.repo.Upsert(ctx, entity.MappingEntry{
		Kind: entity.KindSymbolGroup, SourceKey: "demo", ExternalID: p.Steps[0].ExternalID,
		RemoteID: "g-9", Status: entity.StatusCreated,
	}))

	result, err := h.applier().Apply(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Totals.Verified)
	assert.Equal(t, 0, h.remote.createCount())

	entry, _ := h.repo.Get(entity.KindSymbolGroup, "demo")
	assert.True(t, entry.Verified())
	assert.Equal(t, "g-9", entry.RemoteID)
}

func TestApply_UnresolvedStepKeepsExistingRemoteID(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.remote.createErr[entity.KindSymbolGroup] = &transport.Error{Kind: transport.ServerError, Status: http.StatusBadGateway}

	p := h.plan(t, scenario()[:2])
	require.NoError(t, h.repo.Upsert(ctx, entity.MappingEntry{
		Kind: entity.KindSymbol, SourceKey: "EURUSD", ExternalID: p.Steps[1].ExternalID,
		RemoteID: "s-9", Status: entity.StatusCreated,
	}))

	result, err := h.applier().Apply(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, "UnresolvedDependencyError", result.Steps[1].ErrorKind)
	assert.Equal(t, "s-9", result.Steps[1].RemoteID)

	entry, ok := h.repo.Get(entity.KindSymbol, "EURUSD")
	require.True(t, ok)
	assert.Equal(t, entity.StatusFailed, entry.Status)
	assert.Equal(t, "s-9", entry.RemoteID)
}

// checkedOnceCtx 已被取消，但第一次 Err 检查仍报告未取消。
type checkedOnceCtx struct {
	context.Context
	checks sync.Mutex
	seen   bool
}

func (c *checkedOnceCtx) Err() error {
	c.checks.Lock()
	defer c.checks.Unlock()
	if !c.seen {
		c.seen = true
		return nil
	}
	return c.Context.Err()
}

func TestApply_CancelDuringSkipEndsCleanly(t *testing.T) {
	h := newHarness(t)
	p := h.plan(t, scenario())
	_, err := h.applier().Apply(context.Background(), p)
	require.NoError(t, err)

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	ctx := &checkedOnceCtx{Context: cancelled}

	result, err := h.applier().Apply(ctx, h.plan(t, scenario()))
	require.NoError(t, err)
	assert.True(t, result.Cancelled)
	assert.Equal(t, 1, result.Totals.Skipped)
	assert.Equal(t, 2, result.Totals.NotRun)
}

type staticIndex map[entity.Kind]map[string]string

func (s staticIndex) Lookup(kind entity.Kind, naturalKey string) (string, bool) {
	id, ok := s[kind][naturalKey]
	return id, ok
}

package detect

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/pgedge/cambiador/pkg/config"
	"github.com/pgedge/cambiador/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockCatalog struct{ mock.Mock }

func (m *mockCatalog) Discover(ctx context.Context) (*types.TableFieldMap, error) {
	args := m.Called(ctx)
	tfm, _ := args.Get(0).(*types.TableFieldMap)
	return tfm, args.Error(1)
}

type mockHasher struct{ mock.Mock }

func (m *mockHasher) Hash(ctx context.Context, table string, fields []types.Projection) (types.TableHash, error) {
	args := m.Called(ctx, table, fields)
	return args.Get(0).(types.TableHash), args.Error(1)
}

type mockState struct{ mock.Mock }

func (m *mockState) Name() string { return "meta.changedetection" }

func (m *mockState) Exists(ctx context.Context) (bool, error) {
	args := m.Called(ctx)
	return args.Bool(0), args.Error(1)
}

func (m *mockState) GetLastHash(ctx context.Context, table string) (string, error) {
	args := m.Called(ctx, table)
	return args.String(0), args.Error(1)
}

func (m *mockState) Upsert(ctx context.Context, table, hash string) error {
	args := m.Called(ctx, table, hash)
	return args.Error(0)
}

type mockReconciler struct{ mock.Mock }

func (m *mockReconciler) TrimOrphans(ctx context.Context) (types.TrimResult, error) {
	args := m.Called(ctx)
	return args.Get(0).(types.TrimResult), args.Error(1)
}

type fixture struct {
	catalog    *mockCatalog
	hasher     *mockHasher
	state      *mockState
	reconciler *mockReconciler
}

func newFixture(tables ...string) *fixture {
	f := &fixture{
		catalog:    &mockCatalog{},
		hasher:     &mockHasher{},
		state:      &mockState{},
		reconciler: &mockReconciler{},
	}
	f.state.On("Exists", mock.Anything).Return(true, nil)
	f.reconciler.On("TrimOrphans", mock.Anything).Return(types.TrimResult{}, nil)
	f.catalog.On("Discover", mock.Anything).Return(fieldMap(tables...), nil)
	return f
}

func (f *fixture) components() Components {
	return Components{Catalog: f.catalog, Hasher: f.hasher, State: f.state, Reconciler: f.reconciler}
}

func (f *fixture) assertExpectations(t *testing.T) {
	f.catalog.AssertExpectations(t)
	f.hasher.AssertExpectations(t)
	f.state.AssertExpectations(t)
	f.reconciler.AssertExpectations(t)
}

func fieldMap(tables ...string) *types.TableFieldMap {
	tfm := types.NewTableFieldMap()
	for _, name := range tables {
		desc := types.FieldDescriptor{Database: "gis", Schema: "public", Table: name, Field: "name", FieldType: "text"}
		tfm.Add(desc, types.Projection{Field: "name", Expr: `"name"`})
	}
	return tfm
}

func digest(d string, rows int64) types.TableHash {
	return types.TableHash{Digest: d, Rows: rows}
}

func TestDetectChangeDecision(t *testing.T) {
	f := newFixture("new", "same", "moved")

	f.state.On("GetLastHash", mock.Anything, "gis.public.new").Return("", nil)
	f.state.On("GetLastHash", mock.Anything, "gis.public.same").Return("100", nil)
	f.state.On("GetLastHash", mock.Anything, "gis.public.moved").Return("200", nil)

	f.hasher.On("Hash", mock.Anything, "gis.public.new", mock.Anything).Return(digest("1", 3), nil)
	f.hasher.On("Hash", mock.Anything, "gis.public.same", mock.Anything).Return(digest("100", 4), nil)
	f.hasher.On("Hash", mock.Anything, "gis.public.moved", mock.Anything).Return(digest("201", 5), nil)

	f.state.On("Upsert", mock.Anything, "gis.public.new", "1").Return(nil).Once()
	f.state.On("Upsert", mock.Anything, "gis.public.moved", "201").Return(nil).Once()

	report, err := Detect(context.Background(), f.components(), Options{RunID: "run-1"})
	require.NoError(t, err)
	f.assertExpectations(t)
	f.state.AssertNotCalled(t, "Upsert", mock.Anything, "gis.public.same", mock.Anything)

	assert.Equal(t, "run-1", report.RunID)
	assert.Equal(t, []string{"gis.public.new", "gis.public.moved"}, report.Changed())
	assert.Equal(t, []string{"gis.public.new", "gis.public.moved"}, report.Stats.Changed)
	assert.Equal(t, int64(12), report.Stats.TotalRows)
	require.Len(t, report.Results, 3)
	assert.Equal(t, types.TableUnchanged, report.Results[1].Status)
	assert.Equal(t, "100", report.Results[1].PreviousHash)
	assert.False(t, report.FinishedAt.Before(report.StartedAt))
}

func TestDetectIsolatesTableFailures(t *testing.T) {
	f := newFixture("a", "b", "c")

	for _, tbl := range []string{"gis.public.a", "gis.public.b", "gis.public.c"} {
		f.state.On("GetLastHash", mock.Anything, tbl).Return("old", nil)
	}
	f.hasher.On("Hash", mock.Anything, "gis.public.a", mock.Anything).Return(digest("a1", 1), nil)
	f.hasher.On("Hash", mock.Anything, "gis.public.b", mock.Anything).Return(types.TableHash{}, errors.New("canceling statement due to statement timeout"))
	f.hasher.On("Hash", mock.Anything, "gis.public.c", mock.Anything).Return(digest("c1", 1), nil)
	f.state.On("Upsert", mock.Anything, "gis.public.a", "a1").Return(nil)
	f.state.On("Upsert", mock.Anything, "gis.public.c", "c1").Return(nil)

	report, err := Detect(context.Background(), f.components(), Options{})
	require.NoError(t, err)
	f.assertExpectations(t)
	f.state.AssertNotCalled(t, "Upsert", mock.Anything, "gis.public.b", mock.Anything)

	assert.NotEmpty(t, report.RunID)
	assert.Equal(t, []string{"gis.public.a", "gis.public.c"}, report.Changed())
	assert.Equal(t, []string{"gis.public.b"}, report.Failed())
	assert.Contains(t, report.Results[1].Error, "statement timeout")
	assert.Error(t, report.Results[1].Err)
}

func TestDetectFailedLookupAndUpsert(t *testing.T) {
	f := newFixture("lookup", "write")

	f.state.On("GetLastHash", mock.Anything, "gis.public.lookup").Return("", errors.New("connection reset"))
	f.state.On("GetLastHash", mock.Anything, "gis.public.write").Return("", nil)
	f.hasher.On("Hash", mock.Anything, "gis.public.write", mock.Anything).Return(digest("9", 1), nil)
	f.state.On("Upsert", mock.Anything, "gis.public.write", "9").Return(errors.New("permission denied"))

	report, err := Detect(context.Background(), f.components(), Options{})
	require.NoError(t, err)
	f.hasher.AssertNotCalled(t, "Hash", mock.Anything, "gis.public.lookup", mock.Anything)
	assert.Equal(t, []string{"gis.public.lookup", "gis.public.write"}, report.Failed())
	assert.Contains(t, report.Results[0].Error, "read last hash")
	assert.Contains(t, report.Results[1].Error, "store hash")
	assert.Empty(t, report.Stats.Changed)
	assert.Empty(t, report.Changed())
}

func TestDetectDevelopmentModeSkipsWrites(t *testing.T) {
	f := newFixture("roads")
	f.state.On("GetLastHash", mock.Anything, "gis.public.roads").Return("1", nil)
	f.hasher.On("Hash", mock.Anything, "gis.public.roads", mock.Anything).Return(digest("2", 10), nil)

	report, err := Detect(context.Background(), f.components(), Options{Development: true})
	require.NoError(t, err)
	f.state.AssertNotCalled(t, "Upsert", mock.Anything, mock.Anything, mock.Anything)

	assert.True(t, report.Development)
	assert.Equal(t, []string{"gis.public.roads"}, report.Skipped())
	assert.Empty(t, report.Stats.Changed)
	assert.Empty(t, report.Changed())
}

func TestDetectMissingStateTable(t *testing.T) {
	f := &fixture{catalog: &mockCatalog{}, hasher: &mockHasher{}, state: &mockState{}, reconciler: &mockReconciler{}}
	f.state.On("Exists", mock.Anything).Return(false, nil)

	report, err := Detect(context.Background(), f.components(), Options{})
	require.ErrorIs(t, err, ErrStateTableMissing)
	assert.Nil(t, report)
	f.reconciler.AssertNotCalled(t, "TrimOrphans", mock.Anything)
	f.catalog.AssertNotCalled(t, "Discover", mock.Anything)
}

func TestDetectRunFatalErrors(t *testing.T) {
	t.Run("state check", func(t *testing.T) {
		f := &fixture{catalog: &mockCatalog{}, hasher: &mockHasher{}, state: &mockState{}, reconciler: &mockReconciler{}}
		f.state.On("Exists", mock.Anything).Return(false, errors.New("no route to host"))
		_, err := Detect(context.Background(), f.components(), Options{})
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrStateTableMissing)
	})

	t.Run("reconcile", func(t *testing.T) {
		f := &fixture{catalog: &mockCatalog{}, hasher: &mockHasher{}, state: &mockState{}, reconciler: &mockReconciler{}}
		f.state.On("Exists", mock.Anything).Return(true, nil)
		f.reconciler.On("TrimOrphans", mock.Anything).Return(types.TrimResult{}, errors.New("delete failed"))
		_, err := Detect(context.Background(), f.components(), Options{})
		require.Error(t, err)
		f.catalog.AssertNotCalled(t, "Discover", mock.Anything)
	})

	t.Run("discovery", func(t *testing.T) {
		f := &fixture{catalog: &mockCatalog{}, hasher: &mockHasher{}, state: &mockState{}, reconciler: &mockReconciler{}}
		f.state.On("Exists", mock.Anything).Return(true, nil)
		f.reconciler.On("TrimOrphans", mock.Anything).Return(types.TrimResult{Removed: []string{"gis.public.gone"}}, nil)
		f.catalog.On("Discover", mock.Anything).Return(nil, errors.New("registry missing"))
		_, err := Detect(context.Background(), f.components(), Options{})
		require.ErrorContains(t, err, "discover tables")
	})
}

func TestDetectReportsRemovedTables(t *testing.T) {
	f := &fixture{catalog: &mockCatalog{}, hasher: &mockHasher{}, state: &mockState{}, reconciler: &mockReconciler{}}
	f.state.On("Exists", mock.Anything).Return(true, nil)
	f.reconciler.On("TrimOrphans", mock.Anything).Return(types.TrimResult{Removed: []string{"gis.public.gone"}}, nil)
	f.catalog.On("Discover", mock.Anything).Return(fieldMap(), nil)

	report, err := Detect(context.Background(), f.components(), Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"gis.public.gone"}, report.Removed)
	assert.Empty(t, report.Retained)
	assert.Empty(t, report.Results)
}

func TestDetectReportsRetainedOrphans(t *testing.T) {
	f := &fixture{catalog: &mockCatalog{}, hasher: &mockHasher{}, state: &mockState{}, reconciler: &mockReconciler{}}
	f.state.On("Exists", mock.Anything).Return(true, nil)
	f.reconciler.On("TrimOrphans", mock.Anything).Return(types.TrimResult{Retained: []string{"gis.public.gone"}}, nil)
	f.catalog.On("Discover", mock.Anything).Return(fieldMap(), nil)

	report, err := Detect(context.Background(), f.components(), Options{Development: true})
	require.NoError(t, err)
	assert.Empty(t, report.Removed)
	assert.Equal(t, []string{"gis.public.gone"}, report.Retained)
}

func TestDetectHonoursCancellation(t *testing.T) {
	f := newFixture("a", "b")
	ctx, cancel := context.WithCancel(context.Background())

	f.state.On("GetLastHash", mock.Anything, "gis.public.a").Return("", nil)
	f.hasher.On("Hash", mock.Anything, "gis.public.a", mock.Anything).
		Return(digest("1", 1), nil).
		Run(func(mock.Arguments) { cancel() })
	f.state.On("Upsert", mock.Anything, "gis.public.a", "1").Return(nil)

	_, err := Detect(ctx, f.components(), Options{})
	require.ErrorIs(t, err, context.Canceled)
	f.hasher.AssertNotCalled(t, "Hash", mock.Anything, "gis.public.b", mock.Anything)
}

func TestDetectRequiresComponents(t *testing.T) {
	_, err := Detect(context.Background(), Components{}, Options{})
	require.Error(t, err)
}

func TestNewComponents(t *testing.T) {
	cfg := config.Default()
	c := NewComponents(nil, cfg)
	require.NoError(t, c.validate())
	assert.Equal(t, "meta.changedetection", c.State.Name())
}

func TestProgressBar(t *testing.T) {
	var buf bytes.Buffer
	bar, wait := newProgressTo(&buf, 2)
	bar.Increment()
	bar.Increment()
	wait(false)

	bar, wait = newProgress(false, 5)
	bar.Increment()
	wait(true)
}

func TestEngineRequiresPool(t *testing.T) {
	var e *Engine
	_, err := e.Run(context.Background(), "CLI")
	require.Error(t, err)

	_, err = NewEngine(nil, config.Default(), nil).Run(context.Background(), "CLI")
	require.Error(t, err)
}

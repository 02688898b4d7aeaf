package adapters

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nadeem4/nl2sql-sub001/core"
	"github.com/nadeem4/nl2sql-sub001/plan"
	"github.com/nadeem4/nl2sql-sub001/schema"
)

// fakeAdapter is a minimal in-memory engine for registry tests.
type fakeAdapter struct {
	id string

	mu     sync.Mutex
	closed bool
	tables []schema.Table
}

func newFakeAdapter(id string, tables ...schema.Table) *fakeAdapter {
	return &fakeAdapter{id: id, tables: tables}
}

func (a *fakeAdapter) ID() string { return a.id }

func (a *fakeAdapter) Capabilities() Capabilities {
	return Capabilities{SQL: true, SchemaIntrospection: true, LimitOffset: true, Dialect: "fake"}
}

func (a *fakeAdapter) FetchSchema(ctx context.Context) (*schema.Snapshot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return &schema.Snapshot{DatasourceID: a.id, EngineType: "fake", Tables: a.tables}, nil
}

func (a *fakeAdapter) Execute(ctx context.Context, sql string, params []interface{}, limits Limits) (*plan.Frame, error) {
	return plan.NewFrame(), nil
}

func (a *fakeAdapter) DryRun(ctx context.Context, sql string) error { return nil }

func (a *fakeAdapter) CostEstimate(ctx context.Context, sql string) (int64, error) { return 0, nil }

func (a *fakeAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	return nil
}

func (a *fakeAdapter) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

func fakeFactory(adapter *fakeAdapter) Factory {
	return func(cfg DatasourceConfig, logger core.Logger) (Adapter, error) {
		return adapter, nil
	}
}

func ordersTable() schema.Table {
	return schema.Table{Name: "orders", Columns: []schema.Column{
		{Name: "id", Type: "integer"},
		{Name: "total", Type: "numeric"},
	}}
}

func TestRegisterFactoryValidates(t *testing.T) {
	r := NewRegistry(schema.NewMemoryStore(4), nil)

	assert.ErrorIs(t, r.RegisterFactory("", fakeFactory(newFakeAdapter("x"))), core.ErrInvalidConfiguration)
	assert.ErrorIs(t, r.RegisterFactory("fake", nil), core.ErrInvalidConfiguration)

	require.NoError(t, r.RegisterFactory("fake", fakeFactory(newFakeAdapter("x"))))
	assert.ErrorIs(t, r.RegisterFactory("fake", fakeFactory(newFakeAdapter("y"))), core.ErrInvalidConfiguration)
}

func TestRegisterUnknownConnectionType(t *testing.T) {
	r := NewRegistry(schema.NewMemoryStore(4), nil)

	err := r.Register(DatasourceConfig{ID: "sales", Connection: map[string]string{"type": "oracle"}}, nil)
	assert.ErrorIs(t, err, core.ErrInvalidConfiguration)

	err = r.Register(DatasourceConfig{Connection: map[string]string{"type": "fake"}}, nil)
	assert.ErrorIs(t, err, core.ErrInvalidConfiguration)
}

func TestRegisterAndGet(t *testing.T) {
	r := NewRegistry(schema.NewMemoryStore(4), nil)
	require.NoError(t, r.RegisterFactory("fake", fakeFactory(newFakeAdapter("sales"))))

	cfg := DatasourceConfig{ID: "sales", RowLimit: 50, Connection: map[string]string{"type": "fake"}}
	require.NoError(t, r.Register(cfg, nil))

	adapter, err := r.Get("sales")
	require.NoError(t, err)
	assert.Equal(t, "sales", adapter.ID())

	got, err := r.Config("sales")
	require.NoError(t, err)
	assert.Equal(t, 50, got.RowLimit)

	_, err = r.Get("warehouse")
	assert.ErrorIs(t, err, core.ErrDatasourceNotFound)
	_, err = r.Config("warehouse")
	assert.ErrorIs(t, err, core.ErrDatasourceNotFound)
}

// TestRegisterHotReplace verifies re-registering an id swaps the adapter
// and closes the old one.
func TestRegisterHotReplace(t *testing.T) {
	store := schema.NewMemoryStore(4)
	r := NewRegistry(store, nil)

	old := newFakeAdapter("sales")
	r.RegisterAdapter(old, DatasourceConfig{ID: "sales"})

	replacement := newFakeAdapter("sales")
	require.NoError(t, r.RegisterFactory("fake", fakeFactory(replacement)))
	require.NoError(t, r.Register(DatasourceConfig{ID: "sales", Connection: map[string]string{"type": "fake"}}, nil))

	assert.True(t, old.isClosed())
	adapter, err := r.Get("sales")
	require.NoError(t, err)
	assert.Same(t, Adapter(replacement), adapter)
	assert.Len(t, r.List(), 1)
}

func TestRegistryListSorted(t *testing.T) {
	r := NewRegistry(schema.NewMemoryStore(4), nil)
	r.RegisterAdapter(newFakeAdapter("warehouse"), DatasourceConfig{})
	r.RegisterAdapter(newFakeAdapter("sales"), DatasourceConfig{})

	assert.Equal(t, []string{"sales", "warehouse"}, r.List())
}

// TestRefresh introspects the adapter and publishes the snapshot; an
// unchanged schema keeps its version id.
func TestRefresh(t *testing.T) {
	store := schema.NewMemoryStore(4)
	r := NewRegistry(store, nil)
	adapter := newFakeAdapter("sales", ordersTable())
	r.RegisterAdapter(adapter, DatasourceConfig{ID: "sales"})

	ctx := context.Background()
	v1, err := r.Refresh(ctx, "sales")
	require.NoError(t, err)
	require.NotEmpty(t, v1)

	snapshot, err := store.Get(ctx, "sales", "")
	require.NoError(t, err)
	assert.Equal(t, v1, snapshot.VersionID)
	require.Len(t, snapshot.Tables, 1)
	assert.Equal(t, "orders", snapshot.Tables[0].Name)

	t.Run("unchanged schema is idempotent", func(t *testing.T) {
		v2, err := r.Refresh(ctx, "sales")
		require.NoError(t, err)
		assert.Equal(t, v1, v2)
	})

	t.Run("changed schema gets a new version", func(t *testing.T) {
		adapter.mu.Lock()
		adapter.tables[0].Columns = append(adapter.tables[0].Columns, schema.Column{Name: "region", Type: "text"})
		adapter.mu.Unlock()

		v3, err := r.Refresh(ctx, "sales")
		require.NoError(t, err)
		assert.NotEqual(t, v1, v3)
	})

	t.Run("unknown datasource", func(t *testing.T) {
		_, err := r.Refresh(ctx, "warehouse")
		assert.ErrorIs(t, err, core.ErrDatasourceNotFound)
	})
}

func TestRegistryClose(t *testing.T) {
	r := NewRegistry(schema.NewMemoryStore(4), nil)
	a := newFakeAdapter("sales")
	b := newFakeAdapter("hr")
	r.RegisterAdapter(a, DatasourceConfig{})
	r.RegisterAdapter(b, DatasourceConfig{})

	require.NoError(t, r.Close())
	assert.True(t, a.isClosed())
	assert.True(t, b.isClosed())
	assert.Empty(t, r.List())
}

func TestLoadDatasourcesFile(t *testing.T) {
	t.Setenv("TEST_DS_PASSWORD", "hunter2")
	path := filepath.Join(t.TempDir(), "datasources.yaml")
	content := `version: 1
datasources:
  - id: sales
    description: primary sales db
    row_limit: 500
    connection:
      type: postgres
      dsn: postgres://app:${env:TEST_DS_PASSWORD}@localhost:5432/sales
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	file, err := LoadDatasourcesFile(path, core.NewSecretResolver())
	require.NoError(t, err)
	require.Len(t, file.Datasources, 1)

	ds := file.Datasources[0]
	assert.Equal(t, "sales", ds.ID)
	assert.Equal(t, 500, ds.RowLimit)
	assert.Equal(t, "postgres", ds.Type())
	assert.Contains(t, ds.Connection["dsn"], "hunter2")

	t.Run("missing secret fails", func(t *testing.T) {
		bad := filepath.Join(t.TempDir(), "datasources.yaml")
		require.NoError(t, os.WriteFile(bad, []byte(`version: 1
datasources:
  - id: x
    connection:
      type: postgres
      dsn: ${env:DOES_NOT_EXIST_AT_ALL}
`), 0o600))
		_, err := LoadDatasourcesFile(bad, core.NewSecretResolver())
		assert.ErrorIs(t, err, core.ErrMissingConfiguration)
	})
}

package adapters

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/nadeem4/nl2sql-sub001/core"
	"github.com/nadeem4/nl2sql-sub001/schema"
)

// Registry resolves adapters by datasource id. Datasources may be
// hot-added at any time; Refresh re-introspects a datasource and
// republishes its snapshot to the schema store (idempotent: an unchanged
// schema keeps its version id).
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	adapters  map[string]Adapter
	configs   map[string]DatasourceConfig

	schemaStore schema.Store
	logger      core.Logger
}

// NewRegistry creates a registry publishing snapshots to the given store.
func NewRegistry(schemaStore schema.Store, logger core.Logger) *Registry {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Registry{
		factories:   make(map[string]Factory),
		adapters:    make(map[string]Adapter),
		configs:     make(map[string]DatasourceConfig),
		schemaStore: schemaStore,
		logger:      logger,
	}
}

// RegisterFactory installs a factory for a connection type ("postgres",
// "mysql", ...). Typically called once at startup.
func (r *Registry) RegisterFactory(connType string, factory Factory) error {
	if connType == "" || factory == nil {
		return fmt.Errorf("%w: factory registration requires a type and a factory", core.ErrInvalidConfiguration)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[connType]; exists {
		return fmt.Errorf("%w: factory %q already registered", core.ErrInvalidConfiguration, connType)
	}
	r.factories[connType] = factory
	return nil
}

// Register builds the adapter for a datasource config and stores it under
// its id. Registering an existing id replaces the adapter (hot reload).
func (r *Registry) Register(cfg DatasourceConfig, logger core.Logger) error {
	if cfg.ID == "" {
		return fmt.Errorf("%w: datasource requires an id", core.ErrInvalidConfiguration)
	}
	r.mu.RLock()
	factory, ok := r.factories[cfg.Type()]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: no factory for connection type %q", core.ErrInvalidConfiguration, cfg.Type())
	}

	if logger == nil {
		logger = r.logger
	}
	adapter, err := factory(cfg, logger)
	if err != nil {
		return fmt.Errorf("building adapter %q: %w", cfg.ID, err)
	}

	r.mu.Lock()
	old := r.adapters[cfg.ID]
	r.adapters[cfg.ID] = adapter
	r.configs[cfg.ID] = cfg
	r.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}

	r.logger.Info("Datasource registered", map[string]interface{}{
		"operation":  "datasource_register",
		"datasource": cfg.ID,
		"type":       cfg.Type(),
	})
	return nil
}

// RegisterAdapter installs a pre-built adapter, used by tests and by
// embedded deployments that construct adapters themselves.
func (r *Registry) RegisterAdapter(adapter Adapter, cfg DatasourceConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[adapter.ID()] = adapter
	if cfg.ID == "" {
		cfg.ID = adapter.ID()
	}
	r.configs[adapter.ID()] = cfg
}

// Get returns the adapter for a datasource id.
func (r *Registry) Get(datasourceID string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[datasourceID]
	if !ok {
		return nil, fmt.Errorf("datasource %q: %w", datasourceID, core.ErrDatasourceNotFound)
	}
	return adapter, nil
}

// Config returns the registered config for a datasource id.
func (r *Registry) Config(datasourceID string) (DatasourceConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.configs[datasourceID]
	if !ok {
		return DatasourceConfig{}, fmt.Errorf("datasource %q: %w", datasourceID, core.ErrDatasourceNotFound)
	}
	return cfg, nil
}

// List returns registered datasource ids, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Refresh re-fetches the datasource's schema and republishes it to the
// schema store. Returns the (possibly unchanged) version id.
func (r *Registry) Refresh(ctx context.Context, datasourceID string) (string, error) {
	adapter, err := r.Get(datasourceID)
	if err != nil {
		return "", err
	}
	snapshot, err := adapter.FetchSchema(ctx)
	if err != nil {
		return "", fmt.Errorf("fetching schema for %q: %w", datasourceID, err)
	}
	version, err := r.schemaStore.Register(ctx, snapshot)
	if err != nil {
		return "", fmt.Errorf("registering schema for %q: %w", datasourceID, err)
	}
	r.logger.Info("Schema refreshed", map[string]interface{}{
		"operation":      "schema_refresh",
		"datasource":     datasourceID,
		"schema_version": version,
	})
	return version, nil
}

// Close releases every adapter.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for id, a := range r.adapters {
		if err := a.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(r.adapters, id)
	}
	return firstErr
}

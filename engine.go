// Package nl2sql is the engine facade: it wires the schema store,
// vector gateway, adapter registry, sandbox, artifact store, LLM
// gateway and policy checker into one pipeline runtime and exposes the
// query and management surface the HTTP layer (and embedding programs)
// call.
package nl2sql

import (
	"context"
	"fmt"
	"time"

	"github.com/nadeem4/nl2sql-sub001/adapters"
	"github.com/nadeem4/nl2sql-sub001/artifact"
	"github.com/nadeem4/nl2sql-sub001/core"
	"github.com/nadeem4/nl2sql-sub001/llm"
	"github.com/nadeem4/nl2sql-sub001/pipeline"
	"github.com/nadeem4/nl2sql-sub001/policy"
	"github.com/nadeem4/nl2sql-sub001/resilience"
	"github.com/nadeem4/nl2sql-sub001/sandbox"
	"github.com/nadeem4/nl2sql-sub001/schema"
	"github.com/nadeem4/nl2sql-sub001/telemetry"
	"github.com/nadeem4/nl2sql-sub001/vector"
)

// QueryOptions selects per-request behavior for RunQuery.
type QueryOptions = pipeline.Options

// Engine is the assembled system. Construct with NewEngine and Close
// when done; all methods are safe for concurrent use.
type Engine struct {
	settings *core.Settings
	logger   core.Logger
	metrics  core.Metrics
	otel     *telemetry.Provider
	audit    core.AuditSink
	secrets  *core.SecretResolver

	schemaStore schema.Store
	artifacts   artifact.Store
	registry    *adapters.Registry
	sandbox     *sandbox.Manager
	vectorIndex vector.Index
	vectorGW    *vector.Gateway
	llmRegistry *llm.Registry
	llmGateway  *llm.Gateway
	policies    *policy.Checker
	runtime     *pipeline.Runtime

	llmBreaker    *resilience.CircuitBreaker
	vectorBreaker *resilience.CircuitBreaker
	dbBreaker     *resilience.CircuitBreaker
}

// Option overrides a default collaborator, used by tests and embedders.
type Option func(*Engine)

// WithLogger replaces the structured logger.
func WithLogger(logger core.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithVectorIndex injects a vector index (tests use miniredis-backed or
// in-memory implementations).
func WithVectorIndex(index vector.Index) Option {
	return func(e *Engine) { e.vectorIndex = index }
}

// WithSchemaStore injects a schema store.
func WithSchemaStore(store schema.Store) Option {
	return func(e *Engine) { e.schemaStore = store }
}

// WithArtifactStore injects an artifact store.
func WithArtifactStore(store artifact.Store) Option {
	return func(e *Engine) { e.artifacts = store }
}

// WithLLMFactory installs the client factory the agent registry uses.
func WithLLMFactory(factory llm.ClientFactory) Option {
	return func(e *Engine) { e.llmRegistry = llm.NewRegistry(factory, e.logger) }
}

// WithPolicyChecker injects an access policy checker.
func WithPolicyChecker(checker *policy.Checker) Option {
	return func(e *Engine) { e.policies = checker }
}

// NewEngine builds the engine from settings. Missing optional backends
// degrade: no vector store means retrieval-free routing, no LLM config
// means the script provider.
func NewEngine(ctx context.Context, settings *core.Settings, opts ...Option) (*Engine, error) {
	if settings == nil {
		settings = core.LoadSettings()
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{settings: settings}
	e.logger = telemetry.NewLogger(telemetry.LoggerConfig{
		Level:     telemetry.ParseLogLevel(settings.LogLevel),
		Component: "nl2sql",
		Format:    settings.LogFormat,
	})

	for _, opt := range opts {
		opt(e)
	}

	provider, err := telemetry.InitOTel(ctx, telemetry.OTelConfig{
		Exporter:     settings.ObservabilityExporter,
		OTLPEndpoint: settings.OTLPEndpoint,
		ServiceName:  "nl2sql",
	})
	if err != nil {
		return nil, err
	}
	e.otel = provider
	e.metrics = provider.Metrics

	if e.audit, err = e.buildAuditSink(); err != nil {
		return nil, err
	}
	if e.secrets, err = core.LoadSecretResolver(settings.SecretsConfigPath); err != nil {
		return nil, err
	}

	e.llmBreaker = resilience.NewCircuitBreaker(&resilience.Config{
		Name: "llm", Logger: e.logger, Metrics: e.metrics,
	})
	e.vectorBreaker = resilience.NewCircuitBreaker(&resilience.Config{
		Name: "vector", Logger: e.logger, Metrics: e.metrics,
	})
	e.dbBreaker = resilience.NewCircuitBreaker(&resilience.Config{
		Name: "db", Logger: e.logger, Metrics: e.metrics,
	})

	if e.schemaStore == nil {
		if e.schemaStore, err = e.buildSchemaStore(); err != nil {
			return nil, err
		}
	}
	if e.artifacts == nil {
		if e.artifacts, err = e.buildArtifactStore(); err != nil {
			return nil, err
		}
	}

	e.registry = adapters.NewRegistry(e.schemaStore, e.logger)
	if err := e.registry.RegisterFactory("postgres", adapters.NewPostgresFactory()); err != nil {
		return nil, err
	}

	e.sandbox = sandbox.NewManager(e.registry, sandbox.Config{
		ExecWorkers:  settings.SandboxExecWorkers,
		IndexWorkers: settings.SandboxIndexWorkers,
		Logger:       e.logger,
		Metrics:      e.metrics,
	})

	if e.vectorIndex == nil {
		index, err := vector.NewRedisIndex(settings.VectorStoreAddr, e.logger)
		if err != nil {
			e.logger.Warn("Vector store unreachable, retrieval disabled", map[string]interface{}{
				"operation": "engine_init",
				"addr":      settings.VectorStoreAddr,
				"error":     err.Error(),
			})
			e.vectorIndex = vector.NewMemoryIndex()
		} else {
			e.vectorIndex = index
		}
	}
	e.vectorGW = vector.NewGateway(e.vectorIndex, vector.NewHashingEmbedder(0), e.schemaStore, e.vectorBreaker, vector.GatewayConfig{
		L1Threshold:    settings.RouterL1Threshold,
		L2Threshold:    settings.RouterL2Threshold,
		MismatchPolicy: vector.MismatchPolicy(settings.SchemaVersionMismatchPolicy),
		Logger:         e.logger,
		Metrics:        e.metrics,
	})

	if e.llmRegistry == nil {
		e.llmRegistry = llm.NewRegistry(nil, e.logger)
	}
	if settings.LLMConfigPath != "" {
		file, err := llm.LoadFile(settings.LLMConfigPath, e.secrets)
		if err != nil {
			return nil, err
		}
		if err := e.llmRegistry.LoadAll(file); err != nil {
			return nil, err
		}
	}
	e.llmGateway = llm.NewGateway(e.llmRegistry, e.llmBreaker, e.audit, e.metrics, e.logger)

	if e.policies == nil {
		if e.policies, err = policy.Load(settings.PoliciesConfigPath); err != nil {
			return nil, err
		}
	}

	if settings.DatasourceConfigPath != "" {
		if err := e.AddDatasourceFromConfig(ctx, settings.DatasourceConfigPath); err != nil {
			return nil, err
		}
	}

	e.runtime = pipeline.NewRuntime(pipeline.Deps{
		Settings:    settings,
		Registry:    e.registry,
		SchemaStore: e.schemaStore,
		Vector:      e.vectorGW,
		LLM:         e.llmGateway,
		Sandbox:     e.sandbox,
		Artifacts:   e.artifacts,
		Policy:      e.policies,
		DBBreaker:   e.dbBreaker,
		Logger:      e.logger,
		Metrics:     e.metrics,
	})
	return e, nil
}

func (e *Engine) buildAuditSink() (core.AuditSink, error) {
	switch e.settings.AuditSink {
	case "kafka":
		return telemetry.NewKafkaAuditSink(e.settings.AuditKafkaBrokers, e.settings.AuditKafkaTopic, e.logger, e.metrics), nil
	case "", "file":
		return telemetry.NewFileAuditSink(e.settings.AuditLogPath, e.logger, e.metrics)
	default:
		return nil, fmt.Errorf("%w: AUDIT_SINK=%q", core.ErrInvalidConfiguration, e.settings.AuditSink)
	}
}

func (e *Engine) buildSchemaStore() (schema.Store, error) {
	switch e.settings.SchemaStoreBackend {
	case "postgres":
		return schema.NewPostgresStore(e.settings.SchemaStoreDSN, e.settings.SchemaStoreMaxVersions, e.logger)
	case "", "memory":
		return schema.NewMemoryStore(e.settings.SchemaStoreMaxVersions), nil
	default:
		return nil, fmt.Errorf("%w: SCHEMA_STORE_BACKEND=%q", core.ErrInvalidConfiguration, e.settings.SchemaStoreBackend)
	}
}

func (e *Engine) buildArtifactStore() (artifact.Store, error) {
	switch e.settings.ArtifactBackend {
	case "memory":
		return artifact.NewMemoryStore(), nil
	case "", "fs":
		return artifact.NewFSStore(e.settings.ArtifactBaseURI, e.settings.ArtifactPathTemplate, e.logger)
	default:
		return nil, fmt.Errorf("%w: RESULT_ARTIFACT_BACKEND=%q", core.ErrInvalidConfiguration, e.settings.ArtifactBackend)
	}
}

// RunQuery answers one natural-language question. It never returns an
// error: failures are inside QueryResult.Errors.
func (e *Engine) RunQuery(ctx context.Context, query string, opts QueryOptions) *core.QueryResult {
	return e.runtime.Run(ctx, query, opts)
}

// AddDatasource registers a datasource and introspects its schema.
func (e *Engine) AddDatasource(ctx context.Context, cfg adapters.DatasourceConfig) error {
	if err := e.registry.Register(cfg, e.logger); err != nil {
		return err
	}
	if _, err := e.registry.Refresh(ctx, cfg.ID); err != nil {
		e.logger.Warn("Schema introspection failed, datasource registered without snapshot", map[string]interface{}{
			"operation":  "add_datasource",
			"datasource": cfg.ID,
			"error":      err.Error(),
		})
	}
	return nil
}

// AddDatasourceFromConfig registers every datasource in a config file.
func (e *Engine) AddDatasourceFromConfig(ctx context.Context, path string) error {
	file, err := adapters.LoadDatasourcesFile(path, e.secrets)
	if err != nil {
		return err
	}
	for _, cfg := range file.Datasources {
		if err := e.AddDatasource(ctx, cfg); err != nil {
			return fmt.Errorf("registering datasource %q: %w", cfg.ID, err)
		}
	}
	return nil
}

// ListDatasources returns registered datasource ids.
func (e *Engine) ListDatasources() []string {
	return e.registry.List()
}

// HasDatasource reports whether a datasource id is registered.
func (e *Engine) HasDatasource(id string) bool {
	_, err := e.registry.Get(id)
	return err == nil
}

// IndexDatasource (re)builds the vector index for one datasource from
// its newest schema snapshot.
func (e *Engine) IndexDatasource(ctx context.Context, id string) (*vector.IndexStats, error) {
	snapshot, err := e.schemaStore.Get(ctx, id, "")
	if err != nil {
		// Not introspected yet: refresh publishes a snapshot first.
		if _, refreshErr := e.registry.Refresh(ctx, id); refreshErr != nil {
			return nil, refreshErr
		}
		if snapshot, err = e.schemaStore.Get(ctx, id, ""); err != nil {
			return nil, err
		}
	}
	return e.vectorGW.IndexSnapshot(ctx, snapshot, snapshot.VersionID, nil)
}

// IndexOutcome is one datasource's result from IndexAllDatasources.
type IndexOutcome struct {
	Stats *vector.IndexStats `json:"stats,omitempty"`
	Error string             `json:"error,omitempty"`
}

// IndexAllDatasources indexes every registered datasource, continuing
// past per-datasource failures.
func (e *Engine) IndexAllDatasources(ctx context.Context) map[string]IndexOutcome {
	out := make(map[string]IndexOutcome)
	for _, id := range e.registry.List() {
		stats, err := e.IndexDatasource(ctx, id)
		if err != nil {
			out[id] = IndexOutcome{Error: err.Error()}
			continue
		}
		out[id] = IndexOutcome{Stats: stats}
	}
	return out
}

// ClearIndex removes every chunk from the vector index.
func (e *Engine) ClearIndex(ctx context.Context) error {
	return e.vectorGW.Clear(ctx)
}

// ConfigureLLM registers (or replaces) one named agent.
func (e *Engine) ConfigureLLM(cfg llm.AgentConfig) error {
	return e.llmRegistry.Register(cfg)
}

// ConfigureLLMFromConfig loads agents from a YAML file.
func (e *Engine) ConfigureLLMFromConfig(path string) error {
	file, err := llm.LoadFile(path, e.secrets)
	if err != nil {
		return err
	}
	return e.llmRegistry.LoadAll(file)
}

// GetLLM returns the secret-stripped config of one agent.
func (e *Engine) GetLLM(name string) (map[string]interface{}, error) {
	return e.llmRegistry.Config(name)
}

// ListLLMs returns secret-stripped configs of all agents.
func (e *Engine) ListLLMs() []map[string]interface{} {
	return e.llmRegistry.List()
}

// CheckPermissions reports whether the user may read a table. Pure:
// no state is touched and no error is possible.
func (e *Engine) CheckPermissions(user core.UserContext, datasourceID, table string) bool {
	return e.policies.Allowed(user, datasourceID+"."+table)
}

// AllowedResources lists what a user may touch.
type AllowedResources struct {
	Datasources []string `json:"datasources"`
	Tables      []string `json:"tables"`
}

// GetAllowedResources enumerates the user's accessible datasources and
// tables, based on the newest schema snapshots.
func (e *Engine) GetAllowedResources(ctx context.Context, user core.UserContext) AllowedResources {
	out := AllowedResources{
		Datasources: e.policies.AllowedDatasources(user, e.registry.List()),
	}
	for _, ds := range out.Datasources {
		snapshot, err := e.schemaStore.Get(ctx, ds, "")
		if err != nil {
			continue
		}
		names := make([]string, len(snapshot.Tables))
		for i, t := range snapshot.Tables {
			names[i] = t.Name
		}
		allowed, _ := e.policies.AllowedTables(user, ds, names)
		for _, t := range allowed {
			out.Tables = append(out.Tables, ds+"."+t)
		}
	}
	return out
}

// CurrentSettings returns the secret-free settings map.
func (e *Engine) CurrentSettings() map[string]interface{} {
	return e.settings.Map()
}

// GetSetting returns one settings value by its map key.
func (e *Engine) GetSetting(key string) (interface{}, bool) {
	v, ok := e.settings.Map()[key]
	return v, ok
}

// ValidateConfiguration re-checks the loaded settings.
func (e *Engine) ValidateConfiguration() error {
	return e.settings.Validate()
}

// Close releases every owned resource. Safe to call once.
func (e *Engine) Close(ctx context.Context) error {
	e.sandbox.Close()
	var firstErr error
	if err := e.registry.Close(); err != nil {
		firstErr = err
	}
	if err := e.audit.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if closer, ok := e.vectorIndex.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := e.otel.Shutdown(shutdownCtx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

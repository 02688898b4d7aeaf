package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nadeem4/nl2sql-sub001/adapters"
	"github.com/nadeem4/nl2sql-sub001/artifact"
	"github.com/nadeem4/nl2sql-sub001/core"
	"github.com/nadeem4/nl2sql-sub001/llm"
	"github.com/nadeem4/nl2sql-sub001/plan"
	"github.com/nadeem4/nl2sql-sub001/policy"
	"github.com/nadeem4/nl2sql-sub001/resilience"
	"github.com/nadeem4/nl2sql-sub001/sandbox"
	"github.com/nadeem4/nl2sql-sub001/schema"
	"github.com/nadeem4/nl2sql-sub001/vector"
)

// Canned model outputs for the scripted LLM. Each constant is the JSON a
// stage expects back from its agent.
const (
	semanticJSON   = `{"normalized":"total revenue by region","entities":["revenue","region"]}`
	allowJSON      = `{"allowed": true}`
	singleDecompJS = `[{"id":"sq_1","text":"total revenue by region","datasource_id":"sales","depends_on":[]}]`
	doubleDecompJS = `[{"id":"sq_1","text":"revenue east","datasource_id":"sales","depends_on":[]},
{"id":"sq_2","text":"revenue west","datasource_id":"sales","depends_on":[]}]`
	goodPlanJSON = `{"statement_type":"SELECT","from":"orders","select_items":[{"kind":"column","name":"region"},{"kind":"column","name":"total"}]}`
	badPlanJSON  = `{"statement_type":"SELECT","from":"orders","select_items":[{"kind":"column","name":"revenue"}]}`
	unionPlanJS  = `{"root":{"kind":"union","children":[{"kind":"input","subquery_id":"sq_1"},{"kind":"input","subquery_id":"sq_2"}]}}`
)

func happyScript() *llm.ScriptClient {
	return llm.NewScriptClient().
		On("Normalize this analytics question", semanticJSON).
		On("You are a security gate", allowJSON).
		On("Decompose this question", singleDecompJS).
		On("Combine the outputs", unionPlanJS).
		On("Produce a logical SELECT plan", goodPlanJSON)
}

// stubAdapter is a scriptable in-memory datasource.
type stubAdapter struct {
	id   string
	caps adapters.Capabilities

	mu        sync.Mutex
	execCalls int
	dryCalls  int
	execFn    func(ctx context.Context, sql string) (*plan.Frame, error)
}

func newStubAdapter(id string) *stubAdapter {
	return &stubAdapter{
		id: id,
		caps: adapters.Capabilities{
			SQL: true, SchemaIntrospection: true, DryRun: true,
			LimitOffset: true, Dialect: "postgres",
		},
	}
}

func (a *stubAdapter) ID() string                        { return a.id }
func (a *stubAdapter) Capabilities() adapters.Capabilities { return a.caps }
func (a *stubAdapter) Close() error                      { return nil }

func (a *stubAdapter) FetchSchema(ctx context.Context) (*schema.Snapshot, error) {
	return salesSnapshot(), nil
}

func (a *stubAdapter) Execute(ctx context.Context, sql string, params []interface{}, limits adapters.Limits) (*plan.Frame, error) {
	a.mu.Lock()
	a.execCalls++
	fn := a.execFn
	a.mu.Unlock()
	if fn != nil {
		return fn(ctx, sql)
	}
	return &plan.Frame{
		Columns: []string{"region", "total"},
		Rows:    [][]interface{}{{"east", 100}, {"west", 50}},
	}, nil
}

func (a *stubAdapter) DryRun(ctx context.Context, sql string) error {
	a.mu.Lock()
	a.dryCalls++
	a.mu.Unlock()
	return nil
}

func (a *stubAdapter) CostEstimate(ctx context.Context, sql string) (int64, error) {
	return 0, nil
}

func (a *stubAdapter) counts() (exec, dry int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.execCalls, a.dryCalls
}

type testEnv struct {
	settings  *core.Settings
	adapter   *stubAdapter
	script    *llm.ScriptClient
	dbBreaker *resilience.CircuitBreaker
	runtime   *Runtime
}

func newTestEnv(t *testing.T, script *llm.ScriptClient) *testEnv {
	t.Helper()

	settings := &core.Settings{
		GlobalTimeout:              5 * time.Second,
		SQLAgentMaxRetries:         2,
		SQLAgentRetryBaseDelay:     time.Millisecond,
		SQLAgentRetryMaxDelay:      2 * time.Millisecond,
		LogicalValidatorStrictCols: true,
		TenantID:                   "default",
		DefaultRowLimit:            100,
		DefaultMaxBytes:            1 << 20,
		DefaultStatementTimeoutMS:  1000,
	}

	schemaStore := schema.NewMemoryStore(4)
	_, err := schemaStore.Register(context.Background(), salesSnapshot())
	require.NoError(t, err)

	registry := adapters.NewRegistry(schemaStore, nil)
	adapter := newStubAdapter("sales")
	registry.RegisterAdapter(adapter, adapters.DatasourceConfig{ID: "sales"})

	manager := sandbox.NewManager(registry, sandbox.Config{ExecWorkers: 2, IndexWorkers: 1})
	t.Cleanup(manager.Close)

	llmRegistry := llm.NewRegistry(func(cfg llm.AgentConfig) (core.LLMClient, error) { return script, nil }, nil)
	require.NoError(t, llmRegistry.Register(llm.AgentConfig{Name: llm.AgentDefault, Provider: "script", Model: "scripted"}))
	llmBreaker := resilience.NewCircuitBreaker(&resilience.Config{Name: "llm", FailMax: 2, ResetTimeout: time.Minute})

	vecBreaker := resilience.NewCircuitBreaker(&resilience.Config{Name: "vector", FailMax: 3, ResetTimeout: time.Minute})
	dbBreaker := resilience.NewCircuitBreaker(&resilience.Config{Name: "db", FailMax: 3, ResetTimeout: time.Minute})

	runtime := NewRuntime(Deps{
		Settings:    settings,
		Registry:    registry,
		SchemaStore: schemaStore,
		Vector: vector.NewGateway(vector.NewMemoryIndex(), vector.NewHashingEmbedder(64),
			schemaStore, vecBreaker, vector.GatewayConfig{}),
		LLM:       llm.NewGateway(llmRegistry, llmBreaker, nil, nil, nil),
		Sandbox:   manager,
		Artifacts: artifact.NewMemoryStore(),
		Policy:    policy.NewChecker([]policy.RolePolicy{{Role: "analyst", AllowedTables: []string{"sales.*"}}}),
		DBBreaker: dbBreaker,
	})

	return &testEnv{
		settings:  settings,
		adapter:   adapter,
		script:    script,
		dbBreaker: dbBreaker,
		runtime:   runtime,
	}
}

func execOptions() Options {
	return Options{Execute: true, User: analyst()}
}

// TestRunHappyPath walks a single-datasource question end to end:
// normalize, gate, retrieve, decompose, plan, validate, generate,
// dry-run, execute, aggregate.
func TestRunHappyPath(t *testing.T) {
	env := newTestEnv(t, happyScript())

	result := env.runtime.Run(context.Background(), "total revenue by region", execOptions())

	assert.Empty(t, result.Errors)
	assert.Equal(t, "SELECT region, total FROM orders LIMIT 100", result.SQL)
	assert.Contains(t, result.FinalAnswer, "returned 2 rows")
	assert.Contains(t, result.FinalAnswer, "region=east, total=100")
	require.Len(t, result.Results, 2)
	assert.Equal(t, "east", result.Results[0]["region"])
	assert.NotEmpty(t, result.TraceID)

	exec, dry := env.adapter.counts()
	assert.Equal(t, 1, exec)
	assert.Equal(t, 1, dry)

	// Four model exchanges, all before execution: semantic, gate,
	// decomposer, planner. The aggregator never calls a model.
	assert.Len(t, env.script.Calls(), 4)
}

// TestRunMultiSubQueryUnion fans out two sub-queries and combines their
// frames through the model-provided aggregation plan.
func TestRunMultiSubQueryUnion(t *testing.T) {
	script := llm.NewScriptClient().
		On("Normalize this analytics question", semanticJSON).
		On("You are a security gate", allowJSON).
		On("Decompose this question", doubleDecompJS).
		On("Combine the outputs", unionPlanJS).
		On("Produce a logical SELECT plan", goodPlanJSON)
	env := newTestEnv(t, script)

	result := env.runtime.Run(context.Background(), "revenue east and west", execOptions())

	assert.Empty(t, result.Errors)
	assert.Contains(t, result.FinalAnswer, "returned 4 rows")
	assert.Len(t, result.Results, 4)
	// Two generated statements, one per sub-query.
	assert.Len(t, strings.Split(result.SQL, "\n"), 2)

	exec, _ := env.adapter.counts()
	assert.Equal(t, 2, exec)

	var sawCombine bool
	for _, prompt := range script.Calls() {
		if strings.Contains(prompt, "Combine the outputs") {
			sawCombine = true
		}
	}
	assert.True(t, sawCombine)
}

// TestRunExecutionDisabled stops after dry-run and answers with the SQL
// that would have run.
func TestRunExecutionDisabled(t *testing.T) {
	env := newTestEnv(t, happyScript())

	result := env.runtime.Run(context.Background(), "total revenue by region",
		Options{Execute: false, User: analyst()})

	assert.Empty(t, result.Errors)
	assert.Contains(t, result.FinalAnswer, "Execution was disabled")
	assert.Contains(t, result.FinalAnswer, "I would have executed: SELECT region, total FROM orders")
	assert.Empty(t, result.Results)

	exec, dry := env.adapter.counts()
	assert.Equal(t, 0, exec)
	assert.Equal(t, 1, dry)
}

// TestRunDatabaseBreakerOpen degrades to the SQL-only answer when the DB
// breaker is already open: nothing is submitted to the sandbox.
func TestRunDatabaseBreakerOpen(t *testing.T) {
	env := newTestEnv(t, happyScript())

	dbDown := errors.New("connection refused")
	for i := 0; i < 3; i++ {
		_ = env.dbBreaker.Execute(context.Background(), func(ctx context.Context) error { return dbDown })
	}
	require.Equal(t, resilience.StateOpen, env.dbBreaker.State())

	result := env.runtime.Run(context.Background(), "total revenue by region", execOptions())

	assert.Contains(t, result.FinalAnswer, "database is temporarily unavailable")
	assert.Contains(t, result.FinalAnswer, "I would have executed: SELECT")
	require.NotEmpty(t, result.Errors)
	assert.Equal(t, core.CodeBreakerOpen, result.Errors[0].Code)

	exec, dry := env.adapter.counts()
	assert.Equal(t, 0, exec)
	assert.Equal(t, 0, dry)
}

// TestRunRefinementLoop feeds a plan with a bad column through the
// refiner: the second planning prompt carries the failure feedback and
// the corrected plan executes.
func TestRunRefinementLoop(t *testing.T) {
	script := llm.NewScriptClient().
		On("A previous attempt failed", goodPlanJSON).
		On("Normalize this analytics question", semanticJSON).
		On("You are a security gate", allowJSON).
		On("Decompose this question", singleDecompJS).
		On("Produce a logical SELECT plan", badPlanJSON).
		On("A SQL plan failed validation", "select only columns that exist: region, total")
	env := newTestEnv(t, script)

	result := env.runtime.Run(context.Background(), "total revenue by region", execOptions())

	assert.Contains(t, result.FinalAnswer, "returned 2 rows")
	require.Len(t, result.Errors, 1)
	assert.Equal(t, core.CodeLogicalValidationFailed, result.Errors[0].Code)

	var refinedPrompt string
	for _, prompt := range script.Calls() {
		if strings.Contains(prompt, "A previous attempt failed") {
			refinedPrompt = prompt
		}
	}
	require.NotEmpty(t, refinedPrompt)
	assert.Contains(t, refinedPrompt, "guidance: select only columns that exist")

	exec, _ := env.adapter.counts()
	assert.Equal(t, 1, exec)
}

// TestRunRetryExhaustion marks the sub-query fatal once the retry budget
// is spent on the same validation failure.
func TestRunRetryExhaustion(t *testing.T) {
	script := llm.NewScriptClient().
		On("Normalize this analytics question", semanticJSON).
		On("You are a security gate", allowJSON).
		On("Decompose this question", singleDecompJS).
		On("Produce a logical SELECT plan", badPlanJSON).
		On("A SQL plan failed validation", "hint")
	env := newTestEnv(t, script)

	result := env.runtime.Run(context.Background(), "total revenue by region", execOptions())

	assert.True(t, result.HasFatal())

	var exhausted, missingInput *core.PipelineError
	for i := range result.Errors {
		pe := &result.Errors[i]
		if pe.Code == core.CodeLogicalValidationFailed && pe.Severity == core.SeverityFatal {
			exhausted = pe
		}
		if pe.Node == "aggregator" {
			missingInput = pe
		}
	}
	require.NotNil(t, exhausted)
	assert.Contains(t, exhausted.Message, "after 2 attempts")

	// The aggregator records the absent input as terminal in its own
	// right.
	require.NotNil(t, missingInput)
	assert.Equal(t, core.CodeExecutionFailed, missingInput.Code)
	assert.True(t, missingInput.IsFatal())
	assert.Contains(t, missingInput.Message, "produced no result")

	exec, _ := env.adapter.counts()
	assert.Equal(t, 0, exec)
}

// TestRunGlobalTimeout caps the whole request: a hung driver surfaces as
// PIPELINE_TIMEOUT with the SQL-only degradation answer.
func TestRunGlobalTimeout(t *testing.T) {
	env := newTestEnv(t, happyScript())
	env.settings.GlobalTimeout = 80 * time.Millisecond
	env.adapter.execFn = func(ctx context.Context, sql string) (*plan.Frame, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	result := env.runtime.Run(context.Background(), "total revenue by region", execOptions())

	assert.Contains(t, result.FinalAnswer, "timed out")
	assert.Contains(t, result.FinalAnswer, "I would have executed: SELECT")
	var sawTimeout bool
	for _, pe := range result.Errors {
		if pe.Code == core.CodePipelineTimeout {
			sawTimeout = true
		}
	}
	assert.True(t, sawTimeout)
	assert.True(t, result.HasFatal())
}

// TestRunIntentRejected stops at the gate: nothing downstream runs and
// the rejection is fatal.
func TestRunIntentRejected(t *testing.T) {
	script := llm.NewScriptClient().
		On("Normalize this analytics question", semanticJSON).
		On("You are a security gate", `{"allowed": false, "reason": "asks to modify data"}`)
	env := newTestEnv(t, script)

	result := env.runtime.Run(context.Background(), "drop the orders table", execOptions())

	assert.Equal(t, "This request was rejected by the access gate.", result.FinalAnswer)
	require.NotEmpty(t, result.Errors)
	assert.Equal(t, core.CodeIntentRejected, result.Errors[0].Code)
	assert.True(t, result.HasFatal())

	// Only the semantic and gate exchanges happened.
	assert.Len(t, script.Calls(), 2)
	exec, dry := env.adapter.counts()
	assert.Zero(t, exec)
	assert.Zero(t, dry)
}

// TestRunNoAccessibleDatasources fails closed for a user whose roles
// grant nothing.
func TestRunNoAccessibleDatasources(t *testing.T) {
	env := newTestEnv(t, happyScript())

	result := env.runtime.Run(context.Background(), "total revenue by region",
		Options{Execute: true, User: core.UserContext{UserID: "guest"}})

	assert.Equal(t, "You do not have access to the data this question requires.", result.FinalAnswer)
	require.NotEmpty(t, result.Errors)
	assert.Equal(t, core.CodeSecurityViolation, result.Errors[0].Code)
}

// TestRunUnknownDatasource rejects a request pinned to an unregistered
// datasource.
func TestRunUnknownDatasource(t *testing.T) {
	env := newTestEnv(t, happyScript())

	result := env.runtime.Run(context.Background(), "total revenue by region",
		Options{Execute: true, DatasourceID: "warehouse", User: analyst()})

	require.NotEmpty(t, result.Errors)
	assert.Equal(t, core.CodeAdapterUnavailable, result.Errors[0].Code)
	assert.True(t, result.HasFatal())
	assert.Equal(t, "The request could not be completed.", result.FinalAnswer)
}

// TestRunLLMOutage lets optional stages degrade past provider failures
// until the breaker opens, then answers with the retry-shortly message.
func TestRunLLMOutage(t *testing.T) {
	script := llm.NewScriptClient().OnError("", errors.New("upstream 503"))
	env := newTestEnv(t, script)

	result := env.runtime.Run(context.Background(), "total revenue by region", execOptions())

	assert.Equal(t, "The service is temporarily unavailable. Please retry shortly.", result.FinalAnswer)
	require.NotEmpty(t, result.Errors)
	assert.Equal(t, core.CodeBreakerOpen, result.Errors[0].Code)
	// Semantic and gate each reached the provider and degraded with a
	// warning; the decomposer hit the open breaker without a call.
	assert.Len(t, script.Calls(), 2)
	assert.NotEmpty(t, result.Warnings)
}

package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nadeem4/nl2sql-sub001/adapters"
	"github.com/nadeem4/nl2sql-sub001/artifact"
	"github.com/nadeem4/nl2sql-sub001/core"
	"github.com/nadeem4/nl2sql-sub001/llm"
	"github.com/nadeem4/nl2sql-sub001/policy"
	"github.com/nadeem4/nl2sql-sub001/resilience"
	"github.com/nadeem4/nl2sql-sub001/sandbox"
	"github.com/nadeem4/nl2sql-sub001/schema"
	"github.com/nadeem4/nl2sql-sub001/telemetry"
	"github.com/nadeem4/nl2sql-sub001/vector"
)

// Deps are the process-wide collaborators the runtime orchestrates.
type Deps struct {
	Settings    *core.Settings
	Registry    *adapters.Registry
	SchemaStore schema.Store
	Vector      *vector.Gateway
	LLM         *llm.Gateway
	Sandbox     *sandbox.Manager
	Artifacts   artifact.Store
	Policy      *policy.Checker
	DBBreaker   *resilience.CircuitBreaker
	Logger      core.Logger
	Metrics     core.Metrics
}

// Runtime walks one request through the graph: the linear ingress
// prefix, the fan-out of SQL agents over dependency layers, and the
// aggregation fan-in. The global deadline is a hard cap: when it fires,
// in-flight work is cancelled and whatever completed is reported.
type Runtime struct {
	deps Deps
}

// NewRuntime validates and binds the dependencies.
func NewRuntime(deps Deps) *Runtime {
	if deps.Logger == nil {
		deps.Logger = &core.NoOpLogger{}
	}
	if deps.Metrics == nil {
		deps.Metrics = &core.NoOpMetrics{}
	}
	return &Runtime{deps: deps}
}

// Run processes one request. It never returns an error: every failure
// is inside the QueryResult.
func (r *Runtime) Run(ctx context.Context, query string, opts Options) *core.QueryResult {
	traceID := telemetry.TraceIDFromContext(ctx)
	if traceID == "" {
		traceID = telemetry.NewTraceID()
		ctx = telemetry.WithTraceID(ctx, traceID)
	}
	tenantID := opts.User.TenantID
	if tenantID == "" {
		tenantID = r.deps.Settings.TenantID
	}
	ctx = telemetry.WithUser(ctx, opts.User)

	ctx, cancel := context.WithTimeout(ctx, r.deps.Settings.GlobalTimeout)
	defer cancel()

	st := NewState(traceID, tenantID, query, opts)
	start := time.Now()
	r.deps.Logger.Info("Request started", map[string]interface{}{
		"operation": "pipeline_run",
		"trace_id":  traceID,
		"tenant_id": tenantID,
		"execute":   opts.Execute,
	})

	r.walk(ctx, st)

	result := st.Result()
	r.deps.Metrics.Histogram("pipeline_duration_seconds", time.Since(start).Seconds(), map[string]string{
		"fatal": boolLabel(result.HasFatal()),
	})
	r.deps.Logger.Info("Request finished", map[string]interface{}{
		"operation":   "pipeline_run",
		"trace_id":    traceID,
		"duration_ms": time.Since(start).Milliseconds(),
		"errors":      len(result.Errors),
		"rows":        len(result.Results),
	})
	return result
}

// walk runs the stages in order, stopping on the first terminal error.
func (r *Runtime) walk(ctx context.Context, st *State) {
	prefix := []struct {
		name string
		fn   stageFunc
	}{
		{"semantic", r.semanticNode},
		{"intent_validator", r.intentNode},
		{"schema_retriever", r.retrieveNode},
		{"decomposer", r.decomposeNode},
		{"planner", r.resultPlanNode},
	}
	for _, stage := range prefix {
		if err := r.runNode(ctx, st, stage.name, stage.fn); err != nil {
			r.recordTerminal(ctx, st, stage.name, err)
			return
		}
	}

	layers, err := topoLayers(st.SubQueries)
	if err != nil {
		st.AppendError(core.NewPipelineError("runtime", core.CodeExecutionFailed, err.Error(), nil))
		return
	}

	for _, layer := range layers {
		if ctx.Err() != nil {
			break
		}
		var wg sync.WaitGroup
		for _, sq := range layer {
			wg.Add(1)
			go func(sq core.SubQuery) {
				defer wg.Done()
				r.runNode(ctx, st, "sql_agent:"+sq.ID, func(ctx context.Context, st *State) error {
					r.runAgent(ctx, st, sq)
					return nil
				})
			}(sq)
		}
		wg.Wait()
	}

	if ctx.Err() != nil {
		st.AppendError(core.NewPipelineError("runtime", core.CodePipelineTimeout,
			"request exceeded the global deadline", ctx.Err()))
		st.FinalAnswer = wouldRunAnswer(st.SQLDraft(), "The request timed out before completing.")
		return
	}

	if err := r.runNode(ctx, st, "aggregator", r.aggregatorNode); err != nil {
		r.recordTerminal(ctx, st, "aggregator", err)
	}
}

// recordTerminal converts a stage error into state and the degradation
// answer the failure class calls for.
func (r *Runtime) recordTerminal(ctx context.Context, st *State, node string, err error) {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		st.AppendError(core.NewPipelineError(node, core.CodePipelineTimeout,
			"request exceeded the global deadline", err))
		st.FinalAnswer = wouldRunAnswer(st.SQLDraft(), "The request timed out before completing.")
		return
	}

	pe := core.AsPipelineError(err, node, core.CodeExecutionFailed)
	st.AppendError(pe)

	switch {
	case pe.Code == core.CodeBreakerOpen && errors.Is(pe.Err, core.ErrBreakerOpen) && node != "aggregator":
		// Pre-execution breaker-open comes from the LLM domain and is
		// terminal: nothing downstream can proceed without a model.
		st.FinalAnswer = "The service is temporarily unavailable. Please retry shortly."
	case pe.Code == core.CodeIntentRejected:
		st.FinalAnswer = "This request was rejected by the access gate."
	case pe.Code == core.CodeSecurityViolation:
		st.FinalAnswer = "You do not have access to the data this question requires."
	default:
		if st.FinalAnswer == "" {
			st.FinalAnswer = "The request could not be completed."
		}
	}
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

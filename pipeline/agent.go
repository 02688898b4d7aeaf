package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nadeem4/nl2sql-sub001/adapters"
	"github.com/nadeem4/nl2sql-sub001/artifact"
	"github.com/nadeem4/nl2sql-sub001/core"
	"github.com/nadeem4/nl2sql-sub001/llm"
	"github.com/nadeem4/nl2sql-sub001/plan"
	"github.com/nadeem4/nl2sql-sub001/resilience"
	"github.com/nadeem4/nl2sql-sub001/sandbox"
	"github.com/nadeem4/nl2sql-sub001/schema"
)

// agentPhase names the SQL agent's states for logging and reasoning.
type agentPhase string

const (
	phasePlanning   agentPhase = "planning"
	phaseValidating agentPhase = "validating"
	phaseGenerating agentPhase = "generating"
	phaseDryRun     agentPhase = "dry_run"
	phaseExecuting  agentPhase = "executing"
	phaseRefining   agentPhase = "refining"
	phaseDone       agentPhase = "done"
)

// runAgent drives one SubQuery through plan → validate → generate →
// dry-run → execute, looping back through the refiner on retryable
// failures, bounded by the configured retry budget. Every phase
// transition checks cancellation; sandbox phases additionally check the
// DB breaker. Errors are appended to state; the agent itself never
// fails the caller.
func (r *Runtime) runAgent(ctx context.Context, st *State, sq core.SubQuery) {
	node := "sql_agent:" + sq.ID
	maxAttempts := r.deps.Settings.SQLAgentMaxRetries
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	retryCfg := &resilience.RetryConfig{
		MaxAttempts: maxAttempts,
		BaseDelay:   r.deps.Settings.SQLAgentRetryBaseDelay,
		MaxDelay:    r.deps.Settings.SQLAgentRetryMaxDelay,
		JitterEnabled: r.deps.Settings.SQLAgentRetryJitter,
	}

	snapshot := st.Snapshots[sq.DatasourceID]
	if snapshot == nil {
		st.AppendError(core.NewPipelineError(node, core.CodeExecutionFailed,
			fmt.Sprintf("no schema snapshot for datasource %q", sq.DatasourceID), core.ErrSchemaNotFound))
		return
	}
	limits := r.limitsFor(sq.DatasourceID)

	feedback := ""
	for attempt := 0; attempt < maxAttempts; attempt++ {
		pe := r.agentAttempt(ctx, st, sq, snapshot, limits, feedback)
		if pe == nil {
			st.Reason(node, string(phaseDone), map[string]interface{}{"attempts": attempt + 1})
			return
		}

		if ctx.Err() != nil {
			st.AppendError(core.NewPipelineError(node, core.CodePipelineTimeout,
				"sub-query cancelled before completion", ctx.Err()))
			return
		}
		if errors.Is(pe.Err, core.ErrBreakerOpen) || pe.Code == core.CodeBreakerOpen {
			st.AppendError(pe)
			return
		}
		if pe.IsFatal() || !pe.Retryable {
			st.AppendError(pe)
			return
		}
		if attempt == maxAttempts-1 {
			// Exhausted: the terminal error is fatal for this SubQuery.
			final := *pe
			final.Severity = core.SeverityFatal
			final.Retryable = false
			final.Message = fmt.Sprintf("%s (after %d attempts)", pe.Message, maxAttempts)
			st.AppendError(&final)
			return
		}

		st.AppendError(pe)
		feedback = r.refine(ctx, st, sq, pe)
		st.Reason(node, string(phaseRefining), map[string]interface{}{
			"attempt":    attempt + 1,
			"error_code": string(pe.Code),
		})

		select {
		case <-time.After(retryCfg.Backoff(attempt + 1)):
		case <-ctx.Done():
			st.AppendError(core.NewPipelineError(node, core.CodePipelineTimeout,
				"sub-query cancelled during backoff", ctx.Err()))
			return
		}
	}
}

// agentAttempt runs one pass through the phases. A nil return means the
// SubQuery reached its terminal state for this request (executed, or
// SQL-only when execution is disabled).
func (r *Runtime) agentAttempt(ctx context.Context, st *State, sq core.SubQuery, snapshot *schema.Snapshot, limits adapters.Limits, feedback string) *core.PipelineError {
	// Planning.
	model, pe := r.planSubQuery(ctx, st, sq, snapshot, feedback)
	if pe != nil {
		return pe
	}

	// Validating.
	if pe := validateLogical(model, snapshot, r.deps.Policy, st.Options.User, r.deps.Settings.LogicalValidatorStrictCols); pe != nil {
		return pe
	}

	// Generating.
	adapter, err := r.deps.Registry.Get(sq.DatasourceID)
	if err != nil {
		return core.NewPipelineError("generator", core.CodeAdapterUnavailable,
			fmt.Sprintf("datasource %q unavailable", sq.DatasourceID), err)
	}
	sql, err := GenerateSQL(model, adapter.Capabilities(), limits.MaxRows)
	if err != nil {
		return core.NewPipelineError("generator", core.CodeMissingSQL,
			fmt.Sprintf("plan could not be rendered: %v", err), nil)
	}
	st.SetSubSQL(sq.ID, sql)
	st.Reason("generator", "sql generated", map[string]interface{}{
		"subquery": sq.ID,
		"dialect":  adapter.Capabilities().Dialect,
	})

	// Sandbox phases honor the breaker before submitting anything.
	if r.deps.DBBreaker.State() == resilience.StateOpen {
		st.MarkDBBreakerOpen()
		return core.NewPipelineError("physical_validator", core.CodeBreakerOpen,
			"database circuit breaker is open", core.ErrBreakerOpen)
	}

	// DryRun.
	if pe := r.physicalValidate(ctx, st, sq, adapter.Capabilities(), sql, limits); pe != nil {
		return pe
	}

	// Executing.
	if !st.Options.Execute {
		st.Reason("executor", "execution disabled, returning sql only", map[string]interface{}{
			"subquery": sq.ID,
		})
		return nil
	}
	return r.execute(ctx, st, sq, snapshot.VersionID, sql, limits)
}

func (r *Runtime) limitsFor(datasourceID string) adapters.Limits {
	limits := adapters.Limits{
		MaxRows:            r.deps.Settings.DefaultRowLimit,
		MaxBytes:           r.deps.Settings.DefaultMaxBytes,
		StatementTimeoutMS: r.deps.Settings.DefaultStatementTimeoutMS,
	}
	if cfg, err := r.deps.Registry.Config(datasourceID); err == nil {
		if cfg.RowLimit > 0 {
			limits.MaxRows = cfg.RowLimit
		}
		if cfg.MaxBytes > 0 {
			limits.MaxBytes = cfg.MaxBytes
		}
		if cfg.StatementTimeoutMS > 0 {
			limits.StatementTimeoutMS = cfg.StatementTimeoutMS
		}
	}
	return limits
}

// planSubQuery asks the planner agent for a typed PlanModel.
func (r *Runtime) planSubQuery(ctx context.Context, st *State, sq core.SubQuery, snapshot *schema.Snapshot, feedback string) (*plan.PlanModel, *core.PipelineError) {
	var b strings.Builder
	fmt.Fprintf(&b, `Produce a logical SELECT plan for this question as JSON with this
shape (kind is one of column|literal|func|binary; no SQL strings):
{"statement_type":"SELECT","from":"table","select_items":[{"kind":"column","name":"..."}],
 "joins":[{"kind":"inner","table":"...","on":{"kind":"binary","op":"=","args":[...]}}],
 "filters":{...},"group_by":[...],"order_by":[{"expr":{...},"desc":true}],"limit":0}

Question: %s

Schema (%s):
`, sq.Text, sq.DatasourceID)

	relevant := st.RelevantTables[sq.DatasourceID]
	wanted := make(map[string]bool, len(relevant))
	for _, t := range relevant {
		wanted[strings.ToLower(t)] = true
	}
	for _, t := range snapshot.Tables {
		if len(wanted) > 0 && !wanted[strings.ToLower(t.Name)] {
			continue
		}
		cols := make([]string, len(t.Columns))
		for i, c := range t.Columns {
			cols[i] = c.Name + " " + c.Type
		}
		fmt.Fprintf(&b, "- %s(%s)\n", t.Name, strings.Join(cols, ", "))
	}
	if feedback != "" {
		fmt.Fprintf(&b, "\nA previous attempt failed. Correct it:\n%s\n", feedback)
	}

	resp, err := r.deps.LLM.Generate(ctx, "planner", st.TraceID, llm.AgentPlanner, b.String(), nil)
	if err != nil {
		if errors.Is(err, core.ErrBreakerOpen) {
			return nil, core.NewPipelineError("planner", core.CodeBreakerOpen, "language model unavailable", err)
		}
		return nil, core.NewPipelineError("planner", core.CodeMissingSQL, "planner produced no plan", err)
	}

	var model plan.PlanModel
	raw := extractJSON(resp.Content)
	if raw == "" || json.Unmarshal([]byte(raw), &model) != nil {
		return nil, core.NewPipelineError("planner", core.CodeMissingSQL, "planner output is not a valid plan", nil)
	}
	model.DatasourceID = sq.DatasourceID
	if model.StatementType == "" {
		model.StatementType = "SELECT"
	}
	if err := model.Validate(); err != nil {
		return nil, core.NewPipelineError("planner", core.CodeLogicalValidationFailed,
			fmt.Sprintf("plan is malformed: %v", err), nil)
	}
	return &model, nil
}

// physicalValidate dry-runs and cost-estimates through the sandbox.
func (r *Runtime) physicalValidate(ctx context.Context, st *State, sq core.SubQuery, caps adapters.Capabilities, sql string, limits adapters.Limits) *core.PipelineError {
	const node = "physical_validator"

	if caps.DryRun {
		err := r.deps.DBBreaker.Execute(ctx, func(ctx context.Context) error {
			_, err := r.deps.Sandbox.Submit(ctx, sandbox.Task{
				Mode:         sandbox.ModeDryRun,
				DatasourceID: sq.DatasourceID,
				SQL:          sql,
				Limits:       limits,
			})
			return err
		})
		if err != nil {
			return r.sandboxError(st, node, core.CodeDryRunFailed, "dry run rejected the statement", err)
		}
	}

	if caps.CostEstimate && limits.MaxRows > 0 {
		var estimated int64
		err := r.deps.DBBreaker.Execute(ctx, func(ctx context.Context) error {
			res, err := r.deps.Sandbox.Submit(ctx, sandbox.Task{
				Mode:         sandbox.ModeCostEstimate,
				DatasourceID: sq.DatasourceID,
				SQL:          sql,
				Limits:       limits,
			})
			if err != nil {
				return err
			}
			estimated = res.EstimatedRows
			return nil
		})
		if err != nil {
			return r.sandboxError(st, node, core.CodeDryRunFailed, "cost estimation failed", err)
		}
		if estimated > int64(limits.MaxRows) {
			return core.NewPipelineError(node, core.CodeDryRunFailed,
				fmt.Sprintf("estimated %d rows exceeds the %d row limit", estimated, limits.MaxRows), nil)
		}
	}
	return nil
}

// execute runs the statement and persists the frame as an artifact.
func (r *Runtime) execute(ctx context.Context, st *State, sq core.SubQuery, schemaVersion, sql string, limits adapters.Limits) *core.PipelineError {
	const node = "executor"

	var frame *plan.Frame
	err := r.deps.DBBreaker.Execute(ctx, func(ctx context.Context) error {
		res, err := r.deps.Sandbox.Submit(ctx, sandbox.Task{
			Mode:         sandbox.ModeExecute,
			DatasourceID: sq.DatasourceID,
			SQL:          sql,
			Limits:       limits,
		})
		if err != nil {
			return err
		}
		frame = res.Frame
		return nil
	})
	if err != nil {
		return r.sandboxError(st, node, core.CodeExecutionFailed, "execution failed", err)
	}

	ref, err := r.deps.Artifacts.Put(ctx, frame, artifact.Meta{
		TenantID:      st.TenantID,
		RequestID:     st.TraceID,
		Subgraph:      "sql_agent",
		NodeID:        sq.ID,
		SchemaVersion: schemaVersion,
	})
	if err != nil {
		return core.NewPipelineError(node, core.CodeExecutionFailed,
			"result could not be persisted", err)
	}
	st.SetSubResult(sq.ID, ref, schemaVersion)
	st.Reason(node, "sub-query executed", map[string]interface{}{
		"subquery": sq.ID,
		"rows":     frame.Len(),
	})
	return nil
}

// sandboxError classifies a sandbox/breaker failure into a pipeline
// error, flagging the degradation path when the DB breaker tripped.
func (r *Runtime) sandboxError(st *State, node string, code core.ErrorCode, msg string, err error) *core.PipelineError {
	switch {
	case errors.Is(err, core.ErrBreakerOpen):
		st.MarkDBBreakerOpen()
		return core.NewPipelineError(node, core.CodeBreakerOpen, "database circuit breaker is open", err)
	case errors.Is(err, core.ErrSandboxCrash):
		return core.NewPipelineError(node, core.CodeSandboxCrash, "execution worker crashed", err)
	case errors.Is(err, core.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return core.NewPipelineError(node, code, msg+": statement timed out", err)
	default:
		return core.NewPipelineError(node, code, msg, err)
	}
}

// refine composes sanitized feedback for the next planning attempt. The
// refiner agent may sharpen it; when the model is unavailable the
// code-composed feedback is used as is. Raw driver error text never
// reaches the model: only codes and pipeline-authored messages do.
func (r *Runtime) refine(ctx context.Context, st *State, sq core.SubQuery, pe *core.PipelineError) string {
	st.IncRetry("sql_agent:" + sq.ID)

	var b strings.Builder
	fmt.Fprintf(&b, "error %s", pe.Sanitized())
	st.mu.Lock()
	lastSQL := st.SubSQL[sq.ID]
	st.mu.Unlock()
	if lastSQL != "" {
		fmt.Fprintf(&b, "; failing sql: %s", lastSQL)
	}
	feedback := b.String()

	prompt := fmt.Sprintf(`A SQL plan failed validation. Summarize in one or two sentences what
the next plan must change. Failure: %s

Available tables: %s`, feedback, strings.Join(st.RelevantTables[sq.DatasourceID], ", "))

	resp, err := r.deps.LLM.Generate(ctx, "refiner", st.TraceID, llm.AgentRefiner, prompt, nil)
	if err != nil {
		return feedback
	}
	hint := strings.TrimSpace(resp.Content)
	if hint == "" {
		return feedback
	}
	return feedback + "; guidance: " + hint
}

// sortedIDs is a small helper used by reasoning output.
func sortedIDs(m map[string]artifact.Ref) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nadeem4/nl2sql-sub001/core"
	"github.com/nadeem4/nl2sql-sub001/llm"
	"github.com/nadeem4/nl2sql-sub001/plan"
)

// resultPlanNode is the planner's global contribution: the deterministic
// aggregation recipe over SubQuery outputs. It always runs, even for a
// single SubQuery, so the aggregation path never branches on sub-query
// count. A multi-input plan comes from the planner agent; when its
// output is unusable the fallback is a positional union with a warning.
func (r *Runtime) resultPlanNode(ctx context.Context, st *State) error {
	if len(st.SubQueries) == 1 {
		st.ResultPlan = plan.SingleInput(st.SubQueries[0].ID)
		return nil
	}

	ids := make([]string, len(st.SubQueries))
	for i, sq := range st.SubQueries {
		ids[i] = sq.ID
	}

	prompt := fmt.Sprintf(`Combine the outputs of these sub-queries into one result. Respond
with a JSON operator tree using only these kinds: input, project,
filter, join, union, aggregate, order_limit. Example:
{"root":{"kind":"union","children":[{"kind":"input","subquery_id":"sq_1"},
{"kind":"input","subquery_id":"sq_2"}]}}

Question: %s
Sub-queries:
`, st.Query())
	for _, sq := range st.SubQueries {
		prompt += fmt.Sprintf("- %s (%s): %s\n", sq.ID, sq.DatasourceID, sq.Text)
	}

	resp, err := r.deps.LLM.Generate(ctx, "planner", st.TraceID, llm.AgentPlanner, prompt, nil)
	if err != nil {
		if errors.Is(err, core.ErrBreakerOpen) {
			return core.NewPipelineError("planner", core.CodeBreakerOpen, "language model unavailable", err)
		}
		st.Warn("aggregation planning unavailable, defaulting to union")
		st.ResultPlan = unionAll(ids)
		return nil
	}

	var rp plan.ResultPlan
	raw := extractJSON(resp.Content)
	if raw == "" || json.Unmarshal([]byte(raw), &rp) != nil || rp.Validate() != nil {
		st.Warn("aggregation plan unusable, defaulting to union")
		st.ResultPlan = unionAll(ids)
		return nil
	}

	// Every referenced input must be a known SubQuery.
	known := make(map[string]bool, len(ids))
	for _, id := range ids {
		known[id] = true
	}
	for _, id := range rp.InputIDs() {
		if !known[id] {
			st.Warn(fmt.Sprintf("aggregation plan references unknown sub-query %q, defaulting to union", id))
			st.ResultPlan = unionAll(ids)
			return nil
		}
	}
	st.ResultPlan = &rp
	return nil
}

func unionAll(ids []string) *plan.ResultPlan {
	if len(ids) == 1 {
		return plan.SingleInput(ids[0])
	}
	op := &plan.Op{Kind: plan.OpUnion}
	for _, id := range ids {
		op.Children = append(op.Children, &plan.Op{Kind: plan.OpInput, SubQueryID: id})
	}
	return &plan.ResultPlan{Root: op}
}

// aggregatorNode closes the request: it reads every artifact the
// ResultPlan requires, evaluates the plan in process, and renders the
// final answer from a fixed template. No model is ever called here.
func (r *Runtime) aggregatorNode(ctx context.Context, st *State) error {
	const node = "aggregator"

	if !st.Options.Execute {
		st.FinalAnswer = wouldRunAnswer(st.SQLDraft(), "Execution was disabled for this request.")
		return nil
	}
	if st.DBBreakerOpen {
		st.FinalAnswer = wouldRunAnswer(st.SQLDraft(), "The database is temporarily unavailable.")
		return nil
	}
	if st.ResultPlan == nil {
		return core.NewPipelineError(node, core.CodeExecutionFailed, "no aggregation plan present", nil)
	}

	required := st.ResultPlan.InputIDs()
	inputs := make(map[string]*plan.Frame, len(required))
	for _, id := range required {
		ref, ok := st.SubResult(id)
		if !ok {
			if ctx.Err() != nil {
				return core.NewPipelineError(node, core.CodePipelineTimeout,
					fmt.Sprintf("sub-query %s did not complete before the deadline", id), ctx.Err())
			}
			pe := core.NewPipelineError(node, core.CodeExecutionFailed,
				fmt.Sprintf("sub-query %s produced no result", id), nil)
			// No retry path exists at aggregation time: a missing input
			// ends the request.
			pe.Severity = core.SeverityFatal
			pe.Retryable = false
			return pe
		}
		frame, err := r.deps.Artifacts.Get(ctx, ref)
		if err != nil {
			return core.NewPipelineError(node, core.CodeExecutionFailed,
				fmt.Sprintf("result for sub-query %s could not be read", id), err)
		}
		inputs[id] = frame
	}

	frame, err := plan.Eval(st.ResultPlan, inputs)
	if err != nil {
		return core.NewPipelineError(node, core.CodeExecutionFailed,
			fmt.Sprintf("aggregation failed: %v", err), nil)
	}

	st.Execution = &core.ExecutionResult{Columns: frame.Columns, Rows: frame.Maps()}
	st.FinalAnswer = renderAnswer(frame)
	st.Reason(node, "result aggregated", map[string]interface{}{
		"rows":    frame.Len(),
		"columns": frame.Columns,
		"inputs":  sortedIDs(st.SubResults),
	})
	return nil
}

// renderAnswer is the deterministic answer template: a row count plus a
// compact rendering of up to five rows.
func renderAnswer(frame *plan.Frame) string {
	if frame.Len() == 0 {
		return "The query returned no rows."
	}

	var b strings.Builder
	if frame.Len() == 1 {
		b.WriteString("The query returned 1 row")
	} else {
		fmt.Fprintf(&b, "The query returned %d rows", frame.Len())
	}

	shown := frame.Len()
	if shown > 5 {
		shown = 5
	}
	b.WriteString(": ")
	for i := 0; i < shown; i++ {
		if i > 0 {
			b.WriteString("; ")
		}
		parts := make([]string, len(frame.Columns))
		for j, col := range frame.Columns {
			parts[j] = fmt.Sprintf("%s=%v", col, frame.Rows[i][j])
		}
		b.WriteString(strings.Join(parts, ", "))
	}
	if frame.Len() > shown {
		fmt.Fprintf(&b, " (and %d more)", frame.Len()-shown)
	}
	b.WriteString(".")
	return b.String()
}

// wouldRunAnswer is the degradation template used when execution cannot
// or must not happen: the SQL is reported instead of results.
func wouldRunAnswer(sql, reason string) string {
	if sql == "" {
		return reason + " No SQL was generated."
	}
	return fmt.Sprintf("%s I would have executed: %s", reason, sql)
}

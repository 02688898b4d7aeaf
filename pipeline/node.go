package pipeline

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/nadeem4/nl2sql-sub001/core"
)

// stageFunc is one node body: a transformation over State. Returning an
// error stops the caller's path; the error is recorded by the wrapper.
type stageFunc func(ctx context.Context, st *State) error

// runNode is the traced-node wrapper: it checks cancellation on entry,
// logs start/end bound to the trace id, emits the duration histogram,
// and converts a panic into a PipelineError carrying the node name.
func (r *Runtime) runNode(ctx context.Context, st *State, node string, fn stageFunc) (err error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	start := time.Now()
	r.deps.Logger.Debug("Node started", map[string]interface{}{
		"operation": "node_start",
		"node":      node,
		"trace_id":  st.TraceID,
	})

	defer func() {
		if rec := recover(); rec != nil {
			r.deps.Logger.Error("Node panicked", map[string]interface{}{
				"operation": "node_panic",
				"node":      node,
				"trace_id":  st.TraceID,
				"panic":     fmt.Sprintf("%v", rec),
				"stack":     string(debug.Stack()),
			})
			err = core.NewPipelineError(node, core.CodeExecutionFailed,
				fmt.Sprintf("internal failure in %s", node), fmt.Errorf("panic: %v", rec))
		}

		elapsed := time.Since(start)
		r.deps.Metrics.Histogram("node_duration_seconds", elapsed.Seconds(), map[string]string{"node": node})
		r.deps.Logger.Debug("Node finished", map[string]interface{}{
			"operation":   "node_end",
			"node":        node,
			"trace_id":    st.TraceID,
			"duration_ms": elapsed.Milliseconds(),
			"failed":      err != nil,
		})
	}()

	return fn(ctx, st)
}

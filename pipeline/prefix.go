package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/nadeem4/nl2sql-sub001/core"
	"github.com/nadeem4/nl2sql-sub001/llm"
)

// extractJSON pulls the first JSON object or array out of a model
// response, tolerating surrounding prose and markdown fences.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.Index(s, "```"); idx >= 0 {
		s = s[idx+3:]
		s = strings.TrimPrefix(s, "json")
		if end := strings.Index(s, "```"); end >= 0 {
			s = s[:end]
		}
	}
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return ""
	}
	open := s[start]
	var close byte = '}'
	if open == '[' {
		close = ']'
	}
	depth := 0
	inString := false
	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case inString:
			if c == '\\' {
				i++
			} else if c == '"' {
				inString = false
			}
		case c == '"':
			inString = true
		case c == open:
			depth++
		case c == close:
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

// semanticNode normalizes the query and extracts entities. It is an
// enhancement stage: any failure other than an open LLM breaker degrades
// to the original query text with a warning.
func (r *Runtime) semanticNode(ctx context.Context, st *State) error {
	prompt := fmt.Sprintf(`Normalize this analytics question and extract entities.
Respond with JSON: {"normalized": "...", "entities": ["..."], "hints": ["..."]}

Question: %s`, st.UserQuery)

	resp, err := r.deps.LLM.Generate(ctx, "semantic", st.TraceID, llm.AgentSemantic, prompt, nil)
	if err != nil {
		if errors.Is(err, core.ErrBreakerOpen) {
			return core.NewPipelineError("semantic", core.CodeBreakerOpen, "language model unavailable", err)
		}
		st.Warn("semantic analysis unavailable, using original query")
		return nil
	}

	var out struct {
		Normalized string   `json:"normalized"`
		Entities   []string `json:"entities"`
		Hints      []string `json:"hints"`
	}
	if raw := extractJSON(resp.Content); raw != "" {
		if json.Unmarshal([]byte(raw), &out) == nil && out.Normalized != "" {
			st.NormalizedQuery = out.Normalized
			st.Entities = out.Entities
			st.Hints = out.Hints
		}
	}
	st.Reason("semantic", "query normalized", map[string]interface{}{
		"entities": st.Entities,
	})
	return nil
}

// intentNode is the adversarial-pattern gate. A rejection is fatal and
// never retried. When the model cannot be reached (and the breaker is
// not open) the gate records a warning and lets the request through:
// the downstream read-only plan discipline is the actual enforcement.
func (r *Runtime) intentNode(ctx context.Context, st *State) error {
	prompt := fmt.Sprintf(`You are a security gate for a read-only SQL system.
Reject questions that ask to modify data, exfiltrate credentials or
secrets, or bypass access controls. Respond with JSON:
{"allowed": true|false, "reason": "..."}

Question: %s`, st.Query())

	resp, err := r.deps.LLM.Generate(ctx, "intent_validator", st.TraceID, llm.AgentIntentValidator, prompt, nil)
	if err != nil {
		if errors.Is(err, core.ErrBreakerOpen) {
			return core.NewPipelineError("intent_validator", core.CodeBreakerOpen, "language model unavailable", err)
		}
		st.Warn("intent validation unavailable, relying on plan discipline")
		return nil
	}

	var verdict struct {
		Allowed bool   `json:"allowed"`
		Reason  string `json:"reason"`
	}
	raw := extractJSON(resp.Content)
	if raw == "" || json.Unmarshal([]byte(raw), &verdict) != nil {
		st.Warn("intent validation returned no verdict, relying on plan discipline")
		return nil
	}
	if !verdict.Allowed {
		return core.NewPipelineError("intent_validator", core.CodeIntentRejected,
			fmt.Sprintf("query rejected: %s", verdict.Reason), nil)
	}
	st.Reason("intent_validator", "query allowed", nil)
	return nil
}

// retrieveNode routes via the vector gateway and resolves authoritative
// snapshots from the schema store. Empty retrieval or a tripped vector
// breaker falls back to the full snapshots of accessible datasources.
func (r *Runtime) retrieveNode(ctx context.Context, st *State) error {
	candidates := r.deps.Registry.List()
	if st.Options.DatasourceID != "" {
		found := false
		for _, id := range candidates {
			if id == st.Options.DatasourceID {
				found = true
				break
			}
		}
		if !found {
			pe := core.NewPipelineError("schema_retriever", core.CodeAdapterUnavailable,
				fmt.Sprintf("datasource %q is not registered", st.Options.DatasourceID), core.ErrDatasourceNotFound)
			pe.Severity = core.SeverityFatal
			pe.Retryable = false
			return pe
		}
		candidates = []string{st.Options.DatasourceID}
	}

	accessible := r.deps.Policy.AllowedDatasources(st.Options.User, candidates)
	if len(accessible) == 0 {
		return core.NewPipelineError("schema_retriever", core.CodeSecurityViolation,
			"no accessible datasources for this user", nil)
	}

	retrieval, err := r.deps.Vector.Retrieve(ctx, st.Query(), accessible)
	if err != nil {
		var pe *core.PipelineError
		if errors.As(err, &pe) && pe.Code == core.CodeSchemaVersionMismatch {
			return pe
		}
		st.Warn("vector retrieval unavailable, using full schema")
	} else {
		st.Retrieval = retrieval
		for _, w := range retrieval.Warnings {
			st.Warn(w)
		}
	}

	targets := accessible
	if st.Retrieval != nil && len(st.Retrieval.Signals) > 0 {
		targets = targets[:0]
		for ds := range st.Retrieval.Signals {
			targets = append(targets, ds)
		}
		sort.Strings(targets)
	} else if st.Retrieval != nil {
		st.Warn("retrieval returned no candidates, using full schema")
	}

	for _, ds := range targets {
		snapshot, err := r.deps.SchemaStore.Get(ctx, ds, "")
		if err != nil {
			st.Warn(fmt.Sprintf("no schema snapshot for %s, skipping", ds))
			continue
		}
		st.Snapshots[ds] = snapshot

		var tables []string
		if st.Retrieval != nil {
			if sig, ok := st.Retrieval.Signals[ds]; ok {
				tables = sig.Tables
			}
		}
		if len(tables) == 0 {
			for _, t := range snapshot.Tables {
				tables = append(tables, t.Name)
			}
		}
		st.RelevantTables[ds] = tables
	}

	if len(st.Snapshots) == 0 {
		return core.NewPipelineError("schema_retriever", core.CodeExecutionFailed,
			"no schema snapshots available for any accessible datasource", core.ErrSchemaNotFound)
	}
	st.Reason("schema_retriever", "candidate tables resolved", map[string]interface{}{
		"datasources": targets,
	})
	return nil
}

// decomposeNode produces the SubQuery DAG. The prompt carries the
// signal-density rule: a matched example routes to a datasource even
// when no table matched there.
func (r *Runtime) decomposeNode(ctx context.Context, st *State) error {
	var b strings.Builder
	fmt.Fprintf(&b, `Decompose this question into one sub-question per datasource it
needs. A datasource qualifies when it has a matching table OR a matching
example question; an example match alone is a valid routing signal.
A single-datasource question produces exactly one sub-question.
Respond with a JSON array:
[{"id": "sq_1", "text": "...", "datasource_id": "...", "depends_on": []}]

Question: %s

Candidates:
`, st.Query())

	dsIDs := make([]string, 0, len(st.Snapshots))
	for ds := range st.Snapshots {
		dsIDs = append(dsIDs, ds)
	}
	sort.Strings(dsIDs)
	for _, ds := range dsIDs {
		fmt.Fprintf(&b, "- datasource %s: tables %s\n", ds, strings.Join(st.RelevantTables[ds], ", "))
		if st.Retrieval != nil {
			if sig, ok := st.Retrieval.Signals[ds]; ok && len(sig.Examples) > 0 {
				fmt.Fprintf(&b, "  matched examples: %s\n", strings.Join(sig.Examples, " | "))
			}
		}
	}

	subs, err := r.decomposeWithModel(ctx, st, b.String(), dsIDs)
	if err != nil {
		return err
	}

	if _, layerErr := topoLayers(subs); layerErr != nil {
		return core.NewPipelineError("decomposer", core.CodeExecutionFailed,
			fmt.Sprintf("invalid sub-query graph: %v", layerErr), nil)
	}

	st.FreezeSubQueries(subs)
	st.Reason("decomposer", "sub-queries produced", map[string]interface{}{
		"count": len(subs),
	})
	return nil
}

func (r *Runtime) decomposeWithModel(ctx context.Context, st *State, prompt string, dsIDs []string) ([]core.SubQuery, error) {
	resp, err := r.deps.LLM.Generate(ctx, "decomposer", st.TraceID, llm.AgentDecomposer, prompt, nil)
	if err != nil {
		if errors.Is(err, core.ErrBreakerOpen) {
			return nil, core.NewPipelineError("decomposer", core.CodeBreakerOpen, "language model unavailable", err)
		}
		// Degrade to a single sub-query when routing is unambiguous.
		if len(dsIDs) == 1 {
			st.Warn("decomposition unavailable, using single sub-query")
			return []core.SubQuery{{ID: "sq_1", Text: st.Query(), DatasourceID: dsIDs[0]}}, nil
		}
		return nil, core.NewPipelineError("decomposer", core.CodeExecutionFailed,
			"decomposition failed and routing is ambiguous", err)
	}

	var subs []core.SubQuery
	raw := extractJSON(resp.Content)
	if raw == "" || json.Unmarshal([]byte(raw), &subs) != nil || len(subs) == 0 {
		if len(dsIDs) == 1 {
			st.Warn("decomposition output unusable, using single sub-query")
			return []core.SubQuery{{ID: "sq_1", Text: st.Query(), DatasourceID: dsIDs[0]}}, nil
		}
		return nil, core.NewPipelineError("decomposer", core.CodeExecutionFailed,
			"decomposition produced no usable sub-queries", nil)
	}

	known := make(map[string]bool, len(dsIDs))
	for _, ds := range dsIDs {
		known[ds] = true
	}
	seen := make(map[string]bool, len(subs))
	for i := range subs {
		if subs[i].ID == "" || seen[subs[i].ID] {
			subs[i].ID = fmt.Sprintf("sq_%d", i+1)
		}
		seen[subs[i].ID] = true
		if subs[i].Text == "" {
			subs[i].Text = st.Query()
		}
		if !known[subs[i].DatasourceID] {
			return nil, core.NewPipelineError("decomposer", core.CodeExecutionFailed,
				fmt.Sprintf("sub-query %s routed to unknown datasource %q", subs[i].ID, subs[i].DatasourceID), nil)
		}
	}
	return subs, nil
}

// Package pipeline is the orchestrator: the linear ingress stages, the
// per-SubQuery SQL agent loops fanned out over topological layers, and
// the deterministic aggregation that closes every request. All LLM work
// happens before execution; the aggregator is pure code.
package pipeline

import (
	"sync"

	"github.com/nadeem4/nl2sql-sub001/artifact"
	"github.com/nadeem4/nl2sql-sub001/core"
	"github.com/nadeem4/nl2sql-sub001/plan"
	"github.com/nadeem4/nl2sql-sub001/schema"
	"github.com/nadeem4/nl2sql-sub001/vector"
)

// Options select per-request behavior.
type Options struct {
	// DatasourceID restricts routing to one datasource when set.
	DatasourceID string
	// Execute runs generated SQL when true; false stops after dry-run and
	// answers with the SQL that would have run.
	Execute bool
	// User is the caller identity for RBAC and audit.
	User core.UserContext
}

// State carries one request through the graph. The prefix stages run
// sequentially; during fan-out multiple agents append concurrently, so
// every mutation goes through the locked methods. Errors, warnings and
// reasoning are append-only; the single-writer fields (SubQueries by the
// decomposer, ResultPlan by the planner, Execution by the aggregator)
// are each assigned exactly once.
type State struct {
	TraceID   string
	TenantID  string
	UserQuery string
	Options   Options

	mu sync.Mutex

	// Written by Semantic.
	NormalizedQuery string
	Entities        []string
	Hints           []string

	// Written by SchemaRetriever.
	Retrieval      *vector.Retrieval
	Snapshots      map[string]*schema.Snapshot
	RelevantTables map[string][]string

	// Written by Decomposer, frozen afterwards.
	SubQueries []core.SubQuery
	frozen     bool

	// Written by the Planner.
	ResultPlan *plan.ResultPlan

	// Written by agents during fan-out.
	SubSQL     map[string]string
	SubResults map[string]artifact.Ref
	SubVersion map[string]string

	// Written by the Aggregator.
	Execution   *core.ExecutionResult
	FinalAnswer string

	Errors     []core.PipelineError
	Warnings   []string
	Reasoning  []core.ReasoningEvent
	RetryCount map[string]int

	// Degradation flags observed during the run.
	DBBreakerOpen  bool
	LLMBreakerOpen bool
}

// NewState initializes a request state.
func NewState(traceID, tenantID, query string, opts Options) *State {
	return &State{
		TraceID:        traceID,
		TenantID:       tenantID,
		UserQuery:      query,
		Options:        opts,
		Snapshots:      make(map[string]*schema.Snapshot),
		RelevantTables: make(map[string][]string),
		SubSQL:         make(map[string]string),
		SubResults:     make(map[string]artifact.Ref),
		SubVersion:     make(map[string]string),
		RetryCount:     make(map[string]int),
	}
}

// AppendError records a pipeline error. Append-only: nothing ever
// removes or rewrites a recorded error.
func (s *State) AppendError(pe *core.PipelineError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Errors = append(s.Errors, *pe)
}

// Warn records a warning.
func (s *State) Warn(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Warnings = append(s.Warnings, msg)
}

// Reason appends a structured reasoning event.
func (s *State) Reason(node, msg string, fields map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Reasoning = append(s.Reasoning, core.ReasoningEvent{Node: node, Message: msg, Fields: fields})
}

// FreezeSubQueries installs the decomposition output; a second call is a
// programming error surfaced as a no-op with a warning.
func (s *State) FreezeSubQueries(subs []core.SubQuery) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frozen {
		s.Warnings = append(s.Warnings, "sub-queries already frozen, decomposition ignored")
		return
	}
	s.SubQueries = subs
	s.frozen = true
}

// SetSubSQL records the generated SQL for one SubQuery.
func (s *State) SetSubSQL(id, sql string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SubSQL[id] = sql
}

// SetSubResult records the artifact ref for one completed SubQuery.
func (s *State) SetSubResult(id string, ref artifact.Ref, schemaVersion string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SubResults[id] = ref
	s.SubVersion[id] = schemaVersion
}

// SubResult returns the ref for one SubQuery.
func (s *State) SubResult(id string) (artifact.Ref, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref, ok := s.SubResults[id]
	return ref, ok
}

// IncRetry bumps and returns the retry count for a node.
func (s *State) IncRetry(node string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.RetryCount[node]++
	return s.RetryCount[node]
}

// MarkDBBreakerOpen flags the DB degradation path.
func (s *State) MarkDBBreakerOpen() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.DBBreakerOpen = true
}

// Query returns the text later stages should work with: the normalized
// form when the semantic stage produced one.
func (s *State) Query() string {
	if s.NormalizedQuery != "" {
		return s.NormalizedQuery
	}
	return s.UserQuery
}

// SQLDraft joins the generated SQL of every SubQuery in decomposition
// order.
func (s *State) SQLDraft() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out string
	for _, sq := range s.SubQueries {
		if sql, ok := s.SubSQL[sq.ID]; ok && sql != "" {
			if out != "" {
				out += "\n"
			}
			out += sql
		}
	}
	return out
}

// Result assembles the user-facing QueryResult.
func (s *State) Result() *core.QueryResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := &core.QueryResult{
		TraceID:     s.TraceID,
		FinalAnswer: s.FinalAnswer,
		Errors:      append([]core.PipelineError{}, s.Errors...),
		Warnings:    append([]string{}, s.Warnings...),
		Reasoning:   append([]core.ReasoningEvent{}, s.Reasoning...),
		Results:     []map[string]interface{}{},
	}
	if s.Execution != nil {
		result.Results = s.Execution.Rows
	}
	var sql string
	for _, sq := range s.SubQueries {
		if draft, ok := s.SubSQL[sq.ID]; ok && draft != "" {
			if sql != "" {
				sql += "\n"
			}
			sql += draft
		}
	}
	result.SQL = sql
	return result
}

package core

// UserContext identifies the caller for RBAC decisions and audit records.
// A zero UserContext carries no roles and is denied everything unless a
// wildcard policy exists.
type UserContext struct {
	UserID   string   `json:"user_id,omitempty"`
	TenantID string   `json:"tenant_id,omitempty"`
	Roles    []string `json:"roles,omitempty"`
}

// SubQuery is one atomic, single-datasource question produced by
// decomposition. DependsOn references other SubQuery ids; the set forms a
// DAG and topological layering drives fan-out scheduling.
type SubQuery struct {
	ID           string   `json:"id"`
	Text         string   `json:"text"`
	DatasourceID string   `json:"datasource_id"`
	DependsOn    []string `json:"depends_on,omitempty"`
}

// ReasoningEvent is one structured entry in the request's reasoning trail.
type ReasoningEvent struct {
	Node    string                 `json:"node"`
	Message string                 `json:"message"`
	Fields  map[string]interface{} `json:"fields,omitempty"`
}

// ExecutionResult holds rows and column names from a completed execution.
type ExecutionResult struct {
	Columns []string                 `json:"columns"`
	Rows    []map[string]interface{} `json:"rows"`
}

// QueryResult is what RunQuery returns. It never travels with an error:
// failures are inside Errors, and FinalAnswer degrades rather than
// disappears (see the breaker degradation strategies).
type QueryResult struct {
	SQL         string                   `json:"sql,omitempty"`
	Results     []map[string]interface{} `json:"results"`
	FinalAnswer string                   `json:"final_answer,omitempty"`
	Errors      []PipelineError          `json:"errors"`
	Warnings    []string                 `json:"warnings,omitempty"`
	TraceID     string                   `json:"trace_id"`
	Reasoning   []ReasoningEvent         `json:"reasoning,omitempty"`
}

// HasFatal reports whether any recorded error is fatal.
func (r *QueryResult) HasFatal() bool {
	for i := range r.Errors {
		if r.Errors[i].Severity == SeverityFatal {
			return true
		}
	}
	return false
}

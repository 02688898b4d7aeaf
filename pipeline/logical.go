package pipeline

import (
	"fmt"
	"strings"

	"github.com/nadeem4/nl2sql-sub001/core"
	"github.com/nadeem4/nl2sql-sub001/plan"
	"github.com/nadeem4/nl2sql-sub001/policy"
	"github.com/nadeem4/nl2sql-sub001/schema"
)

// validateLogical checks a PlanModel against the authoritative snapshot
// and the access policy. RBAC runs first: a denied table is a fatal
// SECURITY_VIOLATION regardless of whether the plan is otherwise sound,
// and nothing is submitted to the sandbox afterwards. Schema problems
// are LOGICAL_VALIDATION_FAILED and feed the refiner loop.
func validateLogical(p *plan.PlanModel, snapshot *schema.Snapshot, checker *policy.Checker, user core.UserContext, strictColumns bool) *core.PipelineError {
	const node = "logical_validator"

	_, denied := checker.AllowedTables(user, snapshot.DatasourceID, p.Tables())
	if len(denied) > 0 {
		return core.NewPipelineError(node, core.CodeSecurityViolation,
			fmt.Sprintf("access to %s.%s is not permitted", snapshot.DatasourceID, strings.Join(denied, ",")), nil)
	}

	aliases := map[string]*schema.Table{}
	for _, name := range p.Tables() {
		t := snapshot.Table(name)
		if t == nil {
			return core.NewPipelineError(node, core.CodeLogicalValidationFailed,
				fmt.Sprintf("table %q does not exist in %s", name, snapshot.DatasourceID), nil)
		}
		aliases[strings.ToLower(name)] = t
	}

	for _, e := range p.AllExprs() {
		var refs []plan.Expr
		e.ColumnRefs(&refs)
		for _, ref := range refs {
			if err := resolveColumn(&ref, aliases, snapshot, strictColumns); err != nil {
				return core.NewPipelineError(node, core.CodeLogicalValidationFailed, err.Error(), nil)
			}
		}
	}

	for _, j := range p.Joins {
		var refs []plan.Expr
		j.On.ColumnRefs(&refs)
		if len(refs) < 2 {
			return core.NewPipelineError(node, core.CodeLogicalValidationFailed,
				fmt.Sprintf("join on %q has no column pair", j.Table), nil)
		}
	}

	return nil
}

// resolveColumn checks one column reference against the plan's tables.
// Strict mode requires every column to resolve; relaxed mode only
// rejects references with an explicit table qualifier that fails.
func resolveColumn(ref *plan.Expr, aliases map[string]*schema.Table, snapshot *schema.Snapshot, strict bool) error {
	if ref.Table != "" {
		t, ok := aliases[strings.ToLower(ref.Table)]
		if !ok {
			return fmt.Errorf("column %s.%s references a table not in the plan", ref.Table, ref.Name)
		}
		if t.Column(ref.Name) == nil {
			return fmt.Errorf("column %q does not exist in table %q", ref.Name, t.Name)
		}
		return nil
	}

	for _, t := range aliases {
		if t.Column(ref.Name) != nil {
			return nil
		}
	}
	if strict {
		return fmt.Errorf("column %q does not resolve in any plan table", ref.Name)
	}
	return nil
}

package pipeline

import (
	"fmt"
	"strings"

	"github.com/nadeem4/nl2sql-sub001/adapters"
	"github.com/nadeem4/nl2sql-sub001/plan"
)

// GenerateSQL renders a validated PlanModel as dialect-specific SQL. It
// is pure: no I/O, no model calls, and it never executes anything. The
// plan has already passed identifier validation, so table and column
// names can be emitted directly; literals are quoted here.
func GenerateSQL(p *plan.PlanModel, caps adapters.Capabilities, rowLimit int) (string, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("SELECT ")

	limit := p.Limit
	if limit <= 0 || (rowLimit > 0 && limit > rowLimit) {
		limit = rowLimit
	}

	// SQL Server style caps without LIMIT/OFFSET take TOP.
	useTop := !caps.LimitOffset && limit > 0
	if useTop {
		fmt.Fprintf(&b, "TOP %d ", limit)
	}

	for i, item := range p.SelectItems {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(renderExpr(&item))
		if item.Alias != "" {
			fmt.Fprintf(&b, " AS %s", item.Alias)
		}
	}

	fmt.Fprintf(&b, " FROM %s", p.From)

	for _, j := range p.Joins {
		kind := "JOIN"
		if j.Kind == plan.JoinLeft {
			kind = "LEFT JOIN"
		}
		fmt.Fprintf(&b, " %s %s ON %s", kind, j.Table, renderExpr(&j.On))
	}

	if p.Filters != nil {
		fmt.Fprintf(&b, " WHERE %s", renderExpr(p.Filters))
	}

	if len(p.GroupBy) > 0 {
		parts := make([]string, len(p.GroupBy))
		for i := range p.GroupBy {
			parts[i] = renderExpr(&p.GroupBy[i])
		}
		fmt.Fprintf(&b, " GROUP BY %s", strings.Join(parts, ", "))
	}

	if len(p.OrderBy) > 0 {
		parts := make([]string, len(p.OrderBy))
		for i, o := range p.OrderBy {
			parts[i] = renderExpr(&o.Expr)
			if o.Desc {
				parts[i] += " DESC"
			}
		}
		fmt.Fprintf(&b, " ORDER BY %s", strings.Join(parts, ", "))
	}

	if caps.LimitOffset && limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", limit)
	}

	return b.String(), nil
}

func renderExpr(e *plan.Expr) string {
	switch e.Kind {
	case plan.ExprColumn:
		if e.Table != "" {
			return e.Table + "." + e.Name
		}
		return e.Name
	case plan.ExprLiteral:
		return renderLiteral(e.Value)
	case plan.ExprFunc:
		args := make([]string, len(e.Args))
		for i := range e.Args {
			args[i] = renderExpr(&e.Args[i])
		}
		if len(args) == 0 && strings.EqualFold(e.Name, "count") {
			return "COUNT(*)"
		}
		return fmt.Sprintf("%s(%s)", strings.ToUpper(e.Name), strings.Join(args, ", "))
	case plan.ExprBinary:
		op := strings.ToUpper(e.Op)
		if op == "==" {
			op = "="
		}
		return fmt.Sprintf("(%s %s %s)", renderExpr(&e.Args[0]), op, renderExpr(&e.Args[1]))
	default:
		return ""
	}
}

func renderLiteral(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return "NULL"
	case string:
		return "'" + strings.ReplaceAll(val, "'", "''") + "'"
	case bool:
		if val {
			return "TRUE"
		}
		return "FALSE"
	case float64:
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%g", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

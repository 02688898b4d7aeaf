// Package plan defines the typed logical query AST produced by the
// planner, the deterministic ResultPlan executed by the aggregator, and
// the in-memory Frame the two exchange. Everything here is pure data plus
// pure functions: no I/O, no LLM, no SQL strings.
package plan

import (
	"fmt"
	"regexp"
	"strings"
)

// ExprKind discriminates the typed expression tree.
type ExprKind string

const (
	ExprColumn  ExprKind = "column"
	ExprLiteral ExprKind = "literal"
	ExprFunc    ExprKind = "func"
	ExprBinary  ExprKind = "binary"
)

// Expr is one node of the typed expression tree. The planner's structured
// output parses directly into this shape; there is no field that carries
// raw SQL text.
type Expr struct {
	Kind ExprKind `json:"kind"`

	// Column reference (Kind == column)
	Table string `json:"table,omitempty"`
	Name  string `json:"name,omitempty"`

	// Literal value (Kind == literal)
	Value interface{} `json:"value,omitempty"`

	// Function call (Kind == func): Name holds the function, Args the
	// operands. Binary operation (Kind == binary): Op holds the operator.
	Op   string `json:"op,omitempty"`
	Args []Expr `json:"args,omitempty"`

	// Output alias, honored in select items.
	Alias string `json:"alias,omitempty"`
}

// OutputName is the column name this expression produces.
func (e *Expr) OutputName() string {
	if e.Alias != "" {
		return e.Alias
	}
	if e.Kind == ExprColumn {
		return e.Name
	}
	if e.Kind == ExprFunc {
		return strings.ToLower(e.Name)
	}
	return "expr"
}

// ColumnRefs appends every column reference in the tree to out.
func (e *Expr) ColumnRefs(out *[]Expr) {
	if e.Kind == ExprColumn {
		*out = append(*out, *e)
	}
	for i := range e.Args {
		e.Args[i].ColumnRefs(out)
	}
}

// JoinKind names the supported join types.
type JoinKind string

const (
	JoinInner JoinKind = "inner"
	JoinLeft  JoinKind = "left"
)

// Join is one join clause of a PlanModel.
type Join struct {
	Kind  JoinKind `json:"kind"`
	Table string   `json:"table"`
	On    Expr     `json:"on"`
}

// OrderItem is one ORDER BY entry.
type OrderItem struct {
	Expr Expr `json:"expr"`
	Desc bool `json:"desc,omitempty"`
}

// PlanModel is the logical AST for one SubQuery. Only SELECT statements
// exist; the intent gate rejects write intent before planning starts.
type PlanModel struct {
	StatementType string      `json:"statement_type"`
	DatasourceID  string      `json:"datasource_id"`
	From          string      `json:"from"`
	SelectItems   []Expr      `json:"select_items"`
	Joins         []Join      `json:"joins,omitempty"`
	Filters       *Expr       `json:"filters,omitempty"`
	GroupBy       []Expr      `json:"group_by,omitempty"`
	OrderBy       []OrderItem `json:"order_by,omitempty"`
	Limit         int         `json:"limit,omitempty"`
}

// Tables returns every table the plan touches.
func (p *PlanModel) Tables() []string {
	tables := []string{p.From}
	for _, j := range p.Joins {
		tables = append(tables, j.Table)
	}
	return tables
}

// AllExprs returns every expression in the plan for validation walks.
func (p *PlanModel) AllExprs() []Expr {
	var out []Expr
	out = append(out, p.SelectItems...)
	for _, j := range p.Joins {
		out = append(out, j.On)
	}
	if p.Filters != nil {
		out = append(out, *p.Filters)
	}
	out = append(out, p.GroupBy...)
	for _, o := range p.OrderBy {
		out = append(out, o.Expr)
	}
	return out
}

// identPattern is the shape of a bare identifier. Anything else in a
// position that names a column or table is rejected: that is how raw SQL
// fragments are kept out of typed plans.
var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidIdent reports whether s is a bare identifier.
func ValidIdent(s string) bool {
	return identPattern.MatchString(s)
}

// Validate checks structural well-formedness: statement type, identifier
// discipline, and expression shape. Schema resolution is the logical
// validator's job, not this one's.
func (p *PlanModel) Validate() error {
	if !strings.EqualFold(p.StatementType, "SELECT") {
		return fmt.Errorf("unsupported statement type %q", p.StatementType)
	}
	if !ValidIdent(p.From) {
		return fmt.Errorf("invalid table name %q", p.From)
	}
	if len(p.SelectItems) == 0 {
		return fmt.Errorf("plan has no select items")
	}
	for _, j := range p.Joins {
		if !ValidIdent(j.Table) {
			return fmt.Errorf("invalid join table %q", j.Table)
		}
	}
	for _, e := range p.AllExprs() {
		if err := validateExpr(&e); err != nil {
			return err
		}
	}
	return nil
}

func validateExpr(e *Expr) error {
	switch e.Kind {
	case ExprColumn:
		if !ValidIdent(e.Name) {
			return fmt.Errorf("invalid column reference %q", e.Name)
		}
		if e.Table != "" && !ValidIdent(e.Table) {
			return fmt.Errorf("invalid table qualifier %q", e.Table)
		}
	case ExprLiteral:
		// Literals are values, not identifiers; nothing to check.
	case ExprFunc:
		if !ValidIdent(e.Name) {
			return fmt.Errorf("invalid function name %q", e.Name)
		}
		// Functions the evaluator knows carry a fixed arity.
		switch strings.ToLower(e.Name) {
		case "upper", "lower":
			if len(e.Args) != 1 {
				return fmt.Errorf("function %q requires exactly one argument", e.Name)
			}
		case "coalesce":
			if len(e.Args) == 0 {
				return fmt.Errorf("function %q requires at least one argument", e.Name)
			}
		}
	case ExprBinary:
		if len(e.Args) != 2 {
			return fmt.Errorf("binary expression %q requires two operands", e.Op)
		}
	default:
		return fmt.Errorf("unknown expression kind %q", e.Kind)
	}
	for i := range e.Args {
		if err := validateExpr(&e.Args[i]); err != nil {
			return err
		}
	}
	return nil
}

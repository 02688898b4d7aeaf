package plan

import (
	"fmt"
)

// OpKind names the closed operator set of the ResultPlan. There is no
// escape hatch: an aggregation the set cannot express must be pushed down
// into the per-datasource SQL, never patched up with ad-hoc code here.
type OpKind string

const (
	OpInput      OpKind = "input"
	OpProject    OpKind = "project"
	OpFilter     OpKind = "filter"
	OpJoin       OpKind = "join"
	OpUnion      OpKind = "union"
	OpAggregate  OpKind = "aggregate"
	OpOrderLimit OpKind = "order_limit"
)

// JoinKey pairs one column from each side of a join.
type JoinKey struct {
	Left  string `json:"left"`
	Right string `json:"right"`
}

// AggSpec is one aggregate output: Func over Column, named As.
type AggSpec struct {
	Func   string `json:"func"` // count | sum | avg | min | max
	Column string `json:"column,omitempty"`
	As     string `json:"as"`
}

// OrderSpec is one ordering key of an order_limit operator.
type OrderSpec struct {
	Column string `json:"column"`
	Desc   bool   `json:"desc,omitempty"`
}

// Op is one operator node. Children supply input frames; an input node is
// a leaf bound to a SubQuery id.
type Op struct {
	Kind     OpKind `json:"kind"`
	Children []*Op  `json:"children,omitempty"`

	// input
	SubQueryID string `json:"subquery_id,omitempty"`

	// project
	Columns []string `json:"columns,omitempty"`

	// filter
	Predicate *Expr `json:"predicate,omitempty"`

	// join
	On []JoinKey `json:"on,omitempty"`

	// aggregate
	GroupBy []string  `json:"group_by,omitempty"`
	Aggs    []AggSpec `json:"aggs,omitempty"`

	// order_limit
	OrderBy []OrderSpec `json:"order_by,omitempty"`
	Limit   int         `json:"limit,omitempty"`
}

// ResultPlan is the deterministic aggregation recipe. It is always
// present: a single-SubQuery request still carries a one-op plan so the
// aggregation path never branches on sub-query count.
type ResultPlan struct {
	Root *Op `json:"root"`
}

// InputIDs returns every SubQuery id the plan reads.
func (p *ResultPlan) InputIDs() []string {
	var ids []string
	var walk func(op *Op)
	seen := map[string]bool{}
	walk = func(op *Op) {
		if op == nil {
			return
		}
		if op.Kind == OpInput && !seen[op.SubQueryID] {
			seen[op.SubQueryID] = true
			ids = append(ids, op.SubQueryID)
		}
		for _, c := range op.Children {
			walk(c)
		}
	}
	walk(p.Root)
	return ids
}

// Validate enforces the typed-operator discipline: every column and
// aggregate name must be a bare identifier, so a raw SQL fragment has
// nowhere to hide, and every operator has the arity its kind requires.
func (p *ResultPlan) Validate() error {
	if p.Root == nil {
		return fmt.Errorf("result plan has no root operator")
	}
	return validateOp(p.Root)
}

func validateOp(op *Op) error {
	switch op.Kind {
	case OpInput:
		if op.SubQueryID == "" {
			return fmt.Errorf("input operator missing subquery id")
		}
		if len(op.Children) != 0 {
			return fmt.Errorf("input operator cannot have children")
		}
	case OpProject:
		if len(op.Children) != 1 {
			return fmt.Errorf("project requires exactly one child")
		}
		if len(op.Columns) == 0 {
			return fmt.Errorf("project requires columns")
		}
		for _, c := range op.Columns {
			if !ValidIdent(c) {
				return fmt.Errorf("project column %q is not a bare identifier", c)
			}
		}
	case OpFilter:
		if len(op.Children) != 1 {
			return fmt.Errorf("filter requires exactly one child")
		}
		if op.Predicate == nil {
			return fmt.Errorf("filter requires a typed predicate")
		}
		if err := validateExpr(op.Predicate); err != nil {
			return err
		}
	case OpJoin:
		if len(op.Children) != 2 {
			return fmt.Errorf("join requires exactly two children")
		}
		if len(op.On) == 0 {
			return fmt.Errorf("join requires key pairs")
		}
		for _, k := range op.On {
			if !ValidIdent(k.Left) || !ValidIdent(k.Right) {
				return fmt.Errorf("join key %q=%q is not a bare identifier pair", k.Left, k.Right)
			}
		}
	case OpUnion:
		if len(op.Children) < 2 {
			return fmt.Errorf("union requires at least two children")
		}
	case OpAggregate:
		if len(op.Children) != 1 {
			return fmt.Errorf("aggregate requires exactly one child")
		}
		if len(op.Aggs) == 0 {
			return fmt.Errorf("aggregate requires at least one aggregate spec")
		}
		for _, g := range op.GroupBy {
			if !ValidIdent(g) {
				return fmt.Errorf("group-by column %q is not a bare identifier", g)
			}
		}
		for _, a := range op.Aggs {
			switch a.Func {
			case "count", "sum", "avg", "min", "max":
			default:
				return fmt.Errorf("unsupported aggregate %q", a.Func)
			}
			if a.Column != "" && !ValidIdent(a.Column) {
				return fmt.Errorf("aggregate column %q is not a bare identifier", a.Column)
			}
			if !ValidIdent(a.As) {
				return fmt.Errorf("aggregate output name %q is not a bare identifier", a.As)
			}
		}
	case OpOrderLimit:
		if len(op.Children) != 1 {
			return fmt.Errorf("order_limit requires exactly one child")
		}
		for _, o := range op.OrderBy {
			if !ValidIdent(o.Column) {
				return fmt.Errorf("order-by column %q is not a bare identifier", o.Column)
			}
		}
		if op.Limit < 0 {
			return fmt.Errorf("negative limit")
		}
	default:
		return fmt.Errorf("unknown operator kind %q", op.Kind)
	}
	for _, c := range op.Children {
		if err := validateOp(c); err != nil {
			return err
		}
	}
	return nil
}

// SingleInput builds the one-op plan used for single-SubQuery requests.
func SingleInput(subQueryID string) *ResultPlan {
	return &ResultPlan{Root: &Op{Kind: OpInput, SubQueryID: subQueryID}}
}

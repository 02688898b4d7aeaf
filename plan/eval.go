package plan

import (
	"fmt"
	"sort"
	"strings"
)

// Eval executes a validated ResultPlan over the named SubQuery output
// frames. It is pure code over typed operators: deterministic for a given
// plan and inputs, and the only component allowed to produce the final
// frame of a request.
func Eval(p *ResultPlan, inputs map[string]*Frame) (*Frame, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid result plan: %w", err)
	}
	return evalOp(p.Root, inputs)
}

func evalOp(op *Op, inputs map[string]*Frame) (*Frame, error) {
	switch op.Kind {
	case OpInput:
		frame, ok := inputs[op.SubQueryID]
		if !ok {
			return nil, fmt.Errorf("missing input frame for subquery %q", op.SubQueryID)
		}
		return frame, nil
	case OpProject:
		return evalProject(op, inputs)
	case OpFilter:
		return evalFilter(op, inputs)
	case OpJoin:
		return evalJoin(op, inputs)
	case OpUnion:
		return evalUnion(op, inputs)
	case OpAggregate:
		return evalAggregate(op, inputs)
	case OpOrderLimit:
		return evalOrderLimit(op, inputs)
	default:
		return nil, fmt.Errorf("unknown operator kind %q", op.Kind)
	}
}

func evalProject(op *Op, inputs map[string]*Frame) (*Frame, error) {
	in, err := evalOp(op.Children[0], inputs)
	if err != nil {
		return nil, err
	}
	idx := make([]int, len(op.Columns))
	for i, c := range op.Columns {
		j := in.ColumnIndex(c)
		if j < 0 {
			return nil, fmt.Errorf("project: column %q not in input", c)
		}
		idx[i] = j
	}
	out := NewFrame(op.Columns...)
	for _, row := range in.Rows {
		projected := make([]interface{}, len(idx))
		for i, j := range idx {
			projected[i] = row[j]
		}
		out.Rows = append(out.Rows, projected)
	}
	return out, nil
}

func evalFilter(op *Op, inputs map[string]*Frame) (*Frame, error) {
	in, err := evalOp(op.Children[0], inputs)
	if err != nil {
		return nil, err
	}
	out := NewFrame(in.Columns...)
	for _, row := range in.Rows {
		keep, err := evalPredicate(op.Predicate, in, row)
		if err != nil {
			return nil, err
		}
		if keep {
			out.Rows = append(out.Rows, row)
		}
	}
	return out, nil
}

func evalJoin(op *Op, inputs map[string]*Frame) (*Frame, error) {
	left, err := evalOp(op.Children[0], inputs)
	if err != nil {
		return nil, err
	}
	right, err := evalOp(op.Children[1], inputs)
	if err != nil {
		return nil, err
	}

	leftIdx := make([]int, len(op.On))
	rightIdx := make([]int, len(op.On))
	for i, k := range op.On {
		if leftIdx[i] = left.ColumnIndex(k.Left); leftIdx[i] < 0 {
			return nil, fmt.Errorf("join: column %q not in left input", k.Left)
		}
		if rightIdx[i] = right.ColumnIndex(k.Right); rightIdx[i] < 0 {
			return nil, fmt.Errorf("join: column %q not in right input", k.Right)
		}
	}

	// Hash inner join on the key tuple.
	buckets := make(map[string][]int, right.Len())
	for i, row := range right.Rows {
		key := joinKey(row, rightIdx)
		buckets[key] = append(buckets[key], i)
	}

	out := NewFrame(append(append([]string{}, left.Columns...), right.Columns...)...)
	for _, lrow := range left.Rows {
		for _, ri := range buckets[joinKey(lrow, leftIdx)] {
			merged := make([]interface{}, 0, len(lrow)+len(right.Columns))
			merged = append(merged, lrow...)
			merged = append(merged, right.Rows[ri]...)
			out.Rows = append(out.Rows, merged)
		}
	}
	return out, nil
}

func joinKey(row []interface{}, idx []int) string {
	parts := make([]string, len(idx))
	for i, j := range idx {
		parts[i] = fmt.Sprintf("%v", row[j])
	}
	return strings.Join(parts, "\x1f")
}

func evalUnion(op *Op, inputs map[string]*Frame) (*Frame, error) {
	first, err := evalOp(op.Children[0], inputs)
	if err != nil {
		return nil, err
	}
	out := NewFrame(first.Columns...)
	out.Rows = append(out.Rows, first.Rows...)

	for _, child := range op.Children[1:] {
		next, err := evalOp(child, inputs)
		if err != nil {
			return nil, err
		}
		if len(next.Columns) != len(out.Columns) {
			return nil, fmt.Errorf("union: arity mismatch (%d vs %d columns)", len(next.Columns), len(out.Columns))
		}
		// Union aligns by position, as SQL does.
		out.Rows = append(out.Rows, next.Rows...)
	}
	return out, nil
}

func evalAggregate(op *Op, inputs map[string]*Frame) (*Frame, error) {
	in, err := evalOp(op.Children[0], inputs)
	if err != nil {
		return nil, err
	}

	groupIdx := make([]int, len(op.GroupBy))
	for i, g := range op.GroupBy {
		if groupIdx[i] = in.ColumnIndex(g); groupIdx[i] < 0 {
			return nil, fmt.Errorf("aggregate: group-by column %q not in input", g)
		}
	}
	aggIdx := make([]int, len(op.Aggs))
	for i, a := range op.Aggs {
		aggIdx[i] = -1
		if a.Column != "" {
			if aggIdx[i] = in.ColumnIndex(a.Column); aggIdx[i] < 0 {
				return nil, fmt.Errorf("aggregate: column %q not in input", a.Column)
			}
		} else if a.Func != "count" {
			return nil, fmt.Errorf("aggregate %q requires a column", a.Func)
		}
	}

	type group struct {
		keys   []interface{}
		counts []int
		sums   []float64
		mins   []interface{}
		maxs   []interface{}
	}
	groups := make(map[string]*group)
	var order []string // deterministic first-seen group order

	for _, row := range in.Rows {
		key := joinKey(row, groupIdx)
		g, ok := groups[key]
		if !ok {
			g = &group{
				counts: make([]int, len(op.Aggs)),
				sums:   make([]float64, len(op.Aggs)),
				mins:   make([]interface{}, len(op.Aggs)),
				maxs:   make([]interface{}, len(op.Aggs)),
			}
			for _, j := range groupIdx {
				g.keys = append(g.keys, row[j])
			}
			groups[key] = g
			order = append(order, key)
		}
		for i := range op.Aggs {
			var v interface{}
			if aggIdx[i] >= 0 {
				v = row[aggIdx[i]]
			}
			// A column-bound aggregate skips NULLs; a bare count counts
			// every row.
			if v == nil && aggIdx[i] >= 0 {
				continue
			}
			g.counts[i]++
			if f, ok := toFloat(v); ok {
				g.sums[i] += f
			}
			if g.mins[i] == nil || compareValues(v, g.mins[i]) < 0 {
				g.mins[i] = v
			}
			if g.maxs[i] == nil || compareValues(v, g.maxs[i]) > 0 {
				g.maxs[i] = v
			}
		}
	}

	columns := append([]string{}, op.GroupBy...)
	for _, a := range op.Aggs {
		columns = append(columns, a.As)
	}
	out := NewFrame(columns...)

	for _, key := range order {
		g := groups[key]
		row := append([]interface{}{}, g.keys...)
		for i, a := range op.Aggs {
			switch a.Func {
			case "count":
				row = append(row, g.counts[i])
			case "sum":
				row = append(row, g.sums[i])
			case "avg":
				if g.counts[i] == 0 {
					row = append(row, nil)
				} else {
					row = append(row, g.sums[i]/float64(g.counts[i]))
				}
			case "min":
				row = append(row, g.mins[i])
			case "max":
				row = append(row, g.maxs[i])
			}
		}
		out.Rows = append(out.Rows, row)
	}
	return out, nil
}

func evalOrderLimit(op *Op, inputs map[string]*Frame) (*Frame, error) {
	in, err := evalOp(op.Children[0], inputs)
	if err != nil {
		return nil, err
	}
	idx := make([]int, len(op.OrderBy))
	for i, o := range op.OrderBy {
		if idx[i] = in.ColumnIndex(o.Column); idx[i] < 0 {
			return nil, fmt.Errorf("order_limit: column %q not in input", o.Column)
		}
	}

	out := NewFrame(in.Columns...)
	out.Rows = append(out.Rows, in.Rows...)
	sort.SliceStable(out.Rows, func(a, b int) bool {
		for i, o := range op.OrderBy {
			c := compareValues(out.Rows[a][idx[i]], out.Rows[b][idx[i]])
			if c == 0 {
				continue
			}
			if o.Desc {
				return c > 0
			}
			return c < 0
		}
		return false
	})
	if op.Limit > 0 && len(out.Rows) > op.Limit {
		out.Rows = out.Rows[:op.Limit]
	}
	return out, nil
}

// Predicate evaluation over one row.

func evalPredicate(e *Expr, f *Frame, row []interface{}) (bool, error) {
	v, err := evalExpr(e, f, row)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("filter predicate evaluated to %T, want bool", v)
	}
	return b, nil
}

func evalExpr(e *Expr, f *Frame, row []interface{}) (interface{}, error) {
	switch e.Kind {
	case ExprColumn:
		name := e.Name
		if e.Table != "" {
			name = e.Table + "." + e.Name
		}
		j := f.ColumnIndex(name)
		if j < 0 {
			return nil, fmt.Errorf("column %q not in frame", name)
		}
		return row[j], nil
	case ExprLiteral:
		return e.Value, nil
	case ExprBinary:
		return evalBinary(e, f, row)
	case ExprFunc:
		return evalFunc(e, f, row)
	default:
		return nil, fmt.Errorf("unknown expression kind %q", e.Kind)
	}
}

func evalBinary(e *Expr, f *Frame, row []interface{}) (interface{}, error) {
	left, err := evalExpr(&e.Args[0], f, row)
	if err != nil {
		return nil, err
	}

	// Short-circuit logical operators.
	switch strings.ToLower(e.Op) {
	case "and":
		lb, _ := left.(bool)
		if !lb {
			return false, nil
		}
		right, err := evalExpr(&e.Args[1], f, row)
		if err != nil {
			return nil, err
		}
		rb, _ := right.(bool)
		return rb, nil
	case "or":
		lb, _ := left.(bool)
		if lb {
			return true, nil
		}
		right, err := evalExpr(&e.Args[1], f, row)
		if err != nil {
			return nil, err
		}
		rb, _ := right.(bool)
		return rb, nil
	}

	right, err := evalExpr(&e.Args[1], f, row)
	if err != nil {
		return nil, err
	}

	switch e.Op {
	case "=", "==":
		return compareValues(left, right) == 0, nil
	case "!=", "<>":
		return compareValues(left, right) != 0, nil
	case "<":
		return compareValues(left, right) < 0, nil
	case "<=":
		return compareValues(left, right) <= 0, nil
	case ">":
		return compareValues(left, right) > 0, nil
	case ">=":
		return compareValues(left, right) >= 0, nil
	case "+", "-", "*", "/":
		lf, lok := toFloat(left)
		rf, rok := toFloat(right)
		if !lok || !rok {
			return nil, fmt.Errorf("arithmetic %q over non-numeric operands", e.Op)
		}
		switch e.Op {
		case "+":
			return lf + rf, nil
		case "-":
			return lf - rf, nil
		case "*":
			return lf * rf, nil
		default:
			if rf == 0 {
				return nil, nil
			}
			return lf / rf, nil
		}
	default:
		return nil, fmt.Errorf("unsupported operator %q", e.Op)
	}
}

func evalFunc(e *Expr, f *Frame, row []interface{}) (interface{}, error) {
	args := make([]interface{}, len(e.Args))
	for i := range e.Args {
		v, err := evalExpr(&e.Args[i], f, row)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	switch strings.ToLower(e.Name) {
	case "upper":
		if len(args) != 1 {
			return nil, fmt.Errorf("function %q requires exactly one argument", e.Name)
		}
		s, _ := args[0].(string)
		return strings.ToUpper(s), nil
	case "lower":
		if len(args) != 1 {
			return nil, fmt.Errorf("function %q requires exactly one argument", e.Name)
		}
		s, _ := args[0].(string)
		return strings.ToLower(s), nil
	case "coalesce":
		for _, a := range args {
			if a != nil {
				return a, nil
			}
		}
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported function %q in result plan", e.Name)
	}
}

// compareValues orders two scalar values: numbers numerically, everything
// else lexicographically through fmt. Nil sorts first.
func compareValues(a, b interface{}) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return -1
	}
	if b == nil {
		return 1
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	as, bs := fmt.Sprintf("%v", a), fmt.Sprintf("%v", b)
	return strings.Compare(as, bs)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

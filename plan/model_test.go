package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func revenueByCustomerPlan() *PlanModel {
	return &PlanModel{
		StatementType: "SELECT",
		DatasourceID:  "sales",
		From:          "orders",
		SelectItems: []Expr{
			{Kind: ExprColumn, Table: "customers", Name: "name"},
			{Kind: ExprFunc, Name: "sum", Args: []Expr{{Kind: ExprColumn, Table: "orders", Name: "total"}}, Alias: "revenue"},
		},
		Joins: []Join{
			{Kind: JoinInner, Table: "customers", On: Expr{
				Kind: ExprBinary, Op: "=",
				Args: []Expr{
					{Kind: ExprColumn, Table: "orders", Name: "customer_id"},
					{Kind: ExprColumn, Table: "customers", Name: "id"},
				},
			}},
		},
		GroupBy: []Expr{{Kind: ExprColumn, Table: "customers", Name: "name"}},
		OrderBy: []OrderItem{{Expr: Expr{Kind: ExprColumn, Name: "revenue"}, Desc: true}},
		Limit:   10,
	}
}

func TestPlanModelValidate(t *testing.T) {
	t.Run("well-formed plan", func(t *testing.T) {
		assert.NoError(t, revenueByCustomerPlan().Validate())
	})

	t.Run("only SELECT is allowed", func(t *testing.T) {
		p := revenueByCustomerPlan()
		p.StatementType = "DELETE"
		assert.Error(t, p.Validate())
	})

	t.Run("no select items", func(t *testing.T) {
		p := revenueByCustomerPlan()
		p.SelectItems = nil
		assert.Error(t, p.Validate())
	})

	t.Run("binary arity", func(t *testing.T) {
		p := revenueByCustomerPlan()
		p.Filters = &Expr{Kind: ExprBinary, Op: "=", Args: []Expr{{Kind: ExprLiteral, Value: 1}}}
		assert.Error(t, p.Validate())
	})

	t.Run("function arity", func(t *testing.T) {
		p := revenueByCustomerPlan()
		p.Filters = &Expr{Kind: ExprBinary, Op: "=", Args: []Expr{
			{Kind: ExprFunc, Name: "upper"},
			{Kind: ExprLiteral, Value: "EAST"},
		}}
		assert.Error(t, p.Validate())
	})
}

// TestPlanModelRejectsEmbeddedSQL verifies identifier positions cannot
// smuggle raw SQL fragments.
func TestPlanModelRejectsEmbeddedSQL(t *testing.T) {
	t.Run("table name", func(t *testing.T) {
		p := revenueByCustomerPlan()
		p.From = "orders; DROP TABLE orders"
		assert.Error(t, p.Validate())
	})

	t.Run("column name", func(t *testing.T) {
		p := revenueByCustomerPlan()
		p.SelectItems[0].Name = "name FROM users --"
		assert.Error(t, p.Validate())
	})

	t.Run("function name", func(t *testing.T) {
		p := revenueByCustomerPlan()
		p.SelectItems[1].Name = "sum(total)); DROP"
		assert.Error(t, p.Validate())
	})

	t.Run("join table", func(t *testing.T) {
		p := revenueByCustomerPlan()
		p.Joins[0].Table = "customers c ON 1=1"
		assert.Error(t, p.Validate())
	})
}

func TestPlanModelTables(t *testing.T) {
	assert.Equal(t, []string{"orders", "customers"}, revenueByCustomerPlan().Tables())
}

func TestExprOutputName(t *testing.T) {
	assert.Equal(t, "revenue", (&Expr{Kind: ExprFunc, Name: "SUM", Alias: "revenue"}).OutputName())
	assert.Equal(t, "sum", (&Expr{Kind: ExprFunc, Name: "SUM"}).OutputName())
	assert.Equal(t, "total", (&Expr{Kind: ExprColumn, Name: "total"}).OutputName())
}

func TestResultPlanValidate(t *testing.T) {
	t.Run("single input", func(t *testing.T) {
		p := SingleInput("sq_1")
		require.NoError(t, p.Validate())
		assert.Equal(t, []string{"sq_1"}, p.InputIDs())
	})

	t.Run("missing root", func(t *testing.T) {
		assert.Error(t, (&ResultPlan{}).Validate())
	})

	t.Run("join arity", func(t *testing.T) {
		p := &ResultPlan{Root: &Op{
			Kind:     OpJoin,
			Children: []*Op{{Kind: OpInput, SubQueryID: "sq_1"}},
			On:       []JoinKey{{Left: "id", Right: "id"}},
		}}
		assert.Error(t, p.Validate())
	})

	t.Run("raw SQL in project column", func(t *testing.T) {
		p := &ResultPlan{Root: &Op{
			Kind:     OpProject,
			Children: []*Op{{Kind: OpInput, SubQueryID: "sq_1"}},
			Columns:  []string{"1; DROP TABLE users"},
		}}
		assert.Error(t, p.Validate())
	})

	t.Run("raw SQL in aggregate output", func(t *testing.T) {
		p := &ResultPlan{Root: &Op{
			Kind:     OpAggregate,
			Children: []*Op{{Kind: OpInput, SubQueryID: "sq_1"}},
			Aggs:     []AggSpec{{Func: "count", As: "n) FROM pg_shadow --"}},
		}}
		assert.Error(t, p.Validate())
	})

	t.Run("function without arguments in a predicate", func(t *testing.T) {
		p := &ResultPlan{Root: &Op{
			Kind: OpFilter,
			Predicate: &Expr{Kind: ExprBinary, Op: "=", Args: []Expr{
				{Kind: ExprFunc, Name: "upper"},
				{Kind: ExprLiteral, Value: "EAST"},
			}},
			Children: []*Op{{Kind: OpInput, SubQueryID: "sq_1"}},
		}}
		assert.Error(t, p.Validate())
	})

	t.Run("unsupported aggregate function", func(t *testing.T) {
		p := &ResultPlan{Root: &Op{
			Kind:     OpAggregate,
			Children: []*Op{{Kind: OpInput, SubQueryID: "sq_1"}},
			Aggs:     []AggSpec{{Func: "string_agg", Column: "name", As: "names"}},
		}}
		assert.Error(t, p.Validate())
	})
}

func TestResultPlanInputIDs(t *testing.T) {
	p := &ResultPlan{Root: &Op{
		Kind: OpJoin,
		On:   []JoinKey{{Left: "region", Right: "region"}},
		Children: []*Op{
			{Kind: OpInput, SubQueryID: "sq_1"},
			{Kind: OpProject, Columns: []string{"region"}, Children: []*Op{
				{Kind: OpInput, SubQueryID: "sq_2"},
			}},
		},
	}}
	require.NoError(t, p.Validate())
	assert.Equal(t, []string{"sq_1", "sq_2"}, p.InputIDs())
}

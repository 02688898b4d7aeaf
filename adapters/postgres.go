package adapters

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/nadeem4/nl2sql-sub001/core"
	"github.com/nadeem4/nl2sql-sub001/plan"
	"github.com/nadeem4/nl2sql-sub001/schema"
)

// PostgresAdapter is the reference adapter implementation. It introspects
// information_schema, validates with EXPLAIN, estimates cost with
// EXPLAIN (FORMAT JSON), and executes read-only statements under limits.
type PostgresAdapter struct {
	id     string
	db     *sql.DB
	logger core.Logger
}

// NewPostgresFactory returns the factory for connection type "postgres".
func NewPostgresFactory() Factory {
	return func(cfg DatasourceConfig, logger core.Logger) (Adapter, error) {
		dsn := cfg.Connection["dsn"]
		if dsn == "" {
			return nil, fmt.Errorf("%w: postgres datasource %q requires connection.dsn", core.ErrMissingConfiguration, cfg.ID)
		}
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("opening postgres connection: %w", err)
		}
		// The pool is shared across sandbox tasks for this datasource;
		// sizing stays modest since the sandbox already bounds parallelism.
		db.SetMaxOpenConns(8)
		db.SetMaxIdleConns(4)
		db.SetConnMaxLifetime(30 * time.Minute)
		if logger == nil {
			logger = &core.NoOpLogger{}
		}
		return &PostgresAdapter{id: cfg.ID, db: db, logger: logger}, nil
	}
}

func (a *PostgresAdapter) ID() string { return a.id }

// Capabilities reports the postgres dialect surface.
func (a *PostgresAdapter) Capabilities() Capabilities {
	return Capabilities{
		SQL:                 true,
		SchemaIntrospection: true,
		DryRun:              true,
		CostEstimate:        true,
		CTE:                 true,
		WindowFunctions:     true,
		LimitOffset:         true,
		Dialect:             "postgres",
	}
}

// FetchSchema introspects tables, columns and foreign keys from
// information_schema for the public schema.
func (a *PostgresAdapter) FetchSchema(ctx context.Context) (*schema.Snapshot, error) {
	snapshot := &schema.Snapshot{DatasourceID: a.id, EngineType: "postgres"}

	rows, err := a.db.QueryContext(ctx, `
		SELECT table_name, column_name, data_type, is_nullable
		FROM information_schema.columns
		WHERE table_schema = 'public'
		ORDER BY table_name, ordinal_position`)
	if err != nil {
		return nil, fmt.Errorf("introspecting columns: %w", err)
	}
	defer rows.Close()

	tables := make(map[string]*schema.Table)
	var order []string
	for rows.Next() {
		var table, column, dtype, nullable string
		if err := rows.Scan(&table, &column, &dtype, &nullable); err != nil {
			return nil, fmt.Errorf("scanning column row: %w", err)
		}
		t, ok := tables[table]
		if !ok {
			t = &schema.Table{Name: table}
			tables[table] = t
			order = append(order, table)
		}
		t.Columns = append(t.Columns, schema.Column{
			Name:     column,
			Type:     dtype,
			Nullable: nullable == "YES",
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	fkRows, err := a.db.QueryContext(ctx, `
		SELECT tc.table_name, kcu.column_name, ccu.table_name, ccu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
		  ON tc.constraint_name = kcu.constraint_name
		JOIN information_schema.constraint_column_usage ccu
		  ON tc.constraint_name = ccu.constraint_name
		WHERE tc.constraint_type = 'FOREIGN KEY' AND tc.table_schema = 'public'`)
	if err != nil {
		return nil, fmt.Errorf("introspecting foreign keys: %w", err)
	}
	defer fkRows.Close()

	for fkRows.Next() {
		var table, column, refTable, refColumn string
		if err := fkRows.Scan(&table, &column, &refTable, &refColumn); err != nil {
			return nil, fmt.Errorf("scanning foreign key row: %w", err)
		}
		if t, ok := tables[table]; ok {
			t.ForeignKeys = append(t.ForeignKeys, schema.ForeignKey{
				Column: column, RefTable: refTable, RefColumn: refColumn,
			})
		}
	}
	if err := fkRows.Err(); err != nil {
		return nil, err
	}

	for _, name := range order {
		snapshot.Tables = append(snapshot.Tables, *tables[name])
	}
	return snapshot, nil
}

// Execute runs the statement under a per-statement timeout and row cap,
// returning a typed frame.
func (a *PostgresAdapter) Execute(ctx context.Context, query string, params []interface{}, limits Limits) (*plan.Frame, error) {
	if limits.StatementTimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(limits.StatementTimeoutMS)*time.Millisecond)
		defer cancel()
	}

	rows, err := a.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("executing query: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("reading result columns: %w", err)
	}

	frame := plan.NewFrame(columns...)
	values := make([]interface{}, len(columns))
	ptrs := make([]interface{}, len(columns))
	for i := range values {
		ptrs[i] = &values[i]
	}

	for rows.Next() {
		if limits.MaxRows > 0 && frame.Len() >= limits.MaxRows {
			break
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scanning result row: %w", err)
		}
		row := make([]interface{}, len(columns))
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				row[i] = string(b)
			} else {
				row[i] = v
			}
		}
		frame.Rows = append(frame.Rows, row)
	}
	return frame, rows.Err()
}

// DryRun validates the statement without executing it.
func (a *PostgresAdapter) DryRun(ctx context.Context, query string) error {
	_, err := a.db.ExecContext(ctx, "EXPLAIN "+query)
	if err != nil {
		return fmt.Errorf("dry run failed: %w", err)
	}
	return nil
}

// CostEstimate returns the planner's estimated row count.
func (a *PostgresAdapter) CostEstimate(ctx context.Context, query string) (int64, error) {
	var raw string
	if err := a.db.QueryRowContext(ctx, "EXPLAIN (FORMAT JSON) "+query).Scan(&raw); err != nil {
		return 0, fmt.Errorf("cost estimate failed: %w", err)
	}
	var explained []struct {
		Plan struct {
			PlanRows float64 `json:"Plan Rows"`
		} `json:"Plan"`
	}
	if err := json.Unmarshal([]byte(raw), &explained); err != nil || len(explained) == 0 {
		return 0, fmt.Errorf("parsing explain output: %w", err)
	}
	return int64(explained[0].Plan.PlanRows), nil
}

// Close releases the connection pool.
func (a *PostgresAdapter) Close() error {
	return a.db.Close()
}

// Package adapters defines the datasource adapter contract and the
// registry that resolves adapters by datasource id. Concrete engines plug
// in through factories registered by connection type; the pipeline only
// ever sees the Adapter interface and its capability flags.
package adapters

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/nadeem4/nl2sql-sub001/core"
	"github.com/nadeem4/nl2sql-sub001/plan"
	"github.com/nadeem4/nl2sql-sub001/schema"
)

// Capabilities is the flag set the generator queries for dialect-aware
// SQL. Flags describe what the engine supports, not what is enabled.
type Capabilities struct {
	SQL                 bool   `json:"sql"`
	SchemaIntrospection bool   `json:"schema_introspection"`
	DryRun              bool   `json:"dry_run"`
	CostEstimate        bool   `json:"cost_estimate"`
	CTE                 bool   `json:"cte"`
	WindowFunctions     bool   `json:"window_functions"`
	LimitOffset         bool   `json:"limit_offset"`
	Dialect             string `json:"dialect"`
}

// Limits caps one execution task.
type Limits struct {
	MaxRows            int
	MaxBytes           int64
	StatementTimeoutMS int
}

// Adapter speaks to one datasource engine.
type Adapter interface {
	ID() string
	Capabilities() Capabilities
	FetchSchema(ctx context.Context) (*schema.Snapshot, error)
	Execute(ctx context.Context, sql string, params []interface{}, limits Limits) (*plan.Frame, error)
	DryRun(ctx context.Context, sql string) error
	CostEstimate(ctx context.Context, sql string) (int64, error)
	Close() error
}

// DatasourceConfig is one entry of the datasources config file.
type DatasourceConfig struct {
	ID                 string            `yaml:"id" json:"id"`
	Description        string            `yaml:"description,omitempty" json:"description,omitempty"`
	Connection         map[string]string `yaml:"connection" json:"-"`
	StatementTimeoutMS int               `yaml:"statement_timeout_ms,omitempty" json:"statement_timeout_ms,omitempty"`
	RowLimit           int               `yaml:"row_limit,omitempty" json:"row_limit,omitempty"`
	MaxBytes           int64             `yaml:"max_bytes,omitempty" json:"max_bytes,omitempty"`
}

// Type returns the connection engine type.
func (c *DatasourceConfig) Type() string {
	return c.Connection["type"]
}

// DatasourcesFile is the on-disk datasources config format.
type DatasourcesFile struct {
	Version     int                `yaml:"version"`
	Datasources []DatasourceConfig `yaml:"datasources"`
}

// LoadDatasourcesFile parses a datasources config file, expanding secret
// references in connection values.
func LoadDatasourcesFile(path string, secrets *core.SecretResolver) (*DatasourcesFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading datasource config: %w", err)
	}
	var file DatasourcesFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parsing datasource config: %w", err)
	}
	if secrets != nil {
		for i := range file.Datasources {
			for k, v := range file.Datasources[i].Connection {
				expanded, err := secrets.Expand(v)
				if err != nil {
					return nil, fmt.Errorf("datasource %q connection %q: %w", file.Datasources[i].ID, k, err)
				}
				file.Datasources[i].Connection[k] = expanded
			}
		}
	}
	return &file, nil
}

// Factory builds an adapter from a datasource config.
type Factory func(cfg DatasourceConfig, logger core.Logger) (Adapter, error)

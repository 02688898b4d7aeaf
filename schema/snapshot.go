// Package schema holds the authoritative, versioned description of each
// datasource's structure. Retrieval candidates from the vector index are
// always resolved against a snapshot from this package before planning.
package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Column describes one column of a table.
type Column struct {
	Name        string `json:"name" yaml:"name"`
	Type        string `json:"type" yaml:"type"`
	Nullable    bool   `json:"nullable" yaml:"nullable"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// ForeignKey describes one outbound reference.
type ForeignKey struct {
	Column        string `json:"column" yaml:"column"`
	RefTable      string `json:"ref_table" yaml:"ref_table"`
	RefColumn     string `json:"ref_column" yaml:"ref_column"`
}

// Table describes one table with its columns and foreign keys.
type Table struct {
	Name        string       `json:"name" yaml:"name"`
	Description string       `json:"description,omitempty" yaml:"description,omitempty"`
	Columns     []Column     `json:"columns" yaml:"columns"`
	ForeignKeys []ForeignKey `json:"foreign_keys,omitempty" yaml:"foreign_keys,omitempty"`
}

// Column returns the named column, or nil.
func (t *Table) Column(name string) *Column {
	for i := range t.Columns {
		if strings.EqualFold(t.Columns[i].Name, name) {
			return &t.Columns[i]
		}
	}
	return nil
}

// Snapshot is one versioned structural description of a datasource.
type Snapshot struct {
	DatasourceID string  `json:"datasource_id"`
	EngineType   string  `json:"engine_type"`
	Tables       []Table `json:"tables"`
	Fingerprint  string  `json:"fingerprint"`
	VersionID    string  `json:"version_id,omitempty"`
	CreatedAt    time.Time `json:"created_at,omitempty"`
}

// Table returns the named table, or nil.
func (s *Snapshot) Table(name string) *Table {
	for i := range s.Tables {
		if strings.EqualFold(s.Tables[i].Name, name) {
			return &s.Tables[i]
		}
	}
	return nil
}

// ComputeFingerprint returns the stable hash of the snapshot's structural
// contents. The canonical form sorts tables, columns and foreign keys so
// the fingerprint is invariant under input iteration order. Descriptions
// are structural metadata and participate: a changed description is a new
// version worth re-indexing.
func ComputeFingerprint(s *Snapshot) string {
	var b strings.Builder
	b.WriteString(s.DatasourceID)
	b.WriteByte('\n')
	b.WriteString(s.EngineType)
	b.WriteByte('\n')

	tables := make([]Table, len(s.Tables))
	copy(tables, s.Tables)
	sort.Slice(tables, func(i, j int) bool { return tables[i].Name < tables[j].Name })

	for _, t := range tables {
		fmt.Fprintf(&b, "table:%s:%s\n", t.Name, t.Description)

		cols := make([]Column, len(t.Columns))
		copy(cols, t.Columns)
		sort.Slice(cols, func(i, j int) bool { return cols[i].Name < cols[j].Name })
		for _, c := range cols {
			fmt.Fprintf(&b, "col:%s:%s:%t:%s\n", c.Name, c.Type, c.Nullable, c.Description)
		}

		fks := make([]ForeignKey, len(t.ForeignKeys))
		copy(fks, t.ForeignKeys)
		sort.Slice(fks, func(i, j int) bool {
			if fks[i].Column != fks[j].Column {
				return fks[i].Column < fks[j].Column
			}
			return fks[i].RefTable < fks[j].RefTable
		})
		for _, fk := range fks {
			fmt.Fprintf(&b, "fk:%s:%s:%s\n", fk.Column, fk.RefTable, fk.RefColumn)
		}
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// versionID builds the stored version id: timestamp plus the first eight
// fingerprint characters, so ids sort chronologically but remain tied to
// content.
func versionID(at time.Time, fingerprint string) string {
	fp8 := fingerprint
	if len(fp8) > 8 {
		fp8 = fp8[:8]
	}
	return fmt.Sprintf("%s_%s", at.UTC().Format("20060102150405"), fp8)
}

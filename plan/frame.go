package plan

import (
	"fmt"
)

// Frame is a small in-memory table: named columns over row-major values.
// Frames flow between the executor, the artifact store (which persists
// them column-major), and the aggregator's evaluator.
type Frame struct {
	Columns []string        `json:"columns"`
	Rows    [][]interface{} `json:"rows"`
}

// NewFrame creates an empty frame with the given columns.
func NewFrame(columns ...string) *Frame {
	return &Frame{Columns: columns}
}

// ColumnIndex returns the index of the named column, resolving both bare
// and table-qualified names, or -1.
func (f *Frame) ColumnIndex(name string) int {
	for i, c := range f.Columns {
		if c == name {
			return i
		}
	}
	// Fall back to suffix match for qualified names ("t.col" vs "col").
	for i, c := range f.Columns {
		if suffixAfterDot(c) == name || c == suffixAfterDot(name) {
			return i
		}
	}
	return -1
}

func suffixAfterDot(s string) string {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '.' {
			return s[i+1:]
		}
	}
	return s
}

// Append adds a row; length must match the column count.
func (f *Frame) Append(row []interface{}) error {
	if len(row) != len(f.Columns) {
		return fmt.Errorf("row has %d values, frame has %d columns", len(row), len(f.Columns))
	}
	f.Rows = append(f.Rows, row)
	return nil
}

// Len returns the row count.
func (f *Frame) Len() int { return len(f.Rows) }

// RowMap converts row i to a name → value map for the result surface.
func (f *Frame) RowMap(i int) map[string]interface{} {
	out := make(map[string]interface{}, len(f.Columns))
	for j, c := range f.Columns {
		out[c] = f.Rows[i][j]
	}
	return out
}

// Maps converts every row for the result surface.
func (f *Frame) Maps() []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(f.Rows))
	for i := range f.Rows {
		out = append(out, f.RowMap(i))
	}
	return out
}

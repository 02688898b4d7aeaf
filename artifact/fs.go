package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/nadeem4/nl2sql-sub001/core"
	"github.com/nadeem4/nl2sql-sub001/plan"
)

// columnarObject is the on-disk encoding: one typed value array per
// column. Column-major keeps the artifact contract ("columnar on disk")
// while staying a plain readable file.
type columnarObject struct {
	Columns []columnarColumn `json:"columns"`
	Rows    int              `json:"rows"`
}

type columnarColumn struct {
	Name   string        `json:"name"`
	Values []interface{} `json:"values"`
}

// FSStore writes artifacts under a base directory following the
// configured path template. Objects are written once via a temp file and
// rename, then never touched again.
type FSStore struct {
	base     string
	template string
	logger   core.Logger
}

// NewFSStore creates a filesystem store. An empty template selects the
// default layout.
func NewFSStore(base, template string, logger core.Logger) (*FSStore, error) {
	if base == "" {
		return nil, fmt.Errorf("%w: artifact base uri required", core.ErrMissingConfiguration)
	}
	if template == "" {
		template = DefaultPathTemplate
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	base = strings.TrimPrefix(base, "file://")
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("creating artifact base directory: %w", err)
	}
	return &FSStore{base: base, template: template, logger: logger}, nil
}

// Put encodes the frame column-major and writes it atomically.
func (s *FSStore) Put(ctx context.Context, frame *plan.Frame, meta Meta) (Ref, error) {
	rel := renderPath(s.template, meta, "json")
	full := filepath.Join(s.base, filepath.FromSlash(rel))

	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return Ref{}, fmt.Errorf("creating artifact directory: %w", err)
	}

	obj := columnarObject{Rows: frame.Len()}
	for j, name := range frame.Columns {
		col := columnarColumn{Name: name, Values: make([]interface{}, 0, frame.Len())}
		for i := range frame.Rows {
			col.Values = append(col.Values, frame.Rows[i][j])
		}
		obj.Columns = append(obj.Columns, col)
	}

	data, err := json.Marshal(&obj)
	if err != nil {
		return Ref{}, fmt.Errorf("encoding artifact: %w", err)
	}

	tmp := full + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return Ref{}, fmt.Errorf("writing artifact: %w", err)
	}
	if err := os.Rename(tmp, full); err != nil {
		_ = os.Remove(tmp)
		return Ref{}, fmt.Errorf("publishing artifact: %w", err)
	}

	s.logger.Debug("Artifact written", map[string]interface{}{
		"operation": "artifact_put",
		"uri":       full,
		"rows":      frame.Len(),
		"columns":   len(frame.Columns),
	})

	return Ref{
		URI:           "file://" + full,
		TenantID:      meta.TenantID,
		RequestID:     meta.RequestID,
		Subgraph:      meta.Subgraph,
		NodeID:        meta.NodeID,
		SchemaVersion: meta.SchemaVersion,
	}, nil
}

// Get reads an artifact back into a row-major frame.
func (s *FSStore) Get(ctx context.Context, ref Ref) (*plan.Frame, error) {
	path := strings.TrimPrefix(ref.URI, "file://")

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("uri %q: %w", ref.URI, core.ErrArtifactNotFound)
		}
		return nil, fmt.Errorf("reading artifact: %w", err)
	}

	var obj columnarObject
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("decoding artifact: %w", err)
	}

	frame := &plan.Frame{}
	for _, col := range obj.Columns {
		frame.Columns = append(frame.Columns, col.Name)
	}
	for i := 0; i < obj.Rows; i++ {
		row := make([]interface{}, len(obj.Columns))
		for j, col := range obj.Columns {
			if i < len(col.Values) {
				row[j] = col.Values[i]
			}
		}
		frame.Rows = append(frame.Rows, row)
	}
	return frame, nil
}

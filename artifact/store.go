// Package artifact persists the typed result frames that flow between the
// executor and the aggregator. Artifacts are immutable once written:
// a Ref always reads back the same bytes, and expiry happens out-of-band.
package artifact

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/nadeem4/nl2sql-sub001/core"
	"github.com/nadeem4/nl2sql-sub001/plan"
)

// Ref addresses one immutable result frame.
type Ref struct {
	URI           string `json:"uri"`
	TenantID      string `json:"tenant_id"`
	RequestID     string `json:"request_id"`
	Subgraph      string `json:"subgraph_name"`
	NodeID        string `json:"dag_node_id"`
	SchemaVersion string `json:"schema_version"`
}

// Meta carries the addressing fields for a new artifact.
type Meta struct {
	TenantID      string
	RequestID     string
	Subgraph      string
	NodeID        string
	SchemaVersion string
}

// Store is the artifact store contract.
type Store interface {
	Put(ctx context.Context, frame *plan.Frame, meta Meta) (Ref, error)
	Get(ctx context.Context, ref Ref) (*plan.Frame, error)
}

// DefaultPathTemplate is the default relative layout under the base URI.
const DefaultPathTemplate = "{tenant}/{request}/{subgraph}/{node}/{schema_version}/part-00000.{ext}"

// renderPath expands a path template with the meta fields. Path segments
// are sanitized so a hostile tenant or request id cannot escape the base.
func renderPath(template string, meta Meta, ext string) string {
	r := strings.NewReplacer(
		"{tenant}", sanitizeSegment(meta.TenantID),
		"{request}", sanitizeSegment(meta.RequestID),
		"{subgraph}", sanitizeSegment(meta.Subgraph),
		"{node}", sanitizeSegment(meta.NodeID),
		"{schema_version}", sanitizeSegment(meta.SchemaVersion),
		"{ext}", ext,
	)
	return r.Replace(template)
}

func sanitizeSegment(s string) string {
	if s == "" {
		return "_"
	}
	s = strings.ReplaceAll(s, "..", "_")
	s = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, s)
	return s
}

// MemoryStore keeps artifacts in process memory, for tests and for
// deployments that do not need durability.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]*plan.Frame
	counter int
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]*plan.Frame)}
}

// Put stores a copy of the frame under a synthetic memory URI.
func (m *MemoryStore) Put(ctx context.Context, frame *plan.Frame, meta Meta) (Ref, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.counter++
	uri := fmt.Sprintf("mem://%s#%d", renderPath(DefaultPathTemplate, meta, "json"), m.counter)

	stored := &plan.Frame{Columns: append([]string{}, frame.Columns...)}
	stored.Rows = append(stored.Rows, frame.Rows...)
	m.objects[uri] = stored

	return Ref{
		URI:           uri,
		TenantID:      meta.TenantID,
		RequestID:     meta.RequestID,
		Subgraph:      meta.Subgraph,
		NodeID:        meta.NodeID,
		SchemaVersion: meta.SchemaVersion,
	}, nil
}

// Get returns the stored frame for a ref.
func (m *MemoryStore) Get(ctx context.Context, ref Ref) (*plan.Frame, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	frame, ok := m.objects[ref.URI]
	if !ok {
		return nil, fmt.Errorf("uri %q: %w", ref.URI, core.ErrArtifactNotFound)
	}
	return frame, nil
}

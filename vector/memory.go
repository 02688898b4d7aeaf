package vector

import (
	"context"
	"sort"
	"sync"
)

// MemoryIndex is an in-process Index used by tests and as the fallback
// when no vector store is reachable. Same brute-force cosine semantics
// as the redis index.
type MemoryIndex struct {
	mu      sync.RWMutex
	chunks  map[string]Chunk
	vectors map[string][]float32
}

// NewMemoryIndex creates an empty index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		chunks:  make(map[string]Chunk),
		vectors: make(map[string][]float32),
	}
}

func (m *MemoryIndex) key(datasourceID, stableID string) string {
	return datasourceID + ":" + stableID
}

// Upsert stores chunks keyed by stable id.
func (m *MemoryIndex) Upsert(ctx context.Context, chunks []Chunk, vectors [][]float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, c := range chunks {
		k := m.key(c.DatasourceID, c.StableID)
		m.chunks[k] = c
		m.vectors[k] = vectors[i]
	}
	return nil
}

// Search returns the top-k cosine matches, optionally scoped to one
// datasource.
func (m *MemoryIndex) Search(ctx context.Context, vec []float32, k int, datasourceID string) ([]Match, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matches []Match
	for key, c := range m.chunks {
		if datasourceID != "" && c.DatasourceID != datasourceID {
			continue
		}
		matches = append(matches, Match{Chunk: c, Score: Cosine(vec, m.vectors[key])})
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if k > 0 && len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// Clear removes everything.
func (m *MemoryIndex) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunks = make(map[string]Chunk)
	m.vectors = make(map[string][]float32)
	return nil
}

// Len reports the number of stored chunks.
func (m *MemoryIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.chunks)
}

package vector

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nadeem4/nl2sql-sub001/schema"
)

func salesSnapshot() *schema.Snapshot {
	return &schema.Snapshot{
		DatasourceID: "sales",
		EngineType:   "postgres",
		Tables: []schema.Table{
			{
				Name:        "orders",
				Description: "customer purchase orders",
				Columns: []schema.Column{
					{Name: "id", Type: "integer"},
					{Name: "total", Type: "numeric", Description: "order total in cents"},
				},
			},
			{
				Name:    "customers",
				Columns: []schema.Column{{Name: "id", Type: "integer"}},
			},
		},
	}
}

// TestStableIDIdempotence verifies re-indexing identical content always
// produces the same chunk ids.
func TestStableIDIdempotence(t *testing.T) {
	a := BuildChunks(salesSnapshot(), "v1", nil)
	b := BuildChunks(salesSnapshot(), "v2", nil)
	require.Equal(t, len(a), len(b))
	for i := range a {
		assert.Equal(t, a[i].StableID, b[i].StableID)
	}

	// Different content, different id.
	changed := salesSnapshot()
	changed.Tables[0].Columns[1].Description = "order total in dollars"
	c := BuildChunks(changed, "v1", nil)
	assert.NotEqual(t, a[3].StableID, c[3].StableID)
}

func TestBuildChunks(t *testing.T) {
	chunks := BuildChunks(salesSnapshot(), "v1", []Example{
		{Question: "total revenue last month", Tables: []string{"orders"}},
	})

	byKind := make(map[ChunkKind]int)
	for _, c := range chunks {
		byKind[c.Kind]++
		assert.Equal(t, "sales", c.DatasourceID)
		assert.Equal(t, "v1", c.SchemaVersion)
	}

	assert.Equal(t, 2, byKind[KindTable])
	assert.Equal(t, 3, byKind[KindColumn])
	assert.Equal(t, 1, byKind[KindDescription])
	assert.Equal(t, 1, byKind[KindExample])

	// Table chunks name their columns, column chunks carry descriptions.
	assert.Contains(t, chunks[0].Text, "table orders (id, total)")
	assert.Equal(t, "orders", chunks[0].Metadata["table"])
	assert.Contains(t, chunks[3].Text, "order total in cents")
}

func TestHashingEmbedder(t *testing.T) {
	e := NewHashingEmbedder(0)
	ctx := context.Background()
	require.Equal(t, 256, e.Dimensions())

	t.Run("deterministic", func(t *testing.T) {
		a, err := e.Embed(ctx, "total revenue by region")
		require.NoError(t, err)
		b, err := e.Embed(ctx, "total revenue by region")
		require.NoError(t, err)
		assert.Equal(t, a, b)
		assert.InDelta(t, 1.0, Cosine(a, b), 1e-6)
	})

	t.Run("related text scores higher", func(t *testing.T) {
		query, _ := e.Embed(ctx, "total revenue by region")
		near, _ := e.Embed(ctx, "revenue per region total")
		far, _ := e.Embed(ctx, "employee vacation balance")
		assert.Greater(t, Cosine(query, near), Cosine(query, far))
	})

	t.Run("empty text", func(t *testing.T) {
		v, err := e.Embed(ctx, "")
		require.NoError(t, err)
		assert.Len(t, v, 256)
		assert.Zero(t, Cosine(v, v))
	})
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, Cosine([]float32{1, 0}, []float32{2, 0}), 1e-9)
	assert.InDelta(t, 0.0, Cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, Cosine([]float32{1, 0}, []float32{-1, 0}), 1e-9)
	assert.Zero(t, Cosine([]float32{1}, []float32{1, 2}))
	assert.Zero(t, Cosine(nil, nil))
}

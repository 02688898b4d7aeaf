package vector

import (
	"context"
	"fmt"
	"sort"

	"github.com/nadeem4/nl2sql-sub001/core"
	"github.com/nadeem4/nl2sql-sub001/resilience"
	"github.com/nadeem4/nl2sql-sub001/schema"
)

// MismatchPolicy decides what happens when a retrieved chunk references a
// schema version older than the store's newest.
type MismatchPolicy string

const (
	MismatchWarn   MismatchPolicy = "warn"
	MismatchFail   MismatchPolicy = "fail"
	MismatchIgnore MismatchPolicy = "ignore"
)

// GatewayConfig configures the retrieval gateway.
type GatewayConfig struct {
	L1Threshold    float64
	L2Threshold    float64
	TopK           int
	MismatchPolicy MismatchPolicy
	Logger         core.Logger
	Metrics        core.Metrics
}

// DatasourceSignals is the per-datasource routing evidence retrieval
// produced: candidate table names and matched example texts. Either kind
// of signal is a valid routing reason on its own.
type DatasourceSignals struct {
	DatasourceID string   `json:"datasource_id"`
	Tables       []string `json:"tables"`
	Examples     []string `json:"examples"`
	TopScore     float64  `json:"top_score"`
}

// Retrieval is the gateway's answer: candidates only, never authoritative
// schema.
type Retrieval struct {
	Signals  map[string]*DatasourceSignals
	Warnings []string
	// Layer records which threshold produced the result: 1, 2, or 0 when
	// nothing matched.
	Layer int
}

// Gateway wraps the index with the vector circuit breaker, two-layer
// thresholds, and the schema-version mismatch policy.
type Gateway struct {
	index       Index
	embedder    core.Embedder
	schemaStore schema.Store
	breaker     *resilience.CircuitBreaker
	config      GatewayConfig
}

// NewGateway builds a gateway. Breaker may not be nil: every retrieval
// call is accounted to the vector failure domain.
func NewGateway(index Index, embedder core.Embedder, store schema.Store, breaker *resilience.CircuitBreaker, cfg GatewayConfig) *Gateway {
	if cfg.TopK <= 0 {
		cfg.TopK = 24
	}
	if cfg.L1Threshold == 0 {
		cfg.L1Threshold = 0.78
	}
	if cfg.L2Threshold == 0 {
		cfg.L2Threshold = 0.60
	}
	if cfg.MismatchPolicy == "" {
		cfg.MismatchPolicy = MismatchWarn
	}
	if cfg.Logger == nil {
		cfg.Logger = &core.NoOpLogger{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &core.NoOpMetrics{}
	}
	return &Gateway{index: index, embedder: embedder, schemaStore: store, breaker: breaker, config: cfg}
}

// IndexSnapshot builds, embeds and upserts the chunks for one snapshot
// version. Idempotent: identical input overwrites identical keys.
func (g *Gateway) IndexSnapshot(ctx context.Context, snapshot *schema.Snapshot, version string, examples []Example) (*IndexStats, error) {
	chunks := BuildChunks(snapshot, version, examples)

	vectors := make([][]float32, len(chunks))
	for i, c := range chunks {
		vec, err := g.embedder.Embed(ctx, c.Text)
		if err != nil {
			return nil, fmt.Errorf("embedding chunk %s: %w", c.StableID, err)
		}
		vectors[i] = vec
	}

	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		return g.index.Upsert(ctx, chunks, vectors)
	})
	if err != nil {
		return nil, err
	}

	stats := &IndexStats{
		DatasourceID:  snapshot.DatasourceID,
		SchemaVersion: version,
		ByKind:        make(map[ChunkKind]int),
		Total:         len(chunks),
	}
	for _, c := range chunks {
		stats.ByKind[c.Kind]++
	}
	return stats, nil
}

// Clear empties the index through the breaker.
func (g *Gateway) Clear(ctx context.Context) error {
	return g.breaker.Execute(ctx, func(ctx context.Context) error {
		return g.index.Clear(ctx)
	})
}

// Retrieve runs the two-layer search. Layer 1 keeps matches at or above
// the tight threshold. If layer 1 is empty, layer 2 keeps matches at or
// above the relaxed threshold and requires either two votes for a
// datasource or the single best match overall.
func (g *Gateway) Retrieve(ctx context.Context, query string, accessibleDatasources []string) (*Retrieval, error) {
	vec, err := g.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	var matches []Match
	err = g.breaker.Execute(ctx, func(ctx context.Context) error {
		var searchErr error
		matches, searchErr = g.searchAccessible(ctx, vec, accessibleDatasources)
		return searchErr
	})
	if err != nil {
		return nil, err
	}

	retrieval := &Retrieval{Signals: make(map[string]*DatasourceSignals)}

	strong := filterByScore(matches, g.config.L1Threshold)
	selected := strong
	retrieval.Layer = 1

	if len(strong) == 0 {
		relaxed := filterByScore(matches, g.config.L2Threshold)
		selected = voteRelaxed(relaxed)
		retrieval.Layer = 2
		if len(selected) == 0 {
			retrieval.Layer = 0
		}
	}

	for _, m := range selected {
		if err := g.applyMismatchPolicy(ctx, m.Chunk, retrieval); err != nil {
			return nil, err
		}
		sig := retrieval.Signals[m.Chunk.DatasourceID]
		if sig == nil {
			sig = &DatasourceSignals{DatasourceID: m.Chunk.DatasourceID}
			retrieval.Signals[m.Chunk.DatasourceID] = sig
		}
		if m.Score > sig.TopScore {
			sig.TopScore = m.Score
		}
		switch m.Chunk.Kind {
		case KindTable, KindColumn, KindDescription:
			if t := m.Chunk.Metadata["table"]; t != "" && !contains(sig.Tables, t) {
				sig.Tables = append(sig.Tables, t)
			}
		case KindExample:
			sig.Examples = append(sig.Examples, m.Chunk.Text)
		}
	}

	g.config.Metrics.Counter("vector_retrieval_total", 1, map[string]string{
		"layer": fmt.Sprintf("%d", retrieval.Layer),
	})
	return retrieval, nil
}

func (g *Gateway) searchAccessible(ctx context.Context, vec []float32, datasources []string) ([]Match, error) {
	if len(datasources) == 0 {
		return g.index.Search(ctx, vec, g.config.TopK, "")
	}
	var all []Match
	for _, ds := range datasources {
		matches, err := g.index.Search(ctx, vec, g.config.TopK, ds)
		if err != nil {
			return nil, err
		}
		all = append(all, matches...)
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].Score > all[j].Score })
	if len(all) > g.config.TopK {
		all = all[:g.config.TopK]
	}
	return all, nil
}

// applyMismatchPolicy compares a chunk's schema version to the newest
// stored version for its datasource.
func (g *Gateway) applyMismatchPolicy(ctx context.Context, chunk Chunk, retrieval *Retrieval) error {
	if g.config.MismatchPolicy == MismatchIgnore || chunk.SchemaVersion == "" {
		return nil
	}
	newest, err := g.schemaStore.Get(ctx, chunk.DatasourceID, "")
	if err != nil || newest.VersionID == chunk.SchemaVersion {
		return nil
	}

	msg := fmt.Sprintf("chunk for %s references schema version %s, newest is %s",
		chunk.DatasourceID, chunk.SchemaVersion, newest.VersionID)
	if g.config.MismatchPolicy == MismatchFail {
		return core.NewPipelineError("schema_retriever", core.CodeSchemaVersionMismatch, msg, nil)
	}
	retrieval.Warnings = append(retrieval.Warnings, msg)
	return nil
}

func filterByScore(matches []Match, threshold float64) []Match {
	var out []Match
	for _, m := range matches {
		if m.Score >= threshold {
			out = append(out, m)
		}
	}
	return out
}

// voteRelaxed keeps datasources with at least two relaxed matches, or
// falls back to the single best match when no datasource reaches two.
func voteRelaxed(matches []Match) []Match {
	if len(matches) == 0 {
		return nil
	}
	votes := make(map[string]int)
	for _, m := range matches {
		votes[m.Chunk.DatasourceID]++
	}
	var out []Match
	for _, m := range matches {
		if votes[m.Chunk.DatasourceID] >= 2 {
			out = append(out, m)
		}
	}
	if len(out) == 0 {
		best := matches[0]
		for _, m := range matches[1:] {
			if m.Score > best.Score {
				best = m
			}
		}
		out = []Match{best}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

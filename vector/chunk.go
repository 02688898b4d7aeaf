// Package vector builds retrievable chunks from schema snapshots and
// curated examples, stores them in a redis-backed index, and serves the
// two-layer retrieval used to route questions to datasources. Retrieval
// returns candidates only; the authoritative schema always comes from the
// schema store.
package vector

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/nadeem4/nl2sql-sub001/schema"
)

// ChunkKind classifies one retrievable unit.
type ChunkKind string

const (
	KindTable       ChunkKind = "table"
	KindColumn      ChunkKind = "column"
	KindExample     ChunkKind = "example"
	KindDescription ChunkKind = "description"
)

// Chunk is one unit in the vector index.
type Chunk struct {
	StableID      string            `json:"stable_id"`
	Kind          ChunkKind         `json:"kind"`
	DatasourceID  string            `json:"datasource_id"`
	SchemaVersion string            `json:"schema_version"`
	Text          string            `json:"text"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Example is a curated question → table routing hint supplied alongside a
// snapshot at indexing time.
type Example struct {
	Question string `yaml:"question" json:"question"`
	Tables   []string `yaml:"tables,omitempty" json:"tables,omitempty"`
}

// stableID derives the chunk id from kind and content only, so
// re-indexing the same input always overwrites the same key.
func stableID(kind ChunkKind, datasourceID, content string) string {
	sum := sha256.Sum256([]byte(string(kind) + "\x1f" + datasourceID + "\x1f" + content))
	return hex.EncodeToString(sum[:16])
}

// BuildChunks turns a snapshot plus optional examples into index chunks.
// Table chunks carry the table name, description and column list; column
// chunks carry one column with its type; description chunks carry table
// prose; example chunks carry curated questions.
func BuildChunks(snapshot *schema.Snapshot, version string, examples []Example) []Chunk {
	var chunks []Chunk

	for _, t := range snapshot.Tables {
		var cols []string
		for _, c := range t.Columns {
			cols = append(cols, c.Name)
		}
		tableText := fmt.Sprintf("table %s (%s)", t.Name, strings.Join(cols, ", "))
		chunks = append(chunks, Chunk{
			StableID:      stableID(KindTable, snapshot.DatasourceID, tableText),
			Kind:          KindTable,
			DatasourceID:  snapshot.DatasourceID,
			SchemaVersion: version,
			Text:          tableText,
			Metadata:      map[string]string{"table": t.Name},
		})

		if t.Description != "" {
			descText := fmt.Sprintf("table %s: %s", t.Name, t.Description)
			chunks = append(chunks, Chunk{
				StableID:      stableID(KindDescription, snapshot.DatasourceID, descText),
				Kind:          KindDescription,
				DatasourceID:  snapshot.DatasourceID,
				SchemaVersion: version,
				Text:          descText,
				Metadata:      map[string]string{"table": t.Name},
			})
		}

		for _, c := range t.Columns {
			colText := fmt.Sprintf("column %s.%s %s", t.Name, c.Name, c.Type)
			if c.Description != "" {
				colText += ": " + c.Description
			}
			chunks = append(chunks, Chunk{
				StableID:      stableID(KindColumn, snapshot.DatasourceID, colText),
				Kind:          KindColumn,
				DatasourceID:  snapshot.DatasourceID,
				SchemaVersion: version,
				Text:          colText,
				Metadata:      map[string]string{"table": t.Name, "column": c.Name},
			})
		}
	}

	for _, ex := range examples {
		exText := ex.Question
		meta := map[string]string{}
		if len(ex.Tables) > 0 {
			meta["tables"] = strings.Join(ex.Tables, ",")
		}
		chunks = append(chunks, Chunk{
			StableID:      stableID(KindExample, snapshot.DatasourceID, exText),
			Kind:          KindExample,
			DatasourceID:  snapshot.DatasourceID,
			SchemaVersion: version,
			Text:          exText,
			Metadata:      meta,
		})
	}

	return chunks
}

// IndexStats counts indexed chunks by kind for one datasource.
type IndexStats struct {
	DatasourceID  string            `json:"datasource_id"`
	SchemaVersion string            `json:"schema_version"`
	ByKind        map[ChunkKind]int `json:"by_kind"`
	Total         int               `json:"total"`
}

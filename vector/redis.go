package vector

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"

	"github.com/go-redis/redis/v8"

	"github.com/nadeem4/nl2sql-sub001/core"
)

const chunkKeyPrefix = "nl2sql:chunk:"

// Match is one retrieval hit.
type Match struct {
	Chunk Chunk
	Score float64
}

// Index is the vector index contract the gateway talks to.
type Index interface {
	Upsert(ctx context.Context, chunks []Chunk, vectors [][]float32) error
	Search(ctx context.Context, vec []float32, k int, datasourceID string) ([]Match, error)
	Clear(ctx context.Context) error
}

// RedisIndex stores chunks as redis hashes (payload JSON plus a packed
// float32 vector) and retrieves by brute-force cosine scan. Adequate for
// schema-scale corpora (thousands of chunks, not millions); a dedicated
// vector store can replace it behind the Index interface.
type RedisIndex struct {
	client *redis.Client
	logger core.Logger
}

// NewRedisIndex connects to redis at addr.
func NewRedisIndex(addr string, logger core.Logger) (*RedisIndex, error) {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("connecting to vector store at %s: %w", addr, err)
	}
	return &RedisIndex{client: client, logger: logger}, nil
}

// NewRedisIndexFromClient wraps an existing client, used by tests with
// miniredis.
func NewRedisIndexFromClient(client *redis.Client, logger core.Logger) *RedisIndex {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &RedisIndex{client: client, logger: logger}
}

func chunkKey(datasourceID, stableID string) string {
	return chunkKeyPrefix + datasourceID + ":" + stableID
}

// Upsert writes chunks keyed by stable id: re-indexing identical content
// overwrites in place.
func (r *RedisIndex) Upsert(ctx context.Context, chunks []Chunk, vectors [][]float32) error {
	if len(chunks) != len(vectors) {
		return fmt.Errorf("chunk/vector count mismatch: %d vs %d", len(chunks), len(vectors))
	}

	pipe := r.client.Pipeline()
	for i, c := range chunks {
		payload, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("encoding chunk %s: %w", c.StableID, err)
		}
		pipe.HSet(ctx, chunkKey(c.DatasourceID, c.StableID), map[string]interface{}{
			"payload": payload,
			"vector":  packVector(vectors[i]),
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("upserting chunks: %w", err)
	}
	return nil
}

// Search scans the keyspace (optionally one datasource) and returns the
// top-k matches by cosine similarity, descending.
func (r *RedisIndex) Search(ctx context.Context, vec []float32, k int, datasourceID string) ([]Match, error) {
	pattern := chunkKeyPrefix + "*"
	if datasourceID != "" {
		pattern = chunkKeyPrefix + datasourceID + ":*"
	}

	var matches []Match
	iter := r.client.Scan(ctx, 0, pattern, 256).Iterator()
	for iter.Next(ctx) {
		fields, err := r.client.HGetAll(ctx, iter.Val()).Result()
		if err != nil {
			return nil, fmt.Errorf("reading chunk %s: %w", iter.Val(), err)
		}
		var chunk Chunk
		if err := json.Unmarshal([]byte(fields["payload"]), &chunk); err != nil {
			continue // skip corrupt entries rather than failing retrieval
		}
		stored := unpackVector([]byte(fields["vector"]))
		matches = append(matches, Match{Chunk: chunk, Score: Cosine(vec, stored)})
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scanning chunks: %w", err)
	}

	sortMatches(matches)
	if k > 0 && len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// Clear removes every chunk.
func (r *RedisIndex) Clear(ctx context.Context) error {
	iter := r.client.Scan(ctx, 0, chunkKeyPrefix+"*", 256).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scanning chunks for clear: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("clearing chunks: %w", err)
	}
	return nil
}

// Close releases the redis client.
func (r *RedisIndex) Close() error {
	return r.client.Close()
}

func sortMatches(matches []Match) {
	// Insertion sort keeps ties stable by insertion order; corpora are
	// small enough that asymptotics do not matter here.
	for i := 1; i < len(matches); i++ {
		for j := i; j > 0 && matches[j].Score > matches[j-1].Score; j-- {
			matches[j], matches[j-1] = matches[j-1], matches[j]
		}
	}
}

func packVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func unpackVector(buf []byte) []float32 {
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}

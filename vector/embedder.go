package vector

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"strings"
	"unicode"
)

// HashingEmbedder is the default, fully deterministic embedder: token
// feature hashing into a fixed-dimension vector. It needs no external
// model, so indexing and retrieval work out of the box and tests are
// reproducible; deployments wanting semantic quality configure an
// HTTP embedder instead.
type HashingEmbedder struct {
	dims int
}

// NewHashingEmbedder creates an embedder with the given dimensionality
// (0 means 256).
func NewHashingEmbedder(dims int) *HashingEmbedder {
	if dims <= 0 {
		dims = 256
	}
	return &HashingEmbedder{dims: dims}
}

func (e *HashingEmbedder) Dimensions() int { return e.dims }

// Embed hashes lowercase word tokens (and their bigrams, for a little
// phrase sensitivity) into buckets and L2-normalizes the result.
func (e *HashingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dims)

	tokens := tokenize(text)
	for i, tok := range tokens {
		addToken(vec, tok)
		if i > 0 {
			addToken(vec, tokens[i-1]+" "+tok)
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec, nil
}

func addToken(vec []float32, tok string) {
	sum := sha256.Sum256([]byte(tok))
	bucket := binary.BigEndian.Uint32(sum[:4]) % uint32(len(vec))
	// Second hash bit decides sign, which keeps buckets roughly centered.
	if sum[4]&1 == 0 {
		vec[bucket]++
	} else {
		vec[bucket]--
	}
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

// Cosine returns the cosine similarity of two equal-length vectors.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

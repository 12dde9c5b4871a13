package memory

import (
	"context"
	"errors"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	"github.com/philippgille/chromem-go"
)

// ErrEmptyText is returned when text has no indexable tokens.
var ErrEmptyText = errors.New("memory: no indexable tokens")

// HashEmbedder maps text to a fixed-size, L2-normalised vector by hashing
// unigrams and bigrams into buckets. It runs offline and is deterministic.
type HashEmbedder struct {
	Dim int
}

// Func adapts the embedder to chromem's embedding function type.
func (h HashEmbedder) Func() chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		return h.Embed(ctx, text)
	}
}

func (h HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	dim := h.Dim
	if dim <= 0 {
		dim = 256
	}
	tokens := tokenize(text)
	if len(tokens) == 0 {
		return nil, ErrEmptyText
	}
	vec := make([]float64, dim)
	add := func(term string, weight float64) {
		hs := fnv.New64a()
		_, _ = hs.Write([]byte(term))
		sum := hs.Sum64()
		idx := int(sum % uint64(dim))
		if sum&(1<<63) != 0 {
			weight = -weight
		}
		vec[idx] += weight
	}
	for i, tok := range tokens {
		add(tok, 1)
		if i > 0 {
			add(tokens[i-1]+" "+tok, 0.5)
		}
	}
	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		return nil, ErrEmptyText
	}
	norm = math.Sqrt(norm)
	out := make([]float32, dim)
	for i, v := range vec {
		out[i] = float32(v / norm)
	}
	return out, nil
}

func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) > 1 {
			out = append(out, f)
		}
	}
	return out
}

package memory

import (
	"context"
	"hash/fnv"
	"strings"
	"unicode"
)

// DefaultHashDimensions is the vector length of a zero-value HashEmbedder.
const DefaultHashDimensions = 1024

// HashEmbedder is a deterministic, offline Embedder: a bag of lowercased
// word tokens hashed into a fixed number of buckets and L2-normalized.
// Texts sharing words score a positive cosine similarity. It needs no
// network and is used for development and tests.
type HashEmbedder struct {
	Dims int
}

// NewHashEmbedder returns a HashEmbedder with dims buckets (or the default
// when dims is not positive).
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = DefaultHashDimensions
	}
	return &HashEmbedder{Dims: dims}
}

// Embed never fails except on a cancelled context.
func (h *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dims := h.Dims
	if dims <= 0 {
		dims = DefaultHashDimensions
	}
	vec := make([]float32, dims)
	for _, tok := range tokenize(text) {
		hasher := fnv.New32a()
		_, _ = hasher.Write([]byte(tok))
		vec[hasher.Sum32()%uint32(dims)]++
	}
	normalize(vec)
	return vec, nil
}

// Dimensions returns the vector length.
func (h *HashEmbedder) Dimensions() int {
	if h.Dims <= 0 {
		return DefaultHashDimensions
	}
	return h.Dims
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

var _ Embedder = (*HashEmbedder)(nil)

package memory

import "context"

// Embedder turns text into a fixed-length vector. Implementations must be
// safe for concurrent use.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Record is a vector plus its string metadata, as held by a VectorIndex.
type Record struct {
	ID       string
	Vector   []float32
	Metadata map[string]string
	// Score is the cosine similarity to the query vector; zero for List.
	Score float64
}

// Filter restricts index queries to records whose metadata contains every
// key with exactly the given value.
type Filter map[string]string

// Match reports whether md satisfies the filter.
func (f Filter) Match(md map[string]string) bool {
	for k, v := range f {
		if got, ok := md[k]; !ok || got != v {
			return false
		}
	}
	return true
}

// VectorIndex stores vectors with metadata and answers similarity queries.
type VectorIndex interface {
	// Index inserts or replaces the record with the given id.
	Index(ctx context.Context, id string, vector []float32, metadata map[string]string) error
	// Query returns up to k records matching filter, most similar first.
	Query(ctx context.Context, vector []float32, k int, filter Filter) ([]Record, error)
	// List returns every record matching filter in insertion order.
	List(ctx context.Context, filter Filter) ([]Record, error)
	// Delete removes the records with the given ids. Unknown ids are ignored.
	Delete(ctx context.Context, ids ...string) error
}

// CompletionRequest is everything a Completer needs to produce one reply.
type CompletionRequest struct {
	SystemPrompt string
	Turns        []Turn
	Facts        []Fact
	UserMessage  string
	// Temperature overrides the completer default when non-nil.
	Temperature *float64
}

// Completer generates text with a language model.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

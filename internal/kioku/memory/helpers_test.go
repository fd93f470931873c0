package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

type embedFunc func(ctx context.Context, text string) ([]float32, error)

func (f embedFunc) Embed(ctx context.Context, text string) ([]float32, error) { return f(ctx, text) }

type completeFunc func(ctx context.Context, req CompletionRequest) (string, error)

func (f completeFunc) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	return f(ctx, req)
}

// countingEmbedder wraps a HashEmbedder and counts calls.
type countingEmbedder struct {
	mu    sync.Mutex
	calls int
	inner *HashEmbedder
}

func (c *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return c.inner.Embed(ctx, text)
}

func (c *countingEmbedder) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// leakyIndex returns extra records from Query regardless of the filter, to
// simulate an index that ignores ownership.
type leakyIndex struct {
	*MemoryIndex
	extra []Record
}

func (l *leakyIndex) Query(ctx context.Context, vector []float32, k int, filter Filter) ([]Record, error) {
	recs, err := l.MemoryIndex.Query(ctx, vector, k, filter)
	if err != nil {
		return nil, err
	}
	return append(append([]Record(nil), l.extra...), recs...), nil
}

// failingIndex fails the failOn-th Index call and forwards everything else.
type failingIndex struct {
	*MemoryIndex
	failOn int32
	writes atomic.Int32
}

func (f *failingIndex) Index(ctx context.Context, id string, vector []float32, metadata map[string]string) error {
	if f.writes.Add(1) == f.failOn {
		return errors.New("disk full")
	}
	return f.MemoryIndex.Index(ctx, id, vector, metadata)
}

// countingIndex counts Query calls.
type countingIndex struct {
	*MemoryIndex
	queries atomic.Int32
}

func (c *countingIndex) Query(ctx context.Context, vector []float32, k int, filter Filter) ([]Record, error) {
	c.queries.Add(1)
	return c.MemoryIndex.Query(ctx, vector, k, filter)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.EmbedConcurrency = 2
	return cfg
}

func newTestStore(t *testing.T, cfg Config, embedder Embedder, index VectorIndex, completer Completer) *Store {
	t.Helper()
	if embedder == nil {
		embedder = NewHashEmbedder(256)
	}
	if index == nil {
		index = NewMemoryIndex()
	}
	s, err := NewStore(cfg, embedder, index, completer, nil, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func factTexts(facts []Fact) []string {
	out := make([]string, len(facts))
	for i, f := range facts {
		out[i] = f.RawText
	}
	return out
}

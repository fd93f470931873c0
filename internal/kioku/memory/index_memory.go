package memory

import (
	"context"
	"fmt"
	"sync"
)

// MemoryIndex is an in-process VectorIndex with brute-force cosine search.
// It is the default backend for development and tests. It is safe for
// concurrent use.
type MemoryIndex struct {
	mu      sync.RWMutex
	records []Record
	byID    map[string]int
}

// NewMemoryIndex returns an empty index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{byID: make(map[string]int)}
}

// Index stores a copy of the vector and metadata under id.
func (m *MemoryIndex) Index(ctx context.Context, id string, vector []float32, metadata map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if id == "" {
		return fmt.Errorf("memory index: empty id")
	}
	rec := Record{
		ID:       id,
		Vector:   append([]float32(nil), vector...),
		Metadata: cloneMetadata(metadata),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if i, ok := m.byID[id]; ok {
		m.records[i] = rec
		return nil
	}
	m.byID[id] = len(m.records)
	m.records = append(m.records, rec)
	return nil
}

// Query scores every matching record against vector and returns the top k.
func (m *MemoryIndex) Query(ctx context.Context, vector []float32, k int, filter Filter) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}

	m.mu.RLock()
	var candidates []Record
	for _, rec := range m.records {
		if !filter.Match(rec.Metadata) {
			continue
		}
		out := copyRecord(rec)
		out.Score = cosineSimilarity(vector, rec.Vector)
		candidates = append(candidates, out)
	}
	m.mu.RUnlock()

	sortByScore(candidates)
	if len(candidates) > k {
		candidates = candidates[:k]
	}
	return candidates, nil
}

// List returns copies of every matching record in insertion order.
func (m *MemoryIndex) List(ctx context.Context, filter Filter) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Record
	for _, rec := range m.records {
		if filter.Match(rec.Metadata) {
			out = append(out, copyRecord(rec))
		}
	}
	return out, nil
}

// Delete drops the given ids and compacts the record slice.
func (m *MemoryIndex) Delete(ctx context.Context, ids ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.records[:0]
	for _, rec := range m.records {
		if !drop[rec.ID] {
			kept = append(kept, rec)
		}
	}
	clear(m.records[len(kept):])
	m.records = kept
	m.byID = make(map[string]int, len(kept))
	for i, rec := range kept {
		m.byID[rec.ID] = i
	}
	return nil
}

// Len returns the number of stored records.
func (m *MemoryIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

func copyRecord(rec Record) Record {
	return Record{
		ID:       rec.ID,
		Vector:   append([]float32(nil), rec.Vector...),
		Metadata: cloneMetadata(rec.Metadata),
		Score:    rec.Score,
	}
}

var _ VectorIndex = (*MemoryIndex)(nil)

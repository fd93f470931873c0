package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// SQLiteIndex implements VectorIndex on top of the memory_records table
// (migration 0001_memory_records.sql).
//
// Similarity is computed in Go over the rows that survive the SQL filter
// because modernc.org/sqlite cannot load vector extensions. The user_id and
// category filters are pushed down to SQL; any other filter keys are
// checked against the decoded metadata.
type SQLiteIndex struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteIndex wraps an open database whose schema is already migrated.
// If logger is nil, the default slog logger is used.
func NewSQLiteIndex(db *sql.DB, logger *slog.Logger) *SQLiteIndex {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLiteIndex{db: db, logger: logger}
}

// Index inserts or replaces a record. Replacing keeps the original rowid so
// List order stays stable.
func (s *SQLiteIndex) Index(ctx context.Context, id string, vector []float32, metadata map[string]string) error {
	if id == "" {
		return fmt.Errorf("sqlite index: empty id")
	}
	embeddingJSON, err := json.Marshal(vector)
	if err != nil {
		return fmt.Errorf("sqlite index: marshal embedding: %w", err)
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("sqlite index: marshal metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memory_records (id, user_id, category, embedding, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			category = excluded.category,
			embedding = excluded.embedding,
			metadata = excluded.metadata`,
		id,
		metadata[MetaUserID],
		metadata[MetaCategory],
		string(embeddingJSON),
		string(metadataJSON),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("sqlite index: insert record: %w", err)
	}
	return nil
}

// Query loads the filtered rows, scores them and returns the top k.
func (s *SQLiteIndex) Query(ctx context.Context, vector []float32, k int, filter Filter) ([]Record, error) {
	if k <= 0 {
		return nil, nil
	}
	recs, err := s.load(ctx, filter)
	if err != nil {
		return nil, err
	}
	for i := range recs {
		recs[i].Score = cosineSimilarity(vector, recs[i].Vector)
	}
	sortByScore(recs)
	if len(recs) > k {
		recs = recs[:k]
	}
	return recs, nil
}

// List returns matching records in insertion order.
func (s *SQLiteIndex) List(ctx context.Context, filter Filter) ([]Record, error) {
	return s.load(ctx, filter)
}

// Delete removes records by id.
func (s *SQLiteIndex) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM memory_records WHERE id IN ("+placeholders+")", args...); err != nil {
		return fmt.Errorf("sqlite index: delete records: %w", err)
	}
	return nil
}

func (s *SQLiteIndex) load(ctx context.Context, filter Filter) ([]Record, error) {
	var (
		where []string
		args  []any
	)
	if v, ok := filter[MetaUserID]; ok {
		where = append(where, "user_id = ?")
		args = append(args, v)
	}
	if v, ok := filter[MetaCategory]; ok {
		where = append(where, "category = ?")
		args = append(args, v)
	}
	query := "SELECT id, embedding, metadata FROM memory_records"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY rowid"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite index: query records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			s.logger.Warn("sqlite index: skip malformed row", "err", err)
			continue
		}
		if !filter.Match(rec.Metadata) {
			continue
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite index: iterate rows: %w", err)
	}
	return out, nil
}

func scanRecord(rows *sql.Rows) (Record, error) {
	var (
		rec           Record
		embeddingJSON string
		metadataJSON  string
	)
	if err := rows.Scan(&rec.ID, &embeddingJSON, &metadataJSON); err != nil {
		return Record{}, fmt.Errorf("scan row: %w", err)
	}
	if err := json.Unmarshal([]byte(embeddingJSON), &rec.Vector); err != nil {
		return Record{}, fmt.Errorf("unmarshal embedding: %w", err)
	}
	if err := json.Unmarshal([]byte(metadataJSON), &rec.Metadata); err != nil {
		return Record{}, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return rec, nil
}

var _ VectorIndex = (*SQLiteIndex)(nil)

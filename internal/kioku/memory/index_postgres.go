package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresIndex implements VectorIndex with the pgvector extension. Vectors
// travel as pgvector text literals so no extra codec package is needed, and
// metadata is stored as JSONB so Filter maps onto the @> containment
// operator.
type PostgresIndex struct {
	pool   *pgxpool.Pool
	dims   int
	logger *slog.Logger
}

// NewPostgresIndex connects to databaseURL and ensures the schema exists
// for vectors of the given dimensionality.
func NewPostgresIndex(ctx context.Context, databaseURL string, dims int, logger *slog.Logger) (*PostgresIndex, error) {
	if dims <= 0 {
		return nil, invalid("embedding.dimensions", "must be positive, got %d", dims)
	}
	if logger == nil {
		logger = slog.Default()
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("postgres index: connect: %w", err)
	}
	p := &PostgresIndex{pool: pool, dims: dims, logger: logger}
	if err := p.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

// Close releases the connection pool.
func (p *PostgresIndex) Close() {
	p.pool.Close()
}

// Ping checks connectivity; used by the readiness probe.
func (p *PostgresIndex) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresIndex) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS memory_records (
			id TEXT PRIMARY KEY,
			seq BIGSERIAL,
			user_id TEXT NOT NULL DEFAULT '',
			category TEXT NOT NULL DEFAULT '',
			metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
			embedding vector(%d) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, p.dims),
		`CREATE INDEX IF NOT EXISTS idx_memory_records_user_category ON memory_records(user_id, category)`,
		`CREATE INDEX IF NOT EXISTS idx_memory_records_metadata ON memory_records USING GIN (metadata)`,
	}
	for _, stmt := range stmts {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres index: ensure schema: %w", err)
		}
	}
	return nil
}

// Index upserts a record.
func (p *PostgresIndex) Index(ctx context.Context, id string, vector []float32, metadata map[string]string) error {
	if id == "" {
		return fmt.Errorf("postgres index: empty id")
	}
	if len(vector) != p.dims {
		return fmt.Errorf("postgres index: vector has %d dimensions, want %d", len(vector), p.dims)
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("postgres index: marshal metadata: %w", err)
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO memory_records (id, user_id, category, metadata, embedding)
		VALUES ($1, $2, $3, $4::jsonb, $5::text::vector)
		ON CONFLICT (id) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			category = EXCLUDED.category,
			metadata = EXCLUDED.metadata,
			embedding = EXCLUDED.embedding`,
		id, metadata[MetaUserID], metadata[MetaCategory], string(metadataJSON), vectorLiteral(vector),
	)
	if err != nil {
		return fmt.Errorf("postgres index: upsert record: %w", err)
	}
	return nil
}

// Query ranks matching records by cosine distance in the database.
func (p *PostgresIndex) Query(ctx context.Context, vector []float32, k int, filter Filter) ([]Record, error) {
	if k <= 0 {
		return nil, nil
	}
	filterJSON, err := filterJSON(filter)
	if err != nil {
		return nil, err
	}
	rows, err := p.pool.Query(ctx, `
		SELECT id, embedding::text, metadata::text, 1 - (embedding <=> $1::text::vector) AS score
		FROM memory_records
		WHERE metadata @> $2::jsonb
		ORDER BY embedding <=> $1::text::vector, seq
		LIMIT $3`,
		vectorLiteral(vector), filterJSON, k,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres index: query records: %w", err)
	}
	return p.collect(rows, true)
}

// List returns matching records in insertion order.
func (p *PostgresIndex) List(ctx context.Context, filter Filter) ([]Record, error) {
	filterJSON, err := filterJSON(filter)
	if err != nil {
		return nil, err
	}
	rows, err := p.pool.Query(ctx, `
		SELECT id, embedding::text, metadata::text, 0::float8
		FROM memory_records
		WHERE metadata @> $1::jsonb
		ORDER BY seq`,
		filterJSON,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres index: list records: %w", err)
	}
	return p.collect(rows, false)
}

// Delete removes records by id.
func (p *PostgresIndex) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := p.pool.Exec(ctx, `DELETE FROM memory_records WHERE id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("postgres index: delete records: %w", err)
	}
	return nil
}

func (p *PostgresIndex) collect(rows pgx.Rows, scored bool) ([]Record, error) {
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var (
			rec          Record
			vectorText   string
			metadataText string
		)
		if err := rows.Scan(&rec.ID, &vectorText, &metadataText, &rec.Score); err != nil {
			return nil, fmt.Errorf("postgres index: scan row: %w", err)
		}
		if err := json.Unmarshal([]byte(vectorText), &rec.Vector); err != nil {
			p.logger.Warn("postgres index: skip malformed embedding", "id", rec.ID, "err", err)
			continue
		}
		if err := json.Unmarshal([]byte(metadataText), &rec.Metadata); err != nil {
			p.logger.Warn("postgres index: skip malformed metadata", "id", rec.ID, "err", err)
			continue
		}
		if !scored {
			rec.Score = 0
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres index: iterate rows: %w", err)
	}
	return out, nil
}

// vectorLiteral renders v in pgvector's text format, e.g. "[0.1,0.2]".
func vectorLiteral(v []float32) string {
	var b strings.Builder
	b.Grow(len(v) * 10)
	b.WriteByte('[')
	for i, x := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(x), 'g', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

func filterJSON(f Filter) (string, error) {
	if len(f) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(map[string]string(f))
	if err != nil {
		return "", fmt.Errorf("postgres index: marshal filter: %w", err)
	}
	return string(data), nil
}

var _ VectorIndex = (*PostgresIndex)(nil)

package retrieval

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
	"go.uber.org/zap"

	"github.com/lazypower/memcore/internal/embedding"
)

// PGVector is a pgvector-backed VectorIndex using an HNSW cosine index.
type PGVector struct {
	pool   *pgxpool.Pool
	dims   int
	logger *zap.Logger
}

// NewPGVector connects to Postgres and verifies the connection.
func NewPGVector(ctx context.Context, pgURL string, dims int, logger *zap.Logger) (*PGVector, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg, err := pgxpool.ParseConfig(pgURL)
	if err != nil {
		return nil, fmt.Errorf("parse postgres URL: %w", err)
	}

	// Register pgvector types on each new connection
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PGVector{pool: pool, dims: dims, logger: logger}, nil
}

// Init creates the extension, table and HNSW index if they don't exist.
func (p *PGVector) Init(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("create vector extension: %w", err)
	}

	_, err := p.pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS memcore_embeddings (
			record_id    TEXT PRIMARY KEY,
			embedding    vector(%d) NOT NULL,
			embedded_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`, p.dims))
	if err != nil {
		return fmt.Errorf("create embeddings table: %w", err)
	}

	_, err = p.pool.Exec(ctx, `
		CREATE INDEX IF NOT EXISTS idx_memcore_embeddings_hnsw
		ON memcore_embeddings
		USING hnsw (embedding vector_cosine_ops)
		WITH (m = 16, ef_construction = 64)
	`)
	if err != nil {
		return fmt.Errorf("create HNSW index: %w", err)
	}

	p.logger.Info("pgvector store initialized", zap.Int("dimensions", p.dims))
	return nil
}

// Close closes the connection pool.
func (p *PGVector) Close() {
	p.pool.Close()
}

// Upsert stores or replaces a record's embedding.
func (p *PGVector) Upsert(ctx context.Context, id string, vec []float64) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO memcore_embeddings (record_id, embedding, embedded_at)
		VALUES ($1, $2, now())
		ON CONFLICT (record_id) DO UPDATE
		SET embedding = EXCLUDED.embedding, embedded_at = now()
	`, id, pgvector.NewVector(embedding.ToFloat32(vec)))
	if err != nil {
		return fmt.Errorf("upsert embedding %s: %w", id, err)
	}
	return nil
}

// VectorSearch returns the k nearest records. Score is cosine similarity
// (1 - cosine distance).
func (p *PGVector) VectorSearch(ctx context.Context, query []float64, k int) ([]Hit, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT record_id, embedding <=> $1 AS distance
		FROM memcore_embeddings
		ORDER BY embedding <=> $1
		LIMIT $2
	`, pgvector.NewVector(embedding.ToFloat32(query)), k)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var id string
		var distance float64
		if err := rows.Scan(&id, &distance); err != nil {
			return nil, fmt.Errorf("scan search result: %w", err)
		}
		hits = append(hits, Hit{ID: id, Score: 1 - distance})
	}
	return hits, rows.Err()
}

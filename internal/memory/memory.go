// Package memory implements the semantic long-term memory store.
//
// Facts and notes are embedded with a [embeddings.Provider] and stored in
// PostgreSQL with a pgvector column. Recall embeds the query and runs a
// cosine nearest-neighbour search over entries of the requested kind.
//
// The store is optional: when no DSN is configured the server runs without
// long-term memory and the memory tools degrade gracefully.
package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/novavoice/nova/pkg/provider/embeddings"
)

// Entry is one stored memory with its recall distance.
type Entry struct {
	ID        string
	Kind      string
	Text      string
	CreatedAt time.Time
	Distance  float64
}

// Store is a PostgreSQL-backed semantic memory. All methods are safe for
// concurrent use. Create instances with [New].
type Store struct {
	pool     *pgxpool.Pool
	embedder embeddings.Provider
}

// New connects to the PostgreSQL database at dsn, registers pgvector types on
// every connection and ensures the memories table exists. The table's vector
// dimension is taken from the embedder and is baked into the schema at first
// migration; changing the embedding model later requires a manual schema
// change.
func New(ctx context.Context, dsn string, embedder embeddings.Provider) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("memory: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("memory: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("memory: ping: %w", err)
	}
	if err := migrate(ctx, pool, embedder.Dimensions()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("memory: migrate: %w", err)
	}

	return &Store{pool: pool, embedder: embedder}, nil
}

// ddl returns the memories DDL with the embedding dimension substituted.
func ddl(dimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS memories (
    id          TEXT         PRIMARY KEY,
    kind        TEXT         NOT NULL,
    text        TEXT         NOT NULL,
    embedding   vector(%d),
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_memories_kind
    ON memories (kind);

CREATE INDEX IF NOT EXISTS idx_memories_embedding
    ON memories USING hnsw (embedding vector_cosine_ops);
`, dimensions)
}

// migrate is idempotent and safe to run on every start.
func migrate(ctx context.Context, pool *pgxpool.Pool, dimensions int) error {
	if _, err := pool.Exec(ctx, ddl(dimensions)); err != nil {
		return fmt.Errorf("exec ddl: %w", err)
	}
	return nil
}

// Remember embeds text and stores it under the given kind.
func (s *Store) Remember(ctx context.Context, kind, text string) error {
	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("memory: embed: %w", err)
	}

	const q = `
		INSERT INTO memories (id, kind, text, embedding, created_at)
		VALUES ($1, $2, $3, $4, now())`
	if _, err := s.pool.Exec(ctx, q, uuid.NewString(), kind, text, pgvector.NewVector(vec)); err != nil {
		return fmt.Errorf("memory: insert: %w", err)
	}
	return nil
}

// Recall embeds query and returns the texts of the limit entries of the given
// kind closest to it, most similar first.
func (s *Store) Recall(ctx context.Context, kind, query string, limit int) ([]string, error) {
	entries, err := s.Search(ctx, kind, query, limit)
	if err != nil {
		return nil, err
	}
	texts := make([]string, len(entries))
	for i, e := range entries {
		texts[i] = e.Text
	}
	return texts, nil
}

// Search is Recall with full entry metadata, used by the admin surface.
func (s *Store) Search(ctx context.Context, kind, query string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 5
	}
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("memory: embed query: %w", err)
	}

	const q = `
		SELECT id, kind, text, created_at,
		       embedding <=> $1 AS distance
		FROM   memories
		WHERE  kind = $2
		ORDER  BY distance
		LIMIT  $3`
	rows, err := s.pool.Query(ctx, q, pgvector.NewVector(vec), kind, limit)
	if err != nil {
		return nil, fmt.Errorf("memory: search: %w", err)
	}

	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Entry, error) {
		var e Entry
		err := row.Scan(&e.ID, &e.Kind, &e.Text, &e.CreatedAt, &e.Distance)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("memory: scan rows: %w", err)
	}
	return entries, nil
}

// Forget removes the entry with the given id. Removing an unknown id is not
// an error.
func (s *Store) Forget(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM memories WHERE id = $1`, id); err != nil {
		return fmt.Errorf("memory: delete: %w", err)
	}
	return nil
}

// Count returns the number of stored entries per kind.
func (s *Store) Count(ctx context.Context) (map[string]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT kind, count(*) FROM memories GROUP BY kind`)
	if err != nil {
		return nil, fmt.Errorf("memory: count: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, fmt.Errorf("memory: scan count: %w", err)
		}
		counts[kind] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("memory: count rows: %w", err)
	}
	return counts, nil
}

// Healthy reports whether the database is reachable.
func (s *Store) Healthy(ctx context.Context) bool {
	return s.pool.Ping(ctx) == nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

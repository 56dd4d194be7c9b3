// Package postgres implements switchboard.Store using PostgreSQL with
// pgvector for native vector similarity search.
//
// The Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nevindra/switchboard"
)

// Store implements switchboard.Store backed by PostgreSQL with pgvector.
// Vector search uses HNSW indexes with cosine distance.
type Store struct {
	pool *pgxpool.Pool
	cfg  pgConfig
}

// pgConfig holds store configuration set via Option functions.
type pgConfig struct {
	embeddingDimension int // 0 = untyped vector
	hnswM              int // 0 = pgvector default (16)
	hnswEFConstruction int // 0 = pgvector default (64)
	hnswEFSearch       int // 0 = pgvector default (40)
}

// Option configures a PostgreSQL Store.
type Option func(*pgConfig)

// WithEmbeddingDimension sets the vector column dimension (e.g. 1536).
// When set, CREATE TABLE uses vector(N) instead of untyped vector,
// enabling better index optimization and catching dimension mismatches
// at insert time. Only affects new table creation.
func WithEmbeddingDimension(dim int) Option {
	return func(c *pgConfig) { c.embeddingDimension = dim }
}

// WithHNSWM sets the HNSW m parameter (max connections per node).
// Higher values improve recall at the cost of memory. Default: pgvector's 16.
func WithHNSWM(m int) Option {
	return func(c *pgConfig) { c.hnswM = m }
}

// WithEFConstruction sets the HNSW ef_construction parameter (build-time
// candidate list size). Higher values improve index quality at the cost
// of slower builds. Default: pgvector's 64.
func WithEFConstruction(ef int) Option {
	return func(c *pgConfig) { c.hnswEFConstruction = ef }
}

// WithEFSearch sets the HNSW ef_search parameter (query-time candidate
// list size). Higher values improve recall at the cost of latency.
// Default: pgvector's 40. Applied during Init.
func WithEFSearch(ef int) Option {
	return func(c *pgConfig) { c.hnswEFSearch = ef }
}

var _ switchboard.Store = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	var cfg pgConfig
	for _, o := range opts {
		o(&cfg)
	}
	return &Store{pool: pool, cfg: cfg}
}

// vectorType returns "vector" or "vector(N)" depending on config.
func (s *Store) vectorType() string {
	if s.cfg.embeddingDimension > 0 {
		return fmt.Sprintf("vector(%d)", s.cfg.embeddingDimension)
	}
	return "vector"
}

// hnswWithClause returns the WITH (...) clause for HNSW index creation,
// or an empty string if no tuning params are set.
func (s *Store) hnswWithClause() string {
	var parts []string
	if s.cfg.hnswM > 0 {
		parts = append(parts, fmt.Sprintf("m = %d", s.cfg.hnswM))
	}
	if s.cfg.hnswEFConstruction > 0 {
		parts = append(parts, fmt.Sprintf("ef_construction = %d", s.cfg.hnswEFConstruction))
	}
	if len(parts) == 0 {
		return ""
	}
	return " WITH (" + strings.Join(parts, ", ") + ")"
}

// Init creates the pgvector extension, both tables, and indexes.
// Safe to call multiple times (all statements are idempotent).
func (s *Store) Init(ctx context.Context) error {
	vtype := s.vectorType()
	hnswWith := s.hnswWithClause()

	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,

		`CREATE TABLE IF NOT EXISTS turns (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			mode TEXT NOT NULL,
			agent_type TEXT NOT NULL DEFAULT '',
			sequence_number INTEGER NOT NULL,
			character_count INTEGER NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS turns_user_seq_idx ON turns(user_id, sequence_number)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS memory_vectors (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			content TEXT NOT NULL,
			embedding %s,
			metadata JSONB,
			created_at BIGINT NOT NULL
		)`, vtype),
		`CREATE INDEX IF NOT EXISTS memory_vectors_user_idx ON memory_vectors(user_id)`,
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS memory_vectors_embedding_idx ON memory_vectors USING hnsw (embedding vector_cosine_ops)%s`, hnswWith),
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init: %w", err)
		}
	}

	if s.cfg.hnswEFSearch > 0 {
		if _, err := s.pool.Exec(ctx, fmt.Sprintf("SET hnsw.ef_search = %d", s.cfg.hnswEFSearch)); err != nil {
			return fmt.Errorf("postgres: set ef_search: %w", err)
		}
	}

	return nil
}

// AppendTurn inserts a turn, assigning the next per-user sequence number
// and the content's character count. Returns the turn id.
func (s *Store) AppendTurn(ctx context.Context, t switchboard.Turn) (string, error) {
	if t.ID == "" {
		t.ID = switchboard.NewID()
	}
	if t.CreatedAt == 0 {
		t.CreatedAt = switchboard.NowUnix()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO turns (id, user_id, role, content, mode, agent_type, sequence_number, character_count, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6,
		         (SELECT COALESCE(MAX(sequence_number), 0) + 1 FROM turns WHERE user_id = $2),
		         $7, $8)`,
		t.ID, t.UserID, t.Role, t.Content, t.Mode, t.AgentType,
		utf8.RuneCountInString(t.Content), t.CreatedAt)
	if err != nil {
		return "", fmt.Errorf("postgres: append turn: %w", err)
	}
	return t.ID, nil
}

// RecentTurns returns the user's most recent turns, newest first.
func (s *Store) RecentTurns(ctx context.Context, userID string, limit int) ([]switchboard.Turn, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, role, content, mode, agent_type, sequence_number, character_count, created_at
		 FROM turns
		 WHERE user_id = $1
		 ORDER BY sequence_number DESC
		 LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: recent turns: %w", err)
	}
	defer rows.Close()

	var turns []switchboard.Turn
	for rows.Next() {
		var t switchboard.Turn
		if err := rows.Scan(&t.ID, &t.UserID, &t.Role, &t.Content, &t.Mode, &t.AgentType,
			&t.SequenceNumber, &t.CharacterCount, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan turn: %w", err)
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate turns: %w", err)
	}
	return turns, nil
}

// CountTurns returns the number of user-role turns in the given mode,
// i.e. the user's completed round count.
func (s *Store) CountTurns(ctx context.Context, userID, mode string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM turns WHERE user_id = $1 AND role = 'user' AND mode = $2`,
		userID, mode).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: count turns: %w", err)
	}
	return n, nil
}

// StoreMemoryVector inserts or replaces an extracted memory with its
// embedding. Returns the memory id.
func (s *Store) StoreMemoryVector(ctx context.Context, v switchboard.MemoryVector) (string, error) {
	if v.ID == "" {
		v.ID = switchboard.NewID()
	}
	if v.CreatedAt == 0 {
		v.CreatedAt = switchboard.NowUnix()
	}

	var metaJSON *string
	if v.Metadata != nil {
		m := string(v.Metadata)
		metaJSON = &m
	}

	if len(v.Embedding) > 0 {
		embStr := serializeEmbedding(v.Embedding)
		_, err := s.pool.Exec(ctx,
			`INSERT INTO memory_vectors (id, user_id, kind, content, embedding, metadata, created_at)
			 VALUES ($1, $2, $3, $4, $5::vector, $6::jsonb, $7)
			 ON CONFLICT (id) DO UPDATE SET
			   user_id = EXCLUDED.user_id,
			   kind = EXCLUDED.kind,
			   content = EXCLUDED.content,
			   embedding = EXCLUDED.embedding,
			   metadata = EXCLUDED.metadata,
			   created_at = EXCLUDED.created_at`,
			v.ID, v.UserID, v.Kind, v.Content, embStr, metaJSON, v.CreatedAt)
		if err != nil {
			return "", fmt.Errorf("postgres: store memory: %w", err)
		}
		return v.ID, nil
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO memory_vectors (id, user_id, kind, content, embedding, metadata, created_at)
		 VALUES ($1, $2, $3, $4, NULL, $5::jsonb, $6)
		 ON CONFLICT (id) DO UPDATE SET
		   user_id = EXCLUDED.user_id,
		   kind = EXCLUDED.kind,
		   content = EXCLUDED.content,
		   embedding = NULL,
		   metadata = EXCLUDED.metadata,
		   created_at = EXCLUDED.created_at`,
		v.ID, v.UserID, v.Kind, v.Content, metaJSON, v.CreatedAt)
	if err != nil {
		return "", fmt.Errorf("postgres: store memory: %w", err)
	}
	return v.ID, nil
}

// SimilaritySearch returns the user's memories most similar to the query
// embedding, sorted by cosine similarity descending.
func (s *Store) SimilaritySearch(ctx context.Context, userID string, query []float32, topK int) ([]switchboard.ScoredMemory, error) {
	embStr := serializeEmbedding(query)
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, kind, content, metadata, created_at,
		        1 - (embedding <=> $1::vector) AS score
		 FROM memory_vectors
		 WHERE user_id = $2 AND embedding IS NOT NULL
		 ORDER BY embedding <=> $1::vector
		 LIMIT $3`,
		embStr, userID, topK)
	if err != nil {
		return nil, fmt.Errorf("postgres: similarity search: %w", err)
	}
	defer rows.Close()

	var results []switchboard.ScoredMemory
	for rows.Next() {
		var m switchboard.MemoryVector
		var metaJSON []byte
		var score float32
		if err := rows.Scan(&m.ID, &m.UserID, &m.Kind, &m.Content, &metaJSON, &m.CreatedAt, &score); err != nil {
			return nil, fmt.Errorf("postgres: scan memory: %w", err)
		}
		m.Metadata = metaJSON
		results = append(results, switchboard.ScoredMemory{Memory: m, Score: score})
	}
	return results, rows.Err()
}

// Close is a no-op; the pool is caller-owned.
func (s *Store) Close() error { return nil }

// serializeEmbedding converts []float32 to a string like "[0.1,0.2,0.3]"
// suitable for pgvector's text input format.
func serializeEmbedding(embedding []float32) string {
	parts := make([]string, len(embedding))
	for i, v := range embedding {
		parts[i] = strconv.FormatFloat(float64(v), 'f', -1, 32)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

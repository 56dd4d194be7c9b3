// Package sqlite implements switchboard.Store using pure-Go SQLite
// with in-process brute-force vector search. Zero CGO required.
//
// Suited to development and single-node deployments; use the postgres
// store when the memory table outgrows a linear scan.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"
	"unicode/utf8"

	"github.com/nevindra/switchboard"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store. When set, the
// store emits debug logs for every operation including timing and row
// counts. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements switchboard.Store backed by a local SQLite file.
// Embeddings are stored as JSON text and vector search is done
// in-process using brute-force cosine similarity.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ switchboard.Store = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates both tables.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	tables := []string{
		`CREATE TABLE IF NOT EXISTS turns (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			mode TEXT NOT NULL,
			agent_type TEXT NOT NULL DEFAULT '',
			sequence_number INTEGER NOT NULL,
			character_count INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS turns_user_seq_idx ON turns(user_id, sequence_number)`,
		`CREATE TABLE IF NOT EXISTS memory_vectors (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			content TEXT NOT NULL,
			embedding TEXT,
			metadata TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS memory_vectors_user_idx ON memory_vectors(user_id)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	s.logger.Debug("sqlite: init ok", "duration", time.Since(start))
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
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO turns (id, user_id, role, content, mode, agent_type, sequence_number, character_count, created_at)
		 VALUES (?, ?, ?, ?, ?, ?,
		         (SELECT COALESCE(MAX(sequence_number), 0) + 1 FROM turns WHERE user_id = ?),
		         ?, ?)`,
		t.ID, t.UserID, t.Role, t.Content, t.Mode, t.AgentType, t.UserID,
		utf8.RuneCountInString(t.Content), t.CreatedAt)
	if err != nil {
		return "", fmt.Errorf("append turn: %w", err)
	}
	return t.ID, nil
}

// RecentTurns returns the user's most recent turns, newest first.
func (s *Store) RecentTurns(ctx context.Context, userID string, limit int) ([]switchboard.Turn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, role, content, mode, agent_type, sequence_number, character_count, created_at
		 FROM turns
		 WHERE user_id = ?
		 ORDER BY sequence_number DESC
		 LIMIT ?`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent turns: %w", err)
	}
	defer rows.Close()

	var turns []switchboard.Turn
	for rows.Next() {
		var t switchboard.Turn
		if err := rows.Scan(&t.ID, &t.UserID, &t.Role, &t.Content, &t.Mode, &t.AgentType,
			&t.SequenceNumber, &t.CharacterCount, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turns: %w", err)
	}
	return turns, nil
}

// CountTurns returns the number of user-role turns in the given mode,
// i.e. the user's completed round count.
func (s *Store) CountTurns(ctx context.Context, userID, mode string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM turns WHERE user_id = ? AND role = 'user' AND mode = ?`,
		userID, mode).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count turns: %w", err)
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

	var embJSON any
	if len(v.Embedding) > 0 {
		embJSON = serializeEmbedding(v.Embedding)
	}
	var metaJSON any
	if v.Metadata != nil {
		metaJSON = string(v.Metadata)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO memory_vectors (id, user_id, kind, content, embedding, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.UserID, v.Kind, v.Content, embJSON, metaJSON, v.CreatedAt)
	if err != nil {
		return "", fmt.Errorf("store memory: %w", err)
	}
	return v.ID, nil
}

// SimilaritySearch performs brute-force cosine similarity search over
// the user's memories, sorted by score descending.
func (s *Store) SimilaritySearch(ctx context.Context, userID string, query []float32, topK int) ([]switchboard.ScoredMemory, error) {
	start := time.Now()
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, kind, content, embedding, metadata, created_at
		 FROM memory_vectors
		 WHERE user_id = ? AND embedding IS NOT NULL`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("similarity search: %w", err)
	}
	defer rows.Close()

	var results []switchboard.ScoredMemory
	scanned := 0
	for rows.Next() {
		var m switchboard.MemoryVector
		var embJSON string
		var metaJSON sql.NullString
		if err := rows.Scan(&m.ID, &m.UserID, &m.Kind, &m.Content, &embJSON, &metaJSON, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		scanned++
		if metaJSON.Valid {
			m.Metadata = json.RawMessage(metaJSON.String)
		}
		stored, err := deserializeEmbedding(embJSON)
		if err != nil {
			continue
		}
		results = append(results, switchboard.ScoredMemory{Memory: m, Score: cosineSimilarity(query, stored)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memories: %w", err)
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > topK {
		results = results[:topK]
	}
	s.logger.Debug("sqlite: similarity search ok",
		"user", userID, "scanned", scanned, "returned", len(results), "duration", time.Since(start))
	return results, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// cosineSimilarity computes the cosine similarity between two vectors.
func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	return float32(dot / denom)
}

// serializeEmbedding converts []float32 to a JSON array string.
func serializeEmbedding(embedding []float32) string {
	data, _ := json.Marshal(embedding)
	return string(data)
}

// deserializeEmbedding parses a JSON array string back to []float32.
func deserializeEmbedding(s string) ([]float32, error) {
	var v []float32
	err := json.Unmarshal([]byte(s), &v)
	return v, err
}

package switchboard

import "context"

// Store abstracts turn persistence and vector memory.
type Store interface {
	// --- Turns ---

	// AppendTurn persists one conversation message, assigning the next
	// per-user sequence number. Returns the stored turn's ID.
	AppendTurn(ctx context.Context, t Turn) (string, error)
	// RecentTurns returns up to limit turns for the user, newest first.
	RecentTurns(ctx context.Context, userID string, limit int) ([]Turn, error)
	// CountTurns returns the number of completed user turns (rounds)
	// recorded for the user in the given mode.
	CountTurns(ctx context.Context, userID, mode string) (int, error)

	// --- Memory vectors ---

	StoreMemoryVector(ctx context.Context, v MemoryVector) (string, error)
	SimilaritySearch(ctx context.Context, userID string, query []float32, topK int) ([]ScoredMemory, error)

	// --- Lifecycle ---

	Init(ctx context.Context) error
	Close() error
}

package switchboard

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultMaxRounds bounds each user's in-process history to
// 2*DefaultMaxRounds messages when WithMaxRounds is not set.
const DefaultMaxRounds = 3

// UserHistory is one user's bounded conversation window. All access
// goes through its own mutex; the registry lock is never held while a
// window is read or written.
type UserHistory struct {
	mu          sync.Mutex
	messages    []HistoryMessage
	hydrated    bool
	lastActive  time.Time
	maxMessages int
}

// Append adds a message, trimming the oldest entries beyond the bound.
func (h *UserHistory) Append(role, content string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, HistoryMessage{Role: role, Content: content})
	if n := len(h.messages); n > h.maxMessages {
		h.messages = h.messages[n-h.maxMessages:]
	}
	h.lastActive = time.Now()
}

// Snapshot returns a copy of the window, oldest first. Mutating the
// returned slice does not affect the registry.
func (h *UserHistory) Snapshot() []HistoryMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]HistoryMessage, len(h.messages))
	copy(out, h.messages)
	return out
}

// Len returns the current window length.
func (h *UserHistory) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.messages)
}

// LastActive returns when the window was last appended to.
func (h *UserHistory) LastActive() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastActive
}

// RegistryOption configures a HistoryRegistry.
type RegistryOption func(*HistoryRegistry)

// WithMaxRounds sets the per-user round bound; the window holds twice
// this many messages.
func WithMaxRounds(n int) RegistryOption {
	return func(r *HistoryRegistry) { r.maxRounds = n }
}

// WithRegistryLogger sets the structured logger. If not set, a no-op
// logger is used.
func WithRegistryLogger(l *slog.Logger) RegistryOption {
	return func(r *HistoryRegistry) { r.logger = l }
}

// HistoryRegistry tracks a bounded conversation window per user,
// hydrated lazily from the Store on first access. Entries are never
// evicted; distinct users are fully independent.
type HistoryRegistry struct {
	store     Store
	maxRounds int
	logger    *slog.Logger

	mu    sync.Mutex
	users map[string]*UserHistory
}

// NewHistoryRegistry creates a HistoryRegistry backed by store.
func NewHistoryRegistry(store Store, opts ...RegistryOption) *HistoryRegistry {
	r := &HistoryRegistry{
		store:     store,
		maxRounds: DefaultMaxRounds,
		users:     make(map[string]*UserHistory),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.maxRounds < 1 {
		r.maxRounds = DefaultMaxRounds
	}
	if r.logger == nil {
		r.logger = nopLogger
	}
	return r
}

// Get returns the user's history window, hydrating it from the store on
// first access. Concurrent first accesses perform exactly one fetch:
// the winner hydrates under the per-user mutex, later callers find the
// window already hydrated. A failed hydrate leaves the window
// unhydrated (the next access retries) and returns the error.
func (r *HistoryRegistry) Get(ctx context.Context, userID string) (*UserHistory, error) {
	r.mu.Lock()
	h := r.users[userID]
	if h == nil {
		h = &UserHistory{maxMessages: 2 * r.maxRounds}
		r.users[userID] = h
	}
	r.mu.Unlock()

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.hydrated {
		return h, nil
	}

	turns, err := r.store.RecentTurns(ctx, userID, 2*r.maxRounds)
	if err != nil {
		return nil, err
	}
	// Store returns newest first; the window is kept oldest first.
	h.messages = h.messages[:0]
	for i := len(turns) - 1; i >= 0; i-- {
		h.messages = append(h.messages, HistoryMessage{Role: turns[i].Role, Content: turns[i].Content})
	}
	h.hydrated = true
	h.lastActive = time.Now()
	r.logger.Debug("history hydrated", "user", userID, "messages", len(h.messages))
	return h, nil
}

// Size returns the number of tracked users.
func (r *HistoryRegistry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.users)
}

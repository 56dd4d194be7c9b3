package switchboard

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
)

// DefaultTriggerEvery fires memory extraction after every third
// completed chat round.
const DefaultTriggerEvery = 3

// TriggerOption configures a MemoryTrigger.
type TriggerOption func(*MemoryTrigger)

// WithTriggerEvery sets the extraction cadence in completed rounds.
func WithTriggerEvery(n int) TriggerOption {
	return func(t *MemoryTrigger) { t.every = n }
}

// WithTriggerLogger sets the structured logger. If not set, a no-op
// logger is used.
func WithTriggerLogger(l *slog.Logger) TriggerOption {
	return func(t *MemoryTrigger) { t.logger = l }
}

// MemoryTrigger extracts long-term memories in the background. After
// every N-th completed chat round it spawns a job that summarizes the
// recent turns, embeds the summary through the memory lane, and stores
// the vector. Jobs never block the response path and their failures are
// logged, never surfaced. Overlapping jobs for one user are permitted;
// the store keeps every summary.
type MemoryTrigger struct {
	broker Broker
	store  Store
	every  int
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

var _ TurnHook = (*MemoryTrigger)(nil)

// NewMemoryTrigger creates a MemoryTrigger.
func NewMemoryTrigger(broker Broker, store Store, opts ...TriggerOption) *MemoryTrigger {
	t := &MemoryTrigger{
		broker: broker,
		store:  store,
		every:  DefaultTriggerEvery,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.every < 1 {
		t.every = DefaultTriggerEvery
	}
	if t.logger == nil {
		t.logger = nopLogger
	}
	return t
}

// TurnCommitted checks the user's completed chat rounds and spawns an
// extraction job when the count hits the cadence. The count query runs
// inline; everything else is detached from ctx cancellation so a
// returned response does not abort the job.
func (t *MemoryTrigger) TurnCommitted(ctx context.Context, userID string) {
	count, err := t.store.CountTurns(ctx, userID, ModeChat)
	if err != nil {
		t.logger.Error("turn count failed", "user", userID, "error", err)
		return
	}
	if count == 0 || count%t.every != 0 {
		return
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.wg.Add(1)
	t.mu.Unlock()

	bgCtx := context.WithoutCancel(ctx)
	go func() {
		defer t.wg.Done()
		t.extract(bgCtx, userID, count)
	}()
}

// Close stops accepting new jobs and waits for in-flight ones to finish.
func (t *MemoryTrigger) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.mu.Unlock()
	t.wg.Wait()
}

func (t *MemoryTrigger) extract(ctx context.Context, userID string, round int) {
	turns, err := t.store.RecentTurns(ctx, userID, 2*t.every)
	if err != nil {
		t.logger.Error("memory job: fetch turns failed", "user", userID, "error", err)
		return
	}
	if len(turns) == 0 {
		return
	}

	// Newest first from the store; the summary prompt reads top to bottom.
	var b strings.Builder
	for i := len(turns) - 1; i >= 0; i-- {
		b.WriteString(turns[i].Role)
		b.WriteString(": ")
		b.WriteString(turns[i].Content)
		b.WriteString("\n")
	}

	summary, err := t.broker.ExtractMemory(ctx, b.String(), KindRoundSummary)
	if err != nil {
		t.logger.Error("memory job: extraction failed", "user", userID, "error", err)
		return
	}
	if summary == "" {
		return
	}

	vec, err := t.broker.Embed(ctx, summary)
	if err != nil {
		t.logger.Error("memory job: embedding failed", "user", userID, "error", err)
		return
	}

	meta, _ := json.Marshal(map[string]any{"source": "auto_trigger", "round": round})
	_, err = t.store.StoreMemoryVector(ctx, MemoryVector{
		ID:        NewID(),
		UserID:    userID,
		Kind:      KindRoundSummary,
		Content:   summary,
		Embedding: vec,
		Metadata:  meta,
		CreatedAt: NowUnix(),
	})
	if err != nil {
		t.logger.Error("memory job: store failed", "user", userID, "error", err)
		return
	}
	t.logger.Info("memory stored", "user", userID, "round", round)
}

package switchboard

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"
)

// nopStore satisfies the Store interface with no-ops.
// Embed this in test-specific store structs to avoid implementing every method.
type nopStore struct{}

func (nopStore) AppendTurn(_ context.Context, _ Turn) (string, error)           { return "", nil }
func (nopStore) RecentTurns(_ context.Context, _ string, _ int) ([]Turn, error) { return nil, nil }
func (nopStore) CountTurns(_ context.Context, _, _ string) (int, error)         { return 0, nil }
func (nopStore) StoreMemoryVector(_ context.Context, _ MemoryVector) (string, error) {
	return "", nil
}
func (nopStore) SimilaritySearch(_ context.Context, _ string, _ []float32, _ int) ([]ScoredMemory, error) {
	return nil, nil
}
func (nopStore) Init(_ context.Context) error { return nil }
func (nopStore) Close() error                 { return nil }

// memStore is an in-memory Store with per-user sequence numbers and
// canned similarity results. Safe for concurrent use.
type memStore struct {
	mu         sync.Mutex
	turns      map[string][]Turn
	vectors    []MemoryVector
	searchHits []ScoredMemory
	fetchCalls int
	appendErr  error
	fetchErr   error
	countErr   error
}

func newMemStore() *memStore {
	return &memStore{turns: make(map[string][]Turn)}
}

func (s *memStore) AppendTurn(_ context.Context, t Turn) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return "", s.appendErr
	}
	if t.ID == "" {
		t.ID = NewID()
	}
	t.SequenceNumber = len(s.turns[t.UserID]) + 1
	t.CharacterCount = utf8.RuneCountInString(t.Content)
	s.turns[t.UserID] = append(s.turns[t.UserID], t)
	return t.ID, nil
}

func (s *memStore) RecentTurns(_ context.Context, userID string, limit int) ([]Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetchCalls++
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	all := s.turns[userID]
	out := make([]Turn, 0, limit)
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

func (s *memStore) CountTurns(_ context.Context, userID, mode string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.countErr != nil {
		return 0, s.countErr
	}
	n := 0
	for _, t := range s.turns[userID] {
		if t.Role == "user" && t.Mode == mode {
			n++
		}
	}
	return n, nil
}

func (s *memStore) StoreMemoryVector(_ context.Context, v MemoryVector) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v.ID == "" {
		v.ID = NewID()
	}
	s.vectors = append(s.vectors, v)
	return v.ID, nil
}

func (s *memStore) SimilaritySearch(_ context.Context, _ string, _ []float32, topK int) ([]ScoredMemory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.searchHits) > topK {
		return s.searchHits[:topK], nil
	}
	return s.searchHits, nil
}

func (s *memStore) Init(_ context.Context) error { return nil }
func (s *memStore) Close() error                 { return nil }

// seed inserts alternating user/assistant turns without going through AppendTurn.
func (s *memStore) seed(userID, mode string, contents ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range contents {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		s.turns[userID] = append(s.turns[userID], Turn{
			ID: NewID(), UserID: userID, Role: role, Content: c,
			Mode: mode, SequenceNumber: len(s.turns[userID]) + 1,
		})
	}
}

func (s *memStore) userTurns(userID string) []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Turn, len(s.turns[userID]))
	copy(out, s.turns[userID])
	return out
}

func (s *memStore) storedVectors() []MemoryVector {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]MemoryVector, len(s.vectors))
	copy(out, s.vectors)
	return out
}

func (s *memStore) recentCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetchCalls
}

// --- LLM client stub (shared across dispatcher, runner, trigger tests) ---

type chatCall struct {
	cred   CredentialID
	model  string
	msgs   []ChatMessage
	params ChatParams
}

// stubClient satisfies LLMClient with canned responses and records every call.
type stubClient struct {
	mu       sync.Mutex
	reply    string
	chunks   []string
	vec      []float32
	chatErr  error
	embedErr error
	delay    time.Duration

	chats      []chatCall
	embeds     []string
	embedCreds []CredentialID
}

func (c *stubClient) ChatCompletion(ctx context.Context, cred Credential, model string, msgs []ChatMessage, params ChatParams) (ChatResponse, error) {
	if err := c.sleep(ctx); err != nil {
		return ChatResponse{}, err
	}
	c.mu.Lock()
	c.chats = append(c.chats, chatCall{cred: cred.ID, model: model, msgs: msgs, params: params})
	reply, err := c.reply, c.chatErr
	c.mu.Unlock()
	if err != nil {
		return ChatResponse{}, err
	}
	if reply == "" {
		reply = "ok"
	}
	return ChatResponse{Content: reply, Usage: Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15}}, nil
}

func (c *stubClient) ChatCompletionStream(ctx context.Context, cred Credential, model string, msgs []ChatMessage, params ChatParams, ch chan<- StreamEvent) (ChatResponse, error) {
	if err := c.sleep(ctx); err != nil {
		return ChatResponse{}, err
	}
	c.mu.Lock()
	c.chats = append(c.chats, chatCall{cred: cred.ID, model: model, msgs: msgs, params: params})
	chunks, err := c.chunks, c.chatErr
	c.mu.Unlock()
	if err != nil {
		return ChatResponse{}, err
	}
	if len(chunks) == 0 {
		chunks = []string{"ok"}
	}
	var b strings.Builder
	for _, chunk := range chunks {
		select {
		case ch <- StreamEvent{Type: EventTextDelta, Content: chunk}:
			b.WriteString(chunk)
		case <-ctx.Done():
			return ChatResponse{}, ctx.Err()
		}
	}
	return ChatResponse{Content: b.String(), Usage: Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15}}, nil
}

func (c *stubClient) Embedding(ctx context.Context, cred Credential, model, text string) ([]float32, error) {
	if err := c.sleep(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.embeds = append(c.embeds, text)
	c.embedCreds = append(c.embedCreds, cred.ID)
	vec, err := c.vec, c.embedErr
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if vec == nil {
		vec = []float32{0.1, 0.2, 0.3}
	}
	return vec, nil
}

func (c *stubClient) sleep(ctx context.Context) error {
	if c.delay <= 0 {
		return nil
	}
	select {
	case <-time.After(c.delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *stubClient) chatCreds() []CredentialID {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]CredentialID, len(c.chats))
	for i, call := range c.chats {
		out[i] = call.cred
	}
	return out
}

func (c *stubClient) chatCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.chats)
}

func (c *stubClient) embedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.embeds)
}

func (c *stubClient) lastEmbedCred() CredentialID {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.embedCreds) == 0 {
		return ""
	}
	return c.embedCreds[len(c.embedCreds)-1]
}

func (c *stubClient) lastChat() chatCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.chats) == 0 {
		return chatCall{}
	}
	return c.chats[len(c.chats)-1]
}

// --- broker stub (runner and trigger tests) ---

type brokerChat struct {
	system string
	prompt string
	model  string
}

// stubBroker satisfies Broker directly, bypassing lanes and pool.
type stubBroker struct {
	mu         sync.Mutex
	reply      string
	chunks     []string
	chatErr    error
	embedErr   error
	extractErr error
	summary    string

	chatCalls    []brokerChat
	embedQueries []string
	extractTexts []string
	extractKinds []string
}

func (b *stubBroker) RunChat(_ context.Context, systemPrompt, userPrompt, model string) (string, error) {
	b.mu.Lock()
	b.chatCalls = append(b.chatCalls, brokerChat{system: systemPrompt, prompt: userPrompt, model: model})
	reply, err := b.reply, b.chatErr
	b.mu.Unlock()
	if err != nil {
		return "", err
	}
	if reply == "" {
		reply = "ok"
	}
	return reply, nil
}

func (b *stubBroker) RunChatStream(_ context.Context, systemPrompt, userPrompt, model string, ch chan<- StreamEvent) (string, error) {
	defer close(ch)
	b.mu.Lock()
	b.chatCalls = append(b.chatCalls, brokerChat{system: systemPrompt, prompt: userPrompt, model: model})
	chunks, err := b.chunks, b.chatErr
	b.mu.Unlock()
	if err != nil {
		return "", err
	}
	if len(chunks) == 0 {
		chunks = []string{"ok"}
	}
	var sb strings.Builder
	for _, chunk := range chunks {
		ch <- StreamEvent{Type: EventTextDelta, Content: chunk}
		sb.WriteString(chunk)
	}
	return sb.String(), nil
}

func (b *stubBroker) Embed(_ context.Context, text string) ([]float32, error) {
	b.mu.Lock()
	b.embedQueries = append(b.embedQueries, text)
	err := b.embedErr
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return []float32{0.1, 0.2, 0.3}, nil
}

func (b *stubBroker) ExtractMemory(_ context.Context, conversationText, kind string) (string, error) {
	b.mu.Lock()
	b.extractTexts = append(b.extractTexts, conversationText)
	b.extractKinds = append(b.extractKinds, kind)
	summary, err := b.summary, b.extractErr
	b.mu.Unlock()
	if err != nil {
		return "", err
	}
	if summary == "" {
		summary = "a summary"
	}
	return summary, nil
}

func (b *stubBroker) chatCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.chatCalls)
}

func (b *stubBroker) embedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.embedQueries)
}

func (b *stubBroker) extractCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.extractTexts)
}

func (b *stubBroker) lastChatCall() brokerChat {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.chatCalls) == 0 {
		return brokerChat{}
	}
	return b.chatCalls[len(b.chatCalls)-1]
}

// recordingHook records TurnCommitted notifications.
type recordingHook struct {
	mu    sync.Mutex
	users []string
}

func (h *recordingHook) TurnCommitted(_ context.Context, userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.users = append(h.users, userID)
}

func (h *recordingHook) calls() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.users))
	copy(out, h.users)
	return out
}

// testCreds returns a full three-credential set.
func testCreds() Credentials {
	return Credentials{
		Main:   Credential{ID: CredentialMain, APIKey: "main-key"},
		Backup: Credential{ID: CredentialBackup, APIKey: "backup-key"},
		Memory: Credential{ID: CredentialMemory, APIKey: "memory-key"},
	}
}

// fastLane is a lane config quick enough for tests: 6000 RPM is one
// release every 10ms.
func fastLane() LaneConfig {
	return LaneConfig{RPM: 6000, Capacity: 100, Timeout: 5 * time.Second}
}

// waitFor polls cond until it returns true or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

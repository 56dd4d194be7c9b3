package switchboard

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Default models, matching the upstream API this broker fronts.
const (
	DefaultChatModel    = "gpt-4o"
	DefaultExtractModel = "gpt-4o-mini"
	DefaultEmbedModel   = "text-embedding-3-small"
)

// DefaultWorkers is the worker pool size when WithWorkers is not set.
const DefaultWorkers = 300

// Default lane configurations.
var (
	DefaultChatLane   = LaneConfig{RPM: 250, Capacity: 1000, Timeout: 240 * time.Second}
	DefaultMemoryLane = LaneConfig{RPM: 400, Capacity: 500, Timeout: 120 * time.Second}
)

// statBackupFallback is the stats bucket for memory calls served by the
// backup credential because no memory credential is configured.
const statBackupFallback = "backup_fallback"

// chatRotation is the credential cycle length: every chatRotation-th
// chat call goes to backup, the rest to main.
const chatRotation = 6

// CredStats counts calls made with one credential bucket.
type CredStats struct {
	TotalCalls int64 `json:"total_calls"`
	Success    int64 `json:"success"`
	Failures   int64 `json:"failures"`
}

// DispatchStats is a point-in-time view of the dispatcher.
type DispatchStats struct {
	Credentials map[string]CredStats `json:"credentials"`
	ChatLane    LaneSnapshot         `json:"chat_lane"`
	MemoryLane  LaneSnapshot         `json:"memory_lane"`
	Pool        PoolInfo             `json:"pool"`
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithChatLane overrides the chat lane configuration.
func WithChatLane(cfg LaneConfig) DispatcherOption {
	return func(d *Dispatcher) { d.chatCfg = cfg }
}

// WithMemoryLane overrides the memory lane configuration.
func WithMemoryLane(cfg LaneConfig) DispatcherOption {
	return func(d *Dispatcher) { d.memoryCfg = cfg }
}

// WithWorkers sets the worker pool size.
func WithWorkers(n int) DispatcherOption {
	return func(d *Dispatcher) { d.workers = n }
}

// WithChatModel sets the default chat model used when a call passes none.
func WithChatModel(model string) DispatcherOption {
	return func(d *Dispatcher) { d.chatModel = model }
}

// WithExtractModel sets the model used for memory extraction.
func WithExtractModel(model string) DispatcherOption {
	return func(d *Dispatcher) { d.extractModel = model }
}

// WithEmbedModel sets the embedding model.
func WithEmbedModel(model string) DispatcherOption {
	return func(d *Dispatcher) { d.embedModel = model }
}

// WithEmbedDimension sets the embedding vector width (and with it the
// size of the zero-vector fallback).
func WithEmbedDimension(n int) DispatcherOption {
	return func(d *Dispatcher) { d.embedDim = n }
}

// WithDispatcherLogger sets the structured logger. If not set, a no-op
// logger is used.
func WithDispatcherLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

// Dispatcher multiplexes chat, embedding, and memory-extraction calls
// onto the configured credentials. Every call passes through its lane's
// admission queue, then runs on the worker pool; the lane release
// engines never execute upstream calls themselves.
//
// Chat calls rotate across main and backup: a global atomic counter is
// incremented per call and every 6th value selects backup, so the
// credential pattern is main ×5, backup ×1 regardless of caller
// interleaving. Memory-lane calls use the memory credential, or fall
// back to backup (recorded under the "backup_fallback" bucket).
type Dispatcher struct {
	client LLMClient
	creds  Credentials
	logger *slog.Logger

	chatCfg   LaneConfig
	memoryCfg LaneConfig
	workers   int

	chatModel    string
	extractModel string
	embedModel   string
	embedDim     int

	counter atomic.Int64 // chat credential rotation

	started atomic.Bool
	startMu sync.Mutex
	stopped bool
	chat    *Lane
	memory  *Lane
	pool    *workerPool

	statsMu   sync.Mutex
	credStats map[string]*CredStats
}

// NewDispatcher creates a Dispatcher. The lanes and worker pool are not
// built until Start or the first call (lazy start).
func NewDispatcher(client LLMClient, creds Credentials, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		client:       client,
		creds:        creds,
		chatCfg:      DefaultChatLane,
		memoryCfg:    DefaultMemoryLane,
		workers:      DefaultWorkers,
		chatModel:    DefaultChatModel,
		extractModel: DefaultExtractModel,
		embedModel:   DefaultEmbedModel,
		embedDim:     EmbeddingDimension,
		credStats:    make(map[string]*CredStats),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = nopLogger
	}
	return d
}

// Start validates credentials and launches both lanes and the worker
// pool. Calling any dispatch method also starts the dispatcher, so
// Start is optional; call it to surface configuration errors early.
func (d *Dispatcher) Start(ctx context.Context) error {
	return d.ensureStarted(LaneChat)
}

// ensureStarted lazily initializes lanes and pool exactly once.
func (d *Dispatcher) ensureStarted(lane LaneKind) error {
	if d.started.Load() {
		return nil
	}
	d.startMu.Lock()
	defer d.startMu.Unlock()
	if d.stopped {
		return &ErrShuttingDown{Lane: lane}
	}
	if d.started.Load() {
		return nil
	}

	if d.creds.Main.APIKey == "" {
		return &ErrConfig{Field: "main_api_key", Reason: "required"}
	}
	if d.creds.Backup.APIKey == "" {
		return &ErrConfig{Field: "backup_api_key", Reason: "required"}
	}
	if !d.creds.HasMemory() {
		d.logger.Warn("memory credential not configured, memory lane will use backup")
	}

	d.chat = NewLane(LaneChat, d.chatCfg, WithLaneLogger(d.logger))
	d.memory = NewLane(LaneMemory, d.memoryCfg, WithLaneLogger(d.logger))
	d.pool = newWorkerPool(d.workers, d.chatCfg.Capacity+d.memoryCfg.Capacity, d.logger)
	d.chat.Start()
	d.memory.Start()
	d.started.Store(true)
	d.logger.Info("dispatcher started",
		"workers", d.workers,
		"chat_rpm", d.chatCfg.RPM,
		"memory_rpm", d.memoryCfg.RPM,
		"memory_credential", d.creds.HasMemory())
	return nil
}

// Stop halts both lanes, resolves queued requests with ErrShuttingDown,
// and drains the worker pool. In-flight upstream calls complete.
// Idempotent; returns ctx.Err if ctx expires before the drain finishes.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.startMu.Lock()
	if d.stopped {
		d.startMu.Unlock()
		return nil
	}
	d.stopped = true
	started := d.started.Load()
	d.startMu.Unlock()

	if !started {
		return nil
	}

	done := make(chan struct{})
	go func() {
		d.chat.Stop()
		d.memory.Stop()
		d.pool.close()
		close(done)
	}()
	select {
	case <-done:
		d.logger.Info("dispatcher stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunChat performs one chat completion through the chat lane. An empty
// model selects the configured default.
func (d *Dispatcher) RunChat(ctx context.Context, systemPrompt, userPrompt, model string) (string, error) {
	resp, err := d.runChat(ctx, systemPrompt, userPrompt, model, nil)
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// RunChatStream performs one chat completion, forwarding text deltas to
// ch in arrival order. ch is closed when the stream ends, successfully
// or not. Returns the accumulated content.
func (d *Dispatcher) RunChatStream(ctx context.Context, systemPrompt, userPrompt, model string, ch chan<- StreamEvent) (string, error) {
	defer close(ch)
	resp, err := d.runChat(ctx, systemPrompt, userPrompt, model, ch)
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

func (d *Dispatcher) runChat(ctx context.Context, systemPrompt, userPrompt, model string, stream chan<- StreamEvent) (ChatResponse, error) {
	if err := d.ensureStarted(LaneChat); err != nil {
		return ChatResponse{}, err
	}
	if model == "" {
		model = d.chatModel
	}

	if _, err := d.chat.Admit(ctx, "chat_req_"+NewID()); err != nil {
		return ChatResponse{}, err
	}

	cred, bucket := d.selectChatCredential()
	msgs := make([]ChatMessage, 0, 2)
	if systemPrompt != "" {
		msgs = append(msgs, SystemMessage(systemPrompt))
	}
	msgs = append(msgs, UserMessage(userPrompt))

	var resp ChatResponse
	var callErr error
	err := d.runViaPool(ctx, LaneChat, func() {
		if stream != nil {
			resp, callErr = d.client.ChatCompletionStream(ctx, cred, model, msgs, ChatParams{}, stream)
		} else {
			resp, callErr = d.client.ChatCompletion(ctx, cred, model, msgs, ChatParams{})
		}
		d.recordCall(bucket, callErr == nil)
	})
	if err != nil {
		return ChatResponse{}, err
	}
	if callErr != nil {
		d.logger.Error("chat call failed", "credential", bucket, "model", model, "error", callErr)
		return ChatResponse{}, &ErrUpstream{Credential: bucket, Cause: callErr}
	}
	return resp, nil
}

// Embed returns the embedding vector for text via the memory lane.
// Queue errors (full, timeout, shutdown) propagate; an upstream failure
// degrades to a zero vector so memory pipelines keep moving.
func (d *Dispatcher) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := d.ensureStarted(LaneMemory); err != nil {
		return nil, err
	}
	if _, err := d.memory.Admit(ctx, "embed_req_"+NewID()); err != nil {
		return nil, err
	}

	cred, bucket := d.selectMemoryCredential()
	var vec []float32
	var callErr error
	err := d.runViaPool(ctx, LaneMemory, func() {
		vec, callErr = d.client.Embedding(ctx, cred, d.embedModel, text)
		d.recordCall(bucket, callErr == nil)
	})
	if err != nil {
		return nil, err
	}
	if callErr != nil {
		d.logger.Error("embedding failed, returning zero vector", "credential", bucket, "error", callErr)
		return make([]float32, d.embedDim), nil
	}
	return vec, nil
}

// ExtractMemory summarizes conversationText with the extraction model.
// kind selects the summarization prompt; unknown kinds use the generic one.
func (d *Dispatcher) ExtractMemory(ctx context.Context, conversationText, kind string) (string, error) {
	if err := d.ensureStarted(LaneMemory); err != nil {
		return "", err
	}
	if _, err := d.memory.Admit(ctx, "memory_extract_req_"+NewID()); err != nil {
		return "", err
	}

	cred, bucket := d.selectMemoryCredential()
	msgs := []ChatMessage{
		SystemMessage(extractionPrompt(kind)),
		UserMessage("Conversation:\n" + conversationText + "\n\nSummary:"),
	}

	var resp ChatResponse
	var callErr error
	err := d.runViaPool(ctx, LaneMemory, func() {
		resp, callErr = d.client.ChatCompletion(ctx, cred, d.extractModel, msgs, ChatParams{})
		d.recordCall(bucket, callErr == nil)
	})
	if err != nil {
		return "", err
	}
	if callErr != nil {
		d.logger.Error("memory extraction failed", "credential", bucket, "kind", kind, "error", callErr)
		return "", &ErrUpstream{Credential: bucket, Cause: callErr}
	}
	return strings.TrimSpace(resp.Content), nil
}

// Stats returns per-credential call counters, lane snapshots, and pool
// occupancy.
func (d *Dispatcher) Stats() DispatchStats {
	stats := DispatchStats{Credentials: make(map[string]CredStats)}
	d.statsMu.Lock()
	for bucket, c := range d.credStats {
		stats.Credentials[bucket] = *c
	}
	d.statsMu.Unlock()

	if d.started.Load() {
		stats.ChatLane = d.chat.Stats()
		stats.MemoryLane = d.memory.Stats()
		stats.Pool = d.pool.info()
	}
	return stats
}

// runViaPool submits call to the worker pool and waits for it. If ctx
// is cancelled while waiting, the job keeps running on its worker and
// its counters are still recorded.
func (d *Dispatcher) runViaPool(ctx context.Context, lane LaneKind, call func()) error {
	done := make(chan struct{})
	err := d.pool.submit(ctx, func() {
		defer close(done)
		call()
	})
	if err != nil {
		if errors.Is(err, errPoolClosed) {
			return &ErrShuttingDown{Lane: lane}
		}
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) selectChatCredential() (Credential, string) {
	if d.counter.Add(1)%chatRotation == 0 {
		return d.creds.Backup, string(CredentialBackup)
	}
	return d.creds.Main, string(CredentialMain)
}

func (d *Dispatcher) selectMemoryCredential() (Credential, string) {
	if d.creds.HasMemory() {
		return d.creds.Memory, string(CredentialMemory)
	}
	d.logger.Warn("memory credential not configured, using backup")
	return d.creds.Backup, statBackupFallback
}

func (d *Dispatcher) recordCall(bucket string, ok bool) {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()
	c := d.credStats[bucket]
	if c == nil {
		c = &CredStats{}
		d.credStats[bucket] = c
	}
	c.TotalCalls++
	if ok {
		c.Success++
	} else {
		c.Failures++
	}
}

// --- extraction prompts ---

const (
	roundSummaryPrompt = "Extract the key insights from this round of chat conversation. Focus on:\n- Main topics discussed\n- Key decisions made\n- Important information shared\n- Technical solutions mentioned"

	conversationChunkPrompt = "Extract the key information from this conversation chunk. Focus on:\n- Important points discussed\n- Key decisions made\n- Critical information shared\n- Session highlights"

	genericSummaryPrompt = "Extract the key insights from this conversation. Focus on:\n- Important points discussed\n- Key decisions made\n- Critical information shared"
)

func extractionPrompt(kind string) string {
	switch kind {
	case KindRoundSummary:
		return roundSummaryPrompt
	case KindConversationChunk:
		return conversationChunkPrompt
	default:
		return genericSummaryPrompt
	}
}

// nopLogger is a logger that discards all output. Used when a component's
// logger option is not set.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

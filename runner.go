package switchboard

import (
	"context"
	"log/slog"
	"strings"
)

// Broker is the dispatch surface Runner and MemoryTrigger depend on.
// *Dispatcher implements it.
type Broker interface {
	RunChat(ctx context.Context, systemPrompt, userPrompt, model string) (string, error)
	RunChatStream(ctx context.Context, systemPrompt, userPrompt, model string, ch chan<- StreamEvent) (string, error)
	Embed(ctx context.Context, text string) ([]float32, error)
	ExtractMemory(ctx context.Context, conversationText, kind string) (string, error)
}

var _ Broker = (*Dispatcher)(nil)

// TurnHook is notified after a completed chat round has been persisted.
// *MemoryTrigger implements it.
type TurnHook interface {
	TurnCommitted(ctx context.Context, userID string)
}

// legacyErrorPrefix is the text contract with clients that predate
// typed errors: failures come back as a readable reply string.
const legacyErrorPrefix = "[OpenAI Error] "

// DefaultMemoryTopK is how many stored memories are retrieved per turn.
const DefaultMemoryTopK = 3

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithSystemPrompt sets the persona system prompt sent with every chat call.
func WithSystemPrompt(s string) RunnerOption {
	return func(r *Runner) { r.systemPrompt = s }
}

// WithStrictErrors makes Run and RunStream return typed errors instead
// of the legacy "[OpenAI Error] ..." reply text.
func WithStrictErrors() RunnerOption {
	return func(r *Runner) { r.strictErrors = true }
}

// WithMemoryTopK sets how many stored memories are retrieved per turn.
func WithMemoryTopK(n int) RunnerOption {
	return func(r *Runner) { r.topK = n }
}

// WithRunnerLogger sets the structured logger. If not set, a no-op
// logger is used.
func WithRunnerLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = l }
}

// RunOption configures a single Run or RunStream call.
type RunOption func(*runSettings)

type runSettings struct {
	history    []HistoryMessage
	historySet bool
	model      string
	mode       string
	agentType  string
}

// WithHistory supplies the conversation history verbatim. The registry
// is neither read nor written for this call.
func WithHistory(msgs []HistoryMessage) RunOption {
	return func(s *runSettings) {
		s.history = msgs
		s.historySet = true
	}
}

// WithModel overrides the chat model for this call.
func WithModel(model string) RunOption {
	return func(s *runSettings) { s.model = model }
}

// WithMode sets the conversation mode. ModeEval skips memory retrieval
// and never fires the memory trigger. Default ModeChat.
func WithMode(mode string) RunOption {
	return func(s *runSettings) { s.mode = mode }
}

// WithAgentType tags persisted turns with an agent type. Default "chat".
func WithAgentType(t string) RunOption {
	return func(s *runSettings) { s.agentType = t }
}

// Runner composes one conversation turn: recent history, retrieved
// long-term context, and the user's message become a single flat prompt
// dispatched through the chat lane. After the reply it updates the
// history window, persists both turns, and notifies the memory trigger.
type Runner struct {
	broker   Broker
	registry *HistoryRegistry
	store    Store
	hook     TurnHook

	systemPrompt string
	topK         int
	strictErrors bool
	logger       *slog.Logger
}

// NewRunner creates a Runner. hook may be nil to disable memory triggering.
func NewRunner(broker Broker, registry *HistoryRegistry, store Store, hook TurnHook, opts ...RunnerOption) *Runner {
	r := &Runner{
		broker:   broker,
		registry: registry,
		store:    store,
		hook:     hook,
		topK:     DefaultMemoryTopK,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = nopLogger
	}
	return r
}

// Run executes one conversation turn and returns the assistant reply.
// In the default legacy mode any failure is returned as a readable
// "[OpenAI Error] ..." reply with a nil error; WithStrictErrors makes
// failures surface as typed errors instead.
func (r *Runner) Run(ctx context.Context, userID, userMessage string, opts ...RunOption) (string, error) {
	return r.run(ctx, userID, userMessage, nil, opts)
}

// RunStream is Run with streaming: text deltas are forwarded to ch in
// arrival order and ch is closed when the turn completes. Returns the
// accumulated reply.
func (r *Runner) RunStream(ctx context.Context, userID, userMessage string, ch chan<- StreamEvent, opts ...RunOption) (string, error) {
	return r.run(ctx, userID, userMessage, ch, opts)
}

func (r *Runner) run(ctx context.Context, userID, userMessage string, stream chan<- StreamEvent, opts []RunOption) (string, error) {
	settings := runSettings{mode: ModeChat, agentType: "chat"}
	for _, opt := range opts {
		opt(&settings)
	}
	userMessage = SanitizeInput(userMessage)

	// Resolve history: caller-supplied is used verbatim and the registry
	// stays untouched; otherwise read the user's window. A failed hydrate
	// degrades to an empty window rather than failing the turn.
	var history []HistoryMessage
	var window *UserHistory
	if settings.historySet {
		history = settings.history
	} else {
		h, err := r.registry.Get(ctx, userID)
		if err != nil {
			r.logger.Warn("history unavailable, continuing without", "user", userID, "error", err)
		} else {
			window = h
			history = h.Snapshot()
		}
	}

	// Long-term memory is chat-only; eval runs measure the model, not the user.
	var memCtx string
	if settings.mode == ModeChat {
		memCtx = r.memoryContext(ctx, userID, userMessage)
	}

	prompt := buildPrompt(history, memCtx, userMessage)

	var reply string
	var err error
	if stream != nil {
		reply, err = r.streamChat(ctx, prompt, settings.model, stream)
	} else {
		reply, err = r.broker.RunChat(ctx, r.systemPrompt, prompt, settings.model)
	}
	if err != nil {
		if r.strictErrors {
			if stream != nil {
				close(stream)
			}
			return "", err
		}
		reply = legacyErrorPrefix + err.Error()
		if stream != nil {
			stream <- StreamEvent{Type: EventTextDelta, Content: reply}
		}
	}
	if stream != nil {
		close(stream)
	}

	if window != nil {
		window.Append("user", userMessage)
		window.Append("assistant", reply)
	}
	r.persistTurn(ctx, userID, "user", userMessage, settings)
	r.persistTurn(ctx, userID, "assistant", reply, settings)

	if settings.mode == ModeChat && r.hook != nil {
		r.hook.TurnCommitted(ctx, userID)
	}
	return reply, nil
}

// streamChat forwards broker deltas to the caller's channel without
// closing it, so run can still emit the legacy error chunk afterwards.
func (r *Runner) streamChat(ctx context.Context, prompt, model string, out chan<- StreamEvent) (string, error) {
	inner := make(chan StreamEvent, 16)
	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		for ev := range inner {
			out <- ev
		}
	}()
	reply, err := r.broker.RunChatStream(ctx, r.systemPrompt, prompt, model, inner)
	<-forwarded
	return reply, err
}

// memoryContext embeds the query through the memory lane and formats
// the top similarity hits. Any failure degrades to no context.
func (r *Runner) memoryContext(ctx context.Context, userID, query string) string {
	vec, err := r.broker.Embed(ctx, query)
	if err != nil {
		r.logger.Warn("memory retrieval embed failed", "user", userID, "error", err)
		return ""
	}
	hits, err := r.store.SimilaritySearch(ctx, userID, vec, r.topK)
	if err != nil {
		r.logger.Warn("memory search failed", "user", userID, "error", err)
		return ""
	}
	if len(hits) == 0 {
		return ""
	}
	lines := make([]string, len(hits))
	for i, h := range hits {
		lines[i] = "- " + h.Memory.Content
	}
	return strings.Join(lines, "\n")
}

func (r *Runner) persistTurn(ctx context.Context, userID, role, content string, settings runSettings) {
	_, err := r.store.AppendTurn(ctx, Turn{
		ID:        NewID(),
		UserID:    userID,
		Role:      role,
		Content:   content,
		Mode:      settings.mode,
		AgentType: settings.agentType,
		CreatedAt: NowUnix(),
	})
	if err != nil {
		r.logger.Error("persist turn failed", "user", userID, "role", role, "error", err)
	}
}

// buildPrompt lays out the flat prompt: history section, retrieved
// context section, then the current exchange. Empty sections are
// omitted; present sections are separated by one blank line.
func buildPrompt(history []HistoryMessage, memoryContext, userMessage string) string {
	var sections []string
	if len(history) > 0 {
		lines := make([]string, len(history))
		for i, m := range history {
			lines[i] = m.Role + ": " + m.Content
		}
		sections = append(sections, "Recent conversation history:\n"+strings.Join(lines, "\n"))
	}
	if memoryContext != "" {
		sections = append(sections, "Previous relevant context from our conversations:\n"+memoryContext)
	}
	sections = append(sections, "User: "+userMessage+"\nAssistant:")
	return strings.Join(sections, "\n\n")
}

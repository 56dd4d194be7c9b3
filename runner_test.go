package switchboard

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestRunner(broker Broker, store *memStore, hook TurnHook, opts ...RunnerOption) *Runner {
	return NewRunner(broker, NewHistoryRegistry(store), store, hook, opts...)
}

func TestRunnerSingleTurn(t *testing.T) {
	broker := &stubBroker{reply: "Hello!"}
	store := newMemStore()
	hook := &recordingHook{}
	r := newTestRunner(broker, store, hook)

	reply, err := r.Run(context.Background(), "u1", "Hi there")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply != "Hello!" {
		t.Errorf("reply = %q, want %q", reply, "Hello!")
	}

	if got := broker.lastChatCall().prompt; got != "User: Hi there\nAssistant:" {
		t.Errorf("prompt = %q, want bare exchange", got)
	}
	if broker.embedCount() != 1 {
		t.Errorf("embed calls = %d, want 1", broker.embedCount())
	}

	turns := store.userTurns("u1")
	if len(turns) != 2 {
		t.Fatalf("persisted turns = %d, want 2", len(turns))
	}
	if turns[0].Role != "user" || turns[0].Content != "Hi there" || turns[0].SequenceNumber != 1 {
		t.Errorf("first turn = %+v", turns[0])
	}
	if turns[1].Role != "assistant" || turns[1].Content != "Hello!" || turns[1].SequenceNumber != 2 {
		t.Errorf("second turn = %+v", turns[1])
	}
	for _, turn := range turns {
		if turn.Mode != ModeChat || turn.AgentType != "chat" {
			t.Errorf("turn mode/agent = %q/%q, want chat/chat", turn.Mode, turn.AgentType)
		}
		if turn.ID == "" || turn.CreatedAt == 0 {
			t.Errorf("turn missing id or timestamp: %+v", turn)
		}
	}

	h, err := r.registry.Get(context.Background(), "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h.Len() != 2 {
		t.Errorf("window length = %d, want 2", h.Len())
	}

	if got := hook.calls(); len(got) != 1 || got[0] != "u1" {
		t.Errorf("hook calls = %v, want [u1]", got)
	}
}

func TestRunnerPromptLayout(t *testing.T) {
	history := []HistoryMessage{
		{Role: "user", Content: "Hi"},
		{Role: "assistant", Content: "Hello"},
	}
	hits := []ScoredMemory{
		{Memory: MemoryVector{Content: "likes Go"}, Score: 0.9},
		{Memory: MemoryVector{Content: "uses vim"}, Score: 0.8},
	}

	tests := []struct {
		name    string
		history []HistoryMessage
		hits    []ScoredMemory
		want    string
	}{
		{
			name:    "all sections",
			history: history,
			hits:    hits,
			want: "Recent conversation history:\nuser: Hi\nassistant: Hello\n\n" +
				"Previous relevant context from our conversations:\n- likes Go\n- uses vim\n\n" +
				"User: next question\nAssistant:",
		},
		{
			name:    "history only",
			history: history,
			want:    "Recent conversation history:\nuser: Hi\nassistant: Hello\n\nUser: next question\nAssistant:",
		},
		{
			name: "memory only",
			hits: hits,
			want: "Previous relevant context from our conversations:\n- likes Go\n- uses vim\n\n" +
				"User: next question\nAssistant:",
		},
		{
			name: "message only",
			want: "User: next question\nAssistant:",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			broker := &stubBroker{}
			store := newMemStore()
			store.searchHits = tt.hits
			r := newTestRunner(broker, store, nil)

			_, err := r.Run(context.Background(), "u1", "next question", WithHistory(tt.history))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := broker.lastChatCall().prompt; got != tt.want {
				t.Errorf("prompt:\n%q\nwant:\n%q", got, tt.want)
			}
		})
	}
}

func TestRunnerCallerHistoryBypassesRegistry(t *testing.T) {
	broker := &stubBroker{}
	store := newMemStore()
	r := newTestRunner(broker, store, nil)

	supplied := []HistoryMessage{{Role: "user", Content: "from the caller"}}
	if _, err := r.Run(context.Background(), "u1", "hi", WithHistory(supplied)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if r.registry.Size() != 0 {
		t.Errorf("registry size = %d, want 0 (untouched)", r.registry.Size())
	}
	want := "Recent conversation history:\nuser: from the caller\n\nUser: hi\nAssistant:"
	if got := broker.lastChatCall().prompt; got != want {
		t.Errorf("prompt = %q, want %q", got, want)
	}
	// Turns are still persisted even when history comes from the caller.
	if n := len(store.userTurns("u1")); n != 2 {
		t.Errorf("persisted turns = %d, want 2", n)
	}
}

func TestRunnerLegacyErrorReply(t *testing.T) {
	broker := &stubBroker{chatErr: errors.New("rate limited")}
	store := newMemStore()
	hook := &recordingHook{}
	r := newTestRunner(broker, store, hook)

	reply, err := r.Run(context.Background(), "u1", "hi")
	if err != nil {
		t.Fatalf("legacy mode returned error: %v", err)
	}
	want := "[OpenAI Error] rate limited"
	if reply != want {
		t.Errorf("reply = %q, want %q", reply, want)
	}

	// The error reply is a normal turn: recorded, persisted, hook fired.
	turns := store.userTurns("u1")
	if len(turns) != 2 || turns[1].Content != want {
		t.Errorf("persisted turns = %+v, want assistant error reply", turns)
	}
	h, err := r.registry.Get(context.Background(), "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h.Len() != 2 {
		t.Errorf("window length = %d, want 2", h.Len())
	}
	if len(hook.calls()) != 1 {
		t.Errorf("hook calls = %d, want 1", len(hook.calls()))
	}
}

func TestRunnerStrictErrors(t *testing.T) {
	cause := errors.New("rate limited")
	broker := &stubBroker{chatErr: cause}
	store := newMemStore()
	hook := &recordingHook{}
	r := newTestRunner(broker, store, hook, WithStrictErrors())

	reply, err := r.Run(context.Background(), "u1", "hi")
	if !errors.Is(err, cause) {
		t.Fatalf("got %v, want the upstream error", err)
	}
	if reply != "" {
		t.Errorf("reply = %q, want empty", reply)
	}
	if n := len(store.userTurns("u1")); n != 0 {
		t.Errorf("persisted turns = %d, want 0", n)
	}
	if len(hook.calls()) != 0 {
		t.Errorf("hook calls = %d, want 0", len(hook.calls()))
	}
}

func TestRunnerEvalMode(t *testing.T) {
	broker := &stubBroker{}
	store := newMemStore()
	store.searchHits = []ScoredMemory{{Memory: MemoryVector{Content: "should not appear"}}}
	hook := &recordingHook{}
	r := newTestRunner(broker, store, hook)

	if _, err := r.Run(context.Background(), "u1", "hi", WithMode(ModeEval), WithAgentType("eval")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if broker.embedCount() != 0 {
		t.Errorf("embed calls = %d, want 0 in eval mode", broker.embedCount())
	}
	if got := broker.lastChatCall().prompt; got != "User: hi\nAssistant:" {
		t.Errorf("prompt = %q, want no memory section", got)
	}
	if len(hook.calls()) != 0 {
		t.Errorf("hook calls = %d, want 0 in eval mode", len(hook.calls()))
	}
	for _, turn := range store.userTurns("u1") {
		if turn.Mode != ModeEval || turn.AgentType != "eval" {
			t.Errorf("turn mode/agent = %q/%q, want eval/eval", turn.Mode, turn.AgentType)
		}
	}
}

func TestRunnerSanitizesInput(t *testing.T) {
	broker := &stubBroker{}
	store := newMemStore()
	r := newTestRunner(broker, store, nil)

	if _, err := r.Run(context.Background(), "u1", "​Hi there  "); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := broker.lastChatCall().prompt; got != "User: Hi there\nAssistant:" {
		t.Errorf("prompt = %q, want sanitized exchange", got)
	}
	if got := store.userTurns("u1")[0].Content; got != "Hi there" {
		t.Errorf("persisted content = %q, want %q", got, "Hi there")
	}
}

func TestRunnerMemoryFailureDegrades(t *testing.T) {
	broker := &stubBroker{embedErr: errors.New("embeddings down")}
	store := newMemStore()
	store.searchHits = []ScoredMemory{{Memory: MemoryVector{Content: "unreachable"}}}
	r := newTestRunner(broker, store, nil)

	reply, err := r.Run(context.Background(), "u1", "hi")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply != "ok" {
		t.Errorf("reply = %q, want %q", reply, "ok")
	}
	if got := broker.lastChatCall().prompt; got != "User: hi\nAssistant:" {
		t.Errorf("prompt = %q, want no memory section", got)
	}
}

func TestRunnerHydrateFailureDegrades(t *testing.T) {
	store := newMemStore()
	store.seed("u1", ModeChat, "old question", "old answer")
	store.fetchErr = errors.New("db down")
	broker := &stubBroker{}
	r := newTestRunner(broker, store, nil)

	reply, err := r.Run(context.Background(), "u1", "hi")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply != "ok" {
		t.Errorf("reply = %q, want %q", reply, "ok")
	}
	if got := broker.lastChatCall().prompt; got != "User: hi\nAssistant:" {
		t.Errorf("prompt = %q, want no history section", got)
	}
}

func TestRunnerSystemPromptAndModel(t *testing.T) {
	broker := &stubBroker{}
	r := newTestRunner(broker, newMemStore(), nil, WithSystemPrompt("You are concise."))

	if _, err := r.Run(context.Background(), "u1", "hi", WithModel("gpt-4o-mini")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	call := broker.lastChatCall()
	if call.system != "You are concise." {
		t.Errorf("system prompt = %q, want %q", call.system, "You are concise.")
	}
	if call.model != "gpt-4o-mini" {
		t.Errorf("model = %q, want %q", call.model, "gpt-4o-mini")
	}
}

func TestRunnerStream(t *testing.T) {
	broker := &stubBroker{chunks: []string{"He", "llo", "!"}}
	store := newMemStore()
	r := newTestRunner(broker, store, nil)

	ch := make(chan StreamEvent, 16)
	reply, err := r.RunStream(context.Background(), "u1", "hi", ch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply != "Hello!" {
		t.Errorf("reply = %q, want %q", reply, "Hello!")
	}

	var streamed string
	for ev := range ch {
		streamed += ev.Content
	}
	if streamed != "Hello!" {
		t.Errorf("streamed = %q, want %q", streamed, "Hello!")
	}
	if turns := store.userTurns("u1"); len(turns) != 2 || turns[1].Content != "Hello!" {
		t.Errorf("persisted turns = %+v, want full reply", turns)
	}
}

func TestRunnerStreamLegacyError(t *testing.T) {
	broker := &stubBroker{chatErr: errors.New("boom")}
	store := newMemStore()
	r := newTestRunner(broker, store, nil)

	ch := make(chan StreamEvent, 16)
	reply, err := r.RunStream(context.Background(), "u1", "hi", ch)
	if err != nil {
		t.Fatalf("legacy mode returned error: %v", err)
	}
	want := "[OpenAI Error] boom"
	if reply != want {
		t.Errorf("reply = %q, want %q", reply, want)
	}

	var events []StreamEvent
	collectDone := time.After(time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				if len(events) != 1 || events[0].Content != want {
					t.Errorf("events = %+v, want single error chunk", events)
				}
				return
			}
			events = append(events, ev)
		case <-collectDone:
			t.Fatal("stream channel not closed")
		}
	}
}

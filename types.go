package switchboard

import "encoding/json"

// --- Domain types (database records) ---

// Turn is one persisted conversation message. A completed round is a
// user turn followed by an assistant turn with the same mode.
type Turn struct {
	ID             string `json:"id"`
	UserID         string `json:"user_id"`
	Role           string `json:"role"` // "user" or "assistant"
	Content        string `json:"content"`
	Mode           string `json:"mode"` // "chat" or "eval"
	AgentType      string `json:"agent_type"`
	SequenceNumber int    `json:"sequence_number"`
	CharacterCount int    `json:"character_count"`
	CreatedAt      int64  `json:"created_at"`
}

// MemoryVector is an extracted conversation summary with its embedding.
type MemoryVector struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	Kind      string          `json:"kind"`
	Content   string          `json:"content"`
	Embedding []float32       `json:"-"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt int64           `json:"created_at"`
}

// ScoredMemory pairs a stored memory with its cosine similarity to a query.
type ScoredMemory struct {
	Memory MemoryVector `json:"memory"`
	Score  float32      `json:"score"`
}

// HistoryMessage is one entry in a user's in-process conversation window.
type HistoryMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Conversation modes.
const (
	ModeChat = "chat"
	ModeEval = "eval"
)

// Memory extraction kinds. Each selects a different summarization prompt.
const (
	KindRoundSummary      = "round_summary"
	KindConversationChunk = "conversation_chunk"
)

// LaneKind identifies one of the two admission lanes.
type LaneKind string

const (
	// LaneChat carries user-facing chat completions.
	LaneChat LaneKind = "chat"
	// LaneMemory carries embedding and memory-extraction calls.
	LaneMemory LaneKind = "memory"
)

// --- LLM protocol types ---

type ChatMessage struct {
	Role    string `json:"role"` // "system", "user", "assistant"
	Content string `json:"content"`
}

type ChatResponse struct {
	Content string `json:"content"`
	Usage   Usage  `json:"usage"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// ChatParams tunes a single upstream call. Zero values fall back to
// DefaultTemperature and DefaultMaxTokens.
type ChatParams struct {
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
}

// Defaults applied by clients when ChatParams fields are zero.
const (
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 4000
)

// EmbeddingDimension is the width of memory vectors end to end: the
// embedding model output, the zero-vector fallback, and the vector
// column in storage all use it.
const EmbeddingDimension = 1536

// --- ChatMessage constructors ---

func UserMessage(text string) ChatMessage {
	return ChatMessage{Role: "user", Content: text}
}

func SystemMessage(text string) ChatMessage {
	return ChatMessage{Role: "system", Content: text}
}

func AssistantMessage(text string) ChatMessage {
	return ChatMessage{Role: "assistant", Content: text}
}

package switchboard

// StreamEventType identifies the kind of streaming event.
type StreamEventType string

const (
	// EventTextDelta carries an incremental text chunk from the LLM.
	EventTextDelta StreamEventType = "text-delta"
	// EventDone signals the stream completed. Content is empty.
	EventDone StreamEventType = "done"
)

// StreamEvent is a typed event emitted during streaming dispatch.
// Consumers receive these on the channel passed to RunChatStream.
type StreamEvent struct {
	// Type identifies the event kind.
	Type StreamEventType `json:"type"`
	// Content carries the text delta (text-delta only).
	Content string `json:"content,omitempty"`
}

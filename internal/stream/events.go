// Package stream normalizes heterogeneous upstream streaming protocols
// (OpenAI-style delta chunks, Anthropic-style typed events, Gemini-style
// candidate/parts payloads) into one ordered sequence of dialect-independent
// events. One shared driver owns buffering, thinking-span lifecycle and
// tool-call assembly; dialects only describe framing and payload decoding.
package stream

// Event is one unit of the normalized output vocabulary.
type Event interface {
	isEvent()
}

// TextEvent carries a chunk of visible assistant text.
type TextEvent struct {
	Delta string
}

// ThinkingEvent carries reasoning content grouped under a span id.
// An empty Delta closes the span; every opened span is closed before any
// subsequent visible text or tool call.
type ThinkingEvent struct {
	ID    string
	Delta string
}

// ToolCallStartEvent announces a tool call before its arguments are complete,
// so consumers can render a pending state.
type ToolCallStartEvent struct {
	ID   string
	Name string
}

// ToolCallEvent is a fully assembled tool call. Args is always parsed
// structured data, never a raw fragment.
type ToolCallEvent struct {
	ID   string
	Name string
	Args map[string]any
}

// UsageEvent is the terminal token accounting summary.
type UsageEvent struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

func (TextEvent) isEvent()          {}
func (ThinkingEvent) isEvent()      {}
func (ToolCallStartEvent) isEvent() {}
func (ToolCallEvent) isEvent()      {}
func (UsageEvent) isEvent()         {}

// Sink receives normalized events in render order.
type Sink func(Event) error

// Result summarizes a completed stream.
type Result struct {
	Usage        UsageEvent
	FinishReason string
}

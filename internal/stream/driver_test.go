package stream

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"
)

// chunkReader yields the underlying data in fixed-size chunks so tests can
// split the wire stream at arbitrary byte boundaries.
type chunkReader struct {
	data []byte
	size int
	pos  int
}

func (c *chunkReader) Read(p []byte) (int, error) {
	if c.pos >= len(c.data) {
		return 0, io.EOF
	}
	end := c.pos + c.size
	if end > len(c.data) {
		end = len(c.data)
	}
	n := copy(p, c.data[c.pos:end])
	c.pos += n
	return n, nil
}

func collect(t *testing.T, dialect Dialect, input string, chunkSize int) ([]Event, Result) {
	t.Helper()

	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	n := NewNormalizer(dialect, Options{
		FlushMinBytes: 1,
		Now:           func() time.Time { return fixed },
	})

	var events []Event
	result, err := n.Run(context.Background(), &chunkReader{data: []byte(input), size: chunkSize}, func(e Event) error {
		events = append(events, e)
		return nil
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	return events, result
}

// joinText concatenates all visible text deltas.
func joinText(events []Event) string {
	var b strings.Builder
	for _, e := range events {
		if text, ok := e.(TextEvent); ok {
			b.WriteString(text.Delta)
		}
	}
	return b.String()
}

// joinThinking concatenates all non-closing thinking deltas.
func joinThinking(events []Event) string {
	var b strings.Builder
	for _, e := range events {
		if think, ok := e.(ThinkingEvent); ok {
			b.WriteString(think.Delta)
		}
	}
	return b.String()
}

func sseStream(payloads ...string) string {
	var b strings.Builder
	for _, p := range payloads {
		b.WriteString("data: " + p + "\n\n")
	}
	b.WriteString("data: [DONE]\n\n")
	return b.String()
}

func TestOpenAITextRoundTrip(t *testing.T) {
	input := sseStream(
		`{"choices":[{"index":0,"delta":{"content":"Hello, "}}]}`,
		`{"choices":[{"index":0,"delta":{"content":"world!"}}]}`,
		`{"choices":[{"index":0,"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":5,"completion_tokens":2,"total_tokens":7}}`,
	)

	events, result := collect(t, OpenAIDialect(), input, 4096)
	if got := joinText(events); got != "Hello, world!" {
		t.Fatalf("expected reassembled text, got %q", got)
	}
	if result.FinishReason != "stop" {
		t.Fatalf("expected finish reason stop, got %q", result.FinishReason)
	}
	if result.Usage.TotalTokens != 7 {
		t.Fatalf("expected 7 total tokens, got %d", result.Usage.TotalTokens)
	}
}

func TestChunkSplitInvariance(t *testing.T) {
	// The stream splits mid-tag, mid-JSON-string and mid-escape depending on
	// chunk size; normalized content must not change.
	input := sseStream(
		`{"choices":[{"index":0,"delta":{"content":"<think>weigh the \"options\"—carefully</think>The answer"}}]}`,
		`{"choices":[{"index":0,"delta":{"content":" is 42."}}]}`,
		`{"choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
	)

	wantText := "The answer is 42."
	wantThinking := "weigh the \"options\"—carefully"

	for _, size := range []int{1, 2, 3, 7, 16, 4096} {
		events, _ := collect(t, OpenAIDialect(), input, size)
		if got := joinText(events); got != wantText {
			t.Errorf("chunk size %d: text %q, want %q", size, got, wantText)
		}
		if got := joinThinking(events); got != wantThinking {
			t.Errorf("chunk size %d: thinking %q, want %q", size, got, wantThinking)
		}
	}
}

func TestThinkTagSplitAcrossFrames(t *testing.T) {
	// The opening tag itself is split across two frames.
	input := sseStream(
		`{"choices":[{"index":0,"delta":{"content":"<th"}}]}`,
		`{"choices":[{"index":0,"delta":{"content":"ink>hidden</think>visible"}}]}`,
	)

	events, _ := collect(t, OpenAIDialect(), input, 4096)
	if got := joinText(events); got != "visible" {
		t.Fatalf("expected only visible text, got %q", got)
	}
	if got := joinThinking(events); got != "hidden" {
		t.Fatalf("expected hidden reasoning, got %q", got)
	}
}

func TestUnclosedPartialTagEmittedAsText(t *testing.T) {
	input := sseStream(`{"choices":[{"index":0,"delta":{"content":"result <th"}}]}`)

	events, _ := collect(t, OpenAIDialect(), input, 4096)
	if got := joinText(events); got != "result <th" {
		t.Fatalf("expected held-back bytes restored as text, got %q", got)
	}
}

func TestThinkingSpanLifecycle(t *testing.T) {
	input := sseStream(
		`{"choices":[{"index":0,"delta":{"reasoning_content":"step one"}}]}`,
		`{"choices":[{"index":0,"delta":{"reasoning_content":" step two"}}]}`,
		`{"choices":[{"index":0,"delta":{"content":"done"}}]}`,
	)

	events, _ := collect(t, OpenAIDialect(), input, 4096)

	var spanID string
	var closed bool
	var textAfterClose bool
	for _, e := range events {
		switch ev := e.(type) {
		case ThinkingEvent:
			if ev.Delta == "" {
				closed = true
				continue
			}
			if spanID == "" {
				spanID = ev.ID
			} else if ev.ID != spanID {
				t.Fatalf("span id changed mid-span: %q vs %q", spanID, ev.ID)
			}
			if closed {
				t.Fatal("thinking delta after span close")
			}
		case TextEvent:
			if closed {
				textAfterClose = true
			} else {
				t.Fatal("visible text before span close")
			}
		}
	}
	if spanID == "" || !closed || !textAfterClose {
		t.Fatalf("incomplete span lifecycle: id=%q closed=%v textAfterClose=%v", spanID, closed, textAfterClose)
	}
}

func TestReasoningOnlyTurnGetsPlaceholder(t *testing.T) {
	input := sseStream(`{"choices":[{"index":0,"delta":{"reasoning_content":"all reasoning, no answer"}}]}`)

	events, _ := collect(t, OpenAIDialect(), input, 4096)
	if got := joinText(events); got != placeholderText {
		t.Fatalf("expected placeholder %q, got %q", placeholderText, got)
	}

	// The span must still be closed before the placeholder.
	var sawClose bool
	for _, e := range events {
		if think, ok := e.(ThinkingEvent); ok && think.Delta == "" {
			sawClose = true
		}
		if _, ok := e.(TextEvent); ok && !sawClose {
			t.Fatal("placeholder emitted before span close")
		}
	}
}

func TestToolCallFragmentAssembly(t *testing.T) {
	input := sseStream(
		`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"get_weather","arguments":""}}]}}]}`,
		`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"city\":"}}]}}]}`,
		`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"Oslo\"}"}}]}}]}`,
		`{"choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
	)

	events, result := collect(t, OpenAIDialect(), input, 4096)

	var starts []ToolCallStartEvent
	var calls []ToolCallEvent
	for _, e := range events {
		switch ev := e.(type) {
		case ToolCallStartEvent:
			starts = append(starts, ev)
		case ToolCallEvent:
			calls = append(calls, ev)
		}
	}
	if len(starts) != 1 || starts[0].Name != "get_weather" {
		t.Fatalf("expected one start for get_weather, got %+v", starts)
	}
	if len(calls) != 1 {
		t.Fatalf("expected exactly one assembled call, got %d", len(calls))
	}
	if calls[0].ID != "call_1" || calls[0].Args["city"] != "Oslo" {
		t.Fatalf("unexpected call: %+v", calls[0])
	}
	if result.FinishReason != "tool_calls" {
		t.Fatalf("expected tool_calls finish, got %q", result.FinishReason)
	}
}

func TestToolCallNotEmittedBeforeTerminalMarker(t *testing.T) {
	// Arguments parse after the second fragment already, but emission must
	// wait for the finish marker in case more fragments follow.
	payloads := []string{
		`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"f","arguments":"{}"}}]}}]}`,
		`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{}"}}]}}]}`,
	}
	var b strings.Builder
	for _, p := range payloads {
		b.WriteString("data: " + p + "\n\n")
	}

	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	n := NewNormalizer(OpenAIDialect(), Options{FlushMinBytes: 1, Now: func() time.Time { return fixed }})

	var calls int
	_, err := n.Run(context.Background(), strings.NewReader(b.String()), func(e Event) error {
		if _, ok := e.(ToolCallEvent); ok {
			calls++
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	// EOF is the terminal marker here; exactly one call, despite the
	// doubled empty-object fragments.
	if calls != 1 {
		t.Fatalf("expected one call at stream end, got %d", calls)
	}
}

func TestDuplicatedToolCallEmittedOnce(t *testing.T) {
	input := sseStream(
		`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"f","arguments":"{\"a\":1}"}}]}}]}`,
		`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":1,"id":"call_1","function":{"name":"f","arguments":"{\"a\":1}"}}]}}]}`,
		`{"choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
	)

	events, _ := collect(t, OpenAIDialect(), input, 4096)
	var calls int
	for _, e := range events {
		if _, ok := e.(ToolCallEvent); ok {
			calls++
		}
	}
	if calls != 1 {
		t.Fatalf("expected duplicate suppressed, got %d calls", calls)
	}
}

func TestAnthropicEventStream(t *testing.T) {
	input := sseStream(
		`{"type":"message_start","message":{"usage":{"input_tokens":10,"output_tokens":1}}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"thinking","thinking":""}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"hmm"}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"content_block_start","index":1,"content_block":{"type":"text","text":""}}`,
		`{"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":"Sure."}}`,
		`{"type":"content_block_stop","index":1}`,
		`{"type":"content_block_start","index":2,"content_block":{"type":"tool_use","id":"toolu_1","name":"search"}}`,
		`{"type":"content_block_delta","index":2,"delta":{"type":"input_json_delta","partial_json":"{\"q\":\"go\"}"}}`,
		`{"type":"content_block_stop","index":2}`,
		`{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":25}}`,
		`{"type":"message_stop"}`,
	)

	events, result := collect(t, AnthropicDialect(), input, 4096)

	if got := joinThinking(events); got != "hmm" {
		t.Fatalf("expected thinking %q, got %q", "hmm", got)
	}
	if got := joinText(events); got != "Sure." {
		t.Fatalf("expected text, got %q", got)
	}

	var call *ToolCallEvent
	for _, e := range events {
		if ev, ok := e.(ToolCallEvent); ok {
			call = &ev
		}
	}
	if call == nil || call.ID != "toolu_1" || call.Name != "search" || call.Args["q"] != "go" {
		t.Fatalf("unexpected tool call: %+v", call)
	}

	if result.FinishReason != "tool_use" {
		t.Fatalf("expected tool_use finish, got %q", result.FinishReason)
	}
	if result.Usage.PromptTokens != 10 || result.Usage.CompletionTokens != 25 {
		t.Fatalf("unexpected usage: %+v", result.Usage)
	}
}

func TestGeminiJSONArrayStream(t *testing.T) {
	input := `[{"candidates":[{"content":{"parts":[{"text":"plan it out","thought":true}]}}]},` + "\n" +
		`{"candidates":[{"content":{"parts":[{"text":"Here you go."}]}}]},` + "\n" +
		`{"candidates":[{"content":{"parts":[{"functionCall":{"name":"lookup","args":{"id":7}}}]},"finishReason":"STOP"}],` +
		`"usageMetadata":{"promptTokenCount":3,"candidatesTokenCount":9,"totalTokenCount":12}}]`

	events, result := collect(t, GeminiDialect(), input, 5)

	if got := joinThinking(events); got != "plan it out" {
		t.Fatalf("expected thought part as thinking, got %q", got)
	}
	if got := joinText(events); got != "Here you go." {
		t.Fatalf("expected text, got %q", got)
	}

	var call *ToolCallEvent
	for _, e := range events {
		if ev, ok := e.(ToolCallEvent); ok {
			call = &ev
		}
	}
	if call == nil || call.Name != "lookup" {
		t.Fatalf("expected lookup call, got %+v", call)
	}
	if call.ID == "" {
		t.Fatal("expected synthetic id for call without one")
	}
	if call.Args["id"] != float64(7) {
		t.Fatalf("unexpected args: %+v", call.Args)
	}

	if result.Usage.TotalTokens != 12 {
		t.Fatalf("expected 12 total tokens, got %d", result.Usage.TotalTokens)
	}
}

func TestMalformedFrameIsDroppedNotFatal(t *testing.T) {
	input := sseStream(
		`{"choices":[{"index":0,"delta":{"content":"before"}}]}`,
		`{"choices": 12}`,
		`{"choices":[{"index":0,"delta":{"content":" after"}}]}`,
	)

	events, _ := collect(t, OpenAIDialect(), input, 4096)
	if got := joinText(events); got != "before after" {
		t.Fatalf("expected surrounding frames preserved, got %q", got)
	}
}

func TestCancellationFlushesBufferedText(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	// Large threshold keeps text buffered until cancellation forces it out.
	n := NewNormalizer(OpenAIDialect(), Options{FlushMinBytes: 1 << 20, Now: func() time.Time { return fixed }})

	input := "data: " + `{"choices":[{"index":0,"delta":{"content":"partial answer"}}]}` + "\n\n"
	reader := &cancelAfterReader{data: []byte(input), cancel: cancel}

	var events []Event
	_, err := n.Run(ctx, reader, func(e Event) error {
		events = append(events, e)
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if got := joinText(events); got != "partial answer" {
		t.Fatalf("expected buffered text flushed on cancel, got %q", got)
	}
}

// cancelAfterReader serves its data, then cancels the context and blocks the
// stream with more pending input.
type cancelAfterReader struct {
	data   []byte
	cancel context.CancelFunc
	served bool
}

func (r *cancelAfterReader) Read(p []byte) (int, error) {
	if !r.served {
		r.served = true
		return copy(p, r.data), nil
	}
	r.cancel()
	// One more frame so the driver re-enters its loop and sees the
	// cancelled context.
	return copy(p, []byte("data: {\"choices\":[]}\n\n")), nil
}

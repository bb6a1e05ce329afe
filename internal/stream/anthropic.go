package stream

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/anthropics/anthropic-sdk-go"
)

// AnthropicDialect normalizes Anthropic messages API event streams. The wire
// protocol is fully typed, so no inline tag recognition is needed.
func AnthropicDialect() Dialect {
	return Dialect{
		Name:    "anthropic",
		Framing: FramingSSE,
		Decode:  decodeAnthropicEvent,
	}
}

func decodeAnthropicEvent(payload []byte) ([]part, error) {
	var event anthropic.MessageStreamEventUnion
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("decoding event: %w", err)
	}

	// Content blocks correlate by index for the lifetime of the block.
	key := "idx:" + strconv.FormatInt(event.Index, 10)

	switch event.Type {
	case "message_start":
		usage := event.Message.Usage
		if usage.InputTokens > 0 || usage.OutputTokens > 0 {
			return []part{{kind: partUsage, usage: &UsageEvent{
				PromptTokens:     int(usage.InputTokens),
				CompletionTokens: int(usage.OutputTokens),
			}}}, nil
		}
		return nil, nil

	case "content_block_start":
		block := event.ContentBlock
		switch block.Type {
		case "tool_use", "server_tool_use":
			return []part{{
				kind:     partToolStart,
				callKey:  key,
				callID:   block.ID,
				callName: block.Name,
			}}, nil
		case "text":
			if block.Text != "" {
				return []part{{kind: partText, text: block.Text}}, nil
			}
		case "thinking":
			if block.Thinking != "" {
				return []part{{kind: partThinking, text: block.Thinking}}, nil
			}
		}
		return nil, nil

	case "content_block_delta":
		delta := event.Delta
		switch delta.Type {
		case "text_delta":
			return []part{{kind: partText, text: delta.Text}}, nil
		case "thinking_delta":
			return []part{{kind: partThinking, text: delta.Thinking}}, nil
		case "input_json_delta":
			return []part{{kind: partToolArgs, callKey: key, text: delta.PartialJSON}}, nil
		}
		return nil, nil

	case "content_block_stop":
		return []part{{kind: partToolDone, callKey: key}}, nil

	case "message_delta":
		var parts []part
		if event.Usage.OutputTokens > 0 {
			parts = append(parts, part{kind: partUsage, usage: &UsageEvent{
				CompletionTokens: int(event.Usage.OutputTokens),
			}})
		}
		if event.Delta.StopReason != "" {
			parts = append(parts, part{kind: partFinish, finish: string(event.Delta.StopReason)})
		}
		return parts, nil

	case "message_stop", "ping":
		return nil, nil
	}

	// Unknown event types are forward-compatible noise.
	return nil, nil
}

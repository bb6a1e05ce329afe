package stream

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// openaiChunk is the subset of an OpenAI chat completion chunk the normalizer
// consumes. Unknown fields are ignored.
type openaiChunk struct {
	Choices []struct {
		Index int `json:"index"`
		Delta struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
			Reasoning        string `json:"reasoning"`
			ToolCalls        []struct {
				Index    *int   `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// OpenAIDialect normalizes OpenAI-style chat completion chunk streams.
// Inline thinking tags are recognized because OpenAI-compatible local
// runtimes emit reasoning embedded in content rather than as a typed field.
func OpenAIDialect() Dialect {
	return Dialect{
		Name:      "openai",
		Framing:   FramingSSE,
		ThinkTags: true,
		Decode:    decodeOpenAIChunk,
	}
}

func decodeOpenAIChunk(payload []byte) ([]part, error) {
	var chunk openaiChunk
	if err := json.Unmarshal(payload, &chunk); err != nil {
		return nil, fmt.Errorf("decoding chunk: %w", err)
	}
	if chunk.Error != nil {
		return nil, fmt.Errorf("upstream error in stream: %s (%s)", chunk.Error.Message, chunk.Error.Type)
	}

	var parts []part
	for _, choice := range chunk.Choices {
		// Some providers use reasoning_content, others reasoning.
		if reasoning := choice.Delta.ReasoningContent + choice.Delta.Reasoning; reasoning != "" {
			parts = append(parts, part{kind: partThinking, text: reasoning})
		}
		if choice.Delta.Content != "" {
			parts = append(parts, part{kind: partText, text: choice.Delta.Content})
		}

		for i, call := range choice.Delta.ToolCalls {
			// Fragments correlate by index; providers that omit it send
			// whole calls and correlate by id.
			key := call.ID
			if call.Index != nil {
				key = "idx:" + strconv.Itoa(*call.Index)
			} else if key == "" {
				key = "pos:" + strconv.Itoa(i)
			}

			if call.ID != "" || call.Function.Name != "" {
				parts = append(parts, part{
					kind:     partToolStart,
					callKey:  key,
					callID:   call.ID,
					callName: call.Function.Name,
				})
			}
			if call.Function.Arguments != "" {
				parts = append(parts, part{kind: partToolArgs, callKey: key, text: call.Function.Arguments})
			}
		}

		if choice.FinishReason != "" {
			parts = append(parts, part{kind: partFinish, finish: choice.FinishReason})
		}
	}

	if chunk.Usage != nil {
		parts = append(parts, part{kind: partUsage, usage: &UsageEvent{
			PromptTokens:     chunk.Usage.PromptTokens,
			CompletionTokens: chunk.Usage.CompletionTokens,
			TotalTokens:      chunk.Usage.TotalTokens,
		}})
	}
	return parts, nil
}

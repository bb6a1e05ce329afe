package stream

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// geminiChunk is the subset of a Gemini streamGenerateContent response the
// normalizer consumes.
type geminiChunk struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text         string `json:"text"`
				Thought      bool   `json:"thought"`
				FunctionCall *struct {
					ID   string         `json:"id"`
					Name string         `json:"name"`
					Args map[string]any `json:"args"`
				} `json:"functionCall"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// GeminiDialect normalizes Gemini streamGenerateContent responses. The wire
// format is a JSON array of chunk documents rather than SSE; reasoning is
// flagged per part and function calls arrive whole, never fragmented.
func GeminiDialect() Dialect {
	return Dialect{
		Name:    "gemini",
		Framing: FramingJSON,
		Decode:  decodeGeminiChunk,
	}
}

func decodeGeminiChunk(payload []byte) ([]part, error) {
	var chunk geminiChunk
	if err := json.Unmarshal(payload, &chunk); err != nil {
		return nil, fmt.Errorf("decoding chunk: %w", err)
	}
	if chunk.Error != nil {
		return nil, fmt.Errorf("upstream error in stream: %s (%s)", chunk.Error.Message, chunk.Error.Status)
	}

	var parts []part
	for _, candidate := range chunk.Candidates {
		for _, p := range candidate.Content.Parts {
			switch {
			case p.FunctionCall != nil:
				// Arguments arrive complete, so the call opens and closes
				// within one chunk. Each occurrence gets a fresh key;
				// true duplicates are caught by emission dedup, not keys.
				key := "call:" + uuid.New().String()
				args, err := json.Marshal(p.FunctionCall.Args)
				if err != nil {
					return nil, fmt.Errorf("re-encoding function call args: %w", err)
				}
				parts = append(parts,
					part{kind: partToolStart, callKey: key, callID: p.FunctionCall.ID, callName: p.FunctionCall.Name},
					part{kind: partToolArgs, callKey: key, text: string(args)},
					part{kind: partToolDone, callKey: key},
				)
			case p.Thought:
				if p.Text != "" {
					parts = append(parts, part{kind: partThinking, text: p.Text})
				}
			case p.Text != "":
				parts = append(parts, part{kind: partText, text: p.Text})
			}
		}

		if candidate.FinishReason != "" {
			parts = append(parts, part{kind: partFinish, finish: candidate.FinishReason})
		}
	}

	if chunk.UsageMetadata != nil {
		parts = append(parts, part{kind: partUsage, usage: &UsageEvent{
			PromptTokens:     chunk.UsageMetadata.PromptTokenCount,
			CompletionTokens: chunk.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      chunk.UsageMetadata.TotalTokenCount,
		}})
	}
	return parts, nil
}

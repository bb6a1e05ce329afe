package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/florianilch/polybridge/internal/orchestrator"
	"github.com/florianilch/polybridge/internal/stream"
)

// chatRequest is the editor-facing chat call. Payload is the provider-shaped
// request body, passed through untouched; the bridge only routes it and
// normalizes the response.
type chatRequest struct {
	Provider string          `json:"provider"`
	Model    string          `json:"model"`
	Payload  json.RawMessage `json:"payload"`
	Stream   *bool           `json:"stream,omitempty"`
}

// chatEvent is the wire form of one normalized stream event.
type chatEvent struct {
	Type  string         `json:"type"`
	Delta string         `json:"delta,omitempty"`
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Args  map[string]any `json:"args,omitempty"`
	Usage *usagePayload  `json:"usage,omitempty"`
}

type usagePayload struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// chatResponse is the buffered form for non-streaming calls.
type chatResponse struct {
	Events       []chatEvent   `json:"events"`
	FinishReason string        `json:"finish_reason,omitempty"`
	Usage        *usagePayload `json:"usage,omitempty"`
}

// ChatHandler serves POST /v1/chat.
type ChatHandler struct {
	Orchestrator *orchestrator.Orchestrator
}

// Compile-time check that ChatHandler implements http.Handler
var _ http.Handler = (*ChatHandler)(nil)

// ServeHTTP decodes the request and dispatches to the streaming or buffered
// path.
func (h *ChatHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			slog.WarnContext(ctx, "request exceeds size limit", "limit_bytes", maxBytesErr.Limit)
			writeJSON(ctx, w, errorResponse{Error: errorBody{
				Message: http.StatusText(http.StatusRequestEntityTooLarge),
				Kind:    "invalid_request",
			}}, http.StatusRequestEntityTooLarge)
			return
		}
		slog.ErrorContext(ctx, "failed to decode request", "error", err)
		writeJSON(ctx, w, errorResponse{Error: errorBody{
			Message: http.StatusText(http.StatusBadRequest),
			Kind:    "invalid_request",
		}}, http.StatusBadRequest)
		return
	}
	if req.Provider == "" || len(req.Payload) == 0 {
		writeJSON(ctx, w, errorResponse{Error: errorBody{
			Message: "provider and payload are required",
			Kind:    "invalid_request",
		}}, http.StatusBadRequest)
		return
	}

	if req.Stream == nil || *req.Stream {
		h.streamResponse(ctx, w, req)
	} else {
		h.writeResponse(ctx, w, req)
	}
}

// streamResponse relays normalized events as SSE while the upstream stream
// is in flight.
func (h *ChatHandler) streamResponse(ctx context.Context, w http.ResponseWriter, req chatRequest) {
	if ctx.Err() != nil {
		return
	}
	sse, err := NewSSEWriter(w)
	if err != nil {
		slog.ErrorContext(ctx, "SSE not supported", "error", err)
		writeError(ctx, w, err)
		return
	}

	execReq := orchestrator.Request{Provider: req.Provider, Model: req.Model, Payload: req.Payload}
	_, err = h.Orchestrator.Execute(ctx, execReq, func(e stream.Event) error {
		return sse.WriteData(toChatEvent(e))
	})
	if err != nil {
		if ctx.Err() != nil {
			slog.DebugContext(ctx, "client disconnected during stream")
			return
		}
		slog.ErrorContext(ctx, "chat request failed", "error", err)

		// Headers are already out; the error travels as a terminal event.
		kind, _ := classifyStatus(err)
		if writeErr := sse.WriteEvent("error"); writeErr != nil {
			slog.ErrorContext(ctx, "failed to write error event type", "error", writeErr)
			return
		}
		if writeErr := sse.WriteData(errorResponse{Error: errorBody{Message: err.Error(), Kind: kind}}); writeErr != nil {
			slog.ErrorContext(ctx, "failed to write error event", "error", writeErr)
		}
		return
	}

	if err := sse.WriteRaw("[DONE]"); err != nil {
		slog.ErrorContext(ctx, "failed to write stream termination marker", "error", err)
	}
}

// writeResponse buffers the whole normalized stream into one JSON response.
func (h *ChatHandler) writeResponse(ctx context.Context, w http.ResponseWriter, req chatRequest) {
	if ctx.Err() != nil {
		return
	}

	var events []chatEvent
	execReq := orchestrator.Request{Provider: req.Provider, Model: req.Model, Payload: req.Payload}
	result, err := h.Orchestrator.Execute(ctx, execReq, func(e stream.Event) error {
		events = append(events, toChatEvent(e))
		return nil
	})
	if err != nil {
		slog.ErrorContext(ctx, "chat request failed", "error", err)
		writeError(ctx, w, err)
		return
	}

	resp := chatResponse{
		Events:       events,
		FinishReason: result.FinishReason,
	}
	if result.Usage != (stream.UsageEvent{}) {
		resp.Usage = &usagePayload{
			PromptTokens:     result.Usage.PromptTokens,
			CompletionTokens: result.Usage.CompletionTokens,
			TotalTokens:      result.Usage.TotalTokens,
		}
	}
	writeJSON(ctx, w, resp, http.StatusOK)
}

// toChatEvent maps a normalized event to its wire form.
func toChatEvent(e stream.Event) chatEvent {
	switch ev := e.(type) {
	case stream.TextEvent:
		return chatEvent{Type: "text", Delta: ev.Delta}
	case stream.ThinkingEvent:
		return chatEvent{Type: "thinking", ID: ev.ID, Delta: ev.Delta}
	case stream.ToolCallStartEvent:
		return chatEvent{Type: "tool_call_start", ID: ev.ID, Name: ev.Name}
	case stream.ToolCallEvent:
		return chatEvent{Type: "tool_call", ID: ev.ID, Name: ev.Name, Args: ev.Args}
	case stream.UsageEvent:
		return chatEvent{Type: "usage", Usage: &usagePayload{
			PromptTokens:     ev.PromptTokens,
			CompletionTokens: ev.CompletionTokens,
			TotalTokens:      ev.TotalTokens,
		}}
	default:
		return chatEvent{Type: "unknown"}
	}
}

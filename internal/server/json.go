package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/florianilch/polybridge/internal/orchestrator"
)

// errorResponse is the error envelope returned to the editor client.
type errorResponse struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Message string `json:"message"`
	Kind    string `json:"kind"`
}

// writeJSON writes a JSON response with the given status code.
// Headers and status go out before encoding; an encoding failure can only
// truncate the body, which is logged.
func writeJSON(ctx context.Context, w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.ErrorContext(ctx, "failed to encode JSON response", "error", err)
	}
}

// writeError maps a failure to the editor-facing error envelope and the
// matching HTTP status.
func writeError(ctx context.Context, w http.ResponseWriter, err error) {
	kind, status := classifyStatus(err)
	writeJSON(ctx, w, errorResponse{Error: errorBody{Message: err.Error(), Kind: kind}}, status)
}

// classifyStatus translates the orchestrator failure taxonomy into HTTP
// status codes for the local API.
func classifyStatus(err error) (kind string, status int) {
	if errors.Is(err, orchestrator.ErrNoAccounts) {
		return "no_accounts", http.StatusServiceUnavailable
	}

	var classified *orchestrator.Error
	if !errors.As(err, &classified) {
		if errors.Is(err, context.Canceled) {
			return "cancelled", 499
		}
		return "internal", http.StatusInternalServerError
	}

	switch classified.Kind {
	case orchestrator.KindQuota, orchestrator.KindExhausted:
		return classified.Kind.String(), http.StatusTooManyRequests
	case orchestrator.KindAuth:
		return classified.Kind.String(), http.StatusUnauthorized
	case orchestrator.KindInvalidRequest:
		return classified.Kind.String(), http.StatusBadRequest
	case orchestrator.KindNoAccounts:
		return classified.Kind.String(), http.StatusServiceUnavailable
	case orchestrator.KindTransientServer, orchestrator.KindMalformedUpstream:
		return classified.Kind.String(), http.StatusBadGateway
	default:
		return classified.Kind.String(), http.StatusInternalServerError
	}
}

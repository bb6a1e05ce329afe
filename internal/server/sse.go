package server

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// SSEWriter writes server-sent events with immediate flushing, so each event
// reaches the editor as soon as it is produced.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSEWriter prepares w for SSE output. Returns an error when the
// underlying writer cannot flush incrementally.
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &SSEWriter{w: w, flusher: flusher}, nil
}

// WriteEvent writes an event type line. The next WriteData completes the event.
func (s *SSEWriter) WriteEvent(event string) error {
	if _, err := fmt.Fprintf(s.w, "event: %s\n", event); err != nil {
		return err
	}
	return nil
}

// WriteData writes one data event from the JSON encoding of v and flushes.
func (s *SSEWriter) WriteData(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// WriteRaw writes a raw data payload (e.g. the [DONE] sentinel) and flushes.
func (s *SSEWriter) WriteRaw(payload string) error {
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

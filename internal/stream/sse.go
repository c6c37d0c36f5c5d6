package stream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
)

// SSEWriter frames events as server-sent events:
//
//	id: <n>
//	event: <event_type>
//	data: <json>
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSEWriter prepares w for streaming. The ResponseWriter must support flushing.
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("stream: response writer does not support flushing")
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &SSEWriter{w: w, flusher: flusher}, nil
}

// WriteFrame writes one frame and flushes it to the client.
func (s *SSEWriter) WriteFrame(ctx context.Context, f Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "id: %d\n", f.ID)
	if f.Event != "" {
		fmt.Fprintf(&buf, "event: %s\n", f.Event)
	}
	lines := bytes.Split(f.Data, []byte("\n"))
	for _, line := range lines {
		buf.WriteString("data: ")
		buf.Write(line)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')

	if _, err := s.w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write sse frame: %w", err)
	}
	s.flusher.Flush()
	return nil
}

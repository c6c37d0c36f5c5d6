package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/coder/websocket"
)

// wsMessage is the JSON text frame sent to WebSocket clients.
type wsMessage struct {
	ID    int64           `json:"id"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// WSWriter frames events as JSON text messages on a WebSocket.
type WSWriter struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

// NewWSWriter wraps conn. A zero writeTimeout defaults to 10s.
func NewWSWriter(conn *websocket.Conn, writeTimeout time.Duration) *WSWriter {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &WSWriter{conn: conn, writeTimeout: writeTimeout}
}

// WriteFrame sends one frame, bounded by the write timeout.
func (w *WSWriter) WriteFrame(ctx context.Context, f Frame) error {
	data, err := json.Marshal(wsMessage{ID: f.ID, Event: f.Event, Data: f.Data})
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, w.writeTimeout)
	defer cancel()
	return w.conn.Write(writeCtx, websocket.MessageText, data)
}

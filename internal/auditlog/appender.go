package auditlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// ErrAppenderClosed is returned by Append after Close.
var ErrAppenderClosed = errors.New("auditlog: appender is closed")

// Appender writes one JSON object per line to an append-only file.
// Each record is written with a single write call so readers never observe a
// torn line from this process.
type Appender struct {
	mu     sync.Mutex
	file   *os.File
	path   string
	closed bool
}

// NewAppender opens (creating if needed) path for appending.
func NewAppender(path string) (*Appender, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating log directory %s: %w", dir, err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("opening log %s: %w", path, err)
	}

	slog.Debug("audit appender opened", "path", path)
	return &Appender{file: f, path: path}, nil
}

// Append marshals v and writes it as a single line.
func (a *Appender) Append(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling log entry: %w", err)
	}
	data = append(data, '\n')

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrAppenderClosed
	}
	if _, err := a.file.Write(data); err != nil {
		return fmt.Errorf("writing log entry: %w", err)
	}
	return nil
}

// Path returns the file being appended to.
func (a *Appender) Path() string {
	return a.path
}

// Close flushes and closes the file. Calling Close twice is a no-op.
func (a *Appender) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}
	a.closed = true
	return a.file.Close()
}

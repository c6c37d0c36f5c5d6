// Package reveal records when a client asks to see unredacted content.
package reveal

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tjfontaine/audit-timeline/internal/auditlog"
)

// DefaultActor is recorded when a request names no actor.
const DefaultActor = "ui-client"

// ErrMissingField is returned when a request lacks run_id, exchange_id or field.
var ErrMissingField = errors.New("missing required field")

// Request asks to reveal one field of one exchange.
type Request struct {
	RunID      string `json:"run_id"`
	ExchangeID string `json:"exchange_id"`
	Field      string `json:"field"`
	Actor      string `json:"actor"`
	Reason     string `json:"reason,omitempty"`
}

// Entry is one line of the reveal log.
type Entry struct {
	Timestamp  time.Time `json:"timestamp"`
	RunID      string    `json:"run_id"`
	ExchangeID string    `json:"exchange_id"`
	Field      string    `json:"field"`
	Actor      string    `json:"actor"`
	Reason     string    `json:"reason,omitempty"`
}

// Logger appends reveal entries to their own JSONL log.
type Logger struct {
	log *auditlog.Appender
	now func() time.Time
}

// NewLogger creates a Logger writing through log.
func NewLogger(log *auditlog.Appender) *Logger {
	return &Logger{log: log, now: time.Now}
}

// Record validates req and appends its entry.
func (l *Logger) Record(req Request) (Entry, error) {
	required := []struct{ name, value string }{
		{"run_id", req.RunID},
		{"exchange_id", req.ExchangeID},
		{"field", req.Field},
	}
	for _, f := range required {
		if strings.TrimSpace(f.value) == "" {
			return Entry{}, fmt.Errorf("%w: %s", ErrMissingField, f.name)
		}
	}
	actor := strings.TrimSpace(req.Actor)
	if actor == "" {
		actor = DefaultActor
	}

	entry := Entry{
		Timestamp:  l.now().UTC(),
		RunID:      req.RunID,
		ExchangeID: req.ExchangeID,
		Field:      req.Field,
		Actor:      actor,
		Reason:     req.Reason,
	}
	if err := l.log.Append(entry); err != nil {
		return Entry{}, fmt.Errorf("appending reveal entry: %w", err)
	}
	return entry, nil
}

// Close closes the underlying log.
func (l *Logger) Close() error {
	return l.log.Close()
}

package timeline

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/tjfontaine/audit-timeline/internal/auditlog"
	"github.com/tjfontaine/audit-timeline/internal/core/ports"
	"github.com/tjfontaine/audit-timeline/internal/domain"
)

// Reader composes the RunIndex and Normalizer over one audit log file.
type Reader struct {
	path       string
	index      *RunIndex
	normalizer *Normalizer
	logger     *slog.Logger
	now        func() time.Time
}

// ReaderOption configures a Reader.
type ReaderOption func(*Reader)

// WithLogger sets the logger used for skipped lines.
func WithLogger(logger *slog.Logger) ReaderOption {
	return func(r *Reader) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithNormalizer overrides the default rule set.
func WithNormalizer(n *Normalizer) ReaderOption {
	return func(r *Reader) {
		r.normalizer = n
	}
}

// WithClock overrides the clock used for records without a usable timestamp.
func WithClock(now func() time.Time) ReaderOption {
	return func(r *Reader) {
		r.now = now
	}
}

// NewReader creates a Reader over path whose run metadata lives in store.
func NewReader(path string, store ports.RunMetadataStore, opts ...ReaderOption) *Reader {
	r := &Reader{
		path:       path,
		index:      NewRunIndex(store),
		normalizer: NewNormalizer(),
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Path returns the audit log path.
func (r *Reader) Path() string {
	return r.path
}

// Index returns the run index shared by every cursor of this reader.
func (r *Reader) Index() *RunIndex {
	return r.index
}

// Convert turns one record into events. The returned turn is the index actually
// used, so callers continue their fallback counter from turn+1.
func (r *Reader) Convert(rec Record, fallbackTurn int) (runID string, turn int, events []domain.TimelineEvent) {
	runID = ResolveRunID(rec)
	ts := ParseTimestamp(rec.Text("timestamp"), r.now)
	turn = rec.TurnIndex(fallbackTurn)

	exchangeID := rec.FirstText("exchange_id", "question_id")
	if exchangeID == "" {
		exchangeID = fmt.Sprintf("%s-turn-%d", runID, fallbackTurn)
	}

	events = r.normalizer.Normalize(Input{
		Run:        r.index.ResolveMetadata(runID, rec, ts),
		ExchangeID: exchangeID,
		TurnIndex:  turn,
		Record:     rec,
		CreatedAt:  ts,
	})
	return runID, turn, events
}

// Position is a resumable read position: a byte offset plus the fallback turn
// index the next record without an explicit turn_index receives.
type Position struct {
	Offset   int64
	NextTurn int
}

// ReadAll yields every event for runID, re-scanning the log from the start on
// each iteration.
func (r *Reader) ReadAll(ctx context.Context, runID string) iter.Seq2[domain.TimelineEvent, error] {
	return r.ReadFrom(ctx, Position{}, runID)
}

// ReadFrom yields events for runID from lines starting at pos. An empty runID
// matches every run. Iteration stops at the first incomplete line.
func (r *Reader) ReadFrom(ctx context.Context, pos Position, runID string) iter.Seq2[domain.TimelineEvent, error] {
	return func(yield func(domain.TimelineEvent, error) bool) {
		cur, err := r.OpenCursor(pos, runID)
		if err != nil {
			yield(domain.TimelineEvent{}, err)
			return
		}
		defer cur.Close()

		for {
			if err := ctx.Err(); err != nil {
				yield(domain.TimelineEvent{}, err)
				return
			}
			events, ok, err := cur.Next()
			if err != nil {
				yield(domain.TimelineEvent{}, err)
				return
			}
			if !ok {
				return
			}
			for _, ev := range events {
				if !yield(ev, nil) {
					return
				}
			}
		}
	}
}

// Collect drains the log for runID from pos, stopping after limit events when
// limit > 0. The returned Position resumes after the last line consumed.
func (r *Reader) Collect(ctx context.Context, pos Position, runID string, limit int) ([]domain.TimelineEvent, Position, error) {
	cur, err := r.OpenCursor(pos, runID)
	if err != nil {
		return nil, pos, err
	}
	defer cur.Close()

	var events []domain.TimelineEvent
	for {
		if err := ctx.Err(); err != nil {
			return events, cur.Position(), err
		}
		batch, ok, err := cur.Next()
		if err != nil {
			return events, cur.Position(), err
		}
		if !ok {
			return events, cur.Position(), nil
		}
		events = append(events, batch...)
		if limit > 0 && len(events) >= limit {
			return events[:limit], cur.Position(), nil
		}
	}
}

// ListRuns scans the whole log and returns run metadata in discovery order.
// Runs already cached keep their cached value.
func (r *Reader) ListRuns(ctx context.Context) ([]domain.RunMetadata, error) {
	log, err := auditlog.Open(r.path, 0)
	if err != nil {
		return nil, err
	}
	defer log.Close()

	seen := make(map[string]struct{})
	var runs []domain.RunMetadata
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line, ok, err := log.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return runs, nil
		}
		rec, err := ParseRecord(line.Data)
		if err != nil {
			r.skipLine(line, err)
			continue
		}
		runID := ResolveRunID(rec)
		if _, dup := seen[runID]; dup {
			continue
		}
		seen[runID] = struct{}{}
		ts := ParseTimestamp(rec.Text("timestamp"), r.now)
		runs = append(runs, r.index.ResolveMetadata(runID, rec, ts))
	}
}

func (r *Reader) skipLine(line auditlog.Line, err error) {
	r.logger.Warn("skipping malformed audit line",
		slog.String("path", r.path),
		slog.Int64("offset", line.Offset),
		slog.String("error", err.Error()),
	)
}

// Cursor converts lines one at a time from a byte offset, filtered to one run.
// It owns an open file handle until Close.
type Cursor struct {
	reader   *Reader
	log      *auditlog.Reader
	runID    string
	nextTurn int
}

// OpenCursor opens a cursor at pos. An empty runID matches every run.
func (r *Reader) OpenCursor(pos Position, runID string) (*Cursor, error) {
	log, err := auditlog.Open(r.path, pos.Offset)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &Cursor{reader: r, log: log, runID: runID, nextTurn: pos.NextTurn}, nil
}

// Next consumes at most one complete line. ok is false when none is available,
// in which case the offset is unchanged. A consumed line that is malformed or
// belongs to another run yields ok with no events.
func (c *Cursor) Next() (events []domain.TimelineEvent, ok bool, err error) {
	line, ok, err := c.log.Next()
	if err != nil || !ok {
		return nil, false, err
	}

	rec, err := ParseRecord(line.Data)
	if err != nil {
		c.reader.skipLine(line, err)
		return nil, true, nil
	}
	if c.runID != "" && ResolveRunID(rec) != c.runID {
		return nil, true, nil
	}

	_, turn, events := c.reader.Convert(rec, c.nextTurn)
	c.nextTurn = turn + 1
	return events, true, nil
}

// Offset is the byte offset of the next unread line.
func (c *Cursor) Offset() int64 {
	return c.log.Offset()
}

// Position returns the resumable position after the last consumed line.
func (c *Cursor) Position() Position {
	return Position{Offset: c.log.Offset(), NextTurn: c.nextTurn}
}

// Close releases the file handle.
func (c *Cursor) Close() error {
	return c.log.Close()
}

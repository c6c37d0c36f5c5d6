// Package stream delivers a run's timeline to live observers.
//
// Each connection runs its own state machine:
//
//	REPLAY -> TAIL <-> HEARTBEAT -> CLOSED
//
// REPLAY drains the run's history, TAIL polls the log from a saved byte offset,
// and HEARTBEAT emits a keep-alive after a quiet period. Connections share no
// state beyond the run metadata cache inside the timeline reader.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tjfontaine/audit-timeline/internal/auditlog"
	"github.com/tjfontaine/audit-timeline/internal/domain"
	"github.com/tjfontaine/audit-timeline/internal/timeline"
)

// HeartbeatEvent is the frame name of keep-alives.
const HeartbeatEvent = "heartbeat"

// State is a connection's position in the delivery state machine.
type State int

const (
	StateReplay State = iota
	StateTail
	StateHeartbeat
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateReplay:
		return "replay"
	case StateTail:
		return "tail"
	case StateHeartbeat:
		return "heartbeat"
	default:
		return "closed"
	}
}

// Frame is one unit delivered to a client. ID increases by one per frame on a
// connection, heartbeats included.
type Frame struct {
	ID    int64
	Event string
	Data  json.RawMessage
}

// FrameWriter delivers frames over a transport.
type FrameWriter interface {
	WriteFrame(ctx context.Context, f Frame) error
}

var (
	// ErrInvalidPollInterval is returned when a requested poll interval is outside the configured bounds.
	ErrInvalidPollInterval = errors.New("stream: poll interval out of range")
	ErrRunIDRequired       = errors.New("stream: run id is required")
)

// Config bounds the poll interval and heartbeat cadence.
type Config struct {
	DefaultPoll    time.Duration
	MinPoll        time.Duration
	MaxPoll        time.Duration
	HeartbeatFloor time.Duration
	// HeartbeatFactor multiplies the poll interval to get the idle period before a heartbeat.
	HeartbeatFactor int
	// Watch enables filesystem notifications as an early wake-up while tailing.
	Watch  bool
	Logger *slog.Logger
}

// DefaultConfig returns the standard bounds: poll 0.5s within [0.1s, 5s], heartbeat after max(1s, 6 x poll).
func DefaultConfig() Config {
	return Config{
		DefaultPoll:     500 * time.Millisecond,
		MinPoll:         100 * time.Millisecond,
		MaxPoll:         5 * time.Second,
		HeartbeatFloor:  time.Second,
		HeartbeatFactor: 6,
	}
}

// Options are the per-connection parameters.
type Options struct {
	RunID        string
	Replay       bool
	PollInterval time.Duration
}

// Streamer runs delivery state machines against one timeline reader.
type Streamer struct {
	reader *timeline.Reader
	cfg    Config
	logger *slog.Logger
}

// NewStreamer creates a Streamer. Zero-valued Config fields take their defaults.
func NewStreamer(reader *timeline.Reader, cfg Config) *Streamer {
	def := DefaultConfig()
	if cfg.DefaultPoll <= 0 {
		cfg.DefaultPoll = def.DefaultPoll
	}
	if cfg.MinPoll <= 0 {
		cfg.MinPoll = def.MinPoll
	}
	if cfg.MaxPoll <= 0 {
		cfg.MaxPoll = def.MaxPoll
	}
	if cfg.HeartbeatFloor <= 0 {
		cfg.HeartbeatFloor = def.HeartbeatFloor
	}
	if cfg.HeartbeatFactor <= 0 {
		cfg.HeartbeatFactor = def.HeartbeatFactor
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Streamer{reader: reader, cfg: cfg, logger: logger}
}

// PollInterval validates a requested interval, substituting the default for zero.
func (s *Streamer) PollInterval(requested time.Duration) (time.Duration, error) {
	if requested == 0 {
		return s.cfg.DefaultPoll, nil
	}
	if requested < s.cfg.MinPoll || requested > s.cfg.MaxPoll {
		return 0, fmt.Errorf("%w: %s not within [%s, %s]", ErrInvalidPollInterval, requested, s.cfg.MinPoll, s.cfg.MaxPoll)
	}
	return requested, nil
}

// HeartbeatInterval is the idle period after which a keep-alive is sent.
func (s *Streamer) HeartbeatInterval(poll time.Duration) time.Duration {
	return max(s.cfg.HeartbeatFloor, poll*time.Duration(s.cfg.HeartbeatFactor))
}

// Stream runs one connection until ctx is cancelled or the writer fails.
// Cancellation is a normal end and returns nil.
func (s *Streamer) Stream(ctx context.Context, w FrameWriter, opts Options) error {
	if opts.RunID == "" {
		return ErrRunIDRequired
	}
	poll, err := s.PollInterval(opts.PollInterval)
	if err != nil {
		return err
	}

	sess := &session{
		streamer:  s,
		writer:    w,
		opts:      opts,
		poll:      poll,
		heartbeat: s.HeartbeatInterval(poll),
		logger:    s.logger.With(slog.String("run_id", opts.RunID)),
	}
	defer sess.close()

	state := StateTail
	if opts.Replay {
		state = StateReplay
	}
	sess.logger.Info("stream opened",
		slog.Bool("replay", opts.Replay),
		slog.Duration("poll_interval", poll),
	)

	for state != StateClosed {
		if ctx.Err() != nil {
			break
		}
		switch state {
		case StateReplay:
			state, err = sess.replay(ctx)
		case StateTail:
			state, err = sess.tail(ctx)
		case StateHeartbeat:
			state, err = sess.beat(ctx)
		}
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			sess.logger.Warn("stream aborted", slog.String("error", err.Error()))
			return err
		}
	}

	sess.logger.Info("stream closed", slog.Int64("frames", sess.seq))
	return nil
}

type session struct {
	streamer  *Streamer
	writer    FrameWriter
	opts      Options
	poll      time.Duration
	heartbeat time.Duration
	logger    *slog.Logger

	cursor    *timeline.Cursor
	wake      *waker
	timer     *time.Timer
	seq       int64
	lastFrame time.Time
}

func (s *session) replay(ctx context.Context) (State, error) {
	cur, err := s.streamer.reader.OpenCursor(timeline.Position{}, s.opts.RunID)
	if err != nil {
		return StateClosed, err
	}
	s.cursor = cur

	for {
		if ctx.Err() != nil {
			return StateClosed, nil
		}
		events, ok, err := cur.Next()
		if err != nil {
			return StateClosed, err
		}
		if !ok {
			break
		}
		if err := s.emitEvents(ctx, events); err != nil {
			return StateClosed, err
		}
	}

	s.logger.Debug("replay complete",
		slog.Int64("frames", s.seq),
		slog.Int64("tail_offset", cur.Position().Offset),
	)
	return StateTail, nil
}

func (s *session) openTail() error {
	offset, err := auditlog.EndOffset(s.streamer.reader.Path())
	if err != nil {
		return err
	}
	cur, err := s.streamer.reader.OpenCursor(timeline.Position{Offset: offset}, s.opts.RunID)
	if err != nil {
		return err
	}
	s.cursor = cur
	return nil
}

func (s *session) tail(ctx context.Context) (State, error) {
	if s.cursor == nil {
		if err := s.openTail(); err != nil {
			return StateClosed, err
		}
	}
	if s.lastFrame.IsZero() {
		s.lastFrame = time.Now()
	}
	if s.wake == nil && s.streamer.cfg.Watch {
		w, err := newWaker(s.streamer.reader.Path())
		if err != nil {
			s.logger.Warn("file watch unavailable, polling only", slog.String("error", err.Error()))
		}
		s.wake = w
	}

	events, ok, err := s.cursor.Next()
	if err != nil {
		return StateClosed, err
	}
	if ok {
		return StateTail, s.emitEvents(ctx, events)
	}

	if s.timer == nil {
		s.timer = time.NewTimer(s.poll)
	} else {
		s.timer.Reset(s.poll)
	}

	select {
	case <-ctx.Done():
		return StateClosed, nil
	case <-s.timer.C:
	case <-s.wake.C():
		s.timer.Stop()
	}

	if time.Since(s.lastFrame) >= s.heartbeat {
		return StateHeartbeat, nil
	}
	return StateTail, nil
}

func (s *session) beat(ctx context.Context) (State, error) {
	if err := s.emit(ctx, HeartbeatEvent, json.RawMessage("{}")); err != nil {
		return StateClosed, err
	}
	return StateTail, nil
}

func (s *session) emitEvents(ctx context.Context, events []domain.TimelineEvent) error {
	for _, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("failed to encode event: %w", err)
		}
		if err := s.emit(ctx, string(ev.Type()), data); err != nil {
			return err
		}
	}
	return nil
}

func (s *session) emit(ctx context.Context, event string, data json.RawMessage) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	s.seq++
	s.lastFrame = time.Now()
	return s.writer.WriteFrame(ctx, Frame{ID: s.seq, Event: event, Data: data})
}

func (s *session) close() {
	if s.timer != nil {
		s.timer.Stop()
	}
	if s.wake != nil {
		s.wake.Close()
	}
	if s.cursor != nil {
		if err := s.cursor.Close(); err != nil {
			s.logger.Warn("failed to close audit log", slog.String("error", err.Error()))
		}
	}
}

package cmd

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tjfontaine/audit-timeline/internal/runtime"
	"github.com/tjfontaine/audit-timeline/internal/storage/memory"
	"github.com/tjfontaine/audit-timeline/internal/stream"
)

var tailCmd = &cobra.Command{
	Use:   "tail <run_id>",
	Short: "Follow a run's timeline",
	Long: `Tail replays a run's events and then follows the audit log, printing
each frame as a JSON line until interrupted.`,
	Args: cobra.ExactArgs(1),
	RunE: runTail,
}

func init() {
	tailCmd.Flags().Bool("replay", true, "print existing events before following")
	tailCmd.Flags().Duration("poll", 0, "poll interval (default from config)")
	tailCmd.Flags().Bool("heartbeats", false, "print heartbeat frames")
	rootCmd.AddCommand(tailCmd)
}

// lineWriter prints frames as JSON lines.
type lineWriter struct {
	enc        *json.Encoder
	heartbeats bool
}

func newLineWriter(w io.Writer, heartbeats bool) *lineWriter {
	return &lineWriter{enc: json.NewEncoder(w), heartbeats: heartbeats}
}

func (l *lineWriter) WriteFrame(ctx context.Context, f stream.Frame) error {
	if f.Event == stream.HeartbeatEvent && !l.heartbeats {
		return nil
	}
	return l.enc.Encode(struct {
		ID    int64           `json:"id"`
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}{f.ID, f.Event, f.Data})
}

func runTail(cmd *cobra.Command, args []string) error {
	replay, _ := cmd.Flags().GetBool("replay")
	poll, _ := cmd.Flags().GetDuration("poll")
	heartbeats, _ := cmd.Flags().GetBool("heartbeats")

	reader, err := runtime.OpenReader(Cfg, memory.New(), logger)
	if err != nil {
		return err
	}
	streamer := runtime.NewStreamer(Cfg, reader, logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return streamer.Stream(ctx, newLineWriter(cmd.OutOrStdout(), heartbeats), stream.Options{
		RunID:        args[0],
		Replay:       replay,
		PollInterval: poll,
	})
}

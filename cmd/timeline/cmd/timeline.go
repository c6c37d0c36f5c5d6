package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tjfontaine/audit-timeline/internal/runtime"
	"github.com/tjfontaine/audit-timeline/internal/storage/memory"
	"github.com/tjfontaine/audit-timeline/internal/timeline"
)

var timelineCmd = &cobra.Command{
	Use:   "timeline <run_id>",
	Short: "Print a run's timeline",
	Long:  `Timeline prints the run's events as JSON lines in log order.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runTimeline,
}

func init() {
	timelineCmd.Flags().Int("limit", 0, "maximum events to print (0 for all)")
	rootCmd.AddCommand(timelineCmd)
}

func runTimeline(cmd *cobra.Command, args []string) error {
	runID := args[0]
	limit, _ := cmd.Flags().GetInt("limit")
	if limit < 0 {
		return fmt.Errorf("limit must not be negative")
	}

	reader, err := runtime.OpenReader(Cfg, memory.New(), logger)
	if err != nil {
		return err
	}
	events, _, err := reader.Collect(cmd.Context(), timeline.Position{}, runID, limit)
	if err != nil {
		return fmt.Errorf("reading timeline: %w", err)
	}
	if len(events) == 0 {
		return fmt.Errorf("no timeline events for run '%s'", runID)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			return err
		}
	}
	return nil
}

package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tjfontaine/audit-timeline/internal/runtime"
	"github.com/tjfontaine/audit-timeline/internal/storage/memory"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List runs in the audit log",
	Long:  `Runs prints one JSON object per run, in the order each run first appears in the log.`,
	Args:  cobra.NoArgs,
	RunE:  runRuns,
}

func init() {
	runsCmd.Flags().Int("limit", 20, "maximum runs to print (0 for all)")
	runsCmd.Flags().Int("offset", 0, "runs to skip")
	rootCmd.AddCommand(runsCmd)
}

func runRuns(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")
	offset, _ := cmd.Flags().GetInt("offset")
	if limit < 0 || offset < 0 {
		return fmt.Errorf("limit and offset must not be negative")
	}

	reader, err := runtime.OpenReader(Cfg, memory.New(), logger)
	if err != nil {
		return err
	}
	runs, err := reader.ListRuns(cmd.Context())
	if err != nil {
		return fmt.Errorf("listing runs: %w", err)
	}

	start := min(offset, len(runs))
	end := len(runs)
	if limit > 0 {
		end = min(start+limit, len(runs))
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	for _, run := range runs[start:end] {
		if err := enc.Encode(run); err != nil {
			return err
		}
	}
	return nil
}

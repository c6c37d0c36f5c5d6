package cmd

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/tjfontaine/audit-timeline/internal/pkg/config"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

// Global flag values.
var (
	cfgFile string
	verbose bool
)

// Cfg holds the loaded configuration, available to all subcommands.
var Cfg *config.Config

// logger is configured before any subcommand runs.
var logger = slog.Default()

// SetVersionInfo is called from main to inject build-time version info.
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	buildDate = d
	rootCmd.Version = v
	rootCmd.SetVersionTemplate(fmt.Sprintf("timeline version {{.Version}} (commit: %s, built: %s)\n", commit, buildDate))
}

var rootCmd = &cobra.Command{
	Use:   "timeline",
	Short: "Audit timeline engine",
	Long: `timeline turns an append-only JSONL audit log into per-run timelines.
It serves them over REST, server-sent events and WebSocket, and can list,
dump or tail runs from the command line.`,
	Version: version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// .env is optional.
		_ = godotenv.Load()

		// serve logs to stdout; the other commands keep stdout for data.
		var out io.Writer = cmd.ErrOrStderr()
		if cmd.Name() == "serve" {
			out = cmd.OutOrStdout()
		}
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		logger = slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level}))
		slog.SetDefault(logger)

		var err error
		Cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		return nil
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./"+config.DefaultPath+")")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

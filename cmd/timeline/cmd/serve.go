package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tjfontaine/audit-timeline/internal/runtime"
	"github.com/tjfontaine/audit-timeline/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the timeline API",
	Long: `Serve exposes runs and timelines over REST, streams them over SSE and
WebSocket, and accepts live console queries. It refuses to start when the
audit log does not exist.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	shutdownTracer, err := telemetry.InitTracer(telemetry.Options{
		ServiceName: runtime.ServiceName,
		Enabled:     Cfg.Telemetry.Enabled,
	}, logger)
	if err != nil {
		return fmt.Errorf("initializing tracer: %w", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	app, err := runtime.New(
		runtime.WithConfig(Cfg),
		runtime.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	if err := app.Start(ctx); err != nil {
		return err
	}

	// Wait for shutdown signal or a server failure.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var serveErr error
	select {
	case <-sigChan:
		logger.Info("shutdown signal received, stopping server")
	case serveErr = <-app.Done():
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := app.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", slog.String("error", err.Error()))
		return err
	}
	return serveErr
}

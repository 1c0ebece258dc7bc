// Package cli implements the vaultwatch command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/vietddude/vaultwatch/internal/control"
	"github.com/vietddude/vaultwatch/internal/core/config"
	"github.com/vietddude/vaultwatch/internal/core/logging"
)

var (
	cfgPath string
	isDebug bool

	// Set by PersistentPreRunE for every command.
	cfg       *config.AppConfig
	logCloser io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "vaultwatch",
	Short: "Lending protocol event indexer",
	Long: `vaultwatch follows a lending protocol's vault contracts block by block,
stores every decoded event and keeps the current state and history of each vault.`,
	SilenceUsage:       true,
	PersistentPreRunE:  setup,
	PersistentPostRunE: teardown,
	RunE:               runWatcher,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "config.yaml", "config file (default is config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&isDebug, "debug", false, "enable debug logging")
}

func setup(cmd *cobra.Command, args []string) error {
	_ = godotenv.Load()

	c, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	cfg = c
	logCloser = logging.Setup(cfg.Logging, isDebug)
	return nil
}

func teardown(cmd *cobra.Command, args []string) error {
	if logCloser != nil {
		return logCloser.Close()
	}
	return nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runWatcher(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	app, err := control.NewWatcher(ctx, cfg, slog.Default())
	if err != nil {
		slog.Error("Failed to initialize watcher", "error", err)
		return err
	}
	defer func() {
		if err := app.Close(); err != nil {
			slog.Warn("Error during shutdown", "error", err)
		}
	}()

	slog.Info("Watcher started", "config", cfgPath, "source", cfg.Chain.SourceID)

	err = app.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("Watcher stopped", "error", err)
		return err
	}
	slog.Info("Watcher stopped")
	return nil
}

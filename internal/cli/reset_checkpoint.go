package cli

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/vietddude/vaultwatch/internal/control"
	"github.com/vietddude/vaultwatch/internal/core/checkpoint"
)

var resetCheckpointCmd = &cobra.Command{
	Use:   "reset-checkpoint [block]",
	Short: "Move the checkpoint to a given block, forwards or backwards",
	Long: `Sets the last processed block. The indexer resumes at block+1.
Moving backwards is safe: replayed events are recognised as duplicates.
Stop the indexer before running this.`,
	Args: cobra.ExactArgs(1),
	RunE: runResetCheckpoint,
}

func init() {
	rootCmd.AddCommand(resetCheckpointCmd)
}

func runResetCheckpoint(cmd *cobra.Command, args []string) error {
	block, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid block: %w", err)
	}

	ctx := context.Background()
	stores, err := control.OpenStores(ctx, cfg, slog.Default())
	if err != nil {
		return err
	}
	defer func() {
		_ = stores.Close()
	}()

	if stores.Migrate != nil {
		if err := stores.Migrate(ctx); err != nil {
			return err
		}
	}

	cp, err := checkpoint.NewManager(stores.Checkpoints).Reset(ctx, cfg.Chain.SourceID, block)
	if err != nil {
		return err
	}
	slog.Info("Checkpoint reset", "source", cp.SourceID, "block", cp.LastProcessedBlock)
	return nil
}

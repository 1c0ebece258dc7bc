package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/vaultwatch/internal/control"
	"github.com/vietddude/vaultwatch/internal/core/checkpoint"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the checkpoint, chain head and dead-letter count",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stores, err := control.OpenStores(ctx, cfg, slog.Default())
	if err != nil {
		return err
	}
	defer func() {
		_ = stores.Close()
	}()

	sourceID := cfg.Chain.SourceID
	block, updated := "-", "-"
	cp, err := checkpoint.NewManager(stores.Checkpoints).Get(ctx, sourceID)
	switch {
	case err == nil:
		block = fmt.Sprint(cp.LastProcessedBlock)
		updated = cp.LastUpdated.Format(time.RFC3339)
	case errors.Is(err, checkpoint.ErrCheckpointNotFound):
	default:
		return err
	}

	head, lag := "-", "-"
	if client, err := control.NewChainClient(cfg, slog.Default()); err == nil {
		if latest, err := client.LatestBlock(ctx); err == nil {
			head = fmt.Sprint(latest)
			if block != "-" {
				lag = fmt.Sprint(int64(latest) - int64(cp.LastProcessedBlock))
			}
		} else {
			slog.Warn("Failed to fetch chain head", "error", err)
		}
	}

	database := "memory"
	if stores.DB != nil {
		database = "ok"
		if err := stores.DB.Health(ctx); err != nil {
			database = "unreachable"
			slog.Warn("Database health check failed", "error", err)
		}
	}

	pending := "-"
	if n, err := stores.FailedEvents.Count(ctx, sourceID); err == nil {
		pending = fmt.Sprint(n)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "SOURCE\tCHECKPOINT\tHEAD\tLAG\tDEAD LETTERS\tDATABASE\tUPDATED")
	_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", sourceID, block, head, lag, pending, database, updated)
	return w.Flush()
}

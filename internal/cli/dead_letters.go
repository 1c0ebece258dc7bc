package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/vaultwatch/internal/control"
	"github.com/vietddude/vaultwatch/internal/core/domain"
)

var deadLettersCmd = &cobra.Command{
	Use:     "dead-letters",
	Aliases: []string{"dlq"},
	Short:   "Inspect and replay events that could not be persisted",
}

var deadLettersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending dead-lettered events",
	Args:  cobra.NoArgs,
	RunE:  runDeadLettersList,
}

var deadLettersReplayCmd = &cobra.Command{
	Use:   "replay [id...]",
	Short: "Replay dead-lettered events now, or all pending ones without ids",
	RunE:  runDeadLettersReplay,
}

func init() {
	deadLettersCmd.AddCommand(deadLettersListCmd)
	deadLettersCmd.AddCommand(deadLettersReplayCmd)
	rootCmd.AddCommand(deadLettersCmd)
}

func runDeadLettersList(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stores, err := control.OpenStores(ctx, cfg, slog.Default())
	if err != nil {
		return err
	}
	defer func() {
		_ = stores.Close()
	}()

	pending, err := stores.FailedEvents.GetAll(ctx, cfg.Chain.SourceID)
	if err != nil {
		return err
	}
	printDeadLetters(pending)
	return nil
}

func runDeadLettersReplay(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	app, err := control.NewWatcher(ctx, cfg, slog.Default())
	if err != nil {
		return err
	}
	defer func() {
		_ = app.Close()
	}()

	ids := args
	if len(ids) == 0 {
		pending, err := app.DeadLetters(ctx)
		if err != nil {
			return err
		}
		for _, fe := range pending {
			ids = append(ids, fe.ID)
		}
	}

	for _, id := range ids {
		if err := app.ReplayDeadLetter(ctx, id); err != nil {
			return err
		}
	}

	remaining, err := app.DeadLetters(ctx)
	if err != nil {
		return err
	}
	slog.Info("Replay finished", "attempted", len(ids), "pending", len(remaining))
	printDeadLetters(remaining)
	return nil
}

func printDeadLetters(events []*domain.FailedEvent) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "ID\tBLOCK\tTX\tLOG\tRETRIES\tLAST ATTEMPT\tERROR")
	for _, fe := range events {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%s\t%d\t%d\t%s\t%s\n",
			fe.ID, fe.BlockNumber, fe.TxHash, fe.LogIndex, fe.RetryCount,
			fe.LastAttempt.Format(time.RFC3339), fe.Error)
	}
	_ = w.Flush()
}

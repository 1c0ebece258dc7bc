package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/spf13/cobra"

	"github.com/vietddude/vaultwatch/internal/control"
	"github.com/vietddude/vaultwatch/internal/indexing/decoder"
	"github.com/vietddude/vaultwatch/internal/indexing/extractor"
)

var inspectTxCmd = &cobra.Command{
	Use:   "inspect-tx [tx_hash]",
	Short: "Decode the protocol events of one transaction without storing them",
	Args:  cobra.ExactArgs(1),
	RunE:  runInspectTx,
}

var logsCmd = &cobra.Command{
	Use:   "logs [start-end]",
	Short: "Fetch and decode protocol events in a block range without storing them",
	Args:  cobra.ExactArgs(1),
	RunE:  runLogs,
}

func init() {
	rootCmd.AddCommand(inspectTxCmd)
	rootCmd.AddCommand(logsCmd)
}

func runInspectTx(cmd *cobra.Command, args []string) error {
	raw, err := hexutil.Decode(args[0])
	if err != nil || len(raw) != common.HashLength {
		return fmt.Errorf("invalid tx hash: %s", args[0])
	}
	hash := common.BytesToHash(raw)

	dec, err := control.NewDecoder(cfg)
	if err != nil {
		return err
	}
	client, err := control.NewChainClient(cfg, slog.Default())
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	receipt, err := client.Receipt(ctx, hash)
	if err != nil {
		return err
	}
	fmt.Printf("tx %s block %d status %d\n", receipt.TxHash.Hex(), receipt.BlockNumber, receipt.Status)
	return printEvents(os.Stdout, dec, receipt.Logs)
}

func runLogs(cmd *cobra.Command, args []string) error {
	r, err := extractor.ParseRange(args[0])
	if err != nil {
		return err
	}

	dec, err := control.NewDecoder(cfg)
	if err != nil {
		return err
	}
	client, err := control.NewChainClient(cfg, slog.Default())
	if err != nil {
		return err
	}
	ext := extractor.New(client, dec.Addresses(), dec.Topics(), cfg.Indexer.ChunkSize, cfg.Chain.SourceID, slog.Default())

	ctx, stop := signalContext()
	defer stop()

	logs, err := ext.Extract(ctx, r.Start, r.End)
	if err != nil {
		return err
	}
	slog.Info("Fetched logs", "range", r.String(), "count", len(logs))
	return printEvents(os.Stdout, dec, logs)
}

// printEvents writes one row per log in (block, log index) order. Logs of
// other contracts are left out.
func printEvents(out io.Writer, dec *decoder.Decoder, logs []types.Log) error {
	tracked := dec.Addresses()
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	_, _ = fmt.Fprintln(w, "BLOCK\tLOG\tKIND\tENTITY\tFIELDS")

	for _, lg := range logs {
		if !slices.Contains(tracked, lg.Address) {
			continue
		}
		ev, ok, err := dec.Decode(lg)
		switch {
		case err != nil:
			_, _ = fmt.Fprintf(w, "%d\t%d\tmalformed\t-\t%v\n", lg.BlockNumber, lg.Index, err)
		case !ok:
			_, _ = fmt.Fprintf(w, "%d\t%d\t%s\t-\t-\n", lg.BlockNumber, lg.Index, dec.Kind(lg))
		default:
			_, _ = fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\n", lg.BlockNumber, lg.Index, ev.Kind(), ev.EntityKey(), formatFields(ev.Payload()))
		}
	}
	return w.Flush()
}

func formatFields(payload map[string]string) string {
	keys := make([]string, 0, len(payload))
	for k := range payload {
		if k != "owner" {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + payload[k]
	}
	return strings.Join(parts, " ")
}

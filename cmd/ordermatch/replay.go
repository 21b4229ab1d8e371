package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/efreitasn/ordermatch/internal/config"
	"github.com/efreitasn/ordermatch/internal/domain"
	"github.com/efreitasn/ordermatch/internal/engine"
	"github.com/efreitasn/ordermatch/internal/logging"
	"github.com/efreitasn/ordermatch/internal/store"
)

// newReplayCmd rebuilds every instrument from the command journal and
// prints a summary of the resulting books. Replayed events go to an
// in-memory log, so the outbox is left untouched.
func newReplayCmd() *cobra.Command {
	var depth int
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Rebuild state from the command journal and print the books",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.DataDir == "" {
				return errors.New("replay needs DATA_DIR")
			}
			logger, err := logging.New(cfg.LogLevel)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			db, err := store.Open(cfg.DataDir)
			if err != nil {
				return err
			}
			defer db.Close()

			e := engine.New(cfg.Instruments, engine.Options{
				Journal: store.NewJournal(db),
				Trades:  store.NewTradeStore(0),
				Logger:  logger,
			})
			ctx, cancel := context.WithCancel(cmd.Context())
			defer func() {
				cancel()
				e.Wait()
			}()
			if err := e.Replay(ctx); err != nil {
				return fmt.Errorf("replay journal: %w", err)
			}
			e.Start(ctx)

			return printBooks(ctx, cmd.OutOrStdout(), e, depth)
		},
	}
	cmd.Flags().IntVar(&depth, "depth", 5, "price levels to print per side")
	return cmd
}

func printBooks(ctx context.Context, out io.Writer, e *engine.Engine, depth int) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, in := range e.Instruments() {
		snap, err := e.Snapshot(ctx, in.ID, depth)
		if err != nil {
			return fmt.Errorf("snapshot %s: %w", in.ID, err)
		}
		last := "-"
		if snap.HasLastPrice {
			last = domain.FromTicks(snap.LastPrice).String()
		}
		fmt.Fprintf(tw, "%s\tsequence=%d\tlast=%s\tparked_stops=%d\thalted=%t\n",
			in.ID, snap.Sequence, last, snap.ParkedStops, snap.Halted)
		for i := len(snap.Asks) - 1; i >= 0; i-- {
			l := snap.Asks[i]
			fmt.Fprintf(tw, "\tASK\t%s\t%d\t(%d orders)\n", domain.FromTicks(l.Price), l.TotalQuantity, l.OrderCount)
		}
		for _, l := range snap.Bids {
			fmt.Fprintf(tw, "\tBID\t%s\t%d\t(%d orders)\n", domain.FromTicks(l.Price), l.TotalQuantity, l.OrderCount)
		}
	}
	return tw.Flush()
}

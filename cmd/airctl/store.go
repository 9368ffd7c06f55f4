package main

import (
	"fmt"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/arsenis-cmd/AirAware/internal/app"
)

var chunksCmd = &cobra.Command{
	Use:   "chunks",
	Short: "List live reading chunks",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		stores, err := app.OpenStores(ctx, cfg)
		if err != nil {
			return err
		}
		defer stores.Close()

		chunks, err := stores.Readings.Chunks(ctx)
		if err != nil {
			return eris.Wrap(err, "chunks: list")
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "START\tEND\tROWS")
		total := 0
		for _, c := range chunks {
			fmt.Fprintf(w, "%s\t%s\t%d\n", c.Start.Format(time.RFC3339), c.End.Format(time.RFC3339), c.Rows)
			total += c.Rows
		}
		fmt.Fprintf(w, "\t%d chunks\t%d\n", len(chunks), total)
		return w.Flush()
	},
}

var refreshSince time.Duration

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Recompute rollups for a recent window",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		stores, err := app.OpenStores(ctx, cfg)
		if err != nil {
			return err
		}
		defer stores.Close()

		cfg.Rollup.CatchUp = refreshSince
		engine := app.NewRollupEngine(cfg, stores)
		report, err := engine.Refresh(ctx)
		if err != nil {
			return eris.Wrap(err, "refresh")
		}
		fmt.Fprintf(cmd.OutOrStdout(), "buckets=%d refreshed=%d failed=%d rollups=%d in %s\n",
			report.Buckets, report.Refreshed, report.Failed, report.Rollups, report.Duration)
		return nil
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Apply retention to raw chunks and rollups now",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		stores, err := app.OpenStores(ctx, cfg)
		if err != nil {
			return err
		}
		defer stores.Close()

		report, err := app.NewSweeper(cfg, stores).Sweep(ctx, time.Now())
		if err != nil {
			return eris.Wrap(err, "sweep")
		}
		fmt.Fprintf(cmd.OutOrStdout(), "chunks_dropped=%d hourly_deleted=%d daily_deleted=%d in %s\n",
			report.ChunksDropped, report.HourlyDeleted, report.DailyDeleted, report.Duration)
		return nil
	},
}

func init() {
	refreshCmd.Flags().DurationVar(&refreshSince, "since", 48*time.Hour, "how far back to recompute")
}

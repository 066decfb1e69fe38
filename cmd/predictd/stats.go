package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/heliosarchitect/openclaw-sub001/internal/insights"
	"github.com/heliosarchitect/openclaw-sub001/internal/storage"
)

func statsCmd(load loader) *cobra.Command {
	var recent int
	cmd := &cobra.Command{
		Use:     "stats",
		Aliases: []string{"s"},
		Short:   "Show insight, feedback and learning statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if _, err := os.Stat(filepath.Join(cfg.StoragePath, storage.DBName)); os.IsNotExist(err) {
				return fmt.Errorf("no store found in %s; run the daemon first", cfg.StoragePath)
			}
			store, err := storage.OpenReadOnly(cfg.StoragePath)
			if err != nil {
				return err
			}
			defer store.Close()
			return showStats(cmd.Context(), cmd, store, recent)
		},
	}
	cmd.Flags().IntVar(&recent, "recent", 5, "number of recent deliveries to list")
	return cmd
}

func showStats(ctx context.Context, cmd *cobra.Command, store *storage.Store, recent int) error {
	if ctx == nil {
		ctx = context.Background()
	}
	out := cmd.OutOrStdout()

	counts, err := store.CountByState(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, "Insights by state:")
	states := make([]string, 0, len(counts))
	for st := range counts {
		states = append(states, string(st))
	}
	sort.Strings(states)
	for _, st := range states {
		fmt.Fprintf(out, "  %-12s %d\n", st, counts[insights.State(st)])
	}

	rates, err := store.ActionRates(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, "\nAction rates:")
	if len(rates) == 0 {
		fmt.Fprintln(out, "  (none yet)")
	} else {
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "  SOURCE\tTYPE\tRATE\tOBS\tTHROTTLED")
		for _, r := range rates {
			fmt.Fprintf(tw, "  %s\t%s\t%.2f\t%d\t%t\n", r.SourceID, r.InsightType, r.ActionRate, r.ObservationCount, r.RateHalved)
		}
		tw.Flush()
	}

	facts, err := store.LearnedFacts(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, "\nLearned patterns:")
	if len(facts) == 0 {
		fmt.Fprintln(out, "  (none yet)")
	}
	for _, f := range facts {
		fmt.Fprintf(out, "  %s %s (%s)\n", f.Subject, f.Relationship, f.CreatedAt.Local().Format("2006-01-02"))
	}

	if recent <= 0 {
		return nil
	}
	delivered, err := store.RecentDelivered(ctx, recent)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, "\nRecent deliveries:")
	if len(delivered) == 0 {
		fmt.Fprintln(out, "  (none yet)")
	}
	for _, ins := range delivered {
		when := ""
		if ins.DeliveredAt != nil {
			when = ins.DeliveredAt.Local().Format(time.DateTime)
		}
		channel := ""
		if ins.DeliveryChannel != nil {
			channel = string(*ins.DeliveryChannel)
		}
		fmt.Fprintf(out, "  %s  %-10s %-9s %s\n", when, channel, ins.State, ins.Title)
	}
	return nil
}

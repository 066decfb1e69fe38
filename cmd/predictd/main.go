// Package main is the entry point for the predictd daemon and its client
// commands.
//
// Usage:
//
//	predictd daemon          - Run the insight engine
//	predictd query [flags]   - Query active insights over the socket
//	predictd flush           - Flush the digest buffer now
//	predictd stats           - Print store statistics
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/heliosarchitect/openclaw-sub001/internal/config"
	"github.com/heliosarchitect/openclaw-sub001/internal/daemon"
	"github.com/heliosarchitect/openclaw-sub001/internal/insights"
	"github.com/heliosarchitect/openclaw-sub001/internal/notify"
)

const requestTimeout = 10 * time.Second

func main() {
	_ = godotenv.Load()

	var configPath string
	root := &cobra.Command{
		Use:   "predictd",
		Short: "Predictive insight engine",
		Long: `predictd polls external signal sources, turns readings into scored
insights and routes them to the right channel without interrupting
focused work.

Environment:
  PREDICTD_SMTP_PASS   SMTP password for the email digest
  PREDICTD_REDIS_URL   Redis URL for the relay stream`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default: ~/.config/predictd/config.yaml)")

	load := func() (*config.Config, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		return cfg, nil
	}

	root.AddCommand(daemonCmd(load))
	root.AddCommand(queryCmd(load))
	root.AddCommand(flushCmd(load))
	root.AddCommand(statsCmd(load))

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

type loader func() (*config.Config, error)

func daemonCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:     "daemon",
		Aliases: []string{"d"},
		Short:   "Run the insight engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			logger := daemon.SetupLogging(cfg.Log, os.Stderr)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			m, err := daemon.NewManager(ctx, cfg, logger)
			if err != nil {
				return err
			}
			return m.Run(ctx)
		},
	}
}

func queryCmd(load loader) *cobra.Command {
	var (
		q       insights.Query
		minTier string
		asJSON  bool
	)

	cmd := &cobra.Command{
		Use:     "query",
		Aliases: []string{"q"},
		Short:   "Query active insights",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if minTier != "" {
				tier, ok := insights.ParseTier(minTier)
				if !ok {
					return fmt.Errorf("unknown tier %q", minTier)
				}
				q.UrgencyMin = tier
			}
			if len(args) > 0 && q.Text == "" {
				q.Text = strings.Join(args, " ")
			}

			resp, err := request(cmd.Context(), cfg.SocketPath, notify.TypeQuery, q)
			if err != nil {
				return err
			}
			var res insights.QueryResult
			if err := resp.Decode(&res); err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			}
			printResult(cmd, res)
			return nil
		},
	}

	cmd.Flags().StringVar(&q.Text, "text", "", "free-text relevance filter")
	cmd.Flags().StringSliceVar(&q.Sources, "source", nil, "only these source ids")
	cmd.Flags().StringVar(&minTier, "min", "", "minimum urgency tier (low, medium, high, critical)")
	cmd.Flags().BoolVar(&q.IncludeQueue, "include-queue", false, "include insights held for the digest")
	cmd.Flags().IntVar(&q.Limit, "limit", insights.DefaultQueryLimit, "maximum results")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw result as JSON")
	return cmd
}

func flushCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "Deliver the digest buffer now",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if _, err := request(cmd.Context(), cfg.SocketPath, notify.TypeFlush, nil); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Flush requested.")
			return nil
		},
	}
}

func request(ctx context.Context, socketPath string, typ notify.MessageType, payload any) (notify.Envelope, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	c := notify.NewSocketClient()
	if err := c.Connect(socketPath); err != nil {
		return notify.Envelope{}, fmt.Errorf("connect to daemon at %s (is it running?): %w", socketPath, err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	return c.Request(ctx, typ, payload)
}

func printResult(cmd *cobra.Command, res insights.QueryResult) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Status: %s", res.Status)
	if res.LastPoll != nil {
		fmt.Fprintf(out, "  Last poll: %s", res.LastPoll.Local().Format(time.Kitchen))
	}
	fmt.Fprintln(out)
	if len(res.SourcesStale) > 0 {
		fmt.Fprintf(out, "Stale sources: %s\n", strings.Join(res.SourcesStale, ", "))
	}
	if len(res.Insights) == 0 {
		fmt.Fprintln(out, "No active insights.")
		return
	}
	fmt.Fprintln(out)
	for _, ins := range res.Insights {
		fmt.Fprintf(out, "[%-8s] %.2f  %s  (%s, %s)\n", ins.Urgency, ins.UrgencyScore, ins.Title, ins.SourceID, ins.State)
	}
}

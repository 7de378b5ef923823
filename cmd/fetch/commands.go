package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"marketdata/internal/aggregate"
	"marketdata/internal/config"
	"marketdata/internal/logging"
	"marketdata/internal/market"
)

type buildFunc func(cfg config.Config, log *slog.Logger) (*aggregate.Engine, error)

// quoteConcurrency bounds parallel quote lookups for one invocation.
const quoteConcurrency = 8

type cli struct {
	configPath string
	logLevel   string
	refresh    bool
	asJSON     bool

	build  buildFunc
	eng    *aggregate.Engine
	closer io.Closer
}

func newRootCmd(build buildFunc) *cobra.Command {
	c := &cli{build: build}
	root := &cobra.Command{
		Use:   "fetch",
		Short: "Fetch quotes and price history through the provider chain",
		Long: `fetch reads quotes and daily history through the same provider chain,
rate limits and cache policy as the server. Providers are configured with
--config, MARKETDATA_* variables and the provider key variables.`,
		SilenceUsage:       true,
		PersistentPreRunE:  c.setup,
		PersistentPostRunE: c.teardown,
	}

	root.PersistentFlags().StringVar(&c.configPath, "config", os.Getenv("CONFIG_FILE"), "config file path (JSON, YAML or TOML)")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "warn", "log level written to stderr")
	root.PersistentFlags().BoolVar(&c.refresh, "refresh", false, "drop cached results before each fetch")
	root.PersistentFlags().BoolVar(&c.asJSON, "json", false, "print JSON instead of a table")

	root.AddCommand(c.quoteCmd())
	root.AddCommand(c.historyCmd())
	root.AddCommand(c.dumpCmd())
	return root
}

func (c *cli) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	cfg.Log.Level = c.logLevel
	log, closer, err := logging.NewTo(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	c.closer = closer
	c.eng, err = c.build(cfg, log)
	return err
}

func (c *cli) teardown(*cobra.Command, []string) error {
	if c.closer != nil {
		return c.closer.Close()
	}
	return nil
}

func (c *cli) quoteCmd() *cobra.Command {
	var watch time.Duration
	cmd := &cobra.Command{
		Use:   "quote SYMBOL...",
		Short: "Print the latest quote for one or more symbols",
		Example: `  fetch quote AAPL MSFT
  fetch quote AAPL --watch 30s --refresh`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if watch <= 0 {
				return c.printQuotes(cmd.Context(), cmd.OutOrStdout(), args)
			}
			t := time.NewTicker(watch)
			defer t.Stop()
			for {
				if err := c.printQuotes(cmd.Context(), cmd.OutOrStdout(), args); err != nil {
					fmt.Fprintln(cmd.ErrOrStderr(), errorStyle.Render(err.Error()))
				}
				select {
				case <-cmd.Context().Done():
					return nil
				case <-t.C:
				}
			}
		},
	}
	cmd.Flags().DurationVar(&watch, "watch", 0, "repeat every interval until interrupted")
	return cmd
}

type quoteResult struct {
	Symbol string        `json:"symbol"`
	Quote  *market.Quote `json:"quote,omitempty"`
	Error  string        `json:"error,omitempty"`
	err    error
}

func (c *cli) printQuotes(ctx context.Context, w io.Writer, symbols []string) error {
	results := make([]quoteResult, len(symbols))
	var g errgroup.Group
	g.SetLimit(quoteConcurrency)
	for i, s := range symbols {
		g.Go(func() error {
			if c.refresh {
				_ = c.eng.Invalidate(s, market.KindQuote, "")
			}
			res := quoteResult{Symbol: s}
			if q, err := c.eng.GetQuote(ctx, s); err != nil {
				res.Error, res.err = err.Error(), err
			} else {
				res.Symbol, res.Quote = string(q.Symbol), &q
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	if c.asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(results); err != nil {
			return err
		}
	} else {
		fmt.Fprintln(w, renderQuotes(results))
	}

	failed := 0
	for _, r := range results {
		if r.err != nil {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d symbols failed", failed, len(results))
	}
	return nil
}

func (c *cli) historyCmd() *cobra.Command {
	var (
		rng  string
		last int
	)
	cmd := &cobra.Command{
		Use:     "history SYMBOL",
		Short:   "Print daily bars for a symbol",
		Example: `  fetch history AAPL --range 6M --last 10`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := market.ParseRange(rng)
			if err != nil {
				return err
			}
			if c.refresh {
				_ = c.eng.Invalidate(args[0], market.KindHistory, r)
			}
			ts, err := c.eng.GetHistory(cmd.Context(), args[0], r)
			if err != nil {
				return err
			}
			if last > 0 && len(ts.Bars) > last {
				ts.Bars = ts.Bars[len(ts.Bars)-last:]
			}
			w := cmd.OutOrStdout()
			if c.asJSON {
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				return enc.Encode(ts)
			}
			fmt.Fprintln(w, renderHistory(ts))
			return nil
		},
	}
	cmd.Flags().StringVar(&rng, "range", string(market.Range1M), "1D, 5D, 1M, 6M, 1Y, 5Y or MAX")
	cmd.Flags().IntVar(&last, "last", 0, "print only the most recent N bars (0 = all)")
	return cmd
}

package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"marketdata/internal/market"
)

func (c *cli) dumpCmd() *cobra.Command {
	var (
		symbolsFile string
		outPath     string
		rng         string
		concurrency int
	)
	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Fetch history for every symbol in a file and write one JSON document",
		Long: `dump reads symbols from --symbols-file (a JSON object whose keys are
symbols, a JSON array of symbols, or one symbol per line) and writes
{"range":...,"series":[...],"errors":{...}} to --out. Symbols that fail are
listed under errors; the rest of the run continues.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := market.ParseRange(rng)
			if err != nil {
				return err
			}
			symbols, err := readSymbols(symbolsFile)
			if err != nil {
				return fmt.Errorf("read symbols: %w", err)
			}
			if len(symbols) == 0 {
				return errors.New("no symbols found in symbols-file")
			}

			f, err := os.Create(outPath)
			if err != nil {
				return fmt.Errorf("create out: %w", err)
			}
			defer f.Close()
			bw := bufio.NewWriterSize(f, 1<<20)

			stats, err := c.dump(cmd.Context(), bw, symbols, r, concurrency)
			if err != nil {
				return err
			}
			if err := bw.Flush(); err != nil {
				return fmt.Errorf("flush: %w", err)
			}
			fmt.Fprintln(cmd.ErrOrStderr(), mutedStyle.Render(
				fmt.Sprintf("wrote %d of %d symbols (%d bars) to %s", stats.ok, len(symbols), stats.bars, outPath)))
			return nil
		},
	}
	cmd.Flags().StringVar(&symbolsFile, "symbols-file", "symbols.json", "file listing the symbols to fetch")
	cmd.Flags().StringVar(&outPath, "out", "history.json", "output JSON file path")
	cmd.Flags().StringVar(&rng, "range", string(market.Range1Y), "history range")
	cmd.Flags().IntVar(&concurrency, "concurrency", 4, "parallel symbol fetches")
	return cmd
}

type dumpStats struct {
	ok   int
	bars int
}

// dump streams each series as soon as it arrives, so memory stays flat for
// large symbol lists. A write error stops the run.
func (c *cli) dump(ctx context.Context, w io.Writer, symbols []string, rng market.Range, concurrency int) (dumpStats, error) {
	if concurrency <= 0 {
		concurrency = 1
	}
	if _, err := fmt.Fprintf(w, `{"range":%q,"series":[`, rng); err != nil {
		return dumpStats{}, err
	}

	var (
		mu     sync.Mutex
		first  = true
		stats  dumpStats
		failed = make(map[string]string)
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, s := range symbols {
		g.Go(func() error {
			if c.refresh {
				_ = c.eng.Invalidate(s, market.KindHistory, rng)
			}
			ts, err := c.eng.GetHistory(gctx, s, rng)
			if err != nil {
				mu.Lock()
				failed[s] = err.Error()
				mu.Unlock()
				return nil
			}
			b, err := json.Marshal(ts)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			if !first {
				if _, err := io.WriteString(w, ","); err != nil {
					return err
				}
			}
			first = false
			if _, err := w.Write(b); err != nil {
				return err
			}
			stats.ok++
			stats.bars += len(ts.Bars)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return stats, fmt.Errorf("write: %w", err)
	}

	errs, err := json.Marshal(failed)
	if err != nil {
		return stats, err
	}
	if _, err := fmt.Fprintf(w, `],"errors":%s}`, errs); err != nil {
		return stats, err
	}
	return stats, nil
}

// readSymbols accepts a JSON object (its keys are the symbols), a JSON array
// of strings, or plain text with one symbol per line and # comments.
func readSymbols(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	trimmed := bytes.TrimSpace(b)
	switch {
	case bytes.HasPrefix(trimmed, []byte("{")):
		var m map[string]any
		if err := json.Unmarshal(trimmed, &m); err != nil {
			return nil, err
		}
		names := make([]string, 0, len(m))
		for k := range m {
			names = append(names, k)
		}
		sort.Strings(names)
		return names, nil
	case bytes.HasPrefix(trimmed, []byte("[")):
		var names []string
		if err := json.Unmarshal(trimmed, &names); err != nil {
			return nil, err
		}
		return names, nil
	}

	var names []string
	sc := bufio.NewScanner(bytes.NewReader(trimmed))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		names = append(names, line)
	}
	return names, sc.Err()
}

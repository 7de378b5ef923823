package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"marketdata/internal/market"
)

var (
	titleStyle = lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#7C3AED"))

	headerStyle = lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#3B82F6"))

	panelStyle = lipgloss.NewStyle().
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("#10B981")).
		Padding(0, 1)

	errorStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("#EF4444"))

	mutedStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("#6B7280"))
)

// table lays out rows under header with left-aligned, space-padded columns.
func table(header []string, rows [][]string) string {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = lipgloss.Width(h)
	}
	for _, r := range rows {
		for i, cell := range r {
			if w := lipgloss.Width(cell); w > widths[i] {
				widths[i] = w
			}
		}
	}
	line := func(cells []string) string {
		padded := make([]string, len(cells))
		for i, cell := range cells {
			padded[i] = cell + strings.Repeat(" ", widths[i]-lipgloss.Width(cell))
		}
		return strings.TrimRight(strings.Join(padded, "  "), " ")
	}

	var b strings.Builder
	b.WriteString(headerStyle.Render(line(header)))
	for _, r := range rows {
		b.WriteString("\n")
		b.WriteString(line(r))
	}
	return b.String()
}

func renderQuotes(results []quoteResult) string {
	var rows [][]string
	var failures []string
	for _, r := range results {
		if r.Quote == nil {
			failures = append(failures, errorStyle.Render(r.Symbol+": "+r.Error))
			continue
		}
		q := r.Quote
		rows = append(rows, []string{
			string(q.Symbol),
			q.Price.String(),
			q.Currency,
			q.AsOf.UTC().Format(time.RFC3339),
			q.Source,
		})
	}

	var parts []string
	if len(rows) > 0 {
		parts = append(parts, panelStyle.Render(table([]string{"SYMBOL", "PRICE", "CURRENCY", "AS OF", "SOURCE"}, rows)))
	}
	parts = append(parts, failures...)
	return strings.Join(parts, "\n")
}

func renderHistory(ts market.TimeSeries) string {
	rows := make([][]string, 0, len(ts.Bars))
	for _, b := range ts.Bars {
		rows = append(rows, []string{
			b.Time.UTC().Format(time.DateOnly),
			b.Open.StringFixed(2),
			b.High.StringFixed(2),
			b.Low.StringFixed(2),
			b.Close.StringFixed(2),
			strconv.FormatInt(b.Volume, 10),
		})
	}
	title := titleStyle.Render(fmt.Sprintf("%s %s", ts.Symbol, ts.Range)) +
		mutedStyle.Render(fmt.Sprintf("  %s via %s, %d bars", ts.Currency, ts.Source, len(ts.Bars)))
	body := table([]string{"DATE", "OPEN", "HIGH", "LOW", "CLOSE", "VOLUME"}, rows)
	return title + "\n" + panelStyle.Render(body)
}

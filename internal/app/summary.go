package app

import (
	"fmt"
	"io"
	"strings"

	"github.com/shopspring/decimal"

	sbcfg "sandbox/internal/config"
	"sandbox/internal/logger"
	"sandbox/internal/orchestrator"
	"sandbox/internal/types"
)

type StartupSummary struct {
	Env              string
	BackendURL       string
	AnonKey          string
	Symbols          []string
	Timeframes       []string
	DefaultSymbol    string
	DefaultTimeframe string
	MarketLimit      int
}

func newStartupSummary(cfg *sbcfg.Config) *StartupSummary {
	return &StartupSummary{
		Env:              cfg.App.Env,
		BackendURL:       cfg.Backend.BaseURL,
		AnonKey:          logger.Redact(cfg.Backend.AnonKey),
		Symbols:          cfg.Sandbox.Symbols,
		Timeframes:       cfg.Sandbox.Timeframes,
		DefaultSymbol:    cfg.Sandbox.DefaultSymbol,
		DefaultTimeframe: cfg.Sandbox.DefaultTimeframe,
		MarketLimit:      cfg.Sandbox.MarketLimit,
	}
}

func (s *StartupSummary) Fprint(w io.Writer) {
	fmt.Fprintln(w, strings.Repeat("=", 60))
	fmt.Fprintln(w, "启动配置摘要 (STARTUP SUMMARY)")
	fmt.Fprintln(w, strings.Repeat("=", 60))
	fmt.Fprintf(w, "  环境: %s\n", s.Env)
	fmt.Fprintf(w, "  后端: %s (anon key %s)\n", s.BackendURL, orDash(s.AnonKey))
	fmt.Fprintf(w, "  币种: %s\n", formatList(s.Symbols))
	fmt.Fprintf(w, "  周期: %s\n", formatList(s.Timeframes))
	fmt.Fprintf(w, "  默认: %s / %s, %d candles\n", s.DefaultSymbol, s.DefaultTimeframe, s.MarketLimit)
	fmt.Fprintln(w, strings.Repeat("=", 60))
}

// FormatView renders a snapshot as plain text.
func FormatView(v orchestrator.View) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s]", v.Phase)
	if v.Email != "" {
		fmt.Fprintf(&b, " %s", v.Email)
	}
	fmt.Fprintf(&b, "  %s %s\n", v.Symbol, v.Timeframe)
	if v.Message != "" {
		fmt.Fprintf(&b, "! %s\n", v.Message)
	}

	if n := len(v.Candles); n > 0 {
		last := v.Candles[n-1]
		fmt.Fprintf(&b, "Candles (%d) %s %s, last %s close %s\n",
			n, v.CandleSymbol, v.CandleTimeframe,
			last.Timestamp.UTC().Format("2006-01-02 15:04"),
			decimal.NewFromFloat(last.Close).String())
	}

	fmt.Fprintf(&b, "Strategies (%d)\n", len(v.Strategies))
	if len(v.Strategies) == 0 {
		b.WriteString("  No strategies yet\n")
	}
	selected := ""
	if v.SelectedStrategy != nil {
		selected = v.SelectedStrategy.ID
	}
	for _, s := range v.Strategies {
		marker := " "
		if s.ID == selected {
			marker = "*"
		}
		fmt.Fprintf(&b, " %s %s [%s] %s\n", marker, s.Name, s.Type, s.ID)
	}

	fmt.Fprintf(&b, "Backtests (%d)\n", len(v.Backtests))
	if len(v.Backtests) == 0 {
		b.WriteString("  No backtest results yet\n")
	}
	for _, bt := range v.Backtests {
		b.WriteString("  " + FormatBacktest(bt) + "\n")
	}
	for _, region := range []orchestrator.Region{orchestrator.RegionStrategies, orchestrator.RegionBacktests, orchestrator.RegionMarket} {
		if v.Loading(region) {
			fmt.Fprintf(&b, "  (loading %s)\n", region)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// FormatBacktest shows return and drawdown with two decimals and the win
// rate with one, all as percentages.
func FormatBacktest(bt types.Backtest) string {
	return fmt.Sprintf("%s return %s%% drawdown %s%% win %s%% trades %d",
		bt.ID,
		percent(bt.TotalReturn, 2),
		percent(bt.MaxDrawdown, 2),
		percent(bt.WinRate, 1),
		bt.TotalTrades)
}

var hundred = decimal.NewFromInt(100)

func percent(ratio float64, places int32) string {
	return decimal.NewFromFloat(ratio).Mul(hundred).StringFixed(places)
}

func formatList(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

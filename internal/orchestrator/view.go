package orchestrator

import (
	"maps"
	"slices"

	"sandbox/internal/types"
)

// Phase is the coarse state of the view.
type Phase string

const (
	PhaseLoading   Phase = "loading"
	PhaseSignedOut Phase = "signed_out"
	PhaseReady     Phase = "ready"
)

// Region names an independently loaded part of the view.
type Region string

const (
	RegionStrategies Region = "strategies"
	RegionBacktests  Region = "backtests"
	RegionMarket     Region = "market"
)

// View is an immutable snapshot of everything a presentation layer renders.
type View struct {
	Phase            Phase             `json:"phase"`
	UserID           string            `json:"user_id,omitempty"`
	Email            string            `json:"email,omitempty"`
	Symbol           string            `json:"symbol"`
	Timeframe        string            `json:"timeframe"`
	Symbols          []string          `json:"symbols"`
	Timeframes       []string          `json:"timeframes"`
	Candles          []types.Candle    `json:"candles"`
	CandleSymbol     string            `json:"candle_symbol,omitempty"`
	CandleTimeframe  string            `json:"candle_timeframe,omitempty"`
	Strategies       []types.Strategy  `json:"strategies"`
	SelectedStrategy *types.Strategy   `json:"selected_strategy,omitempty"`
	Backtests        []types.Backtest  `json:"backtests"`
	Message          string            `json:"message,omitempty"`
	Pending          map[Region]bool   `json:"pending"`
	LoadErrors       map[Region]string `json:"load_errors,omitempty"`
}

// Loading reports whether region has a request in flight.
func (v View) Loading(region Region) bool {
	return v.Pending[region]
}

// View returns a snapshot of the current state.
func (o *Orchestrator) View() View {
	o.mu.Lock()
	defer o.mu.Unlock()
	v := View{
		Phase:           o.phase,
		UserID:          o.userID,
		Email:           o.email,
		Symbol:          o.symbol,
		Timeframe:       o.timeframe,
		Symbols:         slices.Clone(o.opts.Symbols),
		Timeframes:      slices.Clone(o.opts.Timeframes),
		Candles:         slices.Clone(o.candles),
		CandleSymbol:    o.candleSymbol,
		CandleTimeframe: o.candleTimeframe,
		Strategies:      o.strategies.Items(),
		Backtests:       o.backtests.Items(),
		Message:         o.message,
		Pending:         make(map[Region]bool, len(o.pending)),
		LoadErrors:      maps.Clone(o.loadErrors),
	}
	for region, n := range o.pending {
		if n > 0 {
			v.Pending[region] = true
		}
	}
	if sel, ok := o.strategies.Selected(); ok {
		v.SelectedStrategy = &sel
	}
	return v
}

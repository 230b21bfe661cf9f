package stub

import (
	"context"
	"fmt"
	"time"

	"github.com/markcheno/go-talib"
	"github.com/shopspring/decimal"

	"sandbox/internal/types"
)

const (
	defaultFastPeriod = 9
	defaultSlowPeriod = 21
)

// CrossParams configures the moving-average crossover used for every stub
// backtest. Strategy configs may override the periods with "fast"/"slow".
type CrossParams struct {
	Fast int
	Slow int
}

func crossParamsFrom(cfg map[string]any) CrossParams {
	p := CrossParams{Fast: defaultFastPeriod, Slow: defaultSlowPeriod}
	if v, ok := intParam(cfg, "fast"); ok && v > 1 {
		p.Fast = v
	}
	if v, ok := intParam(cfg, "slow"); ok && v > p.Fast {
		p.Slow = v
	}
	if p.Slow <= p.Fast {
		p.Slow = p.Fast + 1
	}
	return p
}

func intParam(cfg map[string]any, key string) (int, bool) {
	switch v := cfg[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case int64:
		return int(v), true
	default:
		return 0, false
	}
}

// CrossResult holds backtest metrics as ratios (0.12 means 12%).
type CrossResult struct {
	FinalCapital float64
	TotalReturn  float64
	MaxDrawdown  float64
	WinRate      float64
	Trades       int
}

// RunSMACross simulates a long-only SMA crossover over candles, fully
// invested while the fast average is above the slow one.
func RunSMACross(candles []types.Candle, initialCapital float64, p CrossParams) (CrossResult, error) {
	if initialCapital <= 0 {
		return CrossResult{}, fmt.Errorf("initial capital must be positive")
	}
	if len(candles) <= p.Slow {
		return CrossResult{}, fmt.Errorf("need more than %d candles, got %d", p.Slow, len(candles))
	}
	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}
	fast := talib.Sma(closes, p.Fast)
	slow := talib.Sma(closes, p.Slow)

	capital := decimal.NewFromFloat(initialCapital)
	cash := capital
	units := decimal.Zero
	entryCost := decimal.Zero
	peak := capital
	maxDD := decimal.Zero
	wins, trades := 0, 0

	closeTrade := func(price decimal.Decimal) {
		proceeds := units.Mul(price)
		if proceeds.GreaterThan(entryCost) {
			wins++
		}
		trades++
		cash = cash.Add(proceeds)
		units = decimal.Zero
		entryCost = decimal.Zero
	}

	for i := p.Slow; i < len(candles); i++ {
		price := decimal.NewFromFloat(closes[i])
		crossedUp := fast[i-1] <= slow[i-1] && fast[i] > slow[i]
		crossedDown := fast[i-1] >= slow[i-1] && fast[i] < slow[i]
		switch {
		case crossedUp && units.IsZero() && price.IsPositive():
			units = cash.Div(price)
			entryCost = cash
			cash = decimal.Zero
		case crossedDown && !units.IsZero():
			closeTrade(price)
		}
		equity := cash.Add(units.Mul(price))
		if equity.GreaterThan(peak) {
			peak = equity
		}
		if peak.IsPositive() {
			if dd := peak.Sub(equity).Div(peak); dd.GreaterThan(maxDD) {
				maxDD = dd
			}
		}
	}
	if !units.IsZero() {
		closeTrade(decimal.NewFromFloat(closes[len(closes)-1]))
	}

	res := CrossResult{Trades: trades}
	res.FinalCapital = cash.Round(8).InexactFloat64()
	res.TotalReturn = cash.Sub(capital).Div(capital).Round(6).InexactFloat64()
	res.MaxDrawdown = maxDD.Round(6).InexactFloat64()
	if trades > 0 {
		res.WinRate = decimal.NewFromInt(int64(wins)).Div(decimal.NewFromInt(int64(trades))).Round(6).InexactFloat64()
	}
	return res, nil
}

// BacktestInput is a validated backtest window.
type BacktestInput struct {
	Symbol         string
	Timeframe      string
	From           time.Time
	To             time.Time
	InitialCapital float64
}

// RunBacktest loads candles for the window and runs the crossover with the
// periods from the strategy config. The result is not persisted.
func RunBacktest(ctx context.Context, src CandleSource, st types.Strategy, in BacktestInput) (types.Backtest, error) {
	tf, err := types.ParseTimeframe(in.Timeframe)
	if err != nil {
		return types.Backtest{}, err
	}
	to := in.To
	if lastClosed := time.Now().UTC().Truncate(tf.Duration).Add(-tf.Duration); to.After(lastClosed) {
		to = lastClosed
	}
	if to.Before(in.From) {
		return types.Backtest{}, fmt.Errorf("window has no closed candles yet")
	}

	var candles []types.Candle
	if rs, ok := src.(RangeSource); ok {
		candles, err = rs.CandlesBetween(ctx, in.Symbol, tf.Key, in.From, to)
	} else {
		bars := min(int(to.Sub(in.From)/tf.Duration)+1, maxRangeCandles)
		candles, err = src.Candles(ctx, in.Symbol, tf.Key, bars)
	}
	if err != nil {
		return types.Backtest{}, fmt.Errorf("load candles: %w", err)
	}
	window := candles[:0:0]
	for _, c := range candles {
		if !c.Timestamp.Before(in.From) && !c.Timestamp.After(to) {
			window = append(window, c)
		}
	}
	types.SortCandles(window)

	res, err := RunSMACross(window, in.InitialCapital, crossParamsFrom(st.Config))
	if err != nil {
		return types.Backtest{}, err
	}
	return types.Backtest{
		StrategyID:     st.ID,
		UserID:         st.UserID,
		Symbol:         types.NormalizeSymbol(in.Symbol),
		Timeframe:      tf.Key,
		StartDate:      in.From.UTC().Format(time.DateOnly),
		EndDate:        in.To.UTC().Format(time.DateOnly),
		InitialCapital: in.InitialCapital,
		FinalCapital:   res.FinalCapital,
		TotalReturn:    res.TotalReturn,
		MaxDrawdown:    res.MaxDrawdown,
		WinRate:        res.WinRate,
		TotalTrades:    res.Trades,
	}, nil
}

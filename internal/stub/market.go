package stub

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"time"

	"sandbox/internal/logger"
	"sandbox/internal/pkg/circuit"
	"sandbox/internal/types"
)

// CandleSource supplies candles to the market-data function.
type CandleSource interface {
	Candles(ctx context.Context, symbol, timeframe string, limit int) ([]types.Candle, error)
}

// RangeSource can also produce candles for an arbitrary window.
type RangeSource interface {
	CandlesBetween(ctx context.Context, symbol, timeframe string, from, to time.Time) ([]types.Candle, error)
}

const maxRangeCandles = 5000

// SyntheticSource derives deterministic candles from symbol and bar time,
// so overlapping requests always agree.
type SyntheticSource struct {
	now func() time.Time
}

func NewSyntheticSource() *SyntheticSource {
	return &SyntheticSource{now: time.Now}
}

func (s *SyntheticSource) Candles(ctx context.Context, symbol, timeframe string, limit int) ([]types.Candle, error) {
	tf, err := types.ParseTimeframe(timeframe)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = types.DefaultCandleLimit
	}
	limit = min(limit, maxRangeCandles)
	// last fully closed bar
	end := s.now().UTC().Truncate(tf.Duration).Add(-tf.Duration)
	start := end.Add(-time.Duration(limit-1) * tf.Duration)
	return s.generate(symbol, tf, start, end)
}

func (s *SyntheticSource) CandlesBetween(ctx context.Context, symbol, timeframe string, from, to time.Time) ([]types.Candle, error) {
	tf, err := types.ParseTimeframe(timeframe)
	if err != nil {
		return nil, err
	}
	start := from.UTC().Truncate(tf.Duration)
	end := to.UTC().Truncate(tf.Duration)
	if end.Before(start) {
		return nil, fmt.Errorf("window end before start")
	}
	if n := int(end.Sub(start)/tf.Duration) + 1; n > maxRangeCandles {
		start = end.Add(-time.Duration(maxRangeCandles-1) * tf.Duration)
	}
	return s.generate(symbol, tf, start, end)
}

func (s *SyntheticSource) generate(symbol string, tf types.Timeframe, start, end time.Time) ([]types.Candle, error) {
	symbol = types.NormalizeSymbol(symbol)
	if symbol == "" {
		return nil, fmt.Errorf("symbol is required")
	}
	base := basePrice(symbol)
	n := int(end.Sub(start)/tf.Duration) + 1
	out := make([]types.Candle, 0, n)
	for ts := start; !ts.After(end); ts = ts.Add(tf.Duration) {
		open := priceAt(symbol, base, ts)
		closePrice := priceAt(symbol, base, ts.Add(tf.Duration))
		wick := base * 0.002 * (1 + noise(symbol, ts, 1))
		out = append(out, types.Candle{
			Timestamp: ts,
			Open:      round(open),
			High:      round(math.Max(open, closePrice) + wick),
			Low:       round(math.Min(open, closePrice) - wick),
			Close:     round(closePrice),
			Volume:    round(1000 * (1 + noise(symbol, ts, 2))),
		})
	}
	return out, nil
}

func basePrice(symbol string) float64 {
	switch {
	case strings.HasPrefix(symbol, "BTC-"):
		return 60000
	case strings.HasPrefix(symbol, "ETH-"):
		return 3000
	case strings.HasPrefix(symbol, "SOL-"):
		return 150
	case strings.HasPrefix(symbol, "XRP-"):
		return 0.6
	default:
		return 100
	}
}

// priceAt layers two slow cycles and a small per-bar jitter over base.
func priceAt(symbol string, base float64, ts time.Time) float64 {
	hours := float64(ts.Unix()) / 3600
	phase := noise(symbol, time.Unix(0, 0), 3) * math.Pi
	trend := 0.08*math.Sin(hours/97+phase) + 0.03*math.Sin(hours/13+2*phase)
	jitter := 0.004 * (noise(symbol, ts, 0) - 0.5)
	return base * (1 + trend + jitter)
}

// noise maps (symbol, ts, salt) to [0,1).
func noise(symbol string, ts time.Time, salt byte) float64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(symbol))
	var buf [9]byte
	binary.BigEndian.PutUint64(buf[:8], uint64(ts.Unix()))
	buf[8] = salt
	_, _ = h.Write(buf[:])
	return float64(h.Sum64()>>11) / float64(1<<53)
}

func round(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

// FallbackSource serves from primary while it is healthy and from fallback
// while the breaker is open or a primary call fails.
type FallbackSource struct {
	primary  CandleSource
	fallback CandleSource
	breaker  *circuit.Breaker
}

func NewFallbackSource(primary, fallback CandleSource, breaker *circuit.Breaker) *FallbackSource {
	return &FallbackSource{primary: primary, fallback: fallback, breaker: breaker}
}

func (f *FallbackSource) Candles(ctx context.Context, symbol, timeframe string, limit int) ([]types.Candle, error) {
	if f.breaker.Allow() {
		candles, err := f.primary.Candles(ctx, symbol, timeframe, limit)
		if err == nil {
			f.breaker.RecordSuccess()
			return candles, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		f.breaker.RecordFailure()
		logger.Warnf("stub: primary candle source failed, using fallback: %v", err)
	}
	return f.fallback.Candles(ctx, symbol, timeframe, limit)
}

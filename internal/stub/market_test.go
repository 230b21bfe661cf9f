package stub

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sandbox/internal/pkg/circuit"
	"sandbox/internal/types"
)

func TestSyntheticSource_Candles(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 20, 0, 0, time.UTC)
	src := NewSyntheticSource()
	src.now = func() time.Time { return now }

	candles, err := src.Candles(context.Background(), "btc/usdt", "1H", 24)
	require.NoError(t, err)
	require.Len(t, candles, 24)
	assert.Equal(t, time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC), candles[23].Timestamp, "last bar is the last closed hour")
	for i, c := range candles {
		if i > 0 {
			assert.True(t, c.Timestamp.After(candles[i-1].Timestamp))
			assert.Equal(t, candles[i-1].Close, c.Open, "bars are contiguous")
		}
		assert.GreaterOrEqual(t, c.High, c.Open)
		assert.GreaterOrEqual(t, c.High, c.Close)
		assert.LessOrEqual(t, c.Low, c.Open)
		assert.LessOrEqual(t, c.Low, c.Close)
		assert.Greater(t, c.Close, 40000.0)
	}

	again, err := src.Candles(context.Background(), "BTC-USDT", "1h", 24)
	require.NoError(t, err)
	assert.Equal(t, candles, again)
}

func TestSyntheticSource_DefaultsAndErrors(t *testing.T) {
	src := NewSyntheticSource()
	candles, err := src.Candles(context.Background(), "ETH-USDT", "15m", 0)
	require.NoError(t, err)
	assert.Len(t, candles, 100)

	_, err = src.Candles(context.Background(), "ETH-USDT", "7m", 10)
	assert.Error(t, err)
	_, err = src.Candles(context.Background(), "", "1H", 10)
	assert.Error(t, err)
}

func TestSyntheticSource_CandlesBetween(t *testing.T) {
	src := NewSyntheticSource()
	from := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2025, 1, 2, 23, 0, 0, 0, time.UTC)

	candles, err := src.CandlesBetween(context.Background(), "SOL-USDT", "1H", from, to)
	require.NoError(t, err)
	require.Len(t, candles, 48)
	assert.Equal(t, from, candles[0].Timestamp)
	assert.Equal(t, to, candles[47].Timestamp)

	_, err = src.CandlesBetween(context.Background(), "SOL-USDT", "1H", to, from)
	assert.Error(t, err)

	long, err := src.CandlesBetween(context.Background(), "SOL-USDT", "1m", from, from.AddDate(0, 1, 0))
	require.NoError(t, err)
	assert.Len(t, long, maxRangeCandles)
}

type failingSource struct{ calls int }

func (f *failingSource) Candles(context.Context, string, string, int) ([]types.Candle, error) {
	f.calls++
	return nil, errors.New("upstream down")
}

func TestFallbackSource_OpensBreaker(t *testing.T) {
	primary := &failingSource{}
	src := NewFallbackSource(primary, NewSyntheticSource(), circuit.New("test", 2, time.Hour))

	for i := 0; i < 4; i++ {
		candles, err := src.Candles(context.Background(), "BTC-USDT", "1H", 5)
		require.NoError(t, err)
		assert.Len(t, candles, 5)
	}
	assert.Equal(t, 2, primary.calls, "primary is skipped once the breaker opens")
}

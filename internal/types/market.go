package types

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Candle is one OHLCV bar as returned by the market-data endpoint.
type Candle struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// SortCandles orders candles chronologically in place.
func SortCandles(candles []Candle) {
	sort.SliceStable(candles, func(i, j int) bool {
		return candles[i].Timestamp.Before(candles[j].Timestamp)
	})
}

// Timeframe describes a candle period as the remote services name it.
type Timeframe struct {
	Key      string
	Duration time.Duration
}

var supportedTimeframes = map[string]Timeframe{
	"1m":  {Key: "1m", Duration: time.Minute},
	"3m":  {Key: "3m", Duration: 3 * time.Minute},
	"5m":  {Key: "5m", Duration: 5 * time.Minute},
	"15m": {Key: "15m", Duration: 15 * time.Minute},
	"30m": {Key: "30m", Duration: 30 * time.Minute},
	"1H":  {Key: "1H", Duration: time.Hour},
	"2H":  {Key: "2H", Duration: 2 * time.Hour},
	"4H":  {Key: "4H", Duration: 4 * time.Hour},
	"6H":  {Key: "6H", Duration: 6 * time.Hour},
	"12H": {Key: "12H", Duration: 12 * time.Hour},
	"1D":  {Key: "1D", Duration: 24 * time.Hour},
	"1W":  {Key: "1W", Duration: 7 * 24 * time.Hour},
}

// ParseTimeframe returns the canonical timeframe for input. Minutes keep a
// lowercase "m"; hour, day and week units are accepted in either case.
func ParseTimeframe(input string) (Timeframe, error) {
	key := canonicalTimeframe(input)
	tf, ok := supportedTimeframes[key]
	if !ok {
		return Timeframe{}, fmt.Errorf("unsupported timeframe: %q", input)
	}
	return tf, nil
}

// SupportedTimeframes returns every known key ordered by duration.
func SupportedTimeframes() []string {
	keys := make([]string, 0, len(supportedTimeframes))
	for k := range supportedTimeframes {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return supportedTimeframes[keys[i]].Duration < supportedTimeframes[keys[j]].Duration
	})
	return keys
}

func canonicalTimeframe(input string) string {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return ""
	}
	if strings.HasSuffix(trimmed, "m") {
		return trimmed
	}
	return strings.ToUpper(trimmed)
}

// Default catalogs offered by the sandbox when the config does not override them.
var (
	DefaultSymbols    = []string{"BTC-USDT", "ETH-USDT", "XRP-USDT", "SOL-USDT"}
	DefaultTimeframes = []string{"1m", "5m", "1H", "4H", "1D"}
)

const (
	DefaultSymbol      = "BTC-USDT"
	DefaultTimeframe   = "1H"
	DefaultCandleLimit = 100
)

// NormalizeSymbol upper-cases a pair and converts "BTC/USDT" or "BTC_USDT" to "BTC-USDT".
func NormalizeSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	s = strings.NewReplacer("/", "-", "_", "-").Replace(s)
	return s
}

package binance

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2"

	"sandbox/internal/logger"
	"sandbox/internal/types"
)

const maxHistoryLimit = 1000

// Source fetches spot klines through the go-binance SDK for the stub backend.
type Source struct {
	cfg    Config
	client *binance.Client
	now    func() time.Time
}

func New(cfg Config) (*Source, error) {
	final := cfg.withDefaults()
	client := binance.NewClient("", "")
	client.BaseURL = final.RESTBaseURL
	httpClient := &http.Client{Timeout: final.HTTPTimeout}
	if final.ProxyEnabled && final.RESTProxyURL != "" {
		proxyURL, err := url.Parse(final.RESTProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REST proxy url: %w", err)
		}
		baseTransport, ok := http.DefaultTransport.(*http.Transport)
		if !ok || baseTransport == nil {
			return nil, fmt.Errorf("http DefaultTransport is not *http.Transport")
		}
		transport := baseTransport.Clone()
		transport.Proxy = http.ProxyURL(proxyURL)
		httpClient.Transport = transport
	}
	client.HTTPClient = httpClient
	return &Source{cfg: final, client: client, now: time.Now}, nil
}

// Candles fetches closed klines for a sandbox symbol such as "BTC-USDT".
func (s *Source) Candles(ctx context.Context, symbol, timeframe string, limit int) ([]types.Candle, error) {
	if limit <= 0 {
		limit = types.DefaultCandleLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	exchangeSymbol := ToExchange(symbol)
	if exchangeSymbol == "" {
		return nil, fmt.Errorf("symbol is required")
	}
	tf, err := types.ParseTimeframe(timeframe)
	if err != nil {
		return nil, err
	}
	kls, err := s.client.NewKlinesService().
		Symbol(exchangeSymbol).
		Interval(Interval(tf)).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance klines %s %s: %w", exchangeSymbol, tf.Key, err)
	}
	out := make([]types.Candle, 0, len(kls))
	for _, kl := range kls {
		if kl == nil {
			continue
		}
		out = append(out, types.Candle{
			Timestamp: time.UnixMilli(kl.OpenTime).UTC(),
			Open:      parseFloat(kl.Open),
			High:      parseFloat(kl.High),
			Low:       parseFloat(kl.Low),
			Close:     parseFloat(kl.Close),
			Volume:    parseFloat(kl.Volume),
		})
	}
	out = dropUnclosed(out, tf.Duration, s.now().UTC())
	logger.Debugf("binance: %s %s -> %d candles", exchangeSymbol, tf.Key, len(out))
	return out, nil
}

// ToExchange converts "BTC-USDT" or "btc/usdt" to "BTCUSDT".
func ToExchange(symbol string) string {
	s := types.NormalizeSymbol(symbol)
	return strings.ReplaceAll(s, "-", "")
}

// Interval maps a timeframe key to Binance's lowercase interval names.
func Interval(tf types.Timeframe) string {
	return strings.ToLower(tf.Key)
}

// dropUnclosed drops the last kline while it is still in progress.
func dropUnclosed(candles []types.Candle, interval time.Duration, now time.Time) []types.Candle {
	if len(candles) == 0 || interval <= 0 {
		return candles
	}
	last := candles[len(candles)-1]
	if now.Before(last.Timestamp.Add(interval)) {
		return candles[:len(candles)-1]
	}
	return candles
}

func parseFloat(v string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(v), 64)
	return f
}

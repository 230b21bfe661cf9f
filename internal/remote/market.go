package remote

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"sandbox/internal/pkg/jsonutil"
	"sandbox/internal/types"
)

const opFetchMarketData = "fetch market data"

// FetchMarketData returns candles for symbol/timeframe in chronological order.
// A non-positive limit requests the default of 100 candles.
func (c *Client) FetchMarketData(ctx context.Context, symbol, timeframe string, limit int) ([]types.Candle, error) {
	sess, err := c.requireSession(opFetchMarketData)
	if err != nil {
		return nil, err
	}
	symbol = types.NormalizeSymbol(symbol)
	if symbol == "" {
		return nil, validationf(opFetchMarketData, "symbol is required")
	}
	if strings.TrimSpace(timeframe) == "" {
		return nil, validationf(opFetchMarketData, "timeframe is required")
	}
	tf, err := types.ParseTimeframe(timeframe)
	if err != nil {
		return nil, validationf(opFetchMarketData, "%v", err)
	}
	if limit <= 0 {
		limit = types.DefaultCandleLimit
	}
	query := url.Values{}
	query.Set("symbol", symbol)
	query.Set("timeframe", tf.Key)
	query.Set("limit", strconv.Itoa(limit))

	raw, err := c.do(ctx, opFetchMarketData, request{
		method: http.MethodGet,
		path:   c.functionsPath + "/fetch-blofin-data",
		query:  query,
		token:  sess.AccessToken,
	})
	if err != nil {
		return nil, err
	}
	data, err := unwrapEnvelope(opFetchMarketData, raw, "data")
	if err != nil {
		return nil, err
	}
	if !data.IsArray() {
		return nil, validationf(opFetchMarketData, "market data is not an array")
	}
	rows := data.Array()
	candles := make([]types.Candle, 0, len(rows))
	for i, row := range rows {
		candle, ok := parseCandle(row)
		if !ok {
			return nil, validationf(opFetchMarketData, "malformed candle at index %d", i)
		}
		candles = append(candles, candle)
	}
	types.SortCandles(candles)
	return candles, nil
}

// unwrapEnvelope validates a {success, <field>|error} envelope and returns
// the payload. A body without a success flag is treated as the payload itself.
func unwrapEnvelope(op string, raw []byte, fields ...string) (gjson.Result, error) {
	if !gjson.ValidBytes(raw) {
		return gjson.Result{}, validationf(op, "response is not valid JSON")
	}
	root := gjson.ParseBytes(raw)
	success := root.Get("success")
	if !success.Exists() {
		return root, nil
	}
	if success.Type != gjson.True && success.Type != gjson.False {
		return gjson.Result{}, validationf(op, "response success flag is not a boolean")
	}
	if !success.Bool() {
		msg := strings.TrimSpace(root.Get("error").String())
		if msg == "" {
			msg = jsonutil.ErrorMessage(raw)
		}
		return gjson.Result{}, rejected(op, 0, msg)
	}
	for _, field := range fields {
		if v := root.Get(field); v.Exists() {
			return v, nil
		}
	}
	return gjson.Result{}, validationf(op, "response is missing %s", strings.Join(fields, "|"))
}

func parseCandle(row gjson.Result) (types.Candle, bool) {
	var (
		ts     gjson.Result
		fields [5]gjson.Result
	)
	switch {
	case row.IsArray():
		items := row.Array()
		if len(items) < 5 {
			return types.Candle{}, false
		}
		ts = items[0]
		copy(fields[:], items[1:])
	case row.IsObject():
		for _, key := range []string{"timestamp", "time", "ts"} {
			if v := row.Get(key); v.Exists() {
				ts = v
				break
			}
		}
		for i, key := range []string{"open", "high", "low", "close", "volume"} {
			fields[i] = row.Get(key)
		}
	default:
		return types.Candle{}, false
	}

	stamp, ok := parseTimestamp(ts)
	if !ok {
		return types.Candle{}, false
	}
	var values [5]float64
	for i := 0; i < 4; i++ {
		v, ok := jsonutil.Float(fields[i])
		if !ok {
			return types.Candle{}, false
		}
		values[i] = v
	}
	// volume is optional in some feeds
	if fields[4].Exists() {
		v, ok := jsonutil.Float(fields[4])
		if !ok {
			return types.Candle{}, false
		}
		values[4] = v
	}
	return types.Candle{
		Timestamp: stamp,
		Open:      values[0],
		High:      values[1],
		Low:       values[2],
		Close:     values[3],
		Volume:    values[4],
	}, true
}

// parseTimestamp accepts epoch seconds, epoch milliseconds (numeric or
// string) and RFC3339 strings.
func parseTimestamp(v gjson.Result) (time.Time, bool) {
	if n, ok := jsonutil.Float(v); ok {
		epoch := int64(n)
		if epoch <= 0 {
			return time.Time{}, false
		}
		if epoch >= 1e12 {
			return time.UnixMilli(epoch).UTC(), true
		}
		return time.Unix(epoch, 0).UTC(), true
	}
	if v.Type != gjson.String {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(v.Str))
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}

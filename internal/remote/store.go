package remote

import (
	"context"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/tidwall/gjson"

	"sandbox/internal/types"
)

const (
	opListStrategies = "list strategies"
	opCreateStrategy = "create strategy"
	opListBacktests  = "list backtests"

	tableStrategies = "strategies"
	tableBacktests  = "backtests"
)

type strategyInsert struct {
	UserID string             `json:"user_id"`
	Name   string             `json:"name"`
	Type   types.StrategyType `json:"type"`
	Config map[string]any     `json:"config"`
}

// ListStrategies returns the caller's strategies, newest first.
func (c *Client) ListStrategies(ctx context.Context) ([]types.Strategy, error) {
	rows, err := c.selectAll(ctx, opListStrategies, tableStrategies)
	if err != nil {
		return nil, err
	}
	out := make([]types.Strategy, 0, len(rows))
	for _, row := range rows {
		var s types.Strategy
		if err := decodeRow(opListStrategies, schemaStrategy, []byte(row.Raw), &s); err != nil {
			return nil, err
		}
		if s.Config == nil {
			s.Config = map[string]any{}
		}
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// ListBacktests returns the caller's backtest results, newest first.
func (c *Client) ListBacktests(ctx context.Context) ([]types.Backtest, error) {
	rows, err := c.selectAll(ctx, opListBacktests, tableBacktests)
	if err != nil {
		return nil, err
	}
	out := make([]types.Backtest, 0, len(rows))
	for _, row := range rows {
		var b types.Backtest
		if err := decodeRow(opListBacktests, schemaBacktest, []byte(row.Raw), &b); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// CreateStrategy inserts a strategy owned by the signed-in user and returns
// the stored row. The owner is always taken from the current session.
func (c *Client) CreateStrategy(ctx context.Context, name string, typ types.StrategyType, cfg map[string]any) (types.Strategy, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return types.Strategy{}, validationf(opCreateStrategy, "strategy name is required")
	}
	parsed, ok := types.ParseStrategyType(string(typ))
	if !ok {
		return types.Strategy{}, validationf(opCreateStrategy, "unknown strategy type %q", typ)
	}
	sess, err := c.requireSession(opCreateStrategy)
	if err != nil {
		return types.Strategy{}, err
	}
	if cfg == nil {
		cfg = map[string]any{}
	}
	raw, err := c.do(ctx, opCreateStrategy, request{
		method:  http.MethodPost,
		path:    c.restPath + "/" + tableStrategies,
		token:   sess.AccessToken,
		body:    strategyInsert{UserID: sess.UserID, Name: name, Type: parsed, Config: cfg},
		headers: map[string]string{"Prefer": "return=representation"},
	})
	if err != nil {
		return types.Strategy{}, err
	}
	if !gjson.ValidBytes(raw) {
		return types.Strategy{}, validationf(opCreateStrategy, "response is not valid JSON")
	}
	row := gjson.ParseBytes(raw)
	if row.IsArray() {
		items := row.Array()
		if len(items) != 1 {
			return types.Strategy{}, validationf(opCreateStrategy, "expected one strategy row, got %d", len(items))
		}
		row = items[0]
	}
	var s types.Strategy
	if err := decodeRow(opCreateStrategy, schemaStrategy, []byte(row.Raw), &s); err != nil {
		return types.Strategy{}, err
	}
	if s.Config == nil {
		s.Config = map[string]any{}
	}
	return s, nil
}

func (c *Client) selectAll(ctx context.Context, op, table string) ([]gjson.Result, error) {
	query := url.Values{}
	query.Set("select", "*")
	query.Set("order", "created_at.desc")
	raw, err := c.do(ctx, op, request{
		method: http.MethodGet,
		path:   c.restPath + "/" + table,
		query:  query,
		token:  c.bearer(),
	})
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(raw) {
		return nil, validationf(op, "response is not valid JSON")
	}
	root := gjson.ParseBytes(raw)
	if !root.IsArray() {
		return nil, validationf(op, "%s response is not an array", table)
	}
	return root.Array(), nil
}

package remote

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"sandbox/internal/pkg/jsonutil"
	"sandbox/internal/types"
)

const (
	opTrainAIStrategy = "train ai strategy"
	opRunBacktest     = "run backtest"

	modelKeyHeader = "X-OpenRouter-Key"
)

// TrainRequest asks the compute service to train a model-generated strategy.
// ModelKey is forwarded as a header for this call only.
type TrainRequest struct {
	Symbol    string
	Timeframe string
	StartDate string
	EndDate   string
	ModelName string
	ModelKey  string
}

// TrainJob is the compute service's acknowledgement of a training request.
type TrainJob struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	StrategyID string `json:"strategy_id,omitempty"`
	Message    string `json:"message,omitempty"`
}

type trainPayload struct {
	Symbol          string         `json:"symbol"`
	Timeframe       string         `json:"timeframe"`
	StartDate       string         `json:"startDate"`
	EndDate         string         `json:"endDate"`
	ModelName       string         `json:"modelName"`
	Hyperparameters map[string]any `json:"hyperparameters"`
}

// BacktestRequest runs a strategy over a historical window.
type BacktestRequest struct {
	StrategyID     string
	Symbol         string
	Timeframe      string
	StartDate      string
	EndDate        string
	InitialCapital float64
}

type backtestPayload struct {
	StrategyID     string  `json:"strategy_id"`
	Symbol         string  `json:"symbol"`
	Timeframe      string  `json:"timeframe"`
	StartDate      string  `json:"start_date"`
	EndDate        string  `json:"end_date"`
	InitialCapital float64 `json:"initial_capital"`
}

// TrainAIStrategy submits a training job.
func (c *Client) TrainAIStrategy(ctx context.Context, req TrainRequest) (TrainJob, error) {
	sess, err := c.requireSession(opTrainAIStrategy)
	if err != nil {
		return TrainJob{}, err
	}
	symbol, tf, err := validateMarket(opTrainAIStrategy, req.Symbol, req.Timeframe)
	if err != nil {
		return TrainJob{}, err
	}
	if err := validateWindow(opTrainAIStrategy, req.StartDate, req.EndDate); err != nil {
		return TrainJob{}, err
	}
	model := strings.TrimSpace(req.ModelName)
	if model == "" {
		return TrainJob{}, validationf(opTrainAIStrategy, "model name is required")
	}
	key := strings.TrimSpace(req.ModelKey)
	if key == "" {
		return TrainJob{}, validationf(opTrainAIStrategy, "model provider key is required")
	}

	raw, err := c.do(ctx, opTrainAIStrategy, request{
		method: http.MethodPost,
		path:   c.functionsPath + "/train-ai-strategy",
		token:  sess.AccessToken,
		body: trainPayload{
			Symbol:          symbol,
			Timeframe:       tf,
			StartDate:       strings.TrimSpace(req.StartDate),
			EndDate:         strings.TrimSpace(req.EndDate),
			ModelName:       model,
			Hyperparameters: map[string]any{},
		},
		headers: map[string]string{modelKeyHeader: key},
	})
	if err != nil {
		return TrainJob{}, err
	}
	payload, err := unwrapEnvelope(opTrainAIStrategy, raw, "data", "job")
	if err != nil {
		// a bare acknowledgement carries the job fields at the top level
		if KindOf(err) != KindValidationFailure || !gjson.GetBytes(raw, "success").Bool() {
			return TrainJob{}, err
		}
		payload = gjson.ParseBytes(raw)
	}
	job := TrainJob{
		ID:         jsonutil.FirstString(payload, "jobId", "job_id", "id"),
		Status:     jsonutil.FirstString(payload, "status"),
		StrategyID: jsonutil.FirstString(payload, "strategyId", "strategy_id"),
		Message:    jsonutil.FirstString(payload, "message"),
	}
	if job.ID == "" {
		job.ID = job.StrategyID
	}
	if job.ID == "" {
		return TrainJob{}, validationf(opTrainAIStrategy, "response is missing a job id")
	}
	if job.Status == "" {
		job.Status = "queued"
	}
	return job, nil
}

// RunBacktest runs a backtest and returns the stored result row.
func (c *Client) RunBacktest(ctx context.Context, req BacktestRequest) (types.Backtest, error) {
	sess, err := c.requireSession(opRunBacktest)
	if err != nil {
		return types.Backtest{}, err
	}
	strategyID := strings.TrimSpace(req.StrategyID)
	if strategyID == "" {
		return types.Backtest{}, validationf(opRunBacktest, "strategy id is required")
	}
	symbol, tf, err := validateMarket(opRunBacktest, req.Symbol, req.Timeframe)
	if err != nil {
		return types.Backtest{}, err
	}
	if err := validateWindow(opRunBacktest, req.StartDate, req.EndDate); err != nil {
		return types.Backtest{}, err
	}
	if req.InitialCapital <= 0 {
		return types.Backtest{}, validationf(opRunBacktest, "initial capital must be positive")
	}

	raw, err := c.do(ctx, opRunBacktest, request{
		method: http.MethodPost,
		path:   c.functionsPath + "/run-backtest",
		token:  sess.AccessToken,
		body: backtestPayload{
			StrategyID:     strategyID,
			Symbol:         symbol,
			Timeframe:      tf,
			StartDate:      strings.TrimSpace(req.StartDate),
			EndDate:        strings.TrimSpace(req.EndDate),
			InitialCapital: req.InitialCapital,
		},
	})
	if err != nil {
		return types.Backtest{}, err
	}
	payload, err := unwrapEnvelope(opRunBacktest, raw, "data", "backtest")
	if err != nil {
		return types.Backtest{}, err
	}
	if payload.IsArray() {
		rows := payload.Array()
		if len(rows) != 1 {
			return types.Backtest{}, validationf(opRunBacktest, "expected one backtest row, got %d", len(rows))
		}
		payload = rows[0]
	}
	var bt types.Backtest
	if err := decodeRow(opRunBacktest, schemaBacktest, []byte(payload.Raw), &bt); err != nil {
		return types.Backtest{}, err
	}
	return bt, nil
}

func validateMarket(op, symbol, timeframe string) (string, string, error) {
	sym := types.NormalizeSymbol(symbol)
	if sym == "" {
		return "", "", validationf(op, "symbol is required")
	}
	if strings.TrimSpace(timeframe) == "" {
		return "", "", validationf(op, "timeframe is required")
	}
	tf, err := types.ParseTimeframe(timeframe)
	if err != nil {
		return "", "", validationf(op, "%v", err)
	}
	return sym, tf.Key, nil
}

// validateWindow requires both dates (YYYY-MM-DD or RFC3339) and rejects an
// end date before the start date.
func validateWindow(op, start, end string) error {
	from, err := parseDate(start)
	if err != nil {
		return validationf(op, "invalid start date %q", start)
	}
	to, err := parseDate(end)
	if err != nil {
		return validationf(op, "invalid end date %q", end)
	}
	if to.Before(from) {
		return validationf(op, "end date %s is before start date %s", strings.TrimSpace(end), strings.TrimSpace(start))
	}
	return nil
}

func parseDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if t, err := time.Parse(time.DateOnly, raw); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, raw)
}

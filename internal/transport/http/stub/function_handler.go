package stubhttp

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"sandbox/internal/logger"
	"sandbox/internal/stub"
	"sandbox/internal/types"
)

const modelKeyHeader = "X-OpenRouter-Key"

type trainBody struct {
	Symbol          string         `json:"symbol"`
	Timeframe       string         `json:"timeframe"`
	StartDate       string         `json:"startDate"`
	EndDate         string         `json:"endDate"`
	ModelName       string         `json:"modelName"`
	Hyperparameters map[string]any `json:"hyperparameters"`
}

type backtestBody struct {
	StrategyID     string  `json:"strategy_id"`
	Symbol         string  `json:"symbol"`
	Timeframe      string  `json:"timeframe"`
	StartDate      string  `json:"start_date"`
	EndDate        string  `json:"end_date"`
	InitialCapital float64 `json:"initial_capital"`
}

type candleRow struct {
	Timestamp int64   `json:"timestamp"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}

func (h *handlers) registerFunctions(group *gin.RouterGroup) {
	group.GET("/fetch-blofin-data", h.handleMarketData)
	group.POST("/train-ai-strategy", h.handleTrain)
	group.POST("/run-backtest", h.handleBacktest)
}

func (h *handlers) handleMarketData(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		fnError(c, http.StatusUnauthorized, "Unauthorized")
		return
	}
	if !h.limits.allow(user.ID) {
		fnError(c, http.StatusTooManyRequests, "rate limited")
		return
	}
	symbol := types.NormalizeSymbol(c.Query("symbol"))
	if symbol == "" {
		fnError(c, http.StatusBadRequest, "symbol is required")
		return
	}
	tf, err := types.ParseTimeframe(c.Query("timeframe"))
	if err != nil {
		fnError(c, http.StatusBadRequest, err.Error())
		return
	}
	limit := types.DefaultCandleLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			fnError(c, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	candles, err := h.source.Candles(c.Request.Context(), symbol, tf.Key, limit)
	if err != nil {
		logger.Warnf("stub: market data %s %s failed: %v", symbol, tf.Key, err)
		fnError(c, http.StatusBadGateway, "market data unavailable")
		return
	}
	rows := make([]candleRow, 0, len(candles))
	for _, cd := range candles {
		rows = append(rows, candleRow{
			Timestamp: cd.Timestamp.UnixMilli(),
			Open:      cd.Open,
			High:      cd.High,
			Low:       cd.Low,
			Close:     cd.Close,
			Volume:    cd.Volume,
		})
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": rows})
}

// handleTrain creates the AI strategy synchronously; the job is reported as
// completed straight away.
func (h *handlers) handleTrain(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		fnError(c, http.StatusUnauthorized, "Unauthorized")
		return
	}
	if strings.TrimSpace(c.GetHeader(modelKeyHeader)) == "" {
		fnError(c, http.StatusBadRequest, "OpenRouter API key is required")
		return
	}
	var body trainBody
	if err := c.ShouldBindJSON(&body); err != nil {
		fnError(c, http.StatusBadRequest, "invalid JSON body")
		return
	}
	symbol := types.NormalizeSymbol(body.Symbol)
	tf, err := types.ParseTimeframe(body.Timeframe)
	if symbol == "" || err != nil {
		fnError(c, http.StatusBadRequest, "symbol and a supported timeframe are required")
		return
	}
	if _, _, err := parseWindow(body.StartDate, body.EndDate, tf); err != nil {
		fnError(c, http.StatusBadRequest, err.Error())
		return
	}
	model := strings.TrimSpace(body.ModelName)
	if model == "" {
		fnError(c, http.StatusBadRequest, "modelName is required")
		return
	}
	cfg := map[string]any{
		"model_name":      model,
		"symbol":          symbol,
		"timeframe":       tf.Key,
		"start_date":      body.StartDate,
		"end_date":        body.EndDate,
		"hyperparameters": orEmpty(body.Hyperparameters),
	}
	name := fmt.Sprintf("AI %s %s %s", model, symbol, tf.Key)
	st, err := h.store.CreateStrategy(c.Request.Context(), user.ID, name, types.StrategyAI, cfg)
	if err != nil {
		logger.Errorf("stub: train strategy for %s failed: %v", user.Email, err)
		fnError(c, http.StatusInternalServerError, "failed to create strategy")
		return
	}
	jobID := uuid.NewString()
	logger.Infof("stub: training job %s produced strategy %s", jobID, st.ID)
	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"jobId":      jobID,
		"status":     "completed",
		"strategyId": st.ID,
		"message":    "strategy " + name + " created",
	})
}

func (h *handlers) handleBacktest(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		fnError(c, http.StatusUnauthorized, "Unauthorized")
		return
	}
	var body backtestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		fnError(c, http.StatusBadRequest, "invalid JSON body")
		return
	}
	ctx := c.Request.Context()
	st, err := h.store.GetStrategy(ctx, user.ID, strings.TrimSpace(body.StrategyID))
	if errors.Is(err, stub.ErrNotFound) {
		fnError(c, http.StatusNotFound, "Strategy not found")
		return
	}
	if err != nil {
		fnError(c, http.StatusInternalServerError, err.Error())
		return
	}
	tf, err := types.ParseTimeframe(body.Timeframe)
	if err != nil {
		fnError(c, http.StatusBadRequest, err.Error())
		return
	}
	from, to, err := parseWindow(body.StartDate, body.EndDate, tf)
	if err != nil {
		fnError(c, http.StatusBadRequest, err.Error())
		return
	}
	if body.InitialCapital <= 0 {
		fnError(c, http.StatusBadRequest, "initial_capital must be positive")
		return
	}
	result, err := stub.RunBacktest(ctx, h.source, st, stub.BacktestInput{
		Symbol:         body.Symbol,
		Timeframe:      tf.Key,
		From:           from,
		To:             to,
		InitialCapital: body.InitialCapital,
	})
	if err != nil {
		fnError(c, http.StatusUnprocessableEntity, err.Error())
		return
	}
	saved, err := h.store.SaveBacktest(ctx, result)
	if err != nil {
		fnError(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": saved})
}

// parseWindow accepts YYYY-MM-DD or RFC3339. A date-only end covers that
// whole day.
func parseWindow(start, end string, tf types.Timeframe) (time.Time, time.Time, error) {
	from, _, err := parseDate(start)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid start date %q", start)
	}
	to, dateOnly, err := parseDate(end)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid end date %q", end)
	}
	if to.Before(from) {
		return time.Time{}, time.Time{}, fmt.Errorf("end date is before start date")
	}
	if dateOnly {
		to = to.AddDate(0, 0, 1).Add(-tf.Duration)
	}
	return from, to, nil
}

func parseDate(raw string) (time.Time, bool, error) {
	raw = strings.TrimSpace(raw)
	if t, err := time.Parse(time.DateOnly, raw); err == nil {
		return t.UTC(), true, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	return t.UTC(), false, err
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func fnError(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"success": false, "error": message})
}

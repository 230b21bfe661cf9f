package types

import (
	"strings"
	"time"
)

// StrategyType says how a strategy was authored.
type StrategyType string

const (
	StrategyManual    StrategyType = "manual"
	StrategyAI        StrategyType = "ai"
	StrategyIndicator StrategyType = "indicator"
)

// ParseStrategyType normalizes input and reports whether it names a known type.
func ParseStrategyType(raw string) (StrategyType, bool) {
	switch StrategyType(strings.ToLower(strings.TrimSpace(raw))) {
	case StrategyManual:
		return StrategyManual, true
	case StrategyAI:
		return StrategyAI, true
	case StrategyIndicator:
		return StrategyIndicator, true
	default:
		return "", false
	}
}

// Strategy is a remote-owned strategy row.
type Strategy struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id"`
	Name      string         `json:"name"`
	Type      StrategyType   `json:"type"`
	Config    map[string]any `json:"config"`
	CreatedAt time.Time      `json:"created_at"`
}

func (s Strategy) GetID() string { return s.ID }

// Backtest is a remote-owned backtest result row.
type Backtest struct {
	ID             string    `json:"id"`
	StrategyID     string    `json:"strategy_id"`
	UserID         string    `json:"user_id,omitempty"`
	Symbol         string    `json:"symbol,omitempty"`
	Timeframe      string    `json:"timeframe,omitempty"`
	StartDate      string    `json:"start_date,omitempty"`
	EndDate        string    `json:"end_date,omitempty"`
	InitialCapital float64   `json:"initial_capital,omitempty"`
	FinalCapital   float64   `json:"final_capital,omitempty"`
	TotalReturn    float64   `json:"total_return"`
	MaxDrawdown    float64   `json:"max_drawdown"`
	WinRate        float64   `json:"win_rate"`
	TotalTrades    int       `json:"total_trades,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

func (b Backtest) GetID() string { return b.ID }

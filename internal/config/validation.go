package config

import (
	"fmt"
	"net/url"
	"slices"
	"strings"

	"sandbox/internal/types"
)

// validate checks every section.
func validate(c *Config) error {
	if err := c.Backend.validate(); err != nil {
		return err
	}
	if err := c.Sandbox.validate(); err != nil {
		return err
	}
	if err := c.Stub.validate(); err != nil {
		return err
	}
	return nil
}

func (b *BackendConfig) validate() error {
	if strings.TrimSpace(b.BaseURL) == "" {
		return fmt.Errorf("backend.base_url cannot be empty")
	}
	parsed, err := url.Parse(b.BaseURL)
	if err != nil {
		return fmt.Errorf("backend.base_url is invalid: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("backend.base_url must be http(s), got %q", b.BaseURL)
	}
	if parsed.Host == "" {
		return fmt.Errorf("backend.base_url is missing a host")
	}
	if b.TimeoutSeconds < 0 {
		return fmt.Errorf("backend.timeout_seconds must be >= 0")
	}
	if b.RateLimitPerMin < 0 {
		return fmt.Errorf("backend.rate_limit_per_min must be >= 0")
	}
	return nil
}

func (s *SandboxConfig) validate() error {
	if len(s.Symbols) == 0 {
		return fmt.Errorf("sandbox.symbols requires at least one symbol")
	}
	if len(s.Timeframes) == 0 {
		return fmt.Errorf("sandbox.timeframes requires at least one timeframe")
	}
	for _, tf := range s.Timeframes {
		if _, err := types.ParseTimeframe(tf); err != nil {
			return fmt.Errorf("sandbox.timeframes: %w", err)
		}
	}
	if !slices.Contains(s.Symbols, s.DefaultSymbol) {
		return fmt.Errorf("sandbox.default_symbol %q is not in sandbox.symbols", s.DefaultSymbol)
	}
	if !slices.Contains(s.Timeframes, s.DefaultTimeframe) {
		return fmt.Errorf("sandbox.default_timeframe %q is not in sandbox.timeframes", s.DefaultTimeframe)
	}
	if s.MarketLimit <= 0 || s.MarketLimit > 1000 {
		return fmt.Errorf("sandbox.market_limit must be within 1..1000")
	}
	return nil
}

func (s *StubConfig) validate() error {
	switch s.MarketSource {
	case "synthetic", "binance":
	default:
		return fmt.Errorf("stub.market_source must be synthetic or binance, got %q", s.MarketSource)
	}
	if s.TokenTTLSeconds <= 0 {
		return fmt.Errorf("stub.token_ttl_seconds must be > 0")
	}
	return nil
}

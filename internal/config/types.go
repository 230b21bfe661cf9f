package config

import (
	"strings"
	"time"
)

// Config is shared by the sandbox client and the local stub backend.
type Config struct {
	App     AppConfig     `toml:"app"`
	Backend BackendConfig `toml:"backend"`
	Sandbox SandboxConfig `toml:"sandbox"`
	Stub    StubConfig    `toml:"stub"`
}

type AppConfig struct {
	Env      string `toml:"env"`
	LogLevel string `toml:"log_level"`
	LogPath  string `toml:"log_path"`
}

// BackendConfig describes where the auth provider, data store and compute
// functions live. All three share one base URL and differ by path prefix.
type BackendConfig struct {
	BaseURL            string `toml:"base_url"`
	AnonKey            string `toml:"anon_key"`
	AuthPath           string `toml:"auth_path"`
	RestPath           string `toml:"rest_path"`
	FunctionsPath      string `toml:"functions_path"`
	TimeoutSeconds     int    `toml:"timeout_seconds"`
	RateLimitPerMin    int    `toml:"rate_limit_per_min"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

// Timeout returns the per-request HTTP timeout; zero disables it.
func (b BackendConfig) Timeout() time.Duration {
	if b.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(b.TimeoutSeconds) * time.Second
}

// SandboxConfig holds the view defaults and selectable catalogs.
type SandboxConfig struct {
	DefaultSymbol    string   `toml:"default_symbol"`
	DefaultTimeframe string   `toml:"default_timeframe"`
	Symbols          []string `toml:"symbols"`
	Timeframes       []string `toml:"timeframes"`
	MarketLimit      int      `toml:"market_limit"`
}

// StubConfig configures the local stub backend used in development and e2e tests.
type StubConfig struct {
	Addr                string `toml:"addr"`
	DBPath              string `toml:"db_path"`
	SeedPath            string `toml:"seed_path"`
	MarketSource        string `toml:"market_source"` // "synthetic" | "binance"
	BinanceRESTURL      string `toml:"binance_rest_url"`
	RequireConfirmation bool   `toml:"require_confirmation"`
	TokenTTLSeconds     int    `toml:"token_ttl_seconds"`
	MarketRatePerMin    int    `toml:"market_rate_per_min"`
}

// TokenTTL returns the lifetime of access tokens issued by the stub.
func (s StubConfig) TokenTTL() time.Duration {
	return time.Duration(s.TokenTTLSeconds) * time.Second
}

type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}

// fieldDefault sets one field when its key was absent from the config.
type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}

package config

import (
	"strings"

	"sandbox/internal/types"
)

// Defaults.
const (
	defaultAppEnv             = "dev"
	defaultAppLogLevel        = "info"
	defaultBackendBaseURL     = "http://127.0.0.1:54321"
	defaultBackendAuthPath    = "/auth/v1"
	defaultBackendRestPath    = "/rest/v1"
	defaultBackendFuncPath    = "/functions/v1"
	defaultBackendTimeout     = 15
	defaultBackendRatePerMin  = 120
	defaultStubAddr           = ":54321"
	defaultStubDBPath         = "data/stub.db"
	defaultStubMarketSource   = "synthetic"
	defaultStubBinanceREST    = "https://api.binance.com"
	defaultStubTokenTTLSecond = 3600
	defaultStubMarketRate     = 60
)

// applyDefaults fills unset fields in every section.
func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Backend.applyDefaults(keys)
	c.Sandbox.applyDefaults(keys)
	c.Stub.applyDefaults(keys)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
	)
}

func (b *BackendConfig) applyDefaults(keys keySet) {
	if b == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("backend.base_url", &b.BaseURL, defaultBackendBaseURL),
		stringFieldDefault("backend.auth_path", &b.AuthPath, defaultBackendAuthPath),
		stringFieldDefault("backend.rest_path", &b.RestPath, defaultBackendRestPath),
		stringFieldDefault("backend.functions_path", &b.FunctionsPath, defaultBackendFuncPath),
		intFieldDefault("backend.timeout_seconds", &b.TimeoutSeconds, defaultBackendTimeout),
		intFieldDefault("backend.rate_limit_per_min", &b.RateLimitPerMin, defaultBackendRatePerMin),
	)
	b.BaseURL = strings.TrimRight(strings.TrimSpace(b.BaseURL), "/")
	b.AuthPath = normalizePathPrefix(b.AuthPath)
	b.RestPath = normalizePathPrefix(b.RestPath)
	b.FunctionsPath = normalizePathPrefix(b.FunctionsPath)
}

func (s *SandboxConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("sandbox.default_symbol", &s.DefaultSymbol, types.DefaultSymbol),
		stringFieldDefault("sandbox.default_timeframe", &s.DefaultTimeframe, types.DefaultTimeframe),
		fieldDefault{
			key:   "sandbox.symbols",
			need:  func() bool { return len(s.Symbols) == 0 },
			apply: func() { s.Symbols = append([]string(nil), types.DefaultSymbols...) },
		},
		fieldDefault{
			key:   "sandbox.timeframes",
			need:  func() bool { return len(s.Timeframes) == 0 },
			apply: func() { s.Timeframes = append([]string(nil), types.DefaultTimeframes...) },
		},
		intFieldDefault("sandbox.market_limit", &s.MarketLimit, types.DefaultCandleLimit),
	)
	s.DefaultSymbol = types.NormalizeSymbol(s.DefaultSymbol)
	s.Symbols = normalizeList(s.Symbols, types.NormalizeSymbol)
	s.Timeframes = normalizeList(s.Timeframes, strings.TrimSpace)
}

func (s *StubConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("stub.addr", &s.Addr, defaultStubAddr),
		stringFieldDefault("stub.db_path", &s.DBPath, defaultStubDBPath),
		stringFieldDefault("stub.market_source", &s.MarketSource, defaultStubMarketSource),
		stringFieldDefault("stub.binance_rest_url", &s.BinanceRESTURL, defaultStubBinanceREST),
		intFieldDefault("stub.token_ttl_seconds", &s.TokenTTLSeconds, defaultStubTokenTTLSecond),
		intFieldDefault("stub.market_rate_per_min", &s.MarketRatePerMin, defaultStubMarketRate),
	)
	s.MarketSource = strings.ToLower(strings.TrimSpace(s.MarketSource))
}

// Helper functions

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key: key,
		need: func() bool {
			return target != nil && strings.TrimSpace(*target) == ""
		},
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func intFieldDefault(key string, target *int, def int) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil && *target <= 0 },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func normalizePathPrefix(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return strings.TrimRight(p, "/")
}

func normalizeList(items []string, norm func(string) string) []string {
	if len(items) == 0 {
		return nil
	}
	out := make([]string, 0, len(items))
	seen := make(map[string]bool, len(items))
	for _, item := range items {
		item = norm(item)
		if item == "" || seen[item] {
			continue
		}
		seen[item] = true
		out = append(out, item)
	}
	return out
}

package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	sbcfg "sandbox/internal/config"
	"sandbox/internal/gateway/binance"
	"sandbox/internal/logger"
	"sandbox/internal/pkg/circuit"
	"sandbox/internal/stub"
	stubhttp "sandbox/internal/transport/http/stub"
)

// StubBackend is the local backend: its store plus the HTTP server in front.
type StubBackend struct {
	Store  *stub.Store
	Server *stubhttp.Server
}

// NewStubBackend opens the stub store, applies the seed file if configured
// and builds the server with the configured candle source.
func NewStubBackend(ctx context.Context, cfg *sbcfg.Config) (*StubBackend, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	store, err := stub.OpenStore(cfg.Stub.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open stub store: %w", err)
	}
	if path := strings.TrimSpace(cfg.Stub.SeedPath); path != "" {
		seed, err := stub.ReadSeed(path)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		if err := stub.ApplySeed(ctx, store, seed); err != nil {
			_ = store.Close()
			return nil, err
		}
	}
	source, err := newCandleSource(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	server, err := stubhttp.NewServer(stubhttp.ServerConfig{
		Addr:                cfg.Stub.Addr,
		AnonKey:             cfg.Backend.AnonKey,
		AuthPath:            cfg.Backend.AuthPath,
		RestPath:            cfg.Backend.RestPath,
		FunctionsPath:       cfg.Backend.FunctionsPath,
		Store:               store,
		Source:              source,
		TokenTTL:            cfg.Stub.TokenTTL(),
		RequireConfirmation: cfg.Stub.RequireConfirmation,
		MarketRatePerMin:    cfg.Stub.MarketRatePerMin,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	logger.Infof("✓ stub backend %s (db=%s market=%s)", cfg.Stub.Addr, cfg.Stub.DBPath, cfg.Stub.MarketSource)
	return &StubBackend{Store: store, Server: server}, nil
}

func newCandleSource(cfg *sbcfg.Config) (stub.CandleSource, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Stub.MarketSource)) {
	case "binance":
		src, err := binance.New(binance.Config{RESTBaseURL: cfg.Stub.BinanceRESTURL})
		if err != nil {
			return nil, fmt.Errorf("init binance source: %w", err)
		}
		breaker := circuit.New("binance-klines", 3, time.Minute)
		return stub.NewFallbackSource(src, stub.NewSyntheticSource(), breaker), nil
	default:
		return stub.NewSyntheticSource(), nil
	}
}

// Run serves until ctx is cancelled and then closes the store.
func (b *StubBackend) Run(ctx context.Context) error {
	defer b.Store.Close()
	return b.Server.Start(ctx)
}

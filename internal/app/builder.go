package app

import (
	"context"
	"fmt"

	sbcfg "sandbox/internal/config"
	"sandbox/internal/gateway/auth"
	"sandbox/internal/logger"
	"sandbox/internal/orchestrator"
	"sandbox/internal/remote"
	"sandbox/internal/session"
)

// AppBuilder assembles the client stack. The constructor hooks can be
// swapped in tests.
type AppBuilder struct {
	cfg *sbcfg.Config

	authProviderFn func(sbcfg.BackendConfig) (*auth.Provider, error)
	remoteClientFn func(sbcfg.BackendConfig, remote.SessionSource) (*remote.Client, error)

	providerOverride session.Provider
}

type AppBuilderOption func(*AppBuilder)

// WithSessionProvider replaces the HTTP auth adapter.
func WithSessionProvider(p session.Provider) AppBuilderOption {
	return func(b *AppBuilder) {
		b.providerOverride = p
	}
}

func NewAppBuilder(cfg *sbcfg.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:            cfg,
		authProviderFn: auth.NewProvider,
		remoteClientFn: remote.NewClient,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func (b *AppBuilder) Build(ctx context.Context) (*App, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	cfg := b.cfg
	logger.SetLevel(cfg.App.LogLevel)

	var (
		provider session.Provider
		authAPI  *auth.Provider
	)
	if b.providerOverride != nil {
		provider = b.providerOverride
	} else {
		p, err := b.authProviderFn(cfg.Backend)
		if err != nil {
			return nil, fmt.Errorf("failed to init auth provider: %w", err)
		}
		provider, authAPI = p, p
	}
	store := session.NewStore(provider)

	client, err := b.remoteClientFn(cfg.Backend, store)
	if err != nil {
		return nil, fmt.Errorf("failed to init remote client: %w", err)
	}
	orch := orchestrator.New(store, client, orchestrator.OptionsFromConfig(cfg.Sandbox))
	logger.Infof("✓ backend %s (auth=%s rest=%s functions=%s)", cfg.Backend.BaseURL, cfg.Backend.AuthPath, cfg.Backend.RestPath, cfg.Backend.FunctionsPath)

	return &App{
		cfg:      cfg,
		auth:     authAPI,
		sessions: store,
		client:   client,
		orch:     orch,
		Summary:  newStartupSummary(cfg),
	}, nil
}

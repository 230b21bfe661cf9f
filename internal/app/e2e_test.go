package app

import (
	"bytes"
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sbcfg "sandbox/internal/config"
	"sandbox/internal/gateway/auth"
	"sandbox/internal/orchestrator"
	"sandbox/internal/remote"
	"sandbox/internal/session"
	"sandbox/internal/stub"
	stubhttp "sandbox/internal/transport/http/stub"
)

const e2eAnonKey = "anon-e2e"

// startBackend runs the local backend with a single confirmed user
// a@b.com / secret and returns a client config pointing at it.
func startBackend(t *testing.T, mutate func(*stubhttp.ServerConfig)) *sbcfg.Config {
	t.Helper()
	store, err := stub.OpenStore(filepath.Join(t.TempDir(), "stub.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	_, err = store.CreateUser(context.Background(), "a@b.com", "secret", true)
	require.NoError(t, err)

	scfg := stubhttp.ServerConfig{
		AnonKey:  e2eAnonKey,
		Store:    store,
		Source:   stub.NewSyntheticSource(),
		TokenTTL: time.Hour,
	}
	if mutate != nil {
		mutate(&scfg)
	}
	server, err := stubhttp.NewServer(scfg)
	require.NoError(t, err)
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)

	cfg, err := sbcfg.Load("")
	require.NoError(t, err)
	cfg.App.LogLevel = "error"
	cfg.Backend.BaseURL = srv.URL
	cfg.Backend.AnonKey = e2eAnonKey
	return cfg
}

type stack struct {
	sessions *session.Store
	client   *remote.Client
	orch     *orchestrator.Orchestrator
}

func newStack(t *testing.T, cfg *sbcfg.Config) *stack {
	t.Helper()
	provider, err := auth.NewProvider(cfg.Backend)
	require.NoError(t, err)
	sessions := session.NewStore(provider)
	client, err := remote.NewClient(cfg.Backend, sessions)
	require.NoError(t, err)
	orch := orchestrator.New(sessions, client, orchestrator.OptionsFromConfig(cfg.Sandbox))

	ctx := context.Background()
	require.NoError(t, orch.Start(ctx))
	require.NoError(t, sessions.Start(ctx))
	t.Cleanup(func() {
		orch.Close()
		sessions.Close()
	})
	return &stack{sessions: sessions, client: client, orch: orch}
}

func (s *stack) signIn(t *testing.T) {
	t.Helper()
	require.NoError(t, s.orch.HandleSignIn(context.Background(), "a@b.com", "secret"))
	require.Eventually(t, func() bool {
		s.orch.Wait()
		v := s.orch.View()
		return v.Phase == orchestrator.PhaseReady && !v.Loading(orchestrator.RegionStrategies) && !v.Loading(orchestrator.RegionBacktests)
	}, 5*time.Second, 10*time.Millisecond)
}

func TestApp_RunSignsInAndActs(t *testing.T) {
	cfg := startBackend(t, nil)
	a, err := NewApp(cfg)
	require.NoError(t, err)
	var out bytes.Buffer
	a.SetOutput(&out)

	err = a.Run(context.Background(), RunOptions{
		Credentials:    Credentials{Email: "a@b.com", Password: "secret"},
		FetchMarket:    true,
		CreateStrategy: "My Strat",
	})
	require.NoError(t, err)

	text := out.String()
	assert.Contains(t, text, "[ready] a@b.com")
	assert.Contains(t, text, "Strategies (1)")
	assert.Contains(t, text, "My Strat [manual]")
	assert.Contains(t, text, "Candles (100) BTC-USDT 1H")
	assert.Contains(t, text, "No backtest results yet")
}

func TestApp_RunBacktestAction(t *testing.T) {
	t.Run("uses the created strategy", func(t *testing.T) {
		cfg := startBackend(t, nil)
		a, err := NewApp(cfg)
		require.NoError(t, err)
		var out bytes.Buffer
		a.SetOutput(&out)

		require.NoError(t, a.Run(context.Background(), RunOptions{
			Credentials:    Credentials{Email: "a@b.com", Password: "secret"},
			CreateStrategy: "Crossover",
			Backtest: &orchestrator.BacktestParams{
				StartDate:      "2025-01-01",
				EndDate:        "2025-02-01",
				InitialCapital: 1000,
			},
		}))
		text := out.String()
		assert.Contains(t, text, "* Crossover [manual]")
		assert.Contains(t, text, "Backtests (1)")
		assert.NotContains(t, text, "No backtest results yet")
	})

	t.Run("skipped without strategies", func(t *testing.T) {
		cfg := startBackend(t, nil)
		a, err := NewApp(cfg)
		require.NoError(t, err)
		var out bytes.Buffer
		a.SetOutput(&out)

		require.NoError(t, a.Run(context.Background(), RunOptions{
			Credentials: Credentials{Email: "a@b.com", Password: "secret"},
			Backtest:    &orchestrator.BacktestParams{},
		}))
		assert.Contains(t, out.String(), "No backtest results yet")
	})
}

func TestApp_RunWrongPassword(t *testing.T) {
	cfg := startBackend(t, nil)
	a, err := NewApp(cfg)
	require.NoError(t, err)
	var out bytes.Buffer
	a.SetOutput(&out)

	require.NoError(t, a.Run(context.Background(), RunOptions{
		Credentials: Credentials{Email: "a@b.com", Password: "wrong"},
		FetchMarket: true,
	}))
	text := out.String()
	assert.Contains(t, text, "[signed_out]")
	assert.Contains(t, text, "Invalid login credentials")
	assert.NotContains(t, text, "Candles (")
}

func TestApp_RunRefreshToken(t *testing.T) {
	cfg := startBackend(t, nil)
	provider, err := auth.NewProvider(cfg.Backend)
	require.NoError(t, err)
	sess, err := provider.SignInWithPassword(context.Background(), "a@b.com", "secret")
	require.NoError(t, err)

	a, err := NewApp(cfg)
	require.NoError(t, err)
	var out bytes.Buffer
	a.SetOutput(&out)
	require.NoError(t, a.Run(context.Background(), RunOptions{
		Credentials: Credentials{RefreshToken: sess.RefreshToken},
	}))
	assert.Contains(t, out.String(), "[ready] a@b.com")
}

func TestE2E_SignUpPendingConfirmation(t *testing.T) {
	cfg := startBackend(t, func(c *stubhttp.ServerConfig) { c.RequireConfirmation = true })
	s := newStack(t, cfg)

	require.NoError(t, s.orch.HandleSignUp(context.Background(), "new@b.com", "secret"))
	v := s.orch.View()
	assert.Equal(t, orchestrator.PhaseSignedOut, v.Phase)
	assert.Equal(t, orchestrator.PendingConfirmationMessage, v.Message)
}

func TestE2E_StrategyBacktestAndSignOut(t *testing.T) {
	cfg := startBackend(t, nil)
	s := newStack(t, cfg)
	ctx := context.Background()

	_, err := s.orch.HandleRunBacktest(ctx, orchestrator.BacktestParams{StartDate: "2025-01-01", EndDate: "2025-02-01", InitialCapital: 1000})
	assert.True(t, remote.IsKind(err, remote.KindNotAuthenticated))

	s.signIn(t)
	v := s.orch.View()
	assert.Equal(t, "a@b.com", v.Email)
	assert.Empty(t, v.Strategies)

	created, err := s.orch.HandleCreateStrategy(ctx, "Crossover")
	require.NoError(t, err)
	require.NoError(t, s.orch.SelectStrategy(created.ID))

	_, err = s.orch.HandleRunBacktest(ctx, orchestrator.BacktestParams{StartDate: "2025-02-01", EndDate: "2025-01-01", InitialCapital: 1000})
	assert.True(t, remote.IsKind(err, remote.KindValidationFailure))

	bt, err := s.orch.HandleRunBacktest(ctx, orchestrator.BacktestParams{
		Symbol:         "ETH-USDT",
		StartDate:      "2025-01-01",
		EndDate:        "2025-02-01",
		InitialCapital: 10000,
	})
	require.NoError(t, err)
	assert.Equal(t, created.ID, bt.StrategyID)
	v = s.orch.View()
	require.Len(t, v.Backtests, 1)
	assert.Equal(t, bt.ID, v.Backtests[0].ID)

	job, err := s.orch.HandleTrainAIStrategy(ctx, orchestrator.TrainParams{
		StartDate: "2025-01-01",
		EndDate:   "2025-02-01",
		ModelName: "test-model",
		ModelKey:  "sk-test",
	})
	require.NoError(t, err)
	assert.Equal(t, "completed", job.Status)
	assert.Contains(t, s.orch.View().Message, job.ID)

	require.NoError(t, s.orch.Refresh(ctx))
	s.orch.Wait()
	v = s.orch.View()
	assert.Len(t, v.Strategies, 2, "trained strategy shows up after refresh")
	assert.Len(t, v.Backtests, 1)

	require.NoError(t, s.orch.HandleSignOut(ctx))
	v = s.orch.View()
	assert.Equal(t, orchestrator.PhaseSignedOut, v.Phase)
	assert.Empty(t, v.Strategies)
	assert.Empty(t, v.Backtests)
	assert.Nil(t, v.SelectedStrategy)

	_, err = s.client.ListStrategies(ctx)
	require.NoError(t, err, "anonymous listing is allowed and empty")
}

func TestE2E_MarketDataRateLimited(t *testing.T) {
	cfg := startBackend(t, func(c *stubhttp.ServerConfig) { c.MarketRatePerMin = 1 })
	s := newStack(t, cfg)
	s.signIn(t)
	ctx := context.Background()

	require.NoError(t, s.orch.HandleFetchMarketData(ctx, "BTC-USDT", "1H"))
	assert.Len(t, s.orch.View().Candles, 100)

	err := s.orch.HandleFetchMarketData(ctx, "BTC-USDT", "1H")
	require.Error(t, err)
	assert.True(t, remote.IsKind(err, remote.KindRemoteRejected))
	v := s.orch.View()
	assert.Equal(t, "rate limited", v.Message)
	assert.Len(t, v.Candles, 100, "previous candles are kept on failure")
}

package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	sbcfg "sandbox/internal/config"
	"sandbox/internal/gateway/auth"
	"sandbox/internal/logger"
	"sandbox/internal/orchestrator"
	"sandbox/internal/remote"
	"sandbox/internal/session"
)

// App wires the session store, remote client and view orchestrator.
type App struct {
	cfg      *sbcfg.Config
	auth     *auth.Provider
	sessions *session.Store
	client   *remote.Client
	orch     *orchestrator.Orchestrator
	Summary  *StartupSummary

	out io.Writer
}

// Credentials select how the headless driver signs in. A refresh token
// takes precedence over email and password.
type Credentials struct {
	Email        string
	Password     string
	RefreshToken string
	SignUp       bool
}

// RunOptions drives one headless session.
type RunOptions struct {
	Credentials    Credentials
	FetchMarket    bool
	CreateStrategy string
	// Backtest, when set, runs a backtest on the selected strategy (the
	// newest one if none is selected). Empty dates default to the last
	// 30 days and a zero capital to 10000.
	Backtest *orchestrator.BacktestParams
	// Watch keeps the session open and prints the view on every change
	// until ctx is cancelled.
	Watch bool
}

// NewApp builds the application without starting it.
func NewApp(cfg *sbcfg.Config, opts ...AppBuilderOption) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return buildAppWithWire(context.Background(), cfg, opts)
}

// SetOutput redirects view rendering, which defaults to stdout.
func (a *App) SetOutput(w io.Writer) {
	a.out = w
}

func (a *App) output() io.Writer {
	if a.out == nil {
		return os.Stdout
	}
	return a.out
}

// Run starts the session, performs the requested actions and renders the view.
func (a *App) Run(ctx context.Context, opts RunOptions) error {
	if a == nil || a.orch == nil || a.sessions == nil {
		return fmt.Errorf("app not initialized")
	}
	if a.Summary != nil {
		a.Summary.Fprint(a.output())
	}

	if err := a.orch.Start(ctx); err != nil {
		return err
	}
	defer a.orch.Close()
	defer a.sessions.Close()

	if err := a.sessions.Start(ctx); err != nil {
		logger.Warnf("initial session check failed: %v", err)
	}
	if err := a.authenticate(ctx, opts.Credentials); err != nil {
		logger.Warnf("authentication failed: %v", err)
	}
	a.orch.Wait()

	if a.orch.View().Phase == orchestrator.PhaseReady {
		a.runActions(ctx, opts)
	}
	fmt.Fprintln(a.output(), FormatView(a.orch.View()))

	if !opts.Watch {
		return nil
	}
	unsub := a.sessions.OnChange(func(ch session.Change) {
		logger.Infof("session %s (%s -> %s)", ch.Kind, ch.Previous, ch.State)
	})
	defer unsub()
	<-ctx.Done()
	a.orch.Wait()
	fmt.Fprintln(a.output(), FormatView(a.orch.View()))
	return nil
}

func (a *App) authenticate(ctx context.Context, creds Credentials) error {
	if token := strings.TrimSpace(creds.RefreshToken); token != "" {
		if a.auth == nil {
			return fmt.Errorf("refresh token sign-in needs the HTTP auth provider")
		}
		_, err := a.auth.Restore(ctx, token)
		return err
	}
	if strings.TrimSpace(creds.Email) == "" {
		return nil
	}
	if creds.SignUp {
		return a.orch.HandleSignUp(ctx, creds.Email, creds.Password)
	}
	return a.orch.HandleSignIn(ctx, creds.Email, creds.Password)
}

func (a *App) runActions(ctx context.Context, opts RunOptions) {
	if name := strings.TrimSpace(opts.CreateStrategy); name != "" {
		if s, err := a.orch.HandleCreateStrategy(ctx, name); err != nil {
			logger.Warnf("create strategy %q failed: %v", name, err)
		} else {
			logger.Infof("✓ strategy created: %s (%s)", s.Name, s.ID)
			_ = a.orch.SelectStrategy(s.ID)
		}
	}
	if opts.FetchMarket {
		v := a.orch.View()
		if err := a.orch.HandleFetchMarketData(ctx, v.Symbol, v.Timeframe); err != nil {
			logger.Warnf("market data %s %s failed: %v", v.Symbol, v.Timeframe, err)
		}
	}
	if opts.Backtest != nil {
		a.runBacktest(ctx, *opts.Backtest)
	}
}

func (a *App) runBacktest(ctx context.Context, params orchestrator.BacktestParams) {
	v := a.orch.View()
	if params.StrategyID == "" && v.SelectedStrategy == nil {
		if len(v.Strategies) == 0 {
			logger.Warnf("backtest skipped: no strategies")
			return
		}
		params.StrategyID = v.Strategies[0].ID
	}
	now := time.Now().UTC()
	if strings.TrimSpace(params.EndDate) == "" {
		params.EndDate = now.Format(time.DateOnly)
	}
	if strings.TrimSpace(params.StartDate) == "" {
		params.StartDate = now.AddDate(0, 0, -30).Format(time.DateOnly)
	}
	if params.InitialCapital <= 0 {
		params.InitialCapital = 10000
	}
	bt, err := a.orch.HandleRunBacktest(ctx, params)
	if err != nil {
		logger.Warnf("backtest failed: %v", err)
		return
	}
	logger.Infof("✓ backtest finished: %s", FormatBacktest(bt))
}

// Orchestrator exposes the view orchestrator (for tests and embedding).
func (a *App) Orchestrator() *orchestrator.Orchestrator {
	if a == nil {
		return nil
	}
	return a.orch
}

// Sessions exposes the session store.
func (a *App) Sessions() *session.Store {
	if a == nil {
		return nil
	}
	return a.sessions
}

// WatchConfig re-applies the log level whenever the config file changes.
func WatchConfig(path string) error {
	return sbcfg.Watch(path, func(cfg *sbcfg.Config) {
		logger.SetLevel(cfg.App.LogLevel)
		logger.Infof("config reloaded, log level %s", cfg.App.LogLevel)
	})
}

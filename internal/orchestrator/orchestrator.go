// Package orchestrator ties the session store, the remote client and the
// list controllers into one view state.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"sandbox/internal/config"
	"sandbox/internal/listctl"
	"sandbox/internal/logger"
	"sandbox/internal/remote"
	"sandbox/internal/session"
	"sandbox/internal/types"
)

// SessionStore is the subset of session.Store the orchestrator drives.
type SessionStore interface {
	Current() (*types.Session, session.State)
	OnChange(fn session.Listener) (unsubscribe func())
	SignIn(ctx context.Context, email, password string) (*types.Session, error)
	SignUp(ctx context.Context, email, password string) (session.SignUpResult, error)
	SignOut(ctx context.Context) error
}

// RemoteClient is the subset of remote.Client the orchestrator calls.
type RemoteClient interface {
	FetchMarketData(ctx context.Context, symbol, timeframe string, limit int) ([]types.Candle, error)
	ListStrategies(ctx context.Context) ([]types.Strategy, error)
	ListBacktests(ctx context.Context) ([]types.Backtest, error)
	CreateStrategy(ctx context.Context, name string, typ types.StrategyType, cfg map[string]any) (types.Strategy, error)
	RunBacktest(ctx context.Context, req remote.BacktestRequest) (types.Backtest, error)
	TrainAIStrategy(ctx context.Context, req remote.TrainRequest) (remote.TrainJob, error)
}

// Options configures catalogs and defaults.
type Options struct {
	Symbols          []string
	Timeframes       []string
	DefaultSymbol    string
	DefaultTimeframe string
	MarketLimit      int
}

// OptionsFromConfig maps the sandbox config section.
func OptionsFromConfig(cfg config.SandboxConfig) Options {
	return Options{
		Symbols:          cfg.Symbols,
		Timeframes:       cfg.Timeframes,
		DefaultSymbol:    cfg.DefaultSymbol,
		DefaultTimeframe: cfg.DefaultTimeframe,
		MarketLimit:      cfg.MarketLimit,
	}
}

func (o Options) withDefaults() Options {
	if len(o.Symbols) == 0 {
		o.Symbols = slices.Clone(types.DefaultSymbols)
	}
	if len(o.Timeframes) == 0 {
		o.Timeframes = slices.Clone(types.DefaultTimeframes)
	}
	if strings.TrimSpace(o.DefaultSymbol) == "" {
		o.DefaultSymbol = types.DefaultSymbol
	}
	if strings.TrimSpace(o.DefaultTimeframe) == "" {
		o.DefaultTimeframe = types.DefaultTimeframe
	}
	if o.MarketLimit <= 0 {
		o.MarketLimit = types.DefaultCandleLimit
	}
	return o
}

// PendingConfirmationMessage is shown after a sign-up that needs email confirmation.
const PendingConfirmationMessage = "Check your email to confirm your account"

var (
	// ErrSuperseded is returned when a result arrived after the session
	// changed or a newer request replaced it; the result was discarded.
	ErrSuperseded   = errors.New("result discarded: superseded by a newer state")
	ErrNotInCatalog = errors.New("not in catalog")
	ErrUnknownItem  = errors.New("unknown id")
)

// Orchestrator owns the view state. All state is guarded by mu; remote calls
// run without holding it.
type Orchestrator struct {
	store  SessionStore
	client RemoteClient
	opts   Options

	strategies *listctl.Controller[types.Strategy]
	backtests  *listctl.Controller[types.Backtest]

	mu              sync.Mutex
	phase           Phase
	generation      uint64
	userID          string
	email           string
	symbol          string
	timeframe       string
	candles         []types.Candle
	candleSymbol    string
	candleTimeframe string
	marketSeq       uint64
	message         string
	pending         map[Region]int
	loadErrors      map[Region]string
	baseCtx         context.Context
	loadCtx         context.Context
	cancelLoads     context.CancelFunc
	unsub           func()
	closed          bool

	wg sync.WaitGroup
}

func New(store SessionStore, client RemoteClient, opts Options) *Orchestrator {
	opts = opts.withDefaults()
	return &Orchestrator{
		store:      store,
		client:     client,
		opts:       opts,
		strategies: listctl.New[types.Strategy](),
		backtests:  listctl.New[types.Backtest](),
		phase:      PhaseLoading,
		symbol:     opts.DefaultSymbol,
		timeframe:  opts.DefaultTimeframe,
		pending:    make(map[Region]int),
		loadErrors: make(map[Region]string),
	}
}

// Start registers the session listener and applies the store's current
// state if it is already resolved.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.unsub != nil || o.closed {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator already started or closed")
	}
	o.baseCtx = context.WithoutCancel(ctx)
	o.loadCtx, o.cancelLoads = context.WithCancel(o.baseCtx)
	o.mu.Unlock()

	unsub := o.store.OnChange(o.onSessionChange)
	o.mu.Lock()
	o.unsub = unsub
	o.mu.Unlock()

	if sess, state := o.store.Current(); state != session.StateIndeterminate {
		o.onSessionChange(session.Change{Kind: session.EventInitialSession, Session: sess, State: state})
	}
	return nil
}

// Close unregisters the listener, cancels background loads and waits for them.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	unsub := o.unsub
	o.unsub = nil
	if o.cancelLoads != nil {
		o.cancelLoads()
	}
	o.generation++
	o.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	o.wg.Wait()
}

// Wait blocks until background list loads finish.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func (o *Orchestrator) onSessionChange(ch session.Change) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	switch ch.State {
	case session.StateAuthenticated:
		if ch.Session == nil {
			return
		}
		o.email = ch.Session.Email
		if o.phase == PhaseReady && o.userID == ch.Session.UserID {
			// token refresh or profile update for the same user
			return
		}
		o.resetLocked()
		o.userID = ch.Session.UserID
		o.email = ch.Session.Email
		o.phase = PhaseReady
		logger.Infof("orchestrator: signed in as %s, loading lists", o.email)
		o.launchLoadsLocked()
	case session.StateUnauthenticated:
		if o.phase == PhaseSignedOut {
			return
		}
		o.resetLocked()
		o.phase = PhaseSignedOut
		logger.Infof("orchestrator: signed out, view cleared")
	}
}

// resetLocked drops everything scoped to the previous user and bumps the
// generation so late results are discarded.
func (o *Orchestrator) resetLocked() {
	o.generation++
	if o.cancelLoads != nil {
		o.cancelLoads()
	}
	base := o.baseCtx
	if base == nil {
		base = context.Background()
	}
	o.loadCtx, o.cancelLoads = context.WithCancel(base)
	o.userID = ""
	o.email = ""
	o.strategies.Clear()
	o.backtests.Clear()
	o.candles = nil
	o.candleSymbol = ""
	o.candleTimeframe = ""
	o.symbol = o.opts.DefaultSymbol
	o.timeframe = o.opts.DefaultTimeframe
	o.message = ""
	clear(o.pending)
	clear(o.loadErrors)
}

func (o *Orchestrator) launchLoadsLocked() {
	gen := o.generation
	ctx := o.loadCtx
	o.pending[RegionStrategies]++
	o.pending[RegionBacktests]++
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.loadLists(ctx, gen)
	}()
}

// loadLists fetches both lists concurrently. Each load is its own failure
// domain; neither cancels the other.
func (o *Orchestrator) loadLists(ctx context.Context, gen uint64) error {
	var g errgroup.Group
	var strategiesErr, backtestsErr error
	g.Go(func() error {
		items, err := o.client.ListStrategies(ctx)
		strategiesErr = o.finishLoad(gen, RegionStrategies, err, func() { o.strategies.Replace(items) })
		return nil
	})
	g.Go(func() error {
		items, err := o.client.ListBacktests(ctx)
		backtestsErr = o.finishLoad(gen, RegionBacktests, err, func() { o.backtests.Replace(items) })
		return nil
	})
	_ = g.Wait()
	return errors.Join(strategiesErr, backtestsErr)
}

func (o *Orchestrator) finishLoad(gen uint64, region Region, err error, apply func()) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if gen != o.generation {
		logger.Debugf("orchestrator: discarding stale %s load", region)
		return ErrSuperseded
	}
	if o.pending[region] > 0 {
		o.pending[region]--
	}
	if err != nil {
		msg := remote.UserMessage(err)
		logger.Warnf("orchestrator: loading %s failed: %v", region, err)
		o.loadErrors[region] = msg
		o.message = msg
		return err
	}
	delete(o.loadErrors, region)
	apply()
	return nil
}

// begin gates a user action on an authenticated view, clears the message
// slot and returns the generation the action runs under.
func (o *Orchestrator) begin(op string) (uint64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.message = ""
	if o.closed || o.phase != PhaseReady {
		err := &remote.Error{Kind: remote.KindNotAuthenticated, Op: op, Message: "not authenticated"}
		o.message = remote.UserMessage(err)
		return 0, err
	}
	return o.generation, nil
}

// fail records err in the message slot if gen is still current.
func (o *Orchestrator) fail(gen uint64, err error) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if gen != o.generation {
		return ErrSuperseded
	}
	o.message = remote.UserMessage(err)
	return err
}

// Refresh re-fetches both lists and reports any load failures.
func (o *Orchestrator) Refresh(ctx context.Context) error {
	gen, err := o.begin("refresh")
	if err != nil {
		return err
	}
	o.mu.Lock()
	if gen != o.generation {
		o.mu.Unlock()
		return ErrSuperseded
	}
	o.pending[RegionStrategies]++
	o.pending[RegionBacktests]++
	o.mu.Unlock()
	return o.loadLists(ctx, gen)
}

// HandleFetchMarketData records the selection and loads candles for it. Only
// catalog entries become the selection. On failure the previous candles stay
// in place.
func (o *Orchestrator) HandleFetchMarketData(ctx context.Context, symbol, timeframe string) error {
	const op = "fetch market data"
	gen, err := o.begin(op)
	if err != nil {
		return err
	}
	sym := types.NormalizeSymbol(symbol)
	tf := strings.TrimSpace(timeframe)
	tfKnown := false
	if parsed, perr := types.ParseTimeframe(tf); perr == nil {
		tf = parsed.Key
		tfKnown = slices.Contains(o.opts.Timeframes, tf)
	}

	o.mu.Lock()
	if gen != o.generation {
		o.mu.Unlock()
		return ErrSuperseded
	}
	if slices.Contains(o.opts.Symbols, sym) {
		o.symbol = sym
	}
	if tfKnown {
		o.timeframe = tf
	}
	o.marketSeq++
	seq := o.marketSeq
	o.pending[RegionMarket]++
	limit := o.opts.MarketLimit
	o.mu.Unlock()

	candles, err := o.client.FetchMarketData(ctx, sym, tf, limit)

	o.mu.Lock()
	defer o.mu.Unlock()
	if gen != o.generation {
		return ErrSuperseded
	}
	if o.pending[RegionMarket] > 0 {
		o.pending[RegionMarket]--
	}
	if seq != o.marketSeq {
		if err != nil {
			return err
		}
		return ErrSuperseded
	}
	if err != nil {
		logger.Warnf("orchestrator: market data %s %s failed: %v", sym, tf, err)
		o.message = remote.UserMessage(err)
		o.loadErrors[RegionMarket] = o.message
		return err
	}
	o.candles = candles
	o.candleSymbol = sym
	o.candleTimeframe = tf
	o.message = ""
	delete(o.loadErrors, RegionMarket)
	return nil
}

// HandleCreateStrategy creates an empty manual strategy and prepends it to
// the list without re-fetching.
func (o *Orchestrator) HandleCreateStrategy(ctx context.Context, name string) (types.Strategy, error) {
	gen, err := o.begin("create strategy")
	if err != nil {
		return types.Strategy{}, err
	}
	created, err := o.client.CreateStrategy(ctx, name, types.StrategyManual, map[string]any{})
	if err != nil {
		return types.Strategy{}, o.fail(gen, err)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if gen != o.generation {
		return types.Strategy{}, ErrSuperseded
	}
	o.strategies.Prepend(created)
	logger.Infof("orchestrator: created strategy %s (%s)", created.ID, created.Name)
	return created, nil
}

// BacktestParams fills unset fields from the current selection.
type BacktestParams struct {
	StrategyID     string
	Symbol         string
	Timeframe      string
	StartDate      string
	EndDate        string
	InitialCapital float64
}

// HandleRunBacktest runs a backtest and prepends the result.
func (o *Orchestrator) HandleRunBacktest(ctx context.Context, params BacktestParams) (types.Backtest, error) {
	const op = "run backtest"
	gen, err := o.begin(op)
	if err != nil {
		return types.Backtest{}, err
	}
	o.mu.Lock()
	req := remote.BacktestRequest{
		StrategyID:     firstNonEmpty(params.StrategyID, o.strategies.SelectedID()),
		Symbol:         firstNonEmpty(params.Symbol, o.symbol),
		Timeframe:      firstNonEmpty(params.Timeframe, o.timeframe),
		StartDate:      params.StartDate,
		EndDate:        params.EndDate,
		InitialCapital: params.InitialCapital,
	}
	o.mu.Unlock()
	if strings.TrimSpace(req.StrategyID) == "" {
		return types.Backtest{}, o.fail(gen, &remote.Error{Kind: remote.KindValidationFailure, Op: op, Message: "select a strategy first"})
	}

	result, err := o.client.RunBacktest(ctx, req)
	if err != nil {
		return types.Backtest{}, o.fail(gen, err)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if gen != o.generation {
		return types.Backtest{}, ErrSuperseded
	}
	o.backtests.Prepend(result)
	return result, nil
}

// TrainParams fills unset market fields from the current selection. The
// model key is used for this call only.
type TrainParams struct {
	Symbol    string
	Timeframe string
	StartDate string
	EndDate   string
	ModelName string
	ModelKey  string
}

// HandleTrainAIStrategy submits a training job and reports its status in
// the message slot.
func (o *Orchestrator) HandleTrainAIStrategy(ctx context.Context, params TrainParams) (remote.TrainJob, error) {
	gen, err := o.begin("train ai strategy")
	if err != nil {
		return remote.TrainJob{}, err
	}
	o.mu.Lock()
	req := remote.TrainRequest{
		Symbol:    firstNonEmpty(params.Symbol, o.symbol),
		Timeframe: firstNonEmpty(params.Timeframe, o.timeframe),
		StartDate: params.StartDate,
		EndDate:   params.EndDate,
		ModelName: params.ModelName,
		ModelKey:  params.ModelKey,
	}
	o.mu.Unlock()

	job, err := o.client.TrainAIStrategy(ctx, req)
	if err != nil {
		return remote.TrainJob{}, o.fail(gen, err)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if gen != o.generation {
		return remote.TrainJob{}, ErrSuperseded
	}
	o.message = fmt.Sprintf("Training job %s %s", job.ID, job.Status)
	return job, nil
}

// HandleSignIn signs in; the list loads follow from the session change.
func (o *Orchestrator) HandleSignIn(ctx context.Context, email, password string) error {
	o.setMessage("")
	if _, err := o.store.SignIn(ctx, email, password); err != nil {
		o.setMessage(authMessage(err))
		return err
	}
	return nil
}

// HandleSignUp registers an account. A pending confirmation leaves the view
// signed out with a prompt in the message slot.
func (o *Orchestrator) HandleSignUp(ctx context.Context, email, password string) error {
	o.setMessage("")
	res, err := o.store.SignUp(ctx, email, password)
	if err != nil {
		o.setMessage(authMessage(err))
		return err
	}
	if res.PendingConfirmation {
		o.setMessage(PendingConfirmationMessage)
	}
	return nil
}

// HandleSignOut signs out. The view is cleared even when revocation fails.
func (o *Orchestrator) HandleSignOut(ctx context.Context) error {
	o.setMessage("")
	if err := o.store.SignOut(ctx); err != nil {
		logger.Warnf("orchestrator: sign out: %v", err)
		o.setMessage(authMessage(err))
		return err
	}
	return nil
}

// SelectSymbol changes the selected symbol; it must be in the catalog.
func (o *Orchestrator) SelectSymbol(symbol string) error {
	sym := types.NormalizeSymbol(symbol)
	if !slices.Contains(o.opts.Symbols, sym) {
		return fmt.Errorf("symbol %q: %w", symbol, ErrNotInCatalog)
	}
	o.mu.Lock()
	o.symbol = sym
	o.mu.Unlock()
	return nil
}

// SelectTimeframe changes the selected timeframe; it must be in the catalog.
func (o *Orchestrator) SelectTimeframe(timeframe string) error {
	tf, err := types.ParseTimeframe(timeframe)
	if err != nil || !slices.Contains(o.opts.Timeframes, tf.Key) {
		return fmt.Errorf("timeframe %q: %w", timeframe, ErrNotInCatalog)
	}
	o.mu.Lock()
	o.timeframe = tf.Key
	o.mu.Unlock()
	return nil
}

// SelectStrategy selects a strategy by id; an empty id clears the selection.
func (o *Orchestrator) SelectStrategy(id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		o.strategies.ClearSelection()
		return nil
	}
	if !o.strategies.Select(id) {
		return fmt.Errorf("strategy %q: %w", id, ErrUnknownItem)
	}
	return nil
}

func (o *Orchestrator) setMessage(msg string) {
	o.mu.Lock()
	o.message = msg
	o.mu.Unlock()
}

func authMessage(err error) string {
	var authErr *session.AuthError
	if errors.As(err, &authErr) && authErr.Message != "" {
		return authErr.Message
	}
	return err.Error()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

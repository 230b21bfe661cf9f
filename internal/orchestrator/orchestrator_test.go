package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"sandbox/internal/remote"
	"sandbox/internal/session"
	"sandbox/internal/types"
)

// MockRemote is a testify mock of RemoteClient.
type MockRemote struct {
	mock.Mock
}

func (m *MockRemote) FetchMarketData(ctx context.Context, symbol, timeframe string, limit int) ([]types.Candle, error) {
	args := m.Called(ctx, symbol, timeframe, limit)
	candles, _ := args.Get(0).([]types.Candle)
	return candles, args.Error(1)
}

func (m *MockRemote) ListStrategies(ctx context.Context) ([]types.Strategy, error) {
	args := m.Called(ctx)
	items, _ := args.Get(0).([]types.Strategy)
	return items, args.Error(1)
}

func (m *MockRemote) ListBacktests(ctx context.Context) ([]types.Backtest, error) {
	args := m.Called(ctx)
	items, _ := args.Get(0).([]types.Backtest)
	return items, args.Error(1)
}

func (m *MockRemote) CreateStrategy(ctx context.Context, name string, typ types.StrategyType, cfg map[string]any) (types.Strategy, error) {
	args := m.Called(ctx, name, typ, cfg)
	return args.Get(0).(types.Strategy), args.Error(1)
}

func (m *MockRemote) RunBacktest(ctx context.Context, req remote.BacktestRequest) (types.Backtest, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(types.Backtest), args.Error(1)
}

func (m *MockRemote) TrainAIStrategy(ctx context.Context, req remote.TrainRequest) (remote.TrainJob, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(remote.TrainJob), args.Error(1)
}

// fakeStore delivers changes synchronously, like session.Store does for
// its own sign-in calls.
type fakeStore struct {
	mu        sync.Mutex
	sess      *types.Session
	state     session.State
	listeners map[int]session.Listener
	next      int

	signOutErr    error
	pendingSignUp bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{listeners: make(map[int]session.Listener)}
}

func (f *fakeStore) Current() (*types.Session, session.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sess.Clone(), f.state
}

func (f *fakeStore) OnChange(fn session.Listener) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	id := f.next
	f.listeners[id] = fn
	return func() {
		f.mu.Lock()
		delete(f.listeners, id)
		f.mu.Unlock()
	}
}

func (f *fakeStore) emit(kind session.EventKind, sess *types.Session) {
	f.mu.Lock()
	prev := f.state
	f.sess = sess
	f.state = session.StateUnauthenticated
	if sess != nil {
		f.state = session.StateAuthenticated
	}
	ch := session.Change{Kind: kind, Session: sess.Clone(), State: f.state, Previous: prev}
	fns := make([]session.Listener, 0, len(f.listeners))
	for _, fn := range f.listeners {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(ch)
	}
}

func (f *fakeStore) listenerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.listeners)
}

func (f *fakeStore) SignIn(ctx context.Context, email, password string) (*types.Session, error) {
	if password != "secret" {
		return nil, &session.AuthError{Message: "Invalid login credentials"}
	}
	sess := &types.Session{UserID: "u1", Email: email, AccessToken: "tok-1"}
	f.emit(session.EventSignedIn, sess)
	return sess.Clone(), nil
}

func (f *fakeStore) SignUp(ctx context.Context, email, password string) (session.SignUpResult, error) {
	if f.pendingSignUp {
		return session.SignUpResult{PendingConfirmation: true}, nil
	}
	sess := &types.Session{UserID: "u2", Email: email, AccessToken: "tok-new"}
	f.emit(session.EventSignedIn, sess)
	return session.SignUpResult{Session: sess}, nil
}

func (f *fakeStore) SignOut(ctx context.Context) error {
	f.emit(session.EventSignedOut, nil)
	return f.signOutErr
}

func candlesAt(closes ...float64) []types.Candle {
	out := make([]types.Candle, len(closes))
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, c := range closes {
		out[i] = types.Candle{Timestamp: base.Add(time.Duration(i) * time.Hour), Open: c, High: c, Low: c, Close: c}
	}
	return out
}

func newStarted(t *testing.T) (*Orchestrator, *fakeStore, *MockRemote) {
	t.Helper()
	store := newFakeStore()
	client := new(MockRemote)
	o := New(store, client, Options{})
	require.NoError(t, o.Start(context.Background()))
	t.Cleanup(o.Close)
	return o, store, client
}

func signInEmpty(t *testing.T, o *Orchestrator, client *MockRemote) {
	t.Helper()
	client.On("ListStrategies", mock.Anything).Return([]types.Strategy{}, nil)
	client.On("ListBacktests", mock.Anything).Return([]types.Backtest{}, nil)
	require.NoError(t, o.HandleSignIn(context.Background(), "a@b.com", "secret"))
	o.Wait()
}

func TestStart_PhaseFollowsStore(t *testing.T) {
	o, store, _ := newStarted(t)
	assert.Equal(t, PhaseLoading, o.View().Phase)

	store.emit(session.EventInitialSession, nil)
	v := o.View()
	assert.Equal(t, PhaseSignedOut, v.Phase)
	assert.Equal(t, types.DefaultSymbol, v.Symbol)
	assert.Equal(t, types.DefaultTimeframe, v.Timeframe)
	assert.Equal(t, types.DefaultSymbols, v.Symbols)
}

func TestStart_AppliesAlreadyResolvedSession(t *testing.T) {
	store := newFakeStore()
	store.sess = &types.Session{UserID: "u1", Email: "a@b.com", AccessToken: "t"}
	store.state = session.StateAuthenticated
	client := new(MockRemote)
	client.On("ListStrategies", mock.Anything).Return([]types.Strategy{{ID: "s1"}}, nil).Once()
	client.On("ListBacktests", mock.Anything).Return([]types.Backtest{}, nil).Once()

	o := New(store, client, Options{})
	require.NoError(t, o.Start(context.Background()))
	defer o.Close()
	o.Wait()

	v := o.View()
	assert.Equal(t, PhaseReady, v.Phase)
	require.Len(t, v.Strategies, 1)
	assert.Error(t, o.Start(context.Background()))
}

func TestScenario_SignInCreateStrategy(t *testing.T) {
	o, _, client := newStarted(t)
	signInEmpty(t, o, client)

	v := o.View()
	assert.Equal(t, PhaseReady, v.Phase)
	assert.Equal(t, "a@b.com", v.Email)
	assert.Empty(t, v.Strategies)
	assert.Empty(t, v.Backtests)
	assert.False(t, v.Loading(RegionStrategies))

	client.On("CreateStrategy", mock.Anything, "My EMA Cross", types.StrategyManual, map[string]any{}).
		Return(types.Strategy{ID: "s1", UserID: "u1", Name: "My EMA Cross", Type: types.StrategyManual}, nil).Once()
	created, err := o.HandleCreateStrategy(context.Background(), "My EMA Cross")
	require.NoError(t, err)
	assert.Equal(t, "s1", created.ID)

	v = o.View()
	require.Len(t, v.Strategies, 1)
	assert.Equal(t, "s1", v.Strategies[0].ID)
	client.AssertNumberOfCalls(t, "ListStrategies", 1)
}

func TestCreateStrategy_PrependsWithoutDuplicates(t *testing.T) {
	o, _, client := newStarted(t)
	client.On("ListStrategies", mock.Anything).Return([]types.Strategy{{ID: "s2"}, {ID: "s3"}}, nil)
	client.On("ListBacktests", mock.Anything).Return([]types.Backtest{}, nil)
	require.NoError(t, o.HandleSignIn(context.Background(), "a@b.com", "secret"))
	o.Wait()

	client.On("CreateStrategy", mock.Anything, "again", types.StrategyManual, mock.Anything).
		Return(types.Strategy{ID: "s3", Name: "again"}, nil)
	_, err := o.HandleCreateStrategy(context.Background(), "again")
	require.NoError(t, err)

	v := o.View()
	require.Len(t, v.Strategies, 2)
	assert.Equal(t, "s3", v.Strategies[0].ID)
	assert.Equal(t, "s2", v.Strategies[1].ID)
}

func TestCreateStrategy_FailureKeepsList(t *testing.T) {
	o, _, client := newStarted(t)
	signInEmpty(t, o, client)
	client.On("CreateStrategy", mock.Anything, "x", types.StrategyManual, mock.Anything).
		Return(types.Strategy{}, &remote.Error{Kind: remote.KindRemoteRejected, Message: "duplicate name"})

	_, err := o.HandleCreateStrategy(context.Background(), "x")
	require.Error(t, err)
	v := o.View()
	assert.Empty(t, v.Strategies)
	assert.Equal(t, "duplicate name", v.Message)
}

func TestScenario_MarketDataRateLimited(t *testing.T) {
	o, _, client := newStarted(t)
	signInEmpty(t, o, client)

	btc := candlesAt(1, 2, 3)
	client.On("FetchMarketData", mock.Anything, "BTC-USDT", "1H", 100).Return(btc, nil).Once()
	require.NoError(t, o.HandleFetchMarketData(context.Background(), "BTC-USDT", "1H"))
	assert.Equal(t, btc, o.View().Candles)

	client.On("FetchMarketData", mock.Anything, "ETH-USDT", "1H", 100).
		Return(nil, &remote.Error{Kind: remote.KindRemoteRejected, Message: "rate limited"}).Once()
	err := o.HandleFetchMarketData(context.Background(), "ETH-USDT", "1H")
	require.Error(t, err)

	v := o.View()
	assert.Equal(t, "rate limited", v.Message)
	assert.Equal(t, btc, v.Candles)
	assert.Equal(t, "BTC-USDT", v.CandleSymbol)
	assert.Equal(t, "ETH-USDT", v.Symbol)
	assert.Equal(t, "rate limited", v.LoadErrors[RegionMarket])
}

func TestMarketData_SuccessClearsMessage(t *testing.T) {
	o, _, client := newStarted(t)
	signInEmpty(t, o, client)
	client.On("FetchMarketData", mock.Anything, "BTC-USDT", "4H", 100).
		Return(nil, &remote.Error{Kind: remote.KindTransportFailure, Message: "network error"}).Once()
	require.Error(t, o.HandleFetchMarketData(context.Background(), "btc-usdt", "4h"))
	assert.Equal(t, "network error", o.View().Message)

	fresh := candlesAt(10, 11)
	client.On("FetchMarketData", mock.Anything, "BTC-USDT", "4H", 100).Return(fresh, nil).Once()
	require.NoError(t, o.HandleFetchMarketData(context.Background(), "BTC-USDT", "4H"))
	v := o.View()
	assert.Empty(t, v.Message)
	assert.Equal(t, fresh, v.Candles)
	assert.Empty(t, v.LoadErrors)
}

func TestMarketData_UnknownSelectionNotRecorded(t *testing.T) {
	o, _, client := newStarted(t)
	signInEmpty(t, o, client)
	require.NoError(t, o.SelectSymbol("ETH-USDT"))
	require.NoError(t, o.SelectTimeframe("4H"))

	client.On("FetchMarketData", mock.Anything, "DOGE-USDT", "7X", 100).
		Return(nil, &remote.Error{Kind: remote.KindValidationFailure, Message: "unknown timeframe"}).Once()
	require.Error(t, o.HandleFetchMarketData(context.Background(), "DOGE-USDT", "7X"))

	v := o.View()
	assert.Equal(t, "ETH-USDT", v.Symbol)
	assert.Equal(t, "4H", v.Timeframe)
	assert.Equal(t, "unknown timeframe", v.Message)
}

func TestMarketData_OlderRequestDoesNotOverwriteNewer(t *testing.T) {
	o, _, client := newStarted(t)
	signInEmpty(t, o, client)

	release := make(chan struct{})
	started := make(chan struct{})
	client.On("FetchMarketData", mock.Anything, "BTC-USDT", "1H", 100).Run(func(mock.Arguments) {
		close(started)
		<-release
	}).Return(candlesAt(1), nil).Once()
	newer := candlesAt(2, 3)
	client.On("FetchMarketData", mock.Anything, "ETH-USDT", "1H", 100).Return(newer, nil).Once()

	done := make(chan error, 1)
	go func() { done <- o.HandleFetchMarketData(context.Background(), "BTC-USDT", "1H") }()
	<-started
	require.NoError(t, o.HandleFetchMarketData(context.Background(), "ETH-USDT", "1H"))
	close(release)
	assert.ErrorIs(t, <-done, ErrSuperseded)

	v := o.View()
	assert.Equal(t, newer, v.Candles)
	assert.False(t, v.Loading(RegionMarket))
}

func TestSignOut_ClearsEverything(t *testing.T) {
	o, store, client := newStarted(t)
	client.On("ListStrategies", mock.Anything).Return([]types.Strategy{{ID: "s1"}}, nil)
	client.On("ListBacktests", mock.Anything).Return([]types.Backtest{{ID: "b1", StrategyID: "s1"}}, nil)
	client.On("FetchMarketData", mock.Anything, "ETH-USDT", "4H", 100).Return(candlesAt(1), nil)
	require.NoError(t, o.HandleSignIn(context.Background(), "a@b.com", "secret"))
	o.Wait()
	require.NoError(t, o.SelectStrategy("s1"))
	require.NoError(t, o.HandleFetchMarketData(context.Background(), "ETH-USDT", "4H"))

	store.signOutErr = &session.AuthError{Message: "logout failed"}
	require.Error(t, o.HandleSignOut(context.Background()))

	v := o.View()
	assert.Equal(t, PhaseSignedOut, v.Phase)
	assert.Empty(t, v.Strategies)
	assert.Empty(t, v.Backtests)
	assert.Nil(t, v.SelectedStrategy)
	assert.Empty(t, v.Candles)
	assert.Equal(t, types.DefaultSymbol, v.Symbol)
	assert.Equal(t, types.DefaultTimeframe, v.Timeframe)
	assert.Empty(t, v.Email)
	assert.Equal(t, "logout failed", v.Message)
}

func TestSignOut_DiscardsSlowLoads(t *testing.T) {
	o, store, client := newStarted(t)
	release := make(chan struct{})
	client.On("ListStrategies", mock.Anything).Run(func(mock.Arguments) { <-release }).
		Return([]types.Strategy{{ID: "late"}}, nil).Once()
	client.On("ListBacktests", mock.Anything).Return([]types.Backtest{}, nil).Once()

	require.NoError(t, o.HandleSignIn(context.Background(), "a@b.com", "secret"))
	assert.True(t, o.View().Loading(RegionStrategies))
	store.emit(session.EventSignedOut, nil)
	close(release)
	o.Wait()

	v := o.View()
	assert.Equal(t, PhaseSignedOut, v.Phase)
	assert.Empty(t, v.Strategies)
	assert.False(t, v.Loading(RegionStrategies))
}

func TestTokenRefresh_SameUserDoesNotRefetch(t *testing.T) {
	o, store, client := newStarted(t)
	signInEmpty(t, o, client)

	store.emit(session.EventTokenRefreshed, &types.Session{UserID: "u1", Email: "a@b.com", AccessToken: "tok-2"})
	o.Wait()
	client.AssertNumberOfCalls(t, "ListStrategies", 1)
	client.AssertNumberOfCalls(t, "ListBacktests", 1)

	store.emit(session.EventSignedIn, &types.Session{UserID: "u9", Email: "other@b.com", AccessToken: "tok-9"})
	o.Wait()
	client.AssertNumberOfCalls(t, "ListStrategies", 2)
	assert.Equal(t, "other@b.com", o.View().Email)
}

func TestLoads_FailIndependently(t *testing.T) {
	o, _, client := newStarted(t)
	client.On("ListStrategies", mock.Anything).
		Return(nil, &remote.Error{Kind: remote.KindTransportFailure, Message: "network error"}).Once()
	client.On("ListBacktests", mock.Anything).Return([]types.Backtest{{ID: "b1", StrategyID: "s1"}}, nil).Once()
	require.NoError(t, o.HandleSignIn(context.Background(), "a@b.com", "secret"))
	o.Wait()

	v := o.View()
	assert.Empty(t, v.Strategies)
	require.Len(t, v.Backtests, 1)
	assert.Equal(t, "network error", v.LoadErrors[RegionStrategies])
	assert.NotContains(t, v.LoadErrors, RegionBacktests)
	assert.Equal(t, "network error", v.Message)
}

func TestRefresh_KeepsSelectionWhenStillPresent(t *testing.T) {
	o, _, client := newStarted(t)
	client.On("ListStrategies", mock.Anything).Return([]types.Strategy{{ID: "s1"}, {ID: "s2"}}, nil).Once()
	client.On("ListBacktests", mock.Anything).Return([]types.Backtest{}, nil)
	require.NoError(t, o.HandleSignIn(context.Background(), "a@b.com", "secret"))
	o.Wait()
	require.NoError(t, o.SelectStrategy("s2"))

	client.On("ListStrategies", mock.Anything).Return([]types.Strategy{{ID: "s2"}}, nil).Once()
	require.NoError(t, o.Refresh(context.Background()))
	v := o.View()
	require.NotNil(t, v.SelectedStrategy)
	assert.Equal(t, "s2", v.SelectedStrategy.ID)

	client.On("ListStrategies", mock.Anything).Return([]types.Strategy{{ID: "s3"}}, nil).Once()
	require.NoError(t, o.Refresh(context.Background()))
	assert.Nil(t, o.View().SelectedStrategy)
}

func TestActions_RejectedUntilAuthenticated(t *testing.T) {
	o, store, client := newStarted(t)
	err := o.HandleFetchMarketData(context.Background(), "BTC-USDT", "1H")
	assert.True(t, errors.Is(err, remote.ErrNotAuthenticated))
	assert.Equal(t, "Not authenticated", o.View().Message)

	store.emit(session.EventInitialSession, nil)
	_, err = o.HandleCreateStrategy(context.Background(), "x")
	assert.True(t, remote.IsKind(err, remote.KindNotAuthenticated))
	assert.Error(t, o.Refresh(context.Background()))
	client.AssertNotCalled(t, "CreateStrategy", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestSignIn_FailureSetsMessage(t *testing.T) {
	o, _, _ := newStarted(t)
	err := o.HandleSignIn(context.Background(), "a@b.com", "wrong")
	require.Error(t, err)
	assert.Equal(t, "Invalid login credentials", o.View().Message)
}

func TestSignUp_PendingConfirmation(t *testing.T) {
	o, store, _ := newStarted(t)
	store.emit(session.EventInitialSession, nil)
	store.pendingSignUp = true
	require.NoError(t, o.HandleSignUp(context.Background(), "new@b.com", "pw"))
	v := o.View()
	assert.Equal(t, PhaseSignedOut, v.Phase)
	assert.Equal(t, PendingConfirmationMessage, v.Message)
}

func TestSelect_ValidatesCatalogs(t *testing.T) {
	o, _, client := newStarted(t)
	signInEmpty(t, o, client)

	require.NoError(t, o.SelectSymbol("sol/usdt"))
	require.NoError(t, o.SelectTimeframe("1d"))
	v := o.View()
	assert.Equal(t, "SOL-USDT", v.Symbol)
	assert.Equal(t, "1D", v.Timeframe)

	assert.ErrorIs(t, o.SelectSymbol("DOGE-USDT"), ErrNotInCatalog)
	assert.ErrorIs(t, o.SelectTimeframe("12H"), ErrNotInCatalog)
	assert.ErrorIs(t, o.SelectStrategy("nope"), ErrUnknownItem)
	require.NoError(t, o.SelectStrategy(""))
}

func TestRunBacktest_UsesSelectionAndPrepends(t *testing.T) {
	o, _, client := newStarted(t)
	client.On("ListStrategies", mock.Anything).Return([]types.Strategy{{ID: "s1"}}, nil)
	client.On("ListBacktests", mock.Anything).Return([]types.Backtest{{ID: "b0", StrategyID: "s1"}}, nil)
	require.NoError(t, o.HandleSignIn(context.Background(), "a@b.com", "secret"))
	o.Wait()

	_, err := o.HandleRunBacktest(context.Background(), BacktestParams{StartDate: "2026-01-01", EndDate: "2026-02-01", InitialCapital: 1000})
	assert.True(t, remote.IsKind(err, remote.KindValidationFailure))

	require.NoError(t, o.SelectStrategy("s1"))
	want := remote.BacktestRequest{StrategyID: "s1", Symbol: "BTC-USDT", Timeframe: "1H", StartDate: "2026-01-01", EndDate: "2026-02-01", InitialCapital: 1000}
	client.On("RunBacktest", mock.Anything, want).Return(types.Backtest{ID: "b1", StrategyID: "s1", TotalReturn: 0.1}, nil).Once()
	bt, err := o.HandleRunBacktest(context.Background(), BacktestParams{StartDate: "2026-01-01", EndDate: "2026-02-01", InitialCapital: 1000})
	require.NoError(t, err)
	assert.Equal(t, "b1", bt.ID)

	v := o.View()
	require.Len(t, v.Backtests, 2)
	assert.Equal(t, "b1", v.Backtests[0].ID)
	client.AssertNumberOfCalls(t, "ListBacktests", 1)
}

func TestTrainAIStrategy_ReportsJob(t *testing.T) {
	o, _, client := newStarted(t)
	signInEmpty(t, o, client)
	client.On("TrainAIStrategy", mock.Anything, mock.MatchedBy(func(req remote.TrainRequest) bool {
		return req.Symbol == "BTC-USDT" && req.Timeframe == "1H" && req.ModelKey == "k"
	})).Return(remote.TrainJob{ID: "job-1", Status: "queued"}, nil).Once()

	job, err := o.HandleTrainAIStrategy(context.Background(), TrainParams{StartDate: "2026-01-01", EndDate: "2026-02-01", ModelName: "m", ModelKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, "job-1", job.ID)
	assert.Equal(t, "Training job job-1 queued", o.View().Message)
}

func TestClose_UnregistersListener(t *testing.T) {
	store := newFakeStore()
	o := New(store, new(MockRemote), Options{})
	require.NoError(t, o.Start(context.Background()))
	assert.Equal(t, 1, store.listenerCount())
	o.Close()
	assert.Equal(t, 0, store.listenerCount())
	o.Close()
}

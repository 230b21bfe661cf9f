package stub

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sandbox/internal/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "stub.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// stepClock advances one second per call.
func stepClock(start time.Time) func() time.Time {
	cur := start
	return func() time.Time {
		cur = cur.Add(time.Second)
		return cur
	}
}

func TestOpenStore_EmptyPath(t *testing.T) {
	_, err := OpenStore("  ")
	require.Error(t, err)
}

func TestStore_CreateAndAuthenticate(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	user, err := store.CreateUser(ctx, " A@B.com ", "secret", true)
	require.NoError(t, err)
	assert.Equal(t, "a@b.com", user.Email)
	assert.NotEmpty(t, user.ID)

	got, err := store.Authenticate(ctx, "a@b.com", "secret")
	require.NoError(t, err)
	assert.Equal(t, user, got)

	_, err = store.Authenticate(ctx, "a@b.com", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = store.Authenticate(ctx, "nobody@b.com", "secret")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = store.CreateUser(ctx, "a@b.com", "other", true)
	assert.ErrorIs(t, err, ErrUserExists)
}

func TestStore_UnconfirmedUser(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	_, err := store.CreateUser(ctx, "new@b.com", "secret", false)
	require.NoError(t, err)
	_, err = store.Authenticate(ctx, "new@b.com", "secret")
	assert.ErrorIs(t, err, ErrEmailNotConfirmed)

	require.NoError(t, store.ConfirmUser(ctx, "new@b.com"))
	_, err = store.Authenticate(ctx, "new@b.com", "secret")
	assert.NoError(t, err)

	assert.ErrorIs(t, store.ConfirmUser(ctx, "missing@b.com"), ErrNotFound)
}

func TestStore_TokenLifecycle(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	user, err := store.CreateUser(ctx, "a@b.com", "secret", true)
	require.NoError(t, err)

	first, err := store.IssueToken(ctx, user, time.Hour)
	require.NoError(t, err)
	got, err := store.UserForToken(ctx, first.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)

	second, err := store.Refresh(ctx, first.RefreshToken, time.Hour)
	require.NoError(t, err)
	assert.NotEqual(t, first.AccessToken, second.AccessToken)
	assert.Equal(t, user, second.User)

	_, err = store.UserForToken(ctx, first.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken, "rotated access token is revoked")
	_, err = store.Refresh(ctx, first.RefreshToken, time.Hour)
	assert.ErrorIs(t, err, ErrInvalidToken, "refresh tokens are single use")

	require.NoError(t, store.Revoke(ctx, second.AccessToken))
	_, err = store.UserForToken(ctx, second.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestStore_ExpiredToken(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	user, err := store.CreateUser(ctx, "a@b.com", "secret", true)
	require.NoError(t, err)
	tok, err := store.IssueToken(ctx, user, time.Minute)
	require.NoError(t, err)

	store.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, err = store.UserForToken(ctx, tok.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestStore_StrategiesScopedAndNewestFirst(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	store.now = stepClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	alice, err := store.CreateUser(ctx, "a@b.com", "secret", true)
	require.NoError(t, err)
	bob, err := store.CreateUser(ctx, "bob@b.com", "secret", true)
	require.NoError(t, err)

	older, err := store.CreateStrategy(ctx, alice.ID, "Older", types.StrategyManual, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{}, older.Config)
	newer, err := store.CreateStrategy(ctx, alice.ID, "Newer", types.StrategyIndicator, map[string]any{"fast": 5.0})
	require.NoError(t, err)
	_, err = store.CreateStrategy(ctx, bob.ID, "Bob's", types.StrategyManual, nil)
	require.NoError(t, err)

	list, err := store.ListStrategies(ctx, alice.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, newer.ID, list[0].ID)
	assert.Equal(t, older.ID, list[1].ID)
	assert.Equal(t, 5.0, list[0].Config["fast"])

	got, err := store.GetStrategy(ctx, alice.ID, newer.ID)
	require.NoError(t, err)
	assert.Equal(t, "Newer", got.Name)
	_, err = store.GetStrategy(ctx, bob.ID, newer.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_Backtests(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	store.now = stepClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	user, err := store.CreateUser(ctx, "a@b.com", "secret", true)
	require.NoError(t, err)
	first, err := store.SaveBacktest(ctx, types.Backtest{StrategyID: "s1", UserID: user.ID, TotalReturn: 0.1, WinRate: 0.5})
	require.NoError(t, err)
	second, err := store.SaveBacktest(ctx, types.Backtest{StrategyID: "s1", UserID: user.ID, TotalReturn: -0.02, MaxDrawdown: 0.07})
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)

	list, err := store.ListBacktests(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID)
	assert.InDelta(t, 0.07, list[0].MaxDrawdown, 1e-9)

	empty, err := store.ListBacktests(ctx, "someone-else")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

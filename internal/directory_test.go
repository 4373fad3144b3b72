package internal_test

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-session-coordinator/internal"
	"github.com/koopa0/system-design/14-session-coordinator/internal/storage"
	"github.com/koopa0/system-design/14-session-coordinator/internal/testutils"
	apperrors "github.com/koopa0/system-design/14-session-coordinator/pkg/errors"
)

func newDirectory(t *testing.T) (*internal.Directory, *storage.MemoryPlayerStore) {
	t.Helper()
	store := storage.NewMemoryPlayerStore()
	return internal.NewDirectory(store, testutils.TestLogger()), store
}

// TestDirectory_CreateOrAuthenticate 測試建立或登入
func TestDirectory_CreateOrAuthenticate(t *testing.T) {
	ctx := context.Background()
	dir, _ := newDirectory(t)

	p, created, err := dir.CreateOrAuthenticate(ctx, "alice", "pw")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "alice", p.AccountID)
	assert.Zero(t, p.GamesPlayed)
	assert.False(t, p.CreatedAt.IsZero())

	// 第二次是登入
	p, created, err = dir.CreateOrAuthenticate(ctx, "alice", "pw")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "alice", p.AccountID)

	// 密碼錯誤
	_, _, err = dir.CreateOrAuthenticate(ctx, "alice", "wrong")
	assert.ErrorIs(t, err, apperrors.ErrInvalidCredentials)
}

// TestDirectory_CreateOrAuthenticateValidation 測試輸入檢查
func TestDirectory_CreateOrAuthenticateValidation(t *testing.T) {
	ctx := context.Background()
	dir, _ := newDirectory(t)

	tests := []struct {
		name    string
		account string
		secret  string
	}{
		{name: "empty account", account: "", secret: "pw"},
		{name: "padded account", account: " alice ", secret: "pw"},
		{name: "too long", account: strings.Repeat("a", 65), secret: "pw"},
		{name: "empty secret", account: "alice", secret: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := dir.CreateOrAuthenticate(ctx, tt.account, tt.secret)
			assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
		})
	}
}

// TestDirectory_ConcurrentCreate 測試同時建立同一帳號
func TestDirectory_ConcurrentCreate(t *testing.T) {
	ctx := context.Background()
	dir, _ := newDirectory(t)

	var created, failed atomic.Int32
	testutils.RunConcurrently(t, 10, func(int) {
		_, isNew, err := dir.CreateOrAuthenticate(ctx, "racer", "pw")
		if err != nil {
			failed.Add(1)
			return
		}
		if isNew {
			created.Add(1)
		}
	})

	assert.Equal(t, int32(1), created.Load())
	assert.Equal(t, int32(0), failed.Load())
}

// TestDirectory_Authenticate 測試驗證
func TestDirectory_Authenticate(t *testing.T) {
	ctx := context.Background()
	dir, _ := newDirectory(t)

	_, err := dir.Authenticate(ctx, "ghost", "pw")
	assert.True(t, apperrors.IsNotFound(err))

	_, _, err = dir.CreateOrAuthenticate(ctx, "alice", "pw")
	require.NoError(t, err)

	_, err = dir.Authenticate(ctx, "alice", "pw")
	assert.NoError(t, err)

	_, err = dir.Authenticate(ctx, "alice", "PW")
	assert.ErrorIs(t, err, apperrors.ErrInvalidCredentials)
}

// TestDirectory_IncrementOutcome 測試戰績
func TestDirectory_IncrementOutcome(t *testing.T) {
	ctx := context.Background()
	dir, _ := newDirectory(t)

	_, _, err := dir.CreateOrAuthenticate(ctx, "alice", "pw")
	require.NoError(t, err)

	require.NoError(t, dir.IncrementOutcome(ctx, "alice", internal.StatWin))
	require.NoError(t, dir.IncrementOutcome(ctx, "alice", internal.StatWin))
	require.NoError(t, dir.IncrementOutcome(ctx, "alice", internal.StatLoss))
	require.NoError(t, dir.IncrementOutcome(ctx, "alice", internal.StatDraw))

	p, err := dir.FindByAccount(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(4), p.GamesPlayed)
	assert.Equal(t, int64(2), p.Wins)
	assert.Equal(t, int64(1), p.Losses)
	assert.Equal(t, int64(1), p.Draws)

	err = dir.IncrementOutcome(ctx, "alice", internal.StatKind("forfeit"))
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)

	err = dir.IncrementOutcome(ctx, "ghost", internal.StatWin)
	assert.True(t, apperrors.IsNotFound(err))
}

// TestDirectory_LiveConnectionAndTouch 測試連線與活動時間
func TestDirectory_LiveConnectionAndTouch(t *testing.T) {
	ctx := context.Background()
	dir, _ := newDirectory(t)

	p, _, err := dir.CreateOrAuthenticate(ctx, "alice", "pw")
	require.NoError(t, err)
	firstSeen := p.LastActive

	require.NoError(t, dir.UpdateLiveConnection(ctx, "alice", "conn-1"))
	require.NoError(t, dir.Touch(ctx, "alice"))

	p, err = dir.FindByAccount(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "conn-1", p.LiveConnection)
	assert.False(t, p.LastActive.Before(firstSeen))

	assert.True(t, apperrors.IsNotFound(dir.Touch(ctx, "ghost")))
}

// TestDirectory_Leaderboard 測試排行
func TestDirectory_Leaderboard(t *testing.T) {
	ctx := context.Background()
	dir, _ := newDirectory(t)

	wins := map[string]int{"alice": 3, "bob": 1, "carol": 5, "dave": 0}
	for account, n := range wins {
		_, _, err := dir.CreateOrAuthenticate(ctx, account, "pw")
		require.NoError(t, err)
		for i := 0; i < n; i++ {
			require.NoError(t, dir.IncrementOutcome(ctx, account, internal.StatWin))
		}
	}

	top, err := dir.Leaderboard(ctx, 2)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, "carol", top[0].AccountID)
	assert.Equal(t, "alice", top[1].AccountID)

	// 非法 limit 退回預設
	all, err := dir.Leaderboard(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

// TestDirectory_Rename 測試改名
func TestDirectory_Rename(t *testing.T) {
	ctx := context.Background()
	dir, _ := newDirectory(t)

	_, _, err := dir.CreateOrAuthenticate(ctx, "alice", "pw")
	require.NoError(t, err)
	_, _, err = dir.CreateOrAuthenticate(ctx, "bob", "pw2")
	require.NoError(t, err)
	require.NoError(t, dir.IncrementOutcome(ctx, "alice", internal.StatWin))

	_, err = dir.Rename(ctx, "alice", "bob", "pw")
	assert.True(t, apperrors.IsAlreadyExists(err))

	_, err = dir.Rename(ctx, "alice", "alicia", "wrong")
	assert.ErrorIs(t, err, apperrors.ErrInvalidCredentials)

	_, err = dir.Rename(ctx, "alice", "alice", "pw")
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)

	p, err := dir.Rename(ctx, "alice", "alicia", "pw")
	require.NoError(t, err)
	assert.Equal(t, "alicia", p.AccountID)
	assert.Equal(t, int64(1), p.Wins, "stats follow the account")

	_, err = dir.FindByAccount(ctx, "alice")
	assert.True(t, apperrors.IsNotFound(err))

	// 新名稱沿用舊密碼
	_, err = dir.Authenticate(ctx, "alicia", "pw")
	assert.NoError(t, err)
}

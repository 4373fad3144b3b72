package storage_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-session-coordinator/internal"
	"github.com/koopa0/system-design/14-session-coordinator/internal/game"
	"github.com/koopa0/system-design/14-session-coordinator/internal/storage"
	"github.com/koopa0/system-design/14-session-coordinator/internal/testutils"
	apperrors "github.com/koopa0/system-design/14-session-coordinator/pkg/errors"
)

// TestPostgres 整合測試（需要 Docker）
func TestPostgres(t *testing.T) {
	env := testutils.SetupTestEnvironment(t)
	pg := storage.NewPostgres(env.PostgresPool)
	ctx := context.Background()

	t.Run("session round trip", func(t *testing.T) {
		env.ResetTestData(t)

		now := time.Now().UTC().Truncate(time.Microsecond)
		var board game.Board
		board[0], board[4] = game.MarkX, game.MarkO

		rec := &internal.SessionRecord{
			SessionID: "PG0001",
			Board:     board,
			Participants: []internal.Participant{
				{ConnectionID: "c1", Mark: game.MarkX, AccountID: "alice"},
				{ConnectionID: "c2", Mark: game.MarkO, AccountID: "bob"},
			},
			TurnHolder: "c1",
			Phase:      internal.PhaseActive,
			Version:    4,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		require.NoError(t, pg.UpsertSession(ctx, rec))

		got, err := pg.GetSession(ctx, "PG0001")
		require.NoError(t, err)
		assert.Equal(t, rec.Board, got.Board)
		assert.Equal(t, rec.Participants, got.Participants)
		assert.Equal(t, "c1", got.TurnHolder)
		assert.Equal(t, internal.PhaseActive, got.Phase)
		assert.Nil(t, got.Outcome)
		assert.Equal(t, int64(4), got.Version)
		assert.True(t, got.CreatedAt.Equal(now))

		_, err = pg.GetSession(ctx, "NOPE00")
		assert.ErrorIs(t, err, apperrors.ErrSessionNotFound)
	})

	t.Run("version guard", func(t *testing.T) {
		env.ResetTestData(t)

		now := time.Now().UTC()
		finished := &internal.SessionRecord{
			SessionID:    "PG0002",
			Participants: []internal.Participant{{ConnectionID: "c1", Mark: game.MarkX, AccountID: "alice"}},
			Phase:        internal.PhaseFinished,
			Outcome:      &internal.Outcome{Kind: internal.OutcomeAbandoned},
			Version:      5,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		require.NoError(t, pg.UpsertSession(ctx, finished))

		stale := finished.Clone()
		stale.Phase = internal.PhaseWaiting
		stale.Outcome = nil
		stale.Version = 2
		require.NoError(t, pg.UpsertSession(ctx, stale))

		got, err := pg.GetSession(ctx, "PG0002")
		require.NoError(t, err)
		assert.Equal(t, internal.PhaseFinished, got.Phase)
		require.NotNil(t, got.Outcome)
		assert.Equal(t, internal.OutcomeAbandoned, got.Outcome.Kind)
		assert.Empty(t, got.TurnHolder)
	})

	t.Run("recent sessions", func(t *testing.T) {
		env.ResetTestData(t)

		base := time.Now().UTC()
		for i := 0; i < 12; i++ {
			require.NoError(t, pg.UpsertSession(ctx, &internal.SessionRecord{
				SessionID:    fmt.Sprintf("REC%03d", i),
				Participants: []internal.Participant{{ConnectionID: "c", Mark: game.MarkX, AccountID: "a"}},
				Phase:        internal.PhaseWaiting,
				Version:      1,
				CreatedAt:    base.Add(time.Duration(i) * time.Second),
				UpdatedAt:    base,
			}))
		}

		recent, err := pg.RecentSessions(ctx, 10)
		require.NoError(t, err)
		require.Len(t, recent, 10)
		assert.Equal(t, "REC011", recent[0].SessionID)
	})

	t.Run("players", func(t *testing.T) {
		env.ResetTestData(t)
		now := time.Now().UTC()

		require.NoError(t, pg.CreatePlayer(ctx, &internal.PlayerRecord{AccountID: "alice", Secret: "pw", LastActive: now, CreatedAt: now}))
		require.NoError(t, pg.CreatePlayer(ctx, &internal.PlayerRecord{AccountID: "bob", Secret: "pw", LastActive: now, CreatedAt: now}))

		err := pg.CreatePlayer(ctx, &internal.PlayerRecord{AccountID: "alice", Secret: "x", CreatedAt: now})
		assert.ErrorIs(t, err, apperrors.ErrAccountTaken)

		require.NoError(t, pg.IncrementOutcome(ctx, "bob", internal.StatWin))
		require.NoError(t, pg.IncrementOutcome(ctx, "alice", internal.StatLoss))
		require.NoError(t, pg.IncrementOutcome(ctx, "alice", internal.StatDraw))
		require.NoError(t, pg.SetLiveConnection(ctx, "alice", "conn-9", now))
		require.NoError(t, pg.TouchPlayer(ctx, "bob", now.Add(time.Minute)))

		alice, err := pg.FindPlayer(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, "pw", alice.Secret)
		assert.Equal(t, int64(2), alice.GamesPlayed)
		assert.Equal(t, int64(1), alice.Losses)
		assert.Equal(t, int64(1), alice.Draws)
		assert.Equal(t, "conn-9", alice.LiveConnection)

		top, err := pg.TopPlayers(ctx, 10)
		require.NoError(t, err)
		require.Len(t, top, 2)
		assert.Equal(t, "bob", top[0].AccountID)

		assert.ErrorIs(t, pg.TouchPlayer(ctx, "ghost", now), apperrors.ErrPlayerNotFound)
		assert.ErrorIs(t, pg.IncrementOutcome(ctx, "alice", "forfeit"), apperrors.ErrInvalidInput)

		_, err = pg.RenamePlayer(ctx, "alice", "bob")
		assert.ErrorIs(t, err, apperrors.ErrAccountTaken)

		renamed, err := pg.RenamePlayer(ctx, "alice", "alicia")
		require.NoError(t, err)
		assert.Equal(t, "alicia", renamed.AccountID)
		assert.Equal(t, int64(2), renamed.GamesPlayed)
	})

	t.Run("concurrent increments", func(t *testing.T) {
		env.ResetTestData(t)
		now := time.Now().UTC()
		require.NoError(t, pg.CreatePlayer(ctx, &internal.PlayerRecord{AccountID: "alice", Secret: "pw", CreatedAt: now, LastActive: now}))

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, pg.IncrementOutcome(ctx, "alice", internal.StatWin))
			}()
		}
		wg.Wait()

		alice, err := pg.FindPlayer(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, int64(20), alice.Wins)
		assert.Equal(t, int64(20), alice.GamesPlayed)
	})
}

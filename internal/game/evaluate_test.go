package game_test

import (
	"testing"

	"github.com/koopa0/system-design/14-session-coordinator/internal/game"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestEvaluate_Scenarios 測試典型局面
func TestEvaluate_Scenarios(t *testing.T) {
	t.Run("top row win after 0,3,1,4,2", func(t *testing.T) {
		b := game.Board{}
		moves := []struct {
			cell int
			mark game.Mark
		}{
			{0, game.MarkX}, {3, game.MarkO}, {1, game.MarkX}, {4, game.MarkO}, {2, game.MarkX},
		}

		var err error
		for i, mv := range moves {
			b, err = game.ApplyMove(b, mv.cell, mv.mark)
			require.NoError(t, err)
			if i < len(moves)-1 {
				assert.Equal(t, game.ResultNone, game.Evaluate(b).Kind)
			}
		}

		res := game.Evaluate(b)
		assert.Equal(t, game.ResultWin, res.Kind)
		assert.Equal(t, game.MarkX, res.Mark)
		assert.Equal(t, [3]int{0, 1, 2}, res.Line)
		assert.True(t, res.Terminal())
	})

	t.Run("full board draw", func(t *testing.T) {
		// X O X
		// X O O
		// O X X
		b := game.Board{
			game.MarkX, game.MarkO, game.MarkX,
			game.MarkX, game.MarkO, game.MarkO,
			game.MarkO, game.MarkX, game.MarkX,
		}
		res := game.Evaluate(b)
		assert.Equal(t, game.ResultDraw, res.Kind)
		assert.True(t, res.Terminal())
	})

	t.Run("win on last cell is not draw", func(t *testing.T) {
		b := game.Board{
			game.MarkX, game.MarkO, game.MarkX,
			game.MarkO, game.MarkX, game.MarkO,
			game.MarkO, game.MarkX, game.MarkX,
		}
		res := game.Evaluate(b)
		assert.Equal(t, game.ResultWin, res.Kind)
		assert.Equal(t, [3]int{0, 4, 8}, res.Line)
	})

	t.Run("empty board", func(t *testing.T) {
		res := game.Evaluate(game.Board{})
		assert.Equal(t, game.ResultNone, res.Kind)
		assert.False(t, res.Terminal())
	})

	t.Run("column and diagonal order is deterministic", func(t *testing.T) {
		// 同時存在第一直行與主對角線，直行先被列舉
		b := game.Board{
			game.MarkO, game.MarkX, game.MarkX,
			game.MarkO, game.MarkO, game.MarkX,
			game.MarkO, game.MarkX, game.MarkO,
		}
		res := game.Evaluate(b)
		assert.Equal(t, [3]int{0, 3, 6}, res.Line)
	})
}

// TestEvaluate_AllBoards 窮舉 3^9 個棋盤驗證判定性質
//
// 性質：
//   - win 當且僅當某條連線三子相同且非空
//   - draw 當且僅當沒有連線且沒有空格
func TestEvaluate_AllBoards(t *testing.T) {
	marks := []game.Mark{game.MarkNone, game.MarkX, game.MarkO}

	total := 1
	for i := 0; i < game.Size; i++ {
		total *= len(marks)
	}

	for n := 0; n < total; n++ {
		var b game.Board
		v := n
		for i := 0; i < game.Size; i++ {
			b[i] = marks[v%3]
			v /= 3
		}

		hasLine := false
		for _, line := range game.Lines {
			if b[line[0]] != game.MarkNone && b[line[0]] == b[line[1]] && b[line[1]] == b[line[2]] {
				hasLine = true
				break
			}
		}
		full := b.Count(game.MarkNone) == 0

		res := game.Evaluate(b)
		switch {
		case hasLine:
			if !assert.Equal(t, game.ResultWin, res.Kind, "board %v", b) {
				return
			}
			line := res.Line
			assert.Equal(t, res.Mark, b[line[0]])
			assert.Equal(t, res.Mark, b[line[1]])
			assert.Equal(t, res.Mark, b[line[2]])
		case full:
			if !assert.Equal(t, game.ResultDraw, res.Kind, "board %v", b) {
				return
			}
		default:
			if !assert.Equal(t, game.ResultNone, res.Kind, "board %v", b) {
				return
			}
		}
	}
}

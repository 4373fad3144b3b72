package internal_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-session-coordinator/internal"
	"github.com/koopa0/system-design/14-session-coordinator/internal/game"
	apperrors "github.com/koopa0/system-design/14-session-coordinator/pkg/errors"
)

func marshal(t *testing.T, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return string(data)
}

// TestInbound_CellIndexZero 測試 cellIndex 0 與缺省可以區分
func TestInbound_CellIndexZero(t *testing.T) {
	var msg internal.Inbound
	require.NoError(t, json.Unmarshal([]byte(`{"type":"move","sessionId":"AB12CD","cellIndex":0}`), &msg))
	require.NotNil(t, msg.CellIndex)
	assert.Equal(t, 0, *msg.CellIndex)
	assert.Equal(t, internal.InboundMove, msg.Type)

	msg = internal.Inbound{}
	require.NoError(t, json.Unmarshal([]byte(`{"type":"move"}`), &msg))
	assert.Nil(t, msg.CellIndex)
}

// TestOutbound_Shapes 測試事件的 JSON 格式
func TestOutbound_Shapes(t *testing.T) {
	var board game.Board
	board[4] = game.MarkX

	finished := &internal.SessionRecord{
		Board:   board,
		Outcome: &internal.Outcome{Kind: internal.OutcomeDraw},
	}

	tests := []struct {
		name     string
		msg      internal.Outbound
		expected string
	}{
		{
			name:     "welcome",
			msg:      internal.Welcome("c1"),
			expected: `{"event":"welcome","data":{"connectionId":"c1"}}`,
		},
		{
			name:     "pong",
			msg:      internal.Pong(),
			expected: `{"event":"pong","data":{}}`,
		},
		{
			name:     "session created",
			msg:      internal.SessionCreated("AB12CD"),
			expected: `{"event":"sessionCreated","data":{"sessionId":"AB12CD","mark":"X"}}`,
		},
		{
			name: "state changed by move",
			msg: internal.StateChanged(
				&internal.SessionRecord{Board: board, TurnHolder: "c2"},
				&internal.MoveResult{CellIndex: 4, Mark: game.MarkX},
			),
			expected: `{"event":"stateChanged","data":{"board":[null,null,null,null,"X",null,null,null,null],"turnHolder":"c2","cellIndex":4,"mark":"X"}}`,
		},
		{
			name:     "finished has null turn holder",
			msg:      internal.SessionReset(&internal.SessionRecord{}),
			expected: `{"event":"sessionReset","data":{"board":[null,null,null,null,null,null,null,null,null],"turnHolder":null}}`,
		},
		{
			name:     "draw",
			msg:      internal.SessionFinished(finished),
			expected: `{"event":"sessionFinished","data":{"board":[null,null,null,null,"X",null,null,null,null],"outcome":{"kind":"draw"}}}`,
		},
		{
			name:     "opponent left",
			msg:      internal.OpponentLeft(),
			expected: `{"event":"opponentLeft","data":{}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.JSONEq(t, tt.expected, marshal(t, tt.msg))
		})
	}
}

// TestActionRejected 測試錯誤原因與錯誤碼
func TestActionRejected(t *testing.T) {
	msg := internal.ActionRejected(apperrors.ErrInvalidState.WithDetails("phase is waiting"))
	assert.JSONEq(t,
		`{"event":"actionRejected","data":{"reason":"action not valid for current phase: phase is waiting","code":"INVALID_STATE"}}`,
		marshal(t, msg))

	msg = internal.ActionRejected(apperrors.ErrNotYourTurn)
	data := msg.Data.(internal.RejectedData)
	assert.Equal(t, "not your turn", data.Reason)
	assert.Equal(t, apperrors.ErrCodeNotYourTurn, data.Code)

	// 非 AppError 不洩漏內部訊息
	msg = internal.ActionRejected(errors.New("pq: connection refused"))
	data = msg.Data.(internal.RejectedData)
	assert.Equal(t, "internal error", data.Reason)
	assert.Equal(t, apperrors.ErrCodeInternal, data.Code)
}

package internal

import (
	"errors"

	"github.com/koopa0/system-design/14-session-coordinator/internal/game"
	apperrors "github.com/koopa0/system-design/14-session-coordinator/pkg/errors"
)

// InboundType 客戶端訊息類型
type InboundType string

const (
	InboundCreate InboundType = "createSession"
	InboundJoin   InboundType = "joinSession"
	InboundMove   InboundType = "move"
	InboundReset  InboundType = "resetSession"
	InboundPing   InboundType = "ping"
)

// Inbound 客戶端訊息
//
//	{"type":"createSession","accountId":"alice","secret":"pw"}
//	{"type":"joinSession","sessionId":"AB12CD","accountId":"bob"}
//	{"type":"move","sessionId":"AB12CD","cellIndex":4}
//	{"type":"resetSession","sessionId":"AB12CD"}
type Inbound struct {
	Type      InboundType `json:"type"`
	SessionID string      `json:"sessionId,omitempty"`
	AccountID string      `json:"accountId,omitempty"`
	Secret    string      `json:"secret,omitempty"`
	CellIndex *int        `json:"cellIndex,omitempty"`
}

// OutboundType 伺服器事件類型
type OutboundType string

const (
	EventWelcome         OutboundType = "welcome"
	EventPong            OutboundType = "pong"
	EventSessionCreated  OutboundType = "sessionCreated"
	EventJoined          OutboundType = "joined"
	EventOpponentJoined  OutboundType = "opponentJoined"
	EventStateChanged    OutboundType = "stateChanged"
	EventSessionFinished OutboundType = "sessionFinished"
	EventSessionReset    OutboundType = "sessionReset"
	EventOpponentLeft    OutboundType = "opponentLeft"
	EventActionRejected  OutboundType = "actionRejected"
)

// Outbound 伺服器事件
type Outbound struct {
	Type OutboundType `json:"event"`
	Data any          `json:"data"`
}

// WelcomeData 連線建立
type WelcomeData struct {
	ConnectionID string `json:"connectionId"`
}

// SeatData 入座結果
type SeatData struct {
	SessionID string    `json:"sessionId"`
	Mark      game.Mark `json:"mark"`
}

// StateData 棋盤狀態
type StateData struct {
	Board      game.Board `json:"board"`
	TurnHolder *string    `json:"turnHolder"`
	CellIndex  *int       `json:"cellIndex,omitempty"`
	Mark       game.Mark  `json:"mark,omitempty"`
}

// FinishedData 對局結束
type FinishedData struct {
	Board   game.Board `json:"board"`
	Outcome *Outcome   `json:"outcome"`
}

// RejectedData 操作被拒絕
type RejectedData struct {
	Reason string `json:"reason"`
	Code   string `json:"code"`
}

// emptyData 序列化為 {}
type emptyData struct{}

func Welcome(connectionID string) Outbound {
	return Outbound{Type: EventWelcome, Data: WelcomeData{ConnectionID: connectionID}}
}

func Pong() Outbound {
	return Outbound{Type: EventPong, Data: emptyData{}}
}

func SessionCreated(sessionID string) Outbound {
	return Outbound{Type: EventSessionCreated, Data: SeatData{SessionID: sessionID, Mark: game.MarkX}}
}

func Joined(sessionID string, mark game.Mark) Outbound {
	return Outbound{Type: EventJoined, Data: SeatData{SessionID: sessionID, Mark: mark}}
}

func OpponentJoined() Outbound {
	return Outbound{Type: EventOpponentJoined, Data: emptyData{}}
}

// StateChanged 由落子觸發時帶上 cellIndex 與 mark
func StateChanged(rec *SessionRecord, move *MoveResult) Outbound {
	data := StateData{Board: rec.Board, TurnHolder: turnHolderOf(rec)}
	if move != nil {
		cell := move.CellIndex
		data.CellIndex = &cell
		data.Mark = move.Mark
	}
	return Outbound{Type: EventStateChanged, Data: data}
}

func SessionFinished(rec *SessionRecord) Outbound {
	return Outbound{Type: EventSessionFinished, Data: FinishedData{Board: rec.Board, Outcome: rec.Outcome}}
}

func SessionReset(rec *SessionRecord) Outbound {
	return Outbound{Type: EventSessionReset, Data: StateData{Board: rec.Board, TurnHolder: turnHolderOf(rec)}}
}

func OpponentLeft() Outbound {
	return Outbound{Type: EventOpponentLeft, Data: emptyData{}}
}

// ActionRejected 錯誤只回給發起者
func ActionRejected(err error) Outbound {
	data := RejectedData{Code: apperrors.CodeOf(err), Reason: "internal error"}
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		data.Reason = appErr.Message
		if appErr.Details != "" {
			data.Reason = appErr.Message + ": " + appErr.Details
		}
	}
	return Outbound{Type: EventActionRejected, Data: data}
}

func turnHolderOf(rec *SessionRecord) *string {
	if rec.TurnHolder == "" {
		return nil
	}
	th := rec.TurnHolder
	return &th
}

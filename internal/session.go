package internal

import (
	"sync"
	"time"

	"github.com/koopa0/system-design/14-session-coordinator/internal/game"
)

// MaxParticipants 每局最多兩位玩家
const MaxParticipants = 2

// Session 進程內的權威對局狀態
//
// 系統設計考量：
//
//  1. 並發控制（每局一把鎖）：
//     同一局的所有變更串行化，兩個同時送出的落子只會有一個成功，
//     另一個看到的是已經換手後的狀態（NotYourTurn）。
//     不同對局之間沒有共享鎖，可以完全並行。
//
//  2. evicted 旗標：
//     Registry 先查表、後加鎖，中間可能被斷線流程驅逐。
//     加鎖後檢查 evicted，驅逐後的任何操作都視為 NotFound。
//
//  3. version：
//     每次變更遞增，讓非同步鏡像寫入可以丟棄較舊的快照。
type Session struct {
	mu sync.Mutex

	id           string
	board        game.Board
	participants []Participant
	turnHolder   string
	phase        Phase
	outcome      *Outcome
	version      int64
	createdAt    time.Time
	updatedAt    time.Time
	evicted      bool
}

// newSession 建立等待中的對局，建立者坐 X
func newSession(id string, creator Participant, now time.Time) *Session {
	creator.Mark = game.MarkX
	return &Session{
		id:           id,
		participants: []Participant{creator},
		phase:        PhaseWaiting,
		version:      1,
		createdAt:    now,
		updatedAt:    now,
	}
}

// sessionFromRecord 從快取或資料庫的快照還原
func sessionFromRecord(rec *SessionRecord) *Session {
	s := &Session{
		id:           rec.SessionID,
		board:        rec.Board,
		participants: append([]Participant(nil), rec.Participants...),
		turnHolder:   rec.TurnHolder,
		phase:        rec.Phase,
		version:      rec.Version,
		createdAt:    rec.CreatedAt,
		updatedAt:    rec.UpdatedAt,
	}
	if rec.Outcome != nil {
		o := *rec.Outcome
		s.outcome = &o
	}
	return s
}

// record 產生快照（呼叫者需持有鎖）
func (s *Session) record() *SessionRecord {
	rec := &SessionRecord{
		SessionID:    s.id,
		Board:        s.board,
		Participants: append([]Participant(nil), s.participants...),
		TurnHolder:   s.turnHolder,
		Phase:        s.phase,
		Version:      s.version,
		CreatedAt:    s.createdAt,
		UpdatedAt:    s.updatedAt,
	}
	if s.outcome != nil {
		o := *s.outcome
		o.Line = append([]int(nil), s.outcome.Line...)
		rec.Outcome = &o
	}
	return rec
}

// touch 標記一次持久化相關的變更（呼叫者需持有鎖）
func (s *Session) touch(now time.Time) {
	s.version++
	s.updatedAt = now
}

// participantByConn 依連線查找玩家（呼叫者需持有鎖）
func (s *Session) participantByConn(connectionID string) (Participant, bool) {
	for _, p := range s.participants {
		if p.ConnectionID == connectionID {
			return p, true
		}
	}
	return Participant{}, false
}

// participantByMark 依標記查找玩家（呼叫者需持有鎖）
func (s *Session) participantByMark(mark game.Mark) (Participant, bool) {
	for _, p := range s.participants {
		if p.Mark == mark {
			return p, true
		}
	}
	return Participant{}, false
}

// opponentOf 找出另一位玩家（呼叫者需持有鎖）
func (s *Session) opponentOf(connectionID string) (Participant, bool) {
	for _, p := range s.participants {
		if p.ConnectionID != connectionID {
			return p, true
		}
	}
	return Participant{}, false
}

// hasAccount 帳號是否已入座（呼叫者需持有鎖）
func (s *Session) hasAccount(accountID string) bool {
	for _, p := range s.participants {
		if p.AccountID == accountID {
			return true
		}
	}
	return false
}

// validRecord 檢查快照是否滿足不變量，用於還原前
func validRecord(rec *SessionRecord) bool {
	if rec == nil || rec.SessionID == "" || len(rec.Participants) == 0 || len(rec.Participants) > MaxParticipants {
		return false
	}
	switch rec.Phase {
	case PhaseWaiting:
		return len(rec.Participants) == 1
	case PhaseActive:
		if len(rec.Participants) != MaxParticipants {
			return false
		}
		for _, p := range rec.Participants {
			if p.ConnectionID == rec.TurnHolder {
				return true
			}
		}
		return false
	default:
		return false
	}
}

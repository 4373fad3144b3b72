package internal

import (
	"context"
	"errors"
	"time"

	"github.com/koopa0/system-design/14-session-coordinator/internal/game"
)

// Phase 對局生命週期階段
//
//	waiting → active → finished
//	            ↑________↓ (reset)
type Phase string

const (
	PhaseWaiting  Phase = "waiting"  // 建立者已入座，等待對手
	PhaseActive   Phase = "active"   // 雙方入座，輪流落子
	PhaseFinished Phase = "finished" // 勝負或和局已定
)

// OutcomeKind 對局結果類型
type OutcomeKind string

const (
	OutcomeWin  OutcomeKind = "win"
	OutcomeDraw OutcomeKind = "draw"
	// OutcomeAbandoned 只出現在持久化副本：有人斷線導致對局被驅逐
	OutcomeAbandoned OutcomeKind = "abandoned"
)

// Outcome 對局結果
type Outcome struct {
	Kind   OutcomeKind `json:"kind"`
	Winner game.Mark   `json:"winner,omitempty"`
	Line   []int       `json:"line,omitempty"`
}

// Participant 入座的玩家
type Participant struct {
	ConnectionID string    `json:"connectionId"`
	Mark         game.Mark `json:"mark"`
	AccountID    string    `json:"accountId"`
}

// SessionRecord 對局快照
//
// 這是 Registry 對外提供的唯讀副本，也是寫入 Redis 與 PostgreSQL 的格式。
// Version 每次持久化相關欄位變更時遞增，用來丟棄過期的非同步寫入。
type SessionRecord struct {
	SessionID    string        `json:"sessionId"`
	Board        game.Board    `json:"board"`
	Participants []Participant `json:"participants"`
	TurnHolder   string        `json:"turnHolder"`
	Phase        Phase         `json:"phase"`
	Outcome      *Outcome      `json:"outcome"`
	Version      int64         `json:"version"`
	CreatedAt    time.Time     `json:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
}

// Clone 深拷貝
func (r *SessionRecord) Clone() *SessionRecord {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Participants = append([]Participant(nil), r.Participants...)
	if r.Outcome != nil {
		o := *r.Outcome
		o.Line = append([]int(nil), r.Outcome.Line...)
		cp.Outcome = &o
	}
	return &cp
}

// Participant 依標記查找玩家
func (r *SessionRecord) Participant(mark game.Mark) (Participant, bool) {
	for _, p := range r.Participants {
		if p.Mark == mark {
			return p, true
		}
	}
	return Participant{}, false
}

// PlayerRecord 玩家帳號
type PlayerRecord struct {
	AccountID      string    `json:"accountId"`
	Secret         string    `json:"-"`
	GamesPlayed    int64     `json:"gamesPlayed"`
	Wins           int64     `json:"wins"`
	Losses         int64     `json:"losses"`
	Draws          int64     `json:"draws"`
	LastActive     time.Time `json:"lastActive"`
	LiveConnection string    `json:"liveConnection,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// StatKind 戰績類型
type StatKind string

const (
	StatWin  StatKind = "win"
	StatLoss StatKind = "loss"
	StatDraw StatKind = "draw"
)

// ErrCacheMiss 快取未命中
var ErrCacheMiss = errors.New("cache miss")

// SessionStore 持久化存儲（每個對局一筆記錄）
//
// GetSession 找不到時返回 errors.ErrSessionNotFound。
// UpsertSession 只在傳入的 Version 較新時覆蓋。
type SessionStore interface {
	GetSession(ctx context.Context, sessionID string) (*SessionRecord, error)
	UpsertSession(ctx context.Context, rec *SessionRecord) error
	RecentSessions(ctx context.Context, limit int) ([]*SessionRecord, error)
}

// SessionCache 有過期時間的快取
//
// GetSession 未命中時返回 ErrCacheMiss。
// SetSession 只在傳入的 Version 不舊於快取內容時覆蓋。
type SessionCache interface {
	GetSession(ctx context.Context, sessionID string) (*SessionRecord, error)
	SetSession(ctx context.Context, rec *SessionRecord, ttl time.Duration) error
	DeleteSession(ctx context.Context, sessionID string) error
}

// PlayerStore 玩家帳號存儲
type PlayerStore interface {
	FindPlayer(ctx context.Context, accountID string) (*PlayerRecord, error)
	CreatePlayer(ctx context.Context, rec *PlayerRecord) error
	TouchPlayer(ctx context.Context, accountID string, at time.Time) error
	SetLiveConnection(ctx context.Context, accountID, connectionID string, at time.Time) error
	IncrementOutcome(ctx context.Context, accountID string, kind StatKind) error
	TopPlayers(ctx context.Context, limit int) ([]*PlayerRecord, error)
	RenamePlayer(ctx context.Context, oldAccountID, newAccountID string) (*PlayerRecord, error)
}

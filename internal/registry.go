package internal

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/koopa0/system-design/14-session-coordinator/internal/game"
	apperrors "github.com/koopa0/system-design/14-session-coordinator/pkg/errors"
)

// Mirror Registry 與持久化層之間的邊界
//
// Mirror 與 Abandon 必須不阻塞：Registry 在持有對局鎖時呼叫它們，
// 以保證同一局的快照按版本順序入隊。
type Mirror interface {
	Load(ctx context.Context, sessionID string) (*SessionRecord, error)
	Mirror(rec *SessionRecord)
	Abandon(rec *SessionRecord)
	Submit(key, name string, fn func(ctx context.Context) error)
}

// OutcomeRecorder 戰績統計
type OutcomeRecorder interface {
	IncrementOutcome(ctx context.Context, accountID string, kind StatKind) error
}

// RegistryOptions Registry 配置
type RegistryOptions struct {
	IDLength        int
	RetiredTTL      time.Duration // 被驅逐的 ID 在這段時間內不會重新發放或還原
	CleanupInterval time.Duration
	IDGenerator     func() string
	Now             func() time.Time
}

// MoveResult 落子結果
type MoveResult struct {
	Session   *SessionRecord
	Terminal  bool
	CellIndex int
	Mark      game.Mark
}

// Departure 斷線導致的驅逐
type Departure struct {
	SessionID   string
	Participant Participant
}

// Registry 對局登記處
//
// 系統設計考量：
//
//  1. 兩層鎖：
//     Registry 的 RWMutex 只保護 map，對局內部狀態由各自的鎖保護。
//     鎖順序固定為「先對局、後 Registry」，任何路徑都不會在持有
//     Registry 鎖時去拿對局鎖，因此不會死鎖。
//
//  2. 持久化不在關鍵路徑上：
//     變更完成後把快照交給 Mirror 非同步寫入，
//     快取或資料庫失敗只會記錄，不影響對局。
//
//  3. retired：
//     被驅逐的 ID 保留一段時間，避免重新發放給新對局，
//     也避免從尚未過期的快取把已結束的對局還原回來。
type Registry struct {
	sessions map[string]*Session
	retired  map[string]time.Time
	mu       sync.RWMutex

	mirror Mirror
	stats  OutcomeRecorder
	logger *slog.Logger

	idLength   int
	retiredTTL time.Duration
	interval   time.Duration
	newID      func() string
	now        func() time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewRegistry 創建 Registry
//
// stats 可以是 nil（不統計戰績）。
func NewRegistry(mirror Mirror, stats OutcomeRecorder, logger *slog.Logger, opts RegistryOptions) *Registry {
	if opts.IDLength <= 0 {
		opts.IDLength = 6
	}
	if opts.RetiredTTL <= 0 {
		opts.RetiredTTL = 15 * time.Minute
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	r := &Registry{
		sessions:   make(map[string]*Session),
		retired:    make(map[string]time.Time),
		mirror:     mirror,
		stats:      stats,
		logger:     logger,
		idLength:   opts.IDLength,
		retiredTTL: opts.RetiredTTL,
		interval:   opts.CleanupInterval,
		newID:      opts.IDGenerator,
		now:        opts.Now,
		stopCh:     make(chan struct{}),
	}
	if r.newID == nil {
		r.newID = r.generateID
	}

	// 啟動清理 goroutine
	r.wg.Add(1)
	go r.cleanupLoop()

	return r
}

// maxIDAttempts 產生 ID 的重試上限
const maxIDAttempts = 64

// Create 建立對局，建立者坐 X
//
// 不具冪等性：每次呼叫都產生新的對局。
func (r *Registry) Create(connectionID, accountID string) (*SessionRecord, error) {
	if connectionID == "" || accountID == "" {
		return nil, apperrors.ErrInvalidInput.WithDetails("connection id and account id are required")
	}

	creator := Participant{ConnectionID: connectionID, AccountID: accountID}

	r.mu.Lock()
	var s *Session
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		id := r.newID()
		if _, live := r.sessions[id]; live {
			continue
		}
		if _, retired := r.retired[id]; retired {
			continue
		}
		s = newSession(id, creator, r.now())
		r.sessions[id] = s
		break
	}
	r.mu.Unlock()

	if s == nil {
		return nil, apperrors.New(apperrors.ErrCodeInternal, "could not allocate session id")
	}

	s.mu.Lock()
	rec := s.record()
	r.mirror.Mirror(rec)
	s.mu.Unlock()

	r.logger.Info("對局已建立",
		"session_id", rec.SessionID,
		"connection_id", connectionID,
		"account_id", accountID)

	return rec.Clone(), nil
}

// Join 加入對局，加入者坐 O
//
// 對局不在記憶體時會嘗試從快取或資料庫還原。
func (r *Registry) Join(ctx context.Context, sessionID, connectionID, accountID string) (game.Mark, *SessionRecord, error) {
	if sessionID == "" || connectionID == "" || accountID == "" {
		return game.MarkNone, nil, apperrors.ErrInvalidInput.WithDetails("session id, connection id and account id are required")
	}

	s, err := r.lookupOrRehydrate(ctx, sessionID)
	if err != nil {
		return game.MarkNone, nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.evicted {
		return game.MarkNone, nil, apperrors.ErrSessionNotFound
	}
	if len(s.participants) >= MaxParticipants {
		return game.MarkNone, nil, apperrors.ErrSessionFull
	}
	if s.hasAccount(accountID) {
		return game.MarkNone, nil, apperrors.ErrDuplicateParticipant
	}
	if s.phase != PhaseWaiting {
		return game.MarkNone, nil, apperrors.ErrInvalidState.WithDetails(fmt.Sprintf("phase is %s", s.phase))
	}

	x, ok := s.participantByMark(game.MarkX)
	if !ok {
		return game.MarkNone, nil, apperrors.ErrOpponentMissing
	}

	s.participants = append(s.participants, Participant{
		ConnectionID: connectionID,
		Mark:         game.MarkO,
		AccountID:    accountID,
	})
	s.turnHolder = x.ConnectionID
	s.phase = PhaseActive
	s.touch(r.now())

	rec := s.record()
	r.mirror.Mirror(rec)

	r.logger.Info("玩家加入對局",
		"session_id", sessionID,
		"connection_id", connectionID,
		"account_id", accountID)

	return game.MarkO, rec.Clone(), nil
}

// Move 落子
//
// 檢查順序：NotFound → InvalidState → NotYourTurn → IllegalMove → OpponentMissing。
// 任何一項失敗都不會改變對局狀態。
func (r *Registry) Move(sessionID, connectionID string, cellIndex int) (*MoveResult, error) {
	s, ok := r.lookup(sessionID)
	if !ok {
		return nil, apperrors.ErrSessionNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.evicted {
		return nil, apperrors.ErrSessionNotFound
	}
	if s.phase != PhaseActive {
		return nil, apperrors.ErrInvalidState.WithDetails(fmt.Sprintf("phase is %s", s.phase))
	}
	if s.turnHolder != connectionID {
		return nil, apperrors.ErrNotYourTurn
	}

	mover, ok := s.participantByConn(connectionID)
	if !ok {
		return nil, apperrors.ErrNotAParticipant
	}

	board, err := game.ApplyMove(s.board, cellIndex, mover.Mark)
	if err != nil {
		return nil, err
	}

	result := game.Evaluate(board)
	now := r.now()

	if result.Terminal() {
		s.board = board
		s.phase = PhaseFinished
		s.turnHolder = ""
		s.outcome = outcomeOf(result)
		s.touch(now)

		rec := s.record()
		r.mirror.Mirror(rec)
		r.recordOutcome(rec)

		r.logger.Info("對局結束",
			"session_id", sessionID,
			"outcome", rec.Outcome.Kind,
			"winner", rec.Outcome.Winner)

		return &MoveResult{Session: rec.Clone(), Terminal: true, CellIndex: cellIndex, Mark: mover.Mark}, nil
	}

	opponent, ok := s.opponentOf(connectionID)
	if !ok {
		// active 階段必有兩位玩家，走到這裡代表不變量被破壞
		r.logger.Error("對手缺席",
			"session_id", sessionID,
			"connection_id", connectionID)
		return nil, apperrors.ErrOpponentMissing
	}

	s.board = board
	s.turnHolder = opponent.ConnectionID
	s.touch(now)

	rec := s.record()
	r.mirror.Mirror(rec)

	return &MoveResult{Session: rec.Clone(), CellIndex: cellIndex, Mark: mover.Mark}, nil
}

// Reset 重新開局
//
// 只有 finished 的對局可以重置；棋盤與結果清空，由 X 先手。
func (r *Registry) Reset(sessionID, connectionID string) (*SessionRecord, error) {
	s, ok := r.lookup(sessionID)
	if !ok {
		return nil, apperrors.ErrSessionNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.evicted {
		return nil, apperrors.ErrSessionNotFound
	}
	if _, ok := s.participantByConn(connectionID); !ok {
		return nil, apperrors.ErrNotAParticipant
	}
	if s.phase != PhaseFinished {
		return nil, apperrors.ErrInvalidState.WithDetails(fmt.Sprintf("phase is %s", s.phase))
	}

	x, ok := s.participantByMark(game.MarkX)
	if !ok || len(s.participants) < MaxParticipants {
		return nil, apperrors.ErrOpponentMissing
	}

	s.board = game.Board{}
	s.outcome = nil
	s.phase = PhaseActive
	s.turnHolder = x.ConnectionID
	s.touch(r.now())

	rec := s.record()
	r.mirror.Mirror(rec)

	r.logger.Info("對局已重置", "session_id", sessionID, "connection_id", connectionID)

	return rec.Clone(), nil
}

// RemoveConnection 連線關閉時驅逐其所在的對局
//
// 只處理第一個符合的對局（一條連線最多坐一局）。
// 被驅逐的對局以 finished/abandoned 寫入資料庫並刪除快取。
func (r *Registry) RemoveConnection(connectionID string) (Departure, bool) {
	r.mu.RLock()
	candidates := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		candidates = append(candidates, s)
	}
	r.mu.RUnlock()

	for _, s := range candidates {
		s.mu.Lock()
		if s.evicted {
			s.mu.Unlock()
			continue
		}
		p, ok := s.participantByConn(connectionID)
		if !ok {
			s.mu.Unlock()
			continue
		}

		s.evicted = true
		s.touch(r.now())
		rec := s.record()
		rec.Phase = PhaseFinished
		rec.TurnHolder = ""
		if rec.Outcome == nil {
			rec.Outcome = &Outcome{Kind: OutcomeAbandoned}
		}
		s.mu.Unlock()

		r.mu.Lock()
		delete(r.sessions, s.id)
		r.retired[s.id] = r.now()
		r.mu.Unlock()

		r.mirror.Abandon(rec)

		r.logger.Info("對局因斷線被驅逐",
			"session_id", s.id,
			"connection_id", connectionID,
			"mark", p.Mark)

		return Departure{SessionID: s.id, Participant: p}, true
	}

	return Departure{}, false
}

// Snapshot 取得對局快照（只查記憶體）
func (r *Registry) Snapshot(sessionID string) (*SessionRecord, bool) {
	s, ok := r.lookup(sessionID)
	if !ok {
		return nil, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.evicted {
		return nil, false
	}
	return s.record(), true
}

// lookup 只查記憶體
func (r *Registry) lookup(sessionID string) (*Session, bool) {
	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	return s, ok
}

// lookupOrRehydrate 查記憶體，未命中時從持久化層還原
//
// 已結束或已被本進程驅逐的對局不會被還原。
func (r *Registry) lookupOrRehydrate(ctx context.Context, sessionID string) (*Session, error) {
	if s, ok := r.lookup(sessionID); ok {
		return s, nil
	}

	r.mu.RLock()
	_, retired := r.retired[sessionID]
	r.mu.RUnlock()
	if retired {
		return nil, apperrors.ErrSessionNotFound
	}

	rec, err := r.mirror.Load(ctx, sessionID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return nil, apperrors.ErrSessionNotFound
		}
		r.logger.Warn("還原對局失敗", "session_id", sessionID, "error", err)
		return nil, apperrors.Wrap(err, apperrors.ErrCodeNotFound, "session not found")
	}
	if rec.Phase == PhaseFinished || !validRecord(rec) {
		return nil, apperrors.ErrSessionNotFound
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// 另一個 goroutine 可能已經搶先還原
	if s, ok := r.sessions[sessionID]; ok {
		return s, nil
	}
	if _, retired := r.retired[sessionID]; retired {
		return nil, apperrors.ErrSessionNotFound
	}

	s := sessionFromRecord(rec)
	r.sessions[sessionID] = s

	r.logger.Info("對局已從持久化層還原",
		"session_id", sessionID,
		"phase", rec.Phase,
		"version", rec.Version)

	return s, nil
}

// recordOutcome 交給背景佇列更新戰績（呼叫者需持有對局鎖）
func (r *Registry) recordOutcome(rec *SessionRecord) {
	if r.stats == nil || rec.Outcome == nil {
		return
	}

	for _, p := range rec.Participants {
		if p.AccountID == "" {
			continue
		}

		kind := StatDraw
		if rec.Outcome.Kind == OutcomeWin {
			kind = StatLoss
			if p.Mark == rec.Outcome.Winner {
				kind = StatWin
			}
		}

		accountID := p.AccountID
		r.mirror.Submit(rec.SessionID, "increment_outcome", func(ctx context.Context) error {
			err := r.stats.IncrementOutcome(ctx, accountID, kind)
			if apperrors.IsNotFound(err) {
				// 訪客帳號沒有戰績紀錄
				return nil
			}
			return err
		})
	}
}

// outcomeOf 把判定結果轉成對局結果
func outcomeOf(res game.Result) *Outcome {
	switch res.Kind {
	case game.ResultWin:
		return &Outcome{Kind: OutcomeWin, Winner: res.Mark, Line: res.Line[:]}
	case game.ResultDraw:
		return &Outcome{Kind: OutcomeDraw}
	default:
		return nil
	}
}

// cleanupLoop 清理過期的 retired ID
func (r *Registry) cleanupLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.cleanup()
		case <-r.stopCh:
			return
		}
	}
}

// Cleanup 執行清理（公開方法供測試使用）
func (r *Registry) Cleanup() {
	r.cleanup()
}

func (r *Registry) cleanup() {
	cutoff := r.now().Add(-r.retiredTTL)

	r.mu.Lock()
	removed := 0
	for id, at := range r.retired {
		if at.Before(cutoff) {
			delete(r.retired, id)
			removed++
		}
	}
	r.mu.Unlock()

	if removed > 0 {
		r.logger.Debug("已清理過期的對局 ID", "count", removed)
	}
}

// Stop 停止 Registry
func (r *Registry) Stop() {
	close(r.stopCh)
	r.wg.Wait()

	r.logger.Info("對局登記處已停止")
}

// generateID 生成 6 碼大寫英數 ID
func (r *Registry) generateID() string {
	const chars = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, r.idLength)
	for i := range b {
		b[i] = chars[randInt(len(chars))]
	}
	return string(b)
}

// randInt 生成 [0, max) 的隨機數
func randInt(max int) int {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		// 如果隨機讀取失敗，使用時間作為隨機源
		return int(time.Now().UnixNano() % int64(max))
	}
	return int(n.Int64())
}

// Stats 獲取統計資訊
func (r *Registry) Stats() map[string]any {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	retired := len(r.retired)
	r.mu.RUnlock()

	phaseCount := make(map[Phase]int)
	totalParticipants := 0
	for _, s := range sessions {
		s.mu.Lock()
		if !s.evicted {
			phaseCount[s.phase]++
			totalParticipants += len(s.participants)
		}
		s.mu.Unlock()
	}

	return map[string]any{
		"total_sessions":     len(sessions),
		"total_participants": totalParticipants,
		"by_phase":           phaseCount,
		"retired_ids":        retired,
	}
}

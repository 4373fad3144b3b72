package internal

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/koopa0/system-design/14-session-coordinator/internal/game"
	apperrors "github.com/koopa0/system-design/14-session-coordinator/pkg/errors"
	"github.com/koopa0/system-design/14-session-coordinator/pkg/logger"
)

// Sender 把事件送到某條連線
//
// 必須不阻塞；連線不存在時直接丟棄。
type Sender interface {
	Send(connectionID string, msg Outbound)
}

// ParticipantDirectory Router 用到的帳號操作
type ParticipantDirectory interface {
	Authenticate(ctx context.Context, accountID, secret string) (*PlayerRecord, error)
	UpdateLiveConnection(ctx context.Context, accountID, connectionID string) error
	Touch(ctx context.Context, accountID string) error
}

// TaskSubmitter 背景任務佇列
type TaskSubmitter interface {
	Submit(key, name string, fn func(ctx context.Context) error)
}

// RouterOptions Router 配置
type RouterOptions struct {
	// RequireCredentials 為 true 時 create/join 必須帶密碼
	RequireCredentials bool
	// LookupTimeout 驗證帳號時查詢 Directory 的上限（默認 5 秒）
	LookupTimeout time.Duration
}

// Router 連線與對局之間的路由
//
// 職責：
//   - 維護 connection → session 的成員關係與 session → connections 的房間
//   - 把客戶端訊息轉成 Registry 操作
//   - 成功時廣播給整個房間，失敗時只回給發起者
//
// 鎖：Router 的鎖只保護兩張 map，呼叫 Registry 與 Sender 時不持有。
type Router struct {
	registry  *Registry
	sender    Sender
	directory ParticipantDirectory
	tasks     TaskSubmitter
	events    EventPublisher
	logger    *slog.Logger
	opts      RouterOptions

	membership map[string]string              // connectionID -> sessionID
	accounts   map[string]string              // connectionID -> accountID
	rooms      map[string]map[string]struct{} // sessionID -> connectionIDs
	mu         sync.RWMutex
}

// NewRouter 創建 Router
//
// directory、tasks、events 可以是 nil。
func NewRouter(registry *Registry, directory ParticipantDirectory, tasks TaskSubmitter, events EventPublisher, logger *slog.Logger, opts RouterOptions) *Router {
	if events == nil {
		events = NopPublisher{}
	}
	if opts.LookupTimeout <= 0 {
		opts.LookupTimeout = 5 * time.Second
	}
	return &Router{
		registry:   registry,
		directory:  directory,
		tasks:      tasks,
		events:     events,
		logger:     logger,
		opts:       opts,
		membership: make(map[string]string),
		accounts:   make(map[string]string),
		rooms:      make(map[string]map[string]struct{}),
	}
}

// SetSender 設定傳輸層（在開始接受連線前呼叫）
func (r *Router) SetSender(sender Sender) {
	r.sender = sender
}

// Connect 新連線建立
func (r *Router) Connect(_ context.Context, connectionID string) {
	r.sender.Send(connectionID, Welcome(connectionID))
}

// Dispatch 處理一則客戶端訊息
func (r *Router) Dispatch(ctx context.Context, connectionID string, msg Inbound) {
	ctx = logger.WithConnectionID(ctx, connectionID)

	switch msg.Type {
	case InboundCreate:
		r.handleCreate(ctx, connectionID, msg)
	case InboundJoin:
		r.handleJoin(ctx, connectionID, msg)
	case InboundMove:
		r.handleMove(ctx, connectionID, msg)
	case InboundReset:
		r.handleReset(ctx, connectionID, msg)
	case InboundPing:
		r.sender.Send(connectionID, Pong())
	default:
		r.reject(ctx, connectionID, msg.Type, apperrors.ErrInvalidInput.WithDetails("unknown message type"))
	}
}

func (r *Router) handleCreate(ctx context.Context, connectionID string, msg Inbound) {
	if msg.AccountID == "" {
		r.reject(ctx, connectionID, msg.Type, apperrors.ErrInvalidInput.WithDetails("accountId is required"))
		return
	}
	if sid, bound := r.sessionOf(connectionID); bound {
		r.reject(ctx, connectionID, msg.Type, apperrors.ErrInvalidState.WithDetails("connection already in session "+sid))
		return
	}
	// 先驗證再建立，失敗時不會留下等待中的孤兒對局
	if err := r.authenticate(ctx, msg); err != nil {
		r.reject(ctx, connectionID, msg.Type, err)
		return
	}

	rec, err := r.registry.Create(connectionID, msg.AccountID)
	if err != nil {
		r.reject(ctx, connectionID, msg.Type, err)
		return
	}

	r.bind(connectionID, rec.SessionID, msg.AccountID)
	r.updateLiveConnection(msg.AccountID, connectionID)

	r.sender.Send(connectionID, SessionCreated(rec.SessionID))
	r.publish(ctx, rec.SessionID, EventSessionCreated, rec)
}

func (r *Router) handleJoin(ctx context.Context, connectionID string, msg Inbound) {
	if msg.SessionID == "" || msg.AccountID == "" {
		r.reject(ctx, connectionID, msg.Type, apperrors.ErrInvalidInput.WithDetails("sessionId and accountId are required"))
		return
	}
	ctx = logger.WithSessionID(ctx, msg.SessionID)

	if sid, bound := r.sessionOf(connectionID); bound {
		r.reject(ctx, connectionID, msg.Type, apperrors.ErrInvalidState.WithDetails("connection already in session "+sid))
		return
	}
	if err := r.authenticate(ctx, msg); err != nil {
		r.reject(ctx, connectionID, msg.Type, err)
		return
	}

	mark, rec, err := r.registry.Join(ctx, msg.SessionID, connectionID, msg.AccountID)
	if err != nil {
		r.reject(ctx, connectionID, msg.Type, err)
		return
	}

	r.bind(connectionID, rec.SessionID, msg.AccountID)
	r.updateLiveConnection(msg.AccountID, connectionID)

	r.sender.Send(connectionID, Joined(rec.SessionID, mark))
	r.broadcastExcept(rec.SessionID, connectionID, OpponentJoined())
	r.broadcast(rec.SessionID, StateChanged(rec, nil))
	r.publish(ctx, rec.SessionID, EventOpponentJoined, rec)

	// Join 返回到 bind 之間建立者可能已經斷線，closeRoom 看不到這條連線
	if _, live := r.registry.Snapshot(rec.SessionID); !live && r.unbindFrom(connectionID, rec.SessionID) {
		r.sender.Send(connectionID, OpponentLeft())
	}
}

func (r *Router) handleMove(ctx context.Context, connectionID string, msg Inbound) {
	if msg.CellIndex == nil {
		r.reject(ctx, connectionID, msg.Type, apperrors.ErrInvalidInput.WithDetails("cellIndex is required"))
		return
	}

	sessionID, err := r.boundSession(connectionID, msg.SessionID)
	if err != nil {
		r.reject(ctx, connectionID, msg.Type, err)
		return
	}
	ctx = logger.WithSessionID(ctx, sessionID)

	res, err := r.registry.Move(sessionID, connectionID, *msg.CellIndex)
	if err != nil {
		if apperrors.IsNotFound(err) {
			r.unbind(connectionID)
		}
		r.reject(ctx, connectionID, msg.Type, err)
		return
	}

	if res.Terminal {
		r.broadcast(sessionID, SessionFinished(res.Session))
		r.publish(ctx, sessionID, EventSessionFinished, res.Session)
		return
	}

	r.broadcast(sessionID, StateChanged(res.Session, res))
	r.publish(ctx, sessionID, EventStateChanged, res.Session)
}

func (r *Router) handleReset(ctx context.Context, connectionID string, msg Inbound) {
	sessionID, err := r.boundSession(connectionID, msg.SessionID)
	if err != nil {
		r.reject(ctx, connectionID, msg.Type, err)
		return
	}
	ctx = logger.WithSessionID(ctx, sessionID)

	rec, err := r.registry.Reset(sessionID, connectionID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			r.unbind(connectionID)
		}
		r.reject(ctx, connectionID, msg.Type, err)
		return
	}

	r.broadcast(sessionID, SessionReset(rec))
	r.publish(ctx, sessionID, EventSessionReset, rec)
}

// Disconnect 連線關閉
//
// 對局被驅逐時通知留下的玩家，並解除他們的成員關係，讓他們可以重新建立或加入。
func (r *Router) Disconnect(ctx context.Context, connectionID string) {
	ctx = logger.WithConnectionID(ctx, connectionID)

	accountID := r.unbind(connectionID)
	if accountID != "" && r.directory != nil && r.tasks != nil {
		r.tasks.Submit(PlayerTaskKey(accountID), "touch_player", func(ctx context.Context) error {
			err := r.directory.Touch(ctx, accountID)
			if apperrors.IsNotFound(err) {
				return nil
			}
			return err
		})
	}

	departure, ok := r.registry.RemoveConnection(connectionID)
	if !ok {
		return
	}

	survivors := r.closeRoom(departure.SessionID)
	for _, id := range survivors {
		r.sender.Send(id, OpponentLeft())
	}

	r.logger.InfoContext(ctx, "玩家離開，對局結束",
		"session_id", departure.SessionID,
		"mark", departure.Participant.Mark,
		"survivors", len(survivors))

	r.publish(ctx, departure.SessionID, EventOpponentLeft, map[string]any{
		"sessionId": departure.SessionID,
		"mark":      departure.Participant.Mark,
	})
}

// authenticate 有帶密碼就驗證；RequireCredentials 時必須帶
func (r *Router) authenticate(ctx context.Context, msg Inbound) error {
	if msg.Secret == "" {
		if r.opts.RequireCredentials {
			return apperrors.ErrInvalidCredentials.WithDetails("secret is required")
		}
		return nil
	}
	if r.directory == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.LookupTimeout)
	defer cancel()

	if _, err := r.directory.Authenticate(ctx, msg.AccountID, msg.Secret); err != nil {
		if apperrors.IsNotFound(err) || apperrors.IsInvalidCredentials(err) {
			return apperrors.ErrInvalidCredentials
		}
		r.logger.WarnContext(ctx, "驗證帳號失敗", "account_id", msg.AccountID, "error", err)
		return apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "participant directory unavailable")
	}
	return nil
}

func (r *Router) updateLiveConnection(accountID, connectionID string) {
	if r.directory == nil || r.tasks == nil {
		return
	}
	r.tasks.Submit(PlayerTaskKey(accountID), "update_live_connection", func(ctx context.Context) error {
		err := r.directory.UpdateLiveConnection(ctx, accountID, connectionID)
		if apperrors.IsNotFound(err) {
			// 未註冊的帳號可以直接遊玩
			return nil
		}
		return err
	})
}

// reject 錯誤只回給發起者
func (r *Router) reject(ctx context.Context, connectionID string, action InboundType, err error) {
	r.logger.DebugContext(ctx, "操作被拒絕",
		"action", action,
		"code", apperrors.CodeOf(err),
		"error", err)
	r.sender.Send(connectionID, ActionRejected(err))
}

// publish 發布對局事件到事件匯流排
func (r *Router) publish(ctx context.Context, sessionID string, event OutboundType, payload any) {
	if err := r.events.Publish(ctx, SessionSubject(sessionID, string(event)), payload); err != nil {
		r.logger.DebugContext(ctx, "發布對局事件失敗", "session_id", sessionID, "event", event, "error", err)
	}
}

// boundSession 確認連線屬於指定的對局
//
// 訊息沒有帶 sessionId 時使用連線目前所在的對局。
// 指定的對局已不存在時返回 NotFound，與 Registry 的檢查順序一致；
// 對局被驅逐後留下的玩家也因此收到 NotFound。
func (r *Router) boundSession(connectionID, requested string) (string, error) {
	sessionID, bound := r.sessionOf(connectionID)
	if bound && (requested == "" || requested == sessionID) {
		return sessionID, nil
	}
	if requested != "" {
		if _, live := r.registry.Snapshot(requested); !live {
			return "", apperrors.ErrSessionNotFound
		}
	}
	return "", apperrors.ErrNotAParticipant
}

func (r *Router) sessionOf(connectionID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.membership[connectionID]
	return sid, ok
}

func (r *Router) bind(connectionID, sessionID, accountID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.membership[connectionID] = sessionID
	r.accounts[connectionID] = accountID
	if r.rooms[sessionID] == nil {
		r.rooms[sessionID] = make(map[string]struct{})
	}
	r.rooms[sessionID][connectionID] = struct{}{}
}

// unbind 解除成員關係，返回連線的帳號
func (r *Router) unbind(connectionID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	accountID := r.accounts[connectionID]
	delete(r.accounts, connectionID)

	sessionID, ok := r.membership[connectionID]
	if !ok {
		return accountID
	}
	delete(r.membership, connectionID)

	if room, exists := r.rooms[sessionID]; exists {
		delete(room, connectionID)
		if len(room) == 0 {
			delete(r.rooms, sessionID)
		}
	}
	return accountID
}

// unbindFrom 只在連線仍屬於 sessionID 時解除，返回是否解除
func (r *Router) unbindFrom(connectionID, sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.membership[connectionID]; !ok || current != sessionID {
		return false
	}
	delete(r.membership, connectionID)
	delete(r.accounts, connectionID)
	if room, exists := r.rooms[sessionID]; exists {
		delete(room, connectionID)
		if len(room) == 0 {
			delete(r.rooms, sessionID)
		}
	}
	return true
}

// closeRoom 移除整個房間並返回剩下的連線
func (r *Router) closeRoom(sessionID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	room := r.rooms[sessionID]
	survivors := make([]string, 0, len(room))
	for id := range room {
		survivors = append(survivors, id)
		delete(r.membership, id)
		delete(r.accounts, id)
	}
	delete(r.rooms, sessionID)
	return survivors
}

func (r *Router) members(sessionID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room := r.rooms[sessionID]
	ids := make([]string, 0, len(room))
	for id := range room {
		ids = append(ids, id)
	}
	return ids
}

// broadcast 廣播給房間內所有連線
func (r *Router) broadcast(sessionID string, msg Outbound) {
	for _, id := range r.members(sessionID) {
		r.sender.Send(id, msg)
	}
}

func (r *Router) broadcastExcept(sessionID, except string, msg Outbound) {
	for _, id := range r.members(sessionID) {
		if id != except {
			r.sender.Send(id, msg)
		}
	}
}

// MarkOf 連線在對局中的標記（測試與統計使用）
func (r *Router) MarkOf(connectionID string) (game.Mark, bool) {
	sid, ok := r.sessionOf(connectionID)
	if !ok {
		return game.MarkNone, false
	}
	rec, ok := r.registry.Snapshot(sid)
	if !ok {
		return game.MarkNone, false
	}
	for _, p := range rec.Participants {
		if p.ConnectionID == connectionID {
			return p.Mark, true
		}
	}
	return game.MarkNone, false
}

// Stats 獲取統計資訊
func (r *Router) Stats() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return map[string]any{
		"bound_connections": len(r.membership),
		"rooms":             len(r.rooms),
	}
}

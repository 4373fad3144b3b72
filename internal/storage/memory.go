package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/koopa0/system-design/14-session-coordinator/internal"
	apperrors "github.com/koopa0/system-design/14-session-coordinator/pkg/errors"
)

// MemorySessionStore 記憶體版的對局存儲
//
// 語義與 Postgres 相同（含版本保護），用於測試和無資料庫的本地開發。
type MemorySessionStore struct {
	records map[string]*internal.SessionRecord
	mu      sync.RWMutex
}

// NewMemorySessionStore 創建記憶體對局存儲
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{records: make(map[string]*internal.SessionRecord)}
}

// GetSession 讀取對局
func (m *MemorySessionStore) GetSession(_ context.Context, sessionID string) (*internal.SessionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[sessionID]
	if !ok {
		return nil, apperrors.ErrSessionNotFound
	}
	return rec.Clone(), nil
}

// UpsertSession 寫入對局（只接受較新的版本）
func (m *MemorySessionStore) UpsertSession(_ context.Context, rec *internal.SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.records[rec.SessionID]; ok {
		if existing.Version >= rec.Version {
			return nil
		}
		cp := rec.Clone()
		cp.CreatedAt = existing.CreatedAt
		m.records[rec.SessionID] = cp
		return nil
	}
	m.records[rec.SessionID] = rec.Clone()
	return nil
}

// RecentSessions 最近建立的對局
func (m *MemorySessionStore) RecentSessions(_ context.Context, limit int) ([]*internal.SessionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	records := make([]*internal.SessionRecord, 0, len(m.records))
	for _, rec := range m.records {
		records = append(records, rec.Clone())
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// Len 記錄數量
func (m *MemorySessionStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// memEntry 快取項目（保存序列化後的位元組，行為與 Redis 一致）
type memEntry struct {
	data      []byte
	version   int64
	expiresAt time.Time
}

// MemoryCache 記憶體版的對局快取
type MemoryCache struct {
	entries map[string]memEntry
	mu      sync.Mutex
	now     func() time.Time
}

// NewMemoryCache 創建記憶體快取
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]memEntry),
		now:     time.Now,
	}
}

// SetClock 替換時間來源（測試過期使用）
func (c *MemoryCache) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// GetSession 讀取快取，未命中或已過期返回 internal.ErrCacheMiss
func (c *MemoryCache) GetSession(_ context.Context, sessionID string) (*internal.SessionRecord, error) {
	c.mu.Lock()
	entry, ok := c.entries[sessionID]
	if ok && !c.now().Before(entry.expiresAt) {
		delete(c.entries, sessionID)
		ok = false
	}
	c.mu.Unlock()

	if !ok {
		return nil, internal.ErrCacheMiss
	}

	var rec internal.SessionRecord
	if err := json.Unmarshal(entry.data, &rec); err != nil {
		return nil, fmt.Errorf("decode cached session: %w", err)
	}
	return &rec, nil
}

// SetSession 寫入快取（版本 CAS）
func (c *MemoryCache) SetSession(_ context.Context, rec *internal.SessionRecord, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if existing, ok := c.entries[rec.SessionID]; ok && now.Before(existing.expiresAt) && existing.version > rec.Version {
		return nil
	}
	c.entries[rec.SessionID] = memEntry{data: data, version: rec.Version, expiresAt: now.Add(ttl)}
	return nil
}

// DeleteSession 刪除快取
func (c *MemoryCache) DeleteSession(_ context.Context, sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, sessionID)
	return nil
}

// TTL 剩餘過期時間，不存在時返回 false
func (c *MemoryCache) TTL(sessionID string) (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[sessionID]
	if !ok {
		return 0, false
	}
	remaining := entry.expiresAt.Sub(c.now())
	if remaining <= 0 {
		return 0, false
	}
	return remaining, true
}

// MemoryPlayerStore 記憶體版的玩家存儲
type MemoryPlayerStore struct {
	players map[string]*internal.PlayerRecord
	mu      sync.RWMutex
}

// NewMemoryPlayerStore 創建記憶體玩家存儲
func NewMemoryPlayerStore() *MemoryPlayerStore {
	return &MemoryPlayerStore{players: make(map[string]*internal.PlayerRecord)}
}

// FindPlayer 查詢玩家
func (m *MemoryPlayerStore) FindPlayer(_ context.Context, accountID string) (*internal.PlayerRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.players[accountID]
	if !ok {
		return nil, apperrors.ErrPlayerNotFound
	}
	cp := *p
	return &cp, nil
}

// CreatePlayer 建立玩家
func (m *MemoryPlayerStore) CreatePlayer(_ context.Context, rec *internal.PlayerRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.players[rec.AccountID]; exists {
		return apperrors.ErrAccountTaken
	}
	cp := *rec
	m.players[rec.AccountID] = &cp
	return nil
}

// TouchPlayer 更新最後活動時間
func (m *MemoryPlayerStore) TouchPlayer(_ context.Context, accountID string, at time.Time) error {
	return m.update(accountID, func(p *internal.PlayerRecord) {
		p.LastActive = at
	})
}

// SetLiveConnection 記錄目前連線
func (m *MemoryPlayerStore) SetLiveConnection(_ context.Context, accountID, connectionID string, at time.Time) error {
	return m.update(accountID, func(p *internal.PlayerRecord) {
		p.LiveConnection = connectionID
		p.LastActive = at
	})
}

// IncrementOutcome 場數與對應戰績各 +1
func (m *MemoryPlayerStore) IncrementOutcome(_ context.Context, accountID string, kind internal.StatKind) error {
	if _, ok := statColumns[kind]; !ok {
		return apperrors.ErrInvalidInput.WithDetails(fmt.Sprintf("unknown stat kind %q", kind))
	}
	return m.update(accountID, func(p *internal.PlayerRecord) {
		p.GamesPlayed++
		switch kind {
		case internal.StatWin:
			p.Wins++
		case internal.StatLoss:
			p.Losses++
		case internal.StatDraw:
			p.Draws++
		}
	})
}

// TopPlayers 勝場排行
func (m *MemoryPlayerStore) TopPlayers(_ context.Context, limit int) ([]*internal.PlayerRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	players := make([]*internal.PlayerRecord, 0, len(m.players))
	for _, p := range m.players {
		cp := *p
		players = append(players, &cp)
	}
	sort.Slice(players, func(i, j int) bool {
		if players[i].Wins != players[j].Wins {
			return players[i].Wins > players[j].Wins
		}
		return players[i].AccountID < players[j].AccountID
	})
	if limit > 0 && len(players) > limit {
		players = players[:limit]
	}
	return players, nil
}

// RenamePlayer 更換帳號名稱
func (m *MemoryPlayerStore) RenamePlayer(_ context.Context, oldAccountID, newAccountID string) (*internal.PlayerRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.players[oldAccountID]
	if !ok {
		return nil, apperrors.ErrPlayerNotFound
	}
	if _, taken := m.players[newAccountID]; taken {
		return nil, apperrors.ErrAccountTaken
	}

	delete(m.players, oldAccountID)
	p.AccountID = newAccountID
	m.players[newAccountID] = p

	cp := *p
	return &cp, nil
}

func (m *MemoryPlayerStore) update(accountID string, fn func(p *internal.PlayerRecord)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.players[accountID]
	if !ok {
		return apperrors.ErrPlayerNotFound
	}
	fn(p)
	return nil
}

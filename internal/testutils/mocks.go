package testutils

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/koopa0/system-design/14-session-coordinator/internal"
	apperrors "github.com/koopa0/system-design/14-session-coordinator/pkg/errors"
)

// ErrInjected 故障注入時返回的錯誤
var ErrInjected = errors.New("injected failure")

// FlakySessionStore 包裝 SessionStore，可注入失敗與延遲
type FlakySessionStore struct {
	internal.SessionStore

	Fail  atomic.Bool
	Delay atomic.Int64 // 納秒

	GetCalls    atomic.Int32
	UpsertCalls atomic.Int32
}

// NewFlakySessionStore 創建可注入故障的存儲
func NewFlakySessionStore(inner internal.SessionStore) *FlakySessionStore {
	return &FlakySessionStore{SessionStore: inner}
}

func (f *FlakySessionStore) wait(ctx context.Context) error {
	if d := time.Duration(f.Delay.Load()); d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.Fail.Load() {
		return ErrInjected
	}
	return nil
}

// GetSession 實作 SessionStore
func (f *FlakySessionStore) GetSession(ctx context.Context, sessionID string) (*internal.SessionRecord, error) {
	f.GetCalls.Add(1)
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	return f.SessionStore.GetSession(ctx, sessionID)
}

// UpsertSession 實作 SessionStore
func (f *FlakySessionStore) UpsertSession(ctx context.Context, rec *internal.SessionRecord) error {
	f.UpsertCalls.Add(1)
	if err := f.wait(ctx); err != nil {
		return err
	}
	return f.SessionStore.UpsertSession(ctx, rec)
}

// FlakyCache 包裝 SessionCache，可注入失敗
type FlakyCache struct {
	internal.SessionCache

	Fail atomic.Bool

	GetCalls atomic.Int32
	SetCalls atomic.Int32
}

// NewFlakyCache 創建可注入故障的快取
func NewFlakyCache(inner internal.SessionCache) *FlakyCache {
	return &FlakyCache{SessionCache: inner}
}

// GetSession 實作 SessionCache
func (f *FlakyCache) GetSession(ctx context.Context, sessionID string) (*internal.SessionRecord, error) {
	f.GetCalls.Add(1)
	if f.Fail.Load() {
		return nil, ErrInjected
	}
	return f.SessionCache.GetSession(ctx, sessionID)
}

// SetSession 實作 SessionCache
func (f *FlakyCache) SetSession(ctx context.Context, rec *internal.SessionRecord, ttl time.Duration) error {
	f.SetCalls.Add(1)
	if f.Fail.Load() {
		return ErrInjected
	}
	return f.SessionCache.SetSession(ctx, rec, ttl)
}

// DeleteSession 實作 SessionCache
func (f *FlakyCache) DeleteSession(ctx context.Context, sessionID string) error {
	if f.Fail.Load() {
		return ErrInjected
	}
	return f.SessionCache.DeleteSession(ctx, sessionID)
}

// FlakyPlayerStore 包裝 PlayerStore，FindPlayer 可注入延遲
type FlakyPlayerStore struct {
	internal.PlayerStore

	Delay atomic.Int64 // 納秒
}

// NewFlakyPlayerStore 創建可注入延遲的玩家存儲
func NewFlakyPlayerStore(inner internal.PlayerStore) *FlakyPlayerStore {
	return &FlakyPlayerStore{PlayerStore: inner}
}

// FindPlayer 實作 PlayerStore
func (f *FlakyPlayerStore) FindPlayer(ctx context.Context, accountID string) (*internal.PlayerRecord, error) {
	if d := time.Duration(f.Delay.Load()); d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.PlayerStore.FindPlayer(ctx, accountID)
}

// RecordingMirror 同步記錄所有持久化呼叫的 Mirror 替身
type RecordingMirror struct {
	mu        sync.Mutex
	Records   map[string]*internal.SessionRecord // Load 的資料來源
	LoadErr   error
	Mirrored  []*internal.SessionRecord
	Abandoned []*internal.SessionRecord
	Tasks     []string
	LoadCalls atomic.Int32
}

// NewRecordingMirror 創建 RecordingMirror
func NewRecordingMirror() *RecordingMirror {
	return &RecordingMirror{Records: make(map[string]*internal.SessionRecord)}
}

// Load 實作 internal.Mirror
func (m *RecordingMirror) Load(_ context.Context, sessionID string) (*internal.SessionRecord, error) {
	m.LoadCalls.Add(1)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.LoadErr != nil {
		return nil, m.LoadErr
	}
	rec, ok := m.Records[sessionID]
	if !ok {
		return nil, apperrors.ErrSessionNotFound
	}
	return rec.Clone(), nil
}

// Mirror 實作 internal.Mirror
func (m *RecordingMirror) Mirror(rec *internal.SessionRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Mirrored = append(m.Mirrored, rec.Clone())
}

// Abandon 實作 internal.Mirror
func (m *RecordingMirror) Abandon(rec *internal.SessionRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Abandoned = append(m.Abandoned, rec.Clone())
}

// Submit 實作 internal.Mirror（同步執行）
func (m *RecordingMirror) Submit(key, name string, fn func(ctx context.Context) error) {
	m.mu.Lock()
	m.Tasks = append(m.Tasks, key+":"+name)
	m.mu.Unlock()

	_ = fn(context.Background())
}

// LastMirrored 最後一次鏡像的快照
func (m *RecordingMirror) LastMirrored() *internal.SessionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Mirrored) == 0 {
		return nil
	}
	return m.Mirrored[len(m.Mirrored)-1]
}

// MirroredCount 鏡像次數
func (m *RecordingMirror) MirroredCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Mirrored)
}

// AbandonedCount 驅逐次數
func (m *RecordingMirror) AbandonedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Abandoned)
}

// RecordingStats 記錄戰績更新
type RecordingStats struct {
	mu      sync.Mutex
	Updates map[string][]internal.StatKind
}

// NewRecordingStats 創建 RecordingStats
func NewRecordingStats() *RecordingStats {
	return &RecordingStats{Updates: make(map[string][]internal.StatKind)}
}

// IncrementOutcome 實作 internal.OutcomeRecorder
func (s *RecordingStats) IncrementOutcome(_ context.Context, accountID string, kind internal.StatKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Updates[accountID] = append(s.Updates[accountID], kind)
	return nil
}

// For 某帳號的更新紀錄
func (s *RecordingStats) For(accountID string) []internal.StatKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]internal.StatKind(nil), s.Updates[accountID]...)
}

// RecordingSender 記錄每條連線收到的事件
//
// OnSend 在記錄之後、不持有鎖時呼叫，測試可以用它在特定時間點插入操作。
type RecordingSender struct {
	mu       sync.Mutex
	messages map[string][]internal.Outbound

	OnSend func(connectionID string, msg internal.Outbound)
}

// NewRecordingSender 創建 RecordingSender
func NewRecordingSender() *RecordingSender {
	return &RecordingSender{messages: make(map[string][]internal.Outbound)}
}

// Send 實作 internal.Sender
func (s *RecordingSender) Send(connectionID string, msg internal.Outbound) {
	s.mu.Lock()
	s.messages[connectionID] = append(s.messages[connectionID], msg)
	s.mu.Unlock()

	if s.OnSend != nil {
		s.OnSend(connectionID, msg)
	}
}

// Messages 某連線收到的所有事件
func (s *RecordingSender) Messages(connectionID string) []internal.Outbound {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]internal.Outbound(nil), s.messages[connectionID]...)
}

// Last 某連線最後收到的事件
func (s *RecordingSender) Last(connectionID string) (internal.Outbound, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[connectionID]
	if len(msgs) == 0 {
		return internal.Outbound{}, false
	}
	return msgs[len(msgs)-1], true
}

// Types 某連線收到的事件類型序列
func (s *RecordingSender) Types(connectionID string) []internal.OutboundType {
	s.mu.Lock()
	defer s.mu.Unlock()
	types := make([]internal.OutboundType, 0, len(s.messages[connectionID]))
	for _, m := range s.messages[connectionID] {
		types = append(types, m.Type)
	}
	return types
}

// Reset 清空紀錄
func (s *RecordingSender) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = make(map[string][]internal.Outbound)
}

// PublishedEvent 一筆已發布的事件
type PublishedEvent struct {
	Subject string
	Payload json.RawMessage
}

// RecordingPublisher 記錄所有發布的事件
type RecordingPublisher struct {
	mu     sync.Mutex
	events []PublishedEvent
}

// NewRecordingPublisher 創建 RecordingPublisher
func NewRecordingPublisher() *RecordingPublisher {
	return &RecordingPublisher{}
}

// Publish 實作 internal.EventPublisher
func (p *RecordingPublisher) Publish(_ context.Context, subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, PublishedEvent{Subject: subject, Payload: data})
	return nil
}

// Events 已發布的事件
func (p *RecordingPublisher) Events() []PublishedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]PublishedEvent(nil), p.events...)
}

// Subjects 已發布的 subject 列表
func (p *RecordingPublisher) Subjects() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	subjects := make([]string, 0, len(p.events))
	for _, e := range p.events {
		subjects = append(subjects, e.Subject)
	}
	return subjects
}

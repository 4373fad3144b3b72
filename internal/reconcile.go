package internal

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/koopa0/system-design/14-session-coordinator/pkg/errors"
)

// ReconcilerOptions 持久化同步配置
type ReconcilerOptions struct {
	CacheTTL time.Duration // 快取過期時間（默認 15 分鐘）
	Workers  int           // 分片數量（默認 4）
	Buffer   int           // 每個分片的佇列長度（默認 256）
	Timeout  time.Duration // 單一任務的逾時（默認 5 秒）
}

// syncTask 一筆待執行的持久化任務
type syncTask struct {
	key  string
	name string
	run  func(ctx context.Context) error
}

// Reconciler 記憶體、快取、資料庫三層之間的同步策略
//
// 讀取：Cache-Aside
//  1. 查詢快取（失敗視為未命中）
//  2. 未命中：查詢資料庫
//  3. 命中資料庫：寫回快取（TTL 15 分鐘）
//
// 寫入：非同步 Write-Through
//  1. 記憶體狀態已變更（權威）
//  2. 快照交給背景 worker：先 upsert 資料庫，再刷新快取
//  3. 失敗只記錄並發布 persistence_degraded 事件，不回滾
//
// 系統設計考量：
//
//  1. 為什麼分片？
//     同一局的任務依 FNV 雜湊落在同一個 worker，按入隊順序執行；
//     不同對局分散到不同 worker 並行寫入。
//
//  2. 佇列滿了怎麼辦？
//     改用獨立 goroutine 執行，不阻塞遊戲流程。
//     亂序的風險由版本號保護：資料庫 upsert 與快取 CAS 都只接受較新的版本。
//
//  3. 關機：
//     Shutdown 關閉所有佇列並等待剩餘任務完成。
type Reconciler struct {
	store  SessionStore
	cache  SessionCache
	events EventPublisher
	logger *slog.Logger

	ttl     time.Duration
	timeout time.Duration

	shards []chan syncTask
	mu     sync.RWMutex // 保護 closed，避免對已關閉的 channel 發送
	closed bool
	wg     sync.WaitGroup

	// 統計
	applied  atomic.Int64
	failed   atomic.Int64
	overflow atomic.Int64
	dropped  atomic.Int64
}

// NewReconciler 創建同步器並啟動 worker
func NewReconciler(store SessionStore, cache SessionCache, events EventPublisher, logger *slog.Logger, opts ReconcilerOptions) *Reconciler {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 15 * time.Minute
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if events == nil {
		events = NopPublisher{}
	}

	r := &Reconciler{
		store:   store,
		cache:   cache,
		events:  events,
		logger:  logger,
		ttl:     opts.CacheTTL,
		timeout: opts.Timeout,
		shards:  make([]chan syncTask, opts.Workers),
	}

	for i := range r.shards {
		r.shards[i] = make(chan syncTask, opts.Buffer)
		r.wg.Add(1)
		go r.worker(r.shards[i])
	}

	return r
}

// Load 讀取對局（Cache-Aside）
//
// 快取錯誤當作未命中；資料庫錯誤則返回，由呼叫者決定如何處理。
// 兩層讀取共用一個 Timeout 上限，慢的存儲不會卡住加入流程。
func (r *Reconciler) Load(ctx context.Context, sessionID string) (*SessionRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	// 1. 查詢快取
	rec, err := r.cache.GetSession(ctx, sessionID)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, ErrCacheMiss) {
		r.logger.Warn("讀取快取失敗，改查資料庫", "session_id", sessionID, "error", err)
	}

	// 2. 快取未命中，查詢資料庫
	rec, err = r.store.GetSession(ctx, sessionID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return nil, apperrors.ErrSessionNotFound
		}
		return nil, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "session store unavailable")
	}

	// 3. 寫入快取（失敗不影響主流程）
	if err := r.cache.SetSession(ctx, rec, r.ttl); err != nil {
		r.logger.Warn("寫入快取失敗", "session_id", sessionID, "error", err)
	}

	return rec, nil
}

// Mirror 非同步鏡像快照到資料庫與快取
func (r *Reconciler) Mirror(rec *SessionRecord) {
	snapshot := rec.Clone()
	r.Submit(snapshot.SessionID, "mirror", func(ctx context.Context) error {
		return r.write(ctx, snapshot)
	})
}

// Abandon 寫入被驅逐的對局並刪除快取
func (r *Reconciler) Abandon(rec *SessionRecord) {
	snapshot := rec.Clone()
	r.Submit(snapshot.SessionID, "abandon", func(ctx context.Context) error {
		var errs []error
		if err := r.store.UpsertSession(ctx, snapshot); err != nil {
			errs = append(errs, err)
		}
		if err := r.cache.DeleteSession(ctx, snapshot.SessionID); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	})
}

// write 先資料庫後快取，兩者互不影響
func (r *Reconciler) write(ctx context.Context, rec *SessionRecord) error {
	var errs []error
	if err := r.store.UpsertSession(ctx, rec); err != nil {
		errs = append(errs, err)
	}
	if err := r.cache.SetSession(ctx, rec, r.ttl); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Submit 提交一個盡力而為的背景任務
//
// 相同 key 的任務按提交順序執行。
func (r *Reconciler) Submit(key, name string, fn func(ctx context.Context) error) {
	task := syncTask{key: key, name: name, run: fn}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		r.dropped.Add(1)
		r.logger.Warn("同步器已關閉，丟棄任務", "key", key, "task", name)
		return
	}

	select {
	case r.shards[r.shardFor(key)] <- task:
	default:
		// 佇列已滿，改用獨立 goroutine
		r.overflow.Add(1)
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.execute(task)
		}()
	}
}

// shardFor 依 key 選擇分片
func (r *Reconciler) shardFor(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(r.shards)))
}

// worker 依序執行分片上的任務
func (r *Reconciler) worker(tasks <-chan syncTask) {
	defer r.wg.Done()

	for task := range tasks {
		r.execute(task)
	}
}

// execute 執行任務，失敗時記錄並發布降級事件
func (r *Reconciler) execute(task syncTask) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	err := task.run(ctx)
	if err == nil {
		r.applied.Add(1)
		return
	}

	r.failed.Add(1)
	degraded := apperrors.Wrap(err, apperrors.ErrCodePersistenceDegraded, "persistence degraded")
	r.logger.Warn("持久化同步失敗",
		"key", task.key,
		"task", task.name,
		"error", degraded)

	payload := map[string]any{
		"key":   task.key,
		"task":  task.name,
		"error": err.Error(),
		"at":    time.Now().UTC(),
	}
	if pubErr := r.events.Publish(ctx, degradedSubject(task.key), payload); pubErr != nil {
		r.logger.Debug("發布降級事件失敗", "key", task.key, "error", pubErr)
	}
}

// playerKeyPrefix 帳號類任務的 key 前綴
const playerKeyPrefix = "player:"

// PlayerTaskKey 帳號類背景任務的 key
//
// 與對局 ID 分開，降級事件才不會把帳號當成對局發布。
func PlayerTaskKey(accountID string) string {
	return playerKeyPrefix + accountID
}

// degradedSubject 帳號任務固定發布到 players.persistence_degraded（帳號放在 payload）
func degradedSubject(key string) string {
	if strings.HasPrefix(key, playerKeyPrefix) {
		return PlayerSubject("persistence_degraded")
	}
	return SessionSubject(key, "persistence_degraded")
}

// Shutdown 停止接收新任務並等待佇列清空
func (r *Reconciler) Shutdown() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	for _, ch := range r.shards {
		close(ch)
	}
	r.mu.Unlock()

	r.wg.Wait()

	r.logger.Info("持久化同步器已停止",
		"applied", r.applied.Load(),
		"failed", r.failed.Load())
}

// Stats 獲取統計資訊
func (r *Reconciler) Stats() map[string]any {
	pending := 0
	r.mu.RLock()
	if !r.closed {
		for _, ch := range r.shards {
			pending += len(ch)
		}
	}
	r.mu.RUnlock()

	return map[string]any{
		"applied":  r.applied.Load(),
		"failed":   r.failed.Load(),
		"overflow": r.overflow.Load(),
		"dropped":  r.dropped.Load(),
		"pending":  pending,
		"workers":  len(r.shards),
	}
}

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/koopa0/system-design/14-session-coordinator/internal"
)

// setIfNewer 只有在快取中的版本不比傳入的新時才寫入
//
// KEYS[1] = 快取鍵
// ARGV[1] = JSON 快照
// ARGV[2] = 快照版本
// ARGV[3] = TTL（毫秒）
//
// 返回 1 表示已寫入，0 表示快取中已有較新版本。
var setIfNewer = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if current then
	local ok, doc = pcall(cjson.decode, current)
	if ok and type(doc) == 'table' then
		local v = tonumber(doc['version'])
		if v and v > tonumber(ARGV[2]) then
			return 0
		end
	end
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
return 1
`)

// RedisCache Redis 對局快取
//
// 快取策略：Cache-Aside 讀、非同步 Write-Through 寫
//
// 系統設計考量：
//
//  1. TTL：15 分鐘
//     對局通常幾分鐘內結束；每次變更都會刷新 TTL，
//     進行中的對局不會過期，閒置的對局自然淘汰。
//
//  2. 一致性：
//     寫入由背景 worker 執行，佇列滿時可能亂序。
//     Lua 腳本在 Redis 端原子比較版本，舊快照不會覆蓋新快照。
//
//  3. 失敗處理：
//     快取只是加速層，任何錯誤都由呼叫者記錄後忽略。
type RedisCache struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisCache 創建 Redis 快取
func NewRedisCache(client redis.UniversalClient, keyPrefix string) *RedisCache {
	if keyPrefix == "" {
		keyPrefix = "session:"
	}
	return &RedisCache{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

func (c *RedisCache) key(sessionID string) string {
	return c.keyPrefix + sessionID
}

// GetSession 讀取快取，未命中返回 internal.ErrCacheMiss
func (c *RedisCache) GetSession(ctx context.Context, sessionID string) (*internal.SessionRecord, error) {
	data, err := c.client.Get(ctx, c.key(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, internal.ErrCacheMiss
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var rec internal.SessionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		// 格式錯誤的快取視為未命中，刪除讓下次重新載入
		_ = c.client.Del(ctx, c.key(sessionID)).Err()
		return nil, internal.ErrCacheMiss
	}
	return &rec, nil
}

// SetSession 寫入快取（版本 CAS）
func (c *RedisCache) SetSession(ctx context.Context, rec *internal.SessionRecord, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	ms := ttl.Milliseconds()
	if ms <= 0 {
		ms = 1
	}

	if err := setIfNewer.Run(ctx, c.client, []string{c.key(rec.SessionID)}, data, rec.Version, ms).Err(); err != nil {
		return fmt.Errorf("redis set session: %w", err)
	}
	return nil
}

// DeleteSession 刪除快取
func (c *RedisCache) DeleteSession(ctx context.Context, sessionID string) error {
	if err := c.client.Del(ctx, c.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// TTL 剩餘過期時間（測試與監控使用）
func (c *RedisCache) TTL(ctx context.Context, sessionID string) (time.Duration, error) {
	return c.client.PTTL(ctx, c.key(sessionID)).Result()
}

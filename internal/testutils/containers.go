// Package testutils 提供測試用的共用工具和輔助函數
//
// 本套件包括：
//   - Redis 與 PostgreSQL 測試容器（testcontainers）
//   - 以正式的嵌入式遷移建立資料表
//   - 記憶體存儲組合與故障注入的替身
//   - 等待條件、HTTP 請求等輔助函數
//
// 容器測試在 -short 模式下自動跳過。
package testutils

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	tc "github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/koopa0/system-design/14-session-coordinator/internal/migrations"
)

// TestEnvironment 封裝測試環境
type TestEnvironment struct {
	RedisClient    *redis.Client
	PostgresPool   *pgxpool.Pool
	RedisContainer tc.Container
	PgContainer    tc.Container
	RedisAddr      string
	PostgresDSN    string
	Logger         *slog.Logger
	ctx            context.Context
}

// SetupTestEnvironment 設置完整的測試環境
//
// 這個函數會：
//  1. 啟動 Redis 容器
//  2. 啟動 PostgreSQL 容器
//  3. 執行嵌入式資料庫遷移
//  4. 註冊清理函數
//
// 使用範例：
//
//	func TestSomething(t *testing.T) {
//	    env := testutils.SetupTestEnvironment(t)
//	    store := storage.NewPostgres(env.PostgresPool)
//	}
func SetupTestEnvironment(t testing.TB) *TestEnvironment {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}

	env := &TestEnvironment{
		ctx: context.Background(),
		Logger: slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelWarn, // 測試時減少日誌噪音
		})),
	}

	// 註冊清理（先註冊，啟動到一半失敗也能釋放容器）
	t.Cleanup(env.Cleanup)

	env.setupRedis(t)
	env.setupPostgreSQL(t)

	return env
}

// setupRedis 啟動 Redis 測試容器
func (env *TestEnvironment) setupRedis(t testing.TB) {
	t.Helper()

	ctx := env.ctx

	redisContainer, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Fatalf("failed to start redis container: %v", err)
	}
	env.RedisContainer = redisContainer

	endpoint, err := redisContainer.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("failed to get redis endpoint: %v", err)
	}
	env.RedisAddr = endpoint

	env.RedisClient = redis.NewClient(&redis.Options{
		Addr:         endpoint,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := env.RedisClient.Ping(pingCtx).Err(); err != nil {
		t.Fatalf("failed to ping redis: %v", err)
	}
}

// setupPostgreSQL 啟動 PostgreSQL 測試容器並執行遷移
func (env *TestEnvironment) setupPostgreSQL(t testing.TB) {
	t.Helper()

	ctx := env.ctx

	pgContainer, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("testdb"),
		tcpostgres.WithUsername("testuser"),
		tcpostgres.WithPassword("testpass"),
		tc.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	env.PgContainer = pgContainer

	dsn, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get postgres connection string: %v", err)
	}
	env.PostgresDSN = dsn

	// 使用正式的嵌入式遷移，確保測試與生產的表結構一致
	if err := migrations.Run(dsn, env.Logger); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}

	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		t.Fatalf("failed to parse postgres config: %v", err)
	}
	config.MaxConns = 10
	config.MinConns = 2

	env.PostgresPool, err = pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		t.Fatalf("failed to create postgres pool: %v", err)
	}
	if err := env.PostgresPool.Ping(ctx); err != nil {
		t.Fatalf("failed to ping postgres: %v", err)
	}
}

// Cleanup 清理測試環境
func (env *TestEnvironment) Cleanup() {
	ctx := context.Background()

	if env.RedisClient != nil {
		_ = env.RedisClient.Close()
	}
	if env.PostgresPool != nil {
		env.PostgresPool.Close()
	}
	if env.RedisContainer != nil {
		_ = env.RedisContainer.Terminate(ctx)
	}
	if env.PgContainer != nil {
		_ = env.PgContainer.Terminate(ctx)
	}
}

// FlushRedis 清空 Redis 資料（用於測試之間的清理）
func (env *TestEnvironment) FlushRedis(t testing.TB) {
	t.Helper()

	if err := env.RedisClient.FlushDB(context.Background()).Err(); err != nil {
		t.Fatalf("failed to flush redis: %v", err)
	}
}

// TruncatePostgresTables 清空 PostgreSQL 表（用於測試之間的清理）
func (env *TestEnvironment) TruncatePostgresTables(t testing.TB) {
	t.Helper()

	for _, table := range []string{"sessions", "players"} {
		query := fmt.Sprintf("TRUNCATE TABLE %s RESTART IDENTITY CASCADE", table)
		if _, err := env.PostgresPool.Exec(context.Background(), query); err != nil {
			t.Fatalf("failed to truncate table %s: %v", table, err)
		}
	}
}

// ResetTestData 重置所有測試資料
func (env *TestEnvironment) ResetTestData(t testing.TB) {
	t.Helper()

	env.FlushRedis(t)
	env.TruncatePostgresTables(t)
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/koopa0/system-design/14-session-coordinator/internal"
	"github.com/koopa0/system-design/14-session-coordinator/internal/migrations"
	"github.com/koopa0/system-design/14-session-coordinator/internal/storage"
	"github.com/koopa0/system-design/14-session-coordinator/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	flag.Parse()

	// 載入配置
	cfg, err := internal.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 設定日誌
	log := logger.Init(logger.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})

	ctx := context.Background()

	// 連接 Redis（失敗不致命：快取錯誤一律當作未命中）
	redisClient := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
		MaxRetries:   cfg.Redis.MaxRetries,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})
	defer redisClient.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		log.Warn("無法連接 Redis，快取將持續未命中", "addr", cfg.Redis.Addr, "error", err)
	}
	cancel()

	// 執行資料庫遷移
	dsn := cfg.PostgresDSN()
	if err := migrations.Run(dsn, log); err != nil {
		log.Error("資料庫遷移失敗", "error", err)
		os.Exit(1)
	}

	// 連接 PostgreSQL
	pgConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		log.Error("解析 PostgreSQL 配置失敗", "error", err)
		os.Exit(1)
	}
	pgConfig.MaxConns = cfg.Postgres.MaxConns
	pgConfig.MinConns = cfg.Postgres.MinConns

	pgPool, err := pgxpool.NewWithConfig(ctx, pgConfig)
	if err != nil {
		log.Error("連接 PostgreSQL 失敗", "error", err)
		os.Exit(1)
	}
	defer pgPool.Close()

	// 事件匯流排（選用）
	var events internal.EventPublisher = internal.NopPublisher{}
	var natsPublisher *internal.NATSPublisher
	if cfg.NATS.URL != "" {
		natsPublisher, err = internal.NewNATSPublisher(cfg.NATS.URL, cfg.NATS.SubjectPrefix, log)
		if err != nil {
			log.Warn("無法連接 NATS，停用事件發布", "url", cfg.NATS.URL, "error", err)
		} else {
			events = natsPublisher
		}
	}

	// 組裝元件
	pg := storage.NewPostgres(pgPool)
	cache := storage.NewRedisCache(redisClient, cfg.Redis.KeyPrefix)

	reconciler := internal.NewReconciler(pg, cache, events, log, internal.ReconcilerOptions{
		CacheTTL: cfg.Session.CacheTTL,
		Workers:  cfg.Session.SyncWorkers,
		Buffer:   cfg.Session.SyncBuffer,
		Timeout:  cfg.Session.SyncTimeout,
	})
	directory := internal.NewDirectory(pg, log)
	registry := internal.NewRegistry(reconciler, directory, log, internal.RegistryOptions{
		IDLength:        cfg.Session.IDLength,
		CleanupInterval: cfg.Session.CleanupInterval,
	})

	hub := internal.NewWebSocketHub(log, cfg.WebSocket)
	router := internal.NewRouter(registry, directory, reconciler, events, log, internal.RouterOptions{
		RequireCredentials: cfg.Session.RequireCredentials,
		LookupTimeout:      cfg.Session.SyncTimeout,
	})
	router.SetSender(hub)
	hub.SetDispatcher(router)

	handler := internal.NewHandler(registry, reconciler, pg, directory, hub, log)

	// 設定 HTTP 伺服器
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Info("伺服器啟動", "port", cfg.Server.Port)
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Error("伺服器錯誤", "error", err)
			os.Exit(1)
		}

	case sig := <-shutdown:
		log.Info("收到關閉信號", "signal", sig)

		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		// 先停止接受新請求
		if err := srv.Shutdown(ctx); err != nil {
			log.Error("關閉伺服器失敗", "error", err)
			if closeErr := srv.Close(); closeErr != nil {
				log.Error("強制關閉伺服器失敗", "error", closeErr)
			}
		}

		// 關閉所有 WebSocket，觸發斷線流程（驅逐對局並排入持久化佇列）
		hub.Stop()
		registry.Stop()

		// 等待持久化佇列清空
		reconciler.Shutdown()

		if natsPublisher != nil {
			if err := natsPublisher.Close(); err != nil {
				log.Warn("關閉 NATS 失敗", "error", err)
			}
		}
	}

	log.Info("伺服器已停止")
}

package internal

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 整個應用的配置
type Config struct {
	Server struct {
		Port            int           `yaml:"port"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Redis struct {
		Addr         string        `yaml:"addr"`
		Password     string        `yaml:"password"`
		DB           int           `yaml:"db"`
		PoolSize     int           `yaml:"pool_size"`
		MinIdleConns int           `yaml:"min_idle_conns"`
		MaxRetries   int           `yaml:"max_retries"`
		ReadTimeout  time.Duration `yaml:"read_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
		KeyPrefix    string        `yaml:"key_prefix"`
	} `yaml:"redis"`

	Postgres struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		DBName   string `yaml:"dbname"`
		SSLMode  string `yaml:"sslmode"`
		MaxConns int32  `yaml:"max_conns"`
		MinConns int32  `yaml:"min_conns"`
	} `yaml:"postgres"`

	NATS struct {
		URL           string `yaml:"url"` // 空字串表示不發布事件
		SubjectPrefix string `yaml:"subject_prefix"`
	} `yaml:"nats"`

	Session struct {
		IDLength           int           `yaml:"id_length"`
		CacheTTL           time.Duration `yaml:"cache_ttl"`
		SyncWorkers        int           `yaml:"sync_workers"`
		SyncBuffer         int           `yaml:"sync_buffer"`
		SyncTimeout        time.Duration `yaml:"sync_timeout"`
		CleanupInterval    time.Duration `yaml:"cleanup_interval"`
		RequireCredentials bool          `yaml:"require_credentials"`
	} `yaml:"session"`

	WebSocket WebSocketConfig `yaml:"websocket"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// WebSocketConfig 連線參數
type WebSocketConfig struct {
	PingInterval    time.Duration `yaml:"ping_interval"`
	PongWait        time.Duration `yaml:"pong_wait"`
	WriteWait       time.Duration `yaml:"write_wait"`
	SendBuffer      int           `yaml:"send_buffer"`
	MaxMessageSize  int64         `yaml:"max_message_size"`
	ReadBufferSize  int           `yaml:"read_buffer_size"`
	WriteBufferSize int           `yaml:"write_buffer_size"`
}

// withDefaults 補上未設定的欄位
func (c WebSocketConfig) withDefaults() WebSocketConfig {
	if c.PingInterval <= 0 {
		c.PingInterval = 54 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 4096
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = 1024
	}
	if c.WriteBufferSize <= 0 {
		c.WriteBufferSize = 1024
	}
	return c
}

// DefaultConfig 返回預設配置
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Port = 8080
	cfg.Server.ReadTimeout = 10 * time.Second
	cfg.Server.WriteTimeout = 10 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.Redis.Addr = "localhost:6379"
	cfg.Redis.PoolSize = 10
	cfg.Redis.MinIdleConns = 2
	cfg.Redis.MaxRetries = 3
	cfg.Redis.ReadTimeout = 3 * time.Second
	cfg.Redis.WriteTimeout = 3 * time.Second
	cfg.Redis.KeyPrefix = "session:"

	cfg.Postgres.Host = "localhost"
	cfg.Postgres.Port = 5432
	cfg.Postgres.User = "postgres"
	cfg.Postgres.Password = "postgres"
	cfg.Postgres.DBName = "tictactoe"
	cfg.Postgres.SSLMode = "disable"
	cfg.Postgres.MaxConns = 10
	cfg.Postgres.MinConns = 2

	cfg.NATS.SubjectPrefix = "tictactoe"

	cfg.Session.IDLength = 6
	cfg.Session.CacheTTL = 15 * time.Minute
	cfg.Session.SyncWorkers = 4
	cfg.Session.SyncBuffer = 256
	cfg.Session.SyncTimeout = 5 * time.Second
	cfg.Session.CleanupInterval = time.Minute

	cfg.WebSocket = WebSocketConfig{}.withDefaults()

	cfg.Log.Level = "info"
	cfg.Log.Format = "text"

	return cfg
}

// LoadConfig 載入配置檔案
//
// 檔案內容覆蓋預設值，環境變數再覆蓋檔案。path 為空時只用預設值與環境變數。
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		// #nosec G304 - path 來自啟動參數
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// 支援環境變數覆蓋（生產環境常用）
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		cfg.NATS.URL = natsURL
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 檢查配置
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Session.IDLength < 4 {
		return fmt.Errorf("session id length must be at least 4, got %d", c.Session.IDLength)
	}
	if c.Session.CacheTTL <= 0 {
		return fmt.Errorf("session cache ttl must be positive")
	}
	if c.WebSocket.PingInterval >= c.WebSocket.PongWait {
		return fmt.Errorf("websocket ping interval (%s) must be shorter than pong wait (%s)",
			c.WebSocket.PingInterval, c.WebSocket.PongWait)
	}
	return nil
}

// PostgresDSN 生成 PostgreSQL 連線 URL
//
// 使用 URL 格式，pgxpool 與 golang-migrate 都能直接使用。
func (c *Config) PostgresDSN() string {
	// 支援環境變數覆蓋（生產環境常用）
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		return dsn
	}

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.Postgres.User, c.Postgres.Password),
		Host:     fmt.Sprintf("%s:%d", c.Postgres.Host, c.Postgres.Port),
		Path:     "/" + c.Postgres.DBName,
		RawQuery: "sslmode=" + url.QueryEscape(c.Postgres.SSLMode),
	}
	return u.String()
}

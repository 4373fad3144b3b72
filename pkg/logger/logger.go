// Package logger 提供結構化日誌功能
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// contextKey 用於上下文的鍵類型
type contextKey string

const (
	// SessionIDKey 對局 ID 的上下文鍵
	SessionIDKey contextKey = "session_id"
	// ConnectionIDKey 連線 ID 的上下文鍵
	ConnectionIDKey contextKey = "connection_id"
)

// Options 日誌配置
type Options struct {
	Level     string
	Format    string
	Output    io.Writer
	AddSource bool
}

// New 根據配置建立日誌記錄器
func New(opts Options) *slog.Logger {
	output := opts.Output
	if output == nil {
		output = os.Stdout
	}

	handlerOpts := &slog.HandlerOptions{
		Level:     ParseLevel(opts.Level),
		AddSource: opts.AddSource,
	}

	var handler slog.Handler
	switch strings.ToLower(opts.Format) {
	case "json":
		handler = slog.NewJSONHandler(output, handlerOpts)
	default:
		handler = slog.NewTextHandler(output, handlerOpts)
	}

	// 包裝處理器以添加上下文資訊
	return slog.New(&contextHandler{Handler: handler})
}

// Init 初始化預設日誌記錄器
func Init(opts Options) *slog.Logger {
	l := New(opts)
	slog.SetDefault(l)
	return l
}

// ParseLevel 解析日誌級別
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// contextHandler 從上下文中提取資訊的處理器
type contextHandler struct {
	slog.Handler
}

// Handle 處理日誌記錄
func (h *contextHandler) Handle(ctx context.Context, r slog.Record) error {
	if sessionID, ok := ctx.Value(SessionIDKey).(string); ok && sessionID != "" {
		r.AddAttrs(slog.String("session_id", sessionID))
	}

	if connID, ok := ctx.Value(ConnectionIDKey).(string); ok && connID != "" {
		r.AddAttrs(slog.String("connection_id", connID))
	}

	return h.Handler.Handle(ctx, r)
}

// WithAttrs 保留上下文處理器的包裝
func (h *contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &contextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

// WithGroup 保留上下文處理器的包裝
func (h *contextHandler) WithGroup(name string) slog.Handler {
	return &contextHandler{Handler: h.Handler.WithGroup(name)}
}

// WithSessionID 添加對局 ID 到上下文
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, SessionIDKey, sessionID)
}

// WithConnectionID 添加連線 ID 到上下文
func WithConnectionID(ctx context.Context, connID string) context.Context {
	return context.WithValue(ctx, ConnectionIDKey, connID)
}

// Discard 返回丟棄所有輸出的日誌記錄器（測試用）
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

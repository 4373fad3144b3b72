package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// EventPublisher 對局事件發布
//
// 事件是旁路遙測：發布失敗只記錄，不影響對局。
type EventPublisher interface {
	Publish(ctx context.Context, subject string, payload any) error
}

// SessionSubject 組出對局事件的 subject，例如 sessions.AB12CD.stateChanged
func SessionSubject(sessionID, event string) string {
	return fmt.Sprintf("sessions.%s.%s", sessionID, event)
}

// PlayerSubject 帳號相關事件的 subject，例如 players.persistence_degraded
//
// 帳號 ID 可能含有 . 或空白，不放進 subject。
func PlayerSubject(event string) string {
	return "players." + event
}

// NopPublisher 不發布任何事件（未設定 NATS 時使用）
type NopPublisher struct{}

// Publish 直接返回
func (NopPublisher) Publish(context.Context, string, any) error { return nil }

// NATSPublisher 透過 NATS Core 發布事件
//
// 系統設計考量：
//
//  1. 為什麼用 Core 而非 JetStream？
//     這些事件只是給監控與旁觀者訂閱，丟失可以接受，
//     不值得為它們付出同步 PubAck 的延遲。
//
//  2. 斷線：
//     MaxReconnects(-1) 無限重連，重連期間的訊息由客戶端緩衝。
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
	logger *slog.Logger
}

// NewNATSPublisher 連接 NATS
func NewNATSPublisher(url, prefix string, logger *slog.Logger) (*NATSPublisher, error) {
	conn, err := nats.Connect(
		url,
		nats.Name("session-coordinator"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.PingInterval(20*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS 連線中斷", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS 已重新連線", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("連接 NATS 失敗: %w", err)
	}

	return &NATSPublisher{conn: conn, prefix: prefix, logger: logger}, nil
}

// Publish 序列化為 JSON 並發布
func (p *NATSPublisher) Publish(_ context.Context, subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("序列化事件失敗: %w", err)
	}

	if p.prefix != "" {
		subject = p.prefix + "." + subject
	}

	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("發布事件失敗: %w", err)
	}
	return nil
}

// Close 送出緩衝中的訊息後關閉
func (p *NATSPublisher) Close() error {
	return p.conn.Drain()
}

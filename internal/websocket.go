package internal

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	apperrors "github.com/koopa0/system-design/14-session-coordinator/pkg/errors"
)

// 系統設計問題：
//   如何讓兩位玩家即時看到對方的落子？
//
// 核心挑戰：
//   1. 實時通信：狀態變更需要立即推送給房間內的兩條連線
//   2. 連接管理：斷線即離開，必須可靠地觸發清理
//   3. 心跳機制：檢測死連接（網絡異常、客戶端崩潰）
//   4. 順序：同一條連線的訊息必須按送達順序處理
//
// 設計方案：
//   ✅ WebSocket - 全雙工通信
//   ✅ Hub 模式 - 集中管理所有連接，只負責傳輸
//   ✅ Ping/Pong 心跳 - 檢測死連接（54s/60s）
//   ✅ 緩衝 channel - 異步發送（不阻塞對局）
//   ✅ 讀取 goroutine 串行分派 - 進行中的操作完成後才處理斷線

// Dispatcher 處理連線事件（由 Router 實作）
type Dispatcher interface {
	Connect(ctx context.Context, connectionID string)
	Dispatch(ctx context.Context, connectionID string, msg Inbound)
	Disconnect(ctx context.Context, connectionID string)
}

// WebSocketHub WebSocket 連接中心
//
// 系統設計考量：
//
//  1. 連接映射：map[connectionID]*Connection
//     房間由 Router 管理，Hub 只認連線 ID。
//
//  2. 並發安全：RWMutex
//     Send 持讀鎖寫入 channel，unregister 持寫鎖關閉 channel，
//     因此不會對已關閉的 channel 發送。
type WebSocketHub struct {
	dispatcher  Dispatcher
	logger      *slog.Logger
	cfg         WebSocketConfig
	upgrader    websocket.Upgrader
	connections map[string]*Connection
	mu          sync.RWMutex
	wg          sync.WaitGroup // 追蹤 readPump，確保 Stop 時斷線流程都已跑完
}

// Connection WebSocket 連接
type Connection struct {
	ID        string
	Conn      *websocket.Conn
	Send      chan []byte
	Hub       *WebSocketHub
	LastPing  time.Time
	mu        sync.Mutex
	closeOnce sync.Once // 確保 channel 只關閉一次
}

// NewWebSocketHub 創建 WebSocket Hub
func NewWebSocketHub(logger *slog.Logger, cfg WebSocketConfig) *WebSocketHub {
	cfg = cfg.withDefaults()
	return &WebSocketHub{
		logger: logger,
		cfg:    cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// 在生產環境應該檢查來源
				return true
			},
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
		},
		connections: make(map[string]*Connection),
	}
}

// SetDispatcher 設定訊息處理者（在開始接受連線前呼叫）
func (hub *WebSocketHub) SetDispatcher(d Dispatcher) {
	hub.dispatcher = d
}

// ServeWS 處理 WebSocket 連接
func (hub *WebSocketHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Error("升級 WebSocket 失敗", "error", err)
		return
	}

	connection := &Connection{
		ID:       uuid.NewString(),
		Conn:     conn,
		Send:     make(chan []byte, hub.cfg.SendBuffer),
		Hub:      hub,
		LastPing: time.Now(),
	}

	hub.register(connection)

	hub.wg.Add(1)
	go connection.writePump()
	go connection.readPump()

	hub.dispatcher.Connect(context.Background(), connection.ID)

	hub.logger.Info("WebSocket 連接建立", "connection_id", connection.ID)
}

// register 註冊連接
func (hub *WebSocketHub) register(conn *Connection) {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	hub.connections[conn.ID] = conn
}

// unregister 取消註冊連接，返回是否真的移除
func (hub *WebSocketHub) unregister(conn *Connection) bool {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	actual, exists := hub.connections[conn.ID]
	if !exists || actual != conn {
		return false
	}
	delete(hub.connections, conn.ID)

	// 使用 sync.Once 確保 channel 只關閉一次
	conn.closeOnce.Do(func() {
		close(conn.Send)
	})
	return true
}

// Send 發送事件到指定連線
func (hub *WebSocketHub) Send(connectionID string, msg Outbound) {
	data, err := json.Marshal(msg)
	if err != nil {
		hub.logger.Error("序列化事件失敗", "event", msg.Type, "error", err)
		return
	}

	hub.mu.RLock()
	defer hub.mu.RUnlock()

	conn, exists := hub.connections[connectionID]
	if !exists {
		return
	}

	select {
	case conn.Send <- data:
	default:
		// 緩衝區滿，丟棄（避免慢客戶端拖累對局）
		hub.logger.Warn("連接緩衝區滿", "connection_id", connectionID, "event", msg.Type)
	}
}

// Stop 停止 WebSocket Hub
//
// 關閉所有連接並等待每條連線的斷線流程完成。
func (hub *WebSocketHub) Stop() {
	hub.mu.RLock()
	conns := make([]*Connection, 0, len(hub.connections))
	for _, conn := range hub.connections {
		conns = append(conns, conn)
	}
	hub.mu.RUnlock()

	for _, conn := range conns {
		conn.Conn.Close()
	}

	hub.wg.Wait()

	hub.logger.Info("WebSocket Hub 已停止")
}

// ConnectionCount 獲取連接數
func (hub *WebSocketHub) ConnectionCount() int {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	return len(hub.connections)
}

// readPump 讀取客戶端消息
//
// 系統設計：心跳機制（讀取端）
//
//  1. 超時設置：PongWait（預設 60 秒）
//     配合 writePump 的 54 秒 Ping，留 6 秒余量。
//
//  2. 串行分派：
//     每則訊息在這個 goroutine 上處理完才讀下一則，
//     連線關閉時 Disconnect 一定在最後一個操作之後執行。
//
//  3. 退出時：
//     取消註冊 → 關閉連線 → 通知 Dispatcher（驅逐對局、通知對手）
func (c *Connection) readPump() {
	defer func() {
		c.Hub.unregister(c)
		c.Conn.Close()
		c.Hub.dispatcher.Disconnect(context.Background(), c.ID)
		c.Hub.wg.Done()

		c.Hub.logger.Info("WebSocket 連接關閉", "connection_id", c.ID)
	}()

	cfg := c.Hub.cfg
	c.Conn.SetReadLimit(cfg.MaxMessageSize)

	if err := c.Conn.SetReadDeadline(time.Now().Add(cfg.PongWait)); err != nil {
		c.Hub.logger.Error("設置讀取期限失敗", "error", err)
	}

	// Pong 處理器（收到 Pong 重置超時）
	c.Conn.SetPongHandler(func(string) error {
		if err := c.Conn.SetReadDeadline(time.Now().Add(cfg.PongWait)); err != nil {
			c.Hub.logger.Error("設置讀取期限失敗", "error", err)
		}
		c.mu.Lock()
		c.LastPing = time.Now()
		c.mu.Unlock()
		return nil
	})

	for {
		messageType, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.Hub.logger.Error("WebSocket 讀取錯誤",
					"error", err,
					"connection_id", c.ID)
			}
			break
		}

		if messageType == websocket.TextMessage {
			c.handleMessage(message)
		}
	}
}

// writePump 寫入消息到客戶端
//
// 系統設計：心跳機制（發送端）
//   - 每 PingInterval（預設 54 秒）發送 Ping
//   - 客戶端自動回覆 Pong，readPump 重置超時
//   - channel 關閉代表 Hub 已取消註冊，送出 Close 幀後結束
func (c *Connection) writePump() {
	cfg := c.Hub.cfg
	ticker := time.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			if err := c.Conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait)); err != nil {
				c.Hub.logger.Error("設置寫入期限失敗", "error", err)
			}
			if !ok {
				// 嘗試發送關閉消息，忽略錯誤（連接可能已關閉）
				_ = c.Conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

			// 批量發送隊列中的消息（每則一個幀，客戶端逐則解析）
			n := len(c.Send)
			for i := 0; i < n; i++ {
				if err := c.Conn.WriteMessage(websocket.TextMessage, <-c.Send); err != nil {
					c.Hub.logger.Error("發送消息失敗", "error", err)
					return
				}
			}

		case <-ticker.C:
			if err := c.Conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait)); err != nil {
				c.Hub.logger.Error("設置寫入期限失敗", "error", err)
			}
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage 解析並分派客戶端消息
func (c *Connection) handleMessage(message []byte) {
	var msg Inbound
	if err := json.Unmarshal(message, &msg); err != nil {
		c.Hub.logger.Debug("解析客戶端消息失敗",
			"error", err,
			"connection_id", c.ID)
		c.Hub.Send(c.ID, ActionRejected(apperrors.ErrInvalidInput.WithDetails("malformed message")))
		return
	}

	c.Hub.dispatcher.Dispatch(context.Background(), c.ID, msg)
}

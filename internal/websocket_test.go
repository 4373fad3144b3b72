package internal_test

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-session-coordinator/internal"
	"github.com/koopa0/system-design/14-session-coordinator/internal/testutils"
	apperrors "github.com/koopa0/system-design/14-session-coordinator/pkg/errors"
)

// wireEvent 客戶端看到的事件
type wireEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
	id   string
}

type wsServer struct {
	*testutils.MemoryStack
	hub    *internal.WebSocketHub
	router *internal.Router
	url    string
}

func newWSServer(t *testing.T, cfg internal.WebSocketConfig) *wsServer {
	t.Helper()

	stack := testutils.NewMemoryStack(t)
	log := testutils.TestLogger()

	hub := internal.NewWebSocketHub(log, cfg)
	router := internal.NewRouter(stack.Registry, stack.Directory, stack.Reconciler, stack.Events, log, internal.RouterOptions{})
	router.SetSender(hub)
	hub.SetDispatcher(router)

	handler := internal.NewHandler(stack.Registry, stack.Reconciler, stack.Sessions, stack.Directory, hub, log)
	srv := httptest.NewServer(handler.Routes())
	t.Cleanup(srv.Close)
	t.Cleanup(hub.Stop)

	return &wsServer{
		MemoryStack: stack,
		hub:         hub,
		router:      router,
		url:         "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
	}
}

// dial 連線並讀取 welcome
func (s *wsServer) dial(t *testing.T) *wsClient {
	t.Helper()

	conn, _, err := websocket.DefaultDialer.Dial(s.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	c := &wsClient{t: t, conn: conn}
	welcome := c.expect(string(internal.EventWelcome))

	var data internal.WelcomeData
	require.NoError(t, json.Unmarshal(welcome.Data, &data))
	require.NotEmpty(t, data.ConnectionID)
	c.id = data.ConnectionID
	return c
}

func (c *wsClient) send(msg any) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteJSON(msg))
}

// expect 讀到指定事件為止（跳過其他事件）
func (c *wsClient) expect(event string) wireEvent {
	c.t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for {
		require.NoError(c.t, c.conn.SetReadDeadline(deadline))
		var ev wireEvent
		err := c.conn.ReadJSON(&ev)
		require.NoError(c.t, err, "waiting for %s", event)
		if ev.Event == event {
			return ev
		}
	}
}

// TestWebSocket_FullGame 測試兩個客戶端完成一局
func TestWebSocket_FullGame(t *testing.T) {
	s := newWSServer(t, internal.WebSocketConfig{})

	alice := s.dial(t)
	bob := s.dial(t)
	assert.NotEqual(t, alice.id, bob.id)

	testutils.WaitForCondition(t, func() bool { return s.hub.ConnectionCount() == 2 }, time.Second, "two connections")

	alice.send(map[string]any{"type": "createSession", "accountId": "alice"})
	created := alice.expect(string(internal.EventSessionCreated))

	var seat internal.SeatData
	require.NoError(t, json.Unmarshal(created.Data, &seat))
	assert.Equal(t, "X", string(seat.Mark))

	bob.send(map[string]any{"type": "joinSession", "sessionId": seat.SessionID, "accountId": "bob"})
	joined := bob.expect(string(internal.EventJoined))
	assert.JSONEq(t, `{"sessionId":"`+seat.SessionID+`","mark":"O"}`, string(joined.Data))

	alice.expect(string(internal.EventOpponentJoined))
	state := alice.expect(string(internal.EventStateChanged))
	assert.JSONEq(t, `{"board":[null,null,null,null,null,null,null,null,null],"turnHolder":"`+alice.id+`"}`, string(state.Data))

	moves := []struct {
		client *wsClient
		cell   int
	}{
		{alice, 0}, {bob, 3}, {alice, 1}, {bob, 4},
	}
	for _, m := range moves {
		m.client.send(map[string]any{"type": "move", "sessionId": seat.SessionID, "cellIndex": m.cell})
		alice.expect(string(internal.EventStateChanged))
		bob.expect(string(internal.EventStateChanged))
	}

	alice.send(map[string]any{"type": "move", "sessionId": seat.SessionID, "cellIndex": 2})
	finished := bob.expect(string(internal.EventSessionFinished))
	assert.JSONEq(t,
		`{"board":["X","X","X","O","O",null,null,null,null],"outcome":{"kind":"win","winner":"X","line":[0,1,2]}}`,
		string(finished.Data))
	alice.expect(string(internal.EventSessionFinished))
}

// TestWebSocket_Rejections 測試錯誤只回給發起者
func TestWebSocket_Rejections(t *testing.T) {
	s := newWSServer(t, internal.WebSocketConfig{})
	alice := s.dial(t)

	require.NoError(t, alice.conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	rejected := alice.expect(string(internal.EventActionRejected))

	var data internal.RejectedData
	require.NoError(t, json.Unmarshal(rejected.Data, &data))
	assert.Equal(t, apperrors.ErrCodeInvalidInput, data.Code)
	assert.Contains(t, data.Reason, "malformed message")

	alice.send(map[string]any{"type": "move", "cellIndex": 0})
	rejected = alice.expect(string(internal.EventActionRejected))
	require.NoError(t, json.Unmarshal(rejected.Data, &data))
	assert.Equal(t, apperrors.ErrCodeNotAParticipant, data.Code)

	alice.send(map[string]any{"type": "ping"})
	alice.expect(string(internal.EventPong))
}

// TestWebSocket_DisconnectNotifiesOpponent 測試斷線驅逐並通知對手
func TestWebSocket_DisconnectNotifiesOpponent(t *testing.T) {
	s := newWSServer(t, internal.WebSocketConfig{})
	alice := s.dial(t)
	bob := s.dial(t)

	alice.send(map[string]any{"type": "createSession", "accountId": "alice"})
	var seat internal.SeatData
	require.NoError(t, json.Unmarshal(alice.expect(string(internal.EventSessionCreated)).Data, &seat))

	bob.send(map[string]any{"type": "joinSession", "sessionId": seat.SessionID, "accountId": "bob"})
	bob.expect(string(internal.EventJoined))
	alice.expect(string(internal.EventStateChanged))

	require.NoError(t, bob.conn.Close())

	alice.expect(string(internal.EventOpponentLeft))

	testutils.WaitForCondition(t, func() bool {
		_, ok := s.Registry.Snapshot(seat.SessionID)
		return !ok && s.hub.ConnectionCount() == 1
	}, 2*time.Second, "session evicted")

	// 剩下的玩家可以立刻開新局
	alice.send(map[string]any{"type": "createSession", "accountId": "alice"})
	alice.expect(string(internal.EventSessionCreated))
}

// TestWebSocket_HeartbeatKeepsAlive 測試短心跳下連線保持
func TestWebSocket_HeartbeatKeepsAlive(t *testing.T) {
	s := newWSServer(t, internal.WebSocketConfig{
		PingInterval: 20 * time.Millisecond,
		PongWait:     100 * time.Millisecond,
	})
	alice := s.dial(t)

	// 讀取時 gorilla 客戶端會自動回覆 Pong
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := alice.conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, s.hub.ConnectionCount())

	_ = alice.conn.Close()
	<-done
}

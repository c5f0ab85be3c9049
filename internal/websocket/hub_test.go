package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/schoolconsole/notify-engine/config"
	"github.com/schoolconsole/notify-engine/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

// fakeSubscriber hands each subscription its own channel keyed by subscriber id.
type fakeSubscriber struct {
	mu           sync.Mutex
	subs         map[string]chan Push
	users        map[string]int64
	unsubscribed []string
	err          error
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{
		subs:  make(map[string]chan Push),
		users: make(map[string]int64),
	}
}

func (f *fakeSubscriber) Subscribe(_ context.Context, userID int64, subscriberID string) (<-chan Push, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	ch := make(chan Push, 10)
	f.subs[subscriberID] = ch
	f.users[subscriberID] = userID
	return ch, nil
}

func (f *fakeSubscriber) Unsubscribe(_ context.Context, _ int64, subscriberID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, subscriberID)
	f.unsubscribed = append(f.unsubscribed, subscriberID)
	return nil
}

func (f *fakeSubscriber) send(userID int64, p Push) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, ch := range f.subs {
		if f.users[id] == userID {
			ch <- p
		}
	}
}

func (f *fakeSubscriber) unsubscribedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.unsubscribed...)
}

func setupHub(t *testing.T, sub Subscriber) (*Hub, *Handler, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := DefaultHubConfig()
	cfg.PingInterval = time.Hour
	hub := NewHub(sub, nil, cfg)
	handler := NewHandler(hub, &config.Config{Environment: config.EnvDevelopment})

	r := gin.New()
	r.Use(middleware.ErrorHandler(), func(c *gin.Context) {
		if id, err := strconv.ParseInt(c.Query("uid"), 10, 64); err == nil {
			c.Set(string(middleware.UserIDKey), id)
		}
		c.Next()
	})
	r.GET("/ws", handler.HandleRaw)
	r.GET("/socket.io/", handler.HandleFramed)

	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		_ = hub.Shutdown(context.Background())
		srv.Close()
	})
	return hub, handler, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) ([]byte, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	return data, err
}

func framedHandshake(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	open, err := read(t, conn)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(string(open), "0"))

	var pkt openPacket
	require.NoError(t, json.Unmarshal(open[1:], &pkt))
	assert.NotEmpty(t, pkt.SID)
	assert.Equal(t, int64(time.Hour/time.Millisecond), pkt.PingInterval)

	require.NoError(t, conn.Write(context.Background(), websocket.MessageText, []byte("40")))
	ack, err := read(t, conn)
	require.NoError(t, err)
	assert.Equal(t, `40{"sid":"`+pkt.SID+`"}`, string(ack))
	return pkt.SID
}

func waitConnected(t *testing.T, hub *Hub, userID int64) *Connection {
	t.Helper()
	var conn *Connection
	require.Eventually(t, func() bool {
		c, ok := hub.GetConnection(userID)
		conn = c
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	return conn
}

func TestHub_RawDelivery(t *testing.T) {
	sub := newFakeSubscriber()
	hub, _, base := setupHub(t, sub)

	client := dial(t, base+"/ws?uid=7")
	conn := waitConnected(t, hub, 7)
	assert.Equal(t, ModeRaw, conn.Mode)
	assert.Equal(t, []int64{7}, hub.GetConnectedUsers())

	sub.send(7, Push{Event: "new_notification", Data: json.RawMessage(`{"id":1,"title":"Hi"}`)})

	data, err := read(t, client)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":1,"title":"Hi"}`, string(data))
}

func TestHub_FramedHandshakeAndDelivery(t *testing.T) {
	sub := newFakeSubscriber()
	hub, _, base := setupHub(t, sub)

	client := dial(t, base+"/socket.io/?uid=7&EIO=4&transport=websocket")
	sid := framedHandshake(t, client)

	conn := waitConnected(t, hub, 7)
	assert.Equal(t, sid, conn.ID)
	assert.Equal(t, ModeFramed, conn.Mode)

	sub.send(7, Push{Event: "new_notification", Data: json.RawMessage(`{"id":1}`)})
	frame, err := read(t, client)
	require.NoError(t, err)
	assert.Equal(t, `42["new_notification",{"id":1}]`, string(frame))

	assert.True(t, hub.Deliver(7, Push{Data: json.RawMessage(`{"ok":true}`)}))
	frame, err = read(t, client)
	require.NoError(t, err)
	assert.Equal(t, `42["message",{"ok":true}]`, string(frame))
}

func TestHub_FramedAnswersPing(t *testing.T) {
	hub, _, base := setupHub(t, newFakeSubscriber())

	client := dial(t, base+"/socket.io/?uid=3&EIO=4&transport=websocket")
	framedHandshake(t, client)
	waitConnected(t, hub, 3)

	require.NoError(t, client.Write(context.Background(), websocket.MessageText, []byte("2")))
	frame, err := read(t, client)
	require.NoError(t, err)
	assert.Equal(t, "3", string(frame))
}

func TestHub_ReplacesExistingConnection(t *testing.T) {
	sub := newFakeSubscriber()
	hub, _, base := setupHub(t, sub)

	first := dial(t, base+"/ws?uid=5")
	firstConn := waitConnected(t, hub, 5)

	dial(t, base+"/ws?uid=5")
	require.Eventually(t, func() bool {
		c, ok := hub.GetConnection(5)
		return ok && c != firstConn
	}, 2*time.Second, 10*time.Millisecond)

	_, err := read(t, first)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))
	assert.True(t, firstConn.IsClosed())
	assert.Equal(t, 1, hub.GetConnectionCount())
	assert.Contains(t, sub.unsubscribedIDs(), firstConn.ID)
}

func TestHub_DisconnectSendsDisconnectPacket(t *testing.T) {
	hub, _, base := setupHub(t, newFakeSubscriber())

	client := dial(t, base+"/socket.io/?uid=9&EIO=4&transport=websocket")
	framedHandshake(t, client)
	waitConnected(t, hub, 9)

	assert.True(t, hub.Disconnect(9))
	assert.False(t, hub.Disconnect(9))

	frame, err := read(t, client)
	require.NoError(t, err)
	assert.Equal(t, "41", string(frame))

	_, err = read(t, client)
	assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))
	assert.Equal(t, 0, hub.GetConnectionCount())
}

func TestHub_ShutdownUsesGoingAway(t *testing.T) {
	hub, _, base := setupHub(t, newFakeSubscriber())

	client := dial(t, base+"/ws?uid=1")
	waitConnected(t, hub, 1)

	require.NoError(t, hub.Shutdown(context.Background()))

	_, err := read(t, client)
	assert.Equal(t, websocket.StatusGoingAway, websocket.CloseStatus(err))
	assert.Equal(t, 0, hub.GetConnectionCount())

	_, err = hub.Register(context.Background(), 1, ModeRaw, nil)
	assert.Error(t, err)
}

func TestHub_ClientMessagesReachHook(t *testing.T) {
	hub, handler, base := setupHub(t, newFakeSubscriber())

	got := make(chan string, 1)
	handler.OnMessage(func(userID int64, event string, data json.RawMessage) {
		got <- strconv.FormatInt(userID, 10) + ":" + event + ":" + string(data)
	})

	client := dial(t, base+"/ws?uid=4")
	waitConnected(t, hub, 4)
	require.NoError(t, client.Write(context.Background(), websocket.MessageText, []byte(`{"event":"ack","data":{"id":2}}`)))

	select {
	case msg := <-got:
		assert.Equal(t, `4:ack:{"id":2}`, msg)
	case <-time.After(2 * time.Second):
		t.Fatal("client message not observed")
	}
}

func TestHub_RegisterSubscribeFailure(t *testing.T) {
	sub := newFakeSubscriber()
	sub.err = errors.New("redis down")
	hub := NewHub(sub, nil)

	_, err := hub.Register(context.Background(), 1, ModeRaw, nil)
	assert.Error(t, err)
	assert.Equal(t, 0, hub.GetConnectionCount())
	assert.False(t, hub.Deliver(1, Push{Data: json.RawMessage(`{}`)}))
}

func TestHub_RequiresAuthenticatedUser(t *testing.T) {
	_, _, base := setupHub(t, newFakeSubscriber())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, base+"/ws", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 401, resp.StatusCode)
}

package messagebus

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ChristianBoehm/opsiconfd-sub000/internal/middleware"
	"github.com/ChristianBoehm/opsiconfd-sub000/internal/redis"
	"github.com/ChristianBoehm/opsiconfd-sub000/internal/session"
)

type busServer struct {
	mr       *miniredis.Miniredis
	rdb      *goredis.Client
	keys     redis.Keys
	sessions *session.Manager
	producer *Producer
	srv      *httptest.Server
	sess     *session.Session
}

func newBusServer(t *testing.T) *busServer {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	keys := redis.NewKeys("opsiconfd")
	manager := session.NewManager(rdb, keys, zap.NewNop(), session.Options{})
	producer := NewProducer(rdb, keys, zap.NewNop(), "service:worker:node1:1", 1000, time.Hour)

	b := &busServer{mr: mr, rdb: rdb, keys: keys, sessions: manager, producer: producer}
	endpoint := NewWebSocket(manager, producer, rdb, keys, zap.NewNop())
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if b.sess != nil {
			ctx = middleware.WithSession(ctx, b.sess)
		}
		endpoint.ServeHTTP(w, r.WithContext(ctx))
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *busServer) authenticate(t *testing.T, username string, admin bool) {
	t.Helper()
	ctx := context.Background()
	s, err := b.sessions.Get(ctx, "10.1.1.1", "test-client", "")
	require.NoError(t, err)
	s.SetUserAuthenticated(username, []string{"opsiadmin"}, admin, false)
	require.NoError(t, b.sessions.Store(ctx, s, true, true))
	b.sess = s
}

func (b *busServer) wsURL(query string) string {
	return "ws" + strings.TrimPrefix(b.srv.URL, "http") + "/messagebus/v1" + query
}

func (b *busServer) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(b.wsURL(query), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn, compression string) *Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	m, err := DecodeFrame(data, compression)
	require.NoError(t, err)
	return m
}

func writeFrame(t *testing.T, conn *websocket.Conn, m *Message, compression string) {
	t.Helper()
	data, err := EncodeFrame(m, compression)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, data))
}

func TestWebSocketRequiresAuthentication(t *testing.T) {
	b := newBusServer(t)

	_, resp, err := websocket.DefaultDialer.Dial(b.wsURL(""), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWebSocketRejectsUnknownCompression(t *testing.T) {
	b := newBusServer(t)
	b.authenticate(t, "user1", false)

	_, resp, err := websocket.DefaultDialer.Dial(b.wsURL("?compression=zstd"), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWebSocketDeliversUserChannel(t *testing.T) {
	b := newBusServer(t)
	b.authenticate(t, "user1", false)
	conn := b.dial(t, "")

	m := New("custom", b.producer.Sender(), "user:user1")
	m.Data = map[string]interface{}{"payload": "hello"}
	require.NoError(t, b.producer.Send(context.Background(), m))

	got := readFrame(t, conn, "")
	assert.Equal(t, m.ID, got.ID)
	assert.Equal(t, "user:user1", got.Channel)
	assert.Equal(t, "hello", got.Data["payload"])
}

func TestWebSocketForwardsClientMessages(t *testing.T) {
	b := newBusServer(t)
	b.authenticate(t, "user1", false)
	conn := b.dial(t, "")
	ctx := context.Background()

	m := New("jsonrpc_request", "user:forged", "service:config:jsonrpc")
	m.BackChannel = "$"
	writeFrame(t, conn, m, "")

	stream := b.keys.Channel("service:config:jsonrpc")
	require.Eventually(t, func() bool {
		n, err := b.rdb.XLen(ctx, stream).Result()
		return err == nil && n == 1
	}, 5*time.Second, 10*time.Millisecond)

	entries, err := b.rdb.XRange(ctx, stream, "-", "+").Result()
	require.NoError(t, err)
	stored, err := Unmarshal([]byte(entries[0].Values["message"].(string)))
	require.NoError(t, err)
	assert.Equal(t, "user:user1", stored.Sender, "the sender field is forced to the session identity")
	assert.Equal(t, "session:"+b.sess.ID, stored.BackChannel)
}

func TestWebSocketSubscriptionRequest(t *testing.T) {
	b := newBusServer(t)
	b.authenticate(t, "adminuser", true)
	conn := b.dial(t, "")

	req := New(TypeChannelSubscriptionRequest, "", "service:messagebus")
	req.Data = map[string]interface{}{
		"operation": OperationAdd,
		"channels":  []interface{}{"event:host_connected"},
	}
	writeFrame(t, conn, req, "")

	reply := readFrame(t, conn, "")
	assert.Equal(t, TypeChannelSubscriptionEvent, reply.Type)
	assert.Equal(t, req.ID, reply.RefID)
	assert.NotContains(t, reply.Data, "error")

	subscribed := reply.Data["subscribed_channels"].([]interface{})
	assert.ElementsMatch(t, []interface{}{
		"session:" + b.sess.ID, "user:adminuser", "event:host_connected",
	}, subscribed)
}

func TestWebSocketSubscriptionDenied(t *testing.T) {
	b := newBusServer(t)
	b.authenticate(t, "user1", false)
	conn := b.dial(t, "")

	req := New(TypeChannelSubscriptionRequest, "", "service:messagebus")
	req.Data = map[string]interface{}{
		"operation": OperationAdd,
		"channels":  []interface{}{"user:user2"},
	}
	writeFrame(t, conn, req, "")

	reply := readFrame(t, conn, "")
	assert.Equal(t, TypeChannelSubscriptionEvent, reply.Type)
	require.Contains(t, reply.Data, "error")
	errInfo := reply.Data["error"].(map[string]interface{})
	assert.Contains(t, errInfo["message"], "denied")

	subscribed := reply.Data["subscribed_channels"].([]interface{})
	assert.NotContains(t, subscribed, "user:user2")
}

func TestWebSocketRejectedMessageYieldsGeneralError(t *testing.T) {
	b := newBusServer(t)
	b.authenticate(t, "user1", false)
	conn := b.dial(t, "")

	m := New("event", "", "event:host_connected")
	writeFrame(t, conn, m, "")

	reply := readFrame(t, conn, "")
	assert.Equal(t, TypeGeneralError, reply.Type)
	assert.Equal(t, m.ID, reply.RefID)
	errInfo := reply.Data["error"].(map[string]interface{})
	assert.Contains(t, errInfo["message"], "denied")
}

func TestWebSocketConnectionEvents(t *testing.T) {
	b := newBusServer(t)
	b.authenticate(t, "user1", false)
	ctx := context.Background()
	counter := b.keys.Connections("user1")

	conn := b.dial(t, "")
	require.Eventually(t, func() bool {
		n, err := b.rdb.Get(ctx, counter).Int64()
		return err == nil && n == 1
	}, 5*time.Second, 10*time.Millisecond)

	connected := b.keys.Channel("event:user_connected")
	require.Eventually(t, func() bool {
		n, err := b.rdb.XLen(ctx, connected).Result()
		return err == nil && n == 1
	}, 5*time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool {
		n, err := b.rdb.Get(ctx, counter).Int64()
		return err == nil && n == 0
	}, 5*time.Second, 10*time.Millisecond)

	disconnected := b.keys.Channel("event:user_disconnected")
	require.Eventually(t, func() bool {
		n, err := b.rdb.XLen(ctx, disconnected).Result()
		return err == nil && n == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestWebSocketCompressedSession(t *testing.T) {
	b := newBusServer(t)
	b.authenticate(t, "user1", false)
	conn := b.dial(t, "?compression=lz4")

	req := New(TypeChannelSubscriptionRequest, "", "service:messagebus")
	req.Data = map[string]interface{}{
		"operation": OperationAdd,
		"channels":  []interface{}{"$"},
	}
	writeFrame(t, conn, req, "lz4")

	reply := readFrame(t, conn, "lz4")
	assert.Equal(t, TypeChannelSubscriptionEvent, reply.Type)
	subscribed := reply.Data["subscribed_channels"].([]interface{})
	assert.Contains(t, subscribed, "session:"+b.sess.ID)
}

package messagebus

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/ChristianBoehm/opsiconfd-sub000/internal/auth"
	"github.com/ChristianBoehm/opsiconfd-sub000/internal/backend"
	"github.com/ChristianBoehm/opsiconfd-sub000/internal/metrics"
	"github.com/ChristianBoehm/opsiconfd-sub000/internal/middleware"
	"github.com/ChristianBoehm/opsiconfd-sub000/internal/redis"
	"github.com/ChristianBoehm/opsiconfd-sub000/internal/session"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 20 * time.Second
	// sessionKeepAlive is how often an open connection refreshes the
	// session's bus timestamp.
	sessionKeepAlive = 5 * time.Second
	// outBuffer is the per-connection delivery queue between the stream
	// readers and the socket writer.
	outBuffer = 256
	// ingestRate/ingestBurst bound how many frames per second one
	// connection may push onto the bus. Exceeding frames are not dropped,
	// the read pump stalls and TCP backpressure reaches the client.
	ingestRate  = 100
	ingestBurst = 200
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Origins are enforced by the CORS layer in front of the router.
	CheckOrigin: func(*http.Request) bool { return true },
}

// WebSocket serves /messagebus/v1: one connection per session, binary
// MessagePack frames in both directions.
type WebSocket struct {
	sessions *session.Manager
	producer *Producer
	rdb      *goredis.Client
	keys     redis.Keys
	logger   *zap.Logger
}

// NewWebSocket builds the bus endpoint.
func NewWebSocket(sessions *session.Manager, producer *Producer, rdb *goredis.Client, keys redis.Keys, logger *zap.Logger) *WebSocket {
	return &WebSocket{
		sessions: sessions,
		producer: producer,
		rdb:      rdb,
		keys:     keys,
		logger:   logger,
	}
}

func (h *WebSocket) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sess := middleware.SessionFromContext(r.Context())
	if sess == nil || !sess.Authenticated {
		middleware.WriteError(w, r, h.logger, auth.ErrAuthentication, false)
		return
	}
	compression := r.URL.Query().Get("compression")
	if !ValidCompression(compression) {
		middleware.WriteError(w, r, h.logger, backend.BadValuef("invalid compression %q", compression), sess.IsAdmin)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("Websocket upgrade failed", zap.Error(err))
		return
	}

	c := &connection{
		ws:          h,
		conn:        conn,
		sess:        sess,
		compression: compression,
		out:         make(chan *Message, outBuffer),
		limiter:     rate.NewLimiter(ingestRate, ingestBurst),
		logger: h.logger.With(
			zap.String("session", sess.ID),
			zap.String("principal", sess.Principal()),
		),
	}
	c.run(r.Context())
}

// connection is the state of one open bus socket.
type connection struct {
	ws          *WebSocket
	conn        *websocket.Conn
	sess        *session.Session
	compression string
	out         chan *Message
	limiter     *rate.Limiter
	readers     *ReaderSet
	logger      *zap.Logger
}

func (c *connection) run(ctx context.Context) {
	defer c.conn.Close()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.readers = NewReaderSet(ctx, c.ws.rdb, c.ws.keys, c.ws.logger, c.sess.ID, c.out)
	defer c.readers.Close()

	sessionChannel := SessionChannel(c.sess)
	userChannel := UserChannel(c.sess)
	if err := c.readers.Subscribe(ctx, sessionChannel, StartNew); err != nil {
		c.logger.Error("Session channel subscription failed", zap.Error(err))
		return
	}
	if err := c.readers.Subscribe(ctx, userChannel, DefaultStart(userChannel)); err != nil {
		c.logger.Error("User channel subscription failed", zap.Error(err))
		return
	}
	c.ws.producer.AddReader(ctx, sessionChannel)
	c.ws.producer.AddReader(ctx, userChannel)
	defer func() {
		cleanup, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		c.ws.producer.RemoveReader(cleanup, sessionChannel)
		c.ws.producer.RemoveReader(cleanup, userChannel)
	}()

	c.connected(ctx)
	defer c.disconnected()

	metrics.BusClientConnected()
	defer metrics.BusClientDisconnected()

	c.sess.TouchMessagebus()
	if err := c.ws.sessions.Store(ctx, c.sess, false, true); err != nil {
		c.logger.Warn("Session keep-alive failed", zap.Error(err))
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// Closing the socket unblocks a read pump stuck in ReadMessage.
		defer c.conn.Close()
		return c.writePump(ctx)
	})
	g.Go(func() error {
		// A clean client close returns nil, which would not cancel the
		// group context, so the write pump is stopped explicitly.
		defer cancel()
		return c.readPump(ctx)
	})
	if err := g.Wait(); err != nil {
		c.logger.Debug("Bus connection ended", zap.Error(err))
	}
}

// connected counts the socket and announces the first connection of a
// principal on the event bus.
func (c *connection) connected(ctx context.Context) {
	n, err := c.ws.rdb.Incr(ctx, c.ws.keys.Connections(c.sess.Principal())).Result()
	if err != nil {
		c.logger.Warn("Connection counter failed", zap.Error(err))
		return
	}
	if n != 1 {
		return
	}
	if c.sess.HostID != "" {
		c.ws.producer.SendEvent(ctx, "host_connected", map[string]interface{}{
			"host": map[string]interface{}{"id": c.sess.HostID},
		})
	} else {
		c.ws.producer.SendEvent(ctx, "user_connected", map[string]interface{}{
			"user": map[string]interface{}{"username": c.sess.Username},
		})
	}
}

// disconnected decrements the counter and announces the last connection
// of a principal going away.
func (c *connection) disconnected() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	n, err := c.ws.rdb.Decr(ctx, c.ws.keys.Connections(c.sess.Principal())).Result()
	if err != nil {
		c.logger.Warn("Connection counter failed", zap.Error(err))
		return
	}
	if n > 0 {
		return
	}
	if c.sess.HostID != "" {
		c.ws.producer.SendEvent(ctx, "host_disconnected", map[string]interface{}{
			"host": map[string]interface{}{"id": c.sess.HostID},
		})
	} else {
		c.ws.producer.SendEvent(ctx, "user_disconnected", map[string]interface{}{
			"user": map[string]interface{}{"username": c.sess.Username},
		})
	}
}

// readPump decodes client frames, handles subscription requests itself
// and forwards everything else onto the bus.
func (c *connection) readPump(ctx context.Context) error {
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return err
			}
			return nil
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return nil
		}
		msg, err := DecodeFrame(data, c.compression)
		if err != nil {
			c.logger.Warn("Undecodable frame", zap.Error(err))
			c.reply(ctx, NewGeneralError(c.ws.producer.Sender(), SessionChannel(c.sess), "", err.Error()))
			continue
		}
		metrics.BusMessageReceived()

		if msg.Type == TypeChannelSubscriptionRequest {
			c.handleSubscription(ctx, msg)
			continue
		}
		if err := c.ws.producer.SendFrom(ctx, c.sess, msg); err != nil {
			c.logger.Debug("Message rejected",
				zap.String("type", msg.Type),
				zap.String("channel", msg.Channel),
				zap.Error(err))
			c.reply(ctx, NewGeneralError(c.ws.producer.Sender(), SessionChannel(c.sess), msg.ID, err.Error()))
		}
	}
}

// writePump owns all socket writes: bus deliveries, pings and the session
// keep-alive.
func (c *connection) writePump(ctx context.Context) error {
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	keepAlive := time.NewTicker(sessionKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(writeWait))
			return nil
		case msg := <-c.out:
			msg.StampTrace(TraceBrokerSend)
			data, err := EncodeFrame(msg, c.compression)
			if err != nil {
				c.logger.Error("Frame encode failed", zap.Error(err))
				continue
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				return err
			}
			metrics.BusMessageSent()
		case <-ping.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return err
			}
		case <-keepAlive.C:
			c.sess.TouchMessagebus()
			if err := c.ws.sessions.Store(ctx, c.sess, false, true); err != nil {
				c.logger.Warn("Session keep-alive failed", zap.Error(err))
			}
		}
	}
}

// handleSubscription applies a channel_subscription_request and replies
// with a channel_subscription_event carrying the resulting set.
func (c *connection) handleSubscription(ctx context.Context, msg *Message) {
	reply := ExpandShorthand(msg.BackChannel, c.sess)
	if reply == "" {
		reply = SessionChannel(c.sess)
	}

	req, err := msg.SubscriptionRequest()
	if err != nil {
		c.reply(ctx, NewSubscriptionEvent(c.ws.producer.Sender(), reply, msg.ID, c.readers.Channels(), err.Error()))
		return
	}

	channels := make([]string, 0, len(req.Channels))
	for _, channel := range req.Channels {
		channel = ExpandShorthand(channel, c.sess)
		if err := CheckRead(c.sess, channel); err != nil {
			c.reply(ctx, NewSubscriptionEvent(c.ws.producer.Sender(), reply, msg.ID, c.readers.Channels(), err.Error()))
			return
		}
		channels = append(channels, channel)
	}

	switch req.Operation {
	case OperationSet:
		// The session channel always stays subscribed.
		keep := map[string]bool{SessionChannel(c.sess): true}
		for _, channel := range channels {
			keep[channel] = true
		}
		for _, channel := range c.readers.Channels() {
			if !keep[channel] {
				c.readers.Unsubscribe(channel)
				c.ws.producer.RemoveReader(ctx, channel)
			}
		}
		fallthrough
	case OperationAdd:
		for _, channel := range channels {
			if c.readers.Subscribed(channel) {
				continue
			}
			if err := c.readers.Subscribe(ctx, channel, DefaultStart(channel)); err != nil {
				c.reply(ctx, NewSubscriptionEvent(c.ws.producer.Sender(), reply, msg.ID, c.readers.Channels(), err.Error()))
				return
			}
			c.ws.producer.AddReader(ctx, channel)
		}
	case OperationRemove:
		for _, channel := range channels {
			if channel == SessionChannel(c.sess) {
				continue
			}
			if c.readers.Subscribed(channel) {
				c.readers.Unsubscribe(channel)
				c.ws.producer.RemoveReader(ctx, channel)
			}
		}
	}

	c.reply(ctx, NewSubscriptionEvent(c.ws.producer.Sender(), reply, msg.ID, c.readers.Channels(), ""))
}

// reply queues a service message for this connection without a bus round
// trip.
func (c *connection) reply(ctx context.Context, msg *Message) {
	select {
	case c.out <- msg:
	case <-ctx.Done():
	}
}

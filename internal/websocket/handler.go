package websocket

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/schoolconsole/notify-engine/config"
	apperrors "github.com/schoolconsole/notify-engine/errors"
	"github.com/schoolconsole/notify-engine/logger"
	"github.com/schoolconsole/notify-engine/middleware"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// defaultEvent names framed pushes that carry no event.
const defaultEvent = "message"

// Framed-mode packets written by the server.
var (
	pingFrame = []byte("2")
	pongFrame = []byte("3")
)

// ClientMessage is a raw-mode message from the client.
type ClientMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// openPacket is the framed-mode handshake body.
type openPacket struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int64    `json:"pingInterval"`
	PingTimeout  int64    `json:"pingTimeout"`
	MaxPayload   int      `json:"maxPayload"`
}

// MessageHook observes every event a client sends.
type MessageHook func(userID int64, event string, data json.RawMessage)

// Handler upgrades authenticated requests into push connections.
type Handler struct {
	log            *zap.SugaredLogger
	hub            *Hub
	allowedOrigins []string
	isDevelopment  bool
	onMessage      MessageHook
}

// NewHandler creates a new push handler.
func NewHandler(hub *Hub, cfg *config.Config) *Handler {
	return &Handler{
		log:            logger.GetLogger().Named("push_handler"),
		hub:            hub,
		allowedOrigins: cfg.Simulator.AllowedOrigins,
		isDevelopment:  cfg.IsDevelopment(),
	}
}

// OnMessage installs a hook for client-sent events.
func (h *Handler) OnMessage(hook MessageHook) {
	h.onMessage = hook
}

// getAcceptOptions returns accept options based on configuration. In
// development, all origins are allowed.
func (h *Handler) getAcceptOptions() *websocket.AcceptOptions {
	opts := &websocket.AcceptOptions{}
	if h.isDevelopment {
		opts.InsecureSkipVerify = true
	} else {
		opts.OriginPatterns = h.allowedOrigins
	}
	return opts
}

// HandleRaw serves raw-mode clients: each push is one JSON text frame.
func (h *Handler) HandleRaw(c *gin.Context) {
	h.handle(c, ModeRaw)
}

// HandleFramed serves framed-mode clients speaking the engine-style packet
// protocol.
func (h *Handler) HandleFramed(c *gin.Context) {
	if t := c.Query("transport"); t != "" && t != "websocket" {
		_ = c.Error(apperrors.ValidationFailed("unsupported transport", t))
		return
	}
	h.handle(c, ModeFramed)
}

func (h *Handler) handle(c *gin.Context, mode Mode) {
	userID, ok := middleware.UserID(c)
	if !ok {
		_ = c.Error(apperrors.AuthenticationFailed("Authentication required"))
		return
	}

	conn, err := websocket.Accept(c.Writer, c.Request, h.getAcceptOptions())
	if err != nil {
		h.log.Errorw("Failed to accept push connection", "userID", userID, "error", err)
		return
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	connection, err := h.hub.Register(ctx, userID, mode, conn)
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "registration failed")
		return
	}
	defer h.hub.Unregister(connection)

	if mode == ModeFramed {
		if err := h.handshake(ctx, connection); err != nil {
			h.log.Warnw("Framed handshake failed", "userID", userID, "error", err)
			return
		}
	}

	errCh := make(chan error, 3)
	go func() { errCh <- h.readLoop(ctx, connection) }()
	go func() { errCh <- h.writeLoop(ctx, connection) }()
	go func() { errCh <- h.pingLoop(ctx, connection) }()

	err = <-errCh
	if err != nil && !errors.Is(err, context.Canceled) && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		h.log.Warnw("Push connection error", "userID", userID, "error", err)
	}
}

// handshake sends the open packet, waits for the namespace connect and
// acknowledges it with the session id.
func (h *Handler) handshake(ctx context.Context, conn *Connection) error {
	cfg := h.hub.Config()
	open, err := json.Marshal(openPacket{
		SID:          conn.ID,
		Upgrades:     []string{},
		PingInterval: cfg.PingInterval.Milliseconds(),
		PingTimeout:  cfg.PingTimeout.Milliseconds(),
		MaxPayload:   1000000,
	})
	if err != nil {
		return err
	}
	if err := h.write(ctx, conn, append([]byte("0"), open...)); err != nil {
		return err
	}

	readCtx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
	defer cancel()
	for {
		_, frame, err := conn.Conn.Read(readCtx)
		if err != nil {
			return err
		}
		switch {
		case bytes.HasPrefix(frame, []byte("40")):
			ack, _ := json.Marshal(map[string]string{"sid": conn.ID})
			return h.write(ctx, conn, append([]byte("40"), ack...))
		case bytes.Equal(frame, pongFrame):
		default:
			return fmt.Errorf("unexpected handshake packet %q", frame)
		}
	}
}

func (h *Handler) readLoop(ctx context.Context, conn *Connection) error {
	for {
		_, frame, err := conn.Conn.Read(ctx)
		if err != nil {
			return err
		}

		if conn.Mode == ModeRaw {
			var msg ClientMessage
			if err := json.Unmarshal(frame, &msg); err != nil {
				h.log.Debugw("Dropping malformed client message", "userID", conn.UserID, "error", err)
				continue
			}
			h.handleClientMessage(conn, msg.Event, msg.Data)
			continue
		}

		switch {
		case bytes.Equal(frame, pingFrame):
			if err := h.write(ctx, conn, pongFrame); err != nil {
				return err
			}
		case bytes.Equal(frame, pongFrame):
		case bytes.HasPrefix(frame, []byte("41")), bytes.Equal(frame, []byte("1")):
			return nil
		case bytes.HasPrefix(frame, []byte("42")):
			var parts []json.RawMessage
			if err := json.Unmarshal(frame[2:], &parts); err != nil || len(parts) == 0 {
				h.log.Debugw("Dropping malformed client event", "userID", conn.UserID)
				continue
			}
			var event string
			if err := json.Unmarshal(parts[0], &event); err != nil {
				continue
			}
			var data json.RawMessage
			if len(parts) > 1 {
				data = parts[1]
			}
			h.handleClientMessage(conn, event, data)
		default:
			h.log.Debugw("Ignoring client packet", "userID", conn.UserID, "packet", string(frame))
		}
	}
}

func (h *Handler) handleClientMessage(conn *Connection, event string, data json.RawMessage) {
	h.hub.metrics.received.WithLabelValues(event).Inc()
	h.log.Debugw("Client message", "userID", conn.UserID, "event", event)
	if h.onMessage != nil {
		h.onMessage(conn.UserID, event, data)
	}
}

// writeLoop sends queued pushes to the client until the connection closes.
func (h *Handler) writeLoop(ctx context.Context, conn *Connection) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case p := <-conn.SendChannel():
			if err := h.writePush(ctx, conn, p); err != nil {
				return err
			}
			h.hub.metrics.delivered.WithLabelValues(string(conn.Mode)).Inc()
		}
	}
}

func (h *Handler) writePush(ctx context.Context, conn *Connection, p Push) error {
	data := p.Data
	if len(data) == 0 {
		data = json.RawMessage("null")
	}

	if conn.Mode == ModeRaw {
		writeCtx, cancel := context.WithTimeout(ctx, h.hub.Config().WriteTimeout)
		defer cancel()
		return wsjson.Write(writeCtx, conn.Conn, data)
	}

	event := p.Event
	if event == "" {
		event = defaultEvent
	}
	body, err := json.Marshal([]interface{}{event, data})
	if err != nil {
		return err
	}
	return h.write(ctx, conn, append([]byte("42"), body...))
}

// pingLoop keeps the connection alive. Raw connections use protocol pings,
// framed ones the ping packet.
func (h *Handler) pingLoop(ctx context.Context, conn *Connection) error {
	ticker := time.NewTicker(h.hub.Config().PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if conn.Mode == ModeFramed {
				if err := h.write(ctx, conn, pingFrame); err != nil {
					return err
				}
				continue
			}
			pingCtx, cancel := context.WithTimeout(ctx, h.hub.Config().WriteTimeout)
			err := conn.Conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}

func (h *Handler) write(ctx context.Context, conn *Connection, frame []byte) error {
	writeCtx, cancel := context.WithTimeout(ctx, h.hub.Config().WriteTimeout)
	defer cancel()
	return conn.Conn.Write(writeCtx, websocket.MessageText, frame)
}

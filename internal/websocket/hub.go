package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/schoolconsole/notify-engine/logger"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// Push is one server-to-client message. Event is the wire event name used in
// framed mode; raw connections only see Data.
type Push struct {
	Event string          `json:"event,omitempty"`
	Data  json.RawMessage `json:"data"`
}

// Subscriber delivers pushes addressed to a user. Each connection subscribes
// under its own id so a replaced connection can unsubscribe without touching
// its successor.
type Subscriber interface {
	Subscribe(ctx context.Context, userID int64, subscriberID string) (<-chan Push, error)
	Unsubscribe(ctx context.Context, userID int64, subscriberID string) error
}

// Mode is the wire framing a connection speaks.
type Mode string

const (
	ModeRaw    Mode = "raw"
	ModeFramed Mode = "framed"
)

// Framed-mode disconnect packet.
var disconnectFrame = []byte("41")

// Connection represents a single push connection for a user.
type Connection struct {
	ID     string
	UserID int64
	Mode   Mode
	Conn   *websocket.Conn
	sendCh chan Push
	cancel context.CancelFunc
	mu     sync.Mutex
	closed bool
}

// SendChannel returns the outbound queue for this connection.
func (c *Connection) SendChannel() <-chan Push {
	return c.sendCh
}

// IsClosed returns whether the connection is closed.
func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// HubConfig contains configuration options for the Hub.
type HubConfig struct {
	PingInterval     time.Duration
	PingTimeout      time.Duration
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration
	SendBuffer       int
}

// DefaultHubConfig returns sensible defaults for Hub configuration.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		PingInterval:     25 * time.Second,
		PingTimeout:      20 * time.Second,
		WriteTimeout:     10 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		SendBuffer:       256,
	}
}

// HubMetrics tracks push connection activity.
type HubMetrics struct {
	connections prometheus.Gauge
	delivered   *prometheus.CounterVec
	dropped     prometheus.Counter
	received    *prometheus.CounterVec
}

// NewHubMetrics builds the hub metrics and registers them with reg when it is
// not nil.
func NewHubMetrics(reg prometheus.Registerer) *HubMetrics {
	m := &HubMetrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "notify_push_connections",
			Help: "Current number of open push connections",
		}),
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notify_push_delivered_total",
			Help: "Pushes written to clients",
		}, []string{"mode"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notify_push_dropped_total",
			Help: "Pushes dropped because a connection buffer was full",
		}),
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notify_push_client_messages_total",
			Help: "Messages received from push clients",
		}, []string{"event"}),
	}
	if reg != nil {
		reg.MustRegister(m.connections, m.delivered, m.dropped, m.received)
	}
	return m
}

// Hub tracks the single live push connection of every user and feeds it from
// the Subscriber.
type Hub struct {
	log          *zap.SugaredLogger
	subscriber   Subscriber
	metrics      *HubMetrics
	config       HubConfig
	connections  map[int64]*Connection
	mu           sync.RWMutex
	shutdownCh   chan struct{}
	shutdownOnce sync.Once
}

// NewHub creates a new push hub. A nil metrics value records into unregistered
// collectors.
func NewHub(subscriber Subscriber, metrics *HubMetrics, cfg ...HubConfig) *Hub {
	config := DefaultHubConfig()
	if len(cfg) > 0 {
		config = cfg[0]
	}
	if metrics == nil {
		metrics = NewHubMetrics(nil)
	}

	return &Hub{
		log:         logger.GetLogger().Named("push_hub"),
		subscriber:  subscriber,
		metrics:     metrics,
		config:      config,
		connections: make(map[int64]*Connection),
		shutdownCh:  make(chan struct{}),
	}
}

// Config returns the hub configuration.
func (h *Hub) Config() HubConfig {
	return h.config
}

// Register adds a push connection for a user. An existing connection for the
// same user is closed and replaced.
func (h *Hub) Register(ctx context.Context, userID int64, mode Mode, conn *websocket.Conn) (*Connection, error) {
	select {
	case <-h.shutdownCh:
		return nil, context.Canceled
	default:
	}

	subCtx, cancel := context.WithCancel(ctx)
	connection := &Connection{
		ID:     uuid.NewString(),
		UserID: userID,
		Mode:   mode,
		Conn:   conn,
		sendCh: make(chan Push, h.config.SendBuffer),
		cancel: cancel,
	}

	pushes, err := h.subscriber.Subscribe(subCtx, userID, connection.ID)
	if err != nil {
		cancel()
		h.log.Errorw("Failed to subscribe push connection", "userID", userID, "error", err)
		return nil, err
	}

	h.mu.Lock()
	existing := h.connections[userID]
	h.connections[userID] = connection
	h.mu.Unlock()

	if existing != nil {
		h.closeConnection(existing, websocket.StatusNormalClosure, "replaced by new connection", false)
	} else {
		h.metrics.connections.Inc()
	}

	go h.forward(subCtx, connection, pushes)

	h.log.Infow("Push connection registered", "userID", userID, "mode", mode, "connectionID", connection.ID)
	return connection, nil
}

func (h *Hub) forward(ctx context.Context, conn *Connection, pushes <-chan Push) {
	for {
		select {
		case <-ctx.Done():
			return
		case p, ok := <-pushes:
			if !ok {
				return
			}
			select {
			case conn.sendCh <- p:
			default:
				h.metrics.dropped.Inc()
				h.log.Warnw("Connection send buffer full, dropping push",
					"userID", conn.UserID,
					"event", p.Event)
			}
		}
	}
}

// Unregister removes conn if it is still the user's current connection and
// closes it.
func (h *Hub) Unregister(conn *Connection) {
	h.mu.Lock()
	if current, ok := h.connections[conn.UserID]; ok && current == conn {
		delete(h.connections, conn.UserID)
		h.metrics.connections.Dec()
	}
	h.mu.Unlock()

	h.closeConnection(conn, websocket.StatusNormalClosure, "unregistered", false)
}

// Disconnect ends the user's session from the server side. Framed clients get
// a disconnect packet first so they do not retry. Reports whether the user was
// connected.
func (h *Hub) Disconnect(userID int64) bool {
	h.mu.Lock()
	conn, ok := h.connections[userID]
	if ok {
		delete(h.connections, userID)
		h.metrics.connections.Dec()
	}
	h.mu.Unlock()

	if !ok {
		return false
	}
	h.closeConnection(conn, websocket.StatusNormalClosure, "server disconnect", true)
	return true
}

func (h *Hub) closeConnection(conn *Connection, status websocket.StatusCode, reason string, notify bool) {
	conn.mu.Lock()
	if conn.closed {
		conn.mu.Unlock()
		return
	}
	conn.closed = true
	conn.cancel()
	conn.mu.Unlock()

	if err := h.subscriber.Unsubscribe(context.Background(), conn.UserID, conn.ID); err != nil {
		h.log.Debugw("Unsubscribe failed", "userID", conn.UserID, "error", err)
	}

	if notify && conn.Mode == ModeFramed {
		ctx, cancel := context.WithTimeout(context.Background(), h.config.WriteTimeout)
		_ = conn.Conn.Write(ctx, websocket.MessageText, disconnectFrame)
		cancel()
	}
	_ = conn.Conn.Close(status, reason)

	h.log.Infow("Push connection closed",
		"userID", conn.UserID,
		"reason", reason)
}

// Deliver queues p on the user's connection. It reports false when the user is
// not connected or the buffer is full.
func (h *Hub) Deliver(userID int64, p Push) bool {
	h.mu.RLock()
	conn, ok := h.connections[userID]
	h.mu.RUnlock()
	if !ok || conn.IsClosed() {
		return false
	}

	select {
	case conn.sendCh <- p:
		return true
	default:
		h.metrics.dropped.Inc()
		return false
	}
}

// GetConnection returns the connection for a user, if connected.
func (h *Hub) GetConnection(userID int64) (*Connection, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conn, ok := h.connections[userID]
	return conn, ok
}

// GetConnectedUsers returns a list of connected user IDs.
func (h *Hub) GetConnectedUsers() []int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()

	users := make([]int64, 0, len(h.connections))
	for userID := range h.connections {
		users = append(users, userID)
	}
	return users
}

// GetConnectionCount returns the number of active connections.
func (h *Hub) GetConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// Shutdown closes every connection with a going-away status, which clients
// treat as retryable.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.shutdownOnce.Do(func() {
		close(h.shutdownCh)

		h.mu.Lock()
		connections := make([]*Connection, 0, len(h.connections))
		for _, conn := range h.connections {
			connections = append(connections, conn)
		}
		h.connections = make(map[int64]*Connection)
		h.metrics.connections.Set(0)
		h.mu.Unlock()

		for _, conn := range connections {
			h.closeConnection(conn, websocket.StatusGoingAway, "server shutdown", false)
		}
	})

	h.log.Info("Push hub shutdown complete")
	return ctx.Err()
}

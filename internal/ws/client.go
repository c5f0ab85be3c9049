package ws

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	apperrors "github.com/schoolconsole/notify-engine/errors"
	"github.com/schoolconsole/notify-engine/internal/events"
	"github.com/schoolconsole/notify-engine/logger"
	"github.com/schoolconsole/notify-engine/types"
	"go.uber.org/zap"
)

const (
	// DefaultReconnectDelay is the fixed wait between a lost connection and the
	// next attempt.
	DefaultReconnectDelay   = 3 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	writeWait               = 10 * time.Second
)

// Emitter receives decoded push events. *events.Dispatcher satisfies it.
type Emitter interface {
	Emit(event string, payload interface{})
}

// TransportMetrics holds Prometheus metrics for the push transport
type TransportMetrics struct {
	state     prometheus.Gauge
	reconnect prometheus.Counter
	received  *prometheus.CounterVec
	malformed prometheus.Counter
}

// NewTransportMetrics creates transport metrics and registers them with reg.
// A nil registerer leaves them unregistered.
func NewTransportMetrics(reg prometheus.Registerer) *TransportMetrics {
	m := &TransportMetrics{
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "notify_transport_state",
			Help: "Push connection state (0 disconnected, 1 connecting, 2 connected)",
		}),
		reconnect: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notify_transport_reconnect_attempts_total",
			Help: "Total number of automatic reconnect attempts",
		}),
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notify_transport_messages_received_total",
			Help: "Total number of decoded push messages by dispatched event",
		}, []string{"event"}),
		malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notify_transport_malformed_messages_total",
			Help: "Total number of dropped push messages that failed to decode",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.state, m.reconnect, m.received, m.malformed)
	}
	return m
}

// Option configures a Transport.
type Option func(*Transport)

// WithReconnectDelay overrides DefaultReconnectDelay.
func WithReconnectDelay(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.reconnectDelay = d
		}
	}
}

// WithHandshakeTimeout bounds the framed-mode handshake and reconnect dials.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.handshakeTimeout = d
		}
	}
}

// WithDialer sets the websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(t *Transport) {
		if d != nil {
			t.dialer = d
		}
	}
}

// WithMetrics sets the transport metrics.
func WithMetrics(m *TransportMetrics) Option {
	return func(t *Transport) {
		if m != nil {
			t.metrics = m
		}
	}
}

// Transport holds one persistent push connection and reconnects it after
// abnormal closes. Decoded messages are emitted on the Emitter from the read
// goroutine.
type Transport struct {
	log              *zap.SugaredLogger
	emitter          Emitter
	dialer           *websocket.Dialer
	metrics          *TransportMetrics
	reconnectDelay   time.Duration
	handshakeTimeout time.Duration

	mu          sync.Mutex
	state       types.ConnectionState
	conn        *websocket.Conn
	target      string
	framed      bool
	intentional bool
	generation  uint64
	timer       *time.Timer

	writeMu sync.Mutex
}

// NewTransport creates a disconnected transport that emits on emitter.
func NewTransport(emitter Emitter, opts ...Option) *Transport {
	t := &Transport{
		log:              logger.GetLogger().Named("push_transport"),
		emitter:          emitter,
		dialer:           websocket.DefaultDialer,
		reconnectDelay:   DefaultReconnectDelay,
		handshakeTimeout: defaultHandshakeTimeout,
		state:            types.ConnectionStateDisconnected,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.metrics == nil {
		t.metrics = NewTransportMetrics(nil)
	}
	return t
}

// State returns the current connection state.
func (t *Transport) State() types.ConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Connected reports whether the handshake has completed on a live connection.
func (t *Transport) Connected() bool {
	return t.State() == types.ConnectionStateConnected
}

// Connect opens the push connection. It is a no-op unless the transport is
// disconnected. Dial and handshake failures are reported as connection-error
// events and go through the close path, so a retry is scheduled; only an
// invalid endpoint is returned as an error.
func (t *Transport) Connect(ctx context.Context, endpoint, token string, userID int64) error {
	t.mu.Lock()
	if t.state != types.ConnectionStateDisconnected {
		state := t.state
		t.mu.Unlock()
		t.log.Warnw("Connect called while not disconnected, ignoring", "state", state)
		return nil
	}

	target, framed, err := dialTarget(endpoint, token, userID)
	if err != nil {
		t.mu.Unlock()
		return err
	}

	t.target = target
	t.framed = framed
	t.intentional = false
	t.stopTimerLocked()
	t.generation++
	gen := t.generation
	t.setStateLocked(types.ConnectionStateConnecting)
	t.mu.Unlock()

	t.dial(ctx, gen, target, framed)
	return nil
}

// Disconnect closes the connection with a normal closure and suppresses
// reconnection. Safe to call repeatedly.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	t.intentional = true
	t.stopTimerLocked()
	conn := t.conn
	t.conn = nil
	wasActive := t.state != types.ConnectionStateDisconnected
	// In-flight dials and read loops belong to the old generation and are ignored.
	t.generation++
	t.setStateLocked(types.ConnectionStateDisconnected)
	t.mu.Unlock()

	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect")
		t.writeMu.Lock()
		if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
			t.log.Debugw("Error sending close message", "error", err)
		}
		t.writeMu.Unlock()
		if err := conn.Close(); err != nil {
			t.log.Debugw("Error closing push connection", "error", err)
		}
	}

	if wasActive {
		t.log.Infow("Push connection closed by client")
		t.emitter.Emit(events.ConnectionStatus, types.ConnectionStatus{Connected: false, Reason: "client disconnect"})
	}
}

// Send writes one event to the server. It is best-effort: when not connected it
// logs a warning and drops the event.
func (t *Transport) Send(event string, payload interface{}) {
	t.mu.Lock()
	conn := t.conn
	framed := t.framed
	connected := t.state == types.ConnectionStateConnected
	t.mu.Unlock()

	if !connected || conn == nil {
		t.log.Warnw("Push connection not established, dropping outbound event", "event", event)
		return
	}

	var (
		frame []byte
		err   error
	)
	if framed {
		frame, err = encodeEvent(event, payload)
	} else {
		frame, err = encodeRaw(event, payload)
	}
	if err != nil {
		t.log.Errorw("Failed to encode outbound event", "event", event, "error", err)
		return
	}

	if err := t.write(conn, frame); err != nil {
		t.log.Warnw("Failed to write outbound event", "event", event, "error", err)
	}
}

func (t *Transport) dial(ctx context.Context, gen uint64, target string, framed bool) {
	t.log.Infow("Connecting to push endpoint", "url", logger.MaskURLToken(target), "framed", framed)

	conn, resp, err := t.dialer.DialContext(ctx, target, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		t.fail(gen, apperrors.Transport("dial failed", err))
		return
	}

	if framed {
		if err := t.handshake(conn); err != nil {
			conn.Close()
			t.fail(gen, err)
			return
		}
	}

	t.mu.Lock()
	if gen != t.generation || t.intentional {
		t.mu.Unlock()
		conn.Close()
		return
	}
	t.conn = conn
	t.setStateLocked(types.ConnectionStateConnected)
	t.mu.Unlock()

	t.log.Infow("Push connection established", "framed", framed)
	t.emitter.Emit(events.ConnectionStatus, types.ConnectionStatus{Connected: true})

	go t.readLoop(conn, gen, framed)
}

// handshake performs the framed-mode open / namespace connect exchange.
func (t *Transport) handshake(conn *websocket.Conn) error {
	if err := conn.SetReadDeadline(time.Now().Add(t.handshakeTimeout)); err != nil {
		return apperrors.Transport("handshake failed", err)
	}
	defer conn.SetReadDeadline(time.Time{})

	p, err := readPacket(conn)
	if err != nil {
		return apperrors.Transport("handshake failed", err)
	}
	if p.kind != packetOpen {
		return apperrors.Transport("handshake failed", fmt.Errorf("expected open packet, got %s", p.kind))
	}

	if err := t.write(conn, connectFrame); err != nil {
		return apperrors.Transport("handshake failed", err)
	}

	for {
		p, err := readPacket(conn)
		if err != nil {
			return apperrors.Transport("handshake failed", err)
		}
		switch p.kind {
		case packetConnect:
			return nil
		case packetConnectError:
			return apperrors.Transport("connection rejected", fmt.Errorf("server: %s", p.data))
		case packetPing:
			if err := t.write(conn, pongFrame); err != nil {
				return apperrors.Transport("handshake failed", err)
			}
		default:
			t.log.Debugw("Ignoring packet during handshake", "kind", p.kind)
		}
	}
}

func readPacket(conn *websocket.Conn) (packet, error) {
	_, frame, err := conn.ReadMessage()
	if err != nil {
		return packet{}, err
	}
	return decodePacket(frame)
}

func (t *Transport) readLoop(conn *websocket.Conn, gen uint64, framed bool) {
	defer conn.Close()

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			code, reason := closeDetails(err)
			if code == websocket.CloseAbnormalClosure && !t.stale(gen) {
				t.emitter.Emit(events.ConnectionError, apperrors.Transport("read failed", err))
			}
			t.handleClose(gen, code, reason)
			return
		}

		if !framed {
			t.dispatch(frame, "")
			continue
		}

		p, err := decodePacket(frame)
		if err != nil {
			t.metrics.malformed.Inc()
			t.log.Warnw("Dropping malformed frame", "error", err)
			continue
		}
		switch p.kind {
		case packetPing:
			if err := t.write(conn, pongFrame); err != nil {
				t.log.Warnw("Failed to answer ping", "error", err)
			}
		case packetEvent:
			name, payload, err := decodeEvent(p.data)
			if err != nil {
				t.metrics.malformed.Inc()
				t.log.Warnw("Dropping malformed event packet", "error", err)
				continue
			}
			t.dispatch(payload, name)
		case packetDisconnect, packetClose:
			// Server-side disconnects are deliberate and do not trigger a retry.
			t.handleClose(gen, websocket.CloseNormalClosure, "server disconnect")
			return
		default:
			t.log.Debugw("Ignoring packet", "kind", p.kind)
		}
	}
}

func (t *Transport) dispatch(data []byte, eventName string) {
	in, err := Decode(data, eventName)
	if err != nil {
		t.metrics.malformed.Inc()
		t.log.Warnw("Dropping malformed push message", "error", err, "event", eventName)
		return
	}
	t.metrics.received.WithLabelValues(in.Event).Inc()
	t.emitter.Emit(in.Event, in.Payload())
}

// fail reports a connect failure and routes it through the close path.
func (t *Transport) fail(gen uint64, err error) {
	if t.stale(gen) {
		return
	}
	t.log.Warnw("Push connection failed", "error", err)
	t.emitter.Emit(events.ConnectionError, err)
	t.handleClose(gen, websocket.CloseAbnormalClosure, err.Error())
}

// handleClose is the single close path. Closes from an older generation are
// ignored.
func (t *Transport) handleClose(gen uint64, code int, reason string) {
	t.mu.Lock()
	if gen != t.generation {
		t.mu.Unlock()
		return
	}
	t.conn = nil
	t.setStateLocked(types.ConnectionStateDisconnected)
	retry := !t.intentional && code != websocket.CloseNormalClosure
	if retry {
		t.stopTimerLocked()
		t.timer = time.AfterFunc(t.reconnectDelay, func() { t.reconnect(gen) })
	}
	t.mu.Unlock()

	t.log.Infow("Push connection closed", "code", code, "reason", reason, "reconnect", retry)
	t.emitter.Emit(events.ConnectionStatus, types.ConnectionStatus{Connected: false, Reason: reason})
}

func (t *Transport) reconnect(gen uint64) {
	t.mu.Lock()
	if gen != t.generation || t.intentional || t.state != types.ConnectionStateDisconnected {
		t.mu.Unlock()
		return
	}
	t.timer = nil
	t.generation++
	next := t.generation
	target, framed := t.target, t.framed
	t.setStateLocked(types.ConnectionStateConnecting)
	t.mu.Unlock()

	t.metrics.reconnect.Inc()
	t.log.Infow("Attempting push reconnect", "delay", t.reconnectDelay)

	ctx, cancel := context.WithTimeout(context.Background(), t.handshakeTimeout)
	defer cancel()
	t.dial(ctx, next, target, framed)
}

func (t *Transport) write(conn *websocket.Conn, frame []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, frame)
}

func (t *Transport) stale(gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return gen != t.generation
}

func (t *Transport) stopTimerLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

func (t *Transport) setStateLocked(s types.ConnectionState) {
	t.state = s
	switch s {
	case types.ConnectionStateConnected:
		t.metrics.state.Set(2)
	case types.ConnectionStateConnecting:
		t.metrics.state.Set(1)
	default:
		t.metrics.state.Set(0)
	}
}

// closeDetails extracts the close code and reason from a read error. Anything
// that is not a close frame counts as an abnormal closure.
func closeDetails(err error) (int, string) {
	if ce, ok := err.(*websocket.CloseError); ok {
		reason := ce.Text
		if reason == "" {
			reason = fmt.Sprintf("close %d", ce.Code)
		}
		return ce.Code, reason
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return websocket.CloseAbnormalClosure, "timeout"
	}
	return websocket.CloseAbnormalClosure, err.Error()
}

// Package session wires one user's notification engine: a dispatcher, the push
// transport, the notification store and the popup coordinator.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	apperrors "github.com/schoolconsole/notify-engine/errors"
	"github.com/schoolconsole/notify-engine/internal/auth"
	"github.com/schoolconsole/notify-engine/internal/events"
	"github.com/schoolconsole/notify-engine/internal/notification"
	"github.com/schoolconsole/notify-engine/internal/popup"
	"github.com/schoolconsole/notify-engine/internal/ws"
	"github.com/schoolconsole/notify-engine/logger"
	"github.com/schoolconsole/notify-engine/types"
	"go.uber.org/zap"
)

// Config is what a session needs to reach the push channel and the REST API.
type Config struct {
	Endpoint         string
	BaseURL          string
	Token            string
	UserID           int64
	PageSize         int
	ReconnectDelay   time.Duration
	HandshakeTimeout time.Duration
	APITimeout       time.Duration
}

// API is the REST collaborator: listing, read commands and resource links.
type API interface {
	notification.API
	popup.ActionExecutor
}

// Option configures a Session.
type Option func(*Session)

// WithAPI replaces the REST client built from Config.
func WithAPI(api API) Option {
	return func(s *Session) {
		s.api = api
	}
}

// WithRegisterer registers the engine metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(s *Session) {
		s.registerer = reg
	}
}

// WithTransportOptions appends options for the push transport.
func WithTransportOptions(opts ...ws.Option) Option {
	return func(s *Session) {
		s.transportOpts = append(s.transportOpts, opts...)
	}
}

// Session owns the engine components for one authenticated user. Start and
// Stop bound its lifetime; all state is discarded on Stop.
type Session struct {
	log           *zap.SugaredLogger
	cfg           Config
	api           API
	registerer    prometheus.Registerer
	transportOpts []ws.Option

	dispatcher  *events.Dispatcher
	transport   *ws.Transport
	store       *notification.Store
	coordinator *popup.Coordinator
	router      *popup.Router

	mu            sync.Mutex
	started       bool
	connectedOnce bool
	ctx           context.Context
	cancel        context.CancelFunc
	unbind        []func()
	loads         sync.WaitGroup
}

// New builds a session. When cfg.UserID is zero it is read from the token.
func New(cfg Config, opts ...Option) (*Session, error) {
	log := logger.GetLogger().Named("session")

	if cfg.Token == "" {
		return nil, apperrors.ValidationFailed("invalid session config", "token is required")
	}
	if claims, err := auth.Inspect(cfg.Token); err == nil {
		if cfg.UserID == 0 {
			cfg.UserID = claims.UserID
		}
		if claims.Expired(time.Now()) {
			log.Warnw("Session token already expired", "expiresAt", claims.ExpiresAt.Time)
		}
	} else if cfg.UserID == 0 {
		return nil, apperrors.Wrap(err, apperrors.AuthError, "cannot read user id from token")
	}
	if cfg.UserID == 0 {
		return nil, apperrors.ValidationFailed("invalid session config", "user id is required")
	}

	s := &Session{
		log: log.With("userID", cfg.UserID),
		cfg: cfg,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.api == nil {
		var clientOpts []notification.ClientOption
		if cfg.APITimeout > 0 {
			clientOpts = append(clientOpts, notification.WithTimeout(cfg.APITimeout))
		}
		s.api = notification.NewClient(cfg.BaseURL, cfg.Token, clientOpts...)
	}

	s.dispatcher = events.NewDispatcher(events.NewDispatcherMetrics(s.registerer))

	transportOpts := []ws.Option{ws.WithMetrics(ws.NewTransportMetrics(s.registerer))}
	if cfg.ReconnectDelay > 0 {
		transportOpts = append(transportOpts, ws.WithReconnectDelay(cfg.ReconnectDelay))
	}
	if cfg.HandshakeTimeout > 0 {
		transportOpts = append(transportOpts, ws.WithHandshakeTimeout(cfg.HandshakeTimeout))
	}
	s.transport = ws.NewTransport(s.dispatcher, append(transportOpts, s.transportOpts...)...)

	storeOpts := []notification.StoreOption{notification.WithStoreMetrics(notification.NewStoreMetrics(s.registerer))}
	if cfg.PageSize > 0 {
		storeOpts = append(storeOpts, notification.WithPageSize(cfg.PageSize))
	}
	s.store = notification.NewStore(s.api, s.dispatcher, storeOpts...)

	s.coordinator = popup.NewCoordinator(popup.NewMetrics(s.registerer))
	s.router = popup.NewRouter(s.coordinator, s.api, s.store)

	return s, nil
}

// Start subscribes the components and opens the push connection. The first
// connection triggers the initial load; every reconnect refreshes page 1.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		s.log.Warn("Session already started")
		return nil
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	// The store subscribes before the router so a pushed item is listed
	// before its popup is offered.
	s.unbind = []func(){
		s.store.Bind(s.dispatcher),
		s.coordinator.Bind(s.dispatcher),
		s.router.Bind(s.dispatcher),
		s.subscribeStatus(),
	}
	sctx := s.ctx
	s.mu.Unlock()

	s.log.Infow("Starting notification session", "endpoint", s.cfg.Endpoint)
	if err := s.transport.Connect(sctx, s.cfg.Endpoint, s.cfg.Token, s.cfg.UserID); err != nil {
		s.teardown()
		return err
	}
	return nil
}

// Stop closes the connection and discards all session state. Safe to call
// repeatedly.
func (s *Session) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	// Disconnect emits connection-status synchronously; no lock may be held.
	s.transport.Disconnect()
	s.teardown()
	s.log.Info("Notification session stopped")
}

func (s *Session) teardown() {
	s.mu.Lock()
	s.started = false
	s.connectedOnce = false
	if s.cancel != nil {
		s.cancel()
	}
	unbind := s.unbind
	s.unbind = nil
	s.mu.Unlock()

	s.loads.Wait()
	for _, fn := range unbind {
		fn()
	}
	s.store.Reset()
	s.coordinator.Clear()
}

func (s *Session) subscribeStatus() func() {
	id := s.dispatcher.On(events.ConnectionStatus, func(payload interface{}) {
		status, ok := payload.(types.ConnectionStatus)
		if !ok || !status.Connected {
			return
		}
		s.onConnected()
	})
	return func() { s.dispatcher.Off(events.ConnectionStatus, id) }
}

// onConnected runs on the transport goroutine, so the REST load is handed off.
func (s *Session) onConnected() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	first := !s.connectedOnce
	s.connectedOnce = true
	ctx := s.ctx
	s.loads.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.loads.Done()
		var err error
		if first {
			err = s.store.LoadInitial(ctx)
		} else {
			err = s.store.Refresh(ctx)
		}
		if err != nil && ctx.Err() == nil {
			s.log.Warnw("Failed to load notifications", "initial", first, "error", err)
		}
	}()
}

// Subscribe registers handler for event on the session dispatcher and returns
// a function that removes it.
func (s *Session) Subscribe(event string, handler events.Handler) func() {
	id := s.dispatcher.On(event, handler)
	return func() { s.dispatcher.Off(event, id) }
}

// UserID returns the user the session is scoped to.
func (s *Session) UserID() int64 {
	return s.cfg.UserID
}

// ConnectionState returns the push connection state.
func (s *Session) ConnectionState() types.ConnectionState {
	return s.transport.State()
}

// Send writes an event to the push server, best-effort.
func (s *Session) Send(event string, payload interface{}) {
	s.transport.Send(event, payload)
}

// Snapshot returns the notification list state.
func (s *Session) Snapshot() notification.State {
	return s.store.Snapshot()
}

// MarkAsRead optimistically marks one notification read.
func (s *Session) MarkAsRead(ctx context.Context, id int64) error {
	return s.store.MarkAsRead(ctx, id)
}

// MarkAllAsRead optimistically marks every notification read.
func (s *Session) MarkAllAsRead(ctx context.Context) error {
	return s.store.MarkAllAsRead(ctx)
}

// LoadMore fetches the next page.
func (s *Session) LoadMore(ctx context.Context) error {
	return s.store.LoadMore(ctx)
}

// Refresh reloads the first page.
func (s *Session) Refresh(ctx context.Context) error {
	return s.store.Refresh(ctx)
}

// CurrentPopup returns the foreground popup.
func (s *Session) CurrentPopup() (popup.Entry, bool) {
	return s.coordinator.Current()
}

// Popups returns the queued popups in display order.
func (s *Session) Popups() []popup.Entry {
	return s.coordinator.Entries()
}

// PopupRecords returns the confirmed popups.
func (s *Session) PopupRecords() []popup.Record {
	return s.coordinator.Records()
}

// AcceptPopup runs the popup's action and confirms it.
func (s *Session) AcceptPopup(ctx context.Context, entryID string) error {
	return s.router.Accept(ctx, entryID)
}

// DeclinePopup confirms the popup as declined.
func (s *Session) DeclinePopup(ctx context.Context, entryID string) error {
	return s.router.Decline(ctx, entryID)
}

// DismissPopup closes a non-persistent popup.
func (s *Session) DismissPopup(entryID string) error {
	return s.router.Dismiss(entryID)
}

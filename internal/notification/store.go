package notification

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	apperrors "github.com/schoolconsole/notify-engine/errors"
	"github.com/schoolconsole/notify-engine/internal/events"
	"github.com/schoolconsole/notify-engine/logger"
	"github.com/schoolconsole/notify-engine/types"
	"go.uber.org/zap"
)

// API is the subset of the REST collaborator the store depends on.
type API interface {
	ListNotifications(ctx context.Context, page, limit int) (*types.NotificationPage, error)
	MarkAsRead(ctx context.Context, id int64) error
	MarkAllAsRead(ctx context.Context) error
}

// Emitter publishes store events such as command-failed.
type Emitter interface {
	Emit(event string, payload interface{})
}

// StoreMetrics holds Prometheus metrics for the notification store
type StoreMetrics struct {
	rollbacks  *prometheus.CounterVec
	pushes     prometheus.Counter
	duplicates prometheus.Counter
	unread     prometheus.Gauge
}

// NewStoreMetrics creates store metrics and registers them with reg.
// A nil registerer leaves them unregistered.
func NewStoreMetrics(reg prometheus.Registerer) *StoreMetrics {
	m := &StoreMetrics{
		rollbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notify_store_rollbacks_total",
			Help: "Total number of compensated optimistic commands by command",
		}, []string{"command"}),
		pushes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notify_store_pushes_total",
			Help: "Total number of pushed notifications inserted",
		}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notify_store_duplicate_pushes_total",
			Help: "Total number of pushed notifications ignored as duplicates",
		}),
		unread: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "notify_store_unread",
			Help: "Current unread counter",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.rollbacks, m.pushes, m.duplicates, m.unread)
	}
	return m
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithPageSize sets the listing page size.
func WithPageSize(size int) StoreOption {
	return func(s *Store) {
		if size > 0 {
			s.pageSize = size
		}
	}
}

// WithStoreMetrics sets the store metrics.
func WithStoreMetrics(m *StoreMetrics) StoreOption {
	return func(s *Store) {
		if m != nil {
			s.metrics = m
		}
	}
}

// Store reconciles fetched pages, pushed items and optimistic read commands
// into one newest-first list and an unread counter. The mutex is held for each
// synchronous operation and released around every REST call.
type Store struct {
	log      *zap.SugaredLogger
	api      API
	emitter  Emitter
	metrics  *StoreMetrics
	pageSize int

	mu      sync.Mutex
	items   []*types.Notification
	index   map[int64]*types.Notification
	unread  int
	page    int
	hasMore bool
	loading bool

	initialized bool   // one-shot guard for LoadInitial
	epoch       uint64 // bumped by Reset; stale REST results are discarded
	inflight    int    // optimistic commands awaiting the API

	// acked holds ids the server confirmed as read while commands were in flight.
	acked map[int64]struct{}
	// pendingReads holds the in-flight mark-read commands per id.
	pendingReads map[int64][]*markReadCommand

	// Tracking for the page-1 load race. loadCount is the last count sync seen
	// during the fetch, moved by every local delta applied after it.
	loadPushes map[int64]struct{}
	loadReads  map[int64]struct{}
	loadCount  *int
}

// NewStore creates an empty store.
func NewStore(api API, emitter Emitter, opts ...StoreOption) *Store {
	s := &Store{
		log:      logger.GetLogger().Named("notification_store"),
		api:      api,
		emitter:  emitter,
		pageSize: DefaultPageSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = NewStoreMetrics(nil)
	}
	s.resetLocked()
	return s
}

// Bind subscribes the store to the push events it consumes and returns a
// function that removes the subscriptions.
func (s *Store) Bind(d *events.Dispatcher) func() {
	pushID := d.On(events.NewNotification, func(payload interface{}) {
		if n, ok := payload.(*types.Notification); ok {
			s.OnPush(n)
		}
	})
	readID := d.On(events.NotificationRead, func(payload interface{}) {
		if ack, ok := payload.(types.ReadAck); ok {
			s.ApplyReadAck(ack.NotificationID)
		}
	})
	countID := d.On(events.UnreadCountUpdate, func(payload interface{}) {
		if update, ok := payload.(types.UnreadCountUpdate); ok {
			s.ApplyCountSync(update.UnreadCount)
		}
	})
	return func() {
		d.Off(events.NewNotification, pushID)
		d.Off(events.NotificationRead, readID)
		d.Off(events.UnreadCountUpdate, countID)
	}
}

// LoadInitial fetches page 1 once per session lifecycle. Later calls are no-ops
// until Reset.
func (s *Store) LoadInitial(ctx context.Context) error {
	s.mu.Lock()
	if s.initialized {
		s.mu.Unlock()
		s.log.Debugw("Initial load already performed, skipping")
		return nil
	}
	s.initialized = true
	s.mu.Unlock()

	return s.loadFirstPage(ctx)
}

// Refresh reloads page 1. Unlike LoadInitial it may be called repeatedly.
func (s *Store) Refresh(ctx context.Context) error {
	s.mu.Lock()
	s.initialized = true
	s.mu.Unlock()

	return s.loadFirstPage(ctx)
}

func (s *Store) loadFirstPage(ctx context.Context) error {
	s.mu.Lock()
	if s.loading {
		s.mu.Unlock()
		s.log.Debugw("Load already in flight, skipping")
		return nil
	}
	s.loading = true
	epoch := s.epoch
	s.loadPushes = make(map[int64]struct{})
	s.loadReads = make(map[int64]struct{})
	s.loadCount = nil
	s.mu.Unlock()

	page, err := s.api.ListNotifications(ctx, 1, s.pageSize)

	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch != s.epoch {
		return nil
	}
	s.loading = false
	defer s.clearLoadTrackingLocked()

	if err != nil {
		s.log.Warnw("Failed to load notifications", "page", 1, "error", err)
		return fmt.Errorf("load notifications: %w", err)
	}

	// Pushes applied during the fetch stay at the head unless the page has them.
	inPage := make(map[int64]struct{}, len(page.Notifications))
	for _, n := range page.Notifications {
		if n != nil {
			inPage[n.ID] = struct{}{}
		}
	}
	items := make([]*types.Notification, 0, len(page.Notifications)+len(s.loadPushes))
	index := make(map[int64]*types.Notification, cap(items))
	for _, n := range s.items {
		if _, pushed := s.loadPushes[n.ID]; !pushed {
			continue
		}
		if _, ok := inPage[n.ID]; ok {
			continue
		}
		items = append(items, n)
		index[n.ID] = n
	}
	for _, n := range page.Notifications {
		if n == nil {
			continue
		}
		if _, dup := index[n.ID]; dup {
			continue
		}
		c := n.Clone()
		if !c.Read && s.forcedReadLocked(c.ID) {
			c.Read = true
			s.claimPendingReadLocked(c.ID)
		}
		items = append(items, c)
		index[c.ID] = c
	}

	s.items = items
	s.index = index
	s.unread = countUnread(items)
	if s.loadCount != nil {
		s.unread = *s.loadCount
	}
	s.page = 1
	s.hasMore = page.Pagination.Total > s.pageSize
	s.metrics.unread.Set(float64(s.unread))

	s.log.Infow("Loaded notifications",
		"count", len(items),
		"unread", s.unread,
		"total", page.Pagination.Total,
		"hasMore", s.hasMore)
	return nil
}

// LoadMore appends the next page. It is a no-op while a fetch is in flight or
// when the server reported no more items.
func (s *Store) LoadMore(ctx context.Context) error {
	s.mu.Lock()
	if s.loading || !s.hasMore {
		s.mu.Unlock()
		return nil
	}
	s.loading = true
	next := s.page + 1
	epoch := s.epoch
	s.mu.Unlock()

	page, err := s.api.ListNotifications(ctx, next, s.pageSize)

	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch != s.epoch {
		return nil
	}
	s.loading = false

	if err != nil {
		s.log.Warnw("Failed to load notifications", "page", next, "error", err)
		return fmt.Errorf("load notifications page %d: %w", next, err)
	}

	added := 0
	for _, n := range page.Notifications {
		if n == nil {
			continue
		}
		if _, dup := s.index[n.ID]; dup {
			continue
		}
		c := n.Clone()
		s.items = append(s.items, c)
		s.index[c.ID] = c
		if !c.Read {
			s.unread++
		}
		added++
	}
	s.page = next
	s.hasMore = len(page.Notifications) == s.pageSize
	s.metrics.unread.Set(float64(s.unread))

	s.log.Debugw("Loaded more notifications", "page", next, "added", added, "hasMore", s.hasMore)
	return nil
}

// OnPush inserts a pushed notification at the head as unread. Ids already in the
// list are ignored.
func (s *Store) OnPush(n *types.Notification) {
	if n == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.index[n.ID]; dup {
		s.metrics.duplicates.Inc()
		s.log.Debugw("Ignoring duplicate pushed notification", "notificationID", n.ID)
		return
	}

	c := n.Clone()
	c.Read = false
	s.items = append([]*types.Notification{c}, s.items...)
	s.index[c.ID] = c
	s.addUnreadLocked(1)
	if s.loadPushes != nil {
		s.loadPushes[c.ID] = struct{}{}
	}
	s.metrics.pushes.Inc()
	s.metrics.unread.Set(float64(s.unread))
}

// MarkAsRead optimistically marks id as read and confirms it with the API. On
// failure the local change is undone, command-failed is emitted and a
// COMMAND_FAILED error is returned. The API call is issued even when the item is
// already read.
func (s *Store) MarkAsRead(ctx context.Context, id int64) error {
	cmd := &markReadCommand{s: s, id: id}
	return s.execute(ctx, cmd, id, func(ctx context.Context) error {
		return s.api.MarkAsRead(ctx, id)
	})
}

// MarkAllAsRead optimistically marks every loaded item as read. On failure only
// the items this call flipped are restored.
func (s *Store) MarkAllAsRead(ctx context.Context) error {
	cmd := &markAllCommand{s: s}
	return s.execute(ctx, cmd, int64(0), s.api.MarkAllAsRead)
}

func (s *Store) execute(ctx context.Context, cmd command, id int64, call func(context.Context) error) error {
	s.mu.Lock()
	epoch := s.epoch
	cmd.apply()
	s.inflight++
	s.metrics.unread.Set(float64(s.unread))
	s.mu.Unlock()

	err := call(ctx)

	s.mu.Lock()
	if epoch == s.epoch {
		cmd.done()
		if err != nil {
			cmd.compensate()
			s.metrics.rollbacks.WithLabelValues(cmd.name()).Inc()
			s.metrics.unread.Set(float64(s.unread))
		}
		s.inflight--
		if s.inflight == 0 {
			s.acked = make(map[int64]struct{})
		}
	}
	s.mu.Unlock()

	if err == nil {
		return nil
	}

	appErr := apperrors.CommandFailed(cmd.name(), id, err)
	s.emitter.Emit(events.CommandFailed, types.CommandFailure{
		Command:        cmd.name(),
		NotificationID: id,
		Message:        appErr.Message,
	})
	return appErr
}

// ApplyReadAck marks id as read because the server reported it read elsewhere.
// Idempotent.
func (s *Store) ApplyReadAck(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inflight > 0 {
		s.acked[id] = struct{}{}
	}
	if s.loadReads != nil {
		s.loadReads[id] = struct{}{}
	}

	n, ok := s.index[id]
	if !ok || n.Read {
		return
	}
	n.Read = true
	s.addUnreadLocked(-1)
	s.metrics.unread.Set(float64(s.unread))
}

// ApplyCountSync overwrites the unread counter with the server's value.
func (s *Store) ApplyCountSync(count int) {
	if count < 0 {
		count = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.unread = count
	if s.loadReads != nil {
		c := count
		s.loadCount = &c
	}
	s.metrics.unread.Set(float64(s.unread))
}

// Reset clears all state at session end and re-arms LoadInitial. REST calls
// still in flight are discarded when they return.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epoch++
	s.resetLocked()
	s.metrics.unread.Set(0)
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := make([]*types.Notification, len(s.items))
	for i, n := range s.items {
		items[i] = n.Clone()
	}
	return State{
		Notifications: items,
		UnreadCount:   s.unread,
		Page:          s.page,
		PageSize:      s.pageSize,
		HasMore:       s.hasMore,
		Loading:       s.loading,
	}
}

// Get returns a copy of the notification with id, or nil.
func (s *Store) Get(id int64) *types.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index[id].Clone()
}

// UnreadCount returns the unread counter.
func (s *Store) UnreadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unread
}

func (s *Store) resetLocked() {
	s.items = nil
	s.index = make(map[int64]*types.Notification)
	s.unread = 0
	s.page = 0
	s.hasMore = false
	s.loading = false
	s.initialized = false
	s.inflight = 0
	s.acked = make(map[int64]struct{})
	s.pendingReads = make(map[int64][]*markReadCommand)
	s.clearLoadTrackingLocked()
}

func (s *Store) clearLoadTrackingLocked() {
	s.loadPushes = nil
	s.loadReads = nil
	s.loadCount = nil
}

func (s *Store) forcedReadLocked(id int64) bool {
	if len(s.pendingReads[id]) > 0 {
		return true
	}
	if _, ok := s.loadReads[id]; ok {
		return true
	}
	_, ok := s.acked[id]
	return ok
}

// claimPendingReadLocked hands a read flag forced by the page-1 load to the
// oldest pending mark-read on id that has not flipped anything yet, so its
// failure restores the item.
func (s *Store) claimPendingReadLocked(id int64) {
	for _, cmd := range s.pendingReads[id] {
		if cmd.applied {
			continue
		}
		cmd.applied = true
		cmd.prior = false
		if s.loadCount != nil {
			*s.loadCount = max(*s.loadCount-1, 0)
		}
		return
	}
}

// addUnreadLocked moves the counter by delta, never below zero. A count sync
// saved during a page-1 load moves with it.
func (s *Store) addUnreadLocked(delta int) {
	s.unread = max(s.unread+delta, 0)
	if s.loadCount != nil {
		*s.loadCount = max(*s.loadCount+delta, 0)
	}
}

func countUnread(items []*types.Notification) int {
	n := 0
	for _, item := range items {
		if !item.Read {
			n++
		}
	}
	return n
}

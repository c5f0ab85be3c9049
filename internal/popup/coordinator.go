package popup

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	apperrors "github.com/schoolconsole/notify-engine/errors"
	"github.com/schoolconsole/notify-engine/internal/events"
	"github.com/schoolconsole/notify-engine/logger"
	"github.com/schoolconsole/notify-engine/types"
	"go.uber.org/zap"
)

// Outcome is how a popup was resolved.
type Outcome string

const (
	OutcomeAccepted Outcome = "accepted"
	OutcomeDeclined Outcome = "declined"
)

// ConfirmFunc is called after an entry is confirmed.
type ConfirmFunc func(entry Entry, outcome Outcome)

// Request describes a popup to enqueue.
type Request struct {
	Notification *types.Notification
	Context      map[string]interface{}
	Priority     int
	Persistent   bool
	OnConfirm    ConfirmFunc
}

// Entry is one queued popup. Notification is shared with the store and must be
// treated as read-only.
type Entry struct {
	ID           string
	Notification *types.Notification
	Context      map[string]interface{}
	Priority     int
	Persistent   bool
	OnConfirm    ConfirmFunc
	Sequence     uint64
}

// Record is the audit entry kept for every confirmed popup. Notification.ID is
// 0 for popups without a server id, such as announcements; Context then holds
// the key that identifies them.
type Record struct {
	EntryID      string
	Notification *types.Notification
	Context      map[string]interface{}
	ResolvedAt   time.Time
	Outcome      Outcome
}

// Metrics holds Prometheus metrics for the popup coordinator
type Metrics struct {
	queued     prometheus.Gauge
	offered    prometheus.Counter
	duplicates prometheus.Counter
	resolved   *prometheus.CounterVec
	suspended  prometheus.Counter
}

// NewMetrics creates coordinator metrics and registers them with reg.
// A nil registerer leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		queued: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "notify_popup_queue_length",
			Help: "Number of popups currently queued",
		}),
		offered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notify_popup_offered_total",
			Help: "Total number of popups enqueued",
		}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notify_popup_duplicates_total",
			Help: "Total number of popup offers rejected as duplicates",
		}),
		resolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notify_popup_resolved_total",
			Help: "Total number of confirmed popups by outcome",
		}, []string{"outcome"}),
		suspended: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notify_popup_suspended_total",
			Help: "Total number of persistent popups set aside on disconnect",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.queued, m.offered, m.duplicates, m.resolved, m.suspended)
	}
	return m
}

// Coordinator keeps the popup queue ordered by priority (higher first, then by
// insertion) and guarantees a notification id is shown at most once.
type Coordinator struct {
	log     *zap.SugaredLogger
	metrics *Metrics
	now     func() time.Time

	mu        sync.Mutex
	queue     []*Entry
	seq       uint64
	lastSeen  int64
	hasSeen   bool
	resolved  map[int64]struct{}
	suspended map[string]*Entry
	records   []Record
}

// NewCoordinator creates an empty coordinator. metrics may be nil.
func NewCoordinator(metrics *Metrics) *Coordinator {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Coordinator{
		log:       logger.GetLogger().Named("popup_coordinator"),
		metrics:   metrics,
		now:       time.Now,
		resolved:  make(map[int64]struct{}),
		suspended: make(map[string]*Entry),
	}
}

// Add enqueues a popup unconditionally and returns its entry id.
func (c *Coordinator) Add(req Request) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addLocked(req)
}

// Offer enqueues a popup unless its notification id was the last one offered,
// is already queued or suspended, or was already resolved.
func (c *Coordinator) Offer(req Request) (string, bool) {
	if req.Notification == nil {
		return "", false
	}
	id := req.Notification.ID

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isDuplicateLocked(id) {
		c.metrics.duplicates.Inc()
		c.log.Debugw("Ignoring duplicate popup", "notificationID", id)
		return "", false
	}
	c.lastSeen = id
	c.hasSeen = true
	return c.addLocked(req), true
}

// Remove drops a non-persistent entry. Persistent entries can only be closed
// with Confirm.
func (c *Coordinator) Remove(entryID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	i := c.indexLocked(entryID)
	if i < 0 {
		return apperrors.NotFound("Popup", entryID)
	}
	e := c.queue[i]
	if e.Persistent {
		return apperrors.PersistentPopup(entryID)
	}
	c.removeAtLocked(i)
	c.markResolvedLocked(e)
	c.log.Debugw("Popup dismissed", "entryID", entryID)
	return nil
}

// Confirm resolves an entry with an explicit outcome, records it and runs its
// callback. A panicking callback is logged and does not affect the queue.
func (c *Coordinator) Confirm(entryID string, outcome Outcome) error {
	c.mu.Lock()
	var e *Entry
	if i := c.indexLocked(entryID); i >= 0 {
		e = c.queue[i]
		c.removeAtLocked(i)
	} else if s, ok := c.suspended[entryID]; ok {
		e = s
		delete(c.suspended, entryID)
	}
	if e == nil {
		c.mu.Unlock()
		return apperrors.NotFound("Popup", entryID)
	}
	c.markResolvedLocked(e)
	c.records = append(c.records, Record{
		EntryID:      e.ID,
		Notification: e.Notification,
		Context:      e.Context,
		ResolvedAt:   c.now(),
		Outcome:      outcome,
	})
	c.metrics.resolved.WithLabelValues(string(outcome)).Inc()
	entry := *e
	c.mu.Unlock()

	c.log.Infow("Popup confirmed", "entryID", entryID, "outcome", outcome)
	if entry.OnConfirm != nil {
		c.runCallback(entry, outcome)
	}
	return nil
}

func (c *Coordinator) runCallback(entry Entry, outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Errorw("Popup callback panicked", "entryID", entry.ID, "panic", r)
		}
	}()
	entry.OnConfirm(entry, outcome)
}

// Current returns the foreground entry.
func (c *Coordinator) Current() (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return Entry{}, false
	}
	return *c.queue[0], true
}

// Get returns a queued or suspended entry by id.
func (c *Coordinator) Get(entryID string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i := c.indexLocked(entryID); i >= 0 {
		return *c.queue[i], true
	}
	if e, ok := c.suspended[entryID]; ok {
		return *e, true
	}
	return Entry{}, false
}

// Entries returns the queue in display order.
func (c *Coordinator) Entries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Entry, len(c.queue))
	for i, e := range c.queue {
		out[i] = *e
	}
	return out
}

// Records returns the confirmed popups in resolution order.
func (c *Coordinator) Records() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Record(nil), c.records...)
}

// Len returns the number of queued entries.
func (c *Coordinator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// SetConnected applies a connection change. Going offline sets unresolved
// persistent entries aside, since their actions need the server; non-persistent
// entries stay queued. Coming back re-enqueues the persistent ones with their
// original id and order.
func (c *Coordinator) SetConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !connected {
		kept := c.queue[:0]
		moved := 0
		for _, e := range c.queue {
			if e.Persistent {
				c.suspended[e.ID] = e
				moved++
				continue
			}
			kept = append(kept, e)
		}
		clear(c.queue[len(kept):])
		c.queue = kept
		c.metrics.suspended.Add(float64(moved))
		c.metrics.queued.Set(float64(len(c.queue)))
		if moved > 0 {
			c.log.Infow("Persistent popups suspended on disconnect", "suspended", moved, "queued", len(c.queue))
		}
		return
	}

	if len(c.suspended) == 0 {
		return
	}
	restored := len(c.suspended)
	for id, e := range c.suspended {
		c.insertLocked(e)
		delete(c.suspended, id)
	}
	c.log.Infow("Persistent popups restored", "count", restored)
}

// Bind subscribes the coordinator to connection-status events.
func (c *Coordinator) Bind(d *events.Dispatcher) func() {
	id := d.On(events.ConnectionStatus, func(payload interface{}) {
		if status, ok := payload.(types.ConnectionStatus); ok {
			c.SetConnected(status.Connected)
		}
	})
	return func() { d.Off(events.ConnectionStatus, id) }
}

// Clear empties the queue, the suspended set, the dedup memory and the audit
// trail.
func (c *Coordinator) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue = nil
	c.hasSeen = false
	c.lastSeen = 0
	c.resolved = make(map[int64]struct{})
	c.suspended = make(map[string]*Entry)
	c.records = nil
	c.metrics.queued.Set(0)
}

func (c *Coordinator) addLocked(req Request) string {
	c.seq++
	e := &Entry{
		ID:           uuid.NewString(),
		Notification: req.Notification,
		Context:      req.Context,
		Priority:     req.Priority,
		Persistent:   req.Persistent,
		OnConfirm:    req.OnConfirm,
		Sequence:     c.seq,
	}
	c.insertLocked(e)
	c.metrics.offered.Inc()
	c.log.Debugw("Popup queued", "entryID", e.ID, "priority", e.Priority, "persistent", e.Persistent)
	return e.ID
}

// insertLocked places e after every entry that sorts before it.
func (c *Coordinator) insertLocked(e *Entry) {
	i := sort.Search(len(c.queue), func(i int) bool {
		q := c.queue[i]
		if q.Priority != e.Priority {
			return q.Priority < e.Priority
		}
		return q.Sequence > e.Sequence
	})
	c.queue = append(c.queue, nil)
	copy(c.queue[i+1:], c.queue[i:])
	c.queue[i] = e
	c.metrics.queued.Set(float64(len(c.queue)))
}

func (c *Coordinator) removeAtLocked(i int) {
	c.queue = append(c.queue[:i], c.queue[i+1:]...)
	c.metrics.queued.Set(float64(len(c.queue)))
}

func (c *Coordinator) indexLocked(entryID string) int {
	for i, e := range c.queue {
		if e.ID == entryID {
			return i
		}
	}
	return -1
}

// markResolvedLocked remembers e's notification id for the duplicate guard. Id 0
// is shared by every popup without a server id and is never remembered.
func (c *Coordinator) markResolvedLocked(e *Entry) {
	if e.Notification == nil || e.Notification.ID == 0 {
		return
	}
	c.resolved[e.Notification.ID] = struct{}{}
}

func (c *Coordinator) isDuplicateLocked(id int64) bool {
	if c.hasSeen && c.lastSeen == id {
		return true
	}
	if _, ok := c.resolved[id]; ok {
		return true
	}
	for _, e := range c.queue {
		if e.Notification != nil && e.Notification.ID == id {
			return true
		}
	}
	for _, e := range c.suspended {
		if e.Notification != nil && e.Notification.ID == id {
			return true
		}
	}
	return false
}

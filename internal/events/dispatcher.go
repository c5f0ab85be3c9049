package events

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	apperrors "github.com/schoolconsole/notify-engine/errors"
	"github.com/schoolconsole/notify-engine/logger"
	"go.uber.org/zap"
)

// Handler receives the untyped payload of an emitted event.
type Handler func(payload interface{})

// ListenerID identifies one registration made with On.
type ListenerID uint64

// DispatcherMetrics holds Prometheus metrics for the dispatcher
type DispatcherMetrics struct {
	listenerCount   prometheus.Gauge
	eventsEmitted   *prometheus.CounterVec
	eventsDiscarded *prometheus.CounterVec
	listenerPanics  *prometheus.CounterVec
}

// NewDispatcherMetrics creates dispatcher metrics and registers them with reg.
// A nil registerer leaves them unregistered.
func NewDispatcherMetrics(reg prometheus.Registerer) *DispatcherMetrics {
	m := &DispatcherMetrics{
		listenerCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "notify_dispatcher_listeners",
			Help: "Number of registered dispatcher listeners",
		}),
		eventsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notify_dispatcher_events_emitted_total",
			Help: "Total number of events emitted by name",
		}, []string{"event"}),
		eventsDiscarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notify_dispatcher_events_discarded_total",
			Help: "Total number of events emitted with no listeners",
		}, []string{"event"}),
		listenerPanics: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notify_dispatcher_listener_panics_total",
			Help: "Total number of recovered listener panics by event",
		}, []string{"event"}),
	}
	if reg != nil {
		reg.MustRegister(m.listenerCount, m.eventsEmitted, m.eventsDiscarded, m.listenerPanics)
	}
	return m
}

type listener struct {
	id      ListenerID
	handler Handler
}

// Dispatcher is a name-keyed multicast registry. Handlers for the same event
// run synchronously in registration order; a panicking handler is recovered and
// logged without affecting the others or the emitter.
type Dispatcher struct {
	log       *zap.SugaredLogger
	metrics   *DispatcherMetrics
	mu        sync.RWMutex
	listeners map[string][]listener
	nextID    atomic.Uint64
}

// NewDispatcher creates a new event dispatcher
func NewDispatcher(metrics *DispatcherMetrics) *Dispatcher {
	if metrics == nil {
		metrics = NewDispatcherMetrics(nil)
	}
	return &Dispatcher{
		log:       logger.GetLogger().Named("event_dispatcher"),
		metrics:   metrics,
		listeners: make(map[string][]listener),
	}
}

// On registers handler for event. Duplicate registrations are kept.
func (d *Dispatcher) On(event string, handler Handler) ListenerID {
	id := ListenerID(d.nextID.Add(1))

	d.mu.Lock()
	d.listeners[event] = append(d.listeners[event], listener{id: id, handler: handler})
	d.metrics.listenerCount.Set(float64(d.countLocked()))
	d.mu.Unlock()

	d.log.Debugw("Registered listener", "event", event, "listenerID", id)
	return id
}

// Off removes the listeners with the given ids from event, or every listener of
// event when no id is given.
func (d *Dispatcher) Off(event string, ids ...ListenerID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(ids) == 0 {
		delete(d.listeners, event)
		d.metrics.listenerCount.Set(float64(d.countLocked()))
		return
	}

	remove := make(map[ListenerID]struct{}, len(ids))
	for _, id := range ids {
		remove[id] = struct{}{}
	}

	current := d.listeners[event]
	kept := make([]listener, 0, len(current))
	for _, l := range current {
		if _, ok := remove[l.id]; !ok {
			kept = append(kept, l)
		}
	}
	if len(kept) == 0 {
		delete(d.listeners, event)
	} else {
		d.listeners[event] = kept
	}
	d.metrics.listenerCount.Set(float64(d.countLocked()))
}

// Emit invokes every current listener of event with payload.
func (d *Dispatcher) Emit(event string, payload interface{}) {
	d.mu.RLock()
	// Copy so handlers may call On/Off without deadlocking or mutating this round.
	current := append([]listener(nil), d.listeners[event]...)
	d.mu.RUnlock()

	if len(current) == 0 {
		d.metrics.eventsDiscarded.WithLabelValues(event).Inc()
		d.log.Debugw("No listeners for event", "event", event)
		return
	}

	d.metrics.eventsEmitted.WithLabelValues(event).Inc()
	for _, l := range current {
		d.invoke(event, l, payload)
	}
}

// Count returns the number of listeners registered for event.
func (d *Dispatcher) Count(event string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.listeners[event])
}

func (d *Dispatcher) invoke(event string, l listener, payload interface{}) {
	defer func() {
		if r := recover(); r != nil {
			d.metrics.listenerPanics.WithLabelValues(event).Inc()
			d.log.Errorw("Listener error",
				"error", apperrors.ListenerPanic(event, r),
				"event", event,
				"listenerID", l.id,
			)
		}
	}()
	l.handler(payload)
}

func (d *Dispatcher) countLocked() int {
	n := 0
	for _, ls := range d.listeners {
		n += len(ls)
	}
	return n
}

package simulator

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/schoolconsole/notify-engine/internal/websocket"
	"github.com/schoolconsole/notify-engine/logger"
	"go.uber.org/zap"
)

// Publisher fans pushes out to every subscription of a user.
type Publisher interface {
	websocket.Subscriber
	Publish(ctx context.Context, userID int64, p websocket.Push) error
	Shutdown(ctx context.Context) error
}

// PublisherMetrics holds Prometheus metrics shared by the publishers.
type PublisherMetrics struct {
	published         *prometheus.CounterVec
	errors            *prometheus.CounterVec
	activeSubscribers prometheus.Gauge
	publishLatency    prometheus.Histogram
}

// NewPublisherMetrics builds publisher metrics, registering them with reg when
// it is not nil.
func NewPublisherMetrics(reg prometheus.Registerer) *PublisherMetrics {
	m := &PublisherMetrics{
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notify_sim_published_total",
			Help: "Pushes published by event name",
		}, []string{"event"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notify_sim_publisher_errors_total",
			Help: "Publisher errors by operation and kind",
		}, []string{"operation", "type"}),
		activeSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "notify_sim_active_subscribers",
			Help: "Current number of push subscriptions",
		}),
		publishLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "notify_sim_publish_duration_seconds",
			Help:    "Time taken to publish a push",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
	}
	if reg != nil {
		reg.MustRegister(m.published, m.errors, m.activeSubscribers, m.publishLatency)
	}
	return m
}

// MemoryPublisher delivers pushes within one process.
type MemoryPublisher struct {
	mu      sync.RWMutex
	subs    map[int64]map[string]chan websocket.Push
	buffer  int
	metrics *PublisherMetrics
	log     *zap.SugaredLogger
}

// NewMemoryPublisher creates an in-process publisher whose subscriptions buffer
// up to buffer pushes.
func NewMemoryPublisher(buffer int, metrics *PublisherMetrics) *MemoryPublisher {
	if buffer <= 0 {
		buffer = 100
	}
	if metrics == nil {
		metrics = NewPublisherMetrics(nil)
	}
	return &MemoryPublisher{
		subs:    make(map[int64]map[string]chan websocket.Push),
		buffer:  buffer,
		metrics: metrics,
		log:     logger.GetLogger().Named("memory_publisher"),
	}
}

// Subscribe opens a subscription for userID under subscriberID.
func (p *MemoryPublisher) Subscribe(_ context.Context, userID int64, subscriberID string) (<-chan websocket.Push, error) {
	ch := make(chan websocket.Push, p.buffer)

	p.mu.Lock()
	defer p.mu.Unlock()
	userSubs, ok := p.subs[userID]
	if !ok {
		userSubs = make(map[string]chan websocket.Push)
		p.subs[userID] = userSubs
	}
	if old, exists := userSubs[subscriberID]; exists {
		close(old)
	} else {
		p.metrics.activeSubscribers.Inc()
	}
	userSubs[subscriberID] = ch
	return ch, nil
}

// Unsubscribe closes the subscription. Unknown ids are ignored.
func (p *MemoryPublisher) Unsubscribe(_ context.Context, userID int64, subscriberID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	userSubs := p.subs[userID]
	ch, ok := userSubs[subscriberID]
	if !ok {
		return nil
	}
	close(ch)
	delete(userSubs, subscriberID)
	if len(userSubs) == 0 {
		delete(p.subs, userID)
	}
	p.metrics.activeSubscribers.Dec()
	return nil
}

// Publish hands push to every subscription of userID. Full subscriptions drop
// the push.
func (p *MemoryPublisher) Publish(_ context.Context, userID int64, push websocket.Push) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for id, ch := range p.subs[userID] {
		select {
		case ch <- push:
		default:
			p.metrics.errors.WithLabelValues("publish", "channel_full").Inc()
			p.log.Warnw("Dropped push due to full channel", "userID", userID, "subscriberID", id, "event", push.Event)
		}
	}
	p.metrics.published.WithLabelValues(push.Event).Inc()
	return nil
}

// Shutdown closes every subscription.
func (p *MemoryPublisher) Shutdown(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for userID, userSubs := range p.subs {
		for _, ch := range userSubs {
			close(ch)
			p.metrics.activeSubscribers.Dec()
		}
		delete(p.subs, userID)
	}
	return nil
}

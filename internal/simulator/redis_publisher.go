package simulator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/schoolconsole/notify-engine/internal/websocket"
	"github.com/schoolconsole/notify-engine/logger"
	"go.uber.org/zap"
)

// RedisConfig holds configuration for RedisPublisher.
type RedisConfig struct {
	PublishTimeout   time.Duration
	SubscribeTimeout time.Duration
	BufferSize       int
}

// DefaultRedisConfig returns default configuration values.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		PublishTimeout:   5 * time.Second,
		SubscribeTimeout: 10 * time.Second,
		BufferSize:       100,
	}
}

// RedisPublisher fans pushes out through Redis Pub/Sub so several simulator
// instances share one set of users.
type RedisPublisher struct {
	rdb     *redis.Client
	log     *zap.SugaredLogger
	metrics *PublisherMetrics
	config  RedisConfig
	mu      sync.Mutex
	subs    map[string]*subscription
	wg      sync.WaitGroup
}

type subscription struct {
	pubsub    *redis.PubSub
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func (s *subscription) close(log *zap.SugaredLogger, key string) {
	s.closeOnce.Do(func() {
		if err := s.pubsub.Close(); err != nil {
			log.Errorw("Error closing pubsub", "error", err, "subKey", key)
		}
	})
}

// NewRedisPublisher creates a publisher on rdb.
func NewRedisPublisher(rdb *redis.Client, metrics *PublisherMetrics, cfg ...RedisConfig) *RedisPublisher {
	config := DefaultRedisConfig()
	if len(cfg) > 0 {
		config = cfg[0]
	}
	if metrics == nil {
		metrics = NewPublisherMetrics(nil)
	}
	return &RedisPublisher{
		rdb:     rdb,
		log:     logger.GetLogger().Named("redis_publisher"),
		metrics: metrics,
		config:  config,
		subs:    make(map[string]*subscription),
	}
}

// UserChannel is the Pub/Sub channel carrying one user's pushes.
func UserChannel(userID int64) string {
	return fmt.Sprintf("notify:user:%d", userID)
}

// Publish sends push to every subscriber of userID on any instance.
func (p *RedisPublisher) Publish(ctx context.Context, userID int64, push websocket.Push) error {
	start := time.Now()
	defer func() {
		p.metrics.publishLatency.Observe(time.Since(start).Seconds())
	}()

	data, err := json.Marshal(push)
	if err != nil {
		p.metrics.errors.WithLabelValues("publish", "marshal").Inc()
		return fmt.Errorf("marshal push: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.config.PublishTimeout)
	defer cancel()

	if err := p.rdb.Publish(ctx, UserChannel(userID), data).Err(); err != nil {
		p.metrics.errors.WithLabelValues("publish", "redis").Inc()
		return fmt.Errorf("redis publish: %w", err)
	}

	p.metrics.published.WithLabelValues(push.Event).Inc()
	return nil
}

// Subscribe listens on the user's channel. It returns once Redis confirmed the
// subscription.
func (p *RedisPublisher) Subscribe(ctx context.Context, userID int64, subscriberID string) (<-chan websocket.Push, error) {
	p.mu.Lock()
	if _, exists := p.subs[subscriberID]; exists {
		p.mu.Unlock()
		p.metrics.errors.WithLabelValues("subscribe", "duplicate").Inc()
		return nil, fmt.Errorf("subscription %s already exists", subscriberID)
	}
	p.mu.Unlock()

	pubsub := p.rdb.Subscribe(ctx, UserChannel(userID))

	confirmCtx, cancelConfirm := context.WithTimeout(ctx, p.config.SubscribeTimeout)
	defer cancelConfirm()
	if _, err := pubsub.Receive(confirmCtx); err != nil {
		_ = pubsub.Close()
		p.metrics.errors.WithLabelValues("subscribe", "redis").Inc()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}

	subCtx, cancel := context.WithCancel(context.Background())
	sub := &subscription{pubsub: pubsub, cancel: cancel}

	p.mu.Lock()
	p.subs[subscriberID] = sub
	p.mu.Unlock()
	p.metrics.activeSubscribers.Inc()

	pushes := make(chan websocket.Push, p.config.BufferSize)
	p.wg.Add(1)
	go p.processMessages(subCtx, sub, pushes, subscriberID)

	return pushes, nil
}

func (p *RedisPublisher) processMessages(ctx context.Context, sub *subscription, pushes chan<- websocket.Push, key string) {
	defer p.wg.Done()
	defer func() {
		sub.close(p.log, key)
		close(pushes)
		p.metrics.activeSubscribers.Dec()
		p.log.Debugw("Subscription closed", "subKey", key)
	}()

	ch := sub.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}

			var push websocket.Push
			if err := json.Unmarshal([]byte(msg.Payload), &push); err != nil {
				p.metrics.errors.WithLabelValues("process", "unmarshal").Inc()
				p.log.Errorw("Failed to unmarshal push", "error", err, "subKey", key)
				continue
			}

			select {
			case pushes <- push:
			default:
				p.metrics.errors.WithLabelValues("process", "channel_full").Inc()
				p.log.Warnw("Dropped push due to full channel", "subKey", key, "event", push.Event)
			}
		}
	}
}

// Unsubscribe stops a subscription. Unknown ids are ignored.
func (p *RedisPublisher) Unsubscribe(_ context.Context, _ int64, subscriberID string) error {
	p.mu.Lock()
	sub, exists := p.subs[subscriberID]
	delete(p.subs, subscriberID)
	p.mu.Unlock()

	if !exists {
		return nil
	}
	sub.cancel()
	sub.close(p.log, subscriberID)
	return nil
}

// Ping checks the Redis connection.
func (p *RedisPublisher) Ping(ctx context.Context) error {
	return p.rdb.Ping(ctx).Err()
}

// Shutdown cancels every subscription and waits for their goroutines.
func (p *RedisPublisher) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	local := p.subs
	p.subs = make(map[string]*subscription)
	p.mu.Unlock()

	p.log.Infow("Shutting down RedisPublisher", "subscriptions", len(local))
	for _, sub := range local {
		sub.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

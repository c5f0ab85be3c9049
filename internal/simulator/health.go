package simulator

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/schoolconsole/notify-engine/logger"
	"github.com/schoolconsole/notify-engine/types"
	"go.uber.org/zap"
)

// maxConnectionsBeforeDegraded marks the push component degraded past this
// many open connections.
const maxConnectionsBeforeDegraded = 5000

type HealthService struct {
	redisClient       redis.Cmdable
	activeConnections func() int
	version           string
	startTime         time.Time
	log               *zap.SugaredLogger
}

// NewHealthService creates a health service. redisClient may be nil when the
// in-memory publisher is used.
func NewHealthService(redisClient redis.Cmdable, version string) *HealthService {
	return &HealthService{
		redisClient: redisClient,
		version:     version,
		startTime:   time.Now(),
		log:         logger.GetLogger(),
	}
}

// SetActiveConnectionsGetter wires the push connection counter.
func (h *HealthService) SetActiveConnectionsGetter(getter func() int) {
	h.activeConnections = getter
}

// CheckHealth rates the broker and the push connections. A broker failure
// takes the simulator down; too many connections only degrade it.
func (h *HealthService) CheckHealth(ctx context.Context) types.SimulatorHealth {
	health := types.SimulatorHealth{
		Status:    types.HealthStatusUp,
		Version:   h.version,
		StartedAt: h.startTime.UTC(),
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
	}

	if h.redisClient != nil {
		health.Broker = h.checkBroker(ctx)
		if health.Broker.Status == types.HealthStatusDown {
			health.Status = types.HealthStatusDown
		}
	}

	if h.activeConnections != nil {
		health.Push = h.checkConnections()
		if health.Push.Status == types.HealthStatusDegraded && health.Status != types.HealthStatusDown {
			health.Status = types.HealthStatusDegraded
		}
	}
	return health
}

func (h *HealthService) checkBroker(ctx context.Context) *types.BrokerHealth {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := h.redisClient.Ping(ctx).Err(); err != nil {
		h.log.Errorw("Redis broker health check failed", "error", err)
		return &types.BrokerHealth{
			Status: types.HealthStatusDown,
			Error:  "redis broker unreachable",
		}
	}
	return &types.BrokerHealth{Status: types.HealthStatusUp}
}

func (h *HealthService) checkConnections() *types.PushHealth {
	push := &types.PushHealth{
		Status:      types.HealthStatusUp,
		Connections: h.activeConnections(),
		Limit:       maxConnectionsBeforeDegraded,
	}
	if push.Connections > push.Limit {
		push.Status = types.HealthStatusDegraded
	}
	return push
}

// LivenessCheck answers the liveness probe.
func (h *HealthService) LivenessCheck(c *gin.Context) {
	c.Status(http.StatusOK)
}

// ReadinessCheck reports 503 while a dependency is down.
func (h *HealthService) ReadinessCheck(c *gin.Context) {
	health := h.CheckHealth(c.Request.Context())
	if health.Status == types.HealthStatusDown {
		c.JSON(http.StatusServiceUnavailable, health)
		return
	}
	c.JSON(http.StatusOK, health)
}

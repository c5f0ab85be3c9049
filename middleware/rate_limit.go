package middleware

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	apperrors "github.com/schoolconsole/notify-engine/errors"
	"github.com/schoolconsole/notify-engine/logger"
)

// PushConnectionLimiter caps push upgrades per user within window using a Redis
// counter shared by every simulator instance. The counter is released when the
// upgrade did not happen. Redis failures let the request through.
func PushConnectionLimiter(redisClient redis.Cmdable, maxConnPerUser int, window time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := UserID(c)
		if !ok {
			_ = c.Error(apperrors.AuthenticationFailed("Authentication required"))
			c.Abort()
			return
		}

		ctx := c.Request.Context()
		key := fmt.Sprintf("notify:push_conn:%d", userID)

		pipe := redisClient.TxPipeline()
		incr := pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, window)
		if _, err := pipe.Exec(ctx); err != nil {
			logger.GetLogger().Warnw("Push connection limit check failed, allowing", "userID", userID, "error", err)
			c.Next()
			return
		}

		if incr.Val() > int64(maxConnPerUser) {
			redisClient.Decr(ctx, key)
			c.Header("Retry-After", fmt.Sprintf("%d", int(window.Seconds())))
			_ = c.Error(apperrors.RateLimitExceeded("Too many push connections", int(window.Seconds())))
			c.Abort()
			return
		}

		c.Next()

		if c.Writer.Status() != http.StatusSwitchingProtocols {
			redisClient.Decr(ctx, key)
		}
	}
}

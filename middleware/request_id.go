package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/schoolconsole/notify-engine/logger"
)

// RequestIDMiddleware tags every request with an id, reusing X-Request-ID when
// a proxy already set one, and logs the request once it completes.
func RequestIDMiddleware() gin.HandlerFunc {
	log := logger.GetLogger().Named("http")
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set(string(RequestIDKey), requestID)
		c.Header("X-Request-ID", requestID)

		start := time.Now()
		c.Next()

		fields := []interface{}{
			"requestID", requestID,
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		}
		if userID, ok := UserID(c); ok {
			fields = append(fields, "userID", userID)
		}
		log.Debugw("Request handled", fields...)
	}
}

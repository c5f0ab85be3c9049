package middleware

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	apperrors "github.com/schoolconsole/notify-engine/errors"
	"github.com/schoolconsole/notify-engine/internal/auth"
	"github.com/schoolconsole/notify-engine/logger"
)

// Validator verifies an access token and returns its claims.
type Validator interface {
	Validate(tokenString string) (*auth.Claims, error)
}

// AuthMiddleware authenticates a request from a Bearer Authorization header or,
// for push upgrades, the token query parameter. When the request also names a
// userId it must match the token.
func AuthMiddleware(validator Validator) gin.HandlerFunc {
	return func(c *gin.Context) {
		log := logger.GetLogger()
		startTime := time.Now()

		tokenString := bearerToken(c.GetHeader("Authorization"))
		if tokenString == "" {
			tokenString = c.Query("token")
		}
		if tokenString == "" {
			log.Warnw("Auth failed: missing token", "path", c.Request.URL.Path, "ip", c.ClientIP())
			_ = c.Error(apperrors.AuthenticationFailed("Missing authentication token"))
			c.Abort()
			return
		}

		claims, err := validator.Validate(tokenString)
		if err != nil {
			log.Warnw("Auth failed: invalid token",
				"error", err,
				"token", logger.MaskJWT(tokenString),
				"path", c.Request.URL.Path)
			_ = c.Error(err)
			c.Abort()
			return
		}

		if raw := c.Query("userId"); raw != "" {
			if id, err := strconv.ParseInt(raw, 10, 64); err != nil || id != claims.UserID {
				log.Warnw("Auth failed: userId does not match token",
					"userId", raw,
					"tokenUserID", claims.UserID)
				_ = c.Error(apperrors.AuthenticationFailed("userId does not match token"))
				c.Abort()
				return
			}
		}

		c.Set(string(UserIDKey), claims.UserID)
		log.Debugw("Auth successful",
			"userID", claims.UserID,
			"path", c.Request.URL.Path,
			"duration_ms", time.Since(startTime).Milliseconds())

		c.Next()
	}
}

func bearerToken(header string) string {
	const prefix = "bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

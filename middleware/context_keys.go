package middleware

import "github.com/gin-gonic/gin"

// contextKey defines a type for context keys to avoid collisions.
type contextKey string

const (
	// UserIDKey holds the authenticated numeric user id (int64).
	UserIDKey contextKey = "userID"
	// RequestIDKey holds the request correlation id.
	RequestIDKey contextKey = "requestID"
)

// UserID returns the authenticated user id stored by AuthMiddleware.
func UserID(c *gin.Context) (int64, bool) {
	v, ok := c.Get(string(UserIDKey))
	if !ok {
		return 0, false
	}
	id, ok := v.(int64)
	return id, ok && id != 0
}

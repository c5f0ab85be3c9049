package middleware

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	apperrors "github.com/schoolconsole/notify-engine/errors"
	"github.com/schoolconsole/notify-engine/logger"
)

// ErrorResponse is the JSON body written for a failed request.
type ErrorResponse struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Code    string `json:"code,omitempty"`
	Error   string `json:"error"`
}

// ErrorHandler turns the last error recorded on the gin context into a JSON
// response. AppErrors keep their type and status; anything else is a 500.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}
		err := c.Errors.Last().Err
		log := logger.GetLogger()
		requestID := c.GetString(string(RequestIDKey))

		var appErr *apperrors.AppError
		if !errors.As(err, &appErr) {
			logger.LogRequestError(err, "Unhandled request error", requestInfo(c, requestID, http.StatusInternalServerError))
			c.JSON(http.StatusInternalServerError, ErrorResponse{
				Type:    string(apperrors.ServerError),
				Message: "Internal server error",
				Code:    strconv.Itoa(http.StatusInternalServerError),
				Error:   "Internal server error",
			})
			return
		}

		status := appErr.GetHTTPStatus()
		if status >= http.StatusInternalServerError {
			logger.LogRequestError(appErr, "Request failed", requestInfo(c, requestID, status))
		} else {
			log.Debugw("Request rejected", "type", appErr.Type, "message", appErr.Message, "path", c.Request.URL.Path, "requestID", requestID)
		}

		resp := ErrorResponse{
			Type:    string(appErr.Type),
			Message: appErr.Message,
			Code:    strconv.Itoa(status),
			Error:   appErr.Message,
		}
		if status < http.StatusInternalServerError {
			resp.Details = appErr.Detail
		}
		c.JSON(status, resp)
	}
}

func requestInfo(c *gin.Context, requestID string, status int) logger.RequestInfo {
	userID, _ := UserID(c)
	return logger.RequestInfo{
		RequestID: requestID,
		UserID:    userID,
		Method:    c.Request.Method,
		Path:      c.Request.URL.Path,
		ClientIP:  c.ClientIP(),
		Status:    status,
		Headers:   c.Request.Header,
	}
}

package logger

import (
	"fmt"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// RequestInfo is the request context attached to a logged server error.
type RequestInfo struct {
	RequestID string
	UserID    int64
	Method    string
	Path      string
	ClientIP  string
	Status    int
	Headers   http.Header
}

// LogRequestError logs a failed request with its context. Outside production
// the caller's stack is attached.
func LogRequestError(err error, message string, req RequestInfo) {
	fields := []zap.Field{
		zap.Error(err),
		zap.String("error_type", errorType(err)),
		zap.String("method", req.Method),
		zap.String("path", req.Path),
	}
	if req.RequestID != "" {
		fields = append(fields, zap.String("request_id", req.RequestID))
	}
	if req.UserID != 0 {
		fields = append(fields, zap.Int64("user_id", req.UserID))
	}
	if req.ClientIP != "" {
		fields = append(fields, zap.String("ip_address", req.ClientIP))
	}
	if req.Status != 0 {
		fields = append(fields, zap.Int("status_code", req.Status))
	}
	if len(req.Headers) > 0 {
		fields = append(fields, zap.Any("headers", filterSensitiveHeaders(req.Headers)))
	}
	if os.Getenv("ENVIRONMENT") != "production" {
		fields = append(fields, zap.String("stack_trace", getStackTrace(3)))
	}

	GetLogger().Desugar().Error(message, fields...)
}

func errorType(err error) string {
	if err == nil {
		return ""
	}
	name := fmt.Sprintf("%T", err)
	if i := strings.LastIndex(name, "."); i >= 0 {
		return name[i+1:]
	}
	return strings.TrimPrefix(name, "*")
}

// getStackTrace captures a stack trace starting from the specified skip level
func getStackTrace(skip int) string {
	const depth = 32
	var pcs [depth]uintptr
	n := runtime.Callers(skip, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])

	var builder strings.Builder
	for {
		frame, more := frames.Next()
		if !strings.HasPrefix(frame.Function, "runtime.") {
			builder.WriteString(frame.Function)
			builder.WriteString("\n\t")
			builder.WriteString(frame.File)
			builder.WriteString(":")
			builder.WriteString(strconv.Itoa(frame.Line))
			builder.WriteString("\n")
		}
		if !more {
			break
		}
	}
	return builder.String()
}

// filterSensitiveHeaders redacts credentials before headers are logged.
func filterSensitiveHeaders(headers http.Header) map[string]string {
	filtered := make(map[string]string)

	for name, values := range headers {
		lower := strings.ToLower(name)
		if lower == "authorization" || lower == "cookie" ||
			strings.Contains(lower, "token") ||
			strings.Contains(lower, "key") ||
			strings.Contains(lower, "secret") {
			filtered[name] = "[REDACTED]"
			continue
		}
		if len(values) > 0 {
			filtered[name] = values[0]
		}
	}
	return filtered
}

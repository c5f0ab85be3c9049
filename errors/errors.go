package errors

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/schoolconsole/notify-engine/logger"
)

type ErrorType string

const (
	ValidationError       ErrorType = "VALIDATION_ERROR"
	NotFoundError         ErrorType = "NOT_FOUND"
	AuthError             ErrorType = "AUTHENTICATION_ERROR"
	ServerError           ErrorType = "SERVER_ERROR"
	TransportError        ErrorType = "TRANSPORT_ERROR"
	CommandFailedError    ErrorType = "COMMAND_FAILED"
	MalformedMessageError ErrorType = "MALFORMED_MESSAGE"
	ListenerPanicError    ErrorType = "LISTENER_PANIC"
	PersistentPopupError  ErrorType = "PERSISTENT_POPUP"
	RateLimitError        ErrorType = "RATE_LIMIT_EXCEEDED"
)

// AppError represents a structured engine error
type AppError struct {
	Type       ErrorType `json:"type"`
	Code       string    `json:"code"`
	Message    string    `json:"message"`
	Detail     string    `json:"detail,omitempty"`
	HTTPStatus int       `json:"-"`
	Raw        error     `json:"-"`
}

func (e *AppError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Type, e.Message, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap exposes the wrapped cause to errors.Is / errors.As.
func (e *AppError) Unwrap() error {
	return e.Raw
}

// New creates a new AppError
func New(errType ErrorType, message string, detail string) *AppError {
	return &AppError{
		Type:       errType,
		Message:    message,
		Detail:     detail,
		HTTPStatus: getHTTPStatus(errType),
	}
}

// Wrap wraps a raw error with AppError context
func Wrap(err error, errType ErrorType, message string) *AppError {
	if err == nil {
		return nil
	}
	return &AppError{
		Type:       errType,
		Message:    message,
		Detail:     err.Error(),
		HTTPStatus: getHTTPStatus(errType),
		Raw:        err,
	}
}

// Helper functions for common errors
func NotFound(entity string, id interface{}) *AppError {
	return &AppError{
		Type:       NotFoundError,
		Message:    fmt.Sprintf("%s not found", entity),
		Detail:     fmt.Sprintf("ID: %v", id),
		HTTPStatus: http.StatusNotFound,
	}
}

func ValidationFailed(message string, details string) *AppError {
	return &AppError{
		Type:       ValidationError,
		Message:    message,
		Detail:     details,
		HTTPStatus: http.StatusBadRequest,
	}
}

func AuthenticationFailed(message string) *AppError {
	return &AppError{
		Type:       AuthError,
		Message:    message,
		HTTPStatus: http.StatusUnauthorized,
	}
}

// CommandFailed reports a REST call backing an optimistic mutation that did not succeed.
// The local state has already been compensated when this error is returned.
func CommandFailed(command string, id interface{}, err error) *AppError {
	logger.GetLogger().Warnw("Command failed, local state rolled back",
		"command", command,
		"id", id,
		"error", err)
	return &AppError{
		Type:       CommandFailedError,
		Code:       command,
		Message:    fmt.Sprintf("%s failed", command),
		Detail:     errDetail(err),
		HTTPStatus: http.StatusBadGateway,
		Raw:        err,
	}
}

func Transport(message string, err error) *AppError {
	return &AppError{
		Type:       TransportError,
		Message:    message,
		Detail:     errDetail(err),
		HTTPStatus: http.StatusServiceUnavailable,
		Raw:        err,
	}
}

func MalformedMessage(detail string, err error) *AppError {
	return &AppError{
		Type:       MalformedMessageError,
		Message:    "Malformed inbound message",
		Detail:     detail,
		HTTPStatus: http.StatusBadRequest,
		Raw:        err,
	}
}

func ListenerPanic(event string, recovered interface{}) *AppError {
	return &AppError{
		Type:       ListenerPanicError,
		Message:    "Listener panicked",
		Detail:     fmt.Sprintf("event %s: %v", event, recovered),
		HTTPStatus: http.StatusInternalServerError,
	}
}

func PersistentPopup(entryID string) *AppError {
	return &AppError{
		Type:       PersistentPopupError,
		Message:    "Persistent popup requires an explicit outcome",
		Detail:     fmt.Sprintf("Entry ID: %s", entryID),
		HTTPStatus: http.StatusConflict,
	}
}

func RateLimitExceeded(message string, retryAfterSeconds int) *AppError {
	return &AppError{
		Type:       RateLimitError,
		Message:    message,
		Detail:     fmt.Sprintf("retry after %ds", retryAfterSeconds),
		HTTPStatus: http.StatusTooManyRequests,
	}
}

func InternalServerError(message string) *AppError {
	return &AppError{
		Type:       ServerError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
	}
}

// GetHTTPStatus returns the status an HTTP surface should answer with.
func (e *AppError) GetHTTPStatus() int {
	if e.HTTPStatus != 0 {
		return e.HTTPStatus
	}
	return getHTTPStatus(e.Type)
}

// IsType reports whether err is an AppError of the given type anywhere in its chain.
func IsType(err error, errType ErrorType) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type == errType
	}
	return false
}

func errDetail(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func getHTTPStatus(errType ErrorType) int {
	switch errType {
	case ValidationError, MalformedMessageError:
		return http.StatusBadRequest
	case NotFoundError:
		return http.StatusNotFound
	case AuthError:
		return http.StatusUnauthorized
	case PersistentPopupError:
		return http.StatusConflict
	case CommandFailedError:
		return http.StatusBadGateway
	case TransportError:
		return http.StatusServiceUnavailable
	case RateLimitError:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

package notification

import (
	"github.com/schoolconsole/notify-engine/types"
)

// DefaultPageSize is the listing page size when none is configured.
const DefaultPageSize = 20

// successResponse is the body of the mark-read and mark-all-read endpoints.
type successResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// errorResponse is the body the API returns on non-2xx statuses.
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func (e errorResponse) text() string {
	if e.Error != "" {
		return e.Error
	}
	return e.Message
}

// State is a consumer-facing copy of the store.
type State struct {
	Notifications []*types.Notification `json:"notifications"`
	UnreadCount   int                   `json:"unreadCount"`
	Page          int                   `json:"page"`
	PageSize      int                   `json:"pageSize"`
	HasMore       bool                  `json:"hasMore"`
	Loading       bool                  `json:"loading"`
}

package types

import "encoding/json"

// ConnectionState is the lifecycle state of the push connection.
type ConnectionState string

const (
	ConnectionStateDisconnected ConnectionState = "disconnected"
	ConnectionStateConnecting   ConnectionState = "connecting"
	ConnectionStateConnected    ConnectionState = "connected"
)

// ConnectionStatus is the payload of the connection-status event.
type ConnectionStatus struct {
	Connected bool   `json:"connected"`
	Reason    string `json:"reason,omitempty"`
}

// ActionEnvelope routes an actionable notification to a specific consumer.
type ActionEnvelope struct {
	Action       string        `json:"action"`
	Notification *Notification `json:"notification"`
	SessionID    *int64        `json:"sessionId,omitempty"`
	ScheduleID   *int64        `json:"scheduleId,omitempty"`
	Link         *ResourceLink `json:"link,omitempty"`
}

// ReadAck tells the client a notification was read elsewhere.
type ReadAck struct {
	NotificationID int64 `json:"notificationId"`
	UserID         int64 `json:"userId"`
}

// UnreadCountUpdate is the server's authoritative unread counter.
type UnreadCountUpdate struct {
	UnreadCount int   `json:"unreadCount"`
	UserID      int64 `json:"userId"`
}

// Announcement is a system-wide message not tied to a stored notification.
type Announcement struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Title   string `json:"title,omitempty"`
}

// RawMessage is the payload of the opaque message event.
type RawMessage struct {
	Event string          `json:"event,omitempty"`
	Data  json.RawMessage `json:"data"`
}

// CommandFailure is the payload of the command-failed event shown to the user as a
// transient notice.
type CommandFailure struct {
	Command        string `json:"command"`
	NotificationID int64  `json:"notificationId,omitempty"`
	Message        string `json:"message"`
}

package events

// Event names emitted on the dispatcher. The comment on each name gives the
// payload type handlers receive.
const (
	ConnectionStatus    = "connection-status"    // types.ConnectionStatus
	ConnectionError     = "connection-error"     // error
	NewNotification     = "new-notification"     // *types.Notification
	SessionAction       = "session-action"       // *types.ActionEnvelope
	ParticipationAction = "participation-action" // *types.ActionEnvelope
	ScheduleAction      = "schedule-action"      // *types.ActionEnvelope
	ScheduleNavigation  = "schedule-navigation"  // *types.ActionEnvelope
	NotificationAction  = "notification-action"  // *types.ActionEnvelope
	NotificationRead    = "notification-read"    // types.ReadAck
	UnreadCountUpdate   = "unread-count-update"  // types.UnreadCountUpdate
	SystemAnnouncement  = "system-announcement"  // types.Announcement
	Message             = "message"              // types.RawMessage
	CommandFailed       = "command-failed"       // types.CommandFailure
)

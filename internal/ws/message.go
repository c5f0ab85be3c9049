package ws

import (
	"bytes"
	"encoding/json"

	apperrors "github.com/schoolconsole/notify-engine/errors"
	"github.com/schoolconsole/notify-engine/internal/events"
	"github.com/schoolconsole/notify-engine/types"
)

// Action routing sets. Anything not listed falls through to the generic
// notification-action event unless it names a session.
var (
	participationActions = map[string]struct{}{
		"confirm_participation":   {},
		"participation_request":   {},
		"participation_confirmed": {},
		"participation_declined":  {},
	}
	scheduleActions = map[string]struct{}{
		"schedule_created":   {},
		"schedule_updated":   {},
		"schedule_cancelled": {},
	}
	navigationActions = map[string]struct{}{
		"open_schedule": {},
		"view_schedule": {},
	}
	sessionActions = map[string]struct{}{
		"session_started":   {},
		"session_reminder":  {},
		"session_cancelled": {},
		"join_session":      {},
	}
)

// Inbound is one decoded push message. Exactly one of the typed fields is set,
// matching Event.
type Inbound struct {
	Event        string
	Notification *types.Notification
	Action       *types.ActionEnvelope
	ReadAck      *types.ReadAck
	CountSync    *types.UnreadCountUpdate
	Announcement *types.Announcement
	Raw          *types.RawMessage
}

// Payload returns the value emitted on the dispatcher for this message.
func (in Inbound) Payload() interface{} {
	switch {
	case in.Notification != nil:
		return in.Notification
	case in.Action != nil:
		return in.Action
	case in.ReadAck != nil:
		return *in.ReadAck
	case in.CountSync != nil:
		return *in.CountSync
	case in.Announcement != nil:
		return *in.Announcement
	case in.Raw != nil:
		return *in.Raw
	default:
		return nil
	}
}

// RouteAction returns the dispatcher event an action envelope is delivered on.
func RouteAction(env *types.ActionEnvelope) string {
	if _, ok := participationActions[env.Action]; ok {
		return events.ParticipationAction
	}
	if _, ok := scheduleActions[env.Action]; ok {
		return events.ScheduleAction
	}
	if _, ok := navigationActions[env.Action]; ok {
		return events.ScheduleNavigation
	}
	if _, ok := sessionActions[env.Action]; ok || env.SessionID != nil {
		return events.SessionAction
	}
	return events.NotificationAction
}

// Decode classifies one push payload by shape. eventName is the wire event name
// when the framing carries one and is only kept for opaque messages. Invalid JSON
// is reported as a MALFORMED_MESSAGE error.
func Decode(data []byte, eventName string) (Inbound, error) {
	if !json.Valid(data) {
		return Inbound{}, apperrors.MalformedMessage("payload is not valid JSON", nil)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil || fields == nil {
		return opaque(data, eventName), nil
	}

	if has(fields, "action") && isObject(fields["notification"]) {
		var env types.ActionEnvelope
		if err := json.Unmarshal(data, &env); err == nil && env.Notification != nil {
			return Inbound{Event: RouteAction(&env), Action: &env}, nil
		}
	}

	if isNumber(fields["notificationId"]) && isNumber(fields["userId"]) {
		var ack types.ReadAck
		if err := json.Unmarshal(data, &ack); err == nil {
			return Inbound{Event: events.NotificationRead, ReadAck: &ack}, nil
		}
	}

	if isNumber(fields["unreadCount"]) && isNumber(fields["userId"]) {
		var sync types.UnreadCountUpdate
		if err := json.Unmarshal(data, &sync); err == nil {
			return Inbound{Event: events.UnreadCountUpdate, CountSync: &sync}, nil
		}
	}

	if isNumber(fields["id"]) {
		var n types.Notification
		if err := json.Unmarshal(data, &n); err == nil {
			return Inbound{Event: events.NewNotification, Notification: &n}, nil
		}
	}

	if isString(fields["message"]) && isString(fields["type"]) {
		var a types.Announcement
		if err := json.Unmarshal(data, &a); err == nil {
			return Inbound{Event: events.SystemAnnouncement, Announcement: &a}, nil
		}
	}

	return opaque(data, eventName), nil
}

func opaque(data []byte, eventName string) Inbound {
	raw := make(json.RawMessage, len(data))
	copy(raw, data)
	return Inbound{Event: events.Message, Raw: &types.RawMessage{Event: eventName, Data: raw}}
}

func has(fields map[string]json.RawMessage, key string) bool {
	v, ok := fields[key]
	return ok && !bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}

func isObject(v json.RawMessage) bool {
	v = bytes.TrimSpace(v)
	return len(v) > 0 && v[0] == '{'
}

func isString(v json.RawMessage) bool {
	v = bytes.TrimSpace(v)
	return len(v) > 0 && v[0] == '"'
}

func isNumber(v json.RawMessage) bool {
	v = bytes.TrimSpace(v)
	return len(v) > 0 && (v[0] == '-' || (v[0] >= '0' && v[0] <= '9'))
}

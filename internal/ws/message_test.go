package ws

import (
	"testing"

	apperrors "github.com/schoolconsole/notify-engine/errors"
	"github.com/schoolconsole/notify-engine/internal/events"
	"github.com/schoolconsole/notify-engine/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_Shapes(t *testing.T) {
	tests := []struct {
		name  string
		input string
		event string
	}{
		{"participation action", `{"action":"confirm_participation","notification":{"id":1}}`, events.ParticipationAction},
		{"participation declined", `{"action":"participation_declined","notification":{"id":1}}`, events.ParticipationAction},
		{"schedule action", `{"action":"schedule_updated","notification":{"id":1}}`, events.ScheduleAction},
		{"schedule navigation", `{"action":"view_schedule","notification":{"id":1}}`, events.ScheduleNavigation},
		{"session action", `{"action":"join_session","notification":{"id":1}}`, events.SessionAction},
		{"unknown action with session id", `{"action":"custom","notification":{"id":1},"sessionId":5}`, events.SessionAction},
		{"generic action", `{"action":"custom","notification":{"id":1}}`, events.NotificationAction},
		{"read ack", `{"notificationId":3,"userId":7}`, events.NotificationRead},
		{"count sync", `{"unreadCount":4,"userId":7}`, events.UnreadCountUpdate},
		{"notification", `{"id":42,"title":"x","read":false}`, events.NewNotification},
		{"announcement", `{"message":"Maintenance tonight","type":"info"}`, events.SystemAnnouncement},
		{"string id is not a notification", `{"id":"42"}`, events.Message},
		{"array", `[1,2,3]`, events.Message},
		{"scalar", `"hello"`, events.Message},
		{"action without notification", `{"action":"join_session"}`, events.Message},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in, err := Decode([]byte(tt.input), "")
			require.NoError(t, err)
			assert.Equal(t, tt.event, in.Event)
			assert.NotNil(t, in.Payload())
		})
	}
}

func TestDecode_Payloads(t *testing.T) {
	in, err := Decode([]byte(`{"action":"join_session","notification":{"id":9,"title":"Lesson"},"sessionId":12}`), "")
	require.NoError(t, err)
	env, ok := in.Payload().(*types.ActionEnvelope)
	require.True(t, ok)
	assert.Equal(t, int64(9), env.Notification.ID)
	require.NotNil(t, env.SessionID)
	assert.Equal(t, int64(12), *env.SessionID)

	in, err = Decode([]byte(`{"foo":"bar"}`), "custom-event")
	require.NoError(t, err)
	raw, ok := in.Payload().(types.RawMessage)
	require.True(t, ok)
	assert.Equal(t, "custom-event", raw.Event)
	assert.JSONEq(t, `{"foo":"bar"}`, string(raw.Data))
}

func TestDecode_InvalidJSON(t *testing.T) {
	_, err := Decode([]byte(`{"id":`), "")
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.MalformedMessageError))
}

func TestDecodePacket(t *testing.T) {
	tests := []struct {
		frame string
		kind  packetKind
		data  string
	}{
		{`0{"sid":"a"}`, packetOpen, `{"sid":"a"}`},
		{"2", packetPing, ""},
		{"3", packetPong, ""},
		{"40", packetConnect, ""},
		{`40{"sid":"b"}`, packetConnect, `{"sid":"b"}`},
		{"41", packetDisconnect, ""},
		{`42["x",1]`, packetEvent, `["x",1]`},
		{`42/admin,["x",1]`, packetEvent, `["x",1]`},
		{`44{"message":"unauthorized"}`, packetConnectError, `{"message":"unauthorized"}`},
		{"6", packetUnknown, "6"},
	}

	for _, tt := range tests {
		t.Run(tt.frame, func(t *testing.T) {
			p, err := decodePacket([]byte(tt.frame))
			require.NoError(t, err)
			assert.Equal(t, tt.kind, p.kind)
			assert.Equal(t, tt.data, string(p.data))
		})
	}

	_, err := decodePacket(nil)
	assert.Error(t, err)
	_, err = decodePacket([]byte("4"))
	assert.Error(t, err)
}

func TestEventCodec(t *testing.T) {
	frame, err := encodeEvent("mark-read", map[string]int64{"id": 5})
	require.NoError(t, err)
	assert.Equal(t, `42["mark-read",{"id":5}]`, string(frame))

	p, err := decodePacket(frame)
	require.NoError(t, err)
	name, payload, err := decodeEvent(p.data)
	require.NoError(t, err)
	assert.Equal(t, "mark-read", name)
	assert.JSONEq(t, `{"id":5}`, string(payload))

	name, payload, err = decodeEvent([]byte(`["ping-only"]`))
	require.NoError(t, err)
	assert.Equal(t, "ping-only", name)
	assert.Equal(t, "null", string(payload))

	_, _, err = decodeEvent([]byte(`[]`))
	assert.Error(t, err)
	_, _, err = decodeEvent([]byte(`[1]`))
	assert.Error(t, err)
}

func TestDialTarget(t *testing.T) {
	target, framed, err := dialTarget("ws://push.example.com/ws", "tok", 7)
	require.NoError(t, err)
	assert.False(t, framed)
	assert.Equal(t, "ws://push.example.com/ws?token=tok&userId=7", target)

	target, framed, err = dialTarget("https://api.example.com", "tok", 7)
	require.NoError(t, err)
	assert.True(t, framed)
	assert.Equal(t, "wss://api.example.com/socket.io/?EIO=4&token=tok&transport=websocket&userId=7", target)

	_, _, err = dialTarget("ftp://example.com", "tok", 7)
	assert.True(t, apperrors.IsType(err, apperrors.ValidationError))

	_, _, err = dialTarget("ws://", "tok", 7)
	assert.Error(t, err)
}

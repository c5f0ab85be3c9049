package simulator

import (
	"context"
	"encoding/json"
	"testing"

	apperrors "github.com/schoolconsole/notify-engine/errors"
	"github.com/schoolconsole/notify-engine/internal/websocket"
	"github.com/schoolconsole/notify-engine/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupService(t *testing.T, userID int64) (*Service, *Repository, <-chan websocket.Push) {
	t.Helper()
	repo := NewRepository()
	pub := NewMemoryPublisher(16, nil)
	pushes, err := pub.Subscribe(context.Background(), userID, "test")
	require.NoError(t, err)
	return NewService(repo, pub), repo, pushes
}

func drain(ch <-chan websocket.Push) []websocket.Push {
	var out []websocket.Push
	for {
		select {
		case p := <-ch:
			out = append(out, p)
		default:
			return out
		}
	}
}

func TestService_CreatePushesNotificationAndCount(t *testing.T) {
	svc, _, pushes := setupService(t, 42)

	stored, err := svc.Create(context.Background(), 42, &types.Notification{Title: "Homework due"}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.ID)

	got := drain(pushes)
	require.Len(t, got, 2)
	assert.Equal(t, EventNewNotification, got[0].Event)
	var n types.Notification
	require.NoError(t, json.Unmarshal(got[0].Data, &n))
	assert.Equal(t, "Homework due", n.Title)

	assert.Equal(t, EventUnreadCount, got[1].Event)
	assert.JSONEq(t, `{"unreadCount":1,"userId":42}`, string(got[1].Data))
}

func TestService_CreateActionablePushesEnvelope(t *testing.T) {
	svc, _, pushes := setupService(t, 42)
	sessionID := int64(9)

	_, err := svc.Create(context.Background(), 42, &types.Notification{
		Title:    "Confirm participation",
		Channels: []types.Channel{types.ChannelPopup},
		Data: &types.ActionData{
			Action: "confirm_participation",
			Link:   &types.ResourceLink{Href: "/sessions/9/participation"},
		},
	}, &sessionID)
	require.NoError(t, err)

	got := drain(pushes)
	require.Len(t, got, 2)
	assert.Equal(t, EventNotificationAct, got[0].Event)

	var env types.ActionEnvelope
	require.NoError(t, json.Unmarshal(got[0].Data, &env))
	assert.Equal(t, "confirm_participation", env.Action)
	require.NotNil(t, env.SessionID)
	assert.Equal(t, int64(9), *env.SessionID)
	require.NotNil(t, env.Notification)
	assert.Equal(t, int64(1), env.Notification.ID)
	assert.Equal(t, "/sessions/9/participation", env.Link.Href)
}

func TestService_CreateValidation(t *testing.T) {
	svc, _, pushes := setupService(t, 42)

	_, err := svc.Create(context.Background(), 42, &types.Notification{}, nil)
	assert.True(t, apperrors.IsType(err, apperrors.ValidationError))
	_, err = svc.Create(context.Background(), 42, nil, nil)
	assert.True(t, apperrors.IsType(err, apperrors.ValidationError))
	assert.Empty(t, drain(pushes))
}

func TestService_MarkRead(t *testing.T) {
	svc, repo, pushes := setupService(t, 42)
	repo.Add(42, &types.Notification{Title: "a"})
	repo.Add(42, &types.Notification{Title: "b"})

	require.NoError(t, svc.MarkRead(context.Background(), 42, 1))
	got := drain(pushes)
	require.Len(t, got, 2)
	assert.Equal(t, EventNotificationRead, got[0].Event)
	assert.JSONEq(t, `{"notificationId":1,"userId":42}`, string(got[0].Data))
	assert.JSONEq(t, `{"unreadCount":1,"userId":42}`, string(got[1].Data))

	// already read: success without pushes
	require.NoError(t, svc.MarkRead(context.Background(), 42, 1))
	assert.Empty(t, drain(pushes))

	err := svc.MarkRead(context.Background(), 42, 99)
	assert.True(t, apperrors.IsType(err, apperrors.NotFoundError))
}

func TestService_MarkAllRead(t *testing.T) {
	svc, repo, pushes := setupService(t, 42)
	repo.Add(42, &types.Notification{Title: "a"})
	repo.Add(42, &types.Notification{Title: "b"})

	changed, err := svc.MarkAllRead(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, 2, changed)
	got := drain(pushes)
	require.Len(t, got, 1)
	assert.JSONEq(t, `{"unreadCount":0,"userId":42}`, string(got[0].Data))

	changed, err = svc.MarkAllRead(context.Background(), 42)
	require.NoError(t, err)
	assert.Zero(t, changed)
	assert.Empty(t, drain(pushes))
}

func TestService_AnnounceAndPushRaw(t *testing.T) {
	svc, _, pushes := setupService(t, 42)

	require.NoError(t, svc.Announce(context.Background(), []int64{42}, types.Announcement{
		Message: "School closed tomorrow",
		Type:    "info",
	}))
	got := drain(pushes)
	require.Len(t, got, 1)
	assert.Equal(t, EventAnnouncement, got[0].Event)
	assert.JSONEq(t, `{"message":"School closed tomorrow","type":"info"}`, string(got[0].Data))

	err := svc.Announce(context.Background(), []int64{42}, types.Announcement{Message: "no type"})
	assert.True(t, apperrors.IsType(err, apperrors.ValidationError))

	require.NoError(t, svc.PushRaw(context.Background(), 42, "custom", json.RawMessage(`{"hello":"world"}`)))
	got = drain(pushes)
	require.Len(t, got, 1)
	assert.Equal(t, "custom", got[0].Event)

	err = svc.PushRaw(context.Background(), 42, "custom", json.RawMessage(`{broken`))
	assert.True(t, apperrors.IsType(err, apperrors.ValidationError))
}

func TestService_ResolveAction(t *testing.T) {
	svc, repo, pushes := setupService(t, 42)
	repo.Add(42, &types.Notification{Title: "Confirm"})

	require.NoError(t, svc.ResolveAction(context.Background(), 42, "/sessions/9/participation", "accepted", 1))
	assert.Len(t, drain(pushes), 2)

	require.NoError(t, svc.ResolveAction(context.Background(), 42, "/sessions/9/participation", "declined", 0))
	require.NoError(t, svc.ResolveAction(context.Background(), 42, "/sessions/9/participation", "accepted", 404))

	err := svc.ResolveAction(context.Background(), 42, "/sessions/9/participation", "", 1)
	assert.True(t, apperrors.IsType(err, apperrors.ValidationError))
}

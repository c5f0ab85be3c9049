package simulator

import (
	"context"
	"encoding/json"
	"fmt"

	apperrors "github.com/schoolconsole/notify-engine/errors"
	"github.com/schoolconsole/notify-engine/internal/websocket"
	"github.com/schoolconsole/notify-engine/logger"
	"github.com/schoolconsole/notify-engine/types"
	"go.uber.org/zap"
)

// Wire event names used on framed connections.
const (
	EventNewNotification  = "new_notification"
	EventNotificationAct  = "notification_action"
	EventNotificationRead = "notification_read"
	EventUnreadCount      = "unread_count_update"
	EventAnnouncement     = "system_announcement"
)

// Service is the notification backend the simulator serves: it stores
// notifications and pushes every change to the affected user.
type Service struct {
	repo *Repository
	pub  Publisher
	log  *zap.SugaredLogger
}

// NewService creates a service over repo publishing through pub.
func NewService(repo *Repository, pub Publisher) *Service {
	return &Service{
		repo: repo,
		pub:  pub,
		log:  logger.GetLogger().Named("simulator"),
	}
}

// List returns one page of the user's notifications.
func (s *Service) List(userID int64, page, limit int) *types.NotificationPage {
	return s.repo.List(userID, page, limit)
}

// Create stores n and pushes it. Actionable notifications are pushed as an
// action envelope; the unread counter follows when n is unread.
func (s *Service) Create(ctx context.Context, userID int64, n *types.Notification, sessionID *int64) (*types.Notification, error) {
	if n == nil || (n.Title == "" && n.Message == "") {
		return nil, apperrors.ValidationFailed("invalid notification", "title or message is required")
	}
	stored := s.repo.Add(userID, n)

	var err error
	if stored.IsActionable() {
		err = s.push(ctx, userID, EventNotificationAct, types.ActionEnvelope{
			Action:       stored.Data.Action,
			Notification: stored,
			SessionID:    sessionID,
			Link:         stored.Data.Link,
		})
	} else {
		err = s.push(ctx, userID, EventNewNotification, stored)
	}
	if err != nil {
		return stored, err
	}

	if !stored.Read {
		if err := s.syncCount(ctx, userID); err != nil {
			return stored, err
		}
	}
	s.log.Infow("Notification created", "userID", userID, "notificationID", stored.ID, "actionable", stored.IsActionable())
	return stored, nil
}

// MarkRead flags one notification read. When it changed, the read ack and the
// new counter are pushed so other sessions of the user follow.
func (s *Service) MarkRead(ctx context.Context, userID, id int64) error {
	changed, err := s.repo.MarkRead(userID, id)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	if err := s.push(ctx, userID, EventNotificationRead, types.ReadAck{NotificationID: id, UserID: userID}); err != nil {
		return err
	}
	return s.syncCount(ctx, userID)
}

// MarkAllRead flags every notification of the user read and pushes the counter.
func (s *Service) MarkAllRead(ctx context.Context, userID int64) (int, error) {
	changed := s.repo.MarkAllRead(userID)
	if changed == 0 {
		return 0, nil
	}
	return changed, s.syncCount(ctx, userID)
}

// Announce pushes a system announcement to every listed user.
func (s *Service) Announce(ctx context.Context, userIDs []int64, a types.Announcement) error {
	if a.Message == "" || a.Type == "" {
		return apperrors.ValidationFailed("invalid announcement", "message and type are required")
	}
	for _, userID := range userIDs {
		if err := s.push(ctx, userID, EventAnnouncement, a); err != nil {
			return err
		}
	}
	return nil
}

// PushRaw publishes data to userID unchanged.
func (s *Service) PushRaw(ctx context.Context, userID int64, event string, data json.RawMessage) error {
	if !json.Valid(data) {
		return apperrors.ValidationFailed("invalid push payload", "data must be valid JSON")
	}
	if err := s.pub.Publish(ctx, userID, websocket.Push{Event: event, Data: data}); err != nil {
		return apperrors.Wrap(err, apperrors.ServerError, "publish failed")
	}
	return nil
}

// ResolveAction records the outcome a user chose for an actionable
// notification's resource and marks the notification read.
func (s *Service) ResolveAction(ctx context.Context, userID int64, resource, outcome string, notificationID int64) error {
	if outcome == "" {
		return apperrors.ValidationFailed("invalid action", "outcome is required")
	}
	s.log.Infow("Action resolved", "userID", userID, "resource", resource, "outcome", outcome, "notificationID", notificationID)
	if notificationID == 0 {
		return nil
	}
	if err := s.MarkRead(ctx, userID, notificationID); err != nil && !apperrors.IsType(err, apperrors.NotFoundError) {
		return err
	}
	return nil
}

func (s *Service) syncCount(ctx context.Context, userID int64) error {
	return s.push(ctx, userID, EventUnreadCount, types.UnreadCountUpdate{
		UnreadCount: s.repo.UnreadCount(userID),
		UserID:      userID,
	})
}

func (s *Service) push(ctx context.Context, userID int64, event string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s push: %w", event, err)
	}
	if err := s.pub.Publish(ctx, userID, websocket.Push{Event: event, Data: data}); err != nil {
		return apperrors.Wrap(err, apperrors.ServerError, "publish failed")
	}
	return nil
}

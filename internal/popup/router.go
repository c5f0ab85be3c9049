package popup

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/schoolconsole/notify-engine/internal/events"
	"github.com/schoolconsole/notify-engine/logger"
	"github.com/schoolconsole/notify-engine/types"
	"go.uber.org/zap"
)

// Popup priorities per source event.
const (
	PriorityParticipation = 100
	PrioritySession       = 90
	PrioritySchedule      = 50
	PriorityAnnouncement  = 40
	PriorityNotification  = 30
	PriorityNavigation    = 20
)

type route struct {
	priority   int
	persistent bool
}

var actionRoutes = map[string]route{
	events.ParticipationAction: {priority: PriorityParticipation, persistent: true},
	events.SessionAction:       {priority: PrioritySession, persistent: true},
	events.ScheduleAction:      {priority: PrioritySchedule},
	events.ScheduleNavigation:  {priority: PriorityNavigation},
}

// ActionExecutor performs the request behind a notification's resource link.
type ActionExecutor interface {
	ExecuteAction(ctx context.Context, link *types.ResourceLink, body interface{}) error
}

// ReadMarker marks a notification as read.
type ReadMarker interface {
	MarkAsRead(ctx context.Context, id int64) error
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithResolvedHook registers a function called whenever a routed popup is
// confirmed.
func WithResolvedHook(fn ConfirmFunc) RouterOption {
	return func(r *Router) {
		r.onResolved = fn
	}
}

// Router turns dispatcher events into coordinator offers and carries out the
// accept / decline commands for routed entries.
type Router struct {
	log        *zap.SugaredLogger
	coord      *Coordinator
	exec       ActionExecutor
	reads      ReadMarker
	onResolved ConfirmFunc
}

// NewRouter creates a router feeding coord.
func NewRouter(coord *Coordinator, exec ActionExecutor, reads ReadMarker, opts ...RouterOption) *Router {
	r := &Router{
		log:   logger.GetLogger().Named("popup_router"),
		coord: coord,
		exec:  exec,
		reads: reads,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Bind subscribes the router to the events that produce popups.
func (r *Router) Bind(d *events.Dispatcher) func() {
	type sub struct {
		event string
		id    events.ListenerID
	}
	var subs []sub

	for event, rt := range actionRoutes {
		event, rt := event, rt
		id := d.On(event, func(payload interface{}) {
			if env, ok := payload.(*types.ActionEnvelope); ok {
				r.offerAction(event, env, rt)
			}
		})
		subs = append(subs, sub{event, id})
	}

	id := d.On(events.NewNotification, func(payload interface{}) {
		if n, ok := payload.(*types.Notification); ok {
			r.offerNotification(n)
		}
	})
	subs = append(subs, sub{events.NewNotification, id})

	id = d.On(events.SystemAnnouncement, func(payload interface{}) {
		if a, ok := payload.(types.Announcement); ok {
			r.offerAnnouncement(a)
		}
	})
	subs = append(subs, sub{events.SystemAnnouncement, id})

	return func() {
		for _, s := range subs {
			d.Off(s.event, s.id)
		}
	}
}

func (r *Router) offerAction(event string, env *types.ActionEnvelope, rt route) {
	if env.Notification == nil {
		return
	}
	ctx := map[string]interface{}{
		"event":  event,
		"action": env.Action,
	}
	if env.SessionID != nil {
		ctx["sessionId"] = *env.SessionID
	}
	if env.ScheduleID != nil {
		ctx["scheduleId"] = *env.ScheduleID
	}
	if link := actionLink(env); link != nil {
		ctx["link"] = link
	}

	entryID, ok := r.coord.Offer(Request{
		Notification: env.Notification,
		Context:      ctx,
		Priority:     rt.priority,
		Persistent:   rt.persistent,
		OnConfirm:    r.onResolved,
	})
	if ok {
		r.log.Infow("Action popup queued",
			"entryID", entryID,
			"event", event,
			"action", env.Action,
			"notificationID", env.Notification.ID)
	}
}

func (r *Router) offerNotification(n *types.Notification) {
	if !n.HasChannel(types.ChannelPopup) {
		return
	}
	ctx := map[string]interface{}{"event": events.NewNotification}
	if n.IsActionable() {
		ctx["action"] = n.Data.Action
		if n.Data.Link != nil {
			ctx["link"] = n.Data.Link
		}
	}
	entryID, ok := r.coord.Offer(Request{
		Notification: n,
		Context:      ctx,
		Priority:     PriorityNotification,
		Persistent:   n.IsActionable(),
		OnConfirm:    r.onResolved,
	})
	if ok {
		r.log.Debugw("Notification popup queued", "entryID", entryID, "notificationID", n.ID)
	}
}

// ContextAnnouncementKey is the entry context key holding the opaque key of an
// announcement popup. Announcements have no server id, so their notification
// id is always 0.
const ContextAnnouncementKey = "announcementKey"

// offerAnnouncement queues an announcement. Announcements carry no id, so they
// bypass the duplicate guard.
func (r *Router) offerAnnouncement(a types.Announcement) {
	n := &types.Notification{
		Type:    types.NotificationTypeAnnouncement,
		Title:   a.Title,
		Message: a.Message,
		Read:    true,
	}
	ctx := map[string]interface{}{
		"event":                events.SystemAnnouncement,
		"kind":                 a.Type,
		ContextAnnouncementKey: uuid.NewString(),
	}
	entryID := r.coord.Add(Request{
		Notification: n,
		Context:      ctx,
		Priority:     PriorityAnnouncement,
		OnConfirm:    r.onResolved,
	})
	r.log.Debugw("Announcement popup queued", "entryID", entryID, "kind", a.Type)
}

// Accept executes the entry's resource link, if any, then confirms the entry and
// marks its notification read. When the action fails the entry stays queued.
func (r *Router) Accept(ctx context.Context, entryID string) error {
	entry, ok := r.coord.Get(entryID)
	if !ok {
		return r.coord.Confirm(entryID, OutcomeAccepted)
	}

	if link, _ := entry.Context["link"].(*types.ResourceLink); link != nil && r.exec != nil {
		body := map[string]interface{}{"outcome": OutcomeAccepted}
		if action, _ := entry.Context["action"].(string); action != "" {
			body["action"] = action
		}
		if err := r.exec.ExecuteAction(ctx, link, body); err != nil {
			r.log.Warnw("Popup action failed", "entryID", entryID, "href", link.Href, "error", err)
			return fmt.Errorf("accept popup: %w", err)
		}
	}

	if err := r.coord.Confirm(entryID, OutcomeAccepted); err != nil {
		return err
	}
	r.markRead(ctx, entry)
	return nil
}

// Decline confirms the entry as declined and marks its notification read.
func (r *Router) Decline(ctx context.Context, entryID string) error {
	entry, ok := r.coord.Get(entryID)
	if err := r.coord.Confirm(entryID, OutcomeDeclined); err != nil {
		return err
	}
	if ok {
		r.markRead(ctx, entry)
	}
	return nil
}

// Dismiss closes a non-persistent entry without an outcome.
func (r *Router) Dismiss(entryID string) error {
	return r.coord.Remove(entryID)
}

// markRead failures are already rolled back and published by the store.
func (r *Router) markRead(ctx context.Context, entry Entry) {
	if r.reads == nil || entry.Notification == nil || entry.Notification.ID == 0 {
		return
	}
	if err := r.reads.MarkAsRead(ctx, entry.Notification.ID); err != nil {
		r.log.Warnw("Failed to mark popup notification read", "notificationID", entry.Notification.ID, "error", err)
	}
}

func actionLink(env *types.ActionEnvelope) *types.ResourceLink {
	if env.Link != nil {
		return env.Link
	}
	if env.Notification != nil && env.Notification.Data != nil {
		return env.Notification.Data.Link
	}
	return nil
}

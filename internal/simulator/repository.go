package simulator

import (
	"sort"
	"sync"
	"time"

	apperrors "github.com/schoolconsole/notify-engine/errors"
	"github.com/schoolconsole/notify-engine/types"
)

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

// Repository keeps every user's notifications in memory, newest first.
type Repository struct {
	mu     sync.RWMutex
	byUser map[int64][]*types.Notification
	nextID int64
	now    func() time.Time
}

// NewRepository creates an empty repository.
func NewRepository() *Repository {
	return &Repository{
		byUser: make(map[int64][]*types.Notification),
		now:    time.Now,
	}
}

// Add stores n for userID. A zero id is assigned from the repository sequence
// and a zero CreatedAt is set to now. The stored copy is returned.
func (r *Repository) Add(userID int64, n *types.Notification) *types.Notification {
	stored := n.Clone()

	r.mu.Lock()
	defer r.mu.Unlock()

	if stored.ID == 0 {
		r.nextID++
		stored.ID = r.nextID
	} else if stored.ID > r.nextID {
		r.nextID = stored.ID
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = r.now().UTC()
	}
	if len(stored.Channels) == 0 {
		stored.Channels = []types.Channel{types.ChannelList}
	}

	list := r.byUser[userID]
	for i, existing := range list {
		if existing.ID == stored.ID {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	list = append(list, stored)
	sort.SliceStable(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.After(list[j].CreatedAt)
		}
		return list[i].ID > list[j].ID
	})
	r.byUser[userID] = list

	return stored.Clone()
}

// List returns one page of the user's notifications. Page numbers start at 1.
func (r *Repository) List(userID int64, page, limit int) *types.NotificationPage {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	list := r.byUser[userID]
	result := &types.NotificationPage{
		Notifications: []*types.Notification{},
		Pagination:    types.Pagination{Total: len(list), Page: page, Limit: limit},
	}
	start := (page - 1) * limit
	if start >= len(list) {
		return result
	}
	end := start + limit
	if end > len(list) {
		end = len(list)
	}
	for _, n := range list[start:end] {
		result.Notifications = append(result.Notifications, n.Clone())
	}
	return result
}

// Get returns a copy of one notification.
func (r *Repository) Get(userID, id int64) (*types.Notification, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, n := range r.byUser[userID] {
		if n.ID == id {
			return n.Clone(), nil
		}
	}
	return nil, apperrors.NotFound("Notification", id)
}

// MarkRead flags one notification read. changed is false when it already was.
func (r *Repository) MarkRead(userID, id int64) (changed bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.byUser[userID] {
		if n.ID == id {
			if n.Read {
				return false, nil
			}
			n.Read = true
			return true, nil
		}
	}
	return false, apperrors.NotFound("Notification", id)
}

// MarkAllRead flags every notification of the user read and returns how many
// changed.
func (r *Repository) MarkAllRead(userID int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	changed := 0
	for _, n := range r.byUser[userID] {
		if !n.Read {
			n.Read = true
			changed++
		}
	}
	return changed
}

// UnreadCount returns the number of unread notifications of the user.
func (r *Repository) UnreadCount(userID int64) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for _, n := range r.byUser[userID] {
		if !n.Read {
			count++
		}
	}
	return count
}

// Users returns every user with at least one stored notification.
func (r *Repository) Users() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	users := make([]int64, 0, len(r.byUser))
	for id := range r.byUser {
		users = append(users, id)
	}
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })
	return users
}

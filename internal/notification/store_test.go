package notification

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	apperrors "github.com/schoolconsole/notify-engine/errors"
	"github.com/schoolconsole/notify-engine/internal/events"
	"github.com/schoolconsole/notify-engine/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockAPI struct {
	mock.Mock
}

func (m *mockAPI) ListNotifications(ctx context.Context, page, limit int) (*types.NotificationPage, error) {
	args := m.Called(ctx, page, limit)
	p, _ := args.Get(0).(*types.NotificationPage)
	return p, args.Error(1)
}

func (m *mockAPI) MarkAsRead(ctx context.Context, id int64) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockAPI) MarkAllAsRead(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

type emitted struct {
	event   string
	payload interface{}
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []emitted
}

func (r *recordingEmitter) Emit(event string, payload interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, emitted{event: event, payload: payload})
}

func (r *recordingEmitter) named(event string) []emitted {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []emitted
	for _, e := range r.events {
		if e.event == event {
			out = append(out, e)
		}
	}
	return out
}

func makePage(total int, ids []int64, read map[int64]bool) *types.NotificationPage {
	items := make([]*types.Notification, 0, len(ids))
	for _, id := range ids {
		items = append(items, &types.Notification{ID: id, Title: "n", Read: read[id]})
	}
	return &types.NotificationPage{
		Notifications: items,
		Pagination:    types.Pagination{Total: total, Limit: len(ids)},
	}
}

func idRange(from, to int64) []int64 {
	var ids []int64
	for i := from; i <= to; i++ {
		ids = append(ids, i)
	}
	return ids
}

func ids(s State) []int64 {
	out := make([]int64, len(s.Notifications))
	for i, n := range s.Notifications {
		out[i] = n.ID
	}
	return out
}

func newTestStore(api API) (*Store, *recordingEmitter) {
	em := &recordingEmitter{}
	return NewStore(api, em, WithPageSize(20)), em
}

var ctxAny = mock.Anything

func TestStore_Pagination(t *testing.T) {
	api := &mockAPI{}
	api.On("ListNotifications", ctxAny, 1, 20).Return(makePage(25, idRange(1, 20), nil), nil).Once()
	api.On("ListNotifications", ctxAny, 2, 20).Return(makePage(25, idRange(21, 25), nil), nil).Once()
	s, _ := newTestStore(api)

	require.NoError(t, s.LoadInitial(context.Background()))
	state := s.Snapshot()
	assert.Len(t, state.Notifications, 20)
	assert.True(t, state.HasMore)
	assert.Equal(t, 20, state.UnreadCount)

	require.NoError(t, s.LoadMore(context.Background()))
	state = s.Snapshot()
	assert.Len(t, state.Notifications, 25)
	assert.False(t, state.HasMore)
	assert.Equal(t, 25, state.UnreadCount)
	assert.Equal(t, idRange(1, 25), ids(state))

	// No more pages: no request is made.
	require.NoError(t, s.LoadMore(context.Background()))
	api.AssertExpectations(t)
}

func TestStore_LoadMoreSkipsItemsAlreadyPresent(t *testing.T) {
	api := &mockAPI{}
	api.On("ListNotifications", ctxAny, 1, 20).Return(makePage(40, idRange(1, 20), nil), nil).Once()
	api.On("ListNotifications", ctxAny, 2, 20).Return(makePage(40, idRange(20, 39), nil), nil).Once()
	s, _ := newTestStore(api)

	require.NoError(t, s.LoadInitial(context.Background()))
	require.NoError(t, s.LoadMore(context.Background()))

	state := s.Snapshot()
	assert.Len(t, state.Notifications, 39)
	assert.Equal(t, 39, state.UnreadCount)
	assert.True(t, state.HasMore)
}

func TestStore_LoadInitialIsOneShot(t *testing.T) {
	api := &mockAPI{}
	api.On("ListNotifications", ctxAny, 1, 20).Return(makePage(2, []int64{1, 2}, map[int64]bool{2: true}), nil).Twice()
	s, _ := newTestStore(api)

	require.NoError(t, s.LoadInitial(context.Background()))
	require.NoError(t, s.LoadInitial(context.Background()))
	api.AssertNumberOfCalls(t, "ListNotifications", 1)
	assert.Equal(t, 1, s.UnreadCount())

	s.Reset()
	assert.Empty(t, s.Snapshot().Notifications)
	require.NoError(t, s.LoadInitial(context.Background()))
	api.AssertNumberOfCalls(t, "ListNotifications", 2)
}

func TestStore_LoadFailureKeepsState(t *testing.T) {
	api := &mockAPI{}
	api.On("ListNotifications", ctxAny, 1, 20).Return(nil, errors.New("boom")).Once()
	s, _ := newTestStore(api)
	s.OnPush(&types.Notification{ID: 5})

	err := s.Refresh(context.Background())
	require.Error(t, err)
	assert.Equal(t, []int64{5}, ids(s.Snapshot()))
	assert.False(t, s.Snapshot().Loading)
}

func TestStore_OnPush(t *testing.T) {
	s, _ := newTestStore(&mockAPI{})

	s.OnPush(&types.Notification{ID: 1})
	s.OnPush(&types.Notification{ID: 2, Read: true})
	s.OnPush(&types.Notification{ID: 1})

	state := s.Snapshot()
	assert.Equal(t, []int64{2, 1}, ids(state))
	assert.Equal(t, 2, state.UnreadCount)
	assert.False(t, state.Notifications[0].Read)
}

func TestStore_MarkAsReadRollbackScenario(t *testing.T) {
	api := &mockAPI{}
	release := make(chan struct{})
	api.On("MarkAsRead", ctxAny, int64(42)).
		Run(func(mock.Arguments) { <-release }).
		Return(errors.New("network down")).Once()
	s, em := newTestStore(api)

	s.OnPush(&types.Notification{ID: 42, Read: false})
	assert.Equal(t, 1, s.UnreadCount())

	done := make(chan error, 1)
	go func() { done <- s.MarkAsRead(context.Background(), 42) }()

	// Optimistic flip is visible before the call resolves.
	require.Eventually(t, func() bool { return s.UnreadCount() == 0 }, time.Second, 5*time.Millisecond)
	assert.True(t, s.Get(42).Read)

	close(release)
	err := <-done
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.CommandFailedError))

	assert.Equal(t, 1, s.UnreadCount())
	assert.False(t, s.Get(42).Read)

	failed := em.named(events.CommandFailed)
	require.Len(t, failed, 1)
	failure := failed[0].payload.(types.CommandFailure)
	assert.Equal(t, "mark-as-read", failure.Command)
	assert.Equal(t, int64(42), failure.NotificationID)
}

func TestStore_MarkAsReadIsIdempotent(t *testing.T) {
	api := &mockAPI{}
	api.On("MarkAsRead", ctxAny, int64(7)).Return(nil).Times(3)
	s, em := newTestStore(api)
	s.OnPush(&types.Notification{ID: 7})
	s.OnPush(&types.Notification{ID: 8})

	for i := 0; i < 3; i++ {
		require.NoError(t, s.MarkAsRead(context.Background(), 7))
	}

	assert.Equal(t, 1, s.UnreadCount())
	assert.True(t, s.Get(7).Read)
	assert.Empty(t, em.named(events.CommandFailed))
	api.AssertNumberOfCalls(t, "MarkAsRead", 3)
}

func TestStore_MarkAsReadFailureOnReadItemChangesNothing(t *testing.T) {
	api := &mockAPI{}
	api.On("MarkAsRead", ctxAny, int64(7)).Return(nil).Once()
	api.On("MarkAsRead", ctxAny, int64(7)).Return(errors.New("boom")).Once()
	s, _ := newTestStore(api)
	s.OnPush(&types.Notification{ID: 7})

	require.NoError(t, s.MarkAsRead(context.Background(), 7))
	require.Error(t, s.MarkAsRead(context.Background(), 7))

	assert.True(t, s.Get(7).Read)
	assert.Equal(t, 0, s.UnreadCount())
}

func TestStore_ReadAckDuringFailedCommandIsKept(t *testing.T) {
	api := &mockAPI{}
	release := make(chan struct{})
	api.On("MarkAsRead", ctxAny, int64(3)).
		Run(func(mock.Arguments) { <-release }).
		Return(errors.New("timeout")).Once()
	s, _ := newTestStore(api)
	s.OnPush(&types.Notification{ID: 3})

	done := make(chan error, 1)
	go func() { done <- s.MarkAsRead(context.Background(), 3) }()
	require.Eventually(t, func() bool { return s.UnreadCount() == 0 }, time.Second, 5*time.Millisecond)

	s.ApplyReadAck(3)
	close(release)
	require.Error(t, <-done)

	assert.True(t, s.Get(3).Read)
	assert.Equal(t, 0, s.UnreadCount())
}

func TestStore_MarkAllAsRead(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		api := &mockAPI{}
		api.On("ListNotifications", ctxAny, 1, 20).Return(makePage(3, []int64{1, 2, 3}, map[int64]bool{2: true}), nil)
		api.On("MarkAllAsRead", ctxAny).Return(nil).Once()
		s, _ := newTestStore(api)
		require.NoError(t, s.LoadInitial(context.Background()))

		require.NoError(t, s.MarkAllAsRead(context.Background()))
		assert.Equal(t, 0, s.UnreadCount())
		for _, n := range s.Snapshot().Notifications {
			assert.True(t, n.Read)
		}
	})

	t.Run("failure restores the flipped items", func(t *testing.T) {
		api := &mockAPI{}
		api.On("ListNotifications", ctxAny, 1, 20).Return(makePage(3, []int64{1, 2, 3}, map[int64]bool{2: true}), nil)
		api.On("MarkAllAsRead", ctxAny).Return(errors.New("boom")).Once()
		s, em := newTestStore(api)
		require.NoError(t, s.LoadInitial(context.Background()))

		err := s.MarkAllAsRead(context.Background())
		require.Error(t, err)
		assert.True(t, apperrors.IsType(err, apperrors.CommandFailedError))

		assert.Equal(t, 2, s.UnreadCount())
		assert.False(t, s.Get(1).Read)
		assert.True(t, s.Get(2).Read)
		assert.False(t, s.Get(3).Read)
		assert.Len(t, em.named(events.CommandFailed), 1)
	})
}

func TestStore_PushDuringInitialLoad(t *testing.T) {
	api := &mockAPI{}
	release := make(chan struct{})
	api.On("ListNotifications", ctxAny, 1, 20).
		Run(func(mock.Arguments) { <-release }).
		Return(makePage(3, []int64{1, 2, 3}, map[int64]bool{3: true}), nil).Once()
	s, _ := newTestStore(api)

	done := make(chan error, 1)
	go func() { done <- s.LoadInitial(context.Background()) }()
	require.Eventually(t, func() bool { return s.Snapshot().Loading }, time.Second, 5*time.Millisecond)

	s.OnPush(&types.Notification{ID: 100})
	s.OnPush(&types.Notification{ID: 2})
	close(release)
	require.NoError(t, <-done)

	state := s.Snapshot()
	assert.Equal(t, []int64{100, 1, 2, 3}, ids(state))
	assert.Equal(t, 3, state.UnreadCount)
}

func TestStore_PendingReadSurvivesInitialLoad(t *testing.T) {
	api := &mockAPI{}
	releaseList := make(chan struct{})
	releaseRead := make(chan struct{})
	api.On("ListNotifications", ctxAny, 1, 20).
		Run(func(mock.Arguments) { <-releaseList }).
		Return(makePage(2, []int64{9, 10}, nil), nil).Once()
	api.On("MarkAsRead", ctxAny, int64(9)).
		Run(func(mock.Arguments) { <-releaseRead }).
		Return(nil).Once()
	s, _ := newTestStore(api)
	s.OnPush(&types.Notification{ID: 9})

	readDone := make(chan error, 1)
	go func() { readDone <- s.MarkAsRead(context.Background(), 9) }()
	require.Eventually(t, func() bool { return s.UnreadCount() == 0 }, time.Second, 5*time.Millisecond)

	loadDone := make(chan error, 1)
	go func() { loadDone <- s.LoadInitial(context.Background()) }()
	require.Eventually(t, func() bool { return s.Snapshot().Loading }, time.Second, 5*time.Millisecond)
	close(releaseList)
	require.NoError(t, <-loadDone)

	assert.True(t, s.Get(9).Read)
	assert.Equal(t, 1, s.UnreadCount())

	close(releaseRead)
	require.NoError(t, <-readDone)
	assert.True(t, s.Get(9).Read)
}

func TestStore_ResetDiscardsInFlightLoad(t *testing.T) {
	api := &mockAPI{}
	release := make(chan struct{})
	api.On("ListNotifications", ctxAny, 1, 20).
		Run(func(mock.Arguments) { <-release }).
		Return(makePage(1, []int64{1}, nil), nil).Once()
	s, _ := newTestStore(api)

	done := make(chan error, 1)
	go func() { done <- s.LoadInitial(context.Background()) }()
	require.Eventually(t, func() bool { return s.Snapshot().Loading }, time.Second, 5*time.Millisecond)

	s.Reset()
	close(release)
	require.NoError(t, <-done)

	assert.Empty(t, s.Snapshot().Notifications)
	assert.Equal(t, 0, s.UnreadCount())
}

func TestStore_ReadAckAndCountSync(t *testing.T) {
	s, _ := newTestStore(&mockAPI{})
	s.OnPush(&types.Notification{ID: 1})
	s.OnPush(&types.Notification{ID: 2})

	s.ApplyReadAck(1)
	s.ApplyReadAck(1)
	s.ApplyReadAck(99)
	assert.Equal(t, 1, s.UnreadCount())
	assert.True(t, s.Get(1).Read)

	s.ApplyCountSync(12)
	assert.Equal(t, 12, s.UnreadCount())
	s.ApplyCountSync(-3)
	assert.Equal(t, 0, s.UnreadCount())
}

func TestStore_Bind(t *testing.T) {
	d := events.NewDispatcher(nil)
	s, _ := newTestStore(&mockAPI{})
	unbind := s.Bind(d)

	d.Emit(events.NewNotification, &types.Notification{ID: 4})
	d.Emit(events.NotificationRead, types.ReadAck{NotificationID: 4, UserID: 1})
	assert.True(t, s.Get(4).Read)

	d.Emit(events.UnreadCountUpdate, types.UnreadCountUpdate{UnreadCount: 5, UserID: 1})
	assert.Equal(t, 5, s.UnreadCount())

	unbind()
	d.Emit(events.NewNotification, &types.Notification{ID: 6})
	assert.Nil(t, s.Get(6))
}

func TestStore_SnapshotIsACopy(t *testing.T) {
	s, _ := newTestStore(&mockAPI{})
	s.OnPush(&types.Notification{ID: 1})

	snap := s.Snapshot()
	snap.Notifications[0].Read = true

	assert.False(t, s.Get(1).Read)
}

func TestStore_CounterDeltasDuringInitialLoad(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(api *mockAPI)
		during   func(t *testing.T, s *Store)
		want     int
		wantIDs  []int64
		wantRead map[int64]bool
	}{
		{
			name: "sync then push",
			during: func(t *testing.T, s *Store) {
				s.ApplyCountSync(5)
				s.OnPush(&types.Notification{ID: 100})
			},
			want:     6,
			wantIDs:  []int64{100, 1, 2, 3},
			wantRead: map[int64]bool{100: false},
		},
		{
			name: "push then sync",
			during: func(t *testing.T, s *Store) {
				s.OnPush(&types.Notification{ID: 100})
				s.ApplyCountSync(5)
			},
			want:    5,
			wantIDs: []int64{100, 1, 2, 3},
		},
		{
			name: "sync then mark-read",
			setup: func(api *mockAPI) {
				api.On("MarkAsRead", ctxAny, int64(100)).Return(nil).Once()
			},
			during: func(t *testing.T, s *Store) {
				s.ApplyCountSync(4)
				s.OnPush(&types.Notification{ID: 100})
				require.NoError(t, s.MarkAsRead(context.Background(), 100))
			},
			want:     4,
			wantIDs:  []int64{100, 1, 2, 3},
			wantRead: map[int64]bool{100: true},
		},
		{
			name: "sync then failed mark-read",
			setup: func(api *mockAPI) {
				api.On("MarkAsRead", ctxAny, int64(100)).Return(errors.New("offline")).Once()
			},
			during: func(t *testing.T, s *Store) {
				s.ApplyCountSync(4)
				s.OnPush(&types.Notification{ID: 100})
				require.Error(t, s.MarkAsRead(context.Background(), 100))
			},
			want:     5,
			wantIDs:  []int64{100, 1, 2, 3},
			wantRead: map[int64]bool{100: false},
		},
		{
			name: "ack then push",
			during: func(t *testing.T, s *Store) {
				s.ApplyReadAck(1)
				s.OnPush(&types.Notification{ID: 100})
			},
			want:     2,
			wantIDs:  []int64{100, 1, 2, 3},
			wantRead: map[int64]bool{1: true, 2: false, 100: false},
		},
		{
			name: "sync then ack on pushed item then push",
			during: func(t *testing.T, s *Store) {
				s.ApplyCountSync(3)
				s.OnPush(&types.Notification{ID: 100})
				s.ApplyReadAck(100)
				s.OnPush(&types.Notification{ID: 101})
			},
			want:     4,
			wantIDs:  []int64{101, 100, 1, 2, 3},
			wantRead: map[int64]bool{100: true, 101: false},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &mockAPI{}
			release := make(chan struct{})
			api.On("ListNotifications", ctxAny, 1, 20).
				Run(func(mock.Arguments) { <-release }).
				Return(makePage(3, []int64{1, 2, 3}, map[int64]bool{3: true}), nil).Once()
			if tt.setup != nil {
				tt.setup(api)
			}
			s, _ := newTestStore(api)

			done := make(chan error, 1)
			go func() { done <- s.LoadInitial(context.Background()) }()
			require.Eventually(t, func() bool { return s.Snapshot().Loading }, time.Second, 5*time.Millisecond)

			tt.during(t, s)
			close(release)
			require.NoError(t, <-done)

			state := s.Snapshot()
			assert.Equal(t, tt.wantIDs, ids(state))
			assert.Equal(t, tt.want, state.UnreadCount)
			for id, read := range tt.wantRead {
				assert.Equal(t, read, s.Get(id).Read, "notification %d", id)
			}
			api.AssertExpectations(t)
		})
	}
}

func TestStore_FailedMarkReadRestoresItemForcedReadByLoad(t *testing.T) {
	api := &mockAPI{}
	releaseList := make(chan struct{})
	releaseRead := make(chan struct{})
	readStarted := make(chan struct{})
	api.On("ListNotifications", ctxAny, 1, 20).
		Run(func(mock.Arguments) { <-releaseList }).
		Return(makePage(1, []int64{7}, nil), nil).Once()
	api.On("MarkAsRead", ctxAny, int64(7)).
		Run(func(mock.Arguments) {
			close(readStarted)
			<-releaseRead
		}).
		Return(errors.New("network down")).Once()
	s, em := newTestStore(api)

	loadDone := make(chan error, 1)
	go func() { loadDone <- s.Refresh(context.Background()) }()
	require.Eventually(t, func() bool { return s.Snapshot().Loading }, time.Second, 5*time.Millisecond)

	// Not loaded yet, so nothing flips locally.
	readDone := make(chan error, 1)
	go func() { readDone <- s.MarkAsRead(context.Background(), 7) }()
	<-readStarted
	assert.Nil(t, s.Get(7))

	close(releaseList)
	require.NoError(t, <-loadDone)
	assert.True(t, s.Get(7).Read)
	assert.Equal(t, 0, s.UnreadCount())

	close(releaseRead)
	require.Error(t, <-readDone)
	assert.False(t, s.Get(7).Read)
	assert.Equal(t, 1, s.UnreadCount())
	assert.Len(t, em.named(events.CommandFailed), 1)
}

package service

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"roombook/internal/clock"
	"roombook/internal/domain"
	"roombook/internal/events"
	"roombook/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockRooms struct {
	mock.Mock
}

func (m *mockRooms) Exists(ctx context.Context, roomID string) (bool, error) {
	args := m.Called(ctx, roomID)
	return args.Bool(0), args.Error(1)
}

func (m *mockRooms) GetRoom(ctx context.Context, roomID string) (*models.Room, error) {
	args := m.Called(ctx, roomID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Room), args.Error(1)
}

func (m *mockRooms) ListRooms(ctx context.Context) ([]*models.Room, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Room), args.Error(1)
}

type mockStore struct {
	mock.Mock
}

func (m *mockStore) FindByID(ctx context.Context, id int64) (*models.Reservation, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Reservation), args.Error(1)
}

func (m *mockStore) FindActiveByRoom(ctx context.Context, roomID string) ([]*models.Reservation, error) {
	args := m.Called(ctx, roomID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Reservation), args.Error(1)
}

func (m *mockStore) Save(ctx context.Context, r *models.Reservation) error {
	return m.Called(ctx, r).Error(0)
}

func (m *mockStore) FindByOwner(ctx context.Context, requesterID int64) ([]*models.Reservation, error) {
	args := m.Called(ctx, requesterID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Reservation), args.Error(1)
}

func (m *mockStore) FindByRoom(ctx context.Context, roomID string) ([]*models.Reservation, error) {
	args := m.Called(ctx, roomID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Reservation), args.Error(1)
}

func (m *mockStore) FindByStatus(ctx context.Context, status models.Status) ([]*models.Reservation, error) {
	args := m.Called(ctx, status)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Reservation), args.Error(1)
}

func (m *mockStore) WithinRoomTx(ctx context.Context, roomID string, fn func(tx domain.ReservationTx) error) error {
	if err := m.Called(ctx, roomID).Error(0); err != nil {
		return err
	}
	return fn(m)
}

type mockLocker struct {
	mock.Mock
	unlocked int
}

func (m *mockLocker) Lock(ctx context.Context, roomID string) (func(), error) {
	if err := m.Called(ctx, roomID).Error(0); err != nil {
		return nil, err
	}
	return func() { m.unlocked++ }, nil
}

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) PublishJSON(eventType string, payload interface{}) error {
	return m.Called(eventType, payload).Error(0)
}

type fixture struct {
	rooms  *mockRooms
	store  *mockStore
	locker *mockLocker
	bus    *mockPublisher
	clock  *clock.MockClock
	svc    *ReservationService
}

func newFixture() *fixture {
	f := &fixture{
		rooms:  new(mockRooms),
		store:  new(mockStore),
		locker: new(mockLocker),
		bus:    new(mockPublisher),
		clock:  clock.NewMockClock(day.Add(-24 * time.Hour)),
	}
	logger := zerolog.New(io.Discard)
	f.svc = NewReservationService(f.rooms, f.store, f.locker, f.bus, f.clock, 30, &logger)
	return f
}

var (
	student   = models.Caller{ID: 3, Role: models.RoleNone}
	professor = models.Caller{ID: 7, Role: models.RoleBookingCapable}
	admin     = models.Caller{ID: 1, Role: models.RoleElevated}
)

func copyOf(r *models.Reservation) *models.Reservation {
	c := *r
	return &c
}

func TestCreate_Validation(t *testing.T) {
	tests := []struct {
		name    string
		caller  models.Caller
		iv      models.Interval
		purpose string
		setup   func(f *fixture)
		want    error
	}{
		{
			name:   "role checked before everything else",
			caller: student,
			iv:     models.Interval{},
			want:   ErrUnauthorized,
		},
		{
			name:   "zero start",
			caller: professor,
			iv:     models.Interval{End: day},
			want:   ErrInvalidInterval,
		},
		{
			name:   "empty interval",
			caller: professor,
			iv:     hours(10, 10),
			want:   ErrInvalidInterval,
		},
		{
			name:   "reversed interval",
			caller: professor,
			iv:     hours(12, 10),
			want:   ErrInvalidInterval,
		},
		{
			name:   "start in the past",
			caller: admin,
			iv:     hours(8, 10),
			setup:  func(f *fixture) { f.clock.Set(day.Add(9 * time.Hour)) },
			want:   ErrPastBooking,
		},
		{
			name:   "beyond booking horizon",
			caller: professor,
			iv:     models.NewInterval(day.AddDate(0, 0, 40), day.AddDate(0, 0, 40).Add(time.Hour)),
			want:   ErrInvalidInterval,
		},
		{
			name:    "purpose too long",
			caller:  professor,
			iv:      hours(8, 10),
			purpose: strings.Repeat("x", models.MaxPurposeLength+1),
			want:    ErrInvalidRequest,
		},
		{
			name:   "unknown room",
			caller: professor,
			iv:     hours(8, 10),
			setup: func(f *fixture) {
				f.rooms.On("Exists", mock.Anything, "T101").Return(false, nil)
			},
			want: ErrRoomNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			if tt.setup != nil {
				tt.setup(f)
			}

			res, err := f.svc.Create(context.Background(), CreateRequest{
				RoomID:   "T101",
				Caller:   tt.caller,
				Interval: tt.iv,
				Purpose:  tt.purpose,
			})
			assert.Nil(t, res)
			assert.ErrorIs(t, err, tt.want)
			f.store.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)
			f.locker.AssertNotCalled(t, "Lock", mock.Anything, mock.Anything)
		})
	}
}

func TestCreate_InitialStatusByRole(t *testing.T) {
	tests := []struct {
		caller models.Caller
		want   models.Status
	}{
		{professor, models.StatusPending},
		{admin, models.StatusApproved},
	}

	for _, tt := range tests {
		t.Run(tt.caller.Role.String(), func(t *testing.T) {
			f := newFixture()
			f.rooms.On("Exists", mock.Anything, "T101").Return(true, nil)
			f.locker.On("Lock", mock.Anything, "T101").Return(nil)
			f.store.On("WithinRoomTx", mock.Anything, "T101").Return(nil)
			f.store.On("FindActiveByRoom", mock.Anything, "T101").Return([]*models.Reservation{
				reservation(9, "T101", hours(10, 12), models.StatusApproved),
			}, nil)
			f.store.On("Save", mock.Anything, mock.AnythingOfType("*models.Reservation")).
				Run(func(args mock.Arguments) { args.Get(1).(*models.Reservation).ID = 42 }).
				Return(nil)
			f.bus.On("PublishJSON", events.EventReservationCreated, mock.MatchedBy(func(p events.ReservationEventPayload) bool {
				return p.ReservationID == 42 && p.Status == string(tt.want)
			})).Return(nil)

			res, err := f.svc.Create(context.Background(), CreateRequest{
				RoomID:   "T101",
				Caller:   tt.caller,
				Interval: hours(8, 10),
				Purpose:  "  lecture  ",
			})
			require.NoError(t, err)
			assert.Equal(t, int64(42), res.ID)
			assert.Equal(t, tt.want, res.Status)
			assert.Equal(t, tt.caller.ID, res.RequesterID)
			assert.Equal(t, "lecture", res.Purpose)
			assert.Equal(t, f.clock.Now(), res.CreatedAt)
			assert.Equal(t, 1, f.locker.unlocked)
			f.bus.AssertExpectations(t)
		})
	}
}

func TestCreate_Conflict(t *testing.T) {
	f := newFixture()
	f.rooms.On("Exists", mock.Anything, "T101").Return(true, nil)
	f.locker.On("Lock", mock.Anything, "T101").Return(nil)
	f.store.On("WithinRoomTx", mock.Anything, "T101").Return(nil)
	f.store.On("FindActiveByRoom", mock.Anything, "T101").Return([]*models.Reservation{
		reservation(5, "T101", hours(8, 10), models.StatusPending),
		reservation(6, "T101", hours(11, 12), models.StatusApproved),
	}, nil)

	_, err := f.svc.Create(context.Background(), CreateRequest{
		RoomID:   "T101",
		Caller:   admin,
		Interval: hours(9, 12),
	})
	require.ErrorIs(t, err, ErrSlotConflict)

	var e *Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, []int64{5, 6}, e.ConflictIDs)
	assert.Equal(t, "T101", e.RoomID)
	assert.Equal(t, opCreate, e.Op)
	assert.False(t, IsStorage(err))

	f.store.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)
	f.bus.AssertNotCalled(t, "PublishJSON", mock.Anything, mock.Anything)
	assert.Equal(t, 1, f.locker.unlocked)
}

func TestCreate_InfrastructureFailures(t *testing.T) {
	req := CreateRequest{RoomID: "T101", Caller: professor, Interval: hours(8, 10)}
	dbErr := errors.New("disk I/O error")

	t.Run("RoomDirectory", func(t *testing.T) {
		f := newFixture()
		f.rooms.On("Exists", mock.Anything, "T101").Return(false, dbErr)

		_, err := f.svc.Create(context.Background(), req)
		assert.True(t, IsStorage(err))
		assert.ErrorIs(t, err, dbErr)
	})

	t.Run("Lock", func(t *testing.T) {
		f := newFixture()
		f.rooms.On("Exists", mock.Anything, "T101").Return(true, nil)
		f.locker.On("Lock", mock.Anything, "T101").Return(context.DeadlineExceeded)

		_, err := f.svc.Create(context.Background(), req)
		assert.True(t, IsStorage(err))
		f.store.AssertNotCalled(t, "WithinRoomTx", mock.Anything, mock.Anything)
	})

	t.Run("Transaction", func(t *testing.T) {
		f := newFixture()
		f.rooms.On("Exists", mock.Anything, "T101").Return(true, nil)
		f.locker.On("Lock", mock.Anything, "T101").Return(nil)
		f.store.On("WithinRoomTx", mock.Anything, "T101").Return(dbErr)

		_, err := f.svc.Create(context.Background(), req)
		assert.True(t, IsStorage(err))
		assert.Equal(t, 1, f.locker.unlocked)
	})

	t.Run("Save", func(t *testing.T) {
		f := newFixture()
		f.rooms.On("Exists", mock.Anything, "T101").Return(true, nil)
		f.locker.On("Lock", mock.Anything, "T101").Return(nil)
		f.store.On("WithinRoomTx", mock.Anything, "T101").Return(nil)
		f.store.On("FindActiveByRoom", mock.Anything, "T101").Return([]*models.Reservation{}, nil)
		f.store.On("Save", mock.Anything, mock.Anything).Return(dbErr)

		_, err := f.svc.Create(context.Background(), req)
		assert.True(t, IsStorage(err))
		f.bus.AssertNotCalled(t, "PublishJSON", mock.Anything, mock.Anything)
	})

	t.Run("PublishFailureIsNotFatal", func(t *testing.T) {
		f := newFixture()
		f.rooms.On("Exists", mock.Anything, "T101").Return(true, nil)
		f.locker.On("Lock", mock.Anything, "T101").Return(nil)
		f.store.On("WithinRoomTx", mock.Anything, "T101").Return(nil)
		f.store.On("FindActiveByRoom", mock.Anything, "T101").Return([]*models.Reservation{}, nil)
		f.store.On("Save", mock.Anything, mock.Anything).Return(nil)
		f.bus.On("PublishJSON", mock.Anything, mock.Anything).Return(errors.New("bus closed"))

		res, err := f.svc.Create(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, models.StatusPending, res.Status)
	})
}

func TestApprove(t *testing.T) {
	pending := reservation(10, "T101", hours(8, 10), models.StatusPending)

	t.Run("RequiresElevatedRole", func(t *testing.T) {
		f := newFixture()
		_, err := f.svc.Approve(context.Background(), 10, professor)
		assert.ErrorIs(t, err, ErrUnauthorized)
		f.store.AssertNotCalled(t, "FindByID", mock.Anything, mock.Anything)
	})

	t.Run("NotFound", func(t *testing.T) {
		f := newFixture()
		f.store.On("FindByID", mock.Anything, int64(10)).Return(nil, domain.ErrNotFound)

		_, err := f.svc.Approve(context.Background(), 10, admin)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.False(t, IsStorage(err))
	})

	t.Run("LookupFailure", func(t *testing.T) {
		f := newFixture()
		f.store.On("FindByID", mock.Anything, int64(10)).Return(nil, errors.New("database is locked"))

		_, err := f.svc.Approve(context.Background(), 10, admin)
		assert.True(t, IsStorage(err))
	})

	t.Run("OnlyFromPending", func(t *testing.T) {
		for _, status := range []models.Status{models.StatusApproved, models.StatusRefused, models.StatusCancelled} {
			f := newFixture()
			r := copyOf(pending)
			r.Status = status
			f.store.On("FindByID", mock.Anything, int64(10)).Return(r, nil)

			_, err := f.svc.Approve(context.Background(), 10, admin)
			assert.ErrorIs(t, err, ErrInvalidState, status)
		}
	})

	t.Run("ReValidatesOverlap", func(t *testing.T) {
		f := newFixture()
		f.store.On("FindByID", mock.Anything, int64(10)).Return(copyOf(pending), nil)
		f.locker.On("Lock", mock.Anything, "T101").Return(nil)
		f.store.On("WithinRoomTx", mock.Anything, "T101").Return(nil)
		f.store.On("FindActiveByRoom", mock.Anything, "T101").Return([]*models.Reservation{
			copyOf(pending),
			reservation(11, "T101", hours(9, 11), models.StatusApproved),
		}, nil)

		_, err := f.svc.Approve(context.Background(), 10, admin)
		require.ErrorIs(t, err, ErrSlotConflict)

		var e *Error
		require.True(t, errors.As(err, &e))
		assert.Equal(t, []int64{11}, e.ConflictIDs)
		assert.Equal(t, int64(10), e.ReservationID)
		f.store.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)
	})

	t.Run("Success", func(t *testing.T) {
		f := newFixture()
		f.store.On("FindByID", mock.Anything, int64(10)).Return(copyOf(pending), nil).Once()
		f.store.On("FindByID", mock.Anything, int64(10)).Return(copyOf(pending), nil).Once()
		f.locker.On("Lock", mock.Anything, "T101").Return(nil)
		f.store.On("WithinRoomTx", mock.Anything, "T101").Return(nil)
		f.store.On("FindActiveByRoom", mock.Anything, "T101").Return([]*models.Reservation{copyOf(pending)}, nil)
		f.store.On("Save", mock.Anything, mock.MatchedBy(func(r *models.Reservation) bool {
			return r.ID == 10 && r.Status == models.StatusApproved
		})).Return(nil)
		f.bus.On("PublishJSON", events.EventReservationApproved, mock.Anything).Return(nil)

		f.clock.Add(time.Hour)
		res, err := f.svc.Approve(context.Background(), 10, admin)
		require.NoError(t, err)
		assert.Equal(t, models.StatusApproved, res.Status)
		assert.Equal(t, f.clock.Now(), res.UpdatedAt)
		f.store.AssertExpectations(t)
		f.bus.AssertExpectations(t)
	})
}

func TestRefuse(t *testing.T) {
	pending := reservation(20, "T101", hours(8, 10), models.StatusPending)

	t.Run("RequiresElevatedRole", func(t *testing.T) {
		f := newFixture()
		_, err := f.svc.Refuse(context.Background(), 20, professor)
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("Success", func(t *testing.T) {
		f := newFixture()
		f.store.On("FindByID", mock.Anything, int64(20)).Return(copyOf(pending), nil)
		f.store.On("Save", mock.Anything, mock.Anything).Return(nil)
		f.bus.On("PublishJSON", events.EventReservationRefused, mock.Anything).Return(nil)

		res, err := f.svc.Refuse(context.Background(), 20, admin)
		require.NoError(t, err)
		assert.Equal(t, models.StatusRefused, res.Status)
		f.locker.AssertNotCalled(t, "Lock", mock.Anything, mock.Anything)
	})

	t.Run("ApprovedCannotBeRefused", func(t *testing.T) {
		f := newFixture()
		r := copyOf(pending)
		r.Status = models.StatusApproved
		f.store.On("FindByID", mock.Anything, int64(20)).Return(r, nil)

		_, err := f.svc.Refuse(context.Background(), 20, admin)
		assert.ErrorIs(t, err, ErrInvalidState)
	})

	t.Run("LostRaceSeesWinnerState", func(t *testing.T) {
		f := newFixture()
		cancelled := copyOf(pending)
		cancelled.Status = models.StatusCancelled
		cancelled.Version = 1
		f.store.On("FindByID", mock.Anything, int64(20)).Return(copyOf(pending), nil).Once()
		f.store.On("FindByID", mock.Anything, int64(20)).Return(cancelled, nil).Once()
		f.store.On("Save", mock.Anything, mock.Anything).Return(domain.ErrConcurrentModification).Once()

		_, err := f.svc.Refuse(context.Background(), 20, admin)
		assert.ErrorIs(t, err, ErrInvalidState)
		f.store.AssertNumberOfCalls(t, "Save", 1)
	})

	t.Run("RetriesExhausted", func(t *testing.T) {
		f := newFixture()
		for i := 0; i < maxTransitionAttempts; i++ {
			f.store.On("FindByID", mock.Anything, int64(20)).Return(copyOf(pending), nil).Once()
		}
		f.store.On("Save", mock.Anything, mock.Anything).Return(domain.ErrConcurrentModification)

		_, err := f.svc.Refuse(context.Background(), 20, admin)
		assert.True(t, IsStorage(err))
		assert.ErrorIs(t, err, domain.ErrConcurrentModification)
		f.store.AssertNumberOfCalls(t, "Save", maxTransitionAttempts)
	})
}

func TestCancel(t *testing.T) {
	approved := reservation(30, "T101", hours(8, 10), models.StatusApproved)
	approved.RequesterID = professor.ID

	t.Run("Owner", func(t *testing.T) {
		f := newFixture()
		f.store.On("FindByID", mock.Anything, int64(30)).Return(copyOf(approved), nil)
		f.store.On("Save", mock.Anything, mock.Anything).Return(nil)
		f.bus.On("PublishJSON", events.EventReservationCancelled, mock.Anything).Return(nil)

		res, err := f.svc.Cancel(context.Background(), 30, professor)
		require.NoError(t, err)
		assert.Equal(t, models.StatusCancelled, res.Status)
	})

	t.Run("Elevated", func(t *testing.T) {
		f := newFixture()
		f.store.On("FindByID", mock.Anything, int64(30)).Return(copyOf(approved), nil)
		f.store.On("Save", mock.Anything, mock.Anything).Return(nil)
		f.bus.On("PublishJSON", mock.Anything, mock.Anything).Return(nil)

		_, err := f.svc.Cancel(context.Background(), 30, admin)
		require.NoError(t, err)
	})

	t.Run("OtherBookingCapableUser", func(t *testing.T) {
		f := newFixture()
		f.store.On("FindByID", mock.Anything, int64(30)).Return(copyOf(approved), nil)

		_, err := f.svc.Cancel(context.Background(), 30, models.Caller{ID: 99, Role: models.RoleBookingCapable})
		assert.ErrorIs(t, err, ErrUnauthorized)
		f.store.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)
	})

	t.Run("TerminalStates", func(t *testing.T) {
		for _, status := range []models.Status{models.StatusRefused, models.StatusCancelled} {
			f := newFixture()
			r := copyOf(approved)
			r.Status = status
			f.store.On("FindByID", mock.Anything, int64(30)).Return(r, nil)

			_, err := f.svc.Cancel(context.Background(), 30, admin)
			assert.ErrorIs(t, err, ErrInvalidState, status)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		f := newFixture()
		f.store.On("FindByID", mock.Anything, int64(31)).Return(nil, domain.ErrNotFound)

		_, err := f.svc.Cancel(context.Background(), 31, admin)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestQueries(t *testing.T) {
	own := reservation(40, "T101", hours(8, 10), models.StatusPending)
	own.RequesterID = professor.ID

	t.Run("GetByOwner", func(t *testing.T) {
		f := newFixture()
		f.store.On("FindByID", mock.Anything, int64(40)).Return(own, nil)

		res, err := f.svc.Get(context.Background(), 40, professor)
		require.NoError(t, err)
		assert.Equal(t, own, res)
	})

	t.Run("GetByStranger", func(t *testing.T) {
		f := newFixture()
		f.store.On("FindByID", mock.Anything, int64(40)).Return(own, nil)

		_, err := f.svc.Get(context.Background(), 40, student)
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("PendingQueueRequiresElevated", func(t *testing.T) {
		f := newFixture()
		_, err := f.svc.ListPending(context.Background(), professor)
		assert.ErrorIs(t, err, ErrUnauthorized)

		f.store.On("FindByStatus", mock.Anything, models.StatusPending).Return([]*models.Reservation{own}, nil)
		list, err := f.svc.ListPending(context.Background(), admin)
		require.NoError(t, err)
		assert.Len(t, list, 1)
	})

	t.Run("ListActiveForUnknownRoom", func(t *testing.T) {
		f := newFixture()
		f.rooms.On("Exists", mock.Anything, "Z999").Return(false, nil)

		_, err := f.svc.ListActiveForRoom(context.Background(), "Z999")
		assert.ErrorIs(t, err, ErrRoomNotFound)
	})

	t.Run("ListMineStorageFailure", func(t *testing.T) {
		f := newFixture()
		f.store.On("FindByOwner", mock.Anything, professor.ID).Return(nil, errors.New("boom"))

		_, err := f.svc.ListMine(context.Background(), professor)
		assert.True(t, IsStorage(err))
	})

	t.Run("CheckAvailability", func(t *testing.T) {
		f := newFixture()
		f.rooms.On("Exists", mock.Anything, "T101").Return(true, nil)
		f.store.On("FindActiveByRoom", mock.Anything, "T101").Return([]*models.Reservation{own}, nil)

		ids, err := f.svc.CheckAvailability(context.Background(), "T101", hours(9, 11))
		require.NoError(t, err)
		assert.Equal(t, []int64{40}, ids)

		ids, err = f.svc.CheckAvailability(context.Background(), "T101", hours(10, 11))
		require.NoError(t, err)
		assert.Empty(t, ids)

		_, err = f.svc.CheckAvailability(context.Background(), "T101", hours(11, 10))
		assert.ErrorIs(t, err, ErrInvalidInterval)
	})
}

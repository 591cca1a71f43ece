package service

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"roombook/internal/domain"
	"roombook/internal/events"
	"roombook/internal/metrics"
	"roombook/internal/models"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
)

const (
	opCreate  = "create"
	opApprove = "approve"
	opRefuse  = "refuse"
	opCancel  = "cancel"
	opGet     = "get"
	opList    = "list"

	maxTransitionAttempts = 3
)

// CreateRequest carries everything Create needs. Caller is the authenticated identity.
type CreateRequest struct {
	RoomID       string
	Caller       models.Caller
	Interval     models.Interval
	Purpose      string
	CourseUnitID *int64
}

// ReservationService owns the reservation lifecycle: creation, approval,
// refusal and cancellation, and the guarantee that active reservations of one
// room never overlap.
type ReservationService struct {
	rooms          domain.RoomDirectory
	store          domain.ReservationStore
	locker         domain.RoomLocker
	eventBus       domain.EventPublisher
	clock          domain.Clock
	maxAdvanceDays int
	lockTimeout    time.Duration
	logger         *zerolog.Logger
}

func NewReservationService(
	rooms domain.RoomDirectory,
	store domain.ReservationStore,
	locker domain.RoomLocker,
	eventBus domain.EventPublisher,
	clock domain.Clock,
	maxAdvanceDays int,
	logger *zerolog.Logger,
) *ReservationService {
	if maxAdvanceDays <= 0 {
		maxAdvanceDays = models.DefaultMaxAdvanceDays
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &ReservationService{
		rooms:          rooms,
		store:          store,
		locker:         locker,
		eventBus:       eventBus,
		clock:          clock,
		maxAdvanceDays: maxAdvanceDays,
		lockTimeout:    models.DefaultLockTimeout,
		logger:         logger,
	}
}

// Create validates the request and inserts a reservation if the slot is free.
// Elevated callers get an APPROVED reservation, others a PENDING one.
func (s *ReservationService) Create(ctx context.Context, req CreateRequest) (*models.Reservation, error) {
	if !req.Caller.Role.CanBook() {
		return nil, newError(opCreate, ErrUnauthorized).withDetail("role %s cannot book rooms", req.Caller.Role)
	}

	if err := s.validateInterval(opCreate, req.RoomID, req.Interval); err != nil {
		return nil, err
	}

	purpose := strings.TrimSpace(req.Purpose)
	if utf8.RuneCountInString(purpose) > models.MaxPurposeLength {
		return nil, newError(opCreate, ErrInvalidRequest).withDetail("purpose exceeds %d characters", models.MaxPurposeLength)
	}

	exists, err := s.rooms.Exists(ctx, req.RoomID)
	if err != nil {
		return nil, storageErr(opCreate, err)
	}
	if !exists {
		e := newError(opCreate, ErrRoomNotFound)
		e.RoomID = req.RoomID
		return nil, e
	}

	status := models.StatusPending
	if req.Caller.Role.IsElevated() {
		status = models.StatusApproved
	}

	now := s.clock.Now()
	res := &models.Reservation{
		RoomID:       req.RoomID,
		RequesterID:  req.Caller.ID,
		Start:        req.Interval.Start,
		End:          req.Interval.End,
		Purpose:      purpose,
		Status:       status,
		CourseUnitID: req.CourseUnitID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	err = s.withRoom(ctx, opCreate, req.RoomID, func(tx domain.ReservationTx) error {
		active, err := tx.FindActiveByRoom(ctx, req.RoomID)
		if err != nil {
			return storageErr(opCreate, err)
		}
		if ids := DetectConflicts(req.RoomID, req.Interval, active, 0); len(ids) > 0 {
			iv := req.Interval
			return &Error{Op: opCreate, Kind: ErrSlotConflict, RoomID: req.RoomID, Interval: &iv, ConflictIDs: ids}
		}
		if err := tx.Save(ctx, res); err != nil {
			return storageErr(opCreate, err)
		}
		return nil
	})
	if err != nil {
		s.logFailure(opCreate, err, req.RoomID, 0, req.Caller)
		return nil, err
	}

	metrics.IncCreated(string(res.Status))
	s.publishEvent(events.EventReservationCreated, res, req.Caller)
	s.logger.Info().
		Int64("reservation_id", res.ID).
		Str("room_id", res.RoomID).
		Int64("requester_id", res.RequesterID).
		Str("status", string(res.Status)).
		Time("start", res.Start).
		Time("end", res.End).
		Msg("reservation created")

	return res, nil
}

// Approve moves a PENDING reservation to APPROVED after re-checking that it
// still does not overlap another active reservation.
func (s *ReservationService) Approve(ctx context.Context, id int64, caller models.Caller) (*models.Reservation, error) {
	if !caller.Role.IsElevated() {
		e := newError(opApprove, ErrUnauthorized)
		e.ReservationID = id
		return nil, e
	}

	current, err := s.load(ctx, opApprove, id)
	if err != nil {
		return nil, err
	}
	if !current.Status.CanTransitionTo(models.StatusApproved) {
		return nil, newError(opApprove, ErrInvalidState).withReservation(current)
	}

	var approved *models.Reservation
	err = s.withRoom(ctx, opApprove, current.RoomID, func(tx domain.ReservationTx) error {
		r, err := tx.FindByID(ctx, id)
		if err != nil {
			return s.lookupErr(opApprove, id, err)
		}
		if !r.Status.CanTransitionTo(models.StatusApproved) {
			return newError(opApprove, ErrInvalidState).withReservation(r)
		}

		active, err := tx.FindActiveByRoom(ctx, r.RoomID)
		if err != nil {
			return storageErr(opApprove, err)
		}
		if ids := DetectConflicts(r.RoomID, r.Interval(), active, r.ID); len(ids) > 0 {
			e := newError(opApprove, ErrSlotConflict).withReservation(r)
			e.ConflictIDs = ids
			return e
		}

		r.Status = models.StatusApproved
		r.UpdatedAt = s.clock.Now()
		if err := tx.Save(ctx, r); err != nil {
			return storageErr(opApprove, err)
		}
		approved = r
		return nil
	})
	if err != nil {
		s.logFailure(opApprove, err, current.RoomID, id, caller)
		return nil, err
	}

	s.afterTransition(events.EventReservationApproved, approved, caller)
	return approved, nil
}

// Refuse moves a PENDING reservation to REFUSED.
func (s *ReservationService) Refuse(ctx context.Context, id int64, caller models.Caller) (*models.Reservation, error) {
	if !caller.Role.IsElevated() {
		e := newError(opRefuse, ErrUnauthorized)
		e.ReservationID = id
		return nil, e
	}

	refused, err := s.transition(ctx, opRefuse, id, models.StatusRefused, func(*models.Reservation) error { return nil })
	if err != nil {
		s.logFailure(opRefuse, err, "", id, caller)
		return nil, err
	}

	s.afterTransition(events.EventReservationRefused, refused, caller)
	return refused, nil
}

// Cancel moves a PENDING or APPROVED reservation to CANCELLED. Only the owner
// or an elevated caller may cancel.
func (s *ReservationService) Cancel(ctx context.Context, id int64, caller models.Caller) (*models.Reservation, error) {
	cancelled, err := s.transition(ctx, opCancel, id, models.StatusCancelled, func(r *models.Reservation) error {
		if r.OwnedBy(caller.ID) || caller.Role.IsElevated() {
			return nil
		}
		return newError(opCancel, ErrUnauthorized).withReservation(r).withDetail("caller %d is not the owner", caller.ID)
	})
	if err != nil {
		s.logFailure(opCancel, err, "", id, caller)
		return nil, err
	}

	s.afterTransition(events.EventReservationCancelled, cancelled, caller)
	return cancelled, nil
}

// Get returns one reservation to its owner or to an elevated caller.
func (s *ReservationService) Get(ctx context.Context, id int64, caller models.Caller) (*models.Reservation, error) {
	r, err := s.load(ctx, opGet, id)
	if err != nil {
		return nil, err
	}
	if !r.OwnedBy(caller.ID) && !caller.Role.IsElevated() {
		return nil, newError(opGet, ErrUnauthorized).withReservation(r)
	}
	return r, nil
}

// ListActiveForRoom returns the PENDING and APPROVED reservations of a room ordered by start.
func (s *ReservationService) ListActiveForRoom(ctx context.Context, roomID string) ([]*models.Reservation, error) {
	if err := s.ensureRoom(ctx, opList, roomID); err != nil {
		return nil, err
	}
	list, err := s.store.FindActiveByRoom(ctx, roomID)
	if err != nil {
		return nil, storageErr(opList, err)
	}
	return list, nil
}

// ListForRoom returns every reservation of a room, any status, ordered by start.
func (s *ReservationService) ListForRoom(ctx context.Context, roomID string) ([]*models.Reservation, error) {
	if err := s.ensureRoom(ctx, opList, roomID); err != nil {
		return nil, err
	}
	list, err := s.store.FindByRoom(ctx, roomID)
	if err != nil {
		return nil, storageErr(opList, err)
	}
	return list, nil
}

// ListMine returns the caller's reservations, most recent start first.
func (s *ReservationService) ListMine(ctx context.Context, caller models.Caller) ([]*models.Reservation, error) {
	list, err := s.store.FindByOwner(ctx, caller.ID)
	if err != nil {
		return nil, storageErr(opList, err)
	}
	return list, nil
}

// ListPending returns the approval queue, oldest request first.
func (s *ReservationService) ListPending(ctx context.Context, caller models.Caller) ([]*models.Reservation, error) {
	if !caller.Role.IsElevated() {
		return nil, newError(opList, ErrUnauthorized).withDetail("pending queue requires an elevated role")
	}
	list, err := s.store.FindByStatus(ctx, models.StatusPending)
	if err != nil {
		return nil, storageErr(opList, err)
	}
	return list, nil
}

// CheckAvailability returns the ids of active reservations that would block
// the interval. An empty result means the slot is free right now.
func (s *ReservationService) CheckAvailability(ctx context.Context, roomID string, iv models.Interval) ([]int64, error) {
	if !iv.Valid() {
		e := newError(opList, ErrInvalidInterval)
		e.RoomID = roomID
		e.Interval = &iv
		return nil, e
	}
	active, err := s.ListActiveForRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return DetectConflicts(roomID, iv, active, 0), nil
}

func (s *ReservationService) validateInterval(op, roomID string, iv models.Interval) error {
	fail := func(kind error) *Error {
		e := newError(op, kind)
		e.RoomID = roomID
		e.Interval = &iv
		return e
	}

	if !iv.Valid() {
		return fail(ErrInvalidInterval).withDetail("start must be set and strictly before end")
	}

	now := s.clock.Now()
	if iv.Start.Before(now) {
		return fail(ErrPastBooking)
	}
	if iv.Start.After(now.AddDate(0, 0, s.maxAdvanceDays)) {
		return fail(ErrInvalidInterval).withDetail("starts more than %d days ahead", s.maxAdvanceDays)
	}
	return nil
}

func (s *ReservationService) ensureRoom(ctx context.Context, op, roomID string) error {
	exists, err := s.rooms.Exists(ctx, roomID)
	if err != nil {
		return storageErr(op, err)
	}
	if !exists {
		e := newError(op, ErrRoomNotFound)
		e.RoomID = roomID
		return e
	}
	return nil
}

// transition performs a single-record status change guarded by the record
// version. A lost race is retried so the guards see the winner's state.
func (s *ReservationService) transition(
	ctx context.Context,
	op string,
	id int64,
	target models.Status,
	authorize func(r *models.Reservation) error,
) (*models.Reservation, error) {
	for attempt := 1; ; attempt++ {
		r, err := s.load(ctx, op, id)
		if err != nil {
			return nil, err
		}
		if err := authorize(r); err != nil {
			return nil, err
		}
		if !r.Status.CanTransitionTo(target) {
			return nil, newError(op, ErrInvalidState).withReservation(r).withDetail("cannot move to %s", target)
		}

		r.Status = target
		r.UpdatedAt = s.clock.Now()
		err = s.store.Save(ctx, r)
		if err == nil {
			return r, nil
		}
		if !errors.Is(err, domain.ErrConcurrentModification) || attempt >= maxTransitionAttempts {
			return nil, storageErr(op, err)
		}
		s.logger.Debug().Int64("reservation_id", id).Int("attempt", attempt).Msg("version conflict, re-reading reservation")
	}
}

func (s *ReservationService) withRoom(ctx context.Context, op, roomID string, fn func(tx domain.ReservationTx) error) error {
	lockCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()

	unlock, err := s.locker.Lock(lockCtx, roomID)
	if err != nil {
		return storageErr(op, errors.Wrapf(err, "lock room %s", roomID))
	}
	defer unlock()

	err = s.store.WithinRoomTx(ctx, roomID, fn)
	if err == nil {
		return nil
	}
	var bizErr *Error
	if errors.As(err, &bizErr) || IsStorage(err) {
		return err
	}
	return storageErr(op, err)
}

func (s *ReservationService) load(ctx context.Context, op string, id int64) (*models.Reservation, error) {
	r, err := s.store.FindByID(ctx, id)
	if err != nil {
		return nil, s.lookupErr(op, id, err)
	}
	return r, nil
}

func (s *ReservationService) lookupErr(op string, id int64, err error) error {
	if errors.Is(err, domain.ErrNotFound) {
		e := newError(op, ErrNotFound)
		e.ReservationID = id
		return e
	}
	return storageErr(op, err)
}

func (s *ReservationService) afterTransition(eventType string, r *models.Reservation, caller models.Caller) {
	metrics.IncTransition(string(r.Status))
	s.publishEvent(eventType, r, caller)
	s.logger.Info().
		Int64("reservation_id", r.ID).
		Str("room_id", r.RoomID).
		Str("status", string(r.Status)).
		Str("caller", caller.String()).
		Msg("reservation status changed")
}

func (s *ReservationService) publishEvent(eventType string, r *models.Reservation, caller models.Caller) {
	if s.eventBus == nil {
		return
	}

	payload := events.ReservationEventPayload{
		ReservationID: r.ID,
		RoomID:        r.RoomID,
		RequesterID:   r.RequesterID,
		Status:        string(r.Status),
		Start:         r.Start,
		End:           r.End,
		Purpose:       r.Purpose,
		ChangedBy:     caller.Role.String(),
		ChangedByID:   caller.ID,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}

	if err := s.eventBus.PublishJSON(eventType, payload); err != nil {
		s.logger.Error().Err(err).Str("event", eventType).Int64("reservation_id", r.ID).Msg("publish event")
	}
}

func (s *ReservationService) logFailure(op string, err error, roomID string, id int64, caller models.Caller) {
	if errors.Is(err, ErrSlotConflict) {
		metrics.IncConflict(op)
	}

	ev := s.logger.Warn()
	if IsStorage(err) {
		ev = s.logger.Error()
	}
	ev.Err(err).
		Str("op", op).
		Str("room_id", roomID).
		Int64("reservation_id", id).
		Str("caller", caller.String()).
		Msg("reservation operation rejected")
}

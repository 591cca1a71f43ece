package service

import (
	"fmt"
	"strings"

	"roombook/internal/models"

	"github.com/cockroachdb/errors"
)

// Business error kinds. Match with errors.Is.
var (
	ErrInvalidInterval = errors.New("invalid interval")
	ErrPastBooking     = errors.New("reservation starts in the past")
	ErrRoomNotFound    = errors.New("room not found")
	ErrUnauthorized    = errors.New("caller not authorized")
	ErrSlotConflict    = errors.New("slot conflicts with an active reservation")
	ErrNotFound        = errors.New("reservation not found")
	ErrInvalidState    = errors.New("invalid reservation state")
	ErrInvalidRequest  = errors.New("invalid request")
)

// ErrStorage marks infrastructure failures (database, lock backend).
var ErrStorage = errors.New("storage failure")

// Error is returned for every business rule violation. Kind is one of the
// sentinel errors above.
type Error struct {
	Op            string
	Kind          error
	ReservationID int64
	RoomID        string
	Interval      *models.Interval
	Status        models.Status
	ConflictIDs   []int64
	Detail        string
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	b.WriteString(": ")
	b.WriteString(e.Kind.Error())
	if e.ReservationID != 0 {
		fmt.Fprintf(&b, " (reservation %d", e.ReservationID)
		if e.Status != "" {
			fmt.Fprintf(&b, ", status %s", e.Status)
		}
		b.WriteString(")")
	}
	if e.RoomID != "" {
		fmt.Fprintf(&b, " room %s", e.RoomID)
	}
	if e.Interval != nil {
		fmt.Fprintf(&b, " %s", e.Interval)
	}
	if len(e.ConflictIDs) > 0 {
		fmt.Fprintf(&b, " conflicts with %v", e.ConflictIDs)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Kind
}

// IsStorage reports whether err is an infrastructure failure.
func IsStorage(err error) bool {
	return errors.Is(err, ErrStorage)
}

func storageErr(op string, err error) error {
	return errors.Mark(errors.Wrapf(err, "%s", op), ErrStorage)
}

func newError(op string, kind error) *Error {
	return &Error{Op: op, Kind: kind}
}

func (e *Error) withReservation(r *models.Reservation) *Error {
	e.ReservationID = r.ID
	e.RoomID = r.RoomID
	e.Status = r.Status
	iv := r.Interval()
	e.Interval = &iv
	return e
}

func (e *Error) withDetail(format string, args ...interface{}) *Error {
	e.Detail = fmt.Sprintf(format, args...)
	return e
}

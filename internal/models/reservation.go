package models

import (
	"fmt"
	"time"
)

// Reservation is a request to hold a room for a half-open time interval.
type Reservation struct {
	ID           int64     `json:"id"`
	RoomID       string    `json:"room_id"`
	RequesterID  int64     `json:"requester_id"`
	Start        time.Time `json:"start"`
	End          time.Time `json:"end"`
	Purpose      string    `json:"purpose,omitempty"`
	Status       Status    `json:"status"`
	CourseUnitID *int64    `json:"course_unit_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	Version      int64     `json:"version"`
}

func (r *Reservation) Interval() Interval {
	return Interval{Start: r.Start, End: r.End}
}

func (r *Reservation) IsActive() bool {
	return r.Status.IsActive()
}

func (r *Reservation) OwnedBy(userID int64) bool {
	return r.RequesterID == userID
}

// Interval is [Start, End). Two intervals that only touch do not overlap.
type Interval struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func NewInterval(start, end time.Time) Interval {
	return Interval{Start: start, End: end}
}

// Valid reports whether both bounds are set and Start is strictly before End.
func (i Interval) Valid() bool {
	return !i.Start.IsZero() && !i.End.IsZero() && i.Start.Before(i.End)
}

func (i Interval) Overlaps(other Interval) bool {
	return i.Start.Before(other.End) && other.Start.Before(i.End)
}

func (i Interval) Duration() time.Duration {
	return i.End.Sub(i.Start)
}

func (i Interval) String() string {
	return fmt.Sprintf("[%s, %s)", i.Start.Format(time.RFC3339), i.End.Format(time.RFC3339))
}

// Status is the lifecycle state of a reservation.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusApproved  Status = "APPROVED"
	StatusRefused   Status = "REFUSED"
	StatusCancelled Status = "CANCELLED"
)

// ActiveStatuses are the statuses that hold a slot.
var ActiveStatuses = []Status{StatusPending, StatusApproved}

var transitions = map[Status][]Status{
	StatusPending:  {StatusApproved, StatusRefused, StatusCancelled},
	StatusApproved: {StatusCancelled},
}

func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.IsValid() {
		return "", fmt.Errorf("unknown reservation status %q", s)
	}
	return st, nil
}

func (s Status) String() string {
	return string(s)
}

func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRefused, StatusCancelled:
		return true
	}
	return false
}

func (s Status) IsActive() bool {
	for _, active := range ActiveStatuses {
		if s == active {
			return true
		}
	}
	return false
}

func (s Status) IsTerminal() bool {
	return s == StatusRefused || s == StatusCancelled
}

// CanTransitionTo reports whether the state machine allows moving from s to next.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

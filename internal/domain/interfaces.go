package domain

import (
	"context"
	"errors"
	"time"

	"roombook/internal/models"
)

var (
	ErrNotFound               = errors.New("record not found")
	ErrConcurrentModification = errors.New("concurrent modification")
)

// RoomDirectory answers whether a room exists.
type RoomDirectory interface {
	Exists(ctx context.Context, roomID string) (bool, error)
	GetRoom(ctx context.Context, roomID string) (*models.Room, error)
	ListRooms(ctx context.Context) ([]*models.Room, error)
}

// ReservationTx is the view of the store available inside a room transaction.
// Save inserts when ID is zero and otherwise updates status, purpose and
// updated_at guarded by Version, returning ErrConcurrentModification on a
// stale version.
type ReservationTx interface {
	FindByID(ctx context.Context, id int64) (*models.Reservation, error)
	FindActiveByRoom(ctx context.Context, roomID string) ([]*models.Reservation, error)
	Save(ctx context.Context, r *models.Reservation) error
}

type ReservationStore interface {
	ReservationTx
	FindByOwner(ctx context.Context, requesterID int64) ([]*models.Reservation, error)
	FindByRoom(ctx context.Context, roomID string) ([]*models.Reservation, error)
	FindByStatus(ctx context.Context, status models.Status) ([]*models.Reservation, error)
	// WithinRoomTx runs fn in a single transaction. fn's error is returned
	// unchanged and nothing it wrote is kept.
	WithinRoomTx(ctx context.Context, roomID string, fn func(tx ReservationTx) error) error
}

// RoomLocker serializes mutations of one room.
type RoomLocker interface {
	Lock(ctx context.Context, roomID string) (unlock func(), err error)
}

type EventPublisher interface {
	PublishJSON(eventType string, payload interface{}) error
}

type OutboxRepository interface {
	CreateOutboxTask(ctx context.Context, task *models.OutboxTask) error
	GetDueOutboxTasks(ctx context.Context, now time.Time, limit int) ([]*models.OutboxTask, error)
	UpdateOutboxTaskStatus(ctx context.Context, id int64, status, errMsg string, nextRetryAt *time.Time) error
}

type Notifier interface {
	Notify(ctx context.Context, chatID int64, text string) error
}

type Clock interface {
	Now() time.Time
}

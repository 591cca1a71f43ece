package models

import "time"

const (
	OutboxPending   = "pending"
	OutboxRetry     = "retry"
	OutboxCompleted = "completed"
	OutboxFailed    = "failed"
)

// OutboxTask is a queued notification for a reservation event.
type OutboxTask struct {
	ID            int64      `json:"id"`
	EventType     string     `json:"event_type"`
	ReservationID int64      `json:"reservation_id"`
	ChatID        int64      `json:"chat_id"`
	Message       string     `json:"message"`
	Status        string     `json:"status"`
	RetryCount    int        `json:"retry_count"`
	LastError     *string    `json:"last_error"`
	CreatedAt     time.Time  `json:"created_at"`
	ProcessedAt   *time.Time `json:"processed_at"`
	NextRetryAt   *time.Time `json:"next_retry_at"`
}

package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"roombook/internal/models"
)

const outboxColumns = `id, event_type, reservation_id, chat_id, message, status, retry_count,
        last_error, created_at, processed_at, next_retry_at`

func (db *DB) CreateOutboxTask(ctx context.Context, task *models.OutboxTask) error {
	if task.Status == "" {
		task.Status = models.OutboxPending
	}
	now := time.Now()

	query := `INSERT INTO notification_outbox (
                event_type, reservation_id, chat_id, message, status, retry_count, last_error, created_at, next_retry_at
            ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	result, err := db.ExecContext(ctx, query,
		task.EventType,
		task.ReservationID,
		task.ChatID,
		task.Message,
		task.Status,
		task.RetryCount,
		task.LastError,
		formatTime(now),
		formatTimePtr(task.NextRetryAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create outbox task: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	task.ID = id
	task.CreatedAt = now
	return nil
}

func scanOutboxTask(row rowScanner) (*models.OutboxTask, error) {
	var (
		t                      models.OutboxTask
		lastError              sql.NullString
		created                string
		processed, nextRetryAt sql.NullString
	)
	if err := row.Scan(
		&t.ID, &t.EventType, &t.ReservationID, &t.ChatID, &t.Message, &t.Status, &t.RetryCount,
		&lastError, &created, &processed, &nextRetryAt,
	); err != nil {
		return nil, err
	}

	var err error
	if lastError.Valid {
		msg := lastError.String
		t.LastError = &msg
	}
	if t.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if t.ProcessedAt, err = parseNullTime(processed); err != nil {
		return nil, err
	}
	if t.NextRetryAt, err = parseNullTime(nextRetryAt); err != nil {
		return nil, err
	}
	return &t, nil
}

func (db *DB) listOutbox(ctx context.Context, query string, args ...any) ([]*models.OutboxTask, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*models.OutboxTask
	for rows.Next() {
		t, err := scanOutboxTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outbox task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// GetDueOutboxTasks returns pending or retrying tasks whose retry time has passed.
func (db *DB) GetDueOutboxTasks(ctx context.Context, now time.Time, limit int) ([]*models.OutboxTask, error) {
	query := `SELECT ` + outboxColumns + `
              FROM notification_outbox
              WHERE status IN (?, ?) AND (next_retry_at IS NULL OR next_retry_at <= ?)
              ORDER BY created_at ASC, id ASC LIMIT ?`
	tasks, err := db.listOutbox(ctx, query, models.OutboxPending, models.OutboxRetry, formatTime(now), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get due outbox tasks: %w", err)
	}
	return tasks, nil
}

func (db *DB) GetFailedOutboxTasks(ctx context.Context) ([]*models.OutboxTask, error) {
	query := `SELECT ` + outboxColumns + `
              FROM notification_outbox WHERE status = ? ORDER BY created_at DESC, id DESC`
	tasks, err := db.listOutbox(ctx, query, models.OutboxFailed)
	if err != nil {
		return nil, fmt.Errorf("failed to get failed outbox tasks: %w", err)
	}
	return tasks, nil
}

func (db *DB) UpdateOutboxTaskStatus(ctx context.Context, id int64, status, errMsg string, nextRetryAt *time.Time) error {
	var query string
	var args []interface{}
	now := formatTime(time.Now())

	var lastError interface{}
	if errMsg != "" {
		lastError = errMsg
	}

	switch status {
	case models.OutboxRetry:
		query = `UPDATE notification_outbox SET status = ?, last_error = ?, next_retry_at = ?, retry_count = retry_count + 1 WHERE id = ?`
		args = []interface{}{status, lastError, formatTimePtr(nextRetryAt), id}
	case models.OutboxCompleted, models.OutboxFailed:
		query = `UPDATE notification_outbox SET status = ?, last_error = ?, next_retry_at = NULL, processed_at = ? WHERE id = ?`
		args = []interface{}{status, lastError, now, id}
	default:
		query = `UPDATE notification_outbox SET status = ?, last_error = ?, next_retry_at = ? WHERE id = ?`
		args = []interface{}{status, lastError, formatTimePtr(nextRetryAt), id}
	}

	if _, err := db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update outbox task status: %w", err)
	}
	return nil
}

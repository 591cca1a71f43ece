package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"roombook/internal/domain"
	"roombook/internal/models"
)

const reservationColumns = `id, room_id, requester_id, start_time, end_time, purpose, status,
        course_unit_id, created_at, updated_at, version`

type rowScanner interface {
	Scan(dest ...any) error
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// activeStatusFilter is the "status IN (...)" clause and its arguments for
// the statuses that hold a slot.
func activeStatusFilter() (string, []any) {
	placeholders := make([]string, len(models.ActiveStatuses))
	args := make([]any, len(models.ActiveStatuses))
	for i, st := range models.ActiveStatuses {
		placeholders[i] = "?"
		args[i] = st
	}
	return "status IN (" + strings.Join(placeholders, ", ") + ")", args
}

// reservationQueries implements domain.ReservationTx over any queryer.
type reservationQueries struct {
	q queryer
}

func scanReservation(row rowScanner) (*models.Reservation, error) {
	var (
		r                            models.Reservation
		status                       string
		start, end, created, updated string
		courseUnit                   sql.NullInt64
	)
	if err := row.Scan(
		&r.ID, &r.RoomID, &r.RequesterID, &start, &end, &r.Purpose, &status,
		&courseUnit, &created, &updated, &r.Version,
	); err != nil {
		return nil, err
	}

	var err error
	if r.Start, err = parseTime(start); err != nil {
		return nil, err
	}
	if r.End, err = parseTime(end); err != nil {
		return nil, err
	}
	if r.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if r.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	if r.Status, err = models.ParseStatus(status); err != nil {
		return nil, err
	}
	if courseUnit.Valid {
		v := courseUnit.Int64
		r.CourseUnitID = &v
	}
	return &r, nil
}

func (q reservationQueries) list(ctx context.Context, query string, args ...any) ([]*models.Reservation, error) {
	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*models.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reservation: %w", err)
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func (q reservationQueries) FindByID(ctx context.Context, id int64) (*models.Reservation, error) {
	query := `SELECT ` + reservationColumns + ` FROM reservations WHERE id = ?`
	r, err := scanReservation(q.q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("reservation %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get reservation %d: %w", id, err)
	}
	return r, nil
}

func (q reservationQueries) FindActiveByRoom(ctx context.Context, roomID string) ([]*models.Reservation, error) {
	active, statuses := activeStatusFilter()
	query := `SELECT ` + reservationColumns + `
        FROM reservations
        WHERE room_id = ? AND ` + active + `
        ORDER BY start_time ASC, id ASC`
	list, err := q.list(ctx, query, append([]any{roomID}, statuses...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to get active reservations of room %s: %w", roomID, err)
	}
	return list, nil
}

// FindActiveOverlapping narrows FindActiveByRoom to reservations that intersect [from, to).
func (q reservationQueries) FindActiveOverlapping(ctx context.Context, roomID string, from, to time.Time) ([]*models.Reservation, error) {
	active, statuses := activeStatusFilter()
	query := `SELECT ` + reservationColumns + `
        FROM reservations
        WHERE room_id = ? AND ` + active + ` AND start_time < ? AND end_time > ?
        ORDER BY start_time ASC, id ASC`
	args := append([]any{roomID}, statuses...)
	list, err := q.list(ctx, query, append(args, formatTime(to), formatTime(from))...)
	if err != nil {
		return nil, fmt.Errorf("failed to get overlapping reservations of room %s: %w", roomID, err)
	}
	return list, nil
}

// Save inserts a new reservation (ID == 0) or persists a status change of an
// existing one. Room, requester, interval and creation time are never updated.
func (q reservationQueries) Save(ctx context.Context, r *models.Reservation) error {
	if r.ID == 0 {
		return q.insert(ctx, r)
	}
	return q.update(ctx, r)
}

func (q reservationQueries) insert(ctx context.Context, r *models.Reservation) error {
	now := time.Now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = r.CreatedAt
	}

	var courseUnit interface{}
	if r.CourseUnitID != nil {
		courseUnit = *r.CourseUnitID
	}

	query := `INSERT INTO reservations (
                room_id, requester_id, start_time, end_time, purpose, status,
                course_unit_id, created_at, updated_at, version
            ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`
	result, err := q.q.ExecContext(ctx, query,
		r.RoomID,
		r.RequesterID,
		formatTime(r.Start),
		formatTime(r.End),
		r.Purpose,
		r.Status,
		courseUnit,
		formatTime(r.CreatedAt),
		formatTime(r.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create reservation: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	r.ID = id
	r.Version = 1
	return nil
}

func (q reservationQueries) update(ctx context.Context, r *models.Reservation) error {
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now()
	}

	query := `UPDATE reservations
        SET status = ?, purpose = ?, updated_at = ?, version = version + 1
        WHERE id = ? AND version = ?`
	result, err := q.q.ExecContext(ctx, query, r.Status, r.Purpose, formatTime(r.UpdatedAt), r.ID, r.Version)
	if err != nil {
		return fmt.Errorf("failed to update reservation %d: %w", r.ID, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("reservation %d version %d: %w", r.ID, r.Version, domain.ErrConcurrentModification)
	}

	r.Version++
	return nil
}

func (db *DB) queries() reservationQueries {
	return reservationQueries{q: db.DB}
}

func (db *DB) FindByID(ctx context.Context, id int64) (*models.Reservation, error) {
	return db.queries().FindByID(ctx, id)
}

func (db *DB) FindActiveByRoom(ctx context.Context, roomID string) ([]*models.Reservation, error) {
	return db.queries().FindActiveByRoom(ctx, roomID)
}

func (db *DB) FindActiveOverlapping(ctx context.Context, roomID string, from, to time.Time) ([]*models.Reservation, error) {
	return db.queries().FindActiveOverlapping(ctx, roomID, from, to)
}

func (db *DB) Save(ctx context.Context, r *models.Reservation) error {
	return db.queries().Save(ctx, r)
}

// FindByOwner returns a requester's reservations, latest start first.
func (db *DB) FindByOwner(ctx context.Context, requesterID int64) ([]*models.Reservation, error) {
	query := `SELECT ` + reservationColumns + `
        FROM reservations
        WHERE requester_id = ?
        ORDER BY start_time DESC, id DESC`
	list, err := db.queries().list(ctx, query, requesterID)
	if err != nil {
		return nil, fmt.Errorf("failed to get reservations of requester %d: %w", requesterID, err)
	}
	return list, nil
}

// FindByRoom returns every reservation of a room ordered by start.
func (db *DB) FindByRoom(ctx context.Context, roomID string) ([]*models.Reservation, error) {
	query := `SELECT ` + reservationColumns + `
        FROM reservations
        WHERE room_id = ?
        ORDER BY start_time ASC, id ASC`
	list, err := db.queries().list(ctx, query, roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to get reservations of room %s: %w", roomID, err)
	}
	return list, nil
}

// FindByStatus returns reservations in the given status, oldest request first.
func (db *DB) FindByStatus(ctx context.Context, status models.Status) ([]*models.Reservation, error) {
	query := `SELECT ` + reservationColumns + `
        FROM reservations
        WHERE status = ?
        ORDER BY created_at ASC, id ASC`
	list, err := db.queries().list(ctx, query, status)
	if err != nil {
		return nil, fmt.Errorf("failed to get %s reservations: %w", status, err)
	}
	return list, nil
}

// WithinRoomTx runs fn inside one IMMEDIATE transaction. The room id only
// labels errors; sqlite serializes all writers.
func (db *DB) WithinRoomTx(ctx context.Context, roomID string, fn func(tx domain.ReservationTx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction for room %s: %w", roomID, err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(reservationQueries{q: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction for room %s: %w", roomID, err)
	}
	return nil
}

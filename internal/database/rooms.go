package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"roombook/internal/domain"
	"roombook/internal/models"
)

// SyncRooms upserts the configured rooms and refreshes the in-memory cache.
// Rooms missing from the list are kept so old reservations stay resolvable.
func (db *DB) SyncRooms(ctx context.Context, rooms []*models.Room) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	query := `INSERT INTO rooms (id, name, building, campus, room_type, floor, capacity)
              VALUES (?, ?, ?, ?, ?, ?, ?)
              ON CONFLICT(id) DO UPDATE SET
                name = excluded.name,
                building = excluded.building,
                campus = excluded.campus,
                room_type = excluded.room_type,
                floor = excluded.floor,
                capacity = excluded.capacity`
	for _, room := range rooms {
		if _, err := tx.ExecContext(ctx, query,
			room.ID, room.Name, room.Building, room.Campus, room.Type, room.Floor, room.Capacity,
		); err != nil {
			return fmt.Errorf("failed to upsert room %s: %w", room.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit rooms: %w", err)
	}

	db.mu.Lock()
	for _, room := range rooms {
		cp := *room
		db.roomCache[room.ID] = &cp
	}
	db.mu.Unlock()

	db.logger.Info().Int("count", len(rooms)).Msg("rooms synchronized")
	return nil
}

func (db *DB) cachedRoom(roomID string) (*models.Room, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	room, ok := db.roomCache[roomID]
	return room, ok
}

// Exists reports whether the room is known. The cache is consulted first.
func (db *DB) Exists(ctx context.Context, roomID string) (bool, error) {
	if _, ok := db.cachedRoom(roomID); ok {
		return true, nil
	}

	var exists bool
	err := db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM rooms WHERE id = ?)`, roomID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check room %s: %w", roomID, err)
	}
	return exists, nil
}

func (db *DB) GetRoom(ctx context.Context, roomID string) (*models.Room, error) {
	if room, ok := db.cachedRoom(roomID); ok {
		cp := *room
		return &cp, nil
	}

	query := `SELECT id, name, building, campus, room_type, floor, capacity FROM rooms WHERE id = ?`
	var room models.Room
	err := db.QueryRowContext(ctx, query, roomID).Scan(
		&room.ID, &room.Name, &room.Building, &room.Campus, &room.Type, &room.Floor, &room.Capacity,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("room %s: %w", roomID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get room %s: %w", roomID, err)
	}

	db.mu.Lock()
	db.roomCache[room.ID] = &room
	db.mu.Unlock()

	cp := room
	return &cp, nil
}

// ListRooms returns every known room ordered by id.
func (db *DB) ListRooms(ctx context.Context) ([]*models.Room, error) {
	query := `SELECT id, name, building, campus, room_type, floor, capacity FROM rooms ORDER BY id ASC`
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list rooms: %w", err)
	}
	defer rows.Close()

	var rooms []*models.Room
	for rows.Next() {
		var room models.Room
		if err := rows.Scan(&room.ID, &room.Name, &room.Building, &room.Campus, &room.Type, &room.Floor, &room.Capacity); err != nil {
			return nil, fmt.Errorf("failed to scan room: %w", err)
		}
		rooms = append(rooms, &room)
	}
	return rooms, rows.Err()
}

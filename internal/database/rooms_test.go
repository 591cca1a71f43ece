package database

import (
	"context"
	"errors"
	"testing"

	"roombook/internal/domain"
	"roombook/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncRoomsAndLookup(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	rooms := []*models.Room{
		{ID: "T102", Name: "Lab", Building: "T", Capacity: 20},
		{ID: "T101", Name: "Amphi", Building: "T", Capacity: 120},
	}
	require.NoError(t, db.SyncRooms(ctx, rooms))

	ok, err := db.Exists(ctx, "T101")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = db.Exists(ctx, "Z999")
	require.NoError(t, err)
	assert.False(t, ok)

	room, err := db.GetRoom(ctx, "T102")
	require.NoError(t, err)
	assert.Equal(t, "Lab", room.Name)
	assert.Equal(t, 20, room.Capacity)

	_, err = db.GetRoom(ctx, "Z999")
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	list, err := db.ListRooms(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "T101", list[0].ID)
}

func TestSyncRoomsUpdatesExisting(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.SyncRooms(ctx, []*models.Room{{ID: "T101", Capacity: 10}}))
	require.NoError(t, db.SyncRooms(ctx, []*models.Room{{ID: "T101", Capacity: 30}, {ID: "T103"}}))

	room, err := db.GetRoom(ctx, "T101")
	require.NoError(t, err)
	assert.Equal(t, 30, room.Capacity)

	list, err := db.ListRooms(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestRoomCacheMiss(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	// Insert behind the cache's back.
	_, err := db.ExecContext(ctx, `INSERT INTO rooms (id, name) VALUES ('B201', 'Seminar')`)
	require.NoError(t, err)

	ok, err := db.Exists(ctx, "B201")
	require.NoError(t, err)
	assert.True(t, ok)

	room, err := db.GetRoom(ctx, "B201")
	require.NoError(t, err)
	assert.Equal(t, "Seminar", room.Name)

	_, cached := db.cachedRoom("B201")
	assert.True(t, cached)
}

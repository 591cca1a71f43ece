package service

import (
	"testing"
	"time"

	"roombook/internal/models"

	"github.com/stretchr/testify/assert"
)

var day = time.Date(2025, 12, 15, 0, 0, 0, 0, time.UTC)

func hours(from, to int) models.Interval {
	return models.NewInterval(day.Add(time.Duration(from)*time.Hour), day.Add(time.Duration(to)*time.Hour))
}

func reservation(id int64, room string, iv models.Interval, status models.Status) *models.Reservation {
	return &models.Reservation{ID: id, RoomID: room, RequesterID: 1, Start: iv.Start, End: iv.End, Status: status}
}

func TestOverlaps(t *testing.T) {
	tests := []struct {
		name string
		a, b models.Interval
		want bool
	}{
		{"identical", hours(8, 10), hours(8, 10), true},
		{"partial", hours(8, 10), hours(9, 11), true},
		{"contained", hours(8, 12), hours(9, 10), true},
		{"back to back", hours(8, 10), hours(10, 12), false},
		{"disjoint", hours(8, 9), hours(11, 12), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Overlaps(tt.a, tt.b))
			assert.Equal(t, tt.want, Overlaps(tt.b, tt.a), "overlap must be symmetric")
		})
	}
}

func TestDetectConflicts(t *testing.T) {
	existing := []*models.Reservation{
		reservation(1, "T101", hours(8, 10), models.StatusApproved),
		reservation(2, "T101", hours(10, 12), models.StatusPending),
		reservation(3, "T101", hours(9, 11), models.StatusCancelled),
		reservation(4, "T101", hours(9, 11), models.StatusRefused),
		reservation(5, "T102", hours(9, 11), models.StatusApproved),
	}

	t.Run("OverlapsActiveOnly", func(t *testing.T) {
		assert.Equal(t, []int64{1, 2}, DetectConflicts("T101", hours(9, 11), existing, 0))
	})

	t.Run("BackToBackIsFree", func(t *testing.T) {
		assert.Empty(t, DetectConflicts("T101", hours(12, 14), existing, 0))
		assert.Empty(t, DetectConflicts("T101", hours(6, 8), existing, 0))
	})

	t.Run("OtherRoomIgnored", func(t *testing.T) {
		assert.Empty(t, DetectConflicts("T103", hours(9, 11), existing, 0))
		assert.Equal(t, []int64{5}, DetectConflicts("T102", hours(10, 11), existing, 0))
	})

	t.Run("ExcludeSelf", func(t *testing.T) {
		assert.Empty(t, DetectConflicts("T101", hours(8, 10), existing, 1))
		assert.Equal(t, []int64{1}, DetectConflicts("T101", hours(9, 10), existing, 2))
	})

	t.Run("HasConflict", func(t *testing.T) {
		assert.True(t, HasConflict("T101", hours(11, 13), existing))
		assert.False(t, HasConflict("T101", hours(12, 13), existing))
	})

	t.Run("NilEntriesSkipped", func(t *testing.T) {
		assert.Empty(t, DetectConflicts("T101", hours(8, 9), []*models.Reservation{nil}, 0))
	})
}

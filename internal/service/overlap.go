package service

import "roombook/internal/models"

// Overlaps reports whether two half-open intervals intersect.
func Overlaps(a, b models.Interval) bool {
	return a.Overlaps(b)
}

// DetectConflicts returns the ids of active reservations of roomID whose
// interval overlaps candidate. Reservations of other rooms, inactive ones and
// the one with id excludeID are ignored. The result preserves input order.
func DetectConflicts(roomID string, candidate models.Interval, existing []*models.Reservation, excludeID int64) []int64 {
	var ids []int64
	for _, r := range existing {
		if r == nil || r.RoomID != roomID || !r.Status.IsActive() {
			continue
		}
		if excludeID != 0 && r.ID == excludeID {
			continue
		}
		if candidate.Overlaps(r.Interval()) {
			ids = append(ids, r.ID)
		}
	}
	return ids
}

// HasConflict is DetectConflicts reduced to a boolean.
func HasConflict(roomID string, candidate models.Interval, existing []*models.Reservation) bool {
	return len(DetectConflicts(roomID, candidate, existing, 0)) > 0
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"roombook/internal/domain"
	"roombook/internal/export"
	"roombook/internal/models"
	"roombook/internal/service"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

type createReservationRequest struct {
	RoomID       string    `json:"room_id"`
	Start        time.Time `json:"start"`
	End          time.Time `json:"end"`
	Purpose      string    `json:"purpose"`
	CourseUnitID *int64    `json:"course_unit_id"`
}

type errorResponse struct {
	Error         string  `json:"error"`
	Kind          string  `json:"kind,omitempty"`
	ReservationID int64   `json:"reservation_id,omitempty"`
	RoomID        string  `json:"room_id,omitempty"`
	ConflictIDs   []int64 `json:"conflict_ids,omitempty"`
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			s.logger.Error().Err(err).Msg("readiness check failed")
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *HTTPServer) handleCreate(w http.ResponseWriter, r *http.Request, caller models.Caller) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var body createReservationRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(body.RoomID) == "" {
		writeError(w, http.StatusBadRequest, "room_id is required")
		return
	}

	res, err := s.svc.Create(r.Context(), service.CreateRequest{
		RoomID:       strings.TrimSpace(body.RoomID),
		Caller:       caller,
		Interval:     models.NewInterval(body.Start, body.End),
		Purpose:      body.Purpose,
		CourseUnitID: body.CourseUnitID,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *HTTPServer) handleApprove(w http.ResponseWriter, r *http.Request, caller models.Caller) {
	s.transition(w, r, caller, s.svc.Approve)
}

func (s *HTTPServer) handleRefuse(w http.ResponseWriter, r *http.Request, caller models.Caller) {
	s.transition(w, r, caller, s.svc.Refuse)
}

func (s *HTTPServer) handleCancel(w http.ResponseWriter, r *http.Request, caller models.Caller) {
	s.transition(w, r, caller, s.svc.Cancel)
}

func (s *HTTPServer) transition(
	w http.ResponseWriter,
	r *http.Request,
	caller models.Caller,
	op func(ctx context.Context, id int64, caller models.Caller) (*models.Reservation, error),
) {
	id, ok := reservationID(w, r)
	if !ok {
		return
	}
	res, err := op(r.Context(), id, caller)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *HTTPServer) handleGet(w http.ResponseWriter, r *http.Request, caller models.Caller) {
	id, ok := reservationID(w, r)
	if !ok {
		return
	}
	res, err := s.svc.Get(r.Context(), id, caller)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *HTTPServer) handleListMine(w http.ResponseWriter, r *http.Request, caller models.Caller) {
	list, err := s.svc.ListMine(r.Context(), caller)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reservations": nonNil(list)})
}

func (s *HTTPServer) handleListPending(w http.ResponseWriter, r *http.Request, caller models.Caller) {
	list, err := s.svc.ListPending(r.Context(), caller)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reservations": nonNil(list)})
}

func (s *HTTPServer) handleListRooms(w http.ResponseWriter, r *http.Request, _ models.Caller) {
	rooms, err := s.rooms.ListRooms(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("list rooms")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if rooms == nil {
		rooms = []*models.Room{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"rooms": rooms})
}

func (s *HTTPServer) handleGetRoom(w http.ResponseWriter, r *http.Request, _ models.Caller) {
	room, ok := s.lookupRoom(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, room)
}

// handleRoomReservations lists active reservations unless active=false is given.
func (s *HTTPServer) handleRoomReservations(w http.ResponseWriter, r *http.Request, _ models.Caller) {
	activeOnly := true
	if raw := r.URL.Query().Get("active"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "active must be true or false")
			return
		}
		activeOnly = v
	}

	roomID := r.PathValue("id")
	var (
		list []*models.Reservation
		err  error
	)
	if activeOnly {
		list, err = s.svc.ListActiveForRoom(r.Context(), roomID)
	} else {
		list, err = s.svc.ListForRoom(r.Context(), roomID)
	}
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"room_id": roomID, "reservations": nonNil(list)})
}

func (s *HTTPServer) handleAvailability(w http.ResponseWriter, r *http.Request, _ models.Caller) {
	start, err := parseQueryTime(r, "start")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	end, err := parseQueryTime(r, "end")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	roomID := r.PathValue("id")
	conflicts, err := s.svc.CheckAvailability(r.Context(), roomID, models.NewInterval(start, end))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if conflicts == nil {
		conflicts = []int64{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"room_id":      roomID,
		"start":        start,
		"end":          end,
		"available":    len(conflicts) == 0,
		"conflict_ids": conflicts,
	})
}

func (s *HTTPServer) handleRoomExport(w http.ResponseWriter, r *http.Request, caller models.Caller) {
	if !caller.Role.IsElevated() {
		writeError(w, http.StatusForbidden, "export requires an elevated role")
		return
	}
	room, ok := s.lookupRoom(w, r)
	if !ok {
		return
	}
	list, err := s.svc.ListForRoom(r.Context(), room.ID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	report := export.RoomReport{Room: room, Reservations: list, Location: s.location}
	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", report.FileName()))
	if err := report.Write(w); err != nil {
		s.logger.Error().Err(err).Str("room_id", room.ID).Msg("export room reservations")
	}
}

func (s *HTTPServer) lookupRoom(w http.ResponseWriter, r *http.Request) (*models.Room, bool) {
	room, err := s.rooms.GetRoom(r.Context(), r.PathValue("id"))
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "room not found")
		return nil, false
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("get room")
		writeError(w, http.StatusInternalServerError, "internal error")
		return nil, false
	}
	return room, true
}

func (s *HTTPServer) writeServiceError(w http.ResponseWriter, err error) {
	resp := errorResponse{Error: err.Error()}

	var svcErr *service.Error
	if errors.As(err, &svcErr) {
		resp.Kind = svcErr.Kind.Error()
		resp.ReservationID = svcErr.ReservationID
		resp.RoomID = svcErr.RoomID
		resp.ConflictIDs = svcErr.ConflictIDs
	}

	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error().Err(err).Msg("reservation service failure")
		resp = errorResponse{Error: "internal error"}
	}
	writeJSON(w, status, resp)
}

func statusFor(err error) int {
	switch {
	case service.IsStorage(err):
		return http.StatusInternalServerError
	case errors.Is(err, service.ErrInvalidInterval),
		errors.Is(err, service.ErrPastBooking),
		errors.Is(err, service.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, service.ErrRoomNotFound), errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrSlotConflict), errors.Is(err, service.ErrInvalidState):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func reservationID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid reservation id")
		return 0, false
	}
	return id, true
}

func parseQueryTime(r *http.Request, name string) (time.Time, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return time.Time{}, fmt.Errorf("%s is required", name)
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s; expected RFC3339", name)
	}
	return t, nil
}

func nonNil(list []*models.Reservation) []*models.Reservation {
	if list == nil {
		return []*models.Reservation{}
	}
	return list
}

func (s *HTTPServer) handleFailedNotifications(w http.ResponseWriter, r *http.Request, caller models.Caller) {
	if !caller.Role.IsElevated() {
		writeError(w, http.StatusForbidden, "failed notifications require an elevated role")
		return
	}
	tasks, err := s.outbox.GetFailedOutboxTasks(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("list failed notifications")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if tasks == nil {
		tasks = []*models.OutboxTask{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

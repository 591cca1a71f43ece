package worker

import (
	"context"
	"fmt"
	"html"
	"time"

	"roombook/internal/domain"
	"roombook/internal/models"
)

// ReminderSource finds the reservations to remind owners about.
type ReminderSource interface {
	ListRooms(ctx context.Context) ([]*models.Room, error)
	FindActiveOverlapping(ctx context.Context, roomID string, from, to time.Time) ([]*models.Reservation, error)
}

const eventReservationReminder = "reservation_reminder"

// StartReminders enqueues, once a day at hour:minute local time, a reminder
// for every approved reservation starting the next day.
func (w *NotifyWorker) StartReminders(ctx context.Context, source ReminderSource, clock domain.Clock, at string) error {
	t, err := time.Parse("15:04", at)
	if err != nil {
		return fmt.Errorf("invalid reminder time %q: %w", at, err)
	}

	go func() {
		timer := time.NewTimer(w.untilNext(clock.Now(), t.Hour(), t.Minute()))
		defer timer.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
				n, err := w.SendTomorrowReminders(ctx, source, clock.Now())
				if err != nil {
					w.logger.Error().Err(err).Msg("reminders failed")
				} else {
					w.logger.Info().Int("count", n).Msg("reminders enqueued")
				}
				timer.Reset(w.untilNext(clock.Now(), t.Hour(), t.Minute()))
			}
		}
	}()
	return nil
}

// SendTomorrowReminders enqueues reminders for approved reservations that
// start on the local day after now and returns how many were enqueued.
func (w *NotifyWorker) SendTomorrowReminders(ctx context.Context, source ReminderSource, now time.Time) (int, error) {
	loc := w.recipients.Location
	local := now.In(loc)
	from := time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, loc)
	to := from.AddDate(0, 0, 1)

	rooms, err := source.ListRooms(ctx)
	if err != nil {
		return 0, fmt.Errorf("list rooms: %w", err)
	}

	sent := 0
	for _, room := range rooms {
		reservations, err := source.FindActiveOverlapping(ctx, room.ID, from, to)
		if err != nil {
			return sent, fmt.Errorf("reservations of room %s: %w", room.ID, err)
		}

		for _, r := range reservations {
			if r.Status != models.StatusApproved || r.Start.Before(from) {
				continue
			}
			chatID := w.recipients.UserChats[r.RequesterID]
			if chatID == 0 {
				continue
			}

			task := &models.OutboxTask{
				EventType:     eventReservationReminder,
				ReservationID: r.ID,
				ChatID:        chatID,
				Message:       w.renderReminder(room, r),
			}
			if err := w.Enqueue(ctx, task); err != nil {
				return sent, err
			}
			sent++
		}
	}
	return sent, nil
}

func (w *NotifyWorker) renderReminder(room *models.Room, r *models.Reservation) string {
	loc := w.recipients.Location
	name := room.ID
	if room.Name != "" {
		name = room.Name
	}
	return fmt.Sprintf("<b>Reminder</b>: tomorrow %s - %s in %s (reservation #%d)",
		r.Start.In(loc).Format("15:04"),
		r.End.In(loc).Format("15:04"),
		html.EscapeString(name),
		r.ID,
	)
}

func (w *NotifyWorker) untilNext(now time.Time, hour, minute int) time.Duration {
	local := now.In(w.recipients.Location)
	next := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, local.Location())
	if !next.After(local) {
		next = next.AddDate(0, 0, 1)
	}
	return next.Sub(local)
}

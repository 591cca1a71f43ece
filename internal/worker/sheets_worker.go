package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"roombook/internal/events"
	"roombook/internal/models"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const sheetsDeadLetterKey = "sheets:deadletter"

// SheetsClient writes reservation rows to the spreadsheet mirror.
type SheetsClient interface {
	UpsertReservation(ctx context.Context, r *models.Reservation) error
	ReplaceReservations(ctx context.Context, list []*models.Reservation) error
}

// ReservationSnapshot lists everything the mirror should contain.
type ReservationSnapshot interface {
	ListRooms(ctx context.Context) ([]*models.Room, error)
	FindByRoom(ctx context.Context, roomID string) ([]*models.Reservation, error)
}

type sheetTask struct {
	Reservation *models.Reservation `json:"reservation"`
	Attempt     int                 `json:"attempt"`
	LastError   string              `json:"last_error,omitempty"`
}

// SheetsWorker keeps a spreadsheet in step with reservation events. The
// queue lives in memory; Resync repairs anything lost across restarts.
type SheetsWorker struct {
	sheets      SheetsClient
	redis       *redis.Client
	retryPolicy RetryPolicy
	queue       chan sheetTask
	logger      *zerolog.Logger
}

func NewSheetsWorker(sheets SheetsClient, redisClient *redis.Client, retry RetryPolicy, logger *zerolog.Logger) *SheetsWorker {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &SheetsWorker{
		sheets:      sheets,
		redis:       redisClient,
		retryPolicy: retry.withDefaults(),
		queue:       make(chan sheetTask, models.WorkerQueueSize),
		logger:      logger,
	}
}

// Subscribe registers the worker for every reservation event on bus.
func (w *SheetsWorker) Subscribe(bus *events.EventBus) {
	bus.Subscribe(w.HandleEvent, events.AllReservationEvents...)
}

// HandleEvent queues the reservation snapshot carried by event.
func (w *SheetsWorker) HandleEvent(event *events.Event) error {
	var p events.ReservationEventPayload
	if err := event.Decode(&p); err != nil {
		return fmt.Errorf("decode %s payload: %w", event.Type, err)
	}
	return w.Enqueue(p.Reservation())
}

// Enqueue schedules a row write without blocking the publisher.
func (w *SheetsWorker) Enqueue(r *models.Reservation) error {
	if r == nil || r.ID == 0 {
		return errors.New("reservation id is required")
	}
	select {
	case w.queue <- sheetTask{Reservation: r}:
		return nil
	default:
		return fmt.Errorf("sheets queue full, reservation %d left for resync", r.ID)
	}
}

// Start writes queued rows until ctx is done.
func (w *SheetsWorker) Start(ctx context.Context) {
	w.logger.Info().Msg("sheets worker started")
	defer w.logger.Info().Msg("sheets worker stopped")

	for {
		select {
		case <-ctx.Done():
			return
		case task := <-w.queue:
			w.processTask(ctx, task)
		}
	}
}

// Resync replaces the whole sheet with the current reservations of every room.
func (w *SheetsWorker) Resync(ctx context.Context, source ReservationSnapshot) error {
	rooms, err := source.ListRooms(ctx)
	if err != nil {
		return fmt.Errorf("list rooms: %w", err)
	}

	var all []*models.Reservation
	for _, room := range rooms {
		list, err := source.FindByRoom(ctx, room.ID)
		if err != nil {
			return fmt.Errorf("reservations of room %s: %w", room.ID, err)
		}
		all = append(all, list...)
	}

	if err := w.sheets.ReplaceReservations(ctx, all); err != nil {
		return fmt.Errorf("replace sheet: %w", err)
	}
	w.logger.Info().Int("rows", len(all)).Msg("sheet resynced")
	return nil
}

func (w *SheetsWorker) processTask(ctx context.Context, task sheetTask) {
	err := w.sheets.UpsertReservation(ctx, task.Reservation)
	if err == nil {
		return
	}

	task.Attempt++
	task.LastError = err.Error()
	if w.retryPolicy.Exhausted(task.Attempt) {
		w.logger.Error().Err(err).Int64("reservation_id", task.Reservation.ID).Msg("sheet row write failed permanently")
		w.pushDeadLetter(ctx, task)
		return
	}

	delay := w.retryPolicy.NextDelay(task.Attempt)
	w.logger.Warn().Err(err).Int64("reservation_id", task.Reservation.ID).Int("attempt", task.Attempt).Dur("retry_in", delay).Msg("sheet row write failed, will retry")

	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
			select {
			case w.queue <- task:
			default:
				w.logger.Warn().Int64("reservation_id", task.Reservation.ID).Msg("sheets queue full, retry dropped")
			}
		}
	}()
}

func (w *SheetsWorker) pushDeadLetter(ctx context.Context, task sheetTask) {
	if w.redis == nil {
		return
	}
	data, err := json.Marshal(task)
	if err != nil {
		w.logger.Error().Err(err).Int64("reservation_id", task.Reservation.ID).Msg("encode sheets dead letter")
		return
	}
	if err := w.redis.LPush(ctx, sheetsDeadLetterKey, data).Err(); err != nil {
		w.logger.Error().Err(err).Int64("reservation_id", task.Reservation.ID).Msg("push sheets dead letter")
	}
}

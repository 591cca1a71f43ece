package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"roombook/internal/domain"
	"roombook/internal/events"
	"roombook/internal/metrics"
	"roombook/internal/models"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	defaultPollInterval = 2 * time.Second
	deadLetterKey       = "notify:deadletter"
	messageTimeLayout   = "02.01.2006 15:04"
)

// Recipients tells the worker who hears about what.
type Recipients struct {
	// AdminChatIDs receive new pending requests and owner cancellations.
	AdminChatIDs []int64
	// UserChats maps requester ids to their chat ids.
	UserChats map[int64]int64
	// Location renders times in messages.
	Location *time.Location
}

// NotifyWorker turns reservation events into outbox tasks and delivers them.
// Tasks are persisted before delivery so a crash never loses a notification.
type NotifyWorker struct {
	outbox       domain.OutboxRepository
	notifier     domain.Notifier
	redis        *redis.Client
	recipients   Recipients
	retryPolicy  RetryPolicy
	wake         chan struct{}
	pollInterval time.Duration
	batchSize    int
	logger       *zerolog.Logger
}

func NewNotifyWorker(
	outbox domain.OutboxRepository,
	notifier domain.Notifier,
	redisClient *redis.Client,
	recipients Recipients,
	retry RetryPolicy,
	logger *zerolog.Logger,
) *NotifyWorker {
	if recipients.Location == nil {
		recipients.Location = time.UTC
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	return &NotifyWorker{
		outbox:       outbox,
		notifier:     notifier,
		redis:        redisClient,
		recipients:   recipients,
		retryPolicy:  retry.withDefaults(),
		wake:         make(chan struct{}, 1),
		pollInterval: defaultPollInterval,
		batchSize:    models.OutboxBatchSize,
		logger:       logger,
	}
}

// Subscribe registers the worker for every reservation event on bus.
func (w *NotifyWorker) Subscribe(bus *events.EventBus) {
	bus.Subscribe(w.HandleEvent, events.AllReservationEvents...)
}

// HandleEvent writes one outbox task per recipient of the event.
func (w *NotifyWorker) HandleEvent(event *events.Event) error {
	var p events.ReservationEventPayload
	if err := event.Decode(&p); err != nil {
		return fmt.Errorf("decode %s payload: %w", event.Type, err)
	}

	text := w.render(event.Type, p)
	if text == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var errs []error
	for _, chatID := range w.chatsFor(event.Type, p) {
		task := &models.OutboxTask{
			EventType:     event.Type,
			ReservationID: p.ReservationID,
			ChatID:        chatID,
			Message:       text,
		}
		if err := w.Enqueue(ctx, task); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Enqueue persists task and wakes the delivery loop.
func (w *NotifyWorker) Enqueue(ctx context.Context, task *models.OutboxTask) error {
	if task.ChatID == 0 {
		return errors.New("chat id is required")
	}
	if task.Message == "" {
		return errors.New("message is required")
	}

	if err := w.outbox.CreateOutboxTask(ctx, task); err != nil {
		return fmt.Errorf("persist outbox task: %w", err)
	}

	select {
	case w.wake <- struct{}{}:
	default:
	}
	return nil
}

// Start delivers due tasks until ctx is done.
func (w *NotifyWorker) Start(ctx context.Context) {
	w.logger.Info().Msg("notify worker started")
	defer w.logger.Info().Msg("notify worker stopped")

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		n, err := w.ProcessDue(ctx)
		if err != nil {
			w.logger.Error().Err(err).Msg("fetch due outbox tasks")
		}
		if n == w.batchSize {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-w.wake:
		case <-ticker.C:
		}
	}
}

// ProcessDue delivers one batch of due tasks and reports how many it handled.
func (w *NotifyWorker) ProcessDue(ctx context.Context) (int, error) {
	tasks, err := w.outbox.GetDueOutboxTasks(ctx, time.Now(), w.batchSize)
	if err != nil {
		return 0, err
	}
	for _, task := range tasks {
		if ctx.Err() != nil {
			break
		}
		w.processTask(ctx, task)
	}
	return len(tasks), nil
}

func (w *NotifyWorker) processTask(ctx context.Context, task *models.OutboxTask) {
	if err := w.notifier.Notify(ctx, task.ChatID, task.Message); err != nil {
		w.retryOrFail(ctx, task, err)
		return
	}

	metrics.IncNotification("sent")
	if err := w.outbox.UpdateOutboxTaskStatus(ctx, task.ID, models.OutboxCompleted, "", nil); err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("mark outbox task completed")
	}
}

func (w *NotifyWorker) retryOrFail(ctx context.Context, task *models.OutboxTask, cause error) {
	attempt := task.RetryCount + 1
	if w.retryPolicy.Exhausted(attempt) {
		metrics.IncNotification("failed")
		w.logger.Error().Err(cause).Int64("task_id", task.ID).Int64("chat_id", task.ChatID).Msg("notification failed permanently")
		if err := w.outbox.UpdateOutboxTaskStatus(ctx, task.ID, models.OutboxFailed, cause.Error(), nil); err != nil {
			w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("mark outbox task failed")
		}
		w.pushDeadLetter(ctx, task, cause)
		return
	}

	metrics.IncNotification("retry")
	nextTime := time.Now().Add(w.retryPolicy.NextDelay(attempt))
	w.logger.Warn().Err(cause).Int64("task_id", task.ID).Int("attempt", attempt).Time("next_retry_at", nextTime).Msg("notification failed, will retry")
	if err := w.outbox.UpdateOutboxTaskStatus(ctx, task.ID, models.OutboxRetry, cause.Error(), &nextTime); err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("mark outbox task retry")
	}
}

func (w *NotifyWorker) pushDeadLetter(ctx context.Context, task *models.OutboxTask, cause error) {
	if w.redis == nil {
		return
	}
	msg := cause.Error()
	dead := *task
	dead.LastError = &msg
	dead.Status = models.OutboxFailed

	data, err := json.Marshal(dead)
	if err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("encode dead letter")
		return
	}
	if err := w.redis.LPush(ctx, deadLetterKey, data).Err(); err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("push dead letter")
	}
}

func (w *NotifyWorker) chatsFor(eventType string, p events.ReservationEventPayload) []int64 {
	ownerChat := w.recipients.UserChats[p.RequesterID]

	switch eventType {
	case events.EventReservationCreated:
		if p.Status == string(models.StatusPending) {
			return w.recipients.AdminChatIDs
		}
		return nil
	case events.EventReservationCancelled:
		if p.ChangedByID == p.RequesterID {
			return w.recipients.AdminChatIDs
		}
	}

	if ownerChat == 0 {
		return nil
	}
	return []int64{ownerChat}
}

func (w *NotifyWorker) render(eventType string, p events.ReservationEventPayload) string {
	var title string
	switch eventType {
	case events.EventReservationCreated:
		title = "New reservation request"
	case events.EventReservationApproved:
		title = "Reservation approved"
	case events.EventReservationRefused:
		title = "Reservation refused"
	case events.EventReservationCancelled:
		title = "Reservation cancelled"
	default:
		return ""
	}

	loc := w.recipients.Location
	var b strings.Builder
	fmt.Fprintf(&b, "<b>%s</b> #%d\n", title, p.ReservationID)
	fmt.Fprintf(&b, "Room: %s\n", html.EscapeString(p.RoomID))
	fmt.Fprintf(&b, "When: %s - %s\n", p.Start.In(loc).Format(messageTimeLayout), p.End.In(loc).Format(messageTimeLayout))
	if p.Purpose != "" {
		fmt.Fprintf(&b, "Purpose: %s\n", html.EscapeString(p.Purpose))
	}
	fmt.Fprintf(&b, "Status: %s", p.Status)
	return b.String()
}

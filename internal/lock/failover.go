package lock

import (
	"context"
	"sync/atomic"
	"time"

	"roombook/internal/domain"
	"roombook/internal/metrics"

	"github.com/rs/zerolog"
)

const recoveryInterval = time.Minute

// FailoverRoomLocker uses the primary (Redis) lock and falls back to the
// in-process lock while the primary is failing, retrying it once a minute.
type FailoverRoomLocker struct {
	primary   domain.RoomLocker
	fallback  domain.RoomLocker
	logger    *zerolog.Logger
	isDown    atomic.Bool
	lastCheck atomic.Int64
}

func NewFailoverRoomLocker(primary, fallback domain.RoomLocker, logger *zerolog.Logger) *FailoverRoomLocker {
	return &FailoverRoomLocker{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
	}
}

func (r *FailoverRoomLocker) shouldTryPrimary() bool {
	if !r.isDown.Load() {
		return true
	}
	return time.Since(time.Unix(0, r.lastCheck.Load())) > recoveryInterval
}

func (r *FailoverRoomLocker) Lock(ctx context.Context, roomID string) (func(), error) {
	if r.shouldTryPrimary() {
		unlock, err := r.primary.Lock(ctx, roomID)
		if err == nil {
			if r.isDown.Swap(false) {
				r.logger.Info().Msg("Primary room lock recovered")
			}
			return unlock, nil
		}
		// The caller gave up; that says nothing about the primary's health.
		if ctx.Err() != nil {
			return nil, err
		}
		if !r.isDown.Swap(true) {
			metrics.IncLockFailover()
		}
		r.lastCheck.Store(time.Now().UnixNano())
		r.logger.Error().Err(err).Str("room_id", roomID).Msg("Primary room lock failed, falling back to memory")
	}

	return r.fallback.Lock(ctx, roomID)
}

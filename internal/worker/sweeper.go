package worker

import (
	"context"
	"time"

	"booking-service/internal/models"
	"booking-service/internal/service"
	"booking-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SweeperStore is the persistence needed by the reservation sweep.
type SweeperStore interface {
	GetStaleBookings(ctx context.Context, cutoff time.Time) ([]models.Booking, error)
	ExpireBooking(ctx context.Context, bookingID int64, cutoff time.Time) (*models.Booking, int, error)
}

// SweeperEventPublisher publishes expiration events.
type SweeperEventPublisher interface {
	PublishBookingExpired(ctx context.Context, event *models.BookingExpiredEvent) error
}

// ReservationSweeper reclaims seats held by bookings that sat unpaid past the
// reservation TTL. Each reclaim re-checks staleness under a row lock, so a
// booking that settles between the scan and the sweep is left alone.
type ReservationSweeper struct {
	store     SweeperStore
	inventory *service.RideInventory
	publisher SweeperEventPublisher
	ttl       time.Duration
	interval  time.Duration
	logger    *zap.Logger
}

// NewReservationSweeper creates a new reservation sweeper
func NewReservationSweeper(
	store SweeperStore,
	inventory *service.RideInventory,
	publisher SweeperEventPublisher,
	ttl, interval time.Duration,
) *ReservationSweeper {
	return &ReservationSweeper{
		store:     store,
		inventory: inventory,
		publisher: publisher,
		ttl:       ttl,
		interval:  interval,
		logger:    util.GetLogger(),
	}
}

// Start runs the sweep loop until the context is cancelled.
func (sw *ReservationSweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	sw.logger.Info("Reservation sweeper started",
		zap.Duration("ttl", sw.ttl),
		zap.Duration("interval", sw.interval))

	for {
		select {
		case <-ctx.Done():
			sw.logger.Info("Reservation sweeper stopped")
			return
		case <-ticker.C:
			sw.sweep(ctx)
		}
	}
}

func (sw *ReservationSweeper) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-sw.ttl)

	stale, err := sw.store.GetStaleBookings(ctx, cutoff)
	if err != nil {
		sw.logger.Error("Failed to list stale bookings", zap.Error(err))
		return
	}

	for i := range stale {
		booking, released, err := sw.store.ExpireBooking(ctx, stale[i].ID, cutoff)
		if err != nil {
			sw.logger.Error("Failed to expire booking",
				zap.Int64("booking_id", stale[i].ID),
				zap.Error(err))
			continue
		}
		if released == 0 {
			// Settled or swept since the scan.
			continue
		}

		sw.inventory.Refresh(ctx, booking.RideID)
		util.BookingsExpiredTotal.Inc()
		util.SeatsReleasedTotal.Add(float64(released))
		sw.logger.Info("Expired stale reservation",
			append(util.BookingFields(booking.ID, booking.RideID), zap.Int("seats_released", released))...)

		event := &models.BookingExpiredEvent{
			BaseEvent: models.BaseEvent{
				EventID:   uuid.New().String(),
				EventType: models.EventTypeBookingExpired,
				Timestamp: time.Now(),
			},
			BookingID:     booking.ID,
			RideID:        booking.RideID,
			SeatsReleased: released,
		}
		if err := sw.publisher.PublishBookingExpired(ctx, event); err != nil {
			sw.logger.Error("Failed to publish BookingExpired event", zap.Error(err))
		}
	}
}

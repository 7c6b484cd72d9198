package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"booking-service/internal/models"
	"booking-service/internal/store"
	"booking-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// bookingLockTTL bounds how long one rider's submission can exclude their own
// duplicates before the lock self-expires.
const bookingLockTTL = 10 * time.Second

// BookingStore is the persistence needed by the booking orchestrator.
type BookingStore interface {
	GetActiveBooking(ctx context.Context, rideID, riderID int64) (*models.Booking, error)
	CreateBooking(ctx context.Context, booking *models.Booking) error
	GetBookingByID(ctx context.Context, id int64) (*models.Booking, error)
	UpdateBookingSeats(ctx context.Context, bookingID int64, seatCount int, status string) error
	CancelBooking(ctx context.Context, bookingID int64) (*models.Booking, int, error)
}

// BookingLocker serializes one rider's concurrent submissions for one ride.
type BookingLocker interface {
	AcquireBookingLock(ctx context.Context, rideID, riderID int64, ttl time.Duration) (bool, error)
	ReleaseBookingLock(ctx context.Context, rideID, riderID int64) error
}

// BookingEventPublisher publishes booking lifecycle events.
type BookingEventPublisher interface {
	PublishBookingCreated(ctx context.Context, event *models.BookingCreatedEvent) error
	PublishSeatsReserved(ctx context.Context, event *models.SeatsReservedEvent) error
	PublishBookingCancelled(ctx context.Context, event *models.BookingCancelledEvent) error
}

// BookingService is the only entry point for creating or growing a booking.
type BookingService struct {
	store     BookingStore
	inventory *RideInventory
	locker    BookingLocker
	publisher BookingEventPublisher
	logger    *zap.Logger
}

// NewBookingService creates a new booking service
func NewBookingService(
	store BookingStore,
	inventory *RideInventory,
	locker BookingLocker,
	publisher BookingEventPublisher,
) *BookingService {
	return &BookingService{
		store:     store,
		inventory: inventory,
		locker:    locker,
		publisher: publisher,
		logger:    util.GetLogger(),
	}
}

// CreateOrUpdateBooking creates a rider's booking on a ride or adjusts the
// existing one. A rider holds at most one non-cancelled booking per ride; a
// repeated request updates that booking, never inserts a duplicate. On any
// successful path exactly one reservation delta is applied to the ride.
func (s *BookingService) CreateOrUpdateBooking(ctx context.Context, rideID, riderID int64, requestedSeats int) (*models.Booking, error) {
	ctx, span := util.StartSpan(ctx, "BookingService.CreateOrUpdateBooking")
	defer span.End()

	if requestedSeats <= 0 {
		util.BookingsFailedTotal.WithLabelValues("invalid_seat_count").Inc()
		return nil, ErrInvalidSeatCount
	}

	acquired, err := s.locker.AcquireBookingLock(ctx, rideID, riderID, bookingLockTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire booking lock: %w", err)
	}
	if !acquired {
		// The same rider already has a submission in flight for this ride.
		util.BookingsFailedTotal.WithLabelValues("duplicate_in_flight").Inc()
		return nil, ErrConcurrentModification
	}
	defer func() {
		if err := s.locker.ReleaseBookingLock(ctx, rideID, riderID); err != nil {
			s.logger.Warn("Failed to release booking lock",
				zap.Int64("ride_id", rideID),
				zap.Int64("rider_id", riderID),
				zap.Error(err))
		}
	}()

	existing, err := s.store.GetActiveBooking(ctx, rideID, riderID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up booking: %w", err)
	}

	if existing == nil {
		return s.createBooking(ctx, rideID, riderID, requestedSeats)
	}
	return s.updateBooking(ctx, existing, requestedSeats)
}

func (s *BookingService) createBooking(ctx context.Context, rideID, riderID int64, requestedSeats int) (*models.Booking, error) {
	if _, err := s.inventory.Reserve(ctx, rideID, requestedSeats); err != nil {
		return nil, s.mapReserveError(err)
	}

	booking := &models.Booking{
		RideID:        rideID,
		RiderID:       riderID,
		SeatCount:     requestedSeats,
		PaidSeatCount: 0,
		PaymentStatus: models.BookingStatusAwaitingPayment,
	}

	if err := s.store.CreateBooking(ctx, booking); err != nil {
		// The seats must not stay held behind a booking that was never recorded.
		if relErr := s.inventory.Release(ctx, rideID, requestedSeats); relErr != nil {
			s.logger.Error("Failed to release seats after booking insert failure",
				zap.Int64("ride_id", rideID),
				zap.Error(relErr))
		}
		util.BookingsFailedTotal.WithLabelValues("db_error").Inc()
		return nil, fmt.Errorf("failed to create booking: %w", err)
	}

	s.inventory.Commit(ctx, rideID)
	util.BookingsCreatedTotal.Inc()
	s.logger.Info("Booking created",
		zap.Int64("booking_id", booking.ID),
		zap.Int64("ride_id", rideID),
		zap.Int("seats", requestedSeats))

	s.publishCreated(ctx, booking)
	s.publishReserved(ctx, booking, requestedSeats)

	return booking, nil
}

func (s *BookingService) updateBooking(ctx context.Context, booking *models.Booking, requestedSeats int) (*models.Booking, error) {
	// Seats already settled can never be taken back by a resubmission.
	if requestedSeats < booking.PaidSeatCount {
		util.BookingsFailedTotal.WithLabelValues("below_paid").Inc()
		return nil, ErrInvalidSeatCount
	}

	switch booking.PaymentStatus {
	case models.BookingStatusCompleted:
		// Only increases open a new payment cycle on a settled booking.
		if requestedSeats <= booking.SeatCount {
			util.BookingsFailedTotal.WithLabelValues("not_an_increase").Inc()
			return nil, ErrInvalidSeatCount
		}
		delta := requestedSeats - booking.SeatCount
		if _, err := s.inventory.Reserve(ctx, booking.RideID, delta); err != nil {
			return nil, s.mapReserveError(err)
		}
		if err := s.applySeatUpdate(ctx, booking, requestedSeats, models.BookingStatusAwaitingPayment, delta); err != nil {
			return nil, err
		}
		s.publishReserved(ctx, booking, delta)
		return booking, nil

	case models.BookingStatusAwaitingPayment, models.BookingStatusPaymentInProgress:
		// Idempotent resubmission: the ride already holds seat_count seats
		// for this booking, so the delta is against the previous request,
		// not against what was paid.
		delta := requestedSeats - booking.SeatCount
		switch {
		case delta > 0:
			if _, err := s.inventory.Reserve(ctx, booking.RideID, delta); err != nil {
				return nil, s.mapReserveError(err)
			}
		case delta < 0:
			if err := s.inventory.Release(ctx, booking.RideID, -delta); err != nil {
				return nil, fmt.Errorf("failed to shrink reservation: %w", err)
			}
		}
		if err := s.applySeatUpdate(ctx, booking, requestedSeats, booking.PaymentStatus, delta); err != nil {
			return nil, err
		}
		if delta > 0 {
			s.publishReserved(ctx, booking, delta)
		}
		return booking, nil

	case models.BookingStatusFailed:
		// A failed cycle already returned its unpaid seats, so only the
		// paid ones (none, on a first-cycle failure) are still held.
		delta := requestedSeats - booking.PaidSeatCount
		if _, err := s.inventory.Reserve(ctx, booking.RideID, delta); err != nil {
			return nil, s.mapReserveError(err)
		}
		if err := s.applySeatUpdate(ctx, booking, requestedSeats, models.BookingStatusAwaitingPayment, delta); err != nil {
			return nil, err
		}
		s.publishReserved(ctx, booking, delta)
		return booking, nil

	default:
		return nil, ErrBookingCancelled
	}
}

// applySeatUpdate persists the new seat count and rolls the reservation delta
// back when the write fails.
func (s *BookingService) applySeatUpdate(ctx context.Context, booking *models.Booking, requestedSeats int, status string, delta int) error {
	if err := s.store.UpdateBookingSeats(ctx, booking.ID, requestedSeats, status); err != nil {
		if delta > 0 {
			if relErr := s.inventory.Release(ctx, booking.RideID, delta); relErr != nil {
				s.logger.Error("Failed to release seats after booking update failure",
					zap.Int64("booking_id", booking.ID),
					zap.Error(relErr))
			}
		}
		util.BookingsFailedTotal.WithLabelValues("db_error").Inc()
		return fmt.Errorf("failed to update booking: %w", err)
	}

	s.inventory.Commit(ctx, booking.RideID)
	booking.SeatCount = requestedSeats
	booking.PaymentStatus = status

	s.logger.Info("Booking updated",
		zap.Int64("booking_id", booking.ID),
		zap.Int("seats", requestedSeats),
		zap.Int("delta", delta))
	return nil
}

// CancelBooking retires a rider's booking and returns all its seats to the ride.
func (s *BookingService) CancelBooking(ctx context.Context, bookingID, riderID int64) (*models.Booking, error) {
	ctx, span := util.StartBookingSpan(ctx, "BookingService.CancelBooking", bookingID)
	defer span.End()

	booking, err := s.store.GetBookingByID(ctx, bookingID)
	if err != nil {
		return nil, s.mapStoreError(err)
	}
	if booking.RiderID != riderID {
		return nil, ErrBookingNotOwned
	}
	if booking.PaymentStatus == models.BookingStatusCancelled {
		return nil, ErrBookingCancelled
	}
	// Settled seats are backed by settled money; cancellation never
	// releases them.
	if booking.PaymentStatus == models.BookingStatusCompleted {
		return nil, ErrBookingCompleted
	}

	cancelled, released, err := s.store.CancelBooking(ctx, bookingID)
	if err != nil {
		// The row may have settled between the read and the lock.
		if errors.Is(err, store.ErrBookingCompleted) {
			return nil, ErrBookingCompleted
		}
		return nil, fmt.Errorf("failed to cancel booking: %w", err)
	}

	if released > 0 {
		s.inventory.Refresh(ctx, cancelled.RideID)
	}
	util.BookingsCancelledTotal.Inc()
	s.logger.Info("Booking cancelled",
		append(util.BookingFields(bookingID, cancelled.RideID), zap.Int("seats_released", released))...)

	event := &models.BookingCancelledEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeBookingCancelled,
			Timestamp: time.Now(),
		},
		BookingID: cancelled.ID,
		RideID:    cancelled.RideID,
		Reason:    "rider cancellation",
	}
	if err := s.publisher.PublishBookingCancelled(ctx, event); err != nil {
		s.logger.Error("Failed to publish BookingCancelled event", zap.Error(err))
	}

	return cancelled, nil
}

// GetBooking retrieves a booking by ID.
func (s *BookingService) GetBooking(ctx context.Context, bookingID int64) (*models.Booking, error) {
	booking, err := s.store.GetBookingByID(ctx, bookingID)
	if err != nil {
		return nil, s.mapStoreError(err)
	}
	return booking, nil
}

func (s *BookingService) publishCreated(ctx context.Context, booking *models.Booking) {
	event := &models.BookingCreatedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeBookingCreated,
			Timestamp: time.Now(),
		},
		BookingID: booking.ID,
		RideID:    booking.RideID,
		RiderID:   booking.RiderID,
		SeatCount: booking.SeatCount,
	}
	if err := s.publisher.PublishBookingCreated(ctx, event); err != nil {
		s.logger.Error("Failed to publish BookingCreated event", zap.Error(err))
	}
}

func (s *BookingService) publishReserved(ctx context.Context, booking *models.Booking, seats int) {
	event := &models.SeatsReservedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeSeatsReserved,
			Timestamp: time.Now(),
		},
		BookingID: booking.ID,
		RideID:    booking.RideID,
		Seats:     seats,
	}
	if err := s.publisher.PublishSeatsReserved(ctx, event); err != nil {
		s.logger.Error("Failed to publish SeatsReserved event", zap.Error(err))
	}
}

func (s *BookingService) mapReserveError(err error) error {
	if errors.Is(err, store.ErrRideNotFound) {
		return ErrRideNotFound
	}
	return err
}

func (s *BookingService) mapStoreError(err error) error {
	switch {
	case errors.Is(err, store.ErrBookingNotFound):
		return ErrBookingNotFound
	case errors.Is(err, store.ErrRideNotFound):
		return ErrRideNotFound
	}
	return err
}

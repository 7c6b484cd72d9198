package service

import (
	"context"
	"errors"
	"time"

	"booking-service/internal/models"
	"booking-service/internal/redisclient"
	"booking-service/internal/util"

	"go.uber.org/zap"
)

// InventoryStore is the durable, authoritative side of seat admission.
type InventoryStore interface {
	CreateRide(ctx context.Context, ride *models.Ride) error
	GetRideByID(ctx context.Context, id int64) (*models.Ride, error)
	ReserveSeats(ctx context.Context, rideID int64, seats int, version int64) (bool, error)
	ReleaseSeats(ctx context.Context, rideID int64, seats int) error
}

// SeatMirror is the best-effort Redis counter in front of the database.
type SeatMirror interface {
	ReserveSeats(ctx context.Context, rideID int64, seats int) (bool, error)
	ReleaseSeats(ctx context.Context, rideID int64, seats int) error
	InitSeats(ctx context.Context, rideID int64, total, committed int) error
	GetSeats(ctx context.Context, rideID int64) (total, committed int, err error)
}

// RideInventory performs atomic admission control over a ride's seat
// capacity. The Postgres versioned conditional update is the authority; the
// Redis mirror only fails obviously-full rides fast and serves availability
// reads, and any disagreement resolves in the database's favor.
type RideInventory struct {
	store      InventoryStore
	mirror     SeatMirror
	maxRetries int
	logger     *zap.Logger
}

// NewRideInventory creates a new ride inventory
func NewRideInventory(store InventoryStore, mirror SeatMirror, maxRetries int) *RideInventory {
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &RideInventory{
		store:      store,
		mirror:     mirror,
		maxRetries: maxRetries,
		logger:     util.GetLogger(),
	}
}

// CreateRide registers a ride with its full capacity free and seeds the
// mirror so availability reads hit Redis from the start.
func (inv *RideInventory) CreateRide(ctx context.Context, driverID, pricePerSeat int64, totalSeats int) (*models.Ride, error) {
	if totalSeats <= 0 || pricePerSeat < 0 {
		return nil, ErrInvalidRide
	}

	ride := &models.Ride{
		DriverID:     driverID,
		PricePerSeat: pricePerSeat,
		TotalSeats:   totalSeats,
	}
	if err := inv.store.CreateRide(ctx, ride); err != nil {
		return nil, err
	}

	if err := inv.mirror.InitSeats(ctx, ride.ID, ride.TotalSeats, 0); err != nil {
		inv.logger.Warn("Failed to seed seat mirror for new ride",
			zap.Int64("ride_id", ride.ID),
			zap.Error(err))
	}

	inv.logger.Info("Ride created",
		zap.Int64("ride_id", ride.ID),
		zap.Int64("driver_id", driverID),
		zap.Int("total_seats", totalSeats))
	return ride, nil
}

// Reserve atomically admits a seat delta against the ride's capacity and
// returns the ride as read before the winning update. ErrInsufficientCapacity
// means the seats do not fit; ErrConcurrentModification means the version
// race was lost past the retry bound. On success exactly one delta has been
// applied.
func (inv *RideInventory) Reserve(ctx context.Context, rideID int64, seats int) (*models.Ride, error) {
	ctx, span := util.StartSpan(ctx, "RideInventory.Reserve")
	defer span.End()

	start := time.Now()
	defer func() {
		util.SeatReserveLatency.Observe(time.Since(start).Seconds())
	}()

	mirrored := inv.tryMirrorReserve(ctx, rideID, seats)

	for attempt := 0; attempt < inv.maxRetries; attempt++ {
		ride, err := inv.store.GetRideByID(ctx, rideID)
		if err != nil {
			inv.rollbackMirror(ctx, rideID, seats, mirrored)
			return nil, err
		}

		if ride.AvailableSeats() < seats {
			inv.rollbackMirror(ctx, rideID, seats, mirrored)
			util.SeatReservationsFailed.WithLabelValues("insufficient_capacity").Inc()
			return nil, ErrInsufficientCapacity
		}

		ok, err := inv.store.ReserveSeats(ctx, rideID, seats, ride.Version)
		if err != nil {
			inv.rollbackMirror(ctx, rideID, seats, mirrored)
			return nil, err
		}
		if ok {
			util.SeatsReservedTotal.Add(float64(seats))
			if !mirrored {
				inv.Refresh(ctx, rideID)
			}
			return ride, nil
		}
		// Lost the version race; another booker moved the row. Re-read and retry.
	}

	inv.rollbackMirror(ctx, rideID, seats, mirrored)
	util.SeatReservationsFailed.WithLabelValues("version_conflict").Inc()
	return nil, ErrConcurrentModification
}

// Release returns a seat delta to the ride's capacity, floored at zero.
func (inv *RideInventory) Release(ctx context.Context, rideID int64, seats int) error {
	ctx, span := util.StartSpan(ctx, "RideInventory.Release")
	defer span.End()

	if err := inv.store.ReleaseSeats(ctx, rideID, seats); err != nil {
		return err
	}
	util.SeatsReleasedTotal.Add(float64(seats))

	if err := inv.mirror.ReleaseSeats(ctx, rideID, seats); err != nil && !errors.Is(err, redisclient.ErrNoMirror) {
		inv.logger.Warn("Failed to release seats in mirror",
			zap.Int64("ride_id", rideID),
			zap.Error(err))
	}
	return nil
}

// Commit confirms a reservation. Seats were counted at reservation time, so
// this is the named no-op pairing every reserve with either a commit or a
// release.
func (inv *RideInventory) Commit(ctx context.Context, rideID int64) {
	util.SeatsCommittedTotal.Inc()
	inv.logger.Debug("Reservation committed", zap.Int64("ride_id", rideID))
}

// Availability reads the ride's seat counts, mirror first with database
// fallthrough.
func (inv *RideInventory) Availability(ctx context.Context, rideID int64) (total, committed int, err error) {
	total, committed, err = inv.mirror.GetSeats(ctx, rideID)
	if err == nil {
		return total, committed, nil
	}

	ride, err := inv.store.GetRideByID(ctx, rideID)
	if err != nil {
		return 0, 0, err
	}
	inv.Refresh(ctx, rideID)
	return ride.TotalSeats, ride.CommittedSeats, nil
}

// Refresh resyncs the mirror from the database row. Called after seat
// mutations that bypass Reserve/Release (reconcile rollbacks, sweeps,
// cancellations apply their release inside a database transaction).
func (inv *RideInventory) Refresh(ctx context.Context, rideID int64) {
	ride, err := inv.store.GetRideByID(ctx, rideID)
	if err != nil {
		inv.logger.Warn("Failed to read ride for mirror refresh",
			zap.Int64("ride_id", rideID),
			zap.Error(err))
		return
	}
	if err := inv.mirror.InitSeats(ctx, rideID, ride.TotalSeats, ride.CommittedSeats); err != nil {
		inv.logger.Warn("Failed to refresh seat mirror",
			zap.Int64("ride_id", rideID),
			zap.Error(err))
	}
}

// tryMirrorReserve applies the delta to the mirror when one exists. A full
// mirror is not final: the database decides, so a false here only skips the
// mirror bookkeeping.
func (inv *RideInventory) tryMirrorReserve(ctx context.Context, rideID int64, seats int) bool {
	ok, err := inv.mirror.ReserveSeats(ctx, rideID, seats)
	if err != nil {
		if !errors.Is(err, redisclient.ErrNoMirror) {
			inv.logger.Warn("Mirror reservation failed, using database only",
				zap.Int64("ride_id", rideID),
				zap.Error(err))
		}
		return false
	}
	return ok
}

func (inv *RideInventory) rollbackMirror(ctx context.Context, rideID int64, seats int, mirrored bool) {
	if !mirrored {
		return
	}
	if err := inv.mirror.ReleaseSeats(ctx, rideID, seats); err != nil && !errors.Is(err, redisclient.ErrNoMirror) {
		inv.logger.Warn("Failed to roll back mirror reservation",
			zap.Int64("ride_id", rideID),
			zap.Error(err))
	}
}

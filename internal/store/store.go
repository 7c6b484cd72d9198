package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"booking-service/internal/models"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

type Store struct {
	db *sqlx.DB
}

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// GetDB returns the underlying database connection
func (s *Store) GetDB() *sqlx.DB {
	return s.db
}

// CreateRide creates a new ride with no committed seats
func (s *Store) CreateRide(ctx context.Context, ride *models.Ride) error {
	query := `
		INSERT INTO rides (driver_id, price_per_seat, total_seats, committed_seats, version)
		VALUES ($1, $2, $3, 0, 0)
		RETURNING id, committed_seats, version, created_at`

	return s.db.GetContext(ctx, ride, query,
		ride.DriverID, ride.PricePerSeat, ride.TotalSeats)
}

// GetRideByID retrieves a ride by ID
func (s *Store) GetRideByID(ctx context.Context, id int64) (*models.Ride, error) {
	var ride models.Ride
	err := s.db.GetContext(ctx, &ride, "SELECT * FROM rides WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, ErrRideNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ride, nil
}

// ReserveSeats attempts to admit a seat delta against a ride's capacity as a
// single conditional update. The version predicate makes the read-check-write
// a compare-and-swap: a stale version or insufficient capacity both leave the
// row untouched and return false. The caller re-reads the ride to tell the
// two apart.
func (s *Store) ReserveSeats(ctx context.Context, rideID int64, seats int, version int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE rides
		SET committed_seats = committed_seats + $1, version = version + 1
		WHERE id = $2 AND version = $3 AND committed_seats + $1 <= total_seats`,
		seats, rideID, version)
	if err != nil {
		return false, fmt.Errorf("failed to reserve seats: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// ReleaseSeats returns a seat delta to a ride's capacity, floored at zero.
// Unconditional on version: releases must never be lost to a concurrent writer.
func (s *Store) ReleaseSeats(ctx context.Context, rideID int64, seats int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE rides
		SET committed_seats = GREATEST(committed_seats - $1, 0), version = version + 1
		WHERE id = $2`,
		seats, rideID)
	if err != nil {
		return fmt.Errorf("failed to release seats: %w", err)
	}
	return nil
}

package store

import (
	"context"
	"database/sql"
	"time"

	"booking-service/internal/models"

	"github.com/jmoiron/sqlx"
)

// CreateBooking creates a new booking row
func (s *Store) CreateBooking(ctx context.Context, booking *models.Booking) error {
	query := `
		INSERT INTO bookings (ride_id, rider_id, seat_count, paid_seat_count, payment_status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at`

	return s.db.GetContext(ctx, booking, query,
		booking.RideID, booking.RiderID, booking.SeatCount, booking.PaidSeatCount, booking.PaymentStatus)
}

// GetBookingByID retrieves a booking by ID
func (s *Store) GetBookingByID(ctx context.Context, id int64) (*models.Booking, error) {
	var booking models.Booking
	err := s.db.GetContext(ctx, &booking, "SELECT * FROM bookings WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, ErrBookingNotFound
	}
	if err != nil {
		return nil, err
	}
	return &booking, nil
}

// GetActiveBooking retrieves the single non-cancelled booking for a
// (ride, rider) pair, or nil when none exists. A partial unique index on
// (ride_id, rider_id) WHERE payment_status <> 'CANCELLED' backs the
// one-active-booking invariant at the storage level.
func (s *Store) GetActiveBooking(ctx context.Context, rideID, riderID int64) (*models.Booking, error) {
	var booking models.Booking
	err := s.db.GetContext(ctx, &booking,
		"SELECT * FROM bookings WHERE ride_id = $1 AND rider_id = $2 AND payment_status <> $3",
		rideID, riderID, models.BookingStatusCancelled)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &booking, nil
}

// UpdateBookingSeats updates a booking's requested seat count and payment status
func (s *Store) UpdateBookingSeats(ctx context.Context, bookingID int64, seatCount int, status string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE bookings SET seat_count = $1, payment_status = $2, updated_at = NOW() WHERE id = $3",
		seatCount, status, bookingID)
	return err
}

// UpdateBookingStatus updates a booking's payment status
func (s *Store) UpdateBookingStatus(ctx context.Context, bookingID int64, status string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE bookings SET payment_status = $1, updated_at = NOW() WHERE id = $2",
		status, bookingID)
	return err
}

// GetStaleBookings lists bookings holding unpaid reservations past the cutoff,
// for the reservation sweep.
func (s *Store) GetStaleBookings(ctx context.Context, cutoff time.Time) ([]models.Booking, error) {
	var bookings []models.Booking
	err := s.db.SelectContext(ctx, &bookings, `
		SELECT * FROM bookings
		WHERE payment_status IN ($1, $2) AND updated_at < $3`,
		models.BookingStatusAwaitingPayment, models.BookingStatusPaymentInProgress, cutoff)
	return bookings, err
}

// CreateTransaction inserts a payment transaction after verifying, under a
// row lock on the booking, that no other transaction for the booking is still
// active. Returns ErrActiveTransactionExists otherwise.
func (s *Store) CreateTransaction(ctx context.Context, txn *models.PaymentTransaction) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var bookingID int64
	err = tx.GetContext(ctx, &bookingID,
		"SELECT id FROM bookings WHERE id = $1 FOR UPDATE", txn.BookingID)
	if err == sql.ErrNoRows {
		return ErrBookingNotFound
	}
	if err != nil {
		return err
	}

	var active int
	err = tx.GetContext(ctx, &active, `
		SELECT COUNT(*) FROM payment_transactions
		WHERE booking_id = $1 AND status IN ($2, $3)`,
		txn.BookingID, models.TransactionStatusInitiated, models.TransactionStatusPending)
	if err != nil {
		return err
	}
	if active > 0 {
		return ErrActiveTransactionExists
	}

	query := `
		INSERT INTO payment_transactions (booking_id, provider, amount, provider_ref, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at`

	if err := tx.GetContext(ctx, txn, query,
		txn.BookingID, txn.Provider, txn.Amount, txn.ProviderRef, txn.Status); err != nil {
		return err
	}

	return tx.Commit()
}

// GetTransactionByID retrieves a payment transaction by ID
func (s *Store) GetTransactionByID(ctx context.Context, id int64) (*models.PaymentTransaction, error) {
	var txn models.PaymentTransaction
	err := s.db.GetContext(ctx, &txn, "SELECT * FROM payment_transactions WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &txn, nil
}

// GetTransactionByProviderRef retrieves a payment transaction by its external
// provider reference
func (s *Store) GetTransactionByProviderRef(ctx context.Context, provider, ref string) (*models.PaymentTransaction, error) {
	var txn models.PaymentTransaction
	err := s.db.GetContext(ctx, &txn,
		"SELECT * FROM payment_transactions WHERE provider = $1 AND provider_ref = $2",
		provider, ref)
	if err == sql.ErrNoRows {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &txn, nil
}

// GetLatestTransactionByBookingID retrieves the most recent transaction for a booking
func (s *Store) GetLatestTransactionByBookingID(ctx context.Context, bookingID int64) (*models.PaymentTransaction, error) {
	var txn models.PaymentTransaction
	err := s.db.GetContext(ctx, &txn,
		"SELECT * FROM payment_transactions WHERE booking_id = $1 ORDER BY created_at DESC LIMIT 1",
		bookingID)
	if err == sql.ErrNoRows {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &txn, nil
}

// SetTransactionProviderRef records the external reference returned by the
// provider for a freshly initiated transaction.
func (s *Store) SetTransactionProviderRef(ctx context.Context, txnID int64, ref string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE payment_transactions SET provider_ref = $1, updated_at = NOW() WHERE id = $2",
		ref, txnID)
	return err
}

// MarkTransactionPending moves an initiated transaction to pending; a no-op
// once the transaction left the active states.
func (s *Store) MarkTransactionPending(ctx context.Context, txnID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE payment_transactions SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3`,
		models.TransactionStatusPending, txnID, models.TransactionStatusInitiated)
	return err
}

// ReconcileSuccess applies a succeeded terminal outcome: the transaction's
// terminal status and the booking settlement commit in one database
// transaction, so a partial write (money settled, seats not credited) cannot
// be observed. Returns ErrAlreadyTerminal when the transaction was resolved
// before, letting redundant reconcilers no-op.
func (s *Store) ReconcileSuccess(ctx context.Context, txnID int64) (*models.Booking, error) {
	var booking models.Booking

	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		txn, err := lockTransaction(ctx, tx, txnID)
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			"UPDATE payment_transactions SET status = $1, updated_at = NOW() WHERE id = $2",
			models.TransactionStatusSucceeded, txn.ID); err != nil {
			return err
		}

		return tx.GetContext(ctx, &booking, `
			UPDATE bookings
			SET paid_seat_count = seat_count, payment_status = $1, updated_at = NOW()
			WHERE id = $2
			RETURNING *`,
			models.BookingStatusCompleted, txn.BookingID)
	})
	if err != nil {
		return nil, err
	}
	return &booking, nil
}

// ReconcileFailure applies a failed or expired terminal outcome. The unpaid
// seat delta returns to the ride's capacity, and the booking either fails (no
// prior settled seats) or rolls back to its paid seat count, all in one
// database transaction. Returns the updated booking and the released delta.
func (s *Store) ReconcileFailure(ctx context.Context, txnID int64, terminalStatus string) (*models.Booking, int, error) {
	var booking models.Booking
	var released int

	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		txn, err := lockTransaction(ctx, tx, txnID)
		if err != nil {
			return err
		}

		err = tx.GetContext(ctx, &booking,
			"SELECT * FROM bookings WHERE id = $1 FOR UPDATE", txn.BookingID)
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			"UPDATE payment_transactions SET status = $1, updated_at = NOW() WHERE id = $2",
			terminalStatus, txn.ID); err != nil {
			return err
		}

		released = booking.SeatCount - booking.PaidSeatCount
		if released > 0 {
			if _, err := tx.ExecContext(ctx, `
				UPDATE rides
				SET committed_seats = GREATEST(committed_seats - $1, 0), version = version + 1
				WHERE id = $2`,
				released, booking.RideID); err != nil {
				return err
			}
		}

		// A prior settled cycle keeps its seats: roll the request back to
		// what was paid. A first cycle fails outright.
		if booking.PaidSeatCount > 0 {
			booking.SeatCount = booking.PaidSeatCount
			booking.PaymentStatus = models.BookingStatusCompleted
		} else {
			booking.PaymentStatus = models.BookingStatusFailed
		}

		_, err = tx.ExecContext(ctx,
			"UPDATE bookings SET seat_count = $1, payment_status = $2, updated_at = NOW() WHERE id = $3",
			booking.SeatCount, booking.PaymentStatus, booking.ID)
		return err
	})
	if err != nil {
		return nil, 0, err
	}
	return &booking, released, nil
}

// ExpireBooking reclaims a stale unpaid reservation found by the sweep: the
// unpaid delta returns to the ride and the booking fails or rolls back, in
// one database transaction. Returns the released delta; zero when the booking
// resolved between the sweep's read and the lock.
func (s *Store) ExpireBooking(ctx context.Context, bookingID int64, cutoff time.Time) (*models.Booking, int, error) {
	var booking models.Booking
	var released int

	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &booking,
			"SELECT * FROM bookings WHERE id = $1 FOR UPDATE", bookingID)
		if err == sql.ErrNoRows {
			return ErrBookingNotFound
		}
		if err != nil {
			return err
		}

		// Re-check under the lock: the booking may have settled or already
		// been swept since it was listed.
		stale := (booking.PaymentStatus == models.BookingStatusAwaitingPayment ||
			booking.PaymentStatus == models.BookingStatusPaymentInProgress) &&
			booking.UpdatedAt.Before(cutoff)
		if !stale {
			released = 0
			return nil
		}

		released = booking.SeatCount - booking.PaidSeatCount
		if released > 0 {
			if _, err := tx.ExecContext(ctx, `
				UPDATE rides
				SET committed_seats = GREATEST(committed_seats - $1, 0), version = version + 1
				WHERE id = $2`,
				released, booking.RideID); err != nil {
				return err
			}
		}

		if booking.PaidSeatCount > 0 {
			booking.SeatCount = booking.PaidSeatCount
			booking.PaymentStatus = models.BookingStatusCompleted
		} else {
			booking.PaymentStatus = models.BookingStatusFailed
		}

		if _, err := tx.ExecContext(ctx,
			"UPDATE bookings SET seat_count = $1, payment_status = $2, updated_at = NOW() WHERE id = $3",
			booking.SeatCount, booking.PaymentStatus, booking.ID); err != nil {
			return err
		}

		// Any still-active transaction for the booking expires with it.
		_, err = tx.ExecContext(ctx, `
			UPDATE payment_transactions SET status = $1, updated_at = NOW()
			WHERE booking_id = $2 AND status IN ($3, $4)`,
			models.TransactionStatusExpired, booking.ID,
			models.TransactionStatusInitiated, models.TransactionStatusPending)
		return err
	})
	if err != nil {
		return nil, 0, err
	}
	return &booking, released, nil
}

// CancelBooking cancels a not-yet-completed booking, releasing its held
// seats back to the ride in the same database transaction. A completed
// booking is rejected: its seats are backed by settled money.
func (s *Store) CancelBooking(ctx context.Context, bookingID int64) (*models.Booking, int, error) {
	var booking models.Booking
	var released int

	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &booking,
			"SELECT * FROM bookings WHERE id = $1 FOR UPDATE", bookingID)
		if err == sql.ErrNoRows {
			return ErrBookingNotFound
		}
		if err != nil {
			return err
		}

		if booking.PaymentStatus == models.BookingStatusCompleted {
			return ErrBookingCompleted
		}
		if booking.PaymentStatus == models.BookingStatusCancelled {
			released = 0
			return nil
		}

		released = booking.SeatCount
		if released > 0 {
			if _, err := tx.ExecContext(ctx, `
				UPDATE rides
				SET committed_seats = GREATEST(committed_seats - $1, 0), version = version + 1
				WHERE id = $2`,
				released, booking.RideID); err != nil {
				return err
			}
		}

		booking.PaymentStatus = models.BookingStatusCancelled
		if _, err := tx.ExecContext(ctx,
			"UPDATE bookings SET payment_status = $1, updated_at = NOW() WHERE id = $2",
			models.BookingStatusCancelled, booking.ID); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE payment_transactions SET status = $1, updated_at = NOW()
			WHERE booking_id = $2 AND status IN ($3, $4)`,
			models.TransactionStatusExpired, booking.ID,
			models.TransactionStatusInitiated, models.TransactionStatusPending)
		return err
	})
	if err != nil {
		return nil, 0, err
	}
	return &booking, released, nil
}

// lockTransaction locks a payment transaction row and rejects terminal ones.
func lockTransaction(ctx context.Context, tx *sqlx.Tx, txnID int64) (*models.PaymentTransaction, error) {
	var txn models.PaymentTransaction
	err := tx.GetContext(ctx, &txn,
		"SELECT * FROM payment_transactions WHERE id = $1 FOR UPDATE", txnID)
	if err == sql.ErrNoRows {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, err
	}
	if models.IsTerminalTransactionStatus(txn.Status) {
		return nil, ErrAlreadyTerminal
	}
	return &txn, nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

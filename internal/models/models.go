package models

import "time"

// Ride represents a scheduled trip offered by a driver. Seat admission goes
// through the inventory primitives only; CommittedSeats and Version are never
// written directly.
type Ride struct {
	ID             int64     `db:"id" json:"id"`
	DriverID       int64     `db:"driver_id" json:"driver_id"`
	PricePerSeat   int64     `db:"price_per_seat" json:"price_per_seat"` // minor currency units
	TotalSeats     int       `db:"total_seats" json:"total_seats"`
	CommittedSeats int       `db:"committed_seats" json:"committed_seats"`
	Version        int64     `db:"version" json:"-"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// AvailableSeats returns the remaining uncommitted capacity.
func (r *Ride) AvailableSeats() int {
	return r.TotalSeats - r.CommittedSeats
}

// Booking represents one rider's claim on seats of one ride. At most one
// non-cancelled booking exists per (ride, rider) pair.
type Booking struct {
	ID            int64     `db:"id" json:"id"`
	RideID        int64     `db:"ride_id" json:"ride_id"`
	RiderID       int64     `db:"rider_id" json:"rider_id"`
	SeatCount     int       `db:"seat_count" json:"seat_count"`
	PaidSeatCount int       `db:"paid_seat_count" json:"paid_seat_count"`
	PaymentStatus string    `db:"payment_status" json:"payment_status"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}

// UnpaidSeats is the seat delta the current payment cycle settles.
func (b *Booking) UnpaidSeats() int {
	return b.SeatCount - b.PaidSeatCount
}

// PaymentTransaction represents one attempt to settle money for a booking.
// A booking may have several, sequentially, but at most one may be active
// (initiated or pending) at a time.
type PaymentTransaction struct {
	ID          int64     `db:"id" json:"id"`
	BookingID   int64     `db:"booking_id" json:"booking_id"`
	Provider    string    `db:"provider" json:"provider"`
	Amount      int64     `db:"amount" json:"amount"` // minor currency units
	ProviderRef string    `db:"provider_ref" json:"provider_ref,omitempty"`
	Status      string    `db:"status" json:"status"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// Booking payment statuses
const (
	BookingStatusAwaitingPayment   = "AWAITING_PAYMENT"
	BookingStatusPaymentInProgress = "PAYMENT_IN_PROGRESS"
	BookingStatusCompleted         = "COMPLETED"
	BookingStatusFailed            = "FAILED"
	BookingStatusCancelled         = "CANCELLED"
)

// Payment transaction statuses
const (
	TransactionStatusInitiated = "INITIATED"
	TransactionStatusPending   = "PENDING"
	TransactionStatusSucceeded = "SUCCEEDED"
	TransactionStatusFailed    = "FAILED"
	TransactionStatusExpired   = "EXPIRED"
)

// IsTerminalTransactionStatus reports whether a transaction status admits no
// further transition.
func IsTerminalTransactionStatus(status string) bool {
	switch status {
	case TransactionStatusSucceeded, TransactionStatusFailed, TransactionStatusExpired:
		return true
	}
	return false
}

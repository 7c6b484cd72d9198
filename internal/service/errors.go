package service

import "errors"

var (
	// ErrInsufficientCapacity is returned when a ride cannot admit the
	// requested seats. Not retryable without re-reading live availability.
	ErrInsufficientCapacity = errors.New("insufficient seat capacity")

	// ErrInvalidSeatCount is returned when the requested seat count is not a
	// positive integer, reduces below already-paid seats, or is not an
	// increase on a completed booking.
	ErrInvalidSeatCount = errors.New("invalid seat count")

	// ErrConcurrentModification is returned when the seat reservation lost
	// the version race more times than the retry bound allows.
	ErrConcurrentModification = errors.New("concurrent modification, try again")

	// ErrTransactionAlreadyInProgress is returned when a booking already has
	// an active payment transaction; the client should poll its status.
	ErrTransactionAlreadyInProgress = errors.New("payment transaction already in progress")

	// ErrNothingToCharge is returned when the chargeable delta is zero or
	// negative.
	ErrNothingToCharge = errors.New("nothing to charge")

	// ErrInvalidRide is returned when a ride's capacity or price is not
	// representable.
	ErrInvalidRide = errors.New("invalid ride parameters")

	// ErrRideNotFound is returned when the ride does not exist.
	ErrRideNotFound = errors.New("ride not found")

	// ErrBookingNotFound is returned when the booking does not exist.
	ErrBookingNotFound = errors.New("booking not found")

	// ErrBookingNotOwned is returned when a rider acts on another rider's booking.
	ErrBookingNotOwned = errors.New("booking does not belong to rider")

	// ErrBookingCancelled is returned when acting on a cancelled booking.
	ErrBookingCancelled = errors.New("booking is cancelled")

	// ErrBookingCompleted is returned when cancelling a settled booking;
	// settled seats cannot be released without a refund, which is an
	// external concern.
	ErrBookingCompleted = errors.New("booking is already completed")
)

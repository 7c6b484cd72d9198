package store

import "errors"

var (
	// ErrRideNotFound is returned when a ride does not exist.
	ErrRideNotFound = errors.New("ride not found")

	// ErrBookingNotFound is returned when a booking does not exist.
	ErrBookingNotFound = errors.New("booking not found")

	// ErrTransactionNotFound is returned when a payment transaction does not exist.
	ErrTransactionNotFound = errors.New("payment transaction not found")

	// ErrActiveTransactionExists is returned when a booking already has an
	// initiated or pending payment transaction.
	ErrActiveTransactionExists = errors.New("active payment transaction exists")

	// ErrAlreadyTerminal is returned when a transaction already carries a
	// terminal status; the caller treats the reconciliation as a no-op.
	ErrAlreadyTerminal = errors.New("transaction already in terminal state")

	// ErrBookingCompleted is returned when cancelling a booking whose
	// payment has settled.
	ErrBookingCompleted = errors.New("booking already completed")
)

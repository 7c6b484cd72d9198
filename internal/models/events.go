package models

import "time"

// Event types
const (
	EventTypeBookingCreated       = "BOOKING_CREATED"
	EventTypeSeatsReserved        = "SEATS_RESERVED"
	EventTypeBookingCancelled     = "BOOKING_CANCELLED"
	EventTypeBookingExpired       = "BOOKING_EXPIRED"
	EventTypePaymentInitiated     = "PAYMENT_INITIATED"
	EventTypePaymentCompleted     = "PAYMENT_COMPLETED"
	EventTypePaymentFailed        = "PAYMENT_FAILED"
	EventTypeProviderNotification = "PROVIDER_NOTIFICATION"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// BookingCreatedEvent published when a booking row is first created
type BookingCreatedEvent struct {
	BaseEvent
	BookingID int64 `json:"booking_id"`
	RideID    int64 `json:"ride_id"`
	RiderID   int64 `json:"rider_id"`
	SeatCount int   `json:"seat_count"`
}

// SeatsReservedEvent published when a reservation delta is admitted
type SeatsReservedEvent struct {
	BaseEvent
	BookingID int64 `json:"booking_id"`
	RideID    int64 `json:"ride_id"`
	Seats     int   `json:"seats"`
}

// BookingCancelledEvent published when a rider cancels a booking
type BookingCancelledEvent struct {
	BaseEvent
	BookingID int64  `json:"booking_id"`
	RideID    int64  `json:"ride_id"`
	Reason    string `json:"reason"`
}

// BookingExpiredEvent published when the sweeper reclaims a stale reservation
type BookingExpiredEvent struct {
	BaseEvent
	BookingID     int64 `json:"booking_id"`
	RideID        int64 `json:"ride_id"`
	SeatsReleased int   `json:"seats_released"`
}

// PaymentInitiatedEvent published when a provider accepts an initiation
type PaymentInitiatedEvent struct {
	BaseEvent
	BookingID     int64  `json:"booking_id"`
	TransactionID int64  `json:"transaction_id"`
	Provider      string `json:"provider"`
	Amount        int64  `json:"amount"`
	ProviderRef   string `json:"provider_ref"`
}

// PaymentCompletedEvent published when a transaction reconciles as succeeded
type PaymentCompletedEvent struct {
	BaseEvent
	BookingID     int64 `json:"booking_id"`
	TransactionID int64 `json:"transaction_id"`
	Amount        int64 `json:"amount"`
}

// PaymentFailedEvent published when a transaction reconciles as failed or expired
type PaymentFailedEvent struct {
	BaseEvent
	BookingID     int64  `json:"booking_id"`
	TransactionID int64  `json:"transaction_id"`
	Reason        string `json:"reason"`
}

// ProviderNotificationEvent carries a provider webhook callback onto the
// payments topic so the reconcile worker resolves it; the poller may race it,
// reconciliation idempotency makes that safe.
type ProviderNotificationEvent struct {
	BaseEvent
	Provider    string `json:"provider"`
	ProviderRef string `json:"provider_ref"`
	Status      string `json:"status"`
}

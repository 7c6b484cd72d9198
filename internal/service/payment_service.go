package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"booking-service/internal/gateway"
	"booking-service/internal/models"
	"booking-service/internal/store"
	"booking-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PaymentStore is the persistence needed by the payment orchestrator.
type PaymentStore interface {
	GetBookingByID(ctx context.Context, id int64) (*models.Booking, error)
	GetRideByID(ctx context.Context, id int64) (*models.Ride, error)
	CreateTransaction(ctx context.Context, txn *models.PaymentTransaction) error
	GetTransactionByID(ctx context.Context, id int64) (*models.PaymentTransaction, error)
	GetTransactionByProviderRef(ctx context.Context, provider, ref string) (*models.PaymentTransaction, error)
	GetLatestTransactionByBookingID(ctx context.Context, bookingID int64) (*models.PaymentTransaction, error)
	SetTransactionProviderRef(ctx context.Context, txnID int64, ref string) error
	MarkTransactionPending(ctx context.Context, txnID int64) error
	UpdateBookingStatus(ctx context.Context, bookingID int64, status string) error
	ReconcileSuccess(ctx context.Context, txnID int64) (*models.Booking, error)
	ReconcileFailure(ctx context.Context, txnID int64, terminalStatus string) (*models.Booking, int, error)
}

// GatewayResolver resolves provider identifiers to gateway adapters.
type GatewayResolver interface {
	Get(provider string) (gateway.Gateway, error)
}

// PaymentEventPublisher publishes payment lifecycle events.
type PaymentEventPublisher interface {
	PublishPaymentInitiated(ctx context.Context, event *models.PaymentInitiatedEvent) error
	PublishPaymentCompleted(ctx context.Context, event *models.PaymentCompletedEvent) error
	PublishPaymentFailed(ctx context.Context, event *models.PaymentFailedEvent) error
}

// PaymentService drives a booking's payment lifecycle from awaiting payment
// to a terminal state, reconciling external mobile-money outcomes back into
// booking and seat state.
type PaymentService struct {
	store     PaymentStore
	gateways  GatewayResolver
	inventory *RideInventory
	publisher PaymentEventPublisher
	logger    *zap.Logger
}

// NewPaymentService creates a new payment service
func NewPaymentService(
	store PaymentStore,
	gateways GatewayResolver,
	inventory *RideInventory,
	publisher PaymentEventPublisher,
) *PaymentService {
	return &PaymentService{
		store:     store,
		gateways:  gateways,
		inventory: inventory,
		publisher: publisher,
		logger:    util.GetLogger(),
	}
}

// ChargeableAmount computes what the current payment cycle owes: unpaid
// seats only, never the seats a previous cycle already settled.
func ChargeableAmount(booking *models.Booking, ride *models.Ride) int64 {
	return int64(booking.SeatCount-booking.PaidSeatCount) * ride.PricePerSeat
}

// InitiatePayment opens a payment transaction for a booking's unpaid seat
// delta and pushes the charge to the chosen mobile-money provider. The
// transaction row is committed before the external call so no lock is held
// during network I/O; at most one transaction per booking is active at a time.
func (ps *PaymentService) InitiatePayment(ctx context.Context, bookingID int64, provider, phoneNumber string) (*models.PaymentTransaction, error) {
	ctx, span := util.StartBookingSpan(ctx, "PaymentService.InitiatePayment", bookingID)
	defer span.End()

	util.PaymentAttemptsTotal.Inc()
	start := time.Now()
	defer func() {
		util.PaymentProcessingLatency.Observe(time.Since(start).Seconds())
	}()

	booking, err := ps.store.GetBookingByID(ctx, bookingID)
	if err != nil {
		if errors.Is(err, store.ErrBookingNotFound) {
			return nil, ErrBookingNotFound
		}
		return nil, err
	}
	if booking.PaymentStatus == models.BookingStatusCancelled {
		return nil, ErrBookingCancelled
	}

	ride, err := ps.store.GetRideByID(ctx, booking.RideID)
	if err != nil {
		return nil, err
	}

	amount := ChargeableAmount(booking, ride)
	if amount <= 0 {
		util.PaymentFailedTotal.WithLabelValues("nothing_to_charge").Inc()
		return nil, ErrNothingToCharge
	}

	gw, err := ps.gateways.Get(provider)
	if err != nil {
		return nil, err
	}

	txn := &models.PaymentTransaction{
		BookingID: bookingID,
		Provider:  provider,
		Amount:    amount,
		Status:    models.TransactionStatusInitiated,
	}

	if err := ps.store.CreateTransaction(ctx, txn); err != nil {
		if errors.Is(err, store.ErrActiveTransactionExists) {
			util.PaymentFailedTotal.WithLabelValues("already_in_progress").Inc()
			return nil, ErrTransactionAlreadyInProgress
		}
		return nil, fmt.Errorf("failed to create payment transaction: %w", err)
	}

	if err := ps.store.UpdateBookingStatus(ctx, bookingID, models.BookingStatusPaymentInProgress); err != nil {
		// The INITIATED row must not stay active blocking every retry
		// behind a cycle that never reached the provider.
		if _, _, recErr := ps.applyFailure(ctx, txn.ID, models.TransactionStatusFailed, "initiation aborted"); recErr != nil {
			ps.logger.Error("Failed to void aborted initiation",
				zap.Int64("transaction_id", txn.ID),
				zap.Error(recErr))
		}
		return nil, fmt.Errorf("failed to update booking status: %w", err)
	}

	ref, err := gw.Initiate(ctx, gateway.InitiateRequest{
		Amount:      amount,
		PhoneNumber: phoneNumber,
		Reference:   fmt.Sprintf("booking-%d-txn-%d", bookingID, txn.ID),
	})
	if err != nil {
		// Outright rejection: the cycle's reservation delta must not stay
		// held behind a transaction that never existed provider-side.
		ps.logger.Warn("Payment initiation rejected",
			zap.Int64("booking_id", bookingID),
			zap.String("provider", provider),
			zap.Error(err))
		if _, _, recErr := ps.applyFailure(ctx, txn.ID, models.TransactionStatusFailed, "initiation rejected"); recErr != nil {
			ps.logger.Error("Failed to roll back rejected initiation",
				zap.Int64("transaction_id", txn.ID),
				zap.Error(recErr))
		}
		util.PaymentFailedTotal.WithLabelValues("initiation_rejected").Inc()
		return nil, err
	}

	if err := ps.store.SetTransactionProviderRef(ctx, txn.ID, ref); err != nil {
		return nil, fmt.Errorf("failed to record provider reference: %w", err)
	}
	txn.ProviderRef = ref

	ps.logger.Info("Payment initiated",
		zap.Int64("booking_id", bookingID),
		zap.Int64("transaction_id", txn.ID),
		zap.String("provider", provider),
		zap.Int64("amount", amount))

	event := &models.PaymentInitiatedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypePaymentInitiated,
			Timestamp: time.Now(),
		},
		BookingID:     bookingID,
		TransactionID: txn.ID,
		Provider:      provider,
		Amount:        amount,
		ProviderRef:   ref,
	}
	if err := ps.publisher.PublishPaymentInitiated(ctx, event); err != nil {
		ps.logger.Error("Failed to publish PaymentInitiated event", zap.Error(err))
	}

	return txn, nil
}

// Reconcile resolves a payment transaction to a terminal outcome exactly
// once. Booking and seat updates commit atomically with the transaction's
// terminal status; a transaction already terminal makes this a no-op, so the
// poller and a provider webhook may both call it safely.
func (ps *PaymentService) Reconcile(ctx context.Context, txnID int64, terminal gateway.Status) error {
	ctx, span := util.StartSpan(ctx, "PaymentService.Reconcile")
	defer span.End()

	switch terminal {
	case gateway.StatusSucceeded:
		return ps.reconcileSuccess(ctx, txnID)
	case gateway.StatusFailed:
		_, _, err := ps.applyFailure(ctx, txnID, models.TransactionStatusFailed, "payment failed")
		return err
	case gateway.StatusExpired:
		_, _, err := ps.applyFailure(ctx, txnID, models.TransactionStatusExpired, "payment expired")
		return err
	default:
		return fmt.Errorf("reconcile called with non-terminal status %s", terminal)
	}
}

// ReconcileByProviderRef resolves a transaction located by its external
// reference; the provider webhook path enters here.
func (ps *PaymentService) ReconcileByProviderRef(ctx context.Context, provider, ref string, terminal gateway.Status) error {
	txn, err := ps.store.GetTransactionByProviderRef(ctx, provider, ref)
	if err != nil {
		if errors.Is(err, store.ErrTransactionNotFound) {
			ps.logger.Warn("Provider notification for unknown transaction",
				zap.String("provider", provider),
				zap.String("provider_ref", ref))
			return nil
		}
		return err
	}
	return ps.Reconcile(ctx, txn.ID, terminal)
}

// MarkPending records that the provider acknowledged the charge but has not
// resolved it yet.
func (ps *PaymentService) MarkPending(ctx context.Context, txnID int64) error {
	return ps.store.MarkTransactionPending(ctx, txnID)
}

// PaymentStatus reports the current reconciliation state of a booking's most
// recent payment cycle, for client polling.
func (ps *PaymentService) PaymentStatus(ctx context.Context, bookingID int64) (status, message string, err error) {
	booking, err := ps.store.GetBookingByID(ctx, bookingID)
	if err != nil {
		if errors.Is(err, store.ErrBookingNotFound) {
			return "", "", ErrBookingNotFound
		}
		return "", "", err
	}

	txn, err := ps.store.GetLatestTransactionByBookingID(ctx, bookingID)
	if err != nil {
		if errors.Is(err, store.ErrTransactionNotFound) {
			return booking.PaymentStatus, "no payment attempted", nil
		}
		return "", "", err
	}

	switch txn.Status {
	case models.TransactionStatusInitiated, models.TransactionStatusPending:
		return booking.PaymentStatus, "payment pending with provider", nil
	case models.TransactionStatusSucceeded:
		return booking.PaymentStatus, "payment settled", nil
	case models.TransactionStatusExpired:
		return booking.PaymentStatus, "payment expired", nil
	default:
		return booking.PaymentStatus, "payment failed", nil
	}
}

func (ps *PaymentService) reconcileSuccess(ctx context.Context, txnID int64) error {
	booking, err := ps.store.ReconcileSuccess(ctx, txnID)
	if err != nil {
		if errors.Is(err, store.ErrAlreadyTerminal) {
			ps.logger.Info("Transaction already reconciled", zap.Int64("transaction_id", txnID))
			return nil
		}
		return fmt.Errorf("failed to reconcile success: %w", err)
	}

	// Seats were committed at reservation time; settlement needs no further
	// inventory mutation.
	ps.inventory.Commit(ctx, booking.RideID)
	util.PaymentSuccessTotal.Inc()
	util.ReconciliationsTotal.WithLabelValues("succeeded").Inc()
	ps.logger.Info("Payment reconciled as succeeded",
		zap.Int64("transaction_id", txnID),
		zap.Int64("booking_id", booking.ID))

	txn, err := ps.store.GetTransactionByID(ctx, txnID)
	if err != nil {
		return nil
	}
	event := &models.PaymentCompletedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypePaymentCompleted,
			Timestamp: time.Now(),
		},
		BookingID:     booking.ID,
		TransactionID: txnID,
		Amount:        txn.Amount,
	}
	if err := ps.publisher.PublishPaymentCompleted(ctx, event); err != nil {
		ps.logger.Error("Failed to publish PaymentCompleted event", zap.Error(err))
	}
	return nil
}

func (ps *PaymentService) applyFailure(ctx context.Context, txnID int64, terminalStatus, reason string) (*models.Booking, int, error) {
	booking, released, err := ps.store.ReconcileFailure(ctx, txnID, terminalStatus)
	if err != nil {
		if errors.Is(err, store.ErrAlreadyTerminal) {
			ps.logger.Info("Transaction already reconciled", zap.Int64("transaction_id", txnID))
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("failed to reconcile failure: %w", err)
	}

	if released > 0 {
		ps.inventory.Refresh(ctx, booking.RideID)
	}
	util.PaymentFailedTotal.WithLabelValues(reasonLabel(terminalStatus)).Inc()
	util.ReconciliationsTotal.WithLabelValues(reasonLabel(terminalStatus)).Inc()
	util.SeatsReleasedTotal.Add(float64(released))
	ps.logger.Warn("Payment reconciled as failed",
		zap.Int64("transaction_id", txnID),
		zap.Int64("booking_id", booking.ID),
		zap.String("status", terminalStatus),
		zap.Int("seats_released", released))

	event := &models.PaymentFailedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypePaymentFailed,
			Timestamp: time.Now(),
		},
		BookingID:     booking.ID,
		TransactionID: txnID,
		Reason:        reason,
	}
	if err := ps.publisher.PublishPaymentFailed(ctx, event); err != nil {
		ps.logger.Error("Failed to publish PaymentFailed event", zap.Error(err))
	}
	return booking, released, nil
}

func reasonLabel(terminalStatus string) string {
	if terminalStatus == models.TransactionStatusExpired {
		return "expired"
	}
	return "failed"
}

package worker

import (
	"context"
	"testing"
	"time"

	"booking-service/internal/gateway"
	"booking-service/internal/models"
	"booking-service/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPollFixture(t *testing.T, gw gateway.Gateway) (*service.PaymentService, *testStore, *countingPublisher) {
	t.Helper()
	db := newTestStore()
	publisher := newCountingPublisher()
	inventory := service.NewRideInventory(db, nullMirror{}, 3)
	payments := service.NewPaymentService(db, stubResolver{gw: gw}, inventory, publisher)
	return payments, db, publisher
}

func TestPollerResolvesPendingToSuccess(t *testing.T) {
	gw := &scriptedGateway{statuses: []gateway.Status{
		gateway.StatusPending,
		gateway.StatusPending,
		gateway.StatusSucceeded,
	}}
	payments, db, publisher := newPollFixture(t, gw)
	ctx := context.Background()

	ride := db.addRide(4, 2, 5000)
	booking := db.addBooking(ride.ID, 2, 0, models.BookingStatusPaymentInProgress, time.Now())
	txn := db.addTxn(booking.ID, "mtn", "ref-1", 10000, models.TransactionStatusInitiated)

	poller := NewStatusPoller(ctx, stubResolver{gw: gw}, payments, time.Millisecond, 10)
	poller.Watch(txn)
	poller.Wait()

	assert.Equal(t, 3, gw.queryCount(), "the loop stops at the first terminal answer")

	stored, err := db.GetTransactionByID(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TransactionStatusSucceeded, stored.Status)

	current, err := db.GetBookingByID(ctx, booking.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BookingStatusCompleted, current.PaymentStatus)
	assert.Equal(t, 2, current.PaidSeatCount)

	updatedRide, err := db.GetRideByID(ctx, ride.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, updatedRide.CommittedSeats, "settled seats stay committed")
	assert.Equal(t, 1, publisher.count(models.EventTypePaymentCompleted))
}

func TestPollerExpiresAtAttemptCap(t *testing.T) {
	// The script is empty, so every query reports pending.
	gw := &scriptedGateway{}
	payments, db, publisher := newPollFixture(t, gw)
	ctx := context.Background()

	ride := db.addRide(4, 2, 5000)
	booking := db.addBooking(ride.ID, 2, 0, models.BookingStatusPaymentInProgress, time.Now())
	txn := db.addTxn(booking.ID, "mtn", "ref-1", 10000, models.TransactionStatusInitiated)

	poller := NewStatusPoller(ctx, stubResolver{gw: gw}, payments, time.Millisecond, 3)
	poller.Watch(txn)
	poller.Wait()

	assert.Equal(t, 3, gw.queryCount(), "the budget bounds provider queries")

	stored, err := db.GetTransactionByID(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TransactionStatusExpired, stored.Status,
		"an unresolved transaction is forced to expired at the cap")

	current, err := db.GetBookingByID(ctx, booking.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BookingStatusFailed, current.PaymentStatus)

	updatedRide, err := db.GetRideByID(ctx, ride.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, updatedRide.CommittedSeats, "seats must not leak behind an unresolved payment")
	assert.Equal(t, 1, publisher.count(models.EventTypePaymentFailed))
}

func TestPollerStopsOnContextCancel(t *testing.T) {
	gw := &scriptedGateway{}
	payments, db, _ := newPollFixture(t, gw)
	baseCtx, cancel := context.WithCancel(context.Background())

	ride := db.addRide(4, 2, 5000)
	booking := db.addBooking(ride.ID, 2, 0, models.BookingStatusPaymentInProgress, time.Now())
	txn := db.addTxn(booking.ID, "mtn", "ref-1", 10000, models.TransactionStatusInitiated)

	// The interval is far longer than the test; only cancellation can end
	// the loop.
	poller := NewStatusPoller(baseCtx, stubResolver{gw: gw}, payments, time.Hour, 10)
	poller.Watch(txn)
	cancel()
	poller.Wait()

	assert.Equal(t, 0, gw.queryCount())

	stored, err := db.GetTransactionByID(context.Background(), txn.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TransactionStatusInitiated, stored.Status,
		"shutdown leaves the transaction for the sweeper, never forces an outcome")
}

func TestPollerSkipsUnknownProvider(t *testing.T) {
	payments, db, _ := newPollFixture(t, nil)
	ctx := context.Background()

	ride := db.addRide(4, 2, 5000)
	booking := db.addBooking(ride.ID, 2, 0, models.BookingStatusPaymentInProgress, time.Now())
	txn := db.addTxn(booking.ID, "unknown", "ref-1", 10000, models.TransactionStatusInitiated)

	poller := NewStatusPoller(ctx, stubResolver{}, payments, time.Millisecond, 3)
	poller.Watch(txn)
	poller.Wait()

	stored, err := db.GetTransactionByID(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TransactionStatusInitiated, stored.Status)
}

package service

import (
	"context"
	"sync"
	"time"

	"booking-service/internal/gateway"
	"booking-service/internal/models"
	"booking-service/internal/redisclient"
	"booking-service/internal/store"
)

// memStore is an in-memory stand-in for the Postgres store. It reproduces the
// store's semantics closely enough to drive the services: versioned seat
// admission, the single-active-transaction guard, and atomic reconciliation.
type memStore struct {
	mu       sync.Mutex
	rides    map[int64]*models.Ride
	bookings map[int64]*models.Booking
	txns     map[int64]*models.PaymentTransaction
	nextID   int64

	// When set, UpdateBookingStatus fails with this error.
	statusUpdateErr error
}

func newMemStore() *memStore {
	return &memStore{
		rides:    make(map[int64]*models.Ride),
		bookings: make(map[int64]*models.Booking),
		txns:     make(map[int64]*models.PaymentTransaction),
	}
}

func (m *memStore) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *memStore) addRide(total int, price int64) *models.Ride {
	m.mu.Lock()
	defer m.mu.Unlock()
	ride := &models.Ride{
		ID:           m.id(),
		DriverID:     1,
		PricePerSeat: price,
		TotalSeats:   total,
		CreatedAt:    time.Now(),
	}
	m.rides[ride.ID] = ride
	return copyRide(ride)
}

func (m *memStore) addBooking(rideID, riderID int64, seats, paid int, status string) *models.Booking {
	m.mu.Lock()
	defer m.mu.Unlock()
	booking := &models.Booking{
		ID:            m.id(),
		RideID:        rideID,
		RiderID:       riderID,
		SeatCount:     seats,
		PaidSeatCount: paid,
		PaymentStatus: status,
		CreatedAt:     time.Now(),
	}
	m.bookings[booking.ID] = booking
	return copyBooking(booking)
}

func (m *memStore) CreateRide(ctx context.Context, ride *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ride.ID = m.id()
	ride.CreatedAt = time.Now()
	m.rides[ride.ID] = copyRide(ride)
	return nil
}

func (m *memStore) GetRideByID(ctx context.Context, id int64) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ride, ok := m.rides[id]
	if !ok {
		return nil, store.ErrRideNotFound
	}
	return copyRide(ride), nil
}

func (m *memStore) ReserveSeats(ctx context.Context, rideID int64, seats int, version int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ride, ok := m.rides[rideID]
	if !ok {
		return false, nil
	}
	if ride.Version != version || ride.CommittedSeats+seats > ride.TotalSeats {
		return false, nil
	}
	ride.CommittedSeats += seats
	ride.Version++
	return true, nil
}

func (m *memStore) ReleaseSeats(ctx context.Context, rideID int64, seats int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ride, ok := m.rides[rideID]; ok {
		ride.CommittedSeats -= seats
		if ride.CommittedSeats < 0 {
			ride.CommittedSeats = 0
		}
		ride.Version++
	}
	return nil
}

func (m *memStore) GetActiveBooking(ctx context.Context, rideID, riderID int64) (*models.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.bookings {
		if b.RideID == rideID && b.RiderID == riderID && b.PaymentStatus != models.BookingStatusCancelled {
			return copyBooking(b), nil
		}
	}
	return nil, nil
}

func (m *memStore) CreateBooking(ctx context.Context, booking *models.Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	booking.ID = m.id()
	booking.CreatedAt = time.Now()
	m.bookings[booking.ID] = copyBooking(booking)
	return nil
}

func (m *memStore) GetBookingByID(ctx context.Context, id int64) (*models.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	booking, ok := m.bookings[id]
	if !ok {
		return nil, store.ErrBookingNotFound
	}
	return copyBooking(booking), nil
}

func (m *memStore) UpdateBookingSeats(ctx context.Context, bookingID int64, seatCount int, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	booking, ok := m.bookings[bookingID]
	if !ok {
		return store.ErrBookingNotFound
	}
	booking.SeatCount = seatCount
	booking.PaymentStatus = status
	return nil
}

func (m *memStore) UpdateBookingStatus(ctx context.Context, bookingID int64, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.statusUpdateErr != nil {
		return m.statusUpdateErr
	}
	booking, ok := m.bookings[bookingID]
	if !ok {
		return store.ErrBookingNotFound
	}
	booking.PaymentStatus = status
	return nil
}

func (m *memStore) CancelBooking(ctx context.Context, bookingID int64) (*models.Booking, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	booking, ok := m.bookings[bookingID]
	if !ok {
		return nil, 0, store.ErrBookingNotFound
	}
	if booking.PaymentStatus == models.BookingStatusCompleted {
		return nil, 0, store.ErrBookingCompleted
	}
	released := booking.SeatCount
	if ride, ok := m.rides[booking.RideID]; ok {
		ride.CommittedSeats -= released
		if ride.CommittedSeats < 0 {
			ride.CommittedSeats = 0
		}
		ride.Version++
	}
	booking.PaymentStatus = models.BookingStatusCancelled
	for _, txn := range m.txns {
		if txn.BookingID == bookingID && !models.IsTerminalTransactionStatus(txn.Status) {
			txn.Status = models.TransactionStatusExpired
		}
	}
	return copyBooking(booking), released, nil
}

func (m *memStore) CreateTransaction(ctx context.Context, txn *models.PaymentTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bookings[txn.BookingID]; !ok {
		return store.ErrBookingNotFound
	}
	for _, existing := range m.txns {
		if existing.BookingID == txn.BookingID && !models.IsTerminalTransactionStatus(existing.Status) {
			return store.ErrActiveTransactionExists
		}
	}
	txn.ID = m.id()
	txn.CreatedAt = time.Now()
	m.txns[txn.ID] = copyTxn(txn)
	return nil
}

func (m *memStore) GetTransactionByID(ctx context.Context, id int64) (*models.PaymentTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	txn, ok := m.txns[id]
	if !ok {
		return nil, store.ErrTransactionNotFound
	}
	return copyTxn(txn), nil
}

func (m *memStore) GetTransactionByProviderRef(ctx context.Context, provider, ref string) (*models.PaymentTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, txn := range m.txns {
		if txn.Provider == provider && txn.ProviderRef == ref {
			return copyTxn(txn), nil
		}
	}
	return nil, store.ErrTransactionNotFound
}

func (m *memStore) GetLatestTransactionByBookingID(ctx context.Context, bookingID int64) (*models.PaymentTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *models.PaymentTransaction
	for _, txn := range m.txns {
		if txn.BookingID == bookingID && (latest == nil || txn.ID > latest.ID) {
			latest = txn
		}
	}
	if latest == nil {
		return nil, store.ErrTransactionNotFound
	}
	return copyTxn(latest), nil
}

func (m *memStore) SetTransactionProviderRef(ctx context.Context, txnID int64, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	txn, ok := m.txns[txnID]
	if !ok {
		return store.ErrTransactionNotFound
	}
	txn.ProviderRef = ref
	return nil
}

func (m *memStore) MarkTransactionPending(ctx context.Context, txnID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	txn, ok := m.txns[txnID]
	if !ok {
		return store.ErrTransactionNotFound
	}
	if txn.Status == models.TransactionStatusInitiated {
		txn.Status = models.TransactionStatusPending
	}
	return nil
}

func (m *memStore) ReconcileSuccess(ctx context.Context, txnID int64) (*models.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	txn, ok := m.txns[txnID]
	if !ok {
		return nil, store.ErrTransactionNotFound
	}
	if models.IsTerminalTransactionStatus(txn.Status) {
		return nil, store.ErrAlreadyTerminal
	}
	txn.Status = models.TransactionStatusSucceeded
	booking := m.bookings[txn.BookingID]
	booking.PaidSeatCount = booking.SeatCount
	booking.PaymentStatus = models.BookingStatusCompleted
	return copyBooking(booking), nil
}

func (m *memStore) ReconcileFailure(ctx context.Context, txnID int64, terminalStatus string) (*models.Booking, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	txn, ok := m.txns[txnID]
	if !ok {
		return nil, 0, store.ErrTransactionNotFound
	}
	if models.IsTerminalTransactionStatus(txn.Status) {
		return nil, 0, store.ErrAlreadyTerminal
	}
	txn.Status = terminalStatus

	booking := m.bookings[txn.BookingID]
	released := booking.SeatCount - booking.PaidSeatCount
	if released < 0 {
		released = 0
	}
	if ride, ok := m.rides[booking.RideID]; ok {
		ride.CommittedSeats -= released
		if ride.CommittedSeats < 0 {
			ride.CommittedSeats = 0
		}
		ride.Version++
	}
	if booking.PaidSeatCount > 0 {
		booking.SeatCount = booking.PaidSeatCount
		booking.PaymentStatus = models.BookingStatusCompleted
	} else {
		booking.PaymentStatus = models.BookingStatusFailed
	}
	return copyBooking(booking), released, nil
}

func copyRide(r *models.Ride) *models.Ride {
	c := *r
	return &c
}

func copyBooking(b *models.Booking) *models.Booking {
	c := *b
	return &c
}

func copyTxn(t *models.PaymentTransaction) *models.PaymentTransaction {
	c := *t
	return &c
}

// nullMirror stands in for an absent Redis mirror; the inventory must fall
// through to the database on every call.
type nullMirror struct{}

func (nullMirror) ReserveSeats(ctx context.Context, rideID int64, seats int) (bool, error) {
	return false, redisclient.ErrNoMirror
}

func (nullMirror) ReleaseSeats(ctx context.Context, rideID int64, seats int) error {
	return redisclient.ErrNoMirror
}

func (nullMirror) InitSeats(ctx context.Context, rideID int64, total, committed int) error {
	return nil
}

func (nullMirror) GetSeats(ctx context.Context, rideID int64) (int, int, error) {
	return 0, 0, redisclient.ErrNoMirror
}

// memLocker reproduces the SetNX lock shape.
type memLocker struct {
	mu    sync.Mutex
	locks map[[2]int64]bool
}

func newMemLocker() *memLocker {
	return &memLocker{locks: make(map[[2]int64]bool)}
}

func (l *memLocker) AcquireBookingLock(ctx context.Context, rideID, riderID int64, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := [2]int64{rideID, riderID}
	if l.locks[key] {
		return false, nil
	}
	l.locks[key] = true
	return true, nil
}

func (l *memLocker) ReleaseBookingLock(ctx context.Context, rideID, riderID int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.locks, [2]int64{rideID, riderID})
	return nil
}

// recordingPublisher satisfies the booking and payment publisher interfaces
// and counts what was published.
type recordingPublisher struct {
	mu     sync.Mutex
	events map[string]int
}

func newRecordingPublisher() *recordingPublisher {
	return &recordingPublisher{events: make(map[string]int)}
}

func (p *recordingPublisher) record(eventType string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events[eventType]++
	return nil
}

func (p *recordingPublisher) count(eventType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.events[eventType]
}

func (p *recordingPublisher) PublishBookingCreated(ctx context.Context, e *models.BookingCreatedEvent) error {
	return p.record(e.EventType)
}

func (p *recordingPublisher) PublishSeatsReserved(ctx context.Context, e *models.SeatsReservedEvent) error {
	return p.record(e.EventType)
}

func (p *recordingPublisher) PublishBookingCancelled(ctx context.Context, e *models.BookingCancelledEvent) error {
	return p.record(e.EventType)
}

func (p *recordingPublisher) PublishPaymentInitiated(ctx context.Context, e *models.PaymentInitiatedEvent) error {
	return p.record(e.EventType)
}

func (p *recordingPublisher) PublishPaymentCompleted(ctx context.Context, e *models.PaymentCompletedEvent) error {
	return p.record(e.EventType)
}

func (p *recordingPublisher) PublishPaymentFailed(ctx context.Context, e *models.PaymentFailedEvent) error {
	return p.record(e.EventType)
}

// fakeGateway is a scriptable mobile-money provider. The services never poll
// status themselves, so queries always report pending.
type fakeGateway struct {
	initiateRef string
	initiateErr error
	initiated   int
}

func (g *fakeGateway) Initiate(ctx context.Context, req gateway.InitiateRequest) (string, error) {
	g.initiated++
	if g.initiateErr != nil {
		return "", g.initiateErr
	}
	return g.initiateRef, nil
}

func (g *fakeGateway) QueryStatus(ctx context.Context, ref string) (gateway.Status, error) {
	return gateway.StatusPending, nil
}

type fakeResolver struct {
	gw gateway.Gateway
}

func (r fakeResolver) Get(provider string) (gateway.Gateway, error) {
	if r.gw == nil {
		return nil, gateway.ErrUnknownProvider
	}
	return r.gw, nil
}

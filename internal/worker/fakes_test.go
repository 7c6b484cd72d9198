package worker

import (
	"context"
	"sync"
	"time"

	"booking-service/internal/gateway"
	"booking-service/internal/models"
	"booking-service/internal/redisclient"
	"booking-service/internal/store"
)

// testStore is an in-memory stand-in for the Postgres store covering the
// surfaces the background workers drive: reconciliation, seat release, and
// the stale-reservation sweep.
type testStore struct {
	mu       sync.Mutex
	rides    map[int64]*models.Ride
	bookings map[int64]*models.Booking
	txns     map[int64]*models.PaymentTransaction
	nextID   int64
}

func newTestStore() *testStore {
	return &testStore{
		rides:    make(map[int64]*models.Ride),
		bookings: make(map[int64]*models.Booking),
		txns:     make(map[int64]*models.PaymentTransaction),
	}
}

func (m *testStore) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *testStore) addRide(total, committed int, price int64) *models.Ride {
	m.mu.Lock()
	defer m.mu.Unlock()
	ride := &models.Ride{
		ID:             m.id(),
		DriverID:       1,
		PricePerSeat:   price,
		TotalSeats:     total,
		CommittedSeats: committed,
		CreatedAt:      time.Now(),
	}
	m.rides[ride.ID] = ride
	c := *ride
	return &c
}

func (m *testStore) addBooking(rideID int64, seats, paid int, status string, updatedAt time.Time) *models.Booking {
	m.mu.Lock()
	defer m.mu.Unlock()
	booking := &models.Booking{
		ID:            m.id(),
		RideID:        rideID,
		RiderID:       7,
		SeatCount:     seats,
		PaidSeatCount: paid,
		PaymentStatus: status,
		CreatedAt:     updatedAt,
		UpdatedAt:     updatedAt,
	}
	m.bookings[booking.ID] = booking
	c := *booking
	return &c
}

func (m *testStore) addTxn(bookingID int64, provider, ref string, amount int64, status string) *models.PaymentTransaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	txn := &models.PaymentTransaction{
		ID:          m.id(),
		BookingID:   bookingID,
		Provider:    provider,
		Amount:      amount,
		ProviderRef: ref,
		Status:      status,
		CreatedAt:   time.Now(),
	}
	m.txns[txn.ID] = txn
	c := *txn
	return &c
}

func (m *testStore) CreateRide(ctx context.Context, ride *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ride.ID = m.id()
	ride.CreatedAt = time.Now()
	c := *ride
	m.rides[ride.ID] = &c
	return nil
}

func (m *testStore) GetRideByID(ctx context.Context, id int64) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ride, ok := m.rides[id]
	if !ok {
		return nil, store.ErrRideNotFound
	}
	c := *ride
	return &c, nil
}

func (m *testStore) ReserveSeats(ctx context.Context, rideID int64, seats int, version int64) (bool, error) {
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

func (m *testStore) ReleaseSeats(ctx context.Context, rideID int64, seats int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseLocked(rideID, seats)
	return nil
}

func (m *testStore) releaseLocked(rideID int64, seats int) {
	if ride, ok := m.rides[rideID]; ok {
		ride.CommittedSeats -= seats
		if ride.CommittedSeats < 0 {
			ride.CommittedSeats = 0
		}
		ride.Version++
	}
}

func (m *testStore) GetBookingByID(ctx context.Context, id int64) (*models.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	booking, ok := m.bookings[id]
	if !ok {
		return nil, store.ErrBookingNotFound
	}
	c := *booking
	return &c, nil
}

func (m *testStore) UpdateBookingStatus(ctx context.Context, bookingID int64, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	booking, ok := m.bookings[bookingID]
	if !ok {
		return store.ErrBookingNotFound
	}
	booking.PaymentStatus = status
	return nil
}

func (m *testStore) CreateTransaction(ctx context.Context, txn *models.PaymentTransaction) error {
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
	c := *txn
	m.txns[txn.ID] = &c
	return nil
}

func (m *testStore) GetTransactionByID(ctx context.Context, id int64) (*models.PaymentTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	txn, ok := m.txns[id]
	if !ok {
		return nil, store.ErrTransactionNotFound
	}
	c := *txn
	return &c, nil
}

func (m *testStore) GetTransactionByProviderRef(ctx context.Context, provider, ref string) (*models.PaymentTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, txn := range m.txns {
		if txn.Provider == provider && txn.ProviderRef == ref {
			c := *txn
			return &c, nil
		}
	}
	return nil, store.ErrTransactionNotFound
}

func (m *testStore) GetLatestTransactionByBookingID(ctx context.Context, bookingID int64) (*models.PaymentTransaction, error) {
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
	c := *latest
	return &c, nil
}

func (m *testStore) SetTransactionProviderRef(ctx context.Context, txnID int64, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	txn, ok := m.txns[txnID]
	if !ok {
		return store.ErrTransactionNotFound
	}
	txn.ProviderRef = ref
	return nil
}

func (m *testStore) MarkTransactionPending(ctx context.Context, txnID int64) error {
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

func (m *testStore) ReconcileSuccess(ctx context.Context, txnID int64) (*models.Booking, error) {
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
	c := *booking
	return &c, nil
}

func (m *testStore) ReconcileFailure(ctx context.Context, txnID int64, terminalStatus string) (*models.Booking, int, error) {
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
	m.releaseLocked(booking.RideID, released)
	if booking.PaidSeatCount > 0 {
		booking.SeatCount = booking.PaidSeatCount
		booking.PaymentStatus = models.BookingStatusCompleted
	} else {
		booking.PaymentStatus = models.BookingStatusFailed
	}
	c := *booking
	return &c, released, nil
}

func (m *testStore) GetStaleBookings(ctx context.Context, cutoff time.Time) ([]models.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var stale []models.Booking
	for _, b := range m.bookings {
		active := b.PaymentStatus == models.BookingStatusAwaitingPayment ||
			b.PaymentStatus == models.BookingStatusPaymentInProgress
		if active && b.UpdatedAt.Before(cutoff) {
			stale = append(stale, *b)
		}
	}
	return stale, nil
}

func (m *testStore) ExpireBooking(ctx context.Context, bookingID int64, cutoff time.Time) (*models.Booking, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	booking, ok := m.bookings[bookingID]
	if !ok {
		return nil, 0, store.ErrBookingNotFound
	}

	// Re-check staleness: the booking may have settled since it was listed.
	active := booking.PaymentStatus == models.BookingStatusAwaitingPayment ||
		booking.PaymentStatus == models.BookingStatusPaymentInProgress
	if !active || !booking.UpdatedAt.Before(cutoff) {
		c := *booking
		return &c, 0, nil
	}

	released := booking.SeatCount - booking.PaidSeatCount
	if released > 0 {
		m.releaseLocked(booking.RideID, released)
	}
	if booking.PaidSeatCount > 0 {
		booking.SeatCount = booking.PaidSeatCount
		booking.PaymentStatus = models.BookingStatusCompleted
	} else {
		booking.PaymentStatus = models.BookingStatusFailed
	}
	booking.UpdatedAt = time.Now()

	for _, txn := range m.txns {
		if txn.BookingID == bookingID && !models.IsTerminalTransactionStatus(txn.Status) {
			txn.Status = models.TransactionStatusExpired
		}
	}
	c := *booking
	return &c, released, nil
}

// nullMirror stands in for an absent Redis mirror.
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

// countingPublisher satisfies the payment and sweeper publisher interfaces.
type countingPublisher struct {
	mu     sync.Mutex
	events map[string]int
}

func newCountingPublisher() *countingPublisher {
	return &countingPublisher{events: make(map[string]int)}
}

func (p *countingPublisher) record(eventType string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events[eventType]++
	return nil
}

func (p *countingPublisher) count(eventType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.events[eventType]
}

func (p *countingPublisher) PublishPaymentInitiated(ctx context.Context, e *models.PaymentInitiatedEvent) error {
	return p.record(e.EventType)
}

func (p *countingPublisher) PublishPaymentCompleted(ctx context.Context, e *models.PaymentCompletedEvent) error {
	return p.record(e.EventType)
}

func (p *countingPublisher) PublishPaymentFailed(ctx context.Context, e *models.PaymentFailedEvent) error {
	return p.record(e.EventType)
}

func (p *countingPublisher) PublishBookingExpired(ctx context.Context, e *models.BookingExpiredEvent) error {
	return p.record(e.EventType)
}

// scriptedGateway serves a fixed status sequence; once the script is
// exhausted every further query reports pending.
type scriptedGateway struct {
	mu       sync.Mutex
	statuses []gateway.Status
	idx      int
	queries  int
}

func (g *scriptedGateway) Initiate(ctx context.Context, req gateway.InitiateRequest) (string, error) {
	return "ref-1", nil
}

func (g *scriptedGateway) QueryStatus(ctx context.Context, ref string) (gateway.Status, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.queries++
	if g.idx >= len(g.statuses) {
		return gateway.StatusPending, nil
	}
	status := g.statuses[g.idx]
	g.idx++
	return status, nil
}

func (g *scriptedGateway) queryCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.queries
}

type stubResolver struct {
	gw gateway.Gateway
}

func (r stubResolver) Get(provider string) (gateway.Gateway, error) {
	if r.gw == nil {
		return nil, gateway.ErrUnknownProvider
	}
	return r.gw, nil
}

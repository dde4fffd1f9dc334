package storage

import (
	"sort"
	"sync"

	"github.com/example/carpool/internal/domain"
	"github.com/example/carpool/internal/models"
)

// ListOptions bounds paged transaction reads.
type ListOptions struct {
	Limit  int
	Offset int
}

// Store defines persistence for bookings, trips, transactions and the audit
// chain. Implementations: MemoryStore for tests and local runs, PostgresStore
// for deployments.
type Store interface {
	SaveBooking(b *models.BookingRequest) error
	UpdateBooking(b *models.BookingRequest) error
	GetBooking(id string) (*models.BookingRequest, error)

	SaveTrip(t *models.Trip) error
	GetTrip(id string) (*models.Trip, error)

	SaveTransaction(t *models.Transaction) error
	UpdateTransaction(t *models.Transaction) error
	GetTransaction(id string) (*models.Transaction, error)
	GetTransactionByProviderIntentID(intentID string) (*models.Transaction, error)
	GetTransactionsByBookingID(bookingID string) ([]*models.Transaction, error)
	GetTransactionsByPassengerID(passengerID string, opts ListOptions) ([]*models.Transaction, error)

	AppendAuditEntry(e *models.AuditEntry) error
	LatestAuditEntry() (*models.AuditEntry, error)
	ListAuditEntries() ([]*models.AuditEntry, error)
	GetAuditAnchor(date string) (*models.AuditAnchor, error)
	UpsertAuditAnchor(a *models.AuditAnchor) error
}

type MemoryStore struct {
	mu           sync.RWMutex
	bookings     map[string]*models.BookingRequest
	trips        map[string]*models.Trip
	transactions map[string]*models.Transaction
	txOrder      []string
	audit        []*models.AuditEntry
	anchors      map[string]*models.AuditAnchor
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bookings:     make(map[string]*models.BookingRequest),
		trips:        make(map[string]*models.Trip),
		transactions: make(map[string]*models.Transaction),
		anchors:      make(map[string]*models.AuditAnchor),
	}
}

func (m *MemoryStore) SaveBooking(b *models.BookingRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *b
	m.bookings[b.ID] = &cp
	return nil
}

func (m *MemoryStore) UpdateBooking(b *models.BookingRequest) error {
	return m.SaveBooking(b)
}

func (m *MemoryStore) GetBooking(id string) (*models.BookingRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bookings[id]
	if !ok {
		return nil, domain.NotFoundError{Resource: "booking", ID: id}
	}
	cp := *b
	return &cp, nil
}

func (m *MemoryStore) SaveTrip(t *models.Trip) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.trips[t.ID] = &cp
	return nil
}

func (m *MemoryStore) GetTrip(id string) (*models.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trips[id]
	if !ok {
		return nil, domain.NotFoundError{Resource: "trip", ID: id}
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) SaveTransaction(t *models.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.transactions[t.ID] = &cp
	m.txOrder = append(m.txOrder, t.ID)
	return nil
}

func (m *MemoryStore) UpdateTransaction(t *models.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.transactions[t.ID]; !ok {
		return domain.NotFoundError{Resource: "transaction", ID: t.ID}
	}
	cp := *t
	m.transactions[t.ID] = &cp
	return nil
}

func (m *MemoryStore) GetTransaction(id string) (*models.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.transactions[id]
	if !ok {
		return nil, domain.NotFoundError{Resource: "transaction", ID: id}
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) GetTransactionByProviderIntentID(intentID string) (*models.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, id := range m.txOrder {
		if t := m.transactions[id]; t.ProviderPaymentIntentID == intentID {
			cp := *t
			return &cp, nil
		}
	}
	return nil, domain.NotFoundError{Resource: "transaction", ID: intentID}
}

func (m *MemoryStore) GetTransactionsByBookingID(bookingID string) ([]*models.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Transaction
	for _, id := range m.txOrder {
		if t := m.transactions[id]; t.BookingID == bookingID {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) GetTransactionsByPassengerID(passengerID string, opts ListOptions) ([]*models.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var all []*models.Transaction
	for _, id := range m.txOrder {
		if t := m.transactions[id]; t.PassengerID == passengerID {
			cp := *t
			all = append(all, &cp)
		}
	}
	if opts.Offset > 0 {
		if opts.Offset >= len(all) {
			return nil, nil
		}
		all = all[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(all) {
		all = all[:opts.Limit]
	}
	return all, nil
}

func (m *MemoryStore) AppendAuditEntry(e *models.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.audit = append(m.audit, &cp)
	return nil
}

func (m *MemoryStore) LatestAuditEntry() (*models.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.audit) == 0 {
		return nil, nil
	}
	latest := m.audit[0]
	for _, e := range m.audit[1:] {
		if e.When.After(latest.When) {
			latest = e
		}
	}
	cp := *latest
	return &cp, nil
}

func (m *MemoryStore) ListAuditEntries() ([]*models.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.AuditEntry, 0, len(m.audit))
	for _, e := range m.audit {
		cp := *e
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].When.Before(out[j].When) })
	return out, nil
}

func (m *MemoryStore) GetAuditAnchor(date string) (*models.AuditAnchor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.anchors[date]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) UpsertAuditAnchor(a *models.AuditAnchor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.anchors[a.Date] = &cp
	return nil
}

package models

import (
	"encoding/json"
	"time"

	"github.com/example/carpool/internal/domain"
)

type BookingStatus string

const (
	BookingPending             BookingStatus = "pending"
	BookingAccepted            BookingStatus = "accepted"
	BookingDeclined            BookingStatus = "declined"
	BookingCanceledByPassenger BookingStatus = "canceled_by_passenger"
	BookingExpired             BookingStatus = "expired"
)

const maxNoteLen = 300

func validBookingStatus(s BookingStatus) bool {
	switch s {
	case BookingPending, BookingAccepted, BookingDeclined, BookingCanceledByPassenger, BookingExpired:
		return true
	}
	return false
}

// BookingRequest is one passenger's request for seats on a trip. Status moves
// one-directionally out of pending; a booking is never physically deleted.
type BookingRequest struct {
	ID          string        `json:"id"`
	TripID      string        `json:"trip_id"`
	PassengerID string        `json:"passenger_id"`
	Status      BookingStatus `json:"status"`
	Seats       int           `json:"seats"`
	Note        string        `json:"note,omitempty"`
	AcceptedAt  *time.Time    `json:"accepted_at,omitempty"`
	AcceptedBy  string        `json:"accepted_by,omitempty"`
	DeclinedAt  *time.Time    `json:"declined_at,omitempty"`
	DeclinedBy  string        `json:"declined_by,omitempty"`
	CanceledAt  *time.Time    `json:"canceled_at,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// Validate enforces the construction invariants. It is re-run after every
// lifecycle mutation.
func (b *BookingRequest) Validate() error {
	if b.TripID == "" {
		return domain.ValidationError{Field: "trip_id", Msg: "required"}
	}
	if b.PassengerID == "" {
		return domain.ValidationError{Field: "passenger_id", Msg: "required"}
	}
	if !validBookingStatus(b.Status) {
		return domain.ValidationError{Field: "status", Msg: "unknown status " + string(b.Status)}
	}
	if b.Seats <= 0 {
		return domain.ValidationError{Field: "seats", Msg: "must be a positive integer"}
	}
	if len(b.Note) > maxNoteLen {
		return domain.ValidationError{Field: "note", Msg: "longer than 300 characters"}
	}
	return nil
}

func (b *BookingRequest) CanBeAccepted() bool            { return b.Status == BookingPending }
func (b *BookingRequest) CanBeDeclined() bool            { return b.Status == BookingPending }
func (b *BookingRequest) CanBeCanceledByPassenger() bool { return b.Status == BookingPending }

// Accept moves a pending booking to accepted, stamping the driver who took it.
func (b *BookingRequest) Accept(driverID string, now time.Time) error {
	if !b.CanBeAccepted() {
		return domain.InvalidBookingStateError{BookingID: b.ID, Status: string(b.Status), Wanted: string(BookingPending)}
	}
	b.Status = BookingAccepted
	b.AcceptedAt = &now
	b.AcceptedBy = driverID
	b.UpdatedAt = now
	return b.Validate()
}

// Decline moves a pending booking to declined.
func (b *BookingRequest) Decline(driverID string, now time.Time) error {
	if !b.CanBeDeclined() {
		return domain.InvalidBookingStateError{BookingID: b.ID, Status: string(b.Status), Wanted: string(BookingPending)}
	}
	b.Status = BookingDeclined
	b.DeclinedAt = &now
	b.DeclinedBy = driverID
	b.UpdatedAt = now
	return b.Validate()
}

// CancelByPassenger cancels a pending booking. Canceling an already-canceled
// booking is a no-op success; any other status is an invalid transition.
func (b *BookingRequest) CancelByPassenger(now time.Time) error {
	if b.Status == BookingCanceledByPassenger {
		return nil
	}
	if !b.CanBeCanceledByPassenger() {
		return domain.InvalidBookingStateError{BookingID: b.ID, Status: string(b.Status), Wanted: string(BookingPending)}
	}
	b.Status = BookingCanceledByPassenger
	b.CanceledAt = &now
	b.UpdatedAt = now
	return b.Validate()
}

// Expire times out a pending booking.
func (b *BookingRequest) Expire(now time.Time) error {
	if b.Status != BookingPending {
		return domain.InvalidBookingStateError{BookingID: b.ID, Status: string(b.Status), Wanted: string(BookingPending)}
	}
	b.Status = BookingExpired
	b.UpdatedAt = now
	return b.Validate()
}

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Trip is a driver-posted ride with open seats.
type Trip struct {
	ID           string    `json:"id"`
	DriverID     string    `json:"driver_id"`
	Origin       string    `json:"origin"`
	Destination  string    `json:"destination"`
	OriginCoord  Coord     `json:"origin_coord"`
	DepartureAt  time.Time `json:"departure_at"`
	PricePerSeat int64     `json:"price_per_seat"` // smallest currency unit
	SeatsTotal   int       `json:"seats_total"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (t *Trip) Validate() error {
	if t.DriverID == "" {
		return domain.ValidationError{Field: "driver_id", Msg: "required"}
	}
	if t.PricePerSeat < 0 {
		return domain.ValidationError{Field: "price_per_seat", Msg: "must not be negative"}
	}
	if t.SeatsTotal <= 0 {
		return domain.ValidationError{Field: "seats_total", Msg: "must be a positive integer"}
	}
	return nil
}

type TransactionStatus string

const (
	TxRequiresPaymentMethod TransactionStatus = "requires_payment_method"
	TxProcessing            TransactionStatus = "processing"
	TxSucceeded             TransactionStatus = "succeeded"
	TxCanceled              TransactionStatus = "canceled"
	TxFailed                TransactionStatus = "failed"
)

// Transaction is one payment attempt against a booking. Amount is a snapshot
// of seats x price_per_seat taken at creation and never recomputed.
type Transaction struct {
	ID                      string            `json:"id"`
	BookingID               string            `json:"booking_id"`
	TripID                  string            `json:"trip_id"`
	PassengerID             string            `json:"passenger_id"`
	DriverID                string            `json:"driver_id"`
	Amount                  int64             `json:"amount"` // smallest currency unit
	Currency                string            `json:"currency"`
	Provider                string            `json:"provider"`
	ProviderPaymentIntentID string            `json:"provider_payment_intent_id"`
	ProviderClientSecret    string            `json:"-"`
	Status                  TransactionStatus `json:"status"`
	CreatedAt               time.Time         `json:"created_at"`
	UpdatedAt               time.Time         `json:"updated_at"`
}

// IsTerminal reports whether no further provider events are expected.
func (t *Transaction) IsTerminal() bool {
	return t.Status == TxSucceeded || t.Status == TxCanceled || t.Status == TxFailed
}

// IsActive reports an attempt still in flight; an active transaction blocks a
// second payment intent for the same booking.
func (t *Transaction) IsActive() bool { return !t.IsTerminal() }

// AuditEntry is one immutable record in the hash-chained admin action log.
// Hash covers the entry fields plus PrevHash, linking entries by timestamp.
type AuditEntry struct {
	ID            string          `json:"id"`
	Action        string          `json:"action"`
	Entity        string          `json:"entity"`
	EntityID      string          `json:"entity_id"`
	Who           string          `json:"who"`
	When          time.Time       `json:"when"`
	Before        json.RawMessage `json:"before,omitempty"`
	After         json.RawMessage `json:"after,omitempty"`
	Why           string          `json:"why,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	IP            string          `json:"ip,omitempty"`
	UserAgent     string          `json:"user_agent,omitempty"`
	PrevHash      string          `json:"prev_hash,omitempty"`
	Hash          string          `json:"hash"`
}

// AuditAnchor is the rolling daily HMAC over every entry hash of one UTC day.
type AuditAnchor struct {
	Date      string    `json:"date"` // YYYY-MM-DD, UTC
	HMAC      string    `json:"hmac"`
	UpdatedAt time.Time `json:"updated_at"`
}

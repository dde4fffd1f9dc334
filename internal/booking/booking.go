package booking

import (
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/example/carpool/internal/audit"
	"github.com/example/carpool/internal/dispatch"
	"github.com/example/carpool/internal/domain"
	"github.com/example/carpool/internal/geo"
	"github.com/example/carpool/internal/ingest"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/observability"
	"github.com/example/carpool/internal/storage"
)

// Publisher is the subset of the kafka producer the service needs; nil means
// events are not published.
type Publisher interface {
	PublishEvent(e ingest.Event) error
}

// Service owns the trip and booking lifecycle: passengers request seats,
// drivers accept or decline, passengers cancel while pending. Notifications
// and event publishing are best effort; persistence is not.
type Service struct {
	Store  storage.Store
	Geo    geo.Geo
	Notify dispatch.Notifier
	Events Publisher
	Audit  *audit.Service
	Logger *slog.Logger
	Now    func() time.Time
}

// CreateTrip validates and persists a driver-posted trip and indexes its
// origin for proximity search.
func (s *Service) CreateTrip(t *models.Trip) (*models.Trip, error) {
	now := s.Now()
	t.ID = newID()
	t.CreatedAt = now
	t.UpdatedAt = now
	if err := t.Validate(); err != nil {
		return nil, err
	}
	if err := s.Store.SaveTrip(t); err != nil {
		return nil, err
	}
	if s.Geo != nil {
		s.Geo.Upsert(geo.TripPos{TripID: t.ID, Coord: t.OriginCoord})
	}
	return t, nil
}

// SearchTripsNear returns trips departing within radiusM meters of the given
// point, nearest first.
func (s *Service) SearchTripsNear(lat, lon, radiusM float64, limit int) ([]*models.Trip, error) {
	if s.Geo == nil {
		return nil, nil
	}
	var out []*models.Trip
	for _, p := range s.Geo.Nearby(lat, lon, radiusM, limit) {
		t, err := s.Store.GetTrip(p.TripID)
		if err != nil {
			// index can lag the store; skip stale entries
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// CreateRequest opens a pending booking for seats on a trip and notifies the
// driver.
func (s *Service) CreateRequest(tripID, passengerID string, seats int, note string) (*models.BookingRequest, error) {
	trip, err := s.Store.GetTrip(tripID)
	if err != nil {
		return nil, err
	}
	now := s.Now()
	b := &models.BookingRequest{
		ID:          newID(),
		TripID:      tripID,
		PassengerID: passengerID,
		Status:      models.BookingPending,
		Seats:       seats,
		Note:        note,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	if err := s.Store.SaveBooking(b); err != nil {
		return nil, err
	}
	observability.BookingsCreatedTotal.Inc()
	s.notify(trip.DriverID, "booking.requested", b)
	s.publish("booking.requested", b)
	return b, nil
}

func (s *Service) GetBooking(id string) (*models.BookingRequest, error) {
	return s.Store.GetBooking(id)
}

// Accept records the trip's driver taking a pending booking.
func (s *Service) Accept(bookingID, driverID string, rctx *audit.RequestContext) (*models.BookingRequest, error) {
	b, err := s.Store.GetBooking(bookingID)
	if err != nil {
		return nil, err
	}
	trip, err := s.Store.GetTrip(b.TripID)
	if err != nil {
		return nil, err
	}
	if trip.DriverID != driverID {
		return nil, domain.ForbiddenOwnerError{BookingID: bookingID, ActorID: driverID}
	}
	before := *b
	if err := b.Accept(driverID, s.Now()); err != nil {
		return nil, err
	}
	if err := s.Store.UpdateBooking(b); err != nil {
		return nil, err
	}
	observability.BookingTransitions.WithLabelValues(string(models.BookingAccepted)).Inc()
	if s.Audit != nil {
		s.Audit.RecordAdminAction("booking.accept", "booking", b.ID, driverID, statusOf(&before), statusOf(b), "", rctx)
	}
	s.notify(b.PassengerID, "booking.accepted", b)
	s.publish("booking.accepted", b)
	return b, nil
}

// Decline records the trip's driver turning down a pending booking.
func (s *Service) Decline(bookingID, driverID string, rctx *audit.RequestContext) (*models.BookingRequest, error) {
	b, err := s.Store.GetBooking(bookingID)
	if err != nil {
		return nil, err
	}
	trip, err := s.Store.GetTrip(b.TripID)
	if err != nil {
		return nil, err
	}
	if trip.DriverID != driverID {
		return nil, domain.ForbiddenOwnerError{BookingID: bookingID, ActorID: driverID}
	}
	before := *b
	if err := b.Decline(driverID, s.Now()); err != nil {
		return nil, err
	}
	if err := s.Store.UpdateBooking(b); err != nil {
		return nil, err
	}
	observability.BookingTransitions.WithLabelValues(string(models.BookingDeclined)).Inc()
	if s.Audit != nil {
		s.Audit.RecordAdminAction("booking.decline", "booking", b.ID, driverID, statusOf(&before), statusOf(b), "", rctx)
	}
	s.notify(b.PassengerID, "booking.declined", b)
	s.publish("booking.declined", b)
	return b, nil
}

// CancelByPassenger cancels the caller's own pending booking; canceling an
// already-canceled booking succeeds without touching the store.
func (s *Service) CancelByPassenger(bookingID, passengerID string) (*models.BookingRequest, error) {
	b, err := s.Store.GetBooking(bookingID)
	if err != nil {
		return nil, err
	}
	if b.PassengerID != passengerID {
		return nil, domain.ForbiddenOwnerError{BookingID: bookingID, ActorID: passengerID}
	}
	if b.Status == models.BookingCanceledByPassenger {
		return b, nil
	}
	if err := b.CancelByPassenger(s.Now()); err != nil {
		return nil, err
	}
	if err := s.Store.UpdateBooking(b); err != nil {
		return nil, err
	}
	observability.BookingTransitions.WithLabelValues(string(models.BookingCanceledByPassenger)).Inc()
	s.publish("booking.canceled", b)
	return b, nil
}

// Expire times out a pending booking. Meant for a periodic sweeper.
func (s *Service) Expire(bookingID string) error {
	b, err := s.Store.GetBooking(bookingID)
	if err != nil {
		return err
	}
	before := *b
	if err := b.Expire(s.Now()); err != nil {
		return err
	}
	if err := s.Store.UpdateBooking(b); err != nil {
		return err
	}
	observability.BookingTransitions.WithLabelValues(string(models.BookingExpired)).Inc()
	if s.Audit != nil {
		s.Audit.RecordAdminAction("booking.expire", "booking", b.ID, "system", statusOf(&before), statusOf(b), "request timed out", nil)
	}
	s.publish("booking.expired", b)
	return nil
}

func (s *Service) notify(userID, kind string, b *models.BookingRequest) {
	if s.Notify == nil {
		return
	}
	_ = s.Notify.Notify(userID, dispatch.Notification{Kind: kind, BookingID: b.ID, TripID: b.TripID})
}

func (s *Service) publish(eventType string, b *models.BookingRequest) {
	if s.Events == nil {
		return
	}
	_ = s.Events.PublishEvent(ingest.Event{
		Type:       eventType,
		BookingID:  b.ID,
		Status:     string(b.Status),
		OccurredAt: s.Now(),
	})
}

func statusOf(b *models.BookingRequest) map[string]string {
	return map[string]string{"status": string(b.Status)}
}

func newID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

package payments

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/example/carpool/internal/audit"
	"github.com/example/carpool/internal/domain"
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

// Service orchestrates the booking-to-payment flow: validation, duplicate
// prevention, amount snapshotting, provider invocation and transaction
// persistence. No retries happen here; callers re-invoke on failure and the
// duplicate check keeps that safe.
type Service struct {
	Store    storage.Store
	Provider Provider
	Currency string
	Dedupe   EventDeduper   // optional
	Events   Publisher      // optional
	Audit    *audit.Service // optional; records admin refunds/cancels
	Logger   *slog.Logger
	Now      func() time.Time
}

func NewService(store storage.Store, provider Provider, currency string, logger *slog.Logger) *Service {
	return &Service{Store: store, Provider: provider, Currency: currency, Logger: logger, Now: time.Now}
}

// CreatePaymentIntent runs the short-circuiting pipeline for one accepted
// booking and returns the persisted transaction, client secret included.
func (s *Service) CreatePaymentIntent(ctx context.Context, bookingID, passengerID string) (*models.Transaction, error) {
	booking, err := s.Store.GetBooking(bookingID)
	if err != nil {
		return nil, err
	}
	if booking.PassengerID != passengerID {
		return nil, domain.ForbiddenOwnerError{BookingID: bookingID, ActorID: passengerID}
	}
	if booking.Status != models.BookingAccepted {
		return nil, domain.InvalidBookingStateError{BookingID: bookingID, Status: string(booking.Status), Wanted: string(models.BookingAccepted)}
	}

	existing, err := s.Store.GetTransactionsByBookingID(bookingID)
	if err != nil {
		return nil, err
	}
	for _, tx := range existing {
		if tx.Status == models.TxSucceeded {
			return nil, domain.BookingAlreadyPaidError{BookingID: bookingID, TransactionID: tx.ID}
		}
	}
	for _, tx := range existing {
		if tx.IsActive() {
			return nil, domain.DuplicatePaymentError{BookingID: bookingID, TransactionID: tx.ID}
		}
	}

	trip, err := s.Store.GetTrip(booking.TripID)
	if err != nil {
		return nil, err
	}

	// amount is snapshotted here and never recomputed
	amount := int64(booking.Seats) * trip.PricePerSeat

	intent, err := s.Provider.CreatePaymentIntent(ctx, IntentRequest{
		Amount:   amount,
		Currency: s.Currency,
		Metadata: map[string]string{
			"bookingId":    booking.ID,
			"tripId":       trip.ID,
			"passengerId":  booking.PassengerID,
			"driverId":     trip.DriverID,
			"seats":        strconv.Itoa(booking.Seats),
			"pricePerSeat": strconv.FormatInt(trip.PricePerSeat, 10),
			"origin":       trip.Origin,
			"destination":  trip.Destination,
		},
	})
	if err != nil {
		observability.PaymentIntentsTotal.WithLabelValues("provider_error").Inc()
		if domain.IsPaymentProvider(err) {
			return nil, err
		}
		return nil, domain.PaymentProviderError{Provider: s.Provider.Name(), Op: "create_payment_intent", Err: err}
	}

	now := s.Now()
	tx := &models.Transaction{
		ID:                      newTxID(),
		BookingID:               booking.ID,
		TripID:                  trip.ID,
		PassengerID:             booking.PassengerID,
		DriverID:                trip.DriverID,
		Amount:                  amount,
		Currency:                s.Currency,
		Provider:                s.Provider.Name(),
		ProviderPaymentIntentID: intent.PaymentIntentID,
		ProviderClientSecret:    intent.ClientSecret,
		Status:                  intent.Status,
		CreatedAt:               now,
		UpdatedAt:               now,
	}
	if err := s.Store.SaveTransaction(tx); err != nil {
		return nil, err
	}
	observability.PaymentIntentsTotal.WithLabelValues("created").Inc()
	s.publish("transaction.created", tx)
	return tx, nil
}

func (s *Service) GetTransactionByID(id string) (*models.Transaction, error) {
	return s.Store.GetTransaction(id)
}

func (s *Service) GetTransactionsByBookingID(bookingID string) ([]*models.Transaction, error) {
	return s.Store.GetTransactionsByBookingID(bookingID)
}

func (s *Service) GetTransactionsByPassengerID(passengerID string, opts storage.ListOptions) ([]*models.Transaction, error) {
	return s.Store.GetTransactionsByPassengerID(passengerID, opts)
}

// webhookIntent is the slice of the event payload we act on.
type webhookIntent struct {
	Object struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"object"`
}

// HandleWebhook verifies, dedupes and applies one provider event, updating
// the referenced transaction's status through MapStatus.
func (s *Service) HandleWebhook(ctx context.Context, headers http.Header, rawBody []byte) error {
	ev, err := s.Provider.ParseAndVerifyWebhook(headers, rawBody)
	if err != nil {
		observability.WebhookEventsTotal.WithLabelValues("rejected").Inc()
		return err
	}
	if s.Dedupe != nil {
		seen, err := s.Dedupe.Seen(ctx, ev.ID)
		if err != nil {
			// dedupe is advisory; fall through and apply
			s.Logger.Warn("webhook dedupe check failed", "event_id", ev.ID, "error", err)
		} else if seen {
			observability.WebhookEventsTotal.WithLabelValues("duplicate").Inc()
			return nil
		}
	}

	var payload webhookIntent
	if err := json.Unmarshal(ev.Data, &payload); err != nil {
		observability.WebhookEventsTotal.WithLabelValues("malformed").Inc()
		s.forgetEvent(ctx, ev.ID)
		return err
	}
	tx, err := s.Store.GetTransactionByProviderIntentID(payload.Object.ID)
	if err != nil {
		observability.WebhookEventsTotal.WithLabelValues("unknown_intent").Inc()
		s.forgetEvent(ctx, ev.ID)
		return err
	}
	tx.Status = s.Provider.MapStatus(payload.Object.Status)
	tx.UpdatedAt = s.Now()
	if err := s.Store.UpdateTransaction(tx); err != nil {
		s.forgetEvent(ctx, ev.ID)
		return err
	}
	observability.WebhookEventsTotal.WithLabelValues("applied").Inc()
	s.publish("transaction."+string(tx.Status), tx)
	s.Logger.Info("webhook applied", "event_id", ev.ID, "event_type", ev.Type, "transaction_id", tx.ID, "status", tx.Status)
	return nil
}

// Refund issues a provider refund for a succeeded transaction. amount nil
// means full refund. Admin-only; the action lands in the audit log.
func (s *Service) Refund(ctx context.Context, transactionID, adminID string, amount *int64, why string, rctx *audit.RequestContext) error {
	tx, err := s.Store.GetTransaction(transactionID)
	if err != nil {
		return err
	}
	if tx.Status != models.TxSucceeded {
		return domain.InvalidBookingStateError{BookingID: tx.BookingID, Status: string(tx.Status), Wanted: string(models.TxSucceeded)}
	}
	if err := s.Provider.CreateRefund(ctx, tx.ProviderPaymentIntentID, amount); err != nil {
		if domain.IsPaymentProvider(err) {
			return err
		}
		return domain.PaymentProviderError{Provider: s.Provider.Name(), Op: "create_refund", Err: err}
	}
	if s.Audit != nil {
		refunded := tx.Amount
		if amount != nil {
			refunded = *amount
		}
		s.Audit.RecordAdminAction("transaction.refund", "transaction", tx.ID, adminID,
			map[string]any{"status": tx.Status, "amount": tx.Amount},
			map[string]any{"refunded": refunded}, why, rctx)
	}
	return nil
}

// CancelPayment voids a still-active payment intent at the provider and marks
// the transaction canceled, freeing the booking for a fresh attempt.
func (s *Service) CancelPayment(ctx context.Context, transactionID, adminID, why string, rctx *audit.RequestContext) (*models.Transaction, error) {
	tx, err := s.Store.GetTransaction(transactionID)
	if err != nil {
		return nil, err
	}
	if !tx.IsActive() {
		return nil, domain.InvalidBookingStateError{BookingID: tx.BookingID, Status: string(tx.Status), Wanted: "active"}
	}
	if err := s.Provider.CancelPaymentIntent(ctx, tx.ProviderPaymentIntentID); err != nil {
		if domain.IsPaymentProvider(err) {
			return nil, err
		}
		return nil, domain.PaymentProviderError{Provider: s.Provider.Name(), Op: "cancel_payment_intent", Err: err}
	}
	before := tx.Status
	tx.Status = models.TxCanceled
	tx.UpdatedAt = s.Now()
	if err := s.Store.UpdateTransaction(tx); err != nil {
		return nil, err
	}
	if s.Audit != nil {
		s.Audit.RecordAdminAction("transaction.cancel", "transaction", tx.ID, adminID,
			map[string]any{"status": before}, map[string]any{"status": tx.Status}, why, rctx)
	}
	s.publish("transaction.canceled", tx)
	return tx, nil
}

// SyncFromProvider re-reads the remote intent and reconciles the stored
// status, for when a webhook delivery was missed.
func (s *Service) SyncFromProvider(ctx context.Context, transactionID string) (*models.Transaction, error) {
	tx, err := s.Store.GetTransaction(transactionID)
	if err != nil {
		return nil, err
	}
	intent, err := s.Provider.GetPaymentIntent(ctx, tx.ProviderPaymentIntentID)
	if err != nil {
		if domain.IsPaymentProvider(err) {
			return nil, err
		}
		return nil, domain.PaymentProviderError{Provider: s.Provider.Name(), Op: "get_payment_intent", Err: err}
	}
	if intent.Status == tx.Status {
		return tx, nil
	}
	tx.Status = intent.Status
	tx.UpdatedAt = s.Now()
	if err := s.Store.UpdateTransaction(tx); err != nil {
		return nil, err
	}
	s.publish("transaction."+string(tx.Status), tx)
	return tx, nil
}

// forgetEvent unmarks a deduped event id after a failed apply so the
// provider's redelivery is not dropped as a duplicate.
func (s *Service) forgetEvent(ctx context.Context, eventID string) {
	if s.Dedupe == nil {
		return
	}
	if err := s.Dedupe.Forget(ctx, eventID); err != nil {
		s.Logger.Warn("webhook dedupe unmark failed", "event_id", eventID, "error", err)
	}
}

func (s *Service) publish(eventType string, tx *models.Transaction) {
	if s.Events == nil {
		return
	}
	// best effort
	_ = s.Events.PublishEvent(ingest.Event{
		Type:          eventType,
		BookingID:     tx.BookingID,
		TransactionID: tx.ID,
		Status:        string(tx.Status),
		OccurredAt:    s.Now(),
	})
}

func newTxID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
